package server

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/eugenever/tiler/internal/catalog"
)

func (s *Server) handleListDatasources(c echo.Context) error {
	if s.Catalog == nil {
		return internalError(errNoCatalog)
	}
	list, err := s.Catalog.List(c.Request().Context())
	if err != nil {
		return internalError(err)
	}
	if list == nil {
		list = []*catalog.DataSource{}
	}
	return c.JSON(http.StatusOK, list)
}

func (s *Server) handleGetDatasource(c echo.Context) error {
	ds, err := s.loadDatasource(c, c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, ds)
}

func (s *Server) handleUpsertDatasource(c echo.Context) error {
	if s.Catalog == nil {
		return internalError(errNoCatalog)
	}
	var ds catalog.DataSource
	if err := c.Bind(&ds); err != nil {
		return badRequest("invalid datasource body: " + err.Error())
	}
	if err := s.Catalog.Upsert(c.Request().Context(), &ds); err != nil {
		return badRequest(err.Error())
	}
	return c.JSON(http.StatusOK, map[string]string{
		"datasource_id": ds.ID,
		"message":       "DataSource saved",
	})
}

func (s *Server) handleDeleteDatasource(c echo.Context) error {
	if s.Catalog == nil {
		return internalError(errNoCatalog)
	}
	id := c.QueryParam("id")
	if id == "" {
		var body struct {
			ID string `json:"id"`
		}
		if err := c.Bind(&body); err == nil {
			id = body.ID
		}
	}
	if id == "" {
		return badRequest("datasource id is required")
	}
	if err := s.Catalog.Delete(c.Request().Context(), id); err != nil {
		return internalError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{
		"datasource_id": id,
		"message":       "DataSource removed",
	})
}

func (s *Server) handleLoadFiles(c echo.Context) error {
	if s.Catalog == nil {
		return internalError(errNoCatalog)
	}
	result, err := catalog.LoadFiles(c.Request().Context(), s.Catalog, s.DataDir)
	if err != nil {
		return internalError(err)
	}
	return c.JSON(http.StatusOK, result)
}
