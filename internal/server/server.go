// Package server exposes the tiler over HTTP: the tile serving path,
// pyramid launches, and the datasource catalog endpoints.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/eugenever/tiler/internal/catalog"
	"github.com/eugenever/tiler/internal/config"
	"github.com/eugenever/tiler/internal/tilestore"
	"github.com/eugenever/tiler/internal/vector"
)

// CatalogStore is the catalog surface the server consumes; the
// Postgres catalog implements it.
type CatalogStore interface {
	Get(ctx context.Context, id string) (*catalog.DataSource, error)
	List(ctx context.Context) ([]*catalog.DataSource, error)
	Upsert(ctx context.Context, ds *catalog.DataSource) error
	Delete(ctx context.Context, id string) error
	DB() *sql.DB
}

// Server wires the HTTP surface to the tiling core.
type Server struct {
	Echo     *echo.Echo
	Catalog  CatalogStore
	Registry *tilestore.Registry
	Env      *config.Env
	App      *config.App

	DataDir  string
	TilesDir string

	readers   *readerCache
	mvt       *vector.Builder
	upstreams *upstreamPool
	metrics   *metrics
}

// New builds the server, mounts the API routes under /api and the
// Prometheus endpoint at /metrics.
func New(cat CatalogStore, reg *tilestore.Registry, env *config.Env, app *config.App, dataDir, tilesDir string) (*Server, error) {
	readers, err := newReaderCache(64)
	if err != nil {
		return nil, err
	}

	s := &Server{
		Echo:      echo.New(),
		Catalog:   cat,
		Registry:  reg,
		Env:       env,
		App:       app,
		DataDir:   dataDir,
		TilesDir:  tilesDir,
		readers:   readers,
		upstreams: newUpstreamPool(env.CheckKeysAfterDays),
		metrics:   newMetrics(),
	}
	if cat != nil && cat.DB() != nil {
		s.mvt = vector.NewBuilder(cat.DB())
	}

	e := s.Echo
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{AllowOrigins: []string{"*"}}))

	api := e.Group("/api")
	api.GET("/health", s.handleHealth)
	api.GET("/tile/:datasource_id/:z/:x/:coord", s.handleTile)
	api.POST("/pyramid", s.handlePyramid)
	api.GET("/datasources", s.handleListDatasources)
	api.GET("/datasources/:id", s.handleGetDatasource)
	api.POST("/datasources", s.handleUpsertDatasource)
	api.PUT("/datasources", s.handleUpsertDatasource)
	api.DELETE("/datasources", s.handleDeleteDatasource)
	api.POST("/datasources/load_files", s.handleLoadFiles)

	e.GET("/metrics", echo.WrapHandler(
		promhttp.HandlerFor(s.metrics.registry, promhttp.HandlerOpts{})))

	return s, nil
}

// Start serves until the listener fails.
func (s *Server) Start(addr string) error {
	return s.Echo.Start(addr)
}

// Close releases the cached readers.
func (s *Server) Close() {
	s.readers.Close()
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"worker_pid":    os.Getpid(),
		"worker_type":   "tiler",
		"worker_status": "running",
	})
}

// datasourceDir returns data/<id>.
func (s *Server) datasourceDir(id string) string {
	return filepath.Join(s.DataDir, id)
}

// archivePath returns tiles/<id>/<id>.mbtiles.
func (s *Server) archivePath(id string) string {
	return filepath.Join(s.TilesDir, id, id+".mbtiles")
}

// sidecarPath returns data/<id>/<id>.db.
func (s *Server) sidecarPath(id string) string {
	return filepath.Join(s.DataDir, id, id+".db")
}

// loadDatasource resolves a datasource or answers 404.
func (s *Server) loadDatasource(c echo.Context, id string) (*catalog.DataSource, error) {
	if s.Catalog == nil {
		return nil, echo.NewHTTPError(http.StatusInternalServerError, "catalog not configured")
	}
	ds, err := s.Catalog.Get(c.Request().Context(), id)
	if err != nil {
		return nil, internalError(fmt.Errorf("loading datasource %q: %w", id, err))
	}
	if ds == nil {
		return nil, notFound(fmt.Sprintf("DataSource id '%s' not found", id))
	}
	return ds, nil
}
