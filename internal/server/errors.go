package server

import (
	"errors"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"
)

// errNoCatalog marks endpoints that need the relational catalog when
// the server runs without one.
var errNoCatalog = errors.New("catalog not configured")

// errorBody is the structured failure shape every endpoint answers.
type errorBody struct {
	Message string            `json:"message"`
	Detail  string            `json:"detail,omitempty"`
	Errors  []validationError `json:"errors,omitempty"`
}

// validationError locates one rejected input field.
type validationError struct {
	Location string `json:"location"`
	Message  string `json:"message"`
	Type     string `json:"type"`
}

func badRequest(message string, errs ...validationError) *echo.HTTPError {
	return echo.NewHTTPError(http.StatusBadRequest, errorBody{Message: message, Errors: errs})
}

func notFound(message string) *echo.HTTPError {
	return echo.NewHTTPError(http.StatusNotFound, errorBody{Message: message})
}

func internalError(err error) *echo.HTTPError {
	log.Printf("internal error: %v", err)
	return echo.NewHTTPError(http.StatusInternalServerError, errorBody{Message: err.Error()})
}
