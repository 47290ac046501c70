// Package routes holds request helpers shared by the HTTP handlers.
package routes

import (
	"net/http"
	"strconv"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/labstack/echo/v4"
)

const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// BadRequest returns a 400 Bad Request error
func BadRequest(message string) error {
	return httperror.NewHTTPError(http.StatusBadRequest, message)
}

// QueryLimit reads ?limit=, defaulting to DefaultLimit and capping at MaxLimit
func QueryLimit(c echo.Context) (int, error) {
	raw := c.QueryParam("limit")
	if raw == "" {
		return DefaultLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, BadRequest("limit must be a positive integer")
	}
	return min(limit, MaxLimit), nil
}

// QueryBool reads a boolean query parameter; empty means false
func QueryBool(c echo.Context, name string) (bool, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, httperror.NewHTTPErrorf(http.StatusBadRequest, "%s must be a boolean", name)
	}
	return v, nil
}

// QueryTime reads an RFC3339 query parameter
func QueryTime(c echo.Context, name string) (time.Time, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return time.Time{}, httperror.NewHTTPErrorf(http.StatusBadRequest, "missing %s", name)
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, httperror.NewHTTPErrorf(http.StatusBadRequest, "invalid %s: must be RFC3339", name)
	}
	return t.UTC(), nil
}
