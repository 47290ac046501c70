package run

import (
	"errors"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectolinq"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/pkg/pipeline"
	"github.com/Ramsey-B/fern/pkg/scheduler"
)

// Handler triggers pipeline runs on demand
type Handler struct {
	runner      scheduler.Runner
	entityTypes []string
	now         func() time.Time
}

// NewHandler creates a run handler. An empty entityTypes accepts any type.
func NewHandler(runner scheduler.Runner, entityTypes []string) *Handler {
	return &Handler{
		runner:      runner,
		entityTypes: entityTypes,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Register registers run routes
func (h *Handler) Register(g *echo.Group) {
	g.POST("/:entity_type", h.Trigger)
}

// Trigger handles POST /runs/:entity_type
func (h *Handler) Trigger(c echo.Context) error {
	entityType := c.Param("entity_type")
	if len(h.entityTypes) > 0 && !ectolinq.Contains(h.entityTypes, entityType) {
		return httperror.NewHTTPErrorf(http.StatusNotFound, "entity type %q is not configured", entityType)
	}

	summary, err := h.runner.Run(c.Request().Context(), entityType, h.now())
	if err != nil {
		if errors.Is(err, pipeline.ErrPartitionBusy) {
			return httperror.NewHTTPErrorf(http.StatusConflict, "a run for %q is already in progress", entityType)
		}
		return err
	}

	return c.JSON(http.StatusOK, summary)
}
