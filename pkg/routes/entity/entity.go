package entity

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/routes"
)

// VersionReader reads an entity's timeline
type VersionReader interface {
	ListByEntity(ctx context.Context, entityType, entityID string) ([]models.EntityVersion, error)
	AsOf(ctx context.Context, entityType, entityID string, t time.Time) (*models.EntityVersion, error)
}

// FieldUpdateReader reads an entity's field-level changes
type FieldUpdateReader interface {
	ListByEntity(ctx context.Context, entityType, entityID string) ([]models.FieldUpdate, error)
}

// Handler serves entity timeline endpoints
type Handler struct {
	versions     VersionReader
	fieldUpdates FieldUpdateReader
}

// NewHandler creates a new entity handler
func NewHandler(versions VersionReader, fieldUpdates FieldUpdateReader) *Handler {
	return &Handler{versions: versions, fieldUpdates: fieldUpdates}
}

// Register registers entity routes
func (h *Handler) Register(g *echo.Group) {
	g.GET("/:entity_type/:entity_id/versions", h.ListVersions)
	g.GET("/:entity_type/:entity_id/as-of", h.AsOf)
	g.GET("/:entity_type/:entity_id/field-updates", h.ListFieldUpdates)
}

// ListVersions handles GET /entities/:entity_type/:entity_id/versions
func (h *Handler) ListVersions(c echo.Context) error {
	versions, err := h.versions.ListByEntity(c.Request().Context(), c.Param("entity_type"), c.Param("entity_id"))
	if err != nil {
		return err
	}
	if versions == nil {
		versions = []models.EntityVersion{}
	}

	return c.JSON(http.StatusOK, models.EntityVersionListResponse{Items: versions, TotalCount: len(versions)})
}

// AsOf handles GET /entities/:entity_type/:entity_id/as-of?at=RFC3339
func (h *Handler) AsOf(c echo.Context) error {
	at, err := routes.QueryTime(c, "at")
	if err != nil {
		return err
	}

	version, err := h.versions.AsOf(c.Request().Context(), c.Param("entity_type"), c.Param("entity_id"), at)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, version)
}

// ListFieldUpdates handles GET /entities/:entity_type/:entity_id/field-updates
func (h *Handler) ListFieldUpdates(c echo.Context) error {
	updates, err := h.fieldUpdates.ListByEntity(c.Request().Context(), c.Param("entity_type"), c.Param("entity_id"))
	if err != nil {
		return err
	}
	if updates == nil {
		updates = []models.FieldUpdate{}
	}

	return c.JSON(http.StatusOK, models.FieldUpdateListResponse{Items: updates, TotalCount: len(updates)})
}
