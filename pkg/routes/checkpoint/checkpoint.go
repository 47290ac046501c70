package checkpoint

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/pkg/models"
)

// Lister reads persisted watermarks
type Lister interface {
	List(ctx context.Context) ([]models.Checkpoint, error)
}

// Handler serves checkpoint endpoints
type Handler struct {
	checkpoints Lister
}

// NewHandler creates a new checkpoint handler
func NewHandler(checkpoints Lister) *Handler {
	return &Handler{checkpoints: checkpoints}
}

// Register registers checkpoint routes
func (h *Handler) Register(g *echo.Group) {
	g.GET("", h.List)
}

// List handles GET /checkpoints
func (h *Handler) List(c echo.Context) error {
	checkpoints, err := h.checkpoints.List(c.Request().Context())
	if err != nil {
		return err
	}
	if checkpoints == nil {
		checkpoints = []models.Checkpoint{}
	}

	return c.JSON(http.StatusOK, checkpoints)
}
