package report

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/internal/repositories/reconciliation"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/routes"
)

// ReconciliationLister reads stored reconciliations
type ReconciliationLister interface {
	List(ctx context.Context, filter reconciliation.ListFilter) ([]models.ChecksumReconciliation, error)
}

// FindingLister reads stored findings
type FindingLister interface {
	List(ctx context.Context, entityType string, kind models.FindingKind, limit int) ([]models.Finding, error)
}

var findingKinds = map[models.FindingKind]bool{
	models.FindingChecksumMismatch:       true,
	models.FindingImportChecksumMismatch: true,
	models.FindingStaleData:              true,
}

// Handler serves the reconciliation report
type Handler struct {
	reconciliations ReconciliationLister
	findings        FindingLister
}

// NewHandler creates a new report handler
func NewHandler(reconciliations ReconciliationLister, findings FindingLister) *Handler {
	return &Handler{reconciliations: reconciliations, findings: findings}
}

// Register registers report routes
func (h *Handler) Register(g *echo.Group) {
	g.GET("/reconciliations", h.ListReconciliations)
	g.GET("/findings", h.ListFindings)
}

// ListReconciliations handles GET /reconciliations?entity_type=&issues_only=&limit=
func (h *Handler) ListReconciliations(c echo.Context) error {
	issuesOnly, err := routes.QueryBool(c, "issues_only")
	if err != nil {
		return err
	}
	limit, err := routes.QueryLimit(c)
	if err != nil {
		return err
	}

	recs, err := h.reconciliations.List(c.Request().Context(), reconciliation.ListFilter{
		EntityType: c.QueryParam("entity_type"),
		IssuesOnly: issuesOnly,
		Limit:      limit,
	})
	if err != nil {
		return err
	}
	if recs == nil {
		recs = []models.ChecksumReconciliation{}
	}

	return c.JSON(http.StatusOK, models.ReconciliationListResponse{Items: recs, TotalCount: len(recs)})
}

// ListFindings handles GET /findings?entity_type=&kind=&limit=
func (h *Handler) ListFindings(c echo.Context) error {
	kind := models.FindingKind(c.QueryParam("kind"))
	if kind != "" && !findingKinds[kind] {
		return routes.BadRequest("unknown finding kind")
	}
	limit, err := routes.QueryLimit(c)
	if err != nil {
		return err
	}

	findings, err := h.findings.List(c.Request().Context(), c.QueryParam("entity_type"), kind, limit)
	if err != nil {
		return err
	}
	if findings == nil {
		findings = []models.Finding{}
	}

	return c.JSON(http.StatusOK, models.FindingListResponse{Items: findings, TotalCount: len(findings)})
}
