package finding

import (
	"context"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const table = "findings"

var columns = []string{"id", "kind", "entity_type", "description", "details", "observed_at", "run_id"}

type row struct {
	ID          string                         `db:"id"`
	Kind        string                         `db:"kind"`
	EntityType  string                         `db:"entity_type"`
	Description string                         `db:"description"`
	Details     database.JSONB[map[string]any] `db:"details"`
	ObservedAt  time.Time                      `db:"observed_at"`
	RunID       string                         `db:"run_id"`
}

// Repository stores findings
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new finding repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// Upsert writes findings. Finding ids are deterministic, so a replayed finding
// refreshes the stored one instead of duplicating it.
func (r *Repository) Upsert(ctx context.Context, findings []models.Finding) error {
	ctx, span := tracing.StartSpan(ctx, "finding.Repository.Upsert")
	defer span.End()

	if len(findings) == 0 {
		return nil
	}

	ib := database.NewInsertBuilder()
	ib.InsertInto(table)
	ib.Cols(columns...)
	for _, f := range findings {
		details := f.Details
		if details == nil {
			details = map[string]any{}
		}
		ib.Values(f.ID, string(f.Kind), f.EntityType, f.Description, database.NewJSONB(details), f.ObservedAt.UTC(), f.RunID)
	}

	ub := ib.OnConflict("id")
	ub.Set(
		ub.Assign("description", database.Excluded("description")),
		ub.Assign("details", database.Excluded("details")),
		ub.Assign("observed_at", database.Excluded("observed_at")),
		ub.Assign("run_id", database.Excluded("run_id")),
	)

	query, args := ib.Build()
	if _, err := r.db.Executor(ctx).ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("findings", len(findings)).Error("Failed to upsert findings")
		return httperror.NewHTTPErrorf(http.StatusInternalServerError, "failed to upsert findings: %v", err)
	}
	return nil
}

// List returns findings, newest first. Empty entityType or kind match everything.
func (r *Repository) List(ctx context.Context, entityType string, kind models.FindingKind, limit int) ([]models.Finding, error) {
	ctx, span := tracing.StartSpan(ctx, "finding.Repository.List")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(table)
	var where []string
	if entityType != "" {
		where = append(where, sb.Equal("entity_type", entityType))
	}
	if kind != "" {
		where = append(where, sb.Equal("kind", string(kind)))
	}
	if len(where) > 0 {
		sb.Where(where...)
	}
	sb.OrderBy("observed_at DESC", "id")
	if limit > 0 {
		sb.Limit(limit)
	}

	query, args := sb.Build()
	var rows []row
	if err := r.db.Executor(ctx).SelectContext(ctx, &rows, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list findings")
		return nil, httperror.NewHTTPErrorf(http.StatusInternalServerError, "failed to list findings: %v", err)
	}

	findings := make([]models.Finding, 0, len(rows))
	for _, rw := range rows {
		findings = append(findings, models.Finding{
			ID:          rw.ID,
			Kind:        models.FindingKind(rw.Kind),
			EntityType:  rw.EntityType,
			Description: rw.Description,
			Details:     rw.Details.GetValue(),
			ObservedAt:  rw.ObservedAt.UTC(),
			RunID:       rw.RunID,
		})
	}
	return findings, nil
}
