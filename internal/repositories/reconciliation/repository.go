package reconciliation

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

const table = "checksum_reconciliations"

var columns = []string{
	"check_id", "entity_type", "import_batch_id", "order_column", "calculated_at",
	"database_row_count", "derived_row_count", "database_checksum", "derived_checksum",
	"excluded_concurrent_count", "issue", "issue_description", "strategies", "reconciled_at",
}

type row struct {
	CheckID                 string                                                       `db:"check_id"`
	EntityType              string                                                       `db:"entity_type"`
	ImportBatchID           *string                                                      `db:"import_batch_id"`
	OrderColumn             string                                                       `db:"order_column"`
	CalculatedAt            time.Time                                                    `db:"calculated_at"`
	DatabaseRowCount        int64                                                        `db:"database_row_count"`
	DerivedRowCount         *int64                                                       `db:"derived_row_count"`
	DatabaseChecksum        string                                                       `db:"database_checksum"`
	DerivedChecksum         string                                                       `db:"derived_checksum"`
	ExcludedConcurrentCount int64                                                        `db:"excluded_concurrent_count"`
	Issue                   string                                                       `db:"issue"`
	IssueDescription        string                                                       `db:"issue_description"`
	Strategies              database.JSONB[map[models.OrderColumn]models.StrategyResult] `db:"strategies"`
	ReconciledAt            time.Time                                                    `db:"reconciled_at"`
}

func (r row) toModel() models.ChecksumReconciliation {
	return models.ChecksumReconciliation{
		CheckID:                 r.CheckID,
		EntityType:              r.EntityType,
		ImportBatchID:           r.ImportBatchID,
		OrderColumn:             models.OrderColumn(r.OrderColumn),
		CalculatedAt:            r.CalculatedAt.UTC(),
		DatabaseRowCount:        r.DatabaseRowCount,
		DerivedRowCount:         r.DerivedRowCount,
		DatabaseChecksum:        r.DatabaseChecksum,
		DerivedChecksum:         r.DerivedChecksum,
		ExcludedConcurrentCount: r.ExcludedConcurrentCount,
		Issue:                   models.Issue(r.Issue),
		IssueDescription:        r.IssueDescription,
		Strategies:              r.Strategies.GetValue(),
		ReconciledAt:            r.ReconciledAt.UTC(),
	}
}

// Repository stores checksum reconciliations
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new reconciliation repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// Upsert writes reconciliations keyed by check id. Re-verifying a check replaces its result.
func (r *Repository) Upsert(ctx context.Context, recs []models.ChecksumReconciliation) error {
	ctx, span := tracing.StartSpan(ctx, "reconciliation.Repository.Upsert")
	defer span.End()

	if len(recs) == 0 {
		return nil
	}

	ib := database.NewInsertBuilder()
	ib.InsertInto(table)
	ib.Cols(columns...)
	for _, rec := range recs {
		strategies := rec.Strategies
		if strategies == nil {
			strategies = map[models.OrderColumn]models.StrategyResult{}
		}
		ib.Values(rec.CheckID, rec.EntityType, rec.ImportBatchID, string(rec.OrderColumn), rec.CalculatedAt.UTC(),
			rec.DatabaseRowCount, rec.DerivedRowCount, rec.DatabaseChecksum, rec.DerivedChecksum,
			rec.ExcludedConcurrentCount, string(rec.Issue), rec.IssueDescription, database.NewJSONB(strategies), rec.ReconciledAt.UTC())
	}

	ub := ib.OnConflict("check_id")
	ub.Set(
		ub.Assign("derived_row_count", database.Excluded("derived_row_count")),
		ub.Assign("derived_checksum", database.Excluded("derived_checksum")),
		ub.Assign("excluded_concurrent_count", database.Excluded("excluded_concurrent_count")),
		ub.Assign("issue", database.Excluded("issue")),
		ub.Assign("issue_description", database.Excluded("issue_description")),
		ub.Assign("strategies", database.Excluded("strategies")),
		ub.Assign("reconciled_at", database.Excluded("reconciled_at")),
	)

	query, args := ib.Build()
	if _, err := r.db.Executor(ctx).ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("reconciliations", len(recs)).Error("Failed to upsert reconciliations")
		return httperror.NewHTTPErrorf(http.StatusInternalServerError, "failed to upsert reconciliations: %v", err)
	}
	return nil
}

// ListFilter narrows List. Empty fields match everything.
type ListFilter struct {
	EntityType string
	IssuesOnly bool
	Limit      int
}

// List returns reconciliations, newest calculated_at first
func (r *Repository) List(ctx context.Context, filter ListFilter) ([]models.ChecksumReconciliation, error) {
	ctx, span := tracing.StartSpan(ctx, "reconciliation.Repository.List")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(table)
	var where []string
	if filter.EntityType != "" {
		where = append(where, sb.Equal("entity_type", filter.EntityType))
	}
	if filter.IssuesOnly {
		where = append(where, sb.NotEqual("issue", string(models.IssueNone)))
	}
	if len(where) > 0 {
		sb.Where(where...)
	}
	sb.OrderBy("calculated_at DESC", "check_id")
	if filter.Limit > 0 {
		sb.Limit(filter.Limit)
	}

	query, args := sb.Build()
	var rows []row
	if err := r.db.Executor(ctx).SelectContext(ctx, &rows, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list reconciliations")
		return nil, httperror.NewHTTPErrorf(http.StatusInternalServerError, "failed to list reconciliations: %v", err)
	}

	recs := make([]models.ChecksumReconciliation, 0, len(rows))
	for _, rw := range rows {
		recs = append(recs, rw.toModel())
	}
	return recs, nil
}
