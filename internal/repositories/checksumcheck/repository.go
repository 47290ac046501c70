package checksumcheck

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

const table = "checksum_checks"

var columns = []string{"id", "entity_type", "row_count", "checksum", "calculated_at", "order_column", "import_batch_id"}

// Repository stores reported checksum checks
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new checksum check repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// Insert stores a check. A redelivered check with the same id is ignored.
func (r *Repository) Insert(ctx context.Context, check models.ChecksumCheck) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, "checksumcheck.Repository.Insert")
	defer span.End()

	ib := database.NewInsertBuilder()
	ib.InsertInto(table)
	ib.Cols(columns...)
	ib.Values(check.ID, check.EntityType, check.RowCount, check.Checksum, check.CalculatedAt.UTC(),
		string(check.OrderColumn), check.ImportBatchID)
	ib.OnConflictDoNothing("id")

	query, args := ib.Build()
	result, err := r.db.Executor(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"check_id":    check.ID,
			"entity_type": check.EntityType,
		}).Error("Failed to insert checksum check")
		return false, httperror.NewHTTPErrorf(http.StatusInternalServerError, "failed to insert checksum check: %v", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, httperror.NewHTTPErrorf(http.StatusInternalServerError, "failed to insert checksum check: %v", err)
	}
	return affected > 0, nil
}

// ListCalculatedBetween returns the checks of entityType with after < calculated_at <= until,
// oldest first. imports selects import checks instead of wall-clock checks.
func (r *Repository) ListCalculatedBetween(ctx context.Context, entityType string, after, until time.Time, imports bool) ([]models.ChecksumCheck, error) {
	ctx, span := tracing.StartSpan(ctx, "checksumcheck.Repository.ListCalculatedBetween")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(table)
	batch := sb.IsNull("import_batch_id")
	if imports {
		batch = sb.IsNotNull("import_batch_id")
	}
	sb.Where(
		sb.Equal("entity_type", entityType),
		sb.GreaterThan("calculated_at", after.UTC()),
		sb.LessEqualThan("calculated_at", until.UTC()),
		batch,
	)
	sb.OrderBy("calculated_at", "id")

	query, args := sb.Build()
	var checks []models.ChecksumCheck
	if err := r.db.Executor(ctx).SelectContext(ctx, &checks, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("entity_type", entityType).Error("Failed to list checksum checks")
		return nil, httperror.NewHTTPErrorf(http.StatusInternalServerError, "failed to list checksum checks: %v", err)
	}
	for i := range checks {
		checks[i].CalculatedAt = checks[i].CalculatedAt.UTC()
	}
	return checks, nil
}
