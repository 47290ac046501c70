package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const table = "checkpoints"

// Repository persists pipeline watermarks
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new checkpoint repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// GetWatermark returns the committed watermark for name, or ok=false if none exists
func (r *Repository) GetWatermark(ctx context.Context, name string) (time.Time, bool, error) {
	ctx, span := tracing.StartSpan(ctx, "checkpoint.Repository.GetWatermark")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select("watermark")
	sb.From(table)
	sb.Where(sb.Equal("name", name))

	query, args := sb.Build()
	var watermark time.Time
	if err := r.db.Executor(ctx).GetContext(ctx, &watermark, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return time.Time{}, false, nil
		}
		r.logger.WithContext(ctx).WithError(err).WithField("checkpoint", name).Error("Failed to get checkpoint")
		return time.Time{}, false, httperror.NewHTTPErrorf(http.StatusInternalServerError, "failed to get checkpoint: %v", err)
	}
	return watermark.UTC(), true, nil
}

// SetWatermark stores the watermark for name
func (r *Repository) SetWatermark(ctx context.Context, name string, watermark time.Time) error {
	ctx, span := tracing.StartSpan(ctx, "checkpoint.Repository.SetWatermark")
	defer span.End()

	ib := database.NewInsertBuilder()
	ib.InsertInto(table)
	ib.Cols("name", "watermark", "updated_at")
	ib.Values(name, watermark.UTC(), time.Now().UTC())

	ub := ib.OnConflict("name")
	ub.Set(
		ub.Assign("watermark", database.Excluded("watermark")),
		ub.Assign("updated_at", database.Excluded("updated_at")),
	)

	query, args := ib.Build()
	if _, err := r.db.Executor(ctx).ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("checkpoint", name).Error("Failed to set checkpoint")
		return httperror.NewHTTPErrorf(http.StatusInternalServerError, "failed to set checkpoint: %v", err)
	}
	return nil
}

// List returns every checkpoint ordered by name
func (r *Repository) List(ctx context.Context) ([]models.Checkpoint, error) {
	ctx, span := tracing.StartSpan(ctx, "checkpoint.Repository.List")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select("name", "watermark", "updated_at")
	sb.From(table)
	sb.OrderBy("name")

	query, args := sb.Build()
	var checkpoints []models.Checkpoint
	if err := r.db.Executor(ctx).SelectContext(ctx, &checkpoints, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list checkpoints")
		return nil, httperror.NewHTTPErrorf(http.StatusInternalServerError, "failed to list checkpoints: %v", err)
	}
	for i := range checkpoints {
		checkpoints[i].Watermark = checkpoints[i].Watermark.UTC()
		checkpoints[i].UpdatedAt = checkpoints[i].UpdatedAt.UTC()
	}
	return checkpoints, nil
}
