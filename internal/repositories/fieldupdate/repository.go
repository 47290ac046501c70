package fieldupdate

import (
	"context"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const table = "field_updates"

var columns = []string{"entity_type", "entity_id", "occurred_at", "field_name", "previous_value", "new_value", "operation", "restricted", "change_from_original_value"}

// Repository stores field updates
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new field update repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// Insert writes updates. Rows already stored for the same entity, time, field and
// visibility are left as they are, so rerunning a batch is idempotent.
func (r *Repository) Insert(ctx context.Context, updates []models.FieldUpdate) error {
	ctx, span := tracing.StartSpan(ctx, "fieldupdate.Repository.Insert")
	defer span.End()

	if len(updates) == 0 {
		return nil
	}

	ib := database.NewInsertBuilder()
	ib.InsertInto(table)
	ib.Cols(columns...)
	for _, u := range updates {
		ib.Values(u.EntityType, u.EntityID, u.OccurredAt.UTC(), u.FieldName, u.PreviousValue, u.NewValue,
			string(u.Operation), u.Restricted, u.ChangeFromOriginalValue)
	}
	ib.OnConflictDoNothing("entity_type", "entity_id", "occurred_at", "field_name", "restricted")

	query, args := ib.Build()
	if _, err := r.db.Executor(ctx).ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("field_updates", len(updates)).Error("Failed to insert field updates")
		return httperror.NewHTTPErrorf(http.StatusInternalServerError, "failed to insert field updates: %v", err)
	}
	return nil
}

// ListByEntity returns the field updates of one entity in time order
func (r *Repository) ListByEntity(ctx context.Context, entityType, entityID string) ([]models.FieldUpdate, error) {
	ctx, span := tracing.StartSpan(ctx, "fieldupdate.Repository.ListByEntity")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(table)
	sb.Where(
		sb.Equal("entity_type", entityType),
		sb.Equal("entity_id", entityID),
	)
	sb.OrderBy("occurred_at", "restricted", "field_name")

	query, args := sb.Build()
	var updates []models.FieldUpdate
	if err := r.db.Executor(ctx).SelectContext(ctx, &updates, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"entity_type": entityType,
			"entity_id":   entityID,
		}).Error("Failed to list field updates")
		return nil, httperror.NewHTTPErrorf(http.StatusInternalServerError, "failed to list field updates: %v", err)
	}
	for i := range updates {
		updates[i].OccurredAt = updates[i].OccurredAt.UTC()
	}
	return updates, nil
}
