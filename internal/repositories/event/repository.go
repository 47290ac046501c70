package event

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

const table = "events"

var columns = []string{"seq", "event_hash", "entity_type", "entity_id", "operation", "occurred_at", "fields", "restricted_fields", "import_batch_id"}

// row is the events table shape
type row struct {
	Sequence         int64                         `db:"seq"`
	Hash             string                        `db:"event_hash"`
	EntityType       string                        `db:"entity_type"`
	EntityID         string                        `db:"entity_id"`
	Operation        string                        `db:"operation"`
	OccurredAt       time.Time                     `db:"occurred_at"`
	Fields           database.JSONB[models.Fields] `db:"fields"`
	RestrictedFields database.JSONB[models.Fields] `db:"restricted_fields"`
	ImportBatchID    *string                       `db:"import_batch_id"`
}

func (r row) toModel() models.Event {
	return models.Event{
		EntityType:       r.EntityType,
		EntityID:         r.EntityID,
		Operation:        models.Operation(r.Operation),
		OccurredAt:       r.OccurredAt.UTC(),
		Fields:           r.Fields.GetValue(),
		RestrictedFields: r.RestrictedFields.GetValue(),
		ImportBatchID:    r.ImportBatchID,
		Sequence:         r.Sequence,
		Hash:             r.Hash,
	}
}

// Repository is the append-only event store
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new event repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// Insert appends an event. Redeliveries with an already stored hash are ignored and
// reported with inserted=false.
func (r *Repository) Insert(ctx context.Context, e models.Event) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, "event.Repository.Insert")
	defer span.End()

	fields := e.Fields
	if fields == nil {
		fields = models.Fields{}
	}
	restricted := e.RestrictedFields
	if restricted == nil {
		restricted = models.Fields{}
	}

	ib := database.NewInsertBuilder()
	ib.InsertInto(table)
	ib.Cols("event_hash", "entity_type", "entity_id", "operation", "occurred_at", "fields", "restricted_fields", "import_batch_id")
	ib.Values(e.Hash, e.EntityType, e.EntityID, string(e.Operation), e.OccurredAt.UTC(),
		database.NewJSONB(fields), database.NewJSONB(restricted), e.ImportBatchID)
	ib.OnConflictDoNothing("event_hash")

	sql, args := ib.Build()
	result, err := r.db.Executor(ctx).ExecContext(ctx, sql, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"entity_type": e.EntityType,
			"entity_id":   e.EntityID,
		}).Error("Failed to insert event")
		return false, httperror.NewHTTPErrorf(http.StatusInternalServerError, "failed to insert event: %v", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, httperror.NewHTTPErrorf(http.StatusInternalServerError, "failed to insert event: %v", err)
	}
	return affected > 0, nil
}

// ListSince returns the events of entityType with after < occurred_at <= until,
// ordered by occurred_at and sequence
func (r *Repository) ListSince(ctx context.Context, entityType string, after, until time.Time) ([]models.Event, error) {
	ctx, span := tracing.StartSpan(ctx, "event.Repository.ListSince")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(table)
	sb.Where(
		sb.Equal("entity_type", entityType),
		sb.GreaterThan("occurred_at", after.UTC()),
		sb.LessEqualThan("occurred_at", until.UTC()),
	)
	sb.OrderBy("occurred_at", "seq")

	query, args := sb.Build()
	return r.list(ctx, query, args)
}

// ListImportBatch returns the import events of one batch
func (r *Repository) ListImportBatch(ctx context.Context, entityType, batchID string) ([]models.Event, error) {
	ctx, span := tracing.StartSpan(ctx, "event.Repository.ListImportBatch")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(table)
	sb.Where(
		sb.Equal("entity_type", entityType),
		sb.Equal("import_batch_id", batchID),
		sb.Equal("operation", string(models.OperationImport)),
	)
	sb.OrderBy("occurred_at", "seq")

	query, args := sb.Build()
	return r.list(ctx, query, args)
}

func (r *Repository) list(ctx context.Context, query string, args []any) ([]models.Event, error) {
	var rows []row
	if err := r.db.Executor(ctx).SelectContext(ctx, &rows, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list events")
		return nil, httperror.NewHTTPErrorf(http.StatusInternalServerError, "failed to list events: %v", err)
	}

	events := make([]models.Event, 0, len(rows))
	for _, rw := range rows {
		events = append(events, rw.toModel())
	}
	return events, nil
}

// LatestOccurredAt returns the newest occurred_at per entity type
func (r *Repository) LatestOccurredAt(ctx context.Context) (map[string]time.Time, error) {
	ctx, span := tracing.StartSpan(ctx, "event.Repository.LatestOccurredAt")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select("entity_type", sb.As("MAX(occurred_at)", "latest"))
	sb.From(table)
	sb.GroupBy("entity_type")

	query, args := sb.Build()
	var rows []struct {
		EntityType string    `db:"entity_type"`
		Latest     time.Time `db:"latest"`
	}
	if err := r.db.Executor(ctx).SelectContext(ctx, &rows, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to load latest event times")
		return nil, httperror.NewHTTPErrorf(http.StatusInternalServerError, "failed to load latest event times: %v", err)
	}

	latest := make(map[string]time.Time, len(rows))
	for _, rw := range rows {
		latest[rw.EntityType] = rw.Latest.UTC()
	}
	return latest, nil
}
