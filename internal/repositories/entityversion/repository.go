package entityversion

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

const table = "entity_versions"

var columns = []string{"entity_type", "entity_id", "valid_from", "valid_to", "operation", "fields", "restricted_fields", "import_batch_id", "closed_by_delete"}

type row struct {
	EntityType       string                        `db:"entity_type"`
	EntityID         string                        `db:"entity_id"`
	ValidFrom        time.Time                     `db:"valid_from"`
	ValidTo          *time.Time                    `db:"valid_to"`
	Operation        string                        `db:"operation"`
	Fields           database.JSONB[models.Fields] `db:"fields"`
	RestrictedFields database.JSONB[models.Fields] `db:"restricted_fields"`
	ImportBatchID    *string                       `db:"import_batch_id"`
	ClosedByDelete   bool                          `db:"closed_by_delete"`
}

func (r row) toModel() models.EntityVersion {
	v := models.EntityVersion{
		EntityType:       r.EntityType,
		EntityID:         r.EntityID,
		ValidFrom:        r.ValidFrom.UTC(),
		Operation:        models.Operation(r.Operation),
		Fields:           r.Fields.GetValue(),
		RestrictedFields: r.RestrictedFields.GetValue(),
		ImportBatchID:    r.ImportBatchID,
		ClosedByDelete:   r.ClosedByDelete,
	}
	if r.ValidTo != nil {
		validTo := r.ValidTo.UTC()
		v.ValidTo = &validTo
	}
	return v
}

// Repository stores derived entity versions
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new entity version repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// Upsert writes versions keyed by (entity_type, entity_id, valid_from). An existing
// version is only ever updated to close it.
func (r *Repository) Upsert(ctx context.Context, versions []models.EntityVersion) error {
	ctx, span := tracing.StartSpan(ctx, "entityversion.Repository.Upsert")
	defer span.End()

	if len(versions) == 0 {
		return nil
	}

	ib := database.NewInsertBuilder()
	ib.InsertInto(table)
	ib.Cols(columns...)
	for _, v := range versions {
		fields := v.Fields
		if fields == nil {
			fields = models.Fields{}
		}
		restricted := v.RestrictedFields
		if restricted == nil {
			restricted = models.Fields{}
		}
		var validTo *time.Time
		if v.ValidTo != nil {
			t := v.ValidTo.UTC()
			validTo = &t
		}
		ib.Values(v.EntityType, v.EntityID, v.ValidFrom.UTC(), validTo, string(v.Operation),
			database.NewJSONB(fields), database.NewJSONB(restricted), v.ImportBatchID, v.ClosedByDelete)
	}

	ub := ib.OnConflict("entity_type", "entity_id", "valid_from")
	ub.Set(
		ub.Assign("valid_to", database.Excluded("valid_to")),
		ub.Assign("closed_by_delete", database.Excluded("closed_by_delete")),
		ub.Assign("updated_at", database.Raw("now()")),
	)

	query, args := ib.Build()
	if _, err := r.db.Executor(ctx).ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("versions", len(versions)).Error("Failed to upsert entity versions")
		return httperror.NewHTTPErrorf(http.StatusInternalServerError, "failed to upsert entity versions: %v", err)
	}
	return nil
}

// ListOpen returns the open versions of the given entities
func (r *Repository) ListOpen(ctx context.Context, entityType string, entityIDs []string) ([]models.EntityVersion, error) {
	ctx, span := tracing.StartSpan(ctx, "entityversion.Repository.ListOpen")
	defer span.End()

	if len(entityIDs) == 0 {
		return nil, nil
	}

	sb := database.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(table)
	sb.Where(
		sb.Equal("entity_type", entityType),
		sb.In("entity_id", toAny(entityIDs)...),
		sb.IsNull("valid_to"),
	)

	query, args := sb.Build()
	return r.list(ctx, query, args)
}

// FirstVersions returns the earliest stored version of each given entity
func (r *Repository) FirstVersions(ctx context.Context, entityType string, entityIDs []string) (map[models.EntityKey]models.EntityVersion, error) {
	ctx, span := tracing.StartSpan(ctx, "entityversion.Repository.FirstVersions")
	defer span.End()

	firsts := make(map[models.EntityKey]models.EntityVersion)
	if len(entityIDs) == 0 {
		return firsts, nil
	}

	// DISTINCT ON keeps the first row of each entity in ORDER BY order
	distinct := append([]string{"DISTINCT ON (entity_id) " + columns[0]}, columns[1:]...)

	sb := database.NewSelectBuilder()
	sb.Select(distinct...)
	sb.From(table)
	sb.Where(
		sb.Equal("entity_type", entityType),
		sb.In("entity_id", toAny(entityIDs)...),
	)
	sb.OrderBy("entity_id", "valid_from")

	query, args := sb.Build()
	versions, err := r.list(ctx, query, args)
	if err != nil {
		return nil, err
	}
	for _, v := range versions {
		firsts[v.Key()] = v
	}
	return firsts, nil
}

// ListValidAt returns the versions of entityType valid at t
func (r *Repository) ListValidAt(ctx context.Context, entityType string, t time.Time) ([]models.EntityVersion, error) {
	ctx, span := tracing.StartSpan(ctx, "entityversion.Repository.ListValidAt")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(table)
	sb.Where(
		sb.Equal("entity_type", entityType),
		sb.LessEqualThan("valid_from", t.UTC()),
		sb.Or(sb.IsNull("valid_to"), sb.GreaterThan("valid_to", t.UTC())),
	)
	sb.OrderBy("entity_id")

	query, args := sb.Build()
	return r.list(ctx, query, args)
}

// Count returns the number of stored versions for entityType
func (r *Repository) Count(ctx context.Context, entityType string) (int64, error) {
	ctx, span := tracing.StartSpan(ctx, "entityversion.Repository.Count")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select("COUNT(*)")
	sb.From(table)
	sb.Where(sb.Equal("entity_type", entityType))

	query, args := sb.Build()
	var count int64
	if err := r.db.Executor(ctx).GetContext(ctx, &count, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("entity_type", entityType).Error("Failed to count entity versions")
		return 0, httperror.NewHTTPErrorf(http.StatusInternalServerError, "failed to count entity versions: %v", err)
	}
	return count, nil
}

// ListByEntity returns the full timeline of one entity ordered by valid_from
func (r *Repository) ListByEntity(ctx context.Context, entityType, entityID string) ([]models.EntityVersion, error) {
	ctx, span := tracing.StartSpan(ctx, "entityversion.Repository.ListByEntity")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(table)
	sb.Where(
		sb.Equal("entity_type", entityType),
		sb.Equal("entity_id", entityID),
	)
	sb.OrderBy("valid_from")

	query, args := sb.Build()
	return r.list(ctx, query, args)
}

// AsOf returns the version of one entity valid at t
func (r *Repository) AsOf(ctx context.Context, entityType, entityID string, t time.Time) (*models.EntityVersion, error) {
	ctx, span := tracing.StartSpan(ctx, "entityversion.Repository.AsOf")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(table)
	sb.Where(
		sb.Equal("entity_type", entityType),
		sb.Equal("entity_id", entityID),
		sb.LessEqualThan("valid_from", t.UTC()),
		sb.Or(sb.IsNull("valid_to"), sb.GreaterThan("valid_to", t.UTC())),
	)
	sb.Limit(1)

	query, args := sb.Build()
	var rw row
	if err := r.db.Executor(ctx).GetContext(ctx, &rw, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, httperror.NewHTTPErrorf(http.StatusNotFound, "%s/%s has no version at %s", entityType, entityID, t.UTC().Format(time.RFC3339))
		}
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"entity_type": entityType,
			"entity_id":   entityID,
		}).Error("Failed to get entity version")
		return nil, httperror.NewHTTPErrorf(http.StatusInternalServerError, "failed to get entity version: %v", err)
	}

	v := rw.toModel()
	return &v, nil
}

func (r *Repository) list(ctx context.Context, query string, args []any) ([]models.EntityVersion, error) {
	var rows []row
	if err := r.db.Executor(ctx).SelectContext(ctx, &rows, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list entity versions")
		return nil, httperror.NewHTTPErrorf(http.StatusInternalServerError, "failed to list entity versions: %v", err)
	}

	versions := make([]models.EntityVersion, 0, len(rows))
	for _, rw := range rows {
		versions = append(versions, rw.toModel())
	}
	return versions, nil
}

func toAny(ids []string) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}
