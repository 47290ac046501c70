// Package verifier reconciles source-reported row counts and checksums against the
// derived version store.
package verifier

import (
	"context"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/normalizer"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Options configures which payload fields carry the created/updated timestamps
type Options struct {
	CreatedAtField string
	UpdatedAtField string
}

// Verifier computes derived checksums and classifies reconciliations
type Verifier struct {
	createdAtField string
	updatedAtField string
	logger         ectologger.Logger
}

// NewVerifier creates a new verifier
func NewVerifier(opts Options, logger ectologger.Logger) *Verifier {
	v := &Verifier{
		createdAtField: opts.CreatedAtField,
		updatedAtField: opts.UpdatedAtField,
		logger:         logger,
	}
	if v.createdAtField == "" {
		v.createdAtField = "created_at"
	}
	if v.updatedAtField == "" {
		v.updatedAtField = "updated_at"
	}
	return v
}

// Verify reconciles a wall-clock check against versions. Only versions valid at
// the check's calculated_at take part. A nil versions slice means the derived store
// has no data for the entity type, which is reported as an unknown row count.
func (v *Verifier) Verify(ctx context.Context, check models.ChecksumCheck, versions []models.EntityVersion) models.ChecksumReconciliation {
	ctx, span := tracing.StartSpan(ctx, "verifier.Verifier.Verify")
	defer span.End()

	var rows []Row
	if versions != nil {
		rows = make([]Row, 0, len(versions))
		for _, ver := range versions {
			if ver.EntityType != check.EntityType || !ver.ValidAt(check.CalculatedAt) {
				continue
			}
			rows = append(rows, v.rowFromFields(ver.EntityID, ver.Fields, ver.ValidFrom))
		}
	}

	rec := v.reconcile(check, rows, versions != nil)
	v.log(ctx, rec)
	return rec
}

// VerifyImport reconciles an import check against the import events of its batch.
// Repeated imports of the same id keep only the most recently observed event.
func (v *Verifier) VerifyImport(ctx context.Context, check models.ChecksumCheck, events []models.Event) models.ChecksumReconciliation {
	ctx, span := tracing.StartSpan(ctx, "verifier.Verifier.VerifyImport")
	defer span.End()

	batch := ""
	if check.ImportBatchID != nil {
		batch = *check.ImportBatchID
	}

	latest := make(map[string]models.Event)
	for _, e := range events {
		if e.Operation != models.OperationImport || e.EntityType != check.EntityType || e.BatchID() != batch {
			continue
		}
		current, ok := latest[e.EntityID]
		if !ok || observedAfter(e, current) {
			latest[e.EntityID] = e
		}
	}

	rows := make([]Row, 0, len(latest))
	for id, e := range latest {
		rows = append(rows, v.rowFromFields(id, e.Fields, e.OccurredAt))
	}

	rec := v.reconcile(check, rows, true)
	v.log(ctx, rec)
	return rec
}

func observedAfter(a, b models.Event) bool {
	if !a.OccurredAt.Equal(b.OccurredAt) {
		return a.OccurredAt.After(b.OccurredAt)
	}
	return a.Sequence > b.Sequence
}

func (v *Verifier) rowFromFields(id string, fields models.Fields, fallback time.Time) Row {
	return Row{
		ID:        id,
		CreatedAt: fieldTime(fields, v.createdAtField, fallback),
		UpdatedAt: fieldTime(fields, v.updatedAtField, fallback),
	}
}

func fieldTime(fields models.Fields, name string, fallback time.Time) time.Time {
	if raw, ok := fields[name]; ok {
		if t, err := normalizer.ParseTimestamp(raw); err == nil {
			return t
		}
	}
	return fallback
}

// reconcile runs every ordering strategy concurrently and classifies the one
// matching the check's order column
func (v *Verifier) reconcile(check models.ChecksumCheck, rows []Row, known bool) models.ChecksumReconciliation {
	column := check.OrderColumn
	if column == "" {
		column = models.DefaultOrderColumn
	}

	results := make([]models.StrategyResult, len(models.OrderColumns))
	var wg sync.WaitGroup
	for i, col := range models.OrderColumns {
		wg.Add(1)
		go func(i int, col models.OrderColumn) {
			defer wg.Done()
			count, checksum, excluded := ComputeChecksum(rows, Selector(col), check.CalculatedAt)
			results[i] = models.StrategyResult{
				OrderColumn:             col,
				RowCount:                count,
				Checksum:                checksum,
				ExcludedConcurrentCount: excluded,
			}
		}(i, col)
	}
	wg.Wait()

	strategies := make(map[models.OrderColumn]models.StrategyResult, len(results))
	for _, r := range results {
		strategies[r.OrderColumn] = r
	}
	selected := strategies[column]

	rec := models.ChecksumReconciliation{
		CheckID:                 check.ID,
		EntityType:              check.EntityType,
		ImportBatchID:           check.ImportBatchID,
		OrderColumn:             column,
		CalculatedAt:            check.CalculatedAt,
		DatabaseRowCount:        check.RowCount,
		DatabaseChecksum:        check.Checksum,
		DerivedChecksum:         selected.Checksum,
		ExcludedConcurrentCount: selected.ExcludedConcurrentCount,
		Strategies:              strategies,
	}
	if known {
		count := selected.RowCount
		rec.DerivedRowCount = &count
	}

	rec.Issue = Classify(rec.DatabaseRowCount, rec.DerivedRowCount, rec.DatabaseChecksum, rec.DerivedChecksum)
	rec.IssueDescription = rec.Issue.Description()
	return rec
}

// Classify applies the reconciliation rules in order; the first match wins
func Classify(reported int64, derived *int64, reportedChecksum, derivedChecksum string) models.Issue {
	if reported > 0 && (derived == nil || *derived == 0) {
		return models.IssueZeroRows
	}

	var count int64
	if derived != nil {
		count = *derived
	}
	switch {
	case reported > count:
		return models.IssueUnderReported
	case reported < count:
		return models.IssueOverReported
	case reportedChecksum != derivedChecksum:
		return models.IssueChecksumMismatch
	}
	return models.IssueNone
}

func (v *Verifier) log(ctx context.Context, rec models.ChecksumReconciliation) {
	fields := map[string]any{
		"check_id":           rec.CheckID,
		"entity_type":        rec.EntityType,
		"order_column":       rec.OrderColumn,
		"database_row_count": rec.DatabaseRowCount,
		"excluded":           rec.ExcludedConcurrentCount,
		"issue":              rec.Issue,
	}
	if rec.DerivedRowCount != nil {
		fields["derived_row_count"] = *rec.DerivedRowCount
	}
	entry := v.logger.WithContext(ctx).WithFields(fields)
	if rec.HasIssue() {
		entry.Warn("Checksum reconciliation found a discrepancy")
		return
	}
	entry.Debug("Checksum reconciliation matched")
}
