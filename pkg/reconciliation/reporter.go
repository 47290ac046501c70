// Package reconciliation turns verifier output and freshness checks into findings.
package reconciliation

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/Gobusters/ectolinq"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// findingNamespace scopes the deterministic finding ids
var findingNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("fern/findings"))

// FreshnessRule is the staleness threshold for one entity type
type FreshnessRule struct {
	EntityType    string
	FreshnessDays int
}

// SuppressionWindow silences staleness findings between From and To (inclusive).
// An empty EntityTypes list applies to every entity type.
type SuppressionWindow struct {
	Name        string
	From        time.Time
	To          time.Time
	EntityTypes []string
}

// Covers returns true if the window suppresses entityType at t
func (w SuppressionWindow) Covers(entityType string, t time.Time) bool {
	if t.Before(w.From) || t.After(w.To) {
		return false
	}
	return len(w.EntityTypes) == 0 || ectolinq.Contains(w.EntityTypes, entityType)
}

// Reporter builds findings
type Reporter struct {
	freshness   map[string]FreshnessRule
	suppression []SuppressionWindow
	logger      ectologger.Logger
}

// NewReporter creates a reporter. Rules must already be validated.
func NewReporter(freshness []FreshnessRule, suppression []SuppressionWindow, logger ectologger.Logger) *Reporter {
	r := &Reporter{
		freshness:   make(map[string]FreshnessRule, len(freshness)),
		suppression: suppression,
		logger:      logger,
	}
	for _, rule := range freshness {
		r.freshness[rule.EntityType] = rule
	}
	return r
}

// FromReconciliations emits one finding per reconciliation with an issue
func (r *Reporter) FromReconciliations(ctx context.Context, runID string, observedAt time.Time, recs []models.ChecksumReconciliation) []models.Finding {
	ctx, span := tracing.StartSpan(ctx, "reconciliation.Reporter.FromReconciliations")
	defer span.End()

	withIssues := ectolinq.Filter(recs, func(rec models.ChecksumReconciliation) bool {
		return rec.HasIssue()
	})

	findings := ectolinq.Map(withIssues, func(rec models.ChecksumReconciliation) models.Finding {
		kind := models.FindingChecksumMismatch
		subject := fmt.Sprintf("%s at %s", rec.EntityType, rec.CalculatedAt.UTC().Format(time.RFC3339))
		if rec.ImportBatchID != nil {
			kind = models.FindingImportChecksumMismatch
			subject = fmt.Sprintf("%s import batch %s", rec.EntityType, *rec.ImportBatchID)
		}

		details := map[string]any{
			"check_id":                  rec.CheckID,
			"issue":                     rec.Issue,
			"order_column":              rec.OrderColumn,
			"calculated_at":             rec.CalculatedAt,
			"database_row_count":        rec.DatabaseRowCount,
			"database_checksum":         rec.DatabaseChecksum,
			"derived_checksum":          rec.DerivedChecksum,
			"excluded_concurrent_count": rec.ExcludedConcurrentCount,
		}
		if rec.DerivedRowCount != nil {
			details["derived_row_count"] = *rec.DerivedRowCount
		}
		if rec.ImportBatchID != nil {
			details["import_batch_id"] = *rec.ImportBatchID
		}

		return models.Finding{
			ID:          FindingID(kind, rec.CheckID),
			Kind:        kind,
			EntityType:  rec.EntityType,
			Description: fmt.Sprintf("%s: %s", subject, rec.IssueDescription),
			Details:     details,
			ObservedAt:  observedAt,
			RunID:       runID,
		}
	})

	if len(findings) > 0 {
		r.logger.WithContext(ctx).WithFields(map[string]any{
			"reconciliations": len(recs),
			"findings":        len(findings),
		}).Info("Recorded checksum findings")
	}

	return findings
}

// Staleness emits a stale_data finding for every configured entity type whose
// newest event is older than its freshness threshold at now, or that has never
// received data. Types covered by a suppression window at now are skipped.
// latest maps entity type to its newest occurred_at.
func (r *Reporter) Staleness(ctx context.Context, runID string, now time.Time, latest map[string]time.Time) []models.Finding {
	ctx, span := tracing.StartSpan(ctx, "reconciliation.Reporter.Staleness")
	defer span.End()

	entityTypes := make([]string, 0, len(r.freshness))
	for entityType := range r.freshness {
		entityTypes = append(entityTypes, entityType)
	}
	sort.Strings(entityTypes)

	var findings []models.Finding
	for _, entityType := range entityTypes {
		rule := r.freshness[entityType]

		if window, ok := r.suppressedBy(entityType, now); ok {
			r.logger.WithContext(ctx).WithFields(map[string]any{
				"entity_type": entityType,
				"window":      window.Name,
			}).Debug("Staleness check suppressed")
			continue
		}

		threshold := time.Duration(rule.FreshnessDays) * 24 * time.Hour
		last, seen := latest[entityType]
		if seen && now.Sub(last) <= threshold {
			continue
		}

		description := fmt.Sprintf("%s has received no data", entityType)
		details := map[string]any{"freshness_days": rule.FreshnessDays}
		if seen {
			description = fmt.Sprintf("%s has received no new data for more than %d days", entityType, rule.FreshnessDays)
			details["last_occurred_at"] = last
		}

		findings = append(findings, models.Finding{
			// one finding per entity type per day so reruns on the same day upsert
			ID:          FindingID(models.FindingStaleData, entityType+"@"+now.UTC().Format("2006-01-02")),
			Kind:        models.FindingStaleData,
			EntityType:  entityType,
			Description: description,
			Details:     details,
			ObservedAt:  now,
			RunID:       runID,
		})
	}

	if len(findings) > 0 {
		r.logger.WithContext(ctx).WithField("findings", len(findings)).Warn("Stale entity types detected")
	}

	return findings
}

func (r *Reporter) suppressedBy(entityType string, t time.Time) (SuppressionWindow, bool) {
	for _, w := range r.suppression {
		if w.Covers(entityType, t) {
			return w, true
		}
	}
	return SuppressionWindow{}, false
}

// FindingID derives a stable id for a finding from its kind and subject
func FindingID(kind models.FindingKind, subject string) string {
	return uuid.NewSHA1(findingNamespace, []byte(string(kind)+"|"+subject)).String()
}
