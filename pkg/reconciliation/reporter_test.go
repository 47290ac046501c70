package reconciliation

import (
	"context"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/models"
)

var now = time.Date(2024, 7, 15, 12, 0, 0, 0, time.UTC)

func newTestReporter(freshness []FreshnessRule, windows []SuppressionWindow) *Reporter {
	return NewReporter(freshness, windows, ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {}))
}

func TestFromReconciliations(t *testing.T) {
	derived := int64(8)
	batch := "b1"
	recs := []models.ChecksumReconciliation{
		{CheckID: "ok", EntityType: "users", Issue: models.IssueNone},
		{
			CheckID:          "c1",
			EntityType:       "users",
			DatabaseRowCount: 10,
			DerivedRowCount:  &derived,
			Issue:            models.IssueUnderReported,
			IssueDescription: models.IssueUnderReported.Description(),
		},
		{
			CheckID:          "c2",
			EntityType:       "users",
			ImportBatchID:    &batch,
			Issue:            models.IssueZeroRows,
			IssueDescription: models.IssueZeroRows.Description(),
		},
	}

	r := newTestReporter(nil, nil)
	findings := r.FromReconciliations(context.Background(), "run-1", now, recs)
	require.Len(t, findings, 2)

	assert.Equal(t, models.FindingChecksumMismatch, findings[0].Kind)
	assert.Contains(t, findings[0].Description, "under-reports")
	assert.Equal(t, int64(8), findings[0].Details["derived_row_count"])
	assert.Equal(t, "run-1", findings[0].RunID)

	assert.Equal(t, models.FindingImportChecksumMismatch, findings[1].Kind)
	assert.Equal(t, "b1", findings[1].Details["import_batch_id"])
	_, hasDerived := findings[1].Details["derived_row_count"]
	assert.False(t, hasDerived)

	again := r.FromReconciliations(context.Background(), "run-2", now.Add(time.Hour), recs)
	assert.Equal(t, findings[0].ID, again[0].ID, "finding ids are stable across runs")
}

func TestStaleness(t *testing.T) {
	rules := []FreshnessRule{
		{EntityType: "users", FreshnessDays: 2},
		{EntityType: "orders", FreshnessDays: 2},
		{EntityType: "refunds", FreshnessDays: 30},
		{EntityType: "invoices", FreshnessDays: 1},
	}
	latest := map[string]time.Time{
		"users":  now.Add(-24 * time.Hour),
		"orders": now.Add(-72 * time.Hour),
		"refunds": now.Add(-10 * 24 * time.Hour),
	}

	findings := newTestReporter(rules, nil).Staleness(context.Background(), "run-1", now, latest)
	require.Len(t, findings, 2)

	assert.Equal(t, "invoices", findings[0].EntityType)
	assert.Contains(t, findings[0].Description, "has received no data")
	assert.Equal(t, "orders", findings[1].EntityType)
	assert.Equal(t, models.FindingStaleData, findings[1].Kind)
}

func TestStaleness_Suppressed(t *testing.T) {
	rules := []FreshnessRule{
		{EntityType: "users", FreshnessDays: 1},
		{EntityType: "orders", FreshnessDays: 1},
	}
	windows := []SuppressionWindow{
		{
			Name:        "summer shutdown",
			From:        time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC),
			To:          time.Date(2024, 7, 31, 0, 0, 0, 0, time.UTC),
			EntityTypes: []string{"orders"},
		},
	}

	findings := newTestReporter(rules, windows).Staleness(context.Background(), "run-1", now, map[string]time.Time{})
	require.Len(t, findings, 1)
	assert.Equal(t, "users", findings[0].EntityType)

	allTypes := []SuppressionWindow{{Name: "all", From: now.Add(-time.Hour), To: now.Add(time.Hour)}}
	assert.Empty(t, newTestReporter(rules, allTypes).Staleness(context.Background(), "run-1", now, nil))
}

func TestSuppressionWindow_Covers(t *testing.T) {
	w := SuppressionWindow{From: now, To: now.Add(time.Hour), EntityTypes: []string{"users"}}

	assert.True(t, w.Covers("users", now))
	assert.True(t, w.Covers("users", now.Add(time.Hour)))
	assert.False(t, w.Covers("users", now.Add(-time.Second)))
	assert.False(t, w.Covers("orders", now))
}
