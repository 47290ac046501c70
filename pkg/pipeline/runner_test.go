package pipeline

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/checkpoint"
	"github.com/Ramsey-B/fern/pkg/differ"
	"github.com/Ramsey-B/fern/pkg/fingerprint"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/normalizer"
	"github.com/Ramsey-B/fern/pkg/reconciliation"
	"github.com/Ramsey-B/fern/pkg/redis"
	"github.com/Ramsey-B/fern/pkg/verifier"
	"github.com/Ramsey-B/fern/pkg/versioning"
)

var base = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func at(hours int) time.Time {
	return base.Add(time.Duration(hours) * time.Hour)
}

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

type harness struct {
	db        *memDB
	runner    *Runner
	locker    *redis.LocalLocker
	publisher *recordingPublisher
}

func newHarness(t *testing.T, freshness []reconciliation.FreshnessRule) *harness {
	t.Helper()
	logger := testLogger()
	db := newMemDB()
	locker := redis.NewLocalLocker()
	publisher := &recordingPublisher{}

	runner := NewRunner(Dependencies{
		Events:          memEvents{db},
		Versions:        memVersions{db},
		FieldUpdates:    memFieldUpdates{db},
		Checks:          memChecks{db},
		Reconciliations: memRecs{db},
		Findings:        memFindings{db},
		Checkpoints:     memCheckpoints{db},
		Tx:              db,
		Locker:          locker,
		Builder:         versioning.NewBuilder(logger),
		Differ:          differ.NewDiffer([]string{"updated_at"}, nil, logger),
		Verifier:        verifier.NewVerifier(verifier.Options{}, logger),
		Reporter:        reconciliation.NewReporter(freshness, nil, logger),
		Publisher:       publisher,
	}, Options{}, logger)

	return &harness{db: db, runner: runner, locker: locker, publisher: publisher}
}

func (h *harness) add(t *testing.T, id string, op models.Operation, occurredAt time.Time, fields models.Fields) {
	t.Helper()
	e := models.Event{
		EntityType: "users",
		EntityID:   id,
		Operation:  op,
		OccurredAt: occurredAt,
		Fields:     fields,
	}
	e.Hash = fingerprint.Event(e)
	_, err := memEvents{h.db}.Insert(context.Background(), e)
	require.NoError(t, err)
}

func (h *harness) addCheck(t *testing.T, check models.ChecksumCheck) {
	t.Helper()
	check.EntityType = "users"
	check.ID = normalizer.CheckID(check)
	_, err := memChecks{h.db}.Insert(context.Background(), check)
	require.NoError(t, err)
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func TestRun_OutOfOrderEvents(t *testing.T) {
	h := newHarness(t, nil)
	h.add(t, "1", models.OperationCreate, at(1), models.Fields{"name": "A"})
	h.add(t, "1", models.OperationUpdate, at(3), models.Fields{"name": "B"})
	h.add(t, "1", models.OperationUpdate, at(2), models.Fields{"name": "C"})

	summary, err := h.runner.Run(context.Background(), "users", at(24))
	require.NoError(t, err)
	assert.Equal(t, 3, summary.EventsRead)
	assert.Equal(t, 3, summary.VersionsWritten)
	assert.True(t, summary.VersionWatermark.Equal(at(3)))

	versions := h.db.allVersions()
	require.Len(t, versions, 3)
	assert.Equal(t, "A", versions[0].Fields["name"])
	assert.True(t, versions[0].ValidTo.Equal(at(2)))
	assert.Equal(t, "C", versions[1].Fields["name"])
	assert.True(t, versions[1].ValidTo.Equal(at(3)))
	assert.Equal(t, "B", versions[2].Fields["name"])
	assert.Nil(t, versions[2].ValidTo)

	updates := h.db.allUpdates()
	require.Len(t, updates, 2)
	assert.Equal(t, "A", updates[0].PreviousValue)
	assert.Equal(t, "C", updates[0].NewValue)
	assert.Equal(t, "C", updates[1].PreviousValue)
	assert.Equal(t, "B", updates[1].NewValue)
}

func TestRun_IncrementalMatchesFullRun(t *testing.T) {
	type step struct {
		id     string
		op     models.Operation
		hour   int
		fields models.Fields
	}
	steps := []step{
		{"1", models.OperationCreate, 1, models.Fields{"status": "active"}},
		{"2", models.OperationCreate, 2, models.Fields{"status": "active"}},
		{"1", models.OperationUpdate, 3, models.Fields{"status": "paused"}},
		// split point
		{"1", models.OperationUpdate, 5, models.Fields{"status": "active"}},
		{"2", models.OperationDelete, 6, nil},
		{"2", models.OperationCreate, 7, models.Fields{"status": "new"}},
		{"3", models.OperationCreate, 8, models.Fields{"status": "active"}},
	}

	full := newHarness(t, nil)
	for _, s := range steps {
		full.add(t, s.id, s.op, at(s.hour), s.fields)
	}
	_, err := full.runner.Run(context.Background(), "users", at(24))
	require.NoError(t, err)

	incremental := newHarness(t, nil)
	for _, s := range steps[:3] {
		incremental.add(t, s.id, s.op, at(s.hour), s.fields)
	}
	_, err = incremental.runner.Run(context.Background(), "users", at(4))
	require.NoError(t, err)
	for _, s := range steps[3:] {
		incremental.add(t, s.id, s.op, at(s.hour), s.fields)
	}
	_, err = incremental.runner.Run(context.Background(), "users", at(24))
	require.NoError(t, err)

	assert.Equal(t, full.db.allVersions(), incremental.db.allVersions())
	assert.Equal(t, full.db.allUpdates(), incremental.db.allUpdates())
	require.NoError(t, versioning.ValidateTimeline(incremental.db.allVersions()))

	// active -> paused -> active: only the revert returns to the original value
	var statusChanges []models.FieldUpdate
	for _, u := range incremental.db.allUpdates() {
		if u.EntityID == "1" {
			statusChanges = append(statusChanges, u)
		}
	}
	require.Len(t, statusChanges, 2)
	assert.False(t, statusChanges[0].ChangeFromOriginalValue)
	assert.True(t, statusChanges[1].ChangeFromOriginalValue)
}

func TestRun_RerunWithoutNewEventsIsNoop(t *testing.T) {
	h := newHarness(t, nil)
	h.add(t, "1", models.OperationCreate, at(1), models.Fields{"name": "A"})

	first, err := h.runner.Run(context.Background(), "users", at(24))
	require.NoError(t, err)
	assert.Equal(t, 1, first.VersionsWritten)

	second, err := h.runner.Run(context.Background(), "users", at(25))
	require.NoError(t, err)
	assert.Equal(t, 0, second.EventsRead)
	assert.Equal(t, 0, second.VersionsWritten)
	assert.True(t, second.VersionWatermark.Equal(at(1)))
	assert.Len(t, h.db.allVersions(), 1)
}

func TestRun_SettleDelayHoldsBackRecentEvents(t *testing.T) {
	h := newHarness(t, nil)
	h.runner.options.SettleDelay = 2 * time.Hour
	h.add(t, "1", models.OperationCreate, at(1), models.Fields{"name": "A"})
	h.add(t, "1", models.OperationUpdate, at(5), models.Fields{"name": "B"})

	summary, err := h.runner.Run(context.Background(), "users", at(6))
	require.NoError(t, err)
	assert.Equal(t, 1, summary.EventsRead)
	assert.True(t, summary.VersionWatermark.Equal(at(1)))
}

func TestRun_VerifiesChecks(t *testing.T) {
	h := newHarness(t, nil)
	h.add(t, "1", models.OperationCreate, at(1), models.Fields{"name": "A"})
	h.add(t, "2", models.OperationCreate, at(2), models.Fields{"name": "B"})
	h.add(t, "3", models.OperationCreate, at(6), models.Fields{"name": "C"})

	// matches the two ids that existed at hour 4
	h.addCheck(t, models.ChecksumCheck{RowCount: 2, Checksum: md5Hex("12"), CalculatedAt: at(4), OrderColumn: models.OrderColumnID})
	// reports a row the derived store does not have
	h.addCheck(t, models.ChecksumCheck{RowCount: 4, Checksum: md5Hex("1234"), CalculatedAt: at(5), OrderColumn: models.OrderColumnID})
	// calculated after this run's horizon, so it waits for a later run
	h.addCheck(t, models.ChecksumCheck{RowCount: 3, Checksum: md5Hex("123"), CalculatedAt: at(7), OrderColumn: models.OrderColumnID})

	summary, err := h.runner.Run(context.Background(), "users", at(6))
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Reconciliations)
	assert.Equal(t, 1, summary.Findings)

	issues := map[time.Time]models.Issue{}
	for _, rec := range h.db.recs {
		issues[rec.CalculatedAt] = rec.Issue
		assert.True(t, rec.ReconciledAt.Equal(at(6)))
	}
	assert.Equal(t, models.IssueNone, issues[at(4)])
	assert.Equal(t, models.IssueUnderReported, issues[at(5)])

	require.Len(t, h.publisher.findings, 1)
	assert.Equal(t, models.FindingChecksumMismatch, h.publisher.findings[0].Kind)

	wm, ok, err := memCheckpoints{h.db}.GetWatermark(context.Background(), checkpoint.ChecksName("users"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, wm.Equal(at(5)))

	// no new events arrive, but the horizon moves past the pending check
	summary, err = h.runner.Run(context.Background(), "users", at(24))
	require.NoError(t, err)
	assert.Equal(t, 0, summary.EventsRead)
	assert.Equal(t, 1, summary.Reconciliations)
	assert.Len(t, h.db.recs, 3)
	assert.Equal(t, models.IssueNone, h.db.recs[checkIDAt(h, at(7))].Issue)
}

func TestRun_VerifiesChecksAfterFeedStops(t *testing.T) {
	h := newHarness(t, nil)
	h.add(t, "1", models.OperationCreate, at(1), models.Fields{"name": "A"})
	h.addCheck(t, models.ChecksumCheck{RowCount: 500, Checksum: md5Hex("1"), CalculatedAt: at(48), OrderColumn: models.OrderColumnID})

	for i := 0; i < 3; i++ {
		_, err := h.runner.Run(context.Background(), "users", at(24*30))
		require.NoError(t, err)
	}

	require.Len(t, h.db.recs, 1)
	rec := h.db.recs[checkIDAt(h, at(48))]
	assert.Equal(t, models.IssueUnderReported, rec.Issue)
	require.NotNil(t, rec.DerivedRowCount)
	assert.Equal(t, int64(1), *rec.DerivedRowCount)
	require.Len(t, h.publisher.findings, 1)
	assert.Equal(t, models.FindingChecksumMismatch, h.publisher.findings[0].Kind)
}

func TestRun_SettleDelayHoldsBackRecentChecks(t *testing.T) {
	h := newHarness(t, nil)
	h.runner.options.SettleDelay = 2 * time.Hour
	h.add(t, "1", models.OperationCreate, at(1), models.Fields{"name": "A"})
	h.addCheck(t, models.ChecksumCheck{RowCount: 1, Checksum: md5Hex("1"), CalculatedAt: at(5), OrderColumn: models.OrderColumnID})

	summary, err := h.runner.Run(context.Background(), "users", at(6))
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Reconciliations)

	summary, err = h.runner.Run(context.Background(), "users", at(7))
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Reconciliations)
	assert.Equal(t, models.IssueNone, h.db.recs[checkIDAt(h, at(5))].Issue)
}

func checkIDAt(h *harness, calculatedAt time.Time) string {
	for id, rec := range h.db.recs {
		if rec.CalculatedAt.Equal(calculatedAt) {
			return id
		}
	}
	return ""
}

func TestRun_VerifiesImportChecks(t *testing.T) {
	h := newHarness(t, nil)
	batch := "batch-1"
	for i, id := range []string{"1", "2", "3"} {
		e := models.Event{
			EntityType:    "users",
			EntityID:      id,
			Operation:     models.OperationImport,
			OccurredAt:    at(1 + i),
			Fields:        models.Fields{"name": id},
			ImportBatchID: &batch,
		}
		e.Hash = fingerprint.Event(e)
		_, err := memEvents{h.db}.Insert(context.Background(), e)
		require.NoError(t, err)
	}

	h.addCheck(t, models.ChecksumCheck{RowCount: 3, Checksum: md5Hex("123"), CalculatedAt: at(3), OrderColumn: models.OrderColumnID, ImportBatchID: &batch})

	summary, err := h.runner.Run(context.Background(), "users", at(24))
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Reconciliations)
	assert.Equal(t, 0, summary.Findings)
	for _, rec := range h.db.recs {
		assert.Equal(t, models.IssueNone, rec.Issue)
		require.NotNil(t, rec.ImportBatchID)
		assert.Equal(t, batch, *rec.ImportBatchID)
	}
}

func TestRun_ZeroRowsWhenEntityTypeHasNoEvents(t *testing.T) {
	h := newHarness(t, nil)
	h.add(t, "1", models.OperationCreate, at(5), models.Fields{"name": "A"})
	// "users" has events; "orders" has only a check
	check := models.ChecksumCheck{EntityType: "orders", RowCount: 3, Checksum: md5Hex("123"), CalculatedAt: at(1), OrderColumn: models.OrderColumnID}
	check.ID = normalizer.CheckID(check)
	_, err := memChecks{h.db}.Insert(context.Background(), check)
	require.NoError(t, err)

	summary, err := h.runner.Run(context.Background(), "orders", at(24*30))
	require.NoError(t, err)
	assert.Equal(t, 0, summary.EventsRead)
	assert.Equal(t, 1, summary.Reconciliations)

	rec, ok := h.db.recs[check.ID]
	require.True(t, ok)
	assert.Equal(t, models.IssueZeroRows, rec.Issue)
	assert.Nil(t, rec.DerivedRowCount)

	wm, ok, err := memCheckpoints{h.db}.GetWatermark(context.Background(), checkpoint.ChecksName("orders"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, wm.Equal(at(1)))
}

func TestRun_StaleFindingsForOwnEntityTypeOnly(t *testing.T) {
	h := newHarness(t, []reconciliation.FreshnessRule{
		{EntityType: "users", FreshnessDays: 1},
		{EntityType: "orders", FreshnessDays: 1},
	})
	h.add(t, "1", models.OperationCreate, at(1), models.Fields{"name": "A"})

	summary, err := h.runner.Run(context.Background(), "users", at(24*5))
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Findings)
	for _, f := range h.db.findings {
		assert.Equal(t, models.FindingStaleData, f.Kind)
		assert.Equal(t, "users", f.EntityType)
	}
}

func TestRun_FailureRollsBack(t *testing.T) {
	h := newHarness(t, nil)
	h.add(t, "1", models.OperationCreate, at(1), models.Fields{"name": "A"})
	h.add(t, "1", models.OperationUpdate, at(2), models.Fields{"name": "B"})
	h.db.failFieldUpdates = errStorage

	_, err := h.runner.Run(context.Background(), "users", at(24))
	require.ErrorIs(t, err, errStorage)
	assert.Empty(t, h.db.allVersions())
	_, ok, _ := memCheckpoints{h.db}.GetWatermark(context.Background(), checkpoint.VersionsName("users"))
	assert.False(t, ok)
	assert.Empty(t, h.publisher.findings)

	// retry after recovery starts from the same watermark
	h.db.failFieldUpdates = nil
	summary, err := h.runner.Run(context.Background(), "users", at(24))
	require.NoError(t, err)
	assert.Equal(t, 2, summary.EventsRead)
	assert.Len(t, h.db.allVersions(), 2)
}

func TestRun_PartitionBusy(t *testing.T) {
	h := newHarness(t, nil)
	lock, err := h.locker.Acquire(context.Background(), lockKey("users"))
	require.NoError(t, err)

	_, err = h.runner.Run(context.Background(), "users", at(24))
	assert.ErrorIs(t, err, ErrPartitionBusy)

	require.NoError(t, lock.Release(context.Background()))
	_, err = h.runner.Run(context.Background(), "users", at(24))
	assert.NoError(t, err)
}
