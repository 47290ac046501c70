// Package pipeline orchestrates one incremental run per entity type: build versions,
// diff them, verify checksum checks and record findings in a single transaction.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/Gobusters/ectolinq"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/checkpoint"
	appctx "github.com/Ramsey-B/fern/pkg/context"
	"github.com/Ramsey-B/fern/pkg/differ"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/reconciliation"
	"github.com/Ramsey-B/fern/pkg/redis"
	"github.com/Ramsey-B/fern/pkg/tracing"
	"github.com/Ramsey-B/fern/pkg/verifier"
	"github.com/Ramsey-B/fern/pkg/versioning"
)

// ErrPartitionBusy is returned when another run holds the entity type's partition lock
var ErrPartitionBusy = errors.New("partition busy")

// Dependencies are the collaborators of a Runner
type Dependencies struct {
	Events          EventStore
	Versions        VersionStore
	FieldUpdates    FieldUpdateStore
	Checks          CheckStore
	Reconciliations ReconciliationStore
	Findings        FindingStore
	Checkpoints     checkpoint.Store
	Tx              Transactor
	Locker          redis.PartitionLocker

	Builder  *versioning.Builder
	Differ   *differ.Differ
	Verifier *verifier.Verifier
	Reporter *reconciliation.Reporter

	// Publisher is optional
	Publisher FindingPublisher
}

// Options tunes a Runner
type Options struct {
	// SettleDelay holds back events newer than now minus the delay so slightly late
	// deliveries are still ahead of the watermark when they arrive
	SettleDelay time.Duration
}

// Runner executes pipeline runs
type Runner struct {
	deps        Dependencies
	checkpoints *checkpoint.Controller
	options     Options
	logger      ectologger.Logger
}

// NewRunner creates a new pipeline runner
func NewRunner(deps Dependencies, options Options, logger ectologger.Logger) *Runner {
	return &Runner{
		deps:        deps,
		checkpoints: checkpoint.NewController(deps.Checkpoints, logger),
		options:     options,
		logger:      logger,
	}
}

func lockKey(entityType string) string {
	return "partition:" + entityType
}

// Run processes the new events and checks of entityType. now is the only wall-clock
// input and is used for the staleness findings and the settle delay.
func (r *Runner) Run(ctx context.Context, entityType string, now time.Time) (models.RunSummary, error) {
	runID := uuid.New().String()
	ctx = appctx.SetRunID(ctx, runID)
	ctx = appctx.SetEntityType(ctx, entityType)

	ctx, span := tracing.StartSpan(ctx, "pipeline.Runner.Run")
	defer span.End()

	summary := models.RunSummary{RunID: runID, EntityType: entityType, StartedAt: now}
	start := time.Now()

	lock, err := r.deps.Locker.Acquire(ctx, lockKey(entityType))
	if errors.Is(err, redis.ErrLockNotAcquired) {
		metrics.RecordRun(entityType, "busy", time.Since(start).Seconds())
		return summary, ErrPartitionBusy
	}
	if err != nil {
		return summary, fmt.Errorf("failed to acquire partition lock: %w", err)
	}
	defer func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
			r.logger.WithContext(ctx).WithError(err).WithFields(appctx.Fields(ctx)).Warn("Failed to release partition lock")
		}
	}()

	var out output
	err = r.deps.Tx.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		summary, out, err = r.run(ctx, summary, now)
		return err
	})
	if err != nil {
		metrics.RecordRun(entityType, "error", time.Since(start).Seconds())
		r.logger.WithContext(ctx).WithError(err).WithFields(appctx.Fields(ctx)).Error("Pipeline run failed")
		return summary, err
	}

	summary.FinishedAt = summary.StartedAt.Add(time.Since(start))
	r.record(summary, out)
	r.publish(ctx, out.findings)

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"run_id":            summary.RunID,
		"entity_type":       entityType,
		"events_read":       summary.EventsRead,
		"duplicates":        summary.DuplicateEvents,
		"versions_written":  summary.VersionsWritten,
		"field_updates":     summary.FieldUpdates,
		"reconciliations":   summary.Reconciliations,
		"findings":          summary.Findings,
		"version_watermark": summary.VersionWatermark,
	}).Info("Pipeline run completed")

	return summary, nil
}

// output is what a committed run hands to metrics and the publisher
type output struct {
	recs     []models.ChecksumReconciliation
	findings []models.Finding
}

func (r *Runner) run(ctx context.Context, summary models.RunSummary, now time.Time) (models.RunSummary, output, error) {
	var out output

	entityType := summary.EntityType
	versionsName := checkpoint.VersionsName(entityType)
	checksName := checkpoint.ChecksName(entityType)
	importsName := checkpoint.ImportChecksName(entityType)

	versionWM, err := r.checkpoints.Load(ctx, versionsName)
	if err != nil {
		return summary, out, err
	}
	checkWM, err := r.checkpoints.Load(ctx, checksName)
	if err != nil {
		return summary, out, err
	}
	importWM, err := r.checkpoints.Load(ctx, importsName)
	if err != nil {
		return summary, out, err
	}

	until := now.Add(-r.options.SettleDelay)
	events, err := r.deps.Events.ListSince(ctx, entityType, versionWM, until)
	if err != nil {
		return summary, out, fmt.Errorf("failed to read events: %w", err)
	}
	summary.EventsRead = len(events)

	ids := entityIDs(events)
	seeds, err := r.deps.Versions.ListOpen(ctx, entityType, ids)
	if err != nil {
		return summary, out, fmt.Errorf("failed to read open versions: %w", err)
	}

	built := r.deps.Builder.Build(ctx, events, seeds)
	summary.DuplicateEvents = built.Duplicates
	summary.ZeroDuration = built.ZeroDuration
	if err := versioning.ValidateTimeline(built.Versions); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(appctx.Fields(ctx)).Error("Refusing to commit a corrupt timeline")
		return summary, out, err
	}

	originals, err := r.deps.Versions.FirstVersions(ctx, entityType, ids)
	if err != nil {
		return summary, out, fmt.Errorf("failed to read original versions: %w", err)
	}
	updates := r.deps.Differ.Diff(ctx, built.Versions, originals)

	if err := r.deps.Versions.Upsert(ctx, built.Versions); err != nil {
		return summary, out, fmt.Errorf("failed to write versions: %w", err)
	}
	if err := r.deps.FieldUpdates.Insert(ctx, updates); err != nil {
		return summary, out, fmt.Errorf("failed to write field updates: %w", err)
	}
	summary.VersionsWritten = len(built.Versions)
	summary.FieldUpdates = len(updates)

	nextVersionWM := checkpoint.Advance(versionWM, built.Watermark)

	recs, nextCheckWM, err := r.verifyChecks(ctx, entityType, checkWM, until, now)
	if err != nil {
		return summary, out, err
	}
	importRecs, nextImportWM, err := r.verifyImportChecks(ctx, entityType, importWM, until, now)
	if err != nil {
		return summary, out, err
	}
	recs = append(recs, importRecs...)
	if err := r.deps.Reconciliations.Upsert(ctx, recs); err != nil {
		return summary, out, fmt.Errorf("failed to write reconciliations: %w", err)
	}
	summary.Reconciliations = len(recs)

	findings, err := r.findings(ctx, summary.RunID, entityType, now, recs)
	if err != nil {
		return summary, out, err
	}
	if err := r.deps.Findings.Upsert(ctx, findings); err != nil {
		return summary, out, fmt.Errorf("failed to write findings: %w", err)
	}
	summary.Findings = len(findings)

	if summary.VersionWatermark, err = r.checkpoints.Commit(ctx, versionsName, versionWM, nextVersionWM); err != nil {
		return summary, out, err
	}
	if _, err := r.checkpoints.Commit(ctx, checksName, checkWM, nextCheckWM); err != nil {
		return summary, out, err
	}
	if _, err := r.checkpoints.Commit(ctx, importsName, importWM, nextImportWM); err != nil {
		return summary, out, err
	}

	out.recs = recs
	out.findings = findings
	return summary, out, nil
}

// verifyChecks reconciles the wall-clock checks calculated after the check
// watermark and no later than until. Every event up to until has been read by this
// run, so the version store is complete at each verified calculated_at.
func (r *Runner) verifyChecks(ctx context.Context, entityType string, after, until, now time.Time) ([]models.ChecksumReconciliation, time.Time, error) {
	checks, err := r.deps.Checks.ListCalculatedBetween(ctx, entityType, after, until, false)
	if err != nil {
		return nil, after, fmt.Errorf("failed to read checksum checks: %w", err)
	}
	if len(checks) == 0 {
		return nil, after, nil
	}

	count, err := r.deps.Versions.Count(ctx, entityType)
	if err != nil {
		return nil, after, fmt.Errorf("failed to count versions: %w", err)
	}

	watermark := after
	recs := make([]models.ChecksumReconciliation, 0, len(checks))
	for _, check := range checks {
		var versions []models.EntityVersion
		if count > 0 {
			if versions, err = r.deps.Versions.ListValidAt(ctx, entityType, check.CalculatedAt); err != nil {
				return nil, after, fmt.Errorf("failed to read versions valid at %s: %w", check.CalculatedAt, err)
			}
			if versions == nil {
				versions = []models.EntityVersion{}
			}
		}

		rec := r.deps.Verifier.Verify(ctx, check, versions)
		rec.ReconciledAt = now
		recs = append(recs, rec)
		watermark = checkpoint.Advance(watermark, check.CalculatedAt)
	}
	return recs, watermark, nil
}

// verifyImportChecks reconciles import checks against the import events of their batch
func (r *Runner) verifyImportChecks(ctx context.Context, entityType string, after, until, now time.Time) ([]models.ChecksumReconciliation, time.Time, error) {
	checks, err := r.deps.Checks.ListCalculatedBetween(ctx, entityType, after, until, true)
	if err != nil {
		return nil, after, fmt.Errorf("failed to read import checks: %w", err)
	}

	watermark := after
	recs := make([]models.ChecksumReconciliation, 0, len(checks))
	for _, check := range checks {
		events, err := r.deps.Events.ListImportBatch(ctx, entityType, *check.ImportBatchID)
		if err != nil {
			return nil, after, fmt.Errorf("failed to read import batch %s: %w", *check.ImportBatchID, err)
		}

		rec := r.deps.Verifier.VerifyImport(ctx, check, events)
		rec.ReconciledAt = now
		recs = append(recs, rec)
		watermark = checkpoint.Advance(watermark, check.CalculatedAt)
	}
	return recs, watermark, nil
}

func (r *Runner) findings(ctx context.Context, runID, entityType string, now time.Time, recs []models.ChecksumReconciliation) ([]models.Finding, error) {
	findings := r.deps.Reporter.FromReconciliations(ctx, runID, now, recs)

	latest, err := r.deps.Events.LatestOccurredAt(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read latest event times: %w", err)
	}
	stale := ectolinq.Filter(r.deps.Reporter.Staleness(ctx, runID, now, latest), func(f models.Finding) bool {
		return f.EntityType == entityType
	})

	return append(findings, stale...), nil
}

func (r *Runner) record(summary models.RunSummary, out output) {
	entityType := summary.EntityType
	metrics.RecordRun(entityType, "success", summary.FinishedAt.Sub(summary.StartedAt).Seconds())
	metrics.VersionsWrittenTotal.WithLabelValues(entityType).Add(float64(summary.VersionsWritten))
	metrics.VersionWatermark.WithLabelValues(entityType).Set(float64(summary.VersionWatermark.Unix()))
	for _, rec := range out.recs {
		metrics.ReconciliationsTotal.WithLabelValues(rec.EntityType, string(rec.Issue)).Inc()
	}
	for _, f := range out.findings {
		metrics.FindingsTotal.WithLabelValues(f.EntityType, string(f.Kind)).Inc()
	}
}

// publish forwards findings after commit. Publishing is best effort: the findings
// are already stored and served over HTTP.
func (r *Runner) publish(ctx context.Context, findings []models.Finding) {
	if r.deps.Publisher == nil || len(findings) == 0 {
		return
	}
	if err := r.deps.Publisher.PublishFindings(ctx, findings); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(appctx.Fields(ctx)).Warn("Failed to publish findings")
	}
}

func entityIDs(events []models.Event) []string {
	seen := make(map[string]struct{}, len(events))
	ids := make([]string, 0, len(events))
	for _, e := range events {
		if _, ok := seen[e.EntityID]; ok {
			continue
		}
		seen[e.EntityID] = struct{}{}
		ids = append(ids, e.EntityID)
	}
	sort.Strings(ids)
	return ids
}
