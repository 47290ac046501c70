package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/fingerprint"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/normalizer"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Ingestor normalizes raw feed records and appends them to the event log or the
// check store
type Ingestor struct {
	normalizer *normalizer.Normalizer
	events     EventWriter
	checks     CheckWriter
	logger     ectologger.Logger
}

// NewIngestor creates a new ingestor
func NewIngestor(n *normalizer.Normalizer, events EventWriter, checks CheckWriter, logger ectologger.Logger) *Ingestor {
	return &Ingestor{
		normalizer: n,
		events:     events,
		checks:     checks,
		logger:     logger,
	}
}

// Ingest stores one raw record. A rejected record returns its *normalizer.RejectError
// so the caller can skip it; any other error is a storage failure worth retrying.
func (i *Ingestor) Ingest(ctx context.Context, raw *normalizer.RawEvent) error {
	ctx, span := tracing.StartSpan(ctx, "pipeline.Ingestor.Ingest")
	defer span.End()

	if raw.IsCheck() {
		return i.ingestCheck(ctx, raw)
	}

	event, err := i.normalizer.Normalize(ctx, raw)
	if err != nil {
		recordReject(err)
		return err
	}
	event.Hash = fingerprint.Event(event)

	inserted, err := i.events.Insert(ctx, event)
	if err != nil {
		return fmt.Errorf("failed to store event: %w", err)
	}
	if !inserted {
		i.logger.WithContext(ctx).WithFields(map[string]any{
			"entity_type": event.EntityType,
			"entity_id":   event.EntityID,
			"hash":        event.Hash,
		}).Debug("Ignoring redelivered event")
		return nil
	}

	metrics.EventsIngestedTotal.WithLabelValues(event.EntityType, string(event.Operation)).Inc()
	return nil
}

func (i *Ingestor) ingestCheck(ctx context.Context, raw *normalizer.RawEvent) error {
	check, err := i.normalizer.NormalizeCheck(ctx, raw)
	if err != nil {
		recordReject(err)
		return err
	}

	inserted, err := i.checks.Insert(ctx, check)
	if err != nil {
		return fmt.Errorf("failed to store checksum check: %w", err)
	}
	if inserted {
		i.logger.WithContext(ctx).WithFields(map[string]any{
			"check_id":      check.ID,
			"entity_type":   check.EntityType,
			"row_count":     check.RowCount,
			"calculated_at": check.CalculatedAt,
			"import":        check.IsImport(),
		}).Debug("Stored checksum check")
	}
	return nil
}

func recordReject(err error) {
	var rejectErr *normalizer.RejectError
	if errors.As(err, &rejectErr) {
		metrics.RecordRejected(string(rejectErr.Reason))
		return
	}
	metrics.RecordRejected("invalid")
}

// IsRejected returns true if err marks a record that can never be stored
func IsRejected(err error) bool {
	var rejectErr *normalizer.RejectError
	return errors.As(err, &rejectErr)
}
