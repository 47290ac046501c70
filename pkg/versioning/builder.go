// Package versioning derives entity version timelines from CDC events.
package versioning

import (
	"context"
	"sort"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Result is the output of one build
type Result struct {
	// Versions is sorted by entity type, entity id and valid_from
	Versions []models.EntityVersion
	// Duplicates counts events dropped because their hash was already seen
	Duplicates int
	// ZeroDuration counts versions dropped because valid_from == valid_to
	ZeroDuration int
	// Stale counts events at or before a seed's valid_from, which are already applied
	Stale int
	// Watermark is the latest occurred_at among the new events, or zero when there were none
	Watermark time.Time
}

// Builder converts events into non-overlapping version intervals
type Builder struct {
	logger ectologger.Logger
}

// NewBuilder creates a new version builder
func NewBuilder(logger ectologger.Logger) *Builder {
	return &Builder{logger: logger}
}

type partition struct {
	seed   *models.EntityVersion
	events []models.Event
}

// Build produces the version timeline for events.
//
// seeds are the versions that were still open at the last committed watermark. A
// seed is only re-emitted, with its new valid_to, when its entity has new events;
// entities without new events keep their stored open version untouched.
func (b *Builder) Build(ctx context.Context, events []models.Event, seeds []models.EntityVersion) Result {
	ctx, span := tracing.StartSpan(ctx, "versioning.Builder.Build")
	defer span.End()

	var result Result

	partitions := make(map[models.EntityKey]*partition)
	seen := make(map[string]struct{}, len(events))

	for _, e := range dedupeOrder(events) {
		if e.Hash != "" {
			if _, ok := seen[e.Hash]; ok {
				result.Duplicates++
				continue
			}
			seen[e.Hash] = struct{}{}
		}

		p, ok := partitions[e.Key()]
		if !ok {
			p = &partition{}
			partitions[e.Key()] = p
		}
		p.events = append(p.events, e)

		if e.OccurredAt.After(result.Watermark) {
			result.Watermark = e.OccurredAt
		}
	}

	for i := range seeds {
		seed := seeds[i]
		if !seed.IsOpen() {
			continue
		}
		if p, ok := partitions[seed.Key()]; ok {
			p.seed = &seed
		}
	}

	keys := make([]models.EntityKey, 0, len(partitions))
	for k := range partitions {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].EntityType != keys[j].EntityType {
			return keys[i].EntityType < keys[j].EntityType
		}
		return keys[i].EntityID < keys[j].EntityID
	})

	for _, k := range keys {
		versions, zero, stale := buildPartition(partitions[k])
		result.ZeroDuration += zero
		result.Stale += stale
		result.Versions = append(result.Versions, versions...)
	}

	b.logger.WithContext(ctx).WithFields(map[string]any{
		"events":        len(events),
		"entities":      len(partitions),
		"versions":      len(result.Versions),
		"duplicates":    result.Duplicates,
		"zero_duration": result.ZeroDuration,
		"stale":         result.Stale,
	}).Debug("Built version timeline")

	return result
}

// dedupeOrder sorts by ingestion sequence so the first delivery of a duplicated
// event is the one kept.
func dedupeOrder(events []models.Event) []models.Event {
	ordered := make([]models.Event, len(events))
	copy(ordered, events)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Sequence < ordered[j].Sequence
	})
	return ordered
}

// buildPartition links the events of one entity into versions. It returns the
// versions, the number of zero-duration versions dropped and the number of events
// ignored because they do not come after the seed.
func buildPartition(p *partition) ([]models.EntityVersion, int, int) {
	events := p.events
	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].OccurredAt.Equal(events[j].OccurredAt) {
			return events[i].OccurredAt.Before(events[j].OccurredAt)
		}
		return events[i].Sequence < events[j].Sequence
	})

	stale := 0
	if p.seed != nil {
		kept := events[:0]
		for _, e := range events {
			if !e.OccurredAt.After(p.seed.ValidFrom) {
				stale++
				continue
			}
			kept = append(kept, e)
		}
		events = kept
	}

	var (
		versions []models.EntityVersion
		open     *models.EntityVersion
		zero     int
	)

	// close ends the currently open version at t and emits it unless it has no duration
	closeOpen := func(t time.Time, byDelete bool) {
		if open == nil {
			return
		}
		validTo := t
		open.ValidTo = &validTo
		open.ClosedByDelete = byDelete
		if open.ValidFrom.Equal(validTo) {
			zero++
			// a delete at the same instant still ends the previous version's timeline
			if byDelete && len(versions) > 0 {
				last := &versions[len(versions)-1]
				if last.ValidTo != nil && last.ValidTo.Equal(validTo) {
					last.ClosedByDelete = true
				}
			}
		} else {
			versions = append(versions, *open)
		}
		open = nil
	}

	if p.seed != nil && len(events) > 0 {
		seed := *p.seed
		open = &seed
	}

	for _, e := range events {
		if e.Operation == models.OperationDelete {
			closeOpen(e.OccurredAt, true)
			continue
		}
		closeOpen(e.OccurredAt, false)
		open = versionFrom(e)
	}

	if open != nil {
		versions = append(versions, *open)
	}

	return versions, zero, stale
}

// sortVersions orders versions by entity type, entity id and valid_from
func sortVersions(versions []models.EntityVersion) {
	sort.SliceStable(versions, func(i, j int) bool {
		a, b := versions[i], versions[j]
		if a.EntityType != b.EntityType {
			return a.EntityType < b.EntityType
		}
		if a.EntityID != b.EntityID {
			return a.EntityID < b.EntityID
		}
		return a.ValidFrom.Before(b.ValidFrom)
	})
}

func versionFrom(e models.Event) *models.EntityVersion {
	return &models.EntityVersion{
		EntityType:       e.EntityType,
		EntityID:         e.EntityID,
		ValidFrom:        e.OccurredAt,
		Operation:        e.Operation,
		Fields:           e.Fields.Clone(),
		RestrictedFields: e.RestrictedFields.Clone(),
		ImportBatchID:    e.ImportBatchID,
	}
}
