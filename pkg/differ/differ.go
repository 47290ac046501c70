// Package differ emits per-field change records between adjacent entity versions.
package differ

import (
	"context"
	"sort"
	"strings"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Differ compares adjacent versions field by field
type Differ struct {
	global  map[string]bool
	perType map[string]map[string]bool
	logger  ectologger.Logger
}

// NewDiffer creates a differ. bookkeeping fields are never diffed; perType adds
// entity-type specific bookkeeping fields on top of the global set.
func NewDiffer(bookkeeping []string, perType map[string][]string, logger ectologger.Logger) *Differ {
	d := &Differ{
		global:  toSet(bookkeeping),
		perType: make(map[string]map[string]bool, len(perType)),
		logger:  logger,
	}
	for entityType, fields := range perType {
		d.perType[entityType] = toSet(fields)
	}
	return d
}

func toSet(fields []string) map[string]bool {
	set := make(map[string]bool, len(fields))
	for _, f := range fields {
		set[f] = true
	}
	return set
}

// IsBookkeeping returns true if field is excluded from diffs for entityType
func (d *Differ) IsBookkeeping(entityType, field string) bool {
	return d.global[field] || d.perType[entityType][field]
}

// Diff walks each entity's versions in valid_from order and emits one FieldUpdate
// per changed field between temporally adjacent versions. Versions separated by a
// delete are not adjacent.
//
// originals holds each entity's first-ever version. When an entity is missing from
// originals its earliest version in versions is used.
func (d *Differ) Diff(ctx context.Context, versions []models.EntityVersion, originals map[models.EntityKey]models.EntityVersion) []models.FieldUpdate {
	ctx, span := tracing.StartSpan(ctx, "differ.Differ.Diff")
	defer span.End()

	byKey := make(map[models.EntityKey][]models.EntityVersion)
	var keys []models.EntityKey
	for _, v := range versions {
		if _, ok := byKey[v.Key()]; !ok {
			keys = append(keys, v.Key())
		}
		byKey[v.Key()] = append(byKey[v.Key()], v)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].EntityType != keys[j].EntityType {
			return keys[i].EntityType < keys[j].EntityType
		}
		return keys[i].EntityID < keys[j].EntityID
	})

	var updates []models.FieldUpdate
	for _, key := range keys {
		timeline := byKey[key]
		sort.SliceStable(timeline, func(i, j int) bool {
			return timeline[i].ValidFrom.Before(timeline[j].ValidFrom)
		})

		original, ok := originals[key]
		if !ok {
			original = timeline[0]
		}

		for i := 1; i < len(timeline); i++ {
			prev, next := timeline[i-1], timeline[i]
			if !Adjacent(prev, next) {
				continue
			}
			updates = append(updates, d.diffPair(prev, next, original, false)...)
			updates = append(updates, d.diffPair(prev, next, original, true)...)
		}
	}

	d.logger.WithContext(ctx).WithFields(map[string]any{
		"versions":      len(versions),
		"field_updates": len(updates),
	}).Debug("Diffed versions")

	return updates
}

// Adjacent returns true if next directly succeeds prev without a delete in between
func Adjacent(prev, next models.EntityVersion) bool {
	if prev.ValidTo == nil || prev.ClosedByDelete {
		return false
	}
	return prev.ValidTo.Equal(next.ValidFrom)
}

func (d *Differ) diffPair(prev, next, original models.EntityVersion, restricted bool) []models.FieldUpdate {
	prevFields, nextFields, originalFields := prev.Fields, next.Fields, original.Fields
	if restricted {
		prevFields, nextFields, originalFields = prev.RestrictedFields, next.RestrictedFields, original.RestrictedFields
	}

	names := make([]string, 0, len(prevFields)+len(nextFields))
	seen := make(map[string]bool, len(prevFields)+len(nextFields))
	for _, fields := range []models.Fields{prevFields, nextFields} {
		for name := range fields {
			if seen[name] {
				continue
			}
			seen[name] = true
			names = append(names, name)
		}
	}
	sort.Strings(names)

	var updates []models.FieldUpdate
	for _, name := range names {
		if d.IsBookkeeping(next.EntityType, name) {
			continue
		}

		before := strings.TrimSpace(prevFields[name])
		after := strings.TrimSpace(nextFields[name])
		if before == after {
			continue
		}

		updates = append(updates, models.FieldUpdate{
			EntityType:              next.EntityType,
			EntityID:                next.EntityID,
			OccurredAt:              next.ValidFrom,
			FieldName:               name,
			PreviousValue:           before,
			NewValue:                after,
			Operation:               next.Operation,
			Restricted:              restricted,
			ChangeFromOriginalValue: revertsToOriginal(after, original, originalFields[name]),
		})
	}
	return updates
}

// revertsToOriginal reports whether a genuine change brings a field back to the
// value it had when the entity was created. Imported first versions are not a
// trustworthy origin, and an empty original carries no signal.
func revertsToOriginal(newValue string, original models.EntityVersion, originalValue string) bool {
	if original.Operation != models.OperationCreate {
		return false
	}
	originalValue = strings.TrimSpace(originalValue)
	if originalValue == "" {
		return false
	}
	return newValue == originalValue
}
