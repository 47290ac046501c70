package versioning

import (
	"fmt"
	"sort"

	"github.com/Ramsey-B/fern/pkg/models"
)

// TimelineError describes a broken timeline invariant
type TimelineError struct {
	Key    models.EntityKey
	Reason string
}

func (e *TimelineError) Error() string {
	return fmt.Sprintf("invalid timeline for %s: %s", e.Key, e.Reason)
}

// ValidateTimeline checks that, per entity, versions are ordered, non-overlapping,
// have positive duration and that at most one is open. It returns the first violation.
func ValidateTimeline(versions []models.EntityVersion) error {
	byKey := make(map[models.EntityKey][]models.EntityVersion)
	for _, v := range versions {
		byKey[v.Key()] = append(byKey[v.Key()], v)
	}

	keys := make([]models.EntityKey, 0, len(byKey))
	for k := range byKey {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })

	for _, key := range keys {
		timeline := byKey[key]
		sort.SliceStable(timeline, func(i, j int) bool {
			return timeline[i].ValidFrom.Before(timeline[j].ValidFrom)
		})

		open := 0
		for i, v := range timeline {
			if v.ValidTo != nil && !v.ValidTo.After(v.ValidFrom) {
				return &TimelineError{Key: key, Reason: fmt.Sprintf("version at %s has no duration", v.ValidFrom)}
			}
			if v.IsOpen() {
				open++
				if i != len(timeline)-1 {
					return &TimelineError{Key: key, Reason: fmt.Sprintf("open version at %s is not the latest", v.ValidFrom)}
				}
			}
			if i == 0 {
				continue
			}
			prev := timeline[i-1]
			if prev.ValidFrom.Equal(v.ValidFrom) {
				return &TimelineError{Key: key, Reason: fmt.Sprintf("two versions start at %s", v.ValidFrom)}
			}
			if prev.ValidTo != nil && prev.ValidTo.After(v.ValidFrom) {
				return &TimelineError{Key: key, Reason: fmt.Sprintf("version at %s overlaps its successor", prev.ValidFrom)}
			}
			if prev.ValidTo != nil && !prev.ClosedByDelete && !prev.ValidTo.Equal(v.ValidFrom) {
				return &TimelineError{Key: key, Reason: fmt.Sprintf("gap after version at %s", prev.ValidFrom)}
			}
		}
		if open > 1 {
			return &TimelineError{Key: key, Reason: "more than one open version"}
		}
	}
	return nil
}
