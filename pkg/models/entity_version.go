package models

import "time"

// EntityVersion is one validity interval of an entity's history.
// ValidTo is nil while the version is still current.
type EntityVersion struct {
	EntityType       string     `json:"entity_type"`
	EntityID         string     `json:"entity_id"`
	ValidFrom        time.Time  `json:"valid_from"`
	ValidTo          *time.Time `json:"valid_to"`
	Operation        Operation  `json:"operation"`
	Fields           Fields     `json:"fields"`
	RestrictedFields Fields     `json:"restricted_fields,omitempty"`
	ImportBatchID    *string    `json:"import_batch_id,omitempty"`
	// ClosedByDelete is set when ValidTo came from a delete event rather than a successor version
	ClosedByDelete bool `json:"closed_by_delete"`
}

// Key returns the entity key for the version
func (v EntityVersion) Key() EntityKey {
	return EntityKey{EntityType: v.EntityType, EntityID: v.EntityID}
}

// IsOpen returns true if the version is still current
func (v EntityVersion) IsOpen() bool {
	return v.ValidTo == nil
}

// ValidAt returns true if the version was the entity's state at t
func (v EntityVersion) ValidAt(t time.Time) bool {
	if v.ValidFrom.After(t) {
		return false
	}
	return v.ValidTo == nil || v.ValidTo.After(t)
}

// Value returns the value of a field, checking ordinary fields before restricted ones
func (v EntityVersion) Value(field string) (string, bool) {
	if val, ok := v.Fields[field]; ok {
		return val, true
	}
	val, ok := v.RestrictedFields[field]
	return val, ok
}

// EntityVersionListResponse is the response for listing an entity's versions
type EntityVersionListResponse struct {
	Items      []EntityVersion `json:"items"`
	TotalCount int             `json:"total_count"`
}
