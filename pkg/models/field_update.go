package models

import "time"

// FieldUpdate records one changed field between two adjacent versions
type FieldUpdate struct {
	EntityType              string    `json:"entity_type" db:"entity_type"`
	EntityID                string    `json:"entity_id" db:"entity_id"`
	OccurredAt              time.Time `json:"occurred_at" db:"occurred_at"`
	FieldName               string    `json:"field_name" db:"field_name"`
	PreviousValue           string    `json:"previous_value" db:"previous_value"`
	NewValue                string    `json:"new_value" db:"new_value"`
	Operation               Operation `json:"operation" db:"operation"`
	Restricted              bool      `json:"restricted" db:"restricted"`
	ChangeFromOriginalValue bool      `json:"change_from_original_value" db:"change_from_original_value"`
}

// FieldUpdateListResponse is the response for listing field updates
type FieldUpdateListResponse struct {
	Items      []FieldUpdate `json:"items"`
	TotalCount int           `json:"total_count"`
}
