package models

import (
	"fmt"
	"time"
)

// Operation is the kind of change a CDC event records
type Operation string

const (
	OperationCreate Operation = "create"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
	OperationImport Operation = "import"
)

// Valid returns true if the operation is one the pipeline understands
func (o Operation) Valid() bool {
	switch o {
	case OperationCreate, OperationUpdate, OperationDelete, OperationImport:
		return true
	}
	return false
}

// Fields is a flattened key/value payload. Multi-valued keys have already been
// comma-joined by the normalizer.
type Fields map[string]string

// Clone returns a copy of the fields map
func (f Fields) Clone() Fields {
	if f == nil {
		return nil
	}
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// EntityKey identifies a single entity timeline
type EntityKey struct {
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
}

func (k EntityKey) String() string {
	return fmt.Sprintf("%s/%s", k.EntityType, k.EntityID)
}

// Event is a normalized CDC event.
// Sequence is the ingestion order assigned by the event store and breaks ties between
// events sharing the same occurred_at. Hash identifies redeliveries of the same change.
type Event struct {
	EntityType       string    `json:"entity_type" db:"entity_type"`
	EntityID         string    `json:"entity_id" db:"entity_id"`
	Operation        Operation `json:"operation" db:"operation"`
	OccurredAt       time.Time `json:"occurred_at" db:"occurred_at"`
	Fields           Fields    `json:"fields"`
	RestrictedFields Fields    `json:"restricted_fields,omitempty"`
	ImportBatchID    *string   `json:"import_batch_id,omitempty" db:"import_batch_id"`
	Sequence         int64     `json:"sequence" db:"seq"`
	Hash             string    `json:"hash" db:"event_hash"`
}

// Key returns the entity key for the event
func (e Event) Key() EntityKey {
	return EntityKey{EntityType: e.EntityType, EntityID: e.EntityID}
}

// BatchID returns the import batch id or an empty string
func (e Event) BatchID() string {
	if e.ImportBatchID == nil {
		return ""
	}
	return *e.ImportBatchID
}
