package normalizer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// DebeziumEnvelope is the standard Debezium CDC message format
type DebeziumEnvelope struct {
	Schema  json.RawMessage `json:"schema,omitempty"`
	Payload DebeziumPayload `json:"payload"`
}

// DebeziumPayload contains the before/after state of a row
type DebeziumPayload struct {
	Before json.RawMessage `json:"before"`
	After  json.RawMessage `json:"after"`
	Source DebeziumSource  `json:"source"`
	Op     string          `json:"op"` // c=create, u=update, d=delete, r=read (snapshot)
	TsMs   int64           `json:"ts_ms"`
	TsUs   int64           `json:"ts_us,omitempty"`
}

// DebeziumSource contains metadata about the source of the change
type DebeziumSource struct {
	Connector string `json:"connector"`
	Name      string `json:"name"`
	TsMs      int64  `json:"ts_ms"`
	Snapshot  string `json:"snapshot,omitempty"`
	Db        string `json:"db"`
	Schema    string `json:"schema"`
	Table     string `json:"table"`
}

var debeziumOps = map[string]string{
	"c": EventTypeCreate,
	"u": EventTypeUpdate,
	"d": EventTypeDelete,
	"r": EventTypeImport,
}

// FromDebezium converts a Debezium change event into a RawEvent. source.table is the
// entity type; the row image (before for deletes) becomes the payload. Tombstones
// (null messages) return nil with no error.
func FromDebezium(data []byte) (*RawEvent, error) {
	if len(bytes.TrimSpace(data)) == 0 || bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return nil, nil
	}

	var envelope DebeziumEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("failed to decode debezium envelope: %w", err)
	}
	// unwrapped envelopes (schemas disabled) carry the payload at the root
	if envelope.Payload.Op == "" {
		if err := json.Unmarshal(data, &envelope.Payload); err != nil {
			return nil, fmt.Errorf("failed to decode debezium payload: %w", err)
		}
	}
	p := envelope.Payload

	eventType, ok := debeziumOps[p.Op]
	if !ok {
		eventType = p.Op
	}

	image := p.After
	if p.Op == "d" {
		image = p.Before
	}

	raw := &RawEvent{
		EventType:       eventType,
		EntityTableName: p.Source.Table,
		OccurredAt:      debeziumTimestamp(p),
	}

	if len(image) > 0 && !bytes.Equal(image, []byte("null")) {
		dec := json.NewDecoder(bytes.NewReader(image))
		dec.UseNumber()
		var doc map[string]any
		if err := dec.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode debezium row image: %w", err)
		}
		keys := make([]string, 0, len(doc))
		for k := range doc {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		raw.Data = FieldsFromMap(doc, keys)
		raw.Raw = image
	}

	return raw, nil
}

func debeziumTimestamp(p DebeziumPayload) string {
	switch {
	case p.TsUs > 0:
		return time.UnixMicro(p.TsUs).UTC().Format(time.RFC3339Nano)
	case p.TsMs > 0:
		return time.UnixMilli(p.TsMs).UTC().Format(time.RFC3339Nano)
	case p.Source.TsMs > 0:
		return time.UnixMilli(p.Source.TsMs).UTC().Format(time.RFC3339Nano)
	}
	return ""
}
