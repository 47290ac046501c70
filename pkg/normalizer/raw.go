package normalizer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Upstream event_type values
const (
	EventTypeCreate           = "create"
	EventTypeUpdate           = "update"
	EventTypeDelete           = "delete"
	EventTypeImport           = "import"
	EventTypeCreateEntity     = "create_entity"
	EventTypeUpdateEntity     = "update_entity"
	EventTypeDeleteEntity     = "delete_entity"
	EventTypeImportEntity     = "import_entity"
	EventTypeTableCheck       = "entity_table_check"
	EventTypeImportTableCheck = "import_entity_table_check"
)

// RawField is one key of an event payload. Value accepts either a single JSON
// scalar or an array of them.
type RawField struct {
	Key   string     `json:"key"`
	Value FieldValue `json:"value"`
}

// FieldValue is the list of values carried by a RawField
type FieldValue []string

func (v *FieldValue) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*v = nil
		return nil
	}

	if data[0] == '[' {
		var items []json.RawMessage
		if err := json.Unmarshal(data, &items); err != nil {
			return err
		}
		out := make([]string, 0, len(items))
		for _, item := range items {
			s, err := scalarString(item)
			if err != nil {
				return err
			}
			out = append(out, s)
		}
		*v = out
		return nil
	}

	s, err := scalarString(data)
	if err != nil {
		return err
	}
	*v = []string{s}
	return nil
}

func scalarString(data json.RawMessage) (string, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return "", nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return "", err
		}
		return s, nil
	}
	// numbers, booleans and nested documents keep their JSON text
	return string(data), nil
}

// RawEvent is an event or check record as it arrives on the feed
type RawEvent struct {
	EventType       string     `json:"event_type"`
	OccurredAt      string     `json:"occurred_at"`
	EntityTableName string     `json:"entity_table_name"`
	EntityID        string     `json:"entity_id"`
	Data            []RawField `json:"data"`
	HiddenData      []RawField `json:"hidden_data"`
	ImportBatchID   string     `json:"import_batch_id,omitempty"`

	// check records
	RowCount             *json.Number `json:"row_count,omitempty"`
	Checksum             string       `json:"checksum,omitempty"`
	ChecksumCalculatedAt string       `json:"checksum_calculated_at,omitempty"`
	OrderColumn          string       `json:"order_column,omitempty"`

	// Raw is the original document, used for entity id expressions
	Raw json.RawMessage `json:"-"`
}

// ParseRawEvent decodes a feed message
func ParseRawEvent(data []byte) (*RawEvent, error) {
	var raw RawEvent
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode event: %w", err)
	}
	raw.Raw = append(json.RawMessage(nil), data...)
	return &raw, nil
}

// IsCheck returns true for entity_table_check and import_entity_table_check records
func (r *RawEvent) IsCheck() bool {
	return r.EventType == EventTypeTableCheck || r.EventType == EventTypeImportTableCheck
}

// FieldsFromMap builds RawFields from a flat document. Keys are emitted in
// sorted order so the result is deterministic.
func FieldsFromMap(doc map[string]any, keys []string) []RawField {
	fields := make([]RawField, 0, len(keys))
	for _, k := range keys {
		fields = append(fields, RawField{Key: k, Value: FieldValue{stringify(doc[k])}})
	}
	return fields
}

func stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case json.Number:
		return val.String()
	case bool:
		return strconv.FormatBool(val)
	default:
		b, _ := json.Marshal(val)
		return string(b)
	}
}
