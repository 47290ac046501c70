// Package normalizer turns raw feed records into typed events and checksum checks.
package normalizer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/jmespath/go-jmespath"

	"github.com/Ramsey-B/fern/pkg/fingerprint"
	"github.com/Ramsey-B/fern/pkg/models"
)

// RejectReason explains why a raw event was dropped
type RejectReason string

const (
	ReasonMissingEntityType     RejectReason = "missing_entity_type"
	ReasonMissingEntityID       RejectReason = "missing_entity_id"
	ReasonMissingTimestamp      RejectReason = "missing_timestamp"
	ReasonUnparseableTimestamp  RejectReason = "unparseable_timestamp"
	ReasonUnknownOperation      RejectReason = "unknown_operation"
	ReasonInvalidCheck          RejectReason = "invalid_check"
	ReasonUnknownOrderColumn    RejectReason = "unknown_order_column"
	ReasonMissingImportBatchID  RejectReason = "missing_import_batch_id"
	ReasonUnsupportedRecordType RejectReason = "unsupported_record_type"
)

// RejectError is returned for events that are skipped rather than failed
type RejectError struct {
	Reason RejectReason
	Detail string
}

func (e *RejectError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("event rejected: %s", e.Reason)
	}
	return fmt.Sprintf("event rejected: %s: %s", e.Reason, e.Detail)
}

func reject(reason RejectReason, format string, args ...any) error {
	return &RejectError{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

var operations = map[string]models.Operation{
	EventTypeCreate:       models.OperationCreate,
	EventTypeCreateEntity: models.OperationCreate,
	EventTypeUpdate:       models.OperationUpdate,
	EventTypeUpdateEntity: models.OperationUpdate,
	EventTypeDelete:       models.OperationDelete,
	EventTypeDeleteEntity: models.OperationDelete,
	EventTypeImport:       models.OperationImport,
	EventTypeImportEntity: models.OperationImport,
}

// Options configures a Normalizer
type Options struct {
	// EntityIDField is the payload key used when entity_id is absent
	EntityIDField string
	// EntityIDExpression is a JMESPath expression evaluated against the raw document
	// when neither entity_id nor EntityIDField yield an id
	EntityIDExpression string
	// DefaultOrderColumn applies to checks that do not name an order column
	DefaultOrderColumn models.OrderColumn
	// OrderColumnsByType overrides DefaultOrderColumn per entity type
	OrderColumnsByType map[string]models.OrderColumn
}

// Normalizer canonicalizes raw events
type Normalizer struct {
	idField      string
	idExpr       *jmespath.JMESPath
	defaultOrder models.OrderColumn
	orderByType  map[string]models.OrderColumn
	logger       ectologger.Logger
}

// New creates a Normalizer. An invalid entity id expression is a configuration error.
func New(opts Options, logger ectologger.Logger) (*Normalizer, error) {
	n := &Normalizer{
		idField:      opts.EntityIDField,
		defaultOrder: opts.DefaultOrderColumn,
		orderByType:  opts.OrderColumnsByType,
		logger:       logger,
	}
	if n.idField == "" {
		n.idField = "id"
	}
	if n.defaultOrder == "" {
		n.defaultOrder = models.DefaultOrderColumn
	}
	if opts.EntityIDExpression != "" {
		expr, err := jmespath.Compile(opts.EntityIDExpression)
		if err != nil {
			return nil, fmt.Errorf("invalid entity id expression %q: %w", opts.EntityIDExpression, err)
		}
		n.idExpr = expr
	}
	return n, nil
}

// Normalize converts a raw event into a models.Event. Rejected events return a
// *RejectError and are logged at warn level.
func (n *Normalizer) Normalize(ctx context.Context, raw *RawEvent) (models.Event, error) {
	event, err := n.normalize(raw)
	if err != nil {
		n.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"event_type":  raw.EventType,
			"entity_type": raw.EntityTableName,
			"entity_id":   raw.EntityID,
		}).Warn("Skipping event")
		return models.Event{}, err
	}
	return event, nil
}

func (n *Normalizer) normalize(raw *RawEvent) (models.Event, error) {
	op, ok := operations[strings.ToLower(strings.TrimSpace(raw.EventType))]
	if !ok {
		return models.Event{}, reject(ReasonUnknownOperation, "%q", raw.EventType)
	}

	entityType := strings.TrimSpace(raw.EntityTableName)
	if entityType == "" {
		return models.Event{}, reject(ReasonMissingEntityType, "entity_table_name is empty")
	}

	if strings.TrimSpace(raw.OccurredAt) == "" {
		return models.Event{}, reject(ReasonMissingTimestamp, "occurred_at is empty")
	}
	occurredAt, err := ParseTimestamp(raw.OccurredAt)
	if err != nil {
		return models.Event{}, reject(ReasonUnparseableTimestamp, "%q", raw.OccurredAt)
	}

	fields := JoinFields(raw.Data)
	restricted := JoinFields(raw.HiddenData)

	entityID := n.entityID(raw, fields)
	if entityID == "" {
		return models.Event{}, reject(ReasonMissingEntityID, "no id in entity_id, %q or expression", n.idField)
	}

	event := models.Event{
		EntityType:       entityType,
		EntityID:         entityID,
		Operation:        op,
		OccurredAt:       occurredAt,
		Fields:           fields,
		RestrictedFields: restricted,
	}
	if raw.ImportBatchID != "" {
		batch := raw.ImportBatchID
		event.ImportBatchID = &batch
	}
	event.Hash = fingerprint.Event(event)
	return event, nil
}

func (n *Normalizer) entityID(raw *RawEvent, fields models.Fields) string {
	if id := strings.TrimSpace(raw.EntityID); id != "" {
		return id
	}
	if id := strings.TrimSpace(fields[n.idField]); id != "" {
		return id
	}
	if n.idExpr == nil {
		return ""
	}

	var doc any
	if len(raw.Raw) > 0 {
		if err := json.Unmarshal(raw.Raw, &doc); err != nil {
			return ""
		}
	} else {
		doc = map[string]any{"data": fieldsDocument(raw.Data)}
	}

	result, err := n.idExpr.Search(doc)
	if err != nil || result == nil {
		return ""
	}
	return strings.TrimSpace(stringify(result))
}

func fieldsDocument(fields []RawField) []any {
	out := make([]any, 0, len(fields))
	for _, f := range fields {
		values := make([]any, 0, len(f.Value))
		for _, v := range f.Value {
			values = append(values, v)
		}
		out = append(out, map[string]any{"key": f.Key, "value": values})
	}
	return out
}

// JoinFields flattens a payload into one value per key. Values for a key that
// appears more than once, or carries several values, are joined with a comma in
// order of appearance. A value containing a comma is not escaped.
func JoinFields(raw []RawField) models.Fields {
	fields := make(models.Fields, len(raw))
	for _, f := range raw {
		key := strings.TrimSpace(f.Key)
		if key == "" {
			continue
		}
		joined := strings.Join(f.Value, ",")
		if existing, ok := fields[key]; ok {
			fields[key] = existing + "," + joined
			continue
		}
		fields[key] = joined
	}
	return fields
}

// NormalizeCheck converts an entity_table_check or import_entity_table_check record
func (n *Normalizer) NormalizeCheck(ctx context.Context, raw *RawEvent) (models.ChecksumCheck, error) {
	check, err := n.normalizeCheck(raw)
	if err != nil {
		n.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"event_type":  raw.EventType,
			"entity_type": raw.EntityTableName,
		}).Warn("Skipping checksum check")
		return models.ChecksumCheck{}, err
	}
	return check, nil
}

func (n *Normalizer) normalizeCheck(raw *RawEvent) (models.ChecksumCheck, error) {
	if !raw.IsCheck() {
		return models.ChecksumCheck{}, reject(ReasonUnsupportedRecordType, "%q is not a check", raw.EventType)
	}

	entityType := strings.TrimSpace(raw.EntityTableName)
	if entityType == "" {
		return models.ChecksumCheck{}, reject(ReasonMissingEntityType, "entity_table_name is empty")
	}

	calculated := raw.ChecksumCalculatedAt
	if calculated == "" {
		calculated = raw.OccurredAt
	}
	if strings.TrimSpace(calculated) == "" {
		return models.ChecksumCheck{}, reject(ReasonMissingTimestamp, "checksum_calculated_at is empty")
	}
	calculatedAt, err := ParseTimestamp(calculated)
	if err != nil {
		return models.ChecksumCheck{}, reject(ReasonUnparseableTimestamp, "%q", calculated)
	}

	if raw.RowCount == nil {
		return models.ChecksumCheck{}, reject(ReasonInvalidCheck, "row_count is missing")
	}
	rowCount, err := raw.RowCount.Int64()
	if err != nil || rowCount < 0 {
		return models.ChecksumCheck{}, reject(ReasonInvalidCheck, "row_count %q is not a non-negative integer", raw.RowCount.String())
	}

	orderColumn, err := models.ParseOrderColumn(strings.ToLower(strings.TrimSpace(raw.OrderColumn)))
	if err != nil {
		return models.ChecksumCheck{}, reject(ReasonUnknownOrderColumn, "%q", raw.OrderColumn)
	}
	if strings.TrimSpace(raw.OrderColumn) == "" {
		orderColumn = n.defaultOrder
		if byType, ok := n.orderByType[entityType]; ok {
			orderColumn = byType
		}
	}

	check := models.ChecksumCheck{
		EntityType:   entityType,
		RowCount:     rowCount,
		Checksum:     strings.ToLower(strings.TrimSpace(raw.Checksum)),
		CalculatedAt: calculatedAt,
		OrderColumn:  orderColumn,
	}

	if raw.EventType == EventTypeImportTableCheck {
		if raw.ImportBatchID == "" {
			return models.ChecksumCheck{}, reject(ReasonMissingImportBatchID, "import check without import_batch_id")
		}
		batch := raw.ImportBatchID
		check.ImportBatchID = &batch
	}

	check.ID = CheckID(check)
	return check, nil
}

// CheckID derives a stable id for a check so redelivered checks collapse to one row
func CheckID(c models.ChecksumCheck) string {
	doc := map[string]any{
		"entity_type":   c.EntityType,
		"row_count":     c.RowCount,
		"checksum":      c.Checksum,
		"calculated_at": c.CalculatedAt.UTC().Format(time.RFC3339Nano),
		"order_column":  string(c.OrderColumn),
	}
	if c.ImportBatchID != nil {
		doc["import_batch_id"] = *c.ImportBatchID
	}
	return fingerprint.Generate(doc)
}
