package normalizer

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/models"
)

func newTestNormalizer(t *testing.T, opts Options) *Normalizer {
	t.Helper()
	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	n, err := New(opts, logger)
	require.NoError(t, err)
	return n
}

func parse(t *testing.T, doc string) *RawEvent {
	t.Helper()
	raw, err := ParseRawEvent([]byte(doc))
	require.NoError(t, err)
	return raw
}

func TestNormalize(t *testing.T) {
	n := newTestNormalizer(t, Options{})

	raw := parse(t, `{
		"event_type": "update_entity",
		"occurred_at": "2024-03-01T10:00:00Z",
		"entity_table_name": "users",
		"entity_id": "5",
		"data": [
			{"key": "name", "value": ["A"]},
			{"key": "tags", "value": ["x", "y"]},
			{"key": "tags", "value": "z"},
			{"key": "age", "value": 42}
		],
		"hidden_data": [{"key": "email", "value": ["a@example.com"]}]
	}`)

	event, err := n.Normalize(context.Background(), raw)
	require.NoError(t, err)

	assert.Equal(t, "users", event.EntityType)
	assert.Equal(t, "5", event.EntityID)
	assert.Equal(t, models.OperationUpdate, event.Operation)
	assert.Equal(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC), event.OccurredAt)
	assert.Equal(t, models.Fields{"name": "A", "tags": "x,y,z", "age": "42"}, event.Fields)
	assert.Equal(t, models.Fields{"email": "a@example.com"}, event.RestrictedFields)
	assert.Nil(t, event.ImportBatchID)
	assert.NotEmpty(t, event.Hash)
}

func TestNormalize_Rejections(t *testing.T) {
	n := newTestNormalizer(t, Options{})

	tests := []struct {
		name   string
		doc    string
		reason RejectReason
	}{
		{
			name:   "unknown operation",
			doc:    `{"event_type": "upsert", "occurred_at": "2024-03-01T10:00:00Z", "entity_table_name": "users", "entity_id": "1"}`,
			reason: ReasonUnknownOperation,
		},
		{
			name:   "missing timestamp",
			doc:    `{"event_type": "create", "entity_table_name": "users", "entity_id": "1"}`,
			reason: ReasonMissingTimestamp,
		},
		{
			name:   "unparseable timestamp",
			doc:    `{"event_type": "create", "occurred_at": "yesterday", "entity_table_name": "users", "entity_id": "1"}`,
			reason: ReasonUnparseableTimestamp,
		},
		{
			name:   "missing entity id",
			doc:    `{"event_type": "create", "occurred_at": "2024-03-01T10:00:00Z", "entity_table_name": "users", "data": [{"key": "name", "value": ["A"]}]}`,
			reason: ReasonMissingEntityID,
		},
		{
			name:   "missing entity type",
			doc:    `{"event_type": "create", "occurred_at": "2024-03-01T10:00:00Z", "entity_id": "1"}`,
			reason: ReasonMissingEntityType,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := n.Normalize(context.Background(), parse(t, tt.doc))
			require.Error(t, err)

			var rejectErr *RejectError
			require.True(t, errors.As(err, &rejectErr))
			assert.Equal(t, tt.reason, rejectErr.Reason)
		})
	}
}

func TestNormalize_EntityIDFallbacks(t *testing.T) {
	t.Run("id field", func(t *testing.T) {
		n := newTestNormalizer(t, Options{})
		event, err := n.Normalize(context.Background(), parse(t, `{
			"event_type": "create", "occurred_at": "2024-03-01T10:00:00Z", "entity_table_name": "users",
			"data": [{"key": "id", "value": ["9"]}]
		}`))
		require.NoError(t, err)
		assert.Equal(t, "9", event.EntityID)
	})

	t.Run("expression", func(t *testing.T) {
		n := newTestNormalizer(t, Options{EntityIDExpression: "meta.source_id"})
		event, err := n.Normalize(context.Background(), parse(t, `{
			"event_type": "import_entity", "occurred_at": "2024-03-01T10:00:00Z", "entity_table_name": "users",
			"import_batch_id": "batch-1",
			"meta": {"source_id": 77}
		}`))
		require.NoError(t, err)
		assert.Equal(t, "77", event.EntityID)
		assert.Equal(t, models.OperationImport, event.Operation)
		require.NotNil(t, event.ImportBatchID)
		assert.Equal(t, "batch-1", *event.ImportBatchID)
	})

	t.Run("invalid expression", func(t *testing.T) {
		logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
		_, err := New(Options{EntityIDExpression: "meta.["}, logger)
		assert.Error(t, err)
	})
}

func TestNormalize_RedeliveryHashesEqual(t *testing.T) {
	n := newTestNormalizer(t, Options{})
	doc := `{"event_type": "create", "occurred_at": "2024-03-01T10:00:00Z", "entity_table_name": "users", "entity_id": "1", "data": [{"key": "name", "value": ["A"]}]}`

	a, err := n.Normalize(context.Background(), parse(t, doc))
	require.NoError(t, err)
	b, err := n.Normalize(context.Background(), parse(t, doc))
	require.NoError(t, err)

	assert.Equal(t, a.Hash, b.Hash)
}

func TestJoinFields(t *testing.T) {
	fields := JoinFields([]RawField{
		{Key: "a", Value: FieldValue{"1"}},
		{Key: "b", Value: FieldValue{"x,y"}},
		{Key: "a", Value: FieldValue{"2", "3"}},
		{Key: " ", Value: FieldValue{"ignored"}},
		{Key: "empty", Value: nil},
	})

	assert.Equal(t, models.Fields{"a": "1,2,3", "b": "x,y", "empty": ""}, fields)
}

func TestNormalizeCheck(t *testing.T) {
	n := newTestNormalizer(t, Options{})

	t.Run("wall clock check defaults order column", func(t *testing.T) {
		check, err := n.NormalizeCheck(context.Background(), parse(t, `{
			"event_type": "entity_table_check", "entity_table_name": "users",
			"row_count": 100, "checksum": "ABCDEF", "checksum_calculated_at": "2024-03-01 10:00:00"
		}`))
		require.NoError(t, err)
		assert.Equal(t, int64(100), check.RowCount)
		assert.Equal(t, "abcdef", check.Checksum)
		assert.Equal(t, models.OrderColumnUpdatedAt, check.OrderColumn)
		assert.False(t, check.IsImport())
		assert.NotEmpty(t, check.ID)
	})

	t.Run("import check", func(t *testing.T) {
		check, err := n.NormalizeCheck(context.Background(), parse(t, `{
			"event_type": "import_entity_table_check", "entity_table_name": "users", "import_batch_id": "b1",
			"row_count": 3, "checksum": "abc", "checksum_calculated_at": "2024-03-01T10:00:00Z", "order_column": "id"
		}`))
		require.NoError(t, err)
		assert.True(t, check.IsImport())
		assert.Equal(t, models.OrderColumnID, check.OrderColumn)
	})

	t.Run("unknown order column", func(t *testing.T) {
		_, err := n.NormalizeCheck(context.Background(), parse(t, `{
			"event_type": "entity_table_check", "entity_table_name": "users",
			"row_count": 1, "checksum": "abc", "checksum_calculated_at": "2024-03-01T10:00:00Z", "order_column": "name"
		}`))
		var rejectErr *RejectError
		require.True(t, errors.As(err, &rejectErr))
		assert.Equal(t, ReasonUnknownOrderColumn, rejectErr.Reason)
	})

	t.Run("import check without batch", func(t *testing.T) {
		_, err := n.NormalizeCheck(context.Background(), parse(t, `{
			"event_type": "import_entity_table_check", "entity_table_name": "users",
			"row_count": 1, "checksum": "abc", "checksum_calculated_at": "2024-03-01T10:00:00Z"
		}`))
		var rejectErr *RejectError
		require.True(t, errors.As(err, &rejectErr))
		assert.Equal(t, ReasonMissingImportBatchID, rejectErr.Reason)
	})
}

func TestNormalizeCheck_ConfiguredDefaultOrderColumn(t *testing.T) {
	n := newTestNormalizer(t, Options{
		DefaultOrderColumn: models.OrderColumnCreatedAt,
		OrderColumnsByType: map[string]models.OrderColumn{"orders": models.OrderColumnID},
	})

	tests := []struct {
		entityType string
		expected   models.OrderColumn
	}{
		{"users", models.OrderColumnCreatedAt},
		{"orders", models.OrderColumnID},
	}
	for _, tt := range tests {
		t.Run(tt.entityType, func(t *testing.T) {
			check, err := n.NormalizeCheck(context.Background(), parse(t, `{
				"event_type": "entity_table_check", "entity_table_name": "`+tt.entityType+`",
				"row_count": 1, "checksum": "abc", "checksum_calculated_at": "2024-03-01T10:00:00Z"
			}`))
			require.NoError(t, err)
			assert.Equal(t, tt.expected, check.OrderColumn)
		})
	}
}

func TestParseTimestamp(t *testing.T) {
	want := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		input string
	}{
		{"rfc3339", "2024-03-01T10:00:00Z"},
		{"rfc3339 offset", "2024-03-01T12:00:00+02:00"},
		{"space separated", "2024-03-01 10:00:00"},
		{"epoch millis", "1709287200000"},
		{"epoch micros", "1709287200000000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseTimestamp(tt.input)
			require.NoError(t, err)
			assert.True(t, want.Equal(got), "got %s", got)
		})
	}

	_, err := ParseTimestamp("not a time")
	assert.Error(t, err)
}

func TestFieldValue_UnmarshalJSON(t *testing.T) {
	var f RawField
	require.NoError(t, json.Unmarshal([]byte(`{"key": "k", "value": [true, null, "s", 1.5]}`), &f))
	assert.Equal(t, FieldValue{"true", "", "s", "1.5"}, f.Value)
}
