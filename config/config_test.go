package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/models"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, "fern-api", cfg.AppName)
	assert.Equal(t, []string{"localhost:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, time.Minute, cfg.SchedulerPollInterval)
	assert.Equal(t, "db/pg", cfg.DatabaseMigrationFolderPath)
}

func TestLoad_EnvFileAndOverrides(t *testing.T) {
	envFile := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("KAFKA_DEBEZIUM_TOPICS=crm.public.users,crm.public.orders\nLOCK_TTL=30s\n"), 0o600))
	t.Setenv("PORT", "8080")

	cfg, err := Load(envFile)
	require.NoError(t, err)
	t.Cleanup(func() {
		os.Unsetenv("KAFKA_DEBEZIUM_TOPICS")
		os.Unsetenv("LOCK_TTL")
	})

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, []string{"crm.public.users", "crm.public.orders"}, cfg.KafkaDebeziumTopics)
	assert.Equal(t, 30*time.Second, cfg.LockTTL)
}

func TestLoad_Invalid(t *testing.T) {
	t.Setenv("KAFKA_COMPRESSION", "brotli")
	t.Setenv("PORT", "70000")

	_, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.Error(t, err)
	assert.ErrorContains(t, err, "KAFKA_COMPRESSION")
	assert.ErrorContains(t, err, "PORT")
}

const validRules = `
default_order_column: id
bookkeeping_fields: [etl_loaded_at]
entity_types:
  - name: users
    freshness_days: 2
    order_column: updated_at
    bookkeeping_fields: [last_login_at]
  - name: orders
    freshness_days: 7
suppression_windows:
  - name: year end freeze
    from: 2024-12-20T00:00:00Z
    to: 2025-01-02T00:00:00Z
    entity_types: [orders]
`

func TestParseRules(t *testing.T) {
	rules, err := ParseRules([]byte(validRules))
	require.NoError(t, err)

	assert.Equal(t, []string{"users", "orders"}, rules.EntityTypeNames())
	assert.Equal(t, models.OrderColumnID, rules.DefaultOrder())
	assert.Equal(t, map[string]models.OrderColumn{"users": models.OrderColumnUpdatedAt}, rules.OrderColumnsByType())
	assert.Equal(t, map[string][]string{"users": {"last_login_at"}}, rules.BookkeepingByType())

	freshness := rules.FreshnessRules()
	require.Len(t, freshness, 2)
	assert.Equal(t, 7, freshness[1].FreshnessDays)

	windows := rules.Suppression()
	require.Len(t, windows, 1)
	assert.True(t, windows[0].Covers("orders", time.Date(2024, 12, 25, 0, 0, 0, 0, time.UTC)))
}

func TestParseRules_Empty(t *testing.T) {
	rules, err := ParseRules(nil)
	require.NoError(t, err)
	assert.Equal(t, models.DefaultOrderColumn, rules.DefaultOrder())
	assert.Empty(t, rules.EntityTypeNames())
}

func TestParseRules_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		doc    string
		errMsg string
	}{
		{
			name:   "non-positive freshness",
			doc:    "entity_types:\n  - name: users\n    freshness_days: 0\n",
			errMsg: "FreshnessDays",
		},
		{
			name:   "unknown order column",
			doc:    "default_order_column: name\n",
			errMsg: "DefaultOrderColumn",
		},
		{
			name:   "unknown key",
			doc:    "freshness: 3\n",
			errMsg: "field freshness not found",
		},
		{
			name:   "duplicate entity type",
			doc:    "entity_types:\n  - name: users\n    freshness_days: 1\n  - name: users\n    freshness_days: 2\n",
			errMsg: "configured more than once",
		},
		{
			name:   "window ends before it starts",
			doc:    "suppression_windows:\n  - name: w\n    from: 2024-02-01T00:00:00Z\n    to: 2024-01-01T00:00:00Z\n",
			errMsg: "starts after it ends",
		},
		{
			name:   "window names unknown type",
			doc:    "suppression_windows:\n  - name: w\n    from: 2024-01-01T00:00:00Z\n    to: 2024-02-01T00:00:00Z\n    entity_types: [ghosts]\n",
			errMsg: `unknown entity type "ghosts"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseRules([]byte(tt.doc))
			require.Error(t, err)
			assert.ErrorContains(t, err, tt.errMsg)
		})
	}
}

func TestLoadRules_MissingFile(t *testing.T) {
	_, err := LoadRules(filepath.Join(t.TempDir(), "rules.yaml"))
	assert.ErrorContains(t, err, "failed to read rules file")
}
