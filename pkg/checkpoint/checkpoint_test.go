package checkpoint

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryStore struct {
	values map[string]time.Time
	sets   int
	err    error
}

func (m *memoryStore) GetWatermark(_ context.Context, name string) (time.Time, bool, error) {
	if m.err != nil {
		return time.Time{}, false, m.err
	}
	v, ok := m.values[name]
	return v, ok, nil
}

func (m *memoryStore) SetWatermark(_ context.Context, name string, watermark time.Time) error {
	if m.err != nil {
		return m.err
	}
	m.sets++
	m.values[name] = watermark
	return nil
}

func newTestController(store Store) *Controller {
	return NewController(store, ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {}))
}

func TestController_LoadDefaultsToEpoch(t *testing.T) {
	c := newTestController(&memoryStore{values: map[string]time.Time{}})

	watermark, err := c.Load(context.Background(), VersionsName("users"))
	require.NoError(t, err)
	assert.Equal(t, Epoch, watermark)
}

func TestController_CommitNeverMovesBackwards(t *testing.T) {
	store := &memoryStore{values: map[string]time.Time{}}
	c := newTestController(store)
	ctx := context.Background()
	name := ChecksName("users")

	t1 := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	t0 := t1.Add(-time.Hour)

	got, err := c.Commit(ctx, name, Epoch, t1)
	require.NoError(t, err)
	assert.Equal(t, t1, got)

	got, err = c.Commit(ctx, name, t1, t0)
	require.NoError(t, err)
	assert.Equal(t, t1, got)
	assert.Equal(t, 1, store.sets, "a backwards commit must not write")

	loaded, err := c.Load(ctx, name)
	require.NoError(t, err)
	assert.Equal(t, t1, loaded)
}

func TestController_StoreErrors(t *testing.T) {
	store := &memoryStore{values: map[string]time.Time{}, err: errors.New("boom")}
	c := newTestController(store)

	_, err := c.Load(context.Background(), "x")
	assert.Error(t, err)

	_, err = c.Commit(context.Background(), "x", Epoch, time.Now())
	assert.Error(t, err)
}

func TestNames(t *testing.T) {
	assert.Equal(t, "versions:users", VersionsName("users"))
	assert.Equal(t, "checks:users", ChecksName("users"))
	assert.Equal(t, "import_checks:users", ImportChecksName("users"))
}
