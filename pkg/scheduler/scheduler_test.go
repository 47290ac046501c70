package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/pipeline"
)

type fakeRunner struct {
	mu    sync.Mutex
	calls []string
	errs  map[string]error
}

func (f *fakeRunner) Run(_ context.Context, entityType string, now time.Time) (models.RunSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, entityType)
	return models.RunSummary{EntityType: entityType, StartedAt: now}, f.errs[entityType]
}

func (f *fakeRunner) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func newTestScheduler(runner Runner, cfg Config) *Scheduler {
	return NewScheduler(runner, cfg, ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {}))
}

func TestRunCycle_RunsEveryEntityTypeAndContinuesOnError(t *testing.T) {
	runner := &fakeRunner{errs: map[string]error{
		"users":  pipeline.ErrPartitionBusy,
		"orders": errors.New("db down"),
	}}
	s := newTestScheduler(runner, Config{EntityTypes: []string{"users", "orders", "invoices"}})

	s.RunCycle(context.Background(), make(chan struct{}))

	assert.Equal(t, []string{"users", "orders", "invoices"}, runner.Calls())
}

func TestRunCycle_StopsBetweenEntityTypes(t *testing.T) {
	runner := &fakeRunner{}
	s := newTestScheduler(runner, Config{EntityTypes: []string{"users", "orders"}})

	stop := make(chan struct{})
	close(stop)
	s.RunCycle(context.Background(), stop)

	assert.Empty(t, runner.Calls())
}

func TestStartStop(t *testing.T) {
	runner := &fakeRunner{}
	s := newTestScheduler(runner, Config{EntityTypes: []string{"users"}, PollInterval: time.Hour})

	require.NoError(t, s.Start(context.Background()))
	assert.True(t, s.IsRunning())
	assert.ErrorIs(t, s.Start(context.Background()), ErrSchedulerAlreadyRunning)

	assert.Eventually(t, func() bool { return len(runner.Calls()) == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	assert.False(t, s.IsRunning())
	require.NoError(t, s.Stop(ctx))
}
