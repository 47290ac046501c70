package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	appctx "github.com/Ramsey-B/fern/pkg/context"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/pipeline"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

var (
	// ErrSchedulerAlreadyRunning is returned when trying to start an already running scheduler
	ErrSchedulerAlreadyRunning = errors.New("scheduler already running")
)

const (
	// DefaultPollInterval is the default interval between scheduling cycles
	DefaultPollInterval = time.Minute

	// DefaultRunTimeout bounds a single entity type run
	DefaultRunTimeout = 10 * time.Minute
)

// Runner runs the derivation pipeline for one entity type
type Runner interface {
	Run(ctx context.Context, entityType string, now time.Time) (models.RunSummary, error)
}

// Config holds configuration for the scheduler
type Config struct {
	// PollInterval is how often every entity type is run
	PollInterval time.Duration

	// RunTimeout bounds a single entity type run
	RunTimeout time.Duration

	// EntityTypes are run in order each cycle
	EntityTypes []string

	// Now supplies the run's reference time. Defaults to time.Now in UTC.
	Now func() time.Time
}

// Scheduler runs the pipeline for every configured entity type on an interval
type Scheduler struct {
	runner Runner
	config Config
	logger ectologger.Logger

	stopCh   chan struct{}
	stoppedC chan struct{}
	running  bool
	mu       sync.RWMutex
}

// NewScheduler creates a new scheduler
func NewScheduler(runner Runner, config Config, logger ectologger.Logger) *Scheduler {
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.RunTimeout <= 0 {
		config.RunTimeout = DefaultRunTimeout
	}
	if config.Now == nil {
		config.Now = func() time.Time { return time.Now().UTC() }
	}

	return &Scheduler{
		runner: runner,
		config: config,
		logger: logger,
	}
}

// Start starts the poll loop. The first cycle runs immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrSchedulerAlreadyRunning
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.stoppedC = make(chan struct{})

	s.logger.WithContext(ctx).WithFields(map[string]any{
		"poll_interval": s.config.PollInterval.String(),
		"entity_types":  s.config.EntityTypes,
	}).Info("Starting scheduler")

	// the loop outlives the startup context
	go s.pollLoop(context.WithoutCancel(ctx), s.stopCh, s.stoppedC)
	return nil
}

// Stop stops the scheduler, waiting for an in-flight cycle to finish or ctx to expire
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	stopCh, stoppedC := s.stopCh, s.stoppedC
	s.mu.Unlock()

	close(stopCh)

	select {
	case <-stoppedC:
		s.logger.WithContext(ctx).Info("Scheduler stopped gracefully")
		return nil
	case <-ctx.Done():
		s.logger.WithContext(ctx).Warn("Scheduler shutdown timed out")
		return ctx.Err()
	}
}

// IsRunning returns whether the scheduler is running
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

func (s *Scheduler) pollLoop(ctx context.Context, stopCh <-chan struct{}, stoppedC chan<- struct{}) {
	defer close(stoppedC)

	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	s.RunCycle(ctx, stopCh)
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			s.RunCycle(ctx, stopCh)
		}
	}
}

// RunCycle runs every entity type once. A closed stop channel ends the cycle
// between entity types.
func (s *Scheduler) RunCycle(ctx context.Context, stop <-chan struct{}) {
	ctx, span := tracing.StartSpan(ctx, "scheduler.Scheduler.RunCycle")
	defer span.End()

	for _, entityType := range s.config.EntityTypes {
		select {
		case <-stop:
			return
		default:
		}
		s.runOne(ctx, entityType)
	}
}

func (s *Scheduler) runOne(ctx context.Context, entityType string) {
	runCtx, cancel := context.WithTimeout(ctx, s.config.RunTimeout)
	defer cancel()
	runCtx = appctx.SetRequestID(runCtx, uuid.New().String())

	summary, err := s.runner.Run(runCtx, entityType, s.config.Now())
	switch {
	case errors.Is(err, pipeline.ErrPartitionBusy):
		s.logger.WithContext(runCtx).WithField("entity_type", entityType).Debug("Skipping entity type, another run holds the partition")
	case err != nil:
		s.logger.WithContext(runCtx).WithError(err).WithField("entity_type", entityType).Error("Scheduled run failed")
	default:
		s.logger.WithContext(runCtx).WithFields(map[string]any{
			"entity_type":      entityType,
			"run_id":           summary.RunID,
			"versions_written": summary.VersionsWritten,
			"findings":         summary.Findings,
		}).Debug("Scheduled run finished")
	}
}
