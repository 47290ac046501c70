// Package checkpoint tracks the watermarks that bound incremental runs.
package checkpoint

import (
	"context"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Epoch is the watermark of a pipeline that has never committed
var Epoch = time.Date(1900, 1, 1, 0, 0, 0, 0, time.UTC)

// Store persists watermarks. Get returns ok=false when no watermark has been committed.
type Store interface {
	GetWatermark(ctx context.Context, name string) (time.Time, bool, error)
	SetWatermark(ctx context.Context, name string, watermark time.Time) error
}

// VersionsName is the checkpoint for the version builder of an entity type
func VersionsName(entityType string) string {
	return "versions:" + entityType
}

// ChecksName is the checkpoint for wall-clock checksum checks of an entity type
func ChecksName(entityType string) string {
	return "checks:" + entityType
}

// ImportChecksName is the checkpoint for import checksum checks of an entity type
func ImportChecksName(entityType string) string {
	return "import_checks:" + entityType
}

// Controller loads and commits watermarks
type Controller struct {
	store  Store
	logger ectologger.Logger
}

// NewController creates a new checkpoint controller
func NewController(store Store, logger ectologger.Logger) *Controller {
	return &Controller{
		store:  store,
		logger: logger,
	}
}

// Load returns the committed watermark for name, or Epoch on first run
func (c *Controller) Load(ctx context.Context, name string) (time.Time, error) {
	ctx, span := tracing.StartSpan(ctx, "checkpoint.Controller.Load")
	defer span.End()

	watermark, ok, err := c.store.GetWatermark(ctx, name)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to load checkpoint %s: %w", name, err)
	}
	if !ok {
		c.logger.WithContext(ctx).WithField("checkpoint", name).Debug("No checkpoint committed, starting from epoch")
		return Epoch, nil
	}
	return watermark.UTC(), nil
}

// Commit persists candidate for name unless it would move the watermark backwards.
// It returns the watermark that is in effect after the call.
func (c *Controller) Commit(ctx context.Context, name string, current, candidate time.Time) (time.Time, error) {
	ctx, span := tracing.StartSpan(ctx, "checkpoint.Controller.Commit")
	defer span.End()

	next := Advance(current, candidate)
	if next.Equal(current) {
		return current, nil
	}

	if err := c.store.SetWatermark(ctx, name, next); err != nil {
		return current, fmt.Errorf("failed to commit checkpoint %s: %w", name, err)
	}

	c.logger.WithContext(ctx).WithFields(map[string]any{
		"checkpoint": name,
		"from":       current,
		"to":         next,
	}).Debug("Advanced checkpoint")

	return next, nil
}

// Advance returns the later of the two watermarks
func Advance(current, candidate time.Time) time.Time {
	if candidate.After(current) {
		return candidate
	}
	return current
}
