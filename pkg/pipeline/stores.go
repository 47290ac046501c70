package pipeline

import (
	"context"
	"time"

	"github.com/Ramsey-B/fern/pkg/models"
)

// EventStore reads the append-only event log
type EventStore interface {
	ListSince(ctx context.Context, entityType string, after, until time.Time) ([]models.Event, error)
	ListImportBatch(ctx context.Context, entityType, batchID string) ([]models.Event, error)
	LatestOccurredAt(ctx context.Context) (map[string]time.Time, error)
}

// EventWriter appends normalized events. inserted is false for a redelivery.
type EventWriter interface {
	Insert(ctx context.Context, e models.Event) (inserted bool, err error)
}

// CheckWriter stores reported checksum checks. inserted is false for a redelivery.
type CheckWriter interface {
	Insert(ctx context.Context, check models.ChecksumCheck) (inserted bool, err error)
}

// VersionStore reads and writes derived versions
type VersionStore interface {
	Upsert(ctx context.Context, versions []models.EntityVersion) error
	ListOpen(ctx context.Context, entityType string, entityIDs []string) ([]models.EntityVersion, error)
	FirstVersions(ctx context.Context, entityType string, entityIDs []string) (map[models.EntityKey]models.EntityVersion, error)
	ListValidAt(ctx context.Context, entityType string, t time.Time) ([]models.EntityVersion, error)
	Count(ctx context.Context, entityType string) (int64, error)
}

// FieldUpdateStore writes field updates
type FieldUpdateStore interface {
	Insert(ctx context.Context, updates []models.FieldUpdate) error
}

// CheckStore lists reported checksum checks
type CheckStore interface {
	ListCalculatedBetween(ctx context.Context, entityType string, after, until time.Time, imports bool) ([]models.ChecksumCheck, error)
}

// ReconciliationStore writes reconciliation results
type ReconciliationStore interface {
	Upsert(ctx context.Context, recs []models.ChecksumReconciliation) error
}

// FindingStore writes findings
type FindingStore interface {
	Upsert(ctx context.Context, findings []models.Finding) error
}

// Transactor runs fn in one transaction, committing only when fn returns nil
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// FindingPublisher forwards committed findings downstream
type FindingPublisher interface {
	PublishFindings(ctx context.Context, findings []models.Finding) error
}
