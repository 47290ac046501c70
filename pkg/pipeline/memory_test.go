package pipeline

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/Ramsey-B/fern/pkg/models"
)

// memDB is an in-memory stand-in for the Postgres repositories. WithinTx snapshots
// the data and restores it when the function fails.
type memDB struct {
	mu          sync.Mutex
	seq         int64
	events      []models.Event
	hashes      map[string]bool
	versions    map[versionKey]models.EntityVersion
	updates     map[updateKey]models.FieldUpdate
	checks      map[string]models.ChecksumCheck
	recs        map[string]models.ChecksumReconciliation
	findings    map[string]models.Finding
	checkpoints map[string]time.Time

	failFieldUpdates error
}

type versionKey struct {
	entityType string
	entityID   string
	validFrom  int64
}

type updateKey struct {
	entityType string
	entityID   string
	occurredAt int64
	field      string
	restricted bool
}

func newMemDB() *memDB {
	return &memDB{
		hashes:      map[string]bool{},
		versions:    map[versionKey]models.EntityVersion{},
		updates:     map[updateKey]models.FieldUpdate{},
		checks:      map[string]models.ChecksumCheck{},
		recs:        map[string]models.ChecksumReconciliation{},
		findings:    map[string]models.Finding{},
		checkpoints: map[string]time.Time{},
	}
}

func (m *memDB) snapshot() *memDB {
	c := newMemDB()
	c.seq = m.seq
	c.events = append([]models.Event(nil), m.events...)
	for k, v := range m.hashes {
		c.hashes[k] = v
	}
	for k, v := range m.versions {
		c.versions[k] = v
	}
	for k, v := range m.updates {
		c.updates[k] = v
	}
	for k, v := range m.checks {
		c.checks[k] = v
	}
	for k, v := range m.recs {
		c.recs[k] = v
	}
	for k, v := range m.findings {
		c.findings[k] = v
	}
	for k, v := range m.checkpoints {
		c.checkpoints[k] = v
	}
	return c
}

func (m *memDB) restore(c *memDB) {
	m.seq, m.events, m.hashes, m.versions = c.seq, c.events, c.hashes, c.versions
	m.updates, m.checks, m.recs, m.findings, m.checkpoints = c.updates, c.checks, c.recs, c.findings, c.checkpoints
}

func (m *memDB) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	m.mu.Lock()
	saved := m.snapshot()
	m.mu.Unlock()

	if err := fn(ctx); err != nil {
		m.mu.Lock()
		m.restore(saved)
		m.mu.Unlock()
		return err
	}
	return nil
}

// allVersions returns the stored versions ordered by entity and valid_from
func (m *memDB) allVersions() []models.EntityVersion {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.EntityVersion, 0, len(m.versions))
	for _, v := range m.versions {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EntityID != out[j].EntityID {
			return out[i].EntityID < out[j].EntityID
		}
		return out[i].ValidFrom.Before(out[j].ValidFrom)
	})
	return out
}

func (m *memDB) allUpdates() []models.FieldUpdate {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.FieldUpdate, 0, len(m.updates))
	for _, u := range m.updates {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.EntityID != b.EntityID {
			return a.EntityID < b.EntityID
		}
		if !a.OccurredAt.Equal(b.OccurredAt) {
			return a.OccurredAt.Before(b.OccurredAt)
		}
		return a.FieldName < b.FieldName
	})
	return out
}

// memEvents implements EventStore and EventWriter
type memEvents struct{ *memDB }

func (m memEvents) Insert(_ context.Context, e models.Event) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.hashes[e.Hash] {
		return false, nil
	}
	m.hashes[e.Hash] = true
	m.seq++
	e.Sequence = m.seq
	m.events = append(m.events, e)
	return true, nil
}

func (m memEvents) ListSince(_ context.Context, entityType string, after, until time.Time) ([]models.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Event
	for _, e := range m.events {
		if e.EntityType == entityType && e.OccurredAt.After(after) && !e.OccurredAt.After(until) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m memEvents) ListImportBatch(_ context.Context, entityType, batchID string) ([]models.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Event
	for _, e := range m.events {
		if e.EntityType == entityType && e.Operation == models.OperationImport && e.BatchID() == batchID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m memEvents) LatestOccurredAt(context.Context) (map[string]time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	latest := map[string]time.Time{}
	for _, e := range m.events {
		if e.OccurredAt.After(latest[e.EntityType]) {
			latest[e.EntityType] = e.OccurredAt
		}
	}
	return latest, nil
}

// memVersions implements VersionStore
type memVersions struct{ *memDB }

func (m memVersions) Upsert(_ context.Context, versions []models.EntityVersion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, v := range versions {
		m.versions[versionKey{v.EntityType, v.EntityID, v.ValidFrom.UnixNano()}] = v
	}
	return nil
}

func (m memVersions) ListOpen(_ context.Context, entityType string, entityIDs []string) ([]models.EntityVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := map[string]bool{}
	for _, id := range entityIDs {
		ids[id] = true
	}
	var out []models.EntityVersion
	for _, v := range m.versions {
		if v.EntityType == entityType && ids[v.EntityID] && v.IsOpen() {
			out = append(out, v)
		}
	}
	return out, nil
}

func (m memVersions) FirstVersions(_ context.Context, entityType string, entityIDs []string) (map[models.EntityKey]models.EntityVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := map[string]bool{}
	for _, id := range entityIDs {
		ids[id] = true
	}
	firsts := map[models.EntityKey]models.EntityVersion{}
	for _, v := range m.versions {
		if v.EntityType != entityType || !ids[v.EntityID] {
			continue
		}
		if current, ok := firsts[v.Key()]; !ok || v.ValidFrom.Before(current.ValidFrom) {
			firsts[v.Key()] = v
		}
	}
	return firsts, nil
}

func (m memVersions) ListValidAt(_ context.Context, entityType string, t time.Time) ([]models.EntityVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.EntityVersion
	for _, v := range m.versions {
		if v.EntityType == entityType && v.ValidAt(t) {
			out = append(out, v)
		}
	}
	return out, nil
}

func (m memVersions) Count(_ context.Context, entityType string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var count int64
	for _, v := range m.versions {
		if v.EntityType == entityType {
			count++
		}
	}
	return count, nil
}

// memFieldUpdates implements FieldUpdateStore
type memFieldUpdates struct{ *memDB }

func (m memFieldUpdates) Insert(_ context.Context, updates []models.FieldUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failFieldUpdates != nil {
		return m.failFieldUpdates
	}
	for _, u := range updates {
		key := updateKey{u.EntityType, u.EntityID, u.OccurredAt.UnixNano(), u.FieldName, u.Restricted}
		if _, ok := m.updates[key]; !ok {
			m.updates[key] = u
		}
	}
	return nil
}

// memChecks implements CheckStore and CheckWriter
type memChecks struct{ *memDB }

func (m memChecks) Insert(_ context.Context, check models.ChecksumCheck) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.checks[check.ID]; ok {
		return false, nil
	}
	m.checks[check.ID] = check
	return true, nil
}

func (m memChecks) ListCalculatedBetween(_ context.Context, entityType string, after, until time.Time, imports bool) ([]models.ChecksumCheck, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.ChecksumCheck
	for _, c := range m.checks {
		if c.EntityType != entityType || c.IsImport() != imports {
			continue
		}
		if c.CalculatedAt.After(after) && !c.CalculatedAt.After(until) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CalculatedAt.Before(out[j].CalculatedAt) })
	return out, nil
}

// memRecs implements ReconciliationStore
type memRecs struct{ *memDB }

func (m memRecs) Upsert(_ context.Context, recs []models.ChecksumReconciliation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range recs {
		m.recs[rec.CheckID] = rec
	}
	return nil
}

// memFindings implements FindingStore
type memFindings struct{ *memDB }

func (m memFindings) Upsert(_ context.Context, findings []models.Finding) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range findings {
		m.findings[f.ID] = f
	}
	return nil
}

// memCheckpoints implements checkpoint.Store
type memCheckpoints struct{ *memDB }

func (m memCheckpoints) GetWatermark(_ context.Context, name string) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wm, ok := m.checkpoints[name]
	return wm, ok, nil
}

func (m memCheckpoints) SetWatermark(_ context.Context, name string, watermark time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpoints[name] = watermark
	return nil
}

// recordingPublisher captures published findings
type recordingPublisher struct {
	mu       sync.Mutex
	findings []models.Finding
	err      error
}

func (p *recordingPublisher) PublishFindings(_ context.Context, findings []models.Finding) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.findings = append(p.findings, findings...)
	return p.err
}

var errStorage = errors.New("storage unavailable")
