package models

import "time"

// FindingKind categorizes a data-quality finding
type FindingKind string

const (
	FindingChecksumMismatch       FindingKind = "checksum_mismatch"
	FindingImportChecksumMismatch FindingKind = "import_checksum_mismatch"
	FindingStaleData              FindingKind = "stale_data"
)

// Finding is a non-fatal data-quality observation. Findings are recorded, never raised.
type Finding struct {
	ID          string         `json:"id"`
	Kind        FindingKind    `json:"kind"`
	EntityType  string         `json:"entity_type"`
	Description string         `json:"description"`
	Details     map[string]any `json:"details,omitempty"`
	ObservedAt  time.Time      `json:"observed_at"`
	RunID       string         `json:"run_id"`
}

// FindingListResponse is the response for listing findings
type FindingListResponse struct {
	Items      []Finding `json:"items"`
	TotalCount int       `json:"total_count"`
}

// Checkpoint is a persisted watermark for one pipeline instance
type Checkpoint struct {
	Name      string    `json:"name" db:"name"`
	Watermark time.Time `json:"watermark" db:"watermark"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// RunSummary describes the outcome of one pipeline run
type RunSummary struct {
	RunID            string    `json:"run_id"`
	EntityType       string    `json:"entity_type"`
	EventsRead       int       `json:"events_read"`
	DuplicateEvents  int       `json:"duplicate_events"`
	VersionsWritten  int       `json:"versions_written"`
	ZeroDuration     int       `json:"zero_duration_dropped"`
	FieldUpdates     int       `json:"field_updates"`
	Reconciliations  int       `json:"reconciliations"`
	Findings         int       `json:"findings"`
	VersionWatermark time.Time `json:"version_watermark"`
	StartedAt        time.Time `json:"started_at"`
	FinishedAt       time.Time `json:"finished_at"`
}
