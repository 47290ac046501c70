// Package metrics provides Prometheus metrics for the fern service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsIngestedTotal tracks events written to the event log
	EventsIngestedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Name:      "events_ingested_total",
			Help:      "Total number of events accepted into the event log",
		},
		[]string{"entity_type", "operation"},
	)

	// EventsRejectedTotal tracks events dropped during normalization
	EventsRejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Name:      "events_rejected_total",
			Help:      "Total number of events rejected during normalization by reason",
		},
		[]string{"reason"},
	)

	// RunsTotal tracks pipeline runs by status
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "pipeline",
			Name:      "runs_total",
			Help:      "Total number of pipeline runs by status",
		},
		[]string{"entity_type", "status"},
	)

	// RunDuration tracks pipeline run duration in seconds
	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fern",
			Subsystem: "pipeline",
			Name:      "run_duration_seconds",
			Help:      "Duration of pipeline runs in seconds",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
		},
		[]string{"entity_type"},
	)

	// VersionsWrittenTotal tracks versions upserted by pipeline runs
	VersionsWrittenTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "pipeline",
			Name:      "versions_written_total",
			Help:      "Total number of entity versions written",
		},
		[]string{"entity_type"},
	)

	// FindingsTotal tracks findings recorded by kind
	FindingsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "reconciliation",
			Name:      "findings_total",
			Help:      "Total number of data-quality findings by kind",
		},
		[]string{"entity_type", "kind"},
	)

	// ReconciliationsTotal tracks checksum reconciliations by issue
	ReconciliationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "reconciliation",
			Name:      "checks_total",
			Help:      "Total number of checksum reconciliations by issue",
		},
		[]string{"entity_type", "issue"},
	)

	// VersionWatermark exposes the committed version watermark per entity type
	VersionWatermark = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "fern",
			Subsystem: "pipeline",
			Name:      "version_watermark_seconds",
			Help:      "Committed version watermark as a unix timestamp",
		},
		[]string{"entity_type"},
	)

	// KafkaMessagesTotal tracks consumed and published Kafka messages
	KafkaMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "kafka",
			Name:      "messages_total",
			Help:      "Total number of Kafka messages by topic, direction and status",
		},
		[]string{"topic", "direction", "status"},
	)
)

// RecordRun records a pipeline run outcome
func RecordRun(entityType, status string, durationSeconds float64) {
	RunsTotal.WithLabelValues(entityType, status).Inc()
	RunDuration.WithLabelValues(entityType).Observe(durationSeconds)
}

// RecordRejected records a rejected event
func RecordRejected(reason string) {
	EventsRejectedTotal.WithLabelValues(reason).Inc()
}

// RecordKafkaMessage records a consumed or published message
func RecordKafkaMessage(topic, direction, status string) {
	KafkaMessagesTotal.WithLabelValues(topic, direction, status).Inc()
}
