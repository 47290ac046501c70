package kafka

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/segmentio/kafka-go"

	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// messageWriter is the subset of *kafka.Writer the producer uses
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer publishes findings
type Producer struct {
	writer messageWriter
	logger ectologger.Logger
	topic  string
}

// ProducerConfig holds Kafka producer configuration
type ProducerConfig struct {
	Brokers      []string
	Topic        string
	BatchSize    int
	BatchTimeout time.Duration
	RequiredAcks int
	Compression  string
}

// NewProducer creates a new Kafka producer
func NewProducer(cfg ProducerConfig, logger ectologger.Logger) *Producer {
	compression := kafka.Snappy
	switch cfg.Compression {
	case "gzip":
		compression = kafka.Gzip
	case "lz4":
		compression = kafka.Lz4
	case "zstd":
		compression = kafka.Zstd
	case "none":
		compression = 0
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.LeastBytes{},
		BatchSize:              cfg.BatchSize,
		BatchTimeout:           cfg.BatchTimeout,
		RequiredAcks:           kafka.RequiredAcks(cfg.RequiredAcks),
		Compression:            compression,
		AllowAutoTopicCreation: true,
	}

	return &Producer{
		writer: writer,
		logger: logger,
		topic:  cfg.Topic,
	}
}

// Close closes the producer
func (p *Producer) Close() error {
	return p.writer.Close()
}

// FindingEvent is the published form of a finding
type FindingEvent struct {
	EventType string         `json:"event_type"`
	Finding   models.Finding `json:"finding"`
	Timestamp time.Time      `json:"timestamp"`
}

// PublishFindings publishes findings in one batch, keyed by finding id
func (p *Producer) PublishFindings(ctx context.Context, findings []models.Finding) error {
	ctx, span := tracing.StartSpan(ctx, "kafka.Producer.PublishFindings")
	defer span.End()

	if len(findings) == 0 {
		return nil
	}

	traceParent := tracing.GetTraceParent(ctx)
	now := time.Now().UTC()
	messages := make([]kafka.Message, 0, len(findings))
	for _, f := range findings {
		data, err := json.Marshal(FindingEvent{
			EventType: "finding." + string(f.Kind),
			Finding:   f,
			Timestamp: now,
		})
		if err != nil {
			return err
		}

		headers := []kafka.Header{
			{Key: "event_type", Value: []byte("finding." + string(f.Kind))},
			{Key: "entity_type", Value: []byte(f.EntityType)},
			{Key: "run_id", Value: []byte(f.RunID)},
		}
		if traceParent != "" {
			headers = append(headers, kafka.Header{Key: "traceparent", Value: []byte(traceParent)})
		}

		messages = append(messages, kafka.Message{
			Key:     []byte(f.ID),
			Value:   data,
			Headers: headers,
		})
	}

	if err := p.writer.WriteMessages(ctx, messages...); err != nil {
		metrics.RecordKafkaMessage(p.topic, "produce", "error")
		p.logger.WithContext(ctx).WithError(err).WithField("findings", len(findings)).Error("Failed to publish findings")
		return err
	}

	for range messages {
		metrics.RecordKafkaMessage(p.topic, "produce", "success")
	}
	p.logger.WithContext(ctx).WithFields(map[string]any{
		"topic":    p.topic,
		"findings": len(findings),
	}).Debug("Published findings")

	return nil
}
