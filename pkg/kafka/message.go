package kafka

import (
	"time"

	"github.com/Ramsey-B/fern/pkg/normalizer"
)

// IncomingMessage wraps a raw Kafka message with parsed headers
type IncomingMessage struct {
	Key       string
	Value     []byte
	Headers   map[string]string
	Partition int
	Offset    int64
	Timestamp time.Time
	Topic     string

	// Trace context (extracted from Kafka headers)
	TraceParent string
}

// Decode parses the message as a native feed record, or as a Debezium change event
// when debezium is set. A nil record with no error is a tombstone.
func (m *IncomingMessage) Decode(debezium bool) (*normalizer.RawEvent, error) {
	if debezium {
		return normalizer.FromDebezium(m.Value)
	}
	return normalizer.ParseRawEvent(m.Value)
}
