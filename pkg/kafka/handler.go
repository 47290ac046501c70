package kafka

import (
	"context"
	"fmt"

	"github.com/Gobusters/ectolinq"
	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/normalizer"
	"github.com/Ramsey-B/fern/pkg/pipeline"
)

// Ingester stores one decoded feed record
type Ingester interface {
	Ingest(ctx context.Context, raw *normalizer.RawEvent) error
}

// NewIngestHandler decodes feed messages and hands them to the ingester. Messages on
// debeziumTopics are decoded as Debezium change events. Undecodable and rejected
// messages are reported as ErrSkipMessage.
func NewIngestHandler(ingester Ingester, debeziumTopics []string, logger ectologger.Logger) MessageHandler {
	return func(ctx context.Context, msg *IncomingMessage) error {
		raw, err := msg.Decode(ectolinq.Contains(debeziumTopics, msg.Topic))
		if err != nil {
			metrics.RecordRejected("undecodable")
			return fmt.Errorf("%w: %v", ErrSkipMessage, err)
		}
		if raw == nil {
			logger.WithContext(ctx).WithField("topic", msg.Topic).Debug("Ignoring tombstone")
			return nil
		}

		if err := ingester.Ingest(ctx, raw); err != nil {
			if pipeline.IsRejected(err) {
				return fmt.Errorf("%w: %v", ErrSkipMessage, err)
			}
			return err
		}
		return nil
	}
}
