package kafka

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

type fakeReader struct {
	messages  chan kafka.Message
	mu        sync.Mutex
	committed []int64
	closed    bool
}

func newFakeReader(msgs ...kafka.Message) *fakeReader {
	r := &fakeReader{messages: make(chan kafka.Message, len(msgs))}
	for _, m := range msgs {
		r.messages <- m
	}
	return r
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	case m := <-r.messages:
		return m, nil
	}
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.closed = true
	return nil
}

func (r *fakeReader) commits() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

func TestConsumer_CommitsHandledAndSkippedMessages(t *testing.T) {
	reader := newFakeReader(
		kafka.Message{Topic: "cdc", Offset: 1, Value: []byte("ok")},
		kafka.Message{Topic: "cdc", Offset: 2, Value: []byte("skip")},
		kafka.Message{Topic: "cdc", Offset: 3, Value: []byte("fail")},
		kafka.Message{Topic: "cdc", Offset: 4, Value: []byte("ok"), Headers: []kafka.Header{{Key: "traceparent", Value: []byte("00-abc")}}},
	)

	var mu sync.Mutex
	var seen []*IncomingMessage
	handler := func(_ context.Context, msg *IncomingMessage) error {
		mu.Lock()
		seen = append(seen, msg)
		mu.Unlock()
		switch string(msg.Value) {
		case "skip":
			return ErrSkipMessage
		case "fail":
			return errors.New("database unavailable")
		}
		return nil
	}

	consumer := &Consumer{reader: reader, topics: []string{"cdc"}, logger: testLogger(), handler: handler}
	require.NoError(t, consumer.Start(context.Background()))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 4
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, consumer.Stop())

	assert.Equal(t, []int64{1, 2, 4}, reader.commits())
	assert.True(t, reader.closed)
	assert.Equal(t, "00-abc", seen[3].TraceParent)
	assert.Equal(t, "cdc", seen[3].Topic)
}

func TestConsumer_StopWithoutMessages(t *testing.T) {
	reader := newFakeReader()
	consumer := &Consumer{reader: reader, logger: testLogger(), handler: func(context.Context, *IncomingMessage) error { return nil }}

	require.NoError(t, consumer.Start(context.Background()))
	require.NoError(t, consumer.Stop())
	assert.Empty(t, reader.commits())
	assert.True(t, consumer.Health())
}
