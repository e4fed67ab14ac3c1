package kafka

import (
	"context"
	"fmt"
	"strconv"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/couchcryptid/pulse-receiver/internal/domain"
)

// Name is the backend name reported in logs and metrics.
const Name = "kafka"

// Writer produces one message per reading to a compacted topic.
// It implements pipeline.Sink.
type Writer struct {
	writer *kafkago.Writer
}

// NewWriter creates a Kafka producer for topic. Messages are keyed by
// reading identity, so log compaction keeps the latest write per key.
func NewWriter(brokers []string, topic string) *Writer {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireAll,
		MaxAttempts:  1,
		BatchSize:    1,
		BatchTimeout: 5 * time.Millisecond,
	}
	return &Writer{writer: w}
}

func (w *Writer) Name() string { return Name }

// Put publishes r in a single synchronous WriteMessages call.
func (w *Writer) Put(ctx context.Context, r domain.Reading) error {
	msg, err := serializeToMessage(r)
	if err != nil {
		return &domain.PersistError{Backend: Name, Key: r.Key(), Err: err}
	}
	if err := w.writer.WriteMessages(ctx, msg); err != nil {
		return &domain.PersistError{Backend: Name, Key: r.Key(), Err: fmt.Errorf("write message: %w", err)}
	}
	return nil
}

func (w *Writer) Close() error {
	return w.writer.Close()
}

// serializeToMessage encodes a Reading into a Kafka message.
func serializeToMessage(r domain.Reading) (kafkago.Message, error) {
	data, err := domain.Encode(r)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize reading: %w", err)
	}
	return kafkago.Message{
		Key:   []byte(r.Key().String()),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "patient_id", Value: []byte(strconv.FormatInt(r.PatientID, 10))},
			{Key: "timestamp", Value: []byte(strconv.FormatInt(r.Timestamp, 10))},
		},
	}, nil
}
