// Package nats stores readings in a JetStream key-value bucket.
package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/couchcryptid/pulse-receiver/internal/domain"
)

// Name is the backend name reported in logs and metrics.
const Name = "nats"

// KeyPutter is the subset of jetstream.KeyValue the sink uses.
type KeyPutter interface {
	Put(ctx context.Context, key string, value []byte) (uint64, error)
}

// Sink puts each reading under "<patientId>.<seq>". A KV put replaces the
// previous revision of the key.
// It implements pipeline.Sink.
type Sink struct {
	kv   KeyPutter
	conn *natsgo.Conn
}

// NewSink wraps an existing bucket.
func NewSink(kv KeyPutter) *Sink {
	return &Sink{kv: kv}
}

// Open connects to url and gets the bucket, creating it when missing.
func Open(ctx context.Context, url, bucket string, logger *slog.Logger) (*Sink, jetstream.KeyValue, error) {
	conn, err := natsgo.Connect(url, natsgo.Name("pulse-receiver"))
	if err != nil {
		return nil, nil, fmt.Errorf("connect to nats: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("create jetstream context: %w", err)
	}

	kv, err := js.KeyValue(ctx, bucket)
	if errors.Is(err, jetstream.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:      bucket,
			Description: "pulse readings keyed by patient and sequence number",
		})
		if errors.Is(err, jetstream.ErrBucketExists) {
			kv, err = js.KeyValue(ctx, bucket)
		}
		if err == nil {
			logger.Info("created kv bucket", "bucket", bucket)
		}
	}
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("open kv bucket %s: %w", bucket, err)
	}

	return &Sink{kv: kv, conn: conn}, kv, nil
}

func (s *Sink) Name() string { return Name }

// Put stores r's wire encoding under its key.
func (s *Sink) Put(ctx context.Context, r domain.Reading) error {
	data, err := domain.Encode(r)
	if err != nil {
		return &domain.PersistError{Backend: Name, Key: r.Key(), Err: err}
	}
	if _, err := s.kv.Put(ctx, SubjectKey(r.Key()), data); err != nil {
		return &domain.PersistError{Backend: Name, Key: r.Key(), Err: fmt.Errorf("kv put: %w", err)}
	}
	return nil
}

// Close drains the connection opened by Open.
func (s *Sink) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Drain()
}

// SubjectKey is the KV key for k. The dot separates tokens so a watcher can
// select one patient with "<patientId>.*".
func SubjectKey(k domain.Key) string {
	return fmt.Sprintf("%d.%d", k.PatientID, k.SeqNumber)
}
