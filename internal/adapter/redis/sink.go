// Package redis stores readings as Redis hashes with a per-patient
// sorted-set index ordered by timestamp.
package redis

import (
	"context"
	"fmt"
	"strconv"

	goredis "github.com/redis/go-redis/v9"

	"github.com/couchcryptid/pulse-receiver/internal/domain"
)

// Name is the backend name reported in logs and metrics.
const Name = "redis"

// Sink writes a reading hash and its index entry in one MULTI/EXEC.
// It implements pipeline.Sink.
type Sink struct {
	client goredis.UniversalClient
	prefix string
}

// NewSink wraps an existing client. prefix namespaces every key.
func NewSink(client goredis.UniversalClient, prefix string) *Sink {
	return &Sink{client: client, prefix: prefix}
}

// Dial parses url, connects and pings the server.
func Dial(ctx context.Context, url string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}

	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

func (s *Sink) Name() string { return Name }

// Put overwrites the hash for r's identity and (re)scores its index entry.
func (s *Sink) Put(ctx context.Context, r domain.Reading) error {
	_, err := s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HSet(ctx, s.ReadingKey(r.Key()), readingFields(r))
		pipe.ZAdd(ctx, s.PatientIndexKey(r.PatientID), goredis.Z{
			Score:  float64(r.Timestamp),
			Member: strconv.FormatInt(r.SeqNumber, 10),
		})
		return nil
	})
	if err != nil {
		return &domain.PersistError{Backend: Name, Key: r.Key(), Err: fmt.Errorf("redis transaction: %w", err)}
	}
	return nil
}

// Get reads back the reading stored under k.
func (s *Sink) Get(ctx context.Context, k domain.Key) (domain.Reading, error) {
	vals, err := s.client.HGetAll(ctx, s.ReadingKey(k)).Result()
	if err != nil {
		return domain.Reading{}, fmt.Errorf("hgetall %s: %w", s.ReadingKey(k), err)
	}
	if len(vals) == 0 {
		return domain.Reading{}, fmt.Errorf("reading %s: %w", k, goredis.Nil)
	}

	var r domain.Reading
	for field, dst := range map[string]*int64{
		domain.FieldSeqNumber: &r.SeqNumber,
		domain.FieldPatientID: &r.PatientID,
		domain.FieldValue:     &r.Value,
		domain.FieldTimestamp: &r.Timestamp,
	} {
		v, err := strconv.ParseInt(vals[field], 10, 64)
		if err != nil {
			return domain.Reading{}, fmt.Errorf("field %s of %s: %w", field, k, err)
		}
		*dst = v
	}
	return r, nil
}

// ReadingKey is the hash key of one reading: <prefix>:<patientId>:<seq>.
func (s *Sink) ReadingKey(k domain.Key) string {
	return fmt.Sprintf("%s:%d:%d", s.prefix, k.PatientID, k.SeqNumber)
}

// PatientIndexKey is the sorted set of a patient's sequence numbers.
func (s *Sink) PatientIndexKey(patientID int64) string {
	return fmt.Sprintf("%s:patient:%d", s.prefix, patientID)
}

func readingFields(r domain.Reading) map[string]any {
	return map[string]any{
		domain.FieldSeqNumber: r.SeqNumber,
		domain.FieldPatientID: r.PatientID,
		domain.FieldValue:     r.Value,
		domain.FieldTimestamp: r.Timestamp,
	}
}
