package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/pulse-receiver/internal/domain"
)

func TestSink_Keys(t *testing.T) {
	s := NewSink(nil, "pulse_values")
	k := domain.Key{PatientID: 42, SeqNumber: 7}

	assert.Equal(t, "pulse_values:42:7", s.ReadingKey(k))
	assert.Equal(t, "pulse_values:patient:42", s.PatientIndexKey(42))
	assert.Equal(t, "pulse_values:-1:-9", s.ReadingKey(domain.Key{PatientID: -1, SeqNumber: -9}))
}

func TestReadingFields(t *testing.T) {
	r := domain.Reading{SeqNumber: 7, PatientID: 42, Value: 215, Timestamp: 1000}
	assert.Equal(t, map[string]any{
		"seqNumber": int64(7),
		"patientId": int64(42),
		"value":     int64(215),
		"timestamp": int64(1000),
	}, readingFields(r))
}

func TestSink_PutUnreachableServer(t *testing.T) {
	client := goredis.NewClient(&goredis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	s := NewSink(client, "pulse_values")
	r := domain.Reading{SeqNumber: 1, PatientID: 2, Value: 80, Timestamp: 3}

	err := s.Put(context.Background(), r)
	require.Error(t, err)
	var perr *domain.PersistError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, Name, perr.Backend)
	assert.Equal(t, r.Key(), perr.Key)
}

func TestDial_InvalidURL(t *testing.T) {
	_, err := Dial(context.Background(), "not-a-url")
	assert.ErrorContains(t, err, "parse redis URL")
}
