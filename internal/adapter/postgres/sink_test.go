package postgres

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/pulse-receiver/internal/domain"
)

const upsertQuery = `INSERT INTO "pulse_values" (patient_id, seq_number, value, timestamp) VALUES ($1, $2, $3, $4)` +
	` ON CONFLICT (patient_id, seq_number) DO UPDATE SET value = EXCLUDED.value, timestamp = EXCLUDED.timestamp`

func TestSink_Put(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	sink := NewSink(db, "pulse_values")
	r := domain.Reading{SeqNumber: 7, PatientID: 42, Value: 215, Timestamp: 1000}

	mock.ExpectExec(regexp.QuoteMeta(upsertQuery)).
		WithArgs(int64(42), int64(7), int64(215), int64(1000)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, sink.Put(context.Background(), r))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSink_PutSameIdentityTwice(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	sink := NewSink(db, "pulse_values")

	mock.ExpectExec(regexp.QuoteMeta(upsertQuery)).
		WithArgs(int64(42), int64(7), int64(80), int64(1000)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(upsertQuery)).
		WithArgs(int64(42), int64(7), int64(90), int64(2000)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ctx := context.Background()
	require.NoError(t, sink.Put(ctx, domain.Reading{SeqNumber: 7, PatientID: 42, Value: 80, Timestamp: 1000}))
	require.NoError(t, sink.Put(ctx, domain.Reading{SeqNumber: 7, PatientID: 42, Value: 90, Timestamp: 2000}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSink_PutError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	sink := NewSink(db, "pulse_values")
	r := domain.Reading{SeqNumber: 1, PatientID: 2, Value: 3, Timestamp: 4}

	mock.ExpectExec(regexp.QuoteMeta(upsertQuery)).
		WillReturnError(errors.New("connection refused"))

	err = sink.Put(context.Background(), r)
	var perr *domain.PersistError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, Name, perr.Backend)
	assert.Equal(t, r.Key(), perr.Key)
	assert.ErrorContains(t, err, "connection refused")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSink_EnsureSchema(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta(`CREATE TABLE IF NOT EXISTS "pulse_values"`)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, NewSink(db, "pulse_values").EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSink_QuotesTableName(t *testing.T) {
	sink := NewSink(nil, `odd"name`)
	assert.Contains(t, sink.upsertSQL(), `INSERT INTO "odd""name"`)
	assert.Equal(t, "postgres", sink.Name())
}
