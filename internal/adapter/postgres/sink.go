// Package postgres stores readings in a Postgres table keyed by
// (patient_id, seq_number).
package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/couchcryptid/pulse-receiver/internal/domain"
)

// Name is the backend name reported in logs and metrics.
const Name = "postgres"

// Sink upserts one row per reading.
// It implements pipeline.Sink.
type Sink struct {
	db    *sql.DB
	table string
}

// NewSink wraps an open database handle.
func NewSink(db *sql.DB, table string) *Sink {
	return &Sink{db: db, table: table}
}

// Open connects to dsn with the lib/pq driver and verifies the connection.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

func (s *Sink) Name() string { return Name }

// EnsureSchema creates the readings table when it does not exist.
func (s *Sink) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, s.createTableSQL()); err != nil {
		return fmt.Errorf("create table %s: %w", s.table, err)
	}
	return nil
}

// Put inserts r, replacing value and timestamp of an existing row with the
// same identity.
func (s *Sink) Put(ctx context.Context, r domain.Reading) error {
	_, err := s.db.ExecContext(ctx, s.upsertSQL(), r.PatientID, r.SeqNumber, r.Value, r.Timestamp)
	if err != nil {
		return &domain.PersistError{Backend: Name, Key: r.Key(), Err: fmt.Errorf("upsert into %s: %w", s.table, err)}
	}
	return nil
}

func (s *Sink) createTableSQL() string {
	return "CREATE TABLE IF NOT EXISTS " + pq.QuoteIdentifier(s.table) + ` (
	patient_id BIGINT NOT NULL,
	seq_number BIGINT NOT NULL,
	value BIGINT NOT NULL,
	timestamp BIGINT NOT NULL,
	PRIMARY KEY (patient_id, seq_number)
)`
}

func (s *Sink) upsertSQL() string {
	return "INSERT INTO " + pq.QuoteIdentifier(s.table) +
		" (patient_id, seq_number, value, timestamp) VALUES ($1, $2, $3, $4)" +
		" ON CONFLICT (patient_id, seq_number) DO UPDATE SET value = EXCLUDED.value, timestamp = EXCLUDED.timestamp"
}
