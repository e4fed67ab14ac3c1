// Package memory provides an in-process reading store. It backs local runs
// and tests; nothing survives a restart.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/couchcryptid/pulse-receiver/internal/domain"
)

// Store keeps the latest reading per domain.Key.
type Store struct {
	mu       sync.RWMutex
	readings map[domain.Key]domain.Reading
	writes   int
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{readings: make(map[domain.Key]domain.Reading)}
}

func (s *Store) Name() string { return "memory" }

// Put stores r, replacing any reading with the same key.
func (s *Store) Put(ctx context.Context, r domain.Reading) error {
	if err := ctx.Err(); err != nil {
		return &domain.PersistError{Backend: s.Name(), Key: r.Key(), Err: err}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readings[r.Key()] = r
	s.writes++
	return nil
}

// Get returns the reading stored for a patient and sequence number.
func (s *Store) Get(patientID, seqNumber int64) (domain.Reading, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.readings[domain.Key{PatientID: patientID, SeqNumber: seqNumber}]
	return r, ok
}

// Len returns the number of distinct keys stored.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.readings)
}

// Writes returns the number of successful Put calls, overwrites included.
func (s *Store) Writes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writes
}

// Readings returns every stored reading ordered by patient, then sequence number.
func (s *Store) Readings() []domain.Reading {
	s.mu.RLock()
	out := make([]domain.Reading, 0, len(s.readings))
	for _, r := range s.readings {
		out = append(out, r)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].PatientID != out[j].PatientID {
			return out[i].PatientID < out[j].PatientID
		}
		return out[i].SeqNumber < out[j].SeqNumber
	})
	return out
}
