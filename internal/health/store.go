// Package health holds the in-process backend health cache and the prober
// that feeds it.
package health

import (
	"sync"
	"time"
)

// BackendHealth is the full health record for one backend. Records are
// replaced wholesale by the prober; readers never see partial updates.
type BackendHealth struct {
	BackendID           string        `json:"backendId"`
	Healthy             bool          `json:"healthy"`
	LastCheck           time.Time     `json:"lastCheck"`
	LatencyP50          time.Duration `json:"latencyP50,omitempty"`
	LatencyP95          time.Duration `json:"latencyP95,omitempty"`
	LatencyP99          time.Duration `json:"latencyP99,omitempty"`
	ErrorRate           float64       `json:"errorRate,omitempty"`
	ConsecutiveFailures int           `json:"consecutiveFailures"`
}

// Store is the health cache: single writer (the prober), many readers
// (request goroutines). Readers must never block the writer, so entries
// are stored by value and replaced atomically under a short write lock.
type Store struct {
	mu      sync.RWMutex
	records map[string]BackendHealth
}

// NewStore creates an empty health store.
func NewStore() *Store {
	return &Store{records: make(map[string]BackendHealth)}
}

// Set fully replaces the record for a backend.
func (s *Store) Set(h BackendHealth) {
	s.mu.Lock()
	s.records[h.BackendID] = h
	s.mu.Unlock()
}

// Get returns the current record for a backend. ok is false when the
// prober has not reported yet; callers treat a missing record as healthy
// (fail open).
func (s *Store) Get(backendID string) (BackendHealth, bool) {
	s.mu.RLock()
	h, ok := s.records[backendID]
	s.mu.RUnlock()
	return h, ok
}

// Snapshot returns a copy of all records, for the admin endpoint.
func (s *Store) Snapshot() map[string]BackendHealth {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]BackendHealth, len(s.records))
	for id, h := range s.records {
		out[id] = h
	}
	return out
}
