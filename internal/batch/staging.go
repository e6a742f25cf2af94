package batch

import (
	"fmt"
	"sync"
	"time"
)

// DefaultStagingTTL is how long an uploaded batch waits for its commit.
const DefaultStagingTTL = time.Hour

// Staging keeps uploaded batches between preview and commit so the file
// is read once. Entries expire after the TTL since their last use.
type Staging struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	batches map[string]*staged
}

type staged struct {
	batch   Batch
	touched time.Time
}

// NewStaging returns an empty Staging.
func NewStaging(ttl time.Duration) *Staging {
	if ttl <= 0 {
		ttl = DefaultStagingTTL
	}
	return &Staging{ttl: ttl, now: time.Now, batches: make(map[string]*staged)}
}

// Put stores b under its id.
func (s *Staging) Put(b Batch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweep()
	s.batches[b.ID] = &staged{batch: b, touched: s.now()}
}

// Get returns a staged batch and refreshes its TTL.
func (s *Staging) Get(id string) (Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweep()
	e, ok := s.batches[id]
	if !ok {
		return Batch{}, fmt.Errorf("batch %s: %w", id, ErrSessionExpired)
	}
	e.touched = s.now()
	return e.batch, nil
}

// Take removes and returns a staged batch in one step, so only one caller
// can commit it. Put it back if the commit does not start.
func (s *Staging) Take(id string) (Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweep()
	e, ok := s.batches[id]
	if !ok {
		return Batch{}, fmt.Errorf("batch %s: %w", id, ErrSessionExpired)
	}
	delete(s.batches, id)
	return e.batch, nil
}

// Len returns the number of staged batches.
func (s *Staging) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweep()
	return len(s.batches)
}

// sweep drops expired entries. Callers hold mu.
func (s *Staging) sweep() {
	cutoff := s.now().Add(-s.ttl)
	for id, e := range s.batches {
		if e.touched.Before(cutoff) {
			delete(s.batches, id)
		}
	}
}
