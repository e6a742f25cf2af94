package batch

// gate.go limits how many batches commit at once.
//
// The store has a single active writer, so the default is one committing
// batch. A commit that cannot get a slot waits up to maxWait and then fails
// with ErrTooManyImports. Preview never takes a slot.
//
// WaitForDrain lets shutdown block until running commits finish.

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrTooManyImports is returned when every commit slot stayed busy for the
// whole wait. Clients should retry later.
var ErrTooManyImports = errors.New("another import is being committed, please try again later")

// DefaultCommitSlots is the default number of concurrent commits.
const DefaultCommitSlots = 1

// DefaultMaxWait is how long a commit waits for a slot before giving up.
const DefaultMaxWait = 30 * time.Second

// Gate is a semaphore over commit slots.
type Gate struct {
	slots   chan struct{}
	maxWait time.Duration

	mu     sync.RWMutex
	active int
}

// NewGate allows at most slots concurrent commits.
func NewGate(slots int, maxWait time.Duration) *Gate {
	if slots <= 0 {
		slots = DefaultCommitSlots
	}
	if maxWait <= 0 {
		maxWait = DefaultMaxWait
	}
	return &Gate{
		slots:   make(chan struct{}, slots),
		maxWait: maxWait,
	}
}

// Acquire takes a slot. The caller must Release it.
func (g *Gate) Acquire(ctx context.Context) error {
	waitCtx, cancel := context.WithTimeout(ctx, g.maxWait)
	defer cancel()

	select {
	case g.slots <- struct{}{}:
		g.mu.Lock()
		g.active++
		g.mu.Unlock()
		return nil
	case <-waitCtx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrTooManyImports
	}
}

// TryAcquire takes a slot only if one is free.
func (g *Gate) TryAcquire() bool {
	select {
	case g.slots <- struct{}{}:
		g.mu.Lock()
		g.active++
		g.mu.Unlock()
		return true
	default:
		return false
	}
}

// Release frees a slot taken by Acquire or TryAcquire.
func (g *Gate) Release() {
	g.mu.Lock()
	g.active--
	g.mu.Unlock()
	<-g.slots
}

// ActiveCount returns the number of commits holding a slot.
func (g *Gate) ActiveCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.active
}

// Available returns the number of free slots.
func (g *Gate) Available() int {
	return cap(g.slots) - len(g.slots)
}

// WaitForDrain blocks until no commit holds a slot or ctx ends.
func (g *Gate) WaitForDrain(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		if g.ActiveCount() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// GateStatus is a snapshot for the status endpoint.
type GateStatus struct {
	Active int `json:"active"`
	Free   int `json:"free"`
	Slots  int `json:"slots"`
}

// Status returns the gate's current state.
func (g *Gate) Status() GateStatus {
	return GateStatus{
		Active: g.ActiveCount(),
		Free:   g.Available(),
		Slots:  cap(g.slots),
	}
}
