package batch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JonMunkholm/scah/internal/core"
	"github.com/JonMunkholm/scah/internal/logging"
	"github.com/JonMunkholm/scah/internal/mapping"
)

// DefaultRetention is how long a finished commit stays queryable.
const DefaultRetention = 5 * time.Minute

// Tracker runs commits in the background so HTTP handlers can return at
// once and poll or stream progress by batch id.
type Tracker struct {
	applier   *Applier
	timeout   time.Duration
	retention time.Duration

	mu   sync.RWMutex
	jobs map[string]*job
	// starting holds ids waiting for a gate slot, so a second Start of the
	// same batch is refused before it can queue behind the first.
	starting map[string]bool
}

type job struct {
	id     string
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once

	mu        sync.RWMutex
	progress  Progress
	report    *Report
	err       error
	listeners []chan Progress
}

// NewTracker returns a Tracker. timeout bounds each commit, retention how
// long its result is kept after it finishes.
func NewTracker(a *Applier, timeout, retention time.Duration) *Tracker {
	if timeout <= 0 {
		timeout = a.timeout
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Tracker{
		applier:   a,
		timeout:   timeout,
		retention: retention,
		jobs:      make(map[string]*job),
		starting:  make(map[string]bool),
	}
}

// Start checks the batch, takes a commit slot and commits in the
// background. It returns the batch id, ErrCommitStarted when the batch
// was already started, or ErrTooManyImports when no slot freed up in time.
//
// The commit keeps ctx's values (acting user, IP address, request id) but
// not its cancellation; use Cancel to stop it.
func (t *Tracker) Start(ctx context.Context, b Batch, m mapping.Mapping, opts Options) (string, error) {
	if err := t.applier.checkCommit(ctx, b, m, opts); err != nil {
		return "", err
	}
	if err := t.claim(b.ID); err != nil {
		return "", err
	}
	if err := t.applier.gate.Acquire(ctx); err != nil {
		t.unclaim(b.ID)
		return "", err
	}

	jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.timeout)
	j := &job{
		id:       b.ID,
		cancel:   cancel,
		done:     make(chan struct{}),
		progress: Progress{BatchID: b.ID, Phase: PhaseQueued, Total: len(b.Rows)},
	}
	caller := opts.Progress
	opts.Progress = func(p Progress) {
		j.update(p)
		if caller != nil {
			caller(p)
		}
	}

	t.mu.Lock()
	delete(t.starting, b.ID)
	t.jobs[b.ID] = j
	t.mu.Unlock()

	go func() {
		defer t.applier.gate.Release()
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				logging.WithFields(ctx, "batch_id", b.ID).Error("panic in import commit", "panic", r)
				err := fmt.Errorf("internal error: %v", r)
				j.update(Progress{BatchID: b.ID, Phase: PhaseFailed, Total: len(b.Rows), Error: err.Error()})
				j.finish(nil, err)
				t.expire(b.ID)
			}
		}()
		rep, err := t.applier.commit(jobCtx, b, m, opts)
		j.finish(rep, err)
		t.expire(b.ID)
	}()

	return b.ID, nil
}

func (t *Tracker) claim(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.jobs[id]; ok || t.starting[id] {
		return fmt.Errorf("import %s: %w", id, ErrCommitStarted)
	}
	t.starting[id] = true
	return nil
}

func (t *Tracker) unclaim(id string) {
	t.mu.Lock()
	delete(t.starting, id)
	t.mu.Unlock()
}

func (t *Tracker) get(id string) (*job, error) {
	t.mu.RLock()
	j, ok := t.jobs[id]
	t.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("import %s: %w", id, core.ErrNotFound)
	}
	return j, nil
}

// Progress returns the latest progress of a commit.
func (t *Tracker) Progress(id string) (Progress, error) {
	j, err := t.get(id)
	if err != nil {
		return Progress{}, err
	}
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.progress, nil
}

// Subscribe returns a channel of progress updates, closed when the commit
// finishes. Slow readers miss intermediate updates, never the last one.
func (t *Tracker) Subscribe(id string) (<-chan Progress, error) {
	j, err := t.get(id)
	if err != nil {
		return nil, err
	}
	ch := make(chan Progress, 16)

	j.mu.Lock()
	defer j.mu.Unlock()
	ch <- j.progress
	select {
	case <-j.done:
		close(ch)
	default:
		j.listeners = append(j.listeners, ch)
	}
	return ch, nil
}

// Cancel asks a running commit to stop before its next row.
func (t *Tracker) Cancel(id string) error {
	j, err := t.get(id)
	if err != nil {
		return err
	}
	j.cancel()
	return nil
}

// Wait blocks until the commit finishes or ctx ends, then returns its
// report and error.
func (t *Tracker) Wait(ctx context.Context, id string) (*Report, error) {
	j, err := t.get(id)
	if err != nil {
		return nil, err
	}
	select {
	case <-j.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.report, j.err
}

// Result returns a finished commit's report and error without blocking.
// It returns ErrRunning while the commit is still going.
func (t *Tracker) Result(id string) (*Report, error) {
	j, err := t.get(id)
	if err != nil {
		return nil, err
	}
	select {
	case <-j.done:
	default:
		return nil, fmt.Errorf("import %s: %w", id, ErrRunning)
	}
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.report, j.err
}

// Drain blocks until every running commit has released its slot.
func (t *Tracker) Drain(ctx context.Context) error {
	return t.applier.gate.WaitForDrain(ctx)
}

func (t *Tracker) expire(id string) {
	time.AfterFunc(t.retention, func() {
		t.mu.Lock()
		delete(t.jobs, id)
		t.mu.Unlock()
	})
}

func (j *job) update(p Progress) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.progress = p
	for _, ch := range j.listeners {
		select {
		case ch <- p:
		default:
			// Make room so the final state is always delivered.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- p:
			default:
			}
		}
	}
}

func (j *job) finish(rep *Report, err error) {
	j.once.Do(func() {
		j.mu.Lock()
		j.report, j.err = rep, err
		for _, ch := range j.listeners {
			close(ch)
		}
		j.listeners = nil
		close(j.done)
		j.mu.Unlock()
	})
}
