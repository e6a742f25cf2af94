package batch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/scah/internal/core"
	"github.com/JonMunkholm/scah/internal/mapping"
)

func TestTracker_StartAndWait(t *testing.T) {
	st, a := setup(t)
	tr := NewTracker(a, time.Minute, time.Minute)
	b := newBatch(tenGuests(true)...)

	id, err := tr.Start(actorCtx(), b, mapping.Propose(header), Options{Policy: BestEffort})
	require.NoError(t, err)
	assert.Equal(t, b.ID, id)

	_, err = tr.Start(actorCtx(), b, mapping.Propose(header), Options{Policy: BestEffort})
	assert.ErrorIs(t, err, ErrCommitStarted, "one job per batch")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rep, err := tr.Wait(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 9, rep.Counts.Committed)

	p, err := tr.Progress(id)
	require.NoError(t, err)
	assert.Equal(t, PhaseComplete, p.Phase)
	assert.True(t, p.Done())
	assert.Equal(t, 10, p.Current)
	assert.Equal(t, 100, p.Percent())

	// A late subscriber still gets the final state and a closed channel.
	ch, err := tr.Subscribe(id)
	require.NoError(t, err)
	var last Progress
	for p := range ch {
		last = p
	}
	assert.Equal(t, PhaseComplete, last.Phase)

	assert.Equal(t, 9, count(t, st, "stays"))
	require.NoError(t, tr.Drain(ctx))
}

func TestTracker_UnknownBatch(t *testing.T) {
	_, a := setup(t)
	tr := NewTracker(a, 0, 0)

	_, err := tr.Progress("missing")
	assert.ErrorIs(t, err, core.ErrNotFound)
	assert.ErrorIs(t, tr.Cancel("missing"), core.ErrNotFound)
	_, err = tr.Subscribe("missing")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestTracker_CheckFailsSynchronously(t *testing.T) {
	_, a := setup(t)
	tr := NewTracker(a, 0, 0)

	_, err := tr.Start(context.Background(), newBatch(tenGuests(false)...), mapping.Propose(header), Options{})
	assert.ErrorIs(t, err, core.ErrUnauthorized)
	assert.Equal(t, 1, a.Gate().Available(), "a refused start holds no slot")
}

func TestTracker_Cancel(t *testing.T) {
	st, a := setup(t)
	tr := NewTracker(a, time.Minute, time.Minute)

	started := make(chan struct{})
	release := make(chan struct{})
	opts := Options{
		Policy: BestEffort,
		Progress: func(p Progress) {
			if p.Phase == PhaseCommitting && p.Committed == 2 {
				close(started)
				<-release
			}
		},
	}
	id, err := tr.Start(actorCtx(), newBatch(tenGuests(false)...), mapping.Propose(header), opts)
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(10 * time.Second):
		t.Fatal("commit never reached row 2")
	}
	require.NoError(t, tr.Cancel(id))
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rep, err := tr.Wait(ctx, id)
	require.NoError(t, err)
	assert.True(t, rep.Cancelled)
	assert.Equal(t, 2, rep.Counts.Committed)
	assert.Equal(t, 8, rep.Counts.Pending)
	assert.Equal(t, 2, count(t, st, "stays"))

	p, err := tr.Progress(id)
	require.NoError(t, err)
	assert.Equal(t, PhaseCancelled, p.Phase)
}
