package scheduler

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/syncworld/internal/metrics"
	"github.com/ocx/syncworld/internal/store"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSchedulerEmitsStrictlyIncreasingTickNumbers(t *testing.T) {
	gw := store.NewMemory()
	gw.SeedGroup("public.NORMAL", 20, 10)
	gw.PutEntity(store.Entity{ID: "e1", Name: "rock", SyncGroup: "public.NORMAL", Version: 1}, "A1")

	var mu sync.Mutex
	var seen []int64
	fanout := func(ctx context.Context, d Diff) {
		mu.Lock()
		seen = append(seen, d.Tick.TickNumber)
		mu.Unlock()
	}

	sched := New(gw, fanout, metrics.New(), newTestLogger())
	ctx, cancel := context.WithCancel(context.Background())

	sched.Start(ctx, []GroupConfig{{SyncGroup: "public.NORMAL", TickRate: 20 * time.Millisecond, MaxBufferTicks: 10}})
	time.Sleep(150 * time.Millisecond)
	cancel()
	sched.Stop()

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, seen)
	for i := 1; i < len(seen); i++ {
		assert.Greater(t, seen[i], seen[i-1])
	}
}

func TestSchedulerRecoversCursorFromLatestTick(t *testing.T) {
	gw := store.NewMemory()
	gw.SeedGroup("public.NORMAL", 20, 10)
	// Capture one tick before the scheduler starts, simulating a restart.
	_, err := gw.CaptureTick(context.Background(), "public.NORMAL")
	require.NoError(t, err)

	fired := make(chan Diff, 4)
	fanout := func(ctx context.Context, d Diff) { fired <- d }

	sched := New(gw, fanout, metrics.New(), newTestLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sched.Start(ctx, []GroupConfig{{SyncGroup: "public.NORMAL", TickRate: 20 * time.Millisecond, MaxBufferTicks: 10}})

	select {
	case d := <-fired:
		assert.Equal(t, int64(2), d.Tick.TickNumber)
	case <-time.After(500 * time.Millisecond):
		t.Fatal("scheduler never fanned out a tick")
	}

	sched.Stop()
}

func TestSchedulerSkipsFireOnCaptureFailureWithoutAdvancingCursor(t *testing.T) {
	gw := store.NewMemory() // no SeedGroup: CaptureTick fails for unknown group

	var calls int
	fanout := func(ctx context.Context, d Diff) { calls++ }

	sched := New(gw, fanout, metrics.New(), newTestLogger())
	ctx, cancel := context.WithCancel(context.Background())

	sched.Start(ctx, []GroupConfig{{SyncGroup: "missing.GROUP", TickRate: 15 * time.Millisecond, MaxBufferTicks: 10}})
	time.Sleep(80 * time.Millisecond)
	cancel()
	sched.Stop()

	assert.Zero(t, calls)
}
