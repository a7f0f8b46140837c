package heartbeat

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/syncworld/internal/metrics"
	"github.com/ocx/syncworld/internal/session"
	"github.com/ocx/syncworld/internal/store"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestReaperClosesSessionOnFailedRevalidation(t *testing.T) {
	gw := store.NewMemory()
	gw.PutSession(store.SessionRecord{SessionID: "s1", AgentID: "A1", IsActive: true, ExpiresAt: time.Now().Add(time.Hour)})
	gw.Invalidate("s1")

	registry := session.NewRegistry()
	s := session.New("s1", "A1", "public.NORMAL", "tok", "anon", session.PermRead, 8)
	s.Activate()
	registry.Insert(s)

	reaper := NewReaper(registry, gw, 15*time.Millisecond, 10*time.Millisecond, metrics.New(), newTestLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reaper.Start(ctx)
	defer reaper.Stop()

	require.Eventually(t, func() bool {
		_, ok := registry.Lookup("s1")
		return !ok
	}, time.Second, 5*time.Millisecond)
	assert.True(t, s.IsClosed())
}

func TestReaperLeavesActiveSessionsAlone(t *testing.T) {
	gw := store.NewMemory()
	gw.PutSession(store.SessionRecord{SessionID: "s1", AgentID: "A1", IsActive: true, ExpiresAt: time.Now().Add(time.Hour)})

	registry := session.NewRegistry()
	s := session.New("s1", "A1", "public.NORMAL", "tok", "anon", session.PermRead, 8)
	s.Activate()
	registry.Insert(s)

	reaper := NewReaper(registry, gw, 10*time.Millisecond, time.Hour, metrics.New(), newTestLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reaper.Start(ctx)

	time.Sleep(50 * time.Millisecond)
	reaper.Stop()

	_, ok := registry.Lookup("s1")
	assert.True(t, ok)
}
