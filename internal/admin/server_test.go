package admin

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/syncworld/internal/admin/pb"
	"github.com/ocx/syncworld/internal/circuitbreaker"
	"github.com/ocx/syncworld/internal/session"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestGetStatsReportsSessionsByGroupAndHealth(t *testing.T) {
	registry := session.NewRegistry()
	registry.Insert(session.New("s1", "A1", "public.NORMAL", "tok", "anon", session.PermRead, 16))
	registry.Insert(session.New("s2", "A2", "public.NORMAL", "tok", "anon", session.PermRead, 16))
	registry.Insert(session.New("s3", "A3", "vip.PRIVATE", "tok", "anon", session.PermRead|session.PermWrite, 16))

	srv := NewServer(registry, circuitbreaker.NewBreakers(), newTestLogger())

	resp, err := srv.GetStats(context.Background(), &pb.StatsRequest{})
	require.NoError(t, err)
	assert.Equal(t, int32(3), resp.TotalSessions)
	assert.Equal(t, "HEALTHY", resp.Health)

	byGroup := map[string]int32{}
	for _, g := range resp.ByGroup {
		byGroup[g.SyncGroup] = g.Count
	}
	assert.Equal(t, int32(2), byGroup["public.NORMAL"])
	assert.Equal(t, int32(1), byGroup["vip.PRIVATE"])
}

func TestInvalidateSessionClosesAndRemovesIt(t *testing.T) {
	registry := session.NewRegistry()
	sess := session.New("s1", "A1", "public.NORMAL", "tok", "anon", session.PermRead, 16)
	registry.Insert(sess)

	srv := NewServer(registry, circuitbreaker.NewBreakers(), newTestLogger())

	resp, err := srv.InvalidateSession(context.Background(), &pb.InvalidateSessionRequest{SessionId: "s1"})
	require.NoError(t, err)
	assert.True(t, resp.Success)

	_, ok := registry.Lookup("s1")
	assert.False(t, ok)
	assert.True(t, sess.IsClosed())
}

func TestInvalidateSessionUnknownIDFails(t *testing.T) {
	registry := session.NewRegistry()
	srv := NewServer(registry, circuitbreaker.NewBreakers(), newTestLogger())

	resp, err := srv.InvalidateSession(context.Background(), &pb.InvalidateSessionRequest{SessionId: "ghost"})
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.NotEmpty(t, resp.Message)
}

func TestInvalidateSessionRequiresID(t *testing.T) {
	registry := session.NewRegistry()
	srv := NewServer(registry, circuitbreaker.NewBreakers(), newTestLogger())

	resp, err := srv.InvalidateSession(context.Background(), &pb.InvalidateSessionRequest{})
	require.NoError(t, err)
	assert.False(t, resp.Success)
}
