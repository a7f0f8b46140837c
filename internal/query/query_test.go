package query

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/syncworld/internal/metrics"
	"github.com/ocx/syncworld/internal/protocol"
	"github.com/ocx/syncworld/internal/ratelimit"
	"github.com/ocx/syncworld/internal/session"
	"github.com/ocx/syncworld/internal/store"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newActiveSession(t *testing.T, gw *store.Memory, agentID string) *session.Session {
	t.Helper()
	gw.PutSession(store.SessionRecord{
		SessionID: "sess-" + agentID,
		AgentID:   agentID,
		IsActive:  true,
		ExpiresAt: time.Now().Add(time.Hour),
	})
	s := session.New("sess-"+agentID, agentID, "public.NORMAL", "tok", "anon", session.PermRead, 16)
	s.Activate()
	return s
}

func TestHandleRunsQueryUnderRequestingAgentIdentity(t *testing.T) {
	gw := store.NewMemory()
	sess := newActiveSession(t, gw, "A1")
	exec := NewExecutor(gw, ratelimit.NewWindow(10, time.Minute), time.Second, 0, metrics.New(), newTestLogger())

	out := exec.Handle(context.Background(), sess, protocol.QueryRequestPayload{
		Query:     "SELECT current_agent()",
		RequestID: "r1",
	})

	var resp protocol.QueryResponsePayload
	require.NoError(t, json.Unmarshal(out, &resp))
	assert.Equal(t, "r1", resp.RequestID)
	require.Len(t, resp.Result, 1)
	assert.Equal(t, "A1", resp.Result[0]["current_agent"])
}

func TestHandleRejectsClosedSession(t *testing.T) {
	gw := store.NewMemory()
	sess := newActiveSession(t, gw, "A1")
	sess.Close()
	exec := NewExecutor(gw, ratelimit.NewWindow(10, time.Minute), time.Second, 0, metrics.New(), newTestLogger())

	out := exec.Handle(context.Background(), sess, protocol.QueryRequestPayload{Query: "SELECT 1", RequestID: "r2"})

	var resp protocol.QueryResponsePayload
	require.NoError(t, json.Unmarshal(out, &resp))
	assert.NotEmpty(t, resp.ErrorMessage)
}

func TestHandleEnforcesRateLimit(t *testing.T) {
	gw := store.NewMemory()
	sess := newActiveSession(t, gw, "A1")
	exec := NewExecutor(gw, ratelimit.NewWindow(1, time.Minute), time.Second, 0, metrics.New(), newTestLogger())

	first := exec.Handle(context.Background(), sess, protocol.QueryRequestPayload{Query: "SELECT 1", RequestID: "r1"})
	second := exec.Handle(context.Background(), sess, protocol.QueryRequestPayload{Query: "SELECT 1", RequestID: "r2"})

	var firstResp, secondResp protocol.QueryResponsePayload
	require.NoError(t, json.Unmarshal(first, &firstResp))
	require.NoError(t, json.Unmarshal(second, &secondResp))
	assert.Empty(t, firstResp.ErrorMessage)
	assert.NotEmpty(t, secondResp.ErrorMessage)
}

func TestHandleTouchesSessionOnSuccess(t *testing.T) {
	gw := store.NewMemory()
	sess := newActiveSession(t, gw, "A1")
	before := sess.LastSeen()
	time.Sleep(5 * time.Millisecond)

	exec := NewExecutor(gw, ratelimit.NewWindow(10, time.Minute), time.Second, 0, metrics.New(), newTestLogger())
	exec.Handle(context.Background(), sess, protocol.QueryRequestPayload{Query: "SELECT 1", RequestID: "r1"})

	assert.True(t, sess.LastSeen().After(before))
}
