package fanout

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/syncworld/internal/metrics"
	"github.com/ocx/syncworld/internal/protocol"
	"github.com/ocx/syncworld/internal/scheduler"
	"github.com/ocx/syncworld/internal/session"
	"github.com/ocx/syncworld/internal/store"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newPermittedSession(id string, perms session.Permission) *session.Session {
	return session.New(id, "agent-"+id, "public.NORMAL", "tok-"+id, "anon", perms, 16)
}

func TestRouteOnlyDeliversToPermittedSessions(t *testing.T) {
	registry := session.NewRegistry()
	permitted := newPermittedSession("s1", session.PermRead)
	unpermitted := newPermittedSession("s2", session.PermWrite) // no PermRead
	registry.Insert(permitted)
	registry.Insert(unpermitted)

	router := NewRouter(registry, metrics.New(), newTestLogger())
	router.Route(context.Background(), scheduler.Diff{
		Tick: store.TickRecord{SyncGroup: "public.NORMAL", TickID: "t1", TickNumber: 1},
		Entities: []store.EntityDiff{
			{EntityID: "e1", Op: store.OpUpdate, Changes: map[string]any{"name": "rock"}},
		},
	})

	require.Equal(t, 1, permitted.Outbound.Len())
	assert.Equal(t, 0, unpermitted.Outbound.Len())

	msg, ok := permitted.Outbound.Dequeue()
	require.True(t, ok)
	var payload protocol.SyncGroupUpdatesPayload
	require.NoError(t, json.Unmarshal(msg.Data, &payload))
	assert.Equal(t, int64(1), payload.TickMetadata.TickNumber)
	require.Len(t, payload.Entities, 1)
	assert.Equal(t, "e1", payload.Entities[0].EntityID)
}

func TestRouteSendsNothingForEmptyDiff(t *testing.T) {
	registry := session.NewRegistry()
	s := newPermittedSession("s1", session.PermRead)
	registry.Insert(s)

	router := NewRouter(registry, metrics.New(), newTestLogger())
	router.Route(context.Background(), scheduler.Diff{
		Tick: store.TickRecord{SyncGroup: "public.NORMAL", TickID: "t1", TickNumber: 1},
	})

	assert.Zero(t, s.Outbound.Len())
}

func TestRouteLooksUpSessionsFreshEachCall(t *testing.T) {
	registry := session.NewRegistry()
	s := newPermittedSession("s1", session.PermRead)
	registry.Insert(s)
	router := NewRouter(registry, metrics.New(), newTestLogger())

	diff := scheduler.Diff{
		Tick:     store.TickRecord{SyncGroup: "public.NORMAL", TickID: "t1", TickNumber: 1},
		Entities: []store.EntityDiff{{EntityID: "e1", Op: store.OpInsert}},
	}
	router.Route(context.Background(), diff)
	require.Equal(t, 1, s.Outbound.Len())
	s.Outbound.Dequeue()

	// Remove the session between ticks; a second Route call must not panic
	// or deliver to a handle it might otherwise have cached.
	registry.Remove("s1")
	router.Route(context.Background(), diff)
	assert.Zero(t, s.Outbound.Len())
}
