// Package fanout maps one tick's diff onto per-session update messages,
// consulting the Session Registry fresh every call rather than retaining any
// Session handle across a tick boundary — a dead session is never kept alive
// by a cached pointer here (see internal/session.Registry.Insert's doc
// comment).
package fanout

import (
	"context"
	"log/slog"

	"github.com/ocx/syncworld/internal/metrics"
	"github.com/ocx/syncworld/internal/protocol"
	"github.com/ocx/syncworld/internal/scheduler"
	"github.com/ocx/syncworld/internal/session"
	"github.com/ocx/syncworld/internal/store"
)

// Router turns a scheduler.Diff into per-session messages enqueued onto the
// Session Registry's sessions.
type Router struct {
	registry *session.Registry
	m        *metrics.Metrics
	log      *slog.Logger
}

func NewRouter(registry *session.Registry, m *metrics.Metrics, log *slog.Logger) *Router {
	return &Router{registry: registry, m: m, log: log}
}

// Route is a scheduler.FanoutFunc: it groups d's entity/script diffs by the
// sessions currently permitted to read d.Tick.SyncGroup and enqueues one
// sync_group_updates_response and/or entity_script_updates_response per
// session, skipping sessions with nothing to send this tick.
func (r *Router) Route(ctx context.Context, d scheduler.Diff) {
	group := d.Tick.SyncGroup
	sessionIDs := r.registry.SessionsPermitted(group, session.PermRead)
	if len(sessionIDs) == 0 {
		return
	}

	meta := protocol.TickMetadata{
		SyncGroup:  group,
		TickID:     d.Tick.TickID,
		TickNumber: d.Tick.TickNumber,
		IsDelayed:  d.Tick.IsDelayed,
	}
	if d.Tick.ElapsedMS > 0 {
		ms := d.Tick.ElapsedMS
		meta.ManagerMillis = &ms
	}

	var entityMsg []byte
	if len(d.Entities) > 0 {
		entityMsg = marshalEntityUpdates(meta, d.Entities)
	}
	var scriptMsg []byte
	if len(d.Scripts) > 0 {
		scriptMsg = marshalScriptUpdates(meta, d.Scripts)
	}
	if entityMsg == nil && scriptMsg == nil {
		return
	}

	for _, id := range sessionIDs {
		sess, ok := r.registry.Lookup(id)
		if !ok {
			continue
		}
		r.deliver(sess, entityMsg, scriptMsg, group)
	}
}

func (r *Router) deliver(sess *session.Session, entityMsg, scriptMsg []byte, group string) {
	if entityMsg != nil {
		accepted, stalled := sess.Outbound.Enqueue(session.Message{Kind: session.KindTick, Data: entityMsg})
		r.afterEnqueue(sess, accepted, stalled, group, "entity")
	}
	if scriptMsg != nil {
		accepted, stalled := sess.Outbound.Enqueue(session.Message{Kind: session.KindTick, Data: scriptMsg})
		r.afterEnqueue(sess, accepted, stalled, group, "script")
	}
	r.m.SetQueueDepth(group, sess.Outbound.Len())
}

func (r *Router) afterEnqueue(sess *session.Session, accepted, stalled bool, group, kind string) {
	if !accepted {
		r.m.RecordQueueDrop(group, kind)
		r.log.Warn("fanout: dropped non-critical update under backpressure", "session_id", sess.ID, "kind", kind)
	}
	if stalled {
		sess.Stall()
		r.log.Warn("fanout: session stalled, outbound queue full of critical messages", "session_id", sess.ID)
	}
}

func marshalEntityUpdates(meta protocol.TickMetadata, diffs []store.EntityDiff) []byte {
	changes := make([]protocol.EntityChange, 0, len(diffs))
	for _, d := range diffs {
		changes = append(changes, protocol.EntityChange{
			EntityID:  d.EntityID,
			Operation: string(d.Op),
			Changes:   d.Changes,
		})
	}
	payload := protocol.SyncGroupUpdatesPayload{
		Type:         protocol.TypeSyncGroupUpdates,
		TickMetadata: meta,
		Entities:     changes,
	}
	b, err := protocol.MarshalEnvelope(payload)
	if err != nil {
		return nil
	}
	return b
}

func marshalScriptUpdates(meta protocol.TickMetadata, diffs []store.ScriptDiff) []byte {
	changes := make([]protocol.ScriptChange, 0, len(diffs))
	for _, d := range diffs {
		changes = append(changes, protocol.ScriptChange{
			FileName:  d.FileName,
			Operation: string(d.Op),
			Changes:   d.Changes,
		})
	}
	payload := protocol.EntityScriptUpdatesPayload{
		Type:         protocol.TypeEntityScriptUpdates,
		TickMetadata: meta,
		Scripts:      changes,
	}
	b, err := protocol.MarshalEnvelope(payload)
	if err != nil {
		return nil
	}
	return b
}
