// Package query is the Query Executor: validates an inbound query_request,
// rate-limits it per agent, executes it via the Store Gateway under the
// session's own agent identity, and returns a correlated response.
package query

import (
	"context"
	"log/slog"
	"time"

	"github.com/ocx/syncworld/internal/metrics"
	"github.com/ocx/syncworld/internal/protocol"
	"github.com/ocx/syncworld/internal/ratelimit"
	"github.com/ocx/syncworld/internal/session"
	"github.com/ocx/syncworld/internal/store"
)

// Executor wires the Store Gateway, a per-agent rate limiter, and the
// session's own last-seen bookkeeping into one validate-then-delegate path.
type Executor struct {
	gw                store.Gateway
	limiter           ratelimit.Limiter
	timeout           time.Duration
	maxResponseBytes  int
	m                 *metrics.Metrics
	log               *slog.Logger
}

func NewExecutor(gw store.Gateway, limiter ratelimit.Limiter, timeout time.Duration, maxResponseBytes int, m *metrics.Metrics, log *slog.Logger) *Executor {
	return &Executor{
		gw:               gw,
		limiter:          limiter,
		timeout:          timeout,
		maxResponseBytes: maxResponseBytes,
		m:                m,
		log:              log,
	}
}

// Handle processes one query_request from sess, returning the wire-ready
// query_response envelope. It never returns an error itself — every failure
// mode (schema, session, timeout, store) is folded into the response payload
// per spec.md §4.7, since the caller always owes the client a correlated
// reply.
func (e *Executor) Handle(ctx context.Context, sess *session.Session, req protocol.QueryRequestPayload) []byte {
	start := time.Now()

	if sess.IsClosed() || sess.State() == session.StateStalled {
		e.m.RecordQuery(sess.AgentID, "session_invalid", time.Since(start).Seconds())
		return e.errorResponse(req.RequestID, "session invalid or stalled")
	}

	if !e.limiter.Allow(ctx, sess.AgentID) {
		e.m.RecordQuery(sess.AgentID, "backpressure", time.Since(start).Seconds())
		return e.errorResponse(req.RequestID, "rate limit exceeded")
	}

	queryCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	rows, err := e.gw.ExecuteAs(queryCtx, sess.AgentID, req.Query, req.Parameters)
	if err != nil {
		outcome := "store_unavailable"
		if queryCtx.Err() != nil {
			outcome = "timeout"
		}
		e.m.RecordQuery(sess.AgentID, outcome, time.Since(start).Seconds())
		e.log.Warn("query: execution failed", "agent_id", sess.AgentID, "error", err)
		return e.errorResponse(req.RequestID, "query execution failed")
	}

	// Side effect: a successful query keeps the session alive without
	// requiring a heartbeat round trip.
	sess.Touch()
	if err := e.gw.Touch(ctx, sess.ID); err != nil {
		e.log.Warn("query: failed to persist last-seen", "session_id", sess.ID, "error", err)
	}

	result := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		result = append(result, map[string]any(row))
	}

	payload := protocol.QueryResponsePayload{
		Type:      protocol.TypeQueryResponse,
		RequestID: req.RequestID,
		Result:    result,
	}
	b, err := protocol.MarshalEnvelope(payload)
	if err != nil {
		e.m.RecordQuery(sess.AgentID, "internal", time.Since(start).Seconds())
		return e.errorResponse(req.RequestID, "failed to encode response")
	}

	if e.maxResponseBytes > 0 && len(b) > e.maxResponseBytes {
		e.m.RecordQuery(sess.AgentID, "schema_violation", time.Since(start).Seconds())
		return e.errorResponse(req.RequestID, "response exceeds maximum size")
	}

	e.m.RecordQuery(sess.AgentID, "ok", time.Since(start).Seconds())
	return b
}

func (e *Executor) errorResponse(requestID, message string) []byte {
	payload := protocol.QueryResponsePayload{
		Type:         protocol.TypeQueryResponse,
		RequestID:    requestID,
		ErrorMessage: message,
	}
	b, err := protocol.MarshalEnvelope(payload)
	if err != nil {
		// MarshalEnvelope only fails on non-serializable input, never on
		// this fixed shape; fall back to a hand-built minimal frame.
		return []byte(`{"type":"query_response","errorMessage":"internal error"}`)
	}
	return b
}
