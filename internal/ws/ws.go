// Package ws is the socket upgrade endpoint and per-session reader/writer
// pair: token validation via the Auth Gate, Registry insertion, the initial
// keyframe push, and the inbound message dispatch loop that routes
// heartbeat/config/keyframe/query requests. Grounded on
// internal/fabric/websocket.go's origin-checked upgrader and ping/pong
// keepalive, narrowed from the Hub's shared-bus dispatch to one reader/
// writer pair owned entirely by its own session (spec.md §9's redesign
// away from a shared observable bus).
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ocx/syncworld/internal/auth"
	"github.com/ocx/syncworld/internal/config"
	"github.com/ocx/syncworld/internal/delivery"
	"github.com/ocx/syncworld/internal/events"
	"github.com/ocx/syncworld/internal/keyframe"
	"github.com/ocx/syncworld/internal/metrics"
	"github.com/ocx/syncworld/internal/protocol"
	"github.com/ocx/syncworld/internal/query"
	"github.com/ocx/syncworld/internal/session"
)

// Server owns the upgrade endpoint and wires together every subsystem a
// connected session needs: the Auth Gate, the Session Registry, the
// Keyframe Builder, the Query Executor, and the Delivery Pipeline.
type Server struct {
	gate      *auth.Gate
	registry  *session.Registry
	keyframes *keyframe.Builder
	queries   *query.Executor
	pipeline  *delivery.Pipeline
	cfg       *config.Config
	m         *metrics.Metrics
	log       *slog.Logger
	upgrader  websocket.Upgrader
	emitter   events.Emitter
}

// SetEmitter wires an operational event sink for session connect/close
// notifications. Optional: a nil emitter (the default) simply skips emission.
func (s *Server) SetEmitter(e events.Emitter) {
	s.emitter = e
}

func NewServer(gate *auth.Gate, registry *session.Registry, kf *keyframe.Builder, q *query.Executor, pipeline *delivery.Pipeline, cfg *config.Config, m *metrics.Metrics, log *slog.Logger) *Server {
	return &Server{
		gate:      gate,
		registry:  registry,
		keyframes: kf,
		queries:   q,
		pipeline:  pipeline,
		cfg:       cfg,
		m:         m,
		log:       log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     buildCheckOrigin(cfg.Server.AllowedOrigins),
		},
	}
}

// buildCheckOrigin allows every origin when the allowlist contains "*",
// otherwise only exact matches on the Origin header.
func buildCheckOrigin(allowed []string) func(r *http.Request) bool {
	set := make(map[string]bool, len(allowed))
	allowAll := false
	for _, o := range allowed {
		if strings.TrimSpace(o) == "*" {
			allowAll = true
		}
		set[o] = true
	}
	return func(r *http.Request) bool {
		if allowAll {
			return true
		}
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		return set[origin]
	}
}

// HandleUpgrade validates the bearer token, upgrades the connection, and
// blocks for the lifetime of the session running its read loop. Token and
// provider are carried as query parameters per spec.md §6; a failed
// validation never upgrades and returns 401.
func (s *Server) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	provider := r.URL.Query().Get("provider")

	result, err := s.gate.Validate(r.Context(), token)
	if err != nil {
		s.log.Info("ws: upgrade rejected", "error", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("ws: upgrade failed", "error", err)
		return
	}

	queueCap := s.cfg.Global.OutboundQueueCapacity
	sess := session.New(result.SessionID, result.AgentID, result.SyncGroup, token, provider, session.Permission(result.Perms), queueCap)
	sess.Socket = &delivery.Conn{Conn: conn}

	s.registry.Insert(sess)
	sess.Connect()
	if s.emitter != nil {
		s.emitter.Emit(events.TypeSessionConnected, "ws", sess.ID, map[string]any{
			"agent_id": sess.AgentID, "sync_group": sess.SyncGroup,
		})
	}

	s.pushInitial(r.Context(), sess)

	go s.pipeline.Run(sess)
	s.readLoop(r.Context(), conn, sess)
}

// pushInitial sends connection_established_response followed by the
// session's keyframe, per spec.md §4.9 and scenario 1.
func (s *Server) pushInitial(ctx context.Context, sess *session.Session) {
	established := protocol.ConnectionEstablishedPayload{
		Type:    protocol.TypeConnectionEstablished,
		AgentID: sess.AgentID,
	}
	if b, err := protocol.MarshalEnvelope(established); err == nil {
		s.send(sess, session.KindCritical, b)
	}

	entityMsg, scriptMsg, err := s.keyframes.Build(ctx, sess.SyncGroup, sess.AgentID)
	if err != nil {
		s.log.Warn("ws: initial keyframe failed", "session_id", sess.ID, "error", err)
		return
	}
	s.send(sess, session.KindCritical, entityMsg)
	s.send(sess, session.KindCritical, scriptMsg)
}

// readLoop owns conn's read side for the life of the session: keepalive
// ping/pong, inbound dispatch, and final Registry removal on any read
// failure or session close.
func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, sess *session.Session) {
	defer func() {
		s.registry.RemoveAndClose(sess.ID)
		s.m.RecordSessionClosed("closed_normal")
		if s.emitter != nil {
			s.emitter.Emit(events.TypeSessionClosed, "ws", sess.ID, map[string]any{
				"agent_id": sess.AgentID, "sync_group": sess.SyncGroup,
			})
		}
	}()

	pongWait := time.Duration(s.cfg.Server.ReadTimeoutSec) * time.Second
	if pongWait <= 0 {
		pongWait = 60 * time.Second
	}
	pingPeriod := pongWait * 9 / 10

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		sess.Touch()
		return nil
	})

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()
	defer close(done)

	for {
		if sess.IsClosed() {
			return
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		s.handleInbound(ctx, sess, raw)
	}
}

// handleInbound dispatches one client frame by its tagged type. Unknown
// tags and malformed payloads fold into schema_violation error responses
// per spec.md §7; the session itself is never closed for these.
func (s *Server) handleInbound(ctx context.Context, sess *session.Session, raw []byte) {
	env, err := protocol.Parse(raw)
	if err != nil {
		s.sendError(sess, "", "malformed message")
		return
	}
	sess.Activate()

	switch env.Type {
	case protocol.TypeHeartbeatRequest:
		payload := protocol.HeartbeatResponsePayload{
			Type:      protocol.TypeHeartbeatResponse,
			Timestamp: protocol.NewTimestamp(time.Now()),
		}
		if b, err := protocol.MarshalEnvelope(payload); err == nil {
			s.send(sess, session.KindCritical, b)
		}

	case protocol.TypeClientConfigRequest:
		group := s.cfg.SyncGroups[sess.SyncGroup]
		payload := protocol.ClientConfigResponsePayload{
			Type: protocol.TypeClientConfigResponse,
			Config: map[string]any{
				"tickRateMs":       group.TickRateMS,
				"maxBufferedTicks": group.MaxBufferTicks,
			},
		}
		if b, err := protocol.MarshalEnvelope(payload); err == nil {
			s.send(sess, session.KindTick, b)
		}

	case protocol.TypeKeyframeRequest:
		var req protocol.KeyframeRequestPayload
		if err := json.Unmarshal(env.Raw, &req); err != nil || req.SyncGroup == "" {
			s.sendError(sess, env.RequestID, "invalid keyframe request")
			return
		}
		entityMsg, scriptMsg, err := s.keyframes.Build(ctx, req.SyncGroup, sess.AgentID)
		if err != nil {
			s.log.Warn("ws: keyframe request failed", "session_id", sess.ID, "error", err)
			s.sendError(sess, env.RequestID, "keyframe unavailable")
			return
		}
		s.send(sess, session.KindCritical, entityMsg)
		s.send(sess, session.KindCritical, scriptMsg)

	case protocol.TypeQueryRequest:
		var req protocol.QueryRequestPayload
		if err := json.Unmarshal(env.Raw, &req); err != nil {
			s.sendError(sess, env.RequestID, "invalid query request")
			return
		}
		resp := s.queries.Handle(ctx, sess, req)
		s.send(sess, session.KindTick, resp)

	default:
		s.sendError(sess, env.RequestID, "unknown message type")
	}
}

func (s *Server) sendError(sess *session.Session, requestID, message string) {
	payload := protocol.ErrorResponsePayload{
		Type:      protocol.TypeErrorResponse,
		Message:   message,
		RequestID: requestID,
	}
	b, err := protocol.MarshalEnvelope(payload)
	if err != nil {
		return
	}
	s.send(sess, session.KindCritical, b)
}

// send enqueues data onto sess's outbound queue, recording drop/stall
// metrics the way Fan-out's afterEnqueue does for tick updates.
func (s *Server) send(sess *session.Session, kind session.Kind, data []byte) {
	accepted, stalled := sess.Outbound.Enqueue(session.Message{Kind: kind, Data: data})
	s.m.SetQueueDepth(sess.SyncGroup, sess.Outbound.Len())
	if !accepted {
		label := "tick"
		if kind == session.KindCritical {
			label = "critical"
		}
		s.m.RecordQueueDrop(sess.SyncGroup, label)
		s.log.Warn("ws: outbound message dropped", "session_id", sess.ID, "kind", label)
	}
	if stalled {
		sess.Stall()
		s.log.Warn("ws: session stalled, queue full of critical messages", "session_id", sess.ID)
	}
}
