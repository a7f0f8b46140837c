// Package delivery drains each session's bounded outbound queue to its
// socket in FIFO order, one writer goroutine per session, the way
// internal/webhooks.Dispatcher drains a shared queue to one goroutine pool —
// narrowed here to one queue per destination since each session owns its
// queue exclusively (see internal/session.OutboundQueue).
package delivery

import (
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ocx/syncworld/internal/metrics"
	"github.com/ocx/syncworld/internal/session"
)

// Pipeline owns the per-session writer goroutines.
type Pipeline struct {
	writeTimeout time.Duration
	pollInterval time.Duration
	m            *metrics.Metrics
	log          *slog.Logger
}

func NewPipeline(writeTimeout time.Duration, m *metrics.Metrics, log *slog.Logger) *Pipeline {
	return &Pipeline{
		writeTimeout: writeTimeout,
		pollInterval: 10 * time.Millisecond,
		m:            m,
		log:          log,
	}
}

// Run drains sess's outbound queue until sess closes. Call this in its own
// goroutine per session, started right after Session Registry.Insert.
func (p *Pipeline) Run(sess *session.Session) {
	log := p.log.With("session_id", sess.ID)
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		if sess.IsClosed() {
			return
		}
		msg, ok := sess.Outbound.Dequeue()
		if !ok {
			<-ticker.C
			continue
		}

		sock, ok := sess.Socket.(*Conn)
		var err error
		if ok {
			err = sock.writeDeadlined(websocket.TextMessage, msg.Data, p.writeTimeout)
		} else if sess.Socket != nil {
			err = sess.Socket.WriteMessage(websocket.TextMessage, msg.Data)
		}
		if err != nil {
			log.Warn("delivery: write failed, closing session", "error", err)
			sess.Close()
			return
		}
	}
}

// Conn adapts *websocket.Conn to session.Socket with a per-write deadline,
// grounded on internal/fabric/websocket.go's writeWait pattern.
type Conn struct {
	*websocket.Conn
}

func (c *Conn) writeDeadlined(messageType int, data []byte, timeout time.Duration) error {
	if err := c.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	return c.WriteMessage(messageType, data)
}

func (c *Conn) WriteMessage(messageType int, data []byte) error {
	return c.writeDeadlined(messageType, data, 10*time.Second)
}

func (c *Conn) Close() error {
	return c.Conn.Close()
}

var _ session.Socket = (*Conn)(nil)
