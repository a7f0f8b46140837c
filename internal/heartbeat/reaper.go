// Package heartbeat runs the fixed-interval sweep that revalidates idle
// sessions against the Store Gateway and closes the ones that fail, grounded
// on internal/protocol/session.go's SessionManager.cleanupLoop.
package heartbeat

import (
	"context"
	"log/slog"
	"time"

	"github.com/ocx/syncworld/internal/events"
	"github.com/ocx/syncworld/internal/metrics"
	"github.com/ocx/syncworld/internal/session"
	"github.com/ocx/syncworld/internal/store"
)

// Reaper periodically scans the Session Registry for sessions idle past
// the configured inactivity window, one window shared by every sync group.
type Reaper struct {
	registry          *session.Registry
	gw                store.Gateway
	interval          time.Duration
	inactivityWindow  time.Duration
	m                 *metrics.Metrics
	log               *slog.Logger
	emitter           events.Emitter

	stop chan struct{}
	done chan struct{}
}

// SetEmitter wires an operational event sink for sweep notifications.
// Optional: a nil emitter (the default) simply skips emission.
func (r *Reaper) SetEmitter(e events.Emitter) {
	r.emitter = e
}

func NewReaper(registry *session.Registry, gw store.Gateway, interval, inactivityWindow time.Duration, m *metrics.Metrics, log *slog.Logger) *Reaper {
	return &Reaper{
		registry:         registry,
		gw:               gw,
		interval:         interval,
		inactivityWindow: inactivityWindow,
		m:                m,
		log:              log,
		stop:             make(chan struct{}),
		done:             make(chan struct{}),
	}
}

// Start runs the sweep loop until Stop is called.
func (r *Reaper) Start(ctx context.Context) {
	go r.loop(ctx)
}

func (r *Reaper) loop(ctx context.Context) {
	defer close(r.done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Reaper) sweep(ctx context.Context) {
	now := time.Now()
	var stale []*session.Session

	for _, s := range r.allSessions() {
		if s.IsClosed() {
			continue
		}
		if now.Sub(s.LastSeen()) > r.inactivityWindow {
			stale = append(stale, s)
		}
	}

	closed := 0
	for _, s := range stale {
		s.Stall()
		rec, valid, err := r.gw.ValidateSession(ctx, s.ID)
		if err != nil || !valid || !rec.Valid(now) {
			r.log.Info("reaper: closing stale session", "session_id", s.ID, "error", err)
			r.registry.RemoveAndClose(s.ID)
			r.m.RecordSessionClosed("closed_normal")
			closed++
		}
	}

	if closed > 0 {
		r.log.Info("reaper: swept sessions", "closed", closed)
		if r.emitter != nil {
			r.emitter.Emit(events.TypeReaperSwept, "heartbeat", "", map[string]any{"closed": closed})
		}
	}

	counts := r.registry.CountByGroup()
	total := 0
	for _, n := range counts {
		total += n
	}
	r.m.SetSessionsByState("active", total)
}

// allSessions flattens the Registry's per-group sessions. The Registry does
// not expose a direct iterator over every session, so the Reaper walks each
// group it currently knows about.
func (r *Reaper) allSessions() []*session.Session {
	var out []*session.Session
	for group := range r.registry.CountByGroup() {
		r.registry.ForEachInSyncGroup(group, func(s *session.Session) {
			out = append(out, s)
		})
	}
	return out
}

// Stop halts the sweep loop and waits for it to exit.
func (r *Reaper) Stop() {
	close(r.stop)
	<-r.done
}
