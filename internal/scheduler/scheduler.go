// Package scheduler runs one fixed-interval tick loop per sync group: it
// captures the group's state, diffs it against the prior tick, and hands the
// result to a Fan-out Router. It never awaits delivery.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ocx/syncworld/internal/events"
	"github.com/ocx/syncworld/internal/metrics"
	"github.com/ocx/syncworld/internal/store"
)

// Diff is one tick's computed change set, handed off to Fan-out.
type Diff struct {
	Tick     store.TickRecord
	Entities []store.EntityDiff
	Scripts  []store.ScriptDiff
	Assets   []store.AssetDiff
}

// FanoutFunc is the Fan-out Router's entry point. It must not block the
// scheduler goroutine beyond the time to enqueue.
type FanoutFunc func(ctx context.Context, d Diff)

// GroupConfig is one sync group's cadence, read from config at start.
type GroupConfig struct {
	SyncGroup      string
	TickRate       time.Duration
	MaxBufferTicks int
}

// Scheduler owns one goroutine per sync group.
type Scheduler struct {
	gw      store.Gateway
	fanout  FanoutFunc
	m       *metrics.Metrics
	log     *slog.Logger
	emitter events.Emitter

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// SetEmitter wires an operational event sink for tick-captured
// notifications. Optional: a nil emitter (the default) simply skips
// emission.
func (s *Scheduler) SetEmitter(e events.Emitter) {
	s.emitter = e
}

func New(gw store.Gateway, fanout FanoutFunc, m *metrics.Metrics, log *slog.Logger) *Scheduler {
	return &Scheduler{
		gw:      gw,
		fanout:  fanout,
		m:       m,
		log:     log,
		cancels: make(map[string]context.CancelFunc),
	}
}

// Start launches one loop per group in cfgs. Groups run concurrently;
// within one group, ticks serialize because the loop itself is sequential.
func (s *Scheduler) Start(ctx context.Context, cfgs []GroupConfig) {
	for _, cfg := range cfgs {
		cfg := cfg
		groupCtx, cancel := context.WithCancel(ctx)
		s.mu.Lock()
		s.cancels[cfg.SyncGroup] = cancel
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.runGroup(groupCtx, cfg)
		}()
	}
}

// Stop cancels every group loop and waits for them to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	for _, cancel := range s.cancels {
		cancel()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// runGroup recovers its prevTickId from the store (the DB is the single
// source of truth, so the scheduler carries no durable cursor of its own)
// then fires at previous_scheduled + rate_ms regardless of jitter, so tick
// numbers track real-time cadence rather than drifting under load.
func (s *Scheduler) runGroup(ctx context.Context, cfg GroupConfig) {
	log := s.log.With("sync_group", cfg.SyncGroup)
	log.Info("scheduler: starting group loop", "tick_rate_ms", cfg.TickRate.Milliseconds())

	prevTick, ok, err := s.gw.LatestTick(ctx, cfg.SyncGroup)
	var prevTickID string
	if err != nil {
		log.Error("scheduler: failed to recover latest tick, starting from empty cursor", "error", err)
	} else if ok {
		prevTickID = prevTick.TickID
	}

	next := time.Now()
	timer := time.NewTimer(time.Until(next))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("scheduler: stopping group loop")
			return
		case <-timer.C:
			prevTickID = s.fire(ctx, cfg, prevTickID, log)
			next = next.Add(cfg.TickRate)
			delay := time.Until(next)
			if delay < 0 {
				// Already behind schedule: fire again immediately rather than
				// accumulating a backlog of missed fires.
				delay = 0
			}
			timer.Reset(delay)
		}
	}
}

func (s *Scheduler) fire(ctx context.Context, cfg GroupConfig, prevTickID string, log *slog.Logger) string {
	start := time.Now()

	rec, err := s.gw.CaptureTick(ctx, cfg.SyncGroup)
	if err != nil {
		// store_unavailable on tick capture: log and skip this fire rather
		// than advancing the tick number past what the store actually holds.
		log.Error("scheduler: capture tick failed, skipping fire", "error", err)
		return prevTickID
	}

	elapsed := time.Since(start)
	s.m.RecordTick(cfg.SyncGroup, elapsed.Seconds(), rec.IsDelayed)
	s.m.SetTickNumber(cfg.SyncGroup, rec.TickNumber)
	if s.emitter != nil {
		s.emitter.Emit(events.TypeTickCaptured, "scheduler", cfg.SyncGroup, map[string]any{
			"sync_group": cfg.SyncGroup, "tick_id": rec.TickID, "tick_number": rec.TickNumber, "delayed": rec.IsDelayed,
		})
	}

	if prevTickID == "" {
		// First tick this process has observed for the group: nothing to
		// diff against yet, but the cursor is now established.
		return rec.TickID
	}

	entities, err := s.gw.DiffEntities(ctx, cfg.SyncGroup, prevTickID, rec.TickID)
	if err != nil {
		log.Error("scheduler: diff entities failed", "error", err)
		return rec.TickID
	}
	scripts, err := s.gw.DiffScripts(ctx, cfg.SyncGroup, prevTickID, rec.TickID)
	if err != nil {
		log.Error("scheduler: diff scripts failed", "error", err)
		return rec.TickID
	}
	assets, err := s.gw.DiffAssets(ctx, cfg.SyncGroup, prevTickID, rec.TickID)
	if err != nil {
		log.Error("scheduler: diff assets failed", "error", err)
		return rec.TickID
	}

	for _, d := range entities {
		s.m.RecordDiff(cfg.SyncGroup, "entity", string(d.Op), 1)
	}
	for _, d := range scripts {
		s.m.RecordDiff(cfg.SyncGroup, "script", string(d.Op), 1)
	}
	for _, d := range assets {
		s.m.RecordDiff(cfg.SyncGroup, "asset", string(d.Op), 1)
	}

	s.fanout(ctx, Diff{Tick: rec, Entities: entities, Scripts: scripts, Assets: assets})
	return rec.TickID
}
