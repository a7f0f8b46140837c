// Package ratelimit enforces a per-agent fixed-window limit on
// query_request throughput, the way internal/middleware.RateLimiter gates
// REST calls per agent/tenant — narrowed here to one key (agent id) since
// query admission is already scoped to one session's agent.
package ratelimit

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter is satisfied by both the in-memory window and the Redis-backed one.
type Limiter interface {
	Allow(ctx context.Context, agentID string) bool
	Close() error
}

// Window is an in-process fixed-window limiter for a single gateway
// instance: an agent's count resets once window has elapsed since the
// start of its current window. Grounded directly on
// internal/middleware/rate_limiter.go's read-first locking pattern.
type Window struct {
	mu                sync.RWMutex
	windows           map[string]*windowState
	requestsPerWindow int
	window            time.Duration
	logger            *log.Logger
	stop              chan struct{}
}

type windowState struct {
	count       int
	windowStart time.Time
}

// NewWindow creates an in-memory limiter allowing requestsPerWindow calls
// per agent within window.
func NewWindow(requestsPerWindow int, window time.Duration) *Window {
	if requestsPerWindow <= 0 {
		requestsPerWindow = 50
	}
	if window <= 0 {
		window = time.Second
	}
	w := &Window{
		windows:           make(map[string]*windowState),
		requestsPerWindow: requestsPerWindow,
		window:            window,
		logger:            log.New(log.Writer(), "[RATELIMIT] ", log.LstdFlags),
		stop:              make(chan struct{}),
	}
	go w.cleanup()
	return w
}

func (w *Window) Allow(_ context.Context, agentID string) bool {
	now := time.Now()

	w.mu.RLock()
	state, exists := w.windows[agentID]
	if exists && now.Sub(state.windowStart) <= w.window {
		w.mu.RUnlock()
		w.mu.Lock()
		state.count++
		count := state.count
		w.mu.Unlock()
		return count <= w.requestsPerWindow
	}
	w.mu.RUnlock()

	w.mu.Lock()
	defer w.mu.Unlock()
	state, exists = w.windows[agentID]
	if exists && now.Sub(state.windowStart) <= w.window {
		state.count++
		return state.count <= w.requestsPerWindow
	}
	w.windows[agentID] = &windowState{count: 1, windowStart: now}
	return true
}

func (w *Window) cleanup() {
	ticker := time.NewTicker(w.window * 10)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.mu.Lock()
			now := time.Now()
			for agentID, state := range w.windows {
				if now.Sub(state.windowStart) > w.window*2 {
					delete(w.windows, agentID)
				}
			}
			w.mu.Unlock()
		case <-w.stop:
			return
		}
	}
}

func (w *Window) Close() error {
	close(w.stop)
	return nil
}

var _ Limiter = (*Window)(nil)

// Redis is the shared-state limiter used when the gateway runs as more than
// one process, backed by an INCR+EXPIRE window per agent key.
type Redis struct {
	rdb               *redis.Client
	requestsPerWindow int
	window            time.Duration
}

// NewRedis connects to addr and returns a limiter sharing its window state
// across every gateway process pointed at the same Redis instance.
func NewRedis(addr string, requestsPerWindow int, window time.Duration) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, err
	}
	return &Redis{rdb: rdb, requestsPerWindow: requestsPerWindow, window: window}, nil
}

func (r *Redis) Allow(ctx context.Context, agentID string) bool {
	key := "syncworld:ratelimit:" + agentID
	count, err := r.rdb.Incr(ctx, key).Result()
	if err != nil {
		// Store-layer failure degrades to fail-open: a rate limiter outage
		// must never block the Query Executor's hard store_unavailable path.
		return true
	}
	if count == 1 {
		r.rdb.Expire(ctx, key, r.window)
	}
	return count <= int64(r.requestsPerWindow)
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}

var _ Limiter = (*Redis)(nil)
