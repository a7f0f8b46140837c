package store

import (
	"context"
	"log/slog"

	"github.com/ocx/syncworld/internal/circuitbreaker"
)

// Retrying wraps a Gateway so every connection-shaped failure is retried
// once with a fresh attempt before surfacing to the caller, per §4.1's
// failure semantics. breaker is shared with the rest of the server binary
// (see circuitbreaker.Breakers) so its state is visible via the admin
// surface's HealthStatus and trips on sustained failure so a dead store
// fails fast instead of doubling load on every call.
type Retrying struct {
	inner   Gateway
	breaker *circuitbreaker.CircuitBreaker
	log     *slog.Logger
}

func NewRetrying(inner Gateway, breaker *circuitbreaker.CircuitBreaker, log *slog.Logger) *Retrying {
	return &Retrying{inner: inner, breaker: breaker, log: log}
}

func (r *Retrying) call(fn func() error) error {
	attempt := func() (any, error) {
		return nil, fn()
	}
	_, err := r.breaker.Execute(attempt)
	if err == nil {
		return nil
	}
	r.log.Warn("store call failed, retrying once", "error", err)
	_, err = r.breaker.Execute(attempt)
	return err
}

func (r *Retrying) CaptureTick(ctx context.Context, syncGroup string) (TickRecord, error) {
	var rec TickRecord
	err := r.call(func() error {
		var innerErr error
		rec, innerErr = r.inner.CaptureTick(ctx, syncGroup)
		return innerErr
	})
	return rec, err
}

func (r *Retrying) DiffEntities(ctx context.Context, syncGroup, fromTick, toTick string) ([]EntityDiff, error) {
	var out []EntityDiff
	err := r.call(func() error {
		var innerErr error
		out, innerErr = r.inner.DiffEntities(ctx, syncGroup, fromTick, toTick)
		return innerErr
	})
	return out, err
}

func (r *Retrying) DiffScripts(ctx context.Context, syncGroup, fromTick, toTick string) ([]ScriptDiff, error) {
	var out []ScriptDiff
	err := r.call(func() error {
		var innerErr error
		out, innerErr = r.inner.DiffScripts(ctx, syncGroup, fromTick, toTick)
		return innerErr
	})
	return out, err
}

func (r *Retrying) DiffAssets(ctx context.Context, syncGroup, fromTick, toTick string) ([]AssetDiff, error) {
	var out []AssetDiff
	err := r.call(func() error {
		var innerErr error
		out, innerErr = r.inner.DiffAssets(ctx, syncGroup, fromTick, toTick)
		return innerErr
	})
	return out, err
}

func (r *Retrying) Keyframe(ctx context.Context, syncGroup, agentID string) ([]Entity, error) {
	var out []Entity
	err := r.call(func() error {
		var innerErr error
		out, innerErr = r.inner.Keyframe(ctx, syncGroup, agentID)
		return innerErr
	})
	return out, err
}

func (r *Retrying) KeyframeScripts(ctx context.Context, syncGroup, agentID string) ([]Script, error) {
	var out []Script
	err := r.call(func() error {
		var innerErr error
		out, innerErr = r.inner.KeyframeScripts(ctx, syncGroup, agentID)
		return innerErr
	})
	return out, err
}

func (r *Retrying) ExecuteAs(ctx context.Context, agentID, sql string, params []any) ([]Row, error) {
	var out []Row
	err := r.call(func() error {
		var innerErr error
		out, innerErr = r.inner.ExecuteAs(ctx, agentID, sql, params)
		return innerErr
	})
	return out, err
}

func (r *Retrying) ValidateSession(ctx context.Context, sessionID string) (SessionRecord, bool, error) {
	var rec SessionRecord
	var valid bool
	err := r.call(func() error {
		var innerErr error
		rec, valid, innerErr = r.inner.ValidateSession(ctx, sessionID)
		return innerErr
	})
	return rec, valid, err
}

func (r *Retrying) Touch(ctx context.Context, sessionID string) error {
	return r.call(func() error { return r.inner.Touch(ctx, sessionID) })
}

func (r *Retrying) LatestTick(ctx context.Context, syncGroup string) (TickRecord, bool, error) {
	var rec TickRecord
	var ok bool
	err := r.call(func() error {
		var innerErr error
		rec, ok, innerErr = r.inner.LatestTick(ctx, syncGroup)
		return innerErr
	})
	return rec, ok, err
}

func (r *Retrying) Listen(ctx context.Context) (<-chan TickNotification, error) {
	return r.inner.Listen(ctx)
}

func (r *Retrying) Close() error {
	return r.inner.Close()
}
