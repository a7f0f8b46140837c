// Package auth is the Auth Gate: validates bearer tokens on upgrade and on
// heartbeat-expiry revalidation, delegating the actual lookup to the Store
// Gateway's session validator. It never mutates state itself.
package auth

import (
	"context"

	"github.com/ocx/syncworld/internal/protocol"
	"github.com/ocx/syncworld/internal/store"
)

// Gate validates bearer tokens against the Store Gateway.
type Gate struct {
	store store.Gateway
}

func NewGate(s store.Gateway) *Gate {
	return &Gate{store: s}
}

// Result is the outcome of a successful Validate call.
type Result struct {
	AgentID   string
	SessionID string
	SyncGroup string
	Perms     uint8
}

// Validate resolves an opaque bearer token to (agentId, sessionId),
// delegating to the store's (sessionId, is_active, not_expired) lookup.
// Empty, malformed, or unknown tokens fail with ErrInvalidToken. The token
// presented at upgrade is the session's primary key in the store; this
// layer never parses or signs it.
func (g *Gate) Validate(ctx context.Context, token string) (Result, error) {
	if token == "" {
		return Result{}, protocol.NewError(protocol.ErrInvalidToken, "empty bearer token", nil)
	}

	rec, valid, err := g.store.ValidateSession(ctx, token)
	if err != nil {
		return Result{}, protocol.NewError(protocol.ErrStoreUnavailable, "session validation failed", err)
	}
	if !valid {
		return Result{}, protocol.NewError(protocol.ErrInvalidToken, "unknown or expired session", nil)
	}

	return Result{
		AgentID:   rec.AgentID,
		SessionID: rec.SessionID,
		SyncGroup: rec.SyncGroup,
		Perms:     rec.Perms,
	}, nil
}
