package auth

import (
	"context"
	"testing"
	"time"

	"github.com/ocx/syncworld/internal/protocol"
	"github.com/ocx/syncworld/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateRejectsEmptyToken(t *testing.T) {
	gate := NewGate(store.NewMemory())
	_, err := gate.Validate(context.Background(), "")
	require.Error(t, err)
	var syncErr *protocol.SyncError
	require.ErrorAs(t, err, &syncErr)
	assert.Equal(t, protocol.ErrInvalidToken, syncErr.Kind)
}

func TestValidateRejectsUnknownToken(t *testing.T) {
	gate := NewGate(store.NewMemory())
	_, err := gate.Validate(context.Background(), "nonexistent")
	require.Error(t, err)
	var syncErr *protocol.SyncError
	require.ErrorAs(t, err, &syncErr)
	assert.Equal(t, protocol.ErrInvalidToken, syncErr.Kind)
}

func TestValidateAcceptsActiveSession(t *testing.T) {
	mem := store.NewMemory()
	mem.PutSession(store.SessionRecord{
		SessionID: "S1",
		AgentID:   "A1",
		IsActive:  true,
		ExpiresAt: time.Now().Add(time.Hour),
	})

	gate := NewGate(mem)
	res, err := gate.Validate(context.Background(), "S1")
	require.NoError(t, err)
	assert.Equal(t, "A1", res.AgentID)
	assert.Equal(t, "S1", res.SessionID)
}

func TestValidateRejectsExpiredSession(t *testing.T) {
	mem := store.NewMemory()
	mem.PutSession(store.SessionRecord{
		SessionID: "S1",
		AgentID:   "A1",
		IsActive:  true,
		ExpiresAt: time.Now().Add(-time.Minute),
	})

	gate := NewGate(mem)
	_, err := gate.Validate(context.Background(), "S1")
	require.Error(t, err)
	var syncErr *protocol.SyncError
	require.ErrorAs(t, err, &syncErr)
	assert.Equal(t, protocol.ErrInvalidToken, syncErr.Kind)
}
