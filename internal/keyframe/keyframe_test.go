package keyframe

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/syncworld/internal/protocol"
	"github.com/ocx/syncworld/internal/store"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBuildReturnsOnlyEntitiesVisibleToAgent(t *testing.T) {
	gw := store.NewMemory()
	gw.PutEntity(store.Entity{ID: "e1", Name: "Rock", SyncGroup: "g1", Version: 1}, "A1")
	gw.PutEntity(store.Entity{ID: "e2", Name: "Hidden", SyncGroup: "g1", Version: 1}, "A2")

	b := NewBuilder(gw, newTestLogger())
	entityMsg, _, err := b.Build(context.Background(), "g1", "A1")
	require.NoError(t, err)

	var payload protocol.KeyframeResponsePayload
	require.NoError(t, json.Unmarshal(entityMsg, &payload))
	require.Len(t, payload.Entities, 1)
	assert.Equal(t, "e1", payload.Entities[0].EntityID)
	assert.Equal(t, "g1", payload.SyncGroup)
}

func TestBuildIncludesAllScriptsForGroup(t *testing.T) {
	gw := store.NewMemory()
	gw.PutScript(store.Script{FileName: "main.lua", SyncGroup: "g1", CompileStatus: store.CompileCompiled, CompiledText: "compiled"})

	b := NewBuilder(gw, newTestLogger())
	_, scriptMsg, err := b.Build(context.Background(), "g1", "A1")
	require.NoError(t, err)

	var payload protocol.KeyframeEntityScriptsPayload
	require.NoError(t, json.Unmarshal(scriptMsg, &payload))
	require.Len(t, payload.Scripts, 1)
	assert.Equal(t, "main.lua", payload.Scripts[0].FileName)
	assert.Equal(t, "compiled", string(payload.Scripts[0].CompileStatus))
}

func TestBuildReturnsEmptyEntitiesWhenNothingVisible(t *testing.T) {
	gw := store.NewMemory()
	gw.PutEntity(store.Entity{ID: "e1", Name: "Rock", SyncGroup: "g1", Version: 1}, "A2")

	b := NewBuilder(gw, newTestLogger())
	entityMsg, _, err := b.Build(context.Background(), "g1", "A1")
	require.NoError(t, err)

	var payload protocol.KeyframeResponsePayload
	require.NoError(t, json.Unmarshal(entityMsg, &payload))
	assert.Empty(t, payload.Entities)
}
