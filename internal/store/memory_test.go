package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCaptureTickAssignsIncreasingNumbers(t *testing.T) {
	m := NewMemory()
	m.SeedGroup("public.NORMAL", 50, 10)
	ctx := context.Background()

	first, err := m.CaptureTick(ctx, "public.NORMAL")
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.TickNumber)

	second, err := m.CaptureTick(ctx, "public.NORMAL")
	require.NoError(t, err)
	assert.Equal(t, int64(2), second.TickNumber)
}

func TestMemoryCaptureTickEvictsPastBufferBound(t *testing.T) {
	m := NewMemory()
	m.SeedGroup("public.NORMAL", 50, 2)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := m.CaptureTick(ctx, "public.NORMAL")
		require.NoError(t, err)
	}

	rec, ok, err := m.LatestTick(ctx, "public.NORMAL")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(5), rec.TickNumber)
	assert.Len(t, m.ticks["public.NORMAL"], 2)
}

func TestMemoryDiffEntitiesFieldLevel(t *testing.T) {
	m := NewMemory()
	m.SeedGroup("public.NORMAL", 50, 10)
	ctx := context.Background()

	m.PutEntity(Entity{ID: "E1", Name: "crate", Version: 1, SyncGroup: "public.NORMAL"}, "A1")
	before, err := m.CaptureTick(ctx, "public.NORMAL")
	require.NoError(t, err)

	m.PutEntity(Entity{ID: "E1", Name: "crate", Version: 2, SyncGroup: "public.NORMAL"}, "A1")
	after, err := m.CaptureTick(ctx, "public.NORMAL")
	require.NoError(t, err)

	diffs, err := m.DiffEntities(ctx, "public.NORMAL", before.TickID, after.TickID)
	require.NoError(t, err)
	require.Len(t, diffs, 1)
	assert.Equal(t, OpUpdate, diffs[0].Op)
	assert.Equal(t, int64(2), diffs[0].Changes["version"])
	_, nameChanged := diffs[0].Changes["name"]
	assert.False(t, nameChanged, "unchanged field must not appear in diff")
}

func TestMemoryKeyframeRestrictsToVisibility(t *testing.T) {
	m := NewMemory()
	m.PutEntity(Entity{ID: "E1", SyncGroup: "public.NORMAL"}, "A1")
	m.PutEntity(Entity{ID: "E2", SyncGroup: "public.NORMAL"})

	ctx := context.Background()
	entities, err := m.Keyframe(ctx, "public.NORMAL", "A1")
	require.NoError(t, err)
	require.Len(t, entities, 1)
	assert.Equal(t, "E1", entities[0].ID)
}

func TestMemoryExecuteAsScopesToAgent(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	rowsA1, err := m.ExecuteAs(ctx, "A1", "SELECT current_agent()", nil)
	require.NoError(t, err)
	require.Len(t, rowsA1, 1)
	assert.Equal(t, "A1", rowsA1[0]["current_agent"])

	rowsA2, err := m.ExecuteAs(ctx, "A2", "SELECT current_agent()", nil)
	require.NoError(t, err)
	assert.Equal(t, "A2", rowsA2[0]["current_agent"])
}

func TestMemoryValidateSessionRejectsExpired(t *testing.T) {
	m := NewMemory()
	m.PutSession(SessionRecord{
		SessionID: "S1",
		AgentID:   "A1",
		IsActive:  true,
		ExpiresAt: time.Now().Add(-time.Minute),
	})

	ctx := context.Background()
	_, valid, err := m.ValidateSession(ctx, "S1")
	require.NoError(t, err)
	assert.False(t, valid)
}

func TestMemoryInvalidateMarksSessionInactive(t *testing.T) {
	m := NewMemory()
	m.PutSession(SessionRecord{
		SessionID: "S1",
		AgentID:   "A1",
		IsActive:  true,
		ExpiresAt: time.Now().Add(time.Hour),
	})

	m.Invalidate("S1")

	ctx := context.Background()
	_, valid, err := m.ValidateSession(ctx, "S1")
	require.NoError(t, err)
	assert.False(t, valid)
}
