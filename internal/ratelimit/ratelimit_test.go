package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWindowAllowsUpToLimitThenDenies(t *testing.T) {
	w := NewWindow(3, time.Minute)
	defer w.Close()
	ctx := context.Background()

	assert.True(t, w.Allow(ctx, "agent-1"))
	assert.True(t, w.Allow(ctx, "agent-1"))
	assert.True(t, w.Allow(ctx, "agent-1"))
	assert.False(t, w.Allow(ctx, "agent-1"))
}

func TestWindowTracksAgentsIndependently(t *testing.T) {
	w := NewWindow(1, time.Minute)
	defer w.Close()
	ctx := context.Background()

	assert.True(t, w.Allow(ctx, "agent-1"))
	assert.True(t, w.Allow(ctx, "agent-2"))
	assert.False(t, w.Allow(ctx, "agent-1"))
}

func TestWindowResetsAfterExpiry(t *testing.T) {
	w := NewWindow(1, 20*time.Millisecond)
	defer w.Close()
	ctx := context.Background()

	assert.True(t, w.Allow(ctx, "agent-1"))
	assert.False(t, w.Allow(ctx, "agent-1"))
	time.Sleep(30 * time.Millisecond)
	assert.True(t, w.Allow(ctx, "agent-1"))
}
