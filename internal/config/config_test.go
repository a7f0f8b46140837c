package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestApplyDefaultsFillsZeroValues(t *testing.T) {
	var cfg Config
	cfg.applyDefaults()

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "/sync", cfg.Server.UpgradePath)
	assert.Contains(t, cfg.SyncGroups, "public.NORMAL")
	assert.Equal(t, 5000, cfg.Global.QueryTimeoutMS)
	assert.Equal(t, 256, cfg.Global.OutboundQueueCapacity)
}

func TestApplyDefaultsPreservesExplicitValues(t *testing.T) {
	cfg := Config{
		Global: GlobalConfig{QueryTimeoutMS: 9000},
	}
	cfg.applyDefaults()
	assert.Equal(t, 9000, cfg.Global.QueryTimeoutMS)
}

func TestApplyEnvOverridesReadsProcessEnv(t *testing.T) {
	t.Setenv("SYNCWORLD_QUERY_TIMEOUT_MS", "1234")
	var cfg Config
	cfg.applyEnvOverrides()
	assert.Equal(t, 1234, cfg.Global.QueryTimeoutMS)
}
