// Package config loads the process-wide configuration surface: per-sync-
// group tick settings, global session/query/queue limits, and store/admin
// credentials, with environment variable overrides applied on top of a YAML
// file.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v2"
)

// Config is the root of the process-wide configuration.
type Config struct {
	Server     ServerConfig         `yaml:"server"`
	SyncGroups map[string]SyncGroup `yaml:"sync_groups"`
	Global     GlobalConfig         `yaml:"global"`
	Store      StoreConfig          `yaml:"store"`
	Events     EventsConfig         `yaml:"events"`
	Admin      AdminConfig          `yaml:"admin"`
	Identity   IdentityConfig       `yaml:"identity"`
	RateLimit  RateLimitConfig      `yaml:"rate_limit"`
}

// ServerConfig is the WebSocket/HTTP upgrade surface.
type ServerConfig struct {
	Port            string   `yaml:"port"`
	Env             string   `yaml:"env"`
	Interface       string   `yaml:"interface"`
	UpgradePath     string   `yaml:"upgrade_path"`
	ReadTimeoutSec  int      `yaml:"read_timeout_sec"`
	WriteTimeoutSec int      `yaml:"write_timeout_sec"`
	ShutdownTimeout int      `yaml:"shutdown_timeout_sec"`
	AllowedOrigins  []string `yaml:"allowed_origins"`
}

// SyncGroup is the per-group tick scheduler configuration.
type SyncGroup struct {
	TickRateMS     int64 `yaml:"tick_rate_ms"`
	MaxBufferTicks int   `yaml:"max_buffered_ticks"`
}

// GlobalConfig applies across all sync groups.
type GlobalConfig struct {
	HeartbeatInactivityMS int `yaml:"heartbeat_inactivity_ms"`
	ReaperIntervalMS      int `yaml:"reaper_interval_ms"`
	QueryTimeoutMS        int `yaml:"query_timeout_ms"`
	OutboundQueueCapacity int `yaml:"outbound_queue_capacity"`
	SessionDurationMS     int `yaml:"session_duration_ms"`
	MaxQueryResponseBytes int `yaml:"max_query_response_bytes"`
}

// StoreConfig carries Postgres credentials and pool sizing.
type StoreConfig struct {
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// EventsConfig configures the operational CloudEvents bus.
type EventsConfig struct {
	PubSubEnabled bool   `yaml:"pubsub_enabled"`
	ProjectID     string `yaml:"project_id"`
	TopicID       string `yaml:"topic_id"`
}

// AdminConfig is the internal gRPC/HTTP ops surface.
type AdminConfig struct {
	GRPCAddr string `yaml:"grpc_addr"`
	HTTPAddr string `yaml:"http_addr"`
}

// IdentityConfig configures SPIFFE/mTLS for the admin surface.
type IdentityConfig struct {
	Enabled        bool   `yaml:"enabled"`
	TrustDomain    string `yaml:"trust_domain"`
	WorkloadSocket string `yaml:"workload_socket"`
}

// RateLimitConfig configures the Query Executor's per-agent limiter.
type RateLimitConfig struct {
	RequestsPerWindow int    `yaml:"requests_per_window"`
	WindowMS          int    `yaml:"window_ms"`
	RedisAddr         string `yaml:"redis_addr"`
}

var (
	instance *Config
	once     sync.Once
)

// Get returns the process-wide singleton, loading CONFIG_PATH (or
// config.yaml) once and applying environment overrides and defaults.
func Get() *Config {
	once.Do(func() {
		cfg, err := LoadConfig(getEnv("CONFIG_PATH", "config.yaml"))
		if err != nil {
			slog.Warn("config: failed to load config file, using defaults", "error", err)
		}
		if cfg == nil {
			cfg = &Config{}
		}
		cfg.applyEnvOverrides()
		cfg.applyDefaults()
		instance = cfg
	})
	return instance
}

// LoadConfig reads and decodes a YAML config file.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnvOverrides() {
	c.Server.Port = getEnv("PORT", c.Server.Port)
	c.Server.Env = getEnv("SYNCWORLD_ENV", c.Server.Env)
	c.Server.Interface = getEnv("SYNCWORLD_INTERFACE", c.Server.Interface)
	if origins := getEnv("SYNCWORLD_ALLOWED_ORIGINS", ""); origins != "" {
		c.Server.AllowedOrigins = splitCSV(origins)
	}

	c.Store.DSN = getEnv("SYNCWORLD_STORE_DSN", c.Store.DSN)
	if v := getEnvInt("SYNCWORLD_STORE_MAX_OPEN_CONNS", 0); v > 0 {
		c.Store.MaxOpenConns = v
	}

	c.Events.ProjectID = getEnv("GCP_PROJECT_ID", c.Events.ProjectID)
	c.Events.TopicID = getEnv("SYNCWORLD_EVENTS_TOPIC", c.Events.TopicID)
	c.Events.PubSubEnabled = getEnvBool("SYNCWORLD_EVENTS_PUBSUB_ENABLED", c.Events.PubSubEnabled)

	c.Admin.GRPCAddr = getEnv("SYNCWORLD_ADMIN_GRPC_ADDR", c.Admin.GRPCAddr)
	c.Admin.HTTPAddr = getEnv("SYNCWORLD_ADMIN_HTTP_ADDR", c.Admin.HTTPAddr)

	c.Identity.Enabled = getEnvBool("SYNCWORLD_IDENTITY_ENABLED", c.Identity.Enabled)
	c.Identity.TrustDomain = getEnv("SYNCWORLD_TRUST_DOMAIN", c.Identity.TrustDomain)
	c.Identity.WorkloadSocket = getEnv("SPIFFE_ENDPOINT_SOCKET", c.Identity.WorkloadSocket)

	c.RateLimit.RedisAddr = getEnv("SYNCWORLD_RATELIMIT_REDIS_ADDR", c.RateLimit.RedisAddr)

	if v := getEnvInt("SYNCWORLD_HEARTBEAT_INACTIVITY_MS", 0); v > 0 {
		c.Global.HeartbeatInactivityMS = v
	}
	if v := getEnvInt("SYNCWORLD_QUERY_TIMEOUT_MS", 0); v > 0 {
		c.Global.QueryTimeoutMS = v
	}
	if v := getEnvInt("SYNCWORLD_OUTBOUND_QUEUE_CAPACITY", 0); v > 0 {
		c.Global.OutboundQueueCapacity = v
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.UpgradePath == "" {
		c.Server.UpgradePath = "/sync"
	}
	if c.Server.ReadTimeoutSec == 0 {
		c.Server.ReadTimeoutSec = 15
	}
	if c.Server.WriteTimeoutSec == 0 {
		c.Server.WriteTimeoutSec = 10
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"*"}
	}
	if c.SyncGroups == nil {
		c.SyncGroups = map[string]SyncGroup{
			"public.NORMAL": {TickRateMS: 50, MaxBufferTicks: 30},
		}
	}
	if c.Global.HeartbeatInactivityMS == 0 {
		c.Global.HeartbeatInactivityMS = 15000
	}
	if c.Global.ReaperIntervalMS == 0 {
		c.Global.ReaperIntervalMS = 1000
	}
	if c.Global.QueryTimeoutMS == 0 {
		c.Global.QueryTimeoutMS = 5000
	}
	if c.Global.OutboundQueueCapacity == 0 {
		c.Global.OutboundQueueCapacity = 256
	}
	if c.Global.SessionDurationMS == 0 {
		c.Global.SessionDurationMS = 24 * 60 * 60 * 1000
	}
	if c.Global.MaxQueryResponseBytes == 0 {
		c.Global.MaxQueryResponseBytes = 1 << 20
	}
	if c.Store.MaxOpenConns == 0 {
		c.Store.MaxOpenConns = 20
	}
	if c.Store.MaxIdleConns == 0 {
		c.Store.MaxIdleConns = 5
	}
	if c.Admin.GRPCAddr == "" {
		c.Admin.GRPCAddr = ":9090"
	}
	if c.Admin.HTTPAddr == "" {
		c.Admin.HTTPAddr = ":9091"
	}
	if c.RateLimit.RequestsPerWindow == 0 {
		c.RateLimit.RequestsPerWindow = 50
	}
	if c.RateLimit.WindowMS == 0 {
		c.RateLimit.WindowMS = 1000
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) IsProduction() bool {
	return c.Server.Env == "production"
}
