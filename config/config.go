// Package config loads node configuration from environment variables with
// defaults suitable for a single local node.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/crawlmesh/crawlmesh/core"
)

// Config holds all node configuration.
type Config struct {
	// Server settings.
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Node identity.
	NodeName     string
	AdvertiseURL string

	// Run budget defaults, applied when a submitted run specifies none.
	MaxSteps    int
	MaxWallTime time.Duration
	MaxFailures int
	AllowGhost  bool

	// Provider settings.
	AnthropicAPIKey string
	AnthropicModel  string
	OpenAIAPIKey    string
	OpenAIModel     string

	// Mesh settings.
	MeshEnabled           bool
	MeshSecret            string
	MeshSeeds             []string
	MeshHeartbeatInterval time.Duration
	MeshPreferLocal       bool

	// Trace settings. Empty path keeps traces in memory.
	TraceDBPath string

	// Operational settings.
	LogLevel  string
	LogFormat string
}

// Load reads configuration from environment variables with defaults.
func Load() (Config, error) {
	cfg := Config{
		Port:                  envInt("CRAWLMESH_PORT", 8080),
		ReadTimeout:           envDuration("CRAWLMESH_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:          envDuration("CRAWLMESH_WRITE_TIMEOUT", 120*time.Second),
		NodeName:              envStr("CRAWLMESH_NODE_NAME", "crawlmesh-node"),
		AdvertiseURL:          envStr("CRAWLMESH_ADVERTISE_URL", "http://localhost:8080"),
		MaxSteps:              envInt("CRAWLMESH_MAX_STEPS", 12),
		MaxWallTime:           envDuration("CRAWLMESH_MAX_WALL_TIME", 90*time.Second),
		MaxFailures:           envInt("CRAWLMESH_MAX_FAILURES", 3),
		AllowGhost:            envBool("CRAWLMESH_ALLOW_GHOST", false),
		AnthropicAPIKey:       envStr("ANTHROPIC_API_KEY", ""),
		AnthropicModel:        envStr("CRAWLMESH_ANTHROPIC_MODEL", ""),
		OpenAIAPIKey:          envStr("OPENAI_API_KEY", ""),
		OpenAIModel:           envStr("CRAWLMESH_OPENAI_MODEL", ""),
		MeshEnabled:           envBool("CRAWLMESH_MESH_ENABLED", false),
		MeshSecret:            envStr("CRAWLMESH_MESH_SECRET", ""),
		MeshSeeds:             envList("CRAWLMESH_MESH_SEEDS"),
		MeshHeartbeatInterval: envDuration("CRAWLMESH_MESH_HEARTBEAT_INTERVAL", 15*time.Second),
		MeshPreferLocal:       envBool("CRAWLMESH_MESH_PREFER_LOCAL", true),
		TraceDBPath:           envStr("CRAWLMESH_TRACE_DB", ""),
		LogLevel:              envStr("CRAWLMESH_LOG_LEVEL", "info"),
		LogFormat:             envStr("CRAWLMESH_LOG_FORMAT", "json"),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present.
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: CRAWLMESH_PORT must be a valid port, got %d", c.Port)
	}
	if c.MaxSteps <= 0 || c.MaxWallTime <= 0 || c.MaxFailures <= 0 {
		return fmt.Errorf("config: run budgets must be positive")
	}
	if c.MeshEnabled && c.MeshSecret == "" {
		return fmt.Errorf("config: CRAWLMESH_MESH_SECRET is required when the mesh is enabled")
	}
	if c.AnthropicAPIKey == "" && c.OpenAIAPIKey == "" {
		return fmt.Errorf("config: at least one of ANTHROPIC_API_KEY or OPENAI_API_KEY is required")
	}
	return nil
}

// RunConfig returns the default run budget for submitted tasks.
func (c Config) RunConfig() core.RunConfig {
	rc := core.DefaultRunConfig()
	rc.MaxSteps = c.MaxSteps
	rc.MaxWallTime = c.MaxWallTime
	rc.MaxFailures = c.MaxFailures
	rc.AllowGhost = c.AllowGhost
	return rc
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
