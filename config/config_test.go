package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "test-key")

	cfg, err := Load()

	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "crawlmesh-node", cfg.NodeName)
	assert.Equal(t, 12, cfg.MaxSteps)
	assert.Equal(t, 90*time.Second, cfg.MaxWallTime)
	assert.Equal(t, 3, cfg.MaxFailures)
	assert.False(t, cfg.AllowGhost)
	assert.False(t, cfg.MeshEnabled)
	assert.Equal(t, 15*time.Second, cfg.MeshHeartbeatInterval)
	assert.True(t, cfg.MeshPreferLocal)
	assert.Empty(t, cfg.TraceDBPath)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "test-key")
	t.Setenv("CRAWLMESH_PORT", "9999")
	t.Setenv("CRAWLMESH_MAX_STEPS", "5")
	t.Setenv("CRAWLMESH_MAX_WALL_TIME", "2m")
	t.Setenv("CRAWLMESH_ALLOW_GHOST", "true")
	t.Setenv("CRAWLMESH_MESH_ENABLED", "true")
	t.Setenv("CRAWLMESH_MESH_SECRET", "s3cret")
	t.Setenv("CRAWLMESH_MESH_SEEDS", "http://a:8080, http://b:8080,")

	cfg, err := Load()

	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.Port)
	assert.Equal(t, 5, cfg.MaxSteps)
	assert.Equal(t, 2*time.Minute, cfg.MaxWallTime)
	assert.True(t, cfg.AllowGhost)
	assert.True(t, cfg.MeshEnabled)
	assert.Equal(t, []string{"http://a:8080", "http://b:8080"}, cfg.MeshSeeds)
}

func TestLoadRequiresProviderKey(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "")

	_, err := Load()

	require.Error(t, err)
	assert.Contains(t, err.Error(), "API_KEY")
}

func TestLoadMeshRequiresSecret(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "test-key")
	t.Setenv("CRAWLMESH_MESH_ENABLED", "true")
	t.Setenv("CRAWLMESH_MESH_SECRET", "")

	_, err := Load()

	require.Error(t, err)
	assert.Contains(t, err.Error(), "MESH_SECRET")
}

func TestLoadRejectsBadPort(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "test-key")
	t.Setenv("CRAWLMESH_PORT", "70000")

	_, err := Load()

	require.Error(t, err)
}

func TestLoadIgnoresMalformedValues(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "test-key")
	t.Setenv("CRAWLMESH_MAX_STEPS", "not-a-number")
	t.Setenv("CRAWLMESH_MAX_WALL_TIME", "soon")

	cfg, err := Load()

	require.NoError(t, err)
	assert.Equal(t, 12, cfg.MaxSteps)
	assert.Equal(t, 90*time.Second, cfg.MaxWallTime)
}

func TestRunConfigCarriesBudgets(t *testing.T) {
	cfg := Config{MaxSteps: 7, MaxWallTime: time.Minute, MaxFailures: 2, AllowGhost: true}

	rc := cfg.RunConfig()

	assert.Equal(t, 7, rc.MaxSteps)
	assert.Equal(t, time.Minute, rc.MaxWallTime)
	assert.Equal(t, 2, rc.MaxFailures)
	assert.True(t, rc.AllowGhost)
}
