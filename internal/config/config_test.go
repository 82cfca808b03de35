package config_test

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/airouter/gateway/internal/config"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"PORT", "LOG_LEVEL", "DEPLOYMENT_TARGET", "REQUIRE_AUTH", "GLOBAL_API_KEY",
		"CACHE_MODE", "REDIS_URL", "HELICONE_ENABLE_CONTROL_PLANE",
	} {
		os.Unsetenv(k)
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, config.DeploymentCloud, cfg.DeploymentTarget)
	assert.True(t, cfg.Auth.RequireAuth)
}

func TestLoad_InvalidCacheMode(t *testing.T) {
	clearEnv(t)
	os.Setenv("CACHE_MODE", "bogus")
	defer os.Unsetenv("CACHE_MODE")

	_, err := config.Load()
	assert.Error(t, err)
}

func TestLoad_RedisModeRequiresURL(t *testing.T) {
	clearEnv(t)
	os.Setenv("CACHE_MODE", "redis")
	defer os.Unsetenv("CACHE_MODE")

	_, err := config.Load()
	assert.Error(t, err)
}

func TestLoad_SidecarRequiresGlobalKeyOrControlPlane(t *testing.T) {
	clearEnv(t)
	os.Setenv("DEPLOYMENT_TARGET", "sidecar")
	defer os.Unsetenv("DEPLOYMENT_TARGET")

	_, err := config.Load()
	assert.Error(t, err)

	os.Setenv("GLOBAL_API_KEY", "secret")
	defer os.Unsetenv("GLOBAL_API_KEY")
	_, err = config.Load()
	assert.NoError(t, err)
}
