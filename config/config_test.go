package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetLogLevel(t *testing.T) {
	t.Setenv("VPNMARKET_DEBUG", "")
	t.Setenv("VPNMARKET_LOG_LEVEL", "")
	assert.Equal(t, Info, GetLogLevel())

	t.Setenv("VPNMARKET_LOG_LEVEL", "warn")
	assert.Equal(t, Warn, GetLogLevel())

	t.Setenv("VPNMARKET_DEBUG", "true")
	assert.Equal(t, Debug, GetLogLevel())
}

func TestLoadEnvFileDoesNotOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("VPNMARKET_LISTEN=0.0.0.0:9000\nVPNMARKET_REDIS_ADDR=redis:6379\n"), 0o600))

	t.Setenv("VPNMARKET_LISTEN", "127.0.0.1:1")
	os.Unsetenv("VPNMARKET_REDIS_ADDR")
	t.Cleanup(func() { os.Unsetenv("VPNMARKET_REDIS_ADDR") })

	require.NoError(t, LoadEnvFile(path))
	assert.Equal(t, "127.0.0.1:1", GetListenAddr())
	assert.Equal(t, "redis:6379", GetRedisAddr())
}

func TestLoadEnvFileMissing(t *testing.T) {
	assert.NoError(t, LoadEnvFile(filepath.Join(t.TempDir(), "nope.env")))
}

func TestDatabaseConfig(t *testing.T) {
	c := &DatabaseConfig{Path: "/tmp/x/engine.db"}
	assert.NoError(t, c.ValidateConfig())
	assert.True(t, strings.HasPrefix(c.GetDSN(), "/tmp/x/engine.db?"))
	assert.Contains(t, c.GetDSN(), "_busy_timeout=5000")

	empty := &DatabaseConfig{}
	assert.Error(t, empty.ValidateConfig())
}
