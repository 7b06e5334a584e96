package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkforge/token-engine/config"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_EmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, config.Default(), cfg)
	assert.Equal(t, ":8080", cfg.Listen)
	assert.True(t, cfg.MetricsEnabled)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
listen = ":9090"
db_path = "/var/lib/tokens/tokens.db"
webhook_token = "hook-secret"
allowed_origins = ["https://app.example.com"]
metrics_enabled = false
`)

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Listen)
	assert.Equal(t, "/var/lib/tokens/tokens.db", cfg.DBPath)
	assert.Equal(t, "hook-secret", cfg.WebhookToken)
	assert.Equal(t, []string{"https://app.example.com"}, cfg.AllowedOrigins)
	assert.False(t, cfg.MetricsEnabled)
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	path := writeConfig(t, `listen = ":3000"`)

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":3000", cfg.Listen)
	assert.Equal(t, config.Default().DBPath, cfg.DBPath)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func TestLoad_RejectsEmptyListen(t *testing.T) {
	path := writeConfig(t, `listen = ""`)

	_, err := config.Load(path)
	assert.Error(t, err)
}

func TestLoad_MalformedTOML(t *testing.T) {
	path := writeConfig(t, `listen = [unbalanced`)

	_, err := config.Load(path)
	assert.Error(t, err)
}
