package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := NewDefaultConfig()
	assert.Equal(t, 8765, cfg.Server.Port)
	assert.Equal(t, 64*1024, cfg.Server.MaxHeaderBytes)
	assert.Equal(t, "memory", cfg.Engine.Type)
	assert.Equal(t, 100, cfg.Session.MaxRowsPerFrame)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadFromYAML(t *testing.T) {
	cfg, err := LoadConfigFromYAML(`
server:
  host: 10.0.0.1
  port: 9999
engine:
  type: sqlite
  dsn: "file:test.db"
session:
  max_connections: 5
log:
  level: debug
`)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", cfg.Server.Host)
	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Engine.Type)
	assert.Equal(t, 5, cfg.Session.MaxConnections)
	assert.Equal(t, "debug", cfg.Log.Level)
	// unset sections keep their defaults
	assert.Equal(t, 10000, cfg.Session.MaxStatements)
}

func TestSaveAndReload(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Server.Port = 4444
	cfg.Engine.Type = "sqlite"

	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, SaveConfig(cfg, path))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 4444, loaded.Server.Port)
	assert.Equal(t, "sqlite", loaded.Engine.Type)
}

func TestCurrentConfig(t *testing.T) {
	cfg := NewDefaultConfig()
	SetCurrentConfig(cfg)
	got, err := GetCurrentConfig()
	require.NoError(t, err)
	assert.Same(t, cfg, got)
}
