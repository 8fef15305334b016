package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
env: "prod"
storage_path: "/var/lib/sessiond/sessiond.db"
issue_ttl: 48h
refresh_ttl: 24h
grpc:
  port: 44044
  timeout: 10s
mongo:
  uri: "mongodb://localhost:27017"
  database: "sessiond"
`)

	cfg := LoadConfig(path)

	assert.Equal(t, "prod", cfg.Env)
	assert.Equal(t, "/var/lib/sessiond/sessiond.db", cfg.StoragePath)
	assert.Equal(t, 48*time.Hour, cfg.IssueTTL)
	assert.Equal(t, 24*time.Hour, cfg.RefreshTTL)
	assert.Equal(t, 44044, cfg.Grpc.Port)
	assert.Equal(t, 10*time.Second, cfg.Grpc.Timeout)
	assert.Equal(t, "mongodb://localhost:27017", cfg.Mongo.URI)
	assert.Equal(t, "sessiond", cfg.Mongo.Database)
}

func TestLoadConfig_Defaults(t *testing.T) {
	path := writeConfig(t, `
storage_path: "./sessiond.db"
grpc:
  port: 44044
`)

	cfg := LoadConfig(path)

	assert.Equal(t, "local", cfg.Env)
	assert.Equal(t, 48*time.Hour, cfg.IssueTTL)
	assert.Equal(t, 24*time.Hour, cfg.RefreshTTL)
	assert.Equal(t, "sessiond", cfg.Mongo.Database)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	assert.Panics(t, func() {
		LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	})
}
