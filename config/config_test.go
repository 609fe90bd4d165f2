package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadUsesDefaults(t *testing.T) {
	Reset()
	t.Cleanup(Reset)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "rest", cfg.Store.Driver)
	assert.Equal(t, 3*time.Second, cfg.Broker.ReconnectBackoff)
	assert.Equal(t, 30*time.Minute, cfg.Worker.MaxTaskTime)
	assert.Equal(t, 3, cfg.Endpoint.MaxAttempts)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := `
[broker]
url = "amqp://broker.internal:5672"

[store]
driver = "sqlite"
path = "/var/lib/fieldflow/items.db"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, "amqp://broker.internal:5672", cfg.Broker.URL)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "/var/lib/fieldflow/items.db", cfg.Store.Path)
	// Untouched keys keep their defaults.
	assert.Equal(t, 30*time.Minute, cfg.Worker.MaxTaskTime)
}

func TestLoadFromFileMissing(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "nope.toml"))
	require.Error(t, err)
}
