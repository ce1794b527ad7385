package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempJSON(t *testing.T, dir, name string, data map[string]any) string {
	t.Helper()
	if dir == "" {
		dir = t.TempDir()
	}
	if name == "" {
		name = "cfg.json"
	}
	path := filepath.Join(dir, name)
	b, err := json.Marshal(data)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, b, 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg := &Config{}
	cfg.LoadDefaults()

	assert.Equal(t, 5, cfg.MaxSyncRetries)
	assert.Equal(t, 1*time.Second, cfg.RetryBackoffBase)
	assert.Equal(t, 60*time.Second, cfg.RetryBackoffCap)
	assert.Equal(t, 0.8, cfg.LowStorageThreshold)
	assert.Equal(t, int64(5*1024*1024), cfg.StorageSafetyBuffer)
	assert.Equal(t, 100_000, cfg.KeyDerivationIterations)
	assert.Equal(t, 5*time.Minute, cfg.MaxClockOffset)
	assert.Equal(t, time.Hour, cfg.ClockResyncInterval)
}

func Test_parseJson_SourcesAndPrecedence(t *testing.T) {
	origArgs := os.Args
	t.Cleanup(func() { os.Args = origArgs })

	dir := t.TempDir()
	pathFlag := writeTempJSON(t, dir, "flag.json", map[string]any{
		"server_endpoint_addr":  "https://sync.example:9000",
		"online_check_interval": "10s",
		"max_sync_retries":      7,
		"snapshot_ttl":          "24h",
	})

	t.Run("loads from flags", func(t *testing.T) {
		os.Args = []string{"testbin", "-config", pathFlag}

		cfg := &Config{}
		cfg.LoadDefaults()
		parseJson(cfg)

		assert.Equal(t, "https://sync.example:9000", cfg.ServerEndpointAddr)
		assert.Equal(t, 10*time.Second, cfg.OnlineCheckInterval)
		assert.Equal(t, 7, cfg.MaxSyncRetries)
		assert.Equal(t, 24*time.Hour, cfg.SnapshotTTL)
		// untouched fields keep their defaults
		assert.Equal(t, 1*time.Second, cfg.RetryBackoffBase)
	})

	t.Run("no flags → no changes", func(t *testing.T) {
		os.Args = []string{"testbin"}

		cfg := &Config{
			ServerEndpointAddr:  "defaults:1234",
			OnlineCheckInterval: 42 * time.Second,
		}
		parseJson(cfg)

		assert.Equal(t, "defaults:1234", cfg.ServerEndpointAddr)
		assert.Equal(t, 42*time.Second, cfg.OnlineCheckInterval)
	})

	t.Run("invalid JSON → panics", func(t *testing.T) {
		bad := filepath.Join(dir, "bad.json")
		require.NoError(t, os.WriteFile(bad, []byte(`{ this is not valid json`), 0o600))

		os.Args = []string{"testbin", "-config", bad}

		cfg := &Config{}
		require.Panics(t, func() { parseJson(cfg) })
	})
}

func TestParseFlags(t *testing.T) {
	origArgs := os.Args
	t.Cleanup(func() { os.Args = origArgs })

	t.Run("overrides from flags", func(t *testing.T) {
		os.Args = []string{"cmd", "-a", "https://127.0.0.1:9090", "-d", "/tmp/off.db", "-i", "10"}

		cfg := &Config{}
		cfg.LoadDefaults()
		require.NotPanics(t, func() { parseFlags(cfg) })

		assert.Equal(t, "https://127.0.0.1:9090", cfg.ServerEndpointAddr)
		assert.Equal(t, "/tmp/off.db", cfg.DatabasePath)
		assert.Equal(t, 10*time.Second, cfg.OnlineCheckInterval)
	})

	t.Run("incorrect check interval panics", func(t *testing.T) {
		os.Args = []string{"cmd", "-i", "abc"}

		cfg := &Config{}
		cfg.LoadDefaults()
		require.Panics(t, func() { parseFlags(cfg) })
	})
}
