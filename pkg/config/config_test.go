package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "secret")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, ":8080", cfg.Addr())
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "nats://127.0.0.1:4222", cfg.NATSURL)
	assert.Equal(t, "precepto", cfg.MongoDatabase)
	assert.Equal(t, 5*time.Second, cfg.SyncInterval)
	assert.Equal(t, 135*time.Second, cfg.CombineTimeout)
	assert.Equal(t, 8, cfg.SyncMaxInFlight)
	assert.Equal(t, 30*time.Minute, cfg.RecordingIdleTTL)
}

func TestLoad_Environment(t *testing.T) {
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("PORT", "9090")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("SYNC_INTERVAL", "2s")
	t.Setenv("SYNC_MAX_IN_FLIGHT", "3")
	t.Setenv("RECORDING_IDLE_TTL", "1h")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 2*time.Second, cfg.SyncInterval)
	assert.Equal(t, 3, cfg.SyncMaxInFlight)
	assert.Equal(t, time.Hour, cfg.RecordingIdleTTL)
}

func TestLoad_EnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("JWT_SECRET=from-file\nMONGODB_DATABASE=tapes\n"), 0o600))
	// registered for restore, then cleared so the file is not shadowed
	for _, key := range []string{"JWT_SECRET", "MONGODB_DATABASE"} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.JWTSecret)
	assert.Equal(t, "tapes", cfg.MongoDatabase)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"missing secret", map[string]string{"JWT_SECRET": ""}},
		{"bad log level", map[string]string{"JWT_SECRET": "s", "LOG_LEVEL": "loud"}},
		{"port out of range", map[string]string{"JWT_SECRET": "s", "PORT": "70000"}},
		{"backoff below interval", map[string]string{"JWT_SECRET": "s", "SYNC_INTERVAL": "2m", "SYNC_MAX_BACKOFF": "1m"}},
		{"no workers", map[string]string{"JWT_SECRET": "s", "SYNC_MAX_IN_FLIGHT": "0"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}
