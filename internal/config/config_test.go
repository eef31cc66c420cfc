package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(Options{LookupEnv: envMap(nil)})
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 500*time.Millisecond, cfg.PersistDelay)
	assert.Equal(t, 100*time.Millisecond, cfg.NotifyDelay)
	assert.Equal(t, Session{Retention: time.Hour, SweepInterval: 10 * time.Minute}, cfg.Session)
	assert.Equal(t, Reconcile{BatchSize: 5, Delay: 100 * time.Millisecond, Threshold: 50}, cfg.Reconcile)
	assert.Equal(t, "text", cfg.LogFormat)
}

func TestLoad_CUEFile(t *testing.T) {
	path := writeFile(t, "notesync.cue", `
listen_addr: ":9090"
database: {
	driver: "postgres"
	dsn:    "postgres://localhost/notes"
}
session: retention: "30m"
reconcile: {
	batch_size: 10
	threshold:  20
}
allowed_origins: ["https://notes.example"]
log_format: "json"
`)
	cfg, err := Load(Options{File: path, LookupEnv: envMap(nil)})
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.ListenAddr)
	assert.Equal(t, Database{Driver: "postgres", DSN: "postgres://localhost/notes"}, cfg.Database)
	assert.Equal(t, 30*time.Minute, cfg.Session.Retention)
	assert.Equal(t, 10*time.Minute, cfg.Session.SweepInterval)
	assert.Equal(t, Reconcile{BatchSize: 10, Delay: 100 * time.Millisecond, Threshold: 20}, cfg.Reconcile)
	assert.Equal(t, []string{"https://notes.example"}, cfg.AllowedOrigins)
	assert.Equal(t, "json", cfg.LogFormat)
}

func TestLoad_CUESchemaRejects(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"unknown driver", `database: driver: "mysql"`},
		{"bad duration", `persist_delay: "soon"`},
		{"non-positive batch", `reconcile: batch_size: 0`},
		{"unknown field", `listen: ":1"`},
		{"bad log format", `log_format: "xml"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, "bad.cue", tt.content)
			_, err := Load(Options{File: path, LookupEnv: envMap(nil)})
			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(Options{File: filepath.Join(t.TempDir(), "absent.cue"), LookupEnv: envMap(nil)})
	assert.Error(t, err)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeFile(t, "notesync.cue", `listen_addr: ":9090"
persist_delay: "1s"`)
	cfg, err := Load(Options{File: path, LookupEnv: envMap(map[string]string{
		"NOTESYNC_LISTEN_ADDR":         ":7070",
		"NOTESYNC_RECONCILE_THRESHOLD": "75",
		"NOTESYNC_ALLOWED_ORIGINS":     "https://a.example, https://b.example",
		"NOTESYNC_DEVICE_NAME":         "laptop",
	})})
	require.NoError(t, err)

	assert.Equal(t, ":7070", cfg.ListenAddr)
	assert.Equal(t, time.Second, cfg.PersistDelay)
	assert.Equal(t, 75, cfg.Reconcile.Threshold)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
	assert.Equal(t, "laptop", cfg.Device.Name)
}

func TestLoad_DotEnvIsFallback(t *testing.T) {
	envFile := writeFile(t, ".env", "NOTESYNC_DB_DSN=from-dotenv.db\nNOTESYNC_LOG_LEVEL=debug\n")
	cfg, err := Load(Options{EnvFile: envFile, LookupEnv: envMap(map[string]string{
		"NOTESYNC_LOG_LEVEL": "warn",
	})})
	require.NoError(t, err)

	assert.Equal(t, "from-dotenv.db", cfg.Database.DSN)
	assert.Equal(t, "warn", cfg.LogLevel)
}

func TestLoad_MissingDotEnvIgnored(t *testing.T) {
	_, err := Load(Options{EnvFile: filepath.Join(t.TempDir(), ".env"), LookupEnv: envMap(nil)})
	assert.NoError(t, err)
}

func TestLoad_InvalidEnv(t *testing.T) {
	tests := map[string]string{
		"NOTESYNC_PERSIST_DELAY":   "fast",
		"NOTESYNC_RECONCILE_BATCH": "five",
		"NOTESYNC_DB_DRIVER":       "oracle",
		"NOTESYNC_LOG_LEVEL":       "loud",
	}
	for key, value := range tests {
		t.Run(key, func(t *testing.T) {
			_, err := Load(Options{LookupEnv: envMap(map[string]string{key: value})})
			assert.Error(t, err)
		})
	}
}

func TestValidate_ReportsNestedField(t *testing.T) {
	cfg := Default()
	cfg.WarmCache.Capacity = 0
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Capacity")
}
