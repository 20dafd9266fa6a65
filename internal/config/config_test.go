package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kimhsiao/shelfscan/backend/internal/errors"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_defaults(t *testing.T) {
	t.Setenv("SHELFSCAN_BACKEND_REST_URL", "https://store.example.com")

	cfg, err := Load(NewViper(), "")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "127.0.0.1:8090", cfg.HTTP.Addr)
	assert.Equal(t, "./data", cfg.DataDir)
	assert.Equal(t, "INFO", cfg.Log.Level)
	assert.Equal(t, 10, cfg.Queue.RetryCeiling)
	assert.Equal(t, time.Second, cfg.Queue.BackoffBase)
	assert.Equal(t, time.Minute, cfg.Queue.BackoffMax)
	assert.Equal(t, 250*time.Millisecond, cfg.Queue.PollInterval)
	assert.Equal(t, 15*time.Second, cfg.Queue.SaveTimeout)
	assert.Equal(t, 7*24*time.Hour, cfg.Queue.JournalRetention)
	assert.Equal(t, BackendREST, cfg.Backend.Kind)
	assert.Equal(t, "products", cfg.Backend.REST.Table)
	assert.Equal(t, "shelfscan:save_queue", cfg.Events.Redis.Channel)
	assert.Empty(t, cfg.Events.Redis.Addr)
}

func TestLoad_file(t *testing.T) {
	path := writeFile(t, "shelfscan.yaml", `
http:
  addr: ":9000"
data_dir: /var/lib/shelfscan
queue:
  retry_ceiling: 5
  backoff_base: 500ms
  backoff_max: 30s
backend:
  kind: Postgres
  postgres:
    url: postgres://shelf:secret@db:5432/store
events:
  redis:
    addr: redis:6379
`)

	cfg, err := Load(NewViper(), path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ":9000", cfg.HTTP.Addr)
	assert.Equal(t, "/var/lib/shelfscan", cfg.DataDir)
	assert.Equal(t, 5, cfg.Queue.RetryCeiling)
	assert.Equal(t, 500*time.Millisecond, cfg.Queue.BackoffBase)
	assert.Equal(t, 30*time.Second, cfg.Queue.BackoffMax)
	assert.Equal(t, BackendPostgres, cfg.Backend.Kind)
	assert.Equal(t, "postgres://shelf:secret@db:5432/store", cfg.Backend.Postgres.URL)
	assert.Equal(t, "redis:6379", cfg.Events.Redis.Addr)
}

func TestLoad_envOverridesFile(t *testing.T) {
	path := writeFile(t, "shelfscan.yaml", `
queue:
  retry_ceiling: 5
backend:
  rest:
    url: https://from-file.example.com
`)
	t.Setenv("SHELFSCAN_QUEUE_RETRY_CEILING", "3")
	t.Setenv("SHELFSCAN_QUEUE_SAVE_TIMEOUT", "2s")

	cfg, err := Load(NewViper(), path)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Queue.RetryCeiling)
	assert.Equal(t, 2*time.Second, cfg.Queue.SaveTimeout)
	assert.Equal(t, "https://from-file.example.com", cfg.Backend.REST.URL)
}

func TestLoad_missingExplicitFile(t *testing.T) {
	_, err := Load(NewViper(), filepath.Join(t.TempDir(), "nope.yaml"))
	assert.True(t, apperrors.Is(err, apperrors.ErrConfig), "got %v", err)
}

func TestLoad_invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"rest without url", map[string]string{}},
		{"postgres without url", map[string]string{"SHELFSCAN_BACKEND_KIND": "postgres"}},
		{"unknown backend", map[string]string{"SHELFSCAN_BACKEND_KIND": "firebase", "SHELFSCAN_BACKEND_REST_URL": "https://x"}},
		{"zero ceiling", map[string]string{"SHELFSCAN_QUEUE_RETRY_CEILING": "0", "SHELFSCAN_BACKEND_REST_URL": "https://x"}},
		{"backoff max below base", map[string]string{"SHELFSCAN_QUEUE_BACKOFF_MAX": "10ms", "SHELFSCAN_BACKEND_REST_URL": "https://x"}},
		{"negative retention", map[string]string{"SHELFSCAN_QUEUE_JOURNAL_RETENTION": "-1h", "SHELFSCAN_BACKEND_REST_URL": "https://x"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			cfg, err := Load(NewViper(), "")
			require.NoError(t, err)

			err = cfg.Validate()
			require.Error(t, err)
			assert.True(t, apperrors.Is(err, apperrors.ErrConfig), "got %v", err)
		})
	}
}

func TestValidate_emptyDataDir(t *testing.T) {
	t.Setenv("SHELFSCAN_BACKEND_REST_URL", "https://x")
	cfg, err := Load(NewViper(), "")
	require.NoError(t, err)

	cfg.DataDir = ""
	assert.True(t, apperrors.Is(cfg.Validate(), apperrors.ErrConfig))
}

func TestLoadEnvFile(t *testing.T) {
	path := writeFile(t, ".env", "SHELFSCAN_TEST_FROM_DOTENV=loaded\n")
	t.Setenv("SHELFSCAN_TEST_FROM_DOTENV", "")
	os.Unsetenv("SHELFSCAN_TEST_FROM_DOTENV")

	require.NoError(t, LoadEnvFile(path))
	assert.Equal(t, "loaded", os.Getenv("SHELFSCAN_TEST_FROM_DOTENV"))
}

func TestLoadEnvFile_missing(t *testing.T) {
	assert.NoError(t, LoadEnvFile(filepath.Join(t.TempDir(), ".env")))
}
