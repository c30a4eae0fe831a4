package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmohaa/session-tracker/internal/models"
)

var keys = []string{
	"PORT", "ENV", "STORE", "POSTGRES_URL", "REDIS_URL", "CLICKHOUSE_URL", "STORE_RETRIES",
	"SOURCE_URL", "POLL_INTERVAL", "SOURCE_TIMEOUT", "SOURCE_DETAIL_TIMEOUT", "SOURCE_RETRIES",
	"SOURCE_RATE_PER_SECOND", "WORKER_COUNT", "TASK_TIMEOUT", "SHUTDOWN_TIMEOUT",
	"SESSION_TIMEOUT", "MIN_PLAYERS_FOR_SESSION", "TERMINAL_WAVE", "SURVIVOR_TEAM",
	"OPPOSING_TEAM", "SCORE_NOISE_THRESHOLD", "TRANSITIONS_FILE", "ALERT_WINDOW",
	"ALERT_MEMORY", "ARCHIVE_BATCH_SIZE", "ARCHIVE_FLUSH_INTERVAL", "ALLOWED_ORIGINS",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range keys {
		t.Setenv(k, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("POSTGRES_URL", "postgres://localhost/tracker")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, StorePostgres, cfg.Store)
	assert.Equal(t, 10*time.Second, cfg.PollInterval)
	assert.Equal(t, 15*time.Second, cfg.SourceDetailTimeout)
	assert.Equal(t, 3, cfg.SourceRetries)
	assert.Equal(t, 15*time.Minute, cfg.SessionTimeout)
	assert.Equal(t, 6, cfg.TerminalWave)
	assert.Equal(t, 512, cfg.AlertMemory)
	assert.Equal(t, []string{"http://localhost:3000"}, cfg.AllowedOrigins)
	assert.GreaterOrEqual(t, cfg.WorkerCount, 1)
	assert.LessOrEqual(t, cfg.WorkerCount, 8)
	assert.False(t, cfg.IsProduction())
}

func TestLoad_PostgresRequiredUnlessMemory(t *testing.T) {
	clearEnv(t)

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PostgresURL")

	t.Setenv("STORE", StoreMemory)
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, StoreMemory, cfg.Store)
}

func TestLoad_Overrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("STORE", StoreMemory)
	t.Setenv("ENV", "production")
	t.Setenv("POLL_INTERVAL", "30s")
	t.Setenv("MIN_PLAYERS_FOR_SESSION", "2")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example, https://b.example ,")
	t.Setenv("TERMINAL_WAVE", "not-a-number")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.IsProduction())
	assert.Equal(t, 30*time.Second, cfg.PollInterval)
	assert.Equal(t, 2, cfg.MinPlayersForSession)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
	assert.Equal(t, 6, cfg.TerminalWave, "unparsable values fall back")
}

func TestLoad_RejectsInvalid(t *testing.T) {
	tests := map[string]string{
		"STORE":         "sqlite",
		"PORT":          "70000",
		"POLL_INTERVAL": "10ms",
		"SOURCE_URL":    "not a url",
	}
	for key, value := range tests {
		t.Run(key, func(t *testing.T) {
			clearEnv(t)
			t.Setenv("STORE", StoreMemory)
			t.Setenv(key, value)

			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestEngineConfig_TransitionsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "transitions.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
death:
  - "4->3"
redemption:
  - "3->4"
  - "1002->4"
team_names:
  4: Survivors
`), 0o644))

	cfg := &Config{TerminalWave: 8, SessionTimeout: time.Minute, TransitionsFile: path}
	ec, err := cfg.EngineConfig()
	require.NoError(t, err)

	assert.Equal(t, 8, ec.TerminalWave)
	assert.Equal(t, time.Minute, ec.SessionTimeout)
	assert.Equal(t, models.ChangeRedemption, ec.Transitions.Classify(1002, 4))
	assert.Equal(t, "Survivors", ec.TeamNames.Name(4))
	assert.Equal(t, "Undead", ec.TeamNames.Name(3))

	cfg.TransitionsFile = filepath.Join(t.TempDir(), "missing.yaml")
	_, err = cfg.EngineConfig()
	assert.Error(t, err)
}
