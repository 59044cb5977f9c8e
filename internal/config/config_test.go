package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PLAYBACK_URL", "https://audio.example.com")
	t.Setenv("PLAYBACK_TOKEN", "tok")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, 50, cfg.Playback.PageSize)
	assert.Equal(t, []string{"finished", "complete", "completed"}, cfg.Playback.FinishedStatuses)
	assert.True(t, cfg.Scheduler.AutoSync)
	assert.InDelta(t, 24.0, cfg.Scheduler.CatalogIntervalHours, 0.001)
	assert.InDelta(t, 1.0, cfg.Scheduler.ListeningIntervalHours, 0.001)
	assert.Equal(t, 15, cfg.App.MinDeltaSeconds)
	assert.InDelta(t, 240.0, cfg.App.MaxDeltaMinutes, 0.001)
	assert.InDelta(t, 1.5, cfg.App.MinutesPerPage, 0.001)
}

func TestLoadFromFile(t *testing.T) {
	t.Setenv("PLAYBACK_TOKEN", "tok")
	os.Unsetenv("PLAYBACK_URL")

	content := `
playback:
  url: https://file.example.com
  page_size: 25
scheduler:
  listening_interval_hours: 0.5
logging:
  level: debug
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "https://file.example.com", cfg.Playback.URL)
	assert.Equal(t, 25, cfg.Playback.PageSize)
	assert.InDelta(t, 0.5, cfg.Scheduler.ListeningIntervalHours, 0.001)
	assert.Equal(t, "debug", cfg.Logging.Level)
	// Untouched values keep their defaults
	assert.Equal(t, "8080", cfg.Server.Port)
}

func TestEnvOverridesFile(t *testing.T) {
	content := `
playback:
  url: https://file.example.com
  token: file-token
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	t.Setenv("PLAYBACK_URL", "https://env.example.com/")
	t.Setenv("PLAYBACK_FINISHED_STATUSES", "done, wrapped-up")
	t.Setenv("AUTO_SYNC", "false")
	t.Setenv("MAX_DELTA_MINUTES", "120")

	cfg, err := Load(path)
	require.NoError(t, err)

	// Trailing slash trimmed
	assert.Equal(t, "https://env.example.com", cfg.Playback.URL)
	assert.Equal(t, "file-token", cfg.Playback.Token)
	assert.Equal(t, []string{"done", "wrapped-up"}, cfg.Playback.FinishedStatuses)
	assert.False(t, cfg.Scheduler.AutoSync)
	assert.InDelta(t, 120.0, cfg.App.MaxDeltaMinutes, 0.001)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("PLAYBACK_URL", "https://audio.example.com")
	t.Setenv("PLAYBACK_TOKEN", "tok")

	cfg, err := Load(filepath.Join(t.TempDir(), "no-such-file.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Server.Port)
}

func TestValidateMissingRequired(t *testing.T) {
	os.Unsetenv("PLAYBACK_URL")
	os.Unsetenv("PLAYBACK_TOKEN")

	_, err := Load("")
	require.Error(t, err)

	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Contains(t, cfgErr.Field, "PLAYBACK_URL")
	assert.Contains(t, cfgErr.Field, "PLAYBACK_TOKEN")
}
