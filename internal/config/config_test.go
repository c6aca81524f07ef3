package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarterlit/sitecap/internal/dayreset"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.NoError(t, err)

	assert.NotEmpty(t, cfg.DataDir)
	assert.Equal(t, filepath.Join(cfg.DataDir, "rules.json"), cfg.RulesFile)
	assert.Equal(t, dayreset.Default, cfg.ResetTime.ResetTime)
	assert.Equal(t, time.Second, time.Duration(cfg.TickInterval))
	assert.Equal(t, 30*time.Second, time.Duration(cfg.SyncInterval))
	assert.Equal(t, "local", cfg.UserID)
}

func TestLoad_FullFile(t *testing.T) {
	path := writeConfig(t, `
data_dir = "/tmp/sitecap-test"
rules_file = "/tmp/sitecap-test/rules.json"
reset_time = "05:30"
tick_interval = "1s"
sync_interval = "45s"
sync_endpoint = "https://sync.example/usage"
user_id = "u-123"
browser_pid = 4242
screenlock_events = true
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/sitecap-test", cfg.DataDir)
	assert.Equal(t, dayreset.ResetTime{Hour: 5, Minute: 30}, cfg.ResetTime.ResetTime)
	assert.Equal(t, 45*time.Second, time.Duration(cfg.SyncInterval))
	assert.Equal(t, "https://sync.example/usage", cfg.SyncEndpoint)
	assert.Equal(t, "u-123", cfg.UserID)
	assert.Equal(t, 4242, cfg.BrowserPID)
	assert.True(t, cfg.ScreenLockEvents)
}

func TestLoad_MidnightResetTimeKept(t *testing.T) {
	cfg, err := Load(writeConfig(t, `reset_time = "00:00"`))
	require.NoError(t, err)
	assert.Equal(t, dayreset.ResetTime{Hour: 0, Minute: 0}, cfg.ResetTime.ResetTime)
	assert.Equal(t, "00:00", cfg.ResetTime.String())
}

func TestLoad_InvalidResetTime(t *testing.T) {
	_, err := Load(writeConfig(t, `reset_time = "25:00"`))
	assert.Error(t, err)
}

func TestLoad_SyncIntervalMustExceedTick(t *testing.T) {
	_, err := Load(writeConfig(t, `
tick_interval = "1s"
sync_interval = "1s"
`))
	assert.Error(t, err)
}

func TestLoad_InvalidDuration(t *testing.T) {
	_, err := Load(writeConfig(t, `tick_interval = "fast"`))
	assert.Error(t, err)
}
