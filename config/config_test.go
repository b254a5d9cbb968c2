package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"SceneForge-server/apperr"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestLoadMergesOverrideAndEnv(t *testing.T) {
	dir := t.TempDir()
	base := writeFile(t, dir, "config.yaml", `
database:
  driver: sqlite
  dsn: test.db
execution:
  strategy: persistent
generation:
  poll_interval_seconds: 2
  video_resolution: 480p
character:
  min_confidence_score: 0.8
`)
	override := writeFile(t, dir, "override.yaml", `
execution:
  strategy: single_shot
generation:
  poll_interval_seconds: 9
character:
  audit_enabled: false
`)
	t.Setenv("WAVESPEED_API_KEY", "wk-test")

	cfg, err := Load(base, override)
	require.NoError(t, err)

	assert.Equal(t, StrategySingleShot, cfg.Execution.Strategy)
	assert.Equal(t, 9, cfg.Generation.PollIntervalSeconds)
	assert.Equal(t, "480p", cfg.Generation.VideoResolution, "untouched by override")
	assert.Equal(t, 1200, cfg.Generation.PollTimeoutSeconds, "default kept")
	assert.False(t, cfg.Character.AuditEnabled)
	assert.Equal(t, 0.8, cfg.Character.MinConfidenceScore)
	assert.Equal(t, "wk-test", cfg.Provider.APIKey)
	require.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	cfg.Execution.Strategy = "cron"
	err := cfg.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrConfiguration))

	cfg = Default()
	cfg.Execution.Strategy = StrategyQueue
	assert.Error(t, cfg.Validate(), "queue requires redis")
	cfg.Redis.Addr = "127.0.0.1:6379"
	assert.NoError(t, cfg.Validate())

	cfg = Default()
	cfg.Character.MinConfidenceScore = 1.5
	assert.Error(t, cfg.Validate())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), "")
	assert.Error(t, err)
}
