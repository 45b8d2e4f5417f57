package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestValidateRejectsBadThresholds(t *testing.T) {
	cfg := Default()
	cfg.Guardian.WarnThreshold = 0.8
	cfg.Guardian.BlockThreshold = 0.5
	cfg.Drift.Alpha = 0
	cfg.Responder.Provider = "carrier-pigeon"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "block_threshold")
	assert.Contains(t, err.Error(), "drift.alpha")
	assert.Contains(t, err.Error(), "carrier-pigeon")
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "guardian.yaml")
	yaml := `
server:
  addr: ":9000"
guardian:
  warn_threshold: 0.3
  block_threshold: 0.9
gdpr:
  require_consent: true
  retention: 48h
innovation:
  seed: ["guardrail policy", "audit trail"]
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))
	t.Setenv("GUARDIAN_REDIS_ADDR", "127.0.0.1:6380")
	t.Setenv("GUARDIAN_DRIFT_ALPHA", "0.5")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, 0.3, cfg.Guardian.WarnThreshold)
	assert.Equal(t, 0.9, cfg.Guardian.BlockThreshold)
	assert.True(t, cfg.GDPR.RequireConsent)
	assert.Equal(t, 48*time.Hour, cfg.GDPR.Retention)
	assert.Equal(t, "127.0.0.1:6380", cfg.Redis.Addr)
	assert.Equal(t, 0.5, cfg.Drift.Alpha)
	assert.Equal(t, []string{"guardrail policy", "audit trail"}, cfg.Innovation.Seed)
	assert.Equal(t, 256, cfg.Innovation.MaxCheckpoints)
	// untouched keys keep their defaults
	assert.Equal(t, Default().Engine.Window, cfg.Engine.Window)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
