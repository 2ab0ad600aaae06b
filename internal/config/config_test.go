package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 3, cfg.MaxConcurrency)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "claude", cfg.CLI.Binary)
	assert.Equal(t, 10*time.Minute, cfg.CLI.Timeout)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 60*time.Second, cfg.Breaker.RecoveryTimeout)
	assert.Equal(t, 1.5, cfg.Health.ExcessiveMultiplier)
	assert.Equal(t, 5*time.Second, cfg.Pool.KillGrace)
	assert.Zero(t, cfg.SpawnRatePerSec)

	require.NoError(t, cfg.Validate())
}

func TestLoadConfigMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadConfigMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_concurrency: [not a number"), 0644))

	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config file")
}

func TestLoadConfigOverridesDefaults(t *testing.T) {
	content := `
max_concurrency: 5
log_level: debug
spawn_rate_per_sec: 0.5
cli:
  binary: mycli
  model: opus
  fallback_model: sonnet
  timeout: 15m
retry:
  max_attempts: 4
  initial_delay: 1s
  max_delay: 90s
breaker:
  failure_threshold: 7
  recovery_timeout: 2m
health:
  cpu_threshold_percent: 70
  max_silence: 90s
  excessive_multiplier: 2.0
pool:
  heartbeat_interval: 3s
  kill_grace: 10s
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.MaxConcurrency)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 0.5, cfg.SpawnRatePerSec)
	assert.Equal(t, "mycli", cfg.CLI.Binary)
	assert.Equal(t, "opus", cfg.CLI.Model)
	assert.Equal(t, "sonnet", cfg.CLI.FallbackModel)
	assert.Equal(t, 15*time.Minute, cfg.CLI.Timeout)
	assert.Equal(t, 4, cfg.Retry.MaxAttempts)
	assert.Equal(t, time.Second, cfg.Retry.InitialDelay)
	assert.Equal(t, 90*time.Second, cfg.Retry.MaxDelay)
	assert.Equal(t, 7, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 2*time.Minute, cfg.Breaker.RecoveryTimeout)
	assert.Equal(t, 70.0, cfg.Health.CPUThresholdPercent)
	assert.Equal(t, 90*time.Second, cfg.Health.MaxSilence)
	assert.Equal(t, 2.0, cfg.Health.ExcessiveMultiplier)
	assert.Equal(t, 3*time.Second, cfg.Pool.HeartbeatInterval)
	assert.Equal(t, 10*time.Second, cfg.Pool.KillGrace)

	// Untouched fields keep their defaults.
	assert.Equal(t, 2048.0, cfg.Health.MemoryThresholdMB)
	assert.Equal(t, 10, cfg.Health.MaxErrorCount)
}

func TestLoadConfigInvalidDuration(t *testing.T) {
	content := "cli:\n  timeout: soon\n"
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cli.timeout")
}

func TestLoadConfigFromDir(t *testing.T) {
	dir := t.TempDir()
	cfgDir := filepath.Join(dir, ".testforge")
	require.NoError(t, os.MkdirAll(cfgDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(cfgDir, "config.yaml"), []byte("max_concurrency: 8\n"), 0644))

	cfg, err := LoadConfigFromDir(dir)
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.MaxConcurrency)
}

func TestMergeWithFlags(t *testing.T) {
	cfg := DefaultConfig()

	mc := 9
	timeout := 20 * time.Minute
	model := "haiku"
	cfg.MergeWithFlags(&mc, &timeout, nil, nil, &model)

	assert.Equal(t, 9, cfg.MaxConcurrency)
	assert.Equal(t, 20*time.Minute, cfg.CLI.Timeout)
	assert.Equal(t, "haiku", cfg.CLI.Model)
	// nil flags do not override
	assert.Equal(t, DefaultConfig().LogDir, cfg.LogDir)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid defaults", func(c *Config) {}, ""},
		{"zero concurrency", func(c *Config) { c.MaxConcurrency = 0 }, "max_concurrency"},
		{"bad log level", func(c *Config) { c.LogLevel = "verbose" }, "log_level"},
		{"empty binary", func(c *Config) { c.CLI.Binary = "" }, "cli.binary"},
		{"zero timeout", func(c *Config) { c.CLI.Timeout = 0 }, "cli.timeout"},
		{"zero attempts", func(c *Config) { c.Retry.MaxAttempts = 0 }, "retry.max_attempts"},
		{"max delay below initial", func(c *Config) { c.Retry.MaxDelay = time.Millisecond }, "retry.max_delay"},
		{"zero breaker threshold", func(c *Config) { c.Breaker.FailureThreshold = 0 }, "breaker.failure_threshold"},
		{"multiplier below one", func(c *Config) { c.Health.ExcessiveMultiplier = 0.5 }, "excessive_multiplier"},
		{"negative spawn rate", func(c *Config) { c.SpawnRatePerSec = -1 }, "spawn_rate_per_sec"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}
