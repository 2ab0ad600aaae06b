// Package config loads testforge configuration from YAML with sensible
// defaults. A missing config file is not an error; a malformed one is.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// CLIConfig describes the AI CLI subprocess invocation.
type CLIConfig struct {
	// Binary is the CLI executable to spawn
	Binary string `yaml:"binary"`

	// Model is passed as --model
	Model string `yaml:"model"`

	// FallbackModel is passed as --fallback-model when non-empty
	FallbackModel string `yaml:"fallback_model"`

	// Timeout is the per-attempt execution budget
	Timeout time.Duration `yaml:"timeout"`
}

// RetryConfig controls the per-task retry loop.
type RetryConfig struct {
	// MaxAttempts is the attempt cap per task (1 = no retries)
	MaxAttempts int `yaml:"max_attempts"`

	// InitialDelay is the base backoff delay before the first retry
	InitialDelay time.Duration `yaml:"initial_delay"`

	// MaxDelay caps the exponential backoff
	MaxDelay time.Duration `yaml:"max_delay"`
}

// BreakerConfig controls the circuit breaker guarding CLI invocations.
type BreakerConfig struct {
	// FailureThreshold is the consecutive-failure count that opens the breaker
	FailureThreshold int `yaml:"failure_threshold"`

	// RecoveryTimeout is how long the breaker stays open before a probe
	RecoveryTimeout time.Duration `yaml:"recovery_timeout"`
}

// HealthConfig holds the thresholds subprocess health is judged against.
type HealthConfig struct {
	// CPUThresholdPercent is the warning threshold for CPU usage
	CPUThresholdPercent float64 `yaml:"cpu_threshold_percent"`

	// MemoryThresholdMB is the warning threshold for resident memory
	MemoryThresholdMB float64 `yaml:"memory_threshold_mb"`

	// MinOutputRate is the minimum healthy output rate in lines per minute
	MinOutputRate float64 `yaml:"min_output_rate"`

	// MaxSilence is the longest tolerated gap without any output
	MaxSilence time.Duration `yaml:"max_silence"`

	// MaxErrorCount is the most stderr entries tolerated before flagging
	MaxErrorCount int `yaml:"max_error_count"`

	// ExcessiveMultiplier scales warning thresholds up to hard cutoffs
	ExcessiveMultiplier float64 `yaml:"excessive_multiplier"`
}

// PoolConfig controls heartbeat sampling and termination.
type PoolConfig struct {
	// HeartbeatInterval overrides the derived sampling interval when set
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// KillGrace is the SIGTERM to SIGKILL escalation window
	KillGrace time.Duration `yaml:"kill_grace"`
}

// Config represents testforge configuration options.
type Config struct {
	// MaxConcurrency is the maximum number of concurrent subprocesses
	MaxConcurrency int `yaml:"max_concurrency"`

	// LogLevel sets the logging verbosity (trace, debug, info, warn, error)
	LogLevel string `yaml:"log_level"`

	// LogDir is the directory where run logs are written
	LogDir string `yaml:"log_dir"`

	// CheckpointDB is the path to the checkpoint SQLite database
	CheckpointDB string `yaml:"checkpoint_db"`

	// SpawnRatePerSec throttles subprocess spawns (0 = no pacing)
	SpawnRatePerSec float64 `yaml:"spawn_rate_per_sec"`

	// CLI describes the subprocess invocation
	CLI CLIConfig `yaml:"cli"`

	// Retry controls the per-task retry loop
	Retry RetryConfig `yaml:"retry"`

	// Breaker controls the circuit breaker
	Breaker BreakerConfig `yaml:"breaker"`

	// Health holds subprocess health thresholds
	Health HealthConfig `yaml:"health"`

	// Pool controls heartbeat sampling and termination
	Pool PoolConfig `yaml:"pool"`
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() *Config {
	return &Config{
		MaxConcurrency: 3,
		LogLevel:       "info",
		LogDir:         filepath.Join(".testforge", "logs"),
		CheckpointDB:   filepath.Join(".testforge", "checkpoints.db"),
		CLI: CLIConfig{
			Binary:  "claude",
			Model:   "sonnet",
			Timeout: 10 * time.Minute,
		},
		Retry: RetryConfig{
			MaxAttempts:  3,
			InitialDelay: 2 * time.Second,
			MaxDelay:     60 * time.Second,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			RecoveryTimeout:  60 * time.Second,
		},
		Health: HealthConfig{
			CPUThresholdPercent: 80,
			MemoryThresholdMB:   2048,
			MinOutputRate:       1,
			MaxSilence:          2 * time.Minute,
			MaxErrorCount:       10,
			ExcessiveMultiplier: 1.5,
		},
		Pool: PoolConfig{
			KillGrace: 5 * time.Second,
		},
	}
}

// yaml mirror types with durations as strings, so config files can say
// "10m" or "90s" instead of nanosecond integers.
type yamlCLI struct {
	Binary        string `yaml:"binary"`
	Model         string `yaml:"model"`
	FallbackModel string `yaml:"fallback_model"`
	Timeout       string `yaml:"timeout"`
}

type yamlRetry struct {
	MaxAttempts  int    `yaml:"max_attempts"`
	InitialDelay string `yaml:"initial_delay"`
	MaxDelay     string `yaml:"max_delay"`
}

type yamlBreaker struct {
	FailureThreshold int    `yaml:"failure_threshold"`
	RecoveryTimeout  string `yaml:"recovery_timeout"`
}

type yamlHealth struct {
	CPUThresholdPercent float64 `yaml:"cpu_threshold_percent"`
	MemoryThresholdMB   float64 `yaml:"memory_threshold_mb"`
	MinOutputRate       float64 `yaml:"min_output_rate"`
	MaxSilence          string  `yaml:"max_silence"`
	MaxErrorCount       int     `yaml:"max_error_count"`
	ExcessiveMultiplier float64 `yaml:"excessive_multiplier"`
}

type yamlPool struct {
	HeartbeatInterval string `yaml:"heartbeat_interval"`
	KillGrace         string `yaml:"kill_grace"`
}

type yamlConfig struct {
	MaxConcurrency  int         `yaml:"max_concurrency"`
	LogLevel        string      `yaml:"log_level"`
	LogDir          string      `yaml:"log_dir"`
	CheckpointDB    string      `yaml:"checkpoint_db"`
	SpawnRatePerSec float64     `yaml:"spawn_rate_per_sec"`
	CLI             yamlCLI     `yaml:"cli"`
	Retry           yamlRetry   `yaml:"retry"`
	Breaker         yamlBreaker `yaml:"breaker"`
	Health          yamlHealth  `yaml:"health"`
	Pool            yamlPool    `yaml:"pool"`
}

// LoadConfig loads configuration from the specified file path.
// If the file doesn't exist, returns default configuration without error.
// If the file exists but is malformed, returns an error.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var yc yamlConfig
	if err := yaml.Unmarshal(data, &yc); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Non-zero values from the file override defaults.
	if yc.MaxConcurrency != 0 {
		cfg.MaxConcurrency = yc.MaxConcurrency
	}
	if yc.LogLevel != "" {
		cfg.LogLevel = yc.LogLevel
	}
	if yc.LogDir != "" {
		cfg.LogDir = yc.LogDir
	}
	if yc.CheckpointDB != "" {
		cfg.CheckpointDB = yc.CheckpointDB
	}
	if yc.SpawnRatePerSec != 0 {
		cfg.SpawnRatePerSec = yc.SpawnRatePerSec
	}

	if yc.CLI.Binary != "" {
		cfg.CLI.Binary = yc.CLI.Binary
	}
	if yc.CLI.Model != "" {
		cfg.CLI.Model = yc.CLI.Model
	}
	if yc.CLI.FallbackModel != "" {
		cfg.CLI.FallbackModel = yc.CLI.FallbackModel
	}
	if err := applyDuration(&cfg.CLI.Timeout, yc.CLI.Timeout, "cli.timeout"); err != nil {
		return nil, err
	}

	if yc.Retry.MaxAttempts != 0 {
		cfg.Retry.MaxAttempts = yc.Retry.MaxAttempts
	}
	if err := applyDuration(&cfg.Retry.InitialDelay, yc.Retry.InitialDelay, "retry.initial_delay"); err != nil {
		return nil, err
	}
	if err := applyDuration(&cfg.Retry.MaxDelay, yc.Retry.MaxDelay, "retry.max_delay"); err != nil {
		return nil, err
	}

	if yc.Breaker.FailureThreshold != 0 {
		cfg.Breaker.FailureThreshold = yc.Breaker.FailureThreshold
	}
	if err := applyDuration(&cfg.Breaker.RecoveryTimeout, yc.Breaker.RecoveryTimeout, "breaker.recovery_timeout"); err != nil {
		return nil, err
	}

	if yc.Health.CPUThresholdPercent != 0 {
		cfg.Health.CPUThresholdPercent = yc.Health.CPUThresholdPercent
	}
	if yc.Health.MemoryThresholdMB != 0 {
		cfg.Health.MemoryThresholdMB = yc.Health.MemoryThresholdMB
	}
	if yc.Health.MinOutputRate != 0 {
		cfg.Health.MinOutputRate = yc.Health.MinOutputRate
	}
	if err := applyDuration(&cfg.Health.MaxSilence, yc.Health.MaxSilence, "health.max_silence"); err != nil {
		return nil, err
	}
	if yc.Health.MaxErrorCount != 0 {
		cfg.Health.MaxErrorCount = yc.Health.MaxErrorCount
	}
	if yc.Health.ExcessiveMultiplier != 0 {
		cfg.Health.ExcessiveMultiplier = yc.Health.ExcessiveMultiplier
	}

	if err := applyDuration(&cfg.Pool.HeartbeatInterval, yc.Pool.HeartbeatInterval, "pool.heartbeat_interval"); err != nil {
		return nil, err
	}
	if err := applyDuration(&cfg.Pool.KillGrace, yc.Pool.KillGrace, "pool.kill_grace"); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyDuration parses a duration string from the YAML mirror into dst,
// leaving the default in place when the field was absent.
func applyDuration(dst *time.Duration, value, field string) error {
	if value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("invalid %s format %q: %w", field, value, err)
	}
	*dst = d
	return nil
}

// LoadConfigFromDir loads configuration from .testforge/config.yaml in the
// specified directory. A missing directory or file yields defaults.
func LoadConfigFromDir(dir string) (*Config, error) {
	return LoadConfig(filepath.Join(dir, ".testforge", "config.yaml"))
}

// MergeWithFlags merges CLI flags into the configuration.
// Non-nil flag values override configuration values, so flags take
// precedence over config file settings.
func (c *Config) MergeWithFlags(maxConcurrency *int, timeout *time.Duration, logDir *string, checkpointDB *string, model *string) {
	if maxConcurrency != nil {
		c.MaxConcurrency = *maxConcurrency
	}
	if timeout != nil {
		c.CLI.Timeout = *timeout
	}
	if logDir != nil {
		c.LogDir = *logDir
	}
	if checkpointDB != nil {
		c.CheckpointDB = *checkpointDB
	}
	if model != nil {
		c.CLI.Model = *model
	}
}

// Validate validates the configuration values.
func (c *Config) Validate() error {
	if c.MaxConcurrency <= 0 {
		return fmt.Errorf("max_concurrency must be > 0, got %d", c.MaxConcurrency)
	}

	switch c.LogLevel {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level %q, must be one of: trace, debug, info, warn, error", c.LogLevel)
	}

	if c.CLI.Binary == "" {
		return fmt.Errorf("cli.binary cannot be empty")
	}
	if c.CLI.Timeout <= 0 {
		return fmt.Errorf("cli.timeout must be > 0, got %v", c.CLI.Timeout)
	}

	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be > 0, got %d", c.Retry.MaxAttempts)
	}
	if c.Retry.InitialDelay < 0 {
		return fmt.Errorf("retry.initial_delay must be >= 0, got %v", c.Retry.InitialDelay)
	}
	if c.Retry.MaxDelay < c.Retry.InitialDelay {
		return fmt.Errorf("retry.max_delay %v must be >= retry.initial_delay %v", c.Retry.MaxDelay, c.Retry.InitialDelay)
	}

	if c.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("breaker.failure_threshold must be > 0, got %d", c.Breaker.FailureThreshold)
	}
	if c.Breaker.RecoveryTimeout <= 0 {
		return fmt.Errorf("breaker.recovery_timeout must be > 0, got %v", c.Breaker.RecoveryTimeout)
	}

	if c.Health.ExcessiveMultiplier < 1 {
		return fmt.Errorf("health.excessive_multiplier must be >= 1, got %v", c.Health.ExcessiveMultiplier)
	}

	if c.SpawnRatePerSec < 0 {
		return fmt.Errorf("spawn_rate_per_sec must be >= 0, got %v", c.SpawnRatePerSec)
	}

	return nil
}
