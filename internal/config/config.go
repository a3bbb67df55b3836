// Package config loads and validates the chrono configuration: a
// single TOML file with environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pelletier/go-toml/v2"
)

// Config is the top-level chrono configuration.
type Config struct {
	DataDir   string          `toml:"data_dir"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	Runner    RunnerConfig    `toml:"runner"`
	Notify    NotifyConfig    `toml:"notify"`
	Logging   LoggingConfig   `toml:"logging"`
}

// SchedulerConfig tunes the scheduling engine.
type SchedulerConfig struct {
	DefaultTimeoutSecs int   `toml:"default_timeout"`        // per-run fallback, seconds
	StuckThresholdMins int   `toml:"stuck_threshold"`        // minutes before a running marker is orphaned
	HistoryMaxBytes    int64 `toml:"history_max_bytes"`      // run log prune trigger
	HistoryKeepEntries int   `toml:"history_keep_entries"`   // entries kept after prune
}

// RunnerConfig selects the task-runner backend. When Backend is "" or
// "log", payloads are logged instead of executed (dev mode).
type RunnerConfig struct {
	Backend string `toml:"backend"` // "log" (default), "http"
	URL     string `toml:"url"`
	Token   string `toml:"token"`
}

// NotifyConfig selects the announce channel backend.
type NotifyConfig struct {
	Backend     string `toml:"backend"` // "log" (default), "sns"
	SNSTopicARN string `toml:"sns_topic_arn"`
	SNSRegion   string `toml:"sns_region"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `toml:"level"`  // debug, info, warn, error
	Format string `toml:"format"` // text, json
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DataDir: "./data",
		Scheduler: SchedulerConfig{
			DefaultTimeoutSecs: 120,
			StuckThresholdMins: 120,
			HistoryMaxBytes:    512 * 1024,
			HistoryKeepEntries: 500,
		},
		Runner:  RunnerConfig{Backend: "log"},
		Notify:  NotifyConfig{Backend: "log"},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load reads path (missing file = defaults), applies environment
// overrides, and validates. An empty path tries chrono.toml in the
// working directory.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = "chrono.toml"
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// Defaults only.
	default:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CHRONO_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("CHRONO_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("CHRONO_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("CHRONO_RUNNER_BACKEND"); v != "" {
		cfg.Runner.Backend = v
	}
	if v := os.Getenv("CHRONO_RUNNER_URL"); v != "" {
		cfg.Runner.URL = v
	}
	if v := os.Getenv("CHRONO_RUNNER_TOKEN"); v != "" {
		cfg.Runner.Token = v
	}
	if v := os.Getenv("CHRONO_NOTIFY_BACKEND"); v != "" {
		cfg.Notify.Backend = v
	}
	if v := os.Getenv("CHRONO_SNS_TOPIC_ARN"); v != "" {
		cfg.Notify.SNSTopicARN = v
	}
	if v := os.Getenv("CHRONO_SNS_REGION"); v != "" {
		cfg.Notify.SNSRegion = v
	}
	if v := os.Getenv("CHRONO_DEFAULT_TIMEOUT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Scheduler.DefaultTimeoutSecs = n
		}
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("config: data_dir is required")
	}
	if c.Scheduler.DefaultTimeoutSecs <= 0 {
		return fmt.Errorf("config: scheduler.default_timeout must be positive")
	}
	if c.Scheduler.StuckThresholdMins <= 0 {
		return fmt.Errorf("config: scheduler.stuck_threshold must be positive")
	}
	if c.Scheduler.HistoryMaxBytes <= 0 {
		return fmt.Errorf("config: scheduler.history_max_bytes must be positive")
	}
	if c.Scheduler.HistoryKeepEntries <= 0 {
		return fmt.Errorf("config: scheduler.history_keep_entries must be positive")
	}

	switch c.Runner.Backend {
	case "", "log":
	case "http":
		if c.Runner.URL == "" {
			return fmt.Errorf("config: runner.url is required for the http backend")
		}
	default:
		return fmt.Errorf("config: unknown runner backend %q (expected log or http)", c.Runner.Backend)
	}

	switch c.Notify.Backend {
	case "", "log":
	case "sns":
		if c.Notify.SNSTopicARN == "" {
			return fmt.Errorf("config: notify.sns_topic_arn is required for the sns backend")
		}
		if c.Notify.SNSRegion == "" {
			return fmt.Errorf("config: notify.sns_region is required for the sns backend")
		}
	default:
		return fmt.Errorf("config: unknown notify backend %q (expected log or sns)", c.Notify.Backend)
	}

	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log level %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("config: unknown log format %q (expected text or json)", c.Logging.Format)
	}
	return nil
}

// StorePath returns the jobs file location under the data directory.
func (c *Config) StorePath() string {
	return filepath.Join(c.DataDir, "jobs.json")
}

// RunLogDir returns the run history directory.
func (c *Config) RunLogDir() string {
	return filepath.Join(c.DataDir, "runs")
}
