package common

import (
	"fmt"
	"os"
	"strconv"

	"github.com/pelletier/go-toml/v2"
)

// Config is the root configuration for the jobqueue worker process.
// Priority system: environment variables > config file > defaults.
type Config struct {
	Environment string         `toml:"environment"` // "development" or "production"
	Mongo       MongoConfig    `toml:"mongo"`
	Worker      WorkerConfig   `toml:"worker"`
	Webhook     WebhookConfig  `toml:"webhook"`
	Logging     LoggingConfig  `toml:"logging"`
	Processing  ProcessingConfig `toml:"processing"`
	WebSocket   WebSocketConfig  `toml:"websocket"`
	Archive     ArchiveConfig    `toml:"archive"`
}

// MongoConfig configures the durable job/batch store.
type MongoConfig struct {
	URI      string `toml:"uri"`
	Database string `toml:"database"`
}

// WorkerConfig configures the worker manager's supervision loop
// (spec §4.3).
type WorkerConfig struct {
	Active               bool `toml:"active"`
	MaxConcurrentWorkers int  `toml:"max_concurrent_workers"`
	PollIntervalSec      int  `toml:"poll_interval_sec"`
	StallTimeoutSec      int  `toml:"stall_timeout_sec"`
	StallCheckEvery      int  `toml:"stall_check_every"`
	LogEntriesCap        int  `toml:"log_entries_cap"`
}

// WebhookConfig configures outbound callback delivery (spec §4.5).
type WebhookConfig struct {
	TimeoutSec int `toml:"timeout_sec"`
	RateLimit  int `toml:"rate_limit"` // requests per second
}

// LoggingConfig mirrors the teacher's arbor-backed logging setup.
type LoggingConfig struct {
	Level      string   `toml:"level"`       // "debug", "info", "warn", "error"
	Format     string   `toml:"format"`      // "json" or "text"
	Output     []string `toml:"output"`      // "stdout", "file"
	TimeFormat string   `toml:"time_format"`
	FilePath   string   `toml:"file_path"`
}

// ProcessingConfig schedules the administrative maintenance sweep
// (stall reset) via robfig/cron/v3.
type ProcessingConfig struct {
	Enabled  bool   `toml:"enabled"`
	Schedule string `toml:"schedule"` // 6-field cron expression with a leading seconds field
}

// WebSocketConfig configures the optional live worker-occupancy
// broadcaster used by cmd/jobqueue-worker.
type WebSocketConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// ArchiveConfig configures where handler-generated PDF archives land.
type ArchiveConfig struct {
	Dir string `toml:"dir"`
}

// NewDefaultConfig returns the configuration a fresh install starts with.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Mongo: MongoConfig{
			URI:      "mongodb://localhost:27017",
			Database: "jobqueue",
		},
		Worker: WorkerConfig{
			Active:               true,
			MaxConcurrentWorkers: 10,
			PollIntervalSec:      2,
			StallTimeoutSec:      600,
			StallCheckEvery:      30,
			LogEntriesCap:        1000,
		},
		Webhook: WebhookConfig{
			TimeoutSec: 30,
			RateLimit:  10,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     []string{"stdout", "file"},
			TimeFormat: "15:04:05.000",
			FilePath:   "./logs/jobqueue-worker.log",
		},
		Processing: ProcessingConfig{
			Enabled:  false,
			Schedule: "0 */15 * * * *",
		},
		WebSocket: WebSocketConfig{
			Enabled: false,
			Path:    "/ws/stats",
		},
		Archive: ArchiveConfig{
			Dir: "./data/archives",
		},
	}
}

// LoadFromFile loads configuration with priority: default -> file -> env.
// An empty path returns the defaults with environment overrides applied.
func LoadFromFile(path string) (*Config, error) {
	config := NewDefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(config)
	return config, nil
}

// applyEnvOverrides lets deployment environments override file config
// without editing the TOML, mirroring the teacher's QUAERO_ENV convention.
func applyEnvOverrides(config *Config) {
	if v := os.Getenv("JOBQUEUE_ENV"); v != "" {
		config.Environment = v
	}
	if v := os.Getenv("JOBQUEUE_MONGO_URI"); v != "" {
		config.Mongo.URI = v
	}
	if v := os.Getenv("JOBQUEUE_MONGO_DATABASE"); v != "" {
		config.Mongo.Database = v
	}
	if v := os.Getenv("JOBQUEUE_LOG_LEVEL"); v != "" {
		config.Logging.Level = v
	}
	if v := os.Getenv("JOBQUEUE_MAX_CONCURRENT_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Worker.MaxConcurrentWorkers = n
		}
	}
}

// IsProduction reports whether the configured environment is production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
