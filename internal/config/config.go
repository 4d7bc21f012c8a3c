package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// Config is the daemon configuration loaded at startup. Paths are resolved
// relative to the directory containing the config file.
type Config struct {
	Server     ServerConfig     `json:"server"`
	Registry   RegistryConfig   `json:"registry"`
	Supervisor SupervisorConfig `json:"supervisor"`
	Health     HealthConfig     `json:"health"`
	Relay      RelayConfig      `json:"relay"`
	Journal    JournalConfig    `json:"journal"`
	Alerting   AlertingConfig   `json:"alerting"`
	Logging    LoggingConfig    `json:"logging"`
	Runtime    RuntimeConfig    `json:"runtime"`
}

// ServerConfig controls the HTTP status/command listener.
type ServerConfig struct {
	Address string `json:"address"`
}

// RegistryConfig points at the YAML plugin catalog.
type RegistryConfig struct {
	Path string `json:"path"`
}

// SupervisorConfig carries node-wide supervision defaults. Per-plugin
// values in the catalog override these.
type SupervisorConfig struct {
	MaxRestarts         int `json:"max_restarts"`
	BackoffBaseSeconds  int `json:"backoff_base_seconds"`
	BackoffCapSeconds   int `json:"backoff_cap_seconds"`
	HealthyResetSeconds int `json:"healthy_reset_seconds"`
	StopGraceSeconds    int `json:"stop_grace_seconds"`
	DevicePollSeconds   int `json:"device_poll_seconds"`
}

// HealthConfig controls heartbeat evaluation.
type HealthConfig struct {
	IntervalSeconds int `json:"interval_seconds"`
	MissLimit       int `json:"miss_limit"`
}

// RelayConfig controls message buffering and upstream delivery.
type RelayConfig struct {
	QueueCapacity    int            `json:"queue_capacity"`
	DrainBatch       int            `json:"drain_batch"`
	DrainWaitSeconds int            `json:"drain_wait_seconds"`
	RetryBaseSeconds int            `json:"retry_base_seconds"`
	RetryCapSeconds  int            `json:"retry_cap_seconds"`
	RetryCeiling     int            `json:"retry_ceiling"`
	Transport        string         `json:"transport"`
	RabbitMQ         RabbitMQConfig `json:"rabbitmq"`
	Redis            RedisConfig    `json:"redis"`
}

// RabbitMQConfig describes the AMQP upstream endpoint.
type RabbitMQConfig struct {
	URL          string `json:"url"`
	DataQueue    string `json:"data_queue"`
	CommandQueue string `json:"command_queue"`
	Prefetch     int    `json:"prefetch"`
	Durable      bool   `json:"durable"`
	AutoDelete   bool   `json:"auto_delete"`
}

// RedisConfig describes the Redis upstream endpoint.
type RedisConfig struct {
	Address          string `json:"address"`
	Password         string `json:"password"`
	DB               int    `json:"db"`
	DataList         string `json:"data_list"`
	CommandList      string `json:"command_list"`
	BlockWaitSeconds int    `json:"block_wait_seconds"`
}

// JournalConfig selects the lifecycle-event journal backend.
type JournalConfig struct {
	Driver                 string `json:"driver"`
	DSN                    string `json:"dsn"`
	MaxOpenConns           int    `json:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds"`
	ConnMaxIdleTimeSeconds int    `json:"conn_max_idle_time_seconds"`
	MemoryLimit            int    `json:"memory_limit"`
}

// AlertingConfig controls where critical plugin failures are reported. The
// audit log channel is always on; a webhook is added when a URL is set.
type AlertingConfig struct {
	WebhookURL            string `json:"webhook_url"`
	WebhookTimeoutSeconds int    `json:"webhook_timeout_seconds"`
}

// LoggingConfig configures the operational and audit logs.
type LoggingConfig struct {
	Level       string   `json:"level"`
	Format      string   `json:"format"`
	OutputPaths []string `json:"output_paths"`
	Audit       struct {
		Enabled    bool   `json:"enabled"`
		Path       string `json:"path"`
		MaxSizeMB  int    `json:"max_size_mb"`
		MaxBackups int    `json:"max_backups"`
		MaxAgeDays int    `json:"max_age_days"`
	} `json:"audit"`
}

// RuntimeConfig holds general runtime parameters.
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
}

// Load parses the JSON config file at path.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config file: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))

	return &cfg, nil
}

// applyDefaults fills in sane values for fields the operator left blank.
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":9190"
	}

	if c.Registry.Path == "" {
		c.Registry.Path = filepath.Join(baseDir, "plugins.yaml")
	} else if !filepath.IsAbs(c.Registry.Path) {
		c.Registry.Path = filepath.Join(baseDir, c.Registry.Path)
	}

	if c.Supervisor.MaxRestarts <= 0 {
		c.Supervisor.MaxRestarts = 10
	}
	if c.Supervisor.BackoffBaseSeconds <= 0 {
		c.Supervisor.BackoffBaseSeconds = 1
	}
	if c.Supervisor.BackoffCapSeconds <= 0 {
		c.Supervisor.BackoffCapSeconds = 60
	}
	if c.Supervisor.HealthyResetSeconds <= 0 {
		c.Supervisor.HealthyResetSeconds = 300
	}
	if c.Supervisor.StopGraceSeconds <= 0 {
		c.Supervisor.StopGraceSeconds = 10
	}
	if c.Supervisor.DevicePollSeconds <= 0 {
		c.Supervisor.DevicePollSeconds = 5
	}

	if c.Health.IntervalSeconds <= 0 {
		c.Health.IntervalSeconds = 10
	}
	if c.Health.MissLimit <= 0 {
		c.Health.MissLimit = 3
	}

	if c.Relay.QueueCapacity <= 0 {
		c.Relay.QueueCapacity = 1000
	}
	if c.Relay.DrainBatch <= 0 {
		c.Relay.DrainBatch = 100
	}
	if c.Relay.DrainWaitSeconds <= 0 {
		c.Relay.DrainWaitSeconds = 1
	}
	if c.Relay.RetryBaseSeconds <= 0 {
		c.Relay.RetryBaseSeconds = 1
	}
	if c.Relay.RetryCapSeconds <= 0 {
		c.Relay.RetryCapSeconds = 30
	}
	if c.Relay.RetryCeiling <= 0 {
		c.Relay.RetryCeiling = 8
	}
	if c.Relay.Transport == "" {
		c.Relay.Transport = "memory"
	}

	if c.Journal.Driver == "" {
		c.Journal.Driver = "memory"
	}
	if c.Journal.MemoryLimit <= 0 {
		c.Journal.MemoryLimit = 1000
	}

	if c.Alerting.WebhookTimeoutSeconds <= 0 {
		c.Alerting.WebhookTimeoutSeconds = 5
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Audit.Enabled && c.Logging.Audit.Path != "" && !filepath.IsAbs(c.Logging.Audit.Path) {
		c.Logging.Audit.Path = filepath.Join(baseDir, c.Logging.Audit.Path)
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}
}

// StopGrace returns the default stop grace period as a duration.
func (c *Config) StopGrace() time.Duration {
	return time.Duration(c.Supervisor.StopGraceSeconds) * time.Second
}
