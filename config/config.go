package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Runtime  RuntimeConfig  `mapstructure:"runtime"`
	Sandbox  SandboxConfig  `mapstructure:"sandbox"`
	Tasks    TasksConfig    `mapstructure:"tasks"`
	Exec     ExecConfig     `mapstructure:"exec"`
	Packages PackagesConfig `mapstructure:"packages"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Transport string `mapstructure:"transport"`
	HTTPPort  int    `mapstructure:"http_port"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Mode  string `mapstructure:"mode"`
	Level string `mapstructure:"level"`
}

// RuntimeConfig holds container runtime configuration
type RuntimeConfig struct {
	Backend        string `mapstructure:"backend"`
	Binary         string `mapstructure:"binary"` // overrides the backend's default binary
	Image          string `mapstructure:"image"`
	NetworkEnabled bool   `mapstructure:"network_enabled"`
	DataDir        string `mapstructure:"data_dir"` // host directory for per-sandbox mounts, empty disables
}

// SandboxConfig holds sandbox lifecycle configuration
type SandboxConfig struct {
	MaxSandboxes       int     `mapstructure:"max_sandboxes"`
	MemoryMB           int     `mapstructure:"memory_mb"`
	CPUs               float64 `mapstructure:"cpus"`
	DiskMB             int     `mapstructure:"disk_mb"`
	WorkDir            string  `mapstructure:"work_dir"`
	IdleTimeoutSec     int     `mapstructure:"idle_timeout_sec"`
	ReclaimIntervalSec int     `mapstructure:"reclaim_interval_sec"`
	DestroyGraceSec    int     `mapstructure:"destroy_grace_sec"`
	RecordRetentionSec int     `mapstructure:"record_retention_sec"`
	CreateRetries      int     `mapstructure:"create_retries"`
	RetryBackoffMs     int     `mapstructure:"retry_backoff_ms"`
}

// TasksConfig holds task scheduler configuration
type TasksConfig struct {
	Workers           int `mapstructure:"workers"`
	QueueSize         int `mapstructure:"queue_size"`
	DefaultTimeoutSec int `mapstructure:"default_timeout_sec"`
	MaxTimeoutSec     int `mapstructure:"max_timeout_sec"`
	RetentionSec      int `mapstructure:"retention_sec"`
}

// ExecConfig holds execution output configuration
type ExecConfig struct {
	Interpreter string `mapstructure:"interpreter"`
	MaxOutputKB int    `mapstructure:"max_output_kb"`
}

// PackagesConfig holds package installer configuration
type PackagesConfig struct {
	Installer string `mapstructure:"installer"`
	IndexURL  string `mapstructure:"index_url"`
}

// New loads and validates the application configuration
func New() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	// Set default values
	viper.SetDefault("server.transport", "stdio")
	viper.SetDefault("server.http_port", 8080)

	viper.SetDefault("logging.mode", "production")
	viper.SetDefault("logging.level", "info")

	viper.SetDefault("runtime.backend", "docker")
	viper.SetDefault("runtime.binary", "")
	viper.SetDefault("runtime.image", "python:3.12-slim")
	viper.SetDefault("runtime.network_enabled", false)
	viper.SetDefault("runtime.data_dir", "")

	viper.SetDefault("sandbox.max_sandboxes", 10)
	viper.SetDefault("sandbox.memory_mb", 512)
	viper.SetDefault("sandbox.cpus", 1.0)
	viper.SetDefault("sandbox.disk_mb", 1024)
	viper.SetDefault("sandbox.work_dir", "/workspace")
	viper.SetDefault("sandbox.idle_timeout_sec", 1800)
	viper.SetDefault("sandbox.reclaim_interval_sec", 60)
	viper.SetDefault("sandbox.destroy_grace_sec", 5)
	viper.SetDefault("sandbox.record_retention_sec", 600)
	viper.SetDefault("sandbox.create_retries", 3)
	viper.SetDefault("sandbox.retry_backoff_ms", 200)

	viper.SetDefault("tasks.workers", 4)
	viper.SetDefault("tasks.queue_size", 64)
	viper.SetDefault("tasks.default_timeout_sec", 30)
	viper.SetDefault("tasks.max_timeout_sec", 300)
	viper.SetDefault("tasks.retention_sec", 600)

	viper.SetDefault("exec.interpreter", "python3")
	viper.SetDefault("exec.max_output_kb", 64)

	viper.SetDefault("packages.installer", "pip")
	viper.SetDefault("packages.index_url", "")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// If config file not found, continue with defaults
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Validate configuration
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation error: %w", err)
	}

	return &config, nil
}

// validate ensures the configuration is valid
func (c *Config) validate() error {
	if c.Server.Transport != "stdio" && c.Server.Transport != "http" {
		return fmt.Errorf("invalid server.transport: %s, must be 'stdio' or 'http'", c.Server.Transport)
	}

	if c.Server.Transport == "http" && (c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535) {
		return fmt.Errorf("invalid server.http_port: %d", c.Server.HTTPPort)
	}

	if c.Logging.Mode != "production" && c.Logging.Mode != "development" {
		return fmt.Errorf("invalid logging.mode: %s, must be 'production' or 'development'", c.Logging.Mode)
	}

	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
		"dpanic": true, "panic": true, "fatal": true,
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s", c.Logging.Level)
	}

	supportedBackends := map[string]bool{
		"docker": true,
		"podman": true,
	}
	if !supportedBackends[c.Runtime.Backend] {
		return fmt.Errorf("unsupported runtime.backend: %s", c.Runtime.Backend)
	}

	if c.Runtime.Image == "" {
		return fmt.Errorf("runtime.image must not be empty")
	}

	if c.Sandbox.MaxSandboxes <= 0 {
		return fmt.Errorf("sandbox.max_sandboxes must be positive, got: %d", c.Sandbox.MaxSandboxes)
	}

	if c.Sandbox.MemoryMB <= 0 {
		return fmt.Errorf("sandbox.memory_mb must be positive, got: %d", c.Sandbox.MemoryMB)
	}

	if c.Sandbox.CPUs <= 0 {
		return fmt.Errorf("sandbox.cpus must be positive, got: %f", c.Sandbox.CPUs)
	}

	if c.Sandbox.WorkDir == "" || c.Sandbox.WorkDir[0] != '/' {
		return fmt.Errorf("sandbox.work_dir must be an absolute path, got: %q", c.Sandbox.WorkDir)
	}

	if c.Tasks.Workers <= 0 {
		return fmt.Errorf("tasks.workers must be positive, got: %d", c.Tasks.Workers)
	}

	if c.Tasks.QueueSize <= 0 {
		return fmt.Errorf("tasks.queue_size must be positive, got: %d", c.Tasks.QueueSize)
	}

	if c.Tasks.DefaultTimeoutSec <= 0 {
		return fmt.Errorf("tasks.default_timeout_sec must be positive, got: %d", c.Tasks.DefaultTimeoutSec)
	}

	if c.Tasks.MaxTimeoutSec < c.Tasks.DefaultTimeoutSec {
		return fmt.Errorf("tasks.max_timeout_sec (%d) must not be below tasks.default_timeout_sec (%d)",
			c.Tasks.MaxTimeoutSec, c.Tasks.DefaultTimeoutSec)
	}

	if c.Exec.MaxOutputKB <= 0 {
		return fmt.Errorf("exec.max_output_kb must be positive, got: %d", c.Exec.MaxOutputKB)
	}

	if c.Packages.Installer != "pip" && c.Packages.Installer != "uv" {
		return fmt.Errorf("unsupported packages.installer: %s, must be 'pip' or 'uv'", c.Packages.Installer)
	}

	return nil
}

// IdleTimeout returns the sandbox idle timeout as a duration
func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.Sandbox.IdleTimeoutSec) * time.Second
}

// ReclaimInterval returns the idle reclaim sweep interval as a duration
func (c *Config) ReclaimInterval() time.Duration {
	return time.Duration(c.Sandbox.ReclaimIntervalSec) * time.Second
}

// DestroyGrace returns the destroy drain grace period as a duration
func (c *Config) DestroyGrace() time.Duration {
	return time.Duration(c.Sandbox.DestroyGraceSec) * time.Second
}

// RecordRetention returns the terminal record retention as a duration
func (c *Config) RecordRetention() time.Duration {
	return time.Duration(c.Sandbox.RecordRetentionSec) * time.Second
}

// RetryBackoff returns the create retry backoff as a duration
func (c *Config) RetryBackoff() time.Duration {
	return time.Duration(c.Sandbox.RetryBackoffMs) * time.Millisecond
}

// DefaultTaskTimeout returns the default task timeout as a duration
func (c *Config) DefaultTaskTimeout() time.Duration {
	return time.Duration(c.Tasks.DefaultTimeoutSec) * time.Second
}

// MaxTaskTimeout returns the maximum task timeout as a duration
func (c *Config) MaxTaskTimeout() time.Duration {
	return time.Duration(c.Tasks.MaxTimeoutSec) * time.Second
}

// TaskRetention returns the terminal task retention as a duration
func (c *Config) TaskRetention() time.Duration {
	return time.Duration(c.Tasks.RetentionSec) * time.Second
}

// MaxOutputBytes returns the per-stream output cap in bytes
func (c *Config) MaxOutputBytes() int {
	return c.Exec.MaxOutputKB * 1024
}

// DiskBytes returns the per-sandbox disk budget in bytes
func (c *Config) DiskBytes() int64 {
	return int64(c.Sandbox.DiskMB) * 1024 * 1024
}
