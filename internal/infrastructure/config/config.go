package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all coordinator configuration.
type Config struct {
	Server    ServerConfig
	PtyHost   PtyHostConfig
	Storage   StorageConfig
	Profiles  ProfilesConfig
	Logging   LogConfig
	RateLimit RateLimitConfig
	Workspace WorkspaceConfig
}

// WorkspaceConfig identifies the workspace this coordinator serves. Empty
// values are filled in at startup (generated id, current directory).
type WorkspaceConfig struct {
	ID   string `envconfig:"WORKSPACE_ID" default:""`
	Root string `envconfig:"WORKSPACE_ROOT" default:""`
}

// ServerConfig holds the control API configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"7420"`
	Host string `envconfig:"HOST" default:"127.0.0.1"`
}

// PtyHostConfig holds pty host child process configuration.
type PtyHostConfig struct {
	Binary            string        `envconfig:"PTYHOST_BINARY" default:"ptyhost"`
	HandshakeTimeout  time.Duration `envconfig:"PTYHOST_HANDSHAKE_TIMEOUT" default:"10s"`
	HeartbeatInterval time.Duration `envconfig:"PTYHOST_HEARTBEAT_INTERVAL" default:"5s"`
	HeartbeatTimeout  time.Duration `envconfig:"PTYHOST_HEARTBEAT_TIMEOUT" default:"4s"`
	DevMode           bool          `envconfig:"PTYHOST_DEV_MODE" default:"false"`
}

// StorageConfig holds durable state configuration.
type StorageConfig struct {
	Path string `envconfig:"STORAGE_PATH" default:"lumen-state.db"`
}

// ProfilesConfig holds terminal profile catalog configuration.
type ProfilesConfig struct {
	Path string `envconfig:"PROFILES_PATH" default:""`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// RateLimitConfig holds rate limiting configuration for the control API.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"RATE_LIMIT_RPS" default:"100"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" default:"200"`
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" default:"true"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("LUMEN", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns defaults.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port: "7420",
			Host: "127.0.0.1",
		},
		PtyHost: PtyHostConfig{
			Binary:            "ptyhost",
			HandshakeTimeout:  10 * time.Second,
			HeartbeatInterval: 5 * time.Second,
			HeartbeatTimeout:  4 * time.Second,
		},
		Storage: StorageConfig{
			Path: "lumen-state.db",
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 100,
			Burst:             200,
			Enabled:           true,
		},
	}
}
