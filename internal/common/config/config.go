// Package config provides configuration management for Tentickle.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Tentickle.
type Config struct {
	Daemon    DaemonConfig    `mapstructure:"daemon"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Model     ModelConfig     `mapstructure:"model"`
	Memory    MemoryConfig    `mapstructure:"memory"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	NATS      NATSConfig      `mapstructure:"nats"`
}

// DaemonConfig holds daemon and transport configuration.
type DaemonConfig struct {
	DataDir    string `mapstructure:"dataDir"`    // default ~/.tentickle
	SocketPath string `mapstructure:"socketPath"` // default <dataDir>/daemon.sock
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"` // websocket/HTTP port
	DefaultApp string `mapstructure:"defaultApp"`
	McpPort    int    `mapstructure:"mcpPort"` // 0 disables the embedded MCP server
}

// DatabaseConfig holds SQLite configuration.
type DatabaseConfig struct {
	Path        string `mapstructure:"path"` // default <dataDir>/tentickle.db
	BusyTimeout int    `mapstructure:"busyTimeout"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ModelConfig holds model client configuration.
type ModelConfig struct {
	Provider   string `mapstructure:"provider"` // openai, google
	Name       string `mapstructure:"name"`
	Timeout    int    `mapstructure:"timeout"` // seconds
	MaxRetries int    `mapstructure:"maxRetries"`
	MaxTokens  int    `mapstructure:"maxTokens"`
}

// TimeoutDuration returns the model timeout as a time.Duration.
func (m *ModelConfig) TimeoutDuration() time.Duration {
	return time.Duration(m.Timeout) * time.Second
}

// Memory subsystem defaults. A dedup threshold of 0.90 merges
// near-identical facts; lambda 0.005 halves relevance in ~139 days.
const (
	DefaultDedupThreshold = 0.90
	DefaultDecayLambda    = 0.005
)

// MemoryConfig holds memory subsystem configuration.
type MemoryConfig struct {
	VectorEnabled  bool    `mapstructure:"vectorEnabled"`
	EmbedModel     string  `mapstructure:"embedModel"`
	DedupThreshold float64 `mapstructure:"dedupThreshold"` // 0 disables dedup
	DecayLambda    float64 `mapstructure:"decayLambda"`    // 0 disables time decay
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	JobsDir       string `mapstructure:"jobsDir"`     // default <dataDir>/jobs
	TriggersDir   string `mapstructure:"triggersDir"` // default <dataDir>/triggers
	DefaultTarget string `mapstructure:"defaultTarget"`
}

// NATSConfig holds optional NATS event bus configuration. An empty URL
// selects the in-memory bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// Load reads configuration from file and environment.
// Search order: ./tentickle.yaml, <dataDir>/tentickle.yaml. Environment
// variables use the TENTICKLE_ prefix with underscores (e.g.
// TENTICKLE_DAEMON_PORT). The documented raw variables (TENTICKLE_SOCKET,
// TENTICKLE_DAEMON_URL) are applied on top.
func Load() (*Config, error) {
	v := viper.New()

	dataDir := defaultDataDir()

	v.SetDefault("daemon.dataDir", dataDir)
	v.SetDefault("daemon.socketPath", "")
	v.SetDefault("daemon.host", "127.0.0.1")
	v.SetDefault("daemon.port", 7333)
	v.SetDefault("daemon.defaultApp", "assistant")
	v.SetDefault("daemon.mcpPort", 0)

	v.SetDefault("database.path", "")
	v.SetDefault("database.busyTimeout", 5000)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "")
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("model.provider", "openai")
	v.SetDefault("model.name", "gpt-4o")
	v.SetDefault("model.timeout", 120)
	v.SetDefault("model.maxRetries", 3)
	v.SetDefault("model.maxTokens", 4096)

	v.SetDefault("memory.vectorEnabled", true)
	v.SetDefault("memory.embedModel", "text-embedding-3-small")
	v.SetDefault("memory.dedupThreshold", 0.90)
	v.SetDefault("memory.decayLambda", 0.005)

	v.SetDefault("scheduler.jobsDir", "")
	v.SetDefault("scheduler.triggersDir", "")
	v.SetDefault("scheduler.defaultTarget", "")

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "tentickle")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetConfigName("tentickle")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath(dataDir)

	v.SetEnvPrefix("TENTICKLE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	applyDerivedDefaults(&cfg)
	applyEnvOverrides(&cfg)
	return &cfg, nil
}

// applyDerivedDefaults fills paths that depend on the data directory.
func applyDerivedDefaults(cfg *Config) {
	dataDir := cfg.Daemon.DataDir
	if cfg.Daemon.SocketPath == "" {
		cfg.Daemon.SocketPath = filepath.Join(dataDir, "daemon.sock")
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = filepath.Join(dataDir, "tentickle.db")
	}
	if cfg.Scheduler.JobsDir == "" {
		cfg.Scheduler.JobsDir = filepath.Join(dataDir, "jobs")
	}
	if cfg.Scheduler.TriggersDir == "" {
		cfg.Scheduler.TriggersDir = filepath.Join(dataDir, "triggers")
	}
}

// applyEnvOverrides applies the documented raw environment variables that
// predate the TENTICKLE_ viper mapping.
func applyEnvOverrides(cfg *Config) {
	if socket := os.Getenv("TENTICKLE_SOCKET"); socket != "" {
		cfg.Daemon.SocketPath = socket
	}
	if os.Getenv("USE_GOOGLE_MODEL") != "" {
		cfg.Model.Provider = "google"
	}
}

// PidfilePath returns the daemon pidfile path.
func (c *Config) PidfilePath() string {
	return filepath.Join(c.Daemon.DataDir, "daemon.pid")
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".tentickle"
	}
	return filepath.Join(home, ".tentickle")
}
