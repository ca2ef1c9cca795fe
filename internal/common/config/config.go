// Package config provides configuration management for OpenGoat.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for OpenGoat.
type Config struct {
	Home         string             `mapstructure:"home"`
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	NATS         NATSConfig         `mapstructure:"nats"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Scanner      ScannerConfig      `mapstructure:"scanner"`
	MCP          MCPConfig          `mapstructure:"mcp"`
	ACP          ACPConfig          `mapstructure:"acp"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig selects the board store backend.
// Driver "sqlite" uses <home>/boards.sqlite (or Path when set);
// driver "postgres" connects with DSN through pgx.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Path     string `mapstructure:"path"`
	DSN      string `mapstructure:"dsn"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// OrchestratorConfig holds run execution configuration.
type OrchestratorConfig struct {
	// DefaultAgent is the head-of-organization agent id created on initialize.
	DefaultAgent string `mapstructure:"defaultAgent"`

	// MaxParallelFlows bounds concurrent provider invocations across all runs.
	MaxParallelFlows int `mapstructure:"maxParallelFlows"`

	// InvokeTimeout is the wall-clock deadline for a single provider
	// invocation, in seconds. Zero disables the deadline.
	InvokeTimeout int `mapstructure:"invokeTimeout"`
}

// ScannerConfig holds task scanner cadence configuration.
type ScannerConfig struct {
	IntervalMinutes int    `mapstructure:"intervalMinutes"`
	InactiveMinutes int    `mapstructure:"inactiveMinutes"`
	Policy          string `mapstructure:"policy"` // "ceo-only" or "all-managers"
}

// MCPConfig controls the embedded MCP server that exposes board tools
// to coding agents.
type MCPConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// ACPConfig controls the Agent-Client-Protocol facade.
type ACPConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// InvokeTimeoutDuration returns the provider invocation deadline.
func (o *OrchestratorConfig) InvokeTimeoutDuration() time.Duration {
	return time.Duration(o.InvokeTimeout) * time.Second
}

// Interval returns the scanner loop interval.
func (s *ScannerConfig) Interval() time.Duration {
	return time.Duration(s.IntervalMinutes) * time.Minute
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("OPENGOAT_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

func defaultHome() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".opengoat"
	}
	return filepath.Join(home, ".opengoat")
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("home", defaultHome())

	// Server defaults
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 4488)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults - empty path means <home>/boards.sqlite
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "opengoat")
	v.SetDefault("nats.maxReconnects", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// Orchestrator defaults
	v.SetDefault("orchestrator.defaultAgent", "goat")
	v.SetDefault("orchestrator.maxParallelFlows", 4)
	v.SetDefault("orchestrator.invokeTimeout", 0)

	// Scanner defaults
	v.SetDefault("scanner.intervalMinutes", 5)
	v.SetDefault("scanner.inactiveMinutes", 30)
	v.SetDefault("scanner.policy", "ceo-only")

	// MCP defaults
	v.SetDefault("mcp.enabled", false)
	v.SetDefault("mcp.port", 9090)

	// ACP defaults
	v.SetDefault("acp.enabled", false)
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix OPENGOAT_ with snake_case naming.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("OPENGOAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for env vars whose name differs from the camelCase
	// config key (AutomaticEnv does not convert camelCase to SNAKE_CASE).
	_ = v.BindEnv("home", "OPENGOAT_HOME")
	_ = v.BindEnv("orchestrator.defaultAgent", "OPENGOAT_DEFAULT_AGENT")
	_ = v.BindEnv("orchestrator.maxParallelFlows", "OPENGOAT_MAX_PARALLEL_FLOWS")
	_ = v.BindEnv("scanner.inactiveMinutes", "OPENGOAT_SCANNER_INACTIVE_MINUTES")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/opengoat/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Home == "" {
		errs = append(errs, "home must not be empty")
	}

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch cfg.Database.Driver {
	case "sqlite":
	case "postgres":
		if cfg.Database.DSN == "" {
			errs = append(errs, "database.dsn is required when database.driver is postgres")
		}
	default:
		errs = append(errs, "database.driver must be one of: sqlite, postgres")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if cfg.Orchestrator.DefaultAgent == "" {
		errs = append(errs, "orchestrator.defaultAgent must not be empty")
	}
	if cfg.Orchestrator.MaxParallelFlows <= 0 {
		errs = append(errs, "orchestrator.maxParallelFlows must be positive")
	}

	if cfg.Scanner.IntervalMinutes <= 0 {
		errs = append(errs, "scanner.intervalMinutes must be positive")
	}
	if cfg.Scanner.InactiveMinutes <= 0 {
		errs = append(errs, "scanner.inactiveMinutes must be positive")
	}
	switch cfg.Scanner.Policy {
	case "ceo-only", "all-managers":
	default:
		errs = append(errs, "scanner.policy must be one of: ceo-only, all-managers")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
