// Package config provides configuration management for Relay.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Relay.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Sandbox SandboxConfig `mapstructure:"sandbox"`
	Docker  DockerConfig  `mapstructure:"docker"`
	Sprites SpritesConfig `mapstructure:"sprites"`
	Store   StoreConfig   `mapstructure:"store"`
	NATS    NATSConfig    `mapstructure:"nats"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// SandboxConfig holds sandbox session manager configuration.
type SandboxConfig struct {
	// Runtime selects the execution backend: "docker" or "sprites".
	Runtime string `mapstructure:"runtime"`

	// Image is the environment image for docker sandboxes.
	Image string `mapstructure:"image"`

	// TTLMinutes is the time-to-live passed to the backend at creation.
	// The backend reclaims the environment on its own after this, whether
	// or not the conversation is still alive.
	TTLMinutes int `mapstructure:"ttlMinutes"`

	// CPUs and MemoryMB size the environment.
	CPUs     int `mapstructure:"cpus"`
	MemoryMB int `mapstructure:"memoryMB"`

	// ProvisionTimeout bounds environment creation, in seconds. Creation
	// that exceeds it fails with a timeout error rather than hanging.
	ProvisionTimeout int `mapstructure:"provisionTimeout"`

	// CommandTimeout bounds a single command execution, in seconds.
	CommandTimeout int `mapstructure:"commandTimeout"`

	// IdleTimeout is the idle threshold for the reaper sweep, in seconds.
	// Zero disables proactive reaping; the backend TTL is the backstop.
	IdleTimeout int `mapstructure:"idleTimeout"`

	// ReapInterval is the reaper sweep period, in seconds.
	ReapInterval int `mapstructure:"reapInterval"`
}

// DockerConfig holds Docker backend configuration.
type DockerConfig struct {
	Host        string `mapstructure:"host"`
	APIVersion  string `mapstructure:"apiVersion"`
	NetworkMode string `mapstructure:"networkMode"`
}

// SpritesConfig holds Sprites.dev backend configuration.
type SpritesConfig struct {
	// Token is the Sprites API token. Also read from SPRITES_API_TOKEN.
	Token string `mapstructure:"token"`
}

// StoreConfig holds the durable session mapping store configuration.
// An empty path disables persistence; the in-process registry is then the
// only record of live sessions.
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL means use the in-memory event bus.
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

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// TTL returns the sandbox time-to-live as a time.Duration.
func (s *SandboxConfig) TTL() time.Duration {
	return time.Duration(s.TTLMinutes) * time.Minute
}

// ProvisionTimeoutDuration returns the provisioning bound as a time.Duration.
func (s *SandboxConfig) ProvisionTimeoutDuration() time.Duration {
	return time.Duration(s.ProvisionTimeout) * time.Second
}

// CommandTimeoutDuration returns the command bound as a time.Duration.
func (s *SandboxConfig) CommandTimeoutDuration() time.Duration {
	return time.Duration(s.CommandTimeout) * time.Second
}

// IdleTimeoutDuration returns the idle threshold as a time.Duration.
func (s *SandboxConfig) IdleTimeoutDuration() time.Duration {
	return time.Duration(s.IdleTimeout) * time.Second
}

// ReapIntervalDuration returns the sweep period as a time.Duration.
func (s *SandboxConfig) ReapIntervalDuration() time.Duration {
	return time.Duration(s.ReapInterval) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	if env := os.Getenv("RELAY_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	// Long write timeout: exec responses wait out provisioning plus the command itself.
	v.SetDefault("server.writeTimeout", 600)

	// Sandbox defaults
	v.SetDefault("sandbox.runtime", "docker")
	v.SetDefault("sandbox.image", "ubuntu:24.04")
	v.SetDefault("sandbox.ttlMinutes", 60)
	v.SetDefault("sandbox.cpus", 2)
	v.SetDefault("sandbox.memoryMB", 2048)
	v.SetDefault("sandbox.provisionTimeout", 180)
	v.SetDefault("sandbox.commandTimeout", 300)
	v.SetDefault("sandbox.idleTimeout", 0) // disabled; backend TTL is the backstop
	v.SetDefault("sandbox.reapInterval", 60)

	// Docker defaults
	v.SetDefault("docker.host", "unix:///var/run/docker.sock")
	v.SetDefault("docker.apiVersion", "")
	v.SetDefault("docker.networkMode", "bridge")

	// Sprites defaults
	v.SetDefault("sprites.token", "")

	// Store defaults - empty path means in-memory registry only
	v.SetDefault("store.path", "")

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "relay-client")
	v.SetDefault("nats.maxReconnects", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix RELAY_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/relay/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for env vars whose naming differs from the config key.
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion.
	_ = v.BindEnv("sprites.token", "SPRITES_API_TOKEN", "RELAY_SPRITES_TOKEN")
	_ = v.BindEnv("sandbox.provisionTimeout", "RELAY_SANDBOX_PROVISION_TIMEOUT")
	_ = v.BindEnv("sandbox.commandTimeout", "RELAY_SANDBOX_COMMAND_TIMEOUT")
	_ = v.BindEnv("sandbox.idleTimeout", "RELAY_SANDBOX_IDLE_TIMEOUT")
	_ = v.BindEnv("store.path", "RELAY_STORE_PATH")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/relay/")

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

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch cfg.Sandbox.Runtime {
	case "docker", "sprites":
	default:
		errs = append(errs, "sandbox.runtime must be one of: docker, sprites")
	}

	if cfg.Sandbox.Runtime == "sprites" && cfg.Sprites.Token == "" {
		errs = append(errs, "sprites.token is required when sandbox.runtime is sprites")
	}

	if cfg.Sandbox.ProvisionTimeout <= 0 {
		errs = append(errs, "sandbox.provisionTimeout must be positive")
	}
	if cfg.Sandbox.CommandTimeout <= 0 {
		errs = append(errs, "sandbox.commandTimeout must be positive")
	}
	if cfg.Sandbox.TTLMinutes <= 0 {
		errs = append(errs, "sandbox.ttlMinutes must be positive")
	}
	if cfg.Sandbox.IdleTimeout < 0 {
		errs = append(errs, "sandbox.idleTimeout must not be negative")
	}
	if cfg.Sandbox.IdleTimeout > 0 && cfg.Sandbox.ReapInterval <= 0 {
		errs = append(errs, "sandbox.reapInterval must be positive when idleTimeout is set")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
