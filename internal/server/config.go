// Package server provides configuration helpers that define runtime
// defaults, file and environment loading, and validation for the relay.
package server

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Default values for configuration fields.
const (
	DefaultAddr            = "localhost:8765"
	DefaultWriteTimeout    = 10 * time.Second
	DefaultPingInterval    = 20 * time.Second
	DefaultPongTimeout     = 20 * time.Second
	DefaultShutdownTimeout = 5 * time.Second
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "text"
)

// Config holds the relay configuration.
type Config struct {
	Addr            string        `yaml:"addr"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	MaxMessageSize  int64         `yaml:"max_message_size"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	PingInterval    time.Duration `yaml:"ping_interval"`
	PongTimeout     time.Duration `yaml:"pong_timeout"`
	FanoutLimit     int           `yaml:"fanout_limit"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	LogLevel        string        `yaml:"log_level"`
	LogFormat       string        `yaml:"log_format"`
}

func defaultConfig() Config {
	return Config{
		Addr:            DefaultAddr,
		WriteTimeout:    DefaultWriteTimeout,
		PingInterval:    DefaultPingInterval,
		PongTimeout:     DefaultPongTimeout,
		ShutdownTimeout: DefaultShutdownTimeout,
		LogLevel:        DefaultLogLevel,
		LogFormat:       DefaultLogFormat,
	}
}

// NewConfig creates a Config populated with default values for all settings.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

// NewConfigFromEnv creates a Config from environment variables, falling back
// to defaults for unset or unparsable values.
func NewConfigFromEnv() *Config {
	cfg := NewConfig()
	cfg.applyEnv()
	return cfg
}

// LoadConfig reads a YAML file over the defaults, expanding ${VAR}
// references, then applies environment overrides. Keys absent from the file
// keep their default, so a zero ping_interval really disables keepalive.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := NewConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if addr := os.Getenv("RELAY_ADDR"); addr != "" {
		c.Addr = addr
	}

	if origins := os.Getenv("RELAY_ALLOWED_ORIGINS"); origins != "" {
		c.AllowedOrigins = parseOrigins(origins)
	}

	if maxSize := os.Getenv("RELAY_MAX_MESSAGE_SIZE"); maxSize != "" {
		c.MaxMessageSize = parseMaxMessageSize(maxSize, c.MaxMessageSize)
	}

	if v := os.Getenv("RELAY_WRITE_TIMEOUT"); v != "" {
		c.WriteTimeout = parseDuration(v, c.WriteTimeout)
	}

	if v := os.Getenv("RELAY_PING_INTERVAL"); v != "" {
		c.PingInterval = parseDuration(v, c.PingInterval)
	}

	if v := os.Getenv("RELAY_PONG_TIMEOUT"); v != "" {
		c.PongTimeout = parseDuration(v, c.PongTimeout)
	}

	if v := os.Getenv("RELAY_FANOUT_LIMIT"); v != "" {
		c.FanoutLimit = parseIntValue(v, c.FanoutLimit)
	}

	if level := os.Getenv("RELAY_LOG_LEVEL"); level != "" {
		c.LogLevel = strings.ToLower(strings.TrimSpace(level))
	}

	if format := os.Getenv("RELAY_LOG_FORMAT"); format != "" {
		c.LogFormat = strings.ToLower(strings.TrimSpace(format))
	}
}

// Validate checks that the configuration can be served.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Addr) == "" {
		return errors.New("addr is required")
	}
	if c.MaxMessageSize < 0 {
		return fmt.Errorf("max_message_size must be >= 0, got %d", c.MaxMessageSize)
	}
	if c.WriteTimeout < 0 {
		return fmt.Errorf("write_timeout must be >= 0, got %s", c.WriteTimeout)
	}
	if c.PingInterval < 0 {
		return fmt.Errorf("ping_interval must be >= 0, got %s", c.PingInterval)
	}
	if c.PongTimeout < 0 {
		return fmt.Errorf("pong_timeout must be >= 0, got %s", c.PongTimeout)
	}
	if c.PingInterval > 0 && c.PongTimeout == 0 {
		return errors.New("pong_timeout must be > 0 when ping_interval is set")
	}
	if c.FanoutLimit < 0 {
		return fmt.Errorf("fanout_limit must be >= 0, got %d", c.FanoutLimit)
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown_timeout must be > 0, got %s", c.ShutdownTimeout)
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("log_format must be text or json, got %q", c.LogFormat)
	}
	return nil
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func parseMaxMessageSize(value string, defaultValue int64) int64 {
	if size, err := strconv.ParseInt(value, 10, 64); err == nil && size >= 0 {
		return size
	}
	return defaultValue
}

func parseIntValue(value string, defaultValue int) int {
	if parsed, err := strconv.Atoi(value); err == nil && parsed >= 0 {
		return parsed
	}
	return defaultValue
}

// parseDuration accepts Go duration strings ("15s") or whole seconds ("15").
func parseDuration(value string, defaultValue time.Duration) time.Duration {
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil && d >= 0 {
		return d
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	return defaultValue
}
