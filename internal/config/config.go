// ABOUTME: Configuration loading and parsing for streamhub
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete streamhub configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Broker   BrokerConfig   `yaml:"broker"`
	Auth     AuthConfig     `yaml:"auth"`
	Redis    RedisConfig    `yaml:"redis"`
	Audit    AuditConfig    `yaml:"audit"`
	Security SecurityConfig `yaml:"security"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds the HTTP listener configuration
type ServerConfig struct {
	HTTPAddr          string        `yaml:"http_addr"`
	KeepaliveInterval time.Duration `yaml:"-"`

	// Raw string value for YAML unmarshaling
	KeepaliveIntervalRaw string `yaml:"keepalive_interval"`
}

// BrokerConfig holds event broadcaster sizing and lifecycle timing
type BrokerConfig struct {
	MaxQueueSize         int           `yaml:"max_queue_size"`
	MaxHistoryPerSession int           `yaml:"max_history_per_session"`
	SessionTTL           time.Duration `yaml:"-"`
	CleanupInterval      time.Duration `yaml:"-"`

	SessionTTLRaw      string `yaml:"session_ttl"`
	CleanupIntervalRaw string `yaml:"cleanup_interval"`
}

// AuthConfig holds the master secret and token validity windows
type AuthConfig struct {
	Secret        string        `yaml:"secret"`
	RequireCSRF   bool          `yaml:"require_csrf"`
	BindingMaxAge time.Duration `yaml:"-"`
	CSRFMaxAge    time.Duration `yaml:"-"`

	BindingMaxAgeRaw string `yaml:"binding_max_age"`
	CSRFMaxAgeRaw    string `yaml:"csrf_max_age"`
}

// RedisConfig holds the durable session store configuration
type RedisConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Addr           string        `yaml:"addr"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	DB             int           `yaml:"db"`
	KeyPrefix      string        `yaml:"key_prefix"`
	HealthInterval time.Duration `yaml:"-"`
	FlushInterval  time.Duration `yaml:"-"`

	HealthIntervalRaw string `yaml:"health_interval"`
	FlushIntervalRaw  string `yaml:"flush_interval"`
}

// AuditConfig holds the security audit log configuration
type AuditConfig struct {
	Path string `yaml:"path"`
}

// SecurityConfig holds abuse-detection thresholds
type SecurityConfig struct {
	LockoutThreshold  int           `yaml:"lockout_threshold"`
	MaxTrackedSources int           `yaml:"max_tracked_sources"`
	LockoutCooldown   time.Duration `yaml:"-"`
	AttemptWindow     time.Duration `yaml:"-"`

	LockoutCooldownRaw string `yaml:"lockout_cooldown"`
	AttemptWindowRaw   string `yaml:"attempt_window"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	if c.Auth.Secret == "" {
		return fmt.Errorf("auth.secret is required")
	}
	if len(c.Auth.Secret) < 16 {
		return fmt.Errorf("auth.secret must be at least 16 bytes")
	}

	if c.Audit.Path == "" {
		return fmt.Errorf("audit.path is required")
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when redis is enabled")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		raw  string
		dst  *time.Duration
		name string
	}{
		{cfg.Server.KeepaliveIntervalRaw, &cfg.Server.KeepaliveInterval, "server.keepalive_interval"},
		{cfg.Broker.SessionTTLRaw, &cfg.Broker.SessionTTL, "broker.session_ttl"},
		{cfg.Broker.CleanupIntervalRaw, &cfg.Broker.CleanupInterval, "broker.cleanup_interval"},
		{cfg.Auth.BindingMaxAgeRaw, &cfg.Auth.BindingMaxAge, "auth.binding_max_age"},
		{cfg.Auth.CSRFMaxAgeRaw, &cfg.Auth.CSRFMaxAge, "auth.csrf_max_age"},
		{cfg.Redis.HealthIntervalRaw, &cfg.Redis.HealthInterval, "redis.health_interval"},
		{cfg.Redis.FlushIntervalRaw, &cfg.Redis.FlushInterval, "redis.flush_interval"},
		{cfg.Security.LockoutCooldownRaw, &cfg.Security.LockoutCooldown, "security.lockout_cooldown"},
		{cfg.Security.AttemptWindowRaw, &cfg.Security.AttemptWindow, "security.attempt_window"},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}
