// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML loading, env var expansion, and duration parsing

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return configPath
}

func TestLoad_ValidConfig(t *testing.T) {
	configPath := writeConfig(t, `
server:
  http_addr: "0.0.0.0:8080"
  keepalive_interval: "15s"

broker:
  max_queue_size: 128
  max_history_per_session: 500
  session_ttl: "2h"
  cleanup_interval: "30s"

auth:
  secret: "unit-test-secret-0123456789"
  require_csrf: true
  binding_max_age: "24h"
  csrf_max_age: "1h"

redis:
  enabled: true
  addr: "localhost:6379"
  key_prefix: "streamhub:session:"
  health_interval: "15s"
  flush_interval: "5m"

audit:
  path: "./audit.db"

security:
  lockout_threshold: 10
  lockout_cooldown: "5m"
  attempt_window: "10m"
  max_tracked_sources: 10000

logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "0.0.0.0:8080" {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, "0.0.0.0:8080")
	}
	if cfg.Server.KeepaliveInterval != 15*time.Second {
		t.Errorf("Server.KeepaliveInterval = %v, want %v", cfg.Server.KeepaliveInterval, 15*time.Second)
	}

	if cfg.Broker.MaxQueueSize != 128 {
		t.Errorf("Broker.MaxQueueSize = %d, want 128", cfg.Broker.MaxQueueSize)
	}
	if cfg.Broker.MaxHistoryPerSession != 500 {
		t.Errorf("Broker.MaxHistoryPerSession = %d, want 500", cfg.Broker.MaxHistoryPerSession)
	}
	if cfg.Broker.SessionTTL != 2*time.Hour {
		t.Errorf("Broker.SessionTTL = %v, want %v", cfg.Broker.SessionTTL, 2*time.Hour)
	}
	if cfg.Broker.CleanupInterval != 30*time.Second {
		t.Errorf("Broker.CleanupInterval = %v, want %v", cfg.Broker.CleanupInterval, 30*time.Second)
	}

	if cfg.Auth.Secret != "unit-test-secret-0123456789" {
		t.Errorf("Auth.Secret = %q, unexpected", cfg.Auth.Secret)
	}
	if !cfg.Auth.RequireCSRF {
		t.Error("Auth.RequireCSRF = false, want true")
	}
	if cfg.Auth.BindingMaxAge != 24*time.Hour {
		t.Errorf("Auth.BindingMaxAge = %v, want %v", cfg.Auth.BindingMaxAge, 24*time.Hour)
	}
	if cfg.Auth.CSRFMaxAge != time.Hour {
		t.Errorf("Auth.CSRFMaxAge = %v, want %v", cfg.Auth.CSRFMaxAge, time.Hour)
	}

	if !cfg.Redis.Enabled {
		t.Error("Redis.Enabled = false, want true")
	}
	if cfg.Redis.Addr != "localhost:6379" {
		t.Errorf("Redis.Addr = %q, want %q", cfg.Redis.Addr, "localhost:6379")
	}
	if cfg.Redis.KeyPrefix != "streamhub:session:" {
		t.Errorf("Redis.KeyPrefix = %q, unexpected", cfg.Redis.KeyPrefix)
	}
	if cfg.Redis.HealthInterval != 15*time.Second {
		t.Errorf("Redis.HealthInterval = %v, want %v", cfg.Redis.HealthInterval, 15*time.Second)
	}
	if cfg.Redis.FlushInterval != 5*time.Minute {
		t.Errorf("Redis.FlushInterval = %v, want %v", cfg.Redis.FlushInterval, 5*time.Minute)
	}

	if cfg.Audit.Path != "./audit.db" {
		t.Errorf("Audit.Path = %q, want %q", cfg.Audit.Path, "./audit.db")
	}

	if cfg.Security.LockoutThreshold != 10 {
		t.Errorf("Security.LockoutThreshold = %d, want 10", cfg.Security.LockoutThreshold)
	}
	if cfg.Security.LockoutCooldown != 5*time.Minute {
		t.Errorf("Security.LockoutCooldown = %v, want %v", cfg.Security.LockoutCooldown, 5*time.Minute)
	}
	if cfg.Security.AttemptWindow != 10*time.Minute {
		t.Errorf("Security.AttemptWindow = %v, want %v", cfg.Security.AttemptWindow, 10*time.Minute)
	}
	if cfg.Security.MaxTrackedSources != 10000 {
		t.Errorf("Security.MaxTrackedSources = %d, want 10000", cfg.Security.MaxTrackedSources)
	}

	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want %q", cfg.Logging.Level, "debug")
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Logging.Format = %q, want %q", cfg.Logging.Format, "json")
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_STREAMHUB_SECRET", "secret-from-env-0123456789")
	t.Setenv("TEST_REDIS_PASSWORD", "redis-pass-from-env")

	configPath := writeConfig(t, `
server:
  http_addr: "0.0.0.0:8080"

auth:
  secret: "${TEST_STREAMHUB_SECRET}"

redis:
  enabled: true
  addr: "localhost:6379"
  password: "${TEST_REDIS_PASSWORD}"

audit:
  path: "./audit.db"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Auth.Secret != "secret-from-env-0123456789" {
		t.Errorf("Auth.Secret = %q, want env-expanded value", cfg.Auth.Secret)
	}
	if cfg.Redis.Password != "redis-pass-from-env" {
		t.Errorf("Redis.Password = %q, want env-expanded value", cfg.Redis.Password)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	configPath := writeConfig(t, `
server:
  http_addr "missing colon"
`)

	if _, err := Load(configPath); err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	configPath := writeConfig(t, `
server:
  http_addr: "0.0.0.0:8080"

broker:
  session_ttl: "not-a-duration"

auth:
  secret: "unit-test-secret-0123456789"

audit:
  path: "./audit.db"
`)

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("Load() expected error for invalid duration, got nil")
	}
	if !strings.Contains(err.Error(), "broker.session_ttl") {
		t.Errorf("Load() error = %q, want mention of broker.session_ttl", err.Error())
	}
}

func TestLoad_MissingRequiredFields(t *testing.T) {
	tests := []struct {
		name          string
		configContent string
		wantErrSubstr string
	}{
		{
			name: "missing http_addr",
			configContent: `
auth:
  secret: "unit-test-secret-0123456789"
audit:
  path: "./audit.db"
`,
			wantErrSubstr: "server.http_addr is required",
		},
		{
			name: "missing auth secret",
			configContent: `
server:
  http_addr: "0.0.0.0:8080"
audit:
  path: "./audit.db"
`,
			wantErrSubstr: "auth.secret is required",
		},
		{
			name: "short auth secret",
			configContent: `
server:
  http_addr: "0.0.0.0:8080"
auth:
  secret: "short"
audit:
  path: "./audit.db"
`,
			wantErrSubstr: "auth.secret must be at least 16 bytes",
		},
		{
			name: "missing audit path",
			configContent: `
server:
  http_addr: "0.0.0.0:8080"
auth:
  secret: "unit-test-secret-0123456789"
`,
			wantErrSubstr: "audit.path is required",
		},
		{
			name: "redis enabled without addr",
			configContent: `
server:
  http_addr: "0.0.0.0:8080"
auth:
  secret: "unit-test-secret-0123456789"
audit:
  path: "./audit.db"
redis:
  enabled: true
`,
			wantErrSubstr: "redis.addr is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configPath := writeConfig(t, tt.configContent)

			_, err := Load(configPath)
			if err == nil {
				t.Errorf("Load() expected error containing %q, got nil", tt.wantErrSubstr)
				return
			}
			if !strings.Contains(err.Error(), tt.wantErrSubstr) {
				t.Errorf("Load() error = %q, want error containing %q", err.Error(), tt.wantErrSubstr)
			}
		})
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("FOO", "bar")
	t.Setenv("BAZ", "qux")

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "single env var",
			input:    "${FOO}",
			expected: "bar",
		},
		{
			name:     "env var with surrounding text",
			input:    "prefix-${FOO}-suffix",
			expected: "prefix-bar-suffix",
		},
		{
			name:     "multiple env vars",
			input:    "${FOO}/${BAZ}",
			expected: "bar/qux",
		},
		{
			name:     "no env vars",
			input:    "no-vars-here",
			expected: "no-vars-here",
		},
		{
			name:     "unset env var",
			input:    "${UNSET_VAR}",
			expected: "",
		},
		{
			name:     "empty string",
			input:    "",
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := expandEnvVars(tt.input)
			if result != tt.expected {
				t.Errorf("expandEnvVars(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}
