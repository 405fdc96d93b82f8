// Package config handles configuration loading for streamhub.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package validates required fields; component-level defaults (queue
// sizes, TTLs, retry policies) live with the components that consume them.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from STREAMHUB_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/streamhub/config.yaml
//  3. ~/.config/streamhub/config.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  secret: "${STREAMHUB_SECRET}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	broker:
//	  session_ttl: "1h"
//	  cleanup_interval: "1m"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//	  keepalive_interval: "15s"   # SSE keepalive cadence
//
// Broker:
//
//	broker:
//	  max_queue_size: 64
//	  max_history_per_session: 1000
//	  session_ttl: "1h"
//	  cleanup_interval: "1m"
//
// Authentication:
//
//	auth:
//	  secret: "${STREAMHUB_SECRET}"   # Required, >= 16 bytes
//	  require_csrf: true
//	  binding_max_age: "24h"
//	  csrf_max_age: "1h"
//
// Durable store (optional):
//
//	redis:
//	  enabled: true
//	  addr: "localhost:6379"
//	  key_prefix: "streamhub:session:"
//	  health_interval: "15s"
//	  flush_interval: "5m"
//
// Audit log:
//
//	audit:
//	  path: "/var/lib/streamhub/audit.db"
//
// Security thresholds:
//
//	security:
//	  lockout_threshold: 10
//	  lockout_cooldown: "5m"
//	  attempt_window: "10m"
//	  max_tracked_sources: 10000
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
package config
