// ABOUTME: Entry point for the streamhub session event server
// ABOUTME: Serves the HTTP API and SSE streams, plus setup subcommands

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/fatih/color"

	"github.com/halcyon-research/streamhub/internal/config"
	"github.com/halcyon-research/streamhub/internal/hub"
)

// version is set at build time via -ldflags.
var version = "dev"

const banner = `
     _                            _           _
 ___| |_ _ __ ___  __ _ _ __ ___ | |__  _   _| |__
/ __| __| '__/ _ \/ _' | '_ ' _ \| '_ \| | | | '_ \
\__ \ |_| | |  __/ (_| | | | | | | | | | |_| | |_) |
|___/\__|_|  \___|\__,_|_| |_| |_|_| |_|\__,_|_.__/
`

// getConfigPath returns the path to the streamhub config file.
// Priority: STREAMHUB_CONFIG env var > XDG_CONFIG_HOME/streamhub/config.yaml > ~/.config/streamhub/config.yaml
func getConfigPath() string {
	if envPath := os.Getenv("STREAMHUB_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "streamhub", "config.yaml")
}

// getDataPath returns the path to the streamhub data directory.
// Priority: XDG_DATA_HOME/streamhub > ~/.local/share/streamhub
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "streamhub")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: streamhub <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve     Start the event hub server")
		fmt.Println("  init      Create a new config file interactively")
		fmt.Println("  keygen    Generate a signing secret for auth.secret")
		fmt.Println("  health    Check hub health")
		fmt.Println("  stats     Show broker statistics")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "keygen":
		err = runKeygen()
	case "health":
		err = runHealth(ctx)
	case "stats":
		err = runStats(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	// Version info
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Setup logger
	logger := setupLogger(cfg.Logging)

	// Startup info
	green := color.New(color.FgGreen)

	green.Print("    ▶ ")
	fmt.Printf("Config:  %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:    %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Audit:   %s\n", cfg.Audit.Path)

	// Durable tier status
	green.Print("    ▶ ")
	fmt.Printf("Durable: ")
	if cfg.Redis.Enabled {
		cyan.Print(cfg.Redis.Addr)
	} else {
		gray.Print("memory only")
	}
	fmt.Println()

	fmt.Println()

	logger.Info("starting streamhub",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"redis_enabled", cfg.Redis.Enabled,
	)

	// Create and run the hub
	h, err := hub.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating hub: %w", err)
	}

	return h.Run(ctx)
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
// Group names are folded into attribute keys as dotted prefixes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	prefix string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	// Format timestamp
	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	// Colorize level
	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	// Print message
	buf.WriteString(r.Message)

	// Print handler-level attrs first (from WithAttrs), already prefixed
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	// Print record attrs
	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + h.prefix + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	for _, a := range attrs {
		a.Key = h.prefix + a.Key
		newAttrs = append(newAttrs, a)
	}
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		prefix: h.prefix,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		prefix: h.prefix + name + ".",
	}
}

func runHealth(ctx context.Context) error {
	configPath := getConfigPath()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Make HTTP request to health endpoint with context
	url := fmt.Sprintf("http://%s/health", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}

func runStats(ctx context.Context) error {
	configPath := getConfigPath()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Make HTTP request to the stats endpoint with context
	url := fmt.Sprintf("http://%s/api/stats", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("stats request failed: %w", err)
	}
	defer resp.Body.Close()

	// Read response body
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	fmt.Println(string(body))
	return nil
}

// runKeygen generates a random signing secret suitable for auth.secret.
// The secret never touches disk; paste it into the config file.
func runKeygen() error {
	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return fmt.Errorf("generating secret: %w", err)
	}
	secret := base64.StdEncoding.EncodeToString(secretBytes)

	fmt.Println("Generated signing secret:")
	fmt.Println()
	fmt.Printf("  %s\n", secret)
	fmt.Println()
	fmt.Println("Add it to your config file:")
	fmt.Println()
	fmt.Println("  auth:")
	fmt.Printf("    secret: \"%s\"\n", secret)
	fmt.Println()
	fmt.Println("Rotating the secret invalidates all outstanding tokens.")

	return nil
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("streamhub configuration setup")
	fmt.Println("=============================")
	fmt.Println()

	// Default paths
	defaultConfigPath := getConfigPath()
	defaultDataPath := getDataPath()
	defaultAuditPath := filepath.Join(defaultDataPath, "audit.db")

	// Output filename
	outputFile := prompt(reader, "Config file path", defaultConfigPath)

	// Check if file exists
	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if strings.ToLower(overwrite) != "yes" && strings.ToLower(overwrite) != "y" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	// Server configuration
	fmt.Println("\n--- Server Configuration ---")
	httpAddr := prompt(reader, "HTTP address", "localhost:8080")
	keepalive := prompt(reader, "SSE keepalive interval", "15s")

	// Broker
	fmt.Println("\n--- Broker Configuration ---")
	queueSize := prompt(reader, "Subscriber queue size", "64")
	sessionTTL := prompt(reader, "Session TTL", "1h")

	// Auth
	fmt.Println("\n--- Auth Configuration ---")
	csrfStr := prompt(reader, "Require CSRF tokens for mutations?", "yes")
	requireCSRF := strings.ToLower(csrfStr) == "yes" || strings.ToLower(csrfStr) == "y"

	// Generate a signing secret up front
	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return fmt.Errorf("generating secret: %w", err)
	}
	secret := base64.StdEncoding.EncodeToString(secretBytes)

	// Redis
	fmt.Println("\n--- Durable Store Configuration ---")
	enableRedis := prompt(reader, "Enable Redis persistence?", "no")
	redisEnabled := strings.ToLower(enableRedis) == "yes" || strings.ToLower(enableRedis) == "y"

	var redisAddr, redisPrefix string
	if redisEnabled {
		redisAddr = prompt(reader, "Redis address", "localhost:6379")
		redisPrefix = prompt(reader, "Redis key prefix", "streamhub:")
	}

	// Audit
	fmt.Println("\n--- Audit Configuration ---")
	auditPath := prompt(reader, "Audit database path", defaultAuditPath)

	// Logging
	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	// Generate config
	var cfg strings.Builder
	cfg.WriteString("# streamhub configuration\n")
	cfg.WriteString("# Generated by streamhub init\n\n")

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  http_addr: \"%s\"\n", httpAddr))
	cfg.WriteString(fmt.Sprintf("  keepalive_interval: \"%s\"\n", keepalive))
	cfg.WriteString("\n")

	cfg.WriteString("broker:\n")
	cfg.WriteString(fmt.Sprintf("  max_queue_size: %s\n", queueSize))
	cfg.WriteString("  max_history_per_session: 1000\n")
	cfg.WriteString(fmt.Sprintf("  session_ttl: \"%s\"\n", sessionTTL))
	cfg.WriteString("  cleanup_interval: \"1m\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("auth:\n")
	cfg.WriteString(fmt.Sprintf("  secret: \"%s\"\n", secret))
	cfg.WriteString(fmt.Sprintf("  require_csrf: %t\n", requireCSRF))
	cfg.WriteString("  binding_max_age: \"24h\"\n")
	cfg.WriteString("  csrf_max_age: \"1h\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("redis:\n")
	cfg.WriteString(fmt.Sprintf("  enabled: %t\n", redisEnabled))
	if redisEnabled {
		cfg.WriteString(fmt.Sprintf("  addr: \"%s\"\n", redisAddr))
		cfg.WriteString(fmt.Sprintf("  key_prefix: \"%s\"\n", redisPrefix))
		cfg.WriteString("  health_interval: \"30s\"\n")
		cfg.WriteString("  flush_interval: \"5s\"\n")
	}
	cfg.WriteString("\n")

	cfg.WriteString("audit:\n")
	cfg.WriteString(fmt.Sprintf("  path: \"%s\"\n", auditPath))
	cfg.WriteString("\n")

	cfg.WriteString("security:\n")
	cfg.WriteString("  lockout_threshold: 10\n")
	cfg.WriteString("  max_tracked_sources: 10000\n")
	cfg.WriteString("  lockout_cooldown: \"5m\"\n")
	cfg.WriteString("  attempt_window: \"10m\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: \"%s\"\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: \"%s\"\n", logFormat))

	// Ensure config directory exists
	configDir := filepath.Dir(outputFile)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	// Write config file. 0600 because it embeds the signing secret.
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	// Ensure data directory exists
	dataDir := filepath.Dir(auditPath)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Printf("Data directory: %s\n", dataDir)
	fmt.Println("\nTo start the server:")
	fmt.Printf("  streamhub serve\n")

	return nil
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
