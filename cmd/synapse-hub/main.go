// ABOUTME: Entry point for the synapse-hub coordination server
// ABOUTME: Manages agent sessions, messaging, and brain-state checkpoints

package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"flag"
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
	"github.com/joho/godotenv"

	"github.com/synaptiq/synapse-hub/internal/config"
	"github.com/synaptiq/synapse-hub/internal/proclock"
	"github.com/synaptiq/synapse-hub/internal/server"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                                             _           _
  ___ _   _ _ __   __ _ _ __  ___  ___      | |__  _   _| |__
 / __| | | | '_ \ / _' | '_ \/ __|/ _ \_____| '_ \| | | | '_ \
 \__ \ |_| | | | | (_| | |_) \__ \  __/_____| | | | |_| | |_) |
 |___/\__, |_| |_|\__,_| .__/|___/\___|     |_| |_|\__,_|_.__/
      |___/            |_|
`

// getConfigPath returns the path to the hub config file.
// Priority: --config flag > SYNAPSE_CONFIG env var > XDG config dir.
func getConfigPath(flagPath string) string {
	if flagPath != "" {
		return flagPath
	}
	if envPath := os.Getenv("SYNAPSE_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "hub.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "synapse", "hub.yaml")
}

// getDataPath returns the path to the synapse data directory.
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "synapse")
}

func main() {
	// A .env next to the binary is a development convenience; absence is
	// not an error.
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		fmt.Println("Usage: synapse-hub <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve    Start the hub server")
		fmt.Println("  init     Create a new config file")
		fmt.Println("  health   Check hub health")
		fmt.Println("  agents   Show connected agent count")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx, os.Args[2:])
	case "init":
		err = runInit(os.Args[2:])
	case "health":
		err = runHealth(ctx, os.Args[2:])
	case "agents":
		err = runAgents(ctx, os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func serveFlags(args []string) (configPath string, err error) {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	cfgFlag := fs.String("config", "", "path to config file")
	host := fs.String("host", "", "listener host override")
	port := fs.String("port", "", "stream listener port override")
	apiPort := fs.String("api-port", "", "API listener port override")
	if err := fs.Parse(args); err != nil {
		return "", err
	}

	// Flags translate to the same overrides the env layer applies.
	if *port != "" {
		os.Setenv("SYNAPSE_STREAM_ADDR", *host+":"+*port)
	}
	if *apiPort != "" {
		os.Setenv("SYNAPSE_API_ADDR", *host+":"+*apiPort)
	}
	return getConfigPath(*cfgFlag), nil
}

func runServe(ctx context.Context, args []string) error {
	configPath, err := serveFlags(args)
	if err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	if cfg.Lock.Path != "" {
		lock := proclock.New(cfg.Lock.Path, logger)
		if err := lock.Acquire(); err != nil {
			if errors.Is(err, proclock.ErrLocked) {
				return fmt.Errorf("cannot start: %w", err)
			}
			return fmt.Errorf("acquiring process lock: %w", err)
		}
		defer lock.Release()
	}

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:  %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Stream:  %s\n", cfg.Server.StreamAddr)
	green.Print("    ▶ ")
	fmt.Printf("API:     %s\n", cfg.Server.APIAddr)
	fmt.Println()

	logger.Info("starting synapse-hub",
		"config", configPath,
		"stream_addr", cfg.Server.StreamAddr,
		"api_addr", cfg.Server.APIAddr,
	)

	srv, err := server.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	return srv.Run(ctx)
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
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

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

	buf.WriteString(r.Message)

	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
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
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}

func loadForProbe(args []string) (*config.Config, error) {
	fs := flag.NewFlagSet("probe", flag.ContinueOnError)
	cfgFlag := fs.String("config", "", "path to config file")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return config.Load(getConfigPath(*cfgFlag))
}

func runHealth(ctx context.Context, args []string) error {
	cfg, err := loadForProbe(args)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/health", probeHost(cfg.Server.APIAddr))
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

func runAgents(ctx context.Context, args []string) error {
	cfg, err := loadForProbe(args)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/health/ready", probeHost(cfg.Server.APIAddr))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("agents check failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	fmt.Println(string(body))
	return nil
}

// probeHost turns a listen address like ":8080" into a dialable host.
func probeHost(addr string) string {
	if strings.HasPrefix(addr, ":") {
		return "localhost" + addr
	}
	return addr
}

// runInit writes a starter config with a random master secret.
func runInit(args []string) error {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	cfgFlag := fs.String("config", "", "path to config file")
	force := fs.Bool("force", false, "overwrite an existing config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	configPath := getConfigPath(*cfgFlag)
	dataPath := getDataPath()
	dbPath := filepath.Join(dataPath, "hub.db")
	lockPath := filepath.Join(dataPath, "hub.pid")

	if _, err := os.Stat(configPath); err == nil && !*force {
		return fmt.Errorf("config already exists at %s (use --force to overwrite)", configPath)
	}

	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return fmt.Errorf("generating master secret: %w", err)
	}
	masterSecret := base64.StdEncoding.EncodeToString(secretBytes)

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.MkdirAll(dataPath, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	configContent := fmt.Sprintf(`# synapse-hub configuration
# Generated by synapse-hub init

server:
  stream_addr: "localhost:8765"
  api_addr: "localhost:8080"

database:
  path: "%s"

auth:
  master_secret: "%s"
  access_ttl: "60m"
  refresh_ttl: "168h"

liveness:
  heartbeat_interval: "30s"
  stale_timeout: "90s"
  challenge_grace: "60s"
  max_sleep: "30m"
  check_interval: "15s"

lock:
  path: "%s"

logging:
  level: "info"
  format: "text"
`, dbPath, masterSecret, lockPath)

	if err := os.WriteFile(configPath, []byte(configContent), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Printf("  ✓ Created config: %s\n", configPath)
	green.Printf("  ✓ Data directory: %s\n", dataPath)
	fmt.Println()
	fmt.Println("To start the server:")
	fmt.Println("  synapse-hub serve")

	return nil
}
