// ABOUTME: Agent sidecar that keeps one AI connected to the synapse hub
// ABOUTME: Usage: synapse-agent [-config agent.toml] [-register]

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/synaptiq/synapse-hub/internal/agent"
	"github.com/synaptiq/synapse-hub/internal/hub"
)

func main() {
	_ = godotenv.Load()

	configPath := flag.String("config", "agent.toml", "path to agent config file")
	register := flag.Bool("register", false, "register the agent with the hub before connecting")
	flag.Parse()

	if err := run(*configPath, *register); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, register bool) error {
	cfg, err := agent.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging.Level)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if register {
		if err := registerAgent(ctx, cfg); err != nil {
			return fmt.Errorf("registering agent: %w", err)
		}
		logger.Info("agent registered", "ai_id", cfg.Agent.AIID, "name", cfg.Agent.Name)
	}

	client := agent.NewClient(cfg, logger)
	client.OnMessage = func(frame hub.Frame) {
		logger.Info("message received",
			"from", frame.SenderName,
			"message_type", frame.MessageType,
			"conversation_id", frame.ConversationID,
		)
	}

	logger.Info("starting synapse-agent",
		"config", configPath,
		"hub", cfg.Hub.StreamURL,
		"ai_id", cfg.Agent.AIID,
	)

	err = client.Run(ctx)
	if err != nil && ctx.Err() == nil {
		return err
	}
	logger.Info("agent stopped")
	return nil
}

// registerAgent creates the agent row on the hub. A conflict means the
// agent already exists, which is fine.
func registerAgent(ctx context.Context, cfg *agent.Config) error {
	body, err := json.Marshal(map[string]any{
		"ai_id":     cfg.Agent.AIID,
		"name":      cfg.Agent.Name,
		"nickname":  cfg.Agent.Nickname,
		"expertise": cfg.Agent.Expertise,
		"version":   cfg.Agent.Version,
		"project":   cfg.Agent.Project,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.Hub.APIURL+"/api/agents", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	httpClient := &http.Client{Timeout: 15 * time.Second}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusCreated, http.StatusOK, http.StatusConflict:
		return nil
	default:
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
}

func setupLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
