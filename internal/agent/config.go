// ABOUTME: TOML configuration for the synapse-agent sidecar
// ABOUTME: Loaded from a file path with environment variable expansion

package agent

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the agent sidecar configuration.
type Config struct {
	Hub     HubConfig     `toml:"hub"`
	Agent   AgentConfig   `toml:"agent"`
	State   StateConfig   `toml:"state"`
	Logging LoggingConfig `toml:"logging"`
}

// HubConfig points the client at a running hub.
type HubConfig struct {
	StreamURL string `toml:"stream_url"`
	APIURL    string `toml:"api_url"`

	HeartbeatInterval time.Duration `toml:"-"`
	ReconnectBase     time.Duration `toml:"-"`
	ReconnectMax      time.Duration `toml:"-"`

	HeartbeatIntervalRaw string `toml:"heartbeat_interval"`
	ReconnectBaseRaw     string `toml:"reconnect_base"`
	ReconnectMaxRaw      string `toml:"reconnect_max"`
}

// AgentConfig identifies this agent to the hub.
type AgentConfig struct {
	AIID      int64  `toml:"ai_id"`
	Name      string `toml:"name"`
	Nickname  string `toml:"nickname"`
	Expertise string `toml:"expertise"`
	Version   string `toml:"version"`
	Project   string `toml:"project"`
}

// StateConfig holds local checkpoint paths.
type StateConfig struct {
	BrainPath string `toml:"brain_path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `toml:"level"`
}

// LoadConfig reads an agent config from the given path, expanding ${VAR}
// environment references before parsing.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if _, err := toml.Decode(expanded, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.parseDurations(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

// expandEnvVars replaces ${VAR} with environment variable values.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}")
		return os.Getenv(varName)
	})
}

func (c *Config) parseDurations() error {
	fields := []struct {
		raw  string
		dst  *time.Duration
		name string
	}{
		{c.Hub.HeartbeatIntervalRaw, &c.Hub.HeartbeatInterval, "heartbeat_interval"},
		{c.Hub.ReconnectBaseRaw, &c.Hub.ReconnectBase, "reconnect_base"},
		{c.Hub.ReconnectMaxRaw, &c.Hub.ReconnectMax, "reconnect_max"},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing hub.%s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Hub.HeartbeatInterval == 0 {
		c.Hub.HeartbeatInterval = 30 * time.Second
	}
	if c.Hub.ReconnectBase == 0 {
		c.Hub.ReconnectBase = time.Second
	}
	if c.Hub.ReconnectMax == 0 {
		c.Hub.ReconnectMax = 2 * time.Minute
	}
	if c.State.BrainPath == "" {
		c.State.BrainPath = "brain_state.json"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate checks that required config fields are present.
func (c *Config) Validate() error {
	if c.Hub.StreamURL == "" {
		return fmt.Errorf("hub.stream_url is required")
	}
	if c.Hub.APIURL == "" {
		return fmt.Errorf("hub.api_url is required")
	}
	if c.Agent.AIID == 0 {
		return fmt.Errorf("agent.ai_id is required")
	}
	if c.Agent.Name == "" {
		return fmt.Errorf("agent.name is required")
	}
	return nil
}
