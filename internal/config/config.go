// ABOUTME: Configuration loading and parsing for synapse-hub
// ABOUTME: YAML with ${VAR} expansion and a SYNAPSE_-prefixed environment overlay

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Defaults for liveness and token lifetimes.
const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultStaleTimeout      = 90 * time.Second
	DefaultChallengeGrace    = 60 * time.Second
	DefaultMaxSleep          = 30 * time.Minute
	DefaultCheckInterval     = 15 * time.Second
	DefaultAccessTTL         = 60 * time.Minute
	DefaultRefreshTTL        = 7 * 24 * time.Hour
)

// Config represents the complete synapse-hub configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Liveness LivenessConfig `yaml:"liveness"`
	Logging  LoggingConfig  `yaml:"logging"`
	Lock     LockConfig     `yaml:"lock"`
}

// ServerConfig holds listener address configuration. The stream listener
// carries the websocket hub; the API listener carries the REST surface.
type ServerConfig struct {
	StreamAddr string `yaml:"stream_addr"`
	APIAddr    string `yaml:"api_addr"`
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds token authority configuration.
type AuthConfig struct {
	MasterSecret   string `yaml:"master_secret"`
	StrictPresence bool   `yaml:"strict_presence"`

	AccessTTL  time.Duration `yaml:"-"`
	RefreshTTL time.Duration `yaml:"-"`

	AccessTTLRaw  string `yaml:"access_ttl"`
	RefreshTTLRaw string `yaml:"refresh_ttl"`
}

// LivenessConfig holds idle detection and challenge timing.
type LivenessConfig struct {
	HeartbeatInterval time.Duration `yaml:"-"`
	StaleTimeout      time.Duration `yaml:"-"`
	ChallengeGrace    time.Duration `yaml:"-"`
	MaxSleep          time.Duration `yaml:"-"`
	CheckInterval     time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	HeartbeatIntervalRaw string `yaml:"heartbeat_interval"`
	StaleTimeoutRaw      string `yaml:"stale_timeout"`
	ChallengeGraceRaw    string `yaml:"challenge_grace"`
	MaxSleepRaw          string `yaml:"max_sleep"`
	CheckIntervalRaw     string `yaml:"check_interval"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// LockConfig holds process lock configuration. An empty path disables the
// lock.
type LockConfig struct {
	Path string `yaml:"path"`
}

// envOverrides are applied after the YAML file, highest precedence.
// Variables are prefixed SYNAPSE_, e.g. SYNAPSE_MASTER_SECRET.
type envOverrides struct {
	StreamAddr   string `envconfig:"STREAM_ADDR"`
	APIAddr      string `envconfig:"API_ADDR"`
	DatabasePath string `envconfig:"DATABASE_PATH"`
	MasterSecret string `envconfig:"MASTER_SECRET"`
	LogLevel     string `envconfig:"LOG_LEVEL"`
	LockPath     string `envconfig:"LOCK_PATH"`

	AccessTTL         time.Duration `envconfig:"ACCESS_TTL"`
	RefreshTTL        time.Duration `envconfig:"REFRESH_TTL"`
	HeartbeatInterval time.Duration `envconfig:"HEARTBEAT_INTERVAL"`
	StaleTimeout      time.Duration `envconfig:"STALE_TIMEOUT"`
	ChallengeGrace    time.Duration `envconfig:"CHALLENGE_GRACE"`
	MaxSleep          time.Duration `envconfig:"MAX_SLEEP"`
	CheckInterval     time.Duration `envconfig:"CHECK_INTERVAL"`
}

// Load reads a configuration file from the given path and returns a parsed
// Config. Environment variables in the format ${VAR_NAME} are expanded,
// duration strings are parsed, and SYNAPSE_-prefixed variables override
// file values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.finish(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a configuration with every default applied, used when no
// config file is given.
func Default() (*Config, error) {
	var cfg Config
	if err := cfg.finish(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// finish parses durations, applies env overrides and defaults, then
// validates.
func (c *Config) finish() error {
	if err := parseDurations(c); err != nil {
		return fmt.Errorf("parsing durations: %w", err)
	}

	var env envOverrides
	if err := envconfig.Process("synapse", &env); err != nil {
		return fmt.Errorf("reading environment: %w", err)
	}
	c.applyEnv(env)
	c.applyDefaults()

	if err := c.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}
	return nil
}

func (c *Config) applyEnv(env envOverrides) {
	if env.StreamAddr != "" {
		c.Server.StreamAddr = env.StreamAddr
	}
	if env.APIAddr != "" {
		c.Server.APIAddr = env.APIAddr
	}
	if env.DatabasePath != "" {
		c.Database.Path = env.DatabasePath
	}
	if env.MasterSecret != "" {
		c.Auth.MasterSecret = env.MasterSecret
	}
	if env.LogLevel != "" {
		c.Logging.Level = env.LogLevel
	}
	if env.LockPath != "" {
		c.Lock.Path = env.LockPath
	}
	if env.AccessTTL > 0 {
		c.Auth.AccessTTL = env.AccessTTL
	}
	if env.RefreshTTL > 0 {
		c.Auth.RefreshTTL = env.RefreshTTL
	}
	if env.HeartbeatInterval > 0 {
		c.Liveness.HeartbeatInterval = env.HeartbeatInterval
	}
	if env.StaleTimeout > 0 {
		c.Liveness.StaleTimeout = env.StaleTimeout
	}
	if env.ChallengeGrace > 0 {
		c.Liveness.ChallengeGrace = env.ChallengeGrace
	}
	if env.MaxSleep > 0 {
		c.Liveness.MaxSleep = env.MaxSleep
	}
	if env.CheckInterval > 0 {
		c.Liveness.CheckInterval = env.CheckInterval
	}
}

func (c *Config) applyDefaults() {
	if c.Server.StreamAddr == "" {
		c.Server.StreamAddr = ":8765"
	}
	if c.Server.APIAddr == "" {
		c.Server.APIAddr = ":8080"
	}
	if c.Database.Path == "" {
		c.Database.Path = "synapse.db"
	}
	if c.Auth.AccessTTL == 0 {
		c.Auth.AccessTTL = DefaultAccessTTL
	}
	if c.Auth.RefreshTTL == 0 {
		c.Auth.RefreshTTL = DefaultRefreshTTL
	}
	if c.Liveness.HeartbeatInterval == 0 {
		c.Liveness.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.Liveness.StaleTimeout == 0 {
		c.Liveness.StaleTimeout = DefaultStaleTimeout
	}
	if c.Liveness.ChallengeGrace == 0 {
		c.Liveness.ChallengeGrace = DefaultChallengeGrace
	}
	if c.Liveness.MaxSleep == 0 {
		c.Liveness.MaxSleep = DefaultMaxSleep
	}
	if c.Liveness.CheckInterval == 0 {
		c.Liveness.CheckInterval = DefaultCheckInterval
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding
// environment variable values. Unset variables expand to empty strings.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and
// consistent. Returns an error describing the first failure encountered.
func (c *Config) Validate() error {
	if c.Auth.MasterSecret == "" {
		return fmt.Errorf("auth.master_secret is required (or set SYNAPSE_MASTER_SECRET)")
	}
	if c.Auth.AccessTTL > c.Auth.RefreshTTL {
		return fmt.Errorf("auth.access_ttl %v must not exceed auth.refresh_ttl %v", c.Auth.AccessTTL, c.Auth.RefreshTTL)
	}
	if c.Liveness.HeartbeatInterval >= c.Liveness.StaleTimeout {
		return fmt.Errorf("liveness.heartbeat_interval %v must be shorter than liveness.stale_timeout %v",
			c.Liveness.HeartbeatInterval, c.Liveness.StaleTimeout)
	}
	if c.Liveness.ChallengeGrace <= 0 {
		return fmt.Errorf("liveness.challenge_grace must be positive")
	}
	if c.Liveness.MaxSleep < c.Liveness.ChallengeGrace {
		return fmt.Errorf("liveness.max_sleep %v must be at least liveness.challenge_grace %v",
			c.Liveness.MaxSleep, c.Liveness.ChallengeGrace)
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values.
func parseDurations(cfg *Config) error {
	fields := []struct {
		raw  string
		dst  *time.Duration
		name string
	}{
		{cfg.Auth.AccessTTLRaw, &cfg.Auth.AccessTTL, "access_ttl"},
		{cfg.Auth.RefreshTTLRaw, &cfg.Auth.RefreshTTL, "refresh_ttl"},
		{cfg.Liveness.HeartbeatIntervalRaw, &cfg.Liveness.HeartbeatInterval, "heartbeat_interval"},
		{cfg.Liveness.StaleTimeoutRaw, &cfg.Liveness.StaleTimeout, "stale_timeout"},
		{cfg.Liveness.ChallengeGraceRaw, &cfg.Liveness.ChallengeGrace, "challenge_grace"},
		{cfg.Liveness.MaxSleepRaw, &cfg.Liveness.MaxSleep, "max_sleep"},
		{cfg.Liveness.CheckIntervalRaw, &cfg.Liveness.CheckInterval, "check_interval"},
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
