// ABOUTME: Configuration loading and parsing for the glasses gateway client
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config represents the complete client configuration
type Config struct {
	Gateway   GatewayConfig   `yaml:"gateway" toml:"gateway"`
	Client    ClientConfig    `yaml:"client" toml:"client"`
	Identity  IdentityConfig  `yaml:"identity" toml:"identity"`
	Timeouts  TimeoutsConfig  `yaml:"timeouts" toml:"timeouts"`
	Reconnect ReconnectConfig `yaml:"reconnect" toml:"reconnect"`
	Chat      ChatConfig      `yaml:"chat" toml:"chat"`
	Journal   JournalConfig   `yaml:"journal" toml:"journal"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
}

// GatewayConfig holds the gateway address and shared credentials
type GatewayConfig struct {
	URL      string `yaml:"url" toml:"url"`
	Password string `yaml:"password" toml:"password"`
	Token    string `yaml:"token" toml:"token"`

	PingInterval    time.Duration `yaml:"-" toml:"-"`
	PingIntervalRaw string        `yaml:"ping_interval" toml:"ping_interval"`
}

// ClientConfig describes how the client presents itself in the connect request
type ClientConfig struct {
	ID     string   `yaml:"id" toml:"id"`
	Mode   string   `yaml:"mode" toml:"mode"`
	Role   string   `yaml:"role" toml:"role"`
	Scopes []string `yaml:"scopes" toml:"scopes"`
	Caps   []string `yaml:"caps" toml:"caps"`
}

// IdentityConfig overrides the device identity and pairing token record paths
type IdentityConfig struct {
	Path     string `yaml:"path" toml:"path"`
	AuthPath string `yaml:"auth_path" toml:"auth_path"`
}

// TimeoutsConfig holds per-operation windows
type TimeoutsConfig struct {
	Challenge time.Duration `yaml:"-" toml:"-"`
	Connect   time.Duration `yaml:"-" toml:"-"`
	Request   time.Duration `yaml:"-" toml:"-"`
	Stream    time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	ChallengeRaw string `yaml:"challenge" toml:"challenge"`
	ConnectRaw   string `yaml:"connect" toml:"connect"`
	RequestRaw   string `yaml:"request" toml:"request"`
	StreamRaw    string `yaml:"stream" toml:"stream"`
}

// ReconnectConfig holds backoff tuning
type ReconnectConfig struct {
	BaseDelay   time.Duration `yaml:"-" toml:"-"`
	MaxDelay    time.Duration `yaml:"-" toml:"-"`
	StableAfter time.Duration `yaml:"-" toml:"-"`

	BaseDelayRaw   string `yaml:"base_delay" toml:"base_delay"`
	MaxDelayRaw    string `yaml:"max_delay" toml:"max_delay"`
	StableAfterRaw string `yaml:"stable_after" toml:"stable_after"`
}

// ChatConfig holds chat defaults
type ChatConfig struct {
	SessionKey string `yaml:"session_key" toml:"session_key"`
	// Plaintext flattens markdown replies for terminal or speech output
	Plaintext bool `yaml:"plaintext" toml:"plaintext"`
}

// JournalConfig holds the local run journal settings
type JournalConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			URL:          "ws://127.0.0.1:18789",
			PingInterval: 30 * time.Second,
		},
		Client: ClientConfig{
			ID:     "cli",
			Mode:   "backend",
			Role:   "operator",
			Scopes: []string{"operator.read", "operator.write"},
		},
		Timeouts: TimeoutsConfig{
			Challenge: 15 * time.Second,
			Connect:   15 * time.Second,
			Request:   30 * time.Second,
			Stream:    120 * time.Second,
		},
		Reconnect: ReconnectConfig{
			BaseDelay:   time.Second,
			MaxDelay:    30 * time.Second,
			StableAfter: 60 * time.Second,
		},
		Chat: ChatConfig{
			SessionKey: "main",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// DefaultPath returns the config file location.
// Priority: GLASSES_CONFIG > $XDG_CONFIG_HOME/openclaw-glasses/config.yaml > ~/.config/openclaw-glasses/config.yaml
func DefaultPath() string {
	if p := os.Getenv("GLASSES_CONFIG"); p != "" {
		return p
	}
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join(".config", "openclaw-glasses", "config.yaml")
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "openclaw-glasses", "config.yaml")
}

// Load reads a configuration file from the given path on top of Default().
// Environment variables in the format ${VAR_NAME} are expanded.
// Files ending in .toml are parsed as TOML, everything else as YAML.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw content
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.Identity.Path = expandHome(cfg.Identity.Path)
	cfg.Identity.AuthPath = expandHome(cfg.Identity.AuthPath)
	cfg.Journal.Path = expandHome(cfg.Journal.Path)

	cfg.ApplyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault loads path when it exists and falls back to Default() when it
// does not. Any other read or parse failure is returned.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := Default()
		cfg.ApplyEnv()
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("validating config: %w", err)
		}
		return cfg, nil
	}
	return Load(path)
}

// ApplyEnv overrides gateway settings from OPENCLAW_GATEWAY_URL,
// OPENCLAW_GATEWAY_PASSWORD and OPENCLAW_GATEWAY_TOKEN when set.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("OPENCLAW_GATEWAY_URL"); v != "" {
		c.Gateway.URL = v
	}
	if v := os.Getenv("OPENCLAW_GATEWAY_PASSWORD"); v != "" {
		c.Gateway.Password = v
	}
	if v := os.Getenv("OPENCLAW_GATEWAY_TOKEN"); v != "" {
		c.Gateway.Token = v
	}
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

// expandHome replaces a leading ~/ with the user's home directory.
func expandHome(p string) string {
	if !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, p[2:])
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Gateway.URL == "" {
		return fmt.Errorf("gateway.url is required")
	}
	u, err := url.Parse(c.Gateway.URL)
	if err != nil {
		return fmt.Errorf("gateway.url is not a valid URL: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return fmt.Errorf("gateway.url must use ws, wss, http or https scheme")
	}

	if c.Client.Role == "" {
		return fmt.Errorf("client.role is required")
	}

	if c.Reconnect.BaseDelay <= 0 {
		return fmt.Errorf("reconnect.base_delay must be positive")
	}
	if c.Reconnect.MaxDelay < c.Reconnect.BaseDelay {
		return fmt.Errorf("reconnect.max_delay must not be less than reconnect.base_delay")
	}

	for name, d := range map[string]time.Duration{
		"timeouts.challenge": c.Timeouts.Challenge,
		"timeouts.connect":   c.Timeouts.Connect,
		"timeouts.request":   c.Timeouts.Request,
		"timeouts.stream":    c.Timeouts.Stream,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}

	if c.Journal.Enabled && c.Journal.Path == "" {
		return fmt.Errorf("journal.path is required when the journal is enabled")
	}

	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values.
// Empty raw values keep the defaults.
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"gateway.ping_interval", cfg.Gateway.PingIntervalRaw, &cfg.Gateway.PingInterval},
		{"timeouts.challenge", cfg.Timeouts.ChallengeRaw, &cfg.Timeouts.Challenge},
		{"timeouts.connect", cfg.Timeouts.ConnectRaw, &cfg.Timeouts.Connect},
		{"timeouts.request", cfg.Timeouts.RequestRaw, &cfg.Timeouts.Request},
		{"timeouts.stream", cfg.Timeouts.StreamRaw, &cfg.Timeouts.Stream},
		{"reconnect.base_delay", cfg.Reconnect.BaseDelayRaw, &cfg.Reconnect.BaseDelay},
		{"reconnect.max_delay", cfg.Reconnect.MaxDelayRaw, &cfg.Reconnect.MaxDelay},
		{"reconnect.stable_after", cfg.Reconnect.StableAfterRaw, &cfg.Reconnect.StableAfter},
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
