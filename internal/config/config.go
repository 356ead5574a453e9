// ABOUTME: Configuration loading and parsing for support-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete support-gateway configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Auth       AuthConfig       `yaml:"auth"`
	Automation AutomationConfig `yaml:"automation"`
	Realtime   RealtimeConfig   `yaml:"realtime"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// AutomationConfig holds configuration for the automated-reply pipeline webhooks
type AutomationConfig struct {
	WebhookBaseURL  string `yaml:"webhook_base_url"`
	InboundPath     string `yaml:"inbound_path"`
	TakeoverPath    string `yaml:"takeover_path"`
	OperatorMsgPath string `yaml:"operator_message_path"`

	Timeout time.Duration `yaml:"-"`

	// Raw string value for YAML unmarshaling
	TimeoutRaw string `yaml:"timeout"`
}

// RealtimeConfig holds tuning for the realtime connection layer
type RealtimeConfig struct {
	// PauseBotOnEscalation pauses automated replies as soon as a session is
	// escalated, instead of waiting for an operator takeover.
	PauseBotOnEscalation bool `yaml:"pause_bot_on_escalation"`

	// WebhookRateLimit is the per-user sustained rate (messages/sec) accepted
	// on the inbound web-widget webhook. Zero disables limiting.
	WebhookRateLimit float64 `yaml:"webhook_rate_limit"`
	WebhookBurst     int     `yaml:"webhook_burst"`

	WriteTimeout time.Duration `yaml:"-"`

	WriteTimeoutRaw string `yaml:"write_timeout"`
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

	cfg.applyDefaults()

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

// applyDefaults fills in values that are optional in the config file.
func (c *Config) applyDefaults() {
	if c.Automation.Timeout == 0 {
		c.Automation.Timeout = 10 * time.Second
	}
	if c.Automation.InboundPath == "" {
		c.Automation.InboundPath = "inbound-web"
	}
	if c.Automation.TakeoverPath == "" {
		c.Automation.TakeoverPath = "human-takeover"
	}
	if c.Automation.OperatorMsgPath == "" {
		c.Automation.OperatorMsgPath = "operator-message"
	}
	if c.Realtime.WriteTimeout == 0 {
		c.Realtime.WriteTimeout = 10 * time.Second
	}
	if c.Realtime.WebhookBurst == 0 {
		c.Realtime.WebhookBurst = 5
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Automation.WebhookBaseURL == "" {
		return fmt.Errorf("automation.webhook_base_url is required")
	}

	if c.Realtime.WebhookRateLimit < 0 {
		return fmt.Errorf("realtime.webhook_rate_limit must not be negative")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Automation.TimeoutRaw != "" {
		cfg.Automation.Timeout, err = time.ParseDuration(cfg.Automation.TimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing automation timeout %q: %w", cfg.Automation.TimeoutRaw, err)
		}
	}

	if cfg.Realtime.WriteTimeoutRaw != "" {
		cfg.Realtime.WriteTimeout, err = time.ParseDuration(cfg.Realtime.WriteTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing write_timeout %q: %w", cfg.Realtime.WriteTimeoutRaw, err)
		}
	}

	return nil
}
