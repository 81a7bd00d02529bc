// File: internal/config/config.go
package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Config holds the entire agent configuration.
type Config struct {
	Logger     LoggerConfig     `mapstructure:"logger" yaml:"logger"`
	Controller ControllerConfig `mapstructure:"controller" yaml:"controller"`
	Rules      RulesConfig      `mapstructure:"rules" yaml:"rules"`
	Plan       PlanConfig       `mapstructure:"plan" yaml:"plan"`
	Executor   ExecutorConfig   `mapstructure:"executor" yaml:"executor"`
	Source     SourceConfig     `mapstructure:"source" yaml:"source"`
	Browser    BrowserConfig    `mapstructure:"browser" yaml:"browser"`
	Store      StoreConfig      `mapstructure:"store" yaml:"store"`
	Database   DatabaseConfig   `mapstructure:"database" yaml:"database"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color names for each log level on the console.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// ControllerConfig describes the persistent link to the controller.
type ControllerConfig struct {
	URL               string          `mapstructure:"url" yaml:"url"`
	HeartbeatInterval time.Duration   `mapstructure:"heartbeat_interval" yaml:"heartbeat_interval"`
	Reconnect         ReconnectConfig `mapstructure:"reconnect" yaml:"reconnect"`
}

// ReconnectConfig tunes the backoff schedule used after the link drops.
// Delays follow min(base * 1.5^attempt, ceiling); after MaxAttempts the
// agent stops retrying until told to connect again.
type ReconnectConfig struct {
	Base        time.Duration `mapstructure:"base" yaml:"base"`
	Ceiling     time.Duration `mapstructure:"ceiling" yaml:"ceiling"`
	MaxAttempts int           `mapstructure:"max_attempts" yaml:"max_attempts"`
}

// RulesConfig tunes the trigger-rule engine.
type RulesConfig struct {
	// Cooldown is the minimum time before a rule may re-fire after it went
	// inactive.
	Cooldown time.Duration `mapstructure:"cooldown" yaml:"cooldown"`
}

// PlanConfig tunes plan validation and the safety screen.
type PlanConfig struct {
	MaxSteps       int      `mapstructure:"max_steps" yaml:"max_steps"`
	DeniedKeywords []string `mapstructure:"denied_keywords" yaml:"denied_keywords"`
}

// ExecutorConfig tunes the step executor.
type ExecutorConfig struct {
	// SettleCap bounds the per-step settle delay regardless of the
	// action-specific default.
	SettleCap time.Duration `mapstructure:"settle_cap" yaml:"settle_cap"`
}

// Provider identifies a supported response-source backend.
type Provider string

const (
	ProviderGemini Provider = "gemini"
)

// SourceConfig selects and configures the response sources. Target names the
// entry in Sources used for planning.
type SourceConfig struct {
	Target  string                 `mapstructure:"target" yaml:"target"`
	Sources map[string]ModelConfig `mapstructure:"sources" yaml:"sources"`
}

// ModelConfig configures one response source.
type ModelConfig struct {
	Provider    Provider      `mapstructure:"provider" yaml:"provider"`
	Model       string        `mapstructure:"model" yaml:"model"`
	APIKey      string        `mapstructure:"api_key" yaml:"-"`
	Endpoint    string        `mapstructure:"endpoint" yaml:"endpoint"`
	APITimeout  time.Duration `mapstructure:"api_timeout" yaml:"api_timeout"`
	Temperature float64       `mapstructure:"temperature" yaml:"temperature"`
	MaxTokens   int           `mapstructure:"max_tokens" yaml:"max_tokens"`
}

// BrowserConfig holds settings for the local browser surface.
type BrowserConfig struct {
	Headless          bool          `mapstructure:"headless" yaml:"headless"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	UserAgent         string        `mapstructure:"user_agent" yaml:"user_agent"`
	Args              []string      `mapstructure:"args" yaml:"args"`
}

// StoreConfig locates the local settings/log store.
type StoreConfig struct {
	Path          string `mapstructure:"path" yaml:"path"`
	MaxLogEntries int    `mapstructure:"max_log_entries" yaml:"max_log_entries"`
}

// ExpandedPath resolves a leading "~" in the store path.
func (s StoreConfig) ExpandedPath() (string, error) {
	path, err := homedir.Expand(s.Path)
	if err != nil {
		return "", fmt.Errorf("failed to expand store path %q: %w", s.Path, err)
	}
	return path, nil
}

// DatabaseConfig holds the optional execution-history database. An empty URL
// disables the archive.
type DatabaseConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// NewDefaultConfig creates a configuration populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for all configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "autonion-agent")
	v.SetDefault("logger.log_file", "autonion.log")
	v.SetDefault("logger.max_size", 50)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 14)
	v.SetDefault("logger.compress", true)

	// -- Controller link --
	v.SetDefault("controller.url", "ws://localhost:8787/agent")
	v.SetDefault("controller.heartbeat_interval", "20s")
	v.SetDefault("controller.reconnect.base", "2s")
	v.SetDefault("controller.reconnect.ceiling", "60s")
	v.SetDefault("controller.reconnect.max_attempts", 10)

	// -- Rules --
	v.SetDefault("rules.cooldown", "30s")

	// -- Plan --
	v.SetDefault("plan.max_steps", 10)
	v.SetDefault("plan.denied_keywords", []string{
		"delete", "remove", "purchase", "buy", "checkout", "payment",
		"unsubscribe", "transfer",
	})

	// -- Executor --
	v.SetDefault("executor.settle_cap", "5s")

	// -- Response source --
	v.SetDefault("source.target", "gemini-flash")
	v.SetDefault("source.sources.gemini-flash.provider", "gemini")
	v.SetDefault("source.sources.gemini-flash.model", "gemini-2.5-flash")
	v.SetDefault("source.sources.gemini-flash.api_timeout", "45s")
	v.SetDefault("source.sources.gemini-flash.temperature", 0.2)
	v.SetDefault("source.sources.gemini-flash.max_tokens", 4096)

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.navigation_timeout", "45s")

	// -- Store --
	v.SetDefault("store.path", "~/.autonion/state")
	v.SetDefault("store.max_log_entries", 500)
}

// NewConfigFromViper creates a validated configuration from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// API keys are secrets; accept them from the environment when the file
	// leaves them empty.
	if key := os.Getenv("AUTONION_SOURCE_API_KEY"); key != "" {
		for name, m := range cfg.Source.Sources {
			if m.APIKey == "" {
				m.APIKey = key
				cfg.Source.Sources[name] = m
			}
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if err := c.Controller.Validate(); err != nil {
		return fmt.Errorf("controller configuration invalid: %w", err)
	}
	if c.Rules.Cooldown <= 0 {
		return fmt.Errorf("rules.cooldown must be a positive duration")
	}
	if c.Plan.MaxSteps <= 0 {
		return fmt.Errorf("plan.max_steps must be a positive integer")
	}
	if c.Executor.SettleCap <= 0 {
		return fmt.Errorf("executor.settle_cap must be a positive duration")
	}
	if c.Store.MaxLogEntries <= 0 {
		return fmt.Errorf("store.max_log_entries must be a positive integer")
	}
	if err := c.Source.Validate(); err != nil {
		return fmt.Errorf("source configuration invalid: %w", err)
	}
	return nil
}

// Validate checks the controller link settings.
func (c *ControllerConfig) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("controller.url is required")
	}
	u, err := url.Parse(c.URL)
	if err != nil {
		return fmt.Errorf("controller.url is not a valid URL: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("controller.url must use the ws or wss scheme, got %q", u.Scheme)
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("controller.heartbeat_interval must be a positive duration")
	}
	if c.Reconnect.Base <= 0 {
		return fmt.Errorf("controller.reconnect.base must be a positive duration")
	}
	if c.Reconnect.Ceiling < c.Reconnect.Base {
		return fmt.Errorf("controller.reconnect.ceiling must be >= controller.reconnect.base")
	}
	if c.Reconnect.MaxAttempts <= 0 {
		return fmt.Errorf("controller.reconnect.max_attempts must be a positive integer")
	}
	return nil
}

// Validate checks the response-source settings.
func (s *SourceConfig) Validate() error {
	if s.Target == "" {
		return fmt.Errorf("source.target is required")
	}
	if _, ok := s.Sources[s.Target]; !ok {
		return fmt.Errorf("source.target %q has no entry under source.sources", s.Target)
	}
	for name, m := range s.Sources {
		if m.Provider == "" {
			return fmt.Errorf("source.sources.%s.provider is required", name)
		}
		if m.APITimeout <= 0 {
			return fmt.Errorf("source.sources.%s.api_timeout must be a positive duration", name)
		}
	}
	return nil
}
