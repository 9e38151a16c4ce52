package config

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/modelmux/modelmux/pkg/models"
)

// Config is the umbrella configuration object for the gateway.
// This is the primary object returned by Initialize() and used throughout the application.
type Config struct {
	configPath string // Configuration file path (for reference)

	// HTTP server settings
	Host      string
	Port      int
	LogLevel  string
	LogFormat string

	// Queue and dispatch settings
	MaxQueueSize          int
	MaxConcurrentRequests int

	// Retention settings (hours)
	RequestTTLHours    int
	MetricsTTLHours    int
	DiscussionTTLHours int

	// Background loop intervals (seconds)
	HealthCheckIntervalS int
	CleanupIntervalS     int

	// DefaultProvider is used when an ask request omits the provider.
	// Empty means requests must always name a provider.
	DefaultProvider string

	// AllowedWSOrigins lists additional WebSocket origin patterns.
	AllowedWSOrigins []string

	Database   *DatabaseConfig
	Discussion *DiscussionDefaults
	Slack      *SlackConfig

	// Providers maps provider name to its resolved configuration.
	Providers map[string]*ProviderConfig
}

// DatabaseConfig holds resolved database connection settings.
type DatabaseConfig struct {
	Driver string // "sqlite" or "postgres"

	// SQLite settings
	Path string

	// PostgreSQL settings
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DiscussionDefaults holds gateway-wide defaults for discussion sessions.
// Individual sessions may override these via their own config.
type DiscussionDefaults struct {
	MinProviders     int
	ProviderTimeoutS float64
	RoundTimeoutS    float64
	MaxRounds        int
	SummaryProvider  string
}

// SlackConfig holds resolved Slack notification settings.
type SlackConfig struct {
	Enabled  bool
	TokenEnv string // Environment variable containing the bot token
	Channel  string
}

// ProviderConfig holds the resolved configuration for a single provider.
type ProviderConfig struct {
	Name         string
	Backend      models.BackendKind
	Enabled      bool
	Priority     int
	TimeoutS     float64
	RateLimitRPM int // 0 means unlimited

	HTTP *HTTPBackendConfig
	CLI  *CLIBackendConfig
}

// HTTPBackendConfig configures an HTTP API backend.
type HTTPBackendConfig struct {
	Endpoint   string `yaml:"endpoint"`
	AuthHeader string `yaml:"auth_header,omitempty"` // Defaults to "Authorization"
	AuthEnv    string `yaml:"auth_env,omitempty"`    // Environment variable containing the API key
	Model      string `yaml:"model,omitempty"`
}

// CLIBackendConfig configures a command-line backend. PromptSentinels
// switches the provider to interactive mode: the gateway keeps one
// long-lived process and detects readiness by watching for these
// prompt strings on stdout.
type CLIBackendConfig struct {
	Command         string   `yaml:"command"`
	Args            []string `yaml:"args,omitempty"`
	WorkDir         string   `yaml:"workdir,omitempty"`
	PromptSentinels []string `yaml:"prompt_sentinels,omitempty"`
}

// Initialize is defined in loader.go

// Stats contains statistics about loaded configuration
type Stats struct {
	Providers        int
	EnabledProviders int
	HTTPBackends     int
	CLIBackends      int
}

// Stats returns configuration statistics for logging/monitoring
func (c *Config) Stats() Stats {
	s := Stats{}
	for _, p := range c.Providers {
		s.Providers++
		if p.Enabled {
			s.EnabledProviders++
		}
		switch p.Backend {
		case models.BackendHTTP:
			s.HTTPBackends++
		case models.BackendCLI, models.BackendCLIInteractive:
			s.CLIBackends++
		}
	}
	return s
}

// ConfigPath returns the configuration file path
func (c *Config) ConfigPath() string {
	return c.configPath
}

// Addr returns the host:port the HTTP server should bind to.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Provider retrieves a provider configuration by name.
func (c *Config) Provider(name string) (*ProviderConfig, bool) {
	p, ok := c.Providers[name]
	return p, ok
}

// ProviderNames returns a sorted list of all configured provider names.
func (c *Config) ProviderNames() []string {
	names := make([]string, 0, len(c.Providers))
	for name := range c.Providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// EnabledProviderNames returns a sorted list of enabled provider names.
func (c *Config) EnabledProviderNames() []string {
	names := make([]string, 0, len(c.Providers))
	for name, p := range c.Providers {
		if p.Enabled {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// RequestTTL returns the completed-request retention window.
func (c *Config) RequestTTL() time.Duration {
	return time.Duration(c.RequestTTLHours) * time.Hour
}

// MetricsTTL returns the metric event retention window.
func (c *Config) MetricsTTL() time.Duration {
	return time.Duration(c.MetricsTTLHours) * time.Hour
}

// DiscussionTTL returns the terminal discussion retention window.
func (c *Config) DiscussionTTL() time.Duration {
	return time.Duration(c.DiscussionTTLHours) * time.Hour
}

// HealthCheckInterval returns the provider health probe interval.
func (c *Config) HealthCheckInterval() time.Duration {
	return time.Duration(c.HealthCheckIntervalS) * time.Second
}

// CleanupInterval returns the retention sweep interval.
func (c *Config) CleanupInterval() time.Duration {
	return time.Duration(c.CleanupIntervalS) * time.Second
}

// SlogLevel maps the configured log level to a slog.Level.
// Unknown values fall back to info.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
