package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"

	"github.com/modelmux/modelmux/pkg/models"
)

// GatewayYAMLConfig represents the complete modelmux.yaml file structure
type GatewayYAMLConfig struct {
	Host                  string   `yaml:"host"`
	Port                  int      `yaml:"port"`
	LogLevel              string   `yaml:"log_level"`
	LogFormat             string   `yaml:"log_format"`
	MaxQueueSize          int      `yaml:"max_queue_size"`
	MaxConcurrentRequests int      `yaml:"max_concurrent_requests"`
	RequestTTLHours       int      `yaml:"request_ttl_hours"`
	MetricsTTLHours       int      `yaml:"metrics_ttl_hours"`
	DiscussionTTLHours    int      `yaml:"discussion_ttl_hours"`
	DefaultProvider       string   `yaml:"default_provider"`
	HealthCheckIntervalS  int      `yaml:"health_check_interval_s"`
	CleanupIntervalS      int      `yaml:"cleanup_interval_s"`
	AllowedWSOrigins      []string `yaml:"allowed_ws_origins"`

	Database   *DatabaseYAMLConfig           `yaml:"database"`
	Discussion *DiscussionYAMLConfig         `yaml:"discussion"`
	Slack      *SlackYAMLConfig              `yaml:"slack"`
	Providers  map[string]ProviderYAMLConfig `yaml:"providers"`
}

// DatabaseYAMLConfig holds database settings from YAML.
type DatabaseYAMLConfig struct {
	Driver          string `yaml:"driver,omitempty"`
	Path            string `yaml:"path,omitempty"`
	Host            string `yaml:"host,omitempty"`
	Port            int    `yaml:"port,omitempty"`
	User            string `yaml:"user,omitempty"`
	Password        string `yaml:"password,omitempty"`
	DBName          string `yaml:"dbname,omitempty"`
	SSLMode         string `yaml:"sslmode,omitempty"`
	MaxOpenConns    int    `yaml:"max_open_conns,omitempty"`
	MaxIdleConns    int    `yaml:"max_idle_conns,omitempty"`
	ConnMaxLifetime string `yaml:"conn_max_lifetime,omitempty"` // Parsed to time.Duration
}

// DiscussionYAMLConfig holds discussion defaults from YAML.
type DiscussionYAMLConfig struct {
	MinProviders     int     `yaml:"min_providers,omitempty"`
	ProviderTimeoutS float64 `yaml:"provider_timeout_s,omitempty"`
	RoundTimeoutS    float64 `yaml:"round_timeout_s,omitempty"`
	MaxRounds        int     `yaml:"max_rounds,omitempty"`
	SummaryProvider  string  `yaml:"summary_provider,omitempty"`
}

// SlackYAMLConfig holds Slack notification settings from YAML.
type SlackYAMLConfig struct {
	Enabled  *bool  `yaml:"enabled,omitempty"`
	TokenEnv string `yaml:"token_env,omitempty"`
	Channel  string `yaml:"channel,omitempty"`
}

// ProviderYAMLConfig holds a single provider definition from YAML.
type ProviderYAMLConfig struct {
	Backend      string             `yaml:"backend"`
	Enabled      *bool              `yaml:"enabled,omitempty"`
	Priority     *int               `yaml:"priority,omitempty"`
	TimeoutS     float64            `yaml:"timeout_s,omitempty"`
	RateLimitRPM int                `yaml:"rate_limit_rpm,omitempty"`
	HTTP         *HTTPBackendConfig `yaml:"http,omitempty"`
	CLI          *CLIBackendConfig  `yaml:"cli,omitempty"`
}

// Initialize loads, validates, and returns ready-to-use configuration.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Load YAML file from configPath
//  2. Expand environment variables
//  3. Parse YAML into structs
//  4. Merge user settings over built-in defaults
//  5. Resolve nested sections (database, discussion, slack, providers)
//  6. Validate all configuration
//  7. Return Config ready for use
func Initialize(ctx context.Context, configPath string) (*Config, error) {
	log := slog.With("config_file", configPath)
	log.Info("Initializing configuration")

	// 1. Load configuration file
	cfg, err := load(ctx, configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	// 2. Validate all configuration
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	stats := cfg.Stats()
	log.Info("Configuration initialized successfully",
		"providers", stats.Providers,
		"enabled_providers", stats.EnabledProviders,
		"database_driver", cfg.Database.Driver,
		"max_queue_size", cfg.MaxQueueSize,
		"max_concurrent_requests", cfg.MaxConcurrentRequests)

	return cfg, nil
}

// load is the internal loader (not exported)
func load(_ context.Context, configPath string) (*Config, error) {
	loader := &configLoader{
		configPath: configPath,
	}

	// 1. Load modelmux.yaml (single file: server, database, providers, discussion)
	userCfg, err := loader.loadGatewayYAML()
	if err != nil {
		return nil, NewLoadError(filepath.Base(configPath), err)
	}

	// 2. Merge user settings over built-in defaults
	// Start with defaults, then merge user config on top to preserve unset defaults
	merged := DefaultGatewayYAML()
	if err := mergo.Merge(merged, userCfg, mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("failed to merge configuration: %w", err)
	}

	// 3. Resolve nested sections (applying per-section defaults)
	databaseCfg := resolveDatabaseConfig(merged.Database)
	discussionCfg := resolveDiscussionDefaults(merged.Discussion)
	slackCfg := resolveSlackConfig(merged.Slack)
	providers := resolveProviders(merged.Providers)

	return &Config{
		configPath:            configPath,
		Host:                  merged.Host,
		Port:                  merged.Port,
		LogLevel:              merged.LogLevel,
		LogFormat:             merged.LogFormat,
		MaxQueueSize:          merged.MaxQueueSize,
		MaxConcurrentRequests: merged.MaxConcurrentRequests,
		RequestTTLHours:       merged.RequestTTLHours,
		MetricsTTLHours:       merged.MetricsTTLHours,
		DiscussionTTLHours:    merged.DiscussionTTLHours,
		DefaultProvider:       merged.DefaultProvider,
		HealthCheckIntervalS:  merged.HealthCheckIntervalS,
		CleanupIntervalS:      merged.CleanupIntervalS,
		AllowedWSOrigins:      merged.AllowedWSOrigins,
		Database:              databaseCfg,
		Discussion:            discussionCfg,
		Slack:                 slackCfg,
		Providers:             providers,
	}, nil
}

// validate performs comprehensive validation on loaded configuration
func validate(cfg *Config) error {
	validator := NewValidator(cfg)
	return validator.ValidateAll()
}

// DefaultGatewayYAML returns the built-in gateway defaults.
func DefaultGatewayYAML() *GatewayYAMLConfig {
	return &GatewayYAMLConfig{
		Host:                  "0.0.0.0",
		Port:                  8080,
		LogLevel:              "info",
		LogFormat:             "text",
		MaxQueueSize:          1000,
		MaxConcurrentRequests: 10,
		RequestTTLHours:       24,
		MetricsTTLHours:       168,
		DiscussionTTLHours:    168,
		HealthCheckIntervalS:  60,
		CleanupIntervalS:      3600,
	}
}

type configLoader struct {
	configPath string
}

func (l *configLoader) loadYAML(path string, target any) error {
	// Read file
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return err
	}

	// Expand environment variables using {{.VAR}} template syntax
	// Note: ExpandEnv passes through original data on parse/execution errors,
	// allowing YAML parser to handle the content (or fail with clearer error message)
	data = ExpandEnv(data)

	// Parse YAML
	if err := yaml.Unmarshal(data, target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}

	return nil
}

func (l *configLoader) loadGatewayYAML() (*GatewayYAMLConfig, error) {
	var config GatewayYAMLConfig

	// Initialize map to avoid nil map
	config.Providers = make(map[string]ProviderYAMLConfig)

	if err := l.loadYAML(l.configPath, &config); err != nil {
		return nil, err
	}

	return &config, nil
}

// resolveDatabaseConfig resolves database configuration from YAML, applying defaults.
func resolveDatabaseConfig(db *DatabaseYAMLConfig) *DatabaseConfig {
	cfg := &DatabaseConfig{
		Driver:          "sqlite",
		Path:            "modelmux.db",
		Host:            "localhost",
		Port:            5432,
		User:            "modelmux",
		DBName:          "modelmux",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
	}

	if db == nil {
		return cfg
	}

	if db.Driver != "" {
		cfg.Driver = db.Driver
	}
	if db.Path != "" {
		cfg.Path = db.Path
	}
	if db.Host != "" {
		cfg.Host = db.Host
	}
	if db.Port > 0 {
		cfg.Port = db.Port
	}
	if db.User != "" {
		cfg.User = db.User
	}
	if db.Password != "" {
		cfg.Password = db.Password
	}
	if db.DBName != "" {
		cfg.DBName = db.DBName
	}
	if db.SSLMode != "" {
		cfg.SSLMode = db.SSLMode
	}
	if db.MaxOpenConns > 0 {
		cfg.MaxOpenConns = db.MaxOpenConns
	}
	if db.MaxIdleConns > 0 {
		cfg.MaxIdleConns = db.MaxIdleConns
	}
	if db.ConnMaxLifetime != "" {
		if d, err := time.ParseDuration(db.ConnMaxLifetime); err == nil {
			cfg.ConnMaxLifetime = d
		} else {
			slog.Warn("Invalid conn_max_lifetime in database config, using default",
				"value", db.ConnMaxLifetime,
				"default", cfg.ConnMaxLifetime,
				"error", err)
		}
	}

	return cfg
}

// resolveDiscussionDefaults resolves discussion defaults from YAML.
func resolveDiscussionDefaults(d *DiscussionYAMLConfig) *DiscussionDefaults {
	cfg := &DiscussionDefaults{
		MinProviders:     models.DefaultMinProviders,
		ProviderTimeoutS: models.DefaultProviderTimeoutS,
		RoundTimeoutS:    models.DefaultRoundTimeoutS,
		MaxRounds:        models.DefaultMaxRounds,
	}

	if d == nil {
		return cfg
	}

	if d.MinProviders > 0 {
		cfg.MinProviders = d.MinProviders
	}
	if d.ProviderTimeoutS > 0 {
		cfg.ProviderTimeoutS = d.ProviderTimeoutS
	}
	if d.RoundTimeoutS > 0 {
		cfg.RoundTimeoutS = d.RoundTimeoutS
	}
	if d.MaxRounds > 0 {
		cfg.MaxRounds = d.MaxRounds
	}
	if d.SummaryProvider != "" {
		cfg.SummaryProvider = d.SummaryProvider
	}

	return cfg
}

// resolveSlackConfig resolves Slack configuration from YAML, applying defaults.
func resolveSlackConfig(s *SlackYAMLConfig) *SlackConfig {
	cfg := &SlackConfig{
		Enabled:  false,
		TokenEnv: "SLACK_BOT_TOKEN",
	}

	if s == nil {
		return cfg
	}

	if s.Enabled != nil {
		cfg.Enabled = *s.Enabled
	}
	if s.TokenEnv != "" {
		cfg.TokenEnv = s.TokenEnv
	}
	if s.Channel != "" {
		cfg.Channel = s.Channel
	}

	return cfg
}

// resolveProviders resolves provider configurations from YAML, applying defaults.
func resolveProviders(raw map[string]ProviderYAMLConfig) map[string]*ProviderConfig {
	result := make(map[string]*ProviderConfig, len(raw))

	for name, p := range raw {
		cfg := &ProviderConfig{
			Name:         name,
			Backend:      models.BackendKind(p.Backend),
			Enabled:      p.Enabled == nil || *p.Enabled,
			Priority:     models.DefaultPriority,
			TimeoutS:     models.DefaultTimeoutS,
			RateLimitRPM: p.RateLimitRPM,
			HTTP:         p.HTTP,
			CLI:          p.CLI,
		}
		if p.Priority != nil {
			cfg.Priority = *p.Priority
		}
		if p.TimeoutS > 0 {
			cfg.TimeoutS = p.TimeoutS
		}
		if cfg.HTTP != nil && cfg.HTTP.AuthHeader == "" {
			cfg.HTTP.AuthHeader = "Authorization"
		}
		// CLI backends with prompt sentinels run in interactive mode
		if cfg.Backend == models.BackendCLI && cfg.CLI != nil && len(cfg.CLI.PromptSentinels) > 0 {
			cfg.Backend = models.BackendCLIInteractive
		}
		result[name] = cfg
	}

	return result
}
