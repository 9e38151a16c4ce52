package config

import (
	"fmt"

	"github.com/modelmux/modelmux/pkg/models"
)

// ConfigValidator validates configuration comprehensively with clear error messages
type ConfigValidator struct {
	cfg *Config
}

// NewValidator creates a validator for the given configuration
func NewValidator(cfg *Config) *ConfigValidator {
	return &ConfigValidator{cfg: cfg}
}

// ValidateAll performs comprehensive validation (fail-fast - stops at first error)
func (v *ConfigValidator) ValidateAll() error {
	// Validate in order: server → database → queue → providers → cross-references
	// This ensures dependencies are validated before dependents

	if err := v.validateServer(); err != nil {
		return fmt.Errorf("server validation failed: %w", err)
	}

	if err := v.validateDatabase(); err != nil {
		return fmt.Errorf("database validation failed: %w", err)
	}

	if err := v.validateQueue(); err != nil {
		return fmt.Errorf("queue validation failed: %w", err)
	}

	if err := v.validateProviders(); err != nil {
		return fmt.Errorf("provider validation failed: %w", err)
	}

	if err := v.validateReferences(); err != nil {
		return fmt.Errorf("reference validation failed: %w", err)
	}

	return nil
}

func (v *ConfigValidator) validateServer() error {
	if v.cfg.Port < 1 || v.cfg.Port > 65535 {
		return NewValidationError("server", "gateway", "port", fmt.Errorf("%w: %d (must be 1-65535)", ErrInvalidValue, v.cfg.Port))
	}

	switch v.cfg.LogLevel {
	case "debug", "info", "warn", "warning", "error":
	default:
		return NewValidationError("server", "gateway", "log_level", fmt.Errorf("%w: %s", ErrInvalidValue, v.cfg.LogLevel))
	}

	switch v.cfg.LogFormat {
	case "text", "json":
	default:
		return NewValidationError("server", "gateway", "log_format", fmt.Errorf("%w: %s (must be text or json)", ErrInvalidValue, v.cfg.LogFormat))
	}

	return nil
}

func (v *ConfigValidator) validateDatabase() error {
	db := v.cfg.Database

	switch db.Driver {
	case "sqlite":
		if db.Path == "" {
			return NewValidationError("database", db.Driver, "path", ErrMissingRequiredField)
		}
	case "postgres":
		if db.Host == "" {
			return NewValidationError("database", db.Driver, "host", ErrMissingRequiredField)
		}
		if db.User == "" {
			return NewValidationError("database", db.Driver, "user", ErrMissingRequiredField)
		}
		if db.DBName == "" {
			return NewValidationError("database", db.Driver, "dbname", ErrMissingRequiredField)
		}
	default:
		return NewValidationError("database", db.Driver, "driver", fmt.Errorf("%w: must be sqlite or postgres", ErrInvalidValue))
	}

	return nil
}

func (v *ConfigValidator) validateQueue() error {
	if v.cfg.MaxQueueSize < 1 {
		return NewValidationError("queue", "gateway", "max_queue_size", fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
	if v.cfg.MaxConcurrentRequests < 1 {
		return NewValidationError("queue", "gateway", "max_concurrent_requests", fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
	if v.cfg.RequestTTLHours < 1 {
		return NewValidationError("queue", "gateway", "request_ttl_hours", fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
	if v.cfg.MetricsTTLHours < 1 {
		return NewValidationError("queue", "gateway", "metrics_ttl_hours", fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
	if v.cfg.DiscussionTTLHours < 1 {
		return NewValidationError("queue", "gateway", "discussion_ttl_hours", fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
	if v.cfg.HealthCheckIntervalS < 1 {
		return NewValidationError("queue", "gateway", "health_check_interval_s", fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
	if v.cfg.CleanupIntervalS < 1 {
		return NewValidationError("queue", "gateway", "cleanup_interval_s", fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
	return nil
}

func (v *ConfigValidator) validateProviders() error {
	if len(v.cfg.Providers) == 0 {
		return NewValidationError("provider", "gateway", "providers", fmt.Errorf("at least one provider required"))
	}

	for name, p := range v.cfg.Providers {
		if !p.Backend.Valid() {
			return NewValidationError("provider", name, "backend", fmt.Errorf("%w: %s", ErrInvalidValue, p.Backend))
		}

		switch p.Backend {
		case models.BackendHTTP:
			if p.HTTP == nil || p.HTTP.Endpoint == "" {
				return NewValidationError("provider", name, "http.endpoint", ErrMissingRequiredField)
			}
		case models.BackendCLI, models.BackendCLIInteractive:
			if p.CLI == nil || p.CLI.Command == "" {
				return NewValidationError("provider", name, "cli.command", ErrMissingRequiredField)
			}
			if p.Backend == models.BackendCLIInteractive && len(p.CLI.PromptSentinels) == 0 {
				return NewValidationError("provider", name, "cli.prompt_sentinels", fmt.Errorf("required for interactive CLI backends"))
			}
		}

		if p.Priority < 0 || p.Priority > models.MaxPriority {
			return NewValidationError("provider", name, "priority", fmt.Errorf("%w: %d (must be 0-%d)", ErrInvalidValue, p.Priority, models.MaxPriority))
		}
		if p.TimeoutS <= 0 {
			return NewValidationError("provider", name, "timeout_s", fmt.Errorf("%w: must be positive", ErrInvalidValue))
		}
		if p.RateLimitRPM < 0 {
			return NewValidationError("provider", name, "rate_limit_rpm", fmt.Errorf("%w: must not be negative", ErrInvalidValue))
		}
	}

	return nil
}

func (v *ConfigValidator) validateReferences() error {
	if v.cfg.DefaultProvider != "" {
		p, ok := v.cfg.Providers[v.cfg.DefaultProvider]
		if !ok {
			return NewValidationError("provider", v.cfg.DefaultProvider, "default_provider", fmt.Errorf("provider not found"))
		}
		if !p.Enabled {
			return NewValidationError("provider", v.cfg.DefaultProvider, "default_provider", fmt.Errorf("provider is disabled"))
		}
	}

	d := v.cfg.Discussion
	if d.MinProviders < 2 {
		return NewValidationError("discussion", "defaults", "min_providers", fmt.Errorf("%w: must be at least 2", ErrInvalidValue))
	}
	if d.ProviderTimeoutS <= 0 {
		return NewValidationError("discussion", "defaults", "provider_timeout_s", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if d.MaxRounds < 1 || d.MaxRounds > models.DefaultMaxRounds {
		return NewValidationError("discussion", "defaults", "max_rounds", fmt.Errorf("%w: %d (must be 1-%d)", ErrInvalidValue, d.MaxRounds, models.DefaultMaxRounds))
	}
	if d.SummaryProvider != "" {
		if _, ok := v.cfg.Providers[d.SummaryProvider]; !ok {
			return NewValidationError("discussion", "defaults", "summary_provider", fmt.Errorf("provider '%s' not found", d.SummaryProvider))
		}
	}

	return nil
}
