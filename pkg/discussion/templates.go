package discussion

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/modelmux/modelmux/pkg/models"
)

// StartFromTemplate renders a stored topic template and starts a
// discussion from it. Template defaults fill whatever the caller left
// empty, providers and config alike. Usage counting is best effort.
func (e *Executor) StartFromTemplate(ctx context.Context, name string, values map[string]string, providers []string, cfg models.DiscussionConfig) (*models.DiscussionSession, error) {
	tpl, err := e.store.GetTemplateByName(ctx, name)
	if err != nil {
		return nil, err
	}

	topic := RenderTemplate(tpl.TopicTemplate, values)
	if len(providers) == 0 {
		providers = tpl.DefaultProviders
	}
	cfg = overlayTemplateConfig(cfg, tpl.DefaultConfig)

	session, err := e.StartDiscussion(ctx, topic, providers, cfg)
	if err != nil {
		return nil, err
	}
	if err := e.store.IncrementTemplateUsage(ctx, tpl.ID); err != nil {
		e.logger.Warn("Failed to count template usage", "template", tpl.ID, "error", err)
	}
	return session, nil
}

// RenderTemplate substitutes {placeholder} values into a topic
// template. Placeholders without a value stay verbatim.
func RenderTemplate(template string, values map[string]string) string {
	if len(values) == 0 {
		return template
	}
	pairs := make([]string, 0, len(values)*2)
	for key, value := range values {
		pairs = append(pairs, "{"+key+"}", value)
	}
	return strings.NewReplacer(pairs...).Replace(template)
}

// overlayTemplateConfig fills zero fields of cfg from the template's
// stored default config JSON. A malformed default is ignored.
func overlayTemplateConfig(cfg models.DiscussionConfig, defaultConfig string) models.DiscussionConfig {
	if defaultConfig == "" {
		return cfg
	}
	var def models.DiscussionConfig
	if err := json.Unmarshal([]byte(defaultConfig), &def); err != nil {
		return cfg
	}

	if cfg.ProviderTimeoutS <= 0 {
		cfg.ProviderTimeoutS = def.ProviderTimeoutS
	}
	if cfg.RoundTimeoutS <= 0 {
		cfg.RoundTimeoutS = def.RoundTimeoutS
	}
	if cfg.SummaryProvider == "" {
		cfg.SummaryProvider = def.SummaryProvider
	}
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = def.MaxRounds
	}
	if cfg.MinProviders <= 0 {
		cfg.MinProviders = def.MinProviders
	}
	return cfg
}
