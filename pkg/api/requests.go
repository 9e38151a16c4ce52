package api

import (
	"fmt"
	"strings"

	"github.com/modelmux/modelmux/pkg/models"
)

// AskRequest is the payload for submitting a request to a provider.
type AskRequest struct {
	Message  string         `json:"message"`
	Provider string         `json:"provider,omitempty"`
	Priority *int           `json:"priority,omitempty"`
	TimeoutS *float64       `json:"timeout_s,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Validate checks required fields.
func (r *AskRequest) Validate() error {
	if strings.TrimSpace(r.Message) == "" {
		return fmt.Errorf("message is required")
	}
	return nil
}

// priority returns the requested priority or the default when omitted.
// Out-of-range values are clamped later by models.NewRequest.
func (r *AskRequest) priority() int {
	if r.Priority == nil {
		return models.DefaultPriority
	}
	return *r.Priority
}

// timeoutS returns the requested timeout or the default when omitted.
func (r *AskRequest) timeoutS() float64 {
	if r.TimeoutS == nil {
		return models.DefaultTimeoutS
	}
	return *r.TimeoutS
}

// DiscussionRequest is the payload for starting a multi-provider
// discussion. Providers accepts bare names and "@group" specs; when
// empty every live provider participates. Setting Template renders the
// topic from a stored template instead of Topic.
type DiscussionRequest struct {
	Topic            string            `json:"topic,omitempty"`
	Providers        []string          `json:"providers,omitempty"`
	ProviderTimeoutS float64           `json:"provider_timeout_s,omitempty"`
	SummaryProvider  string            `json:"summary_provider,omitempty"`
	Template         string            `json:"template,omitempty"`
	TemplateValues   map[string]string `json:"template_values,omitempty"`
}

// Validate checks required fields.
func (r *DiscussionRequest) Validate() error {
	if r.Template == "" && strings.TrimSpace(r.Topic) == "" {
		return fmt.Errorf("topic is required")
	}
	if r.ProviderTimeoutS < 0 {
		return fmt.Errorf("provider_timeout_s must be positive")
	}
	return nil
}

// ContinueRequest is the payload for continuing a completed discussion
// with a follow-up topic. Providers defaults to the parent session's
// participants.
type ContinueRequest struct {
	Topic             string   `json:"topic"`
	AdditionalContext string   `json:"additional_context,omitempty"`
	Providers         []string `json:"providers,omitempty"`
}

// Validate checks required fields.
func (r *ContinueRequest) Validate() error {
	if strings.TrimSpace(r.Topic) == "" {
		return fmt.Errorf("topic is required")
	}
	return nil
}
