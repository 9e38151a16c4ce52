package models

import "github.com/google/uuid"

// SessionStatus is the lifecycle state of a discussion session.
type SessionStatus string

const (
	SessionPending     SessionStatus = "pending"
	SessionRound1      SessionStatus = "round_1"
	SessionRound2      SessionStatus = "round_2"
	SessionRound3      SessionStatus = "round_3"
	SessionSummarizing SessionStatus = "summarizing"
	SessionCompleted   SessionStatus = "completed"
	SessionFailed      SessionStatus = "failed"
	SessionCancelled   SessionStatus = "cancelled"
)

// IsTerminal reports whether the session can transition no further.
func (s SessionStatus) IsTerminal() bool {
	switch s {
	case SessionCompleted, SessionFailed, SessionCancelled:
		return true
	}
	return false
}

// RoundStatus maps a round number to its session status.
func RoundStatus(round int) SessionStatus {
	switch round {
	case 2:
		return SessionRound2
	case 3:
		return SessionRound3
	default:
		return SessionRound1
	}
}

// MessageKind classifies a discussion message by the round that
// produced it. The summary occupies round 0.
type MessageKind string

const (
	KindProposal MessageKind = "proposal"
	KindReview   MessageKind = "review"
	KindRevision MessageKind = "revision"
	KindSummary  MessageKind = "summary"
)

// MessageStatus is the per-message outcome within a round.
type MessageStatus string

const (
	MessagePending   MessageStatus = "pending"
	MessageCompleted MessageStatus = "completed"
	MessageFailed    MessageStatus = "failed"
	MessageTimeout   MessageStatus = "timeout"
)

// Discussion defaults.
const (
	DefaultMinProviders     = 2
	DefaultProviderTimeoutS = 120.0
	DefaultRoundTimeoutS    = 300.0
	DefaultMaxRounds        = 3
)

// DiscussionConfig carries the per-session tunables. MaxRounds is
// advisory metadata: the orchestrator always drives the fixed
// three-round machine.
type DiscussionConfig struct {
	ProviderTimeoutS float64 `json:"provider_timeout_s"`
	RoundTimeoutS    float64 `json:"round_timeout_s,omitempty"`
	SummaryProvider  string  `json:"summary_provider,omitempty"`
	MaxRounds        int     `json:"max_rounds,omitempty"`
	MinProviders     int     `json:"min_providers,omitempty"`
}

// DefaultDiscussionConfig returns a config with all defaults applied.
func DefaultDiscussionConfig() DiscussionConfig {
	return DiscussionConfig{
		ProviderTimeoutS: DefaultProviderTimeoutS,
		MaxRounds:        DefaultMaxRounds,
		MinProviders:     DefaultMinProviders,
	}
}

// Normalize fills zero fields with defaults and clamps MaxRounds.
func (c DiscussionConfig) Normalize() DiscussionConfig {
	if c.ProviderTimeoutS <= 0 {
		c.ProviderTimeoutS = DefaultProviderTimeoutS
	}
	if c.MinProviders <= 0 {
		c.MinProviders = DefaultMinProviders
	}
	if c.MaxRounds <= 0 || c.MaxRounds > DefaultMaxRounds {
		c.MaxRounds = DefaultMaxRounds
	}
	return c
}

// DiscussionSession coordinates several providers across fixed rounds.
type DiscussionSession struct {
	ID              string           `json:"id" db:"id"`
	Topic           string           `json:"topic" db:"topic"`
	Providers       []string         `json:"providers" db:"-"`
	Config          DiscussionConfig `json:"config" db:"-"`
	Status          SessionStatus    `json:"status" db:"status"`
	CurrentRound    int              `json:"current_round" db:"current_round"`
	Summary         string           `json:"summary,omitempty" db:"summary"`
	ParentSessionID string           `json:"parent_session_id,omitempty" db:"parent_session_id"`
	CreatedAt       float64          `json:"created_at" db:"created_at"`
	UpdatedAt       float64          `json:"updated_at" db:"updated_at"`
	CompletedAt     *float64         `json:"completed_at,omitempty" db:"completed_at"`
	Metadata        map[string]any   `json:"metadata,omitempty" db:"-"`
}

// NewDiscussionSession builds a pending session with a fresh UUID.
func NewDiscussionSession(topic string, providers []string, config DiscussionConfig) *DiscussionSession {
	now := Now()
	return &DiscussionSession{
		ID:        uuid.NewString(),
		Topic:     topic,
		Providers: providers,
		Config:    config.Normalize(),
		Status:    SessionPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// DiscussionMessage is one provider contribution within a session.
type DiscussionMessage struct {
	ID          string         `json:"id" db:"id"`
	SessionID   string         `json:"session_id" db:"session_id"`
	RoundNumber int            `json:"round_number" db:"round_number"`
	Provider    string         `json:"provider" db:"provider"`
	Kind        MessageKind    `json:"kind" db:"kind"`
	Content     string         `json:"content,omitempty" db:"content"`
	References  []string       `json:"references,omitempty" db:"-"`
	Status      MessageStatus  `json:"status" db:"status"`
	LatencyMS   float64        `json:"latency_ms,omitempty" db:"latency_ms"`
	CreatedAt   float64        `json:"created_at" db:"created_at"`
	UpdatedAt   float64        `json:"updated_at" db:"updated_at"`
	Metadata    map[string]any `json:"metadata,omitempty" db:"-"`
}

// NewDiscussionMessage builds a pending message for a round.
func NewDiscussionMessage(sessionID string, round int, provider string, kind MessageKind) *DiscussionMessage {
	now := Now()
	return &DiscussionMessage{
		ID:          uuid.NewString(),
		SessionID:   sessionID,
		RoundNumber: round,
		Provider:    provider,
		Kind:        kind,
		Status:      MessagePending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// DiscussionTemplate is a reusable topic scaffold. Builtins are seeded
// at startup; placeholders use {name} syntax.
type DiscussionTemplate struct {
	ID               string   `json:"id" db:"id"`
	Name             string   `json:"name" db:"name"`
	Description      string   `json:"description" db:"description"`
	TopicTemplate    string   `json:"topic_template" db:"topic_template"`
	DefaultProviders []string `json:"default_providers" db:"-"`
	DefaultConfig    string   `json:"default_config,omitempty" db:"default_config"`
	Category         string   `json:"category" db:"category"`
	UsageCount       int      `json:"usage_count" db:"usage_count"`
	IsBuiltin        bool     `json:"is_builtin" db:"is_builtin"`
	CreatedAt        float64  `json:"created_at" db:"created_at"`
	UpdatedAt        float64  `json:"updated_at" db:"updated_at"`
}
