package models

// Result kinds for the unified recent-results queries that span plain
// requests and discussion sessions.
const (
	ResultKindRequest    = "request"
	ResultKindDiscussion = "discussion"
)

// ResultSummary is one row of the unified recent-results listing.
// Request results carry Provider; discussion results list their
// participants in Providers, with the summary as Response.
type ResultSummary struct {
	ID        string   `json:"id"`
	Kind      string   `json:"type"`
	Provider  string   `json:"provider,omitempty"`
	Providers []string `json:"providers,omitempty"`
	Query     string   `json:"query"`
	Response  string   `json:"response,omitempty"`
	Status    string   `json:"status"`
	CreatedAt float64  `json:"created_at"`
	LatencyMS float64  `json:"latency_ms,omitempty"`
}

// ResultDetail is the full record behind one result id, including the
// transcript when the result is a discussion.
type ResultDetail struct {
	ResultSummary
	Error     string               `json:"error,omitempty"`
	Thinking  string               `json:"thinking,omitempty"`
	RawOutput string               `json:"raw_output,omitempty"`
	Messages  []*DiscussionMessage `json:"messages,omitempty"`
	Metadata  map[string]any       `json:"metadata,omitempty"`
}
