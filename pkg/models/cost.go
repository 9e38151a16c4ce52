package models

// TokenCost is one append-only usage ledger row.
type TokenCost struct {
	ID           int64   `json:"id" db:"id"`
	Provider     string  `json:"provider" db:"provider"`
	RequestID    string  `json:"request_id,omitempty" db:"request_id"`
	InputTokens  int     `json:"input_tokens" db:"input_tokens"`
	OutputTokens int     `json:"output_tokens" db:"output_tokens"`
	CostUSD      float64 `json:"cost_usd" db:"cost_usd"`
	Model        string  `json:"model,omitempty" db:"model"`
	Timestamp    float64 `json:"timestamp" db:"timestamp"`
}

// CostSummary aggregates the ledger over a trailing window of days.
type CostSummary struct {
	PeriodDays        int     `json:"period_days"`
	TotalInputTokens  int64   `json:"total_input_tokens"`
	TotalOutputTokens int64   `json:"total_output_tokens"`
	TotalCostUSD      float64 `json:"total_cost_usd"`
	TotalRequests     int64   `json:"total_requests"`
	TodayCostUSD      float64 `json:"today_cost_usd"`
	WeekCostUSD       float64 `json:"week_cost_usd"`
}

// ProviderCost is the per-provider rollup within a window.
type ProviderCost struct {
	Provider     string  `json:"provider" db:"provider"`
	InputTokens  int64   `json:"total_input_tokens" db:"input_tokens"`
	OutputTokens int64   `json:"total_output_tokens" db:"output_tokens"`
	TotalCostUSD float64 `json:"total_cost_usd" db:"total_cost_usd"`
	Requests     int64   `json:"request_count" db:"requests"`
}

// DayCost is the per-day rollup within a window. Date is formatted
// YYYY-MM-DD in UTC.
type DayCost struct {
	Date         string  `json:"date"`
	InputTokens  int64   `json:"total_input_tokens"`
	OutputTokens int64   `json:"total_output_tokens"`
	TotalCostUSD float64 `json:"total_cost_usd"`
	Requests     int64   `json:"request_count"`
}
