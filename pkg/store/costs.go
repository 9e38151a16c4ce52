package store

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/modelmux/modelmux/pkg/models"
)

// providerPricing holds USD prices per million tokens. Providers
// missing from the table are treated as free.
var providerPricing = map[string]struct{ input, output float64 }{
	"deepseek": {0.14, 0.28},
	"codex":    {2.50, 10.00},
	"gemini":   {0.075, 0.30},
	"claude":   {3.00, 15.00},
	"kimi":     {0, 0},
	"qwen":     {0, 0},
	"iflow":    {0, 0},
	"opencode": {0, 0},
}

// CostForTokens computes the USD cost of a token count for a provider.
func CostForTokens(provider string, inputTokens, outputTokens int) float64 {
	pricing := providerPricing[strings.ToLower(provider)]
	return float64(inputTokens)*pricing.input/1_000_000 +
		float64(outputTokens)*pricing.output/1_000_000
}

// RecordTokenCost appends a usage ledger row, pricing the tokens by
// provider.
func (s *Store) RecordTokenCost(ctx context.Context, provider, requestID, model string, inputTokens, outputTokens int) error {
	if provider == "" {
		return NewValidationError("provider", "required")
	}

	query := s.rebind(`
		INSERT INTO token_costs (provider, request_id, input_tokens, output_tokens,
			cost_usd, model, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)

	_, err := s.db.ExecContext(ctx, query,
		provider, requestID, inputTokens, outputTokens,
		CostForTokens(provider, inputTokens, outputTokens), model, models.Now())
	if err != nil {
		return fmt.Errorf("failed to record token cost: %w", err)
	}
	return nil
}

// GetCostSummary aggregates the ledger over a trailing window of days,
// along with today-so-far and trailing-week totals. Days defaults to 30.
func (s *Store) GetCostSummary(ctx context.Context, days int) (*models.CostSummary, error) {
	if days <= 0 {
		days = 30
	}
	now := models.Now()
	cutoff := now - float64(days)*86400

	var totals struct {
		InputTokens  int64   `db:"input_tokens"`
		OutputTokens int64   `db:"output_tokens"`
		CostUSD      float64 `db:"cost_usd"`
		Requests     int64   `db:"requests"`
	}
	query := s.rebind(`
		SELECT
			COALESCE(SUM(input_tokens), 0) AS input_tokens,
			COALESCE(SUM(output_tokens), 0) AS output_tokens,
			COALESCE(SUM(cost_usd), 0) AS cost_usd,
			COUNT(*) AS requests
		FROM token_costs
		WHERE timestamp > ?`)
	if err := s.db.GetContext(ctx, &totals, query, cutoff); err != nil {
		return nil, fmt.Errorf("failed to get cost summary: %w", err)
	}

	costSince := func(since float64) (float64, error) {
		var cost float64
		q := s.rebind(`SELECT COALESCE(SUM(cost_usd), 0) FROM token_costs WHERE timestamp > ?`)
		if err := s.db.GetContext(ctx, &cost, q, since); err != nil {
			return 0, fmt.Errorf("failed to get cost summary: %w", err)
		}
		return cost, nil
	}

	// Today starts at the current UTC midnight.
	todayCost, err := costSince(now - math.Mod(now, 86400))
	if err != nil {
		return nil, err
	}
	weekCost, err := costSince(now - 7*86400)
	if err != nil {
		return nil, err
	}

	return &models.CostSummary{
		PeriodDays:        days,
		TotalInputTokens:  totals.InputTokens,
		TotalOutputTokens: totals.OutputTokens,
		TotalCostUSD:      totals.CostUSD,
		TotalRequests:     totals.Requests,
		TodayCostUSD:      todayCost,
		WeekCostUSD:       weekCost,
	}, nil
}

// GetCostByProvider returns per-provider cost rollups for the window,
// most expensive first. Days defaults to 30.
func (s *Store) GetCostByProvider(ctx context.Context, days int) ([]*models.ProviderCost, error) {
	if days <= 0 {
		days = 30
	}
	cutoff := models.Now() - float64(days)*86400

	query := s.rebind(`
		SELECT
			provider,
			COALESCE(SUM(input_tokens), 0) AS input_tokens,
			COALESCE(SUM(output_tokens), 0) AS output_tokens,
			COALESCE(SUM(cost_usd), 0) AS total_cost_usd,
			COUNT(*) AS requests
		FROM token_costs
		WHERE timestamp > ?
		GROUP BY provider
		ORDER BY total_cost_usd DESC`)

	var out []*models.ProviderCost
	if err := s.db.SelectContext(ctx, &out, query, cutoff); err != nil {
		return nil, fmt.Errorf("failed to get cost by provider: %w", err)
	}
	return out, nil
}

// GetCostByDay returns per-day cost rollups for the window, newest
// first. Days are UTC buckets; defaults to 7.
func (s *Store) GetCostByDay(ctx context.Context, days int) ([]*models.DayCost, error) {
	if days <= 0 {
		days = 7
	}
	cutoff := models.Now() - float64(days)*86400

	// FLOOR(timestamp / 86400) buckets by UTC day on both drivers.
	query := s.rebind(`
		SELECT
			FLOOR(timestamp / 86400) AS day_bucket,
			COALESCE(SUM(input_tokens), 0) AS input_tokens,
			COALESCE(SUM(output_tokens), 0) AS output_tokens,
			COALESCE(SUM(cost_usd), 0) AS total_cost_usd,
			COUNT(*) AS requests
		FROM token_costs
		WHERE timestamp > ?
		GROUP BY day_bucket
		ORDER BY day_bucket DESC`)

	var rows []struct {
		DayBucket    float64 `db:"day_bucket"`
		InputTokens  int64   `db:"input_tokens"`
		OutputTokens int64   `db:"output_tokens"`
		TotalCostUSD float64 `db:"total_cost_usd"`
		Requests     int64   `db:"requests"`
	}
	if err := s.db.SelectContext(ctx, &rows, query, cutoff); err != nil {
		return nil, fmt.Errorf("failed to get cost by day: %w", err)
	}

	out := make([]*models.DayCost, 0, len(rows))
	for _, r := range rows {
		day := time.Unix(int64(r.DayBucket)*86400, 0).UTC()
		out = append(out, &models.DayCost{
			Date:         day.Format("2006-01-02"),
			InputTokens:  r.InputTokens,
			OutputTokens: r.OutputTokens,
			TotalCostUSD: r.TotalCostUSD,
			Requests:     r.Requests,
		})
	}
	return out, nil
}

// CleanupCosts deletes ledger rows older than maxAge. Returns the
// number of rows deleted.
func (s *Store) CleanupCosts(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := models.Now() - maxAge.Seconds()
	query := s.rebind(`DELETE FROM token_costs WHERE timestamp < ?`)

	res, err := s.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup token costs: %w", err)
	}
	return res.RowsAffected()
}
