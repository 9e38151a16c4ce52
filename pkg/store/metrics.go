package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/modelmux/modelmux/pkg/models"
)

// RecordMetric appends one measurement row. The table is append-only;
// rows age out via CleanupMetrics.
func (s *Store) RecordMetric(ctx context.Context, m *models.MetricEvent) error {
	if m.Provider == "" {
		return NewValidationError("provider", "required")
	}
	if m.EventType == "" {
		return NewValidationError("event_type", "required")
	}
	if m.Timestamp == 0 {
		m.Timestamp = models.Now()
	}

	query := s.rebind(`
		INSERT INTO metrics (provider, request_id, event_type, latency_ms, success, error, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)

	_, err := s.db.ExecContext(ctx, query,
		m.Provider, m.RequestID, m.EventType, m.LatencyMS, m.Success, m.Error, m.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to record metric: %w", err)
	}
	return nil
}

// GetProviderMetrics aggregates request metrics for a provider over the
// trailing window. Health probe rows are excluded so a reachable but
// failing provider does not look half-successful. An empty window
// yields zero counts, not an error.
func (s *Store) GetProviderMetrics(ctx context.Context, provider string, windowHours int) (*models.ProviderMetrics, error) {
	if windowHours <= 0 {
		windowHours = 24
	}
	cutoff := models.Now() - float64(windowHours)*3600

	var row struct {
		Total     int             `db:"total"`
		Successes int             `db:"successes"`
		AvgMS     sql.NullFloat64 `db:"avg_ms"`
		MaxMS     sql.NullFloat64 `db:"max_ms"`
		MinMS     sql.NullFloat64 `db:"min_ms"`
	}

	query := s.rebind(`
		SELECT COUNT(*) AS total,
			COALESCE(SUM(CASE WHEN success THEN 1 ELSE 0 END), 0) AS successes,
			AVG(latency_ms) AS avg_ms,
			MAX(latency_ms) AS max_ms,
			MIN(latency_ms) AS min_ms
		FROM metrics
		WHERE provider = ? AND timestamp >= ? AND event_type != ?`)

	if err := s.db.GetContext(ctx, &row, query, provider, cutoff, models.MetricEventHealthCheck); err != nil {
		return nil, fmt.Errorf("failed to aggregate provider metrics: %w", err)
	}

	out := &models.ProviderMetrics{
		Provider:     provider,
		WindowHours:  windowHours,
		Total:        row.Total,
		Successes:    row.Successes,
		AvgLatencyMS: row.AvgMS.Float64,
		MaxLatencyMS: row.MaxMS.Float64,
		MinLatencyMS: row.MinMS.Float64,
	}
	if row.Total > 0 {
		out.SuccessRate = float64(row.Successes) / float64(row.Total)
	}
	return out, nil
}

// CleanupMetrics deletes metric rows older than maxAge. Returns the number
// of rows deleted.
func (s *Store) CleanupMetrics(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := models.Now() - maxAge.Seconds()
	query := s.rebind(`DELETE FROM metrics WHERE timestamp < ?`)

	res, err := s.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup metrics: %w", err)
	}
	return res.RowsAffected()
}
