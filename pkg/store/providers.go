package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/modelmux/modelmux/pkg/models"
)

const providerColumns = `name, backend_kind, status, queue_depth, avg_latency_ms,
	success_rate, last_check, enabled, priority, rate_limit_rpm, timeout_s`

// UpsertProviderStatus writes the monitor's snapshot for one provider.
func (s *Store) UpsertProviderStatus(ctx context.Context, info *models.ProviderInfo) error {
	if info.Name == "" {
		return NewValidationError("name", "required")
	}

	query := s.rebind(`
		INSERT INTO provider_status (name, backend_kind, status, queue_depth, avg_latency_ms,
			success_rate, last_check, enabled, priority, rate_limit_rpm, timeout_s)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			backend_kind = excluded.backend_kind,
			status = excluded.status,
			queue_depth = excluded.queue_depth,
			avg_latency_ms = excluded.avg_latency_ms,
			success_rate = excluded.success_rate,
			last_check = excluded.last_check,
			enabled = excluded.enabled,
			priority = excluded.priority,
			rate_limit_rpm = excluded.rate_limit_rpm,
			timeout_s = excluded.timeout_s`)

	_, err := s.db.ExecContext(ctx, query,
		info.Name, info.BackendKind, info.Status, info.QueueDepth, info.AvgLatencyMS,
		info.SuccessRate, info.LastCheck, info.Enabled, info.Priority,
		info.RateLimitRPM, info.TimeoutS)
	if err != nil {
		return fmt.Errorf("failed to upsert provider status: %w", err)
	}
	return nil
}

// GetProviderStatus fetches the stored snapshot for one provider.
func (s *Store) GetProviderStatus(ctx context.Context, name string) (*models.ProviderInfo, error) {
	var info models.ProviderInfo
	query := s.rebind(`SELECT ` + providerColumns + ` FROM provider_status WHERE name = ?`)
	if err := s.db.GetContext(ctx, &info, query, name); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: provider %s", ErrNotFound, name)
		}
		return nil, fmt.Errorf("failed to get provider status: %w", err)
	}
	return &info, nil
}

// ListProviderStatus returns all stored provider snapshots sorted by name.
func (s *Store) ListProviderStatus(ctx context.Context) ([]*models.ProviderInfo, error) {
	var rows []models.ProviderInfo
	query := `SELECT ` + providerColumns + ` FROM provider_status ORDER BY name`
	if err := s.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("failed to list provider status: %w", err)
	}

	out := make([]*models.ProviderInfo, 0, len(rows))
	for i := range rows {
		out = append(out, &rows[i])
	}
	return out, nil
}
