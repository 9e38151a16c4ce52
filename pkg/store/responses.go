package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/modelmux/modelmux/pkg/models"
)

const responseColumns = `request_id, status, response, error, provider, latency_ms,
	tokens_used, thinking, raw_output, metadata, created_at`

type responseRow struct {
	models.Response
	MetadataJSON string `db:"metadata"`
}

func (r *responseRow) toModel() *models.Response {
	resp := r.Response
	resp.Metadata = unmarshalMap(r.MetadataJSON)
	return &resp
}

// SaveResponse upserts the response for a request. A request has at most
// one response row; later writes replace earlier ones.
func (s *Store) SaveResponse(ctx context.Context, resp *models.Response) error {
	if resp.RequestID == "" {
		return NewValidationError("request_id", "required")
	}

	query := s.rebind(`
		INSERT INTO responses (request_id, status, response, error, provider, latency_ms,
			tokens_used, thinking, raw_output, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (request_id) DO UPDATE SET
			status = excluded.status,
			response = excluded.response,
			error = excluded.error,
			provider = excluded.provider,
			latency_ms = excluded.latency_ms,
			tokens_used = excluded.tokens_used,
			thinking = excluded.thinking,
			raw_output = excluded.raw_output,
			metadata = excluded.metadata,
			created_at = excluded.created_at`)

	_, err := s.db.ExecContext(ctx, query,
		resp.RequestID, resp.Status, resp.Response, resp.Error, resp.Provider,
		resp.LatencyMS, resp.TokensUsed, resp.Thinking, resp.RawOutput,
		marshalMap(resp.Metadata), resp.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save response: %w", err)
	}
	return nil
}

// GetResponse fetches the response for a request. Returns ErrNotFound if
// no response has been recorded yet.
func (s *Store) GetResponse(ctx context.Context, requestID string) (*models.Response, error) {
	var row responseRow
	query := s.rebind(`SELECT ` + responseColumns + ` FROM responses WHERE request_id = ?`)
	if err := s.db.GetContext(ctx, &row, query, requestID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: response for request %s", ErrNotFound, requestID)
		}
		return nil, fmt.Errorf("failed to get response: %w", err)
	}
	return row.toModel(), nil
}
