package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"github.com/modelmux/modelmux/pkg/models"
)

// resultQueryPreview caps the prompt excerpt in result listings.
const resultQueryPreview = 200

type requestResultRow struct {
	ID        string  `db:"id"`
	Provider  string  `db:"provider"`
	Message   string  `db:"message"`
	Status    string  `db:"status"`
	CreatedAt float64 `db:"created_at"`
	Response  string  `db:"response"`
	Error     string  `db:"error"`
	LatencyMS float64 `db:"latency_ms"`
	Thinking  string  `db:"thinking"`
	RawOutput string  `db:"raw_output"`
	Metadata  string  `db:"metadata"`
}

type sessionResultRow struct {
	ID        string  `db:"id"`
	Topic     string  `db:"topic"`
	Providers string  `db:"providers"`
	Status    string  `db:"status"`
	Summary   string  `db:"summary"`
	Metadata  string  `db:"metadata"`
	CreatedAt float64 `db:"created_at"`
	UpdatedAt float64 `db:"updated_at"`
}

// GetLatestResults returns the newest finished outcomes across plain
// requests and discussion sessions in one list, newest first. Only
// completed and failed records appear; timeouts and cancellations are
// noise for the consumers of this view. provider filters request
// results only, since discussions have no single provider.
func (s *Store) GetLatestResults(ctx context.Context, provider string, limit int, includeDiscussions bool) ([]*models.ResultSummary, error) {
	if limit <= 0 {
		limit = 10
	}

	query := `
		SELECT r.id, r.provider, r.message, r.status, r.created_at,
			COALESCE(resp.response, '') AS response,
			COALESCE(resp.error, '') AS error,
			COALESCE(resp.latency_ms, 0) AS latency_ms,
			COALESCE(resp.thinking, '') AS thinking,
			COALESCE(resp.raw_output, '') AS raw_output,
			COALESCE(resp.metadata, '{}') AS metadata
		FROM requests r
		LEFT JOIN responses resp ON resp.request_id = r.id
		WHERE r.status IN ('completed', 'failed')`
	args := []any{}
	if provider != "" {
		query += ` AND r.provider = ?`
		args = append(args, provider)
	}
	query += ` ORDER BY r.created_at DESC LIMIT ?`
	args = append(args, limit)

	var reqRows []requestResultRow
	if err := s.db.SelectContext(ctx, &reqRows, s.rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list request results: %w", err)
	}

	results := make([]*models.ResultSummary, 0, len(reqRows))
	for i := range reqRows {
		results = append(results, requestSummary(&reqRows[i]))
	}

	if includeDiscussions {
		var sessRows []sessionResultRow
		sessQuery := s.rebind(`
			SELECT id, topic, providers, status, summary, metadata, created_at, updated_at
			FROM discussion_sessions
			WHERE status IN ('completed', 'failed')
			ORDER BY created_at DESC LIMIT ?`)
		if err := s.db.SelectContext(ctx, &sessRows, sessQuery, limit); err != nil {
			return nil, fmt.Errorf("failed to list discussion results: %w", err)
		}
		for i := range sessRows {
			results = append(results, sessionSummary(&sessRows[i]))
		}
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].CreatedAt > results[j].CreatedAt
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// GetResultByID resolves one result id against both requests and
// discussion sessions. Discussion results include the full transcript.
func (s *Store) GetResultByID(ctx context.Context, id string) (*models.ResultDetail, error) {
	query := s.rebind(`
		SELECT r.id, r.provider, r.message, r.status, r.created_at,
			COALESCE(resp.response, '') AS response,
			COALESCE(resp.error, '') AS error,
			COALESCE(resp.latency_ms, 0) AS latency_ms,
			COALESCE(resp.thinking, '') AS thinking,
			COALESCE(resp.raw_output, '') AS raw_output,
			COALESCE(resp.metadata, '{}') AS metadata
		FROM requests r
		LEFT JOIN responses resp ON resp.request_id = r.id
		WHERE r.id = ?`)

	var reqRow requestResultRow
	err := s.db.GetContext(ctx, &reqRow, query, id)
	switch {
	case err == nil:
		detail := &models.ResultDetail{
			ResultSummary: *requestSummary(&reqRow),
			Error:         reqRow.Error,
			Thinking:      reqRow.Thinking,
			RawOutput:     reqRow.RawOutput,
			Metadata:      unmarshalMap(reqRow.Metadata),
		}
		detail.Query = reqRow.Message // full prompt, not the listing preview
		return detail, nil
	case !errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("failed to get request result: %w", err)
	}

	var sessRow sessionResultRow
	sessQuery := s.rebind(`
		SELECT id, topic, providers, status, summary, metadata, created_at, updated_at
		FROM discussion_sessions WHERE id = ?`)
	err = s.db.GetContext(ctx, &sessRow, sessQuery, id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("%w: result %s", ErrNotFound, id)
	case err != nil:
		return nil, fmt.Errorf("failed to get discussion result: %w", err)
	}

	messages, err := s.GetDiscussionMessages(ctx, id, nil)
	if err != nil {
		return nil, err
	}
	return &models.ResultDetail{
		ResultSummary: *sessionSummary(&sessRow),
		Messages:      messages,
		Metadata:      unmarshalMap(sessRow.Metadata),
	}, nil
}

func requestSummary(row *requestResultRow) *models.ResultSummary {
	query := row.Message
	if len(query) > resultQueryPreview {
		query = query[:resultQueryPreview] + "..."
	}
	return &models.ResultSummary{
		ID:        row.ID,
		Kind:      models.ResultKindRequest,
		Provider:  row.Provider,
		Query:     query,
		Response:  row.Response,
		Status:    row.Status,
		CreatedAt: row.CreatedAt,
		LatencyMS: row.LatencyMS,
	}
}

func sessionSummary(row *sessionResultRow) *models.ResultSummary {
	return &models.ResultSummary{
		ID:        row.ID,
		Kind:      models.ResultKindDiscussion,
		Providers: unmarshalStrings(row.Providers),
		Query:     row.Topic,
		Response:  row.Summary,
		Status:    row.Status,
		CreatedAt: row.CreatedAt,
		LatencyMS: (row.UpdatedAt - row.CreatedAt) * 1000,
	}
}
