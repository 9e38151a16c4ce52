package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/modelmux/modelmux/pkg/models"
)

const requestColumns = `id, provider, message, priority, timeout_s, status, backend_kind,
	metadata, created_at, updated_at, routed_at, started_at, completed_at`

// requestRow carries the raw metadata column alongside the model.
type requestRow struct {
	models.Request
	MetadataJSON string `db:"metadata"`
}

func (r *requestRow) toModel() *models.Request {
	req := r.Request
	req.Metadata = unmarshalMap(r.MetadataJSON)
	return &req
}

// RequestFilter narrows and pages ListRequests results.
type RequestFilter struct {
	Status   models.RequestStatus
	Provider string
	Limit    int
	Offset   int
	OrderBy  string // one of created_at, updated_at, priority
	Desc     bool
}

// orderColumns whitelists ORDER BY targets to prevent injection.
var orderColumns = map[string]string{
	"created_at": "created_at",
	"updated_at": "updated_at",
	"priority":   "priority",
}

// CreateRequest persists a new request. Returns ErrAlreadyExists if the
// id is already taken.
func (s *Store) CreateRequest(ctx context.Context, req *models.Request) error {
	if req.ID == "" {
		return NewValidationError("id", "required")
	}
	if req.Provider == "" {
		return NewValidationError("provider", "required")
	}
	if req.Message == "" {
		return NewValidationError("message", "required")
	}

	query := s.rebind(`
		INSERT INTO requests (id, provider, message, priority, timeout_s, status, backend_kind,
			metadata, created_at, updated_at, routed_at, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`)

	res, err := s.db.ExecContext(ctx, query,
		req.ID, req.Provider, req.Message, req.Priority, req.TimeoutS, req.Status,
		req.BackendKind, marshalMap(req.Metadata), req.CreatedAt, req.UpdatedAt,
		req.RoutedAt, req.StartedAt, req.CompletedAt)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: request %s", ErrAlreadyExists, req.ID)
	}
	return nil
}

// GetRequest fetches a request by id. Returns ErrNotFound if missing.
func (s *Store) GetRequest(ctx context.Context, id string) (*models.Request, error) {
	var row requestRow
	query := s.rebind(`SELECT ` + requestColumns + ` FROM requests WHERE id = ?`)
	if err := s.db.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: request %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to get request: %w", err)
	}
	return row.toModel(), nil
}

// UpdateRequestStatus performs a guarded status transition.
//
// The UPDATE carries its own compare-and-set guard so concurrent writers
// cannot move a request out of a terminal state: the first terminal write
// wins, and a repeated transition to the same terminal state is a no-op.
// backendKind is recorded when non-empty (set when the dispatcher routes
// the request).
func (s *Store) UpdateRequestStatus(ctx context.Context, id string, status models.RequestStatus, backendKind models.BackendKind) error {
	if id == "" {
		return NewValidationError("id", "required")
	}
	if !status.Valid() {
		return NewValidationError("status", fmt.Sprintf("unknown status %q", status))
	}

	now := models.Now()
	set := []string{"status = ?", "updated_at = ?"}
	args := []any{status, now}

	if status == models.StatusProcessing {
		// routed_at keeps its first value across restart replays
		set = append(set, "routed_at = COALESCE(routed_at, ?)", "started_at = ?")
		args = append(args, now, now)
	}
	if status.IsTerminal() {
		set = append(set, "completed_at = ?")
		args = append(args, now)
	}
	if backendKind != "" {
		set = append(set, "backend_kind = ?")
		args = append(args, backendKind)
	}
	args = append(args, id)

	query := s.rebind(fmt.Sprintf(
		`UPDATE requests SET %s WHERE id = ? AND status NOT IN ('completed', 'failed', 'timeout', 'cancelled')`,
		strings.Join(set, ", ")))

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update request status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}

	// No row moved: the request is missing or already terminal.
	current, err := s.GetRequest(ctx, id)
	if err != nil {
		return err
	}
	if current.Status == status && status.IsTerminal() {
		return nil
	}
	return fmt.Errorf("%w: request %s is %s, cannot transition to %s",
		ErrTerminalState, id, current.Status, status)
}

// ListRequests returns requests matching the filter, newest first by default.
func (s *Store) ListRequests(ctx context.Context, f RequestFilter) ([]*models.Request, error) {
	where := []string{"1=1"}
	args := []any{}

	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if f.Provider != "" {
		where = append(where, "provider = ?")
		args = append(args, f.Provider)
	}

	orderBy, ok := orderColumns[f.OrderBy]
	if f.OrderBy == "" {
		orderBy = "created_at"
	} else if !ok {
		return nil, NewValidationError("order_by", fmt.Sprintf("must be one of created_at, updated_at, priority; got %q", f.OrderBy))
	}
	direction := "ASC"
	if f.Desc {
		direction = "DESC"
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, f.Offset)

	query := s.rebind(fmt.Sprintf(
		`SELECT %s FROM requests WHERE %s ORDER BY %s %s LIMIT ? OFFSET ?`,
		requestColumns, strings.Join(where, " AND "), orderBy, direction))

	var rows []requestRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list requests: %w", err)
	}

	out := make([]*models.Request, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toModel())
	}
	return out, nil
}

// PendingRequests returns up to limit queued requests in dispatch order:
// higher priority first, ties broken by submission time.
func (s *Store) PendingRequests(ctx context.Context, limit int) ([]*models.Request, error) {
	if limit <= 0 {
		limit = 1000
	}

	query := s.rebind(`SELECT ` + requestColumns + ` FROM requests
		WHERE status = 'queued'
		ORDER BY priority DESC, created_at ASC
		LIMIT ?`)

	var rows []requestRow
	if err := s.db.SelectContext(ctx, &rows, query, limit); err != nil {
		return nil, fmt.Errorf("failed to get pending requests: %w", err)
	}

	out := make([]*models.Request, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toModel())
	}
	return out, nil
}

// ResetProcessingRequests returns in-flight requests to the queue. Called
// once at startup so work interrupted by a crash is dispatched again.
func (s *Store) ResetProcessingRequests(ctx context.Context) (int64, error) {
	query := s.rebind(`UPDATE requests SET status = 'queued', updated_at = ? WHERE status = 'processing'`)
	res, err := s.db.ExecContext(ctx, query, models.Now())
	if err != nil {
		return 0, fmt.Errorf("failed to reset processing requests: %w", err)
	}
	return res.RowsAffected()
}

// CancelRequest cancels a queued or processing request. Returns false when
// the request is missing or already terminal (first writer wins).
func (s *Store) CancelRequest(ctx context.Context, id string) (bool, error) {
	now := models.Now()
	query := s.rebind(`UPDATE requests
		SET status = 'cancelled', updated_at = ?, completed_at = ?
		WHERE id = ? AND status IN ('queued', 'processing')`)

	res, err := s.db.ExecContext(ctx, query, now, now, id)
	if err != nil {
		return false, fmt.Errorf("failed to cancel request: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

// CountByStatus returns request counts grouped by status.
func (s *Store) CountByStatus(ctx context.Context) (map[models.RequestStatus]int, error) {
	var rows []struct {
		Status models.RequestStatus `db:"status"`
		Count  int                  `db:"count"`
	}
	query := `SELECT status, COUNT(*) AS count FROM requests GROUP BY status`
	if err := s.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("failed to count requests: %w", err)
	}

	out := make(map[models.RequestStatus]int, len(rows))
	for _, r := range rows {
		out[r.Status] = r.Count
	}
	return out, nil
}

// QueueDepthByProvider returns the number of queued requests per provider.
func (s *Store) QueueDepthByProvider(ctx context.Context) (map[string]int, error) {
	var rows []struct {
		Provider string `db:"provider"`
		Count    int    `db:"count"`
	}
	query := `SELECT provider, COUNT(*) AS count FROM requests WHERE status = 'queued' GROUP BY provider`
	if err := s.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("failed to count queued requests: %w", err)
	}

	out := make(map[string]int, len(rows))
	for _, r := range rows {
		out[r.Provider] = r.Count
	}
	return out, nil
}

// TotalRequests returns the number of requests ever stored (bounded by cleanup).
func (s *Store) TotalRequests(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM requests`); err != nil {
		return 0, fmt.Errorf("failed to count requests: %w", err)
	}
	return n, nil
}

// CleanupRequests deletes terminal requests older than maxAge. Responses
// are removed by the cascading foreign key. Returns the number of requests
// deleted.
func (s *Store) CleanupRequests(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := models.Now() - maxAge.Seconds()
	query := s.rebind(`DELETE FROM requests
		WHERE status IN ('completed', 'failed', 'timeout', 'cancelled')
		AND COALESCE(completed_at, created_at) < ?`)

	res, err := s.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup requests: %w", err)
	}
	return res.RowsAffected()
}
