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

const sessionColumns = `id, topic, providers, config, status, current_round, summary,
	parent_session_id, metadata, created_at, updated_at, completed_at`

const messageColumns = `id, session_id, round_number, provider, kind, content, refs,
	status, latency_ms, metadata, created_at, updated_at`

type sessionRow struct {
	models.DiscussionSession
	ProvidersJSON string `db:"providers"`
	ConfigJSON    string `db:"config"`
	MetadataJSON  string `db:"metadata"`
}

func (r *sessionRow) toModel() (*models.DiscussionSession, error) {
	sess := r.DiscussionSession
	sess.Providers = unmarshalStrings(r.ProvidersJSON)
	sess.Metadata = unmarshalMap(r.MetadataJSON)
	if r.ConfigJSON != "" && r.ConfigJSON != "{}" {
		if err := jsonUnmarshal(r.ConfigJSON, &sess.Config); err != nil {
			return nil, fmt.Errorf("failed to decode session config: %w", err)
		}
	}
	return &sess, nil
}

type messageRow struct {
	models.DiscussionMessage
	RefsJSON     string `db:"refs"`
	MetadataJSON string `db:"metadata"`
}

func (r *messageRow) toModel() *models.DiscussionMessage {
	msg := r.DiscussionMessage
	msg.References = unmarshalStrings(r.RefsJSON)
	msg.Metadata = unmarshalMap(r.MetadataJSON)
	return &msg
}

// SessionUpdate names the fields update_discussion_session may change.
// Nil pointers leave the column untouched.
type SessionUpdate struct {
	Status       *models.SessionStatus
	CurrentRound *int
	Summary      *string
	Metadata     map[string]any
}

// MessageUpdate names the fields update_discussion_message may change.
type MessageUpdate struct {
	Content   *string
	Status    *models.MessageStatus
	LatencyMS *float64
	Metadata  map[string]any
}

// DiscussionFilter narrows and pages ListDiscussionSessions results.
type DiscussionFilter struct {
	Status models.SessionStatus
	Limit  int
	Offset int
}

// CreateDiscussionSession persists a new session.
func (s *Store) CreateDiscussionSession(ctx context.Context, sess *models.DiscussionSession) error {
	if sess.ID == "" {
		return NewValidationError("id", "required")
	}
	if sess.Topic == "" {
		return NewValidationError("topic", "required")
	}
	if len(sess.Providers) < 2 {
		return NewValidationError("providers", "at least two providers required")
	}

	configJSON, err := jsonMarshal(sess.Config)
	if err != nil {
		return fmt.Errorf("failed to encode session config: %w", err)
	}

	query := s.rebind(`
		INSERT INTO discussion_sessions (id, topic, providers, config, status, current_round,
			summary, parent_session_id, metadata, created_at, updated_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`)

	res, err := s.db.ExecContext(ctx, query,
		sess.ID, sess.Topic, marshalStrings(sess.Providers), configJSON, sess.Status,
		sess.CurrentRound, sess.Summary, sess.ParentSessionID, marshalMap(sess.Metadata),
		sess.CreatedAt, sess.UpdatedAt, sess.CompletedAt)
	if err != nil {
		return fmt.Errorf("failed to create discussion session: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: discussion session %s", ErrAlreadyExists, sess.ID)
	}
	return nil
}

// GetDiscussionSession fetches a session by id.
func (s *Store) GetDiscussionSession(ctx context.Context, id string) (*models.DiscussionSession, error) {
	var row sessionRow
	query := s.rebind(`SELECT ` + sessionColumns + ` FROM discussion_sessions WHERE id = ?`)
	if err := s.db.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: discussion session %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to get discussion session: %w", err)
	}
	return row.toModel()
}

// UpdateDiscussionSession applies a partial update. Status changes carry a
// compare-and-set guard against terminal states; metadata and summary may
// still be updated after a session finishes (the continuation flow records
// display metadata post-completion).
func (s *Store) UpdateDiscussionSession(ctx context.Context, id string, upd SessionUpdate) error {
	set := []string{"updated_at = ?"}
	args := []any{models.Now()}

	if upd.Status != nil {
		set = append(set, "status = ?")
		args = append(args, *upd.Status)
		if upd.Status.IsTerminal() {
			set = append(set, "completed_at = ?")
			args = append(args, models.Now())
		}
	}
	if upd.CurrentRound != nil {
		set = append(set, "current_round = ?")
		args = append(args, *upd.CurrentRound)
	}
	if upd.Summary != nil {
		set = append(set, "summary = ?")
		args = append(args, *upd.Summary)
	}
	if upd.Metadata != nil {
		set = append(set, "metadata = ?")
		args = append(args, marshalMap(upd.Metadata))
	}
	args = append(args, id)

	guard := ""
	if upd.Status != nil {
		guard = ` AND status NOT IN ('completed', 'failed', 'cancelled')`
	}

	query := s.rebind(fmt.Sprintf(
		`UPDATE discussion_sessions SET %s WHERE id = ?%s`,
		strings.Join(set, ", "), guard))

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update discussion session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}

	current, err := s.GetDiscussionSession(ctx, id)
	if err != nil {
		return err
	}
	if upd.Status != nil {
		if current.Status == *upd.Status && upd.Status.IsTerminal() {
			return nil
		}
		return fmt.Errorf("%w: discussion session %s is %s, cannot transition to %s",
			ErrTerminalState, id, current.Status, *upd.Status)
	}
	return nil
}

// CancelDiscussionSession cancels a non-terminal session. Returns false when
// the session is missing or already terminal.
func (s *Store) CancelDiscussionSession(ctx context.Context, id string) (bool, error) {
	now := models.Now()
	query := s.rebind(`UPDATE discussion_sessions
		SET status = 'cancelled', updated_at = ?, completed_at = ?
		WHERE id = ? AND status NOT IN ('completed', 'failed', 'cancelled')`)

	res, err := s.db.ExecContext(ctx, query, now, now, id)
	if err != nil {
		return false, fmt.Errorf("failed to cancel discussion session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

// ListDiscussionSessions returns sessions matching the filter, newest first.
func (s *Store) ListDiscussionSessions(ctx context.Context, f DiscussionFilter) ([]*models.DiscussionSession, error) {
	where := []string{"1=1"}
	args := []any{}

	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, f.Offset)

	query := s.rebind(fmt.Sprintf(
		`SELECT %s FROM discussion_sessions WHERE %s ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		sessionColumns, strings.Join(where, " AND ")))

	var rows []sessionRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list discussion sessions: %w", err)
	}

	out := make([]*models.DiscussionSession, 0, len(rows))
	for i := range rows {
		sess, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, nil
}

// CreateDiscussionMessage persists a new message.
func (s *Store) CreateDiscussionMessage(ctx context.Context, msg *models.DiscussionMessage) error {
	if msg.ID == "" {
		return NewValidationError("id", "required")
	}
	if msg.SessionID == "" {
		return NewValidationError("session_id", "required")
	}
	if msg.Provider == "" {
		return NewValidationError("provider", "required")
	}

	query := s.rebind(`
		INSERT INTO discussion_messages (id, session_id, round_number, provider, kind, content,
			refs, status, latency_ms, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err := s.db.ExecContext(ctx, query,
		msg.ID, msg.SessionID, msg.RoundNumber, msg.Provider, msg.Kind, msg.Content,
		marshalStrings(msg.References), msg.Status, msg.LatencyMS,
		marshalMap(msg.Metadata), msg.CreatedAt, msg.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create discussion message: %w", err)
	}
	return nil
}

// UpdateDiscussionMessage applies a partial update to a message.
func (s *Store) UpdateDiscussionMessage(ctx context.Context, id string, upd MessageUpdate) error {
	set := []string{"updated_at = ?"}
	args := []any{models.Now()}

	if upd.Content != nil {
		set = append(set, "content = ?")
		args = append(args, *upd.Content)
	}
	if upd.Status != nil {
		set = append(set, "status = ?")
		args = append(args, *upd.Status)
	}
	if upd.LatencyMS != nil {
		set = append(set, "latency_ms = ?")
		args = append(args, *upd.LatencyMS)
	}
	if upd.Metadata != nil {
		set = append(set, "metadata = ?")
		args = append(args, marshalMap(upd.Metadata))
	}
	args = append(args, id)

	query := s.rebind(fmt.Sprintf(
		`UPDATE discussion_messages SET %s WHERE id = ?`, strings.Join(set, ", ")))

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update discussion message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: discussion message %s", ErrNotFound, id)
	}
	return nil
}

// GetDiscussionMessages returns a session's messages in round order. A
// non-nil round restricts results to that round.
func (s *Store) GetDiscussionMessages(ctx context.Context, sessionID string, round *int) ([]*models.DiscussionMessage, error) {
	where := []string{"session_id = ?"}
	args := []any{sessionID}

	if round != nil {
		where = append(where, "round_number = ?")
		args = append(args, *round)
	}

	query := s.rebind(fmt.Sprintf(
		`SELECT %s FROM discussion_messages WHERE %s ORDER BY round_number ASC, created_at ASC`,
		messageColumns, strings.Join(where, " AND ")))

	var rows []messageRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to get discussion messages: %w", err)
	}

	out := make([]*models.DiscussionMessage, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toModel())
	}
	return out, nil
}

// CleanupDiscussions deletes terminal sessions older than maxAge. Messages
// are removed by the cascading foreign key. Returns the number of sessions
// deleted.
func (s *Store) CleanupDiscussions(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := models.Now() - maxAge.Seconds()
	query := s.rebind(`DELETE FROM discussion_sessions
		WHERE status IN ('completed', 'failed', 'cancelled')
		AND COALESCE(completed_at, updated_at) < ?`)

	res, err := s.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup discussions: %w", err)
	}
	return res.RowsAffected()
}
