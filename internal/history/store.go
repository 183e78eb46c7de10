// Package history provides SQLite-backed transcript persistence for sessions.
// Each session keeps at most a configured number of messages; older ones are
// evicted as new ones are appended.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/comigor/chatbroker/internal/db"
	"github.com/comigor/chatbroker/internal/logger"
	"github.com/comigor/chatbroker/internal/shared"
)

// Option configures a Store.
type Option func(*Store)

// WithClock replaces time.Now for default message timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store persists messages in the messages table.
type Store struct {
	db          *db.DB
	maxMessages int
	now         func() time.Time
}

// NewStore creates a message store that retains at most maxMessages per session.
func NewStore(database *db.DB, maxMessages int, opts ...Option) *Store {
	s := &Store{db: database, maxMessages: maxMessages, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// PageOptions selects one page of a session transcript.
type PageOptions struct {
	Page      int // 1-indexed
	PageSize  int // defaults to the retention limit
	Ascending bool
}

// ListOptions selects one page of the cross-session admin listing.
type ListOptions struct {
	Page     int
	PageSize int
	Search   string
}

const messageColumns = `id, session_id, role, content, timestamp`

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Append stores one message and evicts the session's oldest messages beyond
// the retention limit in the same transaction. A zero ts means now.
func (s *Store) Append(ctx context.Context, sessionID string, role Role, content string, ts time.Time) (int64, error) {
	if !role.Valid() {
		return 0, fmt.Errorf("appending message: unknown role %q", role)
	}
	if ts.IsZero() {
		ts = s.now()
	}

	var id int64
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		id, err = insertMessage(ctx, tx, sessionID, role, content, ts)
		if err != nil {
			return err
		}
		return s.enforceRetention(ctx, tx, sessionID)
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// AppendBatch stores msgs in one transaction, then applies retention to every
// session it touched. It returns the assigned ids in input order.
func (s *Store) AppendBatch(ctx context.Context, msgs []Message) ([]int64, error) {
	ids := make([]int64, 0, len(msgs))
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		touched := make(map[string]struct{})
		var order []string
		for _, m := range msgs {
			if !m.Role.Valid() {
				return fmt.Errorf("appending message: unknown role %q", m.Role)
			}
			ts := m.Timestamp
			if ts.IsZero() {
				ts = s.now()
			}
			id, err := insertMessage(ctx, tx, m.SessionID, m.Role, m.Content, ts)
			if err != nil {
				return err
			}
			ids = append(ids, id)
			if _, ok := touched[m.SessionID]; !ok {
				touched[m.SessionID] = struct{}{}
				order = append(order, m.SessionID)
			}
		}
		for _, sessionID := range order {
			if err := s.enforceRetention(ctx, tx, sessionID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func insertMessage(ctx context.Context, q querier, sessionID string, role Role, content string, ts time.Time) (int64, error) {
	res, err := q.ExecContext(ctx,
		`INSERT INTO messages (session_id, role, content, timestamp) VALUES (?, ?, ?, ?)`,
		sessionID, string(role), content, ts.UnixMilli())
	if err != nil {
		return 0, errors.Join(shared.ErrStorageFailure, fmt.Errorf("storing message for session %s: %w", sessionID, err))
	}
	n, err := res.RowsAffected()
	if err != nil || n != 1 {
		return 0, errors.Join(shared.ErrStorageFailure, fmt.Errorf("storing message for session %s: %d rows affected", sessionID, n))
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, errors.Join(shared.ErrStorageFailure, fmt.Errorf("reading message id: %w", err))
	}
	return id, nil
}

// enforceRetention deletes the oldest messages of sessionID so that at most
// maxMessages remain. Ties on timestamp evict the lower id first.
func (s *Store) enforceRetention(ctx context.Context, q querier, sessionID string) error {
	var count int
	if err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE session_id = ?`, sessionID).Scan(&count); err != nil {
		return fmt.Errorf("counting messages: %w", err)
	}
	excess := count - s.maxMessages
	if excess <= 0 {
		return nil
	}

	_, err := q.ExecContext(ctx, `
		DELETE FROM messages WHERE id IN (
			SELECT id FROM messages WHERE session_id = ?
			ORDER BY timestamp ASC, id ASC
			LIMIT ?
		)`, sessionID, excess)
	if err != nil {
		return errors.Join(shared.ErrStorageFailure, fmt.Errorf("evicting old messages: %w", err))
	}
	logger.L.Debug("evicted old messages", "session_id", sessionID, "count", excess)
	return nil
}

// History returns the retained transcript of sessionID, oldest first.
func (s *Store) History(ctx context.Context, sessionID string) ([]Turn, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT role, content FROM messages WHERE session_id = ? ORDER BY timestamp ASC, id ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("loading history: %w", err)
	}
	defer rows.Close()

	var out []Turn
	for rows.Next() {
		var t Turn
		if err := rows.Scan(&t.Role, &t.Content); err != nil {
			return nil, fmt.Errorf("scanning history: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating history: %w", err)
	}
	return out, nil
}

func (s *Store) pageBounds(page, size int) (limit, offset int) {
	if size <= 0 {
		size = s.maxMessages
	}
	if page < 1 {
		page = 1
	}
	return size, (page - 1) * size
}

// Page returns one page of sessionID's messages, newest first unless
// opts.Ascending is set.
func (s *Store) Page(ctx context.Context, sessionID string, opts PageOptions) ([]Message, error) {
	limit, offset := s.pageBounds(opts.Page, opts.PageSize)
	order := "DESC"
	if opts.Ascending {
		order = "ASC"
	}
	return s.queryMessages(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE session_id = ?
		 ORDER BY timestamp `+order+`, id `+order+` LIMIT ? OFFSET ?`,
		sessionID, limit, offset)
}

// escapeLike makes substr match literally inside a LIKE pattern using '\' as escape.
func escapeLike(substr string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(substr) + "%"
}

// Search returns sessionID's messages whose content contains substr, newest first.
// Matching follows SQLite LIKE, which ignores case for ASCII letters.
func (s *Store) Search(ctx context.Context, sessionID, substr string) ([]Message, error) {
	return s.queryMessages(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE session_id = ? AND content LIKE ? ESCAPE '\'
		 ORDER BY timestamp DESC, id DESC`,
		sessionID, escapeLike(substr))
}

// Count returns the number of messages currently stored for sessionID.
func (s *Store) Count(ctx context.Context, sessionID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE session_id = ?`, sessionID).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting messages: %w", err)
	}
	return n, nil
}

// Delete removes one message by id and reports whether it existed.
func (s *Store) Delete(ctx context.Context, id int64) (bool, error) {
	var n int64
	err := shared.RetryBusy(ctx, func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return false, errors.Join(shared.ErrStorageFailure, fmt.Errorf("deleting message %d: %w", id, err))
	}
	return n > 0, nil
}

// DeleteAll removes every message of sessionID and returns how many were removed.
func (s *Store) DeleteAll(ctx context.Context, sessionID string) (int64, error) {
	var n int64
	err := shared.RetryBusy(ctx, func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, sessionID)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, errors.Join(shared.ErrStorageFailure, fmt.Errorf("deleting messages for session %s: %w", sessionID, err))
	}
	return n, nil
}

// List pages through messages of all sessions, newest first, optionally
// filtered by a content substring. It also returns the total match count.
func (s *Store) List(ctx context.Context, opts ListOptions) ([]Message, int, error) {
	limit, offset := s.pageBounds(opts.Page, opts.PageSize)

	where := ""
	var args []any
	if opts.Search != "" {
		where = `WHERE content LIKE ? ESCAPE '\'`
		args = append(args, escapeLike(opts.Search))
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting messages: %w", err)
	}

	msgs, err := s.queryMessages(ctx,
		`SELECT `+messageColumns+` FROM messages `+where+`
		 ORDER BY timestamp DESC, id DESC LIMIT ? OFFSET ?`,
		append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	return msgs, total, nil
}

func (s *Store) queryMessages(ctx context.Context, query string, args ...any) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	out := []Message{}
	for rows.Next() {
		var (
			m  Message
			ts int64
		)
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &ts); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		m.Timestamp = time.UnixMilli(ts).UTC()
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating messages: %w", err)
	}
	return out, nil
}
