// Package session provides session identity, cooldown admission, liveness
// checks and expiry on top of the shared SQLite handle.
package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/comigor/chatbroker/internal/config"
	"github.com/comigor/chatbroker/internal/db"
	"github.com/comigor/chatbroker/internal/logger"
	"github.com/comigor/chatbroker/internal/shared"
)

// Session is one client's bounded conversational context.
type Session struct {
	ID             string    `json:"session_id"`
	ConversationID string    `json:"conversation_id"`
	SourceAddress  string    `json:"source_address"`
	CreatedAt      time.Time `json:"created_at"`
	LastActiveAt   time.Time `json:"last_active_at"`
	MessageCount   int       `json:"message_count"`
}

// Summary is a session plus the number of transcript rows it currently retains.
type Summary struct {
	Session
	StoredMessages int `json:"stored_messages"`
}

// Update carries the fields to change. Nil fields keep their stored value.
type Update struct {
	LastActiveAt   *time.Time
	MessageCount   *int
	ConversationID *string
}

// Limits bound session lifetime, budget and admission.
type Limits struct {
	Timeout          time.Duration
	MaxMessages      int
	Cooldown         time.Duration
	TrustedAddresses []string
}

// LimitsFromConfig maps the session config section onto Limits.
func LimitsFromConfig(cfg config.SessionConfig) Limits {
	return Limits{
		Timeout:          cfg.Timeout,
		MaxMessages:      cfg.MaxMessages,
		Cooldown:         cfg.Cooldown,
		TrustedAddresses: cfg.TrustedAddresses,
	}
}

// Option configures a Store.
type Option func(*Store)

// WithClock replaces time.Now, letting tests move time forward by hand.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store persists sessions in the sessions table.
type Store struct {
	db      *db.DB
	limits  Limits
	trusted map[string]struct{}
	now     func() time.Time
}

// NewStore creates a session store over database.
func NewStore(database *db.DB, limits Limits, opts ...Option) *Store {
	s := &Store{
		db:      database,
		limits:  limits,
		trusted: make(map[string]struct{}, len(limits.TrustedAddresses)),
		now:     time.Now,
	}
	for _, addr := range limits.TrustedAddresses {
		s.trusted[addr] = struct{}{}
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Limits returns the limits the store enforces.
func (s *Store) Limits() Limits {
	return s.limits
}

// Now returns the store's current time.
func (s *Store) Now() time.Time {
	return s.now()
}

// IsTrusted reports whether addr skips cooldown and validity checks.
// Addresses are compared verbatim.
func (s *Store) IsTrusted(addr string) bool {
	_, ok := s.trusted[addr]
	return ok
}

// Create admits a new session for sourceAddress. A non-trusted address whose
// most recent session is younger than the cooldown gets ErrAdmissionRejected.
func (s *Store) Create(ctx context.Context, sourceAddress string) (*Session, error) {
	now := s.now()
	sess := &Session{
		ID:            uuid.NewString(),
		SourceAddress: sourceAddress,
		CreatedAt:     toTime(now.UnixMilli()),
		LastActiveAt:  toTime(now.UnixMilli()),
	}

	if s.IsTrusted(sourceAddress) {
		if err := s.insert(ctx, s.db.Conn(), sess); err != nil {
			return nil, err
		}
		logger.L.Info("session created", "session_id", sess.ID, "source_address", sourceAddress, "trusted", true)
		return sess, nil
	}

	// Cooldown check and insert in one statement so two racing creates from
	// the same address cannot both be admitted.
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, conversation_id, source_address, created_at, last_active_at, message_count)
		SELECT ?, '', ?, ?, ?, 0
		WHERE NOT EXISTS (
			SELECT 1 FROM sessions
			WHERE source_address = ? AND created_at > ?
		)`,
		sess.ID, sourceAddress, now.UnixMilli(), now.UnixMilli(),
		sourceAddress, now.Add(-s.limits.Cooldown).UnixMilli(),
	)
	if err != nil {
		return nil, errors.Join(shared.ErrStorageFailure, fmt.Errorf("creating session: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, errors.Join(shared.ErrStorageFailure, fmt.Errorf("creating session: %w", err))
	}
	if n == 0 {
		logger.L.Info("session creation rejected by cooldown", "source_address", sourceAddress)
		return nil, shared.ErrAdmissionRejected
	}

	logger.L.Info("session created", "session_id", sess.ID, "source_address", sourceAddress)
	return sess, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) insert(ctx context.Context, ex execer, sess *Session) error {
	res, err := ex.ExecContext(ctx, `
		INSERT INTO sessions (id, conversation_id, source_address, created_at, last_active_at, message_count)
		VALUES (?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.ConversationID, sess.SourceAddress,
		sess.CreatedAt.UnixMilli(), sess.LastActiveAt.UnixMilli(), sess.MessageCount,
	)
	if err != nil {
		return errors.Join(shared.ErrStorageFailure, fmt.Errorf("creating session: %w", err))
	}
	if n, err := res.RowsAffected(); err != nil || n != 1 {
		return errors.Join(shared.ErrStorageFailure, fmt.Errorf("creating session %s: %d rows affected: %v", sess.ID, n, err))
	}
	return nil
}

// CreateBatch creates one session per address in a single transaction,
// without cooldown checks. It is meant for administrative seeding.
func (s *Store) CreateBatch(ctx context.Context, addrs []string) ([]*Session, error) {
	now := toTime(s.now().UnixMilli())
	out := make([]*Session, 0, len(addrs))
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		for _, addr := range addrs {
			sess := &Session{
				ID:            uuid.NewString(),
				SourceAddress: addr,
				CreatedAt:     now,
				LastActiveAt:  now,
			}
			if err := s.insert(ctx, tx, sess); err != nil {
				return err
			}
			out = append(out, sess)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

const sessionColumns = `id, conversation_id, source_address, created_at, last_active_at, message_count`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner, extra ...any) (*Session, error) {
	var (
		sess              Session
		created, lastSeen int64
	)
	dest := append([]any{&sess.ID, &sess.ConversationID, &sess.SourceAddress, &created, &lastSeen, &sess.MessageCount}, extra...)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	sess.CreatedAt = toTime(created)
	sess.LastActiveAt = toTime(lastSeen)
	return &sess, nil
}

// Get looks a session up by id. Unknown ids yield ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*Session, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("session %s: %w", id, shared.ErrNotFound)
		}
		return nil, fmt.Errorf("getting session: %w", err)
	}
	return sess, nil
}

// IsValid reports whether sess is inside its lifetime and message budget.
func (s *Store) IsValid(sess *Session) bool {
	now := s.now()
	return now.Sub(sess.CreatedAt) < s.limits.Timeout &&
		now.Sub(sess.LastActiveAt) < s.limits.Timeout &&
		sess.MessageCount < s.limits.MaxMessages
}

// ExpiresAt is the instant the session stops being valid if it stays idle.
func (s *Store) ExpiresAt(sess *Session) time.Time {
	byCreation := sess.CreatedAt.Add(s.limits.Timeout)
	byIdle := sess.LastActiveAt.Add(s.limits.Timeout)
	if byIdle.Before(byCreation) {
		return byIdle
	}
	return byCreation
}

// Remaining is the number of exchanges left in the session's budget.
func (s *Store) Remaining(sess *Session) int {
	return max(s.limits.MaxMessages-sess.MessageCount, 0)
}

// Update applies the non-nil fields of u to the session, keeping the rest.
func (s *Store) Update(ctx context.Context, id string, u Update) (*Session, error) {
	var updated *Session
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		sess, err := scanSession(tx.QueryRowContext(ctx,
			`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("session %s: %w", id, shared.ErrNotFound)
			}
			return errors.Join(shared.ErrStorageFailure, fmt.Errorf("reading session: %w", err))
		}

		if u.LastActiveAt != nil {
			sess.LastActiveAt = toTime(u.LastActiveAt.UnixMilli())
		}
		if u.MessageCount != nil {
			sess.MessageCount = *u.MessageCount
		}
		if u.ConversationID != nil {
			sess.ConversationID = *u.ConversationID
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE sessions SET last_active_at = ?, message_count = ?, conversation_id = ?
			WHERE id = ?`,
			sess.LastActiveAt.UnixMilli(), sess.MessageCount, sess.ConversationID, id)
		if err != nil {
			return errors.Join(shared.ErrStorageFailure, fmt.Errorf("updating session: %w", err))
		}
		n, err := res.RowsAffected()
		if err != nil {
			return errors.Join(shared.ErrStorageFailure, fmt.Errorf("updating session %s: %w", id, err))
		}
		if n == 0 {
			return fmt.Errorf("session %s: %w", id, shared.ErrNotFound)
		}
		updated = sess
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// ResetMessageCount zeroes the exchange counter and marks the session active now.
func (s *Store) ResetMessageCount(ctx context.Context, id string) (*Session, error) {
	zero := 0
	now := s.now()
	return s.Update(ctx, id, Update{LastActiveAt: &now, MessageCount: &zero})
}

// Delete removes the session and, by cascade, its messages. Deleting an
// unknown session is not an error.
func (s *Store) Delete(ctx context.Context, id string) error {
	err := shared.RetryBusy(ctx, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
		return err
	})
	if err != nil {
		return errors.Join(shared.ErrStorageFailure, fmt.Errorf("deleting session %s: %w", id, err))
	}
	return nil
}

// ReapExpired deletes every idle or exhausted session in one statement and
// returns how many were removed.
func (s *Store) ReapExpired(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-s.limits.Timeout).UnixMilli()
	var n int64
	err := shared.RetryBusy(ctx, func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM sessions WHERE last_active_at < ? OR message_count >= ?`,
			cutoff, s.limits.MaxMessages)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("reaping sessions: %w", err)
	}
	return n, nil
}

// List returns up to limit sessions, newest first, with their stored message counts.
func (s *Store) List(ctx context.Context, limit int) ([]*Summary, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.conversation_id, s.source_address, s.created_at, s.last_active_at, s.message_count,
		       COUNT(m.id)
		FROM sessions s
		LEFT JOIN messages m ON m.session_id = s.id
		GROUP BY s.id
		ORDER BY s.created_at DESC, s.id
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var out []*Summary
	for rows.Next() {
		var stored int
		sess, err := scanSession(rows, &stored)
		if err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		out = append(out, &Summary{Session: *sess, StoredMessages: stored})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sessions: %w", err)
	}
	return out, nil
}

func toTime(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
