// Package postgres implements rlm.SessionStore using PostgreSQL, for
// deployments where multiple engine instances share evicted session state.
//
// The Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nevindra/rlmengine"
)

// Store implements rlm.SessionStore backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ rlm.SessionStore = (*Store)(nil)

// New creates a Store over an existing pool. The pool remains owned by the
// caller; Close here is a no-op so a shared pool is not torn down by one
// component.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Init creates the sessions table.
func (s *Store) Init(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		messages JSONB NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`)
	if err != nil {
		return fmt.Errorf("postgres: create sessions table: %w", err)
	}
	return nil
}

// SaveSession upserts a session's message log.
func (s *Store) SaveSession(ctx context.Context, sessionID string, messages []rlm.ChatMessage) error {
	payload, err := json.Marshal(messages)
	if err != nil {
		return fmt.Errorf("postgres: marshal session %s: %w", sessionID, err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO sessions (id, messages, updated_at) VALUES ($1, $2, now())
		 ON CONFLICT (id) DO UPDATE SET messages = EXCLUDED.messages, updated_at = now()`,
		sessionID, payload)
	if err != nil {
		return fmt.Errorf("postgres: save session %s: %w", sessionID, err)
	}
	return nil
}

// LoadSession returns a session's message log, or nil when unknown.
func (s *Store) LoadSession(ctx context.Context, sessionID string) ([]rlm.ChatMessage, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx,
		`SELECT messages FROM sessions WHERE id = $1`, sessionID).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: load session %s: %w", sessionID, err)
	}
	var messages []rlm.ChatMessage
	if err := json.Unmarshal(payload, &messages); err != nil {
		return nil, fmt.Errorf("postgres: decode session %s: %w", sessionID, err)
	}
	return messages, nil
}

// DeleteSession removes a session.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, sessionID); err != nil {
		return fmt.Errorf("postgres: delete session %s: %w", sessionID, err)
	}
	return nil
}

// PruneBefore deletes sessions not updated since the cutoff, returning the
// number removed.
func (s *Store) PruneBefore(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM sessions WHERE updated_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("postgres: prune sessions: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Close is a no-op; the pool is owned by the caller.
func (s *Store) Close() error { return nil }
