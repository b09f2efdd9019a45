// Package sqlite implements rlm.SessionStore using pure-Go SQLite.
// Zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nevindra/rlmengine"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store.
// When set, the store emits debug logs on open, save (with timing) and
// prune. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements rlm.SessionStore backed by a local SQLite file. It is
// the write-through sink for conversation-cache evictions: sessions pushed
// out of memory land here and can be rehydrated later.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ rlm.SessionStore = (*Store)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so that
// all goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: session store opened", "path", dbPath)
	return s
}

// Init creates the sessions table.
func (s *Store) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		messages TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("sqlite: create sessions table: %w", err)
	}
	return nil
}

// SaveSession upserts a session's message log.
func (s *Store) SaveSession(ctx context.Context, sessionID string, messages []rlm.ChatMessage) error {
	start := time.Now()
	payload, err := json.Marshal(messages)
	if err != nil {
		return fmt.Errorf("sqlite: marshal session %s: %w", sessionID, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, messages, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET messages = excluded.messages, updated_at = excluded.updated_at`,
		sessionID, string(payload), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("sqlite: save session %s: %w", sessionID, err)
	}
	s.logger.Debug("sqlite: session saved",
		"session", sessionID,
		"messages", len(messages),
		"elapsed", time.Since(start))
	return nil
}

// LoadSession returns a session's message log, or nil when unknown.
func (s *Store) LoadSession(ctx context.Context, sessionID string) ([]rlm.ChatMessage, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT messages FROM sessions WHERE id = ?`, sessionID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: load session %s: %w", sessionID, err)
	}
	var messages []rlm.ChatMessage
	if err := json.Unmarshal([]byte(payload), &messages); err != nil {
		return nil, fmt.Errorf("sqlite: decode session %s: %w", sessionID, err)
	}
	return messages, nil
}

// DeleteSession removes a session.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, sessionID); err != nil {
		return fmt.Errorf("sqlite: delete session %s: %w", sessionID, err)
	}
	return nil
}

// PruneBefore deletes sessions not updated since the cutoff, returning the
// number removed.
func (s *Store) PruneBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE updated_at < ?`, cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("sqlite: prune sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	s.logger.Debug("sqlite: sessions pruned", "count", n, "cutoff", cutoff)
	return int(n), nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
