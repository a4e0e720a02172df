// Package store is the durability layer. It keeps one JSON-shaped record per
// session for the conversation aggregate and one for the event queue, so the
// rest of the system can treat persistence as save/load of whole documents:
// every mutation is followed by a full persist of the mutated aggregate.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

const (
	schemaVersionV1  = 1
	schemaChecksumV1 = "rc-v1-2026-08-20-session-docs"

	schemaVersionLatest  = schemaVersionV1
	schemaChecksumLatest = schemaChecksumV1
)

// ErrNotFound is returned when a session or queue document does not exist.
var ErrNotFound = errors.New("store: not found")

// SessionInfo is a row in the sessions listing.
type SessionInfo struct {
	SessionID string    `json:"session_id"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Store struct {
	db *sql.DB
}

func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".reflectchat", "reflectchat.db")
}

func Open(path string) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using exponential
// backoff with bounded jitter on top of the driver's busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy checks if an error is a SQLite BUSY (5) or LOCKED (6) error.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") || // SQLITE_BUSY
		strings.Contains(msg, "(6)") // SQLITE_LOCKED
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}
	if maxVersion == schemaVersionLatest {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersionLatest).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existingChecksum != schemaChecksumLatest {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersionLatest, existingChecksum, schemaChecksumLatest)
		}
		return tx.Commit()
	}

	tableStatements := []string{
		`CREATE TABLE IF NOT EXISTS session_state (
			session_id TEXT PRIMARY KEY,
			doc JSON NOT NULL,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS event_queue (
			session_id TEXT PRIMARY KEY,
			doc JSON NOT NULL,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS kv_store (
			key TEXT PRIMARY KEY,
			value TEXT,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);`,
		// Server-side sink for collected events (gateway collector).
		`CREATE TABLE IF NOT EXISTS collected_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			client_ts TEXT NOT NULL,
			payload_json TEXT NOT NULL DEFAULT '{}',
			received_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
	}
	for _, stmt := range tableStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	indexStatements := []string{
		`CREATE INDEX IF NOT EXISTS idx_session_state_updated ON session_state(updated_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_collected_events_session ON collected_events(session_id, id);`,
	}
	for _, stmt := range indexStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration index: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO schema_migrations (version, checksum)
		VALUES (?, ?);
	`, schemaVersionLatest, schemaChecksumLatest); err != nil {
		return fmt.Errorf("insert schema migration ledger: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

// SaveSessionDoc upserts the full session aggregate document.
func (s *Store) SaveSessionDoc(ctx context.Context, sessionID, doc string) error {
	if _, err := uuid.Parse(sessionID); err != nil {
		return fmt.Errorf("invalid session_id: %w", err)
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO session_state (session_id, doc, updated_at)
			VALUES (?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(session_id) DO UPDATE SET doc = excluded.doc, updated_at = CURRENT_TIMESTAMP;
		`, sessionID, doc)
		if err != nil {
			return fmt.Errorf("upsert session doc: %w", err)
		}
		return nil
	})
}

// LoadSessionDoc returns the persisted session aggregate document.
func (s *Store) LoadSessionDoc(ctx context.Context, sessionID string) (string, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `
		SELECT doc FROM session_state WHERE session_id = ?;
	`, sessionID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("select session doc: %w", err)
	}
	return doc, nil
}

// SaveQueueDoc upserts the full event-queue document for a session.
func (s *Store) SaveQueueDoc(ctx context.Context, sessionID, doc string) error {
	if _, err := uuid.Parse(sessionID); err != nil {
		return fmt.Errorf("invalid session_id: %w", err)
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO event_queue (session_id, doc, updated_at)
			VALUES (?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(session_id) DO UPDATE SET doc = excluded.doc, updated_at = CURRENT_TIMESTAMP;
		`, sessionID, doc)
		if err != nil {
			return fmt.Errorf("upsert queue doc: %w", err)
		}
		return nil
	})
}

// LoadQueueDoc returns the persisted event-queue document.
func (s *Store) LoadQueueDoc(ctx context.Context, sessionID string) (string, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `
		SELECT doc FROM event_queue WHERE session_id = ?;
	`, sessionID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("select queue doc: %w", err)
	}
	return doc, nil
}

// ListSessions returns known sessions, most recently updated first.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]SessionInfo, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, updated_at
		FROM session_state
		ORDER BY updated_at DESC
		LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionInfo
	for rows.Next() {
		var info SessionInfo
		if err := rows.Scan(&info.SessionID, &info.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("session rows: %w", err)
	}
	return out, nil
}

// DeleteSession removes a session's aggregate and queue documents.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin delete tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()
		if _, err := tx.ExecContext(ctx, `DELETE FROM session_state WHERE session_id = ?;`, sessionID); err != nil {
			return fmt.Errorf("delete session doc: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM event_queue WHERE session_id = ?;`, sessionID); err != nil {
			return fmt.Errorf("delete queue doc: %w", err)
		}
		return tx.Commit()
	})
}

// AppendCollectedEvents records a received batch on the collector side.
func (s *Store) AppendCollectedEvents(ctx context.Context, sessionID string, events []CollectedEvent) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin collect tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()
		for _, ev := range events {
			payload := ev.PayloadJSON
			if payload == "" {
				payload = "{}"
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO collected_events (session_id, event_type, client_ts, payload_json)
				VALUES (?, ?, ?, ?);
			`, sessionID, ev.EventType, ev.ClientTimestamp, payload); err != nil {
				return fmt.Errorf("insert collected event: %w", err)
			}
		}
		return tx.Commit()
	})
}

// CollectedEvent is a single received telemetry entry on the collector side.
type CollectedEvent struct {
	EventType       string
	ClientTimestamp string
	PayloadJSON     string
}

// CollectedEventCount returns the number of events stored for a session.
func (s *Store) CollectedEventCount(ctx context.Context, sessionID string) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM collected_events WHERE session_id = ?;
	`, sessionID).Scan(&count); err != nil {
		return 0, fmt.Errorf("collected event count: %w", err)
	}
	return count, nil
}

func (s *Store) KVSet(ctx context.Context, key, val string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv_store (key, value, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP;
	`, key, val)
	if err != nil {
		return fmt.Errorf("kv set: %w", err)
	}
	return nil
}

func (s *Store) KVGet(ctx context.Context, key string) (string, error) {
	var val string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv_store WHERE key = ?;`, key).Scan(&val)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("kv get: %w", err)
	}
	return val, nil
}
