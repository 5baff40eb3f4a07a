package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	session_key TEXT PRIMARY KEY,
	created_at  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS session_entries (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	session_key  TEXT NOT NULL REFERENCES sessions(session_key),
	role         TEXT NOT NULL,
	content      TEXT NOT NULL,
	tool_call_id TEXT NOT NULL DEFAULT '',
	tool_calls   TEXT,
	created_at   INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_session_entries_key ON session_entries(session_key, id);
`

// SQLiteStore keeps all sessions in one database; each Append is one transaction.
type SQLiteStore struct {
	db     *sql.DB
	logger zerolog.Logger
}

func NewSQLiteStore(path string, logger zerolog.Logger) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA synchronous=FULL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting synchronous mode: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger.With().Str("component", "session_store").Str("backend", "sqlite").Logger(),
	}
	s.logger.Info().Str("path", path).Msg("SQLite session store initialized")
	return s, nil
}

func (s *SQLiteStore) Append(ctx context.Context, key string, entries []HistoryEntry) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO sessions (session_key, created_at) VALUES (?, ?)`,
		key, entries[0].Timestamp.UnixNano(),
	); err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO session_entries (session_key, role, content, tool_call_id, tool_calls, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		var calls any
		if len(e.ToolCalls) > 0 {
			raw, err := json.Marshal(e.ToolCalls)
			if err != nil {
				return fmt.Errorf("marshaling tool calls: %w", err)
			}
			calls = string(raw)
		}
		if _, err := stmt.ExecContext(ctx, key, string(e.Role), e.Content, e.ToolCallID, calls, e.Timestamp.UnixNano()); err != nil {
			return fmt.Errorf("inserting entry: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing batch: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Load(ctx context.Context, key string) ([]HistoryEntry, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT role, content, tool_call_id, tool_calls, created_at
		 FROM session_entries WHERE session_key = ? ORDER BY id`, key)
	if err != nil {
		return nil, fmt.Errorf("querying entries: %w", err)
	}
	defer rows.Close()

	var entries []HistoryEntry
	for rows.Next() {
		var (
			e     HistoryEntry
			role  string
			calls sql.NullString
			ts    int64
		)
		if err := rows.Scan(&role, &e.Content, &e.ToolCallID, &calls, &ts); err != nil {
			return nil, fmt.Errorf("scanning entry: %w", err)
		}
		e.Role = Role(role)
		e.Timestamp = time.Unix(0, ts).UTC()
		if calls.Valid && calls.String != "" {
			if err := json.Unmarshal([]byte(calls.String), &e.ToolCalls); err != nil {
				return nil, fmt.Errorf("decoding tool calls: %w", err)
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *SQLiteStore) List(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT session_key FROM sessions ORDER BY session_key`)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
