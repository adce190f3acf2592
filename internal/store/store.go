// Package store provides persistent storage for the invocation journal: a
// local record of every command the agent ran as the hosting account.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	"github.com/manchtools/githost-agent/internal/validate"
)

// Store manages persistent storage for invocations.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// Invocation is one journaled privileged command.
type Invocation struct {
	ID         string    `validate:"required,ulid"`
	Account    string    `validate:"required,unixname"`
	Command    []string  `validate:"min=1"`
	Mode       string    `validate:"oneof=run capture"`
	ExitCode   int       // -1 when the process did not complete
	StdinSize  int       `validate:"gte=0"`
	Error      string    // spawn or timeout error, empty otherwise
	StartedAt  time.Time `validate:"required"`
	DurationMs int64     `validate:"gte=0"`
}

// Failed reports whether the invocation did not exit cleanly.
func (inv *Invocation) Failed() bool {
	return inv.ExitCode != 0 || inv.Error != ""
}

// New creates a new store with the given data directory.
func New(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "journal.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Enable WAL mode for better concurrent access
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	return store, nil
}

// migrate creates or updates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS invocations (
		id TEXT PRIMARY KEY,
		account TEXT NOT NULL,
		command_json TEXT NOT NULL,
		mode TEXT NOT NULL,
		exit_code INTEGER NOT NULL,
		stdin_size INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT '',
		started_at DATETIME NOT NULL,
		duration_ms INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_invocations_started ON invocations(started_at);
	CREATE INDEX IF NOT EXISTS idx_invocations_failed ON invocations(exit_code) WHERE exit_code != 0;
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordInvocation stores an invocation and returns its ID. An empty ID is
// replaced with a new ULID.
func (s *Store) RecordInvocation(ctx context.Context, inv Invocation) (string, error) {
	if inv.ID == "" {
		inv.ID = ulid.Make().String()
	}
	if err := validate.Struct(inv); err != nil {
		return "", err
	}

	commandJSON, err := json.Marshal(inv.Command)
	if err != nil {
		return "", fmt.Errorf("marshal command: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO invocations (id, account, command_json, mode, exit_code, stdin_size, error, started_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, inv.ID, inv.Account, string(commandJSON), inv.Mode, inv.ExitCode, inv.StdinSize, inv.Error,
		inv.StartedAt.UTC(), inv.DurationMs)
	if err != nil {
		return "", fmt.Errorf("insert invocation: %w", err)
	}
	return inv.ID, nil
}

// GetInvocation retrieves an invocation by ID. It returns nil, nil when the
// ID is unknown.
func (s *Store) GetInvocation(ctx context.Context, id string) (*Invocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, account, command_json, mode, exit_code, stdin_size, error, started_at, duration_ms
		FROM invocations WHERE id = ?
	`, id)
	inv, err := scanInvocation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return inv, nil
}

// RecentInvocations returns up to limit invocations, newest first. With
// failedOnly, only invocations that did not exit cleanly are returned.
func (s *Store) RecentInvocations(ctx context.Context, limit int, failedOnly bool) ([]*Invocation, error) {
	if limit <= 0 {
		limit = 50
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, account, command_json, mode, exit_code, stdin_size, error, started_at, duration_ms
		FROM invocations`
	if failedOnly {
		query += ` WHERE exit_code != 0 OR error != ''`
	}
	query += ` ORDER BY started_at DESC, id DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var invocations []*Invocation
	for rows.Next() {
		inv, err := scanInvocation(rows)
		if err != nil {
			return nil, err
		}
		invocations = append(invocations, inv)
	}

	return invocations, rows.Err()
}

// CleanupOldInvocations removes invocations older than the retention period
// and returns how many were removed.
func (s *Store) CleanupOldInvocations(ctx context.Context, retention time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-retention).UTC()
	res, err := s.db.ExecContext(ctx, "DELETE FROM invocations WHERE started_at < ?", cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInvocation(row rowScanner) (*Invocation, error) {
	var inv Invocation
	var commandJSON string

	if err := row.Scan(
		&inv.ID,
		&inv.Account,
		&commandJSON,
		&inv.Mode,
		&inv.ExitCode,
		&inv.StdinSize,
		&inv.Error,
		&inv.StartedAt,
		&inv.DurationMs,
	); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(commandJSON), &inv.Command); err != nil {
		return nil, fmt.Errorf("unmarshal command: %w", err)
	}
	return &inv, nil
}
