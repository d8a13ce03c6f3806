// Package audit keeps an append-only trail of task status transitions in
// sqlite, mirrored to logs/audit.jsonl.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/basket/clawtask/internal/persistence"
	"github.com/basket/clawtask/internal/shared"
)

const schemaVersion = 1

// Entry is one recorded transition.
type Entry struct {
	ID            int64     `json:"id,omitempty"`
	TaskID        string    `json:"task_id"`
	From          string    `json:"from_status"`
	To            string    `json:"to_status"`
	Channel       string    `json:"channel"`
	ChatID        string    `json:"chat_id"`
	PromptPreview string    `json:"prompt_preview,omitempty"`
	At            time.Time `json:"at"`
}

// Log writes transitions to audit.db and audit.jsonl.
type Log struct {
	mu   sync.Mutex
	db   *sql.DB
	file *os.File
}

// DBPath is the sqlite file under homeDir.
func DBPath(homeDir string) string {
	return filepath.Join(homeDir, "audit.db")
}

// Open creates or opens the audit database and JSONL mirror under homeDir.
func Open(homeDir string) (*Log, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000", DBPath(homeDir))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := initSchema(context.Background(), db); err != nil {
		_ = db.Close()
		return nil, err
	}

	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open audit.jsonl: %w", err)
	}
	return &Log{db: db, file: f}, nil
}

func initSchema(ctx context.Context, db *sql.DB) error {
	for _, q := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
	} {
		if _, err := db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS task_transitions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL,
			from_status TEXT NOT NULL,
			to_status TEXT NOT NULL,
			channel TEXT NOT NULL,
			chat_id TEXT NOT NULL,
			prompt_preview TEXT NOT NULL DEFAULT '',
			at DATETIME NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_task_transitions_task ON task_transitions(task_id);`,
	}
	for _, q := range stmts {
		if _, err := tx.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersion {
		return fmt.Errorf("audit schema version %d is newer than supported %d", maxVersion, schemaVersion)
	}
	if maxVersion < schemaVersion {
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES (?);`, schemaVersion); err != nil {
			return fmt.Errorf("record migration: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

// Close releases the database and the JSONL file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var firstErr error
	if l.file != nil {
		firstErr = l.file.Close()
		l.file = nil
	}
	if l.db != nil {
		if err := l.db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		l.db = nil
	}
	return firstErr
}

// Observe records t. It has the persistence.TransitionObserver signature and
// never fails the caller.
func (l *Log) Observe(t persistence.Transition) {
	_ = l.Record(context.Background(), Entry{
		TaskID:        t.Record.ID,
		From:          string(t.From),
		To:            string(t.To),
		Channel:       t.Record.Channel,
		ChatID:        t.Record.ChatID,
		PromptPreview: t.Record.PromptPreview,
		At:            t.At,
	})
}

// Record appends e to both sinks. The prompt preview is redacted first.
func (l *Log) Record(ctx context.Context, e Entry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	e.At = e.At.UTC()
	e.PromptPreview = shared.Redact(e.PromptPreview)

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		if b, err := json.Marshal(e); err == nil {
			_, _ = l.file.Write(append(b, '\n'))
		}
	}
	if l.db == nil {
		return nil
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := l.db.ExecContext(ctx, `
			INSERT INTO task_transitions (task_id, from_status, to_status, channel, chat_id, prompt_preview, at)
			VALUES (?, ?, ?, ?, ?, ?, ?);
		`, e.TaskID, e.From, e.To, e.Channel, e.ChatID, e.PromptPreview, e.At.Format(time.RFC3339Nano))
		return err
	})
}

// Recent returns up to limit entries, newest first. A non-positive limit
// means 50.
func (l *Log) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	l.mu.Lock()
	db := l.db
	l.mu.Unlock()
	if db == nil {
		return nil, fmt.Errorf("audit log closed")
	}
	rows, err := db.QueryContext(ctx, `
		SELECT id, task_id, from_status, to_status, channel, chat_id, prompt_preview, at
		FROM task_transitions
		ORDER BY id DESC
		LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query transitions: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var at string
		if err := rows.Scan(&e.ID, &e.TaskID, &e.From, &e.To, &e.Channel, &e.ChatID, &e.PromptPreview, &at); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		e.At, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, e)
	}
	return out, rows.Err()
}

// retryOnBusy retries f when sqlite reports BUSY or LOCKED, backing off
// exponentially with jitter.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil || !isBusy(err) || attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		delay = delay - delay/4 + time.Duration(rand.IntN(int(delay/2)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isBusy(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}
