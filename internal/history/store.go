// Package history archives per-attempt results in SQLite so past runs can
// be inspected after the JSON state file has been cleared. The state file
// remains the source of truth for resume; history is an append-only log.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// DefaultFileName is the conventional history database name inside the
// working directory.
const DefaultFileName = ".prompter_history.db"

// AttemptRecord is one archived attempt.
type AttemptRecord struct {
	RunID     string
	TaskName  string
	Attempt   int
	Success   bool
	SessionID string
	Error     string
	Output    string
	CreatedAt time.Time
}

// Store is a SQLite-backed attempt archive.
type Store struct {
	db *sql.DB
}

// Open creates or opens the archive at dbPath. Parent directories are
// created as needed; the database runs in WAL mode with a busy timeout, so
// concurrent attempt writers wait for each other instead of failing.
func Open(ctx context.Context, dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("creating history directory: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", dbPath)
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("opening history database: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing history schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS attempts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		task_name TEXT NOT NULL,
		attempt INTEGER NOT NULL,
		success INTEGER NOT NULL,
		session_id TEXT,
		error TEXT,
		output TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_attempts_run_task
		ON attempts(run_id, task_name, attempt);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// RecordAttempt appends one attempt outcome. Output and error text are
// truncated to keep the archive bounded.
func (s *Store) RecordAttempt(ctx context.Context, rec AttemptRecord) error {
	const maxText = 2000

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO attempts (run_id, task_name, attempt, success, session_id, error, output)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, rec.RunID, rec.TaskName, rec.Attempt, boolToInt(rec.Success),
		rec.SessionID, clip(rec.Error, maxText), clip(rec.Output, maxText))
	if err != nil {
		return fmt.Errorf("recording attempt: %w", err)
	}
	return nil
}

// Attempts returns the archived attempts for one task in one run, oldest
// first.
func (s *Store) Attempts(ctx context.Context, runID, taskName string) ([]AttemptRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, task_name, attempt, success, session_id, error, output, created_at
		FROM attempts
		WHERE run_id = ? AND task_name = ?
		ORDER BY attempt, id
	`, runID, taskName)
	if err != nil {
		return nil, fmt.Errorf("querying attempts: %w", err)
	}
	defer rows.Close()

	var out []AttemptRecord
	for rows.Next() {
		var rec AttemptRecord
		var success int
		var sessionID, errText, output sql.NullString
		if err := rows.Scan(&rec.RunID, &rec.TaskName, &rec.Attempt, &success,
			&sessionID, &errText, &output, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning attempt: %w", err)
		}
		rec.Success = success != 0
		rec.SessionID = sessionID.String
		rec.Error = errText.String
		rec.Output = output.String
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
