// Package teammemory persists what tasks accomplished per repository so
// later workers start with recent context. Backed by a local sqlite file.
package teammemory

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS completions (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id    TEXT NOT NULL,
	repo_id    TEXT NOT NULL,
	summary    TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_completions_repo ON completions(repo_id, created_at);
`

// Store is the sqlite-backed team memory.
type Store struct {
	db *sql.DB
}

// Open opens (and migrates) the team memory database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open team memory: %w", err)
	}
	// Single writer; sqlite handles its own locking.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate team memory: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// RecordCompletion stores a finished task's summary for its repository.
func (s *Store) RecordCompletion(ctx context.Context, taskID, repoID, summary string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO completions (task_id, repo_id, summary, created_at) VALUES (?, ?, ?, ?)`,
		taskID, repoID, summary, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("record completion: %w", err)
	}
	return nil
}

// RecentContext returns the newest summaries for a repository, oldest
// first, formatted as context lines for a worker prompt.
func (s *Store) RecentContext(ctx context.Context, repoID string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT task_id, summary FROM completions WHERE repo_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`,
		repoID, limit)
	if err != nil {
		return nil, fmt.Errorf("query team memory: %w", err)
	}
	defer rows.Close()

	var lines []string
	for rows.Next() {
		var taskID, summary string
		if err := rows.Scan(&taskID, &summary); err != nil {
			return nil, err
		}
		lines = append(lines, fmt.Sprintf("[%s] %s", taskID, summary))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Reverse to chronological order.
	for i, j := 0, len(lines)-1; i < j; i, j = i+1, j-1 {
		lines[i], lines[j] = lines[j], lines[i]
	}
	return lines, nil
}
