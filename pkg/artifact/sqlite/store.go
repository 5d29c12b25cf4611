// Package sqlite stores artifacts in SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/finitoshi/chibi/pkg/artifact"
	"github.com/finitoshi/chibi/pkg/models"
)

const createArtifactsTable = `
CREATE TABLE IF NOT EXISTS artifacts (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	chat_id TEXT NOT NULL DEFAULT '',
	prompt TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_artifacts_created ON artifacts(created_at);
`

// Store is an append-only artifact.Store on SQLite.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ artifact.Store = (*Store)(nil)

func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open artifact db: %w", err)
	}
	if _, err := db.Exec(createArtifactsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate artifact db: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Save inserts a new artifact and returns its id.
func (s *Store) Save(ctx context.Context, a models.Artifact) (string, error) {
	a = artifact.Prepare(a, s.now())
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO artifacts (id, chat_id, prompt, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
		a.ID, a.ChatID, a.Prompt, a.Payload, a.CreatedAt.UnixNano(),
	)
	if err != nil {
		return "", fmt.Errorf("save artifact: %w", err)
	}
	return a.ID, nil
}

// List returns up to limit artifacts, newest first.
func (s *Store) List(ctx context.Context, limit int) ([]models.Artifact, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, chat_id, prompt, payload, created_at FROM artifacts
		 ORDER BY created_at DESC, seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()

	var out []models.Artifact
	for rows.Next() {
		var a models.Artifact
		var createdAt int64
		if err := rows.Scan(&a.ID, &a.ChatID, &a.Prompt, &a.Payload, &createdAt); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		a.CreatedAt = time.Unix(0, createdAt).UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) Close() error {
	return s.db.Close()
}
