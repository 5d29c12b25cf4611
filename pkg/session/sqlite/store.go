// Package sqlite persists wallet-link sessions in SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/finitoshi/chibi/pkg/session"
)

const createSessionsTable = `
CREATE TABLE IF NOT EXISTS sessions (
	caller_id TEXT PRIMARY KEY,
	state TEXT NOT NULL,
	wallet TEXT NOT NULL DEFAULT '',
	updated_at INTEGER NOT NULL
);
`

// Store is a session.Store on SQLite. Address acceptance is a conditional
// UPDATE on the awaiting state, so a lost race surfaces as ErrNotAwaiting.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// New opens the database at dbPath and creates the sessions table.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open session db: %w", err)
	}
	// One connection serializes writers instead of surfacing SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(createSessionsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate session db: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Get(ctx context.Context, callerID string) (session.Session, error) {
	if _, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO sessions (caller_id, state, wallet, updated_at) VALUES (?, ?, '', ?)`,
		callerID, session.Unlinked, s.now().UnixNano(),
	); err != nil {
		return session.Session{}, fmt.Errorf("create session: %w", err)
	}

	var (
		sess      = session.Session{CallerID: callerID}
		updatedAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT state, wallet, updated_at FROM sessions WHERE caller_id = ?`, callerID,
	).Scan(&sess.State, &sess.Wallet, &updatedAt)
	if err != nil {
		return session.Session{}, fmt.Errorf("load session: %w", err)
	}
	sess.UpdatedAt = time.Unix(0, updatedAt)
	return sess, nil
}

func (s *Store) BeginLink(ctx context.Context, callerID string) (session.Session, error) {
	cur, err := s.Get(ctx, callerID)
	if err != nil {
		return session.Session{}, err
	}
	next, err := session.Next(cur, session.EventBeginLink, "")
	if err != nil {
		return cur, err
	}
	next.UpdatedAt = s.now()
	if _, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET state = ?, updated_at = ? WHERE caller_id = ?`,
		next.State, next.UpdatedAt.UnixNano(), callerID,
	); err != nil {
		return cur, fmt.Errorf("begin link: %w", err)
	}
	return next, nil
}

func (s *Store) SubmitAddress(ctx context.Context, callerID, text string) (session.Session, error) {
	cur, err := s.Get(ctx, callerID)
	if err != nil {
		return session.Session{}, err
	}
	next, err := session.Next(cur, session.EventSubmit, text)
	if err != nil {
		return cur, err
	}
	next.UpdatedAt = s.now()

	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET state = ?, wallet = ?, updated_at = ? WHERE caller_id = ? AND state = ?`,
		next.State, next.Wallet, next.UpdatedAt.UnixNano(), callerID, session.Awaiting,
	)
	if err != nil {
		return cur, fmt.Errorf("submit address: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return cur, fmt.Errorf("submit address: %w", err)
	}
	if n == 0 {
		return cur, session.ErrNotAwaiting
	}
	return next, nil
}

func (s *Store) CurrentWallet(ctx context.Context, callerID string) (string, bool, error) {
	sess, err := s.Get(ctx, callerID)
	if err != nil {
		return "", false, err
	}
	addr, ok := sess.CurrentWallet()
	return addr, ok, nil
}

// Count returns the number of stored sessions by state.
func (s *Store) Count(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM sessions GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("count sessions: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("scan session count: %w", err)
		}
		counts[state] = n
	}
	return counts, rows.Err()
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
