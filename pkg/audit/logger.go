// Package audit records how the gateway handled each inbound update.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/finitoshi/chibi/pkg/models"
)

// Logger writes and queries decisions in a SQLite database.
type Logger struct {
	db     *sql.DB
	cfg    models.AuditConfig
	logger *zap.Logger
	done   chan struct{}
	wg     sync.WaitGroup
}

// New opens the audit database, creates the schema and starts the
// retention loop.
func New(cfg models.AuditConfig, logger *zap.Logger) (*Logger, error) {
	db, err := sql.Open("sqlite", cfg.DBPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate audit db: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	l := &Logger{
		db:     db,
		cfg:    cfg,
		logger: logger,
		done:   make(chan struct{}),
	}

	l.wg.Add(1)
	go l.retentionLoop()

	return l, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS decisions (
		request_id TEXT PRIMARY KEY,
		chat_id    TEXT NOT NULL,
		action     TEXT NOT NULL,
		tier       TEXT NOT NULL DEFAULT '',
		status     TEXT NOT NULL,
		cached     INTEGER NOT NULL DEFAULT 0,
		degraded   INTEGER NOT NULL DEFAULT 0,
		latency_ms INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	)`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_decisions_chat ON decisions(chat_id)`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_decisions_created ON decisions(created_at)`)
	return err
}

// Log inserts a decision. A nil Logger discards it.
func (l *Logger) Log(ctx context.Context, d models.Decision) error {
	if l == nil || l.db == nil {
		return nil
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO decisions
		(request_id, chat_id, action, tier, status, cached, degraded, latency_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.RequestID, d.ChatID, d.Action, d.Tier, d.Status,
		boolInt(d.Cached), boolInt(d.Degraded), d.LatencyMs, d.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("log decision: %w", err)
	}
	return nil
}

// Query returns decisions matching the given options, newest first.
func (l *Logger) Query(ctx context.Context, opts models.AuditQueryOpts) ([]models.Decision, error) {
	q := `SELECT request_id, chat_id, action, tier, status, cached, degraded, latency_ms, created_at
		FROM decisions WHERE 1=1`
	var args []any

	if opts.ChatID != "" {
		q += " AND chat_id = ?"
		args = append(args, opts.ChatID)
	}
	if opts.Tier != "" {
		q += " AND tier = ?"
		args = append(args, opts.Tier)
	}
	if opts.Status != "" {
		q += " AND status = ?"
		args = append(args, opts.Status)
	}
	if !opts.Since.IsZero() {
		q += " AND created_at >= ?"
		args = append(args, opts.Since.UnixNano())
	}

	q += " ORDER BY created_at DESC"

	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	q += " LIMIT ?"
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	var decisions []models.Decision
	for rows.Next() {
		var d models.Decision
		var cached, degraded int
		var createdAt int64
		if err := rows.Scan(
			&d.RequestID, &d.ChatID, &d.Action, &d.Tier, &d.Status,
			&cached, &degraded, &d.LatencyMs, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		d.Cached = cached != 0
		d.Degraded = degraded != 0
		d.CreatedAt = time.Unix(0, createdAt)
		decisions = append(decisions, d)
	}
	return decisions, rows.Err()
}

// Stats returns decision counts grouped by tier and UTC day.
func (l *Logger) Stats(ctx context.Context) ([]models.AuditStat, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT tier, date(created_at / 1000000000, 'unixepoch') AS day, count(*) AS cnt
		 FROM decisions GROUP BY tier, day ORDER BY day DESC, tier`)
	if err != nil {
		return nil, fmt.Errorf("audit stats: %w", err)
	}
	defer rows.Close()

	var stats []models.AuditStat
	for rows.Next() {
		var s models.AuditStat
		var day sql.NullString
		if err := rows.Scan(&s.Tier, &day, &s.Count); err != nil {
			return nil, fmt.Errorf("scan audit stat: %w", err)
		}
		s.Day = day.String
		stats = append(stats, s)
	}
	return stats, rows.Err()
}

// Cleanup deletes decisions older than the configured retention period.
func (l *Logger) Cleanup(ctx context.Context) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -l.cfg.RetentionDays)
	res, err := l.db.ExecContext(ctx,
		`DELETE FROM decisions WHERE created_at < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("audit cleanup: %w", err)
	}
	return res.RowsAffected()
}

// Close stops the retention goroutine and closes the database.
func (l *Logger) Close() error {
	close(l.done)
	l.wg.Wait()
	return l.db.Close()
}

func (l *Logger) retentionLoop() {
	defer l.wg.Done()
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			n, err := l.Cleanup(context.Background())
			if err != nil {
				l.logger.Warn("audit cleanup failed", zap.Error(err))
				continue
			}
			if n > 0 {
				l.logger.Info("audit cleanup", zap.Int64("deleted", n))
			}
		}
	}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
