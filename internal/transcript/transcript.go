// Package transcript records every message that crosses a session thread
// (user prompts, streamed AI posts, lifecycle notices) in SQL, one row per
// message. The cleanup scheduler prunes rows past retention; the gateway
// serves them for thread inspection.
package transcript

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/threadline/threadline/internal/common/config"
	"github.com/threadline/threadline/internal/common/logger"
	"github.com/threadline/threadline/internal/db"
	"github.com/threadline/threadline/internal/db/dialect"
)

// Entry directions.
const (
	DirectionInbound  = "inbound"  // user → AI
	DirectionOutbound = "outbound" // AI → thread
	DirectionEvent    = "event"    // lifecycle notices
)

// Entry is one recorded thread message.
type Entry struct {
	ID         int64     `db:"id" json:"id"`
	PlatformID string    `db:"platform_id" json:"platformId"`
	ThreadID   string    `db:"thread_id" json:"threadId"`
	SessionID  string    `db:"session_id" json:"sessionId"`
	Username   string    `db:"username" json:"username"`
	Direction  string    `db:"direction" json:"direction"`
	Content    string    `db:"content" json:"content"`
	CreatedAt  time.Time `db:"created_at" json:"createdAt"`
}

// Store is the SQL-backed transcript log.
type Store struct {
	pool *db.Pool
	log  *logger.Logger
}

// Open connects per the transcript config and runs the schema migration.
func Open(cfg config.TranscriptConfig, log *logger.Logger) (*Store, error) {
	pool, err := openPool(cfg)
	if err != nil {
		return nil, fmt.Errorf("open transcript db: %w", err)
	}
	s := New(pool, log)
	if err := s.Migrate(context.Background()); err != nil {
		_ = pool.Close()
		return nil, err
	}
	return s, nil
}

// openPool builds the writer/reader pool for the configured driver.
func openPool(cfg config.TranscriptConfig) (*db.Pool, error) {
	if dialect.IsPostgres(cfg.Driver) {
		conn, err := db.OpenPostgres(cfg.DSN, 0, 0)
		if err != nil {
			return nil, err
		}
		shared := sqlx.NewDb(conn, dialect.PGX)
		return db.NewPool(shared, shared), nil
	}
	writer, err := db.OpenSQLite(cfg.Path)
	if err != nil {
		return nil, err
	}
	reader, err := db.OpenSQLiteReader(cfg.Path)
	if err != nil {
		_ = writer.Close()
		return nil, err
	}
	return db.NewPool(sqlx.NewDb(writer, dialect.SQLite3), sqlx.NewDb(reader, dialect.SQLite3)), nil
}

// New wraps an existing pool (tests supply their own).
func New(pool *db.Pool, log *logger.Logger) *Store {
	return &Store{pool: pool, log: log.WithFields(zap.String("component", "transcript"))}
}

// Close releases the underlying pool.
func (s *Store) Close() error { return s.pool.Close() }

// Migrate creates the thread_logs table when missing.
func (s *Store) Migrate(ctx context.Context) error {
	driver := s.pool.Writer().DriverName()
	idCol := "id INTEGER PRIMARY KEY AUTOINCREMENT"
	if dialect.IsPostgres(driver) {
		idCol = "id BIGSERIAL PRIMARY KEY"
	}
	schema := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS thread_logs (
			%s,
			platform_id TEXT NOT NULL,
			thread_id   TEXT NOT NULL,
			session_id  TEXT NOT NULL,
			username    TEXT NOT NULL DEFAULT '',
			direction   TEXT NOT NULL,
			content     TEXT NOT NULL,
			created_at  TIMESTAMP NOT NULL
		)`, idCol)
	if _, err := s.pool.Writer().ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate thread_logs: %w", err)
	}
	index := `CREATE INDEX IF NOT EXISTS idx_thread_logs_thread
		ON thread_logs (platform_id, thread_id, created_at)`
	if _, err := s.pool.Writer().ExecContext(ctx, index); err != nil {
		return fmt.Errorf("index thread_logs: %w", err)
	}
	return nil
}

// Append records one entry and fills in its ID and timestamp.
func (s *Store) Append(ctx context.Context, e *Entry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	id, err := dialect.InsertReturningID(ctx, s.pool.Writer(),
		`INSERT INTO thread_logs (platform_id, thread_id, session_id, username, direction, content, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.PlatformID, e.ThreadID, e.SessionID, e.Username, e.Direction, e.Content, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("append thread log: %w", err)
	}
	e.ID = id
	return nil
}

// ForThread returns a thread's entries oldest first. limit 0 = all.
func (s *Store) ForThread(ctx context.Context, platformID, threadID string, limit int) ([]Entry, error) {
	reader := s.pool.Reader()
	query := `SELECT id, platform_id, thread_id, session_id, username, direction, content, created_at
		FROM thread_logs WHERE platform_id = ? AND thread_id = ? ORDER BY created_at, id`
	args := []any{platformID, threadID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	var entries []Entry
	if err := reader.SelectContext(ctx, &entries, reader.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("load thread log: %w", err)
	}
	return entries, nil
}

// ForSession returns all entries of one session, oldest first.
func (s *Store) ForSession(ctx context.Context, sessionID string) ([]Entry, error) {
	reader := s.pool.Reader()
	var entries []Entry
	err := reader.SelectContext(ctx, &entries, reader.Rebind(
		`SELECT id, platform_id, thread_id, session_id, username, direction, content, created_at
		 FROM thread_logs WHERE session_id = ? ORDER BY created_at, id`), sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session log: %w", err)
	}
	return entries, nil
}

// DeleteOlderThan prunes entries created before the cutoff and returns how
// many were removed.
func (s *Store) DeleteOlderThan(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-retention)
	writer := s.pool.Writer()
	res, err := writer.ExecContext(ctx, writer.Rebind(
		`DELETE FROM thread_logs WHERE created_at < ?`), cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune thread logs: %w", err)
	}
	removed, _ := res.RowsAffected()
	if removed > 0 {
		s.log.Info("pruned thread logs", zap.Int64("removed", removed))
	}
	return removed, nil
}

// DayCount is one row of the per-day activity stat.
type DayCount struct {
	Day   string `db:"day" json:"day"`
	Count int64  `db:"count" json:"count"`
}

// ActivityByDay returns entry counts per day for the last N days, oldest
// first. Serves the gateway stats endpoint.
func (s *Store) ActivityByDay(ctx context.Context, days int) ([]DayCount, error) {
	reader := s.pool.Reader()
	driver := reader.DriverName()
	query := fmt.Sprintf(
		`SELECT %s AS day, COUNT(*) AS count FROM thread_logs
		 WHERE %s >= %s GROUP BY day ORDER BY day`,
		dialect.DateOf(driver, "created_at"),
		dialect.DateOf(driver, "created_at"),
		dialect.DateNowMinusDays(driver, "?"))
	var rows []DayCount
	if err := reader.SelectContext(ctx, &rows, reader.Rebind(query), days); err != nil {
		return nil, fmt.Errorf("activity by day: %w", err)
	}
	return rows, nil
}
