// Package sqlitedb provides a SQLite session backend for single-binary
// deployments that have no Postgres.
package sqlitedb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/snarg/livescribe/internal/session"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS transcription_sessions (
	id           TEXT PRIMARY KEY,
	session_id   TEXT NOT NULL,
	user_id      TEXT NOT NULL DEFAULT '',
	title        TEXT NOT NULL,
	transcript   TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'active',
	started_at   INTEGER NOT NULL,
	completed_at INTEGER,
	last_updated INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS uq_transcription_sessions_session_id ON transcription_sessions (session_id);
CREATE INDEX IF NOT EXISTS idx_transcription_sessions_status ON transcription_sessions (status);
CREATE INDEX IF NOT EXISTS idx_transcription_sessions_started_at ON transcription_sessions (started_at DESC);
`

const columns = `id, session_id, user_id, title, transcript, status, started_at, completed_at, last_updated`

// Backend stores sessions in a SQLite database file.
type Backend struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies the
// schema. Use ":memory:" for a throwaway database.
func Open(path string) (*Backend, error) {
	dsn := path
	if path != ":memory:" {
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite allows one writer; a single connection also keeps ":memory:"
	// databases from splitting per connection.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Backend{db: db}, nil
}

// Close closes the database.
func (b *Backend) Close() error {
	return b.db.Close()
}

func (b *Backend) FindByID(ctx context.Context, id string) (*session.Session, error) {
	return b.queryOne(ctx, `SELECT `+columns+` FROM transcription_sessions WHERE id = ?`, id)
}

func (b *Backend) FindBySessionID(ctx context.Context, sessionID string) (*session.Session, error) {
	return b.queryOne(ctx, `SELECT `+columns+` FROM transcription_sessions WHERE session_id = ?`, sessionID)
}

func (b *Backend) FindActive(ctx context.Context) (*session.Session, error) {
	return b.queryOne(ctx, `
		SELECT `+columns+` FROM transcription_sessions
		WHERE status = 'active'
		ORDER BY started_at DESC, id ASC
		LIMIT 1`)
}

func (b *Backend) Insert(ctx context.Context, s *session.Session) error {
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO transcription_sessions (`+columns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.SessionID, s.UserID, s.Title, s.Transcript, string(s.Status),
		toMillis(s.StartedAt), nullMillis(s.CompletedAt), toMillis(s.LastUpdated),
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return session.ErrDuplicate
	}
	return err
}

// Update writes the mutable columns of an active row. A row that is
// missing or already completed is left alone and reported as
// session.ErrNotFound.
func (b *Backend) Update(ctx context.Context, s *session.Session) error {
	res, err := b.db.ExecContext(ctx, `
		UPDATE transcription_sessions SET
			user_id = ?, title = ?, transcript = ?, status = ?,
			completed_at = ?, last_updated = ?
		WHERE id = ? AND status = 'active'`,
		s.UserID, s.Title, s.Transcript, string(s.Status),
		nullMillis(s.CompletedAt), toMillis(s.LastUpdated), s.ID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return session.ErrNotFound
	}
	return nil
}

func (b *Backend) Delete(ctx context.Context, id string) (bool, error) {
	res, err := b.db.ExecContext(ctx, `DELETE FROM transcription_sessions WHERE id = ?`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (b *Backend) List(ctx context.Context) ([]session.Session, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT `+columns+` FROM transcription_sessions
		ORDER BY started_at DESC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	out := []session.Session{}
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

func (b *Backend) Ping(ctx context.Context) error {
	return b.db.PingContext(ctx)
}

func (b *Backend) Type() string { return "sqlite" }

func (b *Backend) queryOne(ctx context.Context, query string, args ...any) (*session.Session, error) {
	s, err := scanSession(b.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, session.ErrNotFound
	}
	return s, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*session.Session, error) {
	var s session.Session
	var status string
	var startedAt, lastUpdated int64
	var completedAt sql.NullInt64
	if err := row.Scan(&s.ID, &s.SessionID, &s.UserID, &s.Title, &s.Transcript, &status,
		&startedAt, &completedAt, &lastUpdated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan session: %w", err)
	}
	s.Status = session.Status(status)
	s.StartedAt = fromMillis(startedAt)
	s.LastUpdated = fromMillis(lastUpdated)
	if completedAt.Valid {
		t := fromMillis(completedAt.Int64)
		s.CompletedAt = &t
	}
	return &s, nil
}

func toMillis(t time.Time) int64 { return t.UnixMilli() }

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
