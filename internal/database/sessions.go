package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/snarg/livescribe/internal/session"
)

const sessionColumns = `id, session_id, user_id, title, transcript, status, started_at, completed_at, last_updated`

// uniqueViolation is the Postgres SQLSTATE for a unique index conflict.
const uniqueViolation = "23505"

// SessionBackend implements session.Backend on the transcription_sessions table.
type SessionBackend struct {
	db *DB
}

// Sessions returns the session backend for this database.
func (db *DB) Sessions() *SessionBackend {
	return &SessionBackend{db: db}
}

func (b *SessionBackend) FindByID(ctx context.Context, id string) (*session.Session, error) {
	return b.queryOne(ctx, `SELECT `+sessionColumns+` FROM transcription_sessions WHERE id = $1`, id)
}

func (b *SessionBackend) FindBySessionID(ctx context.Context, sessionID string) (*session.Session, error) {
	return b.queryOne(ctx, `SELECT `+sessionColumns+` FROM transcription_sessions WHERE session_id = $1`, sessionID)
}

func (b *SessionBackend) FindActive(ctx context.Context) (*session.Session, error) {
	return b.queryOne(ctx, `
		SELECT `+sessionColumns+` FROM transcription_sessions
		WHERE status = 'active'
		ORDER BY started_at DESC, id ASC
		LIMIT 1
	`)
}

func (b *SessionBackend) Insert(ctx context.Context, s *session.Session) error {
	_, err := b.db.Pool.Exec(ctx, `
		INSERT INTO transcription_sessions (`+sessionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		s.ID, s.SessionID, s.UserID, s.Title, s.Transcript, string(s.Status),
		s.StartedAt, s.CompletedAt, s.LastUpdated,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return session.ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// Update writes the mutable columns. The status guard keeps a completed row
// frozen even if a stale writer from another process gets here; such a row,
// like a missing one, is reported as session.ErrNotFound and the Store
// treats it as a no-op, not an outage.
func (b *SessionBackend) Update(ctx context.Context, s *session.Session) error {
	tag, err := b.db.Pool.Exec(ctx, `
		UPDATE transcription_sessions SET
			user_id = $2,
			title = $3,
			transcript = $4,
			status = $5,
			completed_at = $6,
			last_updated = $7
		WHERE id = $1 AND status = 'active'
	`, s.ID, s.UserID, s.Title, s.Transcript, string(s.Status), s.CompletedAt, s.LastUpdated)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return session.ErrNotFound
	}
	return nil
}

func (b *SessionBackend) Delete(ctx context.Context, id string) (bool, error) {
	tag, err := b.db.Pool.Exec(ctx, `DELETE FROM transcription_sessions WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("delete session: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (b *SessionBackend) List(ctx context.Context) ([]session.Session, error) {
	rows, err := b.db.Pool.Query(ctx, `
		SELECT `+sessionColumns+` FROM transcription_sessions
		ORDER BY started_at DESC, id ASC
	`)
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

func (b *SessionBackend) Ping(ctx context.Context) error {
	return b.db.HealthCheck(ctx)
}

func (b *SessionBackend) Type() string { return "postgres" }

// CountByStatus returns session counts keyed by status, for metrics.
func (b *SessionBackend) CountByStatus(ctx context.Context) (map[session.Status]int, error) {
	rows, err := b.db.Pool.Query(ctx, `SELECT status, count(*) FROM transcription_sessions GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[session.Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[session.Status(status)] = n
	}
	return counts, rows.Err()
}

func (b *SessionBackend) queryOne(ctx context.Context, query string, args ...any) (*session.Session, error) {
	s, err := scanSession(b.db.Pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, session.ErrNotFound
	}
	return s, err
}

func scanSession(row pgx.Row) (*session.Session, error) {
	var s session.Session
	var status string
	if err := row.Scan(&s.ID, &s.SessionID, &s.UserID, &s.Title, &s.Transcript, &status,
		&s.StartedAt, &s.CompletedAt, &s.LastUpdated); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan session: %w", err)
	}
	s.Status = session.Status(status)
	s.StartedAt = s.StartedAt.UTC()
	s.LastUpdated = s.LastUpdated.UTC()
	if s.CompletedAt != nil {
		t := s.CompletedAt.UTC()
		s.CompletedAt = &t
	}
	return &s, nil
}
