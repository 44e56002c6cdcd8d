package database

import (
	"context"
	"fmt"
	"strings"
)

// migration defines a single idempotent schema migration.
type migration struct {
	name  string
	sql   string
	check string // query that returns true if the migration is already applied
}

// migrations is the ordered list of schema migrations to apply.
// Each must be idempotent (use IF NOT EXISTS, IF EXISTS, etc.).
var migrations = []migration{
	{
		name: "create transcription_sessions",
		sql: `CREATE TABLE IF NOT EXISTS transcription_sessions (
	id           text PRIMARY KEY,
	session_id   text NOT NULL,
	user_id      text NOT NULL DEFAULT '',
	title        text NOT NULL,
	transcript   text NOT NULL,
	status       text NOT NULL DEFAULT 'active' CHECK (status IN ('active', 'completed')),
	started_at   timestamptz NOT NULL,
	completed_at timestamptz,
	last_updated timestamptz NOT NULL,
	CHECK (completed_at IS NULL OR completed_at >= started_at)
)`,
		check: `SELECT EXISTS (SELECT FROM pg_tables WHERE schemaname = 'public' AND tablename = 'transcription_sessions')`,
	},
	{
		name:  "add transcription_sessions session_id unique index",
		sql:   `CREATE UNIQUE INDEX IF NOT EXISTS uq_transcription_sessions_session_id ON transcription_sessions (session_id)`,
		check: `SELECT EXISTS (SELECT 1 FROM pg_indexes WHERE indexname = 'uq_transcription_sessions_session_id')`,
	},
	{
		name:  "add transcription_sessions status index",
		sql:   `CREATE INDEX IF NOT EXISTS idx_transcription_sessions_status ON transcription_sessions (status)`,
		check: `SELECT EXISTS (SELECT 1 FROM pg_indexes WHERE indexname = 'idx_transcription_sessions_status')`,
	},
	{
		name:  "add transcription_sessions started_at index",
		sql:   `CREATE INDEX IF NOT EXISTS idx_transcription_sessions_started_at ON transcription_sessions (started_at DESC)`,
		check: `SELECT EXISTS (SELECT 1 FROM pg_indexes WHERE indexname = 'idx_transcription_sessions_started_at')`,
	},
}

// Migrate runs all pending schema migrations.
// For each migration, it first checks whether the change is already present.
// If not, it attempts to apply it. If the apply fails (e.g. insufficient
// privileges), the error is returned; the caller should treat this as fatal
// since the application's queries depend on the table existing.
func (db *DB) Migrate(ctx context.Context) error {
	var pending []migration
	for _, m := range migrations {
		if m.check != "" {
			var exists bool
			if err := db.Pool.QueryRow(ctx, m.check).Scan(&exists); err == nil && exists {
				continue
			}
		}
		pending = append(pending, m)
	}

	if len(pending) == 0 {
		return nil
	}

	applied := 0
	for _, m := range pending {
		if _, err := db.Pool.Exec(ctx, m.sql); err != nil {
			return &MigrationError{
				failed:  m,
				pending: pending[applied:],
				err:     err,
			}
		}
		db.log.Info().Str("migration", m.name).Msg("schema migration applied")
		applied++
	}
	db.log.Info().Int("applied", applied).Msg("schema migrations complete")
	return nil
}

// MigrationError is returned when a migration fails.
// It includes the SQL needed to apply all remaining migrations manually.
type MigrationError struct {
	failed  migration
	pending []migration
	err     error
}

func (e *MigrationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "migration %q failed: %v\n\n", e.failed.name, e.err)
	b.WriteString("Run the following SQL as a database superuser to fix this:\n\n")
	for _, m := range e.pending {
		fmt.Fprintf(&b, "  %s;\n", m.sql)
	}
	b.WriteString("\nThen restart livescribe.")
	return b.String()
}

func (e *MigrationError) Unwrap() error {
	return e.err
}
