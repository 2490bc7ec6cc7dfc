package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATOR
// ══════════════════════════════════════════════════════════════════════════════

// Migration represents a database migration.
type Migration struct {
	Version   int
	Name      string
	UpSQL     string
	DownSQL   string
	AppliedAt time.Time
	IsApplied bool
}

// Migrator applies the embedded migrations in version order.
type Migrator struct {
	conn       *Connection
	migrations []Migration
	tableName  string
}

// NewMigrator creates a migrator with the embedded migrations.
func NewMigrator(conn *Connection) *Migrator {
	return &Migrator{
		conn:       conn,
		migrations: Migrations(),
		tableName:  "ascend_schema_migrations",
	}
}

func (m *Migrator) ensureTable(ctx context.Context, q Querier) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		)
	`, m.tableName)

	if _, err := q.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}
	return nil
}

func (m *Migrator) applied(ctx context.Context, q Querier) (map[int]time.Time, error) {
	rows, err := q.Query(ctx, fmt.Sprintf("SELECT version, applied_at FROM %s ORDER BY version", m.tableName))
	if err != nil {
		return nil, fmt.Errorf("failed to query applied migrations: %w", err)
	}
	defer rows.Close()

	out := make(map[int]time.Time)
	for rows.Next() {
		var version int
		var at time.Time
		if err := rows.Scan(&version, &at); err != nil {
			return nil, fmt.Errorf("failed to scan migration row: %w", err)
		}
		out[version] = at
	}
	return out, rows.Err()
}

// Migrate applies all pending migrations, each in its own transaction.
func (m *Migrator) Migrate(ctx context.Context) error {
	q, err := m.conn.querier()
	if err != nil {
		return err
	}
	if err := m.ensureTable(ctx, q); err != nil {
		return err
	}

	applied, err := m.applied(ctx, q)
	if err != nil {
		return err
	}

	for _, mig := range m.migrations {
		if _, ok := applied[mig.Version]; ok {
			continue
		}

		err := m.conn.WithTx(ctx, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, mig.UpSQL); err != nil {
				return err
			}
			_, err := tx.Exec(ctx,
				fmt.Sprintf("INSERT INTO %s (version, name) VALUES ($1, $2)", m.tableName),
				mig.Version, mig.Name)
			return err
		})
		if err != nil {
			return fmt.Errorf("%w: version %d: %v", ErrMigrationFailed, mig.Version, err)
		}
	}

	return nil
}

// Rollback reverts the last applied migration.
func (m *Migrator) Rollback(ctx context.Context) error {
	q, err := m.conn.querier()
	if err != nil {
		return err
	}
	if err := m.ensureTable(ctx, q); err != nil {
		return err
	}
	applied, err := m.applied(ctx, q)
	if err != nil {
		return err
	}

	last := 0
	for v := range applied {
		if v > last {
			last = v
		}
	}
	if last == 0 {
		return nil
	}

	var mig *Migration
	for i := range m.migrations {
		if m.migrations[i].Version == last {
			mig = &m.migrations[i]
			break
		}
	}
	if mig == nil || mig.DownSQL == "" {
		return fmt.Errorf("%w: missing down SQL for migration %d", ErrMigrationFailed, last)
	}

	return m.conn.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, mig.DownSQL); err != nil {
			return fmt.Errorf("failed to rollback migration %d: %w", last, err)
		}
		_, err := tx.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE version = $1", m.tableName), last)
		return err
	})
}

// Status reports which migrations are applied.
func (m *Migrator) Status(ctx context.Context) ([]Migration, error) {
	q, err := m.conn.querier()
	if err != nil {
		return nil, err
	}
	if err := m.ensureTable(ctx, q); err != nil {
		return nil, err
	}
	applied, err := m.applied(ctx, q)
	if err != nil {
		return nil, err
	}

	out := make([]Migration, len(m.migrations))
	copy(out, m.migrations)
	for i := range out {
		if at, ok := applied[out[i].Version]; ok {
			out[i].IsApplied = true
			out[i].AppliedAt = at
		}
	}
	return out, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// EMBEDDED MIGRATIONS
// ══════════════════════════════════════════════════════════════════════════════

// Migrations returns all embedded migrations.
func Migrations() []Migration {
	return []Migration{
		{Version: 1, Name: "create_ledger", UpSQL: migration001Up, DownSQL: migration001Down},
		{Version: 2, Name: "create_progress", UpSQL: migration002Up, DownSQL: migration002Down},
		{Version: 3, Name: "create_revocations", UpSQL: migration003Up, DownSQL: migration003Down},
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 001: LEDGER AND DEDUP
// ══════════════════════════════════════════════════════════════════════════════

const migration001Up = `
-- One row per user; locked FOR UPDATE by every award transaction.
CREATE TABLE IF NOT EXISTS ascend_users (
    user_id BIGINT PRIMARY KEY,
    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),

    CONSTRAINT valid_user CHECK (user_id > 0)
);

-- Append-only coin ledger. Grants and spends live side by side.
CREATE TABLE IF NOT EXISTS ascend_ledger (
    id TEXT PRIMARY KEY,
    user_id BIGINT NOT NULL REFERENCES ascend_users(user_id) ON DELETE CASCADE,
    achievement_id INTEGER NOT NULL DEFAULT 0,
    course_id BIGINT NOT NULL DEFAULT 0,
    kind VARCHAR(10) NOT NULL,
    coins BIGINT NOT NULL,
    xp BIGINT NOT NULL DEFAULT 0,
    contribution_key TEXT NOT NULL DEFAULT '',
    activities TEXT[] NOT NULL DEFAULT '{}',
    reason TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),

    CONSTRAINT valid_kind CHECK (kind IN ('grant', 'spend')),
    CONSTRAINT valid_course CHECK (course_id >= 0),
    CONSTRAINT valid_grant CHECK (kind <> 'grant' OR (coins >= 0 AND xp >= 0)),
    CONSTRAINT valid_spend CHECK (kind <> 'spend' OR coins < 0)
);

-- A contribution is granted at most once.
CREATE UNIQUE INDEX IF NOT EXISTS uq_ascend_ledger_contribution
    ON ascend_ledger(user_id, course_id, achievement_id, contribution_key)
    WHERE kind = 'grant';

CREATE INDEX IF NOT EXISTS idx_ascend_ledger_user ON ascend_ledger(user_id, created_at);
CREATE INDEX IF NOT EXISTS idx_ascend_ledger_scope ON ascend_ledger(user_id, course_id, achievement_id);

-- Contribution keys already consumed, per (user, scope, achievement).
CREATE TABLE IF NOT EXISTS ascend_dedup (
    user_id BIGINT NOT NULL REFERENCES ascend_users(user_id) ON DELETE CASCADE,
    course_id BIGINT NOT NULL DEFAULT 0,
    achievement_id INTEGER NOT NULL,
    keys TEXT[] NOT NULL DEFAULT '{}',
    counter INTEGER NOT NULL DEFAULT 0,
    version BIGINT NOT NULL DEFAULT 1,
    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),

    PRIMARY KEY (user_id, course_id, achievement_id)
);
`

const migration001Down = `
DROP TABLE IF EXISTS ascend_dedup;
DROP TABLE IF EXISTS ascend_ledger;
DROP TABLE IF EXISTS ascend_users;
`

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 002: PROGRESS AND MULTIPLIERS
// ══════════════════════════════════════════════════════════════════════════════

const migration002Up = `
-- XP per (user, scope). course_id = 0 is the site row carrying level and tokens.
CREATE TABLE IF NOT EXISTS ascend_progress (
    user_id BIGINT NOT NULL REFERENCES ascend_users(user_id) ON DELETE CASCADE,
    course_id BIGINT NOT NULL DEFAULT 0,
    xp BIGINT NOT NULL DEFAULT 0,
    level INTEGER NOT NULL DEFAULT 0,
    tokens INTEGER NOT NULL DEFAULT 0,
    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),

    PRIMARY KEY (user_id, course_id),
    CONSTRAINT valid_xp CHECK (xp >= 0),
    CONSTRAINT valid_level CHECK (level >= 0),
    CONSTRAINT valid_tokens CHECK (tokens >= 0)
);

CREATE INDEX IF NOT EXISTS idx_ascend_progress_site_xp
    ON ascend_progress(xp DESC) WHERE course_id = 0;

CREATE TABLE IF NOT EXISTS ascend_multipliers (
    user_id BIGINT PRIMARY KEY REFERENCES ascend_users(user_id) ON DELETE CASCADE,
    factor BIGINT NOT NULL,
    expires_at TIMESTAMP WITH TIME ZONE NOT NULL,

    CONSTRAINT valid_factor CHECK (factor >= 1)
);
`

const migration002Down = `
DROP TABLE IF EXISTS ascend_multipliers;
DROP TABLE IF EXISTS ascend_progress;
`

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 003: REVOCATION AUDIT
// ══════════════════════════════════════════════════════════════════════════════

const migration003Up = `
CREATE TABLE IF NOT EXISTS ascend_revocations (
    id TEXT PRIMARY KEY,
    entry_id TEXT NOT NULL,
    user_id BIGINT NOT NULL REFERENCES ascend_users(user_id) ON DELETE CASCADE,
    course_id BIGINT NOT NULL DEFAULT 0,
    achievement_id INTEGER NOT NULL,
    coins BIGINT NOT NULL,
    xp BIGINT NOT NULL,
    reason TEXT NOT NULL,
    revoked_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_ascend_revocations_user ON ascend_revocations(user_id, revoked_at DESC);
`

const migration003Down = `
DROP TABLE IF EXISTS ascend_revocations;
`
