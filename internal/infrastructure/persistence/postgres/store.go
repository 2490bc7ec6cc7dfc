package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/internal/domain/ledger"
	"github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// LEDGER STORE
// ══════════════════════════════════════════════════════════════════════════════

// Store implements ledger.Store on PostgreSQL.
type Store struct {
	conn *Connection
}

var _ ledger.Store = (*Store)(nil)

// NewStore creates a new Store.
func NewStore(conn *Connection) *Store {
	return &Store{conn: conn}
}

const entryColumns = `id, user_id, achievement_id, course_id, kind, coins, xp,
	contribution_key, activities, reason, created_at`

// WithinTx runs fn in a transaction holding the user's row lock.
// Concurrent transactions for the same user queue on the lock.
func (s *Store) WithinTx(ctx context.Context, user shared.UserID, fn func(ctx context.Context, tx ledger.Tx) error) error {
	if !user.IsValid() {
		return shared.ErrInvalidUserID
	}
	return s.conn.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO ascend_users (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING`,
			user.Int64()); err != nil {
			return fmt.Errorf("postgres: register user %d: %w", user, err)
		}
		if _, err := tx.Exec(ctx,
			`SELECT user_id FROM ascend_users WHERE user_id = $1 FOR UPDATE`,
			user.Int64()); err != nil {
			return fmt.Errorf("postgres: lock user %d: %w", user, err)
		}
		return fn(ctx, &pgTx{tx: tx, user: user})
	})
}

// ─────────────────────────────────────────────────────────────────────────────
// Reader
// ─────────────────────────────────────────────────────────────────────────────

// Balance implements ledger.Reader.
func (s *Store) Balance(ctx context.Context, user shared.UserID) (int64, error) {
	q, err := s.conn.querier()
	if err != nil {
		return 0, err
	}
	ctx, cancel := s.conn.withTimeout(ctx)
	defer cancel()
	return balance(ctx, q, user)
}

// Entries implements ledger.Reader.
func (s *Store) Entries(ctx context.Context, user shared.UserID) ([]ledger.Entry, error) {
	q, err := s.conn.querier()
	if err != nil {
		return nil, err
	}
	ctx, cancel := s.conn.withTimeout(ctx)
	defer cancel()
	return queryEntries(ctx, q,
		`SELECT `+entryColumns+` FROM ascend_ledger WHERE user_id = $1 ORDER BY created_at, id`,
		user.Int64())
}

// ProgressOf implements ledger.Reader.
func (s *Store) ProgressOf(ctx context.Context, user shared.UserID, scope shared.Scope) (ledger.Progress, error) {
	q, err := s.conn.querier()
	if err != nil {
		return ledger.Progress{}, err
	}
	ctx, cancel := s.conn.withTimeout(ctx)
	defer cancel()
	return progress(ctx, q, user, scope)
}

// Revocations implements ledger.Reader.
func (s *Store) Revocations(ctx context.Context, user shared.UserID, since time.Time) ([]ledger.Revocation, error) {
	q, err := s.conn.querier()
	if err != nil {
		return nil, err
	}
	ctx, cancel := s.conn.withTimeout(ctx)
	defer cancel()

	rows, err := q.Query(ctx, `
		SELECT id, entry_id, user_id, course_id, achievement_id, coins, xp, reason, revoked_at
		FROM ascend_revocations
		WHERE user_id = $1 AND revoked_at >= $2
		ORDER BY revoked_at, id
	`, user.Int64(), since)
	if err != nil {
		return nil, fmt.Errorf("failed to query revocations: %w", err)
	}
	defer rows.Close()

	var out []ledger.Revocation
	for rows.Next() {
		var (
			r        ledger.Revocation
			uid      int64
			courseID int64
		)
		if err := rows.Scan(&r.ID, &r.EntryID, &uid, &courseID, &r.AchievementID,
			&r.Coins, &r.XP, &r.Reason, &r.RevokedAt); err != nil {
			return nil, fmt.Errorf("failed to scan revocation: %w", err)
		}
		r.UserID = shared.UserID(uid)
		r.Scope = shared.CourseScope(courseID)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Users implements ledger.Reader.
func (s *Store) Users(ctx context.Context) ([]shared.UserID, error) {
	q, err := s.conn.querier()
	if err != nil {
		return nil, err
	}
	ctx, cancel := s.conn.withTimeout(ctx)
	defer cancel()

	rows, err := q.Query(ctx, `SELECT user_id FROM ascend_users ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query users: %w", err)
	}
	defer rows.Close()

	var out []shared.UserID
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		out = append(out, shared.UserID(id))
	}
	return out, rows.Err()
}

// ══════════════════════════════════════════════════════════════════════════════
// TRANSACTION
// ══════════════════════════════════════════════════════════════════════════════

type pgTx struct {
	tx   pgx.Tx
	user shared.UserID
}

func (t *pgTx) own(op string, user shared.UserID) error {
	if user != t.user {
		return fmt.Errorf("postgres: %s for user %d inside transaction of user %d: %w", op, user, t.user, shared.ErrInvalidInput)
	}
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Ledger
// ─────────────────────────────────────────────────────────────────────────────

func (t *pgTx) Grants(ctx context.Context, user shared.UserID, scope shared.Scope, achievementID int) ([]ledger.Entry, error) {
	if err := t.own("Grants", user); err != nil {
		return nil, err
	}
	return queryEntries(ctx, t.tx, `
		SELECT `+entryColumns+` FROM ascend_ledger
		WHERE user_id = $1 AND course_id = $2 AND achievement_id = $3 AND kind = 'grant'
		ORDER BY created_at, id
	`, user.Int64(), scope.CourseID, achievementID)
}

func (t *pgTx) GrantsInScope(ctx context.Context, user shared.UserID, scope shared.Scope) ([]ledger.Entry, error) {
	if err := t.own("GrantsInScope", user); err != nil {
		return nil, err
	}
	return queryEntries(ctx, t.tx, `
		SELECT `+entryColumns+` FROM ascend_ledger
		WHERE user_id = $1 AND course_id = $2 AND kind = 'grant'
		ORDER BY created_at, id
	`, user.Int64(), scope.CourseID)
}

func (t *pgTx) AllGrants(ctx context.Context, user shared.UserID) ([]ledger.Entry, error) {
	if err := t.own("AllGrants", user); err != nil {
		return nil, err
	}
	return queryEntries(ctx, t.tx, `
		SELECT `+entryColumns+` FROM ascend_ledger
		WHERE user_id = $1 AND kind = 'grant'
		ORDER BY created_at, id
	`, user.Int64())
}

func (t *pgTx) Append(ctx context.Context, e ledger.Entry) error {
	if err := t.own("Append", e.UserID); err != nil {
		return err
	}
	activities := e.Activities
	if activities == nil {
		activities = []string{}
	}
	_, err := t.tx.Exec(ctx, `
		INSERT INTO ascend_ledger (`+entryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		e.ID,
		e.UserID.Int64(),
		e.AchievementID,
		e.Scope.CourseID,
		string(e.Kind),
		e.Coins,
		e.XP,
		e.ContributionKey,
		activities,
		e.Reason,
		e.CreatedAt,
	)
	if err != nil {
		if IsUniqueViolation(err) {
			if ConstraintName(err) == "ascend_ledger_pkey" {
				return shared.ErrAlreadyExists
			}
			return shared.ErrAlreadyGranted
		}
		return fmt.Errorf("failed to append ledger entry: %w", err)
	}
	return nil
}

func (t *pgTx) Delete(ctx context.Context, entryID string) error {
	tag, err := t.tx.Exec(ctx,
		`DELETE FROM ascend_ledger WHERE id = $1 AND user_id = $2`,
		entryID, t.user.Int64())
	if err != nil {
		return fmt.Errorf("failed to delete ledger entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrEntryNotFound
	}
	return nil
}

func (t *pgTx) Balance(ctx context.Context, user shared.UserID) (int64, error) {
	if err := t.own("Balance", user); err != nil {
		return 0, err
	}
	return balance(ctx, t.tx, user)
}

func (t *pgTx) RecordRevocation(ctx context.Context, r ledger.Revocation) error {
	if err := t.own("RecordRevocation", r.UserID); err != nil {
		return err
	}
	_, err := t.tx.Exec(ctx, `
		INSERT INTO ascend_revocations
			(id, entry_id, user_id, course_id, achievement_id, coins, xp, reason, revoked_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, r.ID, r.EntryID, r.UserID.Int64(), r.Scope.CourseID, r.AchievementID,
		r.Coins, r.XP, r.Reason, r.RevokedAt)
	if err != nil {
		return fmt.Errorf("failed to record revocation: %w", err)
	}
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Dedup
// ─────────────────────────────────────────────────────────────────────────────

func (t *pgTx) Dedup(ctx context.Context, user shared.UserID, scope shared.Scope, achievementID int) (ledger.DedupRecord, error) {
	if err := t.own("Dedup", user); err != nil {
		return ledger.DedupRecord{}, err
	}
	rec := ledger.NewDedupRecord(user, scope, achievementID)
	err := t.tx.QueryRow(ctx, `
		SELECT keys, counter, version FROM ascend_dedup
		WHERE user_id = $1 AND course_id = $2 AND achievement_id = $3
	`, user.Int64(), scope.CourseID, achievementID).Scan(&rec.Keys, &rec.Counter, &rec.Version)
	if IsNoRows(err) {
		return rec, nil
	}
	if err != nil {
		return ledger.DedupRecord{}, fmt.Errorf("failed to load dedup record: %w", err)
	}
	return rec, nil
}

// SaveDedup inserts a fresh record or updates one whose version still matches.
func (t *pgTx) SaveDedup(ctx context.Context, rec ledger.DedupRecord) (ledger.DedupRecord, error) {
	if err := t.own("SaveDedup", rec.UserID); err != nil {
		return ledger.DedupRecord{}, err
	}
	keys := rec.Keys
	if keys == nil {
		keys = []string{}
	}

	var (
		affected int64
		err      error
	)
	if rec.Version == 0 {
		tag, e := t.tx.Exec(ctx, `
			INSERT INTO ascend_dedup (user_id, course_id, achievement_id, keys, counter, version)
			VALUES ($1, $2, $3, $4, $5, 1)
			ON CONFLICT (user_id, course_id, achievement_id) DO NOTHING
		`, rec.UserID.Int64(), rec.Scope.CourseID, rec.AchievementID, keys, rec.Counter)
		affected, err = tag.RowsAffected(), e
	} else {
		tag, e := t.tx.Exec(ctx, `
			UPDATE ascend_dedup
			SET keys = $4, counter = $5, version = version + 1, updated_at = NOW()
			WHERE user_id = $1 AND course_id = $2 AND achievement_id = $3 AND version = $6
		`, rec.UserID.Int64(), rec.Scope.CourseID, rec.AchievementID, keys, rec.Counter, rec.Version)
		affected, err = tag.RowsAffected(), e
	}
	if err != nil {
		return ledger.DedupRecord{}, fmt.Errorf("failed to save dedup record: %w", err)
	}
	if affected == 0 {
		return ledger.DedupRecord{}, shared.ErrDedupConflict
	}

	rec.Version++
	rec.Keys = append([]string(nil), keys...)
	return rec, nil
}

func (t *pgTx) DeleteDedup(ctx context.Context, user shared.UserID, scope shared.Scope, achievementID int) error {
	if err := t.own("DeleteDedup", user); err != nil {
		return err
	}
	if _, err := t.tx.Exec(ctx, `
		DELETE FROM ascend_dedup WHERE user_id = $1 AND course_id = $2 AND achievement_id = $3
	`, user.Int64(), scope.CourseID, achievementID); err != nil {
		return fmt.Errorf("failed to delete dedup record: %w", err)
	}
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Progress
// ─────────────────────────────────────────────────────────────────────────────

func (t *pgTx) Progress(ctx context.Context, user shared.UserID, scope shared.Scope) (ledger.Progress, error) {
	if err := t.own("Progress", user); err != nil {
		return ledger.Progress{}, err
	}
	return progress(ctx, t.tx, user, scope)
}

func (t *pgTx) AllProgress(ctx context.Context, user shared.UserID) ([]ledger.Progress, error) {
	if err := t.own("AllProgress", user); err != nil {
		return nil, err
	}
	rows, err := t.tx.Query(ctx, `
		SELECT course_id, xp, level, tokens, updated_at FROM ascend_progress
		WHERE user_id = $1 ORDER BY course_id
	`, user.Int64())
	if err != nil {
		return nil, fmt.Errorf("failed to query progress: %w", err)
	}
	defer rows.Close()

	var out []ledger.Progress
	for rows.Next() {
		p := ledger.Progress{UserID: user}
		var courseID int64
		if err := rows.Scan(&courseID, &p.XP, &p.Level, &p.Tokens, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan progress: %w", err)
		}
		p.Scope = shared.CourseScope(courseID)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (t *pgTx) SaveProgress(ctx context.Context, p ledger.Progress) error {
	if err := t.own("SaveProgress", p.UserID); err != nil {
		return err
	}
	if p.XP < 0 {
		return errors.Join(shared.ErrNegativeValue, fmt.Errorf("postgres: negative xp for %s", p.Scope))
	}
	updated := p.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}
	_, err := t.tx.Exec(ctx, `
		INSERT INTO ascend_progress (user_id, course_id, xp, level, tokens, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id, course_id) DO UPDATE SET
			xp = EXCLUDED.xp,
			level = EXCLUDED.level,
			tokens = EXCLUDED.tokens,
			updated_at = EXCLUDED.updated_at
	`, p.UserID.Int64(), p.Scope.CourseID, p.XP, p.Level, p.Tokens, updated)
	if err != nil {
		return fmt.Errorf("failed to save progress: %w", err)
	}
	return nil
}

func (t *pgTx) Multiplier(ctx context.Context, user shared.UserID) (ledger.Multiplier, error) {
	if err := t.own("Multiplier", user); err != nil {
		return ledger.Multiplier{}, err
	}
	var m ledger.Multiplier
	err := t.tx.QueryRow(ctx,
		`SELECT factor, expires_at FROM ascend_multipliers WHERE user_id = $1`,
		user.Int64()).Scan(&m.Factor, &m.ExpiresAt)
	if IsNoRows(err) {
		return ledger.Multiplier{}, nil
	}
	if err != nil {
		return ledger.Multiplier{}, fmt.Errorf("failed to load multiplier: %w", err)
	}
	return m, nil
}

func (t *pgTx) SaveMultiplier(ctx context.Context, user shared.UserID, m ledger.Multiplier) error {
	if err := t.own("SaveMultiplier", user); err != nil {
		return err
	}
	_, err := t.tx.Exec(ctx, `
		INSERT INTO ascend_multipliers (user_id, factor, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE SET factor = EXCLUDED.factor, expires_at = EXCLUDED.expires_at
	`, user.Int64(), m.Factor, m.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to save multiplier: %w", err)
	}
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// SHARED QUERIES
// ══════════════════════════════════════════════════════════════════════════════

func balance(ctx context.Context, q Querier, user shared.UserID) (int64, error) {
	var total int64
	err := q.QueryRow(ctx,
		`SELECT COALESCE(SUM(coins), 0)::BIGINT FROM ascend_ledger WHERE user_id = $1`,
		user.Int64()).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to query balance: %w", err)
	}
	return total, nil
}

func progress(ctx context.Context, q Querier, user shared.UserID, scope shared.Scope) (ledger.Progress, error) {
	p := ledger.NewProgress(user, scope)
	err := q.QueryRow(ctx, `
		SELECT xp, level, tokens, updated_at FROM ascend_progress
		WHERE user_id = $1 AND course_id = $2
	`, user.Int64(), scope.CourseID).Scan(&p.XP, &p.Level, &p.Tokens, &p.UpdatedAt)
	if IsNoRows(err) {
		return ledger.NewProgress(user, scope), nil
	}
	if err != nil {
		return ledger.Progress{}, fmt.Errorf("failed to query progress: %w", err)
	}
	return p, nil
}

func queryEntries(ctx context.Context, q Querier, sql string, args ...any) ([]ledger.Entry, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger: %w", err)
	}
	defer rows.Close()

	var out []ledger.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanEntry(row pgx.Row) (ledger.Entry, error) {
	var (
		e        ledger.Entry
		uid      int64
		courseID int64
		kind     string
	)
	if err := row.Scan(&e.ID, &uid, &e.AchievementID, &courseID, &kind, &e.Coins, &e.XP,
		&e.ContributionKey, &e.Activities, &e.Reason, &e.CreatedAt); err != nil {
		return ledger.Entry{}, fmt.Errorf("failed to scan ledger entry: %w", err)
	}
	e.UserID = shared.UserID(uid)
	e.Scope = shared.CourseScope(courseID)
	e.Kind = ledger.EntryKind(kind)
	if len(e.Activities) == 0 {
		e.Activities = nil
	}
	return e, nil
}
