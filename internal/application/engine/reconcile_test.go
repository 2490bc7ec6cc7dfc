package engine

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/internal/domain/achievement"
	"github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/internal/domain/ledger"
	"github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/internal/domain/shared"
	"github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/internal/infrastructure/persistence/memory"
)

// ═══════════════════════════════════════════════════════════════════════════
// REVOCATION
// ═══════════════════════════════════════════════════════════════════════════

func revokedIDs(r *Reconciliation) []int {
	ids := make([]int, 0, len(r.Revoked))
	for _, x := range r.Revoked {
		ids = append(ids, x.AchievementID)
	}
	return ids
}

func TestReconcile_RevokesAndRestores(t *testing.T) {
	f := newFixture(t, func(c *Config) {
		c.Levels = ledger.LevelPolicy{XPPerLevel: 100, MaxLevel: 10, TokensPerLevel: 1}
	})
	ctx := context.Background()
	f.src.Set(user, course, done(17, 0), todo(18))
	f.evaluate(t, course)

	require.Equal(t, int64(350), f.progress(t, course).XP)
	site := f.progress(t, shared.SiteScope)
	require.Equal(t, 3, site.Level)

	f.src.Set(user, course, todo(17), todo(18))
	rec, err := f.engine.Reconcile(ctx, user, course, 17)
	require.NoError(t, err)
	assert.Empty(t, rec.Failures)
	assert.Equal(t, []int{achievement.IDFirstActivity, achievement.IDHalfway, achievement.IDProgressMaster}, revokedIDs(rec))

	balance, err := f.store.Balance(ctx, user)
	require.NoError(t, err)
	assert.Zero(t, balance)
	assert.Zero(t, f.progress(t, course).XP)

	site = f.progress(t, shared.SiteScope)
	assert.Zero(t, site.XP)
	assert.Equal(t, 3, site.Level, "level is never lowered")
	assert.Equal(t, 3, site.Tokens)

	audit, err := f.store.Revocations(ctx, user, time.Time{})
	require.NoError(t, err)
	assert.Len(t, audit, 3)

	_, ok, err := f.cache.Get(ctx, user, course, achievement.IDFirstActivity)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 3, f.events.count(shared.EventAchievementRevoked))

	f.src.Set(user, course, done(17, 5), todo(18))
	out := f.evaluate(t, course)
	assert.True(t, out.Granted(achievement.IDFirstActivity))
	assert.True(t, out.Granted(achievement.IDProgressMaster))
	assert.Equal(t, int64(350), f.progress(t, course).XP)
	assert.Equal(t, 3, f.progress(t, shared.SiteScope).Tokens, "crossing a level again credits nothing")
}

func TestReconcile_RepeatablesSurvive(t *testing.T) {
	f := newFixture(t)
	f.src.Set(user, course, done(10, 0), done(11, 1))
	out := f.evaluate(t, course)
	require.Equal(t, []string{"10|11"}, keysOf(out, achievement.IDStreakOfTwo))

	f.src.Set(user, course, done(10, 0), todo(11))
	rec, err := f.engine.Reconcile(context.Background(), user, course, 11)
	require.NoError(t, err)

	assert.Equal(t, []int{achievement.IDFullCompletion}, revokedIDs(rec))
	assert.Len(t, f.grants(t, course, achievement.IDStreakOfTwo), 1)
	assert.Len(t, f.grants(t, course, achievement.IDProgressMaster), 1)
}

func TestReconcile_Disabled(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.RevocationEnabled = false })
	f.src.Set(user, course, done(17, 0))
	f.evaluate(t, course)

	f.src.Set(user, course, todo(17))
	rec, err := f.engine.Reconcile(context.Background(), user, course, 17)
	require.NoError(t, err)
	assert.Empty(t, rec.Revoked)
	assert.Len(t, f.grants(t, course, achievement.IDFirstActivity), 1)
}

func TestReconcile_RollsBackOnFailure(t *testing.T) {
	f := newFixture(t)
	f.src.Set(user, course, done(17, 0))
	f.evaluate(t, course)

	f.src.Set(user, course, todo(17))
	f.store.FailNext("RecordRevocation", errors.New("disk full"))
	rec, err := f.engine.Reconcile(context.Background(), user, course, 17)
	require.NoError(t, err)
	require.Len(t, rec.Failures, 1)
	assert.Equal(t, achievement.IDFirstActivity, rec.Failures[0].AchievementID)
	assert.Len(t, f.grants(t, course, achievement.IDFirstActivity), 1)
}

// ═══════════════════════════════════════════════════════════════════════════
// XP REPAIR
// ═══════════════════════════════════════════════════════════════════════════

func TestRepairXP_FixesDivergence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.src.Set(user, course, done(17, 0))
	f.evaluate(t, course)

	f.seed(t, func(ctx context.Context, tx ledger.Tx) error {
		site, err := tx.Progress(ctx, user, shared.SiteScope)
		if err != nil {
			return err
		}
		site.XP = 1
		return tx.SaveProgress(ctx, site)
	})

	corrections, err := f.engine.RepairXP(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, []Correction{{Scope: shared.SiteScope, From: 1, To: 600}}, corrections)
	assert.Equal(t, int64(600), f.progress(t, shared.SiteScope).XP)
	assert.Equal(t, 1, f.events.count(shared.EventXPRepaired))

	corrections, err = f.engine.RepairXP(ctx, user)
	require.NoError(t, err)
	assert.Empty(t, corrections)
}

// ═══════════════════════════════════════════════════════════════════════════
// SWEEP
// ═══════════════════════════════════════════════════════════════════════════

func TestRunForAllUsers_ReportsPerUser(t *testing.T) {
	f := newFixture(t)
	f.src.Set(1, course, done(17, 0))
	f.src.Set(2, shared.CourseScope(6), done(20, 0), done(21, 1))
	f.src.Set(3, course, done(30, 0))
	f.src.Fail(3, errors.New("moodle down"))

	report := f.engine.RunForAllUsers(context.Background())

	assert.Equal(t, 3, report.TotalUsers)
	assert.Equal(t, 3, report.Processed())
	assert.Equal(t, 1, report.FailedUsers)
	assert.False(t, report.Interrupted)
	assert.Positive(t, report.Grants)
	assert.True(t, report.Users[2].Failed())
	assert.True(t, strings.HasPrefix(report.String(), "sweep: 3/3 users"))

	again := f.engine.RunForAllUsers(context.Background())
	assert.Zero(t, again.Grants)
}

type cancellingSource struct {
	*memory.LearningSource
	cancel context.CancelFunc
}

func (c cancellingSource) ReadSnapshot(ctx context.Context, u shared.UserID, s shared.Scope) (achievement.Snapshot, error) {
	c.cancel()
	return c.LearningSource.ReadSnapshot(ctx, u, s)
}

func TestRunForAllUsers_StopsBetweenUsers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := memory.NewLearningSource()
	for id := shared.UserID(1); id <= 3; id++ {
		src.Set(id, course, done(17, 0))
	}
	store := memory.NewStore()
	eng, err := New(Config{SweepConcurrency: 1, MetaEnabled: true}, Dependencies{
		Registry:  achievement.DefaultRegistry(),
		Store:     store,
		Snapshots: cancellingSource{LearningSource: src, cancel: cancel},
		Users:     src,
	})
	require.NoError(t, err)

	report := eng.RunForAllUsers(ctx)

	assert.True(t, report.Interrupted)
	require.Equal(t, 1, report.Processed())
	assert.Empty(t, report.Users[0].Errors, "the user in flight is finished")
	assert.Contains(t, report.String(), "(interrupted)")

	entries, err := store.Entries(context.Background(), 2)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRunForAllUsers_CancelDuringParallelSweep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := memory.NewLearningSource()
	for id := shared.UserID(1); id <= 32; id++ {
		src.Set(id, course, done(17, 0))
	}
	eng, err := New(Config{SweepConcurrency: 4, MetaEnabled: true}, Dependencies{
		Registry:  achievement.DefaultRegistry(),
		Store:     memory.NewStore(),
		Snapshots: cancellingSource{LearningSource: src, cancel: cancel},
		Users:     src,
	})
	require.NoError(t, err)

	report := eng.RunForAllUsers(ctx)

	assert.True(t, report.Interrupted)
	assert.Less(t, report.Processed(), report.TotalUsers)
	for _, u := range report.Users {
		assert.Empty(t, u.Errors)
	}
}
