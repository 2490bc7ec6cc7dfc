package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/internal/domain/achievement"
	"github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/internal/domain/ledger"
	"github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/internal/domain/notification"
	"github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/internal/domain/shared"
	"github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/internal/infrastructure/persistence/memory"
)

// ═══════════════════════════════════════════════════════════════════════════
// FIXTURES
// ═══════════════════════════════════════════════════════════════════════════

const user = shared.UserID(42)

var (
	course = shared.CourseScope(5)
	t0     = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
)

func at(h int) *time.Time {
	t := t0.Add(time.Duration(h) * time.Hour)
	return &t
}

func done(id int64, h int) achievement.Activity {
	return achievement.Activity{ID: id, Name: fmt.Sprintf("activity-%d", id), CompletedAt: at(h)}
}

func todo(id int64) achievement.Activity {
	return achievement.Activity{ID: id, Name: fmt.Sprintf("activity-%d", id)}
}

func early(id int64, h int) achievement.Activity {
	a := done(id, h)
	a.Deadline = at(h + 48)
	return a
}

func graded(id int64, h int, grades ...float64) achievement.Activity {
	a := done(id, h)
	a.Gradeable = true
	a.PassGrade = 50
	a.MaxGrade = 100
	for i, g := range grades {
		a.Attempts = append(a.Attempts, achievement.Attempt{Grade: g, GradedAt: *at(h + i)})
	}
	return a
}

type recorder struct {
	mu     sync.Mutex
	events []shared.Event
}

func (r *recorder) Publish(e shared.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) count(t shared.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.EventType() == t {
			n++
		}
	}
	return n
}

type fixture struct {
	engine *Engine
	store  *memory.Store
	src    *memory.LearningSource
	notes  *memory.NotificationStore
	cache  *memory.ActivityCache
	ranks  *memory.RankBoard
	events *recorder
}

func newFixture(t *testing.T, tune ...func(*Config)) *fixture {
	t.Helper()
	f := &fixture{
		store:  memory.NewStore(),
		src:    memory.NewLearningSource(),
		notes:  memory.NewNotificationStore(notification.DefaultLimits()),
		cache:  memory.NewActivityCache(),
		ranks:  memory.NewRankBoard(),
		events: &recorder{},
	}
	cfg := DefaultConfig()
	for _, fn := range tune {
		fn(&cfg)
	}
	eng, err := New(cfg, Dependencies{
		Registry:      achievement.DefaultRegistry(),
		Store:         f.store,
		Snapshots:     f.src,
		Cache:         f.cache,
		Notifications: f.notes,
		Ranks:         f.ranks,
		Events:        f.events,
		Users:         f.src,
	})
	require.NoError(t, err)
	f.engine = eng
	return f
}

func (f *fixture) evaluate(t *testing.T, scope shared.Scope) *Outcome {
	t.Helper()
	out, err := f.engine.Evaluate(context.Background(), user, scope)
	require.NoError(t, err)
	require.Empty(t, out.Failures)
	return out
}

func (f *fixture) grants(t *testing.T, scope shared.Scope, achievementID int) []ledger.Entry {
	t.Helper()
	entries, err := f.store.Entries(context.Background(), user)
	require.NoError(t, err)
	var out []ledger.Entry
	for _, e := range entries {
		if e.IsGrant() && e.Scope == scope && e.AchievementID == achievementID {
			out = append(out, e)
		}
	}
	return out
}

func (f *fixture) progress(t *testing.T, scope shared.Scope) ledger.Progress {
	t.Helper()
	p, err := f.store.ProgressOf(context.Background(), user, scope)
	require.NoError(t, err)
	return p
}

func (f *fixture) seed(t *testing.T, fn func(ctx context.Context, tx ledger.Tx) error) {
	t.Helper()
	require.NoError(t, f.store.WithinTx(context.Background(), user, fn))
}

func keysOf(out *Outcome, achievementID int) []string {
	var keys []string
	for _, g := range out.Grants {
		if g.AchievementID == achievementID {
			keys = append(keys, g.Key)
		}
	}
	return keys
}

// ═══════════════════════════════════════════════════════════════════════════
// QUALIFICATION
// ═══════════════════════════════════════════════════════════════════════════

func TestEvaluate_FirstActivityInCourse(t *testing.T) {
	f := newFixture(t)
	f.src.Set(user, course, done(17, 0))

	out := f.evaluate(t, course)

	require.Equal(t, []string{"17"}, keysOf(out, achievement.IDFirstActivity))
	entries := f.grants(t, course, achievement.IDFirstActivity)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(10), entries[0].Coins)
	assert.Equal(t, int64(50), entries[0].XP)
	assert.Equal(t, []string{"activity-17"}, entries[0].Activities)

	names, ok, err := f.cache.Get(context.Background(), user, course, achievement.IDFirstActivity)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{"activity-17"}, names)

	// first_activity 50 + halfway 100 + full_completion 250 + progress_master 200
	assert.Equal(t, int64(600), f.progress(t, course).XP)
	assert.Equal(t, int64(600), f.progress(t, shared.SiteScope).XP)
	assert.Equal(t, 4, f.events.count(shared.EventAchievementGranted))
}

func TestEvaluate_SingleIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.src.Set(user, course, done(17, 0))

	first := f.evaluate(t, course)
	second := f.evaluate(t, course)

	assert.NotEmpty(t, first.Grants)
	assert.Empty(t, second.Grants)
	assert.Len(t, f.grants(t, course, achievement.IDFirstActivity), 1)
	assert.Contains(t, second.Skipped, Skip{AchievementID: achievement.IDFirstActivity, Reason: SkipAlreadyGranted})

	balance, err := f.store.Balance(context.Background(), user)
	require.NoError(t, err)
	assert.Equal(t, int64(10+25+50+50), balance)
}

func TestEvaluate_StreakAwardsEachNewPairOnce(t *testing.T) {
	f := newFixture(t)
	f.src.Set(user, course, done(10, 0), done(11, 1))

	out := f.evaluate(t, course)
	assert.Equal(t, []string{"10|11"}, keysOf(out, achievement.IDStreakOfTwo))

	f.src.Set(user, course, done(10, 0), done(11, 1), done(12, 2))
	out = f.evaluate(t, course)
	assert.Equal(t, []string{"11|12"}, keysOf(out, achievement.IDStreakOfTwo))

	out = f.evaluate(t, course)
	assert.Empty(t, keysOf(out, achievement.IDStreakOfTwo))
	assert.Len(t, f.grants(t, course, achievement.IDStreakOfTwo), 2)
}

func TestEvaluate_UnboundedGrantsOnlyTheNewContribution(t *testing.T) {
	f := newFixture(t)
	f.src.Set(user, course, early(1, 0), early(2, 1))

	assert.Equal(t, []string{"1"}, keysOf(f.evaluate(t, course), achievement.IDEarlyBird))
	assert.Equal(t, []string{"2"}, keysOf(f.evaluate(t, course), achievement.IDEarlyBird))
	assert.Empty(t, keysOf(f.evaluate(t, course), achievement.IDEarlyBird))

	f.src.Set(user, course, early(1, 0), early(2, 1), early(3, 2))
	assert.Equal(t, []string{"3"}, keysOf(f.evaluate(t, course), achievement.IDEarlyBird))
}

func TestEvaluate_BoundedStopsAtBound(t *testing.T) {
	f := newFixture(t)
	f.src.Set(user, course,
		graded(1, 0, 95), graded(2, 1, 96), graded(3, 2, 97), graded(4, 3, 98), graded(5, 4, 99))

	var last *Outcome
	for i := 0; i < 5; i++ {
		last = f.evaluate(t, course)
	}

	assert.Len(t, f.grants(t, course, achievement.IDHighAchiever), 3)
	assert.Contains(t, last.Skipped, Skip{AchievementID: achievement.IDHighAchiever, Reason: SkipBoundReached})
}

func TestEvaluate_PairedPassFollowsCounter(t *testing.T) {
	f := newFixture(t)
	f.src.Set(user, course, graded(1, 0, 60), graded(2, 1, 70), graded(3, 2, 80), graded(4, 3, 85))

	assert.Equal(t, []string{"window:1"}, keysOf(f.evaluate(t, course), achievement.IDPairedPass))
	assert.Equal(t, []string{"window:2"}, keysOf(f.evaluate(t, course), achievement.IDPairedPass))
	assert.Empty(t, keysOf(f.evaluate(t, course), achievement.IDPairedPass))
}

func TestEvaluate_MetaFiresOnce(t *testing.T) {
	f := newFixture(t)
	f.src.Set(user, course, done(17, 0), todo(18))

	out := f.evaluate(t, course)
	assert.True(t, out.Granted(achievement.IDProgressMaster))
	metaGrant := f.grants(t, course, achievement.IDProgressMaster)
	require.Len(t, metaGrant, 1)
	assert.Equal(t, []string{"first_activity", "halfway"}, metaGrant[0].Activities)

	f.src.Set(user, course, done(17, 0), done(18, 1))
	out = f.evaluate(t, course)
	assert.True(t, out.Granted(achievement.IDFullCompletion))
	assert.False(t, out.Granted(achievement.IDProgressMaster))
	assert.Len(t, f.grants(t, course, achievement.IDProgressMaster), 1)
}

func TestEvaluate_MetaDisabled(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.MetaEnabled = false })
	f.src.Set(user, course, done(17, 0))

	out := f.evaluate(t, course)
	assert.False(t, out.Granted(achievement.IDProgressMaster))
}

func TestEvaluate_LevelUpsAndTokensOnce(t *testing.T) {
	f := newFixture(t, func(c *Config) {
		c.Levels = ledger.LevelPolicy{XPPerLevel: 100, MaxLevel: 10, TokensPerLevel: 2}
	})
	f.seed(t, func(ctx context.Context, tx ledger.Tx) error {
		if err := tx.SaveProgress(ctx, ledger.Progress{UserID: user, Scope: shared.SiteScope, XP: 250, Level: 2, Tokens: 4}); err != nil {
			return err
		}
		return tx.SaveMultiplier(ctx, user, ledger.Multiplier{Factor: 6, ExpiresAt: time.Now().Add(time.Hour)})
	})
	f.src.Set(user, shared.SiteScope, done(1, 0))

	out := f.evaluate(t, shared.SiteScope)
	require.Len(t, out.Grants, 1)
	g := out.Grants[0]
	assert.Equal(t, int64(300), g.XP)
	assert.Equal(t, []int{3, 4, 5}, g.Level.Crossed)

	site := f.progress(t, shared.SiteScope)
	assert.Equal(t, int64(550), site.XP)
	assert.Equal(t, 5, site.Level)
	assert.Equal(t, 10, site.Tokens)

	items, err := f.notes.Pending(context.Background(), user)
	require.NoError(t, err)
	require.Len(t, items, 4)
	assert.Equal(t, notification.KindAchievement, items[0].Kind)
	for i, lvl := range []int{3, 4, 5} {
		assert.Equal(t, notification.KindLevelUp, items[i+1].Kind)
		assert.Equal(t, lvl, items[i+1].Level)
	}
	assert.Equal(t, 3, f.events.count(shared.EventLevelUp))

	f.evaluate(t, shared.SiteScope)
	assert.Equal(t, 10, f.progress(t, shared.SiteScope).Tokens)
	assert.Equal(t, 3, f.events.count(shared.EventLevelUp))
}

func TestEvaluate_FailedGrantWritesNothing(t *testing.T) {
	f := newFixture(t)
	f.src.Set(user, course, done(17, 0))
	f.store.FailNext("SaveDedup", errors.New("disk full"))

	out, err := f.engine.Evaluate(context.Background(), user, course)
	require.NoError(t, err)
	require.Len(t, out.Failures, 1)
	assert.Equal(t, achievement.IDFirstActivity, out.Failures[0].AchievementID)
	assert.Empty(t, f.grants(t, course, achievement.IDFirstActivity))
	assert.Equal(t, int64(550), f.progress(t, course).XP)
	assert.Equal(t, int64(550), f.progress(t, shared.SiteScope).XP)

	out = f.evaluate(t, course)
	assert.Equal(t, []string{"17"}, keysOf(out, achievement.IDFirstActivity))
	assert.Equal(t, int64(600), f.progress(t, course).XP)
}

func TestEvaluate_StaleDedupKeySelfHeals(t *testing.T) {
	f := newFixture(t)
	f.seed(t, func(ctx context.Context, tx ledger.Tx) error {
		rec := ledger.NewDedupRecord(user, course, achievement.IDFirstActivity)
		rec.Add("17")
		_, err := tx.SaveDedup(ctx, rec)
		return err
	})
	f.src.Set(user, course, done(17, 0))

	out := f.evaluate(t, course)
	assert.Equal(t, []string{"17"}, keysOf(out, achievement.IDFirstActivity))
	assert.Len(t, f.grants(t, course, achievement.IDFirstActivity), 1)
}

func TestEvaluate_MissingDedupKeyDoesNotBlockLaterKeys(t *testing.T) {
	f := newFixture(t)
	f.seed(t, func(ctx context.Context, tx ledger.Tx) error {
		e, err := ledger.NewGrant(ledger.NewGrantParams{
			ID: "seeded", UserID: user, AchievementID: achievement.IDEarlyBird, Scope: course,
			Coins: 5, XP: 25, ContributionKey: "1", CreatedAt: t0,
		})
		if err != nil {
			return err
		}
		return tx.Append(ctx, e)
	})
	f.src.Set(user, course, early(1, 0), early(2, 1))

	out := f.evaluate(t, course)
	assert.Equal(t, []string{"2"}, keysOf(out, achievement.IDEarlyBird))
	assert.Len(t, f.grants(t, course, achievement.IDEarlyBird), 2)

	again := f.evaluate(t, course)
	assert.Empty(t, keysOf(again, achievement.IDEarlyBird))
	assert.Len(t, f.grants(t, course, achievement.IDEarlyBird), 2)
}

func TestEvaluate_SnapshotFailureAbortsWithoutWrites(t *testing.T) {
	f := newFixture(t)
	f.src.Set(user, course, done(17, 0))
	f.src.Fail(user, errors.New("connection reset"))

	_, err := f.engine.Evaluate(context.Background(), user, course)
	require.Error(t, err)
	assert.ErrorIs(t, err, shared.ErrSnapshotUnavailable)

	entries, err := f.store.Entries(context.Background(), user)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestEvaluate_RejectsInvalidUser(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Evaluate(context.Background(), 0, course)
	assert.ErrorIs(t, err, shared.ErrInvalidUserID)
}

func TestEvaluate_ConcurrentDeliveriesGrantOnce(t *testing.T) {
	f := newFixture(t)
	f.src.Set(user, course, done(17, 0))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.engine.Evaluate(context.Background(), user, course)
		}()
	}
	wg.Wait()

	assert.Len(t, f.grants(t, course, achievement.IDFirstActivity), 1)
	assert.Len(t, f.grants(t, course, achievement.IDProgressMaster), 1)
	assert.Equal(t, int64(600), f.progress(t, shared.SiteScope).XP)
}

func TestResolve_CountsHeldBases(t *testing.T) {
	f := newFixture(t)
	f.src.Set(user, course, done(17, 0), todo(18), todo(19))
	f.evaluate(t, course)

	meta, err := f.engine.Registry().Definition(achievement.IDProgressMaster)
	require.NoError(t, err)
	res, err := f.engine.Resolve(context.Background(), user, course, meta)
	require.NoError(t, err)
	assert.False(t, res.Qualifies())
}
