package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/internal/domain/achievement"
	"github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/internal/domain/ledger"
	"github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/internal/domain/notification"
	"github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/internal/domain/shared"
)

const user = shared.UserID(42)

var course = shared.CourseScope(5)

func grant(t *testing.T, id string, key string) ledger.Entry {
	t.Helper()
	e, err := ledger.NewGrant(ledger.NewGrantParams{
		ID: id, UserID: user, AchievementID: 1, Scope: course,
		Coins: 10, XP: 50, ContributionKey: key, CreatedAt: time.Now(),
	})
	require.NoError(t, err)
	return e
}

func TestStore_CommitAndRollback(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	require.NoError(t, s.WithinTx(ctx, user, func(ctx context.Context, tx ledger.Tx) error {
		return tx.Append(ctx, grant(t, "a", "17"))
	}))

	err := s.WithinTx(ctx, user, func(ctx context.Context, tx ledger.Tx) error {
		require.NoError(t, tx.Append(ctx, grant(t, "b", "18")))
		return errors.New("abort")
	})
	require.Error(t, err)

	entries, err := s.Entries(ctx, user)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "a", entries[0].ID)

	balance, err := s.Balance(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, int64(10), balance)
}

func TestStore_DuplicateContributionRejected(t *testing.T) {
	s := NewStore()
	err := s.WithinTx(context.Background(), user, func(ctx context.Context, tx ledger.Tx) error {
		require.NoError(t, tx.Append(ctx, grant(t, "a", "17")))
		return tx.Append(ctx, grant(t, "b", "17"))
	})
	assert.ErrorIs(t, err, shared.ErrAlreadyGranted)
}

func TestStore_DedupCompareAndSwap(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	require.NoError(t, s.WithinTx(ctx, user, func(ctx context.Context, tx ledger.Tx) error {
		rec, err := tx.Dedup(ctx, user, course, 2)
		require.NoError(t, err)
		rec.Add("10|11")
		saved, err := tx.SaveDedup(ctx, rec)
		require.NoError(t, err)
		assert.Equal(t, int64(1), saved.Version)

		_, err = tx.SaveDedup(ctx, rec)
		assert.ErrorIs(t, err, shared.ErrOptimisticLock)
		return nil
	}))
}

func TestStore_FailNextIsOneShot(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	s.FailNext("SaveProgress", errors.New("disk full"))

	err := s.WithinTx(ctx, user, func(ctx context.Context, tx ledger.Tx) error {
		return tx.SaveProgress(ctx, ledger.NewProgress(user, course))
	})
	require.Error(t, err)

	require.NoError(t, s.WithinTx(ctx, user, func(ctx context.Context, tx ledger.Tx) error {
		return tx.SaveProgress(ctx, ledger.Progress{UserID: user, Scope: course, XP: 5})
	}))
	p, err := s.ProgressOf(ctx, user, course)
	require.NoError(t, err)
	assert.Equal(t, int64(5), p.XP)
}

func TestStore_RejectsForeignUserInsideTx(t *testing.T) {
	s := NewStore()
	err := s.WithinTx(context.Background(), user, func(ctx context.Context, tx ledger.Tx) error {
		_, err := tx.Balance(ctx, shared.UserID(7))
		return err
	})
	assert.ErrorIs(t, err, shared.ErrInvalidInput)
}

func TestNotificationStore_EnforcesCapacity(t *testing.T) {
	s := NewNotificationStore(notification.Limits{Capacity: 2, ByteBudget: 8192, Retention: time.Hour})
	ctx := context.Background()
	now := time.Now().UTC()

	for lvl := 1; lvl <= 3; lvl++ {
		require.NoError(t, s.Enqueue(ctx, user, notification.NewLevelUpItem(lvl, 1, now)))
	}
	items, err := s.Pending(ctx, user)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, 2, items[0].Level)
	assert.Equal(t, 3, items[1].Level)

	require.NoError(t, s.Clear(ctx, user))
	items, err = s.Pending(ctx, user)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestRankBoard_ReportsPlacesGained(t *testing.T) {
	b := NewRankBoard()
	ctx := context.Background()

	_, _ = b.Update(ctx, 1, 500)
	_, _ = b.Update(ctx, 2, 300)
	_, _ = b.Update(ctx, 3, 100)

	delta, err := b.Update(ctx, 3, 600)
	require.NoError(t, err)
	assert.Equal(t, 2, delta)

	rank, err := b.Rank(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, 1, rank)
}

func TestLearningSource_SiteSeesAllCourses(t *testing.T) {
	src := NewLearningSource()
	src.Set(user, shared.CourseScope(5), activity(1))
	src.Set(user, shared.CourseScope(6), activity(2))

	snap, err := src.ReadSnapshot(context.Background(), user, shared.SiteScope)
	require.NoError(t, err)
	assert.Len(t, snap.Activities, 2)

	scopes, err := src.Scopes(context.Background(), user)
	require.NoError(t, err)
	assert.Equal(t, []shared.Scope{shared.CourseScope(5), shared.CourseScope(6)}, scopes)
}

func activity(id int64) achievement.Activity {
	now := time.Now()
	return achievement.Activity{ID: id, Name: "quiz", CompletedAt: &now}
}
