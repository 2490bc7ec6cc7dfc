package notification

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/internal/domain/shared"
)

var now = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func TestQueue_CapacityDropsOldest(t *testing.T) {
	q := NewQueue(Limits{Capacity: 3, Retention: DefaultRetention}, nil)
	for i := 1; i <= 5; i++ {
		q.Push(NewLevelUpItem(i, 1, now))
	}

	require.Equal(t, 3, q.Len())
	items := q.Items()
	assert.Equal(t, 3, items[0].Level)
	assert.Equal(t, 5, items[2].Level)
}

func TestQueue_ByteBudget(t *testing.T) {
	q := NewQueue(Limits{Capacity: 100, ByteBudget: 600, Retention: DefaultRetention}, nil)
	long := strings.Repeat("x", 100)
	for i := 0; i < 10; i++ {
		q.Push(NewAchievementItem(i+1, long, 1, 1, shared.CourseScope(1), nil, now))
	}

	data, err := q.Marshal()
	require.NoError(t, err)
	assert.LessOrEqual(t, len(data), 600)
	assert.Greater(t, q.Len(), 0)
	assert.Equal(t, 10, q.Items()[q.Len()-1].AchievementID)
}

func TestQueue_LiveFiltersExpired(t *testing.T) {
	old := NewLevelUpItem(1, 1, now.Add(-8*24*time.Hour))
	fresh := NewLevelUpItem(2, 1, now.Add(-time.Hour))
	q := NewQueue(DefaultLimits(), []Item{old, fresh})

	live := q.Live(now)
	require.Len(t, live, 1)
	assert.Equal(t, 2, live[0].Level)
	assert.Equal(t, 2, q.Len())
}

func TestNewAchievementItem_TruncatesActivities(t *testing.T) {
	item := NewAchievementItem(1, "first_activity", 10, 50, shared.SiteScope, []string{"a", "b", "c", "d", "e", "f", "g"}, now)
	assert.Len(t, item.Activities, MaxActivities)
}

func TestUnmarshal_RoundTripsQueue(t *testing.T) {
	q := NewQueue(DefaultLimits(), []Item{NewLevelUpItem(3, 2, now)})
	data, err := q.Marshal()
	require.NoError(t, err)

	items, err := Unmarshal(data)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, 3, items[0].Level)

	empty, err := Unmarshal(nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestQueue_OversizedNewestItemIsTruncatedNotDropped(t *testing.T) {
	q := NewQueue(Limits{Capacity: 10, ByteBudget: 300, Retention: DefaultRetention}, nil)
	q.Push(NewLevelUpItem(2, 1, now))

	long := strings.Repeat("я", 200)
	dropped := q.Push(NewAchievementItem(7, long, 5, 5, shared.CourseScope(1), []string{"quiz", "essay"}, now))

	assert.Equal(t, 1, dropped)
	require.Equal(t, 1, q.Len())

	data, err := q.Marshal()
	require.NoError(t, err)
	assert.LessOrEqual(t, len(data), 300)

	kept := q.Items()[0]
	assert.Equal(t, 7, kept.AchievementID)
	assert.NotEmpty(t, kept.Name)
	assert.True(t, strings.HasPrefix(long, kept.Name))
	assert.True(t, utf8.ValidString(kept.Name))
}

func TestQueue_ByteBudgetKeepsItemsThatFit(t *testing.T) {
	q := NewQueue(Limits{Capacity: 10, ByteBudget: 300, Retention: DefaultRetention}, nil)
	dropped := 0
	for i := 1; i <= 4; i++ {
		dropped += q.Push(NewLevelUpItem(i, 1, now))
	}

	data, err := q.Marshal()
	require.NoError(t, err)
	assert.LessOrEqual(t, len(data), 300)
	assert.Equal(t, 4, q.Items()[q.Len()-1].Level)
	assert.Equal(t, 4, q.Len()+dropped)
}
