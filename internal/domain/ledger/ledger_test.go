package ledger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/internal/domain/shared"
)

var now = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func TestLevelPolicy_LevelFor(t *testing.T) {
	p := LevelPolicy{XPPerLevel: 100, MaxLevel: 10, TokensPerLevel: 2}
	assert.Equal(t, 0, p.LevelFor(0))
	assert.Equal(t, 0, p.LevelFor(99))
	assert.Equal(t, 1, p.LevelFor(100))
	assert.Equal(t, 5, p.LevelFor(599))
	assert.Equal(t, 10, p.LevelFor(50_000))
}

func TestLevelPolicy_AdvanceMultiLevel(t *testing.T) {
	p := LevelPolicy{XPPerLevel: 100, MaxLevel: 10, TokensPerLevel: 2}
	site := Progress{UserID: 1, XP: 250, Level: 2}

	site.AddXP(300, now)
	change := p.Advance(&site, now)

	assert.Equal(t, []int{3, 4, 5}, change.Crossed)
	assert.Equal(t, 6, change.Tokens)
	assert.Equal(t, 5, site.Level)
	assert.Equal(t, 6, site.Tokens)

	again := p.Advance(&site, now)
	assert.False(t, again.Changed())
	assert.Equal(t, 6, site.Tokens)
}

func TestLevelPolicy_NeverLowersStoredLevel(t *testing.T) {
	p := LevelPolicy{XPPerLevel: 100, MaxLevel: 10, TokensPerLevel: 1}
	site := Progress{XP: 500, Level: 5, Tokens: 5}
	site.SubtractXP(400, now)

	change := p.Advance(&site, now)
	assert.False(t, change.Changed())
	assert.Equal(t, 5, site.Level)
}

func TestProgress_SubtractFloorsAtZero(t *testing.T) {
	p := Progress{XP: 30}
	p.SubtractXP(50, now)
	assert.Equal(t, int64(0), p.XP)
}

func TestMultiplier_Apply(t *testing.T) {
	m := Multiplier{Factor: 2, ExpiresAt: now.Add(time.Hour)}
	assert.Equal(t, int64(100), m.Apply(50, now))
	assert.Equal(t, int64(50), m.Apply(50, now.Add(2*time.Hour)))
	assert.Equal(t, int64(50), Multiplier{}.Apply(50, now))
}

func TestDedupRecord_NewKeysAndPrune(t *testing.T) {
	rec := NewDedupRecord(1, shared.CourseScope(5), 2)
	assert.True(t, rec.Add("A"))
	assert.True(t, rec.Add("B"))
	assert.False(t, rec.Add("A"))
	assert.Equal(t, 2, rec.Counter)

	assert.Equal(t, []string{"C"}, rec.NewKeys([]string{"A", "B", "C"}))

	stale := rec.Prune(map[string]bool{"A": true})
	assert.Equal(t, []string{"B"}, stale)
	assert.Equal(t, []string{"A"}, rec.Keys)
	assert.Equal(t, 1, rec.Counter)
}

func TestDedupRecord_ReconcileRestoresLedgerKeys(t *testing.T) {
	rec := NewDedupRecord(42, shared.CourseScope(5), 5)
	rec.Add("9")

	grants := []Entry{
		{Kind: KindGrant, ContributionKey: "1"},
		{Kind: KindGrant, ContributionKey: "3"},
	}
	stale, restored := rec.Reconcile(grants)

	assert.Equal(t, []string{"9"}, stale)
	assert.Equal(t, []string{"1", "3"}, restored)
	assert.Equal(t, []string{"1", "3"}, rec.Keys)
	assert.Equal(t, 2, rec.Counter)
	assert.Equal(t, []string{"2"}, rec.NewKeys([]string{"1", "2", "3"}))
}

func TestEntries_BalanceAndXP(t *testing.T) {
	g1, err := NewGrant(NewGrantParams{ID: "g1", UserID: 1, AchievementID: 1, Scope: shared.CourseScope(5), Coins: 10, XP: 50, CreatedAt: now})
	require.NoError(t, err)
	g2, err := NewGrant(NewGrantParams{ID: "g2", UserID: 1, AchievementID: 2, Scope: shared.SiteScope, Coins: 5, XP: 20, CreatedAt: now})
	require.NoError(t, err)
	spend, err := NewSpend("s1", 1, 8, "avatar", now)
	require.NoError(t, err)

	entries := []Entry{g1, g2, spend}
	assert.Equal(t, int64(7), Balance(entries))

	xp := XPByScope(entries)
	assert.Equal(t, int64(50), xp[shared.CourseScope(5)])
	assert.Equal(t, int64(20), xp[shared.SiteScope])

	_, err = NewSpend("s2", 1, 0, "", now)
	assert.ErrorIs(t, err, shared.ErrInvalidAmount)
	_, err = NewGrant(NewGrantParams{UserID: 0})
	assert.ErrorIs(t, err, shared.ErrInvalidUserID)
}
