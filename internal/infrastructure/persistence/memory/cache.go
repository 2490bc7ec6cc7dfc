package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/internal/domain/notification"
	"github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/internal/domain/shared"
)

// ═══════════════════════════════════════════════════════════════════════════
// ACTIVITY CACHE
// ═══════════════════════════════════════════════════════════════════════════

type activityKey struct {
	user          shared.UserID
	scope         shared.Scope
	achievementID int
}

// ActivityCache keeps the activity names behind each grant.
type ActivityCache struct {
	mu    sync.RWMutex
	items map[activityKey][]string
}

// NewActivityCache creates an empty cache.
func NewActivityCache() *ActivityCache {
	return &ActivityCache{items: make(map[activityKey][]string)}
}

// Put stores the names, replacing any earlier list.
func (c *ActivityCache) Put(_ context.Context, user shared.UserID, scope shared.Scope, achievementID int, activities []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[activityKey{user, scope, achievementID}] = append([]string(nil), activities...)
	return nil
}

// Get returns the cached names.
func (c *ActivityCache) Get(_ context.Context, user shared.UserID, scope shared.Scope, achievementID int) ([]string, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names, ok := c.items[activityKey{user, scope, achievementID}]
	return append([]string(nil), names...), ok, nil
}

// Drop removes the entry.
func (c *ActivityCache) Drop(_ context.Context, user shared.UserID, scope shared.Scope, achievementID int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, activityKey{user, scope, achievementID})
	return nil
}

// ═══════════════════════════════════════════════════════════════════════════
// NOTIFICATION QUEUE
// ═══════════════════════════════════════════════════════════════════════════

// NotificationStore is an in-memory notification.Store.
type NotificationStore struct {
	limits notification.Limits
	now    func() time.Time

	mu    sync.Mutex
	items map[shared.UserID][]notification.Item
}

var _ notification.Store = (*NotificationStore)(nil)

// NewNotificationStore creates a store enforcing limits.
func NewNotificationStore(limits notification.Limits) *NotificationStore {
	return &NotificationStore{
		limits: limits,
		now:    func() time.Time { return time.Now().UTC() },
		items:  make(map[shared.UserID][]notification.Item),
	}
}

// Enqueue appends items, dropping the oldest past the limits.
func (s *NotificationStore) Enqueue(_ context.Context, user shared.UserID, items ...notification.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := notification.NewQueue(s.limits, s.items[user])
	q.Push(items...)
	s.items[user] = q.Items()
	return nil
}

// Pending returns the live items, oldest first.
func (s *NotificationStore) Pending(_ context.Context, user shared.UserID) ([]notification.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return notification.NewQueue(s.limits, s.items[user]).Live(s.now()), nil
}

// Clear empties the user's queue.
func (s *NotificationStore) Clear(_ context.Context, user shared.UserID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, user)
	return nil
}

// ═══════════════════════════════════════════════════════════════════════════
// RANK BOARD
// ═══════════════════════════════════════════════════════════════════════════

// RankBoard orders users by site XP, highest first; ties by user ID.
type RankBoard struct {
	mu sync.Mutex
	xp map[shared.UserID]int64
}

// NewRankBoard creates an empty board.
func NewRankBoard() *RankBoard {
	return &RankBoard{xp: make(map[shared.UserID]int64)}
}

// Update stores site XP and returns places gained.
func (b *RankBoard) Update(_ context.Context, user shared.UserID, siteXP int64) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, known := b.xp[user]
	before := b.rank(user)
	b.xp[user] = siteXP
	after := b.rank(user)
	if !known {
		return 0, nil
	}
	return before - after, nil
}

// Rank returns the 1-based position, or 0 for unknown users.
func (b *RankBoard) Rank(_ context.Context, user shared.UserID) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.xp[user]; !ok {
		return 0, nil
	}
	return b.rank(user), nil
}

func (b *RankBoard) rank(user shared.UserID) int {
	ids := make([]shared.UserID, 0, len(b.xp))
	for id := range b.xp {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if b.xp[ids[i]] != b.xp[ids[j]] {
			return b.xp[ids[i]] > b.xp[ids[j]]
		}
		return ids[i] < ids[j]
	})
	for i, id := range ids {
		if id == user {
			return i + 1
		}
	}
	return len(ids) + 1
}
