package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/internal/domain/shared"
)

// ActivityCache keeps the activity names behind each grant.
// Entries expire after the TTL; they are display data only.
type ActivityCache struct {
	cache *Cache
	ttl   time.Duration
}

// CachedActivities is the stored value.
type CachedActivities struct {
	Activities []string  `json:"activities"`
	CachedAt   time.Time `json:"cached_at"`
}

// NewActivityCache creates a cache. ttl <= 0 means TTLActivities.
func NewActivityCache(cache *Cache, ttl time.Duration) *ActivityCache {
	if ttl <= 0 {
		ttl = TTLActivities
	}
	return &ActivityCache{cache: cache, ttl: ttl}
}

// ActivityKey returns ascend:activities:<user>:<scope>:<achievement>.
func ActivityKey(user shared.UserID, scope shared.Scope, achievementID int) string {
	return fmt.Sprintf("%s%d:%s:%d", PrefixActivities, user, scope.Key(), achievementID)
}

// Put stores the names, replacing any earlier list.
func (c *ActivityCache) Put(ctx context.Context, user shared.UserID, scope shared.Scope, achievementID int, activities []string) error {
	return c.cache.SetJSON(ctx, ActivityKey(user, scope, achievementID), CachedActivities{
		Activities: activities,
		CachedAt:   time.Now().UTC(),
	}, c.ttl)
}

// Get returns the cached names.
func (c *ActivityCache) Get(ctx context.Context, user shared.UserID, scope shared.Scope, achievementID int) ([]string, bool, error) {
	var v CachedActivities
	err := c.cache.GetJSON(ctx, ActivityKey(user, scope, achievementID), &v)
	if errors.Is(err, ErrCacheMiss) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v.Activities, true, nil
}

// Drop removes the entry.
func (c *ActivityCache) Drop(ctx context.Context, user shared.UserID, scope shared.Scope, achievementID int) error {
	return c.cache.Delete(ctx, ActivityKey(user, scope, achievementID))
}
