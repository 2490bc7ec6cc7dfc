package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/internal/domain/notification"
	"github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/internal/domain/shared"
)

const maxWatchRetries = 5

// NotificationStore keeps one JSON list per user.
// Enqueue is a read-modify-write guarded by WATCH.
type NotificationStore struct {
	cache  *Cache
	limits notification.Limits
	now    func() time.Time
}

var _ notification.Store = (*NotificationStore)(nil)

// NewNotificationStore creates a store enforcing limits.
func NewNotificationStore(cache *Cache, limits notification.Limits) *NotificationStore {
	return &NotificationStore{
		cache:  cache,
		limits: limits,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func notificationKey(user shared.UserID) string {
	return fmt.Sprintf("%s%d", PrefixNotifications, user)
}

// Enqueue appends items, dropping the oldest past the limits.
func (s *NotificationStore) Enqueue(ctx context.Context, user shared.UserID, items ...notification.Item) error {
	if len(items) == 0 {
		return nil
	}
	key := notificationKey(user)

	update := func(tx *redis.Tx) error {
		current, err := s.load(ctx, tx, key)
		if err != nil {
			return err
		}
		q := notification.NewQueue(s.limits, current)
		q.Push(items...)
		data, err := q.Marshal()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrCacheSerialization, err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, s.limits.Retention)
			return nil
		})
		return err
	}

	for i := 0; i < maxWatchRetries; i++ {
		err := s.cache.Client().Watch(ctx, update, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return ErrWatchConflict
}

// Pending returns the live items, oldest first.
func (s *NotificationStore) Pending(ctx context.Context, user shared.UserID) ([]notification.Item, error) {
	items, err := s.load(ctx, s.cache.Client(), notificationKey(user))
	if err != nil {
		return nil, err
	}
	return notification.NewQueue(s.limits, items).Live(s.now()), nil
}

// Clear empties the user's queue.
func (s *NotificationStore) Clear(ctx context.Context, user shared.UserID) error {
	return s.cache.Delete(ctx, notificationKey(user))
}

func (s *NotificationStore) load(ctx context.Context, c redis.Cmdable, key string) ([]notification.Item, error) {
	data, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	items, err := notification.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCacheSerialization, err)
	}
	return items, nil
}
