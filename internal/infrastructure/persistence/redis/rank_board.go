package redis

import (
	"context"
	"errors"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/internal/domain/shared"
)

// RankBoard orders users by site XP on a sorted set.
type RankBoard struct {
	cache *Cache
	key   string
}

// NewRankBoard creates a board on KeyRankBoard.
func NewRankBoard(cache *Cache) *RankBoard {
	return &RankBoard{cache: cache, key: KeyRankBoard}
}

// Update stores site XP and returns places gained.
// Rank before, score write and rank after run in one MULTI block.
func (b *RankBoard) Update(ctx context.Context, user shared.UserID, siteXP int64) (int, error) {
	member := strconv.FormatInt(user.Int64(), 10)

	var before, after *redis.IntCmd
	_, err := b.cache.Client().TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		before = pipe.ZRevRank(ctx, b.key, member)
		pipe.ZAdd(ctx, b.key, redis.Z{Score: float64(siteXP), Member: member})
		after = pipe.ZRevRank(ctx, b.key, member)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, err
	}

	prev, err := before.Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	next, err := after.Result()
	if err != nil {
		return 0, err
	}
	return int(prev - next), nil
}

// Rank returns the 1-based position, or 0 for unknown users.
func (b *RankBoard) Rank(ctx context.Context, user shared.UserID) (int, error) {
	rank, err := b.cache.Client().ZRevRank(ctx, b.key, strconv.FormatInt(user.Int64(), 10)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return int(rank) + 1, nil
}
