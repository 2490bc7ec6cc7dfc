// Package engine decides which achievements a user has earned, writes grants to
// the ledger, keeps experience and levels in step, and takes single
// achievements back when their evidence disappears.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/internal/domain/achievement"
	"github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/internal/domain/ledger"
	"github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/internal/domain/notification"
	"github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/internal/domain/shared"
	"github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/pkg/logger"
	"github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/pkg/retry"
)

// ══════════════════════════════════════════════════════════════════════════════
// PORTS
// Collaborators the engine talks to. Implementations live in infrastructure.
// ══════════════════════════════════════════════════════════════════════════════

// SnapshotReader loads a user's activity state for one scope.
type SnapshotReader interface {
	ReadSnapshot(ctx context.Context, user shared.UserID, scope shared.Scope) (achievement.Snapshot, error)
}

// ActivityCache remembers which activities earned an achievement, for display.
// It is best-effort: errors are logged and never stop a grant.
type ActivityCache interface {
	Put(ctx context.Context, user shared.UserID, scope shared.Scope, achievementID int, activities []string) error
	Drop(ctx context.Context, user shared.UserID, scope shared.Scope, achievementID int) error
}

// RankBoard tracks site XP across users and reports rank movement.
type RankBoard interface {
	// Update stores the user's site XP and returns how many places the user
	// moved up (negative when moved down).
	Update(ctx context.Context, user shared.UserID, siteXP int64) (int, error)
}

// UserSource enumerates users and their course enrolments for the sweep.
type UserSource interface {
	Users(ctx context.Context) ([]shared.UserID, error)
	Scopes(ctx context.Context, user shared.UserID) ([]shared.Scope, error)
}

// ══════════════════════════════════════════════════════════════════════════════
// CONFIGURATION
// ══════════════════════════════════════════════════════════════════════════════

// Config tunes the engine.
type Config struct {
	// Levels is the XP-to-level policy.
	Levels ledger.LevelPolicy

	// SnapshotTimeout bounds one snapshot read.
	SnapshotTimeout time.Duration

	// SweepConcurrency is the number of users processed in parallel by the sweep.
	SweepConcurrency int

	// MetaEnabled turns meta-achievement resolution on.
	MetaEnabled bool

	// RevocationEnabled turns the incomplete-signal reconciler on.
	RevocationEnabled bool

	// MultiplierFactor is the XP factor applied by SetMultiplier.
	MultiplierFactor int64
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Levels:            ledger.DefaultLevelPolicy(),
		SnapshotTimeout:   10 * time.Second,
		SweepConcurrency:  4,
		MetaEnabled:       true,
		RevocationEnabled: true,
		MultiplierFactor:  2,
	}
}

// Dependencies are the collaborators passed to New. Cache, Notifications,
// Ranks, Events and Users are optional.
type Dependencies struct {
	Registry      *achievement.Registry
	Store         ledger.Store
	Snapshots     SnapshotReader
	Cache         ActivityCache
	Notifications notification.Store
	Ranks         RankBoard
	Events        shared.EventPublisher
	Users         UserSource
	Logger        *slog.Logger

	// Clock defaults to time.Now in UTC.
	Clock func() time.Time

	// NewID defaults to uuid.NewString.
	NewID func() string
}

// ══════════════════════════════════════════════════════════════════════════════
// ENGINE
// ══════════════════════════════════════════════════════════════════════════════

// Engine is safe for concurrent use. Writes for one user are serialized by
// the store's unit of work.
type Engine struct {
	cfg Config

	registry      *achievement.Registry
	store         ledger.Store
	snapshots     SnapshotReader
	cache         ActivityCache
	notifications notification.Store
	ranks         RankBoard
	events        shared.EventPublisher
	users         UserSource
	logger        *slog.Logger

	now     func() time.Time
	newID   func() string
	retrier *retry.Retrier
}

// New validates the catalog and wires the engine.
func New(cfg Config, deps Dependencies) (*Engine, error) {
	if deps.Registry == nil {
		return nil, errors.New("engine: registry is required")
	}
	if deps.Store == nil {
		return nil, errors.New("engine: store is required")
	}
	if deps.Snapshots == nil {
		return nil, errors.New("engine: snapshot reader is required")
	}
	if err := deps.Registry.Validate(); err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	if cfg.Levels.XPPerLevel <= 0 {
		cfg.Levels = ledger.DefaultLevelPolicy()
	}
	if cfg.SweepConcurrency <= 0 {
		cfg.SweepConcurrency = 1
	}
	if cfg.MultiplierFactor <= 1 {
		cfg.MultiplierFactor = 2
	}

	e := &Engine{
		cfg:           cfg,
		registry:      deps.Registry,
		store:         deps.Store,
		snapshots:     deps.Snapshots,
		cache:         deps.Cache,
		notifications: deps.Notifications,
		ranks:         deps.Ranks,
		events:        deps.Events,
		users:         deps.Users,
		logger:        deps.Logger,
		now:           deps.Clock,
		newID:         deps.NewID,
	}
	if e.logger == nil {
		e.logger = logger.Discard()
	}
	e.logger = e.logger.With(slog.String("component", "engine"))
	if e.now == nil {
		e.now = func() time.Time { return time.Now().UTC() }
	}
	if e.newID == nil {
		e.newID = uuid.NewString
	}
	e.retrier = retry.ConflictRetrier(func(err error) bool {
		return errors.Is(err, shared.ErrOptimisticLock)
	})
	return e, nil
}

// Registry returns the catalog the engine evaluates.
func (e *Engine) Registry() *achievement.Registry {
	return e.registry
}

// readSnapshot loads the snapshot under the configured timeout.
func (e *Engine) readSnapshot(ctx context.Context, user shared.UserID, scope shared.Scope) (achievement.Snapshot, error) {
	if e.cfg.SnapshotTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.SnapshotTimeout)
		defer cancel()
	}

	start := time.Now()
	snap, err := e.snapshots.ReadSnapshot(ctx, user, scope)
	observeSnapshot(time.Since(start), err)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return achievement.Snapshot{}, fmt.Errorf("%w: %w", shared.ErrSnapshotTimeout, err)
		}
		if errors.Is(err, shared.ErrSnapshotUnavailable) || errors.Is(err, context.Canceled) {
			return achievement.Snapshot{}, err
		}
		return achievement.Snapshot{}, fmt.Errorf("%w: %w", shared.ErrSnapshotUnavailable, err)
	}
	if snap.UserID == 0 {
		snap.UserID = user
	}
	snap.Scope = scope
	return snap, nil
}

// inTx runs fn in the user's unit of work and retries optimistic-lock conflicts.
// fn must reset any state it captures because it may run more than once.
func (e *Engine) inTx(ctx context.Context, user shared.UserID, fn func(ctx context.Context, tx ledger.Tx) error) error {
	return e.retrier.Do(ctx, func(ctx context.Context) error {
		return e.store.WithinTx(ctx, user, fn)
	})
}

// updateRank pushes the new site XP to the rank board. Failures are logged.
func (e *Engine) updateRank(ctx context.Context, user shared.UserID, siteXP int64) int {
	if e.ranks == nil {
		return 0
	}
	delta, err := e.ranks.Update(ctx, user, siteXP)
	if err != nil {
		e.logger.WarnContext(ctx, "rank update failed",
			slog.Int64("user_id", user.Int64()),
			slog.String("error", err.Error()),
		)
		return 0
	}
	return delta
}

// enqueue pushes notification items. Failures are logged.
func (e *Engine) enqueue(ctx context.Context, user shared.UserID, items ...notification.Item) {
	if e.notifications == nil || len(items) == 0 {
		return
	}
	if err := e.notifications.Enqueue(ctx, user, items...); err != nil {
		e.logger.WarnContext(ctx, "notification enqueue failed",
			slog.Int64("user_id", user.Int64()),
			slog.Int("items", len(items)),
			slog.String("error", err.Error()),
		)
	}
}

// publish sends domain events. Failures are logged.
func (e *Engine) publish(ctx context.Context, events ...shared.Event) {
	if e.events == nil {
		return
	}
	for _, ev := range events {
		if err := e.events.Publish(ev); err != nil {
			e.logger.WarnContext(ctx, "event publish failed",
				slog.String("event_type", string(ev.EventType())),
				slog.String("error", err.Error()),
			)
		}
	}
}
