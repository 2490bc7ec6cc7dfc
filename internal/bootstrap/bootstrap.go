// Package bootstrap wires configuration into a running set of Ascend
// components. cmd/server, cmd/worker and cmd/ascendctl share it.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/config"
	"github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/internal/application/command"
	"github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/internal/application/engine"
	"github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/internal/application/eventhandler"
	"github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/internal/application/query"
	"github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/internal/domain/achievement"
	"github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/internal/domain/ledger"
	"github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/internal/domain/notification"
	"github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/internal/domain/shared"
	"github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/internal/infrastructure/external/learning"
	"github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/internal/infrastructure/messaging"
	"github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/internal/infrastructure/persistence/memory"
	"github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/internal/infrastructure/persistence/postgres"
	"github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/internal/infrastructure/persistence/redis"
	"github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/internal/interface/http/handlers"
	"github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// LOGGING
// ══════════════════════════════════════════════════════════════════════════════

// NewLogger builds the process logger: JSON in production, text otherwise.
// It also becomes slog's default.
func NewLogger(cfg *config.Config, service string) *slog.Logger {
	format := logger.Format(cfg.Observability.LogFormat)
	if cfg.IsProduction() {
		format = logger.FormatJSON
	}
	level := cfg.Observability.LogLevel
	if cfg.App.Debug {
		level = "debug"
	}

	log := logger.New(logger.Options{
		Level:   level,
		Format:  format,
		Output:  os.Stdout,
		Service: service,
	})
	slog.SetDefault(log)
	return log
}

// ══════════════════════════════════════════════════════════════════════════════
// APPLICATION
// ══════════════════════════════════════════════════════════════════════════════

// Options toggles optional parts of the wiring.
type Options struct {
	// SkipMigrations leaves the schema alone even with AutoMigrate set.
	SkipMigrations bool

	// SyncEvents delivers events inline; CLI commands exit right after
	// their work and must not lose queued events.
	SyncEvents bool
}

// App holds the wired components. DB and Cache are nil when the in-memory
// fallbacks are in use.
type App struct {
	Config *config.Config
	Logger *slog.Logger

	DB       *postgres.Connection
	Cache    *redis.Cache
	Learning *learning.Client
	Bus      *messaging.InMemoryEventBus

	Store         ledger.Store
	Notifications notification.Store
	Engine        *engine.Engine
	Health        *handlers.CompositeHealthChecker

	Completed          *eventhandler.OnActivityCompletedHandler
	Incomplete         *eventhandler.OnActivityIncompleteHandler
	Wallet             *query.GetWalletHandler
	NotificationsQuery *query.GetNotificationsHandler
	Multiplier         *command.SetMultiplierHandler
	Spend              *command.SpendCoinsHandler

	closers []func()
}

// Build connects to the configured backends and wires the engine. On error
// everything opened so far is closed.
func Build(ctx context.Context, cfg *config.Config, log *slog.Logger, opts Options) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: log,
		Health: handlers.NewCompositeHealthChecker(cfg.App.Version),
	}
	ok := false
	defer func() {
		if !ok {
			app.Close()
		}
	}()

	if err := app.openStore(ctx, opts); err != nil {
		return nil, err
	}

	cache, notes, ranks, err := app.openCache()
	if err != nil {
		return nil, err
	}
	app.Notifications = notes

	client, err := learning.NewClient(learning.ClientConfig{
		BaseURL:          cfg.Learning.BaseURL,
		Token:            cfg.Learning.Token,
		Timeout:          cfg.Learning.RequestTimeout,
		RateLimit:        cfg.Learning.RateLimit,
		Burst:            cfg.Learning.RateLimitBurst,
		MaxAttempts:      cfg.Learning.MaxRetries,
		BreakerThreshold: cfg.Learning.CircuitBreakerThreshold,
		BreakerCooldown:  cfg.Learning.CircuitBreakerCooldown,
		Logger:           log,
	})
	if err != nil {
		return nil, fmt.Errorf("learning client: %w", err)
	}
	app.Learning = client
	app.Health.AddOptionalCheck("learning", handlers.NewPingCheck(client))

	app.Bus = app.openBus(opts)

	app.Engine, err = engine.New(EngineConfig(cfg), engine.Dependencies{
		Registry:      achievement.DefaultRegistry(),
		Store:         app.Store,
		Snapshots:     client,
		Cache:         cache,
		Notifications: notes,
		Ranks:         ranks,
		Events:        app.Bus,
		Users:         client,
		Logger:        log,
	})
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	app.Completed = eventhandler.NewOnActivityCompletedHandler(app.Engine, app.Bus, log)
	app.Incomplete = eventhandler.NewOnActivityIncompleteHandler(app.Engine, app.Bus, log)
	app.Wallet = query.NewGetWalletHandler(app.Store)
	app.NotificationsQuery = query.NewGetNotificationsHandler(notes)
	app.Multiplier = command.NewSetMultiplierHandler(app.Store, cfg.Engine.MultiplierFactor, log)
	app.Spend = command.NewSpendCoinsHandler(app.Store, log)

	ok = true
	return app, nil
}

// EngineConfig maps the engine section of the configuration.
func EngineConfig(cfg *config.Config) engine.Config {
	return engine.Config{
		Levels: ledger.LevelPolicy{
			XPPerLevel:     cfg.Engine.XPPerLevel,
			MaxLevel:       cfg.Engine.MaxLevel,
			TokensPerLevel: cfg.Engine.TokensPerLevel,
		},
		SnapshotTimeout:   cfg.Engine.SnapshotTimeout,
		SweepConcurrency:  cfg.Engine.SweepConcurrency,
		MetaEnabled:       cfg.Engine.MetaEnabled,
		RevocationEnabled: cfg.Engine.RevocationEnabled,
		MultiplierFactor:  cfg.Engine.MultiplierFactor,
	}
}

// NotificationLimits maps the notification settings.
func NotificationLimits(cfg *config.Config) notification.Limits {
	return notification.Limits{
		Capacity:   cfg.Engine.NotificationCapacity,
		ByteBudget: cfg.Engine.NotificationByteBudget,
		Retention:  cfg.Engine.NotificationRetention,
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Backends
// ─────────────────────────────────────────────────────────────────────────────

func (a *App) openStore(ctx context.Context, opts Options) error {
	cfg := a.Config.Database
	if cfg.URL == "" {
		if a.Config.IsProduction() {
			return errors.New("DATABASE_URL is required in production")
		}
		a.Logger.Warn("DATABASE_URL not set, using the in-memory ledger; data is lost on exit")
		a.Store = memory.NewStore()
		return nil
	}

	a.Logger.Info("connecting to database...")
	conn, err := postgres.Connect(ctx, cfg.URL, postgres.PoolOptions{
		MaxConns:        int32(cfg.MaxConns),
		MinConns:        int32(cfg.MinConns),
		MaxConnLifetime: cfg.ConnMaxLifetime,
		MaxConnIdleTime: cfg.ConnMaxIdleTime,
		QueryTimeout:    cfg.QueryTimeout,
	})
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	a.DB = conn
	a.closers = append(a.closers, conn.Close)
	a.Health.AddCheck("database", handlers.NewPingCheck(conn))

	if cfg.AutoMigrate && !opts.SkipMigrations {
		if err := postgres.NewMigrator(conn).Migrate(ctx); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		a.Logger.Info("database schema is up to date")
	}
	a.Store = postgres.NewStore(conn)
	return nil
}

func (a *App) openCache() (engine.ActivityCache, notification.Store, engine.RankBoard, error) {
	cfg := a.Config.Redis
	limits := NotificationLimits(a.Config)
	if cfg.Disabled {
		a.Logger.Info("redis disabled, using in-memory cache and notification queue")
		return memory.NewActivityCache(), memory.NewNotificationStore(limits), memory.NewRankBoard(), nil
	}

	a.Logger.Info("connecting to redis...")
	cache, err := redis.NewCache(redis.Config{
		URL:          cfg.URL,
		Host:         cfg.Host,
		Port:         cfg.Port,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("connect redis: %w", err)
	}
	a.Cache = cache
	a.closers = append(a.closers, func() { _ = cache.Close() })
	a.Health.AddCheck("redis", handlers.NewPingCheck(cache))

	return redis.NewActivityCache(cache, cfg.ActivityCacheTTL),
		redis.NewNotificationStore(cache, limits),
		redis.NewRankBoard(cache),
		nil
}

func (a *App) openBus(opts Options) *messaging.InMemoryEventBus {
	busCfg := messaging.DefaultInMemoryEventBusConfig()
	busCfg.Logger = a.Logger
	busCfg.AsyncMode = !opts.SyncEvents
	bus := messaging.NewInMemoryEventBus(busCfg)
	a.closers = append(a.closers, func() { _ = bus.Close() })

	log := a.Logger.With(logger.Component("events"))
	_ = bus.SubscribeAll(func(e shared.Event) error {
		log.Debug("event", slog.String("type", string(e.EventType())), slog.String("aggregate", e.AggregateID()))
		return nil
	})
	if a.Cache != nil {
		_ = bus.SubscribeAll(messaging.NewRedisForwarder(a.Cache.Client(), "").Forward)
	}
	return bus
}

// Close releases everything Build opened, in reverse order.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
