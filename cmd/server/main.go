// Package main - точка входа HTTP-сервиса Ascend.
//
// Сервер принимает сигналы о выполнении и отмене активностей от системы
// обучения, отдаёт баланс и уведомления пользователям и запускает сверку
// по запросу администратора. При SCHEDULER_ENABLED=true периодическая
// сверка выполняется в этом же процессе.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/config"
	"github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/internal/bootstrap"
	"github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/internal/infrastructure/scheduler"
	"github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/internal/infrastructure/scheduler/jobs"
	httpapi "github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/internal/interface/http"
	"github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/pkg/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "fatal error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	// ─────────────────────────────────────────────────────────────────────────
	// 1. КОНФИГУРАЦИЯ И ЛОГИРОВАНИЕ
	// ─────────────────────────────────────────────────────────────────────────
	if err := config.LoadDotEnv(); err != nil {
		return fmt.Errorf("failed to load .env: %w", err)
	}
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log := bootstrap.NewLogger(cfg, "ascend-server")
	log.Info("starting Ascend server",
		"env", cfg.App.Environment,
		"version", cfg.App.Version,
		"address", cfg.HTTP.Address(),
	)

	// ─────────────────────────────────────────────────────────────────────────
	// 2. ХРАНИЛИЩА, КЛИЕНТЫ, ДВИЖОК
	// ─────────────────────────────────────────────────────────────────────────
	app, err := bootstrap.Build(ctx, cfg, log, bootstrap.Options{})
	if err != nil {
		return err
	}
	defer func() {
		log.Info("closing connections...")
		app.Close()
	}()

	// ─────────────────────────────────────────────────────────────────────────
	// 3. ПЛАНИРОВЩИК (опционально)
	// ─────────────────────────────────────────────────────────────────────────
	var sched *scheduler.Scheduler
	if cfg.Scheduler.Enabled {
		sched, err = scheduler.NewScheduler(scheduler.SchedulerConfig{
			Logger:      log,
			Timezone:    cfg.App.Location,
			StopTimeout: cfg.App.ShutdownTimeout,
		})
		if err != nil {
			return err
		}
		sweep := jobs.NewSweepJob(app.Engine, cfg.Scheduler.SweepTimeout, log)
		if err := sched.Register(sweep, scheduler.Schedule{
			Interval:    cfg.Scheduler.SweepInterval,
			Immediately: cfg.Scheduler.RunOnStart,
		}); err != nil {
			return err
		}
		if err := sched.Start(); err != nil {
			return err
		}
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 4. HTTP
	// ─────────────────────────────────────────────────────────────────────────
	server, err := httpapi.NewServer(httpapi.Config{
		Host:               cfg.HTTP.Host,
		Port:               cfg.HTTP.Port,
		ReadTimeout:        cfg.HTTP.ReadTimeout,
		WriteTimeout:       cfg.HTTP.WriteTimeout,
		IdleTimeout:        cfg.HTTP.IdleTimeout,
		EnableMetrics:      cfg.Observability.MetricsEnabled,
		RateLimitPerMinute: cfg.HTTP.RateLimitPerMinute,
		AdminSecret:        cfg.HTTP.AdminSecret,
	}, httpapi.Dependencies{
		Completed:     app.Completed,
		Incomplete:    app.Incomplete,
		Wallet:        app.Wallet,
		Notifications: app.NotificationsQuery,
		Multiplier:    app.Multiplier,
		Spend:         app.Spend,
		Sweeper:       app.Engine,
		SweepTimeout:  cfg.Scheduler.SweepTimeout,
		Health:        app.Health,
		Logger:        log,
	})
	if err != nil {
		return err
	}
	errCh := server.StartAsync()

	// ─────────────────────────────────────────────────────────────────────────
	// 5. GRACEFUL SHUTDOWN
	// ─────────────────────────────────────────────────────────────────────────
	var serveErr error
	select {
	case <-ctx.Done():
		log.Info("received shutdown signal")
	case serveErr = <-errCh:
		log.Error("http server stopped unexpectedly", logger.Err(serveErr))
	}

	log.Info("starting graceful shutdown...", "timeout", cfg.App.ShutdownTimeout.String())
	start := time.Now()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer cancel()

	var errs []error
	if serveErr != nil {
		errs = append(errs, serveErr)
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	if sched != nil {
		if err := sched.Stop(); err != nil && !errors.Is(err, scheduler.ErrSchedulerNotRunning) {
			errs = append(errs, err)
		}
	}

	if err := errors.Join(errs...); err != nil {
		return err
	}
	log.Info("shutdown completed successfully", logger.Latency(time.Since(start)))
	return nil
}
