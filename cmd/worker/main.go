// Package main - точка входа фонового процесса (Worker) Ascend.
//
// Worker периодически проходит по всем пользователям системы обучения:
// чинит расхождения опыта и выдаёт достижения, сигналы о которых были
// потеряны. HTTP он не обслуживает.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/config"
	"github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/internal/bootstrap"
	"github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/internal/infrastructure/scheduler"
	"github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/internal/infrastructure/scheduler/jobs"
)

// ══════════════════════════════════════════════════════════════════════════════
// MAIN
// ══════════════════════════════════════════════════════════════════════════════

func main() {
	// Корневой контекст отменяется по SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "fatal error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	// ─────────────────────────────────────────────────────────────────────────
	// 1. ЗАГРУЗКА КОНФИГУРАЦИИ
	// ─────────────────────────────────────────────────────────────────────────
	if err := config.LoadDotEnv(); err != nil {
		return fmt.Errorf("failed to load .env: %w", err)
	}
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 2. НАСТРОЙКА ЛОГИРОВАНИЯ
	// ─────────────────────────────────────────────────────────────────────────
	log := bootstrap.NewLogger(cfg, "ascend-worker")
	log.Info("starting Ascend worker",
		"env", cfg.App.Environment,
		"timezone", cfg.App.Location.String(),
		"sweep_interval", cfg.Scheduler.SweepInterval.String(),
	)

	// ─────────────────────────────────────────────────────────────────────────
	// 3. ХРАНИЛИЩА И ДВИЖОК
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
	// 4. ПЛАНИРОВЩИК
	// ─────────────────────────────────────────────────────────────────────────
	sched, err := scheduler.NewScheduler(scheduler.SchedulerConfig{
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
	log.Info("Ascend worker is running")

	// ─────────────────────────────────────────────────────────────────────────
	// 5. GRACEFUL SHUTDOWN
	// ─────────────────────────────────────────────────────────────────────────
	<-ctx.Done()
	log.Info("received shutdown signal, waiting for running jobs...",
		"timeout", cfg.App.ShutdownTimeout.String(),
	)
	if err := sched.Stop(); err != nil {
		return err
	}
	if report, ok := sweep.LastReport(); ok {
		log.Info("last sweep", "summary", report.String())
	}
	log.Info("shutdown completed successfully")
	return nil
}
