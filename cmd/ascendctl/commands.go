package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/config"
	"github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/internal/application/eventhandler"
	"github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/internal/application/query"
	"github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/internal/bootstrap"
	"github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/internal/domain/shared"
	"github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/internal/infrastructure/persistence/postgres"
	"github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/pkg/logger"
)

// ═══════════════════════════════════════════════════════════════════════════
// ROOT
// ═══════════════════════════════════════════════════════════════════════════

// cli - общее состояние команд: конфигурация, логгер и лениво
// собранное приложение.
type cli struct {
	envFiles []string
	logLevel string

	cfg *config.Config
	log *slog.Logger
	app *bootstrap.App
}

func newRootCmd() *cobra.Command {
	c := &cli{}

	root := &cobra.Command{
		Use:   "ascendctl",
		Short: "Ascend maintenance tool",
		Long: `ascendctl runs Ascend operations by hand: a full sweep, a single
evaluation or reconciliation, wallet inspection, XP repair and schema
migrations. It reads the same environment as the server.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: c.setup,
	}
	root.PersistentFlags().StringSliceVar(&c.envFiles, "env-file", []string{".env"}, "dotenv files to load")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "override LOG_LEVEL (debug, info, warn, error)")

	root.AddCommand(
		c.sweepCmd(),
		c.evaluateCmd(),
		c.reconcileCmd(),
		c.balanceCmd(),
		c.repairCmd(),
		c.migrateCmd(),
	)
	return root
}

// setup загружает конфигурацию. Логи пишутся в stderr, чтобы stdout
// оставался для результата команды.
func (c *cli) setup(cmd *cobra.Command, _ []string) error {
	if err := config.LoadDotEnv(c.envFiles...); err != nil {
		return err
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if c.logLevel != "" {
		cfg.Observability.LogLevel = c.logLevel
	}
	c.cfg = cfg
	c.log = logger.New(logger.Options{
		Level:   cfg.Observability.LogLevel,
		Format:  logger.FormatText,
		Output:  cmd.ErrOrStderr(),
		Service: "ascendctl",
	})
	return nil
}

// open собирает приложение при первом обращении. События доставляются
// синхронно: процесс завершается сразу после команды.
func (c *cli) open(ctx context.Context) (*bootstrap.App, error) {
	if c.app != nil {
		return c.app, nil
	}
	app, err := bootstrap.Build(ctx, c.cfg, c.log, bootstrap.Options{SyncEvents: true})
	if err != nil {
		return nil, err
	}
	c.app = app
	return app, nil
}

func (c *cli) close() {
	if c.app != nil {
		c.app.Close()
		c.app = nil
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// ENGINE COMMANDS
// ═══════════════════════════════════════════════════════════════════════════

func (c *cli) sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Repair and evaluate every user in every scope",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer c.close()
			report := app.Engine.RunForAllUsers(cmd.Context())
			fmt.Fprint(cmd.OutOrStdout(), report.String())

			if report.Interrupted {
				return errors.New("sweep interrupted")
			}
			if report.FailedUsers > 0 {
				return fmt.Errorf("sweep finished with %d failed users", report.FailedUsers)
			}
			return nil
		},
	}
}

func (c *cli) evaluateCmd() *cobra.Command {
	var user, course int64
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Evaluate one user in a course and the site",
		Long: `evaluate behaves like a completion signal: the course scope is
checked first, then the site scope. --course 0 checks the site only.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer c.close()
			res, err := app.Completed.Handle(cmd.Context(), eventhandler.CompletedSignal{
				UserID: shared.UserID(user),
				Scope:  shared.CourseScope(course),
			})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			grants := res.Grants()
			if len(grants) == 0 {
				fmt.Fprintln(out, "no new achievements")
			} else {
				w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tNAME\tSCOPE\tCOINS\tXP\tLEVEL\tKEY")
				for _, g := range grants {
					fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%d\t%d->%d\t%s\n",
						g.AchievementID, g.Name, g.Scope, g.Coins, g.XP, g.Level.From, g.Level.To, g.Key)
				}
				if err := w.Flush(); err != nil {
					return err
				}
			}
			for _, o := range res.Outcomes {
				for _, f := range o.Failures {
					fmt.Fprintf(out, "failed: achievement %d in %s: %v\n", f.AchievementID, o.Scope, f.Err)
				}
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&user, "user", 0, "user id")
	cmd.Flags().Int64Var(&course, "course", 0, "course id (0 for site only)")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func (c *cli) reconcileCmd() *cobra.Command {
	var user, course, activity int64
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Revoke achievements that no longer hold after an activity was un-completed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer c.close()
			res, err := app.Incomplete.Handle(cmd.Context(), eventhandler.IncompleteSignal{
				UserID:     shared.UserID(user),
				Scope:      shared.CourseScope(course),
				ActivityID: activity,
			})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			revoked := res.Revoked()
			if len(revoked) == 0 {
				fmt.Fprintln(out, "nothing revoked")
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSCOPE\tCOINS\tXP\tREASON")
			for _, r := range revoked {
				fmt.Fprintf(w, "%d\t%s\t%d\t%d\t%s\n", r.AchievementID, r.Scope, r.Coins, r.XP, r.Reason)
			}
			return w.Flush()
		},
	}
	cmd.Flags().Int64Var(&user, "user", 0, "user id")
	cmd.Flags().Int64Var(&course, "course", 0, "course id")
	cmd.Flags().Int64Var(&activity, "cm", 0, "course module id that became incomplete")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("cm")
	return cmd
}

func (c *cli) balanceCmd() *cobra.Command {
	var (
		user    int64
		courses bool
		asJSON  bool
	)
	cmd := &cobra.Command{
		Use:   "balance",
		Short: "Show a user's coins, XP and level",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer c.close()
			wallet, err := app.Wallet.Handle(cmd.Context(), query.GetWalletQuery{
				UserID:         shared.UserID(user),
				IncludeCourses: courses,
			})
			if err != nil {
				return err
			}
			return printWallet(cmd.OutOrStdout(), wallet, asJSON)
		},
	}
	cmd.Flags().Int64Var(&user, "user", 0, "user id")
	cmd.Flags().BoolVar(&courses, "courses", false, "include per-course XP")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func printWallet(out io.Writer, wallet *query.WalletDTO, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(wallet)
	}
	fmt.Fprintf(out, "user %d: coins=%d xp=%d level=%d tokens=%d grants=%d\n",
		wallet.UserID, wallet.Coins, wallet.XP, wallet.Level, wallet.Tokens, wallet.Grants)
	for _, c := range wallet.Courses {
		fmt.Fprintf(out, "  course %d: xp=%d\n", c.CourseID, c.XP)
	}
	return nil
}

func (c *cli) repairCmd() *cobra.Command {
	var user int64
	cmd := &cobra.Command{
		Use:   "repair-xp",
		Short: "Recompute XP totals from the ledger and fix divergence",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer c.close()
			corrections, err := app.Engine.RepairXP(cmd.Context(), shared.UserID(user))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(corrections) == 0 {
				fmt.Fprintln(out, "xp totals are consistent")
				return nil
			}
			for _, corr := range corrections {
				fmt.Fprintf(out, "%s: %d -> %d\n", corr.Scope, corr.From, corr.To)
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&user, "user", 0, "user id")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

// ═══════════════════════════════════════════════════════════════════════════
// MIGRATIONS
// Миграциям нужна только база: остальное приложение не собирается.
// ═══════════════════════════════════════════════════════════════════════════

func (c *cli) migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withMigrator(cmd.Context(), func(m *postgres.Migrator) error {
				if err := m.Migrate(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "schema is up to date")
				return nil
			})
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "List migrations and whether they are applied",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withMigrator(cmd.Context(), func(m *postgres.Migrator) error {
				list, err := m.Status(cmd.Context())
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "VERSION\tNAME\tAPPLIED")
				for _, mig := range list {
					applied := "-"
					if mig.IsApplied {
						applied = mig.AppliedAt.Format("2006-01-02 15:04:05")
					}
					fmt.Fprintf(w, "%d\t%s\t%s\n", mig.Version, mig.Name, applied)
				}
				return w.Flush()
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "rollback",
		Short: "Roll back the latest applied migration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withMigrator(cmd.Context(), func(m *postgres.Migrator) error {
				if err := m.Rollback(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "rolled back one migration")
				return nil
			})
		},
	})
	return cmd
}

func (c *cli) withMigrator(ctx context.Context, fn func(*postgres.Migrator) error) error {
	db := c.cfg.Database
	if db.URL == "" {
		return errors.New("DATABASE_URL is not set")
	}
	conn, err := postgres.Connect(ctx, db.URL, postgres.PoolOptions{
		MaxConns:     2,
		QueryTimeout: db.QueryTimeout,
	})
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer conn.Close()
	return fn(postgres.NewMigrator(conn))
}
