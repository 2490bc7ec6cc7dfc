package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/internal/domain/shared"
	"github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// BATCH SWEEP
// Periodic reconciliation over every known user. Never fails; problems are
// reported per user.
// ══════════════════════════════════════════════════════════════════════════════

// UserReport is the sweep line for one user.
type UserReport struct {
	UserID      shared.UserID
	Scopes      int
	Grants      int
	Corrections int
	Errors      []string
	Duration    time.Duration
}

// Failed reports whether any step for the user failed.
func (u UserReport) Failed() bool {
	return len(u.Errors) > 0
}

// Report summarizes a sweep.
type Report struct {
	StartedAt   time.Time
	CompletedAt time.Time
	Duration    time.Duration
	TotalUsers  int
	Users       []UserReport
	Grants      int
	Corrections int
	FailedUsers int
	Interrupted bool
	Errors      []string
}

// Processed is the number of users the sweep reached.
func (r Report) Processed() int {
	return len(r.Users)
}

// String renders a human-readable summary.
func (r Report) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "sweep: %d/%d users, %d grants, %d xp corrections, %d failed users, took %s",
		r.Processed(), r.TotalUsers, r.Grants, r.Corrections, r.FailedUsers, r.Duration.Round(time.Millisecond))
	if r.Interrupted {
		b.WriteString(" (interrupted)")
	}
	b.WriteString("\n")
	for _, e := range r.Errors {
		fmt.Fprintf(&b, "  error: %s\n", e)
	}
	for _, u := range r.Users {
		if u.Grants == 0 && u.Corrections == 0 && !u.Failed() {
			continue
		}
		fmt.Fprintf(&b, "  user %d: %d scopes, %d grants, %d corrections", u.UserID, u.Scopes, u.Grants, u.Corrections)
		if u.Failed() {
			fmt.Fprintf(&b, ", errors: %s", strings.Join(u.Errors, "; "))
		}
		b.WriteString("\n")
	}
	return b.String()
}

// RunForAllUsers repairs and evaluates every user known to the user source.
// Cancelling ctx stops the sweep between users; a user already in progress
// is finished.
func (e *Engine) RunForAllUsers(ctx context.Context) (report Report) {
	report = Report{StartedAt: e.now()}
	start := time.Now()
	defer func() {
		report.CompletedAt = e.now()
		report.Duration = time.Since(start)
		recordSweep(report)
	}()

	if e.users == nil {
		report.Errors = append(report.Errors, "no user source configured")
		return report
	}

	users, err := e.users.Users(ctx)
	if err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("list users: %v", err))
		e.logger.ErrorContext(ctx, "sweep could not list users", logger.Err(err))
		return report
	}
	report.TotalUsers = len(users)
	e.logger.InfoContext(ctx, "sweep started", slog.Int("users", len(users)))

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(e.cfg.SweepConcurrency)

	for _, user := range users {
		if ctx.Err() != nil {
			mu.Lock()
			report.Interrupted = true
			mu.Unlock()
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				mu.Lock()
				report.Interrupted = true
				mu.Unlock()
				return nil
			}
			line := e.sweepUser(context.WithoutCancel(ctx), user)
			mu.Lock()
			report.Users = append(report.Users, line)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(report.Users, func(i, j int) bool { return report.Users[i].UserID < report.Users[j].UserID })
	for _, u := range report.Users {
		report.Grants += u.Grants
		report.Corrections += u.Corrections
		if u.Failed() {
			report.FailedUsers++
		}
	}

	e.publish(ctx, shared.NewSweepCompletedEvent(report.Processed(), report.Grants, report.FailedUsers, report.Interrupted, time.Since(start)))
	e.logger.InfoContext(ctx, "sweep finished",
		slog.Int("processed", report.Processed()),
		slog.Int("grants", report.Grants),
		slog.Int("corrections", report.Corrections),
		slog.Int("failed_users", report.FailedUsers),
		slog.Bool("interrupted", report.Interrupted),
		logger.Latency(time.Since(start)),
	)
	return report
}

// sweepUser repairs XP, then evaluates every enrolled course and the site.
func (e *Engine) sweepUser(ctx context.Context, user shared.UserID) UserReport {
	start := time.Now()
	line := UserReport{UserID: user}

	corrections, err := e.RepairXP(ctx, user)
	if err != nil {
		line.Errors = append(line.Errors, fmt.Sprintf("repair xp: %v", err))
	}
	line.Corrections = len(corrections)

	scopes, err := e.users.Scopes(ctx, user)
	if err != nil {
		line.Errors = append(line.Errors, fmt.Sprintf("list scopes: %v", err))
		scopes = nil
	}
	scopes = append(withoutSite(scopes), shared.SiteScope)
	line.Scopes = len(scopes)

	for _, scope := range scopes {
		out, err := e.Evaluate(ctx, user, scope)
		if err != nil {
			line.Errors = append(line.Errors, fmt.Sprintf("%s: %v", scope, err))
			continue
		}
		line.Grants += len(out.Grants)
		for _, f := range out.Failures {
			line.Errors = append(line.Errors, fmt.Sprintf("%s achievement %d: %v", scope, f.AchievementID, f.Err))
		}
	}
	line.Duration = time.Since(start)
	return line
}

func withoutSite(scopes []shared.Scope) []shared.Scope {
	out := make([]shared.Scope, 0, len(scopes)+1)
	for _, s := range scopes {
		if !s.IsSite() {
			out = append(out, s)
		}
	}
	return out
}
