// Package jobs contains the scheduled jobs of Ascend.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/internal/application/engine"
	"github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// ACHIEVEMENT SWEEP JOB
// ══════════════════════════════════════════════════════════════════════════════

// SweepName is the registered name of the sweep job.
const SweepName = "achievement_sweep"

// ErrSweepIncomplete is returned when the sweep was cut short or no user
// could be processed.
var ErrSweepIncomplete = errors.New("sweep incomplete")

// Sweeper runs one pass over every known user.
type Sweeper interface {
	RunForAllUsers(ctx context.Context) engine.Report
}

// SweepJob re-evaluates every user so that missed completion signals are
// eventually honoured.
type SweepJob struct {
	sweeper Sweeper
	timeout time.Duration
	logger  *slog.Logger

	lastReport atomic.Pointer[engine.Report]
}

// NewSweepJob creates the job. A timeout of zero leaves the run unbounded.
func NewSweepJob(sweeper Sweeper, timeout time.Duration, log *slog.Logger) *SweepJob {
	if log == nil {
		log = logger.Discard()
	}
	return &SweepJob{
		sweeper: sweeper,
		timeout: timeout,
		logger:  log.With("job", SweepName),
	}
}

// Name returns the job name.
func (j *SweepJob) Name() string { return SweepName }

// Description returns a human-readable description.
func (j *SweepJob) Description() string {
	return "Repairs XP and evaluates achievements for every user"
}

// Run performs the sweep. Per-user failures are logged but only an
// interrupted sweep, or one where every user failed, is an error.
func (j *SweepJob) Run(ctx context.Context) error {
	if j.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.timeout)
		defer cancel()
	}

	report := j.sweeper.RunForAllUsers(ctx)
	j.lastReport.Store(&report)

	j.logger.Info("sweep finished",
		"users_total", report.TotalUsers,
		"users_processed", report.Processed(),
		"users_failed", report.FailedUsers,
		"grants", report.Grants,
		"xp_corrections", report.Corrections,
		logger.Latency(report.Duration),
	)
	for _, u := range report.Users {
		if u.Failed() {
			j.logger.Warn("sweep user failed", logger.User(u.UserID.Int64()), "errors", u.Errors)
		}
	}

	switch {
	case report.Interrupted:
		return fmt.Errorf("%w: interrupted after %d/%d users", ErrSweepIncomplete, report.Processed(), report.TotalUsers)
	case len(report.Errors) > 0:
		return fmt.Errorf("%w: %s", ErrSweepIncomplete, report.Errors[0])
	case report.TotalUsers > 0 && report.FailedUsers == report.TotalUsers:
		return fmt.Errorf("%w: all %d users failed", ErrSweepIncomplete, report.TotalUsers)
	}
	return nil
}

// LastReport returns the report of the latest run, if any.
func (j *SweepJob) LastReport() (engine.Report, bool) {
	r := j.lastReport.Load()
	if r == nil {
		return engine.Report{}, false
	}
	return *r, true
}
