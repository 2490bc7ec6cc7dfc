package engine

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/internal/domain/achievement"
	"github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/internal/domain/shared"
)

// =============================================================================
// Prometheus Metrics for the award engine
// =============================================================================

var (
	// evaluationDuration measures one qualification pass.
	// Labels: scope_kind (site, course), status (ok, partial, snapshot_failed)
	evaluationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ascend",
		Subsystem: "engine",
		Name:      "evaluation_duration_seconds",
		Help:      "Duration of one qualification pass",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"scope_kind", "status"})

	// snapshotDuration measures learning-source snapshot reads.
	// Labels: status (ok, error)
	snapshotDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ascend",
		Subsystem: "engine",
		Name:      "snapshot_read_duration_seconds",
		Help:      "Duration of activity snapshot reads",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"status"})

	// grantsTotal counts committed grants.
	// Labels: achievement, scope_kind
	grantsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ascend",
		Subsystem: "engine",
		Name:      "grants_total",
		Help:      "Total achievements granted",
	}, []string{"achievement", "scope_kind"})

	// coinsAwarded counts coins credited by grants.
	coinsAwarded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ascend",
		Subsystem: "engine",
		Name:      "coins_awarded_total",
		Help:      "Total coins credited by grants",
	})

	// xpAwarded counts XP credited by grants, multiplier included.
	xpAwarded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ascend",
		Subsystem: "engine",
		Name:      "xp_awarded_total",
		Help:      "Total XP credited by grants",
	})

	// levelUpsTotal counts levels crossed.
	levelUpsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ascend",
		Subsystem: "engine",
		Name:      "level_ups_total",
		Help:      "Total levels crossed",
	})

	// revocationsTotal counts revoked single achievements.
	// Labels: achievement
	revocationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ascend",
		Subsystem: "engine",
		Name:      "revocations_total",
		Help:      "Total achievements revoked",
	}, []string{"achievement"})

	// failuresTotal counts per-achievement step failures.
	// Labels: achievement, kind (catalog, conflict, storage)
	failuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ascend",
		Subsystem: "engine",
		Name:      "failures_total",
		Help:      "Total per-achievement failures",
	}, []string{"achievement", "kind"})

	// staleKeysTotal counts dedup keys discarded for lacking a ledger entry.
	staleKeysTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ascend",
		Subsystem: "engine",
		Name:      "stale_dedup_keys_total",
		Help:      "Total stale dedup keys discarded",
	})

	// repairsTotal counts progress rows rewritten by RepairXP.
	repairsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ascend",
		Subsystem: "engine",
		Name:      "xp_repairs_total",
		Help:      "Total XP accumulator corrections",
	})

	// sweepDuration measures whole sweeps.
	// Labels: interrupted (true, false)
	sweepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ascend",
		Subsystem: "sweep",
		Name:      "duration_seconds",
		Help:      "Duration of the batch sweep",
		Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
	}, []string{"interrupted"})

	// sweepUsers counts users processed by the sweep.
	// Labels: status (ok, failed)
	sweepUsers = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ascend",
		Subsystem: "sweep",
		Name:      "users_total",
		Help:      "Total users processed by the sweep",
	}, []string{"status"})
)

func scopeKind(scope shared.Scope) string {
	if scope.IsSite() {
		return "site"
	}
	return "course"
}

func recordEvaluation(scope shared.Scope, status string, d time.Duration) {
	evaluationDuration.WithLabelValues(scopeKind(scope), status).Observe(d.Seconds())
}

func observeSnapshot(d time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	snapshotDuration.WithLabelValues(status).Observe(d.Seconds())
}

func recordGrant(def achievement.Definition, scope shared.Scope, coins, xp int64) {
	grantsTotal.WithLabelValues(def.Name, scopeKind(scope)).Inc()
	coinsAwarded.Add(float64(coins))
	xpAwarded.Add(float64(xp))
}

func recordLevelUps(n int) {
	if n > 0 {
		levelUpsTotal.Add(float64(n))
	}
}

func recordRevocation(def achievement.Definition) {
	revocationsTotal.WithLabelValues(def.Name).Inc()
}

func recordFailure(def achievement.Definition, err error) {
	kind := "storage"
	switch {
	case shared.IsCatalog(err):
		kind = "catalog"
	case errors.Is(err, shared.ErrOptimisticLock):
		kind = "conflict"
	}
	failuresTotal.WithLabelValues(def.Name, kind).Inc()
}

func recordStaleKeys(n int) {
	staleKeysTotal.Add(float64(n))
}

func recordRepairs(n int) {
	repairsTotal.Add(float64(n))
}

func recordSweep(r Report) {
	interrupted := "false"
	if r.Interrupted {
		interrupted = "true"
	}
	sweepDuration.WithLabelValues(interrupted).Observe(r.Duration.Seconds())
	sweepUsers.WithLabelValues("failed").Add(float64(r.FailedUsers))
	sweepUsers.WithLabelValues("ok").Add(float64(r.Processed() - r.FailedUsers))
}
