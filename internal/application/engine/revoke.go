package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/internal/domain/achievement"
	"github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/internal/domain/ledger"
	"github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/internal/domain/notification"
	"github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/internal/domain/shared"
	"github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// REVOCATION
// Single achievements are re-checked in raw mode after an activity becomes
// incomplete. Repeatable grants are never taken back.
// ══════════════════════════════════════════════════════════════════════════════

// Revoked is one ledger entry removed by the reconciler.
type Revoked struct {
	AchievementID int
	EntryID       string
	Scope         shared.Scope
	Coins         int64
	XP            int64
	Reason        string
}

// Reconciliation is the result of one reconcile pass.
type Reconciliation struct {
	UserID     shared.UserID
	Scope      shared.Scope
	ActivityID int64
	Revoked    []Revoked
	Failures   []Failure
	Duration   time.Duration
}

// Reconcile revokes single achievements in scope whose evidence no longer
// holds. activityID is the activity that became incomplete and is used for
// logging and events only; every held single grant is re-checked.
func (e *Engine) Reconcile(ctx context.Context, user shared.UserID, scope shared.Scope, activityID int64) (*Reconciliation, error) {
	start := time.Now()
	if !user.IsValid() {
		return nil, shared.ErrInvalidUserID
	}

	rec := &Reconciliation{UserID: user, Scope: scope, ActivityID: activityID}
	if !e.cfg.RevocationEnabled {
		return rec, nil
	}

	snap, err := e.readSnapshot(ctx, user, scope)
	if err != nil {
		return nil, fmt.Errorf("reconcile %s for user %d: %w", scope, user, err)
	}

	var held []ledger.Entry
	err = e.store.WithinTx(ctx, user, func(ctx context.Context, tx ledger.Tx) error {
		var err error
		held, err = tx.GrantsInScope(ctx, user, scope)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("reconcile %s for user %d: list grants: %w", scope, user, err)
	}

	var metas []ledger.Entry
	for _, entry := range held {
		def, err := e.registry.Definition(entry.AchievementID)
		if err != nil {
			e.logger.WarnContext(ctx, "ledger entry references unknown achievement",
				logger.User(user.Int64()),
				logger.Achievement(entry.AchievementID),
			)
			continue
		}
		if def.Repeat.IsRepeatable() {
			continue
		}
		if def.IsMeta() {
			metas = append(metas, entry)
			continue
		}

		eval, err := e.registry.Evaluator(def.ID)
		if err != nil {
			rec.Failures = append(rec.Failures, Failure{AchievementID: def.ID, Err: err})
			continue
		}
		res := eval.Evaluate(snap, achievement.DedupView{})
		if res.Qualifies() {
			continue
		}
		e.revoke(ctx, rec, def, entry, revocationReason(res), func(context.Context, ledger.Tx) (bool, error) {
			return true, nil
		})
	}

	if e.cfg.MetaEnabled {
		for _, entry := range metas {
			def, _ := e.registry.Definition(entry.AchievementID)
			rule, err := e.registry.MetaRuleFor(def)
			if err != nil {
				rec.Failures = append(rec.Failures, Failure{AchievementID: def.ID, Err: err})
				continue
			}
			e.revoke(ctx, rec, def, entry, "bases no longer held", func(ctx context.Context, tx ledger.Tx) (bool, error) {
				res, err := resolveIn(ctx, tx, user, scope, rule)
				if err != nil {
					return false, err
				}
				return !res.Qualifies(), nil
			})
		}
	}

	rec.Duration = time.Since(start)
	if len(rec.Revoked) > 0 || len(rec.Failures) > 0 {
		e.logger.InfoContext(ctx, "reconcile finished",
			logger.User(user.Int64()),
			logger.Scope(scope.Key()),
			slog.Int64("activity_id", activityID),
			slog.Int("revoked", len(rec.Revoked)),
			slog.Int("failures", len(rec.Failures)),
			logger.Latency(rec.Duration),
		)
	}
	return rec, nil
}

// revoke removes entry in one transaction when still returns true. The scope
// and site XP are reduced; level and tokens are kept.
func (e *Engine) revoke(
	ctx context.Context,
	rec *Reconciliation,
	def achievement.Definition,
	entry ledger.Entry,
	reason string,
	still func(ctx context.Context, tx ledger.Tx) (bool, error),
) {
	var (
		done   bool
		siteXP int64
	)
	err := e.inTx(ctx, rec.UserID, func(ctx context.Context, tx ledger.Tx) error {
		done, siteXP = false, 0
		now := e.now()

		ok, err := still(ctx, tx)
		if err != nil || !ok {
			return err
		}

		if err := tx.Delete(ctx, entry.ID); err != nil {
			if errors.Is(err, shared.ErrEntryNotFound) {
				return nil
			}
			return fmt.Errorf("delete entry: %w", err)
		}

		if !entry.Scope.IsSite() {
			p, err := tx.Progress(ctx, rec.UserID, entry.Scope)
			if err != nil {
				return fmt.Errorf("load scope progress: %w", err)
			}
			p.SubtractXP(entry.XP, now)
			if err := tx.SaveProgress(ctx, p); err != nil {
				return fmt.Errorf("save scope progress: %w", err)
			}
		}
		site, err := tx.Progress(ctx, rec.UserID, shared.SiteScope)
		if err != nil {
			return fmt.Errorf("load site progress: %w", err)
		}
		site.SubtractXP(entry.XP, now)
		if err := tx.SaveProgress(ctx, site); err != nil {
			return fmt.Errorf("save site progress: %w", err)
		}

		if err := tx.DeleteDedup(ctx, rec.UserID, entry.Scope, entry.AchievementID); err != nil {
			return fmt.Errorf("delete dedup: %w", err)
		}
		if err := tx.RecordRevocation(ctx, ledger.NewRevocation(e.newID(), entry, reason, now)); err != nil {
			return fmt.Errorf("record revocation: %w", err)
		}

		done, siteXP = true, site.XP
		return nil
	})
	if err != nil {
		rec.Failures = append(rec.Failures, Failure{AchievementID: def.ID, Err: err})
		recordFailure(def, err)
		e.logger.ErrorContext(ctx, "revocation failed",
			logger.User(rec.UserID.Int64()),
			logger.Achievement(def.ID),
			logger.Err(err),
		)
		return
	}
	if !done {
		return
	}

	rec.Revoked = append(rec.Revoked, Revoked{
		AchievementID: def.ID,
		EntryID:       entry.ID,
		Scope:         entry.Scope,
		Coins:         entry.Coins,
		XP:            entry.XP,
		Reason:        reason,
	})

	if e.cache != nil {
		if err := e.cache.Drop(ctx, rec.UserID, entry.Scope, def.ID); err != nil {
			e.logger.WarnContext(ctx, "activity cache drop failed",
				logger.User(rec.UserID.Int64()),
				logger.Achievement(def.ID),
				logger.Err(err),
			)
		}
	}
	e.updateRank(ctx, rec.UserID, siteXP)
	e.enqueue(ctx, rec.UserID, notification.NewRevokedItem(def.ID, def.Title, entry.XP, entry.Scope, e.now()))
	e.publish(ctx, shared.NewAchievementRevokedEvent(rec.UserID, entry.Scope, def.ID, entry.XP, reason))
	recordRevocation(def)

	e.logger.InfoContext(ctx, "achievement revoked",
		logger.User(rec.UserID.Int64()),
		logger.Scope(entry.Scope.Key()),
		logger.Achievement(def.ID),
		slog.String("reason", reason),
	)
}

func revocationReason(res achievement.Result) string {
	if res.Reason != "" {
		return res.Reason
	}
	return res.Status.String()
}
