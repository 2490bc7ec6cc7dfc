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
// QUALIFICATION
// Flow: Read Snapshot → Base Rules (catalog order) → Meta Rules →
//
//	per grant: Lock User → Re-read Dedup → Append Ledger → Bump XP →
//	Save Dedup → Advance Level → Commit → Cache / Notify / Rank / Publish
// ══════════════════════════════════════════════════════════════════════════════

// Skip reasons.
const (
	SkipAlreadyGranted = "already_granted"
	SkipBoundReached   = "bound_reached"
	SkipNotQualified   = "not_qualified"
	SkipNotEvaluable   = "not_evaluable"
	SkipNoNewKey       = "no_new_contribution"
	SkipConcurrent     = "granted_concurrently"
)

// Grant is one committed award.
type Grant struct {
	AchievementID int
	Name          string
	Scope         shared.Scope
	EntryID       string
	Key           string
	Activities    []string
	Coins         int64
	XP            int64
	SiteXP        int64
	Level         ledger.LevelChange
	RankDelta     int
}

// Skip records why an achievement was not granted in this pass.
type Skip struct {
	AchievementID int
	Reason        string
}

// Failure records a per-achievement error. The pass continues past it.
type Failure struct {
	AchievementID int
	Err           error
}

// Outcome is the result of one evaluation pass.
type Outcome struct {
	UserID   shared.UserID
	Scope    shared.Scope
	Grants   []Grant
	Skipped  []Skip
	Failures []Failure
	Duration time.Duration
}

// Granted reports whether the pass awarded the achievement.
func (o *Outcome) Granted(achievementID int) bool {
	for _, g := range o.Grants {
		if g.AchievementID == achievementID {
			return true
		}
	}
	return false
}

// Err joins the per-achievement failures.
func (o *Outcome) Err() error {
	errs := make([]error, 0, len(o.Failures))
	for _, f := range o.Failures {
		errs = append(errs, fmt.Errorf("achievement %d: %w", f.AchievementID, f.Err))
	}
	return errors.Join(errs...)
}

// judgeFunc decides inside the transaction which contribution to grant.
// ok=false with a reason means skip; an error aborts the transaction.
type judgeFunc func(ctx context.Context, tx ledger.Tx, rec ledger.DedupRecord) (c achievement.Contribution, reason string, ok bool, err error)

// Evaluate runs one qualification pass for user in scope.
// It returns an error only when the pass could not start (invalid user or
// snapshot failure); per-achievement problems are reported in the Outcome.
func (e *Engine) Evaluate(ctx context.Context, user shared.UserID, scope shared.Scope) (*Outcome, error) {
	start := time.Now()
	if !user.IsValid() {
		return nil, shared.ErrInvalidUserID
	}

	log := e.logger.With(logger.User(user.Int64()), logger.Scope(scope.Key()))

	snap, err := e.readSnapshot(ctx, user, scope)
	if err != nil {
		recordEvaluation(scope, "snapshot_failed", time.Since(start))
		log.WarnContext(ctx, "evaluation aborted", logger.Err(err))
		return nil, fmt.Errorf("evaluate %s for user %d: %w", scope, user, err)
	}

	out := &Outcome{UserID: user, Scope: scope}

	for _, def := range e.registry.Bases() {
		if !def.Scopes.Allows(scope) {
			continue
		}
		eval, err := e.registry.Evaluator(def.ID)
		if err != nil {
			e.fail(ctx, out, def, err)
			continue
		}
		e.attempt(ctx, out, def, e.baseJudge(snap, def, eval))
	}

	if e.cfg.MetaEnabled {
		for _, meta := range e.registry.Metas() {
			if !meta.Scopes.Allows(scope) {
				continue
			}
			rule, err := e.registry.MetaRuleFor(meta)
			if err != nil {
				e.fail(ctx, out, meta, err)
				continue
			}
			e.attempt(ctx, out, meta, e.metaJudge(user, scope, rule))
		}
	}

	out.Duration = time.Since(start)
	status := "ok"
	if len(out.Failures) > 0 {
		status = "partial"
	}
	recordEvaluation(scope, status, out.Duration)

	log.DebugContext(ctx, "evaluation finished",
		slog.Int("grants", len(out.Grants)),
		slog.Int("skipped", len(out.Skipped)),
		slog.Int("failures", len(out.Failures)),
		logger.Latency(out.Duration),
	)
	return out, nil
}

// baseJudge evaluates a base rule against the dedup view read inside the transaction.
func (e *Engine) baseJudge(snap achievement.Snapshot, def achievement.Definition, eval achievement.Evaluator) judgeFunc {
	return func(_ context.Context, _ ledger.Tx, rec ledger.DedupRecord) (achievement.Contribution, string, bool, error) {
		res := eval.Evaluate(snap, rec.View())
		switch res.Status {
		case achievement.NotEvaluable:
			return achievement.Contribution{}, SkipNotEvaluable, false, nil
		case achievement.NotQualified:
			return achievement.Contribution{}, SkipNotQualified, false, nil
		}
		fresh := rec.NewKeys(res.Keys())
		if len(fresh) == 0 {
			return achievement.Contribution{}, SkipNoNewKey, false, nil
		}
		c, _ := res.Find(fresh[0])
		return c, "", true, nil
	}
}

// attempt runs the grant step for one definition and records the result in out.
func (e *Engine) attempt(ctx context.Context, out *Outcome, def achievement.Definition, judge judgeFunc) {
	log := e.logger.With(
		logger.User(out.UserID.Int64()),
		logger.Scope(out.Scope.Key()),
		logger.Achievement(def.ID),
	)

	var (
		grant    Grant
		reason   string
		stale    []string
		restored []string
	)

	err := e.inTx(ctx, out.UserID, func(ctx context.Context, tx ledger.Tx) error {
		grant, reason, stale, restored = Grant{}, "", nil, nil
		now := e.now()

		grants, err := tx.Grants(ctx, out.UserID, out.Scope, def.ID)
		if err != nil {
			return fmt.Errorf("load grants: %w", err)
		}
		if def.Repeat.Exhausted(len(grants)) {
			if def.Repeat.Class == achievement.RepeatBounded {
				reason = SkipBoundReached
			} else {
				reason = SkipAlreadyGranted
			}
			return nil
		}

		rec, err := tx.Dedup(ctx, out.UserID, out.Scope, def.ID)
		if err != nil {
			return fmt.Errorf("load dedup: %w", err)
		}
		stale, restored = rec.Reconcile(grants)

		c, why, ok, err := judge(ctx, tx, rec)
		if err != nil {
			return err
		}
		if !ok {
			reason = why
			if len(stale) > 0 || len(restored) > 0 {
				if _, err := tx.SaveDedup(ctx, rec); err != nil {
					return fmt.Errorf("save reconciled dedup: %w", err)
				}
			}
			return nil
		}

		mult, err := tx.Multiplier(ctx, out.UserID)
		if err != nil {
			return fmt.Errorf("load multiplier: %w", err)
		}
		xp := mult.Apply(def.XP, now)

		entry, err := ledger.NewGrant(ledger.NewGrantParams{
			ID:              e.newID(),
			UserID:          out.UserID,
			AchievementID:   def.ID,
			Scope:           out.Scope,
			Coins:           def.Coins,
			XP:              xp,
			ContributionKey: c.Key,
			Activities:      c.Activities,
			CreatedAt:       now,
		})
		if err != nil {
			return err
		}
		if err := tx.Append(ctx, entry); err != nil {
			if errors.Is(err, shared.ErrAlreadyGranted) {
				reason = SkipConcurrent
				return errSkipGrant
			}
			return fmt.Errorf("append ledger entry: %w", err)
		}

		site, err := e.bumpXP(ctx, tx, out.UserID, out.Scope, xp, now)
		if err != nil {
			return err
		}

		rec.Add(c.Key)
		if _, err := tx.SaveDedup(ctx, rec); err != nil {
			return err
		}

		change := e.cfg.Levels.Advance(&site, now)
		if err := tx.SaveProgress(ctx, site); err != nil {
			return fmt.Errorf("save site progress: %w", err)
		}

		grant = Grant{
			AchievementID: def.ID,
			Name:          def.Name,
			Scope:         out.Scope,
			EntryID:       entry.ID,
			Key:           c.Key,
			Activities:    c.Activities,
			Coins:         def.Coins,
			XP:            xp,
			SiteXP:        site.XP,
			Level:         change,
		}
		return nil
	})

	if len(stale) > 0 {
		log.WarnContext(ctx, "discarded stale dedup keys", slog.Any("keys", stale))
		recordStaleKeys(len(stale))
	}
	if len(restored) > 0 {
		log.WarnContext(ctx, "restored dedup keys missing for ledger grants", slog.Any("keys", restored))
	}

	switch {
	case errors.Is(err, errSkipGrant):
		out.Skipped = append(out.Skipped, Skip{AchievementID: def.ID, Reason: reason})
		return
	case err != nil:
		e.fail(ctx, out, def, err)
		return
	case grant.EntryID == "":
		out.Skipped = append(out.Skipped, Skip{AchievementID: def.ID, Reason: reason})
		return
	}

	e.afterGrant(ctx, out.UserID, &grant, def)
	out.Grants = append(out.Grants, grant)

	log.InfoContext(ctx, "achievement granted",
		logger.Key(grant.Key),
		slog.Int64("coins", grant.Coins),
		slog.Int64("xp", grant.XP),
		slog.Int("level", grant.Level.To),
	)
}

// errSkipGrant rolls back the transaction without counting as a failure.
var errSkipGrant = errors.New("engine: grant skipped")

// bumpXP adds xp to the scope row and the site row and returns the site row
// unsaved, so the caller can advance the level before writing it.
func (e *Engine) bumpXP(ctx context.Context, tx ledger.Tx, user shared.UserID, scope shared.Scope, xp int64, now time.Time) (ledger.Progress, error) {
	if !scope.IsSite() {
		p, err := tx.Progress(ctx, user, scope)
		if err != nil {
			return ledger.Progress{}, fmt.Errorf("load scope progress: %w", err)
		}
		p.AddXP(xp, now)
		if err := tx.SaveProgress(ctx, p); err != nil {
			return ledger.Progress{}, fmt.Errorf("save scope progress: %w", err)
		}
	}

	site, err := tx.Progress(ctx, user, shared.SiteScope)
	if err != nil {
		return ledger.Progress{}, fmt.Errorf("load site progress: %w", err)
	}
	site.AddXP(xp, now)
	return site, nil
}

// afterGrant runs the post-commit side effects. None of them can undo the grant.
func (e *Engine) afterGrant(ctx context.Context, user shared.UserID, g *Grant, def achievement.Definition) {
	if e.cache != nil {
		if err := e.cache.Put(ctx, user, g.Scope, g.AchievementID, g.Activities); err != nil {
			e.logger.WarnContext(ctx, "activity cache write failed",
				logger.User(user.Int64()),
				logger.Achievement(g.AchievementID),
				logger.Err(err),
			)
		}
	}

	g.RankDelta = e.updateRank(ctx, user, g.SiteXP)

	now := e.now()
	item := notification.NewAchievementItem(def.ID, def.Title, g.Coins, g.XP, g.Scope, g.Activities, now)
	item.RankDelta = g.RankDelta
	items := []notification.Item{item}
	events := []shared.Event{shared.NewAchievementGrantedEvent(user, g.Scope, g.AchievementID, g.Coins, g.XP, g.Key)}

	prev := g.Level.From
	for _, lvl := range g.Level.Crossed {
		items = append(items, notification.NewLevelUpItem(lvl, e.cfg.Levels.TokensPerLevel, now))
		events = append(events, shared.NewLevelUpEvent(user, prev, lvl, e.cfg.Levels.TokensPerLevel))
		prev = lvl
	}
	e.enqueue(ctx, user, items...)
	e.publish(ctx, events...)

	recordGrant(def, g.Scope, g.Coins, g.XP)
	recordLevelUps(len(g.Level.Crossed))
}

// fail logs and records a per-achievement failure.
func (e *Engine) fail(ctx context.Context, out *Outcome, def achievement.Definition, err error) {
	out.Failures = append(out.Failures, Failure{AchievementID: def.ID, Err: err})
	recordFailure(def, err)
	e.logger.ErrorContext(ctx, "achievement step failed",
		logger.User(out.UserID.Int64()),
		logger.Scope(out.Scope.Key()),
		logger.Achievement(def.ID),
		logger.Err(err),
	)
}
