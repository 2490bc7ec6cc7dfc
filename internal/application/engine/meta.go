package engine

import (
	"context"
	"fmt"

	"github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/internal/domain/achievement"
	"github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/internal/domain/ledger"
	"github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/internal/domain/shared"
)

// Resolve checks a meta achievement against the user's current ledger grants
// in scope, without writing anything.
func (e *Engine) Resolve(ctx context.Context, user shared.UserID, scope shared.Scope, meta achievement.Definition) (achievement.Result, error) {
	rule, err := e.registry.MetaRuleFor(meta)
	if err != nil {
		return achievement.Result{}, err
	}

	var res achievement.Result
	err = e.store.WithinTx(ctx, user, func(ctx context.Context, tx ledger.Tx) error {
		var err error
		res, err = resolveIn(ctx, tx, user, scope, rule)
		return err
	})
	return res, err
}

// metaJudge resolves the rule inside the grant transaction, so bases granted
// earlier in the same pass are counted.
func (e *Engine) metaJudge(user shared.UserID, scope shared.Scope, rule achievement.MetaRule) judgeFunc {
	return func(ctx context.Context, tx ledger.Tx, rec ledger.DedupRecord) (achievement.Contribution, string, bool, error) {
		res, err := resolveIn(ctx, tx, user, scope, rule)
		if err != nil {
			return achievement.Contribution{}, "", false, err
		}
		if !res.Qualifies() {
			return achievement.Contribution{}, SkipNotQualified, false, nil
		}
		c, ok := res.FirstNew(rec.Has)
		if !ok {
			return achievement.Contribution{}, SkipNoNewKey, false, nil
		}
		return c, "", true, nil
	}
}

// resolveIn counts distinct bases with at least one grant in scope.
func resolveIn(ctx context.Context, tx ledger.Tx, user shared.UserID, scope shared.Scope, rule achievement.MetaRule) (achievement.Result, error) {
	held := make(map[int]bool, len(rule.Bases))
	for _, base := range rule.Bases {
		grants, err := tx.Grants(ctx, user, scope, base.ID)
		if err != nil {
			return achievement.Result{}, fmt.Errorf("load grants for base %d: %w", base.ID, err)
		}
		held[base.ID] = len(grants) > 0
	}
	return rule.Resolve(func(id int) bool { return held[id] }), nil
}
