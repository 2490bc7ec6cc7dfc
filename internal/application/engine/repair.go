package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/internal/domain/ledger"
	"github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/internal/domain/shared"
	"github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/pkg/logger"
)

// Correction is one progress row rewritten by RepairXP.
type Correction struct {
	Scope shared.Scope
	From  int64
	To    int64
}

// RepairXP recomputes every XP accumulator of the user from the ledger and
// rewrites the rows that diverge. Course rows hold the XP of grants in that
// course; the site row holds the XP of all grants. Levels are left alone.
func (e *Engine) RepairXP(ctx context.Context, user shared.UserID) ([]Correction, error) {
	if !user.IsValid() {
		return nil, shared.ErrInvalidUserID
	}

	var corrections []Correction
	err := e.inTx(ctx, user, func(ctx context.Context, tx ledger.Tx) error {
		corrections = nil
		now := e.now()

		grants, err := tx.AllGrants(ctx, user)
		if err != nil {
			return fmt.Errorf("load grants: %w", err)
		}
		rows, err := tx.AllProgress(ctx, user)
		if err != nil {
			return fmt.Errorf("load progress: %w", err)
		}

		want := make(map[shared.Scope]int64)
		var total int64
		for scope, xp := range ledger.XPByScope(grants) {
			total += xp
			if !scope.IsSite() {
				want[scope] = xp
			}
		}
		want[shared.SiteScope] = total

		have := make(map[shared.Scope]ledger.Progress, len(rows))
		for _, p := range rows {
			have[p.Scope] = p
			if _, ok := want[p.Scope]; !ok {
				want[p.Scope] = 0
			}
		}

		scopes := make([]shared.Scope, 0, len(want))
		for scope := range want {
			scopes = append(scopes, scope)
		}
		sort.Slice(scopes, func(i, j int) bool { return scopes[i].CourseID < scopes[j].CourseID })

		for _, scope := range scopes {
			p, ok := have[scope]
			if !ok {
				p = ledger.NewProgress(user, scope)
			}
			if p.XP == want[scope] {
				continue
			}
			if !ok && want[scope] == 0 {
				continue
			}
			corrections = append(corrections, Correction{Scope: scope, From: p.XP, To: want[scope]})
			p.XP = want[scope]
			p.UpdatedAt = now
			if err := tx.SaveProgress(ctx, p); err != nil {
				return fmt.Errorf("save progress %s: %w", scope, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(corrections) > 0 {
		recordRepairs(len(corrections))
		e.publish(ctx, shared.NewXPRepairedEvent(user, len(corrections)))
		e.logger.WarnContext(ctx, "xp accumulators repaired",
			logger.User(user.Int64()),
			slog.Int("corrections", len(corrections)),
		)
	}
	return corrections, nil
}
