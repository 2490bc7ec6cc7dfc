package eventhandler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/internal/application/engine"
	"github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/internal/domain/shared"
	"github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/pkg/logger"
)

// ═══════════════════════════════════════════════════════════════════════════
// ON ACTIVITY INCOMPLETE HANDLER
// Выполнение активности отменено (учитель сбросил оценку, попытка удалена).
// Одноразовые достижения, утратившие основание, отзываются.
// ═══════════════════════════════════════════════════════════════════════════

// Reconciler - то, что умеет отзывать достижения.
type Reconciler interface {
	Reconcile(ctx context.Context, user shared.UserID, scope shared.Scope, activityID int64) (*engine.Reconciliation, error)
}

// IncompleteSignal - входящий сигнал об отмене выполнения.
type IncompleteSignal struct {
	UserID     shared.UserID
	Scope      shared.Scope
	ActivityID int64
}

// Validate проверяет сигнал.
func (s IncompleteSignal) Validate() error {
	if !s.UserID.IsValid() {
		return errors.New("user_id must be positive")
	}
	if s.ActivityID <= 0 {
		return errors.New("coursemodule_id must be positive")
	}
	return nil
}

// IncompleteResult - итог сверки по областям.
type IncompleteResult struct {
	Reconciliations []*engine.Reconciliation
}

// Revoked возвращает все отозванные записи.
func (r *IncompleteResult) Revoked() []engine.Revoked {
	var out []engine.Revoked
	for _, rec := range r.Reconciliations {
		out = append(out, rec.Revoked...)
	}
	return out
}

// OnActivityIncompleteHandler обрабатывает сигнал отмены.
type OnActivityIncompleteHandler struct {
	engine Reconciler
	events shared.EventPublisher
	logger *slog.Logger
}

// NewOnActivityIncompleteHandler создаёт обработчик.
func NewOnActivityIncompleteHandler(eng Reconciler, events shared.EventPublisher, log *slog.Logger) *OnActivityIncompleteHandler {
	if log == nil {
		log = logger.Discard()
	}
	return &OnActivityIncompleteHandler{
		engine: eng,
		events: events,
		logger: log.With("handler", "on_activity_incomplete"),
	}
}

// Handle сверяет область курса, затем область сайта.
func (h *OnActivityIncompleteHandler) Handle(ctx context.Context, sig IncompleteSignal) (*IncompleteResult, error) {
	if err := sig.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", shared.ErrValidation, err)
	}

	scopes := []shared.Scope{sig.Scope}
	if !sig.Scope.IsSite() {
		scopes = append(scopes, shared.SiteScope)
	}

	res := &IncompleteResult{}
	var errs []error
	for _, scope := range scopes {
		rec, err := h.engine.Reconcile(ctx, sig.UserID, scope, sig.ActivityID)
		if err != nil {
			errs = append(errs, err)
			h.logger.WarnContext(ctx, "reconcile failed",
				logger.User(sig.UserID.Int64()),
				logger.Scope(scope.Key()),
				slog.Int64("activity_id", sig.ActivityID),
				logger.Err(err),
			)
			continue
		}
		res.Reconciliations = append(res.Reconciliations, rec)
	}

	if h.events != nil {
		if err := h.events.Publish(shared.NewActivityRevertedEvent(sig.UserID, sig.Scope, sig.ActivityID)); err != nil {
			h.logger.WarnContext(ctx, "publish failed", logger.Err(err))
		}
	}

	if len(res.Reconciliations) == 0 {
		return nil, errors.Join(errs...)
	}
	return res, nil
}
