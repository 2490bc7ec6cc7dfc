// Package eventhandler содержит обработчики входящих сигналов учебной системы.
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
// ON ACTIVITY COMPLETED HANDLER
// Учебная система сообщает, что пользователь что-то выполнил.
//
// 1. Проверка достижений в области курса
// 2. Проверка достижений в области сайта (если сигнал пришёл из курса)
// 3. Публикация события activity.completed
// ═══════════════════════════════════════════════════════════════════════════

// Evaluator - то, что умеет проверять достижения.
type Evaluator interface {
	Evaluate(ctx context.Context, user shared.UserID, scope shared.Scope) (*engine.Outcome, error)
}

// CompletedSignal - входящий сигнал о выполнении.
type CompletedSignal struct {
	UserID shared.UserID
	Scope  shared.Scope
}

// Validate проверяет сигнал.
func (s CompletedSignal) Validate() error {
	if !s.UserID.IsValid() {
		return errors.New("user_id must be positive")
	}
	if s.Scope.CourseID < 0 {
		return errors.New("course_id must not be negative")
	}
	return nil
}

// CompletedResult - итог обработки сигнала по областям.
type CompletedResult struct {
	Outcomes []*engine.Outcome
}

// Grants возвращает все выданные достижения.
func (r *CompletedResult) Grants() []engine.Grant {
	var out []engine.Grant
	for _, o := range r.Outcomes {
		out = append(out, o.Grants...)
	}
	return out
}

// OnActivityCompletedHandler обрабатывает сигнал выполнения.
type OnActivityCompletedHandler struct {
	engine Evaluator
	events shared.EventPublisher
	logger *slog.Logger
}

// NewOnActivityCompletedHandler создаёт обработчик.
func NewOnActivityCompletedHandler(eng Evaluator, events shared.EventPublisher, log *slog.Logger) *OnActivityCompletedHandler {
	if log == nil {
		log = logger.Discard()
	}
	return &OnActivityCompletedHandler{
		engine: eng,
		events: events,
		logger: log.With("handler", "on_activity_completed"),
	}
}

// Handle проверяет достижения в области сигнала, затем в области сайта.
// Ошибка области курса не мешает проверке сайта.
func (h *OnActivityCompletedHandler) Handle(ctx context.Context, sig CompletedSignal) (*CompletedResult, error) {
	if err := sig.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", shared.ErrValidation, err)
	}

	scopes := []shared.Scope{sig.Scope}
	if !sig.Scope.IsSite() {
		scopes = append(scopes, shared.SiteScope)
	}

	res := &CompletedResult{}
	var errs []error
	for _, scope := range scopes {
		out, err := h.engine.Evaluate(ctx, sig.UserID, scope)
		if err != nil {
			errs = append(errs, err)
			h.logger.WarnContext(ctx, "evaluation failed",
				logger.User(sig.UserID.Int64()),
				logger.Scope(scope.Key()),
				logger.Err(err),
			)
			continue
		}
		res.Outcomes = append(res.Outcomes, out)
	}

	if h.events != nil {
		if err := h.events.Publish(shared.NewActivityCompletedEvent(sig.UserID, sig.Scope)); err != nil {
			h.logger.WarnContext(ctx, "publish failed", logger.Err(err))
		}
	}

	if len(res.Outcomes) == 0 {
		return nil, errors.Join(errs...)
	}
	return res, nil
}
