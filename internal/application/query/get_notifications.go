package query

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/internal/domain/notification"
	"github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// GET NOTIFICATIONS QUERY
// Непрочитанные уведомления пользователя. Просроченные отбрасываются при чтении.
// ══════════════════════════════════════════════════════════════════════════════

// GetNotificationsQuery содержит параметры запроса.
type GetNotificationsQuery struct {
	// UserID - пользователь.
	UserID shared.UserID

	// Consume - очистить очередь после чтения (показ модального окна).
	Consume bool
}

// Validate проверяет корректность параметров запроса.
func (q GetNotificationsQuery) Validate() error {
	if !q.UserID.IsValid() {
		return errors.New("user_id must be positive")
	}
	return nil
}

// NotificationDTO - одно уведомление.
type NotificationDTO struct {
	Kind          string    `json:"kind"`
	AchievementID int       `json:"achievement_id,omitempty"`
	Name          string    `json:"name,omitempty"`
	Coins         int64     `json:"coins,omitempty"`
	XP            int64     `json:"xp,omitempty"`
	CourseID      int64     `json:"course_id,omitempty"`
	Activities    []string  `json:"activities,omitempty"`
	RankDelta     int       `json:"rank_delta,omitempty"`
	Level         int       `json:"level,omitempty"`
	Tokens        int       `json:"tokens,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// GetNotificationsHandler обрабатывает запрос.
type GetNotificationsHandler struct {
	store notification.Store
}

// NewGetNotificationsHandler создаёт обработчик.
func NewGetNotificationsHandler(store notification.Store) *GetNotificationsHandler {
	return &GetNotificationsHandler{store: store}
}

// Handle выполняет запрос.
func (h *GetNotificationsHandler) Handle(ctx context.Context, q GetNotificationsQuery) ([]NotificationDTO, error) {
	if err := q.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", shared.ErrValidation, err)
	}

	items, err := h.store.Pending(ctx, q.UserID)
	if err != nil {
		return nil, fmt.Errorf("get_notifications: %w", err)
	}
	if q.Consume && len(items) > 0 {
		if err := h.store.Clear(ctx, q.UserID); err != nil {
			return nil, fmt.Errorf("get_notifications: clear: %w", err)
		}
	}

	out := make([]NotificationDTO, 0, len(items))
	for _, it := range items {
		out = append(out, NotificationDTO{
			Kind:          string(it.Kind),
			AchievementID: it.AchievementID,
			Name:          it.Name,
			Coins:         it.Coins,
			XP:            it.XP,
			CourseID:      it.Scope.CourseID,
			Activities:    it.Activities,
			RankDelta:     it.RankDelta,
			Level:         it.Level,
			Tokens:        it.Tokens,
			CreatedAt:     it.CreatedAt,
		})
	}
	return out, nil
}
