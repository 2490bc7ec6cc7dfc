// Package query contains read operations (CQRS - Queries).
package query

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/internal/domain/ledger"
	"github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// GET WALLET QUERY
// Баланс монет, опыт, уровень и жетоны пользователя.
// Баланс всегда считается по реестру в момент чтения.
// ══════════════════════════════════════════════════════════════════════════════

// GetWalletQuery содержит параметры запроса.
type GetWalletQuery struct {
	// UserID - пользователь.
	UserID shared.UserID

	// IncludeCourses - добавить опыт по курсам.
	IncludeCourses bool
}

// Validate проверяет корректность параметров запроса.
func (q GetWalletQuery) Validate() error {
	if !q.UserID.IsValid() {
		return errors.New("user_id must be positive")
	}
	return nil
}

// CourseXPDTO - опыт в одном курсе.
type CourseXPDTO struct {
	CourseID int64 `json:"course_id"`
	XP       int64 `json:"xp"`
}

// WalletDTO - ответ запроса.
type WalletDTO struct {
	UserID  int64         `json:"user_id"`
	Coins   int64         `json:"coins"`
	XP      int64         `json:"xp"`
	Level   int           `json:"level"`
	Tokens  int           `json:"tokens"`
	Grants  int           `json:"grants"`
	Courses []CourseXPDTO `json:"courses,omitempty"`
}

// GetWalletHandler обрабатывает запрос.
type GetWalletHandler struct {
	reader ledger.Reader
}

// NewGetWalletHandler создаёт обработчик.
func NewGetWalletHandler(reader ledger.Reader) *GetWalletHandler {
	return &GetWalletHandler{reader: reader}
}

// Handle выполняет запрос.
func (h *GetWalletHandler) Handle(ctx context.Context, q GetWalletQuery) (*WalletDTO, error) {
	if err := q.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", shared.ErrValidation, err)
	}

	entries, err := h.reader.Entries(ctx, q.UserID)
	if err != nil {
		return nil, fmt.Errorf("get_wallet: entries: %w", err)
	}
	site, err := h.reader.ProgressOf(ctx, q.UserID, shared.SiteScope)
	if err != nil {
		return nil, fmt.Errorf("get_wallet: progress: %w", err)
	}

	dto := &WalletDTO{
		UserID: q.UserID.Int64(),
		Coins:  ledger.Balance(entries),
		XP:     site.XP,
		Level:  site.Level,
		Tokens: site.Tokens,
	}
	for _, e := range entries {
		if e.IsGrant() {
			dto.Grants++
		}
	}

	if q.IncludeCourses {
		for scope := range ledger.XPByScope(entries) {
			if scope.IsSite() {
				continue
			}
			p, err := h.reader.ProgressOf(ctx, q.UserID, scope)
			if err != nil {
				return nil, fmt.Errorf("get_wallet: progress %s: %w", scope, err)
			}
			dto.Courses = append(dto.Courses, CourseXPDTO{CourseID: scope.CourseID, XP: p.XP})
		}
		sort.Slice(dto.Courses, func(i, j int) bool { return dto.Courses[i].CourseID < dto.Courses[j].CourseID })
	}
	return dto, nil
}
