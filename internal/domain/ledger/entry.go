// Package ledger содержит реестр наград: записи начислений и списаний,
// записи дедупликации вкладов, накопители опыта и правила уровней.
//
// Реестр - единственный источник правды для баланса монет: баланс
// вычисляется при чтении как сумма Coins по всем записям пользователя.
package ledger

import (
	"time"

	"github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// ENTRY
// ══════════════════════════════════════════════════════════════════════════════

// EntryKind - тип записи реестра.
type EntryKind string

const (
	// KindGrant - начисление за достижение.
	KindGrant EntryKind = "grant"
	// KindSpend - списание монет внешним магазином.
	KindSpend EntryKind = "spend"
)

// Entry - неизменяемая запись реестра.
type Entry struct {
	// ID - идентификатор записи (UUID).
	ID string `json:"id"`

	// UserID - пользователь.
	UserID shared.UserID `json:"user_id"`

	// AchievementID - достижение (0 для списаний).
	AchievementID int `json:"achievement_id"`

	// Scope - область начисления.
	Scope shared.Scope `json:"scope"`

	// Kind - начисление или списание.
	Kind EntryKind `json:"kind"`

	// Coins - изменение баланса монет со знаком.
	Coins int64 `json:"coins"`

	// XP - начисленный опыт с учётом множителя.
	XP int64 `json:"xp"`

	// ContributionKey - ключ вклада, за который выдана награда.
	ContributionKey string `json:"contribution_key,omitempty"`

	// Activities - имена активностей, обосновавших награду.
	Activities []string `json:"activities,omitempty"`

	// Reason - пояснение для списаний.
	Reason string `json:"reason,omitempty"`

	// CreatedAt - время записи.
	CreatedAt time.Time `json:"created_at"`
}

// NewGrantParams - параметры записи начисления.
type NewGrantParams struct {
	ID              string
	UserID          shared.UserID
	AchievementID   int
	Scope           shared.Scope
	Coins           int64
	XP              int64
	ContributionKey string
	Activities      []string
	CreatedAt       time.Time
}

// NewGrant создаёт запись начисления.
func NewGrant(p NewGrantParams) (Entry, error) {
	if !p.UserID.IsValid() {
		return Entry{}, shared.ErrInvalidUserID
	}
	if p.Coins < 0 || p.XP < 0 {
		return Entry{}, shared.ErrInvalidAmount
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	return Entry{
		ID:              p.ID,
		UserID:          p.UserID,
		AchievementID:   p.AchievementID,
		Scope:           p.Scope,
		Kind:            KindGrant,
		Coins:           p.Coins,
		XP:              p.XP,
		ContributionKey: p.ContributionKey,
		Activities:      p.Activities,
		CreatedAt:       p.CreatedAt,
	}, nil
}

// NewSpend создаёт запись списания. amount - положительное число монет.
func NewSpend(id string, user shared.UserID, amount int64, reason string, now time.Time) (Entry, error) {
	if !user.IsValid() {
		return Entry{}, shared.ErrInvalidUserID
	}
	if amount <= 0 {
		return Entry{}, shared.ErrInvalidAmount
	}
	return Entry{
		ID:        id,
		UserID:    user,
		Scope:     shared.SiteScope,
		Kind:      KindSpend,
		Coins:     -amount,
		Reason:    reason,
		CreatedAt: now,
	}, nil
}

// IsGrant сообщает, является ли запись начислением.
func (e Entry) IsGrant() bool {
	return e.Kind == KindGrant
}

// Balance - сумма монет по записям.
func Balance(entries []Entry) int64 {
	var total int64
	for _, e := range entries {
		total += e.Coins
	}
	return total
}

// XPByScope суммирует опыт начислений по областям.
func XPByScope(entries []Entry) map[shared.Scope]int64 {
	out := make(map[shared.Scope]int64)
	for _, e := range entries {
		if e.IsGrant() {
			out[e.Scope] += e.XP
		}
	}
	return out
}

// ══════════════════════════════════════════════════════════════════════════════
// REVOCATION
// ══════════════════════════════════════════════════════════════════════════════

// Revocation - запись аудита об отзыве достижения.
type Revocation struct {
	// ID - идентификатор записи (UUID).
	ID string `json:"id"`

	// EntryID - удалённая запись реестра.
	EntryID string `json:"entry_id"`

	// UserID - пользователь.
	UserID shared.UserID `json:"user_id"`

	// Scope - область.
	Scope shared.Scope `json:"scope"`

	// AchievementID - отозванное достижение.
	AchievementID int `json:"achievement_id"`

	// Coins - монеты удалённой записи.
	Coins int64 `json:"coins"`

	// XP - опыт, вычтенный из накопителей.
	XP int64 `json:"xp"`

	// Reason - почему правило больше не выполняется.
	Reason string `json:"reason"`

	// RevokedAt - время отзыва.
	RevokedAt time.Time `json:"revoked_at"`
}

// NewRevocation создаёт запись аудита для отзываемой записи.
func NewRevocation(id string, e Entry, reason string, now time.Time) Revocation {
	return Revocation{
		ID:            id,
		EntryID:       e.ID,
		UserID:        e.UserID,
		Scope:         e.Scope,
		AchievementID: e.AchievementID,
		Coins:         e.Coins,
		XP:            e.XP,
		Reason:        reason,
		RevokedAt:     now,
	}
}
