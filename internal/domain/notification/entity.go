// Package notification содержит доменную модель уведомлений о наградах.
// Ядро только ставит уведомления в очередь; отображение и доставка внешние.
package notification

import (
	"time"

	"github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// CONSTANTS
// ══════════════════════════════════════════════════════════════════════════════

const (
	// DefaultRetention - уведомления старше этого срока отбрасываются при чтении.
	DefaultRetention = 7 * 24 * time.Hour

	// MaxActivities - сколько имён активностей хранится в одном уведомлении.
	MaxActivities = 5

	// DefaultCapacity - сколько последних уведомлений хранится на пользователя.
	DefaultCapacity = 20

	// DefaultByteBudget - предел сериализованного размера очереди.
	DefaultByteBudget = 8 * 1024
)

// ══════════════════════════════════════════════════════════════════════════════
// NOTIFICATION ITEM
// ══════════════════════════════════════════════════════════════════════════════

// Kind - тип уведомления.
type Kind string

const (
	// KindAchievement - получено достижение.
	// "🏅 Новое достижение: First Steps! +10 монет, +50 XP"
	KindAchievement Kind = "achievement"

	// KindLevelUp - повышение уровня.
	// "⬆️ Уровень повышен! Теперь ты Level 5"
	KindLevelUp Kind = "level_up"

	// KindRevoked - достижение отозвано.
	KindRevoked Kind = "revoked"
)

// Item - элемент очереди уведомлений пользователя.
type Item struct {
	// Kind - тип.
	Kind Kind `json:"kind"`

	// AchievementID - достижение (0 для level_up).
	AchievementID int `json:"achievement_id,omitempty"`

	// Name - машинное имя достижения.
	Name string `json:"name,omitempty"`

	// Coins - изменение монет.
	Coins int64 `json:"coins,omitempty"`

	// XP - изменение опыта.
	XP int64 `json:"xp,omitempty"`

	// Scope - область.
	Scope shared.Scope `json:"scope"`

	// Activities - имена активностей (не более MaxActivities).
	Activities []string `json:"activities,omitempty"`

	// RankDelta - изменение позиции в рейтинге (положительное - вверх).
	RankDelta int `json:"rank_delta,omitempty"`

	// Level - новый уровень для level_up.
	Level int `json:"level,omitempty"`

	// Tokens - начисленные жетоны для level_up.
	Tokens int `json:"tokens,omitempty"`

	// CreatedAt - время постановки в очередь.
	CreatedAt time.Time `json:"created_at"`
}

// NewAchievementItem создаёт уведомление о награде.
func NewAchievementItem(achievementID int, name string, coins, xp int64, scope shared.Scope, activities []string, now time.Time) Item {
	return Item{
		Kind:          KindAchievement,
		AchievementID: achievementID,
		Name:          name,
		Coins:         coins,
		XP:            xp,
		Scope:         scope,
		Activities:    truncate(activities, MaxActivities),
		CreatedAt:     now,
	}
}

// NewLevelUpItem создаёт уведомление о новом уровне.
func NewLevelUpItem(level, tokens int, now time.Time) Item {
	return Item{
		Kind:      KindLevelUp,
		Scope:     shared.SiteScope,
		Level:     level,
		Tokens:    tokens,
		CreatedAt: now,
	}
}

// NewRevokedItem создаёт уведомление об отзыве.
func NewRevokedItem(achievementID int, name string, xp int64, scope shared.Scope, now time.Time) Item {
	return Item{
		Kind:          KindRevoked,
		AchievementID: achievementID,
		Name:          name,
		XP:            -xp,
		Scope:         scope,
		CreatedAt:     now,
	}
}

// IsExpired проверяет срок хранения.
func (i Item) IsExpired(now time.Time, retention time.Duration) bool {
	return now.Sub(i.CreatedAt) > retention
}

func truncate(names []string, n int) []string {
	if len(names) <= n {
		out := make([]string, len(names))
		copy(out, names)
		return out
	}
	out := make([]string, n)
	copy(out, names[:n])
	return out
}
