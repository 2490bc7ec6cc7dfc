package ledger

import (
	"time"

	"github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// EXPERIENCE ACCUMULATOR
// ══════════════════════════════════════════════════════════════════════════════

// Progress - накопитель опыта для (user, scope).
// Для области сайта также хранит уровень и жетоны.
type Progress struct {
	// UserID - пользователь.
	UserID shared.UserID `json:"user_id"`

	// Scope - область (SiteScope для сайта).
	Scope shared.Scope `json:"scope"`

	// XP - накопленный опыт. Уменьшается только при отзыве.
	XP int64 `json:"xp"`

	// Level - сохранённый уровень (только для сайта). Никогда не уменьшается.
	Level int `json:"level"`

	// Tokens - жетоны разблокировки (только для сайта).
	Tokens int `json:"tokens"`

	// UpdatedAt - время последнего изменения.
	UpdatedAt time.Time `json:"updated_at"`
}

// NewProgress создаёт пустой накопитель.
func NewProgress(user shared.UserID, scope shared.Scope) Progress {
	return Progress{UserID: user, Scope: scope}
}

// AddXP увеличивает опыт. Отрицательные значения игнорируются.
func (p *Progress) AddXP(xp int64, now time.Time) {
	if xp <= 0 {
		return
	}
	p.XP += xp
	p.UpdatedAt = now
}

// SubtractXP уменьшает опыт при отзыве, не опускаясь ниже нуля.
func (p *Progress) SubtractXP(xp int64, now time.Time) {
	if xp <= 0 {
		return
	}
	p.XP -= xp
	if p.XP < 0 {
		p.XP = 0
	}
	p.UpdatedAt = now
}

// ══════════════════════════════════════════════════════════════════════════════
// MULTIPLIER
// ══════════════════════════════════════════════════════════════════════════════

// Multiplier - временный множитель опыта.
type Multiplier struct {
	// Factor - множитель (обычно 2).
	Factor int64 `json:"factor"`

	// ExpiresAt - время окончания действия.
	ExpiresAt time.Time `json:"expires_at"`
}

// Active сообщает, действует ли множитель.
func (m Multiplier) Active(now time.Time) bool {
	return m.Factor > 1 && now.Before(m.ExpiresAt)
}

// Apply возвращает опыт с учётом множителя.
func (m Multiplier) Apply(xp int64, now time.Time) int64 {
	if !m.Active(now) {
		return xp
	}
	return xp * m.Factor
}

// ══════════════════════════════════════════════════════════════════════════════
// LEVELS & TOKENS
// ══════════════════════════════════════════════════════════════════════════════

// LevelPolicy - правила уровней.
type LevelPolicy struct {
	// XPPerLevel - опыт на один уровень.
	XPPerLevel int64

	// MaxLevel - максимальный уровень.
	MaxLevel int

	// TokensPerLevel - жетоны за каждый пройденный уровень.
	TokensPerLevel int
}

// DefaultLevelPolicy - значения по умолчанию.
func DefaultLevelPolicy() LevelPolicy {
	return LevelPolicy{XPPerLevel: 1000, MaxLevel: 10, TokensPerLevel: 1}
}

// LevelFor = min(MaxLevel, floor(xp / XPPerLevel)).
func (p LevelPolicy) LevelFor(xp int64) int {
	if p.XPPerLevel <= 0 || xp <= 0 {
		return 0
	}
	level := xp / p.XPPerLevel
	if level > int64(p.MaxLevel) {
		return p.MaxLevel
	}
	return int(level)
}

// LevelChange - результат пересчёта уровня.
type LevelChange struct {
	From    int
	To      int
	Crossed []int
	Tokens  int
}

// Changed сообщает, был ли пройден хотя бы один уровень.
func (c LevelChange) Changed() bool {
	return len(c.Crossed) > 0
}

// Advance пересчитывает уровень сайта. Уровень только растёт,
// жетоны начисляются за каждый пройденный уровень.
func (p LevelPolicy) Advance(site *Progress, now time.Time) LevelChange {
	change := LevelChange{From: site.Level, To: site.Level}
	next := p.LevelFor(site.XP)
	if next <= site.Level {
		return change
	}
	for lvl := site.Level + 1; lvl <= next; lvl++ {
		change.Crossed = append(change.Crossed, lvl)
	}
	change.To = next
	change.Tokens = len(change.Crossed) * p.TokensPerLevel
	site.Level = next
	site.Tokens += change.Tokens
	site.UpdatedAt = now
	return change
}
