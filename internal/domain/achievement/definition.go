package achievement

import (
	"fmt"

	"github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// CATEGORY & REPEATABILITY
// ══════════════════════════════════════════════════════════════════════════════

// Category - категория достижения.
type Category string

const (
	// CategoryProgress - прохождение курса.
	CategoryProgress Category = "progress"
	// CategoryTimeliness - сдача в срок.
	CategoryTimeliness Category = "timeliness"
	// CategoryQuality - качество оценок.
	CategoryQuality Category = "quality"
	// CategoryMastery - рост оценок со временем.
	CategoryMastery Category = "mastery"
)

// IsValid проверяет категорию.
func (c Category) IsValid() bool {
	switch c {
	case CategoryProgress, CategoryTimeliness, CategoryQuality, CategoryMastery:
		return true
	}
	return false
}

// RepeatClass - класс повторяемости.
type RepeatClass string

const (
	// RepeatSingle - выдаётся один раз на область.
	RepeatSingle RepeatClass = "single"
	// RepeatBounded - выдаётся не более N раз на область.
	RepeatBounded RepeatClass = "bounded"
	// RepeatUnbounded - выдаётся за каждый новый ключ вклада.
	RepeatUnbounded RepeatClass = "unbounded"
)

// Repeat описывает повторяемость достижения.
type Repeat struct {
	// Class - класс повторяемости.
	Class RepeatClass

	// Bound - предел для RepeatBounded, иначе 0.
	Bound int
}

// Single - неповторяемое достижение.
func Single() Repeat { return Repeat{Class: RepeatSingle} }

// Bounded - достижение, повторяемое не более n раз.
func Bounded(n int) Repeat { return Repeat{Class: RepeatBounded, Bound: n} }

// Unbounded - достижение без предела повторов.
func Unbounded() Repeat { return Repeat{Class: RepeatUnbounded} }

// IsRepeatable возвращает true для bounded и unbounded.
func (r Repeat) IsRepeatable() bool {
	return r.Class != RepeatSingle
}

// Exhausted сообщает, исчерпан ли лимит при количестве уже выданных наград.
func (r Repeat) Exhausted(granted int) bool {
	switch r.Class {
	case RepeatSingle:
		return granted >= 1
	case RepeatBounded:
		return granted >= r.Bound
	default:
		return false
	}
}

// String implements fmt.Stringer.
func (r Repeat) String() string {
	if r.Class == RepeatBounded {
		return fmt.Sprintf("bounded(%d)", r.Bound)
	}
	return string(r.Class)
}

// ScopeKind - в каких областях оценивается достижение.
type ScopeKind uint8

const (
	// InSite - оценивается в области всего сайта.
	InSite ScopeKind = 1 << iota
	// InCourse - оценивается в области курса.
	InCourse

	// InAny - в обеих областях.
	InAny = InSite | InCourse
)

// Allows проверяет, разрешена ли область.
func (k ScopeKind) Allows(scope shared.Scope) bool {
	if scope.IsSite() {
		return k&InSite != 0
	}
	return k&InCourse != 0
}

// ══════════════════════════════════════════════════════════════════════════════
// DEFINITION
// ══════════════════════════════════════════════════════════════════════════════

// Definition - неизменяемое описание достижения.
type Definition struct {
	// ID - идентификатор в каталоге.
	ID int

	// Name - машинное имя (используется в уведомлениях и кэше).
	Name string

	// Title - отображаемое название.
	Title string

	// Category - категория.
	Category Category

	// Repeat - класс повторяемости.
	Repeat Repeat

	// Coins - награда в монетах.
	Coins int64

	// XP - награда в опыте (до множителя).
	XP int64

	// Scopes - разрешённые области.
	Scopes ScopeKind

	// Bases - базовые достижения для мета-достижения (пусто для обычных).
	Bases []int
}

// IsMeta возвращает true для составного достижения.
func (d Definition) IsMeta() bool {
	return len(d.Bases) > 0
}

// Validate проверяет определение без учёта остального каталога.
func (d Definition) Validate() error {
	switch {
	case d.ID <= 0:
		return fmt.Errorf("%w: id %d", shared.ErrInvalidDefinition, d.ID)
	case d.Name == "":
		return fmt.Errorf("%w: id %d has no name", shared.ErrInvalidDefinition, d.ID)
	case !d.Category.IsValid():
		return fmt.Errorf("%w: id %d category %q", shared.ErrInvalidDefinition, d.ID, d.Category)
	case d.Coins < 0 || d.XP < 0:
		return fmt.Errorf("%w: id %d negative reward", shared.ErrInvalidDefinition, d.ID)
	case d.Scopes == 0:
		return fmt.Errorf("%w: id %d allows no scope", shared.ErrInvalidDefinition, d.ID)
	}
	switch d.Repeat.Class {
	case RepeatSingle, RepeatUnbounded:
	case RepeatBounded:
		if d.Repeat.Bound <= 0 {
			return fmt.Errorf("%w: id %d bound %d", shared.ErrInvalidDefinition, d.ID, d.Repeat.Bound)
		}
	default:
		return fmt.Errorf("%w: id %d repeat %q", shared.ErrInvalidDefinition, d.ID, d.Repeat.Class)
	}
	if d.IsMeta() && d.Repeat.Class != RepeatSingle {
		return fmt.Errorf("%w: meta %d must be single", shared.ErrInvalidDefinition, d.ID)
	}
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// CATALOG
// ══════════════════════════════════════════════════════════════════════════════

// Идентификаторы каталога.
const (
	IDFirstActivity  = 1
	IDStreakOfTwo    = 2
	IDHalfway        = 3
	IDFullCompletion = 4
	IDEarlyBird      = 5
	IDDeadlineStreak = 6
	IDFirstTryAce    = 8
	IDPairedPass     = 9
	IDFeedbackLoop   = 10
	IDTenacious      = 11
	IDRecovery       = 12
	IDHighAchiever   = 13

	IDProgressMaster   = 20
	IDTimelinessMaster = 21
	IDQualityMaster    = 22
	IDMasteryMaster    = 23
)

// MetaThreshold - сколько базовых достижений нужно для мета-достижения.
const MetaThreshold = 2

// DefaultDefinitions возвращает встроенный каталог.
// Порядок важен: базовые достижения идут раньше мета-достижений.
func DefaultDefinitions() []Definition {
	return []Definition{
		{ID: IDFirstActivity, Name: "first_activity", Title: "First Steps", Category: CategoryProgress, Repeat: Single(), Coins: 10, XP: 50, Scopes: InAny},
		{ID: IDStreakOfTwo, Name: "streak_of_two", Title: "On a Roll", Category: CategoryProgress, Repeat: Unbounded(), Coins: 5, XP: 20, Scopes: InAny},
		{ID: IDHalfway, Name: "halfway", Title: "Halfway There", Category: CategoryProgress, Repeat: Single(), Coins: 25, XP: 100, Scopes: InCourse},
		{ID: IDFullCompletion, Name: "full_completion", Title: "Course Finisher", Category: CategoryProgress, Repeat: Single(), Coins: 50, XP: 250, Scopes: InCourse},
		{ID: IDEarlyBird, Name: "early_bird", Title: "Early Bird", Category: CategoryTimeliness, Repeat: Unbounded(), Coins: 5, XP: 25, Scopes: InAny},
		{ID: IDDeadlineStreak, Name: "deadline_streak", Title: "Deadline Keeper", Category: CategoryTimeliness, Repeat: Unbounded(), Coins: 5, XP: 25, Scopes: InCourse},
		{ID: IDFirstTryAce, Name: "first_try_ace", Title: "First Try Ace", Category: CategoryQuality, Repeat: Single(), Coins: 30, XP: 150, Scopes: InCourse},
		{ID: IDPairedPass, Name: "paired_pass", Title: "Double Pass", Category: CategoryQuality, Repeat: Unbounded(), Coins: 10, XP: 40, Scopes: InCourse},
		{ID: IDFeedbackLoop, Name: "feedback_loop", Title: "Feedback Loop", Category: CategoryMastery, Repeat: Unbounded(), Coins: 5, XP: 30, Scopes: InCourse},
		{ID: IDTenacious, Name: "tenacious", Title: "Tenacious", Category: CategoryMastery, Repeat: Single(), Coins: 20, XP: 100, Scopes: InCourse},
		{ID: IDRecovery, Name: "recovery", Title: "Comeback", Category: CategoryMastery, Repeat: Unbounded(), Coins: 10, XP: 50, Scopes: InCourse},
		{ID: IDHighAchiever, Name: "high_achiever", Title: "High Achiever", Category: CategoryQuality, Repeat: Bounded(3), Coins: 15, XP: 75, Scopes: InCourse},

		{ID: IDProgressMaster, Name: "progress_master", Title: "Progress Master", Category: CategoryProgress, Repeat: Single(), Coins: 50, XP: 200, Scopes: InCourse, Bases: []int{IDFirstActivity, IDHalfway, IDFullCompletion}},
		{ID: IDTimelinessMaster, Name: "timeliness_master", Title: "Always On Time", Category: CategoryTimeliness, Repeat: Single(), Coins: 50, XP: 200, Scopes: InCourse, Bases: []int{IDEarlyBird, IDDeadlineStreak}},
		{ID: IDQualityMaster, Name: "quality_master", Title: "Quality Master", Category: CategoryQuality, Repeat: Single(), Coins: 50, XP: 200, Scopes: InCourse, Bases: []int{IDFirstTryAce, IDPairedPass, IDHighAchiever}},
		{ID: IDMasteryMaster, Name: "mastery_master", Title: "Growth Mindset", Category: CategoryMastery, Repeat: Single(), Coins: 50, XP: 200, Scopes: InCourse, Bases: []int{IDFeedbackLoop, IDTenacious, IDRecovery}},
	}
}
