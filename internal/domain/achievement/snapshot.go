package achievement

import (
	"sort"
	"time"

	"github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/internal/domain/shared"
)

// EarlyMargin - насколько раньше дедлайна должна быть сдача, чтобы считаться ранней.
const EarlyMargin = 24 * time.Hour

// HighGradeRatio - доля от максимальной оценки для high_achiever.
const HighGradeRatio = 0.9

// ══════════════════════════════════════════════════════════════════════════════
// SNAPSHOT
// ══════════════════════════════════════════════════════════════════════════════

// Attempt - одна оценённая попытка.
type Attempt struct {
	// Grade - полученная оценка.
	Grade float64 `json:"grade"`

	// GradedAt - время выставления оценки.
	GradedAt time.Time `json:"graded_at"`
}

// Activity - выполняемая активность (модуль курса).
type Activity struct {
	// ID - стабильный идентификатор модуля курса.
	ID int64 `json:"id"`

	// Name - отображаемое имя.
	Name string `json:"name"`

	// CompletedAt - время выполнения, nil если не выполнено.
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Deadline - срок сдачи, nil если срока нет.
	Deadline *time.Time `json:"deadline,omitempty"`

	// Gradeable - есть ли у активности элемент оценивания.
	Gradeable bool `json:"gradeable"`

	// PassGrade - проходной балл.
	PassGrade float64 `json:"pass_grade"`

	// MaxGrade - максимальный балл.
	MaxGrade float64 `json:"max_grade"`

	// Attempts - оценённые попытки.
	Attempts []Attempt `json:"attempts,omitempty"`
}

// IsCompleted сообщает, выполнена ли активность.
func (a Activity) IsCompleted() bool {
	return a.CompletedAt != nil
}

// IsEarly - выполнена не позже чем за EarlyMargin до дедлайна.
func (a Activity) IsEarly() bool {
	if a.CompletedAt == nil || a.Deadline == nil {
		return false
	}
	return a.Deadline.Sub(*a.CompletedAt) >= EarlyMargin
}

// IsOnTime - выполнена не позже дедлайна.
func (a Activity) IsOnTime() bool {
	if a.CompletedAt == nil || a.Deadline == nil {
		return false
	}
	return !a.CompletedAt.After(*a.Deadline)
}

// gradedAttempts возвращает попытки в хронологическом порядке.
func (a Activity) gradedAttempts() []Attempt {
	if !a.Gradeable || len(a.Attempts) == 0 {
		return nil
	}
	out := make([]Attempt, len(a.Attempts))
	copy(out, a.Attempts)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].GradedAt.Before(out[j].GradedAt)
	})
	return out
}

// FirstAttempt возвращает первую оценённую попытку.
func (a Activity) FirstAttempt() (Attempt, bool) {
	at := a.gradedAttempts()
	if len(at) == 0 {
		return Attempt{}, false
	}
	return at[0], true
}

// LatestAttempt возвращает последнюю оценённую попытку.
func (a Activity) LatestAttempt() (Attempt, bool) {
	at := a.gradedAttempts()
	if len(at) == 0 {
		return Attempt{}, false
	}
	return at[len(at)-1], true
}

// IsPassed - хотя бы одна попытка набрала проходной балл.
func (a Activity) IsPassed() bool {
	for _, at := range a.gradedAttempts() {
		if at.Grade >= a.PassGrade {
			return true
		}
	}
	return false
}

// IsImproved - последняя попытка лучше первой.
func (a Activity) IsImproved() bool {
	at := a.gradedAttempts()
	if len(at) < 2 {
		return false
	}
	return at[len(at)-1].Grade > at[0].Grade
}

// IsRecovered - первая попытка ниже проходного, одна из следующих - не ниже.
func (a Activity) IsRecovered() bool {
	at := a.gradedAttempts()
	if len(at) < 2 || at[0].Grade >= a.PassGrade {
		return false
	}
	for _, later := range at[1:] {
		if later.Grade >= a.PassGrade {
			return true
		}
	}
	return false
}

// Snapshot - срез активностей пользователя в области. Не сохраняется ядром.
type Snapshot struct {
	// UserID - пользователь.
	UserID shared.UserID `json:"user_id"`

	// Scope - область среза.
	Scope shared.Scope `json:"scope"`

	// Activities - все выполняемые активности области.
	Activities []Activity `json:"activities"`

	// TakenAt - момент чтения.
	TakenAt time.Time `json:"taken_at"`
}

// Total - общее количество выполняемых активностей.
func (s Snapshot) Total() int {
	return len(s.Activities)
}

// Ordered возвращает копию активностей в каноническом порядке:
// выполненные по времени выполнения, при равенстве по ID; невыполненные в конце по ID.
func (s Snapshot) Ordered() []Activity {
	out := make([]Activity, len(s.Activities))
	copy(out, s.Activities)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		switch {
		case a.CompletedAt != nil && b.CompletedAt != nil:
			if !a.CompletedAt.Equal(*b.CompletedAt) {
				return a.CompletedAt.Before(*b.CompletedAt)
			}
			return a.ID < b.ID
		case a.CompletedAt != nil:
			return true
		case b.CompletedAt != nil:
			return false
		default:
			return a.ID < b.ID
		}
	})
	return out
}

// Completed возвращает выполненные активности в каноническом порядке.
func (s Snapshot) Completed() []Activity {
	ordered := s.Ordered()
	n := 0
	for n < len(ordered) && ordered[n].CompletedAt != nil {
		n++
	}
	return ordered[:n]
}

// Find ищет активность по ID.
func (s Snapshot) Find(id int64) (Activity, bool) {
	for _, a := range s.Activities {
		if a.ID == id {
			return a, true
		}
	}
	return Activity{}, false
}
