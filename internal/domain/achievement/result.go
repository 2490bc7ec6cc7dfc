package achievement

import (
	"strconv"
)

// Status - исход проверки правила.
type Status int

const (
	// NotQualified - условие не выполнено.
	NotQualified Status = iota
	// Qualified - условие выполнено.
	Qualified
	// NotEvaluable - правило неприменимо к срезу (например, нет оценок).
	NotEvaluable
)

// String implements fmt.Stringer.
func (s Status) String() string {
	switch s {
	case Qualified:
		return "qualified"
	case NotEvaluable:
		return "not_evaluable"
	default:
		return "not_qualified"
	}
}

// Contribution - конкретное свидетельство, за которое выдаётся награда.
type Contribution struct {
	// Key - ключ вклада ("17" или "10|11").
	Key string

	// Activities - имена активностей, обосновывающих вклад.
	Activities []string
}

// Result - результат проверки правила.
type Result struct {
	// Status - исход.
	Status Status

	// Contributions - вклады в каноническом порядке.
	Contributions []Contribution

	// Reason - отладочное пояснение.
	Reason string
}

// Qualifies сообщает, выполнено ли условие.
func (r Result) Qualifies() bool {
	return r.Status == Qualified
}

// Keys возвращает ключи вкладов в порядке правил.
func (r Result) Keys() []string {
	keys := make([]string, 0, len(r.Contributions))
	for _, c := range r.Contributions {
		keys = append(keys, c.Key)
	}
	return keys
}

// Find возвращает вклад с данным ключом.
func (r Result) Find(key string) (Contribution, bool) {
	for _, c := range r.Contributions {
		if c.Key == key {
			return c, true
		}
	}
	return Contribution{}, false
}

// FirstNew возвращает первый вклад, ключ которого ещё не награждён.
func (r Result) FirstNew(rewarded func(key string) bool) (Contribution, bool) {
	for _, c := range r.Contributions {
		if !rewarded(c.Key) {
			return c, true
		}
	}
	return Contribution{}, false
}

// DedupView - то, что правило знает о прошлых наградах.
// Пустой DedupView означает "сырой" режим без фильтрации.
type DedupView struct {
	// Keys - уже награждённые ключи.
	Keys []string

	// Counter - количество выданных наград.
	Counter int
}

func qualified(reason string, contributions ...Contribution) Result {
	return Result{Status: Qualified, Contributions: contributions, Reason: reason}
}

func notQualified(reason string) Result {
	return Result{Status: NotQualified, Reason: reason}
}

func notEvaluable(reason string) Result {
	return Result{Status: NotEvaluable, Reason: reason}
}

// ActivityKey - ключ вклада для одной активности.
func ActivityKey(a Activity) string {
	return strconv.FormatInt(a.ID, 10)
}

// PairKey строит ключ упорядоченной пары "idA|idB".
// Порядок аргументов сохраняется: PairKey(a, b) != PairKey(b, a).
// Ключ строится только из стабильных ID, имена не используются.
func PairKey(a, b Activity) string {
	return strconv.FormatInt(a.ID, 10) + "|" + strconv.FormatInt(b.ID, 10)
}

// WindowKey - ключ окна для правил со счётчиком.
func WindowKey(n int) string {
	return "window:" + strconv.Itoa(n)
}
