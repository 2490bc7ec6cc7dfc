package achievement

import (
	"fmt"
)

// Evaluator - чистое правило получения достижения.
type Evaluator interface {
	Evaluate(snap Snapshot, prior DedupView) Result
}

// EvaluatorFunc адаптирует функцию к Evaluator.
type EvaluatorFunc func(snap Snapshot, prior DedupView) Result

// Evaluate implements Evaluator.
func (f EvaluatorFunc) Evaluate(snap Snapshot, prior DedupView) Result {
	return f(snap, prior)
}

func one(a Activity) Contribution {
	return Contribution{Key: ActivityKey(a), Activities: []string{a.Name}}
}

func pair(a, b Activity) Contribution {
	return Contribution{Key: PairKey(a, b), Activities: []string{a.Name, b.Name}}
}

// ══════════════════════════════════════════════════════════════════════════════
// PROGRESS
// ══════════════════════════════════════════════════════════════════════════════

// FirstActivity - выполнена хотя бы одна активность.
func FirstActivity() Evaluator {
	return EvaluatorFunc(func(snap Snapshot, _ DedupView) Result {
		done := snap.Completed()
		if len(done) == 0 {
			return notQualified("no completed activities")
		}
		return qualified("first completion", one(done[0]))
	})
}

// StreakOfTwo - каждая пара соседних по времени выполнений.
func StreakOfTwo() Evaluator {
	return EvaluatorFunc(func(snap Snapshot, _ DedupView) Result {
		done := snap.Completed()
		if len(done) < 2 {
			return notQualified("fewer than two completions")
		}
		pairs := make([]Contribution, 0, len(done)-1)
		for i := 1; i < len(done); i++ {
			pairs = append(pairs, pair(done[i-1], done[i]))
		}
		return qualified(fmt.Sprintf("%d adjacent pairs", len(pairs)), pairs...)
	})
}

// Halfway - выполнено не менее половины активностей.
func Halfway() Evaluator {
	return EvaluatorFunc(func(snap Snapshot, _ DedupView) Result {
		total := snap.Total()
		if total == 0 {
			return notEvaluable("no completable activities")
		}
		done := snap.Completed()
		if len(done)*2 < total {
			return notQualified(fmt.Sprintf("%d of %d completed", len(done), total))
		}
		// Ключ - активность, на которой была пересечена половина.
		crossing := done[(total+1)/2-1]
		return qualified(fmt.Sprintf("%d of %d completed", len(done), total), one(crossing))
	})
}

// FullCompletion - выполнены все активности.
func FullCompletion() Evaluator {
	return EvaluatorFunc(func(snap Snapshot, _ DedupView) Result {
		total := snap.Total()
		if total == 0 {
			return notEvaluable("no completable activities")
		}
		done := snap.Completed()
		if len(done) != total {
			return notQualified(fmt.Sprintf("%d of %d completed", len(done), total))
		}
		return qualified("all activities completed", one(done[len(done)-1]))
	})
}

// ══════════════════════════════════════════════════════════════════════════════
// TIMELINESS
// ══════════════════════════════════════════════════════════════════════════════

// EarlyBird - каждая активность, сданная за сутки до дедлайна.
func EarlyBird() Evaluator {
	return EvaluatorFunc(func(snap Snapshot, _ DedupView) Result {
		var early []Contribution
		for _, a := range snap.Completed() {
			if a.IsEarly() {
				early = append(early, one(a))
			}
		}
		if len(early) == 0 {
			return notQualified("no early submissions")
		}
		return qualified(fmt.Sprintf("%d early submissions", len(early)), early...)
	})
}

// DeadlineStreak - пара соседних по времени выполнений, обе в срок.
// Выполнение без дедлайна или с опозданием прерывает серию.
func DeadlineStreak() Evaluator {
	return EvaluatorFunc(func(snap Snapshot, _ DedupView) Result {
		done := snap.Completed()
		if len(done) < 2 {
			return notQualified("fewer than two completions")
		}
		var pairs []Contribution
		for i := 1; i < len(done); i++ {
			if done[i-1].IsOnTime() && done[i].IsOnTime() {
				pairs = append(pairs, pair(done[i-1], done[i]))
			}
		}
		if len(pairs) == 0 {
			return notQualified("no on-time pairs")
		}
		return qualified(fmt.Sprintf("%d on-time pairs", len(pairs)), pairs...)
	})
}

// ══════════════════════════════════════════════════════════════════════════════
// QUALITY
// ══════════════════════════════════════════════════════════════════════════════

// FirstTryAce - первая попытка каждой оценённой активности не ниже проходного.
func FirstTryAce() Evaluator {
	return EvaluatorFunc(func(snap Snapshot, _ DedupView) Result {
		graded := 0
		var last Activity
		for _, a := range snap.Ordered() {
			first, ok := a.FirstAttempt()
			if !ok {
				continue
			}
			graded++
			if first.Grade < a.PassGrade {
				return notQualified(fmt.Sprintf("activity %d failed on first try", a.ID))
			}
			last = a
		}
		if graded == 0 {
			return notEvaluable("no graded activities")
		}
		return qualified(fmt.Sprintf("%d activities passed first try", graded), one(last))
	})
}

// PairedPass - одна награда за каждые две сданные активности.
// Следующее окно определяется счётчиком наград, а не набором ключей.
func PairedPass() Evaluator {
	return EvaluatorFunc(func(snap Snapshot, prior DedupView) Result {
		var passed []Activity
		for _, a := range snap.Ordered() {
			if a.IsPassed() {
				passed = append(passed, a)
			}
		}
		window := prior.Counter + 1
		if len(passed) < window*2 {
			return notQualified(fmt.Sprintf("%d passed, window %d needs %d", len(passed), window, window*2))
		}
		a, b := passed[window*2-2], passed[window*2-1]
		return qualified(
			fmt.Sprintf("window %d of %d passed", window, len(passed)),
			Contribution{Key: WindowKey(window), Activities: []string{a.Name, b.Name}},
		)
	})
}

// HighAchiever - последняя попытка не ниже 90% максимума.
func HighAchiever() Evaluator {
	return EvaluatorFunc(func(snap Snapshot, _ DedupView) Result {
		var high []Contribution
		for _, a := range snap.Ordered() {
			latest, ok := a.LatestAttempt()
			if !ok || a.MaxGrade <= 0 {
				continue
			}
			if latest.Grade >= a.MaxGrade*HighGradeRatio {
				high = append(high, one(a))
			}
		}
		if len(high) == 0 {
			return notQualified("no high grades")
		}
		return qualified(fmt.Sprintf("%d high grades", len(high)), high...)
	})
}

// ══════════════════════════════════════════════════════════════════════════════
// MASTERY
// ══════════════════════════════════════════════════════════════════════════════

func improved(snap Snapshot) []Activity {
	var out []Activity
	for _, a := range snap.Ordered() {
		if a.IsImproved() {
			out = append(out, a)
		}
	}
	return out
}

// FeedbackLoop - каждая активность, где последняя попытка лучше первой.
func FeedbackLoop() Evaluator {
	return EvaluatorFunc(func(snap Snapshot, _ DedupView) Result {
		acts := improved(snap)
		if len(acts) == 0 {
			return notQualified("no improved activities")
		}
		out := make([]Contribution, 0, len(acts))
		for _, a := range acts {
			out = append(out, one(a))
		}
		return qualified(fmt.Sprintf("%d improved activities", len(acts)), out...)
	})
}

// TenaciousThreshold - сколько улучшенных активностей нужно для tenacious.
const TenaciousThreshold = 2

// Tenacious - не менее двух улучшенных активностей.
func Tenacious() Evaluator {
	return EvaluatorFunc(func(snap Snapshot, _ DedupView) Result {
		acts := improved(snap)
		if len(acts) < TenaciousThreshold {
			return notQualified(fmt.Sprintf("%d improved activities", len(acts)))
		}
		names := make([]string, 0, TenaciousThreshold)
		for _, a := range acts[:TenaciousThreshold] {
			names = append(names, a.Name)
		}
		return qualified(
			fmt.Sprintf("%d improved activities", len(acts)),
			Contribution{Key: ActivityKey(acts[TenaciousThreshold-1]), Activities: names},
		)
	})
}

// Recovery - первая попытка ниже проходного, позже - сдана.
func Recovery() Evaluator {
	return EvaluatorFunc(func(snap Snapshot, _ DedupView) Result {
		var out []Contribution
		for _, a := range snap.Ordered() {
			if a.IsRecovered() {
				out = append(out, one(a))
			}
		}
		if len(out) == 0 {
			return notQualified("no recovered activities")
		}
		return qualified(fmt.Sprintf("%d recovered activities", len(out)), out...)
	})
}
