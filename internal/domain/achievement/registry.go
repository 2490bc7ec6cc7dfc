package achievement

import (
	"errors"
	"fmt"
	"sort"

	"github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// REGISTRY
// ══════════════════════════════════════════════════════════════════════════════

type entry struct {
	def  Definition
	eval Evaluator
}

// Registry - явное отображение id -> (Definition, Evaluator).
// После Validate реестр только читается и безопасен для конкурентного доступа.
type Registry struct {
	entries map[int]entry
	order   []int
}

// NewRegistry создаёт пустой реестр.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[int]entry)}
}

// Register добавляет базовое достижение с правилом.
func (r *Registry) Register(def Definition, eval Evaluator) error {
	if _, exists := r.entries[def.ID]; exists {
		return fmt.Errorf("%w: duplicate id %d", shared.ErrInvalidDefinition, def.ID)
	}
	r.entries[def.ID] = entry{def: def, eval: eval}
	r.order = append(r.order, def.ID)
	return nil
}

// RegisterMeta добавляет мета-достижение. Правило строится из Bases.
func (r *Registry) RegisterMeta(def Definition) error {
	if !def.IsMeta() {
		return fmt.Errorf("%w: id %d has no bases", shared.ErrInvalidDefinition, def.ID)
	}
	return r.Register(def, nil)
}

// Validate проверяет, что у каждого id есть правило, а мета-достижения
// ссылаются только на известные базовые достижения.
func (r *Registry) Validate() error {
	var errs []error
	for _, id := range r.order {
		e := r.entries[id]
		if err := e.def.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if !e.def.IsMeta() {
			if e.eval == nil {
				errs = append(errs, fmt.Errorf("%w: id %d", shared.ErrMissingEvaluator, id))
			}
			continue
		}
		for _, base := range e.def.Bases {
			b, ok := r.entries[base]
			switch {
			case !ok:
				errs = append(errs, fmt.Errorf("%w: meta %d references %d", shared.ErrUnknownAchievement, id, base))
			case b.def.IsMeta():
				errs = append(errs, fmt.Errorf("%w: meta %d references meta %d", shared.ErrInvalidDefinition, id, base))
			}
		}
	}
	return errors.Join(errs...)
}

// Definition возвращает определение по id.
func (r *Registry) Definition(id int) (Definition, error) {
	e, ok := r.entries[id]
	if !ok {
		return Definition{}, fmt.Errorf("%w: %d", shared.ErrUnknownAchievement, id)
	}
	return e.def, nil
}

// Evaluator возвращает правило базового достижения.
func (r *Registry) Evaluator(id int) (Evaluator, error) {
	e, ok := r.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", shared.ErrUnknownAchievement, id)
	}
	if e.eval == nil {
		return nil, fmt.Errorf("%w: id %d", shared.ErrMissingEvaluator, id)
	}
	return e.eval, nil
}

// Bases возвращает базовые достижения в порядке регистрации.
func (r *Registry) Bases() []Definition {
	return r.filter(func(d Definition) bool { return !d.IsMeta() })
}

// Metas возвращает мета-достижения в порядке регистрации.
func (r *Registry) Metas() []Definition {
	return r.filter(func(d Definition) bool { return d.IsMeta() })
}

// All возвращает все определения: сначала базовые, затем мета.
func (r *Registry) All() []Definition {
	return append(r.Bases(), r.Metas()...)
}

// IDs возвращает отсортированные id.
func (r *Registry) IDs() []int {
	ids := make([]int, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Len - размер каталога.
func (r *Registry) Len() int {
	return len(r.entries)
}

func (r *Registry) filter(keep func(Definition) bool) []Definition {
	out := make([]Definition, 0, len(r.order))
	for _, id := range r.order {
		if d := r.entries[id].def; keep(d) {
			out = append(out, d)
		}
	}
	return out
}

// DefaultRegistry собирает встроенный каталог.
func DefaultRegistry() *Registry {
	evaluators := map[int]Evaluator{
		IDFirstActivity:  FirstActivity(),
		IDStreakOfTwo:    StreakOfTwo(),
		IDHalfway:        Halfway(),
		IDFullCompletion: FullCompletion(),
		IDEarlyBird:      EarlyBird(),
		IDDeadlineStreak: DeadlineStreak(),
		IDFirstTryAce:    FirstTryAce(),
		IDPairedPass:     PairedPass(),
		IDFeedbackLoop:   FeedbackLoop(),
		IDTenacious:      Tenacious(),
		IDRecovery:       Recovery(),
		IDHighAchiever:   HighAchiever(),
	}

	reg := NewRegistry()
	for _, def := range DefaultDefinitions() {
		if def.IsMeta() {
			_ = reg.RegisterMeta(def)
			continue
		}
		_ = reg.Register(def, evaluators[def.ID])
	}
	return reg
}

// ══════════════════════════════════════════════════════════════════════════════
// META RULE
// ══════════════════════════════════════════════════════════════════════════════

// MetaRule - "не менее Threshold различных достижений из Bases".
type MetaRule struct {
	Bases     []Definition
	Threshold int
}

// MetaRuleFor строит правило мета-достижения по реестру.
func (r *Registry) MetaRuleFor(meta Definition) (MetaRule, error) {
	if !meta.IsMeta() {
		return MetaRule{}, fmt.Errorf("%w: %d is not a meta achievement", shared.ErrInvalidDefinition, meta.ID)
	}
	rule := MetaRule{Threshold: MetaThreshold}
	for _, id := range meta.Bases {
		def, err := r.Definition(id)
		if err != nil {
			return MetaRule{}, err
		}
		rule.Bases = append(rule.Bases, def)
	}
	return rule, nil
}

// Resolve проверяет порог. held сообщает, есть ли у пользователя
// действующая запись реестра по базовому достижению.
// Вкладом считаются имена базовых достижений, а не активности.
func (m MetaRule) Resolve(held func(id int) bool) Result {
	var names []string
	for _, base := range m.Bases {
		if held(base.ID) {
			names = append(names, base.Name)
		}
	}
	if len(names) < m.Threshold {
		return notQualified(fmt.Sprintf("%d of %d bases held", len(names), m.Threshold))
	}
	return qualified(
		fmt.Sprintf("%d bases held", len(names)),
		Contribution{Key: "meta", Activities: names},
	)
}
