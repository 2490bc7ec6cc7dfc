package notification

import (
	"context"
	"encoding/json"
	"time"
	"unicode/utf8"

	"github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// BOUNDED QUEUE
// ══════════════════════════════════════════════════════════════════════════════

// Limits - пределы очереди одного пользователя.
type Limits struct {
	// Capacity - максимум элементов.
	Capacity int

	// ByteBudget - максимум байт сериализованной очереди.
	ByteBudget int

	// Retention - срок хранения.
	Retention time.Duration
}

// DefaultLimits - пределы по умолчанию.
func DefaultLimits() Limits {
	return Limits{Capacity: DefaultCapacity, ByteBudget: DefaultByteBudget, Retention: DefaultRetention}
}

// Queue - кольцевой буфер уведомлений: при переполнении по количеству
// или по размеру отбрасываются самые старые элементы. Самый новый элемент
// не отбрасывается: если он один не влезает в ByteBudget, его текст обрезается.
type Queue struct {
	limits Limits
	items  []Item
}

// NewQueue создаёт очередь из уже сохранённых элементов (от старых к новым).
func NewQueue(limits Limits, items []Item) *Queue {
	q := &Queue{limits: limits}
	q.items = append(q.items, items...)
	q.shrink()
	return q
}

// Push добавляет элементы и возвращает количество отброшенных старых.
func (q *Queue) Push(items ...Item) int {
	q.items = append(q.items, items...)
	return q.shrink()
}

// Items возвращает все элементы от старых к новым.
func (q *Queue) Items() []Item {
	out := make([]Item, len(q.items))
	copy(out, q.items)
	return out
}

// Live возвращает элементы, не вышедшие за срок хранения.
func (q *Queue) Live(now time.Time) []Item {
	out := make([]Item, 0, len(q.items))
	for _, it := range q.items {
		if !it.IsExpired(now, q.limits.Retention) {
			out = append(out, it)
		}
	}
	return out
}

// Len - количество элементов.
func (q *Queue) Len() int {
	return len(q.items)
}

// Marshal сериализует очередь; результат укладывается в ByteBudget.
func (q *Queue) Marshal() ([]byte, error) {
	return json.Marshal(q.items)
}

// Unmarshal восстанавливает элементы из сериализованной формы.
func Unmarshal(data []byte) ([]Item, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var items []Item
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, err
	}
	return items, nil
}

func (q *Queue) shrink() int {
	dropped := 0
	if q.limits.Capacity > 0 && len(q.items) > q.limits.Capacity {
		dropped = len(q.items) - q.limits.Capacity
		q.items = q.items[dropped:]
	}
	if q.limits.ByteBudget <= 0 || len(q.items) == 0 {
		return dropped
	}

	// "[" + элементы через "," + "]"
	sizes := make([]int, len(q.items))
	total := 1
	for i, it := range q.items {
		sizes[i] = itemSize(it)
		total += sizes[i] + 1
	}

	newest := len(q.items) - 1
	start := 0
	for start < newest && total > q.limits.ByteBudget {
		total -= sizes[start] + 1
		start++
	}
	q.items = q.items[start:]
	dropped += start

	if total > q.limits.ByteBudget {
		q.items[0] = fit(q.items[0], q.limits.ByteBudget-2)
	}
	return dropped
}

// fit укорачивает текстовые поля элемента, пока он не уложится в room байт:
// сначала отбрасываются имена активностей с конца, затем обрезается Name.
// Элемент без текста возвращается как есть, даже если он больше room.
func fit(it Item, room int) Item {
	over := itemSize(it) - room
	for over > 0 && len(it.Activities) > 0 {
		it.Activities = it.Activities[:len(it.Activities)-1]
		over = itemSize(it) - room
	}
	if len(it.Activities) == 0 {
		it.Activities = nil
	}
	for over > 0 && it.Name != "" {
		it.Name = cutUTF8(it.Name, len(it.Name)-over)
		over = itemSize(it) - room
	}
	return it
}

// cutUTF8 обрезает s до n байт, не разрывая руну.
func cutUTF8(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if n >= len(s) {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func itemSize(it Item) int {
	data, err := json.Marshal(it)
	if err != nil {
		return 0
	}
	return len(data)
}

// ══════════════════════════════════════════════════════════════════════════════
// PORTS
// ══════════════════════════════════════════════════════════════════════════════

// Store - хранилище очередей уведомлений. Постановка в очередь не участвует
// в транзакции награды: ошибки логируются и не откатывают награду.
type Store interface {
	// Enqueue добавляет элементы в очередь пользователя.
	Enqueue(ctx context.Context, user shared.UserID, items ...Item) error

	// Pending возвращает действующие элементы (не старше срока хранения).
	Pending(ctx context.Context, user shared.UserID) ([]Item, error)

	// Clear очищает очередь пользователя.
	Clear(ctx context.Context, user shared.UserID) error
}
