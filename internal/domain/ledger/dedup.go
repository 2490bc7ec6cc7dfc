package ledger

import (
	"github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/internal/domain/achievement"
	"github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/internal/domain/shared"
)

// DedupRecord - уже награждённые ключи вкладов для (user, scope, achievement).
// Version - токен оптимистичной блокировки: Save проходит только при совпадении.
type DedupRecord struct {
	// UserID - пользователь.
	UserID shared.UserID `json:"user_id"`

	// Scope - область.
	Scope shared.Scope `json:"scope"`

	// AchievementID - достижение.
	AchievementID int `json:"achievement_id"`

	// Keys - награждённые ключи в порядке награждения.
	Keys []string `json:"keys"`

	// Counter - количество выданных наград.
	Counter int `json:"counter"`

	// Version - версия записи, 0 если запись ещё не сохранена.
	Version int64 `json:"version"`
}

// NewDedupRecord создаёт пустую запись.
func NewDedupRecord(user shared.UserID, scope shared.Scope, achievementID int) DedupRecord {
	return DedupRecord{UserID: user, Scope: scope, AchievementID: achievementID}
}

// Has сообщает, награждён ли ключ.
func (d DedupRecord) Has(key string) bool {
	for _, k := range d.Keys {
		if k == key {
			return true
		}
	}
	return false
}

// Add добавляет ключ и увеличивает счётчик. Повторный ключ игнорируется.
func (d *DedupRecord) Add(key string) bool {
	if d.Has(key) {
		return false
	}
	d.Keys = append(d.Keys, key)
	d.Counter++
	return true
}

// NewKeys - кандидаты минус награждённые, порядок кандидатов сохраняется.
func (d DedupRecord) NewKeys(candidates []string) []string {
	var out []string
	for _, k := range candidates {
		if !d.Has(k) {
			out = append(out, k)
		}
	}
	return out
}

// Prune удаляет ключи без соответствующей записи реестра и возвращает удалённые.
// Counter выравнивается по числу оставшихся ключей.
func (d *DedupRecord) Prune(valid map[string]bool) []string {
	var kept, stale []string
	for _, k := range d.Keys {
		if valid[k] {
			kept = append(kept, k)
		} else {
			stale = append(stale, k)
		}
	}
	if len(stale) > 0 || d.Counter != len(kept) {
		d.Keys = kept
		d.Counter = len(kept)
	}
	return stale
}

// Reconcile выравнивает запись по записям реестра в обе стороны: ключи без
// записи удаляются, ключи записей, которых нет в Keys, восстанавливаются
// в порядке реестра. Возвращает удалённые и восстановленные ключи.
func (d *DedupRecord) Reconcile(grants []Entry) (stale, restored []string) {
	stale = d.Prune(ContributionKeys(grants))
	for _, e := range grants {
		if !e.IsGrant() || e.ContributionKey == "" {
			continue
		}
		if d.Add(e.ContributionKey) {
			restored = append(restored, e.ContributionKey)
		}
	}
	return stale, restored
}

// View возвращает то, что видит правило.
func (d DedupRecord) View() achievement.DedupView {
	keys := make([]string, len(d.Keys))
	copy(keys, d.Keys)
	return achievement.DedupView{Keys: keys, Counter: d.Counter}
}

// ContributionKeys возвращает множество ключей вкладов из записей реестра.
func ContributionKeys(entries []Entry) map[string]bool {
	out := make(map[string]bool, len(entries))
	for _, e := range entries {
		if e.IsGrant() && e.ContributionKey != "" {
			out[e.ContributionKey] = true
		}
	}
	return out
}
