package ledger

import (
	"context"
	"time"

	"github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// REPOSITORY INTERFACES
// Эти интерфейсы определяют контракт для работы с хранилищем данных.
// Реализации находятся в infrastructure/persistence.
// ══════════════════════════════════════════════════════════════════════════════

// Tx - операции внутри одной транзакции пользователя.
// Все изменения внутри UnitOfWork.WithinTx применяются атомарно или не применяются вовсе.
type Tx interface {
	// ─────────────────────────────────────────────────────────────────────────
	// Ledger
	// ─────────────────────────────────────────────────────────────────────────

	// Grants возвращает начисления пользователя по достижению в области.
	Grants(ctx context.Context, user shared.UserID, scope shared.Scope, achievementID int) ([]Entry, error)

	// GrantsInScope возвращает все начисления пользователя в области.
	GrantsInScope(ctx context.Context, user shared.UserID, scope shared.Scope) ([]Entry, error)

	// AllGrants возвращает все начисления пользователя во всех областях.
	AllGrants(ctx context.Context, user shared.UserID) ([]Entry, error)

	// Append добавляет запись.
	// Возвращает ErrAlreadyGranted, если вклад уже записан.
	Append(ctx context.Context, e Entry) error

	// Delete удаляет запись начисления.
	// Возвращает ErrEntryNotFound, если записи нет.
	Delete(ctx context.Context, entryID string) error

	// Balance возвращает баланс монет пользователя.
	Balance(ctx context.Context, user shared.UserID) (int64, error)

	// RecordRevocation сохраняет запись аудита об отзыве.
	RecordRevocation(ctx context.Context, r Revocation) error

	// ─────────────────────────────────────────────────────────────────────────
	// Dedup
	// ─────────────────────────────────────────────────────────────────────────

	// Dedup возвращает запись дедупликации или пустую запись с Version == 0.
	Dedup(ctx context.Context, user shared.UserID, scope shared.Scope, achievementID int) (DedupRecord, error)

	// SaveDedup сохраняет запись, сравнивая Version.
	// Возвращает ErrDedupConflict при несовпадении версии.
	SaveDedup(ctx context.Context, rec DedupRecord) (DedupRecord, error)

	// DeleteDedup удаляет запись дедупликации.
	DeleteDedup(ctx context.Context, user shared.UserID, scope shared.Scope, achievementID int) error

	// ─────────────────────────────────────────────────────────────────────────
	// Progress
	// ─────────────────────────────────────────────────────────────────────────

	// Progress возвращает накопитель (пустой, если его нет).
	Progress(ctx context.Context, user shared.UserID, scope shared.Scope) (Progress, error)

	// AllProgress возвращает все накопители пользователя.
	AllProgress(ctx context.Context, user shared.UserID) ([]Progress, error)

	// SaveProgress сохраняет накопитель.
	SaveProgress(ctx context.Context, p Progress) error

	// Multiplier возвращает множитель опыта (нулевой, если не задан).
	Multiplier(ctx context.Context, user shared.UserID) (Multiplier, error)

	// SaveMultiplier сохраняет множитель опыта.
	SaveMultiplier(ctx context.Context, user shared.UserID, m Multiplier) error
}

// UnitOfWork сериализует изменения одного пользователя.
// Две транзакции одного пользователя никогда не выполняются одновременно.
type UnitOfWork interface {
	WithinTx(ctx context.Context, user shared.UserID, fn func(ctx context.Context, tx Tx) error) error
}

// Reader - чтение вне транзакции.
type Reader interface {
	// Balance возвращает баланс монет пользователя.
	Balance(ctx context.Context, user shared.UserID) (int64, error)

	// Entries возвращает все записи пользователя (начисления и списания).
	Entries(ctx context.Context, user shared.UserID) ([]Entry, error)

	// ProgressOf возвращает накопитель.
	ProgressOf(ctx context.Context, user shared.UserID, scope shared.Scope) (Progress, error)

	// Revocations возвращает аудит отзывов после указанного момента.
	Revocations(ctx context.Context, user shared.UserID, since time.Time) ([]Revocation, error)

	// Users возвращает пользователей, у которых есть записи.
	Users(ctx context.Context) ([]shared.UserID, error)
}

// Store объединяет транзакционную и читающую стороны.
type Store interface {
	UnitOfWork
	Reader
}
