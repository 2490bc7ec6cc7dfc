package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/internal/domain/ledger"
	"github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/internal/domain/shared"
	"github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// SET MULTIPLIER COMMAND
// Grants a temporary XP multiplier (bought with unlock tokens or given by staff).
// ══════════════════════════════════════════════════════════════════════════════

// MaxMultiplierDuration caps one multiplier grant.
const MaxMultiplierDuration = 7 * 24 * time.Hour

// SetMultiplierCommand contains the multiplier request.
type SetMultiplierCommand struct {
	UserID   shared.UserID
	Duration time.Duration

	// Factor defaults to the handler's configured factor when zero.
	Factor int64
}

// Validate validates the command.
func (c SetMultiplierCommand) Validate() error {
	if !c.UserID.IsValid() {
		return errors.New("set_multiplier: user_id is required")
	}
	if c.Duration <= 0 || c.Duration > MaxMultiplierDuration {
		return fmt.Errorf("set_multiplier: duration must be between 0 and %s", MaxMultiplierDuration)
	}
	if c.Factor < 0 || c.Factor == 1 {
		return errors.New("set_multiplier: factor must be at least 2")
	}
	return nil
}

// SetMultiplierResult describes the active multiplier.
type SetMultiplierResult struct {
	Factor    int64
	ExpiresAt time.Time
}

// SetMultiplierHandler handles the SetMultiplierCommand.
type SetMultiplierHandler struct {
	store         ledger.UnitOfWork
	defaultFactor int64
	now           func() time.Time
	logger        *slog.Logger
}

// NewSetMultiplierHandler creates a new SetMultiplierHandler.
func NewSetMultiplierHandler(store ledger.UnitOfWork, defaultFactor int64, log *slog.Logger) *SetMultiplierHandler {
	if defaultFactor < 2 {
		defaultFactor = 2
	}
	if log == nil {
		log = logger.Discard()
	}
	return &SetMultiplierHandler{
		store:         store,
		defaultFactor: defaultFactor,
		now:           func() time.Time { return time.Now().UTC() },
		logger:        log,
	}
}

// Handle stores the multiplier. An active multiplier is extended, never shortened.
func (h *SetMultiplierHandler) Handle(ctx context.Context, cmd SetMultiplierCommand) (*SetMultiplierResult, error) {
	if err := cmd.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", shared.ErrValidation, err)
	}
	factor := cmd.Factor
	if factor == 0 {
		factor = h.defaultFactor
	}

	var m ledger.Multiplier
	err := h.store.WithinTx(ctx, cmd.UserID, func(ctx context.Context, tx ledger.Tx) error {
		now := h.now()
		cur, err := tx.Multiplier(ctx, cmd.UserID)
		if err != nil {
			return err
		}
		m = ledger.Multiplier{Factor: factor, ExpiresAt: now.Add(cmd.Duration)}
		if cur.Active(now) && cur.ExpiresAt.After(m.ExpiresAt) {
			m.ExpiresAt = cur.ExpiresAt
		}
		return tx.SaveMultiplier(ctx, cmd.UserID, m)
	})
	if err != nil {
		return nil, fmt.Errorf("set_multiplier: %w", err)
	}

	h.logger.InfoContext(ctx, "xp multiplier set",
		logger.User(cmd.UserID.Int64()),
		slog.Int64("factor", m.Factor),
		slog.Time("expires_at", m.ExpiresAt),
	)
	return &SetMultiplierResult{Factor: m.Factor, ExpiresAt: m.ExpiresAt}, nil
}
