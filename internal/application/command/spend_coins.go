// Package command contains write operations (CQRS - Commands).
package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/internal/domain/ledger"
	"github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/internal/domain/shared"
	"github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// SPEND COINS COMMAND
// Debits coins for a storefront purchase. The shop itself lives outside this
// service; it only asks for the debit.
// ══════════════════════════════════════════════════════════════════════════════

// SpendCoinsCommand contains the debit request.
type SpendCoinsCommand struct {
	// UserID is the paying user.
	UserID shared.UserID

	// Amount is a positive number of coins.
	Amount int64

	// Reason is stored on the ledger entry (e.g. "avatar:fox").
	Reason string
}

// Validate validates the command.
func (c SpendCoinsCommand) Validate() error {
	if !c.UserID.IsValid() {
		return errors.New("spend_coins: user_id is required")
	}
	if c.Amount <= 0 {
		return errors.New("spend_coins: amount must be positive")
	}
	if len(c.Reason) > 200 {
		return errors.New("spend_coins: reason must be at most 200 characters")
	}
	return nil
}

// SpendCoinsResult contains the outcome of a debit.
type SpendCoinsResult struct {
	EntryID string
	Spent   int64
	Balance int64
	SpentAt time.Time
}

// SpendCoinsHandler handles the SpendCoinsCommand.
type SpendCoinsHandler struct {
	store  ledger.UnitOfWork
	logger *slog.Logger
}

// NewSpendCoinsHandler creates a new SpendCoinsHandler.
func NewSpendCoinsHandler(store ledger.UnitOfWork, log *slog.Logger) *SpendCoinsHandler {
	if log == nil {
		log = logger.Discard()
	}
	return &SpendCoinsHandler{store: store, logger: log}
}

// Handle checks the balance and appends a spend entry in one transaction.
func (h *SpendCoinsHandler) Handle(ctx context.Context, cmd SpendCoinsCommand) (*SpendCoinsResult, error) {
	if err := cmd.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", shared.ErrValidation, err)
	}

	var result *SpendCoinsResult
	err := h.store.WithinTx(ctx, cmd.UserID, func(ctx context.Context, tx ledger.Tx) error {
		balance, err := tx.Balance(ctx, cmd.UserID)
		if err != nil {
			return fmt.Errorf("read balance: %w", err)
		}
		if balance < cmd.Amount {
			return shared.ErrInsufficientBalance
		}

		now := time.Now().UTC()
		entry, err := ledger.NewSpend(uuid.NewString(), cmd.UserID, cmd.Amount, cmd.Reason, now)
		if err != nil {
			return err
		}
		if err := tx.Append(ctx, entry); err != nil {
			return fmt.Errorf("append spend entry: %w", err)
		}

		result = &SpendCoinsResult{
			EntryID: entry.ID,
			Spent:   cmd.Amount,
			Balance: balance - cmd.Amount,
			SpentAt: now,
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("spend_coins: %w", err)
	}

	h.logger.InfoContext(ctx, "coins spent",
		logger.User(cmd.UserID.Int64()),
		slog.Int64("amount", cmd.Amount),
		slog.Int64("balance", result.Balance),
		slog.String("reason", cmd.Reason),
	)
	return result, nil
}
