// Package ledger owns the money invariants: freezes taken at submission and their
// settlement or rollback when a task terminates.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MR-liu/waoowaoo-sub006/internal/ids"
	"github.com/MR-liu/waoowaoo-sub006/internal/models"
	"github.com/MR-liu/waoowaoo-sub006/internal/telemetry"
)

// Ledger is the service facade over a Repository.
type Ledger struct {
	repo   Repository
	logger *slog.Logger
	now    func() time.Time
}

func New(repo Repository, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		repo:   repo,
		logger: logger.With("component", "ledger"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

type FreezeInput struct {
	UserID         string
	TaskID         string
	Amount         models.Money
	IdempotencyKey string
}

// Freeze reserves money for a task and returns the freeze id.
func (l *Ledger) Freeze(ctx context.Context, in FreezeInput) (string, error) {
	if in.UserID == "" {
		return "", fmt.Errorf("%w: user id required", ErrInvalidAmount)
	}
	if in.Amount <= 0 {
		return "", fmt.Errorf("%w: freeze amount %s", ErrInvalidAmount, in.Amount)
	}
	f, created, err := l.repo.Freeze(ctx, FreezeParams{
		ID:             ids.New(ids.PrefixFreeze),
		UserID:         in.UserID,
		TaskID:         optional(in.TaskID),
		Amount:         in.Amount,
		IdempotencyKey: optional(in.IdempotencyKey),
		Now:            l.now(),
	})
	telemetry.BillingOperations.WithLabelValues("freeze", telemetry.Result(err)).Inc()
	if err != nil {
		return "", err
	}
	if !created {
		l.logger.Debug("freeze reused by idempotency key", "freeze_id", f.ID, "user_id", in.UserID)
	}
	return f.ID, nil
}

// IncreaseFreeze grows a pending freeze when the metered cost outruns the quote.
func (l *Ledger) IncreaseFreeze(ctx context.Context, freezeID string, delta models.Money) error {
	if delta <= 0 {
		return fmt.Errorf("%w: increase %s", ErrInvalidAmount, delta)
	}
	_, err := l.repo.IncreaseFreeze(ctx, freezeID, delta, l.now())
	telemetry.BillingOperations.WithLabelValues("increase_freeze", telemetry.Result(err)).Inc()
	return err
}

type SettleResult struct {
	FreezeID string
	Charged  models.Money
	Refund   models.Money
	Applied  bool
}

// Settle completes a pending freeze, charging actual (nil means the full frozen
// amount) and refunding the rest. Settling a completed freeze is a no-op.
func (l *Ledger) Settle(ctx context.Context, freezeID string, actual *models.Money, meta map[string]any) (SettleResult, error) {
	if actual != nil && *actual < 0 {
		return SettleResult{}, fmt.Errorf("%w: charge %s", ErrInvalidAmount, *actual)
	}
	out, err := l.repo.Settle(ctx, SettleParams{
		FreezeID: freezeID,
		Charged:  actual,
		TxID:     ids.New(ids.PrefixTransaction),
		Metadata: meta,
		Now:      l.now(),
	})
	telemetry.BillingOperations.WithLabelValues("settle", telemetry.Result(err)).Inc()
	if err != nil {
		return SettleResult{}, err
	}
	if out.Applied {
		l.logger.Info("freeze settled", "freeze_id", freezeID, "user_id", out.Freeze.UserID,
			"charged", out.Charged.String(), "refund", out.Refund.String())
	}
	return SettleResult{FreezeID: freezeID, Charged: out.Charged, Refund: out.Refund, Applied: out.Applied}, nil
}

// Rollback releases a pending freeze back to the balance. It reports whether this
// call changed anything; rolling back twice is a no-op.
func (l *Ledger) Rollback(ctx context.Context, freezeID string) (bool, error) {
	return l.rollback(ctx, freezeID, "task_terminated")
}

func (l *Ledger) rollback(ctx context.Context, freezeID, reason string) (bool, error) {
	out, err := l.repo.Rollback(ctx, RollbackParams{
		FreezeID: freezeID,
		TxID:     ids.New(ids.PrefixTransaction),
		Reason:   reason,
		Now:      l.now(),
	})
	telemetry.BillingOperations.WithLabelValues("rollback", telemetry.Result(err)).Inc()
	if err != nil {
		if !errors.Is(err, ErrFreezeNotPending) && !errors.Is(err, ErrFreezeNotFound) {
			telemetry.BillingCompFailed.Inc()
		}
		return false, err
	}
	if out.Applied {
		l.logger.Info("freeze rolled back", "freeze_id", freezeID, "user_id", out.Freeze.UserID,
			"amount", out.Freeze.Amount.String(), "reason", reason)
	}
	return out.Applied, nil
}

// ShadowUsage is usage recorded for analytics without charging.
type ShadowUsage struct {
	UserID         string
	TaskID         string
	APIType        string
	Model          string
	Quantity       int
	Unit           string
	IdempotencyKey string
	Metadata       map[string]any
}

// RecordShadowUsage writes a zero-amount shadow_consume row.
func (l *Ledger) RecordShadowUsage(ctx context.Context, u ShadowUsage) error {
	if u.UserID == "" {
		return fmt.Errorf("%w: user id required", ErrInvalidAmount)
	}
	meta := map[string]any{
		"apiType":  u.APIType,
		"model":    u.Model,
		"quantity": u.Quantity,
		"unit":     u.Unit,
	}
	for k, v := range u.Metadata {
		meta[k] = v
	}
	_, err := l.repo.AppendTransaction(ctx, models.BalanceTransaction{
		ID:             ids.New(ids.PrefixTransaction),
		UserID:         u.UserID,
		Type:           models.TxShadowConsume,
		IdempotencyKey: optional(u.IdempotencyKey),
		TaskID:         optional(u.TaskID),
		Metadata:       meta,
		CreatedAt:      l.now(),
	})
	telemetry.BillingOperations.WithLabelValues("shadow", telemetry.Result(err)).Inc()
	return err
}

type CreditInput struct {
	UserID         string
	Amount         models.Money
	Type           models.TransactionType
	IdempotencyKey string
	Metadata       map[string]any
}

// Credit applies a recharge (positive) or an operator adjustment (signed).
func (l *Ledger) Credit(ctx context.Context, in CreditInput) (models.BalanceTransaction, error) {
	switch in.Type {
	case models.TxRecharge:
		if in.Amount <= 0 {
			return models.BalanceTransaction{}, fmt.Errorf("%w: recharge %s", ErrInvalidAmount, in.Amount)
		}
	case models.TxAdjust:
		if in.Amount == 0 {
			return models.BalanceTransaction{}, fmt.Errorf("%w: zero adjustment", ErrInvalidAmount)
		}
	default:
		return models.BalanceTransaction{}, fmt.Errorf("%w: %q", ErrInvalidTxType, in.Type)
	}
	tx, created, err := l.repo.Credit(ctx, models.BalanceTransaction{
		ID:             ids.New(ids.PrefixTransaction),
		UserID:         in.UserID,
		Type:           in.Type,
		Amount:         in.Amount,
		IdempotencyKey: optional(in.IdempotencyKey),
		Metadata:       in.Metadata,
		CreatedAt:      l.now(),
	})
	telemetry.BillingOperations.WithLabelValues(string(in.Type), telemetry.Result(err)).Inc()
	if err != nil {
		return models.BalanceTransaction{}, err
	}
	if created {
		l.logger.Info("balance credited", "user_id", in.UserID, "type", in.Type, "amount", in.Amount.String())
	}
	return tx, nil
}

func (l *Ledger) Balance(ctx context.Context, userID string) (models.UserBalance, error) {
	return l.repo.GetBalance(ctx, userID)
}

func (l *Ledger) GetFreeze(ctx context.Context, id string) (models.BalanceFreeze, error) {
	return l.repo.GetFreeze(ctx, id)
}

func (l *Ledger) Transactions(ctx context.Context, userID string) ([]models.BalanceTransaction, error) {
	return l.repo.ListTransactions(ctx, userID)
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
