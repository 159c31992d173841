package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MR-liu/waoowaoo-sub006/internal/models"
	"github.com/MR-liu/waoowaoo-sub006/internal/telemetry"
)

// ActiveTaskFunc reports whether the task owning a freeze is still queued or processing.
type ActiveTaskFunc func(ctx context.Context, taskID string) (bool, error)

type SweepOptions struct {
	OlderThan time.Duration
	Apply     bool
	Limit     int
	// TaskActive is consulted for freezes linked to a task; active tasks keep their
	// reservation however old it is. Nil treats every task as finished.
	TaskActive ActiveTaskFunc
}

type SweepItem struct {
	FreezeID  string       `json:"freezeId"`
	UserID    string       `json:"userId"`
	TaskID    string       `json:"taskId,omitempty"`
	Amount    models.Money `json:"amount"`
	CreatedAt time.Time    `json:"createdAt"`
	Action    string       `json:"action"`
	Error     string       `json:"error,omitempty"`
}

type SweepReport struct {
	Apply      bool         `json:"apply"`
	Cutoff     time.Time    `json:"cutoff"`
	Scanned    int          `json:"scanned"`
	RolledBack int          `json:"rolledBack"`
	Skipped    int          `json:"skipped"`
	Failed     int          `json:"failed"`
	Released   models.Money `json:"released"`
	Items      []SweepItem  `json:"items"`
}

// SweepPendingFreezes finds freezes left pending past the window and, when Apply is
// set, force-rolls them back. Every rollback is logged.
func (l *Ledger) SweepPendingFreezes(ctx context.Context, opts SweepOptions) (SweepReport, error) {
	if opts.OlderThan <= 0 {
		return SweepReport{}, fmt.Errorf("sweep window must be positive, got %s", opts.OlderThan)
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 500
	}
	cutoff := l.now().Add(-opts.OlderThan)
	freezes, err := l.repo.ListPendingFreezes(ctx, PendingFilter{CreatedBefore: cutoff, Limit: limit})
	if err != nil {
		return SweepReport{}, fmt.Errorf("list pending freezes: %w", err)
	}

	report := SweepReport{Apply: opts.Apply, Cutoff: cutoff, Scanned: len(freezes)}
	for _, f := range freezes {
		item := SweepItem{FreezeID: f.ID, UserID: f.UserID, Amount: f.Amount, CreatedAt: f.CreatedAt}
		if f.TaskID != nil {
			item.TaskID = *f.TaskID
		}

		if item.TaskID != "" && opts.TaskActive != nil {
			active, err := opts.TaskActive(ctx, item.TaskID)
			if err != nil {
				item.Action = "error"
				item.Error = err.Error()
				report.Failed++
				report.Items = append(report.Items, item)
				continue
			}
			if active {
				item.Action = "skipped_active"
				report.Skipped++
				report.Items = append(report.Items, item)
				continue
			}
		}

		if !opts.Apply {
			item.Action = "would_rollback"
			report.Items = append(report.Items, item)
			continue
		}

		applied, err := l.rollback(ctx, f.ID, "stale_freeze_sweep")
		switch {
		case err != nil && errors.Is(err, ErrFreezeNotPending):
			item.Action = "resolved_concurrently"
			report.Skipped++
		case err != nil:
			item.Action = "error"
			item.Error = err.Error()
			report.Failed++
			l.logger.Error("sweep rollback failed", "freeze_id", f.ID, "user_id", f.UserID, "error", err)
		case applied:
			item.Action = "rolled_back"
			report.RolledBack++
			report.Released += f.Amount
			telemetry.FreezeSweepRollbacks.Inc()
			l.logger.Warn("stale freeze rolled back", "freeze_id", f.ID, "user_id", f.UserID,
				"task_id", item.TaskID, "amount", f.Amount.String(), "age", l.now().Sub(f.CreatedAt).String())
		default:
			item.Action = "resolved_concurrently"
			report.Skipped++
		}
		report.Items = append(report.Items, item)
	}
	return report, nil
}

// AuditReport compares a user's balance aggregate with the transaction log.
type AuditReport struct {
	UserID        string       `json:"userId"`
	Balance       models.Money `json:"balance"`
	Frozen        models.Money `json:"frozenAmount"`
	LedgerNet     models.Money `json:"ledgerNet"`
	PendingFrozen models.Money `json:"pendingFrozen"`
	Drift         models.Money `json:"drift"`
	FrozenDrift   models.Money `json:"frozenDrift"`
	Consistent    bool         `json:"consistent"`
}

// Audit checks balance+frozen against the signed sum of money-moving rows, and the
// frozen aggregate against the sum of pending freezes. Rollback rows are
// informational: the money they describe never left balance+frozen.
func (l *Ledger) Audit(ctx context.Context, userID string) (AuditReport, error) {
	bal, err := l.repo.GetBalance(ctx, userID)
	if err != nil {
		return AuditReport{}, fmt.Errorf("load balance: %w", err)
	}
	txs, err := l.repo.ListTransactions(ctx, userID)
	if err != nil {
		return AuditReport{}, fmt.Errorf("list transactions: %w", err)
	}
	pending, err := l.repo.ListPendingFreezes(ctx, PendingFilter{UserID: userID})
	if err != nil {
		return AuditReport{}, fmt.Errorf("list pending freezes: %w", err)
	}

	report := AuditReport{UserID: userID, Balance: bal.Balance, Frozen: bal.Frozen}
	for _, tx := range txs {
		switch tx.Type {
		case models.TxRecharge, models.TxAdjust, models.TxConsume, models.TxShadowConsume:
			report.LedgerNet += tx.Amount
		}
	}
	for _, f := range pending {
		report.PendingFrozen += f.Amount
	}
	report.Drift = bal.Balance + bal.Frozen - report.LedgerNet
	report.FrozenDrift = bal.Frozen - report.PendingFrozen
	report.Consistent = report.Drift == 0 && report.FrozenDrift == 0
	if !report.Consistent {
		l.logger.Warn("ledger audit drift", "user_id", userID, "drift", report.Drift.String(),
			"frozen_drift", report.FrozenDrift.String())
	}
	return report, nil
}
