package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/MR-liu/waoowaoo-sub006/internal/ledger"
	"github.com/MR-liu/waoowaoo-sub006/internal/models"
)

var _ ledger.Repository = (*Store)(nil)

const freezeColumns = `id, user_id, task_id, amount, status, idempotency_key, created_at, updated_at`

func scanFreeze(row pgx.Row) (models.BalanceFreeze, error) {
	var (
		f            models.BalanceFreeze
		taskID, key  pgtype.Text
		amount       int64
	)
	if err := row.Scan(&f.ID, &f.UserID, &taskID, &amount, &f.Status, &key, &f.CreatedAt, &f.UpdatedAt); err != nil {
		return models.BalanceFreeze{}, err
	}
	f.TaskID = textPtr(taskID)
	f.IdempotencyKey = textPtr(key)
	f.Amount = models.Money(amount)
	return f, nil
}

// lockBalance returns the user's balance row under FOR UPDATE, creating it empty
// when missing.
func lockBalance(ctx context.Context, tx pgx.Tx, userID string) (models.UserBalance, error) {
	if _, err := tx.Exec(ctx, `INSERT INTO user_balances (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING`, userID); err != nil {
		return models.UserBalance{}, fmt.Errorf("ensure balance %s: %w", userID, err)
	}
	var (
		b                      models.UserBalance
		balance, frozen, spent int64
	)
	err := tx.QueryRow(ctx, `
		SELECT user_id, balance, frozen_amount, total_spent, updated_at
		FROM user_balances WHERE user_id = $1 FOR UPDATE
	`, userID).Scan(&b.UserID, &balance, &frozen, &spent, &b.UpdatedAt)
	if err != nil {
		return models.UserBalance{}, fmt.Errorf("lock balance %s: %w", userID, err)
	}
	b.Balance, b.Frozen, b.TotalSpent = models.Money(balance), models.Money(frozen), models.Money(spent)
	return b, nil
}

func writeBalance(ctx context.Context, tx pgx.Tx, b models.UserBalance) error {
	_, err := tx.Exec(ctx, `
		UPDATE user_balances SET balance = $2, frozen_amount = $3, total_spent = $4, updated_at = $5
		WHERE user_id = $1
	`, b.UserID, int64(b.Balance), int64(b.Frozen), int64(b.TotalSpent), b.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update balance %s: %w", b.UserID, err)
	}
	return nil
}

// insertTx writes a ledger row. A row whose idempotency key exists is skipped.
func insertTx(ctx context.Context, tx pgx.Tx, t models.BalanceTransaction) (bool, error) {
	var meta []byte
	if t.Metadata != nil {
		b, err := json.Marshal(t.Metadata)
		if err != nil {
			return false, fmt.Errorf("encode metadata: %w", err)
		}
		meta = b
	}
	tag, err := tx.Exec(ctx, `
		INSERT INTO balance_transactions (id, user_id, type, amount, balance_after, idempotency_key, freeze_id, task_id, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (idempotency_key) DO NOTHING
	`, t.ID, t.UserID, string(t.Type), int64(t.Amount), int64(t.BalanceAfter), t.IdempotencyKey, t.FreezeID, t.TaskID, meta, t.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("insert transaction: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) Freeze(ctx context.Context, p ledger.FreezeParams) (models.BalanceFreeze, bool, error) {
	var (
		out     models.BalanceFreeze
		created bool
	)
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		bal, err := lockBalance(ctx, tx, p.UserID)
		if err != nil {
			return err
		}
		// Same-user freezes are serialized by the balance lock, so the key lookup
		// below cannot race with another insert of the same key.
		if p.IdempotencyKey != nil {
			existing, err := scanFreeze(tx.QueryRow(ctx, `SELECT `+freezeColumns+` FROM balance_freezes WHERE idempotency_key = $1`, *p.IdempotencyKey))
			if err == nil {
				out = existing
				return nil
			}
			if !errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("find freeze key: %w", err)
			}
		}
		if bal.Balance < p.Amount {
			return &ledger.InsufficientBalanceError{Required: p.Amount, Available: bal.Balance}
		}
		now := stamp(p.Now)
		bal.Balance -= p.Amount
		bal.Frozen += p.Amount
		bal.UpdatedAt = now
		if err := writeBalance(ctx, tx, bal); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO balance_freezes (id, user_id, task_id, amount, status, idempotency_key, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		`, p.ID, p.UserID, p.TaskID, int64(p.Amount), string(models.FreezePending), p.IdempotencyKey, now)
		if err != nil {
			return fmt.Errorf("insert freeze: %w", err)
		}
		out = models.BalanceFreeze{
			ID:             p.ID,
			UserID:         p.UserID,
			TaskID:         p.TaskID,
			Amount:         p.Amount,
			Status:         models.FreezePending,
			IdempotencyKey: p.IdempotencyKey,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		created = true
		return nil
	})
	if err != nil {
		return models.BalanceFreeze{}, false, err
	}
	return out, created, nil
}

func lockFreeze(ctx context.Context, tx pgx.Tx, id string) (models.BalanceFreeze, error) {
	f, err := scanFreeze(tx.QueryRow(ctx, `SELECT `+freezeColumns+` FROM balance_freezes WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.BalanceFreeze{}, fmt.Errorf("freeze %s: %w", id, ledger.ErrFreezeNotFound)
	}
	if err != nil {
		return models.BalanceFreeze{}, fmt.Errorf("lock freeze %s: %w", id, err)
	}
	return f, nil
}

func setFreeze(ctx context.Context, tx pgx.Tx, f models.BalanceFreeze) error {
	_, err := tx.Exec(ctx, `UPDATE balance_freezes SET amount = $2, status = $3, updated_at = $4 WHERE id = $1`,
		f.ID, int64(f.Amount), string(f.Status), f.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update freeze %s: %w", f.ID, err)
	}
	return nil
}

func (s *Store) IncreaseFreeze(ctx context.Context, freezeID string, delta models.Money, now time.Time) (models.BalanceFreeze, error) {
	var out models.BalanceFreeze
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		f, err := lockFreeze(ctx, tx, freezeID)
		if err != nil {
			return err
		}
		if f.Status != models.FreezePending {
			return fmt.Errorf("increase freeze %s (%s): %w", freezeID, f.Status, ledger.ErrFreezeNotPending)
		}
		bal, err := lockBalance(ctx, tx, f.UserID)
		if err != nil {
			return err
		}
		if bal.Balance < delta {
			return &ledger.InsufficientBalanceError{Required: delta, Available: bal.Balance}
		}
		now = stamp(now)
		bal.Balance -= delta
		bal.Frozen += delta
		bal.UpdatedAt = now
		if err := writeBalance(ctx, tx, bal); err != nil {
			return err
		}
		f.Amount += delta
		f.UpdatedAt = now
		out = f
		return setFreeze(ctx, tx, f)
	})
	return out, err
}

func (s *Store) Settle(ctx context.Context, p ledger.SettleParams) (ledger.SettleOutcome, error) {
	var out ledger.SettleOutcome
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		f, err := lockFreeze(ctx, tx, p.FreezeID)
		if err != nil {
			return err
		}
		switch f.Status {
		case models.FreezeCompleted:
			out = ledger.SettleOutcome{Freeze: f}
			return nil
		case models.FreezeRolledBack:
			return fmt.Errorf("settle freeze %s: %w", p.FreezeID, ledger.ErrFreezeNotPending)
		}

		charged := f.Amount
		if p.Charged != nil {
			charged = *p.Charged
		}
		if charged > f.Amount {
			return fmt.Errorf("settle freeze %s: charge %s over %s: %w", p.FreezeID, charged, f.Amount, ledger.ErrOverCharge)
		}
		refund := f.Amount - charged
		now := stamp(p.Now)

		bal, err := lockBalance(ctx, tx, f.UserID)
		if err != nil {
			return err
		}
		bal.Frozen -= f.Amount
		bal.Balance += refund
		bal.TotalSpent += charged
		bal.UpdatedAt = now
		if err := writeBalance(ctx, tx, bal); err != nil {
			return err
		}
		if charged > 0 {
			key := ledger.SettleKey(f.ID)
			freezeID := f.ID
			if _, err := insertTx(ctx, tx, models.BalanceTransaction{
				ID:             p.TxID,
				UserID:         f.UserID,
				Type:           models.TxConsume,
				Amount:         -charged,
				BalanceAfter:   bal.Balance,
				IdempotencyKey: &key,
				FreezeID:       &freezeID,
				TaskID:         f.TaskID,
				Metadata:       p.Metadata,
				CreatedAt:      now,
			}); err != nil {
				return err
			}
		}
		f.Status = models.FreezeCompleted
		f.UpdatedAt = now
		if err := setFreeze(ctx, tx, f); err != nil {
			return err
		}
		out = ledger.SettleOutcome{Freeze: f, Charged: charged, Refund: refund, Applied: true}
		return nil
	})
	return out, err
}

func (s *Store) Rollback(ctx context.Context, p ledger.RollbackParams) (ledger.RollbackOutcome, error) {
	var out ledger.RollbackOutcome
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		f, err := lockFreeze(ctx, tx, p.FreezeID)
		if err != nil {
			return err
		}
		switch f.Status {
		case models.FreezeRolledBack:
			out = ledger.RollbackOutcome{Freeze: f}
			return nil
		case models.FreezeCompleted:
			return fmt.Errorf("rollback freeze %s: %w", p.FreezeID, ledger.ErrFreezeNotPending)
		}
		now := stamp(p.Now)

		bal, err := lockBalance(ctx, tx, f.UserID)
		if err != nil {
			return err
		}
		bal.Frozen -= f.Amount
		bal.Balance += f.Amount
		bal.UpdatedAt = now
		if err := writeBalance(ctx, tx, bal); err != nil {
			return err
		}
		key := ledger.RollbackKey(f.ID)
		freezeID := f.ID
		if _, err := insertTx(ctx, tx, models.BalanceTransaction{
			ID:             p.TxID,
			UserID:         f.UserID,
			Type:           models.TxRollback,
			Amount:         f.Amount,
			BalanceAfter:   bal.Balance,
			IdempotencyKey: &key,
			FreezeID:       &freezeID,
			TaskID:         f.TaskID,
			Metadata:       map[string]any{"reason": p.Reason},
			CreatedAt:      now,
		}); err != nil {
			return err
		}
		f.Status = models.FreezeRolledBack
		f.UpdatedAt = now
		if err := setFreeze(ctx, tx, f); err != nil {
			return err
		}
		out = ledger.RollbackOutcome{Freeze: f, Applied: true}
		return nil
	})
	return out, err
}

func (s *Store) AppendTransaction(ctx context.Context, t models.BalanceTransaction) (bool, error) {
	var inserted bool
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		bal, err := lockBalance(ctx, tx, t.UserID)
		if err != nil {
			return err
		}
		t.BalanceAfter = bal.Balance
		t.CreatedAt = stamp(t.CreatedAt)
		inserted, err = insertTx(ctx, tx, t)
		return err
	})
	return inserted, err
}

func (s *Store) Credit(ctx context.Context, t models.BalanceTransaction) (models.BalanceTransaction, bool, error) {
	var (
		out     models.BalanceTransaction
		applied bool
	)
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		bal, err := lockBalance(ctx, tx, t.UserID)
		if err != nil {
			return err
		}
		if t.IdempotencyKey != nil {
			existing, err := scanTransaction(tx.QueryRow(ctx, `SELECT `+txColumns+` FROM balance_transactions WHERE idempotency_key = $1`, *t.IdempotencyKey))
			if err == nil {
				out = existing
				return nil
			}
			if !errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("find transaction key: %w", err)
			}
		}
		if bal.Balance+t.Amount < 0 {
			return &ledger.InsufficientBalanceError{Required: -t.Amount, Available: bal.Balance}
		}
		t.CreatedAt = stamp(t.CreatedAt)
		bal.Balance += t.Amount
		bal.UpdatedAt = t.CreatedAt
		if err := writeBalance(ctx, tx, bal); err != nil {
			return err
		}
		t.BalanceAfter = bal.Balance
		if _, err := insertTx(ctx, tx, t); err != nil {
			return err
		}
		out, applied = t, true
		return nil
	})
	if err != nil {
		return models.BalanceTransaction{}, false, err
	}
	return out, applied, nil
}

func (s *Store) GetBalance(ctx context.Context, userID string) (models.UserBalance, error) {
	var balance, frozen, spent int64
	b := models.UserBalance{UserID: userID}
	err := s.pool.QueryRow(ctx, `
		SELECT balance, frozen_amount, total_spent, updated_at FROM user_balances WHERE user_id = $1
	`, userID).Scan(&balance, &frozen, &spent, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return b, nil
	}
	if err != nil {
		return models.UserBalance{}, fmt.Errorf("get balance %s: %w", userID, err)
	}
	b.Balance, b.Frozen, b.TotalSpent = models.Money(balance), models.Money(frozen), models.Money(spent)
	return b, nil
}

func (s *Store) GetFreeze(ctx context.Context, id string) (models.BalanceFreeze, error) {
	f, err := scanFreeze(s.pool.QueryRow(ctx, `SELECT `+freezeColumns+` FROM balance_freezes WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.BalanceFreeze{}, fmt.Errorf("get freeze %s: %w", id, ledger.ErrFreezeNotFound)
	}
	if err != nil {
		return models.BalanceFreeze{}, fmt.Errorf("get freeze %s: %w", id, err)
	}
	return f, nil
}

func (s *Store) ListPendingFreezes(ctx context.Context, f ledger.PendingFilter) ([]models.BalanceFreeze, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 10000
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+freezeColumns+` FROM balance_freezes
		WHERE status = 'pending'
		  AND ($1 = '' OR user_id = $1)
		  AND ($2::timestamptz IS NULL OR created_at < $2)
		ORDER BY created_at
		LIMIT $3
	`, f.UserID, nullTime(f.CreatedBefore), limit)
	if err != nil {
		return nil, fmt.Errorf("list pending freezes: %w", err)
	}
	defer rows.Close()
	var out []models.BalanceFreeze
	for rows.Next() {
		fr, err := scanFreeze(rows)
		if err != nil {
			return nil, fmt.Errorf("scan freeze: %w", err)
		}
		out = append(out, fr)
	}
	return out, rows.Err()
}

const txColumns = `id, user_id, type, amount, balance_after, idempotency_key, freeze_id, task_id, metadata, created_at`

func scanTransaction(row pgx.Row) (models.BalanceTransaction, error) {
	var (
		t                     models.BalanceTransaction
		amount, after         int64
		key, freezeID, taskID pgtype.Text
		meta                  []byte
	)
	if err := row.Scan(&t.ID, &t.UserID, &t.Type, &amount, &after, &key, &freezeID, &taskID, &meta, &t.CreatedAt); err != nil {
		return models.BalanceTransaction{}, err
	}
	t.Amount, t.BalanceAfter = models.Money(amount), models.Money(after)
	t.IdempotencyKey, t.FreezeID, t.TaskID = textPtr(key), textPtr(freezeID), textPtr(taskID)
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &t.Metadata); err != nil {
			return models.BalanceTransaction{}, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return t, nil
}

func (s *Store) ListTransactions(ctx context.Context, userID string) ([]models.BalanceTransaction, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+txColumns+` FROM balance_transactions WHERE user_id = $1 ORDER BY created_at, id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()
	var out []models.BalanceTransaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
