package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/MR-liu/waoowaoo-sub006/internal/ledger"
	"github.com/MR-liu/waoowaoo-sub006/internal/models"
)

var _ ledger.Repository = (*Store)(nil)

func (s *Store) balance(userID string) models.UserBalance {
	if b, ok := s.balances[userID]; ok {
		return b
	}
	return models.UserBalance{UserID: userID}
}

func (s *Store) appendTx(tx models.BalanceTransaction) {
	if tx.IdempotencyKey != nil {
		s.txKeys[*tx.IdempotencyKey] = len(s.txs)
	}
	s.txs = append(s.txs, tx)
}

func (s *Store) Freeze(_ context.Context, p ledger.FreezeParams) (models.BalanceFreeze, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.IdempotencyKey != nil {
		if id, ok := s.freezeKey[*p.IdempotencyKey]; ok {
			return s.freezes[id], false, nil
		}
	}
	bal := s.balance(p.UserID)
	if bal.Balance < p.Amount {
		return models.BalanceFreeze{}, false, &ledger.InsufficientBalanceError{Required: p.Amount, Available: bal.Balance}
	}
	now := stamp(p.Now)
	bal.Balance -= p.Amount
	bal.Frozen += p.Amount
	bal.UpdatedAt = now
	s.balances[p.UserID] = bal

	f := models.BalanceFreeze{
		ID:             p.ID,
		UserID:         p.UserID,
		TaskID:         p.TaskID,
		Amount:         p.Amount,
		Status:         models.FreezePending,
		IdempotencyKey: p.IdempotencyKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.freezes[f.ID] = f
	if p.IdempotencyKey != nil {
		s.freezeKey[*p.IdempotencyKey] = f.ID
	}
	return f, true, nil
}

func (s *Store) IncreaseFreeze(_ context.Context, freezeID string, delta models.Money, now time.Time) (models.BalanceFreeze, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.freezes[freezeID]
	if !ok {
		return models.BalanceFreeze{}, fmt.Errorf("increase freeze %s: %w", freezeID, ledger.ErrFreezeNotFound)
	}
	if f.Status != models.FreezePending {
		return models.BalanceFreeze{}, fmt.Errorf("increase freeze %s (%s): %w", freezeID, f.Status, ledger.ErrFreezeNotPending)
	}
	bal := s.balance(f.UserID)
	if bal.Balance < delta {
		return models.BalanceFreeze{}, &ledger.InsufficientBalanceError{Required: delta, Available: bal.Balance}
	}
	now = stamp(now)
	bal.Balance -= delta
	bal.Frozen += delta
	bal.UpdatedAt = now
	s.balances[f.UserID] = bal

	f.Amount += delta
	f.UpdatedAt = now
	s.freezes[freezeID] = f
	return f, nil
}

func (s *Store) Settle(_ context.Context, p ledger.SettleParams) (ledger.SettleOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.freezes[p.FreezeID]
	if !ok {
		return ledger.SettleOutcome{}, fmt.Errorf("settle freeze %s: %w", p.FreezeID, ledger.ErrFreezeNotFound)
	}
	switch f.Status {
	case models.FreezeCompleted:
		return ledger.SettleOutcome{Freeze: f}, nil
	case models.FreezeRolledBack:
		return ledger.SettleOutcome{}, fmt.Errorf("settle freeze %s: %w", p.FreezeID, ledger.ErrFreezeNotPending)
	}

	charged := f.Amount
	if p.Charged != nil {
		charged = *p.Charged
	}
	if charged > f.Amount {
		return ledger.SettleOutcome{}, fmt.Errorf("settle freeze %s: charge %s over %s: %w", p.FreezeID, charged, f.Amount, ledger.ErrOverCharge)
	}
	refund := f.Amount - charged
	now := stamp(p.Now)

	bal := s.balance(f.UserID)
	bal.Frozen -= f.Amount
	bal.Balance += refund
	bal.TotalSpent += charged
	bal.UpdatedAt = now
	s.balances[f.UserID] = bal

	if charged > 0 {
		key := ledger.SettleKey(f.ID)
		freezeID := f.ID
		s.appendTx(models.BalanceTransaction{
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
		})
	}

	f.Status = models.FreezeCompleted
	f.UpdatedAt = now
	s.freezes[f.ID] = f
	return ledger.SettleOutcome{Freeze: f, Charged: charged, Refund: refund, Applied: true}, nil
}

func (s *Store) Rollback(_ context.Context, p ledger.RollbackParams) (ledger.RollbackOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.freezes[p.FreezeID]
	if !ok {
		return ledger.RollbackOutcome{}, fmt.Errorf("rollback freeze %s: %w", p.FreezeID, ledger.ErrFreezeNotFound)
	}
	switch f.Status {
	case models.FreezeRolledBack:
		return ledger.RollbackOutcome{Freeze: f}, nil
	case models.FreezeCompleted:
		return ledger.RollbackOutcome{}, fmt.Errorf("rollback freeze %s: %w", p.FreezeID, ledger.ErrFreezeNotPending)
	}
	now := stamp(p.Now)

	bal := s.balance(f.UserID)
	bal.Frozen -= f.Amount
	bal.Balance += f.Amount
	bal.UpdatedAt = now
	s.balances[f.UserID] = bal

	key := ledger.RollbackKey(f.ID)
	freezeID := f.ID
	s.appendTx(models.BalanceTransaction{
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
	})

	f.Status = models.FreezeRolledBack
	f.UpdatedAt = now
	s.freezes[f.ID] = f
	return ledger.RollbackOutcome{Freeze: f, Applied: true}, nil
}

func (s *Store) AppendTransaction(_ context.Context, tx models.BalanceTransaction) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tx.IdempotencyKey != nil {
		if _, ok := s.txKeys[*tx.IdempotencyKey]; ok {
			return false, nil
		}
	}
	tx.BalanceAfter = s.balance(tx.UserID).Balance
	tx.CreatedAt = stamp(tx.CreatedAt)
	s.appendTx(tx)
	return true, nil
}

func (s *Store) Credit(_ context.Context, tx models.BalanceTransaction) (models.BalanceTransaction, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tx.IdempotencyKey != nil {
		if i, ok := s.txKeys[*tx.IdempotencyKey]; ok {
			return s.txs[i], false, nil
		}
	}
	bal := s.balance(tx.UserID)
	if bal.Balance+tx.Amount < 0 {
		return models.BalanceTransaction{}, false, &ledger.InsufficientBalanceError{Required: -tx.Amount, Available: bal.Balance}
	}
	tx.CreatedAt = stamp(tx.CreatedAt)
	bal.Balance += tx.Amount
	bal.UpdatedAt = tx.CreatedAt
	s.balances[tx.UserID] = bal

	tx.BalanceAfter = bal.Balance
	s.appendTx(tx)
	return tx, true, nil
}

func (s *Store) GetBalance(_ context.Context, userID string) (models.UserBalance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.balance(userID), nil
}

func (s *Store) GetFreeze(_ context.Context, id string) (models.BalanceFreeze, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, ok := s.freezes[id]
	if !ok {
		return models.BalanceFreeze{}, fmt.Errorf("get freeze %s: %w", id, ledger.ErrFreezeNotFound)
	}
	return f, nil
}

func (s *Store) ListPendingFreezes(_ context.Context, f ledger.PendingFilter) ([]models.BalanceFreeze, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.BalanceFreeze
	for _, fr := range s.freezes {
		if fr.Status != models.FreezePending {
			continue
		}
		if f.UserID != "" && fr.UserID != f.UserID {
			continue
		}
		if !f.CreatedBefore.IsZero() && !fr.CreatedAt.Before(f.CreatedBefore) {
			continue
		}
		out = append(out, fr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *Store) ListTransactions(_ context.Context, userID string) ([]models.BalanceTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.BalanceTransaction
	for _, tx := range s.txs {
		if tx.UserID == userID {
			out = append(out, tx)
		}
	}
	return out, nil
}

// SetFreezeCreatedAt backdates a freeze. Sweep tests use it to age reservations.
func (s *Store) SetFreezeCreatedAt(id string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok := s.freezes[id]; ok {
		f.CreatedAt = at
		s.freezes[id] = f
	}
}
