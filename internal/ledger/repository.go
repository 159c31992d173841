package ledger

import (
	"context"
	"time"

	"github.com/MR-liu/waoowaoo-sub006/internal/models"
)

// Repository persists balances, freezes and transactions. Every method is one atomic
// unit: implementations guard state changes on the freeze's current status or on the
// idempotency key instead of reading and then writing.
type Repository interface {
	// Freeze reserves p.Amount if the balance covers it. A freeze already holding
	// p.IdempotencyKey is returned with created=false and nothing changes.
	Freeze(ctx context.Context, p FreezeParams) (freeze models.BalanceFreeze, created bool, err error)
	// IncreaseFreeze moves delta more from balance into a pending freeze.
	IncreaseFreeze(ctx context.Context, freezeID string, delta models.Money, now time.Time) (models.BalanceFreeze, error)
	Settle(ctx context.Context, p SettleParams) (SettleOutcome, error)
	Rollback(ctx context.Context, p RollbackParams) (RollbackOutcome, error)
	// AppendTransaction writes a row that does not move money (shadow usage). A row
	// whose idempotency key exists is skipped and reported as not inserted.
	AppendTransaction(ctx context.Context, tx models.BalanceTransaction) (bool, error)
	// Credit adds a signed amount to the balance with a recharge or adjust row.
	Credit(ctx context.Context, tx models.BalanceTransaction) (models.BalanceTransaction, bool, error)

	GetBalance(ctx context.Context, userID string) (models.UserBalance, error)
	GetFreeze(ctx context.Context, id string) (models.BalanceFreeze, error)
	ListPendingFreezes(ctx context.Context, f PendingFilter) ([]models.BalanceFreeze, error)
	ListTransactions(ctx context.Context, userID string) ([]models.BalanceTransaction, error)
}

type FreezeParams struct {
	ID             string
	UserID         string
	TaskID         *string
	Amount         models.Money
	IdempotencyKey *string
	Now            time.Time
}

// SettleParams completes a freeze. A nil Charged settles the full frozen amount.
type SettleParams struct {
	FreezeID string
	Charged  *models.Money
	TxID     string
	Metadata map[string]any
	Now      time.Time
}

type SettleOutcome struct {
	Freeze  models.BalanceFreeze
	Charged models.Money
	Refund  models.Money
	Applied bool
}

type RollbackParams struct {
	FreezeID string
	TxID     string
	Reason   string
	Now      time.Time
}

type RollbackOutcome struct {
	Freeze  models.BalanceFreeze
	Applied bool
}

// PendingFilter selects pending freezes. Zero values mean "any".
type PendingFilter struct {
	UserID        string
	CreatedBefore time.Time
	Limit         int
}

// SettleKey and RollbackKey are the idempotency keys of the rows written when a
// freeze resolves.
func SettleKey(freezeID string) string   { return "settle:" + freezeID }
func RollbackKey(freezeID string) string { return "rollback:" + freezeID }
