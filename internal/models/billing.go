package models

import (
	"time"
)

// BillingStatus tracks where a task's priced intent is in the ledger flow.
type BillingStatus string

const (
	BillingQuoted             BillingStatus = "quoted"
	BillingFrozen             BillingStatus = "frozen"
	BillingSettled            BillingStatus = "settled"
	BillingRolledBack         BillingStatus = "rolled_back"
	BillingCompensationFailed BillingStatus = "compensation_failed"
	BillingShadowRecorded     BillingStatus = "shadow_recorded"
)

// BillingMode decides what the ledger does for a billable task. It is snapshotted
// onto the task at submission so a mode change never affects tasks in flight.
type BillingMode string

const (
	// BillingModeOff prices the task but never touches the ledger.
	BillingModeOff BillingMode = "OFF"
	// BillingModeShadow records usage on completion without freezing or charging.
	BillingModeShadow BillingMode = "SHADOW"
	// BillingModeEnforce freezes at submission and settles or rolls back at the end.
	BillingModeEnforce BillingMode = "ENFORCE"
)

// BillingInfo is the priced intent attached to a task plus its freeze linkage.
type BillingInfo struct {
	APIType        string         `json:"apiType"`
	Model          string         `json:"model"`
	Quantity       int            `json:"quantity"`
	Unit           string         `json:"unit"`
	MaxFrozenCost  Money          `json:"maxFrozenCost"`
	PricingVersion string         `json:"pricingVersion,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	ModeSnapshot   BillingMode    `json:"modeSnapshot,omitempty"`
	Status         BillingStatus  `json:"status"`
	FreezeID       string         `json:"freezeId,omitempty"`
	ChargedAmount  *Money         `json:"chargedAmount,omitempty"`
}

// Enforced reports whether the task reserves and charges money. Rows written before
// modes existed carry no snapshot and are enforced.
func (b *BillingInfo) Enforced() bool {
	return b != nil && (b.ModeSnapshot == "" || b.ModeSnapshot == BillingModeEnforce)
}

// FreezeStatus is the state of a balance reservation.
type FreezeStatus string

const (
	FreezePending    FreezeStatus = "pending"
	FreezeCompleted  FreezeStatus = "completed"
	FreezeRolledBack FreezeStatus = "rolled_back"
)

// TransactionType classifies ledger rows.
type TransactionType string

const (
	TxRecharge      TransactionType = "recharge"
	TxConsume       TransactionType = "consume"
	TxShadowConsume TransactionType = "shadow_consume"
	TxAdjust        TransactionType = "adjust"
	TxRollback      TransactionType = "rollback"
)

// UserBalance is the per-user money aggregate.
type UserBalance struct {
	UserID     string    `json:"userId"`
	Balance    Money     `json:"balance"`
	Frozen     Money     `json:"frozenAmount"`
	TotalSpent Money     `json:"totalSpent"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// BalanceFreeze is money provisionally reserved for a task.
type BalanceFreeze struct {
	ID             string       `json:"id"`
	UserID         string       `json:"userId"`
	TaskID         *string      `json:"taskId,omitempty"`
	Amount         Money        `json:"amount"`
	Status         FreezeStatus `json:"status"`
	IdempotencyKey *string      `json:"idempotencyKey,omitempty"`
	CreatedAt      time.Time    `json:"createdAt"`
	UpdatedAt      time.Time    `json:"updatedAt"`
}

// BalanceTransaction is an immutable ledger row. Amount is signed.
type BalanceTransaction struct {
	ID             string          `json:"id"`
	UserID         string          `json:"userId"`
	Type           TransactionType `json:"type"`
	Amount         Money           `json:"amount"`
	BalanceAfter   Money           `json:"balanceAfter"`
	IdempotencyKey *string         `json:"idempotencyKey,omitempty"`
	FreezeID       *string         `json:"freezeId,omitempty"`
	TaskID         *string         `json:"taskId,omitempty"`
	Metadata       map[string]any  `json:"metadata,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
}
