package ledger

import (
	"errors"
	"fmt"

	"github.com/MR-liu/waoowaoo-sub006/internal/models"
)

var (
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")
	ErrFreezeNotFound      = errors.New("ledger: freeze not found")
	ErrFreezeNotPending    = errors.New("ledger: freeze is not pending")
	ErrInvalidAmount       = errors.New("ledger: invalid amount")
	ErrOverCharge          = errors.New("ledger: charge exceeds frozen amount")
	ErrInvalidTxType       = errors.New("ledger: invalid transaction type")
)

// InsufficientBalanceError reports how much a freeze needed against what was available.
type InsufficientBalanceError struct {
	Required  models.Money
	Available models.Money
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("ledger: insufficient balance: required %s, available %s", e.Required, e.Available)
}

func (e *InsufficientBalanceError) Is(target error) bool {
	return target == ErrInsufficientBalance
}
