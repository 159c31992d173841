// Package memory holds in-process repositories with the same guarded semantics as
// the Postgres store. They back tests and STORE_DRIVER=memory.
package memory

import (
	"sync"
	"time"

	"github.com/MR-liu/waoowaoo-sub006/internal/models"
)

// Store implements task.Repository, events.Repository, ledger.Repository and
// targetstate.Source behind a single mutex, so every method is atomic.
type Store struct {
	mu sync.RWMutex

	tasks     map[string]models.Task
	dedupe    map[string]string
	events    []models.TaskEvent
	nextSeq   int64
	balances  map[string]models.UserBalance
	freezes   map[string]models.BalanceFreeze
	freezeKey map[string]string
	txs       []models.BalanceTransaction
	txKeys    map[string]int
}

func New() *Store {
	return &Store{
		tasks:     make(map[string]models.Task),
		dedupe:    make(map[string]string),
		balances:  make(map[string]models.UserBalance),
		freezes:   make(map[string]models.BalanceFreeze),
		freezeKey: make(map[string]string),
		txKeys:    make(map[string]int),
	}
}

func stamp(now time.Time) time.Time {
	if now.IsZero() {
		return time.Now().UTC()
	}
	return now
}

func cloneTask(t models.Task) models.Task {
	if t.Payload != nil {
		t.Payload = append([]byte(nil), t.Payload...)
	}
	if t.BillingInfo != nil {
		bi := *t.BillingInfo
		t.BillingInfo = &bi
	}
	return t
}
