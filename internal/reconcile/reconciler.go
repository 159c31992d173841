// Package reconcile decides whether an active task still has a live queue job.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/MR-liu/waoowaoo-sub006/internal/models"
)

// JobTracker answers whether the queue still tracks a task's job.
type JobTracker interface {
	IsAlive(ctx context.Context, taskID string) (bool, error)
}

// Reconciler treats a task as alive when its queue job exists, or when it showed a
// sign of life within the grace window (a task that has not reached the queue yet,
// or a worker that is still heartbeating).
type Reconciler struct {
	tracker JobTracker
	grace  time.Duration
	now    func() time.Time
}

func New(tracker JobTracker, grace time.Duration) *Reconciler {
	return &Reconciler{tracker: tracker, grace: grace, now: time.Now}
}

// IsJobAlive never guesses: a lookup error is returned to the caller.
func (r *Reconciler) IsJobAlive(ctx context.Context, t models.Task) (bool, error) {
	if !t.Status.IsActive() {
		return false, nil
	}
	alive, err := r.tracker.IsAlive(ctx, t.ID)
	if err != nil {
		return false, fmt.Errorf("reconcile %s: %w", t.ID, err)
	}
	if alive {
		return true, nil
	}
	return r.now().Sub(t.LastSeen()) < r.grace, nil
}
