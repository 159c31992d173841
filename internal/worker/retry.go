package worker

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/MR-liu/waoowaoo-sub006/internal/task"
)

// StepPolicy bounds the in-handler retry of one external call.
type StepPolicy struct {
	Attempts int
	Base     time.Duration
	Max      time.Duration
}

// RetryStep runs fn until it succeeds, returns a non-retryable error, or the attempts
// run out. Each attempt is reported as progress meta so clients can show it. The
// task is checkpointed before every attempt, so a cancelled task stops retrying.
func RetryStep(ctx context.Context, job *Job, stepID string, policy StepPolicy, fn func(ctx context.Context) error) error {
	attempts := max(policy.Attempts, 1)
	var last error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := job.Checkpoint(ctx); err != nil {
			return err
		}
		if attempt > 1 {
			err := job.Report(ctx, Progress{
				Percent: job.Percent(),
				Stage:   stepID,
				Meta:    map[string]any{"stepId": stepID, "stepAttempt": attempt, "stepMaxAttempts": attempts},
			})
			if err != nil {
				return err
			}
		}
		last = fn(ctx)
		if last == nil {
			return nil
		}
		if errors.Is(last, ErrTaskTerminated) || !task.Normalize(last).Retryable || attempt == attempts {
			return last
		}
		wait := backoffWithJitter(policy.Base, policy.Max, attempt)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return last
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 || base <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	if wait < 2 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}
