package worker

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MR-liu/waoowaoo-sub006/internal/config"
	"github.com/MR-liu/waoowaoo-sub006/internal/events"
	"github.com/MR-liu/waoowaoo-sub006/internal/ledger"
	"github.com/MR-liu/waoowaoo-sub006/internal/logging"
	"github.com/MR-liu/waoowaoo-sub006/internal/models"
	"github.com/MR-liu/waoowaoo-sub006/internal/queue"
	"github.com/MR-liu/waoowaoo-sub006/internal/reconcile"
	"github.com/MR-liu/waoowaoo-sub006/internal/store/memory"
	"github.com/MR-liu/waoowaoo-sub006/internal/task"
)

func TestBackoffWithJitter(t *testing.T) {
	rand.Seed(1)
	base := time.Second
	max := 8 * time.Second

	b1 := backoffWithJitter(base, max, 1)
	assert.GreaterOrEqual(t, b1, base/2)
	assert.LessOrEqual(t, b1, max)

	b3 := backoffWithJitter(base, max, 3)
	assert.GreaterOrEqual(t, b3, 2*base)
	assert.LessOrEqual(t, b3, max)

	b9 := backoffWithJitter(base, max, 9)
	assert.GreaterOrEqual(t, b9, max/2, "backoff not capped for attempt 9")
	assert.LessOrEqual(t, b9, max)
}

type aliveTracker struct{}

func (aliveTracker) IsAlive(context.Context, string) (bool, error) { return true, nil }

type testRig struct {
	st     *memory.Store
	ledger *ledger.Ledger
	svc    *task.Service
	q      *queue.RedisQueue
	cfg    config.Config
}

func newRig(t *testing.T) *testRig {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := config.Config{
		VisibilityTimeout:  time.Minute,
		WorkerPollInterval: 10 * time.Millisecond,
		WorkerConcurrency:  1,
		HeartbeatInterval:  time.Hour,
		HeartbeatTimeout:   2 * time.Hour,
		DLQName:            "queue:dlq",
	}
	st := memory.New()
	logger := logging.Discard()
	q := queue.NewRedisQueue(client, cfg)
	l := ledger.New(st, logger)
	svc := task.NewService(st, l, events.NewPublisher(st, st, nil, logger), reconcile.New(aliveTracker{}, time.Minute), q, logger,
		task.WithClaimTimeout(cfg.HeartbeatTimeout))

	_, err := l.Credit(context.Background(), ledger.CreditInput{UserID: "u1", Amount: models.Units(10, 0), Type: models.TxRecharge, IdempotencyKey: "seed"})
	require.NoError(t, err)
	return &testRig{st: st, ledger: l, svc: svc, q: q, cfg: cfg}
}

func (r *testRig) submit(t *testing.T) queue.Message {
	t.Helper()
	ctx := context.Background()
	res, err := r.svc.CreateTask(ctx, task.CreateInput{
		UserID:     "u1",
		ProjectID:  "p1",
		Type:       models.TaskImageCharacter,
		TargetType: "character",
		TargetID:   "char-1",
		Payload:    json.RawMessage(`{"imageModel":"test-image","prompt":"a knight"}`),
		BillingInfo: &models.BillingInfo{
			APIType:       "image",
			Model:         "test-image",
			Quantity:      1,
			Unit:          "image",
			MaxFrozenCost: models.Units(2, 0),
			Status:        models.BillingQuoted,
		},
	})
	require.NoError(t, err)
	msg := queue.Message{
		TaskID:     res.Task.ID,
		Type:       res.Task.Type,
		Family:     res.Task.Type.Family(),
		UserID:     "u1",
		ProjectID:  "p1",
		EnqueuedAt: res.Task.CreatedAt,
	}
	require.NoError(t, r.q.Enqueue(ctx, msg))
	return msg
}

func (r *testRig) executor(reg *Registry) *Executor {
	return NewExecutor(r.svc, reg, r.q, r.cfg.HeartbeatInterval, r.cfg.VisibilityTimeout, logging.Discard())
}

func (r *testRig) balance(t *testing.T) models.UserBalance {
	t.Helper()
	b, err := r.ledger.Balance(context.Background(), "u1")
	require.NoError(t, err)
	return b
}

func (r *testRig) task(t *testing.T, id string) models.Task {
	t.Helper()
	got, err := r.svc.GetTask(context.Background(), id)
	require.NoError(t, err)
	return got
}

func TestExecutorCompletesAndSettlesActualCost(t *testing.T) {
	rig := newRig(t)
	msg := rig.submit(t)

	reg := NewRegistry()
	reg.Register(models.TaskImageCharacter, HandlerFunc(func(ctx context.Context, job *Job) (Result, error) {
		assert.IsType(t, models.ImagePayload{}, job.Payload)
		for _, pct := range []int{10, 55} {
			if err := job.Report(ctx, Progress{Percent: pct, Stage: "generate", Persist: true}); err != nil {
				return Result{}, err
			}
		}
		actual := models.Units(1, 200000)
		return Result{ActualCost: &actual, Data: map[string]any{"imageUrls": []string{"s3://b/k.png"}}}, nil
	}))

	assert.Equal(t, OutcomeCompleted, rig.executor(reg).Execute(context.Background(), msg))

	done := rig.task(t, msg.TaskID)
	assert.Equal(t, models.StatusCompleted, done.Status)
	assert.Equal(t, 100, done.Progress)
	b := rig.balance(t)
	assert.Equal(t, models.Units(8, 800000), b.Balance)
	assert.Equal(t, models.Money(0), b.Frozen)
}

func TestExecutorStopsAtCheckpointAfterCancel(t *testing.T) {
	rig := newRig(t)
	msg := rig.submit(t)

	reg := NewRegistry()
	reg.RegisterFamily(models.FamilyImage, HandlerFunc(func(ctx context.Context, job *Job) (Result, error) {
		_, err := rig.svc.CancelTask(ctx, job.Task.ID, "u1")
		require.NoError(t, err)
		assert.ErrorIs(t, job.Report(ctx, Progress{Percent: 50}), ErrTaskTerminated)
		return Result{}, job.Checkpoint(ctx)
	}))

	assert.Equal(t, OutcomeTerminated, rig.executor(reg).Execute(context.Background(), msg))
	assert.Equal(t, models.StatusCancelled, rig.task(t, msg.TaskID).Status)
	b := rig.balance(t)
	assert.Equal(t, models.Units(10, 0), b.Balance, "freeze not released")
	assert.Equal(t, models.Money(0), b.Frozen)
}

func TestExecutorFailureNormalizesAndDeadLetters(t *testing.T) {
	cases := map[string]struct {
		handler HandlerFunc
		code    task.Code
	}{
		"provider rejection": {
			handler: func(context.Context, *Job) (Result, error) {
				return Result{}, errors.New("provider: prompt blocked by moderation")
			},
			code: task.CodeSensitiveContent,
		},
		"panic": {
			handler: func(context.Context, *Job) (Result, error) { panic("nil map") },
			code:    task.CodeInternal,
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			rig := newRig(t)
			msg := rig.submit(t)
			reg := NewRegistry()
			reg.Register(models.TaskImageCharacter, tc.handler)

			assert.Equal(t, OutcomeFailed, rig.executor(reg).Execute(context.Background(), msg))
			failed := rig.task(t, msg.TaskID)
			assert.Equal(t, models.StatusFailed, failed.Status)
			require.NotNil(t, failed.ErrorCode)
			assert.Equal(t, string(tc.code), *failed.ErrorCode)

			b := rig.balance(t)
			assert.Equal(t, models.Units(10, 0), b.Balance, "freeze not rolled back")
			assert.Equal(t, models.Money(0), b.Frozen)

			dead, err := rig.q.DLQPeek(context.Background(), 10)
			require.NoError(t, err)
			require.Len(t, dead, 1)
			assert.Equal(t, msg.TaskID, dead[0].TaskID)
		})
	}
}

func TestExecutorSkipsTerminalTask(t *testing.T) {
	rig := newRig(t)
	msg := rig.submit(t)
	_, err := rig.svc.CancelTask(context.Background(), msg.TaskID, "u1")
	require.NoError(t, err)

	called := false
	reg := NewRegistry()
	reg.Register(models.TaskImageCharacter, HandlerFunc(func(context.Context, *Job) (Result, error) {
		called = true
		return Result{}, nil
	}))
	assert.Equal(t, OutcomeSkipped, rig.executor(reg).Execute(context.Background(), msg))
	assert.False(t, called, "handler ran for a cancelled task")
}

func TestExecutorMissingHandlerFailsTask(t *testing.T) {
	rig := newRig(t)
	msg := rig.submit(t)
	assert.Equal(t, OutcomeFailed, rig.executor(NewRegistry()).Execute(context.Background(), msg))
	assert.Equal(t, models.StatusFailed, rig.task(t, msg.TaskID).Status)
}

func TestProcessOneAcksCompletedJob(t *testing.T) {
	rig := newRig(t)
	msg := rig.submit(t)

	reg := NewRegistry()
	reg.Register(models.TaskImageCharacter, HandlerFunc(func(context.Context, *Job) (Result, error) {
		return Result{}, nil
	}))
	p := NewProcessor(rig.cfg, rig.q, rig.svc, reg, "worker-1", logging.Discard())

	require.True(t, p.ProcessOne(context.Background(), models.FamilyImage), "expected a job to be processed")
	alive, err := rig.q.IsAlive(context.Background(), msg.TaskID)
	require.NoError(t, err)
	assert.False(t, alive, "job still alive after ack")
	assert.False(t, p.ProcessOne(context.Background(), models.FamilyImage), "expected empty queue")

	b := rig.balance(t)
	assert.Equal(t, models.Units(8, 0), b.Balance, "full freeze not settled")
	assert.Equal(t, models.Money(0), b.Frozen)
}

func TestReclaimedLeaseDoesNotStartSecondExecution(t *testing.T) {
	rig := newRig(t)
	msg := rig.submit(t)
	ctx := context.Background()

	var calls, running, peak atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})
	reg := NewRegistry()
	reg.Register(models.TaskImageCharacter, HandlerFunc(func(context.Context, *Job) (Result, error) {
		n := running.Add(1)
		defer running.Add(-1)
		if n > peak.Load() {
			peak.Store(n)
		}
		if calls.Add(1) == 1 {
			close(started)
			<-release
		}
		return Result{}, nil
	}))
	first := NewProcessor(rig.cfg, rig.q, rig.svc, reg, "worker-1", logging.Discard())
	second := NewProcessor(rig.cfg, rig.q, rig.svc, reg, "worker-2", logging.Discard())

	done := make(chan bool, 1)
	go func() { done <- first.ProcessOne(ctx, models.FamilyImage) }()
	<-started

	// The first worker's lease lapses while its handler is still running.
	reclaimed, err := rig.q.RequeueExpired(ctx, models.FamilyImage, time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	require.Equal(t, []string{msg.TaskID}, reclaimed)

	require.True(t, second.ProcessOne(ctx, models.FamilyImage), "second worker should dequeue the redelivered job")
	assert.Equal(t, int32(1), calls.Load(), "redelivered job started a second execution")

	close(release)
	require.True(t, <-done)

	assert.Equal(t, int32(1), peak.Load())
	done1 := rig.task(t, msg.TaskID)
	assert.Equal(t, models.StatusCompleted, done1.Status)
	assert.Equal(t, 1, done1.Attempt)
	alive, err := rig.q.IsAlive(ctx, msg.TaskID)
	require.NoError(t, err)
	assert.False(t, alive, "completing worker's ack should clear the redelivered lease")
	assert.Equal(t, models.Units(8, 0), rig.balance(t).Balance)
}

func TestProcessorRunDrainsQueue(t *testing.T) {
	rig := newRig(t)
	var msgs []queue.Message
	for i := 0; i < 3; i++ {
		msgs = append(msgs, rig.submit(t))
	}

	var mu sync.Mutex
	seen := map[string]int{}
	reg := NewRegistry()
	reg.Register(models.TaskImageCharacter, HandlerFunc(func(_ context.Context, job *Job) (Result, error) {
		mu.Lock()
		seen[job.Task.ID]++
		mu.Unlock()
		return Result{}, nil
	}))
	rig.cfg.WorkerConcurrency = 2
	p := NewProcessor(rig.cfg, rig.q, rig.svc, reg, "worker-1", logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == len(msgs)
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	mu.Lock()
	defer mu.Unlock()
	for _, m := range msgs {
		assert.Equal(t, 1, seen[m.TaskID], "task %s ran more than once", m.TaskID)
	}
}

func TestRetryStepRetriesOnlyRetryableErrors(t *testing.T) {
	rig := newRig(t)
	msg := rig.submit(t)
	tk, _, err := rig.svc.TryMarkProcessing(context.Background(), msg.TaskID)
	require.NoError(t, err)
	job := &Job{Task: tk, lifecycle: rig.svc}
	policy := StepPolicy{Attempts: 3, Base: time.Millisecond, Max: 2 * time.Millisecond}

	calls := 0
	err = RetryStep(context.Background(), job, "generate", policy, func(context.Context) error {
		calls++
		if calls < 3 {
			return task.NewError(task.CodeNetworkError, "connection reset", nil)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	snap := rig.task(t, msg.TaskID).CurrentProgress()
	assert.Equal(t, float64(3), snap.Meta["stepAttempt"])

	calls = 0
	err = RetryStep(context.Background(), job, "generate", policy, func(context.Context) error {
		calls++
		return task.NewError(task.CodeSensitiveContent, "", nil)
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls, "non-retryable error retried")
}
