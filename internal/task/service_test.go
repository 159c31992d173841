package task_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MR-liu/waoowaoo-sub006/internal/billing"
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

type recordingBus struct {
	mu     sync.Mutex
	events []models.TaskEvent
}

func (b *recordingBus) Publish(_ context.Context, channel string, payload []byte) error {
	if channel != events.TaskChannel(taskIDOf(payload)) {
		return nil
	}
	var ev models.TaskEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
	return nil
}

func (b *recordingBus) forTask(taskID string) []models.TaskEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []models.TaskEvent
	for _, ev := range b.events {
		if ev.TaskID == taskID {
			out = append(out, ev)
		}
	}
	return out
}

func taskIDOf(payload []byte) string {
	var head struct {
		TaskID string `json:"taskId"`
	}
	_ = json.Unmarshal(payload, &head)
	return head.TaskID
}

type fakeTracker struct {
	mu    sync.Mutex
	alive map[string]bool
	err   error
}

func (p *fakeTracker) IsAlive(_ context.Context, taskID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return false, p.err
	}
	return p.alive[taskID], nil
}

type harness struct {
	st     *memory.Store
	ledger *ledger.Ledger
	pub    *events.Publisher
	bus    *recordingBus
	tracker *fakeTracker
	svc    *task.Service
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st := memory.New()
	bus := &recordingBus{}
	logger := logging.Discard()
	h := &harness{
		st:     st,
		ledger: ledger.New(st, logger),
		pub:    events.NewPublisher(st, st, bus, logger),
		bus:    bus,
		tracker: &fakeTracker{alive: map[string]bool{}},
	}
	h.svc = task.NewService(st, h.ledger, h.pub, reconcile.New(h.tracker, time.Minute), nil, logger)
	return h
}

func (h *harness) credit(t *testing.T, userID string, amount models.Money) {
	t.Helper()
	_, err := h.ledger.Credit(context.Background(), ledger.CreditInput{UserID: userID, Amount: amount, Type: models.TxRecharge, IdempotencyKey: "seed:" + userID})
	require.NoError(t, err)
}

func (h *harness) balance(t *testing.T, userID string) models.UserBalance {
	t.Helper()
	b, err := h.ledger.Balance(context.Background(), userID)
	require.NoError(t, err)
	return b
}

func imageInput(dedupe string, cost models.Money) task.CreateInput {
	return task.CreateInput{
		UserID:     "u1",
		ProjectID:  "p1",
		Type:       models.TaskImageCharacter,
		TargetType: "character",
		TargetID:   "char-1",
		Payload:    json.RawMessage(`{"imageModel":"test-image"}`),
		DedupeKey:  dedupe,
		BillingInfo: &models.BillingInfo{
			APIType:       "image",
			Model:         "test-image",
			Quantity:      1,
			Unit:          "image",
			MaxFrozenCost: cost,
			Status:        models.BillingQuoted,
		},
	}
}

func seedOrphan(t *testing.T, st *memory.Store, dedupe string) models.Task {
	t.Helper()
	key := dedupe
	old := time.Now().UTC().Add(-10 * time.Minute)
	orphan := models.Task{
		ID:          "task_orphan",
		UserID:      "u1",
		ProjectID:   "p1",
		Type:        models.TaskImageCharacter,
		TargetType:  "character",
		TargetID:    "char-1",
		Status:      models.StatusProcessing,
		DedupeKey:   &key,
		HeartbeatAt: &old,
		CreatedAt:   old,
		UpdatedAt:   old,
	}
	require.NoError(t, st.InsertTask(context.Background(), orphan))
	return orphan
}

func TestCreateTaskDedupesWhileAlive(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.credit(t, "u1", models.Units(10, 0))

	first, err := h.svc.CreateTask(ctx, imageInput("img:char-1:0", models.Units(2, 0)))
	require.NoError(t, err)
	assert.False(t, first.Deduped)
	assert.Equal(t, models.StatusQueued, first.Task.Status)
	require.NotNil(t, first.Task.BillingInfo)
	assert.Equal(t, models.BillingFrozen, first.Task.BillingInfo.Status)

	h.tracker.alive[first.Task.ID] = true
	second, err := h.svc.CreateTask(ctx, imageInput("img:char-1:0", models.Units(2, 0)))
	require.NoError(t, err)
	assert.True(t, second.Deduped)
	assert.Equal(t, first.Task.ID, second.Task.ID)

	b := h.balance(t, "u1")
	assert.Equal(t, models.Units(8, 0), b.Balance)
	assert.Equal(t, models.Units(2, 0), b.Frozen)
}

func TestCreateTaskReconcileErrorFailsLoudly(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.credit(t, "u1", models.Units(10, 0))
	seedOrphan(t, h.st, "img:char-1:0")
	h.tracker.err = errors.New("redis: connection refused")

	_, err := h.svc.CreateTask(ctx, imageInput("img:char-1:0", models.Units(2, 0)))
	require.Error(t, err)
	assert.ErrorIs(t, err, task.ErrReconcileCheckFailed)
	assert.Equal(t, task.CodeReconcileCheckFailed, task.Normalize(err).Code)

	orphan, err := h.st.GetTask(ctx, "task_orphan")
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, orphan.Status, "tracker errors must not fail the holder")

	active, err := h.svc.ListActive(ctx, task.ListFilter{})
	require.NoError(t, err)
	assert.Len(t, active, 1)
	assert.Equal(t, models.Units(10, 0), h.balance(t, "u1").Balance)
}

func TestCreateTaskInsufficientBalanceCreatesNothing(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.credit(t, "u1", models.Units(1, 0))

	_, err := h.svc.CreateTask(ctx, imageInput("", models.Units(2, 0)))
	require.Error(t, err)
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)
	assert.Equal(t, task.CodeInsufficientBalance, task.Normalize(err).Code)

	active, err := h.svc.ListActive(ctx, task.ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestOrphanTakeoverIsExclusive(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.credit(t, "u1", models.Units(100, 0))
	seedOrphan(t, h.st, "img:char-1:0")

	const n = 16
	results := make([]task.CreateResult, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			results[i], errs[i] = h.svc.CreateTask(ctx, imageInput("img:char-1:0", models.Units(2, 0)))
		}(i)
	}
	close(start)
	wg.Wait()

	created := ""
	fresh := 0
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		if !results[i].Deduped {
			fresh++
			created = results[i].Task.ID
		}
	}
	require.Equal(t, 1, fresh)
	for i := 0; i < n; i++ {
		assert.Equal(t, created, results[i].Task.ID)
	}

	orphan, err := h.st.GetTask(ctx, "task_orphan")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, orphan.Status)
	require.NotNil(t, orphan.ErrorCode)
	assert.Equal(t, string(task.CodeReconcileOrphan), *orphan.ErrorCode)
	assert.Nil(t, orphan.DedupeKey)

	var orphanFailures int
	for _, ev := range h.bus.forTask("task_orphan") {
		if ev.Type == models.EventFailed {
			orphanFailures++
		}
	}
	assert.Equal(t, 1, orphanFailures)

	active, err := h.svc.ListActive(ctx, task.ListFilter{})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, created, active[0].ID)

	b := h.balance(t, "u1")
	assert.Equal(t, models.Units(98, 0), b.Balance)
	assert.Equal(t, models.Units(2, 0), b.Frozen)
}

func TestLifecycleCompletesAndSettles(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.credit(t, "u1", models.Units(10, 0))

	res, err := h.svc.CreateTask(ctx, imageInput("", models.Units(2, 0)))
	require.NoError(t, err)
	id := res.Task.ID

	running, ok, err := h.svc.TryMarkProcessing(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, running.Attempt)
	require.NotNil(t, running.HeartbeatAt)

	ok, err = h.svc.UpdateProgress(ctx, id, task.ProgressReport{Percent: 250, Stage: "generate", StageLabel: "Generating"})
	require.NoError(t, err)
	require.True(t, ok)
	got, err := h.svc.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 100, got.Progress)
	assert.Equal(t, "generate", got.CurrentProgress().Stage)

	actual := models.Units(1, 500000)
	ok, err = h.svc.MarkCompleted(ctx, id, task.Completion{ActualCost: &actual, Result: map[string]any{"url": "x"}})
	require.NoError(t, err)
	require.True(t, ok)

	done, err := h.svc.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, done.Status)
	require.NotNil(t, done.BillingInfo)
	assert.Equal(t, models.BillingSettled, done.BillingInfo.Status)
	require.NotNil(t, done.BillingInfo.ChargedAmount)
	assert.Equal(t, actual, *done.BillingInfo.ChargedAmount)

	// late writes never touch a terminal row
	ok, err = h.svc.UpdateProgress(ctx, id, task.ProgressReport{Percent: 10})
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = h.svc.MarkFailed(ctx, id, errors.New("late failure"))
	require.NoError(t, err)
	assert.False(t, ok)

	b := h.balance(t, "u1")
	assert.Equal(t, models.Units(8, 500000), b.Balance)
	assert.Equal(t, models.Money(0), b.Frozen)
}

func TestMarkCompletedOverChargeGrowsFreeze(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.credit(t, "u1", models.Units(10, 0))

	res, err := h.svc.CreateTask(ctx, imageInput("", models.Units(2, 0)))
	require.NoError(t, err)
	_, _, err = h.svc.TryMarkProcessing(ctx, res.Task.ID)
	require.NoError(t, err)

	actual := models.Units(3, 0)
	ok, err := h.svc.MarkCompleted(ctx, res.Task.ID, task.Completion{ActualCost: &actual})
	require.NoError(t, err)
	require.True(t, ok)

	b := h.balance(t, "u1")
	assert.Equal(t, models.Units(7, 0), b.Balance)
	assert.Equal(t, models.Money(0), b.Frozen)
}

func TestMarkFailedRollsBackBilling(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.credit(t, "u1", models.Units(10, 0))

	res, err := h.svc.CreateTask(ctx, imageInput("img:char-1:0", models.Units(2, 0)))
	require.NoError(t, err)
	_, _, err = h.svc.TryMarkProcessing(ctx, res.Task.ID)
	require.NoError(t, err)

	ok, err := h.svc.MarkFailed(ctx, res.Task.ID, errors.New("provider said: content blocked by moderation"))
	require.NoError(t, err)
	require.True(t, ok)

	failed, err := h.svc.GetTask(ctx, res.Task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, failed.Status)
	assert.Equal(t, string(task.CodeSensitiveContent), *failed.ErrorCode)
	assert.Equal(t, models.BillingRolledBack, failed.BillingInfo.Status)
	assert.Nil(t, failed.DedupeKey)

	b := h.balance(t, "u1")
	assert.Equal(t, models.Units(10, 0), b.Balance)
	assert.Equal(t, models.Money(0), b.Frozen)

	// the key is free again
	again, err := h.svc.CreateTask(ctx, imageInput("img:char-1:0", models.Units(2, 0)))
	require.NoError(t, err)
	assert.False(t, again.Deduped)
}

func TestCancelTask(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.credit(t, "u1", models.Units(10, 0))

	res, err := h.svc.CreateTask(ctx, imageInput("", models.Units(2, 0)))
	require.NoError(t, err)

	_, err = h.svc.CancelTask(ctx, res.Task.ID, "intruder")
	assert.ErrorIs(t, err, task.ErrForbidden)

	_, err = h.svc.CancelTask(ctx, "task_missing", "u1")
	assert.ErrorIs(t, err, task.ErrNotFound)

	ok, err := h.svc.CancelTask(ctx, res.Task.ID, "u1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = h.svc.CancelTask(ctx, res.Task.ID, "u1")
	require.NoError(t, err)
	assert.False(t, ok)

	_, claimed, err := h.svc.TryMarkProcessing(ctx, res.Task.ID)
	require.NoError(t, err)
	assert.False(t, claimed, "a cancelled task must not start")
}

func TestDismissFailed(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	a, err := h.svc.CreateTask(ctx, imageInput("", 0))
	require.NoError(t, err)
	b, err := h.svc.CreateTask(ctx, imageInput("", 0))
	require.NoError(t, err)
	_, err = h.svc.MarkFailed(ctx, a.Task.ID, errors.New("boom"))
	require.NoError(t, err)

	n, err := h.svc.DismissFailed(ctx, "u1", []string{a.Task.ID, b.Task.ID, "task_missing"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := h.svc.GetTask(ctx, a.Task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDismissed, got.Status)

	n, err = h.svc.DismissFailed(ctx, "someone-else", []string{a.Task.ID})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestWatchdog(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	orphan := seedOrphan(t, h.st, "img:char-1:0")

	old := time.Now().UTC().Add(-20 * time.Minute)
	queued := models.Task{ID: "task_lost", UserID: "u1", ProjectID: "p1", Type: models.TaskVoiceLine, TargetType: "line", TargetID: "l1", Status: models.StatusQueued, CreatedAt: old, UpdatedAt: old}
	require.NoError(t, h.st.InsertTask(ctx, queued))
	fresh, err := h.svc.CreateTask(ctx, imageInput("", 0))
	require.NoError(t, err)

	wd := task.NewWatchdog(h.svc, 5*time.Minute, time.Minute, logging.Discard())
	n, err := wd.SweepStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := h.svc.GetTask(ctx, orphan.ID)
	require.NoError(t, err)
	assert.Equal(t, string(task.CodeWatchdogTimeout), *got.ErrorCode)

	h.tracker.err = errors.New("redis down")
	n, err = wd.ReconcileActive(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	h.tracker.err = nil
	n, err = wd.ReconcileActive(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	lost, err := h.svc.GetTask(ctx, "task_lost")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, lost.Status)
	assert.Equal(t, string(task.CodeReconcileOrphan), *lost.ErrorCode)

	still, err := h.svc.GetTask(ctx, fresh.Task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, still.Status)
}

func newRedisQueue(t *testing.T) (*queue.RedisQueue, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return queue.NewRedisQueue(client, config.Config{VisibilityTimeout: time.Minute}), client
}

func testPolicy() billing.Policy {
	return billing.Policy{Catalog: billing.NewCatalog(billing.Entry{APIType: billing.APIImage, Model: "test-image", Amount: models.Units(2, 0)})}
}

func TestTryMarkProcessingRefusesLiveExecution(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.svc = task.NewService(h.st, h.ledger, h.pub, reconcile.New(h.tracker, time.Minute), nil, logging.Discard(),
		task.WithClaimTimeout(50*time.Millisecond))
	h.credit(t, "u1", models.Units(10, 0))

	res, err := h.svc.CreateTask(ctx, imageInput("", models.Units(2, 0)))
	require.NoError(t, err)
	id := res.Task.ID

	_, ok, err := h.svc.TryMarkProcessing(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)

	held, ok, err := h.svc.TryMarkProcessing(ctx, id)
	assert.ErrorIs(t, err, task.ErrClaimHeld)
	assert.False(t, ok)
	assert.Equal(t, models.StatusProcessing, held.Status)
	assert.Equal(t, 1, held.Attempt)

	// Once the first execution stops heartbeating, a redelivery may take over.
	time.Sleep(100 * time.Millisecond)
	again, ok, err := h.svc.TryMarkProcessing(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, again.Attempt)

	_, err = h.svc.CancelTask(ctx, id, "u1")
	require.NoError(t, err)
	_, ok, err = h.svc.TryMarkProcessing(ctx, id)
	require.NoError(t, err, "a terminal task is dropped, not held")
	assert.False(t, ok)
}

func TestTerminalRowOnlyGainsBillingOutcome(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.credit(t, "u1", models.Units(10, 0))

	res, err := h.svc.CreateTask(ctx, imageInput("img:terminal", models.Units(2, 0)))
	require.NoError(t, err)
	id := res.Task.ID
	_, _, err = h.svc.TryMarkProcessing(ctx, id)
	require.NoError(t, err)
	ok, err := h.svc.MarkFailed(ctx, id, errors.New("boom"))
	require.NoError(t, err)
	require.True(t, ok)

	failed, err := h.svc.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, failed.Status)
	assert.Nil(t, failed.DedupeKey)
	require.NotNil(t, failed.FinishedAt)
	require.NotNil(t, failed.BillingInfo)
	assert.Equal(t, models.BillingRolledBack, failed.BillingInfo.Status)

	// Nothing else may change the row now.
	ok, err = h.svc.Heartbeat(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = h.svc.MarkCompleted(ctx, id, task.Completion{})
	require.NoError(t, err)
	assert.False(t, ok)

	after, err := h.svc.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, failed, after)
}
