package task_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MR-liu/waoowaoo-sub006/internal/logging"
	"github.com/MR-liu/waoowaoo-sub006/internal/models"
	"github.com/MR-liu/waoowaoo-sub006/internal/queue"
	"github.com/MR-liu/waoowaoo-sub006/internal/ratelimit"
	"github.com/MR-liu/waoowaoo-sub006/internal/reconcile"
	"github.com/MR-liu/waoowaoo-sub006/internal/task"
)

type failingEnqueuer struct{}

func (failingEnqueuer) Enqueue(context.Context, queue.Message) error {
	return errors.New("redis: connection refused")
}

type submitHarness struct {
	*harness
	q   *queue.RedisQueue
	sub *task.Submitter
}

func newSubmitHarness(t *testing.T, limiter task.Limiter) *submitHarness {
	t.Helper()
	h := newHarness(t)
	q, _ := newRedisQueue(t)
	h.svc = task.NewService(h.st, h.ledger, h.pub, reconcile.New(q, time.Minute), q, logging.Discard())
	return &submitHarness{
		harness: h,
		q:       q,
		sub:     task.NewSubmitter(h.svc, testPolicy(), limiter, q, logging.Discard()),
	}
}

func characterSubmit(dedupe string) task.SubmitInput {
	return task.SubmitInput{
		UserID:     "u1",
		ProjectID:  "p1",
		Type:       models.TaskImageCharacter,
		TargetType: "character",
		TargetID:   "char-1",
		Payload:    json.RawMessage(`{"imageModel":"test-image","prompt":"a knight"}`),
		DedupeKey:  dedupe,
	}
}

func eventTypes(evs []models.TaskEvent) []models.EventType {
	out := make([]models.EventType, 0, len(evs))
	for _, ev := range evs {
		out = append(out, ev.Type)
	}
	return out
}

func TestSubmitProgressCompleteSettlesActualCost(t *testing.T) {
	ctx := context.Background()
	h := newSubmitHarness(t, nil)
	h.credit(t, "u1", models.Units(10, 0))

	res, err := h.sub.Submit(ctx, characterSubmit("img:char-1:0"))
	require.NoError(t, err)
	require.False(t, res.Deduped)
	require.NotNil(t, res.Intent)
	assert.Equal(t, models.Units(2, 0), res.Intent.MaxFrozenCost)
	require.NotNil(t, res.Task.BillingInfo)
	assert.Equal(t, models.BillingModeEnforce, res.Task.BillingInfo.ModeSnapshot)
	assert.Equal(t, models.BillingFrozen, res.Task.BillingInfo.Status)

	frozen := h.balance(t, "u1")
	assert.Equal(t, models.Units(8, 0), frozen.Balance)
	assert.Equal(t, models.Units(2, 0), frozen.Frozen)

	alive, err := h.q.IsAlive(ctx, res.Task.ID)
	require.NoError(t, err)
	assert.True(t, alive)

	again, err := h.sub.Submit(ctx, characterSubmit("img:char-1:0"))
	require.NoError(t, err)
	assert.True(t, again.Deduped)
	assert.Equal(t, res.Task.ID, again.Task.ID)

	id := res.Task.ID
	_, ok, err := h.svc.TryMarkProcessing(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	for _, pct := range []int{10, 55, 100} {
		ok, err := h.svc.UpdateProgress(ctx, id, task.ProgressReport{Percent: pct, Stage: "generate", Persist: true})
		require.NoError(t, err)
		require.True(t, ok)
	}
	actual := models.Units(1, 200000)
	ok, err = h.svc.MarkCompleted(ctx, id, task.Completion{ActualCost: &actual})
	require.NoError(t, err)
	require.True(t, ok)

	after := h.balance(t, "u1")
	assert.Equal(t, frozen.Balance+models.Units(0, 800000), after.Balance)
	assert.Equal(t, models.Money(0), after.Frozen)

	txs, err := h.ledger.Transactions(ctx, "u1")
	require.NoError(t, err)
	var consumes []models.BalanceTransaction
	for _, tx := range txs {
		if tx.Type == models.TxConsume {
			consumes = append(consumes, tx)
		}
	}
	require.Len(t, consumes, 1)
	assert.Equal(t, -models.Units(1, 200000), consumes[0].Amount)

	log, err := h.pub.ListTaskLifecycleEvents(ctx, id, 0)
	require.NoError(t, err)
	assert.Equal(t, []models.EventType{
		models.EventCreated, models.EventProcessing,
		models.EventProgress, models.EventProgress, models.EventProgress,
		models.EventCompleted,
	}, eventTypes(log))
	for i := 1; i < len(log); i++ {
		assert.Less(t, log[i-1].Seq, log[i].Seq)
	}
}

func TestSubmitThenCancelBeforePickup(t *testing.T) {
	ctx := context.Background()
	h := newSubmitHarness(t, nil)
	h.credit(t, "u1", models.Units(10, 0))

	res, err := h.sub.Submit(ctx, characterSubmit(""))
	require.NoError(t, err)

	ok, err := h.svc.CancelTask(ctx, res.Task.ID, "u1")
	require.NoError(t, err)
	require.True(t, ok)

	got, err := h.svc.GetTask(ctx, res.Task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, got.Status)
	assert.Equal(t, string(task.CodeTaskCancelled), *got.ErrorCode)
	assert.Equal(t, "Task cancelled by user", *got.ErrorMessage)

	txs, err := h.ledger.Transactions(ctx, "u1")
	require.NoError(t, err)
	var rollbacks []models.BalanceTransaction
	for _, tx := range txs {
		if tx.Type == models.TxRollback {
			rollbacks = append(rollbacks, tx)
		}
	}
	require.Len(t, rollbacks, 1)
	assert.Equal(t, models.Units(2, 0), rollbacks[0].Amount)
	b := h.balance(t, "u1")
	assert.Equal(t, models.Units(10, 0), b.Balance)
	assert.Equal(t, models.Money(0), b.Frozen)

	alive, err := h.q.IsAlive(ctx, res.Task.ID)
	require.NoError(t, err)
	assert.False(t, alive)

	live := h.bus.forTask(res.Task.ID)
	require.NotEmpty(t, live)
	last := live[len(live)-1]
	assert.Equal(t, models.EventFailed, last.Type)
	assert.False(t, last.Persisted)
	var payload models.EventPayload
	require.NoError(t, json.Unmarshal(last.Payload, &payload))
	assert.True(t, payload.Cancelled)

	// The cancel event is broadcast only, so replay closes the log from the row.
	log, err := h.pub.ListTaskLifecycleEvents(ctx, res.Task.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, []models.EventType{models.EventCreated, models.EventFailed}, eventTypes(log))
	terminal := log[len(log)-1]
	assert.Equal(t, "reconciled:"+res.Task.ID, terminal.ID)
	assert.False(t, terminal.Persisted)
	var replayed models.EventPayload
	require.NoError(t, json.Unmarshal(terminal.Payload, &replayed))
	assert.True(t, replayed.Reconciled)
	assert.True(t, replayed.Cancelled)
	assert.Equal(t, models.StatusCancelled, replayed.Status)
	assert.Equal(t, string(task.CodeTaskCancelled), replayed.ErrorCode)
}

func TestSubmitRejectsContractViolations(t *testing.T) {
	ctx := context.Background()
	h := newSubmitHarness(t, nil)
	h.credit(t, "u1", models.Units(10, 0))

	cases := map[string]task.SubmitInput{
		"missing target": func() task.SubmitInput { in := characterSubmit(""); in.TargetID = ""; return in }(),
		"unknown type":   func() task.SubmitInput { in := characterSubmit(""); in.Type = "teleport"; return in }(),
		"no model":       func() task.SubmitInput { in := characterSubmit(""); in.Payload = json.RawMessage(`{"prompt":"x"}`); return in }(),
		"unknown model":  func() task.SubmitInput { in := characterSubmit(""); in.Payload = json.RawMessage(`{"imageModel":"nope"}`); return in }(),
		"bad payload":    func() task.SubmitInput { in := characterSubmit(""); in.Payload = json.RawMessage(`{"candidateCount":-1}`); return in }(),
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := h.sub.Submit(ctx, in)
			require.Error(t, err)
			assert.ErrorIs(t, err, task.ErrInvalidParams)
			assert.Equal(t, task.CodeInvalidParams, task.Normalize(err).Code)
		})
	}

	active, err := h.svc.ListActive(ctx, task.ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, active)
	assert.Equal(t, models.Money(0), h.balance(t, "u1").Frozen)
}

func TestSubmitNonBillableSkipsFreeze(t *testing.T) {
	ctx := context.Background()
	h := newSubmitHarness(t, nil)

	res, err := h.sub.Submit(ctx, task.SubmitInput{
		UserID:     "u1",
		ProjectID:  "p1",
		Type:       models.TaskEpisodeSplit,
		TargetType: "episode",
		TargetID:   "ep-1",
	})
	require.NoError(t, err)
	assert.Nil(t, res.Intent)
	assert.Nil(t, res.Task.BillingInfo)
}

func TestSubmitRateLimited(t *testing.T) {
	ctx := context.Background()
	_, client := newRedisQueue(t)
	limiter := ratelimit.NewTokenBucket(client, 1, 0, time.Minute)
	h := newSubmitHarness(t, limiter)
	h.credit(t, "u1", models.Units(10, 0))

	_, err := h.sub.Submit(ctx, characterSubmit(""))
	require.NoError(t, err)

	_, err = h.sub.Submit(ctx, characterSubmit(""))
	require.Error(t, err)
	assert.ErrorIs(t, err, task.ErrRateLimited)
	assert.Equal(t, task.CodeRateLimit, task.Normalize(err).Code)
}

func TestSubmitEnqueueFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	h := newSubmitHarness(t, nil)
	h.credit(t, "u1", models.Units(10, 0))
	sub := task.NewSubmitter(h.svc, testPolicy(), nil, failingEnqueuer{}, logging.Discard())

	_, err := sub.Submit(ctx, characterSubmit("img:char-1:0"))
	require.Error(t, err)
	assert.Equal(t, task.CodeEnqueueFailed, task.Normalize(err).Code)

	evs := h.bus.events
	require.NotEmpty(t, evs)
	failed := evs[len(evs)-1]
	assert.Equal(t, models.EventFailed, failed.Type)
	assert.False(t, failed.Persisted)

	got, err := h.svc.GetTask(ctx, failed.TaskID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, string(task.CodeEnqueueFailed), *got.ErrorCode)

	b := h.balance(t, "u1")
	assert.Equal(t, models.Units(10, 0), b.Balance)
	assert.Equal(t, models.Money(0), b.Frozen)
}

func TestSubmitBillingModes(t *testing.T) {
	actual := models.Units(1, 200000)
	cases := map[models.BillingMode]struct {
		wantStatus models.BillingStatus
		wantTxs    []models.TransactionType
	}{
		models.BillingModeShadow: {models.BillingShadowRecorded, []models.TransactionType{models.TxShadowConsume}},
		models.BillingModeOff:    {models.BillingQuoted, nil},
	}
	for mode, tc := range cases {
		t.Run(string(mode), func(t *testing.T) {
			ctx := context.Background()
			h := newSubmitHarness(t, nil)
			policy := testPolicy()
			policy.Mode = mode
			sub := task.NewSubmitter(h.svc, policy, nil, h.q, logging.Discard())

			// No credit: neither mode reserves money, so an empty balance is fine.
			res, err := sub.Submit(ctx, characterSubmit(""))
			require.NoError(t, err)
			bi := res.Task.BillingInfo
			require.NotNil(t, bi)
			assert.Equal(t, mode, bi.ModeSnapshot)
			assert.Empty(t, bi.FreezeID)
			assert.Equal(t, models.Money(0), h.balance(t, "u1").Frozen)

			_, ok, err := h.svc.TryMarkProcessing(ctx, res.Task.ID)
			require.NoError(t, err)
			require.True(t, ok)
			ok, err = h.svc.MarkCompleted(ctx, res.Task.ID, task.Completion{ActualCost: &actual})
			require.NoError(t, err)
			require.True(t, ok)

			done, err := h.svc.GetTask(ctx, res.Task.ID)
			require.NoError(t, err)
			require.NotNil(t, done.BillingInfo)
			assert.Equal(t, tc.wantStatus, done.BillingInfo.Status)
			assert.Nil(t, done.BillingInfo.ChargedAmount)

			txs, err := h.ledger.Transactions(ctx, "u1")
			require.NoError(t, err)
			var types []models.TransactionType
			for _, tx := range txs {
				types = append(types, tx.Type)
				assert.Equal(t, models.Money(0), tx.Amount)
				assert.Equal(t, actual.String(), tx.Metadata["wouldCharge"])
				assert.Equal(t, "test-image", tx.Metadata["model"])
			}
			assert.Equal(t, tc.wantTxs, types)

			b := h.balance(t, "u1")
			assert.Equal(t, models.Money(0), b.Balance)
			assert.Equal(t, models.Money(0), b.TotalSpent)
		})
	}
}
