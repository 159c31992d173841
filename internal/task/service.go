// Package task owns the authoritative task record: submission with dedupe, the guarded
// lifecycle transitions, cancellation and the billing hooks tied to terminal states.
package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MR-liu/waoowaoo-sub006/internal/events"
	"github.com/MR-liu/waoowaoo-sub006/internal/ids"
	"github.com/MR-liu/waoowaoo-sub006/internal/ledger"
	"github.com/MR-liu/waoowaoo-sub006/internal/models"
	"github.com/MR-liu/waoowaoo-sub006/internal/telemetry"
)

// Billing is the slice of the ledger the task lifecycle drives.
type Billing interface {
	Freeze(ctx context.Context, in ledger.FreezeInput) (string, error)
	IncreaseFreeze(ctx context.Context, freezeID string, delta models.Money) error
	Settle(ctx context.Context, freezeID string, actual *models.Money, meta map[string]any) (ledger.SettleResult, error)
	Rollback(ctx context.Context, freezeID string) (bool, error)
	RecordShadowUsage(ctx context.Context, u ledger.ShadowUsage) error
}

// EventSink publishes lifecycle events.
type EventSink interface {
	Publish(ctx context.Context, ev models.TaskEvent, opts events.PublishOptions) (models.TaskEvent, error)
}

// Liveness answers whether an active task still has a backing queue job.
type Liveness interface {
	IsJobAlive(ctx context.Context, t models.Task) (bool, error)
}

// JobRemover drops a task's queue job. An empty family searches every family.
type JobRemover interface {
	Remove(ctx context.Context, family models.Family, taskID string) error
}

const maxCreateAttempts = 5

// CreateInput is a validated, priced submission.
type CreateInput struct {
	UserID      string
	ProjectID   string
	EpisodeID   *string
	Type        models.TaskType
	TargetType  string
	TargetID    string
	Payload     json.RawMessage
	DedupeKey   string
	BillingInfo *models.BillingInfo
}

type CreateResult struct {
	Task    models.Task
	Deduped bool
}

// Completion is what a successful handler hands back for settlement.
type Completion struct {
	// ActualCost is the metered charge. Nil settles the full frozen amount.
	ActualCost *models.Money
	Result     map[string]any
}

// ProgressReport is one stage report from a running handler.
type ProgressReport struct {
	Percent    int
	Stage      string
	StageLabel string
	Meta       map[string]any
	// Persist writes the progress event to the durable log as well as broadcasting it.
	Persist bool
}

type Service struct {
	repo     Repository
	billing  Billing
	events   EventSink
	liveness Liveness
	jobs     JobRemover
	logger   *slog.Logger
	now      func() time.Time

	claimTimeout time.Duration
}

// Option configures a Service.
type Option func(*Service)

// WithClaimTimeout makes TryMarkProcessing refuse a processing task whose heartbeat
// is younger than d, so a redelivered job cannot start a second execution while the
// first is still alive. Zero disables the check.
func WithClaimTimeout(d time.Duration) Option {
	return func(s *Service) { s.claimTimeout = d }
}

// NewService wires the task lifecycle. jobs may be nil, in which case cancellation
// leaves the queue job for the worker to discard.
func NewService(repo Repository, billing Billing, sink EventSink, liveness Liveness, jobs JobRemover, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		repo:     repo,
		billing:  billing,
		events:   sink,
		liveness: liveness,
		jobs:     jobs,
		logger:   logger.With("component", "task"),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateTask inserts a new queued task or returns the live task already holding the
// dedupe key. An orphaned holder is failed with RECONCILE_ORPHAN before its key is
// reused; losing the insert race restarts resolution so racing callers converge on
// the winner.
func (s *Service) CreateTask(ctx context.Context, in CreateInput) (CreateResult, error) {
	taskID := ids.New(ids.PrefixTask)
	var dedupeKey *string
	if in.DedupeKey != "" {
		key := in.DedupeKey
		dedupeKey = &key
	}

	freezeID := ""
	releaseFreeze := func(reason string) {
		if freezeID == "" {
			return
		}
		if _, err := s.billing.Rollback(ctx, freezeID); err != nil {
			s.logger.Error("release submission freeze", "freeze_id", freezeID, "reason", reason, "error", err)
		}
		freezeID = ""
	}

	for attempt := 0; attempt < maxCreateAttempts; attempt++ {
		if dedupeKey != nil {
			existing, found, err := s.repo.FindActiveByDedupeKey(ctx, *dedupeKey)
			if err != nil {
				releaseFreeze("dedupe lookup failed")
				return CreateResult{}, fmt.Errorf("find dedupe holder: %w", err)
			}
			if found {
				alive, err := s.liveness.IsJobAlive(ctx, existing)
				if err != nil {
					telemetry.ReconcileErrors.Inc()
					releaseFreeze("reconcile check failed")
					s.logger.Error("reconcile check failed", "task_id", existing.ID, "dedupe_key", *dedupeKey, "error", err)
					return CreateResult{}, NewError(CodeReconcileCheckFailed, "", fmt.Errorf("%w: %v", ErrReconcileCheckFailed, err))
				}
				if alive {
					releaseFreeze("deduped")
					telemetry.TaskSubmissions.WithLabelValues(string(existing.Type), "true").Inc()
					return CreateResult{Task: existing, Deduped: true}, nil
				}
				took, err := s.failActive(ctx, existing.ID, NewError(CodeReconcileOrphan, "", nil), true, "orphan_takeover")
				if err != nil {
					releaseFreeze("orphan takeover failed")
					return CreateResult{}, err
				}
				if took {
					telemetry.OrphanTakeovers.WithLabelValues("submit").Inc()
					s.logger.Warn("orphaned task taken over", "task_id", existing.ID, "task_type", existing.Type, "user_id", existing.UserID, "dedupe_key", *dedupeKey)
				}
			}
		}

		if freezeID == "" && in.BillingInfo.Enforced() && in.BillingInfo.MaxFrozenCost > 0 {
			id, err := s.billing.Freeze(ctx, ledger.FreezeInput{
				UserID:         in.UserID,
				TaskID:         taskID,
				Amount:         in.BillingInfo.MaxFrozenCost,
				IdempotencyKey: "submit:" + taskID,
			})
			if err != nil {
				return CreateResult{}, err
			}
			freezeID = id
		}

		now := s.now()
		t := models.Task{
			ID:         taskID,
			UserID:     in.UserID,
			ProjectID:  in.ProjectID,
			EpisodeID:  in.EpisodeID,
			Type:       in.Type,
			TargetType: in.TargetType,
			TargetID:   in.TargetID,
			Status:     models.StatusQueued,
			Payload:    in.Payload,
			DedupeKey:  dedupeKey,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if in.BillingInfo != nil {
			bi := *in.BillingInfo
			if freezeID != "" {
				bi.Status = models.BillingFrozen
				bi.FreezeID = freezeID
			}
			t.BillingInfo = &bi
		}

		err := s.repo.InsertTask(ctx, t)
		if errors.Is(err, ErrDedupeConflict) {
			continue
		}
		if err != nil {
			releaseFreeze("insert failed")
			return CreateResult{}, fmt.Errorf("insert task: %w", err)
		}
		telemetry.TaskSubmissions.WithLabelValues(string(t.Type), "false").Inc()
		return CreateResult{Task: t}, nil
	}

	releaseFreeze("dedupe contention")
	return CreateResult{}, NewError(CodeConflict, "dedupe key is contended, retry the request", ErrDedupeConflict)
}

// CancelTask moves an active task to cancelled. A task that is already terminal
// returns false without error.
func (s *Service) CancelTask(ctx context.Context, id, callerID string) (bool, error) {
	t, err := s.repo.GetTask(ctx, id)
	if err != nil {
		return false, err
	}
	if t.UserID != callerID {
		return false, ErrForbidden
	}

	cancelled := NewError(CodeTaskCancelled, "", nil)
	code, msg := cancelled.Fields()
	applied, err := s.repo.Transition(ctx, id, fromActive, Update{
		Status:           models.StatusCancelled,
		ErrorCode:        &code,
		ErrorMessage:     &msg,
		Finished:         true,
		ReleaseDedupeKey: true,
		Now:              s.now(),
	})
	if err != nil {
		return false, fmt.Errorf("cancel task %s: %w", id, err)
	}
	if !applied {
		telemetry.TransitionDenied.WithLabelValues("cancel").Inc()
		return false, nil
	}

	if s.jobs != nil {
		if err := s.jobs.Remove(ctx, t.Type.Family(), id); err != nil {
			s.logger.Warn("remove cancelled job", "task_id", id, "error", err)
		}
	}

	t = s.reload(ctx, t, models.StatusCancelled)
	t = s.releaseBilling(ctx, t)
	s.publish(ctx, t, models.EventFailed, models.EventPayload{
		ErrorCode:    code,
		ErrorMessage: msg,
		Cancelled:    true,
		Billing:      t.BillingInfo,
	}, false)
	s.logger.Info("task cancelled", "task_id", id, "task_type", t.Type, "user_id", t.UserID)
	return true, nil
}

// TryMarkProcessing claims a dequeued task for execution. It returns false for a
// task that is no longer active, and ErrClaimHeld when another execution is still
// heartbeating it.
func (s *Service) TryMarkProcessing(ctx context.Context, id string) (models.Task, bool, error) {
	now := s.now()
	u := Update{
		Status:    models.StatusProcessing,
		Started:   true,
		Heartbeat: true,
		Now:       now,
	}
	if s.claimTimeout > 0 {
		u.ClaimStaleBefore = now.Add(-s.claimTimeout)
	}
	applied, err := s.repo.Transition(ctx, id, fromActive, u)
	if err != nil {
		return models.Task{}, false, fmt.Errorf("mark processing %s: %w", id, err)
	}
	if !applied {
		telemetry.TransitionDenied.WithLabelValues("processing").Inc()
		t, err := s.repo.GetTask(ctx, id)
		if err == nil && t.Status == models.StatusProcessing {
			return t, false, ErrClaimHeld
		}
		return models.Task{}, false, nil
	}
	t, err := s.repo.GetTask(ctx, id)
	if err != nil {
		return models.Task{}, false, err
	}
	s.publish(ctx, t, models.EventProcessing, models.EventPayload{}, true)
	return t, true, nil
}

// UpdateProgress records a stage report on a processing task and emits a progress event.
func (s *Service) UpdateProgress(ctx context.Context, id string, p ProgressReport) (bool, error) {
	percent := min(max(p.Percent, 0), 100)
	applied, err := s.repo.Transition(ctx, id, fromProcessing, Update{
		Progress:  &percent,
		Heartbeat: true,
		ProgressSnapshot: &models.ProgressSnapshot{
			Stage:      p.Stage,
			StageLabel: p.StageLabel,
			Meta:       p.Meta,
		},
		Now: s.now(),
	})
	if err != nil {
		return false, fmt.Errorf("update progress %s: %w", id, err)
	}
	if !applied {
		telemetry.TransitionDenied.WithLabelValues("progress").Inc()
		return false, nil
	}
	t, err := s.repo.GetTask(ctx, id)
	if err != nil {
		return true, err
	}
	s.publish(ctx, t, models.EventProgress, models.EventPayload{
		Progress:   &percent,
		Stage:      p.Stage,
		StageLabel: p.StageLabel,
		Meta:       p.Meta,
	}, p.Persist)
	return true, nil
}

// Heartbeat touches heartbeatAt on a processing task.
func (s *Service) Heartbeat(ctx context.Context, id string) (bool, error) {
	applied, err := s.repo.Transition(ctx, id, fromProcessing, Update{Heartbeat: true, Now: s.now()})
	if err != nil {
		return false, fmt.Errorf("heartbeat %s: %w", id, err)
	}
	return applied, nil
}

// MarkCompleted commits success, settles billing and publishes the completed event.
func (s *Service) MarkCompleted(ctx context.Context, id string, c Completion) (bool, error) {
	full := 100
	applied, err := s.repo.Transition(ctx, id, fromProcessing, Update{
		Status:           models.StatusCompleted,
		Progress:         &full,
		Finished:         true,
		ReleaseDedupeKey: true,
		Now:              s.now(),
	})
	if err != nil {
		return false, fmt.Errorf("mark completed %s: %w", id, err)
	}
	if !applied {
		telemetry.TransitionDenied.WithLabelValues("complete").Inc()
		return false, nil
	}
	t := s.reload(ctx, models.Task{ID: id}, models.StatusCompleted)
	t = s.settleBilling(ctx, t, c.ActualCost)
	s.publish(ctx, t, models.EventCompleted, models.EventPayload{
		Progress: &full,
		Result:   c.Result,
		Billing:  t.BillingInfo,
	}, true)
	return true, nil
}

// MarkFailed commits a normalized failure, rolls billing back and publishes the failed event.
func (s *Service) MarkFailed(ctx context.Context, id string, cause error) (bool, error) {
	return s.failActive(ctx, id, Normalize(cause), true, "fail")
}

// IsActive reports whether the task is still queued or processing. A missing task is
// not active.
func (s *Service) IsActive(ctx context.Context, id string) (bool, error) {
	t, err := s.repo.GetTask(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return t.Status.IsActive(), nil
}

func (s *Service) GetTask(ctx context.Context, id string) (models.Task, error) {
	return s.repo.GetTask(ctx, id)
}

func (s *Service) ListActive(ctx context.Context, f ListFilter) ([]models.Task, error) {
	return s.repo.ListActive(ctx, f)
}

// DismissFailed hides failed tasks owned by userID. It returns how many moved.
func (s *Service) DismissFailed(ctx context.Context, userID string, taskIDs []string) (int, error) {
	dismissed := 0
	for _, id := range taskIDs {
		t, err := s.repo.GetTask(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return dismissed, err
		}
		if t.UserID != userID {
			continue
		}
		applied, err := s.repo.Transition(ctx, id, fromFailed, Update{Status: models.StatusDismissed, Now: s.now()})
		if err != nil {
			return dismissed, fmt.Errorf("dismiss task %s: %w", id, err)
		}
		if applied {
			dismissed++
		}
	}
	return dismissed, nil
}

// failActive is the single path from an active status to failed. It reports whether
// this call performed the transition; only the winner releases billing and publishes.
func (s *Service) failActive(ctx context.Context, id string, e *Error, persist bool, transition string) (bool, error) {
	code, msg := e.Fields()
	applied, err := s.repo.Transition(ctx, id, fromActive, Update{
		Status:           models.StatusFailed,
		ErrorCode:        &code,
		ErrorMessage:     &msg,
		Finished:         true,
		ReleaseDedupeKey: true,
		Now:              s.now(),
	})
	if err != nil {
		return false, fmt.Errorf("fail task %s: %w", id, err)
	}
	if !applied {
		telemetry.TransitionDenied.WithLabelValues(transition).Inc()
		return false, nil
	}
	t := s.reload(ctx, models.Task{ID: id}, models.StatusFailed)
	t = s.releaseBilling(ctx, t)
	s.publish(ctx, t, models.EventFailed, models.EventPayload{
		ErrorCode:    code,
		ErrorMessage: msg,
		Billing:      t.BillingInfo,
	}, persist)
	return true, nil
}

// reload re-reads a task after a transition. When the read fails the caller's copy is
// used with the status it just wrote.
func (s *Service) reload(ctx context.Context, fallback models.Task, status models.TaskStatus) models.Task {
	t, err := s.repo.GetTask(ctx, fallback.ID)
	if err != nil {
		s.logger.Warn("reload task after transition", "task_id", fallback.ID, "error", err)
		fallback.Status = status
		return fallback
	}
	return t
}

func (s *Service) releaseBilling(ctx context.Context, t models.Task) models.Task {
	if t.BillingInfo == nil || t.BillingInfo.FreezeID == "" {
		return t
	}
	status := models.BillingRolledBack
	if _, err := s.billing.Rollback(ctx, t.BillingInfo.FreezeID); err != nil && !errors.Is(err, ledger.ErrFreezeNotFound) {
		status = models.BillingCompensationFailed
		s.logger.Error("billing rollback failed", "task_id", t.ID, "task_type", t.Type, "user_id", t.UserID, "freeze_id", t.BillingInfo.FreezeID, "error", err)
	}
	return s.setBillingInfo(ctx, t, status, nil)
}

func (s *Service) settleBilling(ctx context.Context, t models.Task, actual *models.Money) models.Task {
	if t.BillingInfo != nil && t.BillingInfo.ModeSnapshot == models.BillingModeShadow {
		return s.recordShadow(ctx, t, actual)
	}
	if t.BillingInfo == nil || t.BillingInfo.FreezeID == "" {
		return t
	}
	freezeID := t.BillingInfo.FreezeID
	meta := map[string]any{"taskId": t.ID, "taskType": string(t.Type)}

	res, err := s.billing.Settle(ctx, freezeID, actual, meta)
	if errors.Is(err, ledger.ErrOverCharge) && actual != nil {
		delta := *actual - t.BillingInfo.MaxFrozenCost
		if incErr := s.billing.IncreaseFreeze(ctx, freezeID, delta); incErr != nil {
			s.logger.Warn("over-charge capped at frozen amount", "task_id", t.ID, "freeze_id", freezeID, "actual", actual.String(), "error", incErr)
			res, err = s.billing.Settle(ctx, freezeID, nil, meta)
		} else {
			res, err = s.billing.Settle(ctx, freezeID, actual, meta)
		}
	}
	if err != nil {
		s.logger.Error("billing settle failed", "task_id", t.ID, "task_type", t.Type, "user_id", t.UserID, "freeze_id", freezeID, "error", err)
		return t
	}
	charged := res.Charged
	return s.setBillingInfo(ctx, t, models.BillingSettled, &charged)
}

// recordShadow logs what an enforced task would have been charged without moving money.
func (s *Service) recordShadow(ctx context.Context, t models.Task, actual *models.Money) models.Task {
	bi := t.BillingInfo
	would := bi.MaxFrozenCost
	if actual != nil {
		would = *actual
	}
	err := s.billing.RecordShadowUsage(ctx, ledger.ShadowUsage{
		UserID:         t.UserID,
		TaskID:         t.ID,
		APIType:        bi.APIType,
		Model:          bi.Model,
		Quantity:       bi.Quantity,
		Unit:           bi.Unit,
		IdempotencyKey: "shadow:" + t.ID,
		Metadata:       map[string]any{"taskType": string(t.Type), "wouldCharge": would.String()},
	})
	if err != nil {
		s.logger.Error("record shadow usage", "task_id", t.ID, "task_type", t.Type, "user_id", t.UserID, "error", err)
		return t
	}
	return s.setBillingInfo(ctx, t, models.BillingShadowRecorded, nil)
}

// setBillingInfo records the ledger outcome on a task that this call just moved to a
// terminal status. It is the one write allowed on a terminal row besides releasing
// the dedupe key, and it only touches billing_info.
func (s *Service) setBillingInfo(ctx context.Context, t models.Task, status models.BillingStatus, charged *models.Money) models.Task {
	bi := *t.BillingInfo
	bi.Status = status
	if charged != nil {
		bi.ChargedAmount = charged
	}
	applied, err := s.repo.Transition(ctx, t.ID, []models.TaskStatus{t.Status}, Update{BillingInfo: &bi, Now: s.now()})
	if err != nil || !applied {
		s.logger.Warn("billing info not recorded", "task_id", t.ID, "billing_status", status, "error", err)
	}
	t.BillingInfo = &bi
	return t
}

func (s *Service) publish(ctx context.Context, t models.Task, typ models.EventType, payload models.EventPayload, persist bool) {
	if s.events == nil {
		return
	}
	if _, err := s.events.Publish(ctx, events.NewTaskEvent(t, typ, payload), events.PublishOptions{Persist: persist}); err != nil {
		s.logger.Error("publish task event", "task_id", t.ID, "event_type", typ, "error", err)
	}
}
