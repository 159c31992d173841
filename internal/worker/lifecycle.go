package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MR-liu/waoowaoo-sub006/internal/models"
	"github.com/MR-liu/waoowaoo-sub006/internal/queue"
	"github.com/MR-liu/waoowaoo-sub006/internal/task"
	"github.com/MR-liu/waoowaoo-sub006/internal/telemetry"
)

// ErrTaskTerminated is returned from checkpoints once the task left the active states
// (cancelled, failed by the watchdog, or finished elsewhere).
var ErrTaskTerminated = errors.New("worker: task is no longer active")

// Handler runs one task type. It is invoked at most once per dequeue.
type Handler interface {
	Handle(ctx context.Context, job *Job) (Result, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job *Job) (Result, error)

func (f HandlerFunc) Handle(ctx context.Context, job *Job) (Result, error) { return f(ctx, job) }

// Result is what a successful handler returns.
type Result struct {
	// ActualCost is the metered charge; nil settles the full frozen amount.
	ActualCost *models.Money
	Data       map[string]any
}

// Progress is a stage report. Percent is clamped to 0..100.
type Progress struct {
	Percent    int
	Stage      string
	StageLabel string
	Meta       map[string]any
	Persist    bool
}

// Lifecycle is the slice of the task service the wrapper drives.
type Lifecycle interface {
	TryMarkProcessing(ctx context.Context, id string) (models.Task, bool, error)
	UpdateProgress(ctx context.Context, id string, p task.ProgressReport) (bool, error)
	Heartbeat(ctx context.Context, id string) (bool, error)
	IsActive(ctx context.Context, id string) (bool, error)
	MarkCompleted(ctx context.Context, id string, c task.Completion) (bool, error)
	MarkFailed(ctx context.Context, id string, cause error) (bool, error)
}

// Leases is the queue side of execution: keeping the lease alive and parking failures.
type Leases interface {
	ExtendLease(ctx context.Context, family models.Family, taskID string, extension time.Duration) error
	DLQPush(ctx context.Context, msg queue.Message, cause string) error
}

// Job is the handler's view of the running task.
type Job struct {
	Task    models.Task
	Payload models.Payload
	Message queue.Message

	lifecycle Lifecycle
	mu        sync.Mutex
	percent   int
}

// Checkpoint returns ErrTaskTerminated when the task is no longer active. Handlers
// call it before any side-effecting step.
func (j *Job) Checkpoint(ctx context.Context) error {
	active, err := j.lifecycle.IsActive(ctx, j.Task.ID)
	if err != nil {
		return fmt.Errorf("checkpoint %s: %w", j.Task.ID, err)
	}
	if !active {
		return ErrTaskTerminated
	}
	return nil
}

// Report records progress and heartbeats. A terminated task yields ErrTaskTerminated.
func (j *Job) Report(ctx context.Context, p Progress) error {
	percent := min(max(p.Percent, 0), 100)
	applied, err := j.lifecycle.UpdateProgress(ctx, j.Task.ID, task.ProgressReport{
		Percent:    percent,
		Stage:      p.Stage,
		StageLabel: p.StageLabel,
		Meta:       p.Meta,
		Persist:    p.Persist,
	})
	if err != nil {
		return fmt.Errorf("report progress %s: %w", j.Task.ID, err)
	}
	if !applied {
		return ErrTaskTerminated
	}
	j.mu.Lock()
	j.percent = percent
	j.mu.Unlock()
	return nil
}

// Percent is the last successfully reported progress.
func (j *Job) Percent() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.percent
}

// Outcome is how one execution ended.
type Outcome string

const (
	OutcomeCompleted  Outcome = "completed"
	OutcomeFailed     Outcome = "failed"
	OutcomeTerminated Outcome = "terminated"
	// OutcomeSkipped means the task was already terminal when dequeued.
	OutcomeSkipped Outcome = "skipped"
	// OutcomeRetry means an infrastructure error left the task untouched; the job
	// should stay leased so the lease reclaimer redelivers it.
	OutcomeRetry Outcome = "retry"
)

// Executor wraps handlers with the task lifecycle: claim, pre-flight checkpoint,
// heartbeat, and exactly one terminal commit.
type Executor struct {
	lifecycle         Lifecycle
	registry          *Registry
	leases            Leases
	heartbeatInterval time.Duration
	leaseExtension    time.Duration
	logger            *slog.Logger
}

func NewExecutor(lifecycle Lifecycle, registry *Registry, leases Leases, heartbeatInterval, leaseExtension time.Duration, logger *slog.Logger) *Executor {
	return &Executor{
		lifecycle:         lifecycle,
		registry:          registry,
		leases:            leases,
		heartbeatInterval: heartbeatInterval,
		leaseExtension:    leaseExtension,
		logger:            logger.With("component", "executor"),
	}
}

// Execute runs the handler for msg once.
func (e *Executor) Execute(ctx context.Context, msg queue.Message) Outcome {
	logger := e.logger.With("task_id", msg.TaskID, "task_type", msg.Type, "queue", msg.Family)

	t, claimed, err := e.lifecycle.TryMarkProcessing(ctx, msg.TaskID)
	if errors.Is(err, task.ErrClaimHeld) {
		// The job stays leased and is redelivered after the lease lapses.
		logger.Warn("task already running elsewhere, leaving job leased")
		return e.record(t.Type, msg.Family, OutcomeRetry, 0)
	}
	if err != nil {
		logger.Error("claim task", "error", err)
		return OutcomeRetry
	}
	if !claimed {
		logger.Info("task no longer active, dropping job")
		return e.record(t.Type, msg.Family, OutcomeSkipped, 0)
	}
	logger = logger.With("user_id", t.UserID)
	telemetry.WorkerLifecycle.WithLabelValues(string(t.Type), string(msg.Family), "started").Inc()
	start := time.Now()

	handler, payload, err := e.registry.Resolve(t)
	if err != nil {
		return e.fail(ctx, logger, msg, t, err, start)
	}
	job := &Job{Task: t, Payload: payload, Message: msg, lifecycle: e.lifecycle}
	if err := job.Checkpoint(ctx); err != nil {
		if errors.Is(err, ErrTaskTerminated) {
			return e.record(t.Type, msg.Family, OutcomeTerminated, time.Since(start))
		}
		return e.fail(ctx, logger, msg, t, err, start)
	}

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.heartbeat(hbCtx, logger, msg)
	}()
	result, herr := e.safeHandle(ctx, handler, job)
	stopHeartbeat()
	wg.Wait()

	switch {
	case herr == nil:
		applied, err := e.lifecycle.MarkCompleted(ctx, t.ID, task.Completion{ActualCost: result.ActualCost, Result: result.Data})
		if err != nil {
			logger.Error("commit completion", "error", err)
			return OutcomeRetry
		}
		if !applied {
			logger.Warn("task terminated before completion commit")
			return e.record(t.Type, msg.Family, OutcomeTerminated, time.Since(start))
		}
		logger.Info("task completed", "duration", time.Since(start))
		return e.record(t.Type, msg.Family, OutcomeCompleted, time.Since(start))
	case errors.Is(herr, ErrTaskTerminated):
		logger.Info("task terminated at checkpoint")
		return e.record(t.Type, msg.Family, OutcomeTerminated, time.Since(start))
	default:
		return e.fail(ctx, logger, msg, t, herr, start)
	}
}

func (e *Executor) fail(ctx context.Context, logger *slog.Logger, msg queue.Message, t models.Task, cause error, start time.Time) Outcome {
	normalized := task.Normalize(cause)
	applied, err := e.lifecycle.MarkFailed(ctx, t.ID, normalized)
	if err != nil {
		logger.Error("commit failure", "error", err)
		return OutcomeRetry
	}
	if !applied {
		return e.record(t.Type, msg.Family, OutcomeTerminated, time.Since(start))
	}
	logger.Warn("task failed", "error_code", normalized.Code, "error", normalized.Message)
	if e.leases != nil {
		if err := e.leases.DLQPush(ctx, msg, normalized.Error()); err != nil {
			logger.Error("dlq push", "error", err)
		}
	}
	return e.record(t.Type, msg.Family, OutcomeFailed, time.Since(start))
}

func (e *Executor) safeHandle(ctx context.Context, h Handler, job *Job) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h.Handle(ctx, job)
}

func (e *Executor) heartbeat(ctx context.Context, logger *slog.Logger, msg queue.Message) {
	if e.heartbeatInterval <= 0 {
		return
	}
	ticker := time.NewTicker(e.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if _, err := e.lifecycle.Heartbeat(ctx, msg.TaskID); err != nil {
			logger.Warn("heartbeat", "error", err)
		}
		if e.leases != nil {
			if err := e.leases.ExtendLease(ctx, msg.Family, msg.TaskID, e.leaseExtension); err != nil {
				logger.Warn("extend lease", "error", err)
			}
		}
	}
}

func (e *Executor) record(t models.TaskType, family models.Family, o Outcome, d time.Duration) Outcome {
	telemetry.WorkerLifecycle.WithLabelValues(string(t), string(family), string(o)).Inc()
	if o != OutcomeSkipped && o != OutcomeRetry {
		telemetry.WorkerDuration.WithLabelValues(string(t), string(o)).Observe(d.Seconds())
	}
	return o
}
