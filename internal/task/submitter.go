package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/go-playground/validator/v10"

	"github.com/MR-liu/waoowaoo-sub006/internal/billing"
	"github.com/MR-liu/waoowaoo-sub006/internal/models"
	"github.com/MR-liu/waoowaoo-sub006/internal/queue"
	"github.com/MR-liu/waoowaoo-sub006/internal/telemetry"
)

// Limiter is a per-key admission check.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, float64, error)
}

// Enqueuer hands a queued task to its queue family.
type Enqueuer interface {
	Enqueue(ctx context.Context, msg queue.Message) error
}

// SubmitInput is a raw submission from the route layer.
type SubmitInput struct {
	UserID     string          `json:"-" validate:"required"`
	ProjectID  string          `json:"projectId" validate:"required"`
	EpisodeID  *string         `json:"episodeId,omitempty"`
	Type       models.TaskType `json:"type" validate:"required"`
	TargetType string          `json:"targetType" validate:"required,max=64"`
	TargetID   string          `json:"targetId" validate:"required,max=128"`
	Payload    json.RawMessage `json:"payload"`
	DedupeKey  string          `json:"dedupeKey,omitempty" validate:"max=256"`
}

type SubmitResult struct {
	Task    models.Task
	Deduped bool
	Intent  *billing.PricedIntent
}

// Submitter is the write entry point: validate, price, rate limit, create, announce
// and enqueue.
type Submitter struct {
	svc      *Service
	policy   billing.Policy
	limiter  Limiter
	queue    Enqueuer
	validate *validator.Validate
	logger   *slog.Logger
}

// NewSubmitter builds a submitter. limiter may be nil to disable rate limiting.
func NewSubmitter(svc *Service, policy billing.Policy, limiter Limiter, q Enqueuer, logger *slog.Logger) *Submitter {
	return &Submitter{
		svc:      svc,
		policy:   policy,
		limiter:  limiter,
		queue:    q,
		validate: validator.New(),
		logger:   logger.With("component", "submitter"),
	}
}

func (s *Submitter) Submit(ctx context.Context, in SubmitInput) (SubmitResult, error) {
	if err := s.validate.Struct(in); err != nil {
		return SubmitResult{}, NewError(CodeInvalidParams, err.Error(), ErrInvalidParams)
	}
	if !in.Type.Valid() {
		return SubmitResult{}, NewError(CodeInvalidParams, fmt.Sprintf("unknown task type %q", in.Type), ErrInvalidParams)
	}
	payload, err := models.DecodePayload(in.Type, in.Payload)
	if err != nil {
		return SubmitResult{}, NewError(CodeInvalidParams, err.Error(), errors.Join(ErrInvalidParams, err))
	}

	intent := s.policy.Price(in.Type, payload)
	if intent == nil && billing.IsBillable(in.Type) {
		return SubmitResult{}, NewError(CodeInvalidParams, fmt.Sprintf("payload for %s is missing billing fields", in.Type), ErrInvalidParams)
	}

	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(ctx, "rl:submit:"+in.UserID)
		if err != nil {
			return SubmitResult{}, fmt.Errorf("rate limit check: %w", err)
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			return SubmitResult{}, NewError(CodeRateLimit, "", ErrRateLimited)
		}
	}

	raw := in.Payload
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	res, err := s.svc.CreateTask(ctx, CreateInput{
		UserID:      in.UserID,
		ProjectID:   in.ProjectID,
		EpisodeID:   in.EpisodeID,
		Type:        in.Type,
		TargetType:  in.TargetType,
		TargetID:    in.TargetID,
		Payload:     raw,
		DedupeKey:   in.DedupeKey,
		BillingInfo: s.policy.BillingInfo(intent),
	})
	if err != nil {
		return SubmitResult{}, err
	}
	if res.Deduped {
		return SubmitResult{Task: res.Task, Deduped: true, Intent: intent}, nil
	}

	t := res.Task
	s.svc.publish(ctx, t, models.EventCreated, models.EventPayload{Billing: t.BillingInfo}, true)

	family := t.Type.Family()
	err = s.queue.Enqueue(ctx, queue.Message{
		TaskID:     t.ID,
		Type:       t.Type,
		Family:     family,
		UserID:     t.UserID,
		ProjectID:  t.ProjectID,
		EnqueuedAt: t.CreatedAt,
	})
	telemetry.EnqueueResults.WithLabelValues(string(family), telemetry.Result(err)).Inc()
	if err != nil {
		s.logger.Error("enqueue task", "task_id", t.ID, "task_type", t.Type, "user_id", t.UserID, "error", err)
		if _, failErr := s.svc.failActive(ctx, t.ID, NewError(CodeEnqueueFailed, "", err), false, "enqueue_failed"); failErr != nil {
			s.logger.Error("fail unenqueued task", "task_id", t.ID, "error", failErr)
		}
		return SubmitResult{}, NewError(CodeEnqueueFailed, "", err)
	}

	s.logger.Info("task submitted", "task_id", t.ID, "task_type", t.Type, "user_id", t.UserID, "queue", family)
	return SubmitResult{Task: t, Intent: intent}, nil
}
