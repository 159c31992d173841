// Package events keeps the durable task lifecycle log and fans events out to live
// subscribers over a broker.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/MR-liu/waoowaoo-sub006/internal/models"
	"github.com/MR-liu/waoowaoo-sub006/internal/telemetry"
)

const (
	DefaultReplayLimit = 500
	MaxReplayLimit     = 5000

	taskChannelPrefix    = "task-events:task:"
	projectChannelPrefix = "task-events:project:"
)

func TaskChannel(taskID string) string       { return taskChannelPrefix + taskID }
func ProjectChannel(projectID string) string { return projectChannelPrefix + projectID }

// Broadcaster sends an encoded event to live subscribers of a channel.
type Broadcaster interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

type PublishOptions struct {
	// Persist writes the event to the durable log before broadcasting it.
	Persist bool
}

// Publisher persists and broadcasts lifecycle events. Broadcast is best effort and
// bounded by a short timeout so it never holds up a state commit.
type Publisher struct {
	repo             Repository
	tasks            TaskLookup
	bus              Broadcaster
	logger           *slog.Logger
	broadcastTimeout time.Duration
	now              func() time.Time
}

func NewPublisher(repo Repository, tasks TaskLookup, bus Broadcaster, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		repo:             repo,
		tasks:            tasks,
		bus:              bus,
		logger:           logger.With("component", "events"),
		broadcastTimeout: 2 * time.Second,
		now:              func() time.Time { return time.Now().UTC() },
	}
}

// NewTaskEvent builds an event for t carrying payload as its snapshot.
func NewTaskEvent(t models.Task, typ models.EventType, payload models.EventPayload) models.TaskEvent {
	if payload.Status == "" {
		payload.Status = t.Status
	}
	raw, _ := json.Marshal(payload)
	return models.TaskEvent{
		TaskID:     t.ID,
		ProjectID:  t.ProjectID,
		UserID:     t.UserID,
		Type:       typ,
		TaskType:   t.Type,
		TargetType: t.TargetType,
		TargetID:   t.TargetID,
		Payload:    raw,
	}
}

// Publish stores the event when opts.Persist is set, then broadcasts it on the task
// and project channels. Only a persistence failure is returned.
func (p *Publisher) Publish(ctx context.Context, ev models.TaskEvent, opts PublishOptions) (models.TaskEvent, error) {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = p.now()
	}
	persisted := strconv.FormatBool(opts.Persist)
	if opts.Persist {
		stored, err := p.repo.InsertEvent(ctx, ev)
		if err != nil {
			telemetry.EventsPublished.WithLabelValues(string(ev.Type), persisted, "error").Inc()
			return ev, fmt.Errorf("persist %s event for %s: %w", ev.Type, ev.TaskID, err)
		}
		ev = stored
	} else {
		ev.ID = "ephemeral:" + uuid.NewString()
		ev.Persisted = false
	}

	p.broadcast(ctx, ev)
	telemetry.EventsPublished.WithLabelValues(string(ev.Type), persisted, "ok").Inc()
	return ev, nil
}

func (p *Publisher) broadcast(ctx context.Context, ev models.TaskEvent) {
	if p.bus == nil {
		return
	}
	body, err := json.Marshal(ev)
	if err != nil {
		p.logger.Error("encode event", "task_id", ev.TaskID, "error", err)
		return
	}
	bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.broadcastTimeout)
	defer cancel()

	channels := []string{TaskChannel(ev.TaskID)}
	if ev.ProjectID != "" {
		channels = append(channels, ProjectChannel(ev.ProjectID))
	}
	for _, ch := range channels {
		if err := p.bus.Publish(bctx, ch, body); err != nil {
			telemetry.EventsPublished.WithLabelValues(string(ev.Type), strconv.FormatBool(ev.Persisted), "broadcast_error").Inc()
			p.logger.Warn("broadcast event failed", "task_id", ev.TaskID, "channel", ch, "event_type", ev.Type, "error", err)
		}
	}
}

// ClampLimit bounds a caller-provided replay limit.
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultReplayLimit
	case limit > MaxReplayLimit:
		return MaxReplayLimit
	}
	return limit
}

// ListTaskLifecycleEvents returns the newest limit events of a task in creation
// order. When the task row is terminal but the log does not end in the matching
// terminal event, a synthetic reconciled event is appended.
func (p *Publisher) ListTaskLifecycleEvents(ctx context.Context, taskID string, limit int) ([]models.TaskEvent, error) {
	rows, err := p.repo.ListTaskEvents(ctx, taskID, ClampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list events for %s: %w", taskID, err)
	}
	out := make([]models.TaskEvent, len(rows))
	for i, ev := range rows {
		out[len(rows)-1-i] = ev
	}

	if p.tasks == nil {
		return out, nil
	}
	t, err := p.tasks.GetTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("load task %s for replay: %w", taskID, err)
	}
	if !t.Status.IsTerminal() {
		return out, nil
	}

	want := models.EventFailed
	if t.Status == models.StatusCompleted {
		want = models.EventCompleted
	}
	var last models.EventType
	for i := len(out) - 1; i >= 0; i-- {
		if out[i].Type.IsTerminal() {
			last = out[i].Type
			break
		}
	}
	if last == want {
		return out, nil
	}

	telemetry.TerminalMismatch.Inc()
	p.logger.Warn("terminal event mismatch", "task_id", t.ID, "task_status", t.Status, "last_terminal_event", last)
	out = append(out, synthesizeTerminal(t, want))
	return out, nil
}

func synthesizeTerminal(t models.Task, typ models.EventType) models.TaskEvent {
	payload := models.EventPayload{Status: t.Status, Reconciled: true}
	if typ == models.EventCompleted {
		full := 100
		payload.Progress = &full
	}
	if t.ErrorCode != nil {
		payload.ErrorCode = *t.ErrorCode
	}
	if t.ErrorMessage != nil {
		payload.ErrorMessage = *t.ErrorMessage
	}
	if t.Status == models.StatusCancelled {
		payload.Cancelled = true
	}
	ev := NewTaskEvent(t, typ, payload)
	ev.ID = "reconciled:" + t.ID
	ev.CreatedAt = t.UpdatedAt
	if t.FinishedAt != nil {
		ev.CreatedAt = *t.FinishedAt
	}
	return ev
}

// ListEventsAfter replays a project's persisted events after a sequence number, for
// clients reconnecting with Last-Event-ID.
func (p *Publisher) ListEventsAfter(ctx context.Context, projectID string, afterSeq int64, limit int) ([]models.TaskEvent, error) {
	rows, err := p.repo.ListProjectEventsAfter(ctx, projectID, afterSeq, ClampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list project events after %d: %w", afterSeq, err)
	}
	return rows, nil
}
