package events

import (
	"context"

	"github.com/MR-liu/waoowaoo-sub006/internal/models"
)

// Repository is the durable lifecycle event log.
type Repository interface {
	// InsertEvent stores ev and returns it with Seq and CreatedAt assigned.
	InsertEvent(ctx context.Context, ev models.TaskEvent) (models.TaskEvent, error)
	// ListTaskEvents returns at most limit events for the task, newest first.
	ListTaskEvents(ctx context.Context, taskID string, limit int) ([]models.TaskEvent, error)
	// ListProjectEventsAfter returns events with Seq > afterSeq, oldest first.
	ListProjectEventsAfter(ctx context.Context, projectID string, afterSeq int64, limit int) ([]models.TaskEvent, error)
}

// TaskLookup loads the authoritative row a replay is reconciled against.
type TaskLookup interface {
	GetTask(ctx context.Context, id string) (models.Task, error)
}
