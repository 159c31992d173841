package targetstate

import (
	"context"

	"github.com/MR-liu/waoowaoo-sub006/internal/models"
)

// Target identifies the domain entity a task affects.
type Target struct {
	Type string `json:"targetType" validate:"required"`
	ID   string `json:"targetId" validate:"required"`
}

// Key is the "targetType:targetId" form used for grouping and the overlay.
func (t Target) Key() string {
	return t.Type + ":" + t.ID
}

// Filter selects the rows a projection needs. Only queued, processing, completed
// and failed rows are returned.
type Filter struct {
	ProjectID string
	UserID    string
	Targets   []Target
	Types     []models.TaskType
}

// Source loads task rows for a batch of targets, in any order.
type Source interface {
	ListTargetTasks(ctx context.Context, f Filter) ([]models.Task, error)
}
