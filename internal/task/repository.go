package task

import (
	"context"
	"time"

	"github.com/MR-liu/waoowaoo-sub006/internal/models"
)

// Repository persists task rows. Transition is the only way to change a task's
// status: it applies u only when the row's current status is one of from, in a
// single conditional write.
type Repository interface {
	// InsertTask returns ErrDedupeConflict when another active task holds the dedupe key.
	InsertTask(ctx context.Context, t models.Task) error
	GetTask(ctx context.Context, id string) (models.Task, error)
	FindActiveByDedupeKey(ctx context.Context, key string) (models.Task, bool, error)
	Transition(ctx context.Context, id string, from []models.TaskStatus, u Update) (bool, error)
	ListActive(ctx context.Context, f ListFilter) ([]models.Task, error)
}

// Update describes the columns a guarded transition writes. Zero values leave a
// column untouched.
type Update struct {
	Status       models.TaskStatus
	Progress     *int
	ErrorCode    *string
	ErrorMessage *string
	// Heartbeat stamps heartbeat_at with Now.
	Heartbeat bool
	// Started stamps started_at (first time only) and bumps attempt.
	Started bool
	// Finished stamps finished_at.
	Finished bool
	// ClaimStaleBefore, when set, keeps a processing row from matching unless its last
	// heartbeat (or start) is older than this. Queued rows always match.
	ClaimStaleBefore time.Time
	// ReleaseDedupeKey clears dedupe_key in the same write.
	ReleaseDedupeKey bool
	BillingInfo      *models.BillingInfo
	// ProgressSnapshot is merged into payload.progress.
	ProgressSnapshot *models.ProgressSnapshot
	Now              time.Time
}

// ListFilter selects tasks for the watchdog sweeps and the stream snapshot. Zero
// values mean "any".
type ListFilter struct {
	Statuses  []models.TaskStatus
	ProjectID string
	UserID    string
	// SeenBefore keeps tasks whose last heartbeat (or creation) is older than this.
	SeenBefore time.Time
	Limit      int
}

var (
	fromActive     = []models.TaskStatus{models.StatusQueued, models.StatusProcessing}
	fromProcessing = []models.TaskStatus{models.StatusProcessing}
	fromFailed     = []models.TaskStatus{models.StatusFailed}
)
