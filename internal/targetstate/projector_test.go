package targetstate

import (
	"encoding/json"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MR-liu/waoowaoo-sub006/internal/models"
)

var base = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func row(id string, status models.TaskStatus, typ models.TaskType, target string, ago time.Duration) models.Task {
	return models.Task{
		ID:         id,
		UserID:     "u1",
		ProjectID:  "p1",
		Type:       typ,
		TargetType: "panel",
		TargetID:   target,
		Status:     status,
		CreatedAt:  base.Add(-ago),
		UpdatedAt:  base.Add(-ago),
	}
}

func strp(s string) *string { return &s }

func TestProjectPhases(t *testing.T) {
	processing := row("t-proc", models.StatusProcessing, models.TaskImagePanel, "a", time.Minute)
	processing.Progress = 140
	processing.Payload = json.RawMessage(`{"prompt":"x","progress":{"stage":"generate","stageLabel":"Generating"}}`)

	failed := row("t-fail", models.StatusFailed, models.TaskImagePanel, "c", time.Minute)
	failed.ErrorCode = strp("WATCHDOG_TIMEOUT")
	failed.ErrorMessage = strp("Task heartbeat timeout")

	unknown := row("t-unk", models.StatusFailed, models.TaskImagePanel, "d", time.Minute)
	unknown.ErrorMessage = strp("upstream 429 too many requests")

	tasks := []models.Task{
		processing,
		row("t-old", models.StatusCompleted, models.TaskImagePanel, "a", time.Hour),
		row("t-done", models.StatusCompleted, models.TaskImagePanel, "b", time.Minute),
		failed,
		unknown,
		row("t-q", models.StatusQueued, models.TaskVideoPanel, "e", time.Second),
	}
	queries := []Query{
		{Target: Target{Type: "panel", ID: "a"}},
		{Target: Target{Type: "panel", ID: "b"}},
		{Target: Target{Type: "panel", ID: "c"}},
		{Target: Target{Type: "panel", ID: "d"}},
		{Target: Target{Type: "panel", ID: "e"}},
		{Target: Target{Type: "panel", ID: "none"}},
	}

	got := Project(queries, tasks)
	require.Len(t, got, len(queries))

	assert.Equal(t, PhaseProcessing, got[0].Phase)
	require.NotNil(t, got[0].RunningTaskID)
	assert.Equal(t, "t-proc", *got[0].RunningTaskID)
	require.NotNil(t, got[0].Progress)
	assert.Equal(t, 100, *got[0].Progress)
	assert.Equal(t, "generate", got[0].Stage)
	assert.Equal(t, "Generating", got[0].StageLabel)

	assert.Equal(t, PhaseCompleted, got[1].Phase)
	assert.Nil(t, got[1].RunningTaskID)
	require.NotNil(t, got[1].Progress)
	assert.Equal(t, 100, *got[1].Progress)
	assert.Nil(t, got[1].LastError)

	assert.Equal(t, PhaseFailed, got[2].Phase)
	assert.Nil(t, got[2].Progress)
	require.NotNil(t, got[2].LastError)
	assert.Equal(t, "WATCHDOG_TIMEOUT", got[2].LastError.Code)
	assert.Equal(t, "Task heartbeat timeout", got[2].LastError.Message)

	require.NotNil(t, got[3].LastError)
	assert.Equal(t, "RATE_LIMIT", got[3].LastError.Code)

	assert.Equal(t, PhaseQueued, got[4].Phase)
	assert.Equal(t, models.TaskVideoPanel, got[4].RunningTaskType)
	require.NotNil(t, got[4].Progress)
	assert.Equal(t, 0, *got[4].Progress)

	assert.Equal(t, Idle(Target{Type: "panel", ID: "none"}), got[5])
}

func TestProjectActiveBeatsNewerTerminal(t *testing.T) {
	tasks := []models.Task{
		row("t-new-done", models.StatusCompleted, models.TaskImagePanel, "a", time.Second),
		row("t-running", models.StatusQueued, models.TaskImagePanel, "a", time.Minute),
	}
	got := Project([]Query{{Target: Target{Type: "panel", ID: "a"}}}, tasks)
	assert.Equal(t, PhaseQueued, got[0].Phase)
	assert.Equal(t, "t-running", *got[0].RunningTaskID)
}

func TestProjectTypeFilter(t *testing.T) {
	tasks := []models.Task{
		row("t-video", models.StatusProcessing, models.TaskVideoPanel, "a", time.Second),
		row("t-image", models.StatusCompleted, models.TaskImagePanel, "a", time.Minute),
	}
	imageOnly := Query{Target: Target{Type: "panel", ID: "a"}, Types: []models.TaskType{models.TaskImagePanel}}
	lipSync := Query{Target: Target{Type: "panel", ID: "a"}, Types: []models.TaskType{models.TaskLipSync}}

	got := Project([]Query{imageOnly, lipSync}, tasks)
	assert.Equal(t, PhaseCompleted, got[0].Phase)
	assert.Equal(t, models.TaskImagePanel, got[0].RunningTaskType)
	assert.Equal(t, PhaseIdle, got[1].Phase)
}

func TestProjectIsPureAndOrderIndependent(t *testing.T) {
	tasks := []models.Task{
		row("t1", models.StatusCompleted, models.TaskImagePanel, "a", 3*time.Minute),
		row("t2", models.StatusFailed, models.TaskImagePanel, "a", 2*time.Minute),
		row("t3", models.StatusProcessing, models.TaskImagePanel, "b", time.Minute),
		row("t4", models.StatusQueued, models.TaskImagePanel, "b", time.Minute),
		row("t5", models.StatusCompleted, models.TaskImagePanel, "c", time.Minute),
		row("t6", models.StatusCompleted, models.TaskImagePanel, "c", time.Minute),
	}
	queries := []Query{
		{Target: Target{Type: "panel", ID: "a"}},
		{Target: Target{Type: "panel", ID: "b"}},
		{Target: Target{Type: "panel", ID: "c"}},
	}
	snapshot := append([]models.Task(nil), tasks...)

	want := Project(queries, tasks)
	assert.Equal(t, snapshot, tasks, "input must not be reordered")

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 20; i++ {
		shuffled := append([]models.Task(nil), tasks...)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		assert.Equal(t, want, Project(queries, shuffled))
	}
	assert.Equal(t, "t4", *want[1].RunningTaskID)
	assert.Equal(t, PhaseFailed, want[0].Phase)
}
