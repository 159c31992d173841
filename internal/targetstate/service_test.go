package targetstate

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MR-liu/waoowaoo-sub006/internal/models"
)

type fakeSource struct {
	rows    []models.Task
	calls   []Filter
	failErr error
}

func (f *fakeSource) ListTargetTasks(_ context.Context, filter Filter) ([]models.Task, error) {
	f.calls = append(f.calls, filter)
	if f.failErr != nil {
		return nil, f.failErr
	}
	wanted := map[string]bool{}
	for _, tg := range filter.Targets {
		wanted[tg.Key()] = true
	}
	var out []models.Task
	for _, r := range f.rows {
		if wanted[Target{Type: r.TargetType, ID: r.TargetID}.Key()] {
			out = append(out, r)
		}
	}
	return out, nil
}

func TestGetTargetStatesBatchesTargets(t *testing.T) {
	src := &fakeSource{}
	var queries []Query
	for i := 0; i < 120; i++ {
		id := fmt.Sprintf("panel-%d", i)
		queries = append(queries, Query{Target: Target{Type: "panel", ID: id}})
		if i%10 == 0 {
			src.rows = append(src.rows, row("t-"+id, models.StatusCompleted, models.TaskImagePanel, id, time.Minute))
		}
	}
	// duplicates collapse onto one target
	queries = append(queries, queries[0])

	svc := NewService(src, nil)
	states, err := svc.GetTargetStates(context.Background(), "p1", "u1", queries)
	require.NoError(t, err)
	require.Len(t, states, len(queries))

	require.Len(t, src.calls, 3)
	assert.Len(t, src.calls[0].Targets, 50)
	assert.Len(t, src.calls[1].Targets, 50)
	assert.Len(t, src.calls[2].Targets, 20)
	assert.Equal(t, "p1", src.calls[0].ProjectID)
	assert.Nil(t, src.calls[0].Types)

	assert.Equal(t, PhaseCompleted, states[0].Phase)
	assert.Equal(t, PhaseIdle, states[1].Phase)
	assert.Equal(t, states[0], states[len(states)-1])
}

func TestGetTargetStatesTypeUnion(t *testing.T) {
	src := &fakeSource{}
	svc := NewService(src, nil)
	_, err := svc.GetTargetStates(context.Background(), "p1", "u1", []Query{
		{Target: Target{Type: "panel", ID: "a"}, Types: []models.TaskType{models.TaskImagePanel}},
		{Target: Target{Type: "panel", ID: "b"}, Types: []models.TaskType{models.TaskVideoPanel}},
	})
	require.NoError(t, err)
	require.Len(t, src.calls, 1)
	assert.ElementsMatch(t, []models.TaskType{models.TaskImagePanel, models.TaskVideoPanel}, src.calls[0].Types)
}

func TestGetTargetStatesSourceError(t *testing.T) {
	svc := NewService(&fakeSource{failErr: errors.New("db down")}, nil)
	_, err := svc.GetTargetStates(context.Background(), "p1", "u1", []Query{{Target: Target{Type: "panel", ID: "a"}}})
	require.Error(t, err)
}

func TestGetTargetStatesMergesOverlay(t *testing.T) {
	src := &fakeSource{rows: []models.Task{
		row("t-done", models.StatusCompleted, models.TaskImagePanel, "done", time.Minute),
	}}
	overlay := NewOverlay(16, time.Minute)
	overlay.Set(Target{Type: "panel", ID: "idle"}, OverlayEntry{Phase: PhaseQueued, TaskID: "t-new", TaskType: models.TaskImagePanel})
	overlay.Set(Target{Type: "panel", ID: "done"}, OverlayEntry{Phase: PhaseProcessing, TaskID: "t-x"})

	svc := NewService(src, overlay)
	states, err := svc.GetTargetStates(context.Background(), "p1", "u1", []Query{
		{Target: Target{Type: "panel", ID: "idle"}},
		{Target: Target{Type: "panel", ID: "done"}},
	})
	require.NoError(t, err)
	assert.Equal(t, PhaseQueued, states[0].Phase)
	assert.Equal(t, "t-new", *states[0].RunningTaskID)
	assert.Equal(t, PhaseCompleted, states[1].Phase)
}

func TestTrackSubmittedAndForget(t *testing.T) {
	overlay := NewOverlay(16, time.Minute)
	svc := NewService(&fakeSource{}, overlay)
	queued := models.Task{ID: "t-1", Type: models.TaskImagePanel, TargetType: "panel", TargetID: "p-1", Status: models.StatusQueued}

	svc.TrackSubmitted(queued)
	states, err := svc.GetTargetStates(context.Background(), "p1", "u1", []Query{{Target: Target{Type: "panel", ID: "p-1"}}})
	require.NoError(t, err)
	assert.Equal(t, PhaseQueued, states[0].Phase)

	svc.Forget(queued)
	assert.Zero(t, overlay.Len())

	failed := queued
	failed.Status = models.StatusFailed
	svc.TrackSubmitted(failed)
	assert.Zero(t, overlay.Len(), "terminal tasks never enter the overlay")

	var none *Service
	assert.NotPanics(t, func() {
		none.TrackSubmitted(queued)
		none.Forget(queued)
	})
}
