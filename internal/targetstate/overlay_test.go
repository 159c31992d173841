package targetstate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MR-liu/waoowaoo-sub006/internal/models"
)

func TestOverlayApply(t *testing.T) {
	target := Target{Type: "panel", ID: "a"}
	progress := 30
	entry := OverlayEntry{Phase: PhaseProcessing, TaskID: "t-opt", TaskType: models.TaskImagePanel, Progress: &progress, Stage: "upload"}

	failedState := Idle(target)
	failedState.Phase = PhaseFailed
	failedState.LastError = &LastError{Code: "X", Message: "y"}

	cases := []struct {
		name      string
		entry     OverlayEntry
		query     Query
		current   State
		wantPhase Phase
		applied   bool
	}{
		{"over idle", entry, Query{Target: target}, Idle(target), PhaseProcessing, true},
		{"over queued", entry, Query{Target: target}, State{TargetType: "panel", TargetID: "a", Phase: PhaseQueued}, PhaseProcessing, true},
		{"never over processing", OverlayEntry{Phase: PhaseQueued, TaskID: "t-opt"}, Query{Target: target}, State{Phase: PhaseProcessing}, PhaseProcessing, false},
		{"never over failed", entry, Query{Target: target}, failedState, PhaseFailed, false},
		{"terminal overlay ignored", OverlayEntry{Phase: PhaseCompleted}, Query{Target: target}, Idle(target), PhaseIdle, false},
		{"type filter excludes", entry, Query{Target: target, Types: []models.TaskType{models.TaskVideoPanel}}, Idle(target), PhaseIdle, false},
		{"type filter admits", entry, Query{Target: target, Types: []models.TaskType{models.TaskImagePanel}}, Idle(target), PhaseProcessing, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			o := NewOverlay(8, time.Minute)
			o.Set(target, tc.entry)
			got := o.Apply(tc.query, tc.current)
			assert.Equal(t, tc.wantPhase, got.Phase)
			if tc.applied {
				require.NotNil(t, got.RunningTaskID)
				assert.Equal(t, tc.entry.TaskID, *got.RunningTaskID)
				assert.Nil(t, got.LastError)
				assert.Equal(t, "panel", got.TargetType)
				assert.Equal(t, "a", got.TargetID)
			} else {
				assert.Equal(t, tc.current, got)
			}
		})
	}
}

func TestOverlayExpiresAndClears(t *testing.T) {
	target := Target{Type: "panel", ID: "a"}
	o := NewOverlay(8, 30*time.Millisecond)
	o.Set(target, OverlayEntry{Phase: PhaseQueued, TaskID: "t1"})
	assert.Equal(t, PhaseQueued, o.Apply(Query{Target: target}, Idle(target)).Phase)

	require.Eventually(t, func() bool {
		return o.Apply(Query{Target: target}, Idle(target)).Phase == PhaseIdle
	}, time.Second, 10*time.Millisecond)

	o.Set(target, OverlayEntry{Phase: PhaseQueued, TaskID: "t2"})
	o.Clear(target)
	assert.Equal(t, 0, o.Len())
}
