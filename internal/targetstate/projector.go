// Package targetstate derives a per-entity presentation state from recent task rows.
package targetstate

import (
	"errors"
	"slices"
	"sort"
	"time"

	"github.com/MR-liu/waoowaoo-sub006/internal/models"
	"github.com/MR-liu/waoowaoo-sub006/internal/task"
)

type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseQueued     Phase = "queued"
	PhaseProcessing Phase = "processing"
	PhaseCompleted  Phase = "completed"
	PhaseFailed     Phase = "failed"
)

// Query asks for one target's state. A non-empty Types keeps only those task types.
type Query struct {
	Target
	Types []models.TaskType `json:"types,omitempty"`
}

type LastError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// State is what a client shows for a target right now.
type State struct {
	TargetType      string          `json:"targetType"`
	TargetID        string          `json:"targetId"`
	Phase           Phase           `json:"phase"`
	RunningTaskID   *string         `json:"runningTaskId"`
	RunningTaskType models.TaskType `json:"runningTaskType,omitempty"`
	Progress        *int            `json:"progress"`
	Stage           string          `json:"stage,omitempty"`
	StageLabel      string          `json:"stageLabel,omitempty"`
	LastError       *LastError      `json:"lastError"`
	UpdatedAt       *time.Time      `json:"updatedAt"`
}

// Idle is the state of a target with no relevant tasks.
func Idle(t Target) State {
	return State{TargetType: t.Type, TargetID: t.ID, Phase: PhaseIdle}
}

// Project computes one State per query from tasks. It is pure: input slices are not
// modified and the result depends only on the rows, not their order.
func Project(queries []Query, tasks []models.Task) []State {
	grouped := make(map[string][]models.Task)
	for _, t := range tasks {
		key := Target{Type: t.TargetType, ID: t.TargetID}.Key()
		grouped[key] = append(grouped[key], t)
	}
	for _, group := range grouped {
		sort.SliceStable(group, func(i, j int) bool {
			if !group[i].UpdatedAt.Equal(group[j].UpdatedAt) {
				return group[i].UpdatedAt.After(group[j].UpdatedAt)
			}
			return group[i].ID > group[j].ID
		})
	}

	out := make([]State, 0, len(queries))
	for _, q := range queries {
		out = append(out, resolve(q, grouped[q.Key()]))
	}
	return out
}

func resolve(q Query, sorted []models.Task) State {
	var running, terminal *models.Task
	for i := range sorted {
		t := &sorted[i]
		if len(q.Types) > 0 && !slices.Contains(q.Types, t.Type) {
			continue
		}
		if running == nil && t.Status.IsActive() {
			running = t
		}
		if terminal == nil && (t.Status == models.StatusCompleted || t.Status == models.StatusFailed) {
			terminal = t
		}
	}

	switch {
	case running != nil:
		s := fromTask(q.Target, *running)
		s.Phase = PhaseQueued
		if running.Status == models.StatusProcessing {
			s.Phase = PhaseProcessing
		}
		id := running.ID
		s.RunningTaskID = &id
		p := clampProgress(running.Progress)
		s.Progress = &p
		return s
	case terminal != nil && terminal.Status == models.StatusCompleted:
		s := fromTask(q.Target, *terminal)
		s.Phase = PhaseCompleted
		full := 100
		s.Progress = &full
		return s
	case terminal != nil:
		s := fromTask(q.Target, *terminal)
		s.Phase = PhaseFailed
		s.LastError = lastError(*terminal)
		return s
	}
	return Idle(q.Target)
}

func fromTask(target Target, t models.Task) State {
	snap := t.CurrentProgress()
	updated := t.UpdatedAt
	return State{
		TargetType:      target.Type,
		TargetID:        target.ID,
		RunningTaskType: t.Type,
		Stage:           snap.Stage,
		StageLabel:      snap.StageLabel,
		UpdatedAt:       &updated,
	}
}

func clampProgress(p int) int {
	return min(max(p, 0), 100)
}

func lastError(t models.Task) *LastError {
	code, msg := "", ""
	if t.ErrorCode != nil {
		code = *t.ErrorCode
	}
	if t.ErrorMessage != nil {
		msg = *t.ErrorMessage
	}
	if code == "" && msg == "" {
		return nil
	}
	var e *task.Error
	if c := task.Code(code); c.Known() {
		e = task.NewError(c, msg, nil)
	} else {
		e = task.Normalize(errors.New(msg))
	}
	return &LastError{Code: string(e.Code), Message: e.Message}
}
