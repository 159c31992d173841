package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sort"

	"github.com/MR-liu/waoowaoo-sub006/internal/models"
	"github.com/MR-liu/waoowaoo-sub006/internal/targetstate"
	"github.com/MR-liu/waoowaoo-sub006/internal/task"
)

var (
	_ task.Repository    = (*Store)(nil)
	_ targetstate.Source = (*Store)(nil)
)

func (s *Store) InsertTask(_ context.Context, t models.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[t.ID]; exists {
		return fmt.Errorf("insert task %s: duplicate id", t.ID)
	}
	if t.DedupeKey != nil {
		if _, held := s.dedupe[*t.DedupeKey]; held {
			return task.ErrDedupeConflict
		}
		s.dedupe[*t.DedupeKey] = t.ID
	}
	s.tasks[t.ID] = cloneTask(t)
	return nil
}

func (s *Store) GetTask(_ context.Context, id string) (models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tasks[id]
	if !ok {
		return models.Task{}, fmt.Errorf("get task %s: %w", id, task.ErrNotFound)
	}
	return cloneTask(t), nil
}

func (s *Store) FindActiveByDedupeKey(_ context.Context, key string) (models.Task, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.dedupe[key]
	if !ok {
		return models.Task{}, false, nil
	}
	t := s.tasks[id]
	if !t.Status.IsActive() {
		return models.Task{}, false, nil
	}
	return cloneTask(t), true, nil
}

func (s *Store) Transition(_ context.Context, id string, from []models.TaskStatus, u task.Update) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok || !slices.Contains(from, t.Status) {
		return false, nil
	}
	if !u.ClaimStaleBefore.IsZero() && t.Status == models.StatusProcessing && !t.LastSeen().Before(u.ClaimStaleBefore) {
		return false, nil
	}
	now := stamp(u.Now)

	if u.Status != "" {
		t.Status = u.Status
	}
	if u.Progress != nil {
		t.Progress = *u.Progress
	}
	if u.ErrorCode != nil {
		t.ErrorCode = u.ErrorCode
	}
	if u.ErrorMessage != nil {
		t.ErrorMessage = u.ErrorMessage
	}
	if u.Heartbeat {
		t.HeartbeatAt = &now
	}
	if u.Started {
		if t.StartedAt == nil {
			t.StartedAt = &now
		}
		t.Attempt++
	}
	if u.Finished {
		t.FinishedAt = &now
	}
	if u.ReleaseDedupeKey && t.DedupeKey != nil {
		if s.dedupe[*t.DedupeKey] == t.ID {
			delete(s.dedupe, *t.DedupeKey)
		}
		t.DedupeKey = nil
	}
	if u.BillingInfo != nil {
		bi := *u.BillingInfo
		t.BillingInfo = &bi
	}
	if u.ProgressSnapshot != nil {
		payload, err := mergeProgress(t.Payload, *u.ProgressSnapshot)
		if err != nil {
			return false, fmt.Errorf("transition task %s: %w", id, err)
		}
		t.Payload = payload
	}
	t.UpdatedAt = now
	s.tasks[id] = t
	return true, nil
}

func mergeProgress(raw json.RawMessage, snap models.ProgressSnapshot) (json.RawMessage, error) {
	doc := map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("decode payload: %w", err)
		}
	}
	doc["progress"] = snap
	return json.Marshal(doc)
}

func (s *Store) ListActive(_ context.Context, f task.ListFilter) ([]models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	statuses := f.Statuses
	if len(statuses) == 0 {
		statuses = models.ActiveStatuses
	}
	var out []models.Task
	for _, t := range s.tasks {
		if !slices.Contains(statuses, t.Status) {
			continue
		}
		if f.ProjectID != "" && t.ProjectID != f.ProjectID {
			continue
		}
		if f.UserID != "" && t.UserID != f.UserID {
			continue
		}
		if !f.SeenBefore.IsZero() && !t.LastSeen().Before(f.SeenBefore) {
			continue
		}
		out = append(out, cloneTask(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

var projectedStatuses = []models.TaskStatus{
	models.StatusQueued, models.StatusProcessing, models.StatusCompleted, models.StatusFailed,
}

func (s *Store) ListTargetTasks(_ context.Context, f targetstate.Filter) ([]models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wanted := make(map[string]bool, len(f.Targets))
	for _, tg := range f.Targets {
		wanted[tg.Key()] = true
	}
	var out []models.Task
	for _, t := range s.tasks {
		if t.ProjectID != f.ProjectID || (f.UserID != "" && t.UserID != f.UserID) {
			continue
		}
		if !wanted[targetstate.Target{Type: t.TargetType, ID: t.TargetID}.Key()] {
			continue
		}
		if !slices.Contains(projectedStatuses, t.Status) {
			continue
		}
		if len(f.Types) > 0 && !slices.Contains(f.Types, t.Type) {
			continue
		}
		out = append(out, cloneTask(t))
	}
	return out, nil
}
