package memory

import (
	"context"
	"strconv"

	"github.com/MR-liu/waoowaoo-sub006/internal/events"
	"github.com/MR-liu/waoowaoo-sub006/internal/models"
)

var _ events.Repository = (*Store)(nil)

func (s *Store) InsertEvent(_ context.Context, ev models.TaskEvent) (models.TaskEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextSeq++
	ev.Seq = s.nextSeq
	ev.ID = strconv.FormatInt(ev.Seq, 10)
	ev.Persisted = true
	ev.CreatedAt = stamp(ev.CreatedAt)
	s.events = append(s.events, ev)
	return ev, nil
}

func (s *Store) ListTaskEvents(_ context.Context, taskID string, limit int) ([]models.TaskEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.TaskEvent
	for i := len(s.events) - 1; i >= 0; i-- {
		if s.events[i].TaskID != taskID {
			continue
		}
		out = append(out, s.events[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) ListProjectEventsAfter(_ context.Context, projectID string, afterSeq int64, limit int) ([]models.TaskEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.TaskEvent
	for _, ev := range s.events {
		if ev.ProjectID != projectID || ev.Seq <= afterSeq {
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
