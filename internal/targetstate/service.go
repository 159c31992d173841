package targetstate

import (
	"context"
	"fmt"

	"github.com/MR-liu/waoowaoo-sub006/internal/models"
)

// batchSize bounds the number of targets per source query.
const batchSize = 50

// Service loads task rows for targets and projects them, then merges the overlay.
type Service struct {
	source  Source
	overlay *Overlay
}

// NewService builds a service. overlay may be nil.
func NewService(source Source, overlay *Overlay) *Service {
	return &Service{source: source, overlay: overlay}
}

// TrackSubmitted shows an active task's target as queued until the next read of the
// rows catches up.
func (s *Service) TrackSubmitted(t models.Task) {
	if s == nil || s.overlay == nil || !t.Status.IsActive() {
		return
	}
	s.overlay.Set(Target{Type: t.TargetType, ID: t.TargetID}, OverlayEntry{
		Phase:    PhaseQueued,
		TaskID:   t.ID,
		TaskType: t.Type,
	})
}

// Forget drops the optimistic entry for a task's target.
func (s *Service) Forget(t models.Task) {
	if s == nil || s.overlay == nil {
		return
	}
	s.overlay.Clear(Target{Type: t.TargetType, ID: t.TargetID})
}

// GetTargetStates returns one state per query, in query order.
func (s *Service) GetTargetStates(ctx context.Context, projectID, userID string, queries []Query) ([]State, error) {
	if len(queries) == 0 {
		return nil, nil
	}

	seen := make(map[string]bool, len(queries))
	var targets []Target
	typeSet := make(map[models.TaskType]bool)
	unfiltered := false
	for _, q := range queries {
		if !seen[q.Key()] {
			seen[q.Key()] = true
			targets = append(targets, q.Target)
		}
		if len(q.Types) == 0 {
			unfiltered = true
		}
		for _, t := range q.Types {
			typeSet[t] = true
		}
	}
	var types []models.TaskType
	if !unfiltered {
		for t := range typeSet {
			types = append(types, t)
		}
	}

	var rows []models.Task
	for i := 0; i < len(targets); i += batchSize {
		end := min(i+batchSize, len(targets))
		batch, err := s.source.ListTargetTasks(ctx, Filter{
			ProjectID: projectID,
			UserID:    userID,
			Targets:   targets[i:end],
			Types:     types,
		})
		if err != nil {
			return nil, fmt.Errorf("load target tasks: %w", err)
		}
		rows = append(rows, batch...)
	}

	states := Project(queries, rows)
	if s.overlay != nil {
		for i, q := range queries {
			states[i] = s.overlay.Apply(q, states[i])
		}
	}
	return states, nil
}
