package targetstate

import (
	"slices"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/MR-liu/waoowaoo-sub006/internal/models"
)

// OverlayEntry is an optimistic state written before the authoritative rows catch up.
type OverlayEntry struct {
	Phase      Phase
	TaskID     string
	TaskType   models.TaskType
	Progress   *int
	Stage      string
	StageLabel string
}

// Overlay is a small TTL cache keyed by target. Entries expire and the projection
// falls back to the task rows.
type Overlay struct {
	cache *expirable.LRU[string, OverlayEntry]
}

func NewOverlay(size int, ttl time.Duration) *Overlay {
	return &Overlay{cache: expirable.NewLRU[string, OverlayEntry](size, nil, ttl)}
}

func (o *Overlay) Set(target Target, e OverlayEntry) {
	o.cache.Add(target.Key(), e)
}

func (o *Overlay) Clear(target Target) {
	o.cache.Remove(target.Key())
}

func (o *Overlay) Len() int {
	return o.cache.Len()
}

// Apply merges the overlay entry for q onto the authoritative state s. Only queued
// or processing entries apply, only over an idle or queued state, and only when the
// query's type filter admits the entry's task type.
func (o *Overlay) Apply(q Query, s State) State {
	e, ok := o.cache.Get(q.Key())
	if !ok {
		return s
	}
	if e.Phase != PhaseQueued && e.Phase != PhaseProcessing {
		return s
	}
	if len(q.Types) > 0 && e.TaskType != "" && !slices.Contains(q.Types, e.TaskType) {
		return s
	}
	if s.Phase != PhaseIdle && s.Phase != PhaseQueued {
		return s
	}

	merged := s
	merged.TargetType = q.Type
	merged.TargetID = q.ID
	merged.Phase = e.Phase
	merged.LastError = nil
	if e.TaskID != "" {
		id := e.TaskID
		merged.RunningTaskID = &id
	}
	if e.TaskType != "" {
		merged.RunningTaskType = e.TaskType
	}
	if e.Progress != nil {
		p := clampProgress(*e.Progress)
		merged.Progress = &p
	}
	if e.Stage != "" {
		merged.Stage = e.Stage
	}
	if e.StageLabel != "" {
		merged.StageLabel = e.StageLabel
	}
	return merged
}
