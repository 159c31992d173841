package worker

import (
	"errors"
	"fmt"
	"sort"

	"github.com/MR-liu/waoowaoo-sub006/internal/models"
	"github.com/MR-liu/waoowaoo-sub006/internal/task"
)

var ErrNoHandler = errors.New("worker: no handler registered")

// Registry maps task types to handlers. Resolve decodes the typed payload for the
// type, so handlers receive the concrete payload rather than raw JSON.
type Registry struct {
	handlers map[models.TaskType]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[models.TaskType]Handler)}
}

// Register binds a handler to a task type. Unknown types and nil handlers are ignored.
func (r *Registry) Register(t models.TaskType, h Handler) {
	if !t.Valid() || h == nil {
		return
	}
	r.handlers[t] = h
}

// RegisterFamily binds h to every task type of the family that has no handler yet.
func (r *Registry) RegisterFamily(f models.Family, h Handler) {
	for _, t := range models.TaskTypes() {
		if t.Family() != f {
			continue
		}
		if _, ok := r.handlers[t]; !ok {
			r.Register(t, h)
		}
	}
}

// Families returns the families with at least one handler.
func (r *Registry) Families() []models.Family {
	seen := map[models.Family]bool{}
	var out []models.Family
	for t := range r.handlers {
		if f := t.Family(); !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (r *Registry) Resolve(t models.Task) (Handler, models.Payload, error) {
	h, ok := r.handlers[t.Type]
	if !ok {
		return nil, nil, fmt.Errorf("%w for %q", ErrNoHandler, t.Type)
	}
	payload, err := models.DecodePayload(t.Type, t.Payload)
	if err != nil {
		return nil, nil, task.NewError(task.CodeInvalidParams, err.Error(), err)
	}
	return h, payload, nil
}
