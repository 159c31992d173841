package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/MR-liu/waoowaoo-sub006/internal/events"
	"github.com/MR-liu/waoowaoo-sub006/internal/models"
	"github.com/MR-liu/waoowaoo-sub006/internal/task"
	"github.com/MR-liu/waoowaoo-sub006/internal/telemetry"
)

const (
	snapshotLimit = 500
	liveBuffer    = 256
)

// handleProjectStream serves the project's lifecycle events as SSE. A client that
// reconnects with Last-Event-ID gets the persisted events it missed; a fresh client
// gets a snapshot of its active tasks. Live events follow on the shared subscriber.
func (s *Server) handleProjectStream(w http.ResponseWriter, r *http.Request) {
	if s.deps.Subscriber == nil {
		s.unavailable(w, r, "event stream")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.unavailable(w, r, "streaming")
		return
	}
	ctx := r.Context()
	projectID := chi.URLParam(r, "projectID")
	user := userID(r)
	logger := s.logger.With("project_id", projectID, "user_id", user)

	live := make(chan models.TaskEvent, liveBuffer)
	remove, err := s.deps.Subscriber.AddListener(ctx, events.ProjectChannel(projectID), func(m events.Message) {
		var ev models.TaskEvent
		if err := json.Unmarshal(m.Payload, &ev); err != nil {
			logger.Warn("undecodable stream event", "error", err)
			return
		}
		if ev.UserID != user {
			return
		}
		select {
		case live <- ev:
		default:
			logger.Warn("stream client too slow, event dropped", "task_id", ev.TaskID, "event_type", ev.Type)
		}
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer remove()

	telemetry.SSEConnections.Inc()
	defer telemetry.SSEConnections.Dec()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream; charset=utf-8")
	h.Set("Cache-Control", "no-cache, no-transform")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	var lastSeq int64
	if after := parseLastEventID(r.Header.Get("Last-Event-ID")); after > 0 {
		lastSeq = after
		missed, err := s.deps.Events.ListEventsAfter(ctx, projectID, after, events.MaxReplayLimit)
		if err != nil {
			logger.Error("stream replay", "after", after, "error", err)
			return
		}
		for _, ev := range missed {
			if ev.UserID != user {
				continue
			}
			if err := writeEvent(w, ev); err != nil {
				return
			}
			lastSeq = max(lastSeq, ev.Seq)
		}
		logger.Info("stream replay sent", "after", after, "count", len(missed))
	} else {
		active, err := s.deps.Tasks.ListActive(ctx, task.ListFilter{ProjectID: projectID, UserID: user, Limit: snapshotLimit})
		if err != nil {
			logger.Error("stream snapshot", "error", err)
			return
		}
		for _, t := range active {
			if err := writeEvent(w, snapshotEvent(t)); err != nil {
				return
			}
		}
		logger.Info("stream snapshot sent", "count", len(active))
	}
	flusher.Flush()

	ticker := time.NewTicker(s.cfg.SSEHeartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Debug("stream closed")
			return
		case ev := <-live:
			// Replayed rows may also arrive live; skip anything already sent.
			if ev.Persisted && ev.Seq <= lastSeq {
				continue
			}
			if err := writeEvent(w, ev); err != nil {
				return
			}
			flusher.Flush()
		case now := <-ticker.C:
			if _, err := fmt.Fprintf(w, ": heartbeat %s\n\n", now.UTC().Format(time.RFC3339)); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// snapshotEvent presents an active task as the lifecycle event it last reached.
func snapshotEvent(t models.Task) models.TaskEvent {
	typ := models.EventCreated
	if t.Status == models.StatusProcessing {
		typ = models.EventProcessing
	}
	progress := t.Progress
	snap := t.CurrentProgress()
	ev := events.NewTaskEvent(t, typ, models.EventPayload{
		Progress:   &progress,
		Stage:      snap.Stage,
		StageLabel: snap.StageLabel,
	})
	ev.ID = fmt.Sprintf("snapshot:%s:%d", t.ID, t.UpdatedAt.UnixMilli())
	ev.CreatedAt = t.UpdatedAt
	return ev
}

func writeEvent(w http.ResponseWriter, ev models.TaskEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	var b strings.Builder
	if ev.Persisted && ev.Seq > 0 {
		fmt.Fprintf(&b, "id: %d\n", ev.Seq)
	}
	fmt.Fprintf(&b, "event: %s\ndata: %s\n\n", ev.Type, body)
	_, err = w.Write([]byte(b.String()))
	return err
}

// parseLastEventID accepts only positive decimal sequence numbers.
func parseLastEventID(v string) int64 {
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil || n <= 0 {
		return 0
	}
	return n
}
