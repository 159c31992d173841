package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"

	"github.com/MR-liu/waoowaoo-sub006/internal/events"
	"github.com/MR-liu/waoowaoo-sub006/internal/models"
)

var _ events.Repository = (*Store)(nil)

const eventColumns = `seq, task_id, project_id, user_id, type, task_type, target_type, target_id, payload, created_at`

func (s *Store) InsertEvent(ctx context.Context, ev models.TaskEvent) (models.TaskEvent, error) {
	payload := []byte(ev.Payload)
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO task_events (task_id, project_id, user_id, type, task_type, target_type, target_id, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING seq, created_at
	`, ev.TaskID, ev.ProjectID, ev.UserID, string(ev.Type), string(ev.TaskType), ev.TargetType, ev.TargetID,
		payload, stamp(ev.CreatedAt)).Scan(&ev.Seq, &ev.CreatedAt)
	if err != nil {
		return ev, fmt.Errorf("insert event for %s: %w", ev.TaskID, err)
	}
	ev.ID = strconv.FormatInt(ev.Seq, 10)
	ev.Persisted = true
	return ev, nil
}

func (s *Store) ListTaskEvents(ctx context.Context, taskID string, limit int) ([]models.TaskEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+eventColumns+` FROM task_events
		WHERE task_id = $1
		ORDER BY seq DESC
		LIMIT $2
	`, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("list task events: %w", err)
	}
	return collectEvents(rows)
}

func (s *Store) ListProjectEventsAfter(ctx context.Context, projectID string, afterSeq int64, limit int) ([]models.TaskEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+eventColumns+` FROM task_events
		WHERE project_id = $1 AND seq > $2
		ORDER BY seq
		LIMIT $3
	`, projectID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("list project events: %w", err)
	}
	return collectEvents(rows)
}

func collectEvents(rows pgx.Rows) ([]models.TaskEvent, error) {
	defer rows.Close()
	var out []models.TaskEvent
	for rows.Next() {
		var (
			ev      models.TaskEvent
			payload []byte
		)
		if err := rows.Scan(&ev.Seq, &ev.TaskID, &ev.ProjectID, &ev.UserID, &ev.Type, &ev.TaskType,
			&ev.TargetType, &ev.TargetID, &payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.ID = strconv.FormatInt(ev.Seq, 10)
		ev.Payload = json.RawMessage(payload)
		ev.Persisted = true
		out = append(out, ev)
	}
	return out, rows.Err()
}
