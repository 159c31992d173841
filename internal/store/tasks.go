package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/MR-liu/waoowaoo-sub006/internal/models"
	"github.com/MR-liu/waoowaoo-sub006/internal/targetstate"
	"github.com/MR-liu/waoowaoo-sub006/internal/task"
)

var (
	_ task.Repository    = (*Store)(nil)
	_ targetstate.Source = (*Store)(nil)
)

const taskColumns = `id, user_id, project_id, episode_id, type, target_type, target_id, status, payload,
	billing_info, dedupe_key, progress, error_code, error_message, attempt, heartbeat_at,
	started_at, finished_at, created_at, updated_at`

func scanTask(row pgx.Row) (models.Task, error) {
	var (
		t                              models.Task
		episode, dedupe, code, message pgtype.Text
		heartbeat, started, finished   pgtype.Timestamptz
		payload, billing               []byte
	)
	err := row.Scan(&t.ID, &t.UserID, &t.ProjectID, &episode, &t.Type, &t.TargetType, &t.TargetID, &t.Status,
		&payload, &billing, &dedupe, &t.Progress, &code, &message, &t.Attempt, &heartbeat,
		&started, &finished, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return models.Task{}, err
	}
	t.EpisodeID = textPtr(episode)
	t.DedupeKey = textPtr(dedupe)
	t.ErrorCode = textPtr(code)
	t.ErrorMessage = textPtr(message)
	t.HeartbeatAt = timePtr(heartbeat)
	t.StartedAt = timePtr(started)
	t.FinishedAt = timePtr(finished)
	t.Payload = json.RawMessage(payload)
	if len(billing) > 0 {
		var bi models.BillingInfo
		if err := json.Unmarshal(billing, &bi); err != nil {
			return models.Task{}, fmt.Errorf("decode billing info: %w", err)
		}
		t.BillingInfo = &bi
	}
	return t, nil
}

func collectTasks(rows pgx.Rows) ([]models.Task, error) {
	defer rows.Close()
	var out []models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) InsertTask(ctx context.Context, t models.Task) error {
	payload := []byte(t.Payload)
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	var billing []byte
	if t.BillingInfo != nil {
		b, err := json.Marshal(t.BillingInfo)
		if err != nil {
			return fmt.Errorf("encode billing info: %w", err)
		}
		billing = b
	}
	now := stamp(t.CreatedAt)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tasks (id, user_id, project_id, episode_id, type, target_type, target_id, status, payload,
			billing_info, dedupe_key, progress, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13)
	`, t.ID, t.UserID, t.ProjectID, t.EpisodeID, string(t.Type), t.TargetType, t.TargetID, string(t.Status), payload,
		billing, t.DedupeKey, t.Progress, now)
	if isUniqueViolation(err, "tasks_active_dedupe_key") {
		return task.ErrDedupeConflict
	}
	if err != nil {
		return fmt.Errorf("insert task %s: %w", t.ID, err)
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, id string) (models.Task, error) {
	t, err := scanTask(s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Task{}, fmt.Errorf("get task %s: %w", id, task.ErrNotFound)
	}
	if err != nil {
		return models.Task{}, fmt.Errorf("get task %s: %w", id, err)
	}
	return t, nil
}

func (s *Store) FindActiveByDedupeKey(ctx context.Context, key string) (models.Task, bool, error) {
	t, err := scanTask(s.pool.QueryRow(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE dedupe_key = $1 AND status IN ('queued', 'processing')
	`, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Task{}, false, nil
	}
	if err != nil {
		return models.Task{}, false, fmt.Errorf("find dedupe key: %w", err)
	}
	return t, true, nil
}

// Transition applies u with a single UPDATE guarded on the current status.
func (s *Store) Transition(ctx context.Context, id string, from []models.TaskStatus, u task.Update) (bool, error) {
	now := stamp(u.Now)
	sets := []string{"updated_at = $3"}
	args := []any{id, statusStrings(from), now}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if u.Status != "" {
		sets = append(sets, "status = "+arg(string(u.Status)))
	}
	if u.Progress != nil {
		sets = append(sets, "progress = "+arg(*u.Progress))
	}
	if u.ErrorCode != nil {
		sets = append(sets, "error_code = "+arg(*u.ErrorCode))
	}
	if u.ErrorMessage != nil {
		sets = append(sets, "error_message = "+arg(*u.ErrorMessage))
	}
	if u.Heartbeat {
		sets = append(sets, "heartbeat_at = $3")
	}
	if u.Started {
		sets = append(sets, "started_at = COALESCE(started_at, $3)", "attempt = attempt + 1")
	}
	if u.Finished {
		sets = append(sets, "finished_at = $3")
	}
	if u.ReleaseDedupeKey {
		sets = append(sets, "dedupe_key = NULL")
	}
	if u.BillingInfo != nil {
		b, err := json.Marshal(u.BillingInfo)
		if err != nil {
			return false, fmt.Errorf("encode billing info: %w", err)
		}
		sets = append(sets, "billing_info = "+arg(b))
	}
	if u.ProgressSnapshot != nil {
		b, err := json.Marshal(u.ProgressSnapshot)
		if err != nil {
			return false, fmt.Errorf("encode progress: %w", err)
		}
		sets = append(sets, "payload = jsonb_set(COALESCE(payload, '{}'::jsonb), '{progress}', "+arg(b)+"::jsonb)")
	}

	where := `id = $1 AND status = ANY($2)`
	if !u.ClaimStaleBefore.IsZero() {
		where += ` AND (status <> 'processing' OR GREATEST(COALESCE(heartbeat_at, created_at), created_at) < ` + arg(u.ClaimStaleBefore) + `)`
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks SET `+strings.Join(sets, ", ")+` WHERE `+where, args...)
	if err != nil {
		return false, fmt.Errorf("transition task %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) ListActive(ctx context.Context, f task.ListFilter) ([]models.Task, error) {
	statuses := f.Statuses
	if len(statuses) == 0 {
		statuses = models.ActiveStatuses
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status = ANY($1)
		  AND ($2::timestamptz IS NULL OR GREATEST(COALESCE(heartbeat_at, created_at), created_at) < $2)
		  AND ($4 = '' OR project_id = $4)
		  AND ($5 = '' OR user_id = $5)
		ORDER BY created_at
		LIMIT $3
	`, statusStrings(statuses), nullTime(f.SeenBefore), limit, f.ProjectID, f.UserID)
	if err != nil {
		return nil, fmt.Errorf("list active tasks: %w", err)
	}
	return collectTasks(rows)
}

// ListTargetTasks loads the projected statuses of a target batch. The projector
// orders and picks, so no ordering is applied here.
func (s *Store) ListTargetTasks(ctx context.Context, f targetstate.Filter) ([]models.Task, error) {
	if len(f.Targets) == 0 {
		return nil, nil
	}
	targetTypes := make([]string, len(f.Targets))
	targetIDs := make([]string, len(f.Targets))
	for i, tg := range f.Targets {
		targetTypes[i] = tg.Type
		targetIDs[i] = tg.ID
	}
	var types []string
	for _, t := range f.Types {
		types = append(types, string(t))
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE project_id = $1
		  AND ($2 = '' OR user_id = $2)
		  AND (target_type, target_id) IN (SELECT * FROM unnest($3::text[], $4::text[]))
		  AND status IN ('queued', 'processing', 'completed', 'failed')
		  AND ($5::text[] IS NULL OR type = ANY($5))
	`, f.ProjectID, f.UserID, targetTypes, targetIDs, types)
	if err != nil {
		return nil, fmt.Errorf("list target tasks: %w", err)
	}
	return collectTasks(rows)
}

func statusStrings(in []models.TaskStatus) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}
