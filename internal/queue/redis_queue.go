package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/MR-liu/waoowaoo-sub006/internal/config"
	"github.com/MR-liu/waoowaoo-sub006/internal/models"
)

// Message is the queue envelope for one task. The task row stays authoritative;
// the message only routes work to a worker.
type Message struct {
	TaskID     string          `json:"taskId"`
	Type       models.TaskType `json:"type"`
	Family     models.Family   `json:"family"`
	UserID     string          `json:"userId"`
	ProjectID  string          `json:"projectId"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
}

// DeadLetter is a DLQ entry kept for operational inspection.
type DeadLetter struct {
	TaskID   string          `json:"taskId"`
	Type     models.TaskType `json:"type"`
	Family   models.Family   `json:"family"`
	Error    string          `json:"error"`
	FailedAt time.Time       `json:"failedAt"`
}

// RedisQueue keeps one ready list and one in-flight lease set per job family. A
// task's meta hash lives from enqueue until ack or removal; its presence is what
// makes the job alive.
type RedisQueue struct {
	client        *redis.Client
	families      []models.Family
	jobMetaPrefix string
	visibilityTTL time.Duration
	dlqKey        string
}

// NewRedisClient builds the shared client used by the queue, the rate limiter and
// event fan-out.
func NewRedisClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

// NewRedisQueue builds a queue over client from config.
func NewRedisQueue(client *redis.Client, cfg config.Config) *RedisQueue {
	families := make([]models.Family, 0, len(cfg.QueueFamilies))
	for _, f := range cfg.QueueFamilies {
		families = append(families, models.Family(f))
	}
	if len(families) == 0 {
		families = models.AllFamilies
	}
	visibility := cfg.VisibilityTimeout
	if visibility == 0 {
		visibility = 30 * time.Second
	}
	dlq := cfg.DLQName
	if dlq == "" {
		dlq = "queue:dlq"
	}
	return &RedisQueue{
		client:        client,
		families:      families,
		jobMetaPrefix: "queue:jobmeta:",
		visibilityTTL: visibility,
		dlqKey:        dlq,
	}
}

func (q *RedisQueue) Families() []models.Family {
	return q.families
}

func (q *RedisQueue) readyKey(family models.Family) string {
	return fmt.Sprintf("queue:ready:%s", family)
}

func (q *RedisQueue) inflightKey(family models.Family) string {
	return fmt.Sprintf("queue:inflight:%s", family)
}

func (q *RedisQueue) metaKey(taskID string) string {
	return q.jobMetaPrefix + taskID
}

// Enqueue records the message meta and appends the task to its family's ready list.
func (q *RedisQueue) Enqueue(ctx context.Context, msg Message) error {
	if msg.TaskID == "" {
		return errors.New("enqueue: task id required")
	}
	if msg.Family == "" {
		msg.Family = msg.Type.Family()
	}
	if msg.Family == "" {
		return fmt.Errorf("enqueue %s: unknown family for type %q", msg.TaskID, msg.Type)
	}
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = time.Now().UTC()
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.metaKey(msg.TaskID), "family", string(msg.Family), "message", body)
	pipe.RPush(ctx, q.readyKey(msg.Family), msg.TaskID)
	_, err = pipe.Exec(ctx)
	return err
}

// DequeueWithLease pops the next task of a family and places it into in-flight with
// a visibility deadline. It returns ok=false when the ready list is empty. A task
// whose meta vanished (removed while queued) is dropped from in-flight and skipped.
func (q *RedisQueue) DequeueWithLease(ctx context.Context, family models.Family) (Message, bool, error) {
	for {
		keys := []string{q.readyKey(family), q.inflightKey(family)}
		res, err := dequeueScript.Run(ctx, q.client, keys, time.Now().Add(q.visibilityTTL).UnixMilli()).Result()
		if errors.Is(err, redis.Nil) {
			return Message{}, false, nil
		}
		if err != nil {
			return Message{}, false, err
		}
		taskID, ok := res.(string)
		if !ok {
			return Message{}, false, fmt.Errorf("unexpected type from dequeue script: %T", res)
		}

		body, err := q.client.HGet(ctx, q.metaKey(taskID), "message").Result()
		if errors.Is(err, redis.Nil) {
			_ = q.client.ZRem(ctx, q.inflightKey(family), taskID).Err()
			continue
		}
		if err != nil {
			return Message{}, false, fmt.Errorf("load meta %s: %w", taskID, err)
		}
		var msg Message
		if err := json.Unmarshal([]byte(body), &msg); err != nil {
			return Message{}, false, fmt.Errorf("decode message %s: %w", taskID, err)
		}
		return msg, true, nil
	}
}

// ExtendLease pushes the visibility deadline forward for an in-flight task.
func (q *RedisQueue) ExtendLease(ctx context.Context, family models.Family, taskID string, extension time.Duration) error {
	return q.client.ZAddXX(ctx, q.inflightKey(family), redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: taskID,
	}).Err()
}

// Ack removes a task from in-flight tracking and deletes its meta record.
func (q *RedisQueue) Ack(ctx context.Context, family models.Family, taskID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey(family), taskID)
	pipe.Del(ctx, q.metaKey(taskID))
	_, err := pipe.Exec(ctx)
	return err
}

// RequeueExpired reclaims leases of a family that timed out and puts them back on
// the ready list. Leases whose meta is gone are dropped instead.
func (q *RedisQueue) RequeueExpired(ctx context.Context, family models.Family, now time.Time, limit int64) ([]string, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.inflightKey(family), &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	exists := make([]*redis.IntCmd, len(ids))
	check := q.client.Pipeline()
	for i, id := range ids {
		exists[i] = check.Exists(ctx, q.metaKey(id))
	}
	if _, err := check.Exec(ctx); err != nil {
		return nil, err
	}

	requeued := make([]string, 0, len(ids))
	pipe := q.client.TxPipeline()
	for i, id := range ids {
		pipe.ZRem(ctx, q.inflightKey(family), id)
		if exists[i].Val() == 1 {
			pipe.RPush(ctx, q.readyKey(family), id)
			requeued = append(requeued, id)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return requeued, nil
}

// Remove drops a task from the ready list, in-flight set and meta. An empty family
// searches every configured family.
func (q *RedisQueue) Remove(ctx context.Context, family models.Family, taskID string) error {
	families := q.families
	if family != "" {
		families = []models.Family{family}
	}
	pipe := q.client.TxPipeline()
	for _, f := range families {
		pipe.LRem(ctx, q.readyKey(f), 0, taskID)
		pipe.ZRem(ctx, q.inflightKey(f), taskID)
	}
	pipe.Del(ctx, q.metaKey(taskID))
	_, err := pipe.Exec(ctx)
	return err
}

// IsAlive reports whether the task still has a queue job: waiting, leased, or
// between the two.
func (q *RedisQueue) IsAlive(ctx context.Context, taskID string) (bool, error) {
	n, err := q.client.Exists(ctx, q.metaKey(taskID)).Result()
	if err != nil {
		return false, fmt.Errorf("look up job %s: %w", taskID, err)
	}
	return n == 1, nil
}

// DLQPush appends to the dead-letter queue for operational inspection.
func (q *RedisQueue) DLQPush(ctx context.Context, msg Message, cause string) error {
	body, err := json.Marshal(DeadLetter{
		TaskID:   msg.TaskID,
		Type:     msg.Type,
		Family:   msg.Family,
		Error:    cause,
		FailedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	return q.client.RPush(ctx, q.dlqKey, body).Err()
}

// DLQPeek reads the oldest dead-lettered entries.
func (q *RedisQueue) DLQPeek(ctx context.Context, count int64) ([]DeadLetter, error) {
	raw, err := q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]DeadLetter, 0, len(raw))
	for _, r := range raw {
		var dl DeadLetter
		if err := json.Unmarshal([]byte(r), &dl); err != nil {
			continue
		}
		out = append(out, dl)
	}
	return out, nil
}

// Depth is the ready and leased count of one family.
type Depth struct {
	Ready    int64
	InFlight int64
}

// Depths returns per-family queue depth.
func (q *RedisQueue) Depths(ctx context.Context) (map[models.Family]Depth, error) {
	pipe := q.client.Pipeline()
	ready := make([]*redis.IntCmd, len(q.families))
	inflight := make([]*redis.IntCmd, len(q.families))
	for i, f := range q.families {
		ready[i] = pipe.LLen(ctx, q.readyKey(f))
		inflight[i] = pipe.ZCard(ctx, q.inflightKey(f))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	out := make(map[models.Family]Depth, len(q.families))
	for i, f := range q.families {
		out[f] = Depth{Ready: ready[i].Val(), InFlight: inflight[i].Val()}
	}
	return out, nil
}

var dequeueScript = redis.NewScript(`
local job = redis.call('LPOP', KEYS[1])
if job then
  redis.call('ZADD', KEYS[2], ARGV[1], job)
  return job
end
return nil
`)
