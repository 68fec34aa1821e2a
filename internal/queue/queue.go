// Package queue is a thin, queue-naming façade over the store: it knows
// the Redis key layout for the primary/retry/scheduled/DLQ queues and the
// task hash, but nothing about provider calls, rate limits, or breakers.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/fluxtask/engine/internal/config"
	"github.com/fluxtask/engine/internal/store"
	"github.com/fluxtask/engine/internal/task"
)

// Depths is a snapshot of queue sizes, used both by event payloads and by
// the Dispatcher's adaptive retry-ratio decision.
type Depths struct {
	Primary   int64 `json:"primary"`
	Retry     int64 `json:"retry"`
	Scheduled int64 `json:"scheduled"`
	DLQ       int64 `json:"dlq"`
}

// QueueRouter owns the key layout of the four queues named in the task
// record's lifecycle. TaskRepo also writes to these keys directly, inside
// its own transaction pipelines.
type QueueRouter struct {
	s   *store.Store
	cfg config.QueueConfig
}

func New(s *store.Store, cfg config.QueueConfig) *QueueRouter {
	return &QueueRouter{s: s, cfg: cfg}
}

func (q *QueueRouter) taskKey(id string) string   { return q.cfg.TaskKeyPrefix + id }
func (q *QueueRouter) dlqTaskKey(id string) string { return q.cfg.DLQTaskKeyPrefix + id }

// Config exposes the queue key layout for callers (TaskRepo) that need
// to address the same task hash this router uses.
func (q *QueueRouter) Config() config.QueueConfig { return q.cfg }

// TaskKey and DLQTaskKey expose the hash key naming for TaskRepo, which
// owns the canonical read-modify-write path for task records.
func (q *QueueRouter) TaskKey(id string) string    { return q.taskKey(id) }
func (q *QueueRouter) DLQTaskKey(id string) string { return q.dlqTaskKey(id) }

// GetTask reads and decodes a task record. Exported for TaskRepo;
// PromoteDue and SendToDLQ keep using the unexported getTask.
func (q *QueueRouter) GetTask(ctx context.Context, id string) (*task.Task, error) {
	return q.getTask(ctx, id)
}

// Store exposes the underlying store for TaskRepo, which needs direct
// HSetAll/Del/transaction access that QueueRouter does not otherwise
// wrap (task record lifecycle is TaskRepo's concern, not the router's).
func (q *QueueRouter) Store() *store.Store { return q.s }

// Admit pushes a task id onto the primary queue. The caller is
// responsible for writing the task record in the same logical operation;
// TaskRepo.Create does not use Admit and pushes the id in its own pipeline.
func (q *QueueRouter) Admit(ctx context.Context, id string) error {
	return q.s.LPush(ctx, q.cfg.PrimaryKey, id)
}

// DequeueBlocking pops the next id from whichever of the given queues has
// one ready, blocking up to timeout. Returns ("", "", nil) on timeout.
func (q *QueueRouter) DequeueBlocking(ctx context.Context, queuesInPriorityOrder []string, timeout time.Duration) (queue string, id string, err error) {
	return q.s.BLPop(ctx, timeout, queuesInPriorityOrder...)
}

// Schedule places a task id in the scheduled zset keyed by its due time.
func (q *QueueRouter) Schedule(ctx context.Context, id string, due time.Time) error {
	return q.s.ZAdd(ctx, q.cfg.ScheduledKey, float64(due.Unix()), id)
}

// PromoteDue moves up to max scheduled ids whose due time has passed onto
// the retry queue, also flipping their task record's state back to
// pending so the result is internally consistent. Returns the promoted
// ids.
func (q *QueueRouter) PromoteDue(ctx context.Context, now time.Time, max int64) ([]string, error) {
	due, err := q.s.ZRangeByScore(ctx, q.cfg.ScheduledKey, 0, float64(now.Unix()), max)
	if err != nil {
		return nil, err
	}
	if len(due) == 0 {
		return nil, nil
	}

	promoted := make([]string, 0, len(due))
	for _, id := range due {
		t, err := q.getTask(ctx, id)
		if err != nil {
			// Record vanished or isn't valid JSON anymore; drop it from the
			// scheduled set so the Promoter doesn't spin on it forever.
			_ = q.s.ZRem(ctx, q.cfg.ScheduledKey, id)
			continue
		}
		if t.State != task.StateScheduled {
			_ = q.s.ZRem(ctx, q.cfg.ScheduledKey, id)
			continue
		}

		sm := task.NewStateMachine(t)
		if err := sm.Promote(); err != nil {
			_ = q.s.ZRem(ctx, q.cfg.ScheduledKey, id)
			continue
		}

		fields, err := t.ToMap()
		if err != nil {
			continue
		}

		pipe := q.s.TxPipeline()
		pipe.HSet(ctx, q.taskKey(id), fields)
		pipe.LPush(ctx, q.cfg.RetryKey, id)
		pipe.ZRem(ctx, q.cfg.ScheduledKey, id)
		if _, err := pipe.Exec(ctx); err != nil {
			continue
		}

		promoted = append(promoted, id)
	}

	return promoted, nil
}

// SendToDLQ moves a task id onto the DLQ list and preserves a copy of its
// record under the DLQ task-key prefix.
func (q *QueueRouter) SendToDLQ(ctx context.Context, id string) error {
	t, err := q.getTask(ctx, id)
	if err != nil {
		return err
	}
	fields, err := t.ToMap()
	if err != nil {
		return err
	}

	pipe := q.s.TxPipeline()
	pipe.HSet(ctx, q.dlqTaskKey(id), fields)
	pipe.RPush(ctx, q.cfg.DLQKey, id)
	_, err = pipe.Exec(ctx)
	return err
}

func (q *QueueRouter) Depths(ctx context.Context) (Depths, error) {
	primary, err := q.s.LLen(ctx, q.cfg.PrimaryKey)
	if err != nil {
		return Depths{}, err
	}
	retry, err := q.s.LLen(ctx, q.cfg.RetryKey)
	if err != nil {
		return Depths{}, err
	}
	scheduled, err := q.s.ZCard(ctx, q.cfg.ScheduledKey)
	if err != nil {
		return Depths{}, err
	}
	dlq, err := q.s.LLen(ctx, q.cfg.DLQKey)
	if err != nil {
		return Depths{}, err
	}
	return Depths{Primary: primary, Retry: retry, Scheduled: scheduled, DLQ: dlq}, nil
}

// Sample returns up to limit ids currently sitting in the named queue,
// without removing them; a limit of zero or less returns every id.
// queueName must be one of the four configured queue keys.
func (q *QueueRouter) Sample(ctx context.Context, queueName string, limit int64) ([]string, error) {
	if queueName == q.cfg.ScheduledKey {
		return q.s.ZRangeByScore(ctx, queueName, 0, 1<<62, limit)
	}
	if limit <= 0 {
		limit = -1
	} else {
		limit--
	}
	return q.s.LRange(ctx, queueName, 0, limit)
}

// getTask reads and decodes a task record directly, for internal use by
// PromoteDue and SendToDLQ, which need to mutate state but don't want a
// dependency on internal/repo.
func (q *QueueRouter) getTask(ctx context.Context, id string) (*task.Task, error) {
	m, err := q.s.HGetAll(ctx, q.taskKey(id))
	if err != nil {
		return nil, err
	}
	if len(m) == 0 {
		return nil, task.ErrTaskNotFound
	}
	t, err := task.FromMap(m)
	if err != nil {
		return nil, fmt.Errorf("queue: decode task %s: %w", id, err)
	}
	return t, nil
}
