// Package repo implements TaskRepo, the single component allowed to
// mutate a task's Redis-backed record. Every lifecycle edge goes
// through here so state history, error history, and the queue-updates
// event stream stay consistent with the record itself.
package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/fluxtask/engine/internal/events"
	"github.com/fluxtask/engine/internal/queue"
	"github.com/fluxtask/engine/internal/task"
)

// TaskRepo owns the task record lifecycle: creation, optimistic
// transitions, manual retry, and deletion, each publishing the matching
// events.Bus event so observers stay in sync.
type TaskRepo struct {
	q   *queue.QueueRouter
	bus *events.Bus
}

func New(q *queue.QueueRouter, bus *events.Bus) *TaskRepo {
	return &TaskRepo{q: q, bus: bus}
}

func (r *TaskRepo) depths(ctx context.Context) events.Depths {
	d, err := r.q.Depths(ctx)
	if err != nil {
		return events.Depths{}
	}
	return events.Depths{Primary: d.Primary, Retry: d.Retry, Scheduled: d.Scheduled, DLQ: d.DLQ}
}

// Create writes a new task record in state pending with a single
// state_history entry and admits it onto the primary queue in one
// transaction, then publishes task_created.
func (r *TaskRepo) Create(ctx context.Context, kind task.Kind, content string, metadata map[string]string, maxRetries int) (string, error) {
	tk := task.New(kind, content, metadata, maxRetries)
	fields, err := tk.ToMap()
	if err != nil {
		return "", fmt.Errorf("repo: encode task: %w", err)
	}

	pipe := r.q.Store().TxPipeline()
	pipe.HSet(ctx, r.q.TaskKey(tk.ID), fields)
	pipe.LPush(ctx, r.q.Config().PrimaryKey, tk.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("repo: create task %s: %w", tk.ID, err)
	}

	if r.bus != nil {
		_ = r.bus.Publish(ctx, events.NewTaskCreated(tk.ID, r.depths(ctx)))
	}
	return tk.ID, nil
}

func (r *TaskRepo) Fetch(ctx context.Context, id string) (*task.Task, error) {
	return r.q.GetTask(ctx, id)
}

// Apply is a mutation callback that advances a loaded task's state
// machine. Callers use task.StateMachine's named methods
// (Dispatch/Complete/Fail/MoveToDLQ/Requeue/Promote) to keep the
// lifecycle rules in one place.
type Apply func(sm *task.StateMachine) error

// Transition loads the task, rejects the call if its current state
// isn't `from` (the optimistic check spec.md §4.2 requires), applies
// the mutation, persists the record, and publishes task_state_changed.
// Use this for transitions that don't also move the id between queues;
// ScheduleRetry and SendToDLQ handle those atomically themselves.
func (r *TaskRepo) Transition(ctx context.Context, id string, from task.State, apply Apply) (*task.Task, error) {
	tk, err := r.q.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if tk.State != from {
		return nil, task.ErrInvalidTransition
	}

	old := tk.State
	sm := task.NewStateMachine(tk)
	if err := apply(sm); err != nil {
		return nil, err
	}

	fields, err := tk.ToMap()
	if err != nil {
		return nil, fmt.Errorf("repo: encode task: %w", err)
	}
	if err := r.q.Store().HSetAll(ctx, r.q.TaskKey(id), fields); err != nil {
		return nil, fmt.Errorf("repo: persist task %s: %w", id, err)
	}

	if r.bus != nil {
		_ = r.bus.Publish(ctx, events.NewTaskStateChanged(id, string(old), string(tk.State), r.depths(ctx)))
	}
	return tk, nil
}

// ScheduleRetry transitions an active task to scheduled and places it
// in the scheduled zset in one transaction, per spec.md §5's rule that
// mutations touching both a task record and a queue must be atomic.
func (r *TaskRepo) ScheduleRetry(ctx context.Context, id string, delay time.Duration, errMsg string, kind task.ErrorKind, sub task.SubKind) (*task.Task, error) {
	tk, err := r.q.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if tk.State != task.StateActive {
		return nil, task.ErrInvalidTransition
	}

	old := tk.State
	retryAt := time.Now().UTC().Add(delay)
	sm := task.NewStateMachine(tk)
	if err := sm.ScheduleRetry(retryAt, errMsg, kind, sub); err != nil {
		return nil, err
	}

	fields, err := tk.ToMap()
	if err != nil {
		return nil, fmt.Errorf("repo: encode task: %w", err)
	}

	pipe := r.q.Store().TxPipeline()
	pipe.HSet(ctx, r.q.TaskKey(id), fields)
	pipe.ZAdd(ctx, r.q.Config().ScheduledKey, float64(retryAt.Unix()), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("repo: schedule retry for %s: %w", id, err)
	}

	if r.bus != nil {
		_ = r.bus.Publish(ctx, events.NewTaskStateChanged(id, string(old), string(tk.State), r.depths(ctx)))
	}
	return tk, nil
}

// SendToDLQ transitions an active task to dlq, writes the DLQ-preserved
// copy, and pushes its id onto the dlq list in one transaction.
func (r *TaskRepo) SendToDLQ(ctx context.Context, id string, errMsg string, kind task.ErrorKind, sub task.SubKind) (*task.Task, error) {
	tk, err := r.q.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if tk.State != task.StateActive {
		return nil, task.ErrInvalidTransition
	}

	old := tk.State
	sm := task.NewStateMachine(tk)
	if err := sm.MoveToDLQ(errMsg, kind, sub); err != nil {
		return nil, err
	}

	fields, err := tk.ToMap()
	if err != nil {
		return nil, fmt.Errorf("repo: encode task: %w", err)
	}

	pipe := r.q.Store().TxPipeline()
	pipe.HSet(ctx, r.q.TaskKey(id), fields)
	pipe.HSet(ctx, r.q.DLQTaskKey(id), fields)
	pipe.RPush(ctx, r.q.Config().DLQKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("repo: move %s to dlq: %w", id, err)
	}

	if r.bus != nil {
		_ = r.bus.Publish(ctx, events.NewTaskStateChanged(id, string(old), string(tk.State), r.depths(ctx)))
	}
	return tk, nil
}

// Retry manually re-admits a failed or DLQ'd task to pending and the
// retry queue. resetCount also clears the retry counter and worker
// history (task.StateMachine.Requeue's behavior); otherwise only the
// state flips, preserving history for operator inspection.
func (r *TaskRepo) Retry(ctx context.Context, id string, resetCount bool) (*task.Task, error) {
	tk, err := r.q.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if tk.State != task.StateFailed && tk.State != task.StateDLQ {
		return nil, task.ErrInvalidTransition
	}

	old := tk.State
	sm := task.NewStateMachine(tk)
	if resetCount {
		if err := sm.Requeue(); err != nil {
			return nil, err
		}
	} else {
		if err := sm.Transition(task.StatePending); err != nil {
			return nil, err
		}
	}

	fields, err := tk.ToMap()
	if err != nil {
		return nil, fmt.Errorf("repo: encode task: %w", err)
	}

	pipe := r.q.Store().TxPipeline()
	pipe.HSet(ctx, r.q.TaskKey(id), fields)
	pipe.LPush(ctx, r.q.Config().RetryKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("repo: retry %s: %w", id, err)
	}

	if r.bus != nil {
		_ = r.bus.Publish(ctx, events.NewTaskStateChanged(id, string(old), string(tk.State), r.depths(ctx)))
	}
	return tk, nil
}

// Delete removes the task record and purges its id from all four
// queues. Idempotent: removing an id that isn't present in a given
// queue or hash is a no-op, not an error.
func (r *TaskRepo) Delete(ctx context.Context, id string) error {
	cfg := r.q.Config()
	s := r.q.Store()

	pipe := s.TxPipeline()
	pipe.Del(ctx, r.q.TaskKey(id))
	pipe.Del(ctx, r.q.DLQTaskKey(id))
	pipe.LRem(ctx, cfg.PrimaryKey, 0, id)
	pipe.LRem(ctx, cfg.RetryKey, 0, id)
	pipe.LRem(ctx, cfg.DLQKey, 0, id)
	pipe.ZRem(ctx, cfg.ScheduledKey, id)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("repo: delete task %s: %w", id, err)
	}
	return nil
}
