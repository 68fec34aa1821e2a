package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxtask/engine/internal/config"
	"github.com/fluxtask/engine/internal/store"
	"github.com/fluxtask/engine/internal/task"
)

func newTestRouter(t *testing.T) (*QueueRouter, *store.Store) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	s := store.NewFromClients(client, client)
	cfg := config.QueueConfig{
		PrimaryKey:       "tasks:pending:primary",
		RetryKey:         "tasks:pending:retry",
		ScheduledKey:     "tasks:scheduled",
		DLQKey:           "dlq:tasks",
		TaskKeyPrefix:    "task:",
		DLQTaskKeyPrefix: "dlq:task:",
	}
	return New(s, cfg), s
}

func putTask(t *testing.T, ctx context.Context, q *QueueRouter, tk *task.Task) {
	t.Helper()
	fields, err := tk.ToMap()
	require.NoError(t, err)
	require.NoError(t, q.s.HSetAll(ctx, q.taskKey(tk.ID), fields))
}

func TestQueueRouter_AdmitAndDequeue(t *testing.T) {
	q, _ := newTestRouter(t)
	ctx := context.Background()

	require.NoError(t, q.Admit(ctx, "task-1"))

	queueName, id, err := q.DequeueBlocking(ctx, []string{q.cfg.PrimaryKey, q.cfg.RetryKey}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, q.cfg.PrimaryKey, queueName)
	assert.Equal(t, "task-1", id)
}

func TestQueueRouter_DequeueBlocking_Timeout(t *testing.T) {
	q, _ := newTestRouter(t)
	ctx := context.Background()

	queueName, id, err := q.DequeueBlocking(ctx, []string{q.cfg.PrimaryKey}, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, queueName)
	assert.Empty(t, id)
}

func TestQueueRouter_ScheduleAndPromoteDue(t *testing.T) {
	q, _ := newTestRouter(t)
	ctx := context.Background()

	tk := task.New(task.KindSummarize, "x", nil, 3)
	sm := task.NewStateMachine(tk)
	require.NoError(t, sm.Dispatch("worker-1"))
	require.NoError(t, sm.ScheduleRetry(time.Now().Add(-time.Second), "rate limited", task.ErrorKindTransient, task.SubRateLimited))
	putTask(t, ctx, q, tk)

	require.NoError(t, q.Schedule(ctx, tk.ID, time.Now().Add(-time.Second)))

	promoted, err := q.PromoteDue(ctx, time.Now(), 100)
	require.NoError(t, err)
	assert.Equal(t, []string{tk.ID}, promoted)

	depths, err := q.Depths(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depths.Retry)
	assert.Equal(t, int64(0), depths.Scheduled)

	reloaded, err := q.getTask(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatePending, reloaded.State)
}

func TestQueueRouter_PromoteDue_NotYetDue(t *testing.T) {
	q, _ := newTestRouter(t)
	ctx := context.Background()

	tk := task.New(task.KindSummarize, "x", nil, 3)
	putTask(t, ctx, q, tk)
	require.NoError(t, q.Schedule(ctx, tk.ID, time.Now().Add(time.Hour)))

	promoted, err := q.PromoteDue(ctx, time.Now(), 100)
	require.NoError(t, err)
	assert.Empty(t, promoted)
}

func TestQueueRouter_SendToDLQ(t *testing.T) {
	q, _ := newTestRouter(t)
	ctx := context.Background()

	tk := task.New(task.KindSummarize, "x", nil, 1)
	putTask(t, ctx, q, tk)

	require.NoError(t, q.SendToDLQ(ctx, tk.ID))

	depths, err := q.Depths(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depths.DLQ)

	m, err := q.s.HGetAll(ctx, q.dlqTaskKey(tk.ID))
	require.NoError(t, err)
	assert.NotEmpty(t, m)
}

func TestQueueRouter_Sample(t *testing.T) {
	q, _ := newTestRouter(t)
	ctx := context.Background()

	require.NoError(t, q.Admit(ctx, "a"))
	require.NoError(t, q.Admit(ctx, "b"))
	require.NoError(t, q.Admit(ctx, "c"))

	ids, err := q.Sample(ctx, q.cfg.PrimaryKey, 2)
	require.NoError(t, err)
	assert.Len(t, ids, 2)
}
