package queue

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxtask/engine/internal/task"
)

func TestOrphanSweeper_RequeuesStrandedPending(t *testing.T) {
	q, _ := newTestRouter(t)
	ctx := context.Background()

	stranded := task.New(task.KindSummarize, "x", nil, 3)
	putTask(t, ctx, q, stranded)

	healthy := task.New(task.KindSummarize, "y", nil, 3)
	putTask(t, ctx, q, healthy)
	require.NoError(t, q.Admit(ctx, healthy.ID))

	sweeper := NewOrphanSweeper(q)
	result, err := sweeper.Sweep(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Found)
	assert.Equal(t, 1, result.Requeued)
	assert.Empty(t, result.Errors)

	ids, err := q.Sample(ctx, q.cfg.PrimaryKey, 0)
	require.NoError(t, err)
	assert.Contains(t, ids, stranded.ID)

	second, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, second.Found)
	assert.Equal(t, 0, second.Requeued)
}

func TestOrphanSweeper_IgnoresNonPendingTasks(t *testing.T) {
	q, _ := newTestRouter(t)
	ctx := context.Background()

	tk := task.New(task.KindSummarize, "x", nil, 3)
	sm := task.NewStateMachine(tk)
	require.NoError(t, sm.Dispatch("worker-1"))
	require.NoError(t, sm.Complete("done"))
	putTask(t, ctx, q, tk)

	sweeper := NewOrphanSweeper(q)
	result, err := sweeper.Sweep(ctx)
	require.NoError(t, err)

	assert.Equal(t, 0, result.Found)
	assert.Equal(t, 0, result.Requeued)
}
