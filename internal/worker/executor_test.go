package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxtask/engine/internal/breaker"
	"github.com/fluxtask/engine/internal/config"
	"github.com/fluxtask/engine/internal/events"
	"github.com/fluxtask/engine/internal/metrics"
	"github.com/fluxtask/engine/internal/provider"
	"github.com/fluxtask/engine/internal/queue"
	"github.com/fluxtask/engine/internal/ratelimit"
	"github.com/fluxtask/engine/internal/repo"
	"github.com/fluxtask/engine/internal/store"
	"github.com/fluxtask/engine/internal/task"
)

type executorFixture struct {
	q        *queue.QueueRouter
	repo     *repo.TaskRepo
	executor *Executor
}

func newExecutorFixture(t *testing.T, handlers map[task.Kind]Handler) *executorFixture {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	s := store.NewFromClients(client, client)
	qcfg := config.QueueConfig{
		PrimaryKey:       "tasks:pending:primary",
		RetryKey:         "tasks:pending:retry",
		ScheduledKey:     "tasks:scheduled",
		DLQKey:           "dlq:tasks",
		TaskKeyPrefix:    "task:",
		DLQTaskKeyPrefix: "dlq:task:",
	}
	q := queue.New(s, qcfg)
	bus := events.NewBus(s, "queue-updates", zerolog.Nop())
	r := repo.New(q, bus)

	limiter := ratelimit.New(s, "openrouter:rate_limit:bucket", "openrouter:rate_limit_config", config.RateLimitConfig{
		DefaultCapacity:    1000,
		DefaultRefillRate:  1000,
		AcquireTimeout:     time.Second,
		AcquirePollMinimum: time.Millisecond,
	})
	cb := breaker.New(s, "openrouter:breaker", config.BreakerConfig{FailureThreshold: 5, ResetTimeout: time.Minute})
	ps := provider.New(s, "worker-1", config.ProviderConfig{LockTTL: 5 * time.Second}, zerolog.Nop())
	m := metrics.New(s, 30)

	ex := NewExecutor(r, limiter, cb, ps, m, handlers, zerolog.Nop())
	return &executorFixture{q: q, repo: r, executor: ex}
}

func TestExecutor_Run_Success(t *testing.T) {
	handlers := map[task.Kind]Handler{
		task.KindSummarize: func(ctx context.Context, tk *task.Task) (string, error, int) {
			return "summary", nil, 200
		},
	}
	f := newExecutorFixture(t, handlers)
	ctx := context.Background()

	id, err := f.repo.Create(ctx, task.KindSummarize, "hello world", nil, 3)
	require.NoError(t, err)

	f.executor.Run(ctx, id, "worker-1")

	tk, err := f.repo.Fetch(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, task.StateCompleted, tk.State)
	assert.Equal(t, "summary", tk.Result)
}

func TestExecutor_Run_TransientFailureSchedulesRetry(t *testing.T) {
	handlers := map[task.Kind]Handler{
		task.KindSummarize: func(ctx context.Context, tk *task.Task) (string, error, int) {
			return "", errors.New("service unavailable"), 503
		},
	}
	f := newExecutorFixture(t, handlers)
	ctx := context.Background()

	id, err := f.repo.Create(ctx, task.KindSummarize, "hello", nil, 3)
	require.NoError(t, err)

	f.executor.Run(ctx, id, "worker-1")

	tk, err := f.repo.Fetch(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, task.StateScheduled, tk.State)
	assert.Equal(t, 1, tk.RetryCount)
	assert.Equal(t, task.SubServiceUnavailable, tk.SubKind)
	require.Len(t, tk.ErrorHistory, 1)
}

func TestExecutor_Run_PermanentFailureGoesToDLQ(t *testing.T) {
	handlers := map[task.Kind]Handler{
		task.KindSummarize: func(ctx context.Context, tk *task.Task) (string, error, int) {
			return "", errors.New("invalid api key"), 401
		},
	}
	f := newExecutorFixture(t, handlers)
	ctx := context.Background()

	id, err := f.repo.Create(ctx, task.KindSummarize, "hello", nil, 3)
	require.NoError(t, err)

	f.executor.Run(ctx, id, "worker-1")

	tk, err := f.repo.Fetch(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, task.StateDLQ, tk.State)
}

func TestExecutor_Run_RetriesExhaustedFastPathToDLQ(t *testing.T) {
	attempts := 0
	handlers := map[task.Kind]Handler{
		task.KindSummarize: func(ctx context.Context, tk *task.Task) (string, error, int) {
			attempts++
			return "", errors.New("service unavailable"), 503
		},
	}
	f := newExecutorFixture(t, handlers)
	ctx := context.Background()

	id, err := f.repo.Create(ctx, task.KindSummarize, "hello", nil, 1)
	require.NoError(t, err)

	// First attempt: retry_count 0 < max_retries 1, handler runs and
	// schedules a retry, bringing retry_count to 1.
	f.executor.Run(ctx, id, "worker-1")
	tk, err := f.repo.Fetch(ctx, id)
	require.NoError(t, err)
	require.Equal(t, task.StateScheduled, tk.State)
	require.Equal(t, 1, tk.RetryCount)
	require.Equal(t, 1, attempts)

	// Promote back to pending the way the Promoter would, then dispatch
	// again: retry_count 1 >= max_retries 1, so the fast path sends it
	// straight to DLQ without invoking the handler a second time.
	promoted, err := f.q.PromoteDue(ctx, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	require.Contains(t, promoted, id)

	f.executor.Run(ctx, id, "worker-1")

	tk, err = f.repo.Fetch(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, task.StateDLQ, tk.State)
	assert.Equal(t, "max_retries_exceeded", tk.LastError)
	assert.Equal(t, 1, attempts)
}

func TestExecutor_Run_MissingHandlerLogsAndDrops(t *testing.T) {
	f := newExecutorFixture(t, map[task.Kind]Handler{})
	ctx := context.Background()

	id, err := f.repo.Create(ctx, task.KindPDFExtract, "hello", nil, 3)
	require.NoError(t, err)

	f.executor.Run(ctx, id, "worker-1")

	tk, err := f.repo.Fetch(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, task.StatePending, tk.State)
}

func TestExecutor_Run_HandlerPanicIsRecoveredAsTransientFailure(t *testing.T) {
	handlers := map[task.Kind]Handler{
		task.KindSummarize: func(ctx context.Context, tk *task.Task) (string, error, int) {
			panic("boom")
		},
	}
	f := newExecutorFixture(t, handlers)
	ctx := context.Background()

	id, err := f.repo.Create(ctx, task.KindSummarize, "hello", nil, 3)
	require.NoError(t, err)

	f.executor.Run(ctx, id, "worker-1")

	tk, err := f.repo.Fetch(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, task.StateScheduled, tk.State)
}
