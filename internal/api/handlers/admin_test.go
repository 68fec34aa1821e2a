package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
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
	"github.com/fluxtask/engine/internal/repo"
	"github.com/fluxtask/engine/internal/store"
	"github.com/fluxtask/engine/internal/task"
	"github.com/fluxtask/engine/internal/worker"
)

func newTestAdminHandler(t *testing.T) (*AdminHandler, *repo.TaskRepo) {
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
	cb := breaker.New(s, "openrouter:breaker", config.BreakerConfig{FailureThreshold: 5, ResetTimeout: time.Minute})
	ps := provider.New(s, "worker-1", config.ProviderConfig{LockTTL: 5 * time.Second}, zerolog.Nop())
	m := metrics.New(s, 30)
	bc := worker.NewBroadcaster(s)

	return NewAdminHandler(q, r, cb, ps, m, bc), r
}

func TestAdminHandler_HealthCheck(t *testing.T) {
	h, _ := newTestAdminHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/admin/health", nil)
	w := httptest.NewRecorder()
	h.HealthCheck(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp["status"])
}

func TestAdminHandler_GetQueues(t *testing.T) {
	h, r := newTestAdminHandler(t)
	ctx := context.Background()

	_, err := r.Create(ctx, task.KindSummarize, "hello", nil, 3)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/admin/queues", nil)
	w := httptest.NewRecorder()
	h.GetQueues(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var depths queue.Depths
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &depths))
	assert.Equal(t, int64(1), depths.Primary)
}

func TestAdminHandler_ListAndClearDLQ(t *testing.T) {
	h, r := newTestAdminHandler(t)
	ctx := context.Background()

	id, err := r.Create(ctx, task.KindSummarize, "hello", nil, 3)
	require.NoError(t, err)
	_, err = r.Transition(ctx, id, task.StatePending, func(sm *task.StateMachine) error {
		return sm.Dispatch("worker-1")
	})
	require.NoError(t, err)
	_, err = r.SendToDLQ(ctx, id, "permanent failure", task.ErrorKindPermanent, task.SubAPIKeyInvalid)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/admin/dlq", nil)
	w := httptest.NewRecorder()
	h.ListDLQ(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	clearReq := httptest.NewRequest(http.MethodDelete, "/admin/dlq", nil)
	clearW := httptest.NewRecorder()
	h.ClearDLQ(clearW, clearReq)
	assert.Equal(t, http.StatusOK, clearW.Code)

	_, err = r.Fetch(ctx, id)
	assert.Equal(t, task.ErrTaskNotFound, err)
}

func TestAdminHandler_GetProviderState(t *testing.T) {
	h, _ := newTestAdminHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/admin/provider", nil)
	w := httptest.NewRecorder()
	h.GetProviderState(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var snap provider.Snapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
}
