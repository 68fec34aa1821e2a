package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxtask/engine/internal/config"
	"github.com/fluxtask/engine/internal/events"
	"github.com/fluxtask/engine/internal/queue"
	"github.com/fluxtask/engine/internal/repo"
	"github.com/fluxtask/engine/internal/store"
	"github.com/fluxtask/engine/internal/task"
)

func newTestTaskHandler(t *testing.T) *TaskHandler {
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
	return NewTaskHandler(r)
}

func withURLParam(req *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

func TestTaskHandler_Create_InvalidJSON(t *testing.T) {
	h := newTestTaskHandler(t)

	body := bytes.NewBufferString("not json")
	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks", body)
	w := httptest.NewRecorder()

	h.Create(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTaskHandler_Create_InvalidKind(t *testing.T) {
	h := newTestTaskHandler(t)

	body, _ := json.Marshal(CreateTaskRequest{Kind: "not_a_kind", Content: "hi"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks", bytes.NewReader(body))
	w := httptest.NewRecorder()

	h.Create(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTaskHandler_CreateAndGet(t *testing.T) {
	h := newTestTaskHandler(t)

	body, _ := json.Marshal(CreateTaskRequest{Kind: task.KindSummarize, Content: "hello"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks", bytes.NewReader(body))
	w := httptest.NewRecorder()
	h.Create(w, req)
	require.Equal(t, http.StatusCreated, w.Code)

	var created CreateTaskResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	require.NotEmpty(t, created.ID)

	getReq := withURLParam(httptest.NewRequest(http.MethodGet, "/api/v1/tasks/"+created.ID, nil), "taskID", created.ID)
	getW := httptest.NewRecorder()
	h.Get(getW, getReq)

	assert.Equal(t, http.StatusOK, getW.Code)
	var tk task.Task
	require.NoError(t, json.Unmarshal(getW.Body.Bytes(), &tk))
	assert.Equal(t, task.StatePending, tk.State)
}

func TestTaskHandler_Get_NotFound(t *testing.T) {
	h := newTestTaskHandler(t)

	req := withURLParam(httptest.NewRequest(http.MethodGet, "/api/v1/tasks/missing", nil), "taskID", "missing")
	w := httptest.NewRecorder()
	h.Get(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestTaskHandler_Delete(t *testing.T) {
	h := newTestTaskHandler(t)
	ctx := context.Background()

	id, err := h.repo.Create(ctx, task.KindSummarize, "hello", nil, 3)
	require.NoError(t, err)

	req := withURLParam(httptest.NewRequest(http.MethodDelete, "/api/v1/tasks/"+id, nil), "taskID", id)
	w := httptest.NewRecorder()
	h.Delete(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)

	_, err = h.repo.Fetch(ctx, id)
	assert.Equal(t, task.ErrTaskNotFound, err)
}

func TestTaskHandler_Retry_RejectsNonFailedTask(t *testing.T) {
	h := newTestTaskHandler(t)
	ctx := context.Background()

	id, err := h.repo.Create(ctx, task.KindSummarize, "hello", nil, 3)
	require.NoError(t, err)

	req := withURLParam(httptest.NewRequest(http.MethodPost, "/api/v1/tasks/"+id+"/retry", nil), "taskID", id)
	w := httptest.NewRecorder()
	h.Retry(w, req)

	assert.Equal(t, http.StatusConflict, w.Code)
}
