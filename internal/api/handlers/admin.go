package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fluxtask/engine/internal/breaker"
	"github.com/fluxtask/engine/internal/logger"
	"github.com/fluxtask/engine/internal/metrics"
	"github.com/fluxtask/engine/internal/provider"
	"github.com/fluxtask/engine/internal/queue"
	"github.com/fluxtask/engine/internal/repo"
	"github.com/fluxtask/engine/internal/worker"
)

// AdminHandler serves operator/control-plane endpoints: health, queue
// depths, DLQ inspection, provider state, and broadcast commands to
// every live worker.
type AdminHandler struct {
	q           *queue.QueueRouter
	repo        *repo.TaskRepo
	breaker     *breaker.CircuitBreaker
	provider    *provider.State
	metrics     *metrics.Metrics
	broadcaster *worker.Broadcaster
	cmdTimeout  time.Duration
}

func NewAdminHandler(q *queue.QueueRouter, r *repo.TaskRepo, cb *breaker.CircuitBreaker, ps *provider.State, m *metrics.Metrics, bc *worker.Broadcaster) *AdminHandler {
	return &AdminHandler{
		q:           q,
		repo:        r,
		breaker:     cb,
		provider:    ps,
		metrics:     m,
		broadcaster: bc,
		cmdTimeout:  500 * time.Millisecond,
	}
}

// HealthCheck handles GET /admin/health.
func (h *AdminHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if err := h.q.Store().Ping(r.Context()); err != nil {
		h.respondJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status": "unhealthy",
			"redis":  "disconnected",
			"error":  err.Error(),
		})
		return
	}

	snap, err := h.provider.Get(r.Context())
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "failed to read provider state")
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "healthy",
		"redis":          "connected",
		"provider":       snap.State,
		"provider_stale": snap.Stale(),
	})
}

// GetQueues handles GET /admin/queues.
func (h *AdminHandler) GetQueues(w http.ResponseWriter, r *http.Request) {
	depths, err := h.q.Depths(r.Context())
	if err != nil {
		logger.Error().Err(err).Msg("failed to get queue depths")
		h.respondError(w, http.StatusInternalServerError, "failed to get queue statistics")
		return
	}
	h.respondJSON(w, http.StatusOK, depths)
}

// ListDLQ handles GET /admin/dlq.
func (h *AdminHandler) ListDLQ(w http.ResponseWriter, r *http.Request) {
	limit := int64(100)
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			limit = n
		}
	}

	ids, err := h.q.Sample(r.Context(), h.q.Config().DLQKey, limit)
	if err != nil {
		logger.Error().Err(err).Msg("failed to list DLQ")
		h.respondError(w, http.StatusInternalServerError, "failed to list DLQ")
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"ids":   ids,
		"count": len(ids),
	})
}

// ClearDLQ handles DELETE /admin/dlq. Sampled ids are deleted one at a
// time through TaskRepo so each removal stays consistent with the task
// hash and the other three queues.
func (h *AdminHandler) ClearDLQ(w http.ResponseWriter, r *http.Request) {
	ids, err := h.q.Sample(r.Context(), h.q.Config().DLQKey, 0)
	if err != nil {
		logger.Error().Err(err).Msg("failed to list DLQ for clear")
		h.respondError(w, http.StatusInternalServerError, "failed to clear DLQ")
		return
	}

	for _, id := range ids {
		if err := h.repo.Delete(r.Context(), id); err != nil {
			logger.Error().Err(err).Str("task_id", id).Msg("failed to delete DLQ task")
		}
	}

	logger.Info().Int("count", len(ids)).Msg("DLQ cleared")
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"message": "DLQ cleared",
		"count":   len(ids),
	})
}

// GetProviderState handles GET /admin/provider.
func (h *AdminHandler) GetProviderState(w http.ResponseWriter, r *http.Request) {
	snap, err := h.provider.Get(r.Context())
	if err != nil {
		logger.Error().Err(err).Msg("failed to read provider state")
		h.respondError(w, http.StatusInternalServerError, "failed to read provider state")
		return
	}
	h.respondJSON(w, http.StatusOK, snap)
}

// GetDailyMetrics handles GET /admin/metrics/daily. date defaults to
// today (UTC) and must be YYYY-MM-DD when supplied.
func (h *AdminHandler) GetDailyMetrics(w http.ResponseWriter, r *http.Request) {
	date := time.Now().UTC()
	if v := r.URL.Query().Get("date"); v != "" {
		parsed, err := time.Parse("2006-01-02", v)
		if err != nil {
			h.respondError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
			return
		}
		date = parsed
	}

	counters, err := h.metrics.Daily(r.Context(), date)
	if err != nil {
		logger.Error().Err(err).Msg("failed to read daily metrics")
		h.respondError(w, http.StatusInternalServerError, "failed to read daily metrics")
		return
	}
	h.respondJSON(w, http.StatusOK, counters)
}

// BroadcastWorkers handles GET /admin/workers: a control-plane health
// broadcast aggregated across every live worker within a bounded
// timeout, per spec.md §4.14.
func (h *AdminHandler) BroadcastWorkers(w http.ResponseWriter, r *http.Request) {
	replies, err := h.broadcaster.Broadcast(r.Context(), worker.ActionHealth, h.cmdTimeout)
	if err != nil {
		logger.Error().Err(err).Msg("failed to broadcast health command")
		h.respondError(w, http.StatusInternalServerError, "failed to query workers")
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"workers": replies,
		"count":   len(replies),
	})
}

// OpenBreaker handles POST /admin/breaker/open.
func (h *AdminHandler) OpenBreaker(w http.ResponseWriter, r *http.Request) {
	h.broadcastBreaker(w, r, worker.ActionOpenBreaker)
}

// CloseBreaker handles POST /admin/breaker/close.
func (h *AdminHandler) CloseBreaker(w http.ResponseWriter, r *http.Request) {
	h.broadcastBreaker(w, r, worker.ActionCloseBreaker)
}

func (h *AdminHandler) broadcastBreaker(w http.ResponseWriter, r *http.Request, action string) {
	replies, err := h.broadcaster.Broadcast(r.Context(), action, h.cmdTimeout)
	if err != nil {
		logger.Error().Err(err).Str("action", action).Msg("failed to broadcast breaker command")
		h.respondError(w, http.StatusInternalServerError, "failed to broadcast command")
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"action":  action,
		"workers": replies,
		"count":   len(replies),
	})
}

// RetryTask handles POST /admin/tasks/{taskID}/retry — the operator
// equivalent of the admission API's own manual retry, kept here too
// since DLQ triage is typically an admin workflow.
func (h *AdminHandler) RetryTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	if taskID == "" {
		h.respondError(w, http.StatusBadRequest, "task ID is required")
		return
	}

	tk, err := h.repo.Retry(r.Context(), taskID, true)
	if err != nil {
		logger.Error().Err(err).Str("task_id", taskID).Msg("failed to retry task")
		h.respondError(w, http.StatusConflict, "failed to retry task")
		return
	}

	logger.Info().Str("task_id", taskID).Msg("task retried by operator")
	h.respondJSON(w, http.StatusOK, tk)
}

func (h *AdminHandler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error().Err(err).Msg("failed to encode JSON response")
	}
}

func (h *AdminHandler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, ErrorResponse{Error: http.StatusText(status), Message: message})
}
