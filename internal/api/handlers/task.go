// Package handlers implements the thin HTTP admission surface: create,
// fetch, delete, and manually retry tasks against the TaskRepo. It does
// no validation beyond request shape; the task model and state machine
// enforce lifecycle legality.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/fluxtask/engine/internal/logger"
	"github.com/fluxtask/engine/internal/repo"
	"github.com/fluxtask/engine/internal/task"
)

// TaskHandler serves the admission API's task CRUD surface.
type TaskHandler struct {
	repo *repo.TaskRepo
}

func NewTaskHandler(r *repo.TaskRepo) *TaskHandler {
	return &TaskHandler{repo: r}
}

// CreateTaskRequest is the admission payload for POST /api/v1/tasks.
type CreateTaskRequest struct {
	Kind       task.Kind         `json:"kind"`
	Content    string            `json:"content"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	MaxRetries int               `json:"max_retries,omitempty"`
}

// CreateTaskResponse is returned on successful admission.
type CreateTaskResponse struct {
	ID string `json:"id"`
}

// ErrorResponse is the standard error envelope for this package.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Create handles POST /api/v1/tasks.
func (h *TaskHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	switch req.Kind {
	case task.KindSummarize, task.KindPDFExtract:
	default:
		h.respondError(w, http.StatusBadRequest, "kind must be summarize or pdf_extract")
		return
	}
	if req.Content == "" {
		h.respondError(w, http.StatusBadRequest, "content is required")
		return
	}

	id, err := h.repo.Create(r.Context(), req.Kind, req.Content, req.Metadata, req.MaxRetries)
	if err != nil {
		logger.Error().Err(err).Msg("failed to create task")
		h.respondError(w, http.StatusInternalServerError, "failed to create task")
		return
	}

	logger.Info().Str("task_id", id).Str("kind", string(req.Kind)).Msg("task created")
	h.respondJSON(w, http.StatusCreated, CreateTaskResponse{ID: id})
}

// Get handles GET /api/v1/tasks/{taskID}.
func (h *TaskHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "taskID")
	if id == "" {
		h.respondError(w, http.StatusBadRequest, "task ID is required")
		return
	}

	tk, err := h.repo.Fetch(r.Context(), id)
	if err != nil {
		if err == task.ErrTaskNotFound {
			h.respondError(w, http.StatusNotFound, "task not found")
			return
		}
		logger.Error().Err(err).Str("task_id", id).Msg("failed to fetch task")
		h.respondError(w, http.StatusInternalServerError, "failed to fetch task")
		return
	}

	h.respondJSON(w, http.StatusOK, tk)
}

// Delete handles DELETE /api/v1/tasks/{taskID}. The six-state lifecycle
// has no "cancelled" state, so deletion is the only removal operation
// and is valid from any state.
func (h *TaskHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "taskID")
	if id == "" {
		h.respondError(w, http.StatusBadRequest, "task ID is required")
		return
	}

	if _, err := h.repo.Fetch(r.Context(), id); err != nil {
		if err == task.ErrTaskNotFound {
			h.respondError(w, http.StatusNotFound, "task not found")
			return
		}
		h.respondError(w, http.StatusInternalServerError, "failed to fetch task")
		return
	}

	if err := h.repo.Delete(r.Context(), id); err != nil {
		logger.Error().Err(err).Str("task_id", id).Msg("failed to delete task")
		h.respondError(w, http.StatusInternalServerError, "failed to delete task")
		return
	}

	logger.Info().Str("task_id", id).Msg("task deleted")
	w.WriteHeader(http.StatusNoContent)
}

// RetryRequest is the body of POST /api/v1/tasks/{taskID}/retry.
type RetryRequest struct {
	ResetCount bool `json:"reset_count,omitempty"`
}

// Retry handles POST /api/v1/tasks/{taskID}/retry, the only path back
// to pending from failed or dlq.
func (h *TaskHandler) Retry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "taskID")
	if id == "" {
		h.respondError(w, http.StatusBadRequest, "task ID is required")
		return
	}

	var req RetryRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	tk, err := h.repo.Retry(r.Context(), id, req.ResetCount)
	if err != nil {
		switch err {
		case task.ErrTaskNotFound:
			h.respondError(w, http.StatusNotFound, "task not found")
		case task.ErrInvalidTransition:
			h.respondError(w, http.StatusConflict, "only failed or dlq tasks can be retried")
		default:
			logger.Error().Err(err).Str("task_id", id).Msg("failed to retry task")
			h.respondError(w, http.StatusInternalServerError, "failed to retry task")
		}
		return
	}

	logger.Info().Str("task_id", id).Bool("reset_count", req.ResetCount).Msg("task retried manually")
	h.respondJSON(w, http.StatusOK, tk)
}

func (h *TaskHandler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error().Err(err).Msg("failed to encode JSON response")
	}
}

func (h *TaskHandler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, ErrorResponse{Error: http.StatusText(status), Message: message})
}
