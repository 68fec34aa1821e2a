package task

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Kind selects which provider handler the Executor dispatches a task to.
type Kind string

const (
	KindSummarize  Kind = "summarize"
	KindPDFExtract Kind = "pdf_extract"
)

// StateTransition is one entry of a task's append-only state history.
type StateTransition struct {
	Timestamp time.Time `json:"timestamp"`
	State     State     `json:"state"`
}

// ErrorEvent is one entry of a task's append-only error history, recorded
// every time an execution attempt fails.
type ErrorEvent struct {
	Timestamp  time.Time `json:"timestamp"`
	Error      string    `json:"error"`
	Kind       ErrorKind `json:"kind"`
	SubKind    SubKind   `json:"sub_kind"`
	RetryCount int       `json:"retry_count"`
}

// Task is the central entity of the system.
type Task struct {
	ID          string            `json:"id"`
	Kind        Kind              `json:"kind"`
	Content     string            `json:"content"`
	Metadata    map[string]string `json:"metadata"`
	State       State             `json:"state"`
	RetryCount  int               `json:"retry_count"`
	MaxRetries  int               `json:"max_retries"`
	LastError   string            `json:"last_error,omitempty"`
	ErrorKind   ErrorKind         `json:"error_kind,omitempty"`
	SubKind     SubKind           `json:"sub_kind,omitempty"`
	RetryAfter  *time.Time        `json:"retry_after,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	FailedAt    *time.Time        `json:"failed_at,omitempty"`
	DLQAt       *time.Time        `json:"dlq_at,omitempty"`
	Result      string            `json:"result,omitempty"`
	WorkerID    string            `json:"worker_id,omitempty"`

	ErrorHistory []ErrorEvent      `json:"error_history"`
	StateHistory []StateTransition `json:"state_history"`
}

// DefaultMaxRetries is used when a creation request does not specify one.
const DefaultMaxRetries = 3

// New builds a task in state Pending with a single state_history entry.
func New(kind Kind, content string, metadata map[string]string, maxRetries int) *Task {
	now := time.Now().UTC()
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	if metadata == nil {
		metadata = make(map[string]string)
	}
	return &Task{
		ID:         uuid.New().String(),
		Kind:       kind,
		Content:    content,
		Metadata:   metadata,
		State:      StatePending,
		MaxRetries: maxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,
		StateHistory: []StateTransition{
			{Timestamp: now, State: StatePending},
		},
		ErrorHistory: []ErrorEvent{},
	}
}

// CanRetry reports whether another attempt is still permitted.
func (t *Task) CanRetry() bool {
	return t.RetryCount < t.MaxRetries
}

func (t *Task) ToJSON() ([]byte, error) {
	return json.Marshal(t)
}

func FromJSON(data []byte) (*Task, error) {
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// ToMap converts the task to the hash representation used by
// the store: the full record lives JSON-encoded under "data", with a
// handful of scalar fields duplicated alongside it so Redis-side tooling
// (redis-cli HGET, monitoring scripts) can inspect state without decoding
// JSON.
func (t *Task) ToMap() (map[string]interface{}, error) {
	data, err := t.ToJSON()
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"data":        string(data),
		"state":       string(t.State),
		"kind":        string(t.Kind),
		"retry_count": t.RetryCount,
		"updated_at":  t.UpdatedAt.Format(time.RFC3339Nano),
	}, nil
}

func FromMap(m map[string]string) (*Task, error) {
	data, ok := m["data"]
	if !ok {
		return nil, ErrInvalidTaskData
	}
	return FromJSON([]byte(data))
}

// Clone returns a deep-enough copy for safe concurrent handoff between the
// Dispatcher and an Executor goroutine.
func (t *Task) Clone() *Task {
	cp := *t
	cp.Metadata = make(map[string]string, len(t.Metadata))
	for k, v := range t.Metadata {
		cp.Metadata[k] = v
	}
	cp.ErrorHistory = append([]ErrorEvent(nil), t.ErrorHistory...)
	cp.StateHistory = append([]StateTransition(nil), t.StateHistory...)
	return &cp
}
