// Package events implements the queue's single-channel event bus:
// observers (SSE clients, admin tooling) subscribe to one Redis pub/sub
// channel and see every task lifecycle transition and periodic queue
// snapshot in arrival order.
package events

import (
	"encoding/json"
	"time"
)

// Type names the shape of an Event's Data payload.
type Type string

const (
	// TypeTaskCreated fires once per TaskRepo.create.
	TypeTaskCreated Type = "task_created"
	// TypeTaskStateChanged fires on every TaskRepo.transition.
	TypeTaskStateChanged Type = "task_state_changed"
	// TypeQueueSnapshot fires periodically so a reconnecting subscriber
	// can recover current depths/state without replaying history.
	TypeQueueSnapshot Type = "queue_snapshot"
)

// Depths mirrors queue.Depths without importing internal/queue, which
// would create an events -> queue -> events cycle once QueueRouter
// starts publishing snapshots.
type Depths struct {
	Primary   int64 `json:"primary"`
	Retry     int64 `json:"retry"`
	Scheduled int64 `json:"scheduled"`
	DLQ       int64 `json:"dlq"`
}

// Event is the single envelope published on the queue-updates channel.
// Exactly one of the Task*/Snapshot fields is populated, selected by
// Type.
type Event struct {
	Type      Type      `json:"type"`
	Timestamp time.Time `json:"ts"`

	TaskCreated      *TaskCreated      `json:"task_created,omitempty"`
	TaskStateChanged *TaskStateChanged `json:"task_state_changed,omitempty"`
	QueueSnapshot    *QueueSnapshotData `json:"queue_snapshot,omitempty"`
}

type TaskCreated struct {
	ID     string `json:"id"`
	Depths Depths `json:"depths"`
}

type TaskStateChanged struct {
	ID     string `json:"id"`
	Old    string `json:"old"`
	New    string `json:"new"`
	Depths Depths `json:"depths"`
}

type QueueSnapshotData struct {
	Depths     Depths           `json:"depths"`
	States     map[string]int64 `json:"states"`
	RetryRatio float64          `json:"retry_ratio"`
}

func NewTaskCreated(id string, depths Depths) *Event {
	return &Event{Type: TypeTaskCreated, Timestamp: time.Now().UTC(), TaskCreated: &TaskCreated{ID: id, Depths: depths}}
}

func NewTaskStateChanged(id, old, newState string, depths Depths) *Event {
	return &Event{
		Type:      TypeTaskStateChanged,
		Timestamp: time.Now().UTC(),
		TaskStateChanged: &TaskStateChanged{ID: id, Old: old, New: newState, Depths: depths},
	}
}

func NewQueueSnapshot(depths Depths, states map[string]int64, retryRatio float64) *Event {
	return &Event{
		Type:          TypeQueueSnapshot,
		Timestamp:     time.Now().UTC(),
		QueueSnapshot: &QueueSnapshotData{Depths: depths, States: states, RetryRatio: retryRatio},
	}
}

func (e *Event) ToJSON() ([]byte, error) { return json.Marshal(e) }

func FromJSON(data []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}
