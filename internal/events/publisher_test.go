package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTaskCreated(t *testing.T) {
	e := NewTaskCreated("task-1", Depths{Primary: 3})
	assert.Equal(t, TypeTaskCreated, e.Type)
	assert.Equal(t, "task-1", e.TaskCreated.ID)
	assert.Equal(t, int64(3), e.TaskCreated.Depths.Primary)
	assert.False(t, e.Timestamp.IsZero())
}

func TestNewTaskStateChanged(t *testing.T) {
	e := NewTaskStateChanged("task-2", "pending", "active", Depths{Primary: 1})
	assert.Equal(t, TypeTaskStateChanged, e.Type)
	assert.Equal(t, "pending", e.TaskStateChanged.Old)
	assert.Equal(t, "active", e.TaskStateChanged.New)
}

func TestNewQueueSnapshot(t *testing.T) {
	e := NewQueueSnapshot(Depths{Primary: 5, Retry: 2}, map[string]int64{"active": 3}, 0.2)
	assert.Equal(t, TypeQueueSnapshot, e.Type)
	assert.Equal(t, int64(5), e.QueueSnapshot.Depths.Primary)
	assert.Equal(t, int64(3), e.QueueSnapshot.States["active"])
	assert.Equal(t, 0.2, e.QueueSnapshot.RetryRatio)
}

func TestEvent_ToJSON_FromJSON_RoundTrip(t *testing.T) {
	original := NewTaskStateChanged("task-3", "active", "completed", Depths{Primary: 0})

	data, err := original.ToJSON()
	require.NoError(t, err)

	restored, err := FromJSON(data)
	require.NoError(t, err)

	assert.Equal(t, original.Type, restored.Type)
	assert.Equal(t, original.TaskStateChanged.ID, restored.TaskStateChanged.ID)
	assert.Equal(t, original.TaskStateChanged.Old, restored.TaskStateChanged.Old)
	assert.Equal(t, original.TaskStateChanged.New, restored.TaskStateChanged.New)
}

func TestFromJSON_Invalid(t *testing.T) {
	_, err := FromJSON([]byte("not json"))
	assert.Error(t, err)
}
