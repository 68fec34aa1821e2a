package task

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseState(t *testing.T) {
	tests := []struct {
		input    string
		expected State
	}{
		{"pending", StatePending},
		{"active", StateActive},
		{"scheduled", StateScheduled},
		{"completed", StateCompleted},
		{"failed", StateFailed},
		{"dlq", StateDLQ},
		{"bogus", StatePending},
		{"", StatePending},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, ParseState(tt.input))
		})
	}
}

func TestState_IsFinal(t *testing.T) {
	assert.True(t, StateCompleted.IsFinal())
	assert.False(t, StateFailed.IsFinal())
	assert.False(t, StateDLQ.IsFinal())
	assert.False(t, StatePending.IsFinal())
}

func TestState_CanTransitionTo(t *testing.T) {
	tests := []struct {
		from    State
		to      State
		allowed bool
	}{
		{StatePending, StateActive, true},
		{StatePending, StateCompleted, false},
		{StateActive, StateCompleted, true},
		{StateActive, StateScheduled, true},
		{StateActive, StateFailed, true},
		{StateActive, StateDLQ, true},
		{StateActive, StatePending, true},
		{StateScheduled, StatePending, true},
		{StateScheduled, StateActive, false},
		{StateFailed, StatePending, true},
		{StateFailed, StateCompleted, false},
		{StateDLQ, StatePending, true},
		{StateCompleted, StatePending, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.allowed, tt.from.CanTransitionTo(tt.to))
		})
	}
}

func TestStateMachine_Dispatch(t *testing.T) {
	tk := New(KindSummarize, "x", nil, 3)
	sm := NewStateMachine(tk)

	err := sm.Dispatch("worker-1")
	require.NoError(t, err)

	assert.Equal(t, StateActive, tk.State)
	assert.Equal(t, "worker-1", tk.WorkerID)
	assert.NotNil(t, tk.StartedAt)
}

func TestStateMachine_Complete(t *testing.T) {
	tk := New(KindSummarize, "x", nil, 3)
	sm := NewStateMachine(tk)
	require.NoError(t, sm.Dispatch("worker-1"))

	err := sm.Complete("the summary")
	require.NoError(t, err)

	assert.Equal(t, StateCompleted, tk.State)
	assert.Equal(t, "the summary", tk.Result)
	assert.NotNil(t, tk.CompletedAt)
}

func TestStateMachine_ScheduleRetry(t *testing.T) {
	tk := New(KindSummarize, "x", nil, 3)
	sm := NewStateMachine(tk)
	require.NoError(t, sm.Dispatch("worker-1"))

	retryAt := tk.UpdatedAt
	err := sm.ScheduleRetry(retryAt, "rate limited", ErrorKindTransient, SubRateLimited)
	require.NoError(t, err)

	assert.Equal(t, StateScheduled, tk.State)
	assert.Equal(t, 1, tk.RetryCount)
	assert.Equal(t, "rate limited", tk.LastError)
	assert.Equal(t, SubRateLimited, tk.SubKind)
	assert.NotNil(t, tk.RetryAfter)
}

func TestStateMachine_Fail(t *testing.T) {
	tk := New(KindSummarize, "x", nil, 3)
	sm := NewStateMachine(tk)
	require.NoError(t, sm.Dispatch("worker-1"))

	err := sm.Fail("invalid api key", ErrorKindPermanent, SubAPIKeyInvalid)
	require.NoError(t, err)

	assert.Equal(t, StateFailed, tk.State)
	assert.Equal(t, ErrorKindPermanent, tk.ErrorKind)
	assert.NotNil(t, tk.FailedAt)
}

func TestStateMachine_MoveToDLQ(t *testing.T) {
	tk := New(KindSummarize, "x", nil, 1)
	sm := NewStateMachine(tk)
	require.NoError(t, sm.Dispatch("worker-1"))

	err := sm.MoveToDLQ("exhausted retries", ErrorKindTransient, SubServiceUnavailable)
	require.NoError(t, err)

	assert.Equal(t, StateDLQ, tk.State)
	assert.NotNil(t, tk.DLQAt)
}

func TestStateMachine_Requeue(t *testing.T) {
	tk := New(KindSummarize, "x", nil, 3)
	tk.State = StateDLQ
	tk.WorkerID = "old-worker"
	tk.RetryCount = 5
	tk.LastError = "previous error"

	sm := NewStateMachine(tk)
	err := sm.Requeue()
	require.NoError(t, err)

	assert.Equal(t, StatePending, tk.State)
	assert.Empty(t, tk.WorkerID)
	assert.Equal(t, 0, tk.RetryCount)
	assert.Empty(t, tk.LastError)
}

func TestStateMachine_Promote(t *testing.T) {
	tk := New(KindSummarize, "x", nil, 3)
	tk.State = StateScheduled
	tk.RetryCount = 1

	sm := NewStateMachine(tk)
	err := sm.Promote()
	require.NoError(t, err)

	assert.Equal(t, StatePending, tk.State)
	assert.Equal(t, 1, tk.RetryCount)
	assert.Nil(t, tk.RetryAfter)
}
