package task

import (
	"errors"
	"time"
)

// State represents the current lifecycle state of a task.
type State string

const (
	StatePending   State = "pending"
	StateActive    State = "active"
	StateScheduled State = "scheduled"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateDLQ       State = "dlq"
)

func (s State) String() string { return string(s) }

func ParseState(s string) State {
	switch State(s) {
	case StatePending, StateActive, StateScheduled, StateCompleted, StateFailed, StateDLQ:
		return State(s)
	default:
		return StatePending
	}
}

// IsFinal reports whether the state is terminal for the happy path.
// Failed and DLQ are terminal only in the sense that no Dispatcher is
// holding the task; both can still be re-admitted to Pending manually.
func (s State) IsFinal() bool {
	return s == StateCompleted
}

var (
	ErrInvalidTransition = errors.New("task: invalid state transition")
	ErrInvalidTaskData   = errors.New("task: invalid task data")
	ErrTaskNotFound      = errors.New("task: not found")
	ErrTaskAlreadyExists = errors.New("task: already exists")
)

// ValidTransitions encodes the lifecycle graph: pending -> active on
// dispatch; active -> completed/scheduled/dlq/pending depending on the
// execution outcome; scheduled -> pending once the Promoter moves a due
// task onto the retry queue; failed/dlq -> pending only through an
// explicit manual retry.
var ValidTransitions = map[State][]State{
	StatePending:   {StateActive},
	StateActive:    {StateCompleted, StateScheduled, StateFailed, StateDLQ, StatePending},
	StateScheduled: {StatePending},
	StateFailed:    {StatePending},
	StateDLQ:       {StatePending},
	StateCompleted: {},
}

func (s State) CanTransitionTo(target State) bool {
	for _, v := range ValidTransitions[s] {
		if v == target {
			return true
		}
	}
	return false
}

// StateMachine mutates a Task's lifecycle fields, recording every
// transition into StateHistory so the full path a task took is auditable
// after the fact.
type StateMachine struct {
	task *Task
}

func NewStateMachine(t *Task) *StateMachine {
	return &StateMachine{task: t}
}

func (sm *StateMachine) Transition(target State) error {
	if !sm.task.State.CanTransitionTo(target) {
		return ErrInvalidTransition
	}

	now := time.Now().UTC()
	sm.task.State = target
	sm.task.UpdatedAt = now
	sm.task.StateHistory = append(sm.task.StateHistory, StateTransition{Timestamp: now, State: target})

	switch target {
	case StateActive:
		sm.task.StartedAt = &now
	case StateCompleted:
		sm.task.CompletedAt = &now
	case StateFailed:
		sm.task.FailedAt = &now
	case StateDLQ:
		sm.task.DLQAt = &now
	}

	return nil
}

// Dispatch moves a task from pending (or a retried failed/dlq state,
// which must already have been reset to pending by the caller) to active.
func (sm *StateMachine) Dispatch(workerID string) error {
	if err := sm.Transition(StateActive); err != nil {
		return err
	}
	sm.task.WorkerID = workerID
	return nil
}

func (sm *StateMachine) Complete(result string) error {
	if err := sm.Transition(StateCompleted); err != nil {
		return err
	}
	sm.task.Result = result
	sm.task.LastError = ""
	return nil
}

// recordError appends an append-only error_history entry (spec.md §3
// invariant 7: entries are never rewritten) alongside the scalar
// last_error/error_kind fields every failure path also sets.
func (sm *StateMachine) recordError(errMsg string, kind ErrorKind, sub SubKind) {
	sm.task.LastError = errMsg
	sm.task.ErrorKind = kind
	sm.task.SubKind = sub
	sm.task.ErrorHistory = append(sm.task.ErrorHistory, ErrorEvent{
		Timestamp:  sm.task.UpdatedAt,
		Error:      errMsg,
		Kind:       kind,
		SubKind:    sub,
		RetryCount: sm.task.RetryCount,
	})
}

// ScheduleRetry moves an active task to Scheduled, recording the backoff
// deadline and incrementing the retry counter.
func (sm *StateMachine) ScheduleRetry(retryAt time.Time, errMsg string, kind ErrorKind, sub SubKind) error {
	if err := sm.Transition(StateScheduled); err != nil {
		return err
	}
	sm.task.RetryCount++
	sm.recordError(errMsg, kind, sub)
	sm.task.RetryAfter = &retryAt
	return nil
}

// Fail moves an active task to Failed without scheduling a retry (the
// classifier decided the error is permanent, or retries are exhausted for
// a transient one short of the dependency/permanent DLQ fast path).
func (sm *StateMachine) Fail(errMsg string, kind ErrorKind, sub SubKind) error {
	if err := sm.Transition(StateFailed); err != nil {
		return err
	}
	sm.recordError(errMsg, kind, sub)
	return nil
}

func (sm *StateMachine) MoveToDLQ(errMsg string, kind ErrorKind, sub SubKind) error {
	if err := sm.Transition(StateDLQ); err != nil {
		return err
	}
	sm.recordError(errMsg, kind, sub)
	return nil
}

// Requeue resets a failed or dead-lettered task back to pending for a
// fresh attempt cycle, clearing the retry counter and worker assignment.
func (sm *StateMachine) Requeue() error {
	if err := sm.Transition(StatePending); err != nil {
		return err
	}
	sm.task.WorkerID = ""
	sm.task.RetryCount = 0
	sm.task.LastError = ""
	sm.task.StartedAt = nil
	sm.task.RetryAfter = nil
	return nil
}

// Promote moves a scheduled task back to pending once its retry_after
// deadline has passed. Unlike Requeue it keeps the retry counter and
// worker history intact.
func (sm *StateMachine) Promote() error {
	if err := sm.Transition(StatePending); err != nil {
		return err
	}
	sm.task.RetryAfter = nil
	return nil
}
