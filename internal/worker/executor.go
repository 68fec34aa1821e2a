// Package worker implements the Dispatcher/Executor/ControlPlane
// components: the per-worker loop that selects the next task id
// (spec.md §4.9) and the per-task runner that drives it through the
// breaker/rate-limiter/provider call sequence to a terminal or
// scheduled outcome (spec.md §4.10).
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"

	"github.com/fluxtask/engine/internal/breaker"
	"github.com/fluxtask/engine/internal/metrics"
	"github.com/fluxtask/engine/internal/provider"
	"github.com/fluxtask/engine/internal/ratelimit"
	"github.com/fluxtask/engine/internal/repo"
	"github.com/fluxtask/engine/internal/task"
)

// Handler turns one task's content into a result string or a
// classifiable error. summarize and pdf_extract are the two built-in
// kinds (spec.md §3); the dispatch table lets a new Kind be added
// without touching Executor itself, per spec.md §9's closed-enum/
// dispatch-table redesign note.
type Handler func(ctx context.Context, t *task.Task) (result string, err error, statusCode int)

// Executor runs one task per spec.md §4.10: load, transition to active,
// check retry budget, consult ProviderState, call the provider
// through RateLimiter.Acquire -> CircuitBreaker.Guard -> Handler, then
// resolve to completed/scheduled/dlq.
type Executor struct {
	repo     *repo.TaskRepo
	limiter  *ratelimit.RateLimiter
	breaker  *breaker.CircuitBreaker
	provider *provider.State
	metrics  *metrics.Metrics
	handlers map[task.Kind]Handler
	log      zerolog.Logger
}

func NewExecutor(
	r *repo.TaskRepo,
	limiter *ratelimit.RateLimiter,
	cb *breaker.CircuitBreaker,
	ps *provider.State,
	m *metrics.Metrics,
	handlers map[task.Kind]Handler,
	log zerolog.Logger,
) *Executor {
	return &Executor{
		repo:     r,
		limiter:  limiter,
		breaker:  cb,
		provider: ps,
		metrics:  m,
		handlers: handlers,
		log:      log.With().Str("component", "executor").Logger(),
	}
}

// ErrNoHandler is returned (and only logged, per spec.md §4.10 step 1's
// "if missing -> log and drop") when a task's kind has no registered
// Handler; this is a deployment error, not a per-task classification.
var ErrNoHandler = errors.New("worker: no handler registered for task kind")

// Run executes the task identified by id: loads the record, transitions
// it to active (every downstream outcome — completed, scheduled, dlq —
// is only reachable from active per the state graph in spec.md §4.2),
// applies the retries-exhausted fast path and ProviderState's skip
// gate, then calls the handler through the rate limiter/breaker and
// resolves the outcome. workerID stamps the task record for
// diagnostics only (spec.md §3).
func (e *Executor) Run(ctx context.Context, id, workerID string) {
	log := e.log.With().Str("task_id", id).Str("worker_id", workerID).Logger()

	loaded, err := e.repo.Fetch(ctx, id)
	if err != nil {
		log.Warn().Err(err).Msg("task record missing, dropping")
		return
	}

	handler, ok := e.handlers[loaded.Kind]
	if !ok {
		log.Error().Str("kind", string(loaded.Kind)).Msg("no handler registered for task kind")
		return
	}

	active, err := e.repo.Transition(ctx, id, task.StatePending, func(sm *task.StateMachine) error {
		return sm.Dispatch(workerID)
	})
	if err != nil {
		log.Warn().Err(err).Msg("failed to transition task to active, another worker may own it")
		return
	}

	if !active.CanRetry() {
		e.dlq(ctx, id, log, "max_retries_exceeded", task.ErrorKindPermanent, task.SubUnknown)
		return
	}

	if snap, err := e.provider.Get(ctx); err == nil && snap.ShouldSkipAPICall() {
		e.scheduleBackoff(ctx, id, log, "provider unavailable, skipping call", task.ErrorKindTransient, task.SubServiceUnavailable)
		return
	}

	start := time.Now()
	result, handlerErr, statusCode := e.callThroughGuards(ctx, active, handler)
	duration := time.Since(start)

	if handlerErr == nil {
		e.complete(ctx, id, log, result, duration)
		return
	}

	classified := task.ClassifyError(handlerErr, statusCode)
	log.Warn().Err(handlerErr).Str("kind", string(classified.Kind)).Str("sub_kind", string(classified.Sub)).Dur("duration", duration).Msg("task execution failed")

	switch classified.Kind {
	case task.ErrorKindPermanent, task.ErrorKindDependency:
		e.dlq(ctx, id, log, handlerErr.Error(), classified.Kind, classified.Sub)
	default:
		// step 2's CanRetry() gate already ran before this attempt was
		// dispatched; a transient failure here always schedules a retry,
		// even if incrementing retry_count now reaches max_retries — the
		// *next* dispatch attempt is what enforces the DLQ fast path.
		e.scheduleBackoff(ctx, id, log, handlerErr.Error(), classified.Kind, classified.Sub)
	}
}

// callThroughGuards implements spec.md §4.10 step 6: every provider call
// goes through RateLimiter.Acquire, then CircuitBreaker.Guard, then the
// handler itself. A breaker rejection or a rate-limiter timeout is
// folded back into ProviderState the same way a handler failure is.
func (e *Executor) callThroughGuards(ctx context.Context, t *task.Task, handler Handler) (result string, err error, statusCode int) {
	granted, acqErr := e.limiter.Acquire(ctx, 1, 0)
	if acqErr != nil {
		return "", fmt.Errorf("rate limiter: %w", acqErr), 0
	}
	if !granted {
		_ = e.provider.ReportError(ctx, provider.HealthRateLimited, "rate limit acquire timed out", breakerThreshold)
		e.metrics.RecordCall(ctx, false, provider.HealthRateLimited)
		return "", errors.New("rate limit acquire timed out"), 429
	}

	guardErr := e.breaker.Guard(ctx, func() error {
		var callErr error
		result, callErr, statusCode = e.invoke(ctx, t, handler)
		return callErr
	})

	if errors.Is(guardErr, breaker.ErrOpen) {
		_ = e.provider.ReportError(ctx, provider.HealthServiceError, "circuit open", breakerThreshold)
		e.metrics.RecordCall(ctx, false, provider.HealthServiceError)
		return "", errors.New("circuit open"), 503
	}

	if guardErr != nil {
		health := provider.HealthServiceError
		if statusCode == 429 {
			health = provider.HealthRateLimited
		} else if statusCode == 402 {
			health = provider.HealthCreditsExhausted
		}
		_ = e.provider.ReportError(ctx, health, guardErr.Error(), breakerThreshold)
		e.metrics.RecordCall(ctx, false, health)
		return "", guardErr, statusCode
	}

	_ = e.provider.ReportSuccess(ctx)
	e.metrics.RecordCall(ctx, true, provider.HealthActive)
	return result, nil, statusCode
}

// breakerThreshold mirrors config.BreakerConfig.FailureThreshold
// (spec.md §4.6's "consecutive_failures >= 5"); ProviderState's
// circuit_open flag is informational here, the breaker package owns
// the authoritative open/closed decision.
const breakerThreshold = 5

func (e *Executor) invoke(ctx context.Context, t *task.Task, handler Handler) (result string, err error, statusCode int) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error().Str("task_id", t.ID).Interface("panic", r).Str("stack", string(debug.Stack())).Msg("handler panicked")
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return handler(ctx, t)
}

func (e *Executor) complete(ctx context.Context, id string, log zerolog.Logger, result string, duration time.Duration) {
	if _, err := e.repo.Transition(ctx, id, task.StateActive, func(sm *task.StateMachine) error {
		return sm.Complete(result)
	}); err != nil {
		log.Error().Err(err).Msg("failed to mark task completed")
		return
	}
	log.Info().Dur("duration", duration).Msg("task completed")
}

func (e *Executor) scheduleBackoff(ctx context.Context, id string, log zerolog.Logger, errMsg string, kind task.ErrorKind, sub task.SubKind) {
	t, err := e.repo.Fetch(ctx, id)
	if err != nil {
		log.Error().Err(err).Msg("failed to reload task before scheduling retry")
		return
	}
	delay := task.Backoff(sub, t.RetryCount+1)
	if _, err := e.repo.ScheduleRetry(ctx, id, delay, errMsg, kind, sub); err != nil {
		log.Error().Err(err).Msg("failed to schedule retry")
		return
	}
	log.Info().Dur("delay", delay).Str("sub_kind", string(sub)).Msg("task scheduled for retry")
}

// dlq moves a task to the dead-letter queue. Callers always reach this
// with the task already in the active state (Run transitions pending
// to active before any outcome branch runs), matching
// repo.TaskRepo.SendToDLQ's optimistic from-active check.
func (e *Executor) dlq(ctx context.Context, id string, log zerolog.Logger, errMsg string, kind task.ErrorKind, sub task.SubKind) {
	if _, err := e.repo.SendToDLQ(ctx, id, errMsg, kind, sub); err != nil {
		log.Error().Err(err).Msg("failed to move task to DLQ")
		return
	}
	log.Warn().Str("kind", string(kind)).Str("sub_kind", string(sub)).Msg("task moved to DLQ")
}
