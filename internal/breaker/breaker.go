// Package breaker implements a circuit breaker whose state lives in
// Redis rather than process memory, so every Dispatcher in the fleet
// observes and contributes to the same trip decision.
package breaker

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/fluxtask/engine/internal/config"
	"github.com/fluxtask/engine/internal/store"
)

type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// ErrOpen is returned by Guard when the breaker rejects a call outright.
// The Executor maps this to transient/service_unavailable.
var ErrOpen = errors.New("breaker: circuit open")

// allowScript decides whether a call may proceed, flipping open to
// half_open once reset_timeout has elapsed. This has to be atomic: two
// Dispatchers racing to probe the same half-open window must not both
// believe they are the probe. While a probe is outstanding (half_open),
// other calls are rejected until reset_timeout passes again, at which
// point a fresh probe is let through.
var allowScript = `
local state = redis.call('HGET', KEYS[1], 'state')
if state == false then state = 'closed' end
if state == 'open' or state == 'half_open' then
  local opened_at = tonumber(redis.call('HGET', KEYS[1], 'opened_at') or '0')
  local now = tonumber(ARGV[1])
  local reset_timeout = tonumber(ARGV[2])
  if now - opened_at >= reset_timeout then
    redis.call('HSET', KEYS[1], 'state', 'half_open', 'opened_at', ARGV[1])
    return 1
  end
  return 0
end
return 1
`

// recordScript folds a call outcome into the breaker state atomically so
// concurrent failure increments are never lost.
var recordScript = `
local state = redis.call('HGET', KEYS[1], 'state')
if state == false then state = 'closed' end
local success = ARGV[1]
local now = ARGV[2]
local threshold = tonumber(ARGV[3])
if success == '1' then
  redis.call('HSET', KEYS[1], 'state', 'closed', 'consecutive_failures', '0')
  return 'closed'
end
local failures = redis.call('HINCRBY', KEYS[1], 'consecutive_failures', 1)
if state == 'half_open' or failures >= threshold then
  redis.call('HSET', KEYS[1], 'state', 'open', 'opened_at', now)
  return 'open'
end
return state
`

// Snapshot is the breaker state reported to ControlPlane health replies.
type Snapshot struct {
	State               State
	ConsecutiveFailures int64
	OpenedAt            time.Time
}

// CircuitBreaker guards calls to a single named provider.
type CircuitBreaker struct {
	s            *store.Store
	key          string
	threshold    int64
	resetTimeout time.Duration
}

// New builds a breaker keyed by provider under "openrouter:breaker" (or
// whatever the caller names it); cfg supplies the failure threshold and
// reset timeout shared by every instance of the same provider.
func New(s *store.Store, key string, cfg config.BreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{
		s:            s,
		key:          key,
		threshold:    cfg.FailureThreshold,
		resetTimeout: cfg.ResetTimeout,
	}
}

func (b *CircuitBreaker) allowed(ctx context.Context) (bool, error) {
	script := b.s.NewScript(allowScript)
	res, err := b.s.Eval(ctx, script, []string{b.key},
		time.Now().UTC().Unix(),
		int64(b.resetTimeout.Seconds()),
	)
	if err != nil {
		return false, err
	}
	n, _ := res.(int64)
	return n == 1, nil
}

func (b *CircuitBreaker) record(ctx context.Context, success bool) (State, error) {
	script := b.s.NewScript(recordScript)
	arg := "0"
	if success {
		arg = "1"
	}
	res, err := b.s.Eval(ctx, script, []string{b.key},
		arg,
		time.Now().UTC().Unix(),
		b.threshold,
	)
	if err != nil {
		return "", err
	}
	s, _ := res.(string)
	return State(s), nil
}

// Guard runs fn only if the breaker permits it, folding the outcome back
// into the shared state. Returns ErrOpen without calling fn if the
// breaker currently rejects calls.
func (b *CircuitBreaker) Guard(ctx context.Context, fn func() error) error {
	ok, err := b.allowed(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return ErrOpen
	}

	callErr := fn()
	if _, recErr := b.record(ctx, callErr == nil); recErr != nil {
		return recErr
	}
	return callErr
}

func (b *CircuitBreaker) Snapshot(ctx context.Context) (Snapshot, error) {
	m, err := b.s.HGetAll(ctx, b.key)
	if err != nil {
		return Snapshot{}, err
	}
	snap := Snapshot{State: StateClosed}
	if s, ok := m["state"]; ok && s != "" {
		snap.State = State(s)
	}
	if f, ok := m["consecutive_failures"]; ok {
		snap.ConsecutiveFailures, _ = strconv.ParseInt(f, 10, 64)
	}
	if o, ok := m["opened_at"]; ok {
		if sec, err := strconv.ParseInt(o, 10, 64); err == nil {
			snap.OpenedAt = time.Unix(sec, 0).UTC()
		}
	}
	return snap, nil
}

// ForceOpen and ForceClose back the ControlPlane's open_breaker and
// close_breaker commands (spec.md §4.14).
func (b *CircuitBreaker) ForceOpen(ctx context.Context) error {
	return b.s.HSetAll(ctx, b.key, map[string]interface{}{
		"state":     string(StateOpen),
		"opened_at": time.Now().UTC().Unix(),
	})
}

func (b *CircuitBreaker) ForceClose(ctx context.Context) error {
	return b.s.HSetAll(ctx, b.key, map[string]interface{}{
		"state":                string(StateClosed),
		"consecutive_failures": 0,
	})
}
