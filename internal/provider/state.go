// Package provider holds the shared health snapshot for the upstream
// model provider and the handlers that turn a task's payload into a
// provider call.
package provider

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/fluxtask/engine/internal/config"
	"github.com/fluxtask/engine/internal/store"
)

type Health string

const (
	HealthActive           Health = "active"
	HealthRateLimited      Health = "rate_limited"
	HealthCreditsExhausted Health = "credits_exhausted"
	HealthServiceError     Health = "error"
)

// Snapshot mirrors the `openrouter:state` hash fields named in spec.md
// §4.8.
type Snapshot struct {
	State               Health
	Message             string
	Balance             float64
	UsageToday          float64
	UsageMonth          float64
	ConsecutiveFailures int64
	LastSuccess         time.Time
	LastCheck           time.Time
	CircuitOpen         bool
	RateLimitReset      time.Time
	ErrorDetails        string
}

// Fresh reports whether the snapshot was checked within the last 60s;
// Stale reports whether it is older than 300s. Both can be false at
// once (the snapshot is merely aging).
func (s Snapshot) Fresh() bool { return time.Since(s.LastCheck) < 60*time.Second }
func (s Snapshot) Stale() bool { return time.Since(s.LastCheck) > 300*time.Second }

// ShouldSkipAPICall implements the Dispatcher's gate: the circuit is
// open, or the provider is known rate-limited and the reset window
// hasn't passed yet.
func (s Snapshot) ShouldSkipAPICall() bool {
	if s.CircuitOpen {
		return true
	}
	if s.State == HealthRateLimited && time.Now().UTC().Before(s.RateLimitReset) {
		return true
	}
	return false
}

const (
	stateKey = "openrouter:state"
	lockKey  = "openrouter:state:lock"
)

// State is the distributed ProviderState component: a single shared
// snapshot, mutated under a short-TTL lock so concurrent worker
// reporters serialize without ever blocking a reader.
type State struct {
	s        *store.Store
	workerID string
	lockTTL  time.Duration
	log      zerolog.Logger
}

func New(s *store.Store, workerID string, cfg config.ProviderConfig, log zerolog.Logger) *State {
	return &State{
		s:        s,
		workerID: workerID,
		lockTTL:  cfg.LockTTL,
		log:      log.With().Str("component", "provider_state").Logger(),
	}
}

func (p *State) Get(ctx context.Context) (Snapshot, error) {
	m, err := p.s.HGetAll(ctx, stateKey)
	if err != nil {
		return Snapshot{}, err
	}
	return snapshotFromMap(m), nil
}

// ReportSuccess resets the failure streak and marks the provider active.
// If the update lock is held elsewhere, it logs the miss and returns
// nil rather than retrying — spec.md §4.8 treats a lost update as
// acceptable since the next writer will reconcile state.
func (p *State) ReportSuccess(ctx context.Context) error {
	acquired, err := p.lock(ctx)
	if err != nil {
		return err
	}
	if !acquired {
		p.log.Warn().Msg("provider state lock held, skipping success update")
		return nil
	}
	defer p.unlock(ctx)

	now := time.Now().UTC()
	return p.s.HSetAll(ctx, stateKey, map[string]interface{}{
		"state":                string(HealthActive),
		"message":              "service active",
		"last_check":           now.Format(time.RFC3339),
		"last_success":         now.Format(time.RFC3339),
		"consecutive_failures": 0,
		"circuit_open":         "false",
	})
}

// ReportError folds a classified error into the shared snapshot:
// increments the failure streak, maps the sub-kind to a provider
// health state, and flips circuit_open once the streak crosses the
// threshold. For rate limiting it also stamps rate_limit_reset one
// minute out, mirroring the upstream provider's default window.
func (p *State) ReportError(ctx context.Context, health Health, message string, threshold int64) error {
	acquired, err := p.lock(ctx)
	if err != nil {
		return err
	}
	if !acquired {
		p.log.Warn().Str("health", string(health)).Msg("provider state lock held, skipping error update")
		return nil
	}
	defer p.unlock(ctx)

	current, err := p.Get(ctx)
	if err != nil {
		return err
	}

	failures := current.ConsecutiveFailures + 1
	now := time.Now().UTC()

	fields := map[string]interface{}{
		"state":                string(health),
		"message":              fmt.Sprintf("worker %s reported: %s", p.workerID, message),
		"last_check":           now.Format(time.RFC3339),
		"consecutive_failures": failures,
		"circuit_open":         strconv.FormatBool(failures >= threshold),
		"error_details":        message,
	}
	if health == HealthRateLimited {
		fields["rate_limit_reset"] = now.Add(time.Minute).Format(time.RFC3339)
	}

	return p.s.HSetAll(ctx, stateKey, fields)
}

func (p *State) lock(ctx context.Context) (bool, error) {
	return p.s.SetNX(ctx, lockKey, p.workerID, p.lockTTL)
}

func (p *State) unlock(ctx context.Context) {
	if err := p.s.Del(ctx, lockKey); err != nil {
		p.log.Warn().Err(err).Msg("failed to release provider state lock")
	}
}

func snapshotFromMap(m map[string]string) Snapshot {
	s := Snapshot{State: HealthActive}
	if v, ok := m["state"]; ok && v != "" {
		s.State = Health(v)
	}
	s.Message = m["message"]
	s.Balance = parseFloat(m["balance"])
	s.UsageToday = parseFloat(m["usage_today"])
	s.UsageMonth = parseFloat(m["usage_month"])
	s.ConsecutiveFailures = parseInt(m["consecutive_failures"])
	s.LastSuccess = parseTime(m["last_success"])
	s.LastCheck = parseTime(m["last_check"])
	s.CircuitOpen = m["circuit_open"] == "true"
	s.RateLimitReset = parseTime(m["rate_limit_reset"])
	s.ErrorDetails = m["error_details"]
	return s
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func parseInt(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
