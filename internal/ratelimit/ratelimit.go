// Package ratelimit implements a distributed token bucket shared across
// every Dispatcher process through a single Redis hash, so the fleet as
// a whole respects one upstream rate limit rather than each worker
// enforcing its own independent slice of it.
package ratelimit

import (
	"context"
	"strconv"
	"time"

	"github.com/fluxtask/engine/internal/config"
	"github.com/fluxtask/engine/internal/store"
)

// bucketScript mirrors the lazy-init/refill/debit logic of the
// reference token bucket: if the bucket has never been seeded, it
// loads capacity and refill rate from the config hash and starts full.
var bucketScript = `
local bucket_key = KEYS[1]
local config_key = KEYS[2]
local current_time = tonumber(ARGV[1])
local tokens_requested = tonumber(ARGV[2])
local default_capacity = tonumber(ARGV[3])
local default_refill_rate = tonumber(ARGV[4])

local bucket_data = redis.call('HMGET', bucket_key, 'tokens', 'last_refill', 'capacity', 'refill_rate')
local tokens = tonumber(bucket_data[1]) or 0
local last_refill = tonumber(bucket_data[2]) or current_time
local capacity = tonumber(bucket_data[3]) or 0
local refill_rate = tonumber(bucket_data[4]) or 0

if capacity == 0 then
  local config_data = redis.call('HMGET', config_key, 'capacity', 'refill_rate')
  capacity = tonumber(config_data[1]) or default_capacity
  refill_rate = tonumber(config_data[2]) or default_refill_rate
  tokens = capacity
  last_refill = current_time
end

local elapsed = current_time - last_refill
local tokens_to_add = elapsed * refill_rate
tokens = math.min(capacity, tokens + tokens_to_add)

if tokens >= tokens_requested then
  tokens = tokens - tokens_requested
  redis.call('HMSET', bucket_key, 'tokens', tokens, 'last_refill', current_time, 'capacity', capacity, 'refill_rate', refill_rate)
  redis.call('EXPIRE', bucket_key, 3600)
  return {1, tokens, capacity, refill_rate, 0}
else
  local needed = tokens_requested - tokens
  local wait_time = 0
  if refill_rate > 0 then
    wait_time = needed / refill_rate
  end
  redis.call('HMSET', bucket_key, 'tokens', tokens, 'last_refill', current_time, 'capacity', capacity, 'refill_rate', refill_rate)
  redis.call('EXPIRE', bucket_key, 3600)
  return {0, tokens, capacity, refill_rate, wait_time}
end
`

// Status is a point-in-time snapshot for monitoring and admin display.
type Status struct {
	CurrentTokens float64
	Capacity      float64
	RefillRate    float64
	LastRefill    time.Time
}

// RateLimiter is a distributed token bucket keyed by bucketKey, with its
// capacity and refill rate stored out-of-band under configKey so an
// operator can hot-reload limits without restarting any worker.
type RateLimiter struct {
	s              *store.Store
	bucketKey      string
	configKey      string
	defaultCap     int64
	defaultRefill  float64
	pollMinimum    time.Duration
	defaultTimeout time.Duration
}

func New(s *store.Store, bucketKey, configKey string, cfg config.RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		s:              s,
		bucketKey:      bucketKey,
		configKey:      configKey,
		defaultCap:     cfg.DefaultCapacity,
		defaultRefill:  cfg.DefaultRefillRate,
		pollMinimum:    cfg.AcquirePollMinimum,
		defaultTimeout: cfg.AcquireTimeout,
	}
}

type attemptResult struct {
	granted    bool
	tokens     float64
	capacity   float64
	refillRate float64
	waitTime   float64
}

func (r *RateLimiter) attempt(ctx context.Context, tokens int64) (attemptResult, error) {
	script := r.s.NewScript(bucketScript)
	res, err := r.s.Eval(ctx, script, []string{r.bucketKey, r.configKey},
		float64(time.Now().UTC().UnixNano())/1e9,
		tokens,
		r.defaultCap,
		r.defaultRefill,
	)
	if err != nil {
		return attemptResult{}, err
	}
	row, ok := res.([]interface{})
	if !ok || len(row) < 5 {
		return attemptResult{}, nil
	}
	return attemptResult{
		granted:    toInt64(row[0]) == 1,
		tokens:     toFloat64(row[1]),
		capacity:   toFloat64(row[2]),
		refillRate: toFloat64(row[3]),
		waitTime:   toFloat64(row[4]),
	}, nil
}

// Acquire blocks, polling the bucket, until tokens are granted or
// timeout elapses. A timeout of zero uses the configured default.
func (r *RateLimiter) Acquire(ctx context.Context, tokens int64, timeout time.Duration) (bool, error) {
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}
	deadline := time.Now().Add(timeout)

	for {
		res, err := r.attempt(ctx, tokens)
		if err != nil {
			return false, err
		}
		if res.granted {
			return true, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false, nil
		}

		wait := time.Duration(res.waitTime * float64(time.Second))
		if wait < r.pollMinimum {
			wait = r.pollMinimum
		}
		if wait > remaining {
			wait = remaining
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(wait):
		}
	}
}

// Status reports the bucket's current refill state without consuming a
// token.
func (r *RateLimiter) Status(ctx context.Context) (Status, error) {
	m, err := r.s.HGetAll(ctx, r.bucketKey)
	if err != nil {
		return Status{}, err
	}
	tokens := parseFloat(m["tokens"])
	lastRefill := parseFloat(m["last_refill"])
	capacity := parseFloat(m["capacity"])
	refillRate := parseFloat(m["refill_rate"])

	now := float64(time.Now().UTC().UnixNano()) / 1e9
	current := tokens
	if refillRate > 0 {
		elapsed := now - lastRefill
		current = min(capacity, tokens+elapsed*refillRate)
	}

	return Status{
		CurrentTokens: current,
		Capacity:      capacity,
		RefillRate:    refillRate,
		LastRefill:    time.Unix(int64(lastRefill), 0).UTC(),
	}, nil
}

// UpdateConfig hot-reloads capacity/refill rate without discarding
// tokens already earned by in-flight Acquire callers: it only rewrites
// the out-of-band config hash and the effective capacity/refill_rate on
// the bucket itself, leaving the current token count untouched.
func (r *RateLimiter) UpdateConfig(ctx context.Context, capacity int64, refillRate float64) error {
	if err := r.s.HSetAll(ctx, r.configKey, map[string]interface{}{
		"capacity":    capacity,
		"refill_rate": refillRate,
		"updated_at":  time.Now().UTC().Unix(),
	}); err != nil {
		return err
	}
	return r.s.HSetAll(ctx, r.bucketKey, map[string]interface{}{
		"capacity":    capacity,
		"refill_rate": refillRate,
	})
}

// Reset clears the bucket entirely; the next Acquire re-seeds it from
// configKey (or the built-in defaults).
func (r *RateLimiter) Reset(ctx context.Context) error {
	return r.s.Del(ctx, r.bucketKey)
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	default:
		return 0
	}
}

func toFloat64(v interface{}) float64 {
	switch n := v.(type) {
	case int64:
		return float64(n)
	case string:
		return parseFloat(n)
	default:
		return 0
	}
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func min(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
