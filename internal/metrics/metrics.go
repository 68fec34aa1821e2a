// Package metrics implements C15: per-day outcome counters persisted in
// Redis (spec.md §4.15) with a set of Prometheus instruments layered on
// top for live dashboards, grounded on the teacher's promauto-based
// internal/metrics package.
package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/fluxtask/engine/internal/provider"
	"github.com/fluxtask/engine/internal/store"
)

var (
	ProviderCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fluxtask_provider_calls_total",
			Help: "Total number of provider calls, by outcome and provider state",
		},
		[]string{"outcome", "state"},
	)

	TaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fluxtask_task_duration_seconds",
			Help:    "Task execution duration in seconds, by kind",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
		[]string{"kind"},
	)

	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fluxtask_queue_depth",
			Help: "Current number of task ids in each queue",
		},
		[]string{"queue"},
	)

	RetryRatio = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fluxtask_dispatcher_retry_ratio",
			Help: "Current adaptive retry-queue weighting used by Dispatchers",
		},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fluxtask_http_request_duration_seconds",
			Help:    "Admission API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	RedisOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fluxtask_redis_operation_duration_seconds",
			Help:    "Redis operation duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 12),
		},
		[]string{"operation"},
	)

	BreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fluxtask_circuit_breaker_open",
			Help: "1 if the provider circuit breaker is currently open, else 0",
		},
	)
)

// RecordHTTPRequest records one admission-API request's duration.
func RecordHTTPRequest(method, path, status string, seconds float64) {
	HTTPRequestDuration.WithLabelValues(method, path, status).Observe(seconds)
}

// RecordRedisOperation records a single Store call's duration.
func RecordRedisOperation(operation string, seconds float64) {
	RedisOperationDuration.WithLabelValues(operation).Observe(seconds)
}

// Metrics is the daily-counter component: a per-day hash keyed by date
// with counters total_calls, successful_calls, failed_calls and
// state_<provider_state>, each bumped with HINCRBY and expiring after
// the configured retention (30 days by default). The increments run in
// their own transaction pipeline; they are not committed in the same
// transaction as the ProviderState update, so the counters and the
// shared snapshot are written separately.
type Metrics struct {
	s   *store.Store
	ttl time.Duration
}

func New(s *store.Store, retentionDays int) *Metrics {
	if retentionDays <= 0 {
		retentionDays = 30
	}
	return &Metrics{s: s, ttl: time.Duration(retentionDays) * 24 * time.Hour}
}

func dailyKey(t time.Time) string {
	return fmt.Sprintf("openrouter:metrics:%s", t.UTC().Format("2006-01-02"))
}

// RecordCall increments today's total/successful-or-failed and
// state_<state> counters in one pipeline, and mirrors the outcome into
// the Prometheus counter above. Call this from the same call site that
// just updated ProviderState, per spec.md §4.15's atomicity note —
// Executor does exactly this in callThroughGuards.
func (m *Metrics) RecordCall(ctx context.Context, success bool, state provider.Health) {
	key := dailyKey(time.Now())
	pipe := m.s.TxPipeline()
	pipe.HIncrBy(ctx, key, "total_calls", 1)
	outcome := "failure"
	if success {
		outcome = "success"
		pipe.HIncrBy(ctx, key, "successful_calls", 1)
	} else {
		pipe.HIncrBy(ctx, key, "failed_calls", 1)
	}
	pipe.HIncrBy(ctx, key, "state_"+string(state), 1)
	pipe.Expire(ctx, key, m.ttl)
	_, _ = pipe.Exec(ctx)

	ProviderCallsTotal.WithLabelValues(outcome, string(state)).Inc()
}

// Daily returns the raw counter hash for the given date, for admin/
// dashboard consumption.
func (m *Metrics) Daily(ctx context.Context, date time.Time) (map[string]string, error) {
	return m.s.HGetAll(ctx, dailyKey(date))
}
