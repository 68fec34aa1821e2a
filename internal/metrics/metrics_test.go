package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxtask/engine/internal/provider"
	"github.com/fluxtask/engine/internal/store"
)

func newTestMetrics(t *testing.T, retentionDays int) (*Metrics, *store.Store) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	s := store.NewFromClients(client, client)
	return New(s, retentionDays), s
}

func TestNew_DefaultsRetentionTo30Days(t *testing.T) {
	m, _ := newTestMetrics(t, 0)
	assert.Equal(t, 30*24*time.Hour, m.ttl)
}

func TestNew_HonorsExplicitRetention(t *testing.T) {
	m, _ := newTestMetrics(t, 7)
	assert.Equal(t, 7*24*time.Hour, m.ttl)
}

func TestRecordCall_IncrementsCountersAndSetsTTL(t *testing.T) {
	m, s := newTestMetrics(t, 30)
	ctx := context.Background()

	m.RecordCall(ctx, true, provider.HealthActive)
	m.RecordCall(ctx, false, provider.HealthRateLimited)

	day, err := m.Daily(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, "2", day["total_calls"])
	assert.Equal(t, "1", day["successful_calls"])
	assert.Equal(t, "1", day["failed_calls"])
	assert.Equal(t, "1", day["state_active"])
	assert.Equal(t, "1", day["state_rate_limited"])

	ttl, err := s.Client().TTL(ctx, dailyKey(time.Now())).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, 29*24*time.Hour)
	assert.LessOrEqual(t, ttl, 30*24*time.Hour)
}

func TestDaily_UnknownDateReturnsEmpty(t *testing.T) {
	m, _ := newTestMetrics(t, 30)
	ctx := context.Background()

	day, err := m.Daily(ctx, time.Now().AddDate(0, 0, -1))
	require.NoError(t, err)
	assert.Empty(t, day)
}

func TestDailyKey_FormatsAsUTCDate(t *testing.T) {
	ts := time.Date(2026, 7, 31, 23, 0, 0, 0, time.FixedZone("UTC-5", -5*3600))
	assert.Equal(t, "openrouter:metrics:2026-08-01", dailyKey(ts))
}

func TestRecordHTTPRequest_NoPanic(t *testing.T) {
	RecordHTTPRequest("GET", "/api/v1/tasks", "200", 0.05)
}

func TestRecordRedisOperation_NoPanic(t *testing.T) {
	RecordRedisOperation("HGETALL", 0.001)
}
