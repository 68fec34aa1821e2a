package events

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxtask/engine/internal/store"
)

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	s := store.NewFromClients(client, client)
	return NewBus(s, "queue-updates", zerolog.Nop())
}

func TestBus_PublishSubscribeRoundTrip(t *testing.T) {
	bus := newTestBus(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	sub, err := bus.Subscribe(ctx)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	require.NoError(t, bus.Publish(ctx, NewTaskCreated("task-1", Depths{Primary: 1})))

	select {
	case ev := <-sub:
		require.NotNil(t, ev)
		assert.Equal(t, TypeTaskCreated, ev.Type)
		assert.Equal(t, "task-1", ev.TaskCreated.ID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBus_SubscribeClosesOnContextCancel(t *testing.T) {
	bus := newTestBus(t)
	ctx, cancel := context.WithCancel(context.Background())

	sub, err := bus.Subscribe(ctx)
	require.NoError(t, err)

	cancel()

	select {
	case _, ok := <-sub:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("channel was not closed after context cancellation")
	}
}
