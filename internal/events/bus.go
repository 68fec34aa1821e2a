package events

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/fluxtask/engine/internal/store"
)

// Bus publishes and subscribes on the single Redis pub/sub channel
// named by config.QueueConfig.EventChannel ("queue-updates"). Grounded
// on the teacher's RedisPubSub (internal/events/redis_pubsub.go):
// kept the publish/Receive-then-Channel subscription shape and the
// buffered-channel-with-drop backpressure policy, collapsed from one
// channel per event type to the single channel spec.md §4.13 names.
type Bus struct {
	s       *store.Store
	channel string
	log     zerolog.Logger
}

func NewBus(s *store.Store, channel string, log zerolog.Logger) *Bus {
	return &Bus{s: s, channel: channel, log: log.With().Str("component", "event_bus").Logger()}
}

func (b *Bus) Publish(ctx context.Context, event *Event) error {
	data, err := event.ToJSON()
	if err != nil {
		return fmt.Errorf("events: serialize: %w", err)
	}
	if err := b.s.Publish(ctx, b.channel, data); err != nil {
		return fmt.Errorf("events: publish: %w", err)
	}
	b.log.Debug().Str("event_type", string(event.Type)).Msg("event published")
	return nil
}

// Subscribe returns a channel of decoded events. The channel is closed
// when ctx is cancelled. A slow consumer drops events rather than
// blocking the Redis pub/sub dispatch loop.
func (b *Bus) Subscribe(ctx context.Context) (<-chan *Event, error) {
	pubsub := b.s.Subscribe(ctx, b.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		return nil, fmt.Errorf("events: subscribe: %w", err)
	}

	out := make(chan *Event, 100)
	go func() {
		defer close(out)
		defer pubsub.Close()
		ch := pubsub.Channel()

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				event, err := FromJSON([]byte(msg.Payload))
				if err != nil {
					b.log.Error().Err(err).Msg("failed to parse event")
					continue
				}
				select {
				case out <- event:
				default:
					b.log.Warn().Str("event_type", string(event.Type)).Msg("event channel full, dropping event")
				}
			}
		}
	}()

	return out, nil
}
