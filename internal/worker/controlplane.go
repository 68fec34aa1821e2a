package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fluxtask/engine/internal/breaker"
	"github.com/fluxtask/engine/internal/store"
)

const (
	commandChannel = "control-plane:commands"
	replyChannel   = "control-plane:replies"
)

// Command actions, per spec.md §4.14's table.
const (
	ActionHealth       = "health"
	ActionOpenBreaker  = "open_breaker"
	ActionCloseBreaker = "close_breaker"
)

// Command is published on commandChannel and delivered to every live
// worker's ControlPlane.
type Command struct {
	ID     string `json:"id"`
	Action string `json:"action"`
}

// Reply is a single worker's answer to a Command, published on
// replyChannel. The caller that issued the command filters replies by
// CommandID and aggregates with a bounded timeout (spec.md §4.14).
type Reply struct {
	CommandID    string        `json:"command_id"`
	WorkerID     string        `json:"worker_id"`
	BreakerState string        `json:"breaker_state"`
	HeartbeatAge time.Duration `json:"heartbeat_age_ns"`
	Error        string        `json:"error,omitempty"`
}

// ControlPlane listens on commandChannel for broadcast commands and
// replies on replyChannel, supplementing spec.md §4.14's "worker
// replies with id, breaker state, heartbeat age" with the ability to
// force the shared breaker open or closed. One instance runs per
// worker process, sharing that process's CircuitBreaker and Heartbeat.
type ControlPlane struct {
	s        *store.Store
	breaker  *breaker.CircuitBreaker
	hb       *Heartbeat
	workerID string
	log      zerolog.Logger
}

func NewControlPlane(s *store.Store, cb *breaker.CircuitBreaker, hb *Heartbeat, workerID string, log zerolog.Logger) *ControlPlane {
	return &ControlPlane{
		s:        s,
		breaker:  cb,
		hb:       hb,
		workerID: workerID,
		log:      log.With().Str("component", "control_plane").Str("worker_id", workerID).Logger(),
	}
}

// Serve blocks until ctx is cancelled, answering every Command it sees
// on the shared channel. Commands are handled concurrently so a single
// worker replying slowly to one command does not delay its reply to
// the next.
func (c *ControlPlane) Serve(ctx context.Context) error {
	sub := c.s.Subscribe(ctx, commandChannel)
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("control plane: subscribe: %w", err)
	}
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var cmd Command
			if err := json.Unmarshal([]byte(msg.Payload), &cmd); err != nil {
				c.log.Error().Err(err).Msg("failed to decode control plane command")
				continue
			}
			go c.handle(ctx, cmd)
		}
	}
}

func (c *ControlPlane) handle(ctx context.Context, cmd Command) {
	reply := Reply{CommandID: cmd.ID, WorkerID: c.workerID}

	switch cmd.Action {
	case ActionHealth:
		snap, err := c.breaker.Snapshot(ctx)
		if err != nil {
			reply.Error = err.Error()
			break
		}
		reply.BreakerState = string(snap.State)
		reply.HeartbeatAge = c.heartbeatAge(ctx)
	case ActionOpenBreaker:
		if err := c.breaker.ForceOpen(ctx); err != nil {
			reply.Error = err.Error()
		} else {
			reply.BreakerState = string(breaker.StateOpen)
		}
	case ActionCloseBreaker:
		if err := c.breaker.ForceClose(ctx); err != nil {
			reply.Error = err.Error()
		} else {
			reply.BreakerState = string(breaker.StateClosed)
		}
	default:
		reply.Error = fmt.Sprintf("unknown control plane action %q", cmd.Action)
	}

	data, err := json.Marshal(reply)
	if err != nil {
		c.log.Error().Err(err).Msg("failed to encode control plane reply")
		return
	}
	if err := c.s.Publish(ctx, replyChannel, data); err != nil {
		c.log.Error().Err(err).Msg("failed to publish control plane reply")
	}
}

func (c *ControlPlane) heartbeatAge(ctx context.Context) time.Duration {
	v, err := c.s.Get(ctx, fmt.Sprintf("worker:heartbeat:%s", c.workerID))
	if err != nil || v == "" {
		return -1
	}
	sec, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return -1
	}
	return time.Since(time.Unix(sec, 0))
}

// Broadcaster is the caller side of the control plane: it issues a
// command and aggregates replies within a bounded window, used by the
// admin API (spec.md §4.14's "replies are aggregated by the caller
// with a bounded timeout; missing replies are reported as unknown").
type Broadcaster struct {
	s *store.Store
}

func NewBroadcaster(s *store.Store) *Broadcaster {
	return &Broadcaster{s: s}
}

// Broadcast publishes a command and collects replies until timeout
// elapses. Workers that never reply are simply absent from the
// returned slice; the caller treats that as "unknown".
func (b *Broadcaster) Broadcast(ctx context.Context, action string, timeout time.Duration) ([]Reply, error) {
	sub := b.s.Subscribe(ctx, replyChannel)
	if _, err := sub.Receive(ctx); err != nil {
		return nil, fmt.Errorf("control plane: subscribe to replies: %w", err)
	}
	defer sub.Close()

	cmd := Command{ID: uuid.NewString(), Action: action}
	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, err
	}
	if err := b.s.Publish(ctx, commandChannel, data); err != nil {
		return nil, fmt.Errorf("control plane: publish command: %w", err)
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ch := sub.Channel()

	var replies []Reply
	for {
		select {
		case <-ctx.Done():
			return replies, ctx.Err()
		case <-deadline.C:
			return replies, nil
		case msg, ok := <-ch:
			if !ok {
				return replies, nil
			}
			var r Reply
			if err := json.Unmarshal([]byte(msg.Payload), &r); err != nil {
				continue
			}
			if r.CommandID != cmd.ID {
				continue
			}
			replies = append(replies, r)
		}
	}
}
