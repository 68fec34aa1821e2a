package worker

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fluxtask/engine/internal/store"
)

// Heartbeat writes the single `worker:heartbeat:{wid}` key spec.md §6
// names, with a TTL long enough that a crashed worker's key expires on
// its own — nothing else needs to deregister it. Grounded on the
// teacher's `internal/worker/heartbeat.go`, trimmed from its
// set-membership/info-blob registry down to the single string key the
// spec calls for; OrphanSweeper reads task and queue state directly and
// ControlPlane reads this key and the breaker, rather than a worker registry, so the extra
// bookkeeping the teacher did (active-worker SET, JSON info blob,
// pause flag) has no consumer left in this design.
type Heartbeat struct {
	s        *store.Store
	workerID string
	ttl      time.Duration
	log      zerolog.Logger

	mu   sync.Mutex
	last time.Time
}

func NewHeartbeat(s *store.Store, workerID string, ttl time.Duration, log zerolog.Logger) *Heartbeat {
	return &Heartbeat{
		s:        s,
		workerID: workerID,
		ttl:      ttl,
		log:      log.With().Str("component", "heartbeat").Str("worker_id", workerID).Logger(),
	}
}

func (h *Heartbeat) key() string { return fmt.Sprintf("worker:heartbeat:%s", h.workerID) }

// Due reports whether it has been at least minInterval since the last
// successful write, matching the Dispatcher's "if ≥30s since last
// heartbeat" rule (spec.md §4.9 step 1) instead of running its own
// ticker independent of the dispatch loop.
func (h *Heartbeat) Due(minInterval time.Duration) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return time.Since(h.last) >= minInterval
}

func (h *Heartbeat) Write(ctx context.Context) error {
	now := time.Now().UTC()
	if err := h.s.Set(ctx, h.key(), strconv.FormatInt(now.Unix(), 10), h.ttl); err != nil {
		h.log.Error().Err(err).Msg("failed to write heartbeat")
		return err
	}
	h.mu.Lock()
	h.last = now
	h.mu.Unlock()
	return nil
}

// Alive reports whether a worker's heartbeat key is still present.
func Alive(ctx context.Context, s *store.Store, workerID string) (bool, error) {
	return s.Exists(ctx, fmt.Sprintf("worker:heartbeat:%s", workerID))
}
