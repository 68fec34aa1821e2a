package worker

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fluxtask/engine/internal/config"
	"github.com/fluxtask/engine/internal/metrics"
	"github.com/fluxtask/engine/internal/queue"
)

// NewWorkerID builds a worker identity from host + PID + a random
// suffix, matching the teacher's `worker-{pid}-{timestamp}` scheme
// (_examples/original_source/src/worker/consumer.py) but adding the
// hostname and swapping the timestamp for a UUID suffix so two workers
// started in the same process-recycling container never collide.
func NewWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return fmt.Sprintf("worker-%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}

// Dispatcher owns a single worker identity and runs the adaptive
// primary/retry BLPOP loop described in spec.md §4.9, grounded directly
// on the teacher's `src/worker/consumer.py` consumer loop.
type Dispatcher struct {
	q        *queue.QueueRouter
	executor *Executor
	hb       *Heartbeat
	workerID string
	cfg      config.WorkerConfig
	log      zerolog.Logger
}

func NewDispatcher(q *queue.QueueRouter, executor *Executor, hb *Heartbeat, workerID string, cfg config.WorkerConfig, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		q:        q,
		executor: executor,
		hb:       hb,
		workerID: workerID,
		cfg:      cfg,
		log:      log.With().Str("component", "dispatcher").Str("worker_id", workerID).Logger(),
	}
}

// retryRatio implements spec.md §4.9 step 2, grounded on
// `QueueService._calculate_adaptive_retry_ratio` in
// src/api/services.py: under normal pressure the retry queue gets
// checked first 30% of the time; as it backs up, the ratio falls so
// the dispatcher favors draining primary rather than starving it.
func retryRatio(depth, warning, critical int64) float64 {
	switch {
	case depth < warning:
		return 0.3
	case depth < critical:
		return 0.2
	default:
		return 0.1
	}
}

// Run blocks until ctx is cancelled, repeatedly heartbeating, picking a
// queue-priority order, and handing any popped task id to the Executor.
// Callers run one Run per concurrent worker slot (config.WorkerConfig.
// Concurrency), each with its own Dispatcher and workerID suffix.
func (d *Dispatcher) Run(ctx context.Context) {
	d.log.Info().Msg("dispatcher starting")
	defer d.log.Info().Msg("dispatcher stopped")

	qcfg := d.q.Config()
	primary, retry := qcfg.PrimaryKey, qcfg.RetryKey

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if d.hb.Due(d.cfg.HeartbeatInterval) {
			if err := d.hb.Write(ctx); err != nil {
				d.log.Warn().Err(err).Msg("heartbeat write failed")
			}
		}

		depth, err := d.q.Store().LLen(ctx, retry)
		if err != nil {
			d.log.Error().Err(err).Msg("failed to read retry queue depth, pausing")
			sleepOrDone(ctx, time.Second)
			continue
		}
		ratio := retryRatio(depth, d.cfg.RetryWarningDepth, d.cfg.RetryCriticalDepth)
		metrics.RetryRatio.Set(ratio)

		queues := []string{primary, retry}
		if rand.Float64() <= ratio {
			queues = []string{retry, primary}
		}

		qname, id, err := d.q.DequeueBlocking(ctx, queues, d.cfg.BlockTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			d.log.Error().Err(err).Msg("blocking dequeue failed, pausing")
			sleepOrDone(ctx, time.Second)
			continue
		}
		if id == "" {
			// BLPOP timeout: also this loop's liveness tick (spec.md §4.9
			// step 4), nothing to do.
			continue
		}

		d.log.Info().Str("task_id", id).Str("queue", qname).Msg("dequeued task")
		d.executor.Run(ctx, id, d.workerID)

		if err := d.hb.Write(ctx); err != nil {
			d.log.Warn().Err(err).Msg("post-completion heartbeat write failed")
		}
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
