// Command api-server runs the thin HTTP admission surface (task CRUD,
// SSE event streaming, operator endpoints) described in spec.md §1's
// "out of scope (external collaborators)" list item "the HTTP admission
// API" — a layer that produces create_task events against the same
// core components the worker process consumes.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/fluxtask/engine/internal/api"
	"github.com/fluxtask/engine/internal/breaker"
	"github.com/fluxtask/engine/internal/config"
	"github.com/fluxtask/engine/internal/events"
	"github.com/fluxtask/engine/internal/logger"
	"github.com/fluxtask/engine/internal/metrics"
	"github.com/fluxtask/engine/internal/provider"
	"github.com/fluxtask/engine/internal/queue"
	"github.com/fluxtask/engine/internal/repo"
	"github.com/fluxtask/engine/internal/store"
	"github.com/fluxtask/engine/internal/task"
)

// retentionSweepSchedule is the standard five-field cron expression for
// the daily maintenance sweep: 03:00 UTC, a quiet hour for admission
// traffic.
const retentionSweepSchedule = "0 3 * * *"

// retentionSweepMetadataTag marks tasks the sweep itself admitted, so
// they're distinguishable from user-submitted pdf_extract tasks in
// admin tooling and logs.
const retentionSweepMetadataTag = "retention_sweep"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(cfg.LogLevel, os.Getenv("ENV") != "production")
	log := logger.Get()
	log.Info().Msg("starting api server")

	s, err := store.New(&cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer s.Close()

	q := queue.New(s, cfg.Queue)
	bus := events.NewBus(s, cfg.Queue.EventChannel, *log)
	repository := repo.New(q, bus)
	cb := breaker.New(s, "openrouter:breaker", cfg.Breaker)
	ps := provider.New(s, "api-server", cfg.Provider, *log)
	m := metrics.New(s, cfg.Metrics.RetentionDays)

	server := api.NewServer(cfg, q, repository, bus, cb, ps, m)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      server,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go runSnapshotPublisher(ctx, q, bus, *log)

	sched := cron.New(cron.WithLocation(time.UTC))
	if _, err := sched.AddFunc(retentionSweepSchedule, retentionSweepJob(ctx, repository, *log)); err != nil {
		log.Fatal().Err(err).Msg("failed to schedule retention sweep")
	}
	sched.Start()
	defer sched.Stop()

	go func() {
		log.Info().Str("addr", httpServer.Addr).Msg("http server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down api server")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown error")
	}

	log.Info().Msg("api server stopped")
}

// runSnapshotPublisher emits queue_snapshot every 10s so reconnecting
// SSE subscribers can catch up on depths and state counts without
// replaying every missed task_state_changed event, per spec.md §4.13.
func runSnapshotPublisher(ctx context.Context, q *queue.QueueRouter, bus *events.Bus, log zerolog.Logger) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			depths, err := q.Depths(ctx)
			if err != nil {
				log.Error().Err(err).Msg("failed to read queue depths for snapshot")
				continue
			}
			eventDepths := events.Depths{
				Primary:   depths.Primary,
				Retry:     depths.Retry,
				Scheduled: depths.Scheduled,
				DLQ:       depths.DLQ,
			}
			ratio := retrySnapshotRatio(depths.Retry)
			evt := events.NewQueueSnapshot(eventDepths, nil, ratio)
			if err := bus.Publish(ctx, evt); err != nil {
				log.Warn().Err(err).Msg("failed to publish queue snapshot")
			}
		}
	}
}

// retentionSweepJob re-admits the fixed pdf_extract maintenance task,
// tagged with retentionSweepMetadataTag. The task carries an empty page
// list, so its handler makes no provider call; neither this job nor the
// task it admits deletes any task or DLQ record.
func retentionSweepJob(ctx context.Context, r *repo.TaskRepo, log zerolog.Logger) func() {
	return func() {
		metadata := map[string]string{"maintenance": retentionSweepMetadataTag}
		content := `{"filename":"retention-sweep","pages":[]}`
		id, err := r.Create(ctx, task.KindPDFExtract, content, metadata, 1)
		if err != nil {
			log.Error().Err(err).Msg("retention sweep: failed to admit maintenance task")
			return
		}
		log.Info().Str("task_id", id).Msg("retention sweep: maintenance task admitted")
	}
}

// retrySnapshotRatio mirrors the Dispatcher's three-tier thresholds for
// the snapshot's informational retry_ratio field; the admission API has
// no access to a running worker's live config.WorkerConfig thresholds,
// so it uses the same defaults documented in config.setDefaults.
func retrySnapshotRatio(retryDepth int64) float64 {
	switch {
	case retryDepth < 100:
		return 0.3
	case retryDepth < 500:
		return 0.2
	default:
		return 0.1
	}
}
