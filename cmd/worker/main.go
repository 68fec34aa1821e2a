// Command worker runs one Dispatcher per config.WorkerConfig.Concurrency
// slot, plus the Promoter, OrphanSweeper, and ControlPlane that every
// worker process hosts per spec.md §5 ("any worker may host it").
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/fluxtask/engine/internal/breaker"
	"github.com/fluxtask/engine/internal/config"
	"github.com/fluxtask/engine/internal/events"
	"github.com/fluxtask/engine/internal/logger"
	"github.com/fluxtask/engine/internal/metrics"
	"github.com/fluxtask/engine/internal/provider"
	"github.com/fluxtask/engine/internal/queue"
	"github.com/fluxtask/engine/internal/ratelimit"
	"github.com/fluxtask/engine/internal/repo"
	"github.com/fluxtask/engine/internal/store"
	"github.com/fluxtask/engine/internal/task"
	"github.com/fluxtask/engine/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(cfg.LogLevel, os.Getenv("ENV") != "production")
	log := logger.Get()
	log.Info().Msg("starting worker")

	s, err := store.New(&cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer s.Close()

	q := queue.New(s, cfg.Queue)
	bus := events.NewBus(s, cfg.Queue.EventChannel, *log)
	repository := repo.New(q, bus)
	cb := breaker.New(s, "openrouter:breaker", cfg.Breaker)
	rl := ratelimit.New(s, "openrouter:rate_limit:bucket", "openrouter:rate_limit_config", cfg.RateLimit)
	m := metrics.New(s, cfg.Metrics.RetentionDays)
	client := provider.NewClient(cfg.Provider)

	handlers := map[task.Kind]worker.Handler{
		task.KindSummarize:  summarizeHandler(client),
		task.KindPDFExtract: pdfExtractHandler(client),
	}

	workerID := cfg.Worker.ID
	if workerID == "" {
		workerID = worker.NewWorkerID()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup

	concurrency := cfg.Worker.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}

	for i := 0; i < concurrency; i++ {
		slotID := workerID
		if concurrency > 1 {
			slotID = fmt.Sprintf("%s-%d", workerID, i)
		}
		hb := worker.NewHeartbeat(s, slotID, cfg.Worker.HeartbeatTTL, *log)
		ps := provider.New(s, slotID, cfg.Provider, *log)
		executor := worker.NewExecutor(repository, rl, cb, ps, m, handlers, *log)
		dispatcher := worker.NewDispatcher(q, executor, hb, slotID, cfg.Worker, *log)

		wg.Add(1)
		go func() {
			defer wg.Done()
			dispatcher.Run(ctx)
		}()

		if i == 0 {
			cp := worker.NewControlPlane(s, cb, hb, slotID, *log)
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := cp.Serve(ctx); err != nil {
					log.Error().Err(err).Msg("control plane stopped")
				}
			}()
		}
	}

	promoter := queue.NewPromoter(q, cfg.Queue.PromoteInterval, cfg.Queue.PromoteBatchSize, *log)
	wg.Add(1)
	go func() {
		defer wg.Done()
		promoter.Run(ctx)
	}()

	sweeper := queue.NewOrphanSweeper(q)
	wg.Add(1)
	go func() {
		defer wg.Done()
		runOrphanSweeps(ctx, sweeper, *log)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down worker")
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(cfg.Worker.ShutdownTimeout):
		log.Warn().Msg("shutdown timed out waiting for worker goroutines")
	}

	log.Info().Msg("worker stopped")
}

// runOrphanSweeps runs the OrphanSweeper every five minutes; spec.md
// §4.12 describes it as "on demand (operator or periodic)" and a
// crash window between task-record write and enqueue is rare enough
// that a slow cadence is sufficient.
func runOrphanSweeps(ctx context.Context, sweeper *queue.OrphanSweeper, log zerolog.Logger) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			result, err := sweeper.Sweep(ctx)
			if err != nil {
				log.Error().Err(err).Msg("orphan sweep failed")
				continue
			}
			if result.Found > 0 {
				log.Info().Int("found", result.Found).Int("requeued", result.Requeued).Msg("orphan sweep requeued tasks")
			}
		}
	}
}

func summarizeHandler(client *provider.Client) worker.Handler {
	return func(ctx context.Context, t *task.Task) (string, error, int) {
		result, err := provider.Summarize(ctx, client, loadPrompt, t.Content)
		return result, err, statusCodeOf(err)
	}
}

func pdfExtractHandler(client *provider.Client) worker.Handler {
	return func(ctx context.Context, t *task.Task) (string, error, int) {
		var content provider.PDFContent
		if err := decodeJSON(t.Content, &content); err != nil {
			return "", fmt.Errorf("permanent: decode pdf_extract content: %w", err), 400
		}
		pages, err := provider.ExtractPDF(ctx, client, loadPrompt, content)
		if err != nil {
			return "", err, statusCodeOf(err)
		}
		out, err := encodeJSON(pages)
		if err != nil {
			return "", fmt.Errorf("permanent: encode pdf_extract result: %w", err), 400
		}
		return out, nil, 200
	}
}

func statusCodeOf(err error) int {
	if apiErr, ok := asAPIError(err); ok {
		return apiErr.StatusCode
	}
	return 0
}

func asAPIError(err error) (*provider.APIError, bool) {
	var apiErr *provider.APIError
	ok := errors.As(err, &apiErr)
	return apiErr, ok
}

func decodeJSON(content string, v interface{}) error {
	return json.Unmarshal([]byte(content), v)
}

func encodeJSON(v interface{}) (string, error) {
	out, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// loadPrompt resolves the two built-in task kinds' prompt templates.
// Grounded on the reference worker's load_prompt, which reads these
// from files on disk; here they are inlined so the worker binary has
// no runtime filesystem dependency for its default handlers.
func loadPrompt(name string) (string, error) {
	switch name {
	case "summarize":
		return "Summarize the following text concisely:\n\n%s", nil
	case "pdfxtract":
		return "Transcribe the visible text on this page as plain text.", nil
	default:
		return "", fmt.Errorf("unknown prompt %q", name)
	}
}
