package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/Cypherspark/sms-outreach/internal/app"
	"github.com/Cypherspark/sms-outreach/internal/config"
	"github.com/Cypherspark/sms-outreach/internal/dispatch"
	"github.com/Cypherspark/sms-outreach/internal/logging"
	"github.com/Cypherspark/sms-outreach/internal/metrics"
	"github.com/Cypherspark/sms-outreach/internal/queue"
	"github.com/Cypherspark/sms-outreach/internal/suppression"
	wpkg "github.com/Cypherspark/sms-outreach/internal/worker"
)

func main() {
	var exitCode int
	defer func() {
		os.Exit(exitCode)
	}()

	cfg, err := config.Load(os.Getenv("OUTREACH_CONFIG"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "worker: load config:", err)
		exitCode = 1
		return
	}
	log := logging.New(cfg.Logging, "worker")

	// ---- Context / signals ----
	rootCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	deps, err := app.Open(rootCtx, cfg, app.Need{Broker: true, Provider: true}, log)
	if err != nil {
		log.Error().Err(err).Msg("startup failed")
		exitCode = 1
		return
	}
	defer deps.Close()

	metrics.MustRegister()
	deps.ExportPoolStats(cfg.Metrics.PoolStatsInterval)
	health := app.ServeHealth(cfg.Worker.HealthAddr, log)
	defer func() {
		ctx, c := context.WithTimeout(context.Background(), 5*time.Second)
		defer c()
		_ = health.Shutdown(ctx)
	}()

	runner := wpkg.NewRunner(deps.Broker, wpkg.WorkerOptions{
		Concurrency: cfg.Worker.Concurrency,
		BackoffMin:  cfg.Worker.BackoffMin,
		BackoffMax:  cfg.Worker.BackoffMax,
		JobTimeout:  cfg.Worker.JobTimeout,
		Retry:       app.RetryPolicy(cfg.Queue),
	}, log)

	dispatcher := dispatch.NewDispatcher(deps.Store, deps.Provider, deps.Suppressor, cfg.Provider.PacingDelay, log)
	runner.Handle(queue.SendBulk, dispatcher.Handle)
	runner.Handle(queue.BackfillSuppressions, backfillHandler(deps.Suppressor, cfg.Suppression.BackfillBatchSize, log))

	log.Info().Int("concurrency", cfg.Worker.Concurrency).Msg("worker started")
	if err := runner.Run(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("worker exited")
		exitCode = 1
		return
	}
	log.Info().Msg("worker stopped")
}

func backfillHandler(engine *suppression.Engine, defaultSize int, log zerolog.Logger) wpkg.Handler {
	return func(ctx context.Context, job *queue.Job) error {
		var args queue.BackfillArgs
		if err := job.Decode(&args); err != nil {
			return fmt.Errorf("decode backfill args: %w", err)
		}
		size := args.BatchSize
		if size <= 0 {
			size = defaultSize
		}
		stats, err := engine.Backfill(ctx, size)
		if err != nil {
			return err
		}
		log.Info().Str("job_id", job.ID).Interface("stats", stats).Msg("backfill job finished")
		return nil
	}
}
