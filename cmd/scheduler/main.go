package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Cypherspark/sms-outreach/internal/app"
	"github.com/Cypherspark/sms-outreach/internal/config"
	"github.com/Cypherspark/sms-outreach/internal/logging"
	"github.com/Cypherspark/sms-outreach/internal/metrics"
	"github.com/Cypherspark/sms-outreach/internal/scheduler"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "scheduler:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Getenv("OUTREACH_CONFIG"))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log := logging.New(cfg.Logging, "scheduler")

	rootCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	deps, err := app.Open(rootCtx, cfg, app.Need{Provider: true}, log)
	if err != nil {
		return err
	}
	defer deps.Close()

	metrics.MustRegister()
	deps.ExportPoolStats(cfg.Metrics.PoolStatsInterval)
	health := app.ServeHealth(cfg.Worker.HealthAddr, log)

	svc := scheduler.New(deps.Store, deps.Provider, deps.Suppressor, scheduler.Options{
		Interval:          cfg.Scheduler.Interval,
		MaxLag:            cfg.Scheduler.MaxLag,
		ProcessingTimeout: cfg.Scheduler.ProcessingTimeout,
		PacingDelay:       cfg.Provider.PacingDelay,
		TestPhone:         cfg.Scheduler.TestPhone,
	}, log)
	svc.Start(rootCtx)
	log.Info().Dur("interval", cfg.Scheduler.Interval).Msg("scheduler started")

	<-rootCtx.Done()
	svc.Stop()

	ctx, c := context.WithTimeout(context.Background(), 5*time.Second)
	defer c()
	_ = health.Shutdown(ctx)
	log.Info().Msg("scheduler stopped")
	return nil
}
