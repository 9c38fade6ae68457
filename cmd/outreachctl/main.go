package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/Cypherspark/sms-outreach/internal/app"
	"github.com/Cypherspark/sms-outreach/internal/config"
	"github.com/Cypherspark/sms-outreach/internal/logging"
	"github.com/Cypherspark/sms-outreach/internal/queue"
	"github.com/Cypherspark/sms-outreach/internal/scheduler"
)

var version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:          "outreachctl",
		Short:        "Operator tooling for the SMS outreach services",
		SilenceUsage: true,
	}

	var configPath string
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("OUTREACH_CONFIG"), "path to config file")

	rootCmd.AddCommand(migrateCmd(&configPath))
	rootCmd.AddCommand(backfillCmd(&configPath))
	rootCmd.AddCommand(enqueueBackfillCmd(&configPath))
	rootCmd.AddCommand(tickCmd(&configPath))
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func open(ctx context.Context, configPath string, need app.Need) (*config.Config, *app.Deps, zerolog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, zerolog.Nop(), fmt.Errorf("failed to load config: %w", err)
	}
	log := logging.New(cfg.Logging, "outreachctl")
	deps, err := app.Open(ctx, cfg, need, log)
	if err != nil {
		return nil, nil, log, err
	}
	return cfg, deps, log, nil
}

func migrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, deps, _, err := open(cmd.Context(), *configPath, app.Need{Migrate: true})
			if err != nil {
				return err
			}
			deps.Close()
			return nil
		},
	}
}

func backfillCmd(configPath *string) *cobra.Command {
	var size int
	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Replay suppression over every stored batch, in this process",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, deps, _, err := open(cmd.Context(), *configPath, app.Need{})
			if err != nil {
				return err
			}
			defer deps.Close()

			if size <= 0 {
				size = cfg.Suppression.BackfillBatchSize
			}
			stats, err := deps.Suppressor.Backfill(cmd.Context(), size)
			if err != nil {
				return err
			}
			return printJSON(stats)
		},
	}
	cmd.Flags().IntVar(&size, "batch-size", 0, "batches per page (default from config)")
	return cmd
}

func enqueueBackfillCmd(configPath *string) *cobra.Command {
	var size int
	cmd := &cobra.Command{
		Use:   "enqueue-backfill",
		Short: "Queue a suppression backfill for the worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, deps, log, err := open(cmd.Context(), *configPath, app.Need{Broker: true})
			if err != nil {
				return err
			}
			defer deps.Close()

			job, err := queue.NewJob(queue.BackfillSuppressions, queue.BackfillArgs{BatchSize: size}, 0)
			if err != nil {
				return err
			}
			if err := deps.Broker.Publish(cmd.Context(), job, 0); err != nil {
				return err
			}
			log.Info().Str("job_id", job.ID).Msg("backfill queued")
			return nil
		},
	}
	cmd.Flags().IntVar(&size, "batch-size", 0, "batches per page (default from worker config)")
	return cmd
}

func tickCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "tick",
		Short: "Run one scheduler sweep and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, deps, log, err := open(cmd.Context(), *configPath, app.Need{Provider: true})
			if err != nil {
				return err
			}
			defer deps.Close()

			svc := scheduler.New(deps.Store, deps.Provider, deps.Suppressor, scheduler.Options{
				MaxLag:            cfg.Scheduler.MaxLag,
				ProcessingTimeout: cfg.Scheduler.ProcessingTimeout,
				PacingDelay:       cfg.Provider.PacingDelay,
				TestPhone:         cfg.Scheduler.TestPhone,
			}, log)
			return svc.Tick(cmd.Context())
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("outreachctl v%s\n", version)
		},
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
