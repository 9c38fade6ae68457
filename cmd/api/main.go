package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Cypherspark/sms-outreach/internal/app"
	"github.com/Cypherspark/sms-outreach/internal/config"
	httpapi "github.com/Cypherspark/sms-outreach/internal/http"
	"github.com/Cypherspark/sms-outreach/internal/inbox"
	"github.com/Cypherspark/sms-outreach/internal/logging"
	"github.com/Cypherspark/sms-outreach/internal/metrics"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "api:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Getenv("OUTREACH_CONFIG"))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log := logging.New(cfg.Logging, "api")

	rootCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	deps, err := app.Open(rootCtx, cfg, app.Need{Broker: true, Provider: true, Migrate: true}, log)
	if err != nil {
		return err
	}
	defer deps.Close()

	metrics.MustRegister()
	deps.ExportPoolStats(cfg.Metrics.PoolStatsInterval)

	engine := inbox.NewEngine(deps.Store, deps.Provider, inbox.Options{AutoReplyEnabled: cfg.Inbox.AutoReplyEnabled}, log)
	srv := httpapi.NewServer(deps.Store, deps.Broker, engine, deps.DB.Pool.Ping, httpapi.Options{
		AdminToken:        cfg.Server.AdminToken,
		PublicURL:         cfg.Server.PublicURL,
		AuthToken:         cfg.Provider.AuthToken,
		ValidateSignature: cfg.Inbox.ValidateSignature,
		SendRetries:       app.RetryPolicy(cfg.Queue).MaxRetries,
	}, log)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      srv.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	if cfg.Server.AdminToken == "" {
		log.Warn().Msg("server.admin_token is empty; operator API is unauthenticated")
	}

	errc := make(chan error, 1)
	go func() {
		log.Info().Str("addr", server.Addr).Msg("http listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
	}()

	select {
	case <-rootCtx.Done():
	case err := <-errc:
		return fmt.Errorf("server: %w", err)
	}

	log.Info().Msg("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return server.Shutdown(shutdownCtx)
}
