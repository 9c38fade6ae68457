// Package app wires configuration into the shared runtime dependencies of
// the binaries.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/Cypherspark/sms-outreach/internal/config"
	"github.com/Cypherspark/sms-outreach/internal/core"
	"github.com/Cypherspark/sms-outreach/internal/db"
	"github.com/Cypherspark/sms-outreach/internal/metrics"
	"github.com/Cypherspark/sms-outreach/internal/provider"
	"github.com/Cypherspark/sms-outreach/internal/queue"
	"github.com/Cypherspark/sms-outreach/internal/suppression"
)

type Deps struct {
	DB         *db.DB
	Store      *core.Store
	Broker     queue.Broker
	Provider   provider.Provider
	Suppressor *suppression.Engine

	stopStats chan struct{}
}

type Need struct {
	Broker   bool
	Provider bool
	Migrate  bool
}

// Open connects what need asks for. Close releases it.
func Open(ctx context.Context, cfg *config.Config, need Need, log zerolog.Logger) (*Deps, error) {
	pg, err := db.Open(ctx, cfg.Database.URL, cfg.Database.MaxConns)
	if err != nil {
		return nil, err
	}
	d := &Deps{DB: pg, Store: core.NewStore(pg.Pool)}

	if need.Migrate {
		if err := pg.Migrate(ctx); err != nil {
			d.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		log.Info().Msg("database migrations applied")
	}

	d.Suppressor = suppression.NewEngine(d.Store, log, cfg.Suppression.SoftFailLimit)

	if need.Provider {
		d.Provider, err = NewProvider(cfg.Provider)
		if err != nil {
			d.Close()
			return nil, err
		}
		log.Info().Str("driver", cfg.Provider.Driver).Float64("qps", cfg.Provider.QPS).Msg("sms provider ready")
	}

	if need.Broker {
		d.Broker, err = queue.Open(ctx, queue.Options{
			Driver:   cfg.Queue.Driver,
			Name:     cfg.Queue.Name,
			RedisURL: cfg.Queue.RedisURL,
			AMQPURL:  cfg.Queue.AMQPURL,
			Prefetch: cfg.Queue.Prefetch,
		})
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("queue: %w", err)
		}
		log.Info().Str("driver", cfg.Queue.Driver).Str("queue", cfg.Queue.Name).Msg("job queue ready")
	}
	return d, nil
}

// ExportPoolStats publishes pool gauges until Close.
func (d *Deps) ExportPoolStats(interval time.Duration) {
	if interval <= 0 || d.stopStats != nil {
		return
	}
	d.stopStats = make(chan struct{})
	go metrics.NewPGXPoolStats(d.DB.Pool).Start(interval, d.stopStats)
}

func (d *Deps) Close() {
	if d.stopStats != nil {
		close(d.stopStats)
	}
	if d.Broker != nil {
		_ = d.Broker.Close()
	}
	d.DB.Close()
}

// NewProvider builds the configured provider behind the rate limiter.
func NewProvider(cfg config.ProviderConfig) (provider.Provider, error) {
	var p provider.Provider
	switch cfg.Driver {
	case "", "dummy":
		p = provider.NewDummy()
	case "twilio":
		t, err := provider.NewTwilio(provider.TwilioConfig{
			AccountSID: cfg.AccountSID,
			AuthToken:  cfg.AuthToken,
			FromNumber: cfg.FromNumber,
			BaseURL:    cfg.BaseURL,
			Timeout:    cfg.SendTimeout,
		})
		if err != nil {
			return nil, err
		}
		p = t
	default:
		return nil, fmt.Errorf("unknown provider driver %q", cfg.Driver)
	}
	return provider.NewLimited(p, cfg.QPS, cfg.Burst, cfg.SendTimeout), nil
}

func RetryPolicy(cfg config.QueueConfig) queue.RetryPolicy {
	p := queue.DefaultRetryPolicy()
	if cfg.MaxRetries >= 0 {
		p.MaxRetries = cfg.MaxRetries
	}
	if len(cfg.RetryBackoff) > 0 {
		p.Backoff = cfg.RetryBackoff
	}
	return p
}
