package provider

import (
	"context"
	"time"

	"github.com/Cypherspark/sms-outreach/internal/metrics"
	"golang.org/x/time/rate"
)

// Limited applies a process-wide rate limit and a per-send timeout to p and
// records send metrics.
type Limited struct {
	p       Provider
	limiter *rate.Limiter
	timeout time.Duration
}

func NewLimited(p Provider, qps float64, burst int, sendTimeout time.Duration) *Limited {
	limit := rate.Inf
	if qps > 0 {
		limit = rate.Limit(qps)
	}
	if burst <= 0 {
		burst = 1
	}
	return &Limited{p: p, limiter: rate.NewLimiter(limit, burst), timeout: sendTimeout}
}

func (l *Limited) Send(ctx context.Context, to, body string) (Result, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return Result{}, err
	}

	cctx := ctx
	if l.timeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	start := time.Now()
	res, err := l.p.Send(cctx, to, body)
	metrics.ProviderSendDuration.Observe(time.Since(start).Seconds())

	switch {
	case err != nil && IsTransient(err):
		metrics.ProviderSendTotal.WithLabelValues("transient").Inc()
	case err != nil:
		metrics.ProviderSendTotal.WithLabelValues("error").Inc()
	case res.Success:
		metrics.ProviderSendTotal.WithLabelValues("sent").Inc()
	default:
		metrics.ProviderSendTotal.WithLabelValues("failed").Inc()
	}
	return res, err
}
