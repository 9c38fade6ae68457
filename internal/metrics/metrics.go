package metrics

import (
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// API
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "Count of HTTP requests."},
		[]string{"handler", "method", "code"},
	)
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms..~10s
		},
		[]string{"handler", "method"},
	)
	InboundTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "inbound_messages_total", Help: "Inbound message outcomes."},
		[]string{"status"}, // opt_out | opt_in | survey_* | keyword_reply | stored | duplicate | ignored
	)

	// Provider
	ProviderSendTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "provider_send_total", Help: "Provider send outcomes."},
		[]string{"outcome"}, // sent | failed | transient | error
	)
	ProviderSendDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "provider_send_duration_seconds",
			Help:    "Provider send latency.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms..~40s
		},
	)

	// Dispatch + scheduler
	DispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "dispatch_jobs_total", Help: "Bulk dispatch job outcomes."},
		[]string{"result"}, // sent | failed | retry | error
	)
	SchedulerTicks = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "scheduler_ticks_total", Help: "Scheduler sweeps."},
		[]string{"result"}, // ok | error
	)
	ScheduledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "scheduled_sends_total", Help: "Scheduled send transitions."},
		[]string{"status"}, // claimed | skipped | sent | failed | expired | timed_out
	)
	SuppressionUpserts = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "suppression_upserts_total", Help: "Suppression records written."},
		[]string{"kind"}, // unsubscribed | suppressed | soft_fail_limit
	)

	// Queue worker
	InFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "worker_inflight", Help: "In-flight jobs in this process."},
	)
	JobTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "worker_jobs_total", Help: "Job outcomes."},
		[]string{"job", "result"}, // ok | retry | dead
	)
	RetryTotal = prometheus.NewCounter(prometheus.CounterOpts{Name: "worker_retry_total", Help: "Retries scheduled."})
)

// Register default + our collectors
func MustRegister() {
	prometheus.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		HTTPRequests, HTTPDuration, InboundTotal,
		ProviderSendTotal, ProviderSendDuration,
		DispatchTotal, SchedulerTicks, ScheduledTotal, SuppressionUpserts,
		InFlight, JobTotal, RetryTotal,
	)
}

// PGXPoolStats periodically copies pool statistics into gauges.
type PGXPoolStats struct {
	pool *pgxpool.Pool

	conns          prometheus.Gauge
	idle           prometheus.Gauge
	acquireCount   prometheus.Gauge
	acquireLatency prometheus.Gauge
}

func NewPGXPoolStats(pool *pgxpool.Pool) *PGXPoolStats {
	m := &PGXPoolStats{
		pool: pool,
		conns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "db_pool_conns", Help: "Total connections in pool.",
		}),
		idle: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "db_pool_idle_conns", Help: "Idle connections in pool.",
		}),
		acquireCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "db_pool_acquires", Help: "Cumulative pool acquires.",
		}),
		acquireLatency: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "db_pool_acquire_seconds", Help: "Cumulative acquire latency.",
		}),
	}
	prometheus.MustRegister(m.conns, m.idle, m.acquireCount, m.acquireLatency)

	return m
}

// Start blocks until stop is closed.
func (m *PGXPoolStats) Start(interval time.Duration, stop <-chan struct{}) {
	t := time.NewTicker(interval)
	for {
		select {
		case <-stop:
			t.Stop()
			return
		case <-t.C:
			s := m.pool.Stat()
			m.conns.Set(float64(s.TotalConns()))
			m.idle.Set(float64(s.IdleConns()))
			m.acquireCount.Set(float64(s.AcquireCount()))
			m.acquireLatency.Set(s.AcquireDuration().Seconds())
		}
	}
}
