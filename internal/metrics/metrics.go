// Package metrics provides Prometheus instrumentation for the x402 gateway.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "x402",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "x402",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// ChallengesIssuedTotal counts 402 challenges issued.
	ChallengesIssuedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "x402",
		Name:      "challenges_issued_total",
		Help:      "Total payment challenges issued to unpaid requests.",
	})

	// EvidenceTotal counts payment evidence submissions by outcome.
	EvidenceTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "x402",
			Name:      "evidence_total",
			Help:      "Total payment evidence submissions by outcome.",
		},
		[]string{"outcome"},
	)

	// ReceiptValidationsTotal counts receipt validations by outcome
	// (valid, incomplete, bad_signature, replayed_nonce, stale, amount_bounds).
	ReceiptValidationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "x402",
			Name:      "receipt_validations_total",
			Help:      "Total receipt validations by outcome.",
		},
		[]string{"outcome"},
	)

	// ReconciliationsTotal counts usage reconciliations by outcome.
	ReconciliationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "x402",
			Name:      "reconciliations_total",
			Help:      "Total usage reconciliations by outcome.",
		},
		[]string{"outcome"},
	)

	// SettlementsTotal counts completed settlements.
	SettlementsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "x402",
		Name:      "settlements_total",
		Help:      "Total intents settled.",
	})

	// RefundsTotal counts refunds by trigger (rejection, failure, sweep).
	RefundsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "x402",
			Name:      "refunds_total",
			Help:      "Total intents refunded by trigger.",
		},
		[]string{"trigger"},
	)

	// SweepRunsTotal counts expiry sweep passes.
	SweepRunsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "x402",
		Name:      "sweep_runs_total",
		Help:      "Total expiry sweep passes executed.",
	})

	// IntentsLive tracks live (non-terminal) intents by state.
	IntentsLive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "x402",
			Name:      "intents_live",
			Help:      "Number of live intents by state.",
		},
		[]string{"state"},
	)

	// EscrowCallDuration observes escrow client call latency by operation.
	EscrowCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "x402",
			Name:      "escrow_call_duration_seconds",
			Help:      "Escrow service call duration in seconds by operation.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// UpstreamCallDuration observes proxied backing-service latency.
	UpstreamCallDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "x402",
		Name:      "upstream_call_duration_seconds",
		Help:      "Backing service call duration in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "x402", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "x402", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "x402", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		ChallengesIssuedTotal,
		EvidenceTotal,
		ReceiptValidationsTotal,
		ReconciliationsTotal,
		SettlementsTotal,
		RefundsTotal,
		SweepRunsTotal,
		IntentsLive,
		EscrowCallDuration,
		UpstreamCallDuration,
		DBOpenConnections,
		DBInUseConnections,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBInUseConnections.Set(float64(stats.InUse))
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // Uses route pattern, not actual path (avoids cardinality explosion)
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns a gin handler serving the Prometheus metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket collapses status codes into class buckets to bound cardinality.
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
