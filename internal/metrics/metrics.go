// Package metrics provides Prometheus instrumentation for the reservation service.
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
			Namespace: "reservd",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "reservd",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// EscrowCreatedTotal counts escrow transactions submitted on-chain.
	EscrowCreatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "reservd",
		Name:      "escrow_created_total",
		Help:      "Total escrow transactions created.",
	})

	// EscrowFundedTotal counts escrows confirmed funded after read-back.
	EscrowFundedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "reservd",
		Name:      "escrow_funded_total",
		Help:      "Total escrows confirmed funded on-chain.",
	})

	// EscrowReleasedTotal counts escrows released to the platform receiver.
	EscrowReleasedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "reservd",
		Name:      "escrow_released_total",
		Help:      "Total escrows executed and released to the receiver.",
	})

	// EscrowReimbursedTotal counts escrows reimbursed to the sender.
	EscrowReimbursedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "reservd",
		Name:      "escrow_reimbursed_total",
		Help:      "Total escrows reimbursed to the sender after timeout.",
	})

	// EscrowDisputedTotal counts disputes raised.
	EscrowDisputedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "reservd",
		Name:      "escrow_disputed_total",
		Help:      "Total disputes raised against escrow transactions.",
	})

	// AmountMismatchTotal counts data-integrity faults where the read-back
	// escrow amount differs from the agreed reservation fee.
	AmountMismatchTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "reservd",
		Name:      "escrow_amount_mismatch_total",
		Help:      "Total escrow amount mismatches flagged for manual review.",
	})

	// ChainCallsTotal counts chain adapter calls by operation and result.
	ChainCallsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reservd",
		Name:      "chain_calls_total",
		Help:      "Total chain adapter calls by operation and result.",
	}, []string{"op", "result"})

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "reservd", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "reservd", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "reservd", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "reservd", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		EscrowCreatedTotal,
		EscrowFundedTotal,
		EscrowReleasedTotal,
		EscrowReimbursedTotal,
		EscrowDisputedTotal,
		AmountMismatchTotal,
		ChainCallsTotal,
		DBOpenConnections,
		DBIdleConnections,
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
			DBIdleConnections.Set(float64(stats.Idle))
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

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
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
