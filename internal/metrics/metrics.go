// Package metrics provides Prometheus instrumentation for the escrow service.
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
			Namespace: "otcbridge",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "otcbridge",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// --- Trade lifecycle ---

	TradesOpenedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "otcbridge",
		Name:      "trades_opened_total",
		Help:      "Total trades opened.",
	})

	TradesCompletedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "otcbridge",
		Name:      "trades_completed_total",
		Help:      "Total trades completed (funds released to buyer).",
	})

	TradesRefundedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "otcbridge",
		Name:      "trades_refunded_total",
		Help:      "Total trades refunded to the seller.",
	})

	TradesDisputedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "otcbridge",
		Name:      "trades_disputed_total",
		Help:      "Total trades moved to the disputed side-state.",
	})

	TradeDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "otcbridge",
		Name:      "trade_duration_seconds",
		Help:      "Time from trade start to settlement in seconds.",
		Buckets:   []float64{60, 300, 900, 1800, 3600, 7200, 21600, 86400},
	})

	// --- Channel pool ---

	ChannelLeasedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "otcbridge",
		Name:      "channels_leased_total",
		Help:      "Total successful channel leases.",
	})

	ChannelLeaseFailedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "otcbridge",
		Name:      "channels_lease_failed_total",
		Help:      "Total lease attempts rejected because the pool was exhausted.",
	})

	ChannelRecycledTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "otcbridge",
		Name:      "channels_recycled_total",
		Help:      "Total channels returned to the available pool.",
	})

	ChannelParkedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "otcbridge",
		Name:      "channels_parked_total",
		Help:      "Total channels parked at completed because eviction failed.",
	})

	// --- Deposit reconciliation ---

	DepositsAcceptedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "otcbridge",
		Name:      "deposits_accepted_total",
		Help:      "Total transfers folded into trades, by outcome (partial or complete).",
	}, []string{"outcome"})

	DepositsRejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "otcbridge",
		Name:      "deposits_rejected_total",
		Help:      "Total deposit submissions rejected, by reason.",
	}, []string{"reason"})

	// --- Settlement ---

	SettlementsExecutedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "otcbridge",
		Name:      "settlements_executed_total",
		Help:      "Total fund movements executed, by kind (release or refund).",
	}, []string{"kind"})

	// --- Chain client ---

	ChainCallsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "otcbridge",
		Name:      "chain_calls_total",
		Help:      "Chain RPC calls by method and result.",
	}, []string{"method", "result"})

	// --- Runtime ---

	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "otcbridge", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "otcbridge", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "otcbridge", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "otcbridge", Name: "goroutines",
		Help: "Current number of goroutines.",
	})

	// ActiveEventSubscribers tracks connected WebSocket event clients.
	ActiveEventSubscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "otcbridge", Name: "event_subscribers",
		Help: "Number of connected WebSocket event subscribers.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		TradesOpenedTotal,
		TradesCompletedTotal,
		TradesRefundedTotal,
		TradesDisputedTotal,
		TradeDuration,
		ChannelLeasedTotal,
		ChannelLeaseFailedTotal,
		ChannelRecycledTotal,
		ChannelParkedTotal,
		DepositsAcceptedTotal,
		DepositsRejectedTotal,
		SettlementsExecutedTotal,
		ChainCallsTotal,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		GoroutineCount,
		ActiveEventSubscribers,
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
