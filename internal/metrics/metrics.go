// Package metrics provides Prometheus instrumentation for the settlement engine.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "canopy",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "canopy",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// PurchasesTotal counts purchase lifecycle outcomes by status.
	PurchasesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "canopy",
			Name:      "purchases_total",
			Help:      "Total purchases reaching a status, by channel.",
		},
		[]string{"channel", "status"},
	)

	// TopupsTotal counts top-up outcomes by type and status.
	TopupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "canopy",
			Name:      "topups_total",
			Help:      "Total top-ups reaching a status, by type.",
		},
		[]string{"type", "status"},
	)

	// WebhookEventsTotal counts inbound gateway webhook events by result.
	WebhookEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "canopy",
			Name:      "webhook_events_total",
			Help:      "Total inbound gateway webhook events by result.",
		},
		[]string{"result"},
	)

	// MovementsTotal counts ledger movements by direction.
	MovementsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "canopy",
			Name:      "ledger_movements_total",
			Help:      "Total ledger movements applied, by direction.",
		},
		[]string{"direction"},
	)

	// ChainOperationsTotal counts on-chain operations by op and result.
	ChainOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "canopy",
			Name:      "chain_operations_total",
			Help:      "Total on-chain operations submitted by the custodial signer.",
		},
		[]string{"op", "result"},
	)

	// ChainConfirmationDuration observes time-to-confirmation per operation.
	ChainConfirmationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "canopy",
			Name:      "chain_confirmation_seconds",
			Help:      "Seconds waiting for on-chain confirmation.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
		},
		[]string{"op"},
	)

	// SignerLaneWaiters tracks goroutines queued for the custodial signer lane.
	SignerLaneWaiters = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "canopy", Name: "signer_lane_waiters",
		Help: "Goroutines currently waiting for the custodial signer lane.",
	})

	// ActiveWebSocketClients tracks connected realtime subscribers.
	ActiveWebSocketClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "canopy", Name: "websocket_clients",
		Help: "Currently connected realtime WebSocket clients.",
	})

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "canopy", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "canopy", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "canopy", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		PurchasesTotal,
		TopupsTotal,
		WebhookEventsTotal,
		MovementsTotal,
		ChainOperationsTotal,
		ChainConfirmationDuration,
		SignerLaneWaiters,
		ActiveWebSocketClients,
		DBOpenConnections,
		DBInUseConnections,
		GoroutineCount,
	)
}

// Middleware records request counts and latency per route pattern.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		status := strconv.Itoa(c.Writer.Status())

		HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		HTTPRequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// CollectDBStats starts a goroutine updating DB pool gauges until ctx is done.
func CollectDBStats(ctx context.Context, db *sql.DB, interval time.Duration) {
	if db == nil {
		return
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	go func() {
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
	}()
}
