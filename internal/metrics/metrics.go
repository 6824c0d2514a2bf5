// Package metrics provides Prometheus metrics for the buswatch tracker.
package metrics

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	// Registry is the Prometheus registry for this metrics instance
	Registry *prometheus.Registry

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Database metrics
	DBConnectionsOpen  prometheus.Gauge
	DBConnectionsInUse prometheus.Gauge
	DBConnectionsIdle  prometheus.Gauge
	DBWaitSecondsTotal prometheus.Counter

	// Tracking metrics
	ReportsTotal        *prometheus.CounterVec
	ETAComputations     *prometheus.CounterVec
	BusesByStatus       *prometheus.GaugeVec
	EventsEmittedTotal  *prometheus.CounterVec
	DeliveriesTotal     prometheus.Counter
	DeliveryDropsTotal  *prometheus.CounterVec
	ActiveSubscriptions prometheus.Gauge
	RelayQueueDepth     prometheus.Gauge
	RelayPublishedTotal *prometheus.CounterVec

	// logger for error reporting
	logger *slog.Logger

	// collectorStarted prevents spawning multiple collector goroutines
	collectorStarted atomic.Bool

	// cancel stops the DB stats collector goroutine
	cancel context.CancelFunc

	// wg tracks the DB stats collector goroutine for graceful shutdown
	wg sync.WaitGroup
}

// New creates and registers all application metrics with a new registry.
func New() *Metrics {
	return NewWithLogger(nil)
}

// NewWithLogger creates metrics with a logger for error reporting.
func NewWithLogger(logger *slog.Logger) *Metrics {
	registry := prometheus.NewRegistry()

	httpRequestsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "buswatch_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "buswatch_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	dbConnectionsOpen := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "buswatch_db_connections_open",
		Help: "Number of open database connections",
	})

	dbConnectionsInUse := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "buswatch_db_connections_in_use",
		Help: "Number of database connections currently in use",
	})

	dbConnectionsIdle := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "buswatch_db_connections_idle",
		Help: "Number of idle database connections",
	})

	dbWaitSecondsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "buswatch_db_wait_seconds_total",
		Help: "Total time blocked waiting for a database connection",
	})

	reportsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "buswatch_position_reports_total",
			Help: "Position reports by outcome and reject reason",
		},
		[]string{"result", "reason"},
	)

	etaComputations := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "buswatch_eta_computations_total",
			Help: "ETA computations by prediction basis",
		},
		[]string{"basis"},
	)

	busesByStatus := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "buswatch_buses",
			Help: "Number of buses per lifecycle status",
		},
		[]string{"status"},
	)

	eventsEmittedTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "buswatch_events_emitted_total",
			Help: "Events emitted by the dispatcher by kind",
		},
		[]string{"kind"},
	)

	deliveriesTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "buswatch_deliveries_total",
		Help: "Messages queued for delivery to subscribers",
	})

	deliveryDropsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "buswatch_delivery_drops_total",
			Help: "Messages dropped from full client queues by kind",
		},
		[]string{"kind"},
	)

	activeSubscriptions := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "buswatch_active_subscriptions",
		Help: "Number of live client subscriptions",
	})

	relayQueueDepth := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "buswatch_relay_queue_depth",
		Help: "Events waiting to be handed to the push relay",
	})

	relayPublishedTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "buswatch_relay_published_total",
			Help: "Events handed to the push relay by result",
		},
		[]string{"result"},
	)

	// Register all metrics with the custom registry
	registry.MustRegister(
		httpRequestsTotal,
		httpRequestDuration,
		dbConnectionsOpen,
		dbConnectionsInUse,
		dbConnectionsIdle,
		dbWaitSecondsTotal,
		reportsTotal,
		etaComputations,
		busesByStatus,
		eventsEmittedTotal,
		deliveriesTotal,
		deliveryDropsTotal,
		activeSubscriptions,
		relayQueueDepth,
		relayPublishedTotal,
	)

	return &Metrics{
		Registry:            registry,
		HTTPRequestsTotal:   httpRequestsTotal,
		HTTPRequestDuration: httpRequestDuration,
		DBConnectionsOpen:   dbConnectionsOpen,
		DBConnectionsInUse:  dbConnectionsInUse,
		DBConnectionsIdle:   dbConnectionsIdle,
		DBWaitSecondsTotal:  dbWaitSecondsTotal,
		ReportsTotal:        reportsTotal,
		ETAComputations:     etaComputations,
		BusesByStatus:       busesByStatus,
		EventsEmittedTotal:  eventsEmittedTotal,
		DeliveriesTotal:     deliveriesTotal,
		DeliveryDropsTotal:  deliveryDropsTotal,
		ActiveSubscriptions: activeSubscriptions,
		RelayQueueDepth:     relayQueueDepth,
		RelayPublishedTotal: relayPublishedTotal,
		logger:              logger,
	}
}

// StartDBStatsCollector starts a goroutine that periodically collects database
// connection pool statistics and updates the corresponding metrics.
// The interval specifies how often to collect stats.
// This method is idempotent - calling it multiple times has no effect after the first call.
// Call Shutdown() to stop the collector.
func (m *Metrics) StartDBStatsCollector(db *sql.DB, interval time.Duration) {
	if db == nil {
		return
	}

	// Prevent spawning multiple collectors
	if !m.collectorStarted.CompareAndSwap(false, true) {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())

	var lastWaitDuration time.Duration

	// Add to WaitGroup BEFORE exposing cancel to avoid race with Shutdown
	m.wg.Add(1)
	m.cancel = cancel

	go func() {
		defer m.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				if m.logger != nil {
					m.logger.Error("panic in DB stats collector", "error", r)
				}
			}
		}()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				stats := db.Stats()
				m.DBConnectionsOpen.Set(float64(stats.OpenConnections))
				m.DBConnectionsInUse.Set(float64(stats.InUse))
				m.DBConnectionsIdle.Set(float64(stats.Idle))

				// Add the delta of wait duration since last check
				waitDelta := stats.WaitDuration - lastWaitDuration
				if waitDelta > 0 {
					m.DBWaitSecondsTotal.Add(waitDelta.Seconds())
				}
				lastWaitDuration = stats.WaitDuration

			case <-ctx.Done():
				return
			}
		}
	}()
}

// Shutdown stops the DB stats collector goroutine and waits for it to exit.
// This method is safe to call multiple times.
func (m *Metrics) Shutdown() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// The helpers below are safe on a nil *Metrics so that components can be
// built without metrics in tests.

// ReportAccepted counts an accepted position report.
func (m *Metrics) ReportAccepted() {
	if m == nil {
		return
	}
	m.ReportsTotal.WithLabelValues("accepted", "").Inc()
}

// ReportRejected counts a rejected position report by reason code.
func (m *Metrics) ReportRejected(reason string) {
	if m == nil {
		return
	}
	m.ReportsTotal.WithLabelValues("rejected", reason).Inc()
}

func (m *Metrics) ETAComputed(basis string) {
	if m == nil {
		return
	}
	m.ETAComputations.WithLabelValues(basis).Inc()
}

// SetBusStatusCounts replaces the per-status bus gauges.
func (m *Metrics) SetBusStatusCounts(counts map[string]int) {
	if m == nil {
		return
	}
	m.BusesByStatus.Reset()
	for status, n := range counts {
		m.BusesByStatus.WithLabelValues(status).Set(float64(n))
	}
}

func (m *Metrics) EventEmitted(kind string) {
	if m == nil {
		return
	}
	m.EventsEmittedTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) Delivered(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.DeliveriesTotal.Add(float64(n))
}

func (m *Metrics) DeliveryDropped(kind string) {
	if m == nil {
		return
	}
	m.DeliveryDropsTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) SubscriptionOpened() {
	if m == nil {
		return
	}
	m.ActiveSubscriptions.Inc()
}

func (m *Metrics) SubscriptionClosed() {
	if m == nil {
		return
	}
	m.ActiveSubscriptions.Dec()
}

func (m *Metrics) SetRelayQueueDepth(n int) {
	if m == nil {
		return
	}
	m.RelayQueueDepth.Set(float64(n))
}

func (m *Metrics) RelayPublished(result string) {
	if m == nil {
		return
	}
	m.RelayPublishedTotal.WithLabelValues(result).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}
