// Package metrics exposes Prometheus instrumentation for the perps engine.
package metrics

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/luxfi/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the daemon registers.
type Metrics struct {
	namespace string
	registry  *prometheus.Registry
	logger    log.Logger

	// Trading metrics
	ordersPlaced    prometheus.Counter
	ordersCanceled  prometheus.Counter
	ordersMatched   prometheus.Counter
	liquidations    prometheus.Counter
	fundingUpdates  prometheus.Counter
	receiptsSettled prometheus.Counter
	bucketDepth     *prometheus.GaugeVec
	matchLatency    prometheus.Histogram

	// Feed metrics
	natsPublished prometheus.Counter
	wsClients     prometheus.Gauge
	eventsDropped prometheus.Counter

	// System metrics
	memoryUsage prometheus.Gauge
	goroutines  prometheus.Gauge
}

// New creates and registers the full collector set.
func New(namespace string, logger log.Logger) *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		namespace: namespace,
		registry:  registry,
		logger:    logger,

		ordersPlaced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_placed_total",
			Help:      "Total number of orders accepted",
		}),

		ordersCanceled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_canceled_total",
			Help:      "Total number of orders canceled",
		}),

		ordersMatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_matched_total",
			Help:      "Total number of resting orders filled by crankers",
		}),

		liquidations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "liquidations_total",
			Help:      "Total number of positions liquidated",
		}),

		fundingUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "funding_updates_total",
			Help:      "Total number of funding index updates",
		}),

		receiptsSettled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "receipts_settled_total",
			Help:      "Total number of escrowed receipt claims settled",
		}),

		bucketDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "bucket_depth",
			Help:      "Resting orders per book bucket",
		}, []string{"market", "symbol", "bucket"}),

		matchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "match_latency_microseconds",
			Help:      "MatchOrders call latency in microseconds",
			Buckets:   []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		}),

		natsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nats_messages_published_total",
			Help:      "Total NATS event messages published",
		}),

		wsClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "websocket_clients",
			Help:      "Connected websocket clients",
		}),

		eventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Engine events dropped by a full feed queue",
		}),

		memoryUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "memory_usage_bytes",
			Help:      "Current memory usage in bytes",
		}),

		goroutines: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "goroutines_count",
			Help:      "Current number of goroutines",
		}),
	}

	registry.MustRegister(
		m.ordersPlaced,
		m.ordersCanceled,
		m.ordersMatched,
		m.liquidations,
		m.fundingUpdates,
		m.receiptsSettled,
		m.bucketDepth,
		m.matchLatency,
		m.natsPublished,
		m.wsClients,
		m.eventsDropped,
		m.memoryUsage,
		m.goroutines,
	)

	return m
}

// Handler returns the Prometheus scrape handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartServer exposes /metrics on the given port in the background.
func (m *Metrics) StartServer(port string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	go func() {
		if err := http.ListenAndServe(":"+port, mux); err != nil {
			m.logger.Error("Metrics server failed", "error", err)
		}
	}()

	m.logger.Info("Prometheus metrics available",
		"endpoint", "http://localhost:"+port+"/metrics")
}

// RecordOrderPlaced counts an accepted order.
func (m *Metrics) RecordOrderPlaced() {
	m.ordersPlaced.Inc()
}

// RecordOrderCanceled counts a canceled order.
func (m *Metrics) RecordOrderCanceled() {
	m.ordersCanceled.Inc()
}

// RecordOrdersMatched counts filled resting orders.
func (m *Metrics) RecordOrdersMatched(n int) {
	m.ordersMatched.Add(float64(n))
}

// RecordLiquidation counts a liquidated position.
func (m *Metrics) RecordLiquidation() {
	m.liquidations.Inc()
}

// RecordFundingUpdate counts a funding index update.
func (m *Metrics) RecordFundingUpdate() {
	m.fundingUpdates.Inc()
}

// RecordReceiptsSettled counts settled receipt claims.
func (m *Metrics) RecordReceiptsSettled(n int) {
	m.receiptsSettled.Add(float64(n))
}

// RecordNATSPublished counts a published NATS message.
func (m *Metrics) RecordNATSPublished() {
	m.natsPublished.Inc()
}

// RecordEventDropped counts an event lost to backpressure.
func (m *Metrics) RecordEventDropped() {
	m.eventsDropped.Inc()
}

// SetWSClients tracks the connected websocket client count.
func (m *Metrics) SetWSClients(n int) {
	m.wsClients.Set(float64(n))
}

// SetBucketDepth tracks the resting depth of one book bucket.
func (m *Metrics) SetBucketDepth(market, symbol, bucket string, depth int) {
	m.bucketDepth.WithLabelValues(market, symbol, bucket).Set(float64(depth))
}

// ObserveMatchLatency records a MatchOrders call duration.
func (m *Metrics) ObserveMatchLatency(d time.Duration) {
	m.matchLatency.Observe(float64(d.Microseconds()))
}

// CollectSystemMetrics samples runtime stats until the context ends.
func (m *Metrics) CollectSystemMetrics(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var memStats runtime.MemStats
			runtime.ReadMemStats(&memStats)
			m.memoryUsage.Set(float64(memStats.Alloc))
			m.goroutines.Set(float64(runtime.NumGoroutine()))
		}
	}
}
