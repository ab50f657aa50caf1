// Package metrics exposes prometheus instrumentation for the exchange.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "optionsim"

// Collector bundles every exchange metric behind its own registry, so
// tests can build any number of engines without duplicate-registration
// panics on the global default.
type Collector struct {
	registry *prometheus.Registry

	ordersTotal     *prometheus.CounterVec
	rejectionsTotal *prometheus.CounterVec
	tradesTotal     *prometheus.CounterVec
	tradeVolume     *prometheus.CounterVec
	auctionTrades   prometheus.Counter
	queueDepth      *prometheus.GaugeVec
	pendingRequests prometheus.Gauge
	wsClients       prometheus.Gauge
}

// NewCollector creates and registers all exchange metrics.
func NewCollector() *Collector {
	c := &Collector{registry: prometheus.NewRegistry()}

	c.ordersTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "orders",
		Name:      "processed_total",
		Help:      "Orders processed by the pipeline, labeled by final status.",
	}, []string{"status"})

	c.rejectionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "orders",
		Name:      "rejected_total",
		Help:      "Order rejections labeled by error code.",
	}, []string{"code"})

	c.tradesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "trades",
		Name:      "executed_total",
		Help:      "Trades executed per instrument.",
	}, []string{"symbol"})

	c.tradeVolume = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "trades",
		Name:      "volume_contracts_total",
		Help:      "Executed contract volume per instrument.",
	}, []string{"symbol"})

	c.auctionTrades = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "trades",
		Name:      "auction_total",
		Help:      "Trades produced by opening auctions.",
	})

	c.queueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "queue_depth",
		Help:      "Current depth of each pipeline stage queue.",
	}, []string{"stage"})

	c.pendingRequests = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "pending_requests",
		Help:      "In-flight synchronous requests awaiting pipeline completion.",
	})

	c.wsClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "ws",
		Name:      "clients",
		Help:      "Connected websocket clients.",
	})

	c.registry.MustRegister(
		c.ordersTotal,
		c.rejectionsTotal,
		c.tradesTotal,
		c.tradeVolume,
		c.auctionTrades,
		c.queueDepth,
		c.pendingRequests,
		c.wsClients,
	)
	return c
}

// RecordOrder counts one processed order by final status.
func (c *Collector) RecordOrder(status string) {
	c.ordersTotal.WithLabelValues(status).Inc()
}

// RecordRejection counts one rejection by error code.
func (c *Collector) RecordRejection(code string) {
	c.rejectionsTotal.WithLabelValues(code).Inc()
}

// RecordTrade counts one execution and its contract volume.
func (c *Collector) RecordTrade(symbol string, qty int64, auction bool) {
	c.tradesTotal.WithLabelValues(symbol).Inc()
	c.tradeVolume.WithLabelValues(symbol).Add(float64(qty))
	if auction {
		c.auctionTrades.Inc()
	}
}

// SetQueueDepth records the instantaneous depth of a stage queue.
func (c *Collector) SetQueueDepth(stage string, depth int) {
	c.queueDepth.WithLabelValues(stage).Set(float64(depth))
}

// SetPendingRequests records the coordinator's in-flight count.
func (c *Collector) SetPendingRequests(n int) {
	c.pendingRequests.Set(float64(n))
}

// WSClientConnected increments the connected-client gauge.
func (c *Collector) WSClientConnected() {
	c.wsClients.Inc()
}

// WSClientDisconnected decrements the connected-client gauge.
func (c *Collector) WSClientDisconnected() {
	c.wsClients.Dec()
}

// Handler serves the collector's registry in the prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
