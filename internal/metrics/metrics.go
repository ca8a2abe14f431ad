// Package metrics exposes exchange instrumentation as Prometheus
// collectors, following the same Namespace/Subsystem/CounterVec shape the
// pack's perp-dex metrics collector uses.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"stockexchange/internal/model"
	"stockexchange/internal/orderbook"
)

const bookDepthSample = 1000

const namespace = "stockexchange"

// Collector holds every metric the exchange publishes. It is registered
// once at startup and passed by reference into the components that record
// against it.
type Collector struct {
	OrdersPlaced      *prometheus.CounterVec
	OrdersCanceled    *prometheus.CounterVec
	OrdersRejected    *prometheus.CounterVec
	ExecutionsTotal   *prometheus.CounterVec
	ExecutedShares    *prometheus.CounterVec
	MatchDuration     *prometheus.HistogramVec
	OrderBookDepth    *prometheus.GaugeVec
	OrderBookBestSide *prometheus.GaugeVec
	ConnectionsActive prometheus.Gauge
	RequestDuration   *prometheus.HistogramVec
}

// New constructs a Collector and registers it with reg.
func New(reg prometheus.Registerer) *Collector {
	c := &Collector{
		OrdersPlaced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orders",
			Name:      "placed_total",
			Help:      "Orders accepted, by symbol and side.",
		}, []string{"symbol", "side"}),
		OrdersCanceled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orders",
			Name:      "canceled_total",
			Help:      "Orders canceled, by symbol.",
		}, []string{"symbol"}),
		OrdersRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orders",
			Name:      "rejected_total",
			Help:      "Orders rejected, by reason.",
		}, []string{"reason"}),
		ExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "matching",
			Name:      "executions_total",
			Help:      "Executions recorded, by symbol.",
		}, []string{"symbol"}),
		ExecutedShares: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "matching",
			Name:      "executed_shares_total",
			Help:      "Shares executed, by symbol.",
		}, []string{"symbol"}),
		MatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "matching",
			Name:      "place_order_duration_seconds",
			Help:      "Time to place and match a single order, by symbol.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"symbol"}),
		OrderBookDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "orderbook",
			Name:      "open_orders",
			Help:      "Resting quantity currently in the book, by symbol and side.",
		}, []string{"symbol", "side"}),
		OrderBookBestSide: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "orderbook",
			Name:      "best_price",
			Help:      "Best resting price, by symbol and side.",
		}, []string{"symbol", "side"}),
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "protocol",
			Name:      "connections_active",
			Help:      "Open TCP connections to the protocol handler.",
		}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "protocol",
			Name:      "request_duration_seconds",
			Help:      "Time to handle one top-level request, by request type.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"type"}),
	}

	reg.MustRegister(
		c.OrdersPlaced, c.OrdersCanceled, c.OrdersRejected,
		c.ExecutionsTotal, c.ExecutedShares, c.MatchDuration,
		c.OrderBookDepth, c.OrderBookBestSide,
		c.ConnectionsActive, c.RequestDuration,
	)
	return c
}

// PublishBook snapshots book's current depth and best price on both sides
// into the OrderBookDepth/OrderBookBestSide gauges for symbol. Callers run
// this after a book mutation (a placed, matched, or canceled order) so the
// gauges never drift further than one operation behind the in-memory book.
func (c *Collector) PublishBook(symbol string, book *orderbook.Book) {
	for _, side := range [...]model.Side{model.SideBuy, model.SideSell} {
		label := string(side)

		var total decimal.Decimal
		levels := book.Depth(side, bookDepthSample)
		for _, l := range levels {
			total = total.Add(l.Quantity)
		}
		c.OrderBookDepth.WithLabelValues(symbol, label).Set(total.InexactFloat64())

		if len(levels) > 0 {
			c.OrderBookBestSide.WithLabelValues(symbol, label).Set(levels[0].Price.InexactFloat64())
		} else {
			c.OrderBookBestSide.WithLabelValues(symbol, label).Set(0)
		}
	}
}
