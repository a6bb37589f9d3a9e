package bus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for the event bus.
type Metrics struct {
	PublishedTotal       *prometheus.CounterVec
	DroppedTotal         *prometheus.CounterVec
	DeliveredTotal       *prometheus.CounterVec
	HandlerFailuresTotal *prometheus.CounterVec
	DeliveryDuration     *prometheus.HistogramVec
}

// NewMetrics registers and returns bus metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PublishedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "carepath_bus_published_total",
			Help: "Events accepted for delivery by topic.",
		}, []string{"topic"}),
		DroppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "carepath_bus_dropped_total",
			Help: "Events dropped because the bus was stopped.",
		}, []string{"topic"}),
		DeliveredTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "carepath_bus_delivered_total",
			Help: "Events delivered by topic.",
		}, []string{"topic"}),
		HandlerFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "carepath_bus_handler_failures_total",
			Help: "Handler errors and panics by topic.",
		}, []string{"topic"}),
		DeliveryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "carepath_bus_delivery_duration_seconds",
			Help:    "Time spent running all handlers for one event.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 4, 10), // 0.5ms .. ~131s
		}, []string{"topic"}),
	}

	reg.MustRegister(
		m.PublishedTotal,
		m.DroppedTotal,
		m.DeliveredTotal,
		m.HandlerFailuresTotal,
		m.DeliveryDuration,
	)

	return m
}

// Hooks returns bus Hooks that update these metrics.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnPublish: func(topic string) {
			m.PublishedTotal.WithLabelValues(topic).Inc()
		},
		OnDrop: func(topic string) {
			m.DroppedTotal.WithLabelValues(topic).Inc()
		},
		OnDeliver: func(topic string, _ int, d time.Duration) {
			m.DeliveredTotal.WithLabelValues(topic).Inc()
			m.DeliveryDuration.WithLabelValues(topic).Observe(d.Seconds())
		},
		OnHandlerFailure: func(topic string) {
			m.HandlerFailuresTotal.WithLabelValues(topic).Inc()
		},
	}
}
