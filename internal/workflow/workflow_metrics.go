package workflow

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for case pipelines.
type Metrics struct {
	SubmittedTotal   prometheus.Counter
	CompletedTotal   *prometheus.CounterVec
	InFlight         prometheus.Gauge
	PipelineDuration prometheus.Histogram
	StageDuration    *prometheus.HistogramVec
	StageFailures    *prometheus.CounterVec
	DowngradesTotal  *prometheus.CounterVec
}

// NewMetrics registers and returns workflow metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SubmittedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "carepath_cases_submitted_total",
			Help: "Total cases accepted for processing.",
		}),
		CompletedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "carepath_cases_completed_total",
			Help: "Total cases finished, by final state and route.",
		}, []string{"state", "route"}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "carepath_cases_in_flight",
			Help: "Cases currently running through the pipeline.",
		}),
		PipelineDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "carepath_pipeline_duration_seconds",
			Help:    "End-to-end pipeline duration in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms .. ~80s
		}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "carepath_stage_duration_seconds",
			Help:    "Duration of each pipeline stage in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
		}, []string{"stage"}),
		StageFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "carepath_stage_failures_total",
			Help: "Stage failures replaced by a default.",
		}, []string{"stage"}),
		DowngradesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "carepath_route_downgrades_total",
			Help: "Routes downgraded because no resource matched, by original route.",
		}, []string{"from"}),
	}

	reg.MustRegister(
		m.SubmittedTotal,
		m.CompletedTotal,
		m.InFlight,
		m.PipelineDuration,
		m.StageDuration,
		m.StageFailures,
		m.DowngradesTotal,
	)

	return m
}

// Hooks returns orchestrator Hooks that update these metrics.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnStage: func(stage State, duration float64, failed bool) {
			m.StageDuration.WithLabelValues(string(stage)).Observe(duration)
			if failed {
				m.StageFailures.WithLabelValues(string(stage)).Inc()
			}
		},
		OnComplete: m.observeCompletion,
	}
}

func (m *Metrics) observeCompletion(r *Result) {
	m.CompletedTotal.WithLabelValues(string(r.State), string(r.RouteType())).Inc()
	m.PipelineDuration.Observe(r.Duration)
	if r.Route != nil && r.Route.DowngradedFrom != "" {
		m.DowngradesTotal.WithLabelValues(string(r.Route.DowngradedFrom)).Inc()
	}
}
