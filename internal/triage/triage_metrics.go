package triage

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for the triage subsystem.
type Metrics struct {
	OracleCallsTotal *prometheus.CounterVec
	OracleDuration   *prometheus.HistogramVec
	AssessmentsTotal *prometheus.CounterVec
	EmergenciesTotal prometheus.Counter
	DefaultedTotal   prometheus.Counter
}

// NewMetrics registers and returns triage metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		OracleCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "carepath_oracle_calls_total",
			Help: "Total classification oracle calls by kind and status.",
		}, []string{"kind", "status"}),
		OracleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "carepath_oracle_call_duration_seconds",
			Help:    "Duration of classification oracle calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 8), // 0.25s .. ~32s
		}, []string{"kind"}),
		AssessmentsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "carepath_triage_assessments_total",
			Help: "Triage assessments by resulting priority.",
		}, []string{"priority"}),
		EmergenciesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "carepath_triage_emergencies_total",
			Help: "Cases flagged as emergencies.",
		}),
		DefaultedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "carepath_triage_defaulted_total",
			Help: "Assessments that fell back to the default priority.",
		}),
	}

	reg.MustRegister(
		m.OracleCallsTotal,
		m.OracleDuration,
		m.AssessmentsTotal,
		m.EmergenciesTotal,
		m.DefaultedTotal,
	)

	return m
}

// Hooks returns EngineHooks that update these metrics.
func (m *Metrics) Hooks() EngineHooks {
	return EngineHooks{
		OnOracleCall: func(kind string, duration float64, err error) {
			status := "success"
			if err != nil {
				status = "error"
			}
			m.OracleCallsTotal.WithLabelValues(kind, status).Inc()
			m.OracleDuration.WithLabelValues(kind).Observe(duration)
		},
		OnAssessment: func(a *Assessment) {
			m.AssessmentsTotal.WithLabelValues(strconv.Itoa(a.Priority)).Inc()
			if a.IsEmergency {
				m.EmergenciesTotal.Inc()
			}
			if a.Defaulted {
				m.DefaultedTotal.Inc()
			}
		},
	}
}
