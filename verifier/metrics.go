package verifier

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics records engine activity. A nil *Metrics is a no-op.
type Metrics struct {
	// Validations by status and mode
	Validations *prometheus.CounterVec

	// Probe latency by probe name
	ProbeLatency *prometheus.HistogramVec

	// Probe outcomes by probe and outcome
	ProbeOutcomes *prometheus.CounterVec

	// Debits by result: ok, not_found, insufficient, error
	Debits *prometheus.CounterVec

	// Full validation latency, debit to upsert
	ValidateLatency prometheus.Histogram
}

// NewMetrics registers the engine metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Validations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mailscore_validations_total",
			Help: "Completed validations by status and mode",
		}, []string{"status", "mode"}),

		ProbeLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mailscore_probe_duration_seconds",
			Help:    "Duration of network probes by probe",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"probe"}),

		ProbeOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mailscore_probe_outcomes_total",
			Help: "Network probe outcomes by probe and outcome",
		}, []string{"probe", "outcome"}),

		Debits: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mailscore_credit_debits_total",
			Help: "Credit debit attempts by result",
		}, []string{"result"}),

		ValidateLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "mailscore_validate_duration_seconds",
			Help:    "Duration of a full validation including probes and persistence",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20},
		}),
	}
}

func (m *Metrics) observeProbe(probe string, outcome Outcome, d time.Duration) {
	if m != nil {
		m.ProbeLatency.WithLabelValues(probe).Observe(d.Seconds())
		m.ProbeOutcomes.WithLabelValues(probe, string(outcome)).Inc()
	}
}

func (m *Metrics) incValidation(status Category, mode Mode) {
	if m != nil {
		m.Validations.WithLabelValues(string(status), string(mode)).Inc()
	}
}

func (m *Metrics) incDebit(result string) {
	if m != nil {
		m.Debits.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) observeValidate(d time.Duration) {
	if m != nil {
		m.ValidateLatency.Observe(d.Seconds())
	}
}
