package referral

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks referral throughput, approvals, lost races and latency.
type Metrics struct {
	Created       prometheus.Counter
	Confirmations *prometheus.CounterVec
	Conflicts     *prometheus.CounterVec
	Duration      *prometheus.HistogramVec
}

// NewMetrics registers the referral metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Created: f.NewCounter(prometheus.CounterOpts{
			Name: "referrals_created_total",
			Help: "Total number of referrals created",
		}),
		Confirmations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "referral_stage_confirmations_total",
			Help: "Successful stage confirmations by stage",
		}, []string{"stage"}),
		Conflicts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "referral_conflicts_total",
			Help: "Rejected writes by conflict reason",
		}, []string{"reason"}),
		Duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "referral_operation_duration_seconds",
			Help:    "Duration of referral service operations",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"operation"}),
	}
}

func (m *Metrics) IncrementCreated() {
	m.Created.Inc()
}

func (m *Metrics) IncrementConfirmed(s Stage) {
	m.Confirmations.WithLabelValues(strconv.Itoa(int(s))).Inc()
}

// IncrementConflict records a Conflict outcome; reason is one of
// "terminal", "out_of_order", "stale".
func (m *Metrics) IncrementConflict(reason string) {
	m.Conflicts.WithLabelValues(reason).Inc()
}

// Observe records the duration of op. Call with time.Now() at the start.
func (m *Metrics) Observe(op string, start time.Time) {
	m.Duration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}
