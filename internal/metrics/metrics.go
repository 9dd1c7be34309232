package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hackgods/doctor-scheduling/internal/scheduling"
)

// SchedulingMetrics exposes counters/histograms for the booking engine and its collaborators.
type SchedulingMetrics struct {
	operationsTotal  *prometheus.CounterVec
	operationLatency *prometheus.HistogramVec
	auditFailures    *prometheus.CounterVec
	waitlistNotices  *prometheus.CounterVec
	remindersTotal   *prometheus.CounterVec
	rateLimitedTotal prometheus.Counter
}

func NewSchedulingMetrics(reg prometheus.Registerer) *SchedulingMetrics {
	m := &SchedulingMetrics{
		operationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scheduling",
			Subsystem: "booking",
			Name:      "operations_total",
			Help:      "Booking engine operations by outcome",
		}, []string{"operation", "outcome"}),
		operationLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "scheduling",
			Subsystem: "booking",
			Name:      "operation_duration_seconds",
			Help:      "Latency of booking engine operations",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		auditFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scheduling",
			Name:      "audit_failures_total",
			Help:      "Audit trail writes that failed (stage=write) or were given up (stage=dropped)",
		}, []string{"stage"}),
		waitlistNotices: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scheduling",
			Subsystem: "waitlist",
			Name:      "notifications_total",
			Help:      "Freed seats offered to waiting patients",
		}, []string{"outcome"}),
		remindersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scheduling",
			Subsystem: "reminder",
			Name:      "events_total",
			Help:      "Reminder lifecycle events",
		}, []string{"event"}),
		rateLimitedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "scheduling",
			Subsystem: "booking",
			Name:      "rate_limited_total",
			Help:      "Booking attempts rejected by the per-patient rate limiter",
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(
		m.operationsTotal,
		m.operationLatency,
		m.auditFailures,
		m.waitlistNotices,
		m.remindersTotal,
		m.rateLimitedTotal,
	)
	return m
}

// Outcome buckets an operation error into a low-cardinality label.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, scheduling.ErrConflict):
		return "conflict"
	case errors.Is(err, scheduling.ErrPolicy):
		return "policy"
	case errors.Is(err, scheduling.ErrValidation):
		return "validation"
	case errors.Is(err, scheduling.ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}

func (m *SchedulingMetrics) ObserveOperation(operation string, err error, seconds float64) {
	if m == nil {
		return
	}
	m.operationsTotal.WithLabelValues(operation, Outcome(err)).Inc()
	m.operationLatency.WithLabelValues(operation).Observe(seconds)
}

func (m *SchedulingMetrics) ObserveAuditFailure(stage string) {
	if m == nil {
		return
	}
	m.auditFailures.WithLabelValues(stage).Inc()
}

func (m *SchedulingMetrics) ObserveWaitlistNotice(outcome string) {
	if m == nil {
		return
	}
	m.waitlistNotices.WithLabelValues(outcome).Inc()
}

func (m *SchedulingMetrics) ObserveReminder(event string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.remindersTotal.WithLabelValues(event).Add(float64(n))
}

func (m *SchedulingMetrics) ObserveRateLimited() {
	if m == nil {
		return
	}
	m.rateLimitedTotal.Inc()
}
