package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/doctor-scheduling/internal/scheduling"
)

// counterValue sums every series of the named counter family.
func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	require.NoError(t, err)
	var total float64
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func TestSchedulingMetricsCustomRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewSchedulingMetrics(reg)

	m.ObserveOperation("book", nil, 0.01)
	m.ObserveOperation("book", scheduling.Conflict(scheduling.ReasonSlotFull), 0.02)
	m.ObserveAuditFailure("write")
	m.ObserveAuditFailure("write")
	m.ObserveAuditFailure("dropped")
	m.ObserveReminder("planned", 4)
	m.ObserveReminder("planned", 0)
	m.ObserveRateLimited()

	assert.Equal(t, 2.0, counterValue(t, reg, "scheduling_booking_operations_total"))
	assert.Equal(t, 3.0, counterValue(t, reg, "scheduling_audit_failures_total"))
	assert.Equal(t, 4.0, counterValue(t, reg, "scheduling_reminder_events_total"))
	assert.Equal(t, 1.0, counterValue(t, reg, "scheduling_booking_rate_limited_total"))
}

func TestSchedulingMetricsNilSafe(t *testing.T) {
	var m *SchedulingMetrics
	m.ObserveOperation("cancel", nil, 0.1)
	m.ObserveAuditFailure("write")
	m.ObserveWaitlistNotice("notified")
	m.ObserveReminder("sent", 1)
	m.ObserveRateLimited()
}

func TestOutcome(t *testing.T) {
	assert.Equal(t, "ok", Outcome(nil))
	assert.Equal(t, "conflict", Outcome(scheduling.Conflict(scheduling.ReasonSlotFull)))
	assert.Equal(t, "policy", Outcome(scheduling.Violation(scheduling.ReasonDeadlinePassed, "")))
	assert.Equal(t, "validation", Outcome(scheduling.Invalid("slot_id", "required")))
	assert.Equal(t, "not_found", Outcome(scheduling.NotFound("slot", nil)))
	assert.Equal(t, "error", Outcome(errors.New("boom")))
}
