package scheduling

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrice(t *testing.T) {
	tests := []struct {
		name                  string
		fee, extra            int64
		pct                   float64
		total, covered, copay int64
	}{
		{"no insurance", 50000, 0, 0, 50000, 0, 50000},
		{"partial", 50000, 10000, 80, 60000, 48000, 12000},
		{"full", 30000, 0, 100, 30000, 30000, 0},
		{"rounds half up", 101, 0, 50, 101, 51, 50},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := &Appointment{ConsultationFeeCents: tt.fee, AdditionalFeesCents: tt.extra, InsuranceCoveragePercent: tt.pct}
			a.Price()
			assert.Equal(t, tt.total, a.TotalAmountCents)
			assert.Equal(t, tt.covered, a.InsuranceCoveredCents)
			assert.Equal(t, tt.copay, a.PatientCopayCents)
		})
	}
}

func TestSlotClaimRelease(t *testing.T) {
	now := time.Now()
	s := &TimeSlot{Status: SlotActive, IsAvailable: true, MaxAppointments: 2}

	s.Claim(now)
	assert.Equal(t, 1, s.CurrentAppointments)
	assert.False(t, s.IsBooked)
	assert.True(t, s.IsBookable())

	s.Claim(now.Add(time.Minute))
	assert.True(t, s.IsBooked)
	assert.False(t, s.IsBookable())
	assert.Equal(t, 0, s.AvailableCapacity())
	assert.Equal(t, 2, s.TotalBookings)
	require.NotNil(t, s.FirstBookedAt)
	assert.True(t, s.FirstBookedAt.Equal(now))

	s.Release()
	assert.Equal(t, 1, s.CurrentAppointments)
	assert.False(t, s.IsBooked)
	assert.Equal(t, 2, s.TotalBookings)
}

func TestIsBookable(t *testing.T) {
	base := TimeSlot{Status: SlotActive, IsAvailable: true, MaxAppointments: 1}

	holiday := base
	holiday.IsHoliday = true
	blocked := base
	blocked.Status = SlotBlocked
	closed := base
	closed.IsAvailable = false

	assert.True(t, base.IsBookable())
	assert.False(t, holiday.IsBookable())
	assert.False(t, blocked.IsBookable())
	assert.False(t, closed.IsBookable())
}

func TestFeeCents(t *testing.T) {
	d := &Doctor{ConsultationFeeCents: 40000}
	s := &TimeSlot{}
	assert.Equal(t, int64(40000), s.FeeCents(d))

	override := int64(25000)
	s.FeeOverrideCents = &override
	assert.Equal(t, int64(25000), s.FeeCents(d))
}

func TestPreferenceMatches(t *testing.T) {
	day := time.Date(2025, 5, 6, 0, 0, 0, 0, time.UTC)
	slot := &TimeSlot{
		Date:     day,
		StartsAt: day.Add(10 * time.Hour),
		EndsAt:   day.Add(10*time.Hour + 30*time.Minute),
		Mode:     ModeVideoCall,
	}
	nine, eleven, ten15 := 9*60, 11*60, 10*60+15
	other := day.AddDate(0, 0, 1)

	assert.True(t, Preference{}.Matches(slot))
	assert.True(t, Preference{Date: &day, StartMinute: &nine, EndMinute: &eleven}.Matches(slot))
	assert.False(t, Preference{Date: &other}.Matches(slot))
	assert.False(t, Preference{EndMinute: &ten15}.Matches(slot))
	assert.False(t, Preference{Mode: ModeInPerson}.Matches(slot))
}

func TestErrorKinds(t *testing.T) {
	id := uuid.New()
	tests := []struct {
		err    error
		kind   error
		reason string
	}{
		{Invalid("capacity", "must be at least 1"), ErrValidation, "must be at least 1"},
		{Conflict(ReasonSlotFull), ErrConflict, ReasonSlotFull},
		{Violation(ReasonDeadlinePassed, "%d hours left", 3), ErrPolicy, ReasonDeadlinePassed},
		{NotFound("appointment", id), ErrNotFound, ""},
	}
	for _, tt := range tests {
		wrapped := fmt.Errorf("book: %w", tt.err)
		assert.ErrorIs(t, wrapped, tt.kind)
		assert.Equal(t, tt.reason, ReasonOf(wrapped))
		for _, other := range []error{ErrValidation, ErrConflict, ErrPolicy, ErrNotFound} {
			if other != tt.kind {
				assert.False(t, errors.Is(wrapped, other))
			}
		}
	}
	assert.Contains(t, NotFound("appointment", id).Error(), id.String())
}
