package reminder

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/doctor-scheduling/internal/notify"
	"github.com/hackgods/doctor-scheduling/internal/scheduling"
	"github.com/hackgods/doctor-scheduling/internal/scheduling/schedtest"
)

type recordingPublisher struct {
	mu      sync.Mutex
	intents []notify.Intent
	err     error
}

func (p *recordingPublisher) Publish(_ context.Context, in notify.Intent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.intents = append(p.intents, in)
	return nil
}

var now = time.Date(2025, 4, 10, 9, 0, 0, 0, time.UTC)

func slotAt(start time.Time) *scheduling.TimeSlot {
	return &scheduling.TimeSlot{
		ID:            uuid.New(),
		DoctorID:      uuid.New(),
		Date:          scheduling.DateOf(start),
		StartsAt:      start,
		EndsAt:        start.Add(30 * time.Minute),
		SendReminders: true,
	}
}

func TestPlanDefaults(t *testing.T) {
	appt := &scheduling.Appointment{ID: uuid.New(), PatientID: uuid.New()}
	slot := slotAt(now.Add(48 * time.Hour))

	rs := Plan(appt, slot, nil, now)

	require.Len(t, rs, 4)
	assert.Equal(t, slot.StartsAt.Add(-24*time.Hour), rs[0].FireAt)
	assert.Equal(t, "sms", rs[0].Channel)
	assert.Equal(t, "email", rs[1].Channel)
	assert.Equal(t, slot.StartsAt.Add(-2*time.Hour), rs[2].FireAt)
	for _, r := range rs {
		assert.Equal(t, scheduling.ReminderPending, r.Status)
		assert.Equal(t, "patient", r.RecipientType)
		assert.Equal(t, appt.PatientID, r.PatientID)
	}
}

func TestPlanSkipsPastFireTimes(t *testing.T) {
	appt := &scheduling.Appointment{ID: uuid.New()}
	slot := slotAt(now.Add(10 * time.Hour))

	rs := Plan(appt, slot, nil, now)

	require.Len(t, rs, 2)
	for _, r := range rs {
		assert.Equal(t, "appointment_reminder_2h", r.MessageTemplate)
	}

	assert.Empty(t, Plan(appt, slotAt(now.Add(time.Hour)), nil, now))
}

func TestPlanPrecedence(t *testing.T) {
	appt := &scheduling.Appointment{ID: uuid.New()}
	doctor := &scheduling.Doctor{ReminderHours: []int{48}}

	slot := slotAt(now.Add(72 * time.Hour))
	rs := Plan(appt, slot, doctor, now)
	require.Len(t, rs, 2)
	assert.Equal(t, slot.StartsAt.Add(-48*time.Hour), rs[0].FireAt)

	slot.ReminderHours = []int{1, 1, 3}
	slot.ReminderChannels = []string{"push"}
	rs = Plan(appt, slot, doctor, now)
	require.Len(t, rs, 2)
	assert.Equal(t, slot.StartsAt.Add(-3*time.Hour), rs[0].FireAt)
	assert.Equal(t, slot.StartsAt.Add(-time.Hour), rs[1].FireAt)
	assert.Equal(t, "push", rs[1].Channel)
}

func seedAppointment(t *testing.T, repo *schedtest.Repository, slot *scheduling.TimeSlot) *scheduling.Appointment {
	t.Helper()
	appt := scheduling.Appointment{
		ID:         uuid.New(),
		Number:     "APT00000001",
		PatientID:  uuid.New(),
		DoctorID:   slot.DoctorID,
		TimeSlotID: slot.ID,
		Status:     scheduling.StatusConfirmed,
	}
	repo.PutAppointment(appt)
	return &appt
}

func TestScheduleCancelAndDispatch(t *testing.T) {
	repo := schedtest.New()
	pub := &recordingPublisher{}
	clock := now
	s := NewScheduler(repo, pub, nil, nil).WithClock(func() time.Time { return clock })
	ctx := context.Background()

	slot := slotAt(now.Add(30 * time.Hour))
	appt := seedAppointment(t, repo, slot)

	err := repo.WithTx(ctx, func(ctx context.Context, tx scheduling.Tx) error {
		_, err := s.ScheduleFor(ctx, tx, appt, slot, nil)
		return err
	})
	require.NoError(t, err)

	due, err := s.Due(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	clock = slot.StartsAt.Add(-23 * time.Hour)
	n, err := s.Dispatch(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.Len(t, pub.intents, 2)
	assert.Equal(t, notify.KindReminderDue, pub.intents[0].Kind)

	// Dispatched reminders are not handed out twice and wait for a delivery report.
	n, err = s.Dispatch(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, n)

	rs, err := repo.ListReminders(ctx, appt.ID)
	require.NoError(t, err)
	require.Len(t, rs, 4)
	var dispatched []scheduling.Reminder
	for _, r := range rs {
		if r.DispatchedAt != nil {
			assert.Equal(t, scheduling.ReminderPending, r.Status)
			dispatched = append(dispatched, r)
		}
	}
	require.Len(t, dispatched, 2)

	require.NoError(t, s.ReportDelivery(ctx, dispatched[0].ID, false, "bounced"))
	require.NoError(t, s.ReportDelivery(ctx, dispatched[1].ID, true, ""))

	rs, err = repo.ListReminders(ctx, appt.ID)
	require.NoError(t, err)
	statuses := map[uuid.UUID]scheduling.ReminderStatus{}
	for _, r := range rs {
		statuses[r.ID] = r.Status
	}
	assert.Equal(t, scheduling.ReminderFailed, statuses[dispatched[0].ID])
	assert.Equal(t, scheduling.ReminderSent, statuses[dispatched[1].ID])

	err = s.ReportDelivery(ctx, dispatched[0].ID, true, "")
	assert.ErrorIs(t, err, scheduling.ErrPolicy)

	err = repo.WithTx(ctx, func(ctx context.Context, tx scheduling.Tx) error {
		n, err := s.CancelFor(ctx, tx, appt.ID)
		assert.Equal(t, int64(2), n)
		return err
	})
	require.NoError(t, err)
}

func TestDispatchKeepsPendingWhenPublishFails(t *testing.T) {
	repo := schedtest.New()
	pub := &recordingPublisher{err: errors.New("broker down")}
	s := NewScheduler(repo, pub, nil, nil).WithClock(func() time.Time { return now })
	ctx := context.Background()

	slot := slotAt(now.Add(3 * time.Hour))
	slot.ReminderHours = []int{2}
	slot.ReminderChannels = []string{"sms"}
	appt := seedAppointment(t, repo, slot)
	require.NoError(t, repo.WithTx(ctx, func(ctx context.Context, tx scheduling.Tx) error {
		_, err := s.ScheduleFor(ctx, tx, appt, slot, nil)
		return err
	}))

	s.WithClock(func() time.Time { return slot.StartsAt.Add(-time.Hour) })
	n, err := s.Dispatch(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, n)

	due, err := s.Due(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, due, 1)
}

func TestScheduleForRespectsOptOut(t *testing.T) {
	s := NewScheduler(schedtest.New(), &recordingPublisher{}, nil, nil).WithClock(func() time.Time { return now })
	slot := slotAt(now.Add(48 * time.Hour))
	slot.SendReminders = false

	rs, err := s.ScheduleFor(context.Background(), nil, &scheduling.Appointment{}, slot, nil)
	require.NoError(t, err)
	assert.Nil(t, rs)
}

func TestReportDeliveryRequiresErrorOnFailure(t *testing.T) {
	s := NewScheduler(schedtest.New(), &recordingPublisher{}, nil, nil)
	err := s.ReportDelivery(context.Background(), uuid.New(), false, "")
	assert.ErrorIs(t, err, scheduling.ErrValidation)
}
