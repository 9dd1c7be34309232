package waitlist

import (
	"context"
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
}

func (p *recordingPublisher) Publish(_ context.Context, in notify.Intent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.intents = append(p.intents, in)
	return nil
}

var now = time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)

type fixture struct {
	m      *Manager
	repo   *schedtest.Repository
	pub    *recordingPublisher
	doctor scheduling.Doctor
	slot   scheduling.TimeSlot
}

func setup(t *testing.T) *fixture {
	t.Helper()
	repo := schedtest.New()
	pub := &recordingPublisher{}
	doctor := repo.AddDoctor(scheduling.Doctor{Name: "Dr. Lin", IsActive: true})

	start := time.Date(2025, 3, 12, 10, 0, 0, 0, time.UTC)
	slot := scheduling.TimeSlot{
		ID:              uuid.New(),
		DoctorID:        doctor.ID,
		Date:            scheduling.DateOf(start),
		StartsAt:        start,
		EndsAt:          start.Add(30 * time.Minute),
		Mode:            scheduling.ModeInPerson,
		MaxAppointments: 1,
		IsAvailable:     true,
		Status:          scheduling.SlotActive,
	}
	repo.PutSlot(slot)

	m := NewManager(repo, pub, nil, nil, 72*time.Hour).WithClock(func() time.Time { return now })
	return &fixture{m: m, repo: repo, pub: pub, doctor: doctor, slot: slot}
}

func TestEnqueueDefaultsAndExpiry(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	e, err := f.m.Enqueue(ctx, uuid.New(), f.doctor.ID, scheduling.Preference{}, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, PriorityNormal, e.Priority)
	assert.Equal(t, scheduling.WaitlistWaiting, e.Status)
	assert.Equal(t, now.Add(72*time.Hour), e.ExpiresAt)
	assert.Equal(t, []string{"sms", "email"}, e.NotificationChannels)

	day := time.Date(2025, 3, 11, 15, 0, 0, 0, time.UTC)
	e, err = f.m.Enqueue(ctx, uuid.New(), f.doctor.ID, scheduling.Preference{Date: &day}, PriorityUrgent, []string{"push"})
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 3, 12, 0, 0, 0, 0, time.UTC), e.ExpiresAt)
}

func TestEnqueueValidation(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	past := now.AddDate(0, 0, -1)
	nine, eight := 9*60, 8*60

	tests := []struct {
		name     string
		doctor   uuid.UUID
		pref     scheduling.Preference
		priority int
		kind     error
	}{
		{"priority too high", f.doctor.ID, scheduling.Preference{}, 4, scheduling.ErrValidation},
		{"past date", f.doctor.ID, scheduling.Preference{Date: &past}, 1, scheduling.ErrValidation},
		{"inverted window", f.doctor.ID, scheduling.Preference{StartMinute: &nine, EndMinute: &eight}, 1, scheduling.ErrValidation},
		{"bad mode", f.doctor.ID, scheduling.Preference{Mode: "carrier_pigeon"}, 1, scheduling.ErrValidation},
		{"unknown doctor", uuid.New(), scheduling.Preference{}, 1, scheduling.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.m.Enqueue(ctx, uuid.New(), tt.doctor, tt.pref, tt.priority, nil)
			assert.ErrorIs(t, err, tt.kind)
		})
	}
}

func TestOnSeatFreedPicksPriorityThenAge(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	enqueueAt := func(at time.Time, priority int, pref scheduling.Preference) *scheduling.WaitlistEntry {
		f.m.WithClock(func() time.Time { return at })
		e, err := f.m.Enqueue(ctx, uuid.New(), f.doctor.ID, pref, priority, nil)
		require.NoError(t, err)
		return e
	}

	otherDay := time.Date(2025, 3, 13, 0, 0, 0, 0, time.UTC)
	enqueueAt(now.Add(-3*time.Hour), PriorityNormal, scheduling.Preference{})
	enqueueAt(now.Add(-4*time.Hour), PriorityEmergency, scheduling.Preference{Date: &otherDay})
	olderUrgent := enqueueAt(now.Add(-2*time.Hour), PriorityUrgent, scheduling.Preference{})
	enqueueAt(now.Add(-time.Hour), PriorityUrgent, scheduling.Preference{})
	f.m.WithClock(func() time.Time { return now })

	got, err := f.m.OnSeatFreed(ctx, f.slot.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, olderUrgent.ID, got.ID)
	assert.Equal(t, scheduling.WaitlistNotified, got.Status)
	require.NotNil(t, got.NotifiedSlotID)
	assert.Equal(t, f.slot.ID, *got.NotifiedSlotID)

	stored, err := f.m.Get(ctx, olderUrgent.ID)
	require.NoError(t, err)
	assert.Equal(t, scheduling.WaitlistNotified, stored.Status)

	require.Len(t, f.pub.intents, 1)
	assert.Equal(t, notify.KindWaitlistSeatOpened, f.pub.intents[0].Kind)
	assert.Equal(t, olderUrgent.PatientID, f.pub.intents[0].PatientID)
}

func TestOnSeatFreedNoMatch(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	video := scheduling.Preference{Mode: scheduling.ModeVideoCall}
	_, err := f.m.Enqueue(ctx, uuid.New(), f.doctor.ID, video, PriorityEmergency, nil)
	require.NoError(t, err)

	got, err := f.m.OnSeatFreed(ctx, f.slot.ID)
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Empty(t, f.pub.intents)
}

func TestOnSeatFreedSkipsUnbookableSlot(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	_, err := f.m.Enqueue(ctx, uuid.New(), f.doctor.ID, scheduling.Preference{}, 1, nil)
	require.NoError(t, err)

	full := f.slot
	full.Claim(now)
	f.repo.PutSlot(full)

	got, err := f.m.OnSeatFreed(ctx, f.slot.ID)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestExpireStale(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	e, err := f.m.Enqueue(ctx, uuid.New(), f.doctor.ID, scheduling.Preference{}, 1, nil)
	require.NoError(t, err)

	f.m.WithClock(func() time.Time { return now.Add(73 * time.Hour) })
	n, err := f.m.ExpireStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	stored, err := f.m.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, scheduling.WaitlistExpired, stored.Status)

	got, err := f.m.OnSeatFreed(ctx, f.slot.ID)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestCancel(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	patient := uuid.New()
	e, err := f.m.Enqueue(ctx, patient, f.doctor.ID, scheduling.Preference{}, 1, nil)
	require.NoError(t, err)

	_, err = f.m.Cancel(ctx, e.ID, uuid.New())
	assert.Equal(t, scheduling.ReasonNotOwner, scheduling.ReasonOf(err))

	cancelled, err := f.m.Cancel(ctx, e.ID, patient)
	require.NoError(t, err)
	assert.Equal(t, scheduling.WaitlistCancelled, cancelled.Status)

	_, err = f.m.Cancel(ctx, e.ID, patient)
	assert.ErrorIs(t, err, scheduling.ErrPolicy)
}
