package booking

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/doctor-scheduling/internal/audit"
	"github.com/hackgods/doctor-scheduling/internal/db"
	"github.com/hackgods/doctor-scheduling/internal/notify"
	"github.com/hackgods/doctor-scheduling/internal/reminder"
	"github.com/hackgods/doctor-scheduling/internal/scheduling"
	"github.com/hackgods/doctor-scheduling/internal/slots"
	"github.com/hackgods/doctor-scheduling/internal/waitlist"
)

// pgFixture runs against the database named by TEST_DATABASE_URL. Every test
// creates its own doctor, so runs never collide and nothing needs truncating.
type pgFixture struct {
	repo   *scheduling.PgRepository
	slots  *slots.Manager
	wl     *waitlist.Manager
	engine *Engine
	pub    *recordingPublisher
	doctor scheduling.Doctor
}

func newPgFixture(t *testing.T) *pgFixture {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	m, err := db.NewMigrator(dsn)
	require.NoError(t, err)
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		t.Fatalf("migrate up: %v", err)
	}
	require.NoError(t, m.Close())

	ctx := context.Background()
	pool, err := db.ConnectPostgres(ctx, dsn, db.PoolOptions{MaxConns: 10})
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	repo := scheduling.NewPgRepository(pool, 10*time.Second)
	doctor := scheduling.Doctor{
		ID:                      uuid.New(),
		Name:                    "Dr. Integration",
		ConsultationFeeCents:    12000,
		ConsultationDuration:    30,
		AdvanceBookingDays:      30,
		CancellationPolicyHours: 24,
		IsActive:                true,
	}
	require.NoError(t, repo.WithTx(ctx, func(ctx context.Context, tx scheduling.Tx) error {
		return tx.InsertDoctor(ctx, &doctor)
	}))

	pub := &recordingPublisher{}
	trail := audit.NewTrail(repo, nil, nil)
	reminders := reminder.NewScheduler(repo, pub, nil, nil)
	wl := waitlist.NewManager(repo, pub, nil, nil, 0)
	return &pgFixture{
		repo:   repo,
		slots:  slots.NewManager(repo, nil),
		wl:     wl,
		engine: NewEngine(repo, trail, reminders, wl, nil, nil),
		pub:    pub,
		doctor: doctor,
	}
}

func (f *pgFixture) slot(t *testing.T, capacity int) *scheduling.TimeSlot {
	t.Helper()
	start := time.Now().UTC().Truncate(time.Hour).Add(72 * time.Hour)
	s, err := f.slots.CreateSlot(context.Background(), f.doctor.ID, slots.SlotSpec{
		StartsAt:        start,
		EndsAt:          start.Add(30 * time.Minute),
		Mode:            scheduling.ModeInPerson,
		MaxAppointments: capacity,
	})
	require.NoError(t, err)
	return s
}

func TestPostgresDoctorAndSlotDefaults(t *testing.T) {
	f := newPgFixture(t)
	assert.Equal(t, []int{24, 2}, f.doctor.ReminderHours)
	assert.NotEmpty(t, f.doctor.DoctorNumber)

	s := f.slot(t, 1)
	stored, err := f.repo.GetSlot(context.Background(), s.ID)
	require.NoError(t, err)
	assert.NotNil(t, stored.ReminderHours)
	assert.NotNil(t, stored.ReminderChannels)
	assert.Equal(t, 24, stored.Restrictions.CancellationDeadlineHours)
	assert.Equal(t, 30, stored.Restrictions.MaxAdvanceDays)
}

func TestPostgresConcurrentBookingNeverOversells(t *testing.T) {
	f := newPgFixture(t)
	const capacity, contenders = 3, 16
	s := f.slot(t, capacity)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		booked    []*scheduling.Appointment
		conflicts int
		others    []error
	)
	start := make(chan struct{})
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			appt, err := f.engine.Book(context.Background(), uuid.New(), s.ID, BookingDetails{})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				booked = append(booked, appt)
			case errors.Is(err, scheduling.ErrConflict):
				assert.Equal(t, scheduling.ReasonSlotFull, scheduling.ReasonOf(err))
				conflicts++
			default:
				others = append(others, err)
			}
		}()
	}
	close(start)
	wg.Wait()

	require.Empty(t, others)
	assert.Len(t, booked, capacity)
	assert.Equal(t, contenders-capacity, conflicts)

	stored, err := f.repo.GetSlot(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, capacity, stored.CurrentAppointments)
	assert.Equal(t, capacity, stored.TotalBookings)
	assert.False(t, stored.IsBookable())

	numbers := map[string]bool{}
	for _, a := range booked {
		assert.False(t, numbers[a.Number], "duplicate appointment number %s", a.Number)
		numbers[a.Number] = true
	}
}

func TestPostgresFreedSeatGoesToBestWaitlistEntry(t *testing.T) {
	f := newPgFixture(t)
	ctx := context.Background()
	s := f.slot(t, 1)

	patient := uuid.New()
	appt, err := f.engine.Book(ctx, patient, s.ID, BookingDetails{})
	require.NoError(t, err)

	normal, err := f.wl.Enqueue(ctx, uuid.New(), f.doctor.ID, scheduling.Preference{}, waitlist.PriorityNormal, nil)
	require.NoError(t, err)
	urgent, err := f.wl.Enqueue(ctx, uuid.New(), f.doctor.ID, scheduling.Preference{Mode: scheduling.ModeInPerson}, waitlist.PriorityUrgent, nil)
	require.NoError(t, err)

	_, err = f.engine.Cancel(ctx, appt.ID, scheduling.Actor{Type: scheduling.ActorPatient, ID: &patient}, "conflict at work")
	require.NoError(t, err)

	got, err := f.wl.Get(ctx, urgent.ID)
	require.NoError(t, err)
	assert.Equal(t, scheduling.WaitlistNotified, got.Status)
	require.NotNil(t, got.NotifiedSlotID)
	assert.Equal(t, s.ID, *got.NotifiedSlotID)

	got, err = f.wl.Get(ctx, normal.ID)
	require.NoError(t, err)
	assert.Equal(t, scheduling.WaitlistWaiting, got.Status)
	assert.Contains(t, f.pub.kinds(), notify.KindWaitlistSeatOpened)
}

func TestPostgresWaitlistClaimSkipsLockedEntries(t *testing.T) {
	f := newPgFixture(t)
	ctx := context.Background()
	s := f.slot(t, 1)

	first, err := f.wl.Enqueue(ctx, uuid.New(), f.doctor.ID, scheduling.Preference{}, waitlist.PriorityEmergency, nil)
	require.NoError(t, err)
	second, err := f.wl.Enqueue(ctx, uuid.New(), f.doctor.ID, scheduling.Preference{}, waitlist.PriorityNormal, nil)
	require.NoError(t, err)

	held := make(chan uuid.UUID, 1)
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- f.repo.WithTx(ctx, func(ctx context.Context, tx scheduling.Tx) error {
			e, err := tx.ClaimWaitlistMatch(ctx, s, time.Now().UTC())
			if err != nil {
				close(held)
				return err
			}
			held <- e.ID
			<-release
			return nil
		})
	}()

	lockedID, ok := <-held
	if !ok {
		t.Fatalf("first claim failed: %v", <-done)
	}
	assert.Equal(t, first.ID, lockedID)

	// The emergency entry is row-locked by the open transaction, so a second
	// claimer must move on to the next entry instead of waiting.
	var skippedTo uuid.UUID
	err = f.repo.WithTx(ctx, func(ctx context.Context, tx scheduling.Tx) error {
		e, err := tx.ClaimWaitlistMatch(ctx, s, time.Now().UTC())
		if err != nil {
			return err
		}
		skippedTo = e.ID
		return nil
	})
	close(release)
	require.NoError(t, err)
	require.NoError(t, <-done)
	assert.Equal(t, second.ID, skippedTo)
}
