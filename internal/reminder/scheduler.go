package reminder

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/doctor-scheduling/internal/metrics"
	"github.com/hackgods/doctor-scheduling/internal/notify"
	"github.com/hackgods/doctor-scheduling/internal/scheduling"
)

var (
	DefaultHours    = []int{24, 2}
	DefaultChannels = []string{"sms", "email"}
)

// TxWriter is the transactional half of the store; scheduling.Tx satisfies it.
type TxWriter interface {
	InsertReminders(ctx context.Context, rs []scheduling.Reminder) error
	CancelPendingReminders(ctx context.Context, appointmentID uuid.UUID) (int64, error)
}

// Store is the delivery-side half; scheduling.Repository satisfies it.
type Store interface {
	ListDueReminders(ctx context.Context, now time.Time, limit int) ([]scheduling.Reminder, error)
	MarkReminderDispatched(ctx context.Context, id uuid.UUID, at time.Time) error
	UpdateReminderDelivery(ctx context.Context, id uuid.UUID, status scheduling.ReminderStatus, at time.Time, errMsg string) error
}

// Plan derives the reminders for an appointment. Offsets come from the slot,
// then the doctor, then DefaultHours. Reminders whose fire time already passed are skipped.
func Plan(appt *scheduling.Appointment, slot *scheduling.TimeSlot, doctor *scheduling.Doctor, now time.Time) []scheduling.Reminder {
	hours := DefaultHours
	switch {
	case len(slot.ReminderHours) > 0:
		hours = slot.ReminderHours
	case doctor != nil && len(doctor.ReminderHours) > 0:
		hours = doctor.ReminderHours
	}
	channels := DefaultChannels
	if len(slot.ReminderChannels) > 0 {
		channels = slot.ReminderChannels
	}

	hours = uniqueSorted(hours)

	var out []scheduling.Reminder
	for _, h := range hours {
		fireAt := slot.StartsAt.Add(-time.Duration(h) * time.Hour)
		if !fireAt.After(now) {
			continue
		}
		for _, ch := range channels {
			out = append(out, scheduling.Reminder{
				ID:              uuid.New(),
				AppointmentID:   appt.ID,
				PatientID:       appt.PatientID,
				Channel:         ch,
				RecipientType:   "patient",
				FireAt:          fireAt.UTC(),
				MessageTemplate: fmt.Sprintf("appointment_reminder_%dh", h),
				Status:          scheduling.ReminderPending,
				CreatedAt:       now.UTC(),
			})
		}
	}
	return out
}

// uniqueSorted returns positive offsets, largest first.
func uniqueSorted(hours []int) []int {
	seen := make(map[int]bool, len(hours))
	out := make([]int, 0, len(hours))
	for _, h := range hours {
		if h <= 0 || seen[h] {
			continue
		}
		seen[h] = true
		out = append(out, h)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(out)))
	return out
}

type Scheduler struct {
	store   Store
	pub     notify.Publisher
	logger  *zap.Logger
	metrics *metrics.SchedulingMetrics
	now     func() time.Time
}

func NewScheduler(store Store, pub notify.Publisher, logger *zap.Logger, m *metrics.SchedulingMetrics) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		store:   store,
		pub:     pub,
		logger:  logger,
		metrics: m,
		now:     time.Now,
	}
}

func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	if now != nil {
		s.now = now
	}
	return s
}

// ScheduleFor plans and stores reminders inside the caller's transaction.
func (s *Scheduler) ScheduleFor(ctx context.Context, w TxWriter, appt *scheduling.Appointment, slot *scheduling.TimeSlot, doctor *scheduling.Doctor) ([]scheduling.Reminder, error) {
	if !slot.SendReminders {
		return nil, nil
	}
	rs := Plan(appt, slot, doctor, s.now())
	if len(rs) == 0 {
		return nil, nil
	}
	if err := w.InsertReminders(ctx, rs); err != nil {
		return nil, fmt.Errorf("schedule reminders: %w", err)
	}
	s.metrics.ObserveReminder("planned", len(rs))
	return rs, nil
}

// CancelFor cancels every pending reminder of the appointment inside the caller's transaction.
func (s *Scheduler) CancelFor(ctx context.Context, w TxWriter, appointmentID uuid.UUID) (int64, error) {
	n, err := w.CancelPendingReminders(ctx, appointmentID)
	if err != nil {
		return 0, fmt.Errorf("cancel reminders: %w", err)
	}
	s.metrics.ObserveReminder("cancelled", int(n))
	return n, nil
}

func (s *Scheduler) Due(ctx context.Context, limit int) ([]scheduling.Reminder, error) {
	if limit <= 0 {
		limit = 100
	}
	rs, err := s.store.ListDueReminders(ctx, s.now(), limit)
	if err != nil {
		return nil, fmt.Errorf("list due reminders: %w", err)
	}
	return rs, nil
}

// ReportDelivery records the outcome reported by a delivery worker.
func (s *Scheduler) ReportDelivery(ctx context.Context, id uuid.UUID, sent bool, errMsg string) error {
	status := scheduling.ReminderSent
	if !sent {
		status = scheduling.ReminderFailed
		if errMsg == "" {
			return scheduling.Invalid("error", "required when delivery failed")
		}
	}
	if err := s.store.UpdateReminderDelivery(ctx, id, status, s.now().UTC(), errMsg); err != nil {
		return err
	}
	s.metrics.ObserveReminder(string(status), 1)
	return nil
}

// Dispatch hands due reminders to the broker. A published reminder is marked
// dispatched but stays pending until the delivery worker reports sent or failed.
// A reminder whose publish fails is picked up again on the next pass.
func (s *Scheduler) Dispatch(ctx context.Context, limit int) (int, error) {
	due, err := s.Due(ctx, limit)
	if err != nil {
		return 0, err
	}

	dispatched := 0
	for _, r := range due {
		apptID, reminderID := r.AppointmentID, r.ID
		err := s.pub.Publish(ctx, notify.Intent{
			Kind:          notify.KindReminderDue,
			PatientID:     r.PatientID,
			AppointmentID: &apptID,
			ReminderID:    &reminderID,
			Channels:      []string{r.Channel},
			Template:      r.MessageTemplate,
			OccurredAt:    s.now().UTC(),
		})
		if err != nil {
			s.logger.Warn("reminder publish failed",
				zap.String("reminder_id", r.ID.String()),
				zap.Error(err),
			)
			continue
		}
		if err := s.store.MarkReminderDispatched(ctx, r.ID, s.now().UTC()); err != nil {
			s.logger.Warn("reminder mark dispatched failed",
				zap.String("reminder_id", r.ID.String()),
				zap.Error(err),
			)
			continue
		}
		dispatched++
	}
	s.metrics.ObserveReminder("dispatched", dispatched)
	return dispatched, nil
}
