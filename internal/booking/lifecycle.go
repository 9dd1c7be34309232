package booking

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/hackgods/doctor-scheduling/internal/audit"
	"github.com/hackgods/doctor-scheduling/internal/scheduling"
	"github.com/hackgods/doctor-scheduling/internal/slots"
)

// RescheduleOptions carries what a reschedule needs besides the target slot.
type RescheduleOptions struct {
	Patient slots.PatientProfile
	Reason  string
}

// Outcome is what the doctor records when completing a consultation.
type Outcome struct {
	DoctorNotes      string
	Diagnosis        string
	TreatmentPlan    string
	FollowUpRequired bool
	FollowUpDate     *time.Time
}

// checkDeadline rejects changes once the slot is closer than its cancellation deadline.
func checkDeadline(slot *scheduling.TimeSlot, now time.Time) error {
	until := slot.StartsAt.Sub(now)
	deadline := time.Duration(slot.Restrictions.CancellationDeadlineHours) * time.Hour
	if until < deadline {
		return scheduling.Violation(scheduling.ReasonDeadlinePassed,
			"changes close %dh before the appointment", slot.Restrictions.CancellationDeadlineHours)
	}
	return nil
}

func idAttr(id uuid.UUID) attribute.KeyValue {
	return attribute.String("scheduling.appointment_id", id.String())
}

// Cancel cancels an appointment and gives its seat back in the same transaction.
func (e *Engine) Cancel(ctx context.Context, id uuid.UUID, actor scheduling.Actor, reason string) (appt *scheduling.Appointment, err error) {
	ctx, span, began := e.start(ctx, "cancel", idAttr(id))
	defer func() { e.finish(span, "cancel", began, err) }()

	now := e.now().UTC()
	var prevStatus scheduling.AppointmentStatus
	err = e.repo.WithTx(ctx, func(ctx context.Context, tx scheduling.Tx) error {
		a, err := tx.GetAppointmentForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if a.Status.Terminal() {
			return scheduling.Violation(scheduling.ReasonTerminalState, "appointment is %s", a.Status)
		}
		if a.Status == scheduling.StatusInProgress {
			return scheduling.Violation(scheduling.ReasonInvalidTransition, "consultation already started")
		}

		slot, err := tx.GetSlotForUpdate(ctx, a.TimeSlotID)
		if err != nil {
			return err
		}
		if err := checkDeadline(slot, now); err != nil {
			return err
		}

		slot.Release()
		slot.UpdatedAt = now
		if err := tx.UpdateSlotCapacity(ctx, slot); err != nil {
			return err
		}

		prevStatus = a.Status
		cancelAppointment(a, actor, reason, now)
		if err := tx.UpdateAppointment(ctx, a); err != nil {
			return err
		}
		if _, err := e.reminders.CancelFor(ctx, tx, a.ID); err != nil {
			return err
		}
		appt = a
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("appointment cancelled",
		zap.String("appointment_id", id.String()),
		zap.String("slot_id", appt.TimeSlotID.String()),
	)
	e.trail.Record(ctx, audit.Entry{
		AppointmentID: appt.ID,
		PatientID:     &appt.PatientID,
		Actor:         actor,
		ChangeType:    audit.ChangeCancelled,
		Previous:      map[string]any{"status": prevStatus},
		New:           map[string]any{"status": appt.Status, "booking_status": appt.BookingStatus},
		Reason:        reason,
	})
	e.seatFreed(ctx, appt.TimeSlotID)
	return appt, nil
}

func cancelAppointment(a *scheduling.Appointment, actor scheduling.Actor, reason string, now time.Time) {
	a.Status = scheduling.StatusCancelled
	a.BookingStatus = scheduling.BookingCancelled
	a.CancelledAt = &now
	a.CancelledBy = actor.Type
	a.CancellationReason = reason
	a.UpdatedAt = now
}

// Reschedule moves an appointment to newSlotID. Both seat counters change in one
// transaction; if the new seat cannot be claimed the old one is kept.
func (e *Engine) Reschedule(ctx context.Context, id, newSlotID uuid.UUID, actor scheduling.Actor, opts RescheduleOptions) (appt *scheduling.Appointment, err error) {
	ctx, span, began := e.start(ctx, "reschedule",
		idAttr(id),
		attribute.String("scheduling.new_slot_id", newSlotID.String()),
	)
	defer func() { e.finish(span, "reschedule", began, err) }()

	now := e.now().UTC()
	var oldSlotID uuid.UUID
	var prevCount int
	err = e.repo.WithTx(ctx, func(ctx context.Context, tx scheduling.Tx) error {
		a, err := tx.GetAppointmentForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if a.Status.Terminal() {
			return scheduling.Violation(scheduling.ReasonTerminalState, "appointment is %s", a.Status)
		}
		if a.Status == scheduling.StatusInProgress {
			return scheduling.Violation(scheduling.ReasonInvalidTransition, "consultation already started")
		}
		if a.RescheduledCount >= scheduling.MaxReschedules {
			return scheduling.Violation(scheduling.ReasonRescheduleLimit,
				"appointment was already rescheduled %d times", a.RescheduledCount)
		}
		if a.TimeSlotID == newSlotID {
			return scheduling.Invalid("time_slot_id", "appointment is already in this slot")
		}

		oldSlot, newSlot, err := lockPair(ctx, tx, a.TimeSlotID, newSlotID)
		if err != nil {
			return err
		}
		if err := checkDeadline(oldSlot, now); err != nil {
			return err
		}
		if newSlot.DoctorID != oldSlot.DoctorID {
			return scheduling.Violation(scheduling.ReasonDoctorMismatch, "new slot belongs to another doctor")
		}
		if !newSlot.IsBookable() {
			return unavailable(newSlot)
		}
		if el := slots.CheckEligibility(newSlot, opts.Patient, now); !el.OK {
			return eligibilityError(el, newSlot)
		}
		doctor, err := tx.GetDoctor(ctx, newSlot.DoctorID)
		if err != nil {
			return err
		}
		if !doctor.IsActive {
			return scheduling.Violation(scheduling.ReasonDoctorUnavailable, "doctor %s is not accepting appointments", doctor.DoctorNumber)
		}

		oldSlot.Release()
		oldSlot.UpdatedAt = now
		newSlot.Claim(now)
		newSlot.UpdatedAt = now
		if err := tx.UpdateSlotCapacity(ctx, oldSlot); err != nil {
			return err
		}
		if err := tx.UpdateSlotCapacity(ctx, newSlot); err != nil {
			return err
		}

		oldSlotID, prevCount = a.TimeSlotID, a.RescheduledCount
		prev := a.TimeSlotID
		a.OriginalTimeSlotID = &prev
		a.TimeSlotID = newSlot.ID
		a.Mode = newSlot.Mode
		a.RescheduledCount++
		a.RescheduledAt = &now
		a.RescheduledBy = actor.Type
		a.Status = scheduling.StatusPending
		a.BookingStatus = scheduling.BookingRescheduled
		a.ConfirmedAt = nil
		a.ConsultationFeeCents = newSlot.FeeCents(doctor)
		a.Price()
		a.UpdatedAt = now
		if err := tx.UpdateAppointment(ctx, a); err != nil {
			return err
		}

		if _, err := e.reminders.CancelFor(ctx, tx, a.ID); err != nil {
			return err
		}
		if _, err := e.reminders.ScheduleFor(ctx, tx, a, newSlot, doctor); err != nil {
			return err
		}
		appt = a
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("appointment rescheduled",
		zap.String("appointment_id", id.String()),
		zap.String("from_slot_id", oldSlotID.String()),
		zap.String("to_slot_id", newSlotID.String()),
		zap.Int("rescheduled_count", appt.RescheduledCount),
	)
	e.trail.Record(ctx, audit.Entry{
		AppointmentID: appt.ID,
		PatientID:     &appt.PatientID,
		Actor:         actor,
		ChangeType:    audit.ChangeRescheduled,
		Previous:      map[string]any{"time_slot_id": oldSlotID.String(), "rescheduled_count": prevCount},
		New:           map[string]any{"time_slot_id": newSlotID.String(), "rescheduled_count": appt.RescheduledCount, "status": appt.Status},
		Reason:        opts.Reason,
	})
	e.seatFreed(ctx, oldSlotID)
	return appt, nil
}

// lockPair locks two slot rows in id order so concurrent reschedules cannot deadlock.
func lockPair(ctx context.Context, tx scheduling.Tx, current, next uuid.UUID) (*scheduling.TimeSlot, *scheduling.TimeSlot, error) {
	first, second := current, next
	if next.String() < current.String() {
		first, second = next, current
	}
	a, err := tx.GetSlotForUpdate(ctx, first)
	if err != nil {
		return nil, nil, err
	}
	b, err := tx.GetSlotForUpdate(ctx, second)
	if err != nil {
		return nil, nil, err
	}
	if first == current {
		return a, b, nil
	}
	return b, a, nil
}

// transition describes one linear step of the consultation lifecycle.
type transition struct {
	op     string
	change string
	from   []scheduling.AppointmentStatus
	apply  func(a *scheduling.Appointment, now time.Time)
}

func (t transition) allowed(s scheduling.AppointmentStatus) bool {
	for _, f := range t.from {
		if f == s {
			return true
		}
	}
	return false
}

func (e *Engine) advance(ctx context.Context, id uuid.UUID, actor scheduling.Actor, t transition) (appt *scheduling.Appointment, err error) {
	ctx, span, began := e.start(ctx, t.op, idAttr(id))
	defer func() { e.finish(span, t.op, began, err) }()

	now := e.now().UTC()
	var prev scheduling.AppointmentStatus
	err = e.repo.WithTx(ctx, func(ctx context.Context, tx scheduling.Tx) error {
		a, err := tx.GetAppointmentForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if a.Status.Terminal() {
			return scheduling.Violation(scheduling.ReasonTerminalState, "appointment is %s", a.Status)
		}
		if !t.allowed(a.Status) {
			return scheduling.Violation(scheduling.ReasonInvalidTransition, "cannot %s from %s", t.op, a.Status)
		}
		prev = a.Status
		t.apply(a, now)
		a.UpdatedAt = now
		if err := tx.UpdateAppointment(ctx, a); err != nil {
			return err
		}
		if a.Status == scheduling.StatusNoShow {
			if _, err := e.reminders.CancelFor(ctx, tx, a.ID); err != nil {
				return err
			}
		}
		appt = a
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.trail.Record(ctx, audit.Entry{
		AppointmentID: appt.ID,
		PatientID:     &appt.PatientID,
		Actor:         actor,
		ChangeType:    t.change,
		Previous:      map[string]any{"status": prev},
		New:           map[string]any{"status": appt.Status},
	})
	return appt, nil
}

// Confirm records the doctor's confirmation of a pending appointment.
func (e *Engine) Confirm(ctx context.Context, id uuid.UUID, actor scheduling.Actor) (*scheduling.Appointment, error) {
	return e.advance(ctx, id, actor, transition{
		op:     "confirm",
		change: audit.ChangeConfirmed,
		from:   []scheduling.AppointmentStatus{scheduling.StatusPending},
		apply: func(a *scheduling.Appointment, now time.Time) {
			a.Status = scheduling.StatusConfirmed
			a.ConfirmedAt = &now
		},
	})
}

// CheckIn marks the patient as arrived. A pending appointment is confirmed on arrival.
func (e *Engine) CheckIn(ctx context.Context, id uuid.UUID, actor scheduling.Actor) (*scheduling.Appointment, error) {
	return e.advance(ctx, id, actor, transition{
		op:     "check_in",
		change: audit.ChangeCheckedIn,
		from:   []scheduling.AppointmentStatus{scheduling.StatusPending, scheduling.StatusConfirmed},
		apply: func(a *scheduling.Appointment, now time.Time) {
			if a.ConfirmedAt == nil {
				a.ConfirmedAt = &now
			}
			a.Status = scheduling.StatusConfirmed
			a.CheckInAt = &now
		},
	})
}

func (e *Engine) Start(ctx context.Context, id uuid.UUID, actor scheduling.Actor) (*scheduling.Appointment, error) {
	return e.advance(ctx, id, actor, transition{
		op:     "start",
		change: audit.ChangeStarted,
		from:   []scheduling.AppointmentStatus{scheduling.StatusConfirmed},
		apply: func(a *scheduling.Appointment, now time.Time) {
			a.Status = scheduling.StatusInProgress
			a.StartedAt = &now
		},
	})
}

// Complete closes an in-progress consultation, records its length and prices it.
func (e *Engine) Complete(ctx context.Context, id uuid.UUID, actor scheduling.Actor, out Outcome) (*scheduling.Appointment, error) {
	return e.advance(ctx, id, actor, transition{
		op:     "complete",
		change: audit.ChangeCompleted,
		from:   []scheduling.AppointmentStatus{scheduling.StatusInProgress},
		apply: func(a *scheduling.Appointment, now time.Time) {
			a.Status = scheduling.StatusCompleted
			a.EndedAt = &now
			a.CompletedAt = &now
			if a.StartedAt != nil {
				mins := int(now.Sub(*a.StartedAt).Round(time.Minute) / time.Minute)
				a.ActualDurationMinutes = &mins
			}
			a.DoctorNotes = out.DoctorNotes
			a.Diagnosis = out.Diagnosis
			a.TreatmentPlan = out.TreatmentPlan
			a.FollowUpRequired = out.FollowUpRequired
			a.FollowUpDate = out.FollowUpDate
			a.Price()
		},
	})
}

// MarkNoShow closes a confirmed appointment the patient never attended. The seat stays
// consumed: the slot time has passed.
func (e *Engine) MarkNoShow(ctx context.Context, id uuid.UUID, actor scheduling.Actor) (*scheduling.Appointment, error) {
	return e.advance(ctx, id, actor, transition{
		op:     "no_show",
		change: audit.ChangeNoShow,
		from:   []scheduling.AppointmentStatus{scheduling.StatusConfirmed},
		apply: func(a *scheduling.Appointment, _ time.Time) {
			a.Status = scheduling.StatusNoShow
		},
	})
}

// RetireSlot cancels every live appointment on a slot and retires it, all in one
// transaction. The cancellation deadline does not apply. A consultation that is already
// in progress blocks the whole operation.
func (e *Engine) RetireSlot(ctx context.Context, slotID uuid.UUID, status scheduling.SlotStatus, actor scheduling.Actor, reason string) (slot *scheduling.TimeSlot, cancelled []scheduling.Appointment, err error) {
	ctx, span, began := e.start(ctx, "retire_slot", attribute.String("scheduling.slot_id", slotID.String()))
	defer func() { e.finish(span, "retire_slot", began, err) }()

	if status != scheduling.SlotCancelled && status != scheduling.SlotBlocked {
		return nil, nil, scheduling.Invalid("status", "must be cancelled or blocked")
	}

	now := e.now().UTC()
	err = e.repo.WithTx(ctx, func(ctx context.Context, tx scheduling.Tx) error {
		s, err := tx.GetSlotForUpdate(ctx, slotID)
		if err != nil {
			return err
		}
		live, err := tx.ListLiveAppointmentsForSlot(ctx, slotID)
		if err != nil {
			return err
		}
		for i := range live {
			if live[i].Status == scheduling.StatusInProgress {
				return scheduling.Violation(scheduling.ReasonSlotHasAppointments,
					"appointment %s is in progress", live[i].Number)
			}
		}

		cancelled = cancelled[:0]
		for i := range live {
			a := &live[i]
			cancelAppointment(a, actor, reason, now)
			if err := tx.UpdateAppointment(ctx, a); err != nil {
				return err
			}
			if _, err := e.reminders.CancelFor(ctx, tx, a.ID); err != nil {
				return err
			}
			s.Release()
			cancelled = append(cancelled, *a)
		}

		s.UpdatedAt = now
		if err := tx.UpdateSlotCapacity(ctx, s); err != nil {
			return err
		}
		slots.ApplyRetirement(s, status, reason, now)
		if err := tx.UpdateSlotStatus(ctx, s); err != nil {
			return err
		}
		slot = s
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	e.logger.Info("slot retired",
		zap.String("slot_id", slotID.String()),
		zap.String("status", string(status)),
		zap.Int("cancelled_appointments", len(cancelled)),
	)
	for i := range cancelled {
		a := cancelled[i]
		e.trail.Record(ctx, audit.Entry{
			AppointmentID: a.ID,
			PatientID:     &a.PatientID,
			Actor:         actor,
			ChangeType:    audit.ChangeCancelled,
			New:           map[string]any{"status": a.Status, "slot_status": status},
			Reason:        reason,
		})
	}
	return slot, cancelled, nil
}
