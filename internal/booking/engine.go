package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/hackgods/doctor-scheduling/internal/audit"
	"github.com/hackgods/doctor-scheduling/internal/metrics"
	"github.com/hackgods/doctor-scheduling/internal/reminder"
	"github.com/hackgods/doctor-scheduling/internal/scheduling"
	"github.com/hackgods/doctor-scheduling/internal/slots"
)

var tracer = otel.Tracer("doctor-scheduling.internal.booking")

// SeatListener is told when a cancellation or reschedule gives a seat back.
type SeatListener interface {
	OnSeatFreed(ctx context.Context, slotID uuid.UUID) (*scheduling.WaitlistEntry, error)
}

// BookingDetails carries everything about a booking request besides patient and slot.
type BookingDetails struct {
	Patient                  slots.PatientProfile
	AppointmentType          string
	Mode                     scheduling.ConsultationMode
	ChiefComplaint           string
	AdditionalFeesCents      int64
	InsuranceCoveragePercent float64
	PaymentMethod            string
	IdempotencyKey           string
	BookedBy                 scheduling.Actor
	Source                   string
}

// Engine is the only writer of a slot's seat counter. Every transition runs in
// one repository transaction holding the slot row lock.
type Engine struct {
	repo      scheduling.Repository
	trail     *audit.Trail
	reminders *reminder.Scheduler
	seats     SeatListener
	logger    *zap.Logger
	metrics   *metrics.SchedulingMetrics
	now       func() time.Time
}

func NewEngine(repo scheduling.Repository, trail *audit.Trail, reminders *reminder.Scheduler, seats SeatListener, logger *zap.Logger, m *metrics.SchedulingMetrics) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		repo:      repo,
		trail:     trail,
		reminders: reminders,
		seats:     seats,
		logger:    logger,
		metrics:   m,
		now:       time.Now,
	}
}

func (e *Engine) WithClock(now func() time.Time) *Engine {
	if now != nil {
		e.now = now
	}
	return e
}

func (e *Engine) start(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span, time.Time) {
	ctx, span := tracer.Start(ctx, "booking."+op)
	span.SetAttributes(attrs...)
	return ctx, span, time.Now()
}

func (e *Engine) finish(span trace.Span, op string, began time.Time, err error) {
	e.metrics.ObserveOperation(op, err, time.Since(began).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, scheduling.ReasonOf(err))
	}
	span.End()
}

func appointmentNumber(n int64) string {
	return fmt.Sprintf("APT%08d", n)
}

// unavailable classifies why a locked slot cannot take a booking.
func unavailable(s *scheduling.TimeSlot) error {
	if s.Status != scheduling.SlotActive || !s.IsAvailable || s.IsHoliday {
		return scheduling.Conflict(scheduling.ReasonSlotUnavailable)
	}
	return scheduling.Conflict(scheduling.ReasonSlotFull)
}

func eligibilityError(el slots.Eligibility, s *scheduling.TimeSlot) error {
	if el.Reason == slots.ReasonSlotUnavailable {
		return unavailable(s)
	}
	return scheduling.Violation(el.Reason, "%s", el.Message)
}

func (d *BookingDetails) validate() error {
	if d.AdditionalFeesCents < 0 {
		return scheduling.Invalid("additional_fees_cents", "must not be negative")
	}
	if d.InsuranceCoveragePercent < 0 || d.InsuranceCoveragePercent > 100 {
		return scheduling.Invalid("insurance_coverage_percent", "must be between 0 and 100")
	}
	if d.Mode != "" && !d.Mode.Valid() {
		return scheduling.Invalid("consultation_mode", "unknown consultation mode")
	}
	if len(d.IdempotencyKey) > 255 {
		return scheduling.Invalid("idempotency_key", "too long")
	}
	return nil
}

// Book claims one seat of slotID for patientID.
//
// The read before the transaction only filters obvious rejections; the decision is
// taken again under the slot row lock. A patient repeating an idempotency key gets
// the appointment created by the first call.
func (e *Engine) Book(ctx context.Context, patientID, slotID uuid.UUID, d BookingDetails) (appt *scheduling.Appointment, err error) {
	ctx, span, began := e.start(ctx, "book",
		attribute.String("scheduling.slot_id", slotID.String()),
		attribute.String("scheduling.patient_id", patientID.String()),
	)
	defer func() { e.finish(span, "book", began, err) }()

	if patientID == uuid.Nil {
		return nil, scheduling.Invalid("patient_id", "required")
	}
	if err := d.validate(); err != nil {
		return nil, err
	}

	if d.IdempotencyKey != "" {
		prior, err := e.findByKey(ctx, patientID, d.IdempotencyKey)
		if err != nil {
			return nil, err
		}
		if prior != nil {
			return replay(prior, slotID)
		}
	}

	slot, err := e.repo.GetSlot(ctx, slotID)
	if err != nil {
		return nil, err
	}
	if d.Mode != "" && d.Mode != slot.Mode {
		return nil, scheduling.Invalid("consultation_mode", fmt.Sprintf("slot is %s", slot.Mode))
	}
	if el := slots.CheckEligibility(slot, d.Patient, e.now()); !el.OK {
		return nil, eligibilityError(el, slot)
	}

	now := e.now().UTC()
	var replayed bool
	err = e.repo.WithTx(ctx, func(ctx context.Context, tx scheduling.Tx) error {
		if d.IdempotencyKey != "" {
			prior, err := tx.FindAppointmentByIdempotencyKey(ctx, patientID, d.IdempotencyKey)
			if err == nil {
				appt, replayed = prior, true
				return nil
			}
			if !errors.Is(err, scheduling.ErrNotFound) {
				return err
			}
		}

		slot, err := tx.GetSlotForUpdate(ctx, slotID)
		if err != nil {
			return err
		}
		if !slot.IsBookable() {
			return unavailable(slot)
		}
		if el := slots.CheckEligibility(slot, d.Patient, now); !el.OK {
			return eligibilityError(el, slot)
		}

		doctor, err := tx.GetDoctor(ctx, slot.DoctorID)
		if err != nil {
			return err
		}
		if !doctor.IsActive {
			return scheduling.Violation(scheduling.ReasonDoctorUnavailable, "doctor %s is not accepting appointments", doctor.DoctorNumber)
		}

		slot.Claim(now)
		slot.UpdatedAt = now
		if err := tx.UpdateSlotCapacity(ctx, slot); err != nil {
			return err
		}

		n, err := tx.NextAppointmentNumber(ctx)
		if err != nil {
			return err
		}
		prior, err := tx.CountPatientAppointments(ctx, patientID, doctor.ID)
		if err != nil {
			return err
		}

		appt = newAppointment(patientID, slot, doctor, &d, n, prior == 0, now)
		if err := tx.InsertAppointment(ctx, appt); err != nil {
			return err
		}
		_, err = e.reminders.ScheduleFor(ctx, tx, appt, slot, doctor)
		return err
	})
	if errors.Is(err, scheduling.ErrDuplicateIdempotencyKey) {
		// A concurrent request with the same key committed first.
		prior, ferr := e.findByKey(ctx, patientID, d.IdempotencyKey)
		if ferr != nil || prior == nil {
			return nil, err
		}
		return replay(prior, slotID)
	}
	if err != nil {
		return nil, err
	}
	if replayed {
		return replay(appt, slotID)
	}

	span.SetAttributes(attribute.String("scheduling.appointment_id", appt.ID.String()))
	e.logger.Info("appointment booked",
		zap.String("appointment_id", appt.ID.String()),
		zap.String("appointment_number", appt.Number),
		zap.String("slot_id", slotID.String()),
		zap.String("status", string(appt.Status)),
	)
	e.trail.Record(ctx, audit.Entry{
		AppointmentID: appt.ID,
		PatientID:     &appt.PatientID,
		Actor:         bookedBy(d.BookedBy, patientID),
		ChangeType:    audit.ChangeCreated,
		New: map[string]any{
			"appointment_number": appt.Number,
			"status":             appt.Status,
			"time_slot_id":       appt.TimeSlotID.String(),
			"total_amount_cents": appt.TotalAmountCents,
		},
	})
	return appt, nil
}

func (e *Engine) findByKey(ctx context.Context, patientID uuid.UUID, key string) (*scheduling.Appointment, error) {
	var found *scheduling.Appointment
	err := e.repo.WithTx(ctx, func(ctx context.Context, tx scheduling.Tx) error {
		a, err := tx.FindAppointmentByIdempotencyKey(ctx, patientID, key)
		if err != nil {
			if errors.Is(err, scheduling.ErrNotFound) {
				return nil
			}
			return err
		}
		found = a
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("lookup idempotency key: %w", err)
	}
	return found, nil
}

func replay(prior *scheduling.Appointment, slotID uuid.UUID) (*scheduling.Appointment, error) {
	if prior.TimeSlotID != slotID && (prior.OriginalTimeSlotID == nil || *prior.OriginalTimeSlotID != slotID) {
		return nil, scheduling.Invalid("idempotency_key", "already used for a different slot")
	}
	return prior, nil
}

func bookedBy(a scheduling.Actor, patientID uuid.UUID) scheduling.Actor {
	if a.Type == "" {
		return scheduling.Actor{Type: scheduling.ActorPatient, ID: &patientID}
	}
	return a
}

func newAppointment(patientID uuid.UUID, slot *scheduling.TimeSlot, doctor *scheduling.Doctor, d *BookingDetails, seq int64, firstVisit bool, now time.Time) *scheduling.Appointment {
	apptType := d.AppointmentType
	if apptType == "" {
		apptType = "consultation"
	}
	source := d.Source
	if source == "" {
		source = "api"
	}

	a := &scheduling.Appointment{
		ID:                       uuid.New(),
		Number:                   appointmentNumber(seq),
		PatientID:                patientID,
		DoctorID:                 doctor.ID,
		TimeSlotID:               slot.ID,
		AppointmentType:          apptType,
		Mode:                     slot.Mode,
		Status:                   scheduling.StatusPending,
		BookingStatus:            scheduling.BookingActive,
		ChiefComplaint:           d.ChiefComplaint,
		IsFirstVisit:             firstVisit,
		BookedBy:                 bookedBy(d.BookedBy, patientID).Type,
		BookingSource:            source,
		ConsultationFeeCents:     slot.FeeCents(doctor),
		AdditionalFeesCents:      d.AdditionalFeesCents,
		InsuranceCoveragePercent: d.InsuranceCoveragePercent,
		PaymentMethod:            d.PaymentMethod,
		PaymentStatus:            "pending",
		CreatedAt:                now,
		UpdatedAt:                now,
	}
	if d.IdempotencyKey != "" {
		key := d.IdempotencyKey
		a.IdempotencyKey = &key
	}
	if slot.AutoConfirm {
		a.Status = scheduling.StatusConfirmed
		a.ConfirmedAt = &now
	}
	a.Price()
	return a
}

func (e *Engine) Get(ctx context.Context, id uuid.UUID) (*scheduling.Appointment, error) {
	return e.repo.GetAppointment(ctx, id)
}

func (e *Engine) History(ctx context.Context, id uuid.UUID) ([]scheduling.HistoryEntry, error) {
	if _, err := e.repo.GetAppointment(ctx, id); err != nil {
		return nil, err
	}
	return e.repo.ListHistory(ctx, id)
}

func (e *Engine) Reminders(ctx context.Context, id uuid.UUID) ([]scheduling.Reminder, error) {
	if _, err := e.repo.GetAppointment(ctx, id); err != nil {
		return nil, err
	}
	return e.repo.ListReminders(ctx, id)
}

// seatFreed offers the seat to the waiting list after commit. Failures are logged only.
func (e *Engine) seatFreed(ctx context.Context, slotID uuid.UUID) {
	if e.seats == nil {
		return
	}
	if _, err := e.seats.OnSeatFreed(ctx, slotID); err != nil {
		e.logger.Warn("waitlist notification failed",
			zap.String("slot_id", slotID.String()),
			zap.Error(err),
		)
	}
}
