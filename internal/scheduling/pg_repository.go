package scheduling

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
)

const uniqueViolation = "23505"

// querier is satisfied by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Pool is the part of *pgxpool.Pool the repository needs.
type Pool interface {
	querier
	Begin(ctx context.Context) (pgx.Tx, error)
}

var (
	_ Repository = (*PgRepository)(nil)
	_ Tx         = (*pgStore)(nil)
)

type PgRepository struct {
	pgStore
	pool      Pool
	txTimeout time.Duration
}

func NewPgRepository(pool Pool, txTimeout time.Duration) *PgRepository {
	return &PgRepository{
		pgStore:   pgStore{q: pool},
		pool:      pool,
		txTimeout: txTimeout,
	}
}

// WithTx runs fn inside a transaction bounded by the configured timeout.
// Rollback runs on a detached context so a timed-out transaction still releases its locks.
func (r *PgRepository) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) (err error) {
	if r.txTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.txTimeout)
		defer cancel()
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err == nil {
			return
		}
		if rbErr := tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			err = errors.Join(err, fmt.Errorf("rollback tx: %w", rbErr))
		}
	}()

	if err = fn(ctx, &pgStore{q: tx}); err != nil {
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// pgStore implements Reader and Tx against whichever querier it wraps.
type pgStore struct {
	q querier
}

const doctorColumns = `id, doctor_number, name, consultation_fee_cents, consultation_duration_minutes,
	advance_booking_days, cancellation_policy_hours, reminder_hours, is_active, created_at, updated_at`

const slotColumns = `id, doctor_id, slot_date, starts_at, ends_at, duration_minutes, consultation_mode,
	max_appointments, current_appointments, is_available, is_booked, is_holiday, holiday_reason,
	status, status_reason, advance_booking_hours, cancellation_deadline_hours, max_advance_days,
	min_patient_age, max_patient_age, gender_restriction, auto_confirm, send_reminders,
	reminder_hours, reminder_channels, fee_override_cents, is_recurring, recurrence_pattern,
	recurrence_end_date, parent_slot_id, total_bookings, first_booked_at, last_booked_at,
	created_at, updated_at`

const appointmentColumns = `id, appointment_number, patient_id, doctor_id, time_slot_id, appointment_type,
	consultation_mode, status, booking_status, chief_complaint, idempotency_key, is_first_visit,
	booked_by, booking_source, consultation_fee_cents, additional_fees_cents, total_amount_cents,
	insurance_coverage_percent, insurance_covered_cents, patient_copay_cents, payment_method,
	payment_status, payment_reference, cancelled_at, cancelled_by, cancellation_reason,
	original_time_slot_id, rescheduled_count, rescheduled_at, rescheduled_by, confirmed_at,
	check_in_at, started_at, ended_at, completed_at, actual_duration_minutes, doctor_notes,
	diagnosis, treatment_plan, follow_up_required, follow_up_date, created_at, updated_at`

const reminderColumns = `id, appointment_id, patient_id, channel, recipient_type, fire_at,
	message_template, status, dispatched_at, sent_at, error_message, created_at`

const waitlistColumns = `id, patient_id, doctor_id, preferred_date, preferred_start, preferred_end,
	consultation_mode, priority, status, notification_channels, created_at,
	expires_at, notified_at, notified_slot_id`

// Helpers

func scanDoctor(row pgx.Row) (*Doctor, error) {
	var d Doctor
	err := row.Scan(
		&d.ID,
		&d.DoctorNumber,
		&d.Name,
		&d.ConsultationFeeCents,
		&d.ConsultationDuration,
		&d.AdvanceBookingDays,
		&d.CancellationPolicyHours,
		&d.ReminderHours,
		&d.IsActive,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, NotFound("doctor", nil)
		}
		return nil, err
	}
	return &d, nil
}

func scanSlot(row pgx.Row) (*TimeSlot, error) {
	var s TimeSlot
	err := row.Scan(
		&s.ID,
		&s.DoctorID,
		&s.Date,
		&s.StartsAt,
		&s.EndsAt,
		&s.DurationMinutes,
		&s.Mode,
		&s.MaxAppointments,
		&s.CurrentAppointments,
		&s.IsAvailable,
		&s.IsBooked,
		&s.IsHoliday,
		&s.HolidayReason,
		&s.Status,
		&s.StatusReason,
		&s.Restrictions.AdvanceBookingHours,
		&s.Restrictions.CancellationDeadlineHours,
		&s.Restrictions.MaxAdvanceDays,
		&s.Restrictions.MinPatientAge,
		&s.Restrictions.MaxPatientAge,
		&s.Restrictions.GenderRestriction,
		&s.AutoConfirm,
		&s.SendReminders,
		&s.ReminderHours,
		&s.ReminderChannels,
		&s.FeeOverrideCents,
		&s.IsRecurring,
		&s.RecurrencePattern,
		&s.RecurrenceEndDate,
		&s.ParentSlotID,
		&s.TotalBookings,
		&s.FirstBookedAt,
		&s.LastBookedAt,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, NotFound("time slot", nil)
		}
		return nil, err
	}
	return &s, nil
}

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	err := row.Scan(
		&a.ID,
		&a.Number,
		&a.PatientID,
		&a.DoctorID,
		&a.TimeSlotID,
		&a.AppointmentType,
		&a.Mode,
		&a.Status,
		&a.BookingStatus,
		&a.ChiefComplaint,
		&a.IdempotencyKey,
		&a.IsFirstVisit,
		&a.BookedBy,
		&a.BookingSource,
		&a.ConsultationFeeCents,
		&a.AdditionalFeesCents,
		&a.TotalAmountCents,
		&a.InsuranceCoveragePercent,
		&a.InsuranceCoveredCents,
		&a.PatientCopayCents,
		&a.PaymentMethod,
		&a.PaymentStatus,
		&a.PaymentReference,
		&a.CancelledAt,
		&a.CancelledBy,
		&a.CancellationReason,
		&a.OriginalTimeSlotID,
		&a.RescheduledCount,
		&a.RescheduledAt,
		&a.RescheduledBy,
		&a.ConfirmedAt,
		&a.CheckInAt,
		&a.StartedAt,
		&a.EndedAt,
		&a.CompletedAt,
		&a.ActualDurationMinutes,
		&a.DoctorNotes,
		&a.Diagnosis,
		&a.TreatmentPlan,
		&a.FollowUpRequired,
		&a.FollowUpDate,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, NotFound("appointment", nil)
		}
		return nil, err
	}
	return &a, nil
}

func scanReminder(row pgx.Row) (*Reminder, error) {
	var r Reminder
	err := row.Scan(
		&r.ID,
		&r.AppointmentID,
		&r.PatientID,
		&r.Channel,
		&r.RecipientType,
		&r.FireAt,
		&r.MessageTemplate,
		&r.Status,
		&r.DispatchedAt,
		&r.SentAt,
		&r.ErrorMessage,
		&r.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, NotFound("reminder", nil)
		}
		return nil, err
	}
	return &r, nil
}

func scanWaitlistEntry(row pgx.Row) (*WaitlistEntry, error) {
	var w WaitlistEntry
	var start, end pgtype.Time

	err := row.Scan(
		&w.ID,
		&w.PatientID,
		&w.DoctorID,
		&w.Preference.Date,
		&start,
		&end,
		&w.Preference.Mode,
		&w.Priority,
		&w.Status,
		&w.NotificationChannels,
		&w.CreatedAt,
		&w.ExpiresAt,
		&w.NotifiedAt,
		&w.NotifiedSlotID,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, NotFound("waitlist entry", nil)
		}
		return nil, err
	}

	w.Preference.StartMinute = minuteOf(start)
	w.Preference.EndMinute = minuteOf(end)
	return &w, nil
}

func collect[T any](rows pgx.Rows, scan func(pgx.Row) (*T, error)) ([]T, error) {
	defer rows.Close()

	var result []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func timeOfMinute(m *int) pgtype.Time {
	if m == nil {
		return pgtype.Time{}
	}
	return pgtype.Time{Microseconds: int64(*m) * int64(time.Minute/time.Microsecond), Valid: true}
}

func minuteOf(t pgtype.Time) *int {
	if !t.Valid {
		return nil
	}
	m := int(t.Microseconds / int64(time.Minute/time.Microsecond))
	return &m
}

// emptyIfNil binds a nil slice as '{}' instead of NULL; the array columns are NOT NULL.
func emptyIfNil[T any](v []T) []T {
	if v == nil {
		return []T{}
	}
	return v
}

func placeholders(n int) string {
	var b strings.Builder
	for i := 1; i <= n; i++ {
		if i > 1 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "$%d", i)
	}
	return b.String()
}

// Reader

func (r *pgStore) GetDoctor(ctx context.Context, id uuid.UUID) (*Doctor, error) {
	row := r.q.QueryRow(ctx, `SELECT `+doctorColumns+` FROM doctors WHERE id = $1`, id)
	d, err := scanDoctor(row)
	if err != nil {
		return nil, withID(err, "doctor", id)
	}
	return d, nil
}

func (r *pgStore) GetSlot(ctx context.Context, id uuid.UUID) (*TimeSlot, error) {
	row := r.q.QueryRow(ctx, `SELECT `+slotColumns+` FROM time_slots WHERE id = $1`, id)
	s, err := scanSlot(row)
	if err != nil {
		return nil, withID(err, "time slot", id)
	}
	return s, nil
}

func (r *pgStore) GetChildSlot(ctx context.Context, parentID uuid.UUID, date time.Time) (*TimeSlot, error) {
	row := r.q.QueryRow(ctx, `
		SELECT `+slotColumns+`
		FROM time_slots
		WHERE parent_slot_id = $1 AND slot_date = $2
	`, parentID, DateOf(date))
	return scanSlot(row)
}

func (r *pgStore) ListSlots(ctx context.Context, q SlotQuery) ([]TimeSlot, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if q.DoctorID != uuid.Nil {
		add("doctor_id = $%d", q.DoctorID)
	}
	if !q.From.IsZero() {
		add("starts_at >= $%d", q.From)
	}
	if !q.To.IsZero() {
		add("starts_at < $%d", q.To)
	}
	if q.Mode != "" {
		add("consultation_mode = $%d", q.Mode)
	}
	if q.AvailableOnly {
		conds = append(conds,
			"status = 'active'",
			"is_available",
			"NOT is_holiday",
			"current_appointments < max_appointments",
		)
	}

	sql := `SELECT ` + slotColumns + ` FROM time_slots`
	if len(conds) > 0 {
		sql += ` WHERE ` + strings.Join(conds, " AND ")
	}
	sql += ` ORDER BY starts_at, id`

	rows, err := r.q.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list slots: %w", err)
	}
	return collect(rows, scanSlot)
}

func (r *pgStore) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := r.q.QueryRow(ctx, `SELECT `+appointmentColumns+` FROM appointments WHERE id = $1`, id)
	a, err := scanAppointment(row)
	if err != nil {
		return nil, withID(err, "appointment", id)
	}
	return a, nil
}

func (r *pgStore) ListHistory(ctx context.Context, appointmentID uuid.UUID) ([]HistoryEntry, error) {
	rows, err := r.q.Query(ctx, `
		SELECT id, appointment_id, patient_id, changed_by_type, changed_by_id, change_type,
		       previous_values, new_values, reason, created_at
		FROM appointment_history
		WHERE appointment_id = $1
		ORDER BY id
	`, appointmentID)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	return collect(rows, func(row pgx.Row) (*HistoryEntry, error) {
		var h HistoryEntry
		err := row.Scan(
			&h.ID,
			&h.AppointmentID,
			&h.PatientID,
			&h.ChangedByType,
			&h.ChangedByID,
			&h.ChangeType,
			&h.PreviousValues,
			&h.NewValues,
			&h.Reason,
			&h.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		return &h, nil
	})
}

func (r *pgStore) ListReminders(ctx context.Context, appointmentID uuid.UUID) ([]Reminder, error) {
	rows, err := r.q.Query(ctx, `
		SELECT `+reminderColumns+`
		FROM appointment_reminders
		WHERE appointment_id = $1
		ORDER BY fire_at, channel
	`, appointmentID)
	if err != nil {
		return nil, fmt.Errorf("list reminders: %w", err)
	}
	return collect(rows, scanReminder)
}

func (r *pgStore) GetWaitlistEntry(ctx context.Context, id uuid.UUID) (*WaitlistEntry, error) {
	row := r.q.QueryRow(ctx, `SELECT `+waitlistColumns+` FROM waitlist_entries WHERE id = $1`, id)
	w, err := scanWaitlistEntry(row)
	if err != nil {
		return nil, withID(err, "waitlist entry", id)
	}
	return w, nil
}

// Tx

func (r *pgStore) InsertDoctor(ctx context.Context, d *Doctor) error {
	row := r.q.QueryRow(ctx, `
		INSERT INTO doctors (id, doctor_number, name, consultation_fee_cents, consultation_duration_minutes,
		                     advance_booking_days, cancellation_policy_hours, reminder_hours, is_active)
		VALUES ($1, 'DR' || lpad(nextval('doctor_number_seq')::text, 5, '0'), $2, $3, $4, $5, $6,
		        COALESCE($7, '{24,2}'::int[]), $8)
		RETURNING doctor_number, reminder_hours, created_at, updated_at
	`, d.ID, d.Name, d.ConsultationFeeCents, d.ConsultationDuration,
		d.AdvanceBookingDays, d.CancellationPolicyHours, d.ReminderHours, d.IsActive)

	if err := row.Scan(&d.DoctorNumber, &d.ReminderHours, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return fmt.Errorf("insert doctor: %w", err)
	}
	return nil
}

func (r *pgStore) GetSlotForUpdate(ctx context.Context, id uuid.UUID) (*TimeSlot, error) {
	row := r.q.QueryRow(ctx, `SELECT `+slotColumns+` FROM time_slots WHERE id = $1 FOR UPDATE`, id)
	s, err := scanSlot(row)
	if err != nil {
		return nil, withID(err, "time slot", id)
	}
	return s, nil
}

func (r *pgStore) InsertSlot(ctx context.Context, s *TimeSlot) (bool, error) {
	tag, err := r.q.Exec(ctx, `
		INSERT INTO time_slots (`+slotColumns+`)
		VALUES (`+placeholders(35)+`)
		ON CONFLICT (parent_slot_id, slot_date) WHERE parent_slot_id IS NOT NULL DO NOTHING
	`,
		s.ID, s.DoctorID, DateOf(s.Date), s.StartsAt, s.EndsAt, s.DurationMinutes, s.Mode,
		s.MaxAppointments, s.CurrentAppointments, s.IsAvailable, s.IsBooked, s.IsHoliday, s.HolidayReason,
		s.Status, s.StatusReason, s.Restrictions.AdvanceBookingHours, s.Restrictions.CancellationDeadlineHours,
		s.Restrictions.MaxAdvanceDays, s.Restrictions.MinPatientAge, s.Restrictions.MaxPatientAge,
		s.Restrictions.GenderRestriction, s.AutoConfirm, s.SendReminders, emptyIfNil(s.ReminderHours), emptyIfNil(s.ReminderChannels),
		s.FeeOverrideCents, s.IsRecurring, s.RecurrencePattern, s.RecurrenceEndDate, s.ParentSlotID,
		s.TotalBookings, s.FirstBookedAt, s.LastBookedAt, s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert slot: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *pgStore) UpdateSlotStatus(ctx context.Context, s *TimeSlot) error {
	tag, err := r.q.Exec(ctx, `
		UPDATE time_slots
		SET status = $2,
		    status_reason = $3,
		    is_available = $4,
		    is_holiday = $5,
		    holiday_reason = $6,
		    updated_at = $7
		WHERE id = $1
	`, s.ID, s.Status, s.StatusReason, s.IsAvailable, s.IsHoliday, s.HolidayReason, s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update slot status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return NotFound("time slot", s.ID)
	}
	return nil
}

func (r *pgStore) UpdateSlotCapacity(ctx context.Context, s *TimeSlot) error {
	tag, err := r.q.Exec(ctx, `
		UPDATE time_slots
		SET current_appointments = $2,
		    is_booked = $3,
		    total_bookings = $4,
		    first_booked_at = $5,
		    last_booked_at = $6,
		    updated_at = $7
		WHERE id = $1
	`, s.ID, s.CurrentAppointments, s.IsBooked, s.TotalBookings, s.FirstBookedAt, s.LastBookedAt, s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update slot capacity: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return NotFound("time slot", s.ID)
	}
	return nil
}

func (r *pgStore) NextAppointmentNumber(ctx context.Context) (int64, error) {
	var n int64
	if err := r.q.QueryRow(ctx, `SELECT nextval('appointment_number_seq')`).Scan(&n); err != nil {
		return 0, fmt.Errorf("next appointment number: %w", err)
	}
	return n, nil
}

func (r *pgStore) GetAppointmentForUpdate(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := r.q.QueryRow(ctx, `SELECT `+appointmentColumns+` FROM appointments WHERE id = $1 FOR UPDATE`, id)
	a, err := scanAppointment(row)
	if err != nil {
		return nil, withID(err, "appointment", id)
	}
	return a, nil
}

func (r *pgStore) FindAppointmentByIdempotencyKey(ctx context.Context, patientID uuid.UUID, key string) (*Appointment, error) {
	row := r.q.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE patient_id = $1 AND idempotency_key = $2
	`, patientID, key)
	return scanAppointment(row)
}

func (r *pgStore) CountPatientAppointments(ctx context.Context, patientID, doctorID uuid.UUID) (int, error) {
	var n int
	err := r.q.QueryRow(ctx, `
		SELECT count(*)
		FROM appointments
		WHERE patient_id = $1 AND doctor_id = $2 AND status <> 'cancelled'
	`, patientID, doctorID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count patient appointments: %w", err)
	}
	return n, nil
}

func (r *pgStore) ListLiveAppointmentsForSlot(ctx context.Context, slotID uuid.UUID) ([]Appointment, error) {
	rows, err := r.q.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE time_slot_id = $1 AND status IN ('pending', 'confirmed', 'in_progress')
		ORDER BY created_at, id
		FOR UPDATE
	`, slotID)
	if err != nil {
		return nil, fmt.Errorf("list live appointments: %w", err)
	}
	return collect(rows, scanAppointment)
}

func (r *pgStore) InsertAppointment(ctx context.Context, a *Appointment) error {
	_, err := r.q.Exec(ctx, `
		INSERT INTO appointments (`+appointmentColumns+`)
		VALUES (`+placeholders(43)+`)
	`,
		a.ID, a.Number, a.PatientID, a.DoctorID, a.TimeSlotID, a.AppointmentType,
		a.Mode, a.Status, a.BookingStatus, a.ChiefComplaint, a.IdempotencyKey, a.IsFirstVisit,
		a.BookedBy, a.BookingSource, a.ConsultationFeeCents, a.AdditionalFeesCents, a.TotalAmountCents,
		a.InsuranceCoveragePercent, a.InsuranceCoveredCents, a.PatientCopayCents, a.PaymentMethod,
		a.PaymentStatus, a.PaymentReference, a.CancelledAt, a.CancelledBy, a.CancellationReason,
		a.OriginalTimeSlotID, a.RescheduledCount, a.RescheduledAt, a.RescheduledBy, a.ConfirmedAt,
		a.CheckInAt, a.StartedAt, a.EndedAt, a.CompletedAt, a.ActualDurationMinutes, a.DoctorNotes,
		a.Diagnosis, a.TreatmentPlan, a.FollowUpRequired, a.FollowUpDate, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation &&
			pgErr.ConstraintName == "appointments_patient_idempotency_uq" {
			return ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("insert appointment: %w", err)
	}
	return nil
}

func (r *pgStore) UpdateAppointment(ctx context.Context, a *Appointment) error {
	tag, err := r.q.Exec(ctx, `
		UPDATE appointments
		SET time_slot_id = $2,
		    consultation_mode = $3,
		    status = $4,
		    booking_status = $5,
		    consultation_fee_cents = $6,
		    additional_fees_cents = $7,
		    total_amount_cents = $8,
		    insurance_coverage_percent = $9,
		    insurance_covered_cents = $10,
		    patient_copay_cents = $11,
		    cancelled_at = $12,
		    cancelled_by = $13,
		    cancellation_reason = $14,
		    original_time_slot_id = $15,
		    rescheduled_count = $16,
		    rescheduled_at = $17,
		    rescheduled_by = $18,
		    confirmed_at = $19,
		    check_in_at = $20,
		    started_at = $21,
		    ended_at = $22,
		    completed_at = $23,
		    actual_duration_minutes = $24,
		    doctor_notes = $25,
		    diagnosis = $26,
		    treatment_plan = $27,
		    follow_up_required = $28,
		    follow_up_date = $29,
		    updated_at = $30
		WHERE id = $1
	`,
		a.ID, a.TimeSlotID, a.Mode, a.Status, a.BookingStatus,
		a.ConsultationFeeCents, a.AdditionalFeesCents, a.TotalAmountCents,
		a.InsuranceCoveragePercent, a.InsuranceCoveredCents, a.PatientCopayCents,
		a.CancelledAt, a.CancelledBy, a.CancellationReason,
		a.OriginalTimeSlotID, a.RescheduledCount, a.RescheduledAt, a.RescheduledBy,
		a.ConfirmedAt, a.CheckInAt, a.StartedAt, a.EndedAt, a.CompletedAt, a.ActualDurationMinutes,
		a.DoctorNotes, a.Diagnosis, a.TreatmentPlan, a.FollowUpRequired, a.FollowUpDate,
		a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update appointment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return NotFound("appointment", a.ID)
	}
	return nil
}

func (r *pgStore) InsertReminders(ctx context.Context, rs []Reminder) error {
	for i := range rs {
		rm := &rs[i]
		_, err := r.q.Exec(ctx, `
			INSERT INTO appointment_reminders (`+reminderColumns+`)
			VALUES (`+placeholders(12)+`)
		`, rm.ID, rm.AppointmentID, rm.PatientID, rm.Channel, rm.RecipientType, rm.FireAt,
			rm.MessageTemplate, rm.Status, rm.DispatchedAt, rm.SentAt, rm.ErrorMessage, rm.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert reminder: %w", err)
		}
	}
	return nil
}

func (r *pgStore) CancelPendingReminders(ctx context.Context, appointmentID uuid.UUID) (int64, error) {
	tag, err := r.q.Exec(ctx, `
		UPDATE appointment_reminders
		SET status = 'cancelled'
		WHERE appointment_id = $1 AND status = 'pending'
	`, appointmentID)
	if err != nil {
		return 0, fmt.Errorf("cancel reminders: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *pgStore) InsertWaitlistEntry(ctx context.Context, w *WaitlistEntry) error {
	_, err := r.q.Exec(ctx, `
		INSERT INTO waitlist_entries (`+waitlistColumns+`)
		VALUES (`+placeholders(14)+`)
	`, w.ID, w.PatientID, w.DoctorID, w.Preference.Date,
		timeOfMinute(w.Preference.StartMinute), timeOfMinute(w.Preference.EndMinute),
		w.Preference.Mode, w.Priority, w.Status,
		w.NotificationChannels, w.CreatedAt, w.ExpiresAt, w.NotifiedAt, w.NotifiedSlotID)
	if err != nil {
		return fmt.Errorf("insert waitlist entry: %w", err)
	}
	return nil
}

func (r *pgStore) ClaimWaitlistMatch(ctx context.Context, slot *TimeSlot, now time.Time) (*WaitlistEntry, error) {
	start, end := slot.StartMinute(), slot.EndMinute()
	row := r.q.QueryRow(ctx, `
		SELECT `+waitlistColumns+`
		FROM waitlist_entries
		WHERE doctor_id = $1
		  AND status = 'waiting'
		  AND expires_at > $2
		  AND (preferred_date IS NULL OR preferred_date = $3)
		  AND (preferred_start IS NULL OR preferred_start <= $4)
		  AND (preferred_end IS NULL OR preferred_end >= $5)
		  AND (consultation_mode = '' OR consultation_mode = $6)
		ORDER BY priority DESC, created_at ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`, slot.DoctorID, now, DateOf(slot.Date), timeOfMinute(&start), timeOfMinute(&end), slot.Mode)
	return scanWaitlistEntry(row)
}

func (r *pgStore) UpdateWaitlistEntry(ctx context.Context, w *WaitlistEntry) error {
	tag, err := r.q.Exec(ctx, `
		UPDATE waitlist_entries
		SET status = $2,
		    notified_at = $3,
		    notified_slot_id = $4
		WHERE id = $1
	`, w.ID, w.Status, w.NotifiedAt, w.NotifiedSlotID)
	if err != nil {
		return fmt.Errorf("update waitlist entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return NotFound("waitlist entry", w.ID)
	}
	return nil
}

// Repository-only writes

func (r *PgRepository) InsertHistory(ctx context.Context, h *HistoryEntry) error {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO appointment_history (appointment_id, patient_id, changed_by_type, changed_by_id,
		                                 change_type, previous_values, new_values, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id
	`, h.AppointmentID, h.PatientID, h.ChangedByType, h.ChangedByID, h.ChangeType,
		h.PreviousValues, h.NewValues, h.Reason, h.CreatedAt)
	if err := row.Scan(&h.ID); err != nil {
		return fmt.Errorf("insert history: %w", err)
	}
	return nil
}

func (r *PgRepository) ListDueReminders(ctx context.Context, now time.Time, limit int) ([]Reminder, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+reminderColumns+`
		FROM appointment_reminders
		WHERE status = 'pending' AND dispatched_at IS NULL AND fire_at <= $1
		ORDER BY fire_at
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list due reminders: %w", err)
	}
	return collect(rows, scanReminder)
}

func (r *PgRepository) MarkReminderDispatched(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE appointment_reminders
		SET dispatched_at = $2
		WHERE id = $1 AND status = 'pending' AND dispatched_at IS NULL
	`, id, at)
	if err != nil {
		return fmt.Errorf("mark reminder dispatched: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return Violation(ReasonInvalidTransition, "reminder %s is no longer awaiting dispatch", id)
	}
	return nil
}

func (r *PgRepository) UpdateReminderDelivery(ctx context.Context, id uuid.UUID, status ReminderStatus, at time.Time, errMsg string) error {
	var sentAt *time.Time
	if status == ReminderSent {
		sentAt = &at
	}

	tag, err := r.pool.Exec(ctx, `
		UPDATE appointment_reminders
		SET status = $2,
		    sent_at = $3,
		    error_message = $4
		WHERE id = $1 AND status = 'pending'
	`, id, status, sentAt, errMsg)
	if err != nil {
		return fmt.Errorf("update reminder delivery: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var current ReminderStatus
	err = r.pool.QueryRow(ctx, `SELECT status FROM appointment_reminders WHERE id = $1`, id).Scan(&current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return NotFound("reminder", id)
		}
		return fmt.Errorf("load reminder: %w", err)
	}
	return Violation(ReasonInvalidTransition, "reminder is %s", current)
}

func (r *PgRepository) ExpireWaitlist(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE waitlist_entries
		SET status = 'expired'
		WHERE status = 'waiting' AND expires_at <= $1
	`, now)
	if err != nil {
		return 0, fmt.Errorf("expire waitlist: %w", err)
	}
	return tag.RowsAffected(), nil
}

// withID fills in the id on a bare not-found error from a scan helper.
func withID(err error, entity string, id uuid.UUID) error {
	var nf *NotFoundError
	if errors.As(err, &nf) && nf.ID == "" {
		return NotFound(entity, id)
	}
	return err
}
