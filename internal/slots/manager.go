package slots

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/doctor-scheduling/internal/scheduling"
)

// maxOccurrences bounds one recurrence expansion.
const maxOccurrences = 366

// SlotSpec describes a slot to create. Zero values fall back to the doctor's settings.
type SlotSpec struct {
	StartsAt         time.Time
	EndsAt           time.Time
	Mode             scheduling.ConsultationMode
	MaxAppointments  int
	Restrictions     RestrictionSpec
	AutoConfirm      bool
	SendReminders    *bool
	ReminderHours    []int
	ReminderChannels []string
	FeeOverrideCents *int64
	IsHoliday        bool
	HolidayReason    string
}

// RestrictionSpec overrides the doctor's booking policy field by field. A nil
// field keeps the doctor's default, so an explicit 0 still means "no limit".
type RestrictionSpec struct {
	AdvanceBookingHours       *int
	CancellationDeadlineHours *int
	MaxAdvanceDays            *int
	MinPatientAge             *int
	MaxPatientAge             *int
	GenderRestriction         string
}

type SeriesSpec struct {
	SlotSpec
	Pattern scheduling.RecurrencePattern
	Until   time.Time
}

type SlotFilter struct {
	Mode scheduling.ConsultationMode
}

// TimeSlotView is a slot as shown to patients choosing a time.
type TimeSlotView struct {
	scheduling.TimeSlot
	AvailableCapacity int
	EffectiveFeeCents int64
}

type Manager struct {
	repo   scheduling.Repository
	logger *zap.Logger
	now    func() time.Time
}

func NewManager(repo scheduling.Repository, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{repo: repo, logger: logger, now: time.Now}
}

func (m *Manager) WithClock(now func() time.Time) *Manager {
	if now != nil {
		m.now = now
	}
	return m
}

func (m *Manager) Get(ctx context.Context, id uuid.UUID) (*scheduling.TimeSlot, error) {
	return m.repo.GetSlot(ctx, id)
}

// CreateSlot validates spec and stores a fresh, empty slot.
func (m *Manager) CreateSlot(ctx context.Context, doctorID uuid.UUID, spec SlotSpec) (*scheduling.TimeSlot, error) {
	doctor, err := m.repo.GetDoctor(ctx, doctorID)
	if err != nil {
		return nil, err
	}
	slot, err := m.build(doctor, spec)
	if err != nil {
		return nil, err
	}

	err = m.repo.WithTx(ctx, func(ctx context.Context, tx scheduling.Tx) error {
		_, err := tx.InsertSlot(ctx, slot)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create slot: %w", err)
	}

	m.logger.Info("slot created",
		zap.String("slot_id", slot.ID.String()),
		zap.String("doctor_id", doctorID.String()),
		zap.Time("starts_at", slot.StartsAt),
	)
	return slot, nil
}

// CreateSeries stores the parent slot of a recurring series and expands it.
func (m *Manager) CreateSeries(ctx context.Context, doctorID uuid.UUID, spec SeriesSpec) (*scheduling.TimeSlot, []scheduling.TimeSlot, error) {
	switch spec.Pattern {
	case scheduling.RecurDaily, scheduling.RecurWeekly, scheduling.RecurMonthly:
	default:
		return nil, nil, scheduling.Invalid("recurrence_pattern", "must be daily, weekly or monthly")
	}
	if spec.Until.IsZero() || scheduling.DateOf(spec.Until).Before(scheduling.DateOf(spec.StartsAt)) {
		return nil, nil, scheduling.Invalid("recurrence_end_date", "must not be before the first occurrence")
	}

	doctor, err := m.repo.GetDoctor(ctx, doctorID)
	if err != nil {
		return nil, nil, err
	}
	parent, err := m.build(doctor, spec.SlotSpec)
	if err != nil {
		return nil, nil, err
	}
	until := scheduling.DateOf(spec.Until)
	parent.IsRecurring = true
	parent.RecurrencePattern = spec.Pattern
	parent.RecurrenceEndDate = &until

	err = m.repo.WithTx(ctx, func(ctx context.Context, tx scheduling.Tx) error {
		_, err := tx.InsertSlot(ctx, parent)
		return err
	})
	if err != nil {
		return nil, nil, fmt.Errorf("create series parent: %w", err)
	}

	children, err := m.ExpandRecurrence(ctx, parent.ID)
	if err != nil {
		return parent, nil, err
	}
	return parent, children, nil
}

// ExpandRecurrence materializes the child slots of a recurring parent up to its
// end date. Occurrences that already exist are left alone, so it is safe to re-run.
// It returns only the children created by this call.
func (m *Manager) ExpandRecurrence(ctx context.Context, parentID uuid.UUID) ([]scheduling.TimeSlot, error) {
	parent, err := m.repo.GetSlot(ctx, parentID)
	if err != nil {
		return nil, err
	}
	if !parent.IsRecurring || parent.RecurrenceEndDate == nil {
		return nil, scheduling.Invalid("slot_id", "slot is not a recurring parent")
	}

	starts := Occurrences(parent.StartsAt, parent.RecurrencePattern, *parent.RecurrenceEndDate)
	length := parent.EndsAt.Sub(parent.StartsAt)
	now := m.now().UTC()

	var created []scheduling.TimeSlot
	err = m.repo.WithTx(ctx, func(ctx context.Context, tx scheduling.Tx) error {
		created = created[:0]
		for _, start := range starts {
			child := childOf(parent, start, length, now)
			ok, err := tx.InsertSlot(ctx, &child)
			if err != nil {
				return err
			}
			if ok {
				created = append(created, child)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("expand recurrence: %w", err)
	}

	m.logger.Info("recurrence expanded",
		zap.String("parent_slot_id", parentID.String()),
		zap.Int("occurrences", len(starts)),
		zap.Int("created", len(created)),
	)
	return created, nil
}

// Occurrences lists the start times after first, up to and including the date until.
// Monthly series skip months that lack first's day of month.
func Occurrences(first time.Time, pattern scheduling.RecurrencePattern, until time.Time) []time.Time {
	last := scheduling.DateOf(until)
	var out []time.Time
	for n := 1; len(out) < maxOccurrences; n++ {
		var next time.Time
		switch pattern {
		case scheduling.RecurDaily:
			next = first.AddDate(0, 0, n)
		case scheduling.RecurWeekly:
			next = first.AddDate(0, 0, 7*n)
		case scheduling.RecurMonthly:
			next = first.AddDate(0, n, 0)
		default:
			return nil
		}
		if scheduling.DateOf(next).After(last) {
			break
		}
		if pattern == scheduling.RecurMonthly && next.Day() != first.Day() {
			continue
		}
		out = append(out, next)
	}
	return out
}

func childOf(parent *scheduling.TimeSlot, start time.Time, length time.Duration, now time.Time) scheduling.TimeSlot {
	child := *parent
	parentID := parent.ID

	child.ID = uuid.New()
	child.Date = scheduling.DateOf(start)
	child.StartsAt = start
	child.EndsAt = start.Add(length)
	child.CurrentAppointments = 0
	child.IsBooked = false
	child.IsRecurring = false
	child.RecurrencePattern = ""
	child.RecurrenceEndDate = nil
	child.ParentSlotID = &parentID
	child.TotalBookings = 0
	child.FirstBookedAt = nil
	child.LastBookedAt = nil
	child.CreatedAt = now
	child.UpdatedAt = now
	return child
}

// IsAvailable is the pure availability predicate.
func IsAvailable(slot *scheduling.TimeSlot) bool {
	return slot.IsBookable()
}

// Retire takes a slot out of circulation. It refuses while any seat is held:
// cancelling those appointments is an explicit decision made through the booking engine.
func (m *Manager) Retire(ctx context.Context, slotID uuid.UUID, status scheduling.SlotStatus, reason string) (*scheduling.TimeSlot, error) {
	if status != scheduling.SlotCancelled && status != scheduling.SlotBlocked {
		return nil, scheduling.Invalid("status", "must be cancelled or blocked")
	}

	var retired *scheduling.TimeSlot
	err := m.repo.WithTx(ctx, func(ctx context.Context, tx scheduling.Tx) error {
		slot, err := tx.GetSlotForUpdate(ctx, slotID)
		if err != nil {
			return err
		}
		if slot.CurrentAppointments > 0 {
			return scheduling.Violation(scheduling.ReasonSlotHasAppointments,
				"%d appointment(s) still hold this slot", slot.CurrentAppointments)
		}
		ApplyRetirement(slot, status, reason, m.now())
		if err := tx.UpdateSlotStatus(ctx, slot); err != nil {
			return err
		}
		retired = slot
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info("slot retired",
		zap.String("slot_id", slotID.String()),
		zap.String("status", string(status)),
	)
	return retired, nil
}

// ApplyRetirement sets the retirement fields on a locked slot.
func ApplyRetirement(slot *scheduling.TimeSlot, status scheduling.SlotStatus, reason string, now time.Time) {
	slot.Status = status
	slot.StatusReason = reason
	slot.IsAvailable = false
	slot.UpdatedAt = now.UTC()
}

// ListAvailable returns bookable slots of a doctor starting in [from, to), ordered by start.
func (m *Manager) ListAvailable(ctx context.Context, doctorID uuid.UUID, from, to time.Time, filter SlotFilter) ([]TimeSlotView, error) {
	if !to.IsZero() && !to.After(from) {
		return nil, scheduling.Invalid("to", "must be after from")
	}
	if filter.Mode != "" && !filter.Mode.Valid() {
		return nil, scheduling.Invalid("mode", "unknown consultation mode")
	}

	doctor, err := m.repo.GetDoctor(ctx, doctorID)
	if err != nil {
		return nil, err
	}

	slots, err := m.repo.ListSlots(ctx, scheduling.SlotQuery{
		DoctorID:      doctorID,
		From:          from,
		To:            to,
		Mode:          filter.Mode,
		AvailableOnly: true,
	})
	if err != nil {
		return nil, fmt.Errorf("list available slots: %w", err)
	}

	views := make([]TimeSlotView, 0, len(slots))
	for i := range slots {
		s := &slots[i]
		views = append(views, TimeSlotView{
			TimeSlot:          *s,
			AvailableCapacity: s.AvailableCapacity(),
			EffectiveFeeCents: s.FeeCents(doctor),
		})
	}
	return views, nil
}

var validGenders = map[string]bool{"": true, "male": true, "female": true}

func (m *Manager) build(doctor *scheduling.Doctor, spec SlotSpec) (*scheduling.TimeSlot, error) {
	if !doctor.IsActive {
		return nil, scheduling.Violation(scheduling.ReasonDoctorUnavailable, "doctor %s is not accepting appointments", doctor.DoctorNumber)
	}
	if spec.StartsAt.IsZero() {
		return nil, scheduling.Invalid("starts_at", "required")
	}

	start := spec.StartsAt.UTC()
	end := spec.EndsAt.UTC()
	if spec.EndsAt.IsZero() {
		end = start.Add(time.Duration(doctor.ConsultationDuration) * time.Minute)
	}
	if !end.After(start) {
		return nil, scheduling.Invalid("ends_at", "must be after starts_at")
	}
	if spec.MaxAppointments < 1 {
		return nil, scheduling.Invalid("max_appointments", "must be at least 1")
	}

	mode := spec.Mode
	if mode == "" {
		mode = scheduling.ModeInPerson
	}
	if !mode.Valid() {
		return nil, scheduling.Invalid("consultation_mode", "unknown consultation mode")
	}

	r := mergeRestrictions(defaultRestrictions(doctor), spec.Restrictions)
	if err := validateRestrictions(&r); err != nil {
		return nil, err
	}
	for _, h := range spec.ReminderHours {
		if h <= 0 {
			return nil, scheduling.Invalid("reminder_hours", "must be positive")
		}
	}

	sendReminders := true
	if spec.SendReminders != nil {
		sendReminders = *spec.SendReminders
	}

	now := m.now().UTC()
	return &scheduling.TimeSlot{
		ID:               uuid.New(),
		DoctorID:         doctor.ID,
		Date:             scheduling.DateOf(start),
		StartsAt:         start,
		EndsAt:           end,
		DurationMinutes:  int(end.Sub(start) / time.Minute),
		Mode:             mode,
		MaxAppointments:  spec.MaxAppointments,
		IsAvailable:      true,
		IsHoliday:        spec.IsHoliday,
		HolidayReason:    spec.HolidayReason,
		Status:           scheduling.SlotActive,
		Restrictions:     r,
		AutoConfirm:      spec.AutoConfirm,
		SendReminders:    sendReminders,
		ReminderHours:    nonNil(spec.ReminderHours),
		ReminderChannels: nonNil(spec.ReminderChannels),
		FeeOverrideCents: spec.FeeOverrideCents,
		CreatedAt:        now,
		UpdatedAt:        now,
	}, nil
}

func defaultRestrictions(d *scheduling.Doctor) scheduling.Restrictions {
	return scheduling.Restrictions{
		AdvanceBookingHours:       24,
		CancellationDeadlineHours: d.CancellationPolicyHours,
		MaxAdvanceDays:            d.AdvanceBookingDays,
	}
}

func mergeRestrictions(r scheduling.Restrictions, o RestrictionSpec) scheduling.Restrictions {
	if o.AdvanceBookingHours != nil {
		r.AdvanceBookingHours = *o.AdvanceBookingHours
	}
	if o.CancellationDeadlineHours != nil {
		r.CancellationDeadlineHours = *o.CancellationDeadlineHours
	}
	if o.MaxAdvanceDays != nil {
		r.MaxAdvanceDays = *o.MaxAdvanceDays
	}
	if o.MinPatientAge != nil {
		r.MinPatientAge = o.MinPatientAge
	}
	if o.MaxPatientAge != nil {
		r.MaxPatientAge = o.MaxPatientAge
	}
	if o.GenderRestriction != "" {
		r.GenderRestriction = o.GenderRestriction
	}
	return r
}

// nonNil keeps empty arrays out of NOT NULL array columns.
func nonNil[T any](v []T) []T {
	if v == nil {
		return []T{}
	}
	return v
}

func validateRestrictions(r *scheduling.Restrictions) error {
	switch {
	case r.AdvanceBookingHours < 0:
		return scheduling.Invalid("advance_booking_hours", "must not be negative")
	case r.CancellationDeadlineHours < 0:
		return scheduling.Invalid("cancellation_deadline_hours", "must not be negative")
	case r.MaxAdvanceDays < 0:
		return scheduling.Invalid("max_advance_days", "must not be negative")
	case r.MinPatientAge != nil && *r.MinPatientAge < 0:
		return scheduling.Invalid("min_patient_age", "must not be negative")
	case r.MinPatientAge != nil && r.MaxPatientAge != nil && *r.MinPatientAge > *r.MaxPatientAge:
		return scheduling.Invalid("max_patient_age", "must not be below min_patient_age")
	}
	r.GenderRestriction = strings.ToLower(strings.TrimSpace(r.GenderRestriction))
	if !validGenders[r.GenderRestriction] {
		return scheduling.Invalid("gender_restriction", "must be male or female")
	}
	return nil
}
