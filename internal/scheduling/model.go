package scheduling

import (
	"math"
	"time"

	"github.com/google/uuid"
)

type SlotStatus string

const (
	SlotActive    SlotStatus = "active"
	SlotCancelled SlotStatus = "cancelled"
	SlotCompleted SlotStatus = "completed"
	SlotBlocked   SlotStatus = "blocked"
)

type ConsultationMode string

const (
	ModeInPerson  ConsultationMode = "in_person"
	ModeVideoCall ConsultationMode = "video_call"
	ModePhoneCall ConsultationMode = "phone_call"
	ModeHomeVisit ConsultationMode = "home_visit"
)

func (m ConsultationMode) Valid() bool {
	switch m {
	case ModeInPerson, ModeVideoCall, ModePhoneCall, ModeHomeVisit:
		return true
	}
	return false
}

type RecurrencePattern string

const (
	RecurDaily   RecurrencePattern = "daily"
	RecurWeekly  RecurrencePattern = "weekly"
	RecurMonthly RecurrencePattern = "monthly"
)

type AppointmentStatus string

const (
	StatusPending    AppointmentStatus = "pending"
	StatusConfirmed  AppointmentStatus = "confirmed"
	StatusInProgress AppointmentStatus = "in_progress"
	StatusCompleted  AppointmentStatus = "completed"
	StatusCancelled  AppointmentStatus = "cancelled"
	StatusNoShow     AppointmentStatus = "no_show"
)

// Terminal reports whether no further transition is allowed.
func (s AppointmentStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusNoShow
}

type BookingStatus string

const (
	BookingActive      BookingStatus = "active"
	BookingRescheduled BookingStatus = "rescheduled"
	BookingCancelled   BookingStatus = "cancelled"
)

type ActorType string

const (
	ActorPatient ActorType = "patient"
	ActorDoctor  ActorType = "doctor"
	ActorAdmin   ActorType = "admin"
	ActorSystem  ActorType = "system"
)

// Actor identifies who performed a transition. ID is nil for the system actor.
type Actor struct {
	Type ActorType
	ID   *uuid.UUID
}

func SystemActor() Actor {
	return Actor{Type: ActorSystem}
}

type ReminderStatus string

const (
	ReminderPending   ReminderStatus = "pending"
	ReminderSent      ReminderStatus = "sent"
	ReminderFailed    ReminderStatus = "failed"
	ReminderCancelled ReminderStatus = "cancelled"
)

type WaitlistStatus string

const (
	WaitlistWaiting   WaitlistStatus = "waiting"
	WaitlistNotified  WaitlistStatus = "notified"
	WaitlistExpired   WaitlistStatus = "expired"
	WaitlistCancelled WaitlistStatus = "cancelled"
)

// MaxReschedules bounds how often one appointment may move between slots.
const MaxReschedules = 3

type Doctor struct {
	ID                      uuid.UUID
	DoctorNumber            string
	Name                    string
	ConsultationFeeCents    int64
	ConsultationDuration    int // minutes
	AdvanceBookingDays      int
	CancellationPolicyHours int
	ReminderHours           []int
	IsActive                bool
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

// Restrictions gate who may book a slot and until when it may be cancelled.
type Restrictions struct {
	AdvanceBookingHours       int
	CancellationDeadlineHours int
	MaxAdvanceDays            int // 0 means no upper bound
	MinPatientAge             *int
	MaxPatientAge             *int
	GenderRestriction         string
}

type TimeSlot struct {
	ID                  uuid.UUID
	DoctorID            uuid.UUID
	Date                time.Time
	StartsAt            time.Time
	EndsAt              time.Time
	DurationMinutes     int
	Mode                ConsultationMode
	MaxAppointments     int
	CurrentAppointments int
	IsAvailable         bool
	IsBooked            bool
	IsHoliday           bool
	HolidayReason       string
	Status              SlotStatus
	StatusReason        string
	Restrictions        Restrictions
	AutoConfirm         bool
	SendReminders       bool
	ReminderHours       []int
	ReminderChannels    []string
	FeeOverrideCents    *int64

	IsRecurring       bool
	RecurrencePattern RecurrencePattern
	RecurrenceEndDate *time.Time
	ParentSlotID      *uuid.UUID

	TotalBookings int
	FirstBookedAt *time.Time
	LastBookedAt  *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// IsBookable is the pure availability rule; it does not consider who is booking.
func (s *TimeSlot) IsBookable() bool {
	return s.Status == SlotActive &&
		s.IsAvailable &&
		s.CurrentAppointments < s.MaxAppointments &&
		!s.IsHoliday
}

func (s *TimeSlot) AvailableCapacity() int {
	if s.CurrentAppointments >= s.MaxAppointments {
		return 0
	}
	return s.MaxAppointments - s.CurrentAppointments
}

// FeeCents returns the slot override when set, otherwise the doctor's fee.
func (s *TimeSlot) FeeCents(d *Doctor) int64 {
	if s.FeeOverrideCents != nil {
		return *s.FeeOverrideCents
	}
	if d == nil {
		return 0
	}
	return d.ConsultationFeeCents
}

// Claim takes one seat. Callers must hold the slot row lock.
func (s *TimeSlot) Claim(now time.Time) {
	s.CurrentAppointments++
	s.TotalBookings++
	if s.FirstBookedAt == nil {
		t := now
		s.FirstBookedAt = &t
	}
	t := now
	s.LastBookedAt = &t
	s.IsBooked = s.CurrentAppointments >= s.MaxAppointments
}

// Release gives one seat back. Callers must hold the slot row lock.
func (s *TimeSlot) Release() {
	if s.CurrentAppointments > 0 {
		s.CurrentAppointments--
	}
	s.IsBooked = s.CurrentAppointments >= s.MaxAppointments
}

// StartMinute is the slot's start as minutes past midnight UTC.
func (s *TimeSlot) StartMinute() int {
	return s.StartsAt.UTC().Hour()*60 + s.StartsAt.UTC().Minute()
}

func (s *TimeSlot) EndMinute() int {
	return s.EndsAt.UTC().Hour()*60 + s.EndsAt.UTC().Minute()
}

type Appointment struct {
	ID               uuid.UUID
	Number           string
	PatientID        uuid.UUID
	DoctorID         uuid.UUID
	TimeSlotID       uuid.UUID
	AppointmentType  string
	Mode             ConsultationMode
	Status           AppointmentStatus
	BookingStatus    BookingStatus
	ChiefComplaint   string
	IdempotencyKey   *string
	IsFirstVisit     bool
	BookedBy         ActorType
	BookingSource    string

	ConsultationFeeCents     int64
	AdditionalFeesCents      int64
	TotalAmountCents         int64
	InsuranceCoveragePercent float64
	InsuranceCoveredCents    int64
	PatientCopayCents        int64
	PaymentMethod            string
	PaymentStatus            string
	PaymentReference         string

	CancelledAt        *time.Time
	CancelledBy        ActorType
	CancellationReason string

	OriginalTimeSlotID *uuid.UUID
	RescheduledCount   int
	RescheduledAt      *time.Time
	RescheduledBy      ActorType

	ConfirmedAt           *time.Time
	CheckInAt             *time.Time
	StartedAt             *time.Time
	EndedAt               *time.Time
	CompletedAt           *time.Time
	ActualDurationMinutes *int

	DoctorNotes      string
	Diagnosis        string
	TreatmentPlan    string
	FollowUpRequired bool
	FollowUpDate     *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Price recomputes the amount fields from the fee and the insurance coverage.
// TotalAmountCents stays the gross amount; PatientCopayCents is what the patient owes.
func (a *Appointment) Price() {
	total := a.ConsultationFeeCents + a.AdditionalFeesCents
	a.TotalAmountCents = total
	covered := int64(math.Round(float64(total) * a.InsuranceCoveragePercent / 100))
	if covered > total {
		covered = total
	}
	a.InsuranceCoveredCents = covered
	a.PatientCopayCents = total - covered
}

// HistoryEntry is one append-only row of an appointment's audit trail.
type HistoryEntry struct {
	ID             int64
	AppointmentID  uuid.UUID
	PatientID      *uuid.UUID
	ChangedByType  ActorType
	ChangedByID    *uuid.UUID
	ChangeType     string
	PreviousValues map[string]any
	NewValues      map[string]any
	Reason         string
	CreatedAt      time.Time
}

type Reminder struct {
	ID              uuid.UUID
	AppointmentID   uuid.UUID
	PatientID       uuid.UUID
	Channel         string
	RecipientType   string
	FireAt          time.Time
	MessageTemplate string
	Status          ReminderStatus
	DispatchedAt    *time.Time // handed to the broker; still pending until a delivery report
	SentAt          *time.Time
	ErrorMessage    string
	CreatedAt       time.Time
}

// Preference describes the window a waiting patient would accept.
// Nil fields match anything; minutes are past midnight UTC.
type Preference struct {
	Date        *time.Time
	StartMinute *int
	EndMinute   *int
	Mode        ConsultationMode
}

// Matches reports whether a freed slot falls inside the preference.
func (p Preference) Matches(s *TimeSlot) bool {
	if p.Date != nil && !sameDate(*p.Date, s.Date) {
		return false
	}
	if p.StartMinute != nil && s.StartMinute() < *p.StartMinute {
		return false
	}
	if p.EndMinute != nil && s.EndMinute() > *p.EndMinute {
		return false
	}
	if p.Mode != "" && p.Mode != s.Mode {
		return false
	}
	return true
}

type WaitlistEntry struct {
	ID                   uuid.UUID
	PatientID            uuid.UUID
	DoctorID             uuid.UUID
	Preference           Preference
	Priority             int
	Status               WaitlistStatus
	NotificationChannels []string
	CreatedAt            time.Time
	ExpiresAt            time.Time
	NotifiedAt           *time.Time
	NotifiedSlotID       *uuid.UUID
}

// SlotQuery filters slot listings. Zero values are ignored.
type SlotQuery struct {
	DoctorID      uuid.UUID
	From          time.Time
	To            time.Time
	Mode          ConsultationMode
	AvailableOnly bool
}

// DateOf truncates t to its UTC calendar date.
func DateOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func sameDate(a, b time.Time) bool {
	return DateOf(a).Equal(DateOf(b))
}
