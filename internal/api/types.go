package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/doctor-scheduling/internal/booking"
	"github.com/hackgods/doctor-scheduling/internal/scheduling"
	"github.com/hackgods/doctor-scheduling/internal/slots"
)

type ErrorResponse struct {
	Error   string `json:"error"`
	Field   string `json:"field,omitempty"`
	Details string `json:"details,omitempty"`
}

type RestrictionsRequest struct {
	AdvanceBookingHours       *int   `json:"advance_booking_hours,omitempty" validate:"omitempty,gte=0"`
	CancellationDeadlineHours *int   `json:"cancellation_deadline_hours,omitempty" validate:"omitempty,gte=0"`
	MaxAdvanceDays            *int   `json:"max_advance_days,omitempty" validate:"omitempty,gte=0"`
	MinPatientAge             *int   `json:"min_patient_age,omitempty" validate:"omitempty,gte=0"`
	MaxPatientAge             *int   `json:"max_patient_age,omitempty" validate:"omitempty,gte=0"`
	GenderRestriction         string `json:"gender_restriction,omitempty" validate:"omitempty,oneof=male female"`
}

type CreateSlotRequest struct {
	StartsAt         time.Time            `json:"starts_at" validate:"required"`
	EndsAt           *time.Time           `json:"ends_at,omitempty"`
	Mode             string               `json:"consultation_mode,omitempty" validate:"omitempty,oneof=in_person video_call phone_call home_visit"`
	MaxAppointments  int                  `json:"max_appointments" validate:"omitempty,gte=1"`
	Restrictions     *RestrictionsRequest `json:"restrictions,omitempty"`
	AutoConfirm      bool                 `json:"auto_confirm"`
	SendReminders    *bool                `json:"send_reminders,omitempty"`
	ReminderHours    []int                `json:"reminder_hours,omitempty" validate:"omitempty,dive,gte=1"`
	ReminderChannels []string             `json:"reminder_channels,omitempty" validate:"omitempty,dive,oneof=sms email push"`
	FeeOverrideCents *int64               `json:"fee_override_cents,omitempty" validate:"omitempty,gte=0"`
	IsHoliday        bool                 `json:"is_holiday"`
	HolidayReason    string               `json:"holiday_reason,omitempty"`
}

func (r *CreateSlotRequest) spec() slots.SlotSpec {
	s := slots.SlotSpec{
		StartsAt:         r.StartsAt,
		Mode:             scheduling.ConsultationMode(r.Mode),
		MaxAppointments:  r.MaxAppointments,
		AutoConfirm:      r.AutoConfirm,
		SendReminders:    r.SendReminders,
		ReminderHours:    r.ReminderHours,
		ReminderChannels: r.ReminderChannels,
		FeeOverrideCents: r.FeeOverrideCents,
		IsHoliday:        r.IsHoliday,
		HolidayReason:    r.HolidayReason,
	}
	if s.MaxAppointments == 0 {
		s.MaxAppointments = 1
	}
	if r.EndsAt != nil {
		s.EndsAt = *r.EndsAt
	}
	if rr := r.Restrictions; rr != nil {
		s.Restrictions = slots.RestrictionSpec{
			AdvanceBookingHours:       rr.AdvanceBookingHours,
			CancellationDeadlineHours: rr.CancellationDeadlineHours,
			MaxAdvanceDays:            rr.MaxAdvanceDays,
			MinPatientAge:             rr.MinPatientAge,
			MaxPatientAge:             rr.MaxPatientAge,
			GenderRestriction:         rr.GenderRestriction,
		}
	}
	return s
}

type CreateSeriesRequest struct {
	CreateSlotRequest
	Pattern string    `json:"recurrence_pattern" validate:"required,oneof=daily weekly monthly"`
	Until   time.Time `json:"recurrence_end_date" validate:"required"`
}

type RetireSlotRequest struct {
	Status  string `json:"status" validate:"required,oneof=cancelled blocked"`
	Reason  string `json:"reason" validate:"max=500"`
	Cascade bool   `json:"cascade"`
}

type SlotResponse struct {
	ID                  uuid.UUID  `json:"id"`
	DoctorID            uuid.UUID  `json:"doctor_id"`
	Date                string     `json:"date"`
	StartsAt            time.Time  `json:"starts_at"`
	EndsAt              time.Time  `json:"ends_at"`
	DurationMinutes     int        `json:"duration_minutes"`
	Mode                string     `json:"consultation_mode"`
	MaxAppointments     int        `json:"max_appointments"`
	CurrentAppointments int        `json:"current_appointments"`
	AvailableCapacity   int        `json:"available_capacity"`
	IsAvailable         bool       `json:"is_available"`
	IsBooked            bool       `json:"is_booked"`
	IsHoliday           bool       `json:"is_holiday"`
	Status              string     `json:"status"`
	StatusReason        string     `json:"status_reason,omitempty"`
	AutoConfirm         bool       `json:"auto_confirm"`
	FeeCents            *int64     `json:"fee_cents,omitempty"`
	IsRecurring         bool       `json:"is_recurring"`
	RecurrencePattern   string     `json:"recurrence_pattern,omitempty"`
	ParentSlotID        *uuid.UUID `json:"parent_slot_id,omitempty"`
}

func toSlotResponse(s *scheduling.TimeSlot) SlotResponse {
	return SlotResponse{
		ID:                  s.ID,
		DoctorID:            s.DoctorID,
		Date:                s.Date.Format(time.DateOnly),
		StartsAt:            s.StartsAt,
		EndsAt:              s.EndsAt,
		DurationMinutes:     s.DurationMinutes,
		Mode:                string(s.Mode),
		MaxAppointments:     s.MaxAppointments,
		CurrentAppointments: s.CurrentAppointments,
		AvailableCapacity:   s.AvailableCapacity(),
		IsAvailable:         s.IsAvailable,
		IsBooked:            s.IsBooked,
		IsHoliday:           s.IsHoliday,
		Status:              string(s.Status),
		StatusReason:        s.StatusReason,
		AutoConfirm:         s.AutoConfirm,
		FeeCents:            s.FeeOverrideCents,
		IsRecurring:         s.IsRecurring,
		RecurrencePattern:   string(s.RecurrencePattern),
		ParentSlotID:        s.ParentSlotID,
	}
}

func toSlotResponses(in []scheduling.TimeSlot) []SlotResponse {
	out := make([]SlotResponse, 0, len(in))
	for i := range in {
		out = append(out, toSlotResponse(&in[i]))
	}
	return out
}

func toViewResponses(in []slots.TimeSlotView) []SlotResponse {
	out := make([]SlotResponse, 0, len(in))
	for i := range in {
		resp := toSlotResponse(&in[i].TimeSlot)
		fee := in[i].EffectiveFeeCents
		resp.FeeCents = &fee
		out = append(out, resp)
	}
	return out
}

type SeriesResponse struct {
	Parent   SlotResponse   `json:"parent"`
	Children []SlotResponse `json:"children"`
}

type RetireSlotResponse struct {
	Slot      SlotResponse          `json:"slot"`
	Cancelled []AppointmentResponse `json:"cancelled_appointments,omitempty"`
}

type BookAppointmentRequest struct {
	SlotID                   uuid.UUID  `json:"slot_id" validate:"required"`
	PatientID                *uuid.UUID `json:"patient_id,omitempty"`
	PatientAge               *int       `json:"patient_age,omitempty" validate:"omitempty,gte=0,lte=150"`
	PatientGender            string     `json:"patient_gender,omitempty" validate:"omitempty,oneof=male female other"`
	AppointmentType          string     `json:"appointment_type,omitempty" validate:"max=50"`
	Mode                     string     `json:"consultation_mode,omitempty" validate:"omitempty,oneof=in_person video_call phone_call home_visit"`
	ChiefComplaint           string     `json:"chief_complaint,omitempty" validate:"max=2000"`
	AdditionalFeesCents      int64      `json:"additional_fees_cents" validate:"gte=0"`
	InsuranceCoveragePercent float64    `json:"insurance_coverage_percent" validate:"gte=0,lte=100"`
	PaymentMethod            string     `json:"payment_method,omitempty" validate:"max=50"`
}

type CancelRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

type RescheduleRequest struct {
	SlotID        uuid.UUID `json:"slot_id" validate:"required"`
	Reason        string    `json:"reason" validate:"max=500"`
	PatientAge    *int      `json:"patient_age,omitempty" validate:"omitempty,gte=0,lte=150"`
	PatientGender string    `json:"patient_gender,omitempty" validate:"omitempty,oneof=male female other"`
}

type CompleteRequest struct {
	DoctorNotes      string     `json:"doctor_notes" validate:"max=10000"`
	Diagnosis        string     `json:"diagnosis" validate:"max=5000"`
	TreatmentPlan    string     `json:"treatment_plan" validate:"max=5000"`
	FollowUpRequired bool       `json:"follow_up_required"`
	FollowUpDate     *time.Time `json:"follow_up_date,omitempty"`
}

func (r *CompleteRequest) outcome() booking.Outcome {
	return booking.Outcome{
		DoctorNotes:      r.DoctorNotes,
		Diagnosis:        r.Diagnosis,
		TreatmentPlan:    r.TreatmentPlan,
		FollowUpRequired: r.FollowUpRequired,
		FollowUpDate:     r.FollowUpDate,
	}
}

type AppointmentResponse struct {
	ID                       uuid.UUID  `json:"id"`
	Number                   string     `json:"appointment_number"`
	PatientID                uuid.UUID  `json:"patient_id"`
	DoctorID                 uuid.UUID  `json:"doctor_id"`
	SlotID                   uuid.UUID  `json:"time_slot_id"`
	OriginalSlotID           *uuid.UUID `json:"original_time_slot_id,omitempty"`
	Type                     string     `json:"appointment_type"`
	Mode                     string     `json:"consultation_mode"`
	Status                   string     `json:"status"`
	BookingStatus            string     `json:"booking_status"`
	IsFirstVisit             bool       `json:"is_first_visit"`
	ConsultationFeeCents     int64      `json:"consultation_fee_cents"`
	AdditionalFeesCents      int64      `json:"additional_fees_cents"`
	TotalAmountCents         int64      `json:"total_amount_cents"`
	InsuranceCoveragePercent float64    `json:"insurance_coverage_percent"`
	PatientCopayCents        int64      `json:"patient_copay_cents"`
	RescheduledCount         int        `json:"rescheduled_count"`
	CancellationReason       string     `json:"cancellation_reason,omitempty"`
	ConfirmedAt              *time.Time `json:"confirmed_at,omitempty"`
	CancelledAt              *time.Time `json:"cancelled_at,omitempty"`
	CheckInAt                *time.Time `json:"check_in_at,omitempty"`
	StartedAt                *time.Time `json:"started_at,omitempty"`
	CompletedAt              *time.Time `json:"completed_at,omitempty"`
	ActualDurationMinutes    *int       `json:"actual_duration_minutes,omitempty"`
	CreatedAt                time.Time  `json:"created_at"`
}

func toAppointmentResponse(a *scheduling.Appointment) AppointmentResponse {
	return AppointmentResponse{
		ID:                       a.ID,
		Number:                   a.Number,
		PatientID:                a.PatientID,
		DoctorID:                 a.DoctorID,
		SlotID:                   a.TimeSlotID,
		OriginalSlotID:           a.OriginalTimeSlotID,
		Type:                     a.AppointmentType,
		Mode:                     string(a.Mode),
		Status:                   string(a.Status),
		BookingStatus:            string(a.BookingStatus),
		IsFirstVisit:             a.IsFirstVisit,
		ConsultationFeeCents:     a.ConsultationFeeCents,
		AdditionalFeesCents:      a.AdditionalFeesCents,
		TotalAmountCents:         a.TotalAmountCents,
		InsuranceCoveragePercent: a.InsuranceCoveragePercent,
		PatientCopayCents:        a.PatientCopayCents,
		RescheduledCount:         a.RescheduledCount,
		CancellationReason:       a.CancellationReason,
		ConfirmedAt:              a.ConfirmedAt,
		CancelledAt:              a.CancelledAt,
		CheckInAt:                a.CheckInAt,
		StartedAt:                a.StartedAt,
		CompletedAt:              a.CompletedAt,
		ActualDurationMinutes:    a.ActualDurationMinutes,
		CreatedAt:                a.CreatedAt,
	}
}

type HistoryResponse struct {
	ID             int64          `json:"id"`
	ChangeType     string         `json:"change_type"`
	ChangedByType  string         `json:"changed_by_type"`
	ChangedByID    *uuid.UUID     `json:"changed_by_id,omitempty"`
	PreviousValues map[string]any `json:"previous_values,omitempty"`
	NewValues      map[string]any `json:"new_values,omitempty"`
	Reason         string         `json:"reason,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

func toHistoryResponses(in []scheduling.HistoryEntry) []HistoryResponse {
	out := make([]HistoryResponse, 0, len(in))
	for _, h := range in {
		out = append(out, HistoryResponse{
			ID:             h.ID,
			ChangeType:     h.ChangeType,
			ChangedByType:  string(h.ChangedByType),
			ChangedByID:    h.ChangedByID,
			PreviousValues: h.PreviousValues,
			NewValues:      h.NewValues,
			Reason:         h.Reason,
			CreatedAt:      h.CreatedAt,
		})
	}
	return out
}

type EnqueueWaitlistRequest struct {
	DoctorID      uuid.UUID  `json:"doctor_id" validate:"required"`
	PatientID     *uuid.UUID `json:"patient_id,omitempty"`
	PreferredDate *time.Time `json:"preferred_date,omitempty"`
	StartMinute   *int       `json:"preferred_start_minute,omitempty" validate:"omitempty,gte=0,lt=1440"`
	EndMinute     *int       `json:"preferred_end_minute,omitempty" validate:"omitempty,gt=0,lte=1440"`
	Mode          string     `json:"consultation_mode,omitempty" validate:"omitempty,oneof=in_person video_call phone_call home_visit"`
	Priority      int        `json:"priority" validate:"omitempty,oneof=1 2 3"`
	Channels      []string   `json:"notification_channels,omitempty" validate:"omitempty,dive,oneof=sms email push"`
}

type WaitlistResponse struct {
	ID             uuid.UUID  `json:"id"`
	PatientID      uuid.UUID  `json:"patient_id"`
	DoctorID       uuid.UUID  `json:"doctor_id"`
	Priority       int        `json:"priority"`
	Status         string     `json:"status"`
	Channels       []string   `json:"notification_channels"`
	ExpiresAt      time.Time  `json:"expires_at"`
	NotifiedAt     *time.Time `json:"notified_at,omitempty"`
	NotifiedSlotID *uuid.UUID `json:"notified_slot_id,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

func toWaitlistResponse(e *scheduling.WaitlistEntry) WaitlistResponse {
	return WaitlistResponse{
		ID:             e.ID,
		PatientID:      e.PatientID,
		DoctorID:       e.DoctorID,
		Priority:       e.Priority,
		Status:         string(e.Status),
		Channels:       e.NotificationChannels,
		ExpiresAt:      e.ExpiresAt,
		NotifiedAt:     e.NotifiedAt,
		NotifiedSlotID: e.NotifiedSlotID,
		CreatedAt:      e.CreatedAt,
	}
}

type ReminderResponse struct {
	ID            uuid.UUID `json:"id"`
	AppointmentID uuid.UUID `json:"appointment_id"`
	PatientID     uuid.UUID `json:"patient_id"`
	Channel       string    `json:"channel"`
	FireAt        time.Time `json:"fire_at"`
	Template      string    `json:"message_template"`
	Status        string    `json:"status"`
}

func toReminderResponses(in []scheduling.Reminder) []ReminderResponse {
	out := make([]ReminderResponse, 0, len(in))
	for _, r := range in {
		out = append(out, ReminderResponse{
			ID:            r.ID,
			AppointmentID: r.AppointmentID,
			PatientID:     r.PatientID,
			Channel:       r.Channel,
			FireAt:        r.FireAt,
			Template:      r.MessageTemplate,
			Status:        string(r.Status),
		})
	}
	return out
}

type ReminderDeliveryRequest struct {
	Sent  bool   `json:"sent"`
	Error string `json:"error,omitempty" validate:"max=1000"`
}
