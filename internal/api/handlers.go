package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/doctor-scheduling/internal/booking"
	"github.com/hackgods/doctor-scheduling/internal/metrics"
	redisclient "github.com/hackgods/doctor-scheduling/internal/redis"
	"github.com/hackgods/doctor-scheduling/internal/reminder"
	"github.com/hackgods/doctor-scheduling/internal/scheduling"
	"github.com/hackgods/doctor-scheduling/internal/slots"
	"github.com/hackgods/doctor-scheduling/internal/waitlist"
)

type handlers struct {
	slots     *slots.Manager
	engine    *booking.Engine
	waitlist  *waitlist.Manager
	reminders *reminder.Scheduler
	limiter   redisclient.Limiter
	metrics   *metrics.SchedulingMetrics
	logger    *zap.Logger
	batchSize int
	now       func() time.Time
}

func urlUUID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_"+param, param+" must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func actorOf(r *http.Request) scheduling.Actor {
	a, _ := ActorFrom(r.Context())
	return a
}

// foreignDoctor rejects a doctor acting on another doctor's schedule.
func foreignDoctor(w http.ResponseWriter, actor scheduling.Actor, doctorID uuid.UUID) bool {
	if actor.Type != scheduling.ActorDoctor {
		return false
	}
	if actor.ID != nil && *actor.ID == doctorID {
		return false
	}
	writeError(w, http.StatusForbidden, "forbidden", "doctors may only manage their own schedule")
	return true
}

// ownedSlot loads the slot a staff route is about to change.
func (h *handlers) ownedSlot(w http.ResponseWriter, r *http.Request) (*scheduling.TimeSlot, bool) {
	slotID, ok := urlUUID(w, r, "slotID")
	if !ok {
		return nil, false
	}
	slot, err := h.slots.Get(r.Context(), slotID)
	if err != nil {
		writeDomainError(w, h.logger, err)
		return nil, false
	}
	if foreignDoctor(w, actorOf(r), slot.DoctorID) {
		return nil, false
	}
	return slot, true
}

// slots

func (h *handlers) createSlot(w http.ResponseWriter, r *http.Request) {
	doctorID, ok := urlUUID(w, r, "doctorID")
	if !ok {
		return
	}
	if foreignDoctor(w, actorOf(r), doctorID) {
		return
	}
	var req CreateSlotRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	slot, err := h.slots.CreateSlot(r.Context(), doctorID, req.spec())
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSlotResponse(slot))
}

func (h *handlers) createSeries(w http.ResponseWriter, r *http.Request) {
	doctorID, ok := urlUUID(w, r, "doctorID")
	if !ok {
		return
	}
	if foreignDoctor(w, actorOf(r), doctorID) {
		return
	}
	var req CreateSeriesRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	parent, children, err := h.slots.CreateSeries(r.Context(), doctorID, slots.SeriesSpec{
		SlotSpec: req.spec(),
		Pattern:  scheduling.RecurrencePattern(req.Pattern),
		Until:    req.Until,
	})
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, SeriesResponse{
		Parent:   toSlotResponse(parent),
		Children: toSlotResponses(children),
	})
}

func (h *handlers) expandRecurrence(w http.ResponseWriter, r *http.Request) {
	slot, ok := h.ownedSlot(w, r)
	if !ok {
		return
	}
	created, err := h.slots.ExpandRecurrence(r.Context(), slot.ID)
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toSlotResponses(created))
}

func (h *handlers) getSlot(w http.ResponseWriter, r *http.Request) {
	slotID, ok := urlUUID(w, r, "slotID")
	if !ok {
		return
	}
	slot, err := h.slots.Get(r.Context(), slotID)
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toSlotResponse(slot))
}

// parseTime accepts RFC 3339 timestamps and plain dates.
func parseTime(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	return time.Parse(time.DateOnly, raw)
}

func (h *handlers) listAvailable(w http.ResponseWriter, r *http.Request) {
	doctorID, ok := urlUUID(w, r, "doctorID")
	if !ok {
		return
	}

	q := r.URL.Query()
	from := h.now().UTC()
	var to time.Time
	if raw := q.Get("from"); raw != "" {
		t, err := parseTime(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_from", "from must be RFC 3339 or YYYY-MM-DD")
			return
		}
		from = t
	}
	if raw := q.Get("to"); raw != "" {
		t, err := parseTime(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_to", "to must be RFC 3339 or YYYY-MM-DD")
			return
		}
		to = t
	}

	views, err := h.slots.ListAvailable(r.Context(), doctorID, from, to, slots.SlotFilter{
		Mode: scheduling.ConsultationMode(q.Get("mode")),
	})
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toViewResponses(views))
}

func (h *handlers) retireSlot(w http.ResponseWriter, r *http.Request) {
	owned, ok := h.ownedSlot(w, r)
	if !ok {
		return
	}
	slotID := owned.ID
	var req RetireSlotRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	status := scheduling.SlotStatus(req.Status)

	if !req.Cascade {
		slot, err := h.slots.Retire(r.Context(), slotID, status, req.Reason)
		if err != nil {
			writeDomainError(w, h.logger, err)
			return
		}
		writeJSON(w, http.StatusOK, RetireSlotResponse{Slot: toSlotResponse(slot)})
		return
	}

	slot, cancelled, err := h.engine.RetireSlot(r.Context(), slotID, status, actorOf(r), req.Reason)
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	resp := RetireSlotResponse{Slot: toSlotResponse(slot)}
	for i := range cancelled {
		resp.Cancelled = append(resp.Cancelled, toAppointmentResponse(&cancelled[i]))
	}
	writeJSON(w, http.StatusOK, resp)
}

// appointments

func (h *handlers) bookAppointment(w http.ResponseWriter, r *http.Request) {
	var req BookAppointmentRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	actor := actorOf(r)
	patientID, err := subjectPatient(actor, req.PatientID)
	if err != nil {
		writeError(w, http.StatusForbidden, "forbidden", err.Error())
		return
	}

	if h.limiter != nil {
		allowed, err := h.limiter.Allow(r.Context(), patientID)
		if err != nil {
			h.logger.Warn("booking rate limiter unavailable", zap.Error(err))
		} else if !allowed {
			h.metrics.ObserveRateLimited()
			writeError(w, http.StatusTooManyRequests, "rate_limited", "too many booking attempts, try again shortly")
			return
		}
	}

	appt, err := h.engine.Book(r.Context(), patientID, req.SlotID, booking.BookingDetails{
		Patient:                  slots.PatientProfile{Age: req.PatientAge, Gender: req.PatientGender},
		AppointmentType:          req.AppointmentType,
		Mode:                     scheduling.ConsultationMode(req.Mode),
		ChiefComplaint:           req.ChiefComplaint,
		AdditionalFeesCents:      req.AdditionalFeesCents,
		InsuranceCoveragePercent: req.InsuranceCoveragePercent,
		PaymentMethod:            req.PaymentMethod,
		IdempotencyKey:           r.Header.Get("Idempotency-Key"),
		BookedBy:                 actor,
		Source:                   "api",
	})
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAppointmentResponse(appt))
}

// ownedAppointment loads the appointment, hides it from other patients and
// refuses doctors it does not belong to.
func (h *handlers) ownedAppointment(w http.ResponseWriter, r *http.Request) (*scheduling.Appointment, bool) {
	id, ok := urlUUID(w, r, "id")
	if !ok {
		return nil, false
	}
	appt, err := h.engine.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, h.logger, err)
		return nil, false
	}
	actor := actorOf(r)
	if actor.Type == scheduling.ActorPatient && *actor.ID != appt.PatientID {
		writeDomainError(w, h.logger, scheduling.NotFound("appointment", id))
		return nil, false
	}
	if foreignDoctor(w, actor, appt.DoctorID) {
		return nil, false
	}
	return appt, true
}

func (h *handlers) getAppointment(w http.ResponseWriter, r *http.Request) {
	appt, ok := h.ownedAppointment(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
}

func (h *handlers) appointmentHistory(w http.ResponseWriter, r *http.Request) {
	appt, ok := h.ownedAppointment(w, r)
	if !ok {
		return
	}
	history, err := h.engine.History(r.Context(), appt.ID)
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toHistoryResponses(history))
}

func (h *handlers) cancelAppointment(w http.ResponseWriter, r *http.Request) {
	appt, ok := h.ownedAppointment(w, r)
	if !ok {
		return
	}
	var req CancelRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	out, err := h.engine.Cancel(r.Context(), appt.ID, actorOf(r), req.Reason)
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentResponse(out))
}

func (h *handlers) rescheduleAppointment(w http.ResponseWriter, r *http.Request) {
	appt, ok := h.ownedAppointment(w, r)
	if !ok {
		return
	}
	var req RescheduleRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	out, err := h.engine.Reschedule(r.Context(), appt.ID, req.SlotID, actorOf(r), booking.RescheduleOptions{
		Patient: slots.PatientProfile{Age: req.PatientAge, Gender: req.PatientGender},
		Reason:  req.Reason,
	})
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentResponse(out))
}

type transitionFunc func(ctx context.Context, id uuid.UUID, actor scheduling.Actor) (*scheduling.Appointment, error)

// transition serves a body-less lifecycle step such as confirm or check-in.
func (h *handlers) transition(fn transitionFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		appt, ok := h.ownedAppointment(w, r)
		if !ok {
			return
		}
		out, err := fn(r.Context(), appt.ID, actorOf(r))
		if err != nil {
			writeDomainError(w, h.logger, err)
			return
		}
		writeJSON(w, http.StatusOK, toAppointmentResponse(out))
	}
}

func (h *handlers) completeAppointment(w http.ResponseWriter, r *http.Request) {
	appt, ok := h.ownedAppointment(w, r)
	if !ok {
		return
	}
	var req CompleteRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	out, err := h.engine.Complete(r.Context(), appt.ID, actorOf(r), req.outcome())
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentResponse(out))
}

// waitlist

func (h *handlers) enqueueWaitlist(w http.ResponseWriter, r *http.Request) {
	var req EnqueueWaitlistRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	patientID, err := subjectPatient(actorOf(r), req.PatientID)
	if err != nil {
		writeError(w, http.StatusForbidden, "forbidden", err.Error())
		return
	}

	entry, err := h.waitlist.Enqueue(r.Context(), patientID, req.DoctorID, scheduling.Preference{
		Date:        req.PreferredDate,
		StartMinute: req.StartMinute,
		EndMinute:   req.EndMinute,
		Mode:        scheduling.ConsultationMode(req.Mode),
	}, req.Priority, req.Channels)
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, toWaitlistResponse(entry))
}

func (h *handlers) cancelWaitlist(w http.ResponseWriter, r *http.Request) {
	id, ok := urlUUID(w, r, "id")
	if !ok {
		return
	}
	actor := actorOf(r)
	var patientID uuid.UUID
	if actor.Type == scheduling.ActorPatient {
		patientID = *actor.ID
	} else {
		entry, err := h.waitlist.Get(r.Context(), id)
		if err != nil {
			writeDomainError(w, h.logger, err)
			return
		}
		patientID = entry.PatientID
	}

	entry, err := h.waitlist.Cancel(r.Context(), id, patientID)
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toWaitlistResponse(entry))
}

// reminders

func (h *handlers) dueReminders(w http.ResponseWriter, r *http.Request) {
	limit := h.batchSize
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 1000 {
			writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be between 1 and 1000")
			return
		}
		limit = n
	}
	due, err := h.reminders.Due(r.Context(), limit)
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toReminderResponses(due))
}

func (h *handlers) reportDelivery(w http.ResponseWriter, r *http.Request) {
	id, ok := urlUUID(w, r, "id")
	if !ok {
		return
	}
	var req ReminderDeliveryRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.reminders.ReportDelivery(r.Context(), id, req.Sent, req.Error); err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
