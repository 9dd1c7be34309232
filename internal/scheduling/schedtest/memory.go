// Package schedtest provides an in-memory scheduling.Repository for tests.
//
// Transactions are serialized by a single mutex and work on a copy of the
// tables that replaces the live state only on commit, so a failing callback
// leaves nothing behind. Sequences advance outside the snapshot, like Postgres.
package schedtest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/doctor-scheduling/internal/scheduling"
)

type tables struct {
	doctors      map[uuid.UUID]scheduling.Doctor
	slots        map[uuid.UUID]scheduling.TimeSlot
	appointments map[uuid.UUID]scheduling.Appointment
	reminders    map[uuid.UUID]scheduling.Reminder
	waitlist     map[uuid.UUID]scheduling.WaitlistEntry
}

func newTables() tables {
	return tables{
		doctors:      map[uuid.UUID]scheduling.Doctor{},
		slots:        map[uuid.UUID]scheduling.TimeSlot{},
		appointments: map[uuid.UUID]scheduling.Appointment{},
		reminders:    map[uuid.UUID]scheduling.Reminder{},
		waitlist:     map[uuid.UUID]scheduling.WaitlistEntry{},
	}
}

func (t tables) clone() tables {
	c := newTables()
	for k, v := range t.doctors {
		c.doctors[k] = v
	}
	for k, v := range t.slots {
		c.slots[k] = v
	}
	for k, v := range t.appointments {
		c.appointments[k] = v
	}
	for k, v := range t.reminders {
		c.reminders[k] = v
	}
	for k, v := range t.waitlist {
		c.waitlist[k] = v
	}
	return c
}

type Repository struct {
	mu      sync.Mutex
	data    tables
	history []scheduling.HistoryEntry

	doctorSeq      int64
	appointmentSeq int64

	historyErr      error
	historyFailures int
	commits         int
}

var _ scheduling.Repository = (*Repository)(nil)

func New() *Repository {
	return &Repository{data: newTables()}
}

// FailHistory makes the next n InsertHistory calls return err.
func (r *Repository) FailHistory(err error, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.historyErr = err
	r.historyFailures = n
}

// Commits reports how many transactions have committed.
func (r *Repository) Commits() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.commits
}

func (r *Repository) WithTx(ctx context.Context, fn func(ctx context.Context, tx scheduling.Tx) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	tx := &memTx{repo: r, t: r.data.clone()}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	r.data = tx.t
	r.commits++
	return nil
}

// AddDoctor seeds a doctor without a transaction. Zero-valued defaults are filled in.
func (r *Repository) AddDoctor(d scheduling.Doctor) scheduling.Doctor {
	r.mu.Lock()
	defer r.mu.Unlock()

	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if d.DoctorNumber == "" {
		r.doctorSeq++
		d.DoctorNumber = fmt.Sprintf("DR%05d", r.doctorSeq)
	}
	if d.ConsultationDuration == 0 {
		d.ConsultationDuration = 30
	}
	r.data.doctors[d.ID] = d
	return d
}

// PutSlot stores a slot as-is, bypassing validation.
func (r *Repository) PutSlot(s scheduling.TimeSlot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data.slots[s.ID] = s
}

func (r *Repository) PutAppointment(a scheduling.Appointment) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data.appointments[a.ID] = a
}

func (r *Repository) PutWaitlistEntry(w scheduling.WaitlistEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data.waitlist[w.ID] = w
}

// Appointments returns every stored appointment ordered by number.
func (r *Repository) Appointments() []scheduling.Appointment {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]scheduling.Appointment, 0, len(r.data.appointments))
	for _, a := range r.data.appointments {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out
}

// Reader on the committed state

func (r *Repository) view() *memTx {
	return &memTx{repo: r, t: r.data}
}

func (r *Repository) GetDoctor(ctx context.Context, id uuid.UUID) (*scheduling.Doctor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.view().GetDoctor(ctx, id)
}

func (r *Repository) GetSlot(ctx context.Context, id uuid.UUID) (*scheduling.TimeSlot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.view().GetSlot(ctx, id)
}

func (r *Repository) GetChildSlot(ctx context.Context, parentID uuid.UUID, date time.Time) (*scheduling.TimeSlot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.view().GetChildSlot(ctx, parentID, date)
}

func (r *Repository) ListSlots(ctx context.Context, q scheduling.SlotQuery) ([]scheduling.TimeSlot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.view().ListSlots(ctx, q)
}

func (r *Repository) GetAppointment(ctx context.Context, id uuid.UUID) (*scheduling.Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.view().GetAppointment(ctx, id)
}

func (r *Repository) ListHistory(ctx context.Context, appointmentID uuid.UUID) ([]scheduling.HistoryEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.view().ListHistory(ctx, appointmentID)
}

func (r *Repository) ListReminders(ctx context.Context, appointmentID uuid.UUID) ([]scheduling.Reminder, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.view().ListReminders(ctx, appointmentID)
}

func (r *Repository) GetWaitlistEntry(ctx context.Context, id uuid.UUID) (*scheduling.WaitlistEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.view().GetWaitlistEntry(ctx, id)
}

func (r *Repository) InsertHistory(_ context.Context, h *scheduling.HistoryEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.historyFailures > 0 {
		r.historyFailures--
		return r.historyErr
	}
	if _, ok := r.data.appointments[h.AppointmentID]; !ok {
		return fmt.Errorf("insert history: appointment %s does not exist", h.AppointmentID)
	}
	h.ID = int64(len(r.history) + 1)
	r.history = append(r.history, *h)
	return nil
}

func (r *Repository) ListDueReminders(_ context.Context, now time.Time, limit int) ([]scheduling.Reminder, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []scheduling.Reminder
	for _, rm := range r.data.reminders {
		if rm.Status == scheduling.ReminderPending && rm.DispatchedAt == nil && !rm.FireAt.After(now) {
			out = append(out, rm)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FireAt.Before(out[j].FireAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *Repository) MarkReminderDispatched(_ context.Context, id uuid.UUID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.data.reminders[id]
	if !ok {
		return scheduling.NotFound("reminder", id)
	}
	if rm.Status != scheduling.ReminderPending || rm.DispatchedAt != nil {
		return scheduling.Violation(scheduling.ReasonInvalidTransition, "reminder %s is no longer awaiting dispatch", id)
	}
	rm.DispatchedAt = &at
	r.data.reminders[id] = rm
	return nil
}

func (r *Repository) UpdateReminderDelivery(_ context.Context, id uuid.UUID, status scheduling.ReminderStatus, at time.Time, errMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.data.reminders[id]
	if !ok {
		return scheduling.NotFound("reminder", id)
	}
	if rm.Status != scheduling.ReminderPending {
		return scheduling.Violation(scheduling.ReasonInvalidTransition, "reminder is %s", rm.Status)
	}
	rm.Status = status
	rm.ErrorMessage = errMsg
	if status == scheduling.ReminderSent {
		sent := at
		rm.SentAt = &sent
	}
	r.data.reminders[id] = rm
	return nil
}

func (r *Repository) ExpireWaitlist(_ context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for id, w := range r.data.waitlist {
		if w.Status == scheduling.WaitlistWaiting && !w.ExpiresAt.After(now) {
			w.Status = scheduling.WaitlistExpired
			r.data.waitlist[id] = w
			n++
		}
	}
	return n, nil
}

// memTx works on a private copy of the tables. The repository mutex is held by WithTx.
type memTx struct {
	repo *Repository
	t    tables
}

var _ scheduling.Tx = (*memTx)(nil)

func (x *memTx) GetDoctor(_ context.Context, id uuid.UUID) (*scheduling.Doctor, error) {
	d, ok := x.t.doctors[id]
	if !ok {
		return nil, scheduling.NotFound("doctor", id)
	}
	return &d, nil
}

func (x *memTx) GetSlot(_ context.Context, id uuid.UUID) (*scheduling.TimeSlot, error) {
	s, ok := x.t.slots[id]
	if !ok {
		return nil, scheduling.NotFound("time slot", id)
	}
	return &s, nil
}

func (x *memTx) GetChildSlot(_ context.Context, parentID uuid.UUID, date time.Time) (*scheduling.TimeSlot, error) {
	day := scheduling.DateOf(date)
	for _, s := range x.t.slots {
		if s.ParentSlotID != nil && *s.ParentSlotID == parentID && scheduling.DateOf(s.Date).Equal(day) {
			return &s, nil
		}
	}
	return nil, scheduling.NotFound("time slot", nil)
}

func (x *memTx) ListSlots(_ context.Context, q scheduling.SlotQuery) ([]scheduling.TimeSlot, error) {
	var out []scheduling.TimeSlot
	for _, s := range x.t.slots {
		if q.DoctorID != uuid.Nil && s.DoctorID != q.DoctorID {
			continue
		}
		if !q.From.IsZero() && s.StartsAt.Before(q.From) {
			continue
		}
		if !q.To.IsZero() && !s.StartsAt.Before(q.To) {
			continue
		}
		if q.Mode != "" && s.Mode != q.Mode {
			continue
		}
		if q.AvailableOnly && !s.IsBookable() {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartsAt.Equal(out[j].StartsAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].StartsAt.Before(out[j].StartsAt)
	})
	return out, nil
}

func (x *memTx) GetAppointment(_ context.Context, id uuid.UUID) (*scheduling.Appointment, error) {
	a, ok := x.t.appointments[id]
	if !ok {
		return nil, scheduling.NotFound("appointment", id)
	}
	return &a, nil
}

func (x *memTx) ListHistory(_ context.Context, appointmentID uuid.UUID) ([]scheduling.HistoryEntry, error) {
	var out []scheduling.HistoryEntry
	for _, h := range x.repo.history {
		if h.AppointmentID == appointmentID {
			out = append(out, h)
		}
	}
	return out, nil
}

func (x *memTx) ListReminders(_ context.Context, appointmentID uuid.UUID) ([]scheduling.Reminder, error) {
	var out []scheduling.Reminder
	for _, rm := range x.t.reminders {
		if rm.AppointmentID == appointmentID {
			out = append(out, rm)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FireAt.Equal(out[j].FireAt) {
			return out[i].Channel < out[j].Channel
		}
		return out[i].FireAt.Before(out[j].FireAt)
	})
	return out, nil
}

func (x *memTx) GetWaitlistEntry(_ context.Context, id uuid.UUID) (*scheduling.WaitlistEntry, error) {
	w, ok := x.t.waitlist[id]
	if !ok {
		return nil, scheduling.NotFound("waitlist entry", id)
	}
	return &w, nil
}

func (x *memTx) InsertDoctor(_ context.Context, d *scheduling.Doctor) error {
	x.repo.doctorSeq++
	d.DoctorNumber = fmt.Sprintf("DR%05d", x.repo.doctorSeq)
	x.t.doctors[d.ID] = *d
	return nil
}

func (x *memTx) GetSlotForUpdate(ctx context.Context, id uuid.UUID) (*scheduling.TimeSlot, error) {
	return x.GetSlot(ctx, id)
}

func (x *memTx) InsertSlot(_ context.Context, s *scheduling.TimeSlot) (bool, error) {
	if s.ParentSlotID != nil {
		day := scheduling.DateOf(s.Date)
		for _, other := range x.t.slots {
			if other.ParentSlotID != nil && *other.ParentSlotID == *s.ParentSlotID && scheduling.DateOf(other.Date).Equal(day) {
				return false, nil
			}
		}
	}
	if err := checkSlot(s); err != nil {
		return false, err
	}
	x.t.slots[s.ID] = *s
	return true, nil
}

func (x *memTx) UpdateSlotStatus(_ context.Context, s *scheduling.TimeSlot) error {
	cur, ok := x.t.slots[s.ID]
	if !ok {
		return scheduling.NotFound("time slot", s.ID)
	}
	cur.Status = s.Status
	cur.StatusReason = s.StatusReason
	cur.IsAvailable = s.IsAvailable
	cur.IsHoliday = s.IsHoliday
	cur.HolidayReason = s.HolidayReason
	cur.UpdatedAt = s.UpdatedAt
	x.t.slots[s.ID] = cur
	return nil
}

func (x *memTx) UpdateSlotCapacity(_ context.Context, s *scheduling.TimeSlot) error {
	cur, ok := x.t.slots[s.ID]
	if !ok {
		return scheduling.NotFound("time slot", s.ID)
	}
	cur.CurrentAppointments = s.CurrentAppointments
	cur.IsBooked = s.IsBooked
	cur.TotalBookings = s.TotalBookings
	cur.FirstBookedAt = s.FirstBookedAt
	cur.LastBookedAt = s.LastBookedAt
	cur.UpdatedAt = s.UpdatedAt
	if err := checkSlot(&cur); err != nil {
		return err
	}
	x.t.slots[s.ID] = cur
	return nil
}

// checkSlot mirrors the table CHECK constraints.
func checkSlot(s *scheduling.TimeSlot) error {
	switch {
	case !s.EndsAt.After(s.StartsAt):
		return errors.New("time_slots_range_chk violated")
	case s.CurrentAppointments < 0 || s.CurrentAppointments > s.MaxAppointments:
		return errors.New("time_slots_capacity_chk violated")
	case s.IsBooked != (s.CurrentAppointments == s.MaxAppointments):
		return errors.New("time_slots_booked_chk violated")
	}
	return nil
}

func (x *memTx) NextAppointmentNumber(context.Context) (int64, error) {
	x.repo.appointmentSeq++
	return x.repo.appointmentSeq, nil
}

func (x *memTx) GetAppointmentForUpdate(ctx context.Context, id uuid.UUID) (*scheduling.Appointment, error) {
	return x.GetAppointment(ctx, id)
}

func (x *memTx) FindAppointmentByIdempotencyKey(_ context.Context, patientID uuid.UUID, key string) (*scheduling.Appointment, error) {
	for _, a := range x.t.appointments {
		if a.PatientID == patientID && a.IdempotencyKey != nil && *a.IdempotencyKey == key {
			return &a, nil
		}
	}
	return nil, scheduling.NotFound("appointment", nil)
}

func (x *memTx) CountPatientAppointments(_ context.Context, patientID, doctorID uuid.UUID) (int, error) {
	n := 0
	for _, a := range x.t.appointments {
		if a.PatientID == patientID && a.DoctorID == doctorID && a.Status != scheduling.StatusCancelled {
			n++
		}
	}
	return n, nil
}

func (x *memTx) ListLiveAppointmentsForSlot(_ context.Context, slotID uuid.UUID) ([]scheduling.Appointment, error) {
	var out []scheduling.Appointment
	for _, a := range x.t.appointments {
		if a.TimeSlotID != slotID {
			continue
		}
		switch a.Status {
		case scheduling.StatusPending, scheduling.StatusConfirmed, scheduling.StatusInProgress:
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

func (x *memTx) InsertAppointment(_ context.Context, a *scheduling.Appointment) error {
	for _, other := range x.t.appointments {
		if other.Number == a.Number {
			return fmt.Errorf("insert appointment: duplicate number %s", a.Number)
		}
		if a.IdempotencyKey != nil && other.PatientID == a.PatientID &&
			other.IdempotencyKey != nil && *other.IdempotencyKey == *a.IdempotencyKey {
			return scheduling.ErrDuplicateIdempotencyKey
		}
	}
	x.t.appointments[a.ID] = *a
	return nil
}

func (x *memTx) UpdateAppointment(_ context.Context, a *scheduling.Appointment) error {
	if _, ok := x.t.appointments[a.ID]; !ok {
		return scheduling.NotFound("appointment", a.ID)
	}
	if a.RescheduledCount > scheduling.MaxReschedules {
		return errors.New("appointments rescheduled_count check violated")
	}
	x.t.appointments[a.ID] = *a
	return nil
}

func (x *memTx) InsertReminders(_ context.Context, rs []scheduling.Reminder) error {
	for _, rm := range rs {
		if _, ok := x.t.appointments[rm.AppointmentID]; !ok {
			return fmt.Errorf("insert reminder: appointment %s does not exist", rm.AppointmentID)
		}
		x.t.reminders[rm.ID] = rm
	}
	return nil
}

func (x *memTx) CancelPendingReminders(_ context.Context, appointmentID uuid.UUID) (int64, error) {
	var n int64
	for id, rm := range x.t.reminders {
		if rm.AppointmentID == appointmentID && rm.Status == scheduling.ReminderPending {
			rm.Status = scheduling.ReminderCancelled
			x.t.reminders[id] = rm
			n++
		}
	}
	return n, nil
}

func (x *memTx) InsertWaitlistEntry(_ context.Context, w *scheduling.WaitlistEntry) error {
	if _, ok := x.t.doctors[w.DoctorID]; !ok {
		return fmt.Errorf("insert waitlist entry: doctor %s does not exist", w.DoctorID)
	}
	x.t.waitlist[w.ID] = *w
	return nil
}

func (x *memTx) ClaimWaitlistMatch(_ context.Context, slot *scheduling.TimeSlot, now time.Time) (*scheduling.WaitlistEntry, error) {
	var best *scheduling.WaitlistEntry
	for _, w := range x.t.waitlist {
		if w.DoctorID != slot.DoctorID || w.Status != scheduling.WaitlistWaiting || !w.ExpiresAt.After(now) {
			continue
		}
		if !w.Preference.Matches(slot) {
			continue
		}
		if best == nil || w.Priority > best.Priority ||
			(w.Priority == best.Priority && w.CreatedAt.Before(best.CreatedAt)) {
			cand := w
			best = &cand
		}
	}
	if best == nil {
		return nil, scheduling.NotFound("waitlist entry", nil)
	}
	return best, nil
}

func (x *memTx) UpdateWaitlistEntry(_ context.Context, w *scheduling.WaitlistEntry) error {
	if _, ok := x.t.waitlist[w.ID]; !ok {
		return scheduling.NotFound("waitlist entry", w.ID)
	}
	x.t.waitlist[w.ID] = *w
	return nil
}
