package scheduling

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Reader holds lookups that need no row lock.
type Reader interface {
	GetDoctor(ctx context.Context, id uuid.UUID) (*Doctor, error)
	GetSlot(ctx context.Context, id uuid.UUID) (*TimeSlot, error)
	GetChildSlot(ctx context.Context, parentID uuid.UUID, date time.Time) (*TimeSlot, error)
	ListSlots(ctx context.Context, q SlotQuery) ([]TimeSlot, error)
	GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error)
	ListHistory(ctx context.Context, appointmentID uuid.UUID) ([]HistoryEntry, error)
	ListReminders(ctx context.Context, appointmentID uuid.UUID) ([]Reminder, error)
	GetWaitlistEntry(ctx context.Context, id uuid.UUID) (*WaitlistEntry, error)
}

// Tx is the unit of work handed to Repository.WithTx. Writes become visible only on commit.
type Tx interface {
	Reader

	InsertDoctor(ctx context.Context, d *Doctor) error

	// GetSlotForUpdate locks the slot row until the transaction ends.
	GetSlotForUpdate(ctx context.Context, id uuid.UUID) (*TimeSlot, error)
	// InsertSlot returns false when a child slot for the same (parent, date) already exists.
	InsertSlot(ctx context.Context, s *TimeSlot) (bool, error)
	UpdateSlotStatus(ctx context.Context, s *TimeSlot) error
	// UpdateSlotCapacity writes the seat counters. Only the booking engine calls it.
	UpdateSlotCapacity(ctx context.Context, s *TimeSlot) error

	NextAppointmentNumber(ctx context.Context) (int64, error)
	GetAppointmentForUpdate(ctx context.Context, id uuid.UUID) (*Appointment, error)
	FindAppointmentByIdempotencyKey(ctx context.Context, patientID uuid.UUID, key string) (*Appointment, error)
	CountPatientAppointments(ctx context.Context, patientID, doctorID uuid.UUID) (int, error)
	// ListLiveAppointmentsForSlot locks every non-terminal appointment on the slot.
	ListLiveAppointmentsForSlot(ctx context.Context, slotID uuid.UUID) ([]Appointment, error)
	InsertAppointment(ctx context.Context, a *Appointment) error
	UpdateAppointment(ctx context.Context, a *Appointment) error

	InsertReminders(ctx context.Context, rs []Reminder) error
	CancelPendingReminders(ctx context.Context, appointmentID uuid.UUID) (int64, error)

	InsertWaitlistEntry(ctx context.Context, w *WaitlistEntry) error
	// ClaimWaitlistMatch locks the best waiting entry for the slot, skipping rows
	// other transactions hold. Returns a NotFoundError when nothing matches.
	ClaimWaitlistMatch(ctx context.Context, slot *TimeSlot, now time.Time) (*WaitlistEntry, error)
	UpdateWaitlistEntry(ctx context.Context, w *WaitlistEntry) error
}

// Repository contains all DB interactions needed by the scheduling engine.
type Repository interface {
	Reader

	// WithTx runs fn in one transaction. A non-nil error from fn rolls everything back.
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	// History rows are written outside the booking transaction.
	InsertHistory(ctx context.Context, h *HistoryEntry) error

	// ListDueReminders returns pending reminders that are due and not yet handed to the broker.
	ListDueReminders(ctx context.Context, now time.Time, limit int) ([]Reminder, error)
	// MarkReminderDispatched records the hand-off; the reminder stays pending.
	MarkReminderDispatched(ctx context.Context, id uuid.UUID, at time.Time) error
	// UpdateReminderDelivery moves a pending reminder to sent or failed.
	UpdateReminderDelivery(ctx context.Context, id uuid.UUID, status ReminderStatus, at time.Time, errMsg string) error

	ExpireWaitlist(ctx context.Context, now time.Time) (int64, error)
}
