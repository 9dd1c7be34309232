package waitlist

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/doctor-scheduling/internal/metrics"
	"github.com/hackgods/doctor-scheduling/internal/notify"
	"github.com/hackgods/doctor-scheduling/internal/scheduling"
)

const (
	PriorityNormal    = 1
	PriorityUrgent    = 2
	PriorityEmergency = 3
)

const minutesPerDay = 24 * 60

var defaultChannels = []string{"sms", "email"}

type Manager struct {
	repo    scheduling.Repository
	pub     notify.Publisher
	logger  *zap.Logger
	metrics *metrics.SchedulingMetrics
	ttl     time.Duration
	now     func() time.Time
}

func NewManager(repo scheduling.Repository, pub notify.Publisher, logger *zap.Logger, m *metrics.SchedulingMetrics, ttl time.Duration) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &Manager{
		repo:    repo,
		pub:     pub,
		logger:  logger,
		metrics: m,
		ttl:     ttl,
		now:     time.Now,
	}
}

func (m *Manager) WithClock(now func() time.Time) *Manager {
	if now != nil {
		m.now = now
	}
	return m
}

func (m *Manager) Get(ctx context.Context, id uuid.UUID) (*scheduling.WaitlistEntry, error) {
	return m.repo.GetWaitlistEntry(ctx, id)
}

// Enqueue records a patient's wish to be told when a matching seat frees up.
// A zero priority means normal.
func (m *Manager) Enqueue(ctx context.Context, patientID, doctorID uuid.UUID, pref scheduling.Preference, priority int, channels []string) (*scheduling.WaitlistEntry, error) {
	if priority == 0 {
		priority = PriorityNormal
	}
	if priority < PriorityNormal || priority > PriorityEmergency {
		return nil, scheduling.Invalid("priority", "must be 1 (normal), 2 (urgent) or 3 (emergency)")
	}
	if pref.Mode != "" && !pref.Mode.Valid() {
		return nil, scheduling.Invalid("consultation_mode", "unknown consultation mode")
	}
	if err := validateWindow(pref.StartMinute, pref.EndMinute); err != nil {
		return nil, err
	}

	now := m.now().UTC()
	if pref.Date != nil {
		d := scheduling.DateOf(*pref.Date)
		if d.Before(scheduling.DateOf(now)) {
			return nil, scheduling.Invalid("preferred_date", "must not be in the past")
		}
		pref.Date = &d
	}

	if _, err := m.repo.GetDoctor(ctx, doctorID); err != nil {
		return nil, err
	}

	if len(channels) == 0 {
		channels = defaultChannels
	}

	expires := now.Add(m.ttl)
	if pref.Date != nil {
		if endOfDay := pref.Date.Add(24 * time.Hour); endOfDay.Before(expires) {
			expires = endOfDay
		}
	}

	entry := &scheduling.WaitlistEntry{
		ID:                   uuid.New(),
		PatientID:            patientID,
		DoctorID:             doctorID,
		Preference:           pref,
		Priority:             priority,
		Status:               scheduling.WaitlistWaiting,
		NotificationChannels: channels,
		CreatedAt:            now,
		ExpiresAt:            expires,
	}

	err := m.repo.WithTx(ctx, func(ctx context.Context, tx scheduling.Tx) error {
		return tx.InsertWaitlistEntry(ctx, entry)
	})
	if err != nil {
		return nil, fmt.Errorf("enqueue waitlist: %w", err)
	}

	m.logger.Info("waitlist entry created",
		zap.String("waitlist_id", entry.ID.String()),
		zap.String("doctor_id", doctorID.String()),
		zap.Int("priority", priority),
	)
	return entry, nil
}

func validateWindow(start, end *int) error {
	if start != nil && (*start < 0 || *start >= minutesPerDay) {
		return scheduling.Invalid("preferred_start", "must be a time of day")
	}
	if end != nil && (*end <= 0 || *end > minutesPerDay) {
		return scheduling.Invalid("preferred_end", "must be a time of day")
	}
	if start != nil && end != nil && *end <= *start {
		return scheduling.Invalid("preferred_end", "must be after preferred_start")
	}
	return nil
}

// OnSeatFreed offers a freed seat to the best waiting match: highest priority first,
// then oldest. The entry is marked notified; nothing is booked on the patient's behalf.
// It returns nil when nobody matched.
func (m *Manager) OnSeatFreed(ctx context.Context, slotID uuid.UUID) (*scheduling.WaitlistEntry, error) {
	now := m.now().UTC()

	var (
		claimed *scheduling.WaitlistEntry
		slot    *scheduling.TimeSlot
	)
	err := m.repo.WithTx(ctx, func(ctx context.Context, tx scheduling.Tx) error {
		var err error
		slot, err = tx.GetSlot(ctx, slotID)
		if err != nil {
			return err
		}
		if !slot.IsBookable() {
			return nil
		}

		entry, err := tx.ClaimWaitlistMatch(ctx, slot, now)
		if err != nil {
			if errors.Is(err, scheduling.ErrNotFound) {
				return nil
			}
			return err
		}

		id := slot.ID
		entry.Status = scheduling.WaitlistNotified
		entry.NotifiedAt = &now
		entry.NotifiedSlotID = &id
		if err := tx.UpdateWaitlistEntry(ctx, entry); err != nil {
			return err
		}
		claimed = entry
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("waitlist seat freed: %w", err)
	}
	if claimed == nil {
		m.metrics.ObserveWaitlistNotice("no_match")
		return nil, nil
	}

	m.metrics.ObserveWaitlistNotice("notified")
	m.logger.Info("waitlist entry notified",
		zap.String("waitlist_id", claimed.ID.String()),
		zap.String("slot_id", slotID.String()),
		zap.Int("priority", claimed.Priority),
	)

	waitlistID, sid, startsAt := claimed.ID, slot.ID, slot.StartsAt
	err = m.pub.Publish(ctx, notify.Intent{
		Kind:       notify.KindWaitlistSeatOpened,
		PatientID:  claimed.PatientID,
		WaitlistID: &waitlistID,
		SlotID:     &sid,
		Channels:   claimed.NotificationChannels,
		StartsAt:   &startsAt,
		OccurredAt: now,
	})
	if err != nil {
		m.logger.Warn("waitlist notification publish failed",
			zap.String("waitlist_id", claimed.ID.String()),
			zap.Error(err),
		)
	}
	return claimed, nil
}

// ExpireStale moves waiting entries past their expiry to expired.
func (m *Manager) ExpireStale(ctx context.Context) (int64, error) {
	n, err := m.repo.ExpireWaitlist(ctx, m.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("expire waitlist: %w", err)
	}
	if n > 0 {
		m.logger.Info("waitlist entries expired", zap.Int64("count", n))
	}
	return n, nil
}

// Cancel withdraws a patient's entry.
func (m *Manager) Cancel(ctx context.Context, entryID, patientID uuid.UUID) (*scheduling.WaitlistEntry, error) {
	var out *scheduling.WaitlistEntry
	err := m.repo.WithTx(ctx, func(ctx context.Context, tx scheduling.Tx) error {
		entry, err := tx.GetWaitlistEntry(ctx, entryID)
		if err != nil {
			return err
		}
		if entry.PatientID != patientID {
			return scheduling.Violation(scheduling.ReasonNotOwner, "entry belongs to another patient")
		}
		if entry.Status != scheduling.WaitlistWaiting && entry.Status != scheduling.WaitlistNotified {
			return scheduling.Violation(scheduling.ReasonInvalidTransition, "entry is %s", entry.Status)
		}
		entry.Status = scheduling.WaitlistCancelled
		if err := tx.UpdateWaitlistEntry(ctx, entry); err != nil {
			return err
		}
		out = entry
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
