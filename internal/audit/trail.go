package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/doctor-scheduling/internal/metrics"
	"github.com/hackgods/doctor-scheduling/internal/scheduling"
)

const (
	ChangeCreated     = "created"
	ChangeConfirmed   = "confirmed"
	ChangeCancelled   = "cancelled"
	ChangeRescheduled = "rescheduled"
	ChangeCheckedIn   = "checked_in"
	ChangeStarted     = "started"
	ChangeCompleted   = "completed"
	ChangeNoShow      = "no_show"
)

// Writer persists one history row. scheduling.Repository satisfies it.
type Writer interface {
	InsertHistory(ctx context.Context, h *scheduling.HistoryEntry) error
}

type Entry struct {
	AppointmentID uuid.UUID
	PatientID     *uuid.UUID
	Actor         scheduling.Actor
	ChangeType    string
	Previous      map[string]any
	New           map[string]any
	Reason        string
}

type pending struct {
	row      scheduling.HistoryEntry
	attempts int
}

// Trail records appointment history. A failed write never fails the business
// operation that produced it: the row is logged, counted and retried later.
type Trail struct {
	w           Writer
	logger      *zap.Logger
	metrics     *metrics.SchedulingMetrics
	now         func() time.Time
	interval    time.Duration
	maxAttempts int
	capacity    int

	mu    sync.Mutex
	retry []pending
}

func NewTrail(w Writer, logger *zap.Logger, m *metrics.SchedulingMetrics) *Trail {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Trail{
		w:           w,
		logger:      logger,
		metrics:     m,
		now:         time.Now,
		interval:    5 * time.Second,
		maxAttempts: 5,
		capacity:    1024,
	}
}

func (t *Trail) WithRetryInterval(d time.Duration) *Trail {
	if d > 0 {
		t.interval = d
	}
	return t
}

func (t *Trail) WithBufferSize(n int) *Trail {
	if n > 0 {
		t.capacity = n
	}
	return t
}

func (t *Trail) WithMaxAttempts(n int) *Trail {
	if n > 0 {
		t.maxAttempts = n
	}
	return t
}

func (t *Trail) WithClock(now func() time.Time) *Trail {
	if now != nil {
		t.now = now
	}
	return t
}

// Record appends one history row.
func (t *Trail) Record(ctx context.Context, e Entry) {
	row := scheduling.HistoryEntry{
		AppointmentID:  e.AppointmentID,
		PatientID:      e.PatientID,
		ChangedByType:  e.Actor.Type,
		ChangedByID:    e.Actor.ID,
		ChangeType:     e.ChangeType,
		PreviousValues: e.Previous,
		NewValues:      e.New,
		Reason:         e.Reason,
		CreatedAt:      t.now().UTC(),
	}

	err := t.w.InsertHistory(ctx, &row)
	if err == nil {
		return
	}

	t.logger.Error("audit write failed",
		zap.String("appointment_id", e.AppointmentID.String()),
		zap.String("change_type", e.ChangeType),
		zap.Error(err),
	)
	t.metrics.ObserveAuditFailure("write")
	t.enqueue(pending{row: row, attempts: 1})
}

func (t *Trail) enqueue(p pending) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.retry) >= t.capacity {
		t.logger.Error("audit retry buffer full, dropping row",
			zap.String("appointment_id", p.row.AppointmentID.String()),
			zap.String("change_type", p.row.ChangeType),
		)
		t.metrics.ObserveAuditFailure("dropped")
		return
	}
	t.retry = append(t.retry, p)
}

// Pending returns the number of rows waiting for a retry.
func (t *Trail) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.retry)
}

// Run retries buffered rows on every tick until ctx is done.
func (t *Trail) Run(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if n := t.Pending(); n > 0 {
				t.logger.Warn("audit trail stopped with unwritten rows", zap.Int("pending", n))
			}
			return
		case <-ticker.C:
			t.Flush(ctx)
		}
	}
}

// Flush makes one retry pass and returns how many rows are still buffered.
func (t *Trail) Flush(ctx context.Context) int {
	t.mu.Lock()
	batch := t.retry
	t.retry = nil
	t.mu.Unlock()

	for _, p := range batch {
		row := p.row
		if err := t.w.InsertHistory(ctx, &row); err != nil {
			p.attempts++
			if p.attempts >= t.maxAttempts {
				t.logger.Error("audit row dropped after retries",
					zap.String("appointment_id", row.AppointmentID.String()),
					zap.String("change_type", row.ChangeType),
					zap.Int("attempts", p.attempts),
					zap.Error(err),
				)
				t.metrics.ObserveAuditFailure("dropped")
				continue
			}
			t.enqueue(p)
			continue
		}
		t.logger.Debug("audit row written on retry",
			zap.String("appointment_id", row.AppointmentID.String()),
			zap.Int("attempts", p.attempts+1),
		)
	}
	return t.Pending()
}
