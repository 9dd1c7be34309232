package scheduling

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockRepo(t *testing.T) (*PgRepository, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewPgRepository(mock, time.Second), mock
}

func TestWithTxCommits(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectQuery("nextval").WillReturnRows(pgxmock.NewRows([]string{"nextval"}).AddRow(int64(42)))
	mock.ExpectCommit()

	var n int64
	err := repo.WithTx(context.Background(), func(ctx context.Context, tx Tx) error {
		var err error
		n, err = tx.NextAppointmentNumber(ctx)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, int64(42), n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTxRollsBackOnError(t *testing.T) {
	repo, mock := newMockRepo(t)
	slot := &TimeSlot{ID: uuid.New()}

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE time_slots").WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectRollback()

	err := repo.WithTx(context.Background(), func(ctx context.Context, tx Tx) error {
		return tx.UpdateSlotCapacity(ctx, slot)
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertAppointmentDuplicateIdempotencyKey(t *testing.T) {
	repo, mock := newMockRepo(t)
	key := "retry-1"
	appt := &Appointment{ID: uuid.New(), PatientID: uuid.New(), IdempotencyKey: &key}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO appointments").WillReturnError(&pgconn.PgError{
		Code:           "23505",
		ConstraintName: "appointments_patient_idempotency_uq",
	})
	mock.ExpectRollback()

	err := repo.WithTx(context.Background(), func(ctx context.Context, tx Tx) error {
		return tx.InsertAppointment(ctx, appt)
	})
	assert.ErrorIs(t, err, ErrDuplicateIdempotencyKey)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertSlotSkipsExistingChild(t *testing.T) {
	repo, mock := newMockRepo(t)
	parent := uuid.New()
	child := &TimeSlot{ID: uuid.New(), ParentSlotID: &parent, Mode: ModeInPerson, Status: SlotActive}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO time_slots").WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectCommit()

	var inserted bool
	err := repo.WithTx(context.Background(), func(ctx context.Context, tx Tx) error {
		var err error
		inserted, err = tx.InsertSlot(ctx, child)
		return err
	})
	require.NoError(t, err)
	assert.False(t, inserted)
	require.NoError(t, mock.ExpectationsWereMet())
}

// notNullArray matches a bound slice that pgx will encode as an array, not NULL.
type notNullArray struct{}

func (notNullArray) Match(v any) bool {
	switch a := v.(type) {
	case []int:
		return a != nil
	case []string:
		return a != nil
	}
	return false
}

func TestInsertSlotBindsEmptyArrays(t *testing.T) {
	repo, mock := newMockRepo(t)
	slot := &TimeSlot{ID: uuid.New(), DoctorID: uuid.New(), Mode: ModeInPerson, Status: SlotActive}

	args := make([]any, 35)
	for i := range args {
		args[i] = pgxmock.AnyArg()
	}
	args[23] = notNullArray{} // reminder_hours
	args[24] = notNullArray{} // reminder_channels

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO time_slots").WithArgs(args...).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	err := repo.WithTx(context.Background(), func(ctx context.Context, tx Tx) error {
		_, err := tx.InsertSlot(ctx, slot)
		return err
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertWaitlistEntryBindsEveryColumn(t *testing.T) {
	repo, mock := newMockRepo(t)
	w := &WaitlistEntry{ID: uuid.New(), PatientID: uuid.New(), DoctorID: uuid.New(), Priority: 1, Status: WaitlistWaiting}

	args := make([]any, len(strings.Split(waitlistColumns, ",")))
	for i := range args {
		args[i] = pgxmock.AnyArg()
	}
	mock.ExpectExec("INSERT INTO waitlist_entries").WithArgs(args...).WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, repo.InsertWaitlistEntry(context.Background(), w))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetDoctorNotFound(t *testing.T) {
	repo, mock := newMockRepo(t)
	id := uuid.New()

	mock.ExpectQuery("FROM doctors").WithArgs(id).WillReturnError(pgx.ErrNoRows)

	_, err := repo.GetDoctor(context.Background(), id)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Contains(t, err.Error(), id.String())
}

func TestInsertHistoryReturnsID(t *testing.T) {
	repo, mock := newMockRepo(t)
	h := &HistoryEntry{
		AppointmentID: uuid.New(),
		ChangedByType: ActorPatient,
		ChangeType:    "created",
		NewValues:     map[string]any{"status": "pending"},
		CreatedAt:     time.Now(),
	}

	mock.ExpectQuery("INSERT INTO appointment_history").
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(7)))

	require.NoError(t, repo.InsertHistory(context.Background(), h))
	assert.Equal(t, int64(7), h.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExpireWaitlist(t *testing.T) {
	repo, mock := newMockRepo(t)
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

	mock.ExpectExec("UPDATE waitlist_entries").WithArgs(now).WillReturnResult(pgxmock.NewResult("UPDATE", 3))

	n, err := repo.ExpireWaitlist(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestUpdateReminderDeliveryMissing(t *testing.T) {
	repo, mock := newMockRepo(t)
	id := uuid.New()

	mock.ExpectExec("UPDATE appointment_reminders").WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery("SELECT status FROM appointment_reminders").WithArgs(id).WillReturnError(pgx.ErrNoRows)

	err := repo.UpdateReminderDelivery(context.Background(), id, ReminderSent, time.Now(), "")
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBeginFailure(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectBegin().WillReturnError(errors.New("pool exhausted"))

	called := false
	err := repo.WithTx(context.Background(), func(context.Context, Tx) error {
		called = true
		return nil
	})
	require.Error(t, err)
	assert.False(t, called)
}

func TestTimeOfMinuteRoundTrip(t *testing.T) {
	m := 9*60 + 30
	got := minuteOf(timeOfMinute(&m))
	require.NotNil(t, got)
	assert.Equal(t, m, *got)
	assert.Nil(t, minuteOf(timeOfMinute(nil)))
}
