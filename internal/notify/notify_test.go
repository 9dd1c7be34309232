package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type fakeChannel struct {
	key  string
	msgs []amqp091.Publishing
	err  error
}

func (f *fakeChannel) PublishWithContext(_ context.Context, _, key string, _, _ bool, msg amqp091.Publishing) error {
	if f.err != nil {
		return f.err
	}
	f.key = key
	f.msgs = append(f.msgs, msg)
	return nil
}

func (f *fakeChannel) Close() error { return nil }

func TestAMQPPublisherPublishesPersistentJSON(t *testing.T) {
	ch := &fakeChannel{}
	p := &AMQPPublisher{ch: ch, queue: "scheduling.notifications"}

	apptID := uuid.New()
	in := Intent{
		Kind:          KindReminderDue,
		PatientID:     uuid.New(),
		AppointmentID: &apptID,
		Channels:      []string{"sms"},
		OccurredAt:    time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	require.NoError(t, p.Publish(context.Background(), in))

	require.Len(t, ch.msgs, 1)
	msg := ch.msgs[0]
	assert.Equal(t, "scheduling.notifications", ch.key)
	assert.Equal(t, amqp091.Persistent, msg.DeliveryMode)
	assert.Equal(t, "application/json", msg.ContentType)
	assert.Equal(t, KindReminderDue, msg.Type)

	var got Intent
	require.NoError(t, json.Unmarshal(msg.Body, &got))
	assert.Equal(t, in.PatientID, got.PatientID)
	require.NotNil(t, got.AppointmentID)
	assert.Equal(t, apptID, *got.AppointmentID)
}

func TestAMQPPublisherWrapsError(t *testing.T) {
	p := &AMQPPublisher{ch: &fakeChannel{err: amqp091.ErrClosed}, queue: "q"}
	err := p.Publish(context.Background(), Intent{Kind: KindWaitlistSeatOpened})
	require.Error(t, err)
	assert.True(t, errors.Is(err, amqp091.ErrClosed))
}

func TestLogPublisher(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	p := NewLogPublisher(zap.New(core))

	slotID := uuid.New()
	require.NoError(t, p.Publish(context.Background(), Intent{
		Kind:      KindWaitlistSeatOpened,
		PatientID: uuid.New(),
		SlotID:    &slotID,
	}))

	entries := logs.FilterMessage("notification intent").All()
	require.Len(t, entries, 1)
	assert.Equal(t, KindWaitlistSeatOpened, entries[0].ContextMap()["kind"])
	assert.Equal(t, slotID.String(), entries[0].ContextMap()["slot_id"])
}

func TestDialWithoutURLFallsBackToLog(t *testing.T) {
	pub, closeFn, err := Dial("", "q", nil)
	require.NoError(t, err)
	assert.IsType(t, &LogPublisher{}, pub)
	assert.NoError(t, closeFn())
}
