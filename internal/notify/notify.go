// Package notify emits notification intents. Delivery (SMS, email, push) belongs
// to a downstream worker consuming the queue; nothing here talks to a patient.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	KindReminderDue        = "reminder.due"
	KindWaitlistSeatOpened = "waitlist.seat_available"
)

type Intent struct {
	Kind          string     `json:"kind"`
	PatientID     uuid.UUID  `json:"patient_id"`
	AppointmentID *uuid.UUID `json:"appointment_id,omitempty"`
	ReminderID    *uuid.UUID `json:"reminder_id,omitempty"`
	WaitlistID    *uuid.UUID `json:"waitlist_id,omitempty"`
	SlotID        *uuid.UUID `json:"slot_id,omitempty"`
	Channels      []string   `json:"channels,omitempty"`
	Template      string     `json:"template,omitempty"`
	StartsAt      *time.Time `json:"starts_at,omitempty"`
	OccurredAt    time.Time  `json:"occurred_at"`
}

// Publisher is fire-and-forget from the caller's point of view: an error is
// logged by the caller and never undoes a committed state change.
type Publisher interface {
	Publish(ctx context.Context, in Intent) error
}

// channel is the slice of *amqp091.Channel the publisher uses.
type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
	Close() error
}

type AMQPPublisher struct {
	ch    channel
	queue string
}

// NewAMQPPublisher opens a channel on conn and declares the durable intent queue.
func NewAMQPPublisher(conn *amqp091.Connection, queue string) (*AMQPPublisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("declare queue %s: %w", queue, err)
	}
	return &AMQPPublisher{ch: ch, queue: queue}, nil
}

func (p *AMQPPublisher) Publish(ctx context.Context, in Intent) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal intent: %w", err)
	}

	msg := amqp091.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp091.Persistent,
		Type:         in.Kind,
		Timestamp:    in.OccurredAt,
		Headers: amqp091.Table{
			"message_type": "JSON",
		},
	}

	if err := p.ch.PublishWithContext(ctx, "", p.queue, false, false, msg); err != nil {
		return fmt.Errorf("publish %s: %w", in.Kind, err)
	}
	return nil
}

func (p *AMQPPublisher) Close() error {
	return p.ch.Close()
}

// LogPublisher writes intents to the log. Used when no broker is configured.
type LogPublisher struct {
	logger *zap.Logger
}

func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(_ context.Context, in Intent) error {
	fields := []zap.Field{
		zap.String("kind", in.Kind),
		zap.String("patient_id", in.PatientID.String()),
		zap.Strings("channels", in.Channels),
	}
	if in.AppointmentID != nil {
		fields = append(fields, zap.String("appointment_id", in.AppointmentID.String()))
	}
	if in.SlotID != nil {
		fields = append(fields, zap.String("slot_id", in.SlotID.String()))
	}
	p.logger.Info("notification intent", fields...)
	return nil
}

// Dial returns an AMQP publisher for url, or a LogPublisher when url is empty.
// The returned close func releases the channel and the connection.
func Dial(url, queue string, logger *zap.Logger) (Publisher, func() error, error) {
	if url == "" {
		return NewLogPublisher(logger), func() error { return nil }, nil
	}
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, nil, fmt.Errorf("dial amqp: %w", err)
	}
	pub, err := NewAMQPPublisher(conn, queue)
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	closeFn := func() error {
		if err := pub.Close(); err != nil {
			_ = conn.Close()
			return err
		}
		return conn.Close()
	}
	return pub, closeFn, nil
}
