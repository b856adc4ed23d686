package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/segmentio/kafka-go"
)

// ErrPermanent marks a dispatch failure that retrying cannot fix.
var ErrPermanent = errors.New("permanent")

// Header names carried on every payment notification.
const (
	HeaderEventType     = "event_type"
	HeaderIntentID      = "intent_id"
	HeaderOwner         = "owner"
	HeaderTraceparent   = "traceparent"
	HeaderSchemaVersion = "schema_version"

	schemaVersion = "1"
)

// Sink delivers one event.
type Sink interface {
	Dispatch(ctx context.Context, event Event) error
}

type Producer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// OwnerKey is the partition key: all notifications for one booking or
// subscription land on one partition, in commit order. Bookings and
// subscriptions share an id space, so the kind is part of the key.
func (e Event) OwnerKey() string {
	return e.AggregateType + ":" + e.AggregateID
}

// routing returns the headers consumers filter on without decoding the payload.
func (e Event) routing() map[string]string {
	h := map[string]string{
		HeaderEventType:     e.Type,
		HeaderOwner:         e.OwnerKey(),
		HeaderSchemaVersion: schemaVersion,
	}
	if id := e.Headers[HeaderIntentID]; id != "" {
		h[HeaderIntentID] = id
	}
	if e.Traceparent != "" {
		h[HeaderTraceparent] = e.Traceparent
	}
	return h
}

// Dispatcher publishes payment notifications to a kafka topic.
type Dispatcher struct {
	log      *slog.Logger
	producer Producer
	topic    string
}

func NewDispatcher(log *slog.Logger, producer Producer, topic string) *Dispatcher {
	return &Dispatcher{log: log, producer: producer, topic: topic}
}

func (d *Dispatcher) Dispatch(ctx context.Context, event Event) error {
	routing := event.routing()
	headers := make([]kafka.Header, 0, len(routing))
	for k, v := range routing {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}

	msg := kafka.Message{
		Topic:   d.topic,
		Key:     []byte(event.OwnerKey()),
		Value:   event.Payload,
		Headers: headers,
	}
	if err := d.producer.WriteMessages(ctx, msg); err != nil {
		err = classifyKafka(err)
		d.log.Error("payment notification publish failed",
			"outbox_id", event.ID, "intent_id", routing[HeaderIntentID], "owner", routing[HeaderOwner],
			"permanent", errors.Is(err, ErrPermanent), "err", err)
		return err
	}
	d.log.Info("payment notification published",
		"outbox_id", event.ID, "type", event.Type, "intent_id", routing[HeaderIntentID], "owner", routing[HeaderOwner])
	return nil
}

// classifyKafka marks broker answers that no retry will change.
func classifyKafka(err error) error {
	var writeErrs kafka.WriteErrors
	if errors.As(err, &writeErrs) {
		for _, e := range writeErrs {
			if e != nil {
				return classifyKafka(e)
			}
		}
	}
	var code kafka.Error
	if errors.As(err, &code) {
		switch code {
		case kafka.MessageSizeTooLarge, kafka.RecordListTooLarge, kafka.InvalidTopic, kafka.TopicAuthorizationFailed:
			return fmt.Errorf("%w: %w", ErrPermanent, err)
		}
	}
	return err
}

// Writer is a kafka writer that acknowledges on all replicas.
type Writer struct {
	*kafka.Writer
}

func NewWriter(brokers []string) *Writer {
	return &Writer{
		Writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
		},
	}
}

// Poster delivers a notification payload over HTTP.
type Poster interface {
	PostNotification(ctx context.Context, payload []byte, headers map[string]string) error
}

// CallbackSink posts notifications to the marketplace callback endpoint. It
// is used when no broker is configured. The relay delivers at least once,
// so every post carries an idempotency key derived from the outbox row.
type CallbackSink struct {
	log    *slog.Logger
	poster Poster
}

func NewCallbackSink(log *slog.Logger, poster Poster) *CallbackSink {
	return &CallbackSink{log: log, poster: poster}
}

func (s *CallbackSink) Dispatch(ctx context.Context, event Event) error {
	routing := event.routing()
	headers := map[string]string{
		"X-Event-Type":     event.Type,
		"X-Payment-Intent": routing[HeaderIntentID],
		"X-Payment-Owner":  routing[HeaderOwner],
		"X-Schema-Version": schemaVersion,
		"Idempotency-Key":  "notification-" + strconv.FormatInt(event.ID, 10),
	}
	if event.Traceparent != "" {
		headers[HeaderTraceparent] = event.Traceparent
	}
	if err := s.poster.PostNotification(ctx, event.Payload, headers); err != nil {
		s.log.Error("payment notification callback failed",
			"outbox_id", event.ID, "intent_id", routing[HeaderIntentID], "owner", routing[HeaderOwner], "err", err)
		return err
	}
	s.log.Info("payment notification delivered",
		"outbox_id", event.ID, "type", event.Type, "intent_id", routing[HeaderIntentID])
	return nil
}
