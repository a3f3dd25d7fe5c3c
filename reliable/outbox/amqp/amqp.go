// Package amqp delivers outbox entries to a RabbitMQ exchange with
// publisher confirms, so an entry is only marked delivered after the
// broker acknowledged the message.
package amqp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/veldtbase/lib-reliable/reliable/outbox"
)

const defaultConfirmTimeout = 5 * time.Second

var (
	ErrChannelRequired  = errors.New("amqp channel is required")
	ErrExchangeRequired = errors.New("amqp exchange is required")
	ErrPublishNacked    = errors.New("message was nacked by broker")
	ErrConfirmTimeout   = errors.New("confirmation timed out")
)

// Confirmation resolves once the broker acks or nacks a published message.
type Confirmation interface {
	WaitContext(ctx context.Context) (bool, error)
}

// Channel is the subset of *amqp.Channel the sink publishes through.
type Channel interface {
	Confirm(noWait bool) error
	PublishWithDeferredConfirmWithContext(
		ctx context.Context,
		exchange, key string,
		mandatory, immediate bool,
		msg amqp.Publishing,
	) (Confirmation, error)
}

type channelAdapter struct {
	ch *amqp.Channel
}

func (a channelAdapter) Confirm(noWait bool) error {
	return a.ch.Confirm(noWait)
}

func (a channelAdapter) PublishWithDeferredConfirmWithContext(
	ctx context.Context,
	exchange, key string,
	mandatory, immediate bool,
	msg amqp.Publishing,
) (Confirmation, error) {
	return a.ch.PublishWithDeferredConfirmWithContext(ctx, exchange, key, mandatory, immediate, msg)
}

// NewChannel wraps a raw *amqp.Channel for use with NewSink.
func NewChannel(ch *amqp.Channel) Channel {
	if ch == nil {
		return nil
	}

	return channelAdapter{ch: ch}
}

// RoutingKeyFunc derives the routing key for an entry. The default uses
// the entry's event type.
type RoutingKeyFunc func(entry *outbox.Entry) string

type Option func(*Sink)

func WithRoutingKey(fn RoutingKeyFunc) Option {
	return func(sink *Sink) {
		if fn != nil {
			sink.routingKey = fn
		}
	}
}

func WithConfirmTimeout(timeout time.Duration) Option {
	return func(sink *Sink) {
		if timeout > 0 {
			sink.confirmTimeout = timeout
		}
	}
}

// WithMandatory makes publishes mandatory, so unroutable messages are
// returned by the broker instead of silently dropped.
func WithMandatory() Option {
	return func(sink *Sink) {
		sink.mandatory = true
	}
}

// Sink publishes entry payloads as persistent JSON messages. The entry id
// is carried as the AMQP message id for consumer-side deduplication.
type Sink struct {
	channel        Channel
	exchange       string
	routingKey     RoutingKeyFunc
	confirmTimeout time.Duration
	mandatory      bool
}

var _ outbox.Sink = (*Sink)(nil)

// NewSink creates an AMQP sink publishing to exchange. The channel is put
// in confirm mode.
func NewSink(channel Channel, exchange string, opts ...Option) (*Sink, error) {
	if channel == nil {
		return nil, ErrChannelRequired
	}

	exchange = strings.TrimSpace(exchange)
	if exchange == "" {
		return nil, ErrExchangeRequired
	}

	sink := &Sink{
		channel:        channel,
		exchange:       exchange,
		routingKey:     func(entry *outbox.Entry) string { return entry.EventType },
		confirmTimeout: defaultConfirmTimeout,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(sink)
		}
	}

	if err := channel.Confirm(false); err != nil {
		return nil, fmt.Errorf("enabling confirm mode: %w", err)
	}

	return sink, nil
}

// Deliver publishes the entry and waits for the broker confirmation.
func (sink *Sink) Deliver(ctx context.Context, entry *outbox.Entry) error {
	if entry == nil {
		return outbox.ErrEntryRequired
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    entry.ID.String(),
		Type:         entry.EventType,
		Timestamp:    time.Now().UTC(),
		Headers: amqp.Table{
			"org_id": entry.OrgID,
		},
		Body: entry.Payload,
	}

	confirmation, err := sink.channel.PublishWithDeferredConfirmWithContext(
		ctx, sink.exchange, sink.routingKey(entry), sink.mandatory, false, msg)
	if err != nil {
		return fmt.Errorf("publishing entry: %w", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, sink.confirmTimeout)
	defer cancel()

	acked, err := confirmation.WaitContext(waitCtx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return ErrConfirmTimeout
		}

		return fmt.Errorf("waiting for confirmation: %w", err)
	}

	if !acked {
		return ErrPublishNacked
	}

	return nil
}
