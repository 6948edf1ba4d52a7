package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sony/gobreaker"
)

// Publisher sends JSON messages through the managed channel. Broker and
// network failures are logged and reported as a false result.
type Publisher struct {
	manager           *ConnectionManager
	exchange          string
	defaultRoutingKey string
	confirmTimeout    time.Duration
	publishTimeout    time.Duration
	breaker           *gobreaker.CircuitBreaker
	logger            *slog.Logger
	metrics           *Metrics
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithExchange sets the exchange messages are sent to; empty means the default exchange
func WithExchange(exchange string) PublisherOption {
	return func(p *Publisher) {
		p.exchange = exchange
	}
}

// WithDefaultRoutingKey sets the routing key used when a publish does not name one
func WithDefaultRoutingKey(key string) PublisherOption {
	return func(p *Publisher) {
		p.defaultRoutingKey = key
	}
}

// WithConfirmTimeout sets the confirmation timeout
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.confirmTimeout = timeout
	}
}

// WithPublishTimeout sets the publish timeout applied when ctx has no deadline
func WithPublishTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.publishTimeout = timeout
	}
}

// WithCircuitBreaker short-circuits publishes after failures consecutive
// failures until timeout elapses.
func WithCircuitBreaker(failures uint32, timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "publisher",
			MaxRequests: 1,
			Timeout:     timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= failures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				p.logger.Warn("publish circuit breaker state changed",
					"breaker", name,
					"from", from.String(),
					"to", to.String(),
				)
			},
		})
	}
}

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// WithPublisherMetrics sets the metrics recorder
func WithPublisherMetrics(metrics *Metrics) PublisherOption {
	return func(p *Publisher) {
		p.metrics = metrics
	}
}

// NewPublisher creates a new publisher
func NewPublisher(manager *ConnectionManager, options ...PublisherOption) *Publisher {
	p := &Publisher{
		manager:        manager,
		confirmTimeout: 5 * time.Second,
		publishTimeout: 10 * time.Second,
		logger:         slog.Default(),
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

type publishSettings struct {
	routingKey string
	persistent bool
	messageID  string
	headers    amqp.Table
}

// PublishOption configures a single publish
type PublishOption func(*publishSettings)

// WithRoutingKey overrides the default routing key
func WithRoutingKey(key string) PublishOption {
	return func(s *publishSettings) {
		s.routingKey = key
	}
}

// Persistent sets the delivery mode. Messages are persistent by default.
func Persistent(persistent bool) PublishOption {
	return func(s *publishSettings) {
		s.persistent = persistent
	}
}

// WithMessageID sets the message id; a random UUID is used otherwise
func WithMessageID(id string) PublishOption {
	return func(s *publishSettings) {
		s.messageID = id
	}
}

// WithHeaders attaches application headers
func WithHeaders(headers amqp.Table) PublishOption {
	return func(s *publishSettings) {
		s.headers = headers
	}
}

// Publish serializes message as JSON and sends it. It returns true when the
// broker accepted the message (confirmed, if confirms are enabled) and false
// on any broker or network failure. The error result is only set when the
// message cannot be encoded.
func (p *Publisher) Publish(ctx context.Context, message any, opts ...PublishOption) (bool, error) {
	s := publishSettings{
		routingKey: p.defaultRoutingKey,
		persistent: true,
	}
	for _, opt := range opts {
		opt(&s)
	}
	if s.routingKey == "" {
		s.routingKey = p.defaultRoutingKey
	}
	if s.messageID == "" {
		s.messageID = uuid.NewString()
	}

	body, err := Encode(message)
	if err != nil {
		return false, fmt.Errorf("failed to encode message: %w", err)
	}

	deliveryMode := amqp.Transient
	if s.persistent {
		deliveryMode = amqp.Persistent
	}

	msg := amqp.Publishing{
		Headers:      s.headers,
		ContentType:  ContentTypeJSON,
		DeliveryMode: deliveryMode,
		MessageId:    s.messageID,
		Timestamp:    time.Now(),
		Body:         body,
	}

	if err := p.send(ctx, s.routingKey, msg); err != nil {
		pubErr := &PublishError{
			Exchange:   p.exchange,
			RoutingKey: s.routingKey,
			Err:        err,
			Timestamp:  time.Now(),
		}
		p.logger.Error("failed to publish message",
			"error", pubErr,
			"routingKey", s.routingKey,
			"messageId", s.messageID,
		)
		p.metrics.publishResult(s.routingKey, false)
		return false, nil
	}

	p.logger.Info("message published",
		"routingKey", s.routingKey,
		"messageId", s.messageID,
		"persistent", s.persistent,
	)
	p.metrics.publishResult(s.routingKey, true)
	return true, nil
}

func (p *Publisher) send(ctx context.Context, routingKey string, msg amqp.Publishing) error {
	if p.breaker == nil {
		return p.publishOnce(ctx, routingKey, msg)
	}
	_, err := p.breaker.Execute(func() (interface{}, error) {
		return nil, p.publishOnce(ctx, routingKey, msg)
	})
	return err
}

// publishOnce sends msg on the managed channel and, when the channel is in
// confirm mode, waits for the broker's confirmation.
func (p *Publisher) publishOnce(ctx context.Context, routingKey string, msg amqp.Publishing) error {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline && p.publishTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.publishTimeout)
		defer cancel()
	}

	var confirmation *amqp.DeferredConfirmation
	err := p.manager.Execute(ctx, func(ch Channel) error {
		var err error
		confirmation, err = ch.PublishWithDeferredConfirmWithContext(
			ctx,
			p.exchange,
			routingKey,
			false, // mandatory
			false, // immediate
			msg,
		)
		return err
	})
	if err != nil {
		return err
	}

	// nil unless the channel is in confirm mode
	if confirmation == nil {
		return nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, p.confirmTimeout)
	defer cancel()

	acked, err := confirmation.WaitContext(waitCtx)
	if err != nil {
		return fmt.Errorf("timeout waiting for confirmation: %w", err)
	}
	if !acked {
		return ErrPublishNotConfirmed
	}
	return nil
}
