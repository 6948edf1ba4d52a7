package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// MessageHandler processes a decoded delivery body. The raw delivery is
// passed for headers and metadata; handlers must not ack or nack it.
type MessageHandler func(ctx context.Context, body any, delivery amqp.Delivery) error

// Consumer registers handlers on queues of the managed channel
type Consumer struct {
	manager           *ConnectionManager
	defaultQueue      string
	handlerTimeout    time.Duration
	rejectRedelivered bool
	exclusive         bool
	logger            *slog.Logger
	metrics           *Metrics
	activeConsumers   sync.Map // consumer tag -> *ConsumerInfo
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithDefaultQueue sets the queue consumed when Consume is given no name
func WithDefaultQueue(queue string) ConsumerOption {
	return func(c *Consumer) {
		c.defaultQueue = queue
	}
}

// WithHandlerTimeout bounds the context handed to each handler call
func WithHandlerTimeout(timeout time.Duration) ConsumerOption {
	return func(c *Consumer) {
		c.handlerTimeout = timeout
	}
}

// WithRejectRedelivered makes a failed delivery that was already redelivered
// be nacked without requeue, so a dead-letter exchange on the queue receives
// it instead of the broker redelivering it again.
func WithRejectRedelivered(reject bool) ConsumerOption {
	return func(c *Consumer) {
		c.rejectRedelivered = reject
	}
}

// WithExclusive sets exclusive consumer mode
func WithExclusive(exclusive bool) ConsumerOption {
	return func(c *Consumer) {
		c.exclusive = exclusive
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// WithConsumerMetrics sets the metrics recorder
func WithConsumerMetrics(metrics *Metrics) ConsumerOption {
	return func(c *Consumer) {
		c.metrics = metrics
	}
}

// NewConsumer creates a new consumer
func NewConsumer(manager *ConnectionManager, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		manager:        manager,
		handlerTimeout: 30 * time.Second,
		logger:         slog.Default(),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// ConsumerInfo tracks an active consumer
type ConsumerInfo struct {
	Queue       string
	ConsumerTag string
	AutoAck     bool
	Done        chan struct{}
}

// Consume registers handler on queue and returns once the broker accepted
// the consumer. Deliveries are processed on a separate goroutine until the
// channel closes or the consumer is cancelled.
//
// With autoAck the broker considers a message acknowledged when it is
// delivered: a handler failure is only logged and the message is lost.
// Without autoAck every delivery gets exactly one ack (handler success) or
// nack with requeue (handler error, decode error or panic).
func (c *Consumer) Consume(ctx context.Context, queue string, handler MessageHandler, autoAck bool) error {
	if handler == nil {
		return fmt.Errorf("%w: nil handler", ErrInvalidConfiguration)
	}
	if queue == "" {
		queue = c.defaultQueue
	}
	if queue == "" {
		return fmt.Errorf("%w: no queue to consume", ErrInvalidConfiguration)
	}

	tag := "ctag-" + uuid.NewString()

	var deliveries <-chan amqp.Delivery
	err := c.manager.Execute(ctx, func(ch Channel) error {
		var err error
		deliveries, err = ch.Consume(
			queue,
			tag,
			autoAck,
			c.exclusive,
			false, // no-local
			false, // no-wait
			nil,
		)
		return err
	})
	if err != nil {
		var connErr *ConnectionError
		var conflict *TopologyConflictError
		if errors.As(err, &connErr) || errors.As(err, &conflict) {
			return err
		}
		return &ConsumerError{
			Queue:       queue,
			ConsumerTag: tag,
			Op:          "consume",
			Err:         err,
		}
	}

	info := &ConsumerInfo{
		Queue:       queue,
		ConsumerTag: tag,
		AutoAck:     autoAck,
		Done:        make(chan struct{}),
	}
	c.activeConsumers.Store(tag, info)

	go c.processMessages(info, deliveries, handler)

	c.logger.Info("started consuming messages",
		"queue", queue,
		"consumerTag", tag,
		"autoAck", autoAck,
	)

	return nil
}

// processMessages handles deliveries until the delivery stream closes
func (c *Consumer) processMessages(info *ConsumerInfo, deliveries <-chan amqp.Delivery, handler MessageHandler) {
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		c.activeConsumers.Delete(info.ConsumerTag)
		close(info.Done)
		c.logger.Info("consumer stopped", "queue", info.Queue, "consumerTag", info.ConsumerTag)
	}()

	for delivery := range deliveries {
		c.handleDelivery(ctx, info, delivery, handler)
	}
}

// handleDelivery runs the handler inside a settlement scope: whatever the
// handler does, including panicking, the delivery is settled exactly once.
func (c *Consumer) handleDelivery(ctx context.Context, info *ConsumerInfo, delivery amqp.Delivery, handler MessageHandler) {
	scope := &deliveryScope{
		consumer: c,
		queue:    info.Queue,
		autoAck:  info.AutoAck,
		delivery: delivery,
	}

	var handlerErr error
	defer func() {
		if r := recover(); r != nil {
			handlerErr = fmt.Errorf("handler panic: %v", r)
		}
		scope.settle(handlerErr)
	}()

	body, err := Decode(delivery.ContentType, delivery.Body)
	if err != nil {
		handlerErr = err
		return
	}

	msgCtx := ctx
	if c.handlerTimeout > 0 {
		var cancel context.CancelFunc
		msgCtx, cancel = context.WithTimeout(ctx, c.handlerTimeout)
		defer cancel()
	}

	handlerErr = handler(msgCtx, body, delivery)
}

// deliveryScope settles one delivery
type deliveryScope struct {
	consumer *Consumer
	queue    string
	autoAck  bool
	delivery amqp.Delivery
	settled  bool
}

func (s *deliveryScope) settle(err error) {
	if s.settled {
		return
	}
	s.settled = true

	c := s.consumer
	d := s.delivery

	if err != nil {
		hErr := &HandlerError{
			Queue:       s.queue,
			DeliveryTag: d.DeliveryTag,
			Redelivered: d.Redelivered,
			Err:         err,
		}
		c.metrics.handlerFailed(s.queue)
		if s.autoAck {
			c.logger.Error("error processing message; message was auto-acknowledged and is dropped",
				"error", hErr,
				"queue", s.queue,
				"messageId", d.MessageId,
			)
			return
		}
		c.logger.Error("error processing message",
			"error", hErr,
			"queue", s.queue,
			"messageId", d.MessageId,
		)
	}

	if s.autoAck {
		return
	}

	if err == nil {
		if ackErr := d.Ack(false); ackErr != nil {
			c.logger.Error("failed to ack message", "error", ackErr, "queue", s.queue)
			return
		}
		c.metrics.settled(s.queue, true)
		return
	}

	requeue := !(c.rejectRedelivered && d.Redelivered)
	if nackErr := d.Nack(false, requeue); nackErr != nil {
		c.logger.Error("failed to nack message",
			"error", nackErr,
			"originalError", err,
			"queue", s.queue,
		)
		return
	}
	c.metrics.settled(s.queue, false)
}

// Cancel stops every consumer on queue. Deliveries already received are
// still processed and settled before Cancel returns.
//
// Cancel waits for the consumer's delivery goroutine, so it must not be
// called from a handler of the consumer it stops: that call never returns.
// A handler that wants its own consumer stopped hands the queue name to
// another goroutine.
func (c *Consumer) Cancel(queue string) error {
	var infos []*ConsumerInfo
	c.activeConsumers.Range(func(_, value interface{}) bool {
		if info := value.(*ConsumerInfo); info.Queue == queue {
			infos = append(infos, info)
		}
		return true
	})
	if len(infos) == 0 {
		return fmt.Errorf("%w for queue: %s", ErrNoActiveConsumer, queue)
	}

	for _, info := range infos {
		err := c.manager.withOpenChannel(func(ch Channel) error {
			return ch.Cancel(info.ConsumerTag, false)
		})
		if err != nil && !errors.Is(err, ErrNotConnected) {
			return &ConsumerError{
				Queue:       info.Queue,
				ConsumerTag: info.ConsumerTag,
				Op:          "cancel",
				Err:         err,
			}
		}
		// a closed channel has already ended the delivery stream
		<-info.Done
	}
	return nil
}

// CancelAll stops all active consumers
func (c *Consumer) CancelAll() error {
	var errs []error
	for _, queue := range c.ActiveConsumers() {
		if err := c.Cancel(queue); err != nil && !errors.Is(err, ErrNoActiveConsumer) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ActiveConsumers returns the queues with an active consumer
func (c *Consumer) ActiveConsumers() []string {
	seen := make(map[string]bool)
	var queues []string
	c.activeConsumers.Range(func(_, value interface{}) bool {
		info := value.(*ConsumerInfo)
		if !seen[info.Queue] {
			seen[info.Queue] = true
			queues = append(queues, info.Queue)
		}
		return true
	})
	return queues
}
