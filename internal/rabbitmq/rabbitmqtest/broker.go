// Package rabbitmqtest provides an in-memory loopback broker for tests of
// code built on the rabbitmq package.
//
// The broker keeps the parts of AMQP 0-9-1 the client relies on: declarations
// with equivalence checks, default, direct and fanout routing, manual and
// automatic acknowledgement, requeue on nack, dead-lettering, connection drops
// and restarts. Failures are reported with the reply codes a real broker
// uses, and a channel error closes only the channel it happened on.
package rabbitmqtest

import (
	"context"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/brokersvc/internal/rabbitmq"
)

// Broker is a loopback broker. Use Dial as a rabbitmq.Dialer.
type Broker struct {
	mu         sync.Mutex
	exchanges  map[string]rabbitmq.ExchangeDeclaration
	queues     map[string]*queue
	bindings   []rabbitmq.Binding
	conns      []*conn
	dials      int
	dialErr    error
	publishErr error
	nextTag    uint64

	acks       map[string]int // by message id
	nacks      map[string]int
	deliveries map[string]int
}

type queue struct {
	decl      rabbitmq.QueueDeclaration
	pending   []*message
	consumers []*consumer
	unacked   map[uint64]*unacked
}

type message struct {
	exchange    string
	routingKey  string
	publishing  amqp.Publishing
	redelivered bool
}

type unacked struct {
	msg *message
	ch  *Channel
}

type consumer struct {
	tag     string
	autoAck bool
	ch      *Channel
	out     chan amqp.Delivery
	closed  bool
}

// NewBroker creates an empty broker
func NewBroker() *Broker {
	return &Broker{
		exchanges:  make(map[string]rabbitmq.ExchangeDeclaration),
		queues:     make(map[string]*queue),
		acks:       make(map[string]int),
		nacks:      make(map[string]int),
		deliveries: make(map[string]int),
	}
}

// Dial implements rabbitmq.Dialer
func (b *Broker) Dial(_ context.Context, _ string) (rabbitmq.Connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.dials++
	if b.dialErr != nil {
		return nil, b.dialErr
	}
	c := &conn{broker: b}
	b.conns = append(b.conns, c)
	return c, nil
}

// Dials returns the number of dial attempts
func (b *Broker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// FailDials makes every following dial fail with err; nil restores dialing
func (b *Broker) FailDials(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dialErr = err
}

// FailPublishes makes every following publish fail with err without closing
// the channel; nil restores publishing
func (b *Broker) FailPublishes(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.publishErr = err
}

// Acks returns the number of acknowledged deliveries
func (b *Broker) Acks() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return sum(b.acks)
}

// Nacks returns the number of negatively acknowledged deliveries
func (b *Broker) Nacks() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return sum(b.nacks)
}

// MessageAcks returns how often deliveries of one message id were acked
func (b *Broker) MessageAcks(messageID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.acks[messageID]
}

// MessageNacks returns how often deliveries of one message id were nacked
func (b *Broker) MessageNacks(messageID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nacks[messageID]
}

// Deliveries returns how often a message id was delivered to a consumer
func (b *Broker) Deliveries(messageID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.deliveries[messageID]
}

func sum(counts map[string]int) int {
	n := 0
	for _, c := range counts {
		n += c
	}
	return n
}

// Depth returns the number of ready messages in a queue, -1 if it does not exist
func (b *Broker) Depth(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		return -1
	}
	return len(q.pending)
}

// Messages returns a copy of the ready messages in a queue
func (b *Broker) Messages(name string) []amqp.Publishing {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		return nil
	}
	out := make([]amqp.Publishing, 0, len(q.pending))
	for _, m := range q.pending {
		out = append(out, m.publishing)
	}
	return out
}

// Queue returns the declaration a queue was created with
func (b *Broker) Queue(name string) (rabbitmq.QueueDeclaration, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		return rabbitmq.QueueDeclaration{}, false
	}
	return q.decl, true
}

// Consumers returns the number of consumers registered on a queue
func (b *Broker) Consumers(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		return 0
	}
	return len(q.consumers)
}

// HasExchange reports whether an exchange exists
func (b *Broker) HasExchange(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.exchanges[name]
	return ok
}

// Bindings returns the number of queue bindings
func (b *Broker) Bindings() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.bindings)
}

// DeclareQueue creates a queue out of band, e.g. to provoke a conflict
func (b *Broker) DeclareQueue(name string, durable bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.queues[name]; !ok {
		b.queues[name] = newQueue(rabbitmq.QueueDeclaration{Name: name, Durable: durable})
	}
}

// Enqueue puts a raw message on a queue, bypassing exchanges and publishers
func (b *Broker) Enqueue(name string, msg amqp.Publishing) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		b.enqueueLocked(q, &message{routingKey: name, publishing: msg}, false)
	}
}

// DropConnections closes every connection as if the network failed
func (b *Broker) DropConnections() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range b.conns {
		c.closeLocked(&amqp.Error{Code: amqp.ConnectionForced, Reason: "CONNECTION_FORCED - broker forced connection closure", Server: true})
	}
}

// Restart drops every connection and keeps only durable exchanges, durable
// queues and the persistent messages on them.
func (b *Broker) Restart() {
	b.DropConnections()

	b.mu.Lock()
	defer b.mu.Unlock()

	for name, ex := range b.exchanges {
		if !ex.Durable {
			delete(b.exchanges, name)
		}
	}
	for name, q := range b.queues {
		if !q.decl.Durable {
			delete(b.queues, name)
			continue
		}
		var kept []*message
		for _, m := range q.pending {
			if m.publishing.DeliveryMode == amqp.Persistent {
				kept = append(kept, m)
			}
		}
		q.pending = kept
	}
	kept := b.bindings[:0]
	for _, bind := range b.bindings {
		_, hasQueue := b.queues[bind.Queue]
		_, hasExchange := b.exchanges[bind.Exchange]
		if hasQueue && hasExchange {
			kept = append(kept, bind)
		}
	}
	b.bindings = kept
}

func newQueue(decl rabbitmq.QueueDeclaration) *queue {
	return &queue{decl: decl, unacked: make(map[uint64]*unacked)}
}

func (b *Broker) routeLocked(exchange, key string) ([]*queue, error) {
	if exchange == "" {
		if q, ok := b.queues[key]; ok {
			return []*queue{q}, nil
		}
		return nil, nil
	}

	ex, ok := b.exchanges[exchange]
	if !ok {
		return nil, &amqp.Error{Code: amqp.NotFound, Reason: fmt.Sprintf("NOT_FOUND - no exchange '%s'", exchange)}
	}

	var out []*queue
	for _, bind := range b.bindings {
		if bind.Exchange != exchange {
			continue
		}
		if ex.Type == amqp.ExchangeFanout || bind.RoutingKey == key {
			if q, ok := b.queues[bind.Queue]; ok {
				out = append(out, q)
			}
		}
	}
	return out, nil
}

func (b *Broker) enqueueLocked(q *queue, m *message, front bool) {
	if front {
		q.pending = append([]*message{m}, q.pending...)
	} else {
		q.pending = append(q.pending, m)
	}
	b.dispatchLocked(q)
}

func (b *Broker) dispatchLocked(q *queue) {
	for len(q.pending) > 0 {
		var target *consumer
		for _, c := range q.consumers {
			if !c.closed {
				target = c
				break
			}
		}
		if target == nil {
			return
		}

		m := q.pending[0]
		q.pending = q.pending[1:]

		b.nextTag++
		tag := b.nextTag
		if !target.autoAck {
			q.unacked[tag] = &unacked{msg: m, ch: target.ch}
		}
		b.deliveries[m.publishing.MessageId]++

		target.out <- amqp.Delivery{
			Acknowledger: target.ch,
			Headers:      m.publishing.Headers,
			ContentType:  m.publishing.ContentType,
			DeliveryMode: m.publishing.DeliveryMode,
			MessageId:    m.publishing.MessageId,
			Timestamp:    m.publishing.Timestamp,
			ConsumerTag:  target.tag,
			DeliveryTag:  tag,
			Redelivered:  m.redelivered,
			Exchange:     m.exchange,
			RoutingKey:   m.routingKey,
			Body:         m.publishing.Body,
		}
	}
}

func (b *Broker) findUnackedLocked(tag uint64) (*queue, *unacked) {
	for _, q := range b.queues {
		if u, ok := q.unacked[tag]; ok {
			return q, u
		}
	}
	return nil, nil
}

func (b *Broker) deadLetterLocked(q *queue, m *message) {
	dlx, _ := q.decl.Arguments["x-dead-letter-exchange"].(string)
	if dlx == "" {
		return
	}
	key, _ := q.decl.Arguments["x-dead-letter-routing-key"].(string)
	if key == "" {
		key = m.routingKey
	}
	targets, err := b.routeLocked(dlx, key)
	if err != nil {
		return
	}
	for _, t := range targets {
		b.enqueueLocked(t, &message{exchange: dlx, routingKey: key, publishing: m.publishing}, false)
	}
}

type conn struct {
	broker   *Broker
	closed   bool
	channels []*Channel
	notify   []chan *amqp.Error
}

func (c *conn) Channel() (rabbitmq.Channel, error) {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	if c.closed {
		return nil, amqp.ErrClosed
	}
	ch := &Channel{broker: c.broker}
	c.channels = append(c.channels, ch)
	return ch, nil
}

func (c *conn) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	if c.closed {
		close(receiver)
		return receiver
	}
	c.notify = append(c.notify, receiver)
	return receiver
}

func (c *conn) IsClosed() bool {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	return c.closed
}

func (c *conn) Close() error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	if c.closed {
		return amqp.ErrClosed
	}
	c.closeLocked(nil)
	return nil
}

func (c *conn) closeLocked(err *amqp.Error) {
	if c.closed {
		return
	}
	c.closed = true
	for _, ch := range c.channels {
		ch.closeLocked(err)
	}
	for _, n := range c.notify {
		if err != nil {
			select {
			case n <- err:
			default:
			}
		}
		close(n)
	}
	c.notify = nil
}

// Channel is a loopback channel. It implements rabbitmq.Channel and is the
// amqp.Acknowledger of the deliveries it hands out.
type Channel struct {
	broker    *Broker
	closed    bool
	prefetch  int
	confirm   bool
	consumers []*consumer
	notify    []chan *amqp.Error
}

// Prefetch returns the prefetch count set by the last Qos call
func (ch *Channel) Prefetch() int {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	return ch.prefetch
}

// ConfirmMode reports whether Confirm was called on the channel
func (ch *Channel) ConfirmMode() bool {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	return ch.confirm
}

func (ch *Channel) Qos(prefetchCount, _ int, _ bool) error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	ch.prefetch = prefetchCount
	return nil
}

func (ch *Channel) Confirm(_ bool) error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	ch.confirm = true
	return nil
}

func (ch *Channel) fail(err *amqp.Error) error {
	ch.closeLocked(err)
	return err
}

func (ch *Channel) ExchangeDeclare(name, kind string, durable, autoDelete, _, _ bool, args amqp.Table) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	if existing, ok := b.exchanges[name]; ok {
		switch {
		case existing.Type != kind:
			return ch.fail(preconditionFailed("type", "exchange", name))
		case existing.Durable != durable:
			return ch.fail(preconditionFailed("durable", "exchange", name))
		case existing.AutoDelete != autoDelete:
			return ch.fail(preconditionFailed("auto_delete", "exchange", name))
		}
		return nil
	}
	b.exchanges[name] = rabbitmq.ExchangeDeclaration{Name: name, Type: kind, Durable: durable, AutoDelete: autoDelete, Arguments: args}
	return nil
}

func (ch *Channel) QueueDeclare(name string, durable, autoDelete, exclusive, _ bool, args amqp.Table) (amqp.Queue, error) {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.Queue{}, amqp.ErrClosed
	}
	if q, ok := b.queues[name]; ok {
		switch {
		case q.decl.Durable != durable:
			return amqp.Queue{}, ch.fail(preconditionFailed("durable", "queue", name))
		case q.decl.AutoDelete != autoDelete:
			return amqp.Queue{}, ch.fail(preconditionFailed("auto_delete", "queue", name))
		case q.decl.Exclusive != exclusive:
			return amqp.Queue{}, ch.fail(preconditionFailed("exclusive", "queue", name))
		}
		return amqp.Queue{Name: name, Messages: len(q.pending), Consumers: len(q.consumers)}, nil
	}
	b.queues[name] = newQueue(rabbitmq.QueueDeclaration{Name: name, Durable: durable, AutoDelete: autoDelete, Exclusive: exclusive, Arguments: args})
	return amqp.Queue{Name: name}, nil
}

func preconditionFailed(arg, kind, name string) *amqp.Error {
	return &amqp.Error{Code: amqp.PreconditionFailed, Reason: fmt.Sprintf("PRECONDITION_FAILED - inequivalent arg '%s' for %s '%s'", arg, kind, name)}
}

func notFound(kind, name string) *amqp.Error {
	return &amqp.Error{Code: amqp.NotFound, Reason: fmt.Sprintf("NOT_FOUND - no %s '%s'", kind, name)}
}

func (ch *Channel) QueueDeclarePassive(name string, _, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.Queue{}, amqp.ErrClosed
	}
	q, ok := b.queues[name]
	if !ok {
		return amqp.Queue{}, ch.fail(notFound("queue", name))
	}
	return amqp.Queue{Name: name, Messages: len(q.pending), Consumers: len(q.consumers)}, nil
}

func (ch *Channel) QueueBind(name, key, exchange string, _ bool, args amqp.Table) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	if _, ok := b.exchanges[exchange]; !ok {
		return ch.fail(notFound("exchange", exchange))
	}
	if _, ok := b.queues[name]; !ok {
		return ch.fail(notFound("queue", name))
	}
	for _, existing := range b.bindings {
		if existing.Queue == name && existing.Exchange == exchange && existing.RoutingKey == key {
			return nil
		}
	}
	b.bindings = append(b.bindings, rabbitmq.Binding{Queue: name, Exchange: exchange, RoutingKey: key, Arguments: args})
	return nil
}

func (ch *Channel) PublishWithDeferredConfirmWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) (*amqp.DeferredConfirmation, error) {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return nil, amqp.ErrClosed
	}
	if b.publishErr != nil {
		return nil, b.publishErr
	}

	targets, err := b.routeLocked(exchange, key)
	if err != nil {
		return nil, ch.fail(err.(*amqp.Error))
	}
	for _, q := range targets {
		b.enqueueLocked(q, &message{exchange: exchange, routingKey: key, publishing: msg}, false)
	}
	return nil, nil
}

func (ch *Channel) Consume(name, tag string, autoAck, _, _, _ bool, _ amqp.Table) (<-chan amqp.Delivery, error) {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return nil, amqp.ErrClosed
	}
	q, ok := b.queues[name]
	if !ok {
		return nil, ch.fail(notFound("queue", name))
	}

	c := &consumer{tag: tag, autoAck: autoAck, ch: ch, out: make(chan amqp.Delivery, 1024)}
	q.consumers = append(q.consumers, c)
	ch.consumers = append(ch.consumers, c)
	b.dispatchLocked(q)
	return c.out, nil
}

func (ch *Channel) Cancel(tag string, _ bool) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	for _, q := range b.queues {
		for i, c := range q.consumers {
			if c.tag == tag {
				q.consumers = append(q.consumers[:i], q.consumers[i+1:]...)
				if !c.closed {
					c.closed = true
					close(c.out)
				}
				return nil
			}
		}
	}
	return nil
}

func (ch *Channel) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()

	if ch.closed {
		close(receiver)
		return receiver
	}
	ch.notify = append(ch.notify, receiver)
	return receiver
}

func (ch *Channel) IsClosed() bool {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	return ch.closed
}

func (ch *Channel) Close() error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	ch.closeLocked(nil)
	return nil
}

// closeLocked ends the channel's consumers and requeues its unacked deliveries
func (ch *Channel) closeLocked(err *amqp.Error) {
	if ch.closed {
		return
	}
	ch.closed = true
	b := ch.broker

	for _, c := range ch.consumers {
		if !c.closed {
			c.closed = true
			close(c.out)
		}
	}
	for _, q := range b.queues {
		kept := q.consumers[:0]
		for _, c := range q.consumers {
			if c.ch != ch {
				kept = append(kept, c)
			}
		}
		q.consumers = kept
	}

	for _, q := range b.queues {
		var requeue []*message
		for tag, u := range q.unacked {
			if u.ch == ch {
				u.msg.redelivered = true
				requeue = append(requeue, u.msg)
				delete(q.unacked, tag)
			}
		}
		q.pending = append(requeue, q.pending...)
		b.dispatchLocked(q)
	}

	for _, n := range ch.notify {
		if err != nil {
			select {
			case n <- err:
			default:
			}
		}
		close(n)
	}
	ch.notify = nil
}

// Ack implements amqp.Acknowledger
func (ch *Channel) Ack(tag uint64, _ bool) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	q, u := b.findUnackedLocked(tag)
	if u == nil {
		return ch.fail(&amqp.Error{Code: amqp.PreconditionFailed, Reason: fmt.Sprintf("PRECONDITION_FAILED - unknown delivery tag %d", tag)})
	}
	delete(q.unacked, tag)
	b.acks[u.msg.publishing.MessageId]++
	return nil
}

// Nack implements amqp.Acknowledger. Without requeue the message is
// dead-lettered when its queue names a dead letter exchange.
func (ch *Channel) Nack(tag uint64, _ bool, requeue bool) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	q, u := b.findUnackedLocked(tag)
	if u == nil {
		return ch.fail(&amqp.Error{Code: amqp.PreconditionFailed, Reason: fmt.Sprintf("PRECONDITION_FAILED - unknown delivery tag %d", tag)})
	}
	delete(q.unacked, tag)
	b.nacks[u.msg.publishing.MessageId]++

	if requeue {
		u.msg.redelivered = true
		b.enqueueLocked(q, u.msg, true)
		return nil
	}
	b.deadLetterLocked(q, u.msg)
	return nil
}

// Reject implements amqp.Acknowledger
func (ch *Channel) Reject(tag uint64, requeue bool) error {
	return ch.Nack(tag, false, requeue)
}

var (
	_ rabbitmq.Connection = (*conn)(nil)
	_ rabbitmq.Channel    = (*Channel)(nil)
	_ amqp.Acknowledger   = (*Channel)(nil)
)
