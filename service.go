// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package brokersvc

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/metric"

	"github.com/glimte/brokersvc/config"
	"github.com/glimte/brokersvc/health"
	"github.com/glimte/brokersvc/internal/rabbitmq"
	"github.com/glimte/brokersvc/internal/reliability"
)

type (
	Dialer                  = rabbitmq.Dialer
	Connection              = rabbitmq.Connection
	Channel                 = rabbitmq.Channel
	Handler                 = rabbitmq.MessageHandler
	Delivery                = amqp.Delivery
	Table                   = amqp.Table
	PublishOption           = rabbitmq.PublishOption
	ConnectionStateListener = rabbitmq.ConnectionStateListener
	RetryPolicy             = reliability.RetryPolicy

	ConnectionError       = rabbitmq.ConnectionError
	TopologyError         = rabbitmq.TopologyError
	TopologyConflictError = rabbitmq.TopologyConflictError
	ConsumerError         = rabbitmq.ConsumerError
	HandlerError          = rabbitmq.HandlerError
	DecodeError           = rabbitmq.DecodeError
)

var (
	ErrNotConnected         = rabbitmq.ErrNotConnected
	ErrConnectionTimeout    = rabbitmq.ErrConnectionTimeout
	ErrNoActiveConsumer     = rabbitmq.ErrNoActiveConsumer
	ErrInvalidConfiguration = rabbitmq.ErrInvalidConfiguration
	ErrMaxRetriesExceeded   = reliability.ErrMaxRetriesExceeded
)

// Service is the managed broker client shared by a process. Create one at
// startup, pass it to whoever publishes or consumes, and Close it on
// shutdown.
type Service struct {
	queueName string
	manager   *rabbitmq.ConnectionManager
	publisher *rabbitmq.Publisher
	consumer  *rabbitmq.Consumer
	logger    *slog.Logger
}

type serviceConfig struct {
	logger            *slog.Logger
	dialer            Dialer
	exchangeName      string
	exchangeType      string
	prefetchCount     int
	connectTimeout    time.Duration
	connectionName    string
	confirms          bool
	confirmTimeout    time.Duration
	breakerFailures   uint32
	breakerTimeout    time.Duration
	deadLetterExch    string
	deadLetterQueue   string
	rejectRedelivered bool
	handlerTimeout    time.Duration
	meterProvider     metric.MeterProvider
}

// Option configures the Service
type Option func(*serviceConfig)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *serviceConfig) {
		c.logger = logger
	}
}

// WithDialer replaces the amqp091 dialer, mostly for tests
func WithDialer(dialer Dialer) Option {
	return func(c *serviceConfig) {
		c.dialer = dialer
	}
}

// WithExchange routes messages through a named durable exchange bound to
// the queue. Without it the default exchange is used.
func WithExchange(name string) Option {
	return func(c *serviceConfig) {
		c.exchangeName = name
	}
}

// WithExchangeType sets the type of the named exchange (default direct)
func WithExchangeType(kind string) Option {
	return func(c *serviceConfig) {
		c.exchangeType = kind
	}
}

// WithPrefetchCount sets the channel prefetch (default 10). Values outside
// 1..65535 make every connect fail with ErrInvalidConfiguration.
func WithPrefetchCount(count int) Option {
	return func(c *serviceConfig) {
		c.prefetchCount = count
	}
}

// WithConnectTimeout bounds a single connect
func WithConnectTimeout(timeout time.Duration) Option {
	return func(c *serviceConfig) {
		c.connectTimeout = timeout
	}
}

// WithConnectionName sets the name the broker shows for the connection
func WithConnectionName(name string) Option {
	return func(c *serviceConfig) {
		c.connectionName = name
	}
}

// WithPublisherConfirms makes Publish wait up to timeout for the broker's confirmation
func WithPublisherConfirms(timeout time.Duration) Option {
	return func(c *serviceConfig) {
		c.confirms = true
		c.confirmTimeout = timeout
	}
}

// WithCircuitBreaker stops publishing for timeout after failures consecutive failures
func WithCircuitBreaker(failures uint32, timeout time.Duration) Option {
	return func(c *serviceConfig) {
		c.breakerFailures = failures
		c.breakerTimeout = timeout
	}
}

// WithDeadLetter declares exchange and queue as dead-letter target of the service queue
func WithDeadLetter(exchange, queue string) Option {
	return func(c *serviceConfig) {
		c.deadLetterExch = exchange
		c.deadLetterQueue = queue
	}
}

// WithRejectRedelivered sends failing redeliveries to the dead-letter queue
// instead of requeueing them again.
func WithRejectRedelivered(reject bool) Option {
	return func(c *serviceConfig) {
		c.rejectRedelivered = reject
	}
}

// WithHandlerTimeout bounds each handler call
func WithHandlerTimeout(timeout time.Duration) Option {
	return func(c *serviceConfig) {
		c.handlerTimeout = timeout
	}
}

// WithMeterProvider records client metrics on mp instead of the global provider
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(c *serviceConfig) {
		c.meterProvider = mp
	}
}

// New creates a Service for queueName. Nothing is dialed until the first
// EnsureConnection, Connect, Publish or Consume.
func New(url, queueName string, opts ...Option) *Service {
	cfg := &serviceConfig{
		logger:         slog.Default(),
		exchangeType:   rabbitmq.DefaultExchangeType,
		prefetchCount:  10,
		connectTimeout: 30 * time.Second,
		confirmTimeout: 5 * time.Second,
		handlerTimeout: 30 * time.Second,
		connectionName: "brokersvc-" + uuid.NewString(),
	}
	for _, opt := range opts {
		opt(cfg)
	}

	metrics, err := rabbitmq.NewMetrics(cfg.meterProvider)
	if err != nil {
		cfg.logger.Warn("metrics disabled", "error", err)
		metrics = nil
	}

	topology := rabbitmq.ServiceTopology(cfg.exchangeName, cfg.exchangeType, queueName)
	if cfg.deadLetterExch != "" {
		topology = topology.WithDeadLetter(cfg.deadLetterExch, cfg.deadLetterQueue)
	}

	connOpts := []rabbitmq.ConnectionOption{
		rabbitmq.WithLogger(cfg.logger),
		rabbitmq.WithTopology(topology),
		rabbitmq.WithPrefetchCount(cfg.prefetchCount),
		rabbitmq.WithConnectTimeout(cfg.connectTimeout),
		rabbitmq.WithConnectionName(cfg.connectionName),
		rabbitmq.WithPublisherConfirms(cfg.confirms),
		rabbitmq.WithMetrics(metrics),
	}
	if cfg.dialer != nil {
		connOpts = append(connOpts, rabbitmq.WithDialer(cfg.dialer))
	}
	manager := rabbitmq.NewConnectionManager(url, connOpts...)

	pubOpts := []rabbitmq.PublisherOption{
		rabbitmq.WithExchange(cfg.exchangeName),
		rabbitmq.WithDefaultRoutingKey(queueName),
		rabbitmq.WithConfirmTimeout(cfg.confirmTimeout),
		rabbitmq.WithPublisherLogger(cfg.logger),
		rabbitmq.WithPublisherMetrics(metrics),
	}
	if cfg.breakerFailures > 0 {
		pubOpts = append(pubOpts, rabbitmq.WithCircuitBreaker(cfg.breakerFailures, cfg.breakerTimeout))
	}

	consumer := rabbitmq.NewConsumer(manager,
		rabbitmq.WithDefaultQueue(queueName),
		rabbitmq.WithHandlerTimeout(cfg.handlerTimeout),
		rabbitmq.WithRejectRedelivered(cfg.rejectRedelivered),
		rabbitmq.WithConsumerLogger(cfg.logger),
		rabbitmq.WithConsumerMetrics(metrics),
	)

	return &Service{
		queueName: queueName,
		manager:   manager,
		publisher: rabbitmq.NewPublisher(manager, pubOpts...),
		consumer:  consumer,
		logger:    cfg.logger,
	}
}

// NewFromConfig creates a Service from loaded configuration. opts are
// applied after the configured values.
func NewFromConfig(cfg *config.Config, opts ...Option) *Service {
	b := cfg.Broker
	base := []Option{
		WithLogger(cfg.Log.NewLogger(os.Stderr)),
		WithExchange(b.ExchangeName),
		WithExchangeType(b.ExchangeType),
		WithPrefetchCount(b.PrefetchCount),
		WithHandlerTimeout(b.HandlerTimeout),
		WithRejectRedelivered(b.RejectRedelivered),
	}
	if b.ConnectTimeout > 0 {
		base = append(base, WithConnectTimeout(b.ConnectTimeout))
	}
	if b.ConnectionName != "" {
		base = append(base, WithConnectionName(b.ConnectionName))
	}
	if b.PublisherConfirms {
		base = append(base, WithPublisherConfirms(b.ConfirmTimeout))
	}
	if b.BreakerFailures > 0 {
		base = append(base, WithCircuitBreaker(b.BreakerFailures, b.BreakerTimeout))
	}
	if b.DeadLetterExchange != "" {
		base = append(base, WithDeadLetter(b.DeadLetterExchange, b.DeadLetterQueue))
	}
	return New(b.URL, b.QueueName, append(base, opts...)...)
}

// QueueName returns the service queue
func (s *Service) QueueName() string {
	return s.queueName
}

// Connect opens a new session, replacing a live one
func (s *Service) Connect(ctx context.Context) error {
	return s.manager.Connect(ctx)
}

// EnsureConnection connects only when there is no live session. Concurrent
// callers share a single dial.
func (s *Service) EnsureConnection(ctx context.Context) error {
	return s.manager.EnsureConnection(ctx)
}

// ConnectWithRetry calls EnsureConnection until it succeeds, the policy
// gives up or the error is not retryable (a topology conflict). A nil
// policy uses the default reconnect backoff.
func (s *Service) ConnectWithRetry(ctx context.Context, policy RetryPolicy) error {
	if policy == nil {
		policy = reliability.DefaultReconnectPolicy()
	}
	return reliability.Retry(ctx, policy, s.manager.EnsureConnection,
		reliability.WithOperation("connect"),
		reliability.WithRetryLogger(s.logger),
	)
}

// IsConnected reports whether the connection and its channel are open
func (s *Service) IsConnected() bool {
	return s.manager.IsConnected()
}

// Disconnect closes the session. Active consumers end with the channel, but
// handlers still in flight are not waited for, and a later Publish dials a
// new session. Use Close to shut down.
func (s *Service) Disconnect() error {
	return s.manager.Disconnect()
}

// Close stops every consumer, waits for deliveries in flight to settle and
// disconnects.
func (s *Service) Close() error {
	cancelErr := s.consumer.CancelAll()
	return errors.Join(cancelErr, s.manager.Disconnect())
}

// Publish sends message as JSON to the service queue, or to the routing
// key given with RoutingKey. It reports false when the broker could not be
// reached or did not accept the message; the error is only set when the
// message cannot be encoded.
func (s *Service) Publish(ctx context.Context, message any, opts ...PublishOption) (bool, error) {
	return s.publisher.Publish(ctx, message, opts...)
}

// Consume starts handling deliveries from queue (the service queue when
// empty) and returns once the consumer is registered.
func (s *Service) Consume(ctx context.Context, queue string, handler Handler, autoAck bool) error {
	return s.consumer.Consume(ctx, queue, handler, autoAck)
}

// Cancel stops the consumers of queue and waits for their deliveries in
// flight to settle. Do not call it from a handler of the same queue.
func (s *Service) Cancel(queue string) error {
	return s.consumer.Cancel(queue)
}

// ActiveConsumers lists the queues being consumed
func (s *Service) ActiveConsumers() []string {
	return s.consumer.ActiveConsumers()
}

// DeclareTopology declares a queue, and when exchangeName is set a durable
// exchange bound to it with the queue name as routing key. Declaring the
// same topology again is a no-op; changing an existing queue or exchange
// fails with *TopologyConflictError.
func (s *Service) DeclareTopology(ctx context.Context, exchangeName, exchangeType, queueName string) error {
	topology := rabbitmq.ServiceTopology(exchangeName, exchangeType, queueName)
	return s.manager.Execute(ctx, func(ch Channel) error {
		return s.manager.TopologyManager().Declare(ch, topology)
	})
}

// AddStateListener registers a listener for connect and disconnect events
func (s *Service) AddStateListener(listener ConnectionStateListener) {
	s.manager.AddStateListener(listener)
}

// HealthChecker returns a checker reporting the session and queue depth.
// It never connects.
func (s *Service) HealthChecker(opts ...health.BrokerCheckerOption) health.Checker {
	opts = append([]health.BrokerCheckerOption{health.WithCheckerLogger(s.logger)}, opts...)
	return health.NewBrokerChecker(s.manager, s.queueName, opts...)
}

// RoutingKey publishes to key instead of the service queue
func RoutingKey(key string) PublishOption {
	return rabbitmq.WithRoutingKey(key)
}

// Persistent sets the delivery mode; messages are persistent by default
func Persistent(persistent bool) PublishOption {
	return rabbitmq.Persistent(persistent)
}

// MessageID sets the message id instead of a random UUID
func MessageID(id string) PublishOption {
	return rabbitmq.WithMessageID(id)
}

// Headers attaches application headers
func Headers(headers Table) PublishOption {
	return rabbitmq.WithHeaders(headers)
}

// DefaultReconnectPolicy backs off from 500ms to 30s over ten attempts
func DefaultReconnectPolicy() RetryPolicy {
	return reliability.DefaultReconnectPolicy()
}

// ExponentialBackoff creates a jittered exponential retry policy
func ExponentialBackoff(initial, max time.Duration, multiplier float64, maxRetries int) RetryPolicy {
	return reliability.NewExponentialBackoff(initial, max, multiplier, maxRetries)
}
