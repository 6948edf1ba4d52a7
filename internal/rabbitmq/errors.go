package rabbitmq

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

var (
	// Connection errors
	ErrNotConnected      = errors.New("rabbitmq: not connected")
	ErrConnectionTimeout = errors.New("rabbitmq: connection timeout")

	// Channel errors
	ErrChannelClosed = errors.New("rabbitmq: channel is closed")

	// Publisher errors
	ErrPublishNotConfirmed = errors.New("rabbitmq: publish not confirmed")

	// Consumer errors
	ErrNoActiveConsumer = errors.New("rabbitmq: no active consumer")

	// General errors
	ErrInvalidConfiguration = errors.New("rabbitmq: invalid configuration")
)

// ConnectionError represents a transport or authentication failure while connecting.
// It is never retried internally; callers retry with backoff.
type ConnectionError struct {
	Op        string    // Operation that failed
	URL       string    // Connection URL (sanitized)
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("rabbitmq connection error: %s %s failed: %v", e.Op, e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// IsRetryable reports that the caller may retry the connect.
func (e *ConnectionError) IsRetryable() bool {
	return true
}

// TopologyError represents a topology declaration failure other than a conflict
type TopologyError struct {
	Component string    // Component type (exchange, queue, binding)
	Name      string    // Component name
	Op        string    // Operation that failed
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *TopologyError) Error() string {
	return fmt.Sprintf("rabbitmq topology error: failed to %s %s '%s': %v",
		e.Op, e.Component, e.Name, e.Err)
}

func (e *TopologyError) Unwrap() error {
	return e.Err
}

// TopologyConflictError is returned when a declaration does not match the
// state already held by the broker (PRECONDITION_FAILED). It is fatal.
type TopologyConflictError struct {
	Component string
	Name      string
	Reason    string
	Err       error
}

func (e *TopologyConflictError) Error() string {
	return fmt.Sprintf("rabbitmq topology conflict: %s '%s': %s", e.Component, e.Name, e.Reason)
}

func (e *TopologyConflictError) Unwrap() error {
	return e.Err
}

// IsRetryable always reports false: redeclaring the same topology fails the same way.
func (e *TopologyConflictError) IsRetryable() bool {
	return false
}

// PublishError represents a publish operation error. It is logged by the
// publisher and never handed to callers, who only see a false result.
type PublishError struct {
	Exchange   string    // Target exchange
	RoutingKey string    // Routing key used
	Err        error     // Underlying error
	Timestamp  time.Time // When the error occurred
}

func (e *PublishError) Error() string {
	exchange := e.Exchange
	if exchange == "" {
		exchange = "(default)"
	}
	return fmt.Sprintf("rabbitmq publish error: failed to publish to %s/%s: %v",
		exchange, e.RoutingKey, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// ConsumerError represents a failure to register or cancel a consumer
type ConsumerError struct {
	Queue       string // Queue name
	ConsumerTag string // Consumer tag
	Op          string // Operation that failed
	Err         error  // Underlying error
}

func (e *ConsumerError) Error() string {
	return fmt.Sprintf("rabbitmq consumer error: %s failed for consumer %s on queue %s: %v",
		e.Op, e.ConsumerTag, e.Queue, e.Err)
}

func (e *ConsumerError) Unwrap() error {
	return e.Err
}

// HandlerError wraps a failure raised while a handler processed a delivery
type HandlerError struct {
	Queue       string
	DeliveryTag uint64
	Redelivered bool
	Err         error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("rabbitmq handler error: delivery %d on queue %s: %v", e.DeliveryTag, e.Queue, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

// DecodeError is returned when a delivery body is not valid JSON.
type DecodeError struct {
	ContentType string
	Err         error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("rabbitmq decode error: content-type %q: %v", e.ContentType, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// isPreconditionFailed reports whether the broker rejected a declaration
// because it differs from an existing entity.
func isPreconditionFailed(err error) (*amqp.Error, bool) {
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) && amqpErr.Code == amqp.PreconditionFailed {
		return amqpErr, true
	}
	return nil, false
}

// SanitizeURL removes the password from a connection URL
func SanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "***"
	}
	return u.Redacted()
}
