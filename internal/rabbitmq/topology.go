package rabbitmq

import (
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// DefaultExchangeType is used when a named exchange has no explicit type.
const DefaultExchangeType = amqp.ExchangeDirect

// ExchangeDeclaration defines an exchange to be declared
type ExchangeDeclaration struct {
	Name       string
	Type       string
	Durable    bool
	AutoDelete bool
	Arguments  amqp.Table
}

// QueueDeclaration defines a queue to be declared
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// Binding defines a queue-to-exchange binding
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
	Arguments  amqp.Table
}

// Topology represents the exchanges, queues and bindings a session needs
type Topology struct {
	Exchanges []ExchangeDeclaration
	Queues    []QueueDeclaration
	Bindings  []Binding
}

// ServiceTopology builds the topology of a single service queue. When
// exchangeName is empty the queue is reached through the default exchange
// and nothing is bound. Otherwise a durable exchange is declared and the
// queue is bound to it with the queue name as routing key.
func ServiceTopology(exchangeName, exchangeType, queueName string) Topology {
	t := Topology{
		Queues: []QueueDeclaration{{
			Name:       queueName,
			Durable:    true,
			AutoDelete: false,
		}},
	}

	if exchangeName == "" {
		return t
	}
	if exchangeType == "" {
		exchangeType = DefaultExchangeType
	}

	t.Exchanges = []ExchangeDeclaration{{
		Name:    exchangeName,
		Type:    exchangeType,
		Durable: true,
	}}
	t.Bindings = []Binding{{
		Queue:      queueName,
		Exchange:   exchangeName,
		RoutingKey: queueName,
	}}
	return t
}

// WithDeadLetter returns a copy of t where every queue dead-letters into
// dlqName through the durable direct exchange dlx. Deliveries nacked without
// requeue end up in dlqName.
func (t Topology) WithDeadLetter(dlx, dlqName string) Topology {
	out := Topology{
		Exchanges: append([]ExchangeDeclaration{{Name: dlx, Type: amqp.ExchangeDirect, Durable: true}}, t.Exchanges...),
		Bindings:  append([]Binding{{Queue: dlqName, Exchange: dlx, RoutingKey: dlqName}}, t.Bindings...),
	}

	out.Queues = append(out.Queues, QueueDeclaration{Name: dlqName, Durable: true})
	for _, q := range t.Queues {
		args := amqp.Table{}
		for k, v := range q.Arguments {
			args[k] = v
		}
		args["x-dead-letter-exchange"] = dlx
		args["x-dead-letter-routing-key"] = dlqName
		q.Arguments = args
		out.Queues = append(out.Queues, q)
	}
	return out
}

// IsZero reports whether the topology declares nothing.
func (t Topology) IsZero() bool {
	return len(t.Exchanges) == 0 && len(t.Queues) == 0 && len(t.Bindings) == 0
}

// TopologyManager declares exchanges, queues and bindings on a channel
type TopologyManager struct {
	logger *slog.Logger
}

// NewTopologyManager creates a new topology manager
func NewTopologyManager(logger *slog.Logger) *TopologyManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &TopologyManager{logger: logger}
}

// Declare declares the complete topology: exchanges first, then queues,
// then bindings. Redeclaring identical entities is a no-op on the broker.
// A mismatch with existing broker state returns *TopologyConflictError; the
// broker closes the channel in that case.
func (tm *TopologyManager) Declare(ch Channel, topology Topology) error {
	for _, exchange := range topology.Exchanges {
		err := ch.ExchangeDeclare(
			exchange.Name,
			exchange.Type,
			exchange.Durable,
			exchange.AutoDelete,
			false, // internal
			false, // no-wait
			exchange.Arguments,
		)
		if err != nil {
			return tm.wrap("exchange", exchange.Name, "declare", err)
		}
	}

	for _, queue := range topology.Queues {
		_, err := ch.QueueDeclare(
			queue.Name,
			queue.Durable,
			queue.AutoDelete,
			queue.Exclusive,
			false, // no-wait
			queue.Arguments,
		)
		if err != nil {
			return tm.wrap("queue", queue.Name, "declare", err)
		}
	}

	for _, binding := range topology.Bindings {
		err := ch.QueueBind(
			binding.Queue,
			binding.RoutingKey,
			binding.Exchange,
			false, // no-wait
			binding.Arguments,
		)
		if err != nil {
			return tm.wrap("binding", fmt.Sprintf("%s->%s", binding.Exchange, binding.Queue), "bind", err)
		}
	}

	tm.logger.Debug("topology declared",
		"exchanges", len(topology.Exchanges),
		"queues", len(topology.Queues),
		"bindings", len(topology.Bindings),
	)
	return nil
}

// InspectQueue retrieves queue depth and consumer count without creating it
func (tm *TopologyManager) InspectQueue(ch Channel, name string) (amqp.Queue, error) {
	q, err := ch.QueueDeclarePassive(name, true, false, false, false, nil)
	if err != nil {
		return amqp.Queue{}, &TopologyError{
			Component: "queue",
			Name:      name,
			Op:        "inspect",
			Err:       err,
			Timestamp: time.Now(),
		}
	}
	return q, nil
}

func (tm *TopologyManager) wrap(component, name, op string, err error) error {
	if amqpErr, ok := isPreconditionFailed(err); ok {
		tm.logger.Error("topology conflict",
			"component", component,
			"name", name,
			"reason", amqpErr.Reason,
		)
		return &TopologyConflictError{
			Component: component,
			Name:      name,
			Reason:    amqpErr.Reason,
			Err:       err,
		}
	}
	return &TopologyError{
		Component: component,
		Name:      name,
		Op:        op,
		Err:       err,
		Timestamp: time.Now(),
	}
}
