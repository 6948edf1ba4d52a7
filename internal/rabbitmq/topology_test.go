package rabbitmq_test

import (
	"context"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/brokersvc/internal/rabbitmq"
	"github.com/glimte/brokersvc/internal/rabbitmq/rabbitmqtest"
	"github.com/glimte/brokersvc/internal/reliability"
)

func TestServiceTopology(t *testing.T) {
	t.Run("default exchange declares only the queue", func(t *testing.T) {
		topology := rabbitmq.ServiceTopology("", "", "cats_queue")

		assert.Empty(t, topology.Exchanges)
		assert.Empty(t, topology.Bindings)
		require.Len(t, topology.Queues, 1)
		assert.Equal(t, "cats_queue", topology.Queues[0].Name)
		assert.True(t, topology.Queues[0].Durable)
		assert.False(t, topology.Queues[0].AutoDelete)
	})

	t.Run("named exchange is declared durable and bound by queue name", func(t *testing.T) {
		topology := rabbitmq.ServiceTopology("events", "", "cats_queue")

		require.Len(t, topology.Exchanges, 1)
		assert.Equal(t, rabbitmq.ExchangeDeclaration{Name: "events", Type: amqp.ExchangeDirect, Durable: true}, topology.Exchanges[0])
		require.Len(t, topology.Bindings, 1)
		assert.Equal(t, rabbitmq.Binding{Queue: "cats_queue", Exchange: "events", RoutingKey: "cats_queue"}, topology.Bindings[0])
	})

	t.Run("exchange type is honoured", func(t *testing.T) {
		topology := rabbitmq.ServiceTopology("events", amqp.ExchangeFanout, "cats_queue")
		assert.Equal(t, amqp.ExchangeFanout, topology.Exchanges[0].Type)
	})

	t.Run("IsZero", func(t *testing.T) {
		assert.True(t, rabbitmq.Topology{}.IsZero())
		assert.False(t, rabbitmq.ServiceTopology("", "", "q").IsZero())
	})
}

func TestTopologyWithDeadLetter(t *testing.T) {
	base := rabbitmq.ServiceTopology("events", "", "cats_queue")
	topology := base.WithDeadLetter("cats.dlx", "cats_queue.dlq")

	require.Len(t, topology.Exchanges, 2)
	assert.Equal(t, "cats.dlx", topology.Exchanges[0].Name)
	assert.True(t, topology.Exchanges[0].Durable)

	require.Len(t, topology.Queues, 2)
	assert.Equal(t, "cats_queue.dlq", topology.Queues[0].Name)
	assert.Empty(t, topology.Queues[0].Arguments)

	mainQueue := topology.Queues[1]
	assert.Equal(t, "cats.dlx", mainQueue.Arguments["x-dead-letter-exchange"])
	assert.Equal(t, "cats_queue.dlq", mainQueue.Arguments["x-dead-letter-routing-key"])

	assert.Len(t, topology.Bindings, 2)
	assert.Nil(t, base.Queues[0].Arguments, "original topology is not modified")
}

func TestTopologyManagerDeclare(t *testing.T) {
	tm := rabbitmq.NewTopologyManager(testLogger())

	t.Run("declares exchanges queues and bindings", func(t *testing.T) {
		b := rabbitmqtest.NewBroker()
		ch := mustChannel(t, b)

		err := tm.Declare(ch, rabbitmq.ServiceTopology("events", "", "cats_queue"))
		require.NoError(t, err)

		assert.True(t, b.HasExchange("events"))
		_, ok := b.Queue("cats_queue")
		assert.True(t, ok)
		assert.Equal(t, 1, b.Bindings())
	})

	t.Run("redeclaring identical topology is a no-op", func(t *testing.T) {
		b := rabbitmqtest.NewBroker()
		ch := mustChannel(t, b)
		topology := rabbitmq.ServiceTopology("events", "", "cats_queue").WithDeadLetter("dlx", "dlq")

		require.NoError(t, tm.Declare(ch, topology))
		require.NoError(t, tm.Declare(ch, topology))
		assert.Equal(t, 2, b.Bindings())
	})

	t.Run("durability mismatch is a fatal conflict", func(t *testing.T) {
		b := rabbitmqtest.NewBroker()
		ch := mustChannel(t, b)
		_, err := ch.QueueDeclare("cats_queue", false, true, false, false, nil)
		require.NoError(t, err)

		err = tm.Declare(ch, rabbitmq.ServiceTopology("", "", "cats_queue"))

		var conflict *rabbitmq.TopologyConflictError
		require.ErrorAs(t, err, &conflict)
		assert.Equal(t, "queue", conflict.Component)
		assert.Equal(t, "cats_queue", conflict.Name)
		assert.Contains(t, conflict.Reason, "PRECONDITION_FAILED")
		assert.False(t, reliability.IsRetryable(err))
		assert.True(t, ch.IsClosed(), "broker closes the channel on a conflict")
	})

	t.Run("exchange type mismatch is a conflict", func(t *testing.T) {
		b := rabbitmqtest.NewBroker()
		ch := mustChannel(t, b)
		require.NoError(t, ch.ExchangeDeclare("events", amqp.ExchangeFanout, true, false, false, false, nil))

		err := tm.Declare(ch, rabbitmq.ServiceTopology("events", amqp.ExchangeDirect, "cats_queue"))

		var conflict *rabbitmq.TopologyConflictError
		require.ErrorAs(t, err, &conflict)
		assert.Equal(t, "exchange", conflict.Component)
	})

	t.Run("other failures are TopologyError", func(t *testing.T) {
		b := rabbitmqtest.NewBroker()
		ch := mustChannel(t, b)
		require.NoError(t, ch.Close())

		err := tm.Declare(ch, rabbitmq.ServiceTopology("", "", "cats_queue"))

		var topoErr *rabbitmq.TopologyError
		require.ErrorAs(t, err, &topoErr)
		assert.Equal(t, "declare", topoErr.Op)
		assert.ErrorIs(t, err, amqp.ErrClosed)
		assert.True(t, reliability.IsRetryable(err))
	})
}

func TestTopologyManagerInspectQueue(t *testing.T) {
	tm := rabbitmq.NewTopologyManager(nil)
	b := rabbitmqtest.NewBroker()
	ch := mustChannel(t, b)
	require.NoError(t, tm.Declare(ch, rabbitmq.ServiceTopology("", "", "cats_queue")))

	_, err := ch.PublishWithDeferredConfirmWithContext(context.Background(), "", "cats_queue", false, false, amqp.Publishing{Body: []byte("{}")})
	require.NoError(t, err)

	q, err := tm.InspectQueue(ch, "cats_queue")
	require.NoError(t, err)
	assert.Equal(t, 1, q.Messages)
	assert.Equal(t, 0, q.Consumers)

	_, err = tm.InspectQueue(ch, "missing")
	var topoErr *rabbitmq.TopologyError
	require.ErrorAs(t, err, &topoErr)
	assert.Equal(t, "inspect", topoErr.Op)
}
