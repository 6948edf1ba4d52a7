package rabbitmq

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/glimte/brokersvc"

// Metrics holds OpenTelemetry instruments for the broker client.
// A nil *Metrics records nothing.
type Metrics struct {
	connects        metric.Int64Counter
	connectFailures metric.Int64Counter
	disconnects     metric.Int64Counter
	published       metric.Int64Counter
	publishFailures metric.Int64Counter
	acks            metric.Int64Counter
	nacks           metric.Int64Counter
	handlerErrors   metric.Int64Counter
}

// NewMetrics creates the instruments on the given provider, or on the
// global provider when mp is nil.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(meterName)

	m := &Metrics{}
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.connects, "broker.client.connects", "Successful broker connects"},
		{&m.connectFailures, "broker.client.connect_failures", "Failed broker connects"},
		{&m.disconnects, "broker.client.disconnects", "Explicit or detected disconnects"},
		{&m.published, "broker.client.published", "Messages accepted by the broker"},
		{&m.publishFailures, "broker.client.publish_failures", "Publish attempts reported as failed"},
		{&m.acks, "broker.client.acks", "Deliveries positively acknowledged"},
		{&m.nacks, "broker.client.nacks", "Deliveries negatively acknowledged"},
		{&m.handlerErrors, "broker.client.handler_errors", "Handler or decode failures"},
	}

	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
		*c.dst = counter
	}

	return m, nil
}

func (m *Metrics) add(c metric.Int64Counter, attrs ...attribute.KeyValue) {
	if m == nil || c == nil {
		return
	}
	c.Add(context.Background(), 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) connected() {
	if m != nil {
		m.add(m.connects)
	}
}

func (m *Metrics) connectFailed() {
	if m != nil {
		m.add(m.connectFailures)
	}
}

func (m *Metrics) disconnected(reason string) {
	if m != nil {
		m.add(m.disconnects, attribute.String("reason", reason))
	}
}

func (m *Metrics) publishResult(routingKey string, ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.add(m.published, attribute.String("routing_key", routingKey))
		return
	}
	m.add(m.publishFailures, attribute.String("routing_key", routingKey))
}

func (m *Metrics) settled(queue string, ack bool) {
	if m == nil {
		return
	}
	if ack {
		m.add(m.acks, attribute.String("queue", queue))
		return
	}
	m.add(m.nacks, attribute.String("queue", queue))
}

func (m *Metrics) handlerFailed(queue string) {
	if m != nil {
		m.add(m.handlerErrors, attribute.String("queue", queue))
	}
}
