package health

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/brokersvc/internal/rabbitmq"
	"github.com/glimte/brokersvc/internal/rabbitmq/rabbitmqtest"
)

func staticChecker(name string, status Status) Checker {
	return NewCheckerFunc(name, func(ctx context.Context) CheckResult {
		return CheckResult{Name: name, Status: status, Timestamp: time.Now()}
	})
}

func TestRegistry(t *testing.T) {
	t.Run("empty registry is healthy", func(t *testing.T) {
		health := NewRegistry().Check(context.Background())
		assert.Equal(t, StatusHealthy, health.Status)
		assert.Empty(t, health.Checks)
	})

	t.Run("overall status is the worst check", func(t *testing.T) {
		tests := []struct {
			name     string
			statuses []Status
			want     Status
		}{
			{"all healthy", []Status{StatusHealthy, StatusHealthy}, StatusHealthy},
			{"one degraded", []Status{StatusHealthy, StatusDegraded}, StatusDegraded},
			{"one unhealthy", []Status{StatusDegraded, StatusUnhealthy, StatusHealthy}, StatusUnhealthy},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				registry := NewRegistry()
				for i, s := range tt.statuses {
					registry.Register(staticChecker(string(rune('a'+i)), s))
				}
				health := registry.Check(context.Background())
				assert.Equal(t, tt.want, health.Status)
				assert.Len(t, health.Checks, len(tt.statuses))
			})
		}
	})

	t.Run("slow checks time out as unhealthy", func(t *testing.T) {
		registry := NewRegistry(
			staticChecker("fast", StatusHealthy),
			NewCheckerFunc("slow", func(ctx context.Context) CheckResult {
				time.Sleep(200 * time.Millisecond)
				return CheckResult{Name: "slow", Status: StatusHealthy}
			}),
		)

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		health := registry.Check(ctx)
		assert.Equal(t, StatusUnhealthy, health.Status)
		assert.Equal(t, StatusUnhealthy, health.Checks["slow"].Status)
		assert.Equal(t, "check timed out", health.Checks["slow"].Message)
	})

	t.Run("per-check timeout bounds a slow check", func(t *testing.T) {
		registry := NewRegistry(
			staticChecker("fast", StatusHealthy),
			NewCheckerFunc("slow", func(ctx context.Context) CheckResult {
				<-ctx.Done()
				return CheckResult{Name: "slow", Status: StatusHealthy}
			}),
		)
		registry.SetCheckTimeout(20 * time.Millisecond)

		start := time.Now()
		health := registry.Check(context.Background())

		assert.Less(t, time.Since(start), time.Second)
		assert.Equal(t, StatusUnhealthy, health.Status)
		assert.Equal(t, StatusHealthy, health.Checks["fast"].Status)
		assert.Equal(t, "check timed out", health.Checks["slow"].Message)
		assert.Equal(t, context.DeadlineExceeded.Error(), health.Checks["slow"].Error)
	})

	t.Run("result without a name is keyed by the checker", func(t *testing.T) {
		registry := NewRegistry(NewCheckerFunc("anonymous", func(ctx context.Context) CheckResult {
			return CheckResult{Status: StatusDegraded}
		}))
		health := registry.Check(context.Background())
		assert.Equal(t, StatusDegraded, health.Checks["anonymous"].Status)
		assert.Equal(t, "anonymous", health.Checks["anonymous"].Name)
	})

	t.Run("Register replaces a check of the same name", func(t *testing.T) {
		registry := NewRegistry(staticChecker("broker", StatusUnhealthy))
		registry.Register(staticChecker("broker", StatusHealthy))

		health := registry.Check(context.Background())
		assert.Equal(t, StatusHealthy, health.Status)
		assert.Len(t, health.Checks, 1)
	})

	t.Run("Unregister removes a check", func(t *testing.T) {
		registry := NewRegistry(staticChecker("broken", StatusUnhealthy))
		registry.Unregister("broken")
		assert.Equal(t, StatusHealthy, registry.Check(context.Background()).Status)
	})
}

func TestStatusWorse(t *testing.T) {
	tests := []struct {
		a, b Status
		want Status
	}{
		{StatusHealthy, StatusHealthy, StatusHealthy},
		{StatusHealthy, StatusDegraded, StatusDegraded},
		{StatusDegraded, StatusHealthy, StatusDegraded},
		{StatusDegraded, StatusUnhealthy, StatusUnhealthy},
		{StatusUnhealthy, StatusDegraded, StatusUnhealthy},
		{StatusHealthy, Status("unknown"), Status("unknown")},
	}

	for _, tt := range tests {
		t.Run(string(tt.a)+"/"+string(tt.b), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.a.Worse(tt.b))
		})
	}
}

func TestHandler(t *testing.T) {
	t.Run("healthy returns 200 with JSON report", func(t *testing.T) {
		handler := NewHandler(NewRegistry(staticChecker("broker", StatusHealthy)), time.Second)

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

		var body OverallHealth
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, StatusHealthy, body.Status)
		assert.Contains(t, body.Checks, "broker")
	})

	t.Run("degraded still returns 200", func(t *testing.T) {
		handler := NewHandler(NewRegistry(staticChecker("broker", StatusDegraded)), time.Second)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("unhealthy returns 503", func(t *testing.T) {
		handler := NewHandler(NewRegistry(staticChecker("broker", StatusUnhealthy)), time.Second)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})

	t.Run("rejects other methods", func(t *testing.T) {
		handler := NewHandler(NewRegistry(), time.Second)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/healthz", nil))
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
		assert.Equal(t, http.MethodGet, rec.Header().Get("Allow"))
	})

	t.Run("mux serves liveness", func(t *testing.T) {
		srv := httptest.NewServer(NewServeMux(NewRegistry(), time.Second))
		defer srv.Close()

		resp, err := http.Get(srv.URL + "/livez")
		require.NoError(t, err)
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)

		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "alive", string(body))
	})
}

func TestBrokerChecker(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	newManager := func(b *rabbitmqtest.Broker) *rabbitmq.ConnectionManager {
		return rabbitmq.NewConnectionManager("amqp://localhost",
			rabbitmq.WithDialer(b.Dial),
			rabbitmq.WithLogger(logger),
			rabbitmq.WithTopology(rabbitmq.ServiceTopology("", "", "cats_queue")),
		)
	}
	ctx := context.Background()

	t.Run("disconnected is unhealthy and does not dial", func(t *testing.T) {
		b := rabbitmqtest.NewBroker()
		checker := NewBrokerChecker(newManager(b), "cats_queue", WithCheckerLogger(logger))

		result := checker.Check(ctx)
		assert.Equal(t, "broker", result.Name)
		assert.Equal(t, StatusUnhealthy, result.Status)
		assert.Equal(t, false, result.Details["connected"])
		assert.Equal(t, 0, b.Dials())
	})

	t.Run("connected reports queue depth", func(t *testing.T) {
		b := rabbitmqtest.NewBroker()
		manager := newManager(b)
		require.NoError(t, manager.Connect(ctx))
		defer manager.Disconnect()

		err := manager.Execute(ctx, func(ch rabbitmq.Channel) error {
			_, err := ch.PublishWithDeferredConfirmWithContext(ctx, "", "cats_queue", false, false, amqp.Publishing{Body: []byte(`{}`)})
			return err
		})
		require.NoError(t, err)

		result := NewBrokerChecker(manager, "cats_queue").Check(ctx)
		assert.Equal(t, StatusHealthy, result.Status)
		assert.Equal(t, 1, result.Details["message_count"])
		assert.Equal(t, 0, result.Details["consumer_count"])
	})

	t.Run("deep queue is degraded", func(t *testing.T) {
		b := rabbitmqtest.NewBroker()
		manager := newManager(b)
		require.NoError(t, manager.Connect(ctx))
		defer manager.Disconnect()

		for i := 0; i < 3; i++ {
			require.NoError(t, manager.Execute(ctx, func(ch rabbitmq.Channel) error {
				_, err := ch.PublishWithDeferredConfirmWithContext(ctx, "", "cats_queue", false, false, amqp.Publishing{Body: []byte(`{}`)})
				return err
			}))
		}

		result := NewBrokerChecker(manager, "cats_queue", WithDepthWarning(2)).Check(ctx)
		assert.Equal(t, StatusDegraded, result.Status)
	})

	t.Run("missing queue is unhealthy", func(t *testing.T) {
		b := rabbitmqtest.NewBroker()
		manager := newManager(b)
		require.NoError(t, manager.Connect(ctx))
		defer manager.Disconnect()

		result := NewBrokerChecker(manager, "missing", WithCheckerLogger(logger)).Check(ctx)
		assert.Equal(t, StatusUnhealthy, result.Status)
		assert.NotEmpty(t, result.Error)
	})

	t.Run("failed check leaves consumers running", func(t *testing.T) {
		b := rabbitmqtest.NewBroker()
		manager := newManager(b)
		defer manager.Disconnect()

		consumer := rabbitmq.NewConsumer(manager, rabbitmq.WithConsumerLogger(logger))
		defer consumer.CancelAll()
		handled := make(chan struct{}, 1)
		require.NoError(t, consumer.Consume(ctx, "cats_queue", func(ctx context.Context, body any, d amqp.Delivery) error {
			handled <- struct{}{}
			return nil
		}, false))
		require.True(t, manager.IsConnected())

		result := NewBrokerChecker(manager, "dead_letters", WithCheckerLogger(logger)).Check(ctx)
		assert.Equal(t, StatusUnhealthy, result.Status)

		assert.True(t, manager.IsConnected())
		assert.Equal(t, []string{"cats_queue"}, consumer.ActiveConsumers())
		assert.Equal(t, 1, b.Consumers("cats_queue"))
		assert.Equal(t, StatusHealthy, NewBrokerChecker(manager, "cats_queue").Check(ctx).Status)

		b.Enqueue("cats_queue", amqp.Publishing{ContentType: "application/json", Body: []byte(`{}`)})
		select {
		case <-handled:
		case <-time.After(time.Second):
			t.Fatal("consumer stopped after the failed check")
		}
		assert.Equal(t, 1, b.Dials())
	})

	t.Run("connection loss turns unhealthy", func(t *testing.T) {
		b := rabbitmqtest.NewBroker()
		manager := newManager(b)
		require.NoError(t, manager.Connect(ctx))
		defer manager.Disconnect()

		checker := NewBrokerChecker(manager, "")
		assert.Equal(t, StatusHealthy, checker.Check(ctx).Status)

		b.DropConnections()
		assert.Equal(t, StatusUnhealthy, checker.Check(ctx).Status)
	})
}

func TestRuntimeChecker(t *testing.T) {
	assert.Equal(t, StatusHealthy, NewRuntimeChecker(0, 0).Check(context.Background()).Status)
	assert.Equal(t, StatusUnhealthy, NewRuntimeChecker(0, 1).Check(context.Background()).Status)
	assert.Equal(t, StatusDegraded, NewRuntimeChecker(1, 0).Check(context.Background()).Status)

	result := NewRuntimeChecker(500, 1000).Check(context.Background())
	assert.Equal(t, "runtime", result.Name)
	assert.Contains(t, result.Details, "goroutines")
}
