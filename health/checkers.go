package health

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/glimte/brokersvc/internal/rabbitmq"
)

// BrokerChecker reports the state of the broker session and, when a queue
// is configured, its depth. It never reconnects.
type BrokerChecker struct {
	manager      *rabbitmq.ConnectionManager
	queue        string
	depthWarning int
	logger       *slog.Logger
}

// BrokerCheckerOption configures a BrokerChecker
type BrokerCheckerOption func(*BrokerChecker)

// WithDepthWarning reports degraded once the queue holds more than n messages
func WithDepthWarning(n int) BrokerCheckerOption {
	return func(c *BrokerChecker) {
		c.depthWarning = n
	}
}

// WithCheckerLogger sets the logger
func WithCheckerLogger(logger *slog.Logger) BrokerCheckerOption {
	return func(c *BrokerChecker) {
		c.logger = logger
	}
}

// NewBrokerChecker creates a broker health checker
func NewBrokerChecker(manager *rabbitmq.ConnectionManager, queue string, opts ...BrokerCheckerOption) *BrokerChecker {
	c := &BrokerChecker{
		manager:      manager,
		queue:        queue,
		depthWarning: 10000,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *BrokerChecker) Name() string {
	return "broker"
}

func (c *BrokerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	connected := c.manager.IsConnected()
	result.Details["connected"] = connected
	if !connected {
		result.Status = StatusUnhealthy
		result.Message = "not connected to broker"
		result.Duration = time.Since(start)
		return result
	}

	if c.queue == "" {
		result.Status = StatusHealthy
		result.Message = "connected"
		result.Duration = time.Since(start)
		return result
	}

	queue, err := c.manager.InspectQueue(c.queue)
	result.Duration = time.Since(start)
	if err != nil {
		c.logger.Warn("queue inspection failed", "queue", c.queue, "error", err)
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("queue %s not accessible", c.queue)
		result.Error = err.Error()
		return result
	}

	result.Details["queue"] = queue.Name
	result.Details["message_count"] = queue.Messages
	result.Details["consumer_count"] = queue.Consumers
	result.Details["response_time_ms"] = result.Duration.Milliseconds()

	if c.depthWarning > 0 && queue.Messages > c.depthWarning {
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("queue %s has high message count", c.queue)
		return result
	}

	result.Status = StatusHealthy
	result.Message = "connected"
	return result
}

// RuntimeChecker watches the goroutine count of the process
type RuntimeChecker struct {
	warning  int
	critical int
}

// NewRuntimeChecker creates a runtime checker with goroutine thresholds
func NewRuntimeChecker(warning, critical int) *RuntimeChecker {
	return &RuntimeChecker{
		warning:  warning,
		critical: critical,
	}
}

func (c *RuntimeChecker) Name() string {
	return "runtime"
}

func (c *RuntimeChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	goroutines := runtime.NumGoroutine()

	result.Details["memory_used_mb"] = float64(m.Sys) / 1024 / 1024
	result.Details["gc_runs"] = m.NumGC
	result.Details["goroutines"] = goroutines

	switch {
	case c.critical > 0 && goroutines > c.critical:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("too many goroutines: %d", goroutines)
	case c.warning > 0 && goroutines > c.warning:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("high goroutine count: %d", goroutines)
	default:
		result.Status = StatusHealthy
		result.Message = "runtime is normal"
	}

	result.Duration = time.Since(start)
	return result
}
