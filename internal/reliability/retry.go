package reliability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"
)

// ErrMaxRetriesExceeded is wrapped together with the last attempt's error
// when a policy gives up.
var ErrMaxRetriesExceeded = errors.New("retry: maximum attempts exceeded")

// RetryPolicy decides whether a failed attempt is retried and after how long
type RetryPolicy interface {
	// ShouldRetry is called with the zero-based number of the failed attempt
	ShouldRetry(attempt int, err error) (bool, time.Duration)
	MaxRetries() int
}

// ExponentialBackoff grows the delay by Multiplier after every attempt, up
// to MaxInterval, with optional ±15% jitter.
type ExponentialBackoff struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	MaxAttempts     int
	Jitter          bool
}

// NewExponentialBackoff creates a new exponential backoff policy
func NewExponentialBackoff(initial, max time.Duration, multiplier float64, maxRetries int) *ExponentialBackoff {
	return &ExponentialBackoff{
		InitialInterval: initial,
		MaxInterval:     max,
		Multiplier:      multiplier,
		MaxAttempts:     maxRetries,
		Jitter:          true,
	}
}

// DefaultReconnectPolicy is used for broker reconnects: 500ms doubling up to
// 30s, ten attempts.
func DefaultReconnectPolicy() *ExponentialBackoff {
	return NewExponentialBackoff(500*time.Millisecond, 30*time.Second, 2.0, 10)
}

// ShouldRetry implements RetryPolicy
func (e *ExponentialBackoff) ShouldRetry(attempt int, err error) (bool, time.Duration) {
	if attempt >= e.MaxAttempts || !IsRetryable(err) {
		return false, 0
	}
	return true, e.NextDelay(attempt)
}

// MaxRetries implements RetryPolicy
func (e *ExponentialBackoff) MaxRetries() int {
	return e.MaxAttempts
}

// NextDelay returns the delay before the retry that follows attempt
func (e *ExponentialBackoff) NextDelay(attempt int) time.Duration {
	delay := float64(e.InitialInterval) * math.Pow(e.Multiplier, float64(attempt))
	if delay > float64(e.MaxInterval) {
		delay = float64(e.MaxInterval)
	}

	if e.Jitter {
		delay = delay * (0.85 + rand.Float64()*0.3)
	}

	return time.Duration(delay)
}

// FixedDelay retries after the same delay every time
type FixedDelay struct {
	Delay       time.Duration
	MaxAttempts int
}

// NewFixedDelay creates a new fixed delay policy
func NewFixedDelay(delay time.Duration, maxRetries int) *FixedDelay {
	return &FixedDelay{
		Delay:       delay,
		MaxAttempts: maxRetries,
	}
}

// ShouldRetry implements RetryPolicy
func (f *FixedDelay) ShouldRetry(attempt int, err error) (bool, time.Duration) {
	if attempt >= f.MaxAttempts || !IsRetryable(err) {
		return false, 0
	}
	return true, f.Delay
}

// MaxRetries implements RetryPolicy
func (f *FixedDelay) MaxRetries() int {
	return f.MaxAttempts
}

type retryConfig struct {
	logger  *slog.Logger
	op      string
	onRetry func(attempt int, err error, delay time.Duration)
}

// RetryOption configures a Retry call
type RetryOption func(*retryConfig)

// WithRetryLogger logs every failed attempt at warn level
func WithRetryLogger(logger *slog.Logger) RetryOption {
	return func(c *retryConfig) {
		c.logger = logger
	}
}

// WithOperation names the operation in log records
func WithOperation(op string) RetryOption {
	return func(c *retryConfig) {
		c.op = op
	}
}

// WithOnRetry is called before each wait
func WithOnRetry(fn func(attempt int, err error, delay time.Duration)) RetryOption {
	return func(c *retryConfig) {
		c.onRetry = fn
	}
}

// Retry runs fn until it succeeds, the policy gives up or ctx is done.
// A non-retryable error is returned unchanged. When attempts run out the
// result wraps both ErrMaxRetriesExceeded and the last error.
func Retry(ctx context.Context, policy RetryPolicy, fn func(context.Context) error, opts ...RetryOption) error {
	cfg := retryConfig{op: "operation"}
	for _, opt := range opts {
		opt(&cfg)
	}

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(ctx)
		if err == nil {
			if attempt > 0 && cfg.logger != nil {
				cfg.logger.Info("retry succeeded", "op", cfg.op, "attempts", attempt+1)
			}
			return nil
		}

		if !IsRetryable(err) {
			return err
		}

		shouldRetry, delay := policy.ShouldRetry(attempt, err)
		if !shouldRetry {
			return fmt.Errorf("%w: %s failed %d times: %w", ErrMaxRetriesExceeded, cfg.op, attempt+1, err)
		}

		if cfg.logger != nil {
			cfg.logger.Warn("attempt failed, retrying",
				"op", cfg.op,
				"attempt", attempt+1,
				"delay", delay,
				"error", err,
			)
		}
		if cfg.onRetry != nil {
			cfg.onRetry(attempt, err, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// IsRetryable reports whether err may be retried. Errors anywhere in the
// chain that implement IsRetryable() decide; anything else is retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var r interface{ IsRetryable() bool }
	if errors.As(err, &r) {
		return r.IsRetryable()
	}
	return true
}

// Permanent marks err as not retryable. Retry returns it after the first
// attempt; errors.Is and errors.As still see the wrapped error.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

type permanentError struct {
	err error
}

func (p permanentError) Error() string     { return p.err.Error() }
func (p permanentError) Unwrap() error     { return p.err }
func (p permanentError) IsRetryable() bool { return false }
