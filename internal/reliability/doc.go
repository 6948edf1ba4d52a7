// Package reliability provides retry policies used around broker connects.
//
// Errors decide their own retryability through an IsRetryable() bool method
// anywhere in their chain; topology conflicts report false and stop a retry
// loop immediately.
//
// Example usage:
//
//	err := reliability.Retry(ctx, reliability.DefaultReconnectPolicy(),
//	    func(ctx context.Context) error {
//	        return manager.Connect(ctx)
//	    },
//	    reliability.WithRetryLogger(logger),
//	    reliability.WithOperation("connect"),
//	)
package reliability
