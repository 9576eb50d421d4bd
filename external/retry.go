package external

import (
	"context"
	"time"

	"github.com/stripe/stripe-go/v72"
	"go.uber.org/zap"
)

// retryPolicy bounds every outbound processor call: a per-attempt timeout and
// a capped exponential backoff between attempts. One policy applies uniformly
// to every call site instead of being duplicated inline.
type retryPolicy struct {
	Attempts       int
	AttemptTimeout time.Duration
	BaseDelay      time.Duration
	MaxDelay       time.Duration
}

func defaultRetryPolicy() retryPolicy {
	return retryPolicy{
		Attempts:       3,
		AttemptTimeout: 5 * time.Second,
		BaseDelay:      250 * time.Millisecond,
		MaxDelay:       2 * time.Second,
	}
}

// isTransient reports whether retrying could help. Processor-side 5xx and
// rate limits are transient; 4xx responses will fail the same way again.
func isTransient(err error) bool {
	if stripeErr, ok := err.(*stripe.Error); ok {
		return stripeErr.HTTPStatusCode >= 500 || stripeErr.HTTPStatusCode == 429
	}
	// Network-level failures and timeouts have no status code
	return true
}

// withRetry runs fn under the policy. Context cancellation aborts between
// attempts; each attempt gets its own deadline.
func withRetry(ctx context.Context, logger *zap.Logger, policy retryPolicy, op string, fn func(ctx context.Context) error) error {
	var lastErr error
	delay := policy.BaseDelay
	for attempt := 0; attempt < policy.Attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
			if delay > policy.MaxDelay {
				delay = policy.MaxDelay
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, policy.AttemptTimeout)
		err := fn(attemptCtx)
		cancel()

		if err == nil {
			return nil
		}
		lastErr = err
		if !isTransient(err) {
			return err
		}
		logger.Warn("Transient processor failure, will retry",
			zap.String("Operation", op),
			zap.Int("Attempt", attempt+1),
			zap.Error(err),
		)
	}
	return lastErr
}
