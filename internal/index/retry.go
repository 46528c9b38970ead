package index

import (
	"context"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"reviewsearch/internal/domain"
)

// newRetryPolicy retries partition contention (domain.ErrRetry) with
// exponential backoff. Every other error ends the execution at once.
func newRetryPolicy(maxRetries int, delay, maxDelay time.Duration) retrypolicy.RetryPolicy[any] {
	if delay <= 0 {
		delay = 5 * time.Millisecond
	}
	if maxDelay < delay {
		maxDelay = delay
	}
	return retrypolicy.Builder[any]().
		HandleErrors(domain.ErrRetry).
		WithMaxRetries(maxRetries).
		WithBackoff(delay, maxDelay).
		Build()
}

// withRetry runs fn under the engine retry policy and returns the error of
// the last attempt, so callers can still match domain.ErrRetry once the
// retries are exhausted.
func (e *Engine) withRetry(ctx context.Context, fn func() error) error {
	var last error
	err := failsafe.NewExecutor[any](e.retry).
		WithContext(ctx).
		Run(func() error {
			last = fn()
			return last
		})
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if last != nil {
		return last
	}
	return err
}
