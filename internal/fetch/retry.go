package fetch

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"fleetlink.org/internal/api"
)

const (
	retryInitialInterval = 500 * time.Millisecond
	retryMaxInterval     = 5 * time.Second
)

// DefaultPolicy is a capped doubling backoff bounded to maxRetries attempts
// beyond the first.
func DefaultPolicy(maxRetries uint64) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = retryInitialInterval
	b.MaxInterval = retryMaxInterval
	b.Multiplier = 2
	return backoff.WithMaxRetries(b, maxRetries)
}

// WithRetry runs fn with the default policy, retrying up to maxRetries times.
func WithRetry(ctx context.Context, maxRetries uint64, fn FetchFunc) (any, error) {
	return Retry(ctx, DefaultPolicy(maxRetries), fn)
}

// Retry runs fn under the given backoff policy. Only transient failures are
// retried; authentication and validation failures surface immediately. After
// the attempts are exhausted the last error is returned.
func Retry(ctx context.Context, policy backoff.BackOff, fn FetchFunc) (any, error) {
	op := func() (any, error) {
		v, err := fn(ctx)
		if err != nil && !transient(err) {
			return nil, backoff.Permanent(err)
		}
		return v, err
	}
	return backoff.RetryWithData(op, backoff.WithContext(policy, ctx))
}

// transient reports whether the failure is worth another attempt: timeouts,
// transport failures and 5xx upstream answers.
func transient(err error) bool {
	switch api.KindOf(err) {
	case api.KindTimeout, api.KindNetwork:
		return true
	case api.KindUpstream:
		return api.StatusOf(err) >= 500
	default:
		return false
	}
}
