package llm

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/lucasnoah/bugfactory/internal/prompt"
)

// RetryPolicy configures WithRetry.
type RetryPolicy struct {
	MaxTries        int           // total attempts including the first; <= 1 disables retries
	InitialInterval time.Duration // first backoff delay
	MaxInterval     time.Duration // cap on a single delay
	Logger          *zap.Logger
}

// DefaultRetryPolicy makes a single attempt.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxTries:        1,
		InitialInterval: 2 * time.Second,
		MaxInterval:     30 * time.Second,
	}
}

type retryClient struct {
	next   Client
	policy RetryPolicy
}

// WithRetry wraps a client so that temporary provider errors (rate limits,
// 5xx, network) are retried with exponential backoff. Permanent errors and
// context cancellation return immediately. A policy with MaxTries <= 1
// returns next unchanged.
func WithRetry(next Client, policy RetryPolicy) Client {
	if policy.MaxTries <= 1 {
		return next
	}
	if policy.InitialInterval <= 0 {
		policy.InitialInterval = DefaultRetryPolicy().InitialInterval
	}
	if policy.MaxInterval <= 0 {
		policy.MaxInterval = DefaultRetryPolicy().MaxInterval
	}
	if policy.Logger == nil {
		policy.Logger = zap.NewNop()
	}
	return &retryClient{next: next, policy: policy}
}

func (r *retryClient) Complete(ctx context.Context, msgs []prompt.Message) (string, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.policy.InitialInterval
	b.MaxInterval = r.policy.MaxInterval

	attempt := 0
	op := func() (string, error) {
		attempt++
		out, err := r.next.Complete(ctx, msgs)
		if err == nil {
			return out, nil
		}
		if !retryable(err) {
			return "", backoff.Permanent(err)
		}
		return "", err
	}

	out, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(r.policy.MaxTries)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, d time.Duration) {
			r.policy.Logger.Info("retrying llm call",
				zap.Int("attempt", attempt),
				zap.Int("max_tries", r.policy.MaxTries),
				zap.Duration("delay", d),
				zap.Error(err))
		}),
	)
	if err != nil {
		return "", err
	}
	return out, nil
}

func retryable(err error) bool {
	var perr *ProviderError
	if errors.As(err, &perr) {
		return perr.Temporary()
	}
	return false
}
