// Package retry implements the attempt/backoff/cancellation semantics of
// §4.10, built on cenkalti/backoff/v5's exponential backoff calculator for
// the jittered delay sequence.
package retry

import (
	"context"
	"errors"
	"net"
	"time"

	backoff "github.com/cenkalti/backoff/v5"

	"github.com/xec-sh/xec-go/internal/command"
	"github.com/xec-sh/xec-go/internal/result"
)

// DefaultRetryable implements §4.10's default predicate: ConnectionError,
// transient AdapterError, and network-like errors are retryable;
// CommandError (a deliberate non-zero exit) is never retried unless the
// policy's own Retryable predicate explicitly opts in.
func DefaultRetryable(err error) bool {
	var connErr *result.ConnectionError
	if errors.As(err, &connErr) {
		return true
	}
	var adapterErr *result.AdapterError
	if errors.As(err, &adapterErr) {
		return true
	}
	var cmdErr *result.CommandError
	if errors.As(err, &cmdErr) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return false
}

// delaySequence returns a backoff.BackOff configured from policy, using
// cenkalti/backoff's exponential calculator for the multiplier/jitter math
// described in §4.10: min(maxDelay, initial*multiplier^(attempt-1)) * (1±jitter).
func delaySequence(policy *command.RetryPolicy) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = policy.InitialDelay
	if b.InitialInterval <= 0 {
		b.InitialInterval = 200 * time.Millisecond
	}
	b.Multiplier = policy.BackoffMultiplier
	if b.Multiplier <= 1 {
		b.Multiplier = 2
	}
	b.MaxInterval = policy.MaxDelay
	if b.MaxInterval <= 0 {
		b.MaxInterval = 30 * time.Second
	}
	b.RandomizationFactor = policy.Jitter
	b.Reset()
	return b
}

// Attempt runs op up to policy.MaxAttempts times (MaxAttempts=1 is
// equivalent to no retry, §8), sleeping between attempts per the
// exponential+jitter schedule, and stopping early when policy.Retryable
// (or DefaultRetryable) rejects the error. onRetry is invoked once per
// failed attempt (before the delay) so the caller can emit a step:retry
// event.
func Attempt(
	ctx context.Context,
	policy *command.RetryPolicy,
	onRetry func(attempt, maxAttempts int, err error, delay time.Duration),
	op func(ctx context.Context) (*result.Result, error),
) (*result.Result, error) {
	maxAttempts := 1
	if policy != nil && policy.MaxAttempts > 0 {
		maxAttempts = policy.MaxAttempts
	}

	retryable := DefaultRetryable
	if policy != nil && policy.Retryable != nil {
		retryable = policy.Retryable
	}

	var bo *backoff.ExponentialBackOff
	if policy != nil {
		bo = delaySequence(policy)
	}

	var lastRes *result.Result
	var lastErr error
	attempts := 0

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attempts = attempt
		res, err := op(ctx)
		if err == nil {
			return res, nil
		}
		lastRes, lastErr = res, err

		if attempt == maxAttempts || !retryable(err) {
			break
		}

		delay := bo.NextBackOff()
		if onRetry != nil {
			onRetry(attempt, maxAttempts, err, delay)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	return nil, &result.RetryError{Attempts: attempts, LastResult: lastRes, LastErr: lastErr}
}

// JitterBand returns the [lo, hi] delay band the §4.10 formula allows for a
// given base delay and proportional jitter, for tests asserting a computed
// delay falls within spec.
func JitterBand(base time.Duration, jitter float64) (lo, hi time.Duration) {
	lo = time.Duration(float64(base) * (1 - jitter))
	hi = time.Duration(float64(base) * (1 + jitter))
	return
}
