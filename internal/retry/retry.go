// Package retry wraps a single step-attempt producer in a configurable
// retry policy: fixed or exponential backoff, a bounded
// attempt count, uniform retry-every-failure semantics. It does not
// interpret error kinds — classifying transient vs. permanent failures is
// the backend's concern.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/forgepipe/orchestrator/internal/job"
)

// OnRetry is called after each failed attempt that will be retried, before
// the backoff wait, with the 1-indexed attempt number and the error that
// attempt returned. It is not called after the final attempt. A nil
// OnRetry is allowed; the pipeline's callers pass nil.
type OnRetry func(attempt int, err error)

// Do runs produce, retrying on failure according to policy. A nil policy
// or Attempts <= 1 disables retry entirely: the first error propagates
// unchanged, matching the "no retry, no wait" rule for Attempts<=1. The last
// error is preserved across attempts and surfaced on exhaustion.
func Do(ctx context.Context, policy *job.RetryPolicy, onRetry OnRetry, produce func() (any, error)) (any, error) {
	if policy == nil || policy.Attempts <= 1 {
		return produce()
	}

	var result any
	attempt := 0
	operation := func() error {
		attempt++
		res, err := produce()
		if err != nil {
			return err
		}
		result = res
		return nil
	}

	bo := backoff.WithContext(&policyBackOff{policy: policy}, ctx)
	notify := func(err error, _ time.Duration) {
		if onRetry != nil {
			onRetry(attempt, err)
		}
	}

	if err := backoff.RetryNotify(operation, bo, notify); err != nil {
		return nil, err
	}
	return result, nil
}

// policyBackOff implements backoff.BackOff directly from a job.RetryPolicy
// so the wait schedule matches RetryPolicy's fixed/exponential formula exactly:
// delay for fixed, delay·2^(k-1) for exponential (k is the 1-indexed
// attempt that just failed). It stops once Attempts have been consumed.
type policyBackOff struct {
	policy  *job.RetryPolicy
	attempt int
}

func (p *policyBackOff) Reset() { p.attempt = 0 }

func (p *policyBackOff) NextBackOff() time.Duration {
	p.attempt++
	if p.attempt >= p.policy.Attempts {
		return backoff.Stop
	}

	delay := time.Duration(p.policy.Delay) * time.Millisecond
	if p.policy.Backoff == "exponential" {
		return delay * time.Duration(int64(1)<<uint(p.attempt-1))
	}
	return delay
}
