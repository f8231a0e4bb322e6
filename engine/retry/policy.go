package retry

import (
	"context"
	"errors"
	"time"

	"github.com/sethvargo/go-retry"
)

const (
	// DefaultBaseDelay is the unit delay of the exponential backoff formula.
	DefaultBaseDelay = time.Second
	// DefaultMaxDelay caps the computed backoff delay.
	DefaultMaxDelay = 30 * time.Second
	// DefaultJitterFraction bounds the jitter applied by in-process
	// schedules. Readiness evaluation stays deterministic; jitter only
	// spreads active waits to avoid a thundering herd.
	DefaultJitterFraction = 0.2
)

// Policy computes retry eligibility and backoff timing for failed steps.
type Policy struct {
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	JitterFraction float64
}

// DefaultPolicy returns the standard capped exponential policy.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:      DefaultBaseDelay,
		MaxDelay:       DefaultMaxDelay,
		JitterFraction: DefaultJitterFraction,
	}
}

// EligibilityInput carries the step fields the policy decides on.
type EligibilityInput struct {
	Attempts              int
	RetryLimit            int
	Retryable             bool
	LastFailureAt         *time.Time
	BackoffRequestSeconds *int
	LastAttemptedAt       *time.Time
}

// Decision is the outcome of an eligibility check. Terminal means no future
// attempt can ever become eligible; NextRetryAt is zero when the step is
// eligible immediately or terminally blocked.
type Decision struct {
	Eligible    bool
	Terminal    bool
	NextRetryAt time.Time
}

// Backoff returns the default delay after the given number of attempts:
// 2^attempts units of BaseDelay, capped at MaxDelay.
func (p Policy) Backoff(attempts int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = DefaultBaseDelay
	}
	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = DefaultMaxDelay
	}
	if attempts < 0 {
		attempts = 0
	}
	// Guard the shift: past 62 bits the duration overflows long before the
	// cap applies.
	if attempts > 62 {
		return maxDelay
	}
	delay := base << uint(attempts)
	if delay <= 0 || delay > maxDelay {
		return maxDelay
	}
	return delay
}

// Eligible applies the retry rules in order:
//  1. attempts at or past the limit: terminal.
//  2. a failed non-retryable step: terminal.
//  3. no prior failure: eligible immediately.
//  4. explicit backoff hint with a known last attempt: eligible once
//     last_attempted_at + hint has passed. The hint takes precedence over
//     the default formula.
//  5. default capped exponential backoff from the last failure time.
func (p Policy) Eligible(in EligibilityInput, now time.Time) Decision {
	if in.Attempts >= in.RetryLimit {
		return Decision{Terminal: true}
	}
	if in.Attempts > 0 && !in.Retryable {
		return Decision{Terminal: true}
	}
	if in.LastFailureAt == nil {
		return Decision{Eligible: true}
	}
	if in.BackoffRequestSeconds != nil && in.LastAttemptedAt != nil {
		next := in.LastAttemptedAt.Add(time.Duration(*in.BackoffRequestSeconds) * time.Second)
		return Decision{
			Eligible:    !now.Before(next),
			NextRetryAt: next,
		}
	}
	next := in.LastFailureAt.Add(p.Backoff(in.Attempts))
	return Decision{
		Eligible:    !now.Before(next),
		NextRetryAt: next,
	}
}

var errNotDue = errors.New("retry window has not elapsed")

// Wait blocks until the given time has passed, pacing wake-ups through
// Schedule. It returns immediately when the time is already past and returns
// the context error when cancelled first.
func (p Policy) Wait(ctx context.Context, until time.Time) error {
	remaining := time.Until(until)
	if remaining <= 0 {
		return nil
	}
	return retry.Do(ctx, p.Schedule(&remaining), func(context.Context) error {
		if time.Now().Before(until) {
			return retry.RetryableError(errNotDue)
		}
		return nil
	})
}

// Schedule builds a backoff schedule for in-process waits: capped exponential
// with jitter. An explicit Retry-After style hint is honored verbatim as a
// constant schedule with no jitter.
func (p Policy) Schedule(hint *time.Duration) retry.Backoff {
	if hint != nil {
		return retry.NewConstant(*hint)
	}
	base := p.BaseDelay
	if base <= 0 {
		base = DefaultBaseDelay
	}
	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = DefaultMaxDelay
	}
	backoff := retry.NewExponential(base)
	backoff = retry.WithCappedDuration(maxDelay, backoff)
	if p.JitterFraction > 0 {
		backoff = retry.WithJitterPercent(uint64(p.JitterFraction*100), backoff)
	}
	return backoff
}
