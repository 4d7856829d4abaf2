package crawler

import (
	"context"
	"crypto/rand"
	"errors"
	"math"
	"math/big"
	"time"
)

// RetryPolicy decides whether a failed attempt is retried and how long to wait.
// Attempts are numbered from 1.
type RetryPolicy interface {
	ShouldRetry(err error, attempt int) bool
	Backoff(attempt int) time.Duration
}

// BoundedRetryPolicy allows at most MaxAttempts attempts and waits
// BackoffFn(attempt) between them.
type BoundedRetryPolicy struct {
	MaxAttempts int
	BackoffFn   func(attempt int) time.Duration
}

// NewLinearRetryPolicy builds the fetch policy: maxAttempts attempts in total,
// sleeping delay*attempt after each failure.
func NewLinearRetryPolicy(maxAttempts int, delay time.Duration) BoundedRetryPolicy {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return BoundedRetryPolicy{
		MaxAttempts: maxAttempts,
		BackoffFn: func(attempt int) time.Duration {
			return delay * time.Duration(attempt)
		},
	}
}

// ShouldRetry reports whether another attempt is allowed after attempt failed.
func (p BoundedRetryPolicy) ShouldRetry(err error, attempt int) bool {
	if err == nil || attempt >= p.MaxAttempts {
		return false
	}
	return !errors.Is(err, context.Canceled)
}

// Backoff returns the wait before the attempt following attempt.
func (p BoundedRetryPolicy) Backoff(attempt int) time.Duration {
	if p.BackoffFn == nil {
		return 0
	}
	return p.BackoffFn(attempt)
}

// ExponentialRetryPolicy implements RetryPolicy with jittered backoff. The
// storage engine uses it between endpoint re-selection rounds.
type ExponentialRetryPolicy struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
}

// NewExponentialRetryPolicy builds a policy allowing maxAttempts attempts.
func NewExponentialRetryPolicy(maxAttempts int, baseDelay, maxDelay time.Duration) *ExponentialRetryPolicy {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	if maxDelay < baseDelay {
		maxDelay = baseDelay
	}
	return &ExponentialRetryPolicy{
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		maxDelay:    maxDelay,
	}
}

// ShouldRetry decides whether the error is retryable.
func (p *ExponentialRetryPolicy) ShouldRetry(err error, attempt int) bool {
	if err == nil || attempt >= p.maxAttempts {
		return false
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// Backoff returns the wait duration before the next attempt.
func (p *ExponentialRetryPolicy) Backoff(attempt int) time.Duration {
	delay := float64(p.baseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	jitter := randomJitter(time.Duration(delay) / 2)
	return time.Duration(delay/2) + jitter
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
