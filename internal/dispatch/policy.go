package dispatch

import (
	"context"
	"time"
)

// Policy is the retry policy applied to retryable transport failures.
type Policy struct {
	// MaxAttempts is the total number of transport attempts, first included.
	MaxAttempts int

	// BackoffBase is the delay after the first failed attempt. It doubles
	// after each further failure, up to BackoffCap.
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

// DefaultPolicy returns three attempts with 1s, 2s backoff, capped at 30s.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BackoffBase: time.Second,
		BackoffCap:  30 * time.Second,
	}
}

// Backoff returns the delay after the given failed attempt (1-based).
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 || p.BackoffBase <= 0 {
		return 0
	}
	delay := p.BackoffBase
	for i := 1; i < attempt; i++ {
		delay *= 2
		if p.BackoffCap > 0 && delay >= p.BackoffCap {
			return p.BackoffCap
		}
	}
	if p.BackoffCap > 0 && delay > p.BackoffCap {
		return p.BackoffCap
	}
	return delay
}

// MaxLatency is the worst-case duration of one dispatch given a per-attempt
// timeout: every attempt times out and every backoff is slept in full.
func (p Policy) MaxLatency(attemptTimeout time.Duration) time.Duration {
	attempts := max(p.MaxAttempts, 1)
	total := time.Duration(attempts) * attemptTimeout
	for n := 1; n < attempts; n++ {
		total += p.Backoff(n)
	}
	return total
}

func (p Policy) maxAttempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// sleepWithContext waits for the specified duration or until the context is cancelled.
func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
