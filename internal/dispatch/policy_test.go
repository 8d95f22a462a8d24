package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPolicy_Backoff(t *testing.T) {
	t.Parallel()

	p := Policy{MaxAttempts: 6, BackoffBase: time.Second, BackoffCap: 5 * time.Second}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 0},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 5 * time.Second},
		{50, 5 * time.Second},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, p.Backoff(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestPolicy_BackoffWithoutBase(t *testing.T) {
	t.Parallel()

	assert.Zero(t, Policy{MaxAttempts: 3}.Backoff(2))
}

func TestPolicy_Uncapped(t *testing.T) {
	t.Parallel()

	p := Policy{BackoffBase: 100 * time.Millisecond}
	assert.Equal(t, 800*time.Millisecond, p.Backoff(4))
}

func TestPolicy_MaxLatency(t *testing.T) {
	t.Parallel()

	// 3 attempts of 30s plus 1s and 2s of backoff.
	assert.Equal(t, 93*time.Second, DefaultPolicy().MaxLatency(30*time.Second))
	assert.Equal(t, 10*time.Second, Policy{}.MaxLatency(10*time.Second))
}

func TestPolicy_MaxAttemptsFloor(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 1, Policy{}.maxAttempts())
	assert.Equal(t, 1, Policy{MaxAttempts: -2}.maxAttempts())
	assert.Equal(t, 4, Policy{MaxAttempts: 4}.maxAttempts())
}

func TestSleepWithContext(t *testing.T) {
	t.Parallel()

	assert.NoError(t, sleepWithContext(context.Background(), time.Millisecond))
	assert.NoError(t, sleepWithContext(context.Background(), 0))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sleepWithContext(ctx, time.Hour), context.Canceled)
	assert.ErrorIs(t, sleepWithContext(ctx, 0), context.Canceled)
}
