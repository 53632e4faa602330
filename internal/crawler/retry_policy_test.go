package crawler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestExponentialRetryPolicyShouldRetry(t *testing.T) {
	t.Parallel()

	p := NewExponentialRetryPolicy()
	require.False(t, p.ShouldRetry(nil, 1))
	require.True(t, p.ShouldRetry(errors.New("transient"), 1))
	require.False(t, p.ShouldRetry(errors.New("transient"), 3))
	require.False(t, p.ShouldRetry(context.Canceled, 1))

	p.Retryable = func(err error) bool { return errors.Is(err, ErrLLMTransport) }
	require.False(t, p.ShouldRetry(ErrLLMParse, 1))
	require.True(t, p.ShouldRetry(ErrLLMTransport, 1))
}

func TestExponentialRetryPolicyBackoffBounded(t *testing.T) {
	t.Parallel()

	p := &ExponentialRetryPolicy{MaxAttempts: 5, BaseDelay: 10 * time.Millisecond, MaxDelay: 40 * time.Millisecond}
	for attempt := 0; attempt < 8; attempt++ {
		d := p.Backoff(attempt)
		require.GreaterOrEqual(t, d, time.Duration(0))
		require.LessOrEqual(t, d, 40*time.Millisecond)
	}
}

func TestRetryStopsOnSuccess(t *testing.T) {
	t.Parallel()

	p := &ExponentialRetryPolicy{MaxAttempts: 4, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
	calls := 0
	err := Retry(context.Background(), p, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("flaky")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestRetryReturnsLastError(t *testing.T) {
	t.Parallel()

	p := &ExponentialRetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	calls := 0
	err := Retry(context.Background(), p, func(context.Context) error {
		calls++
		return ErrLLMTransport
	})
	require.ErrorIs(t, err, ErrLLMTransport)
	require.Equal(t, 2, calls)
}
