package upstream_test

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/davidbz/corebridge/internal/domain"
	"github.com/davidbz/corebridge/internal/upstream"
)

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

var _ net.Error = timeoutError{}

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{name: "nil", err: nil, retryable: false},
		{name: "throttled", err: &domain.TransientBackendError{StatusCode: 429}, retryable: true},
		{name: "wrapped transient", err: fmt.Errorf("send: %w", &domain.TransientBackendError{StatusCode: 503}), retryable: true},
		{name: "connection refused", err: &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}, retryable: true},
		{name: "connection reset", err: fmt.Errorf("read: %w", syscall.ECONNRESET), retryable: true},
		{name: "net timeout", err: timeoutError{}, retryable: true},
		{name: "authentication", err: &domain.AuthenticationError{TenantID: "t1", Err: errors.New("bad secret")}, retryable: false},
		{name: "rejected", err: &domain.UpstreamRejectedError{StatusCode: 400}, retryable: false},
		{name: "conversion", err: domain.NewConversionError("choices", nil, nil), retryable: false},
		{name: "canceled", err: context.Canceled, retryable: false},
		{name: "routing", err: &domain.RoutableNotFoundError{Model: "x"}, retryable: false},
	}

	for _, tt := range tests {
		t.Run("should classify "+tt.name, func(t *testing.T) {
			require.Equal(t, tt.retryable, upstream.Classify(tt.err))
		})
	}
}

func TestRetryPolicy_Backoff(t *testing.T) {
	policy := upstream.NewRetryPolicy(upstream.RetryConfig{})

	t.Run("should grow exponentially within jitter bounds", func(t *testing.T) {
		for retry, base := range []time.Duration{4 * time.Second, 8 * time.Second, 16 * time.Second, 16 * time.Second} {
			for range 20 {
				got := policy.Backoff(retry)
				require.GreaterOrEqual(t, got, time.Duration(float64(base)*0.8))
				require.LessOrEqual(t, got, time.Duration(float64(base)*1.2))
			}
		}
	})

	t.Run("should stay capped for large retry counts", func(t *testing.T) {
		require.LessOrEqual(t, policy.Backoff(100), time.Duration(float64(16*time.Second)*1.2))
	})
}

func TestRetryPolicy_Do(t *testing.T) {
	ctx := context.Background()

	newPolicy := func(sleeps *[]time.Duration) *upstream.RetryPolicy {
		return upstream.NewRetryPolicy(upstream.RetryConfig{
			MaxAttempts:    3,
			InitialBackoff: 10 * time.Millisecond,
			MaxBackoff:     40 * time.Millisecond,
		}).WithSleep(func(_ context.Context, d time.Duration) error {
			*sleeps = append(*sleeps, d)
			return nil
		})
	}

	t.Run("should succeed after transient failures", func(t *testing.T) {
		var sleeps []time.Duration
		var attempts []int

		err := newPolicy(&sleeps).Do(ctx, func(_ context.Context, attempt int) error {
			attempts = append(attempts, attempt)
			if attempt < 3 {
				return &domain.TransientBackendError{StatusCode: 503}
			}
			return nil
		})

		require.NoError(t, err)
		require.Equal(t, []int{1, 2, 3}, attempts)
		require.Len(t, sleeps, 2)
	})

	t.Run("should stop on terminal errors", func(t *testing.T) {
		var sleeps []time.Duration
		calls := 0
		rejected := &domain.UpstreamRejectedError{StatusCode: 400, Detail: "bad"}

		err := newPolicy(&sleeps).Do(ctx, func(context.Context, int) error {
			calls++
			return rejected
		})

		require.Equal(t, 1, calls)
		require.Empty(t, sleeps)

		var attemptsErr *upstream.AttemptsError
		require.ErrorAs(t, err, &attemptsErr)
		require.Equal(t, 1, attemptsErr.Attempts)
		require.ErrorIs(t, err, rejected)
	})

	t.Run("should give up after max attempts", func(t *testing.T) {
		var sleeps []time.Duration
		calls := 0

		err := newPolicy(&sleeps).Do(ctx, func(context.Context, int) error {
			calls++
			return &domain.TransientBackendError{StatusCode: 429}
		})

		require.Equal(t, 3, calls)

		var attemptsErr *upstream.AttemptsError
		require.ErrorAs(t, err, &attemptsErr)
		require.Equal(t, 3, attemptsErr.Attempts)

		var transient *domain.TransientBackendError
		require.ErrorAs(t, err, &transient)
		require.Equal(t, 429, transient.StatusCode)
	})

	t.Run("should stop when the context is cancelled while waiting", func(t *testing.T) {
		cancelled, cancel := context.WithCancel(ctx)
		cancel()

		policy := upstream.NewRetryPolicy(upstream.RetryConfig{
			MaxAttempts:    4,
			InitialBackoff: time.Hour,
			MaxBackoff:     time.Hour,
		})

		calls := 0
		err := policy.Do(cancelled, func(context.Context, int) error {
			calls++
			return &domain.TransientBackendError{StatusCode: 502}
		})

		require.Equal(t, 1, calls)
		require.ErrorIs(t, err, context.Canceled)
	})

	t.Run("should not retry once the caller deadline has passed", func(t *testing.T) {
		expired, cancel := context.WithDeadline(ctx, time.Now().Add(-time.Second))
		defer cancel()

		var sleeps []time.Duration
		calls := 0
		err := newPolicy(&sleeps).Do(expired, func(context.Context, int) error {
			calls++
			return fmt.Errorf("request failed: %w", context.DeadlineExceeded)
		})

		require.Equal(t, 1, calls)
		require.Empty(t, sleeps)
		require.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestClassifyContext(t *testing.T) {
	t.Run("should retry a timeout while the caller context is live", func(t *testing.T) {
		require.True(t, upstream.ClassifyContext(context.Background(), timeoutError{}))
	})

	t.Run("should retry a deadline that does not belong to the caller", func(t *testing.T) {
		require.True(t, upstream.ClassifyContext(context.Background(), fmt.Errorf("dial: %w", context.DeadlineExceeded)))
	})

	t.Run("should not retry anything once the caller context is done", func(t *testing.T) {
		done, cancel := context.WithCancel(context.Background())
		cancel()
		require.False(t, upstream.ClassifyContext(done, &domain.TransientBackendError{StatusCode: 503}))
	})
}
