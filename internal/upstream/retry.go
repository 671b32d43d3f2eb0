package upstream

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"syscall"
	"time"

	"github.com/davidbz/corebridge/internal/domain"
	"github.com/davidbz/corebridge/internal/observability"
)

const (
	defaultMaxAttempts    = 4
	defaultInitialBackoff = 4 * time.Second
	defaultMaxBackoff     = 16 * time.Second
)

// RetryConfig holds the retry policy settings.
type RetryConfig struct {
	MaxAttempts    int           `env:"RETRY_MAX_ATTEMPTS"    envDefault:"4"`
	InitialBackoff time.Duration `env:"RETRY_INITIAL_BACKOFF" envDefault:"4s"`
	MaxBackoff     time.Duration `env:"RETRY_MAX_BACKOFF"     envDefault:"16s"`
}

// AttemptsError reports the last error after the retry policy gave up.
type AttemptsError struct {
	Attempts int
	Err      error
}

func (e *AttemptsError) Error() string {
	return fmt.Sprintf("gave up after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *AttemptsError) Unwrap() error {
	return e.Err
}

// RetryPolicy implements domain.Retrier with capped exponential backoff.
type RetryPolicy struct {
	maxAttempts int
	initial     time.Duration
	max         time.Duration
	sleep       func(ctx context.Context, d time.Duration) error
}

// NewRetryPolicy creates a retry policy; zero values fall back to the defaults.
func NewRetryPolicy(config RetryConfig) *RetryPolicy {
	policy := &RetryPolicy{
		maxAttempts: config.MaxAttempts,
		initial:     config.InitialBackoff,
		max:         config.MaxBackoff,
		sleep:       sleepContext,
	}
	if policy.maxAttempts <= 0 {
		policy.maxAttempts = defaultMaxAttempts
	}
	if policy.initial <= 0 {
		policy.initial = defaultInitialBackoff
	}
	if policy.max <= 0 {
		policy.max = defaultMaxBackoff
	}
	return policy
}

// WithSleep replaces the wait between attempts. Used by tests.
func (p *RetryPolicy) WithSleep(sleep func(ctx context.Context, d time.Duration) error) *RetryPolicy {
	p.sleep = sleep
	return p
}

// Do runs op until it succeeds, fails terminally, runs out of attempts or
// ctx is done. Failures are returned as *AttemptsError.
func (p *RetryPolicy) Do(ctx context.Context, op func(ctx context.Context, attempt int) error) error {
	logger := observability.FromContext(ctx)

	var err error
	attempt := 1
	for ; ; attempt++ {
		err = op(ctx, attempt)
		if err == nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = fmt.Errorf("%w (last error: %w)", ctxErr, err)
			break
		}
		if !ClassifyContext(ctx, err) || attempt >= p.maxAttempts {
			break
		}

		wait := p.Backoff(attempt - 1)
		logger.Warn("retrying upstream request",
			observability.Int("attempt", attempt),
			observability.Duration("backoff", wait),
			observability.Error(err))

		if sleepErr := p.sleep(ctx, wait); sleepErr != nil {
			err = sleepErr
			break
		}
	}

	return &AttemptsError{Attempts: attempt, Err: err}
}

// Backoff returns min(initial*2^retry, max) with +-20% jitter.
func (p *RetryPolicy) Backoff(retry int) time.Duration {
	backoff := p.max
	if retry < 32 {
		backoff = min(p.initial*time.Duration(1<<uint(retry)), p.max)
	}
	if backoff <= 0 {
		backoff = p.max
	}

	jitter := float64(backoff) * (0.8 + 0.4*rand.Float64()) //nolint:gosec // jitter needs no crypto
	return time.Duration(jitter)
}

// ClassifyContext is Classify for an attempt made under ctx. Once the
// caller's context is done nothing is retried, whatever the error says.
func ClassifyContext(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	return Classify(err)
}

// Classify reports whether err is worth another attempt. Connect and
// first-byte timeouts are retryable; they satisfy context.DeadlineExceeded
// too, so a deadline owned by the caller must be ruled out by ClassifyContext.
func Classify(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var (
		transient *domain.TransientBackendError
		auth      *domain.AuthenticationError
		rejected  *domain.UpstreamRejectedError
		convErr   *domain.ConversionError
	)
	switch {
	case errors.As(err, &auth), errors.As(err, &rejected), errors.As(err, &convErr):
		return false
	case errors.As(err, &transient):
		return true
	}

	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
