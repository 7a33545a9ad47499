package hypervisor

import (
	"context"
	"errors"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"
	"github.com/projecteru2/core/log"
)

// RetryPolicy bounds retries of transient hypervisor failures.
type RetryPolicy struct {
	Attempts int
	// Delay is the first backoff; it doubles per attempt up to MaxDelay.
	Delay    time.Duration
	MaxDelay time.Duration
	Clock    clock.Clock
}

// DoWithRetry retries fn with exponential backoff for transient errors.
// Not-found and context errors are returned at once.
func DoWithRetry(ctx context.Context, p RetryPolicy, op string, fn func() error) error {
	logger := log.WithFunc("hypervisor.DoWithRetry")
	clk := p.Clock
	if clk == nil {
		clk = clock.WallClock
	}
	delay := p.Delay
	if delay <= 0 {
		delay = time.Millisecond
	}
	attempts := max(p.Attempts, 1)
	err := retry.Call(retry.CallArgs{
		Func:         fn,
		IsFatalError: func(err error) bool { return !IsRetryable(err) },
		NotifyFunc: func(err error, attempt int) {
			if attempt < attempts {
				logger.Warnf(ctx, "%s attempt %d/%d: %v", op, attempt, attempts, err)
			}
		},
		Attempts:    attempts,
		Delay:       delay,
		MaxDelay:    p.MaxDelay,
		BackoffFunc: retry.DoubleDelay,
		Clock:       clk,
		Stop:        ctx.Done(),
	})
	if err == nil {
		return nil
	}
	if retry.IsAttemptsExceeded(err) || retry.IsRetryStopped(err) {
		return retry.LastError(err)
	}
	return err
}

// IsRetryable returns true for errors worth retrying: anything that is not a
// missing domain or a cancelled caller.
func IsRetryable(err error) bool {
	return !IsNotFound(err) && !errors.Is(err, context.Canceled)
}
