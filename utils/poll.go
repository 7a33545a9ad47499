package utils

import (
	"context"
	"fmt"
	"time"

	"github.com/juju/clock"
)

// WaitFor polls check at the given interval until it returns (true, nil),
// returns a non-nil error, or the timeout/context expires.
// clk drives both the deadline and the interval so tests can use a test clock.
func WaitFor(ctx context.Context, clk clock.Clock, timeout, interval time.Duration, check func() (done bool, err error)) error {
	deadline := clk.Now().Add(timeout)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if clk.Now().After(deadline) {
			return fmt.Errorf("timeout after %s", timeout)
		}
		done, err := check()
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-clk.After(interval):
		}
	}
}
