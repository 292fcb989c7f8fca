// Package backoff runs startup operations with bounded exponential backoff.
package backoff

import (
	"context"
	"fmt"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"
	"go.uber.org/zap"
)

// Policy bounds how often and how slowly an operation is retried.
type Policy struct {
	Attempts int
	Delay    time.Duration
	MaxDelay time.Duration
	Clock    clock.Clock
}

// Once is a policy that makes a single attempt.
func Once() Policy {
	return Policy{Attempts: 1, Delay: time.Millisecond, MaxDelay: time.Millisecond}
}

// Do calls fn until it succeeds, returns an error for which isFatal reports
// true, the attempts are exhausted or ctx is done. The returned error is the
// last error produced by fn. A nil isFatal treats every error as transient.
func (p Policy) Do(ctx context.Context, logger *zap.Logger, op string, fn func() error, isFatal func(error) bool) error {
	clk := p.Clock
	if clk == nil {
		clk = clock.WallClock
	}
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	delay := p.Delay
	if delay <= 0 {
		delay = time.Second
	}
	if isFatal == nil {
		isFatal = func(error) bool { return false }
	}

	err := retry.Call(retry.CallArgs{
		Func: fn,
		IsFatalError: func(err error) bool {
			return isFatal(err) || ctx.Err() != nil
		},
		NotifyFunc: func(err error, attempt int) {
			logger.Warn("attempt failed",
				zap.String("operation", op),
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", attempts),
				zap.Error(err),
			)
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
		if last := retry.LastError(err); last != nil {
			err = last
		}
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: %w", op, ctxErr)
	}
	return err
}
