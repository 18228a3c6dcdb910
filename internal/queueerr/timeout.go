package queueerr

import (
	"context"
	"time"
)

// WithTimeout runs op with a labeled deadline and settles exactly once: the
// first of {op returns, timer fires} wins and the other path is cancelled
// through the derived context. When the timer wins, the result is a
// *TimeoutError carrying the label, and op's eventual return value is
// discarded.
func WithTimeout(ctx context.Context, d time.Duration, label string, op func(ctx context.Context) error) error {
	opCtx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- op(opCtx)
	}()

	select {
	case err := <-done:
		return err
	case <-opCtx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &TimeoutError{Label: label, AfterMs: d.Milliseconds()}
	}
}
