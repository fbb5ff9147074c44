// Package bounded runs a blocking operation with an upper bound on its
// wall-clock duration.
//
// Every call to Do gets its own goroutine. When the bound elapses first, the
// caller gets an error wrapping ErrTimeout right away and the goroutine is
// abandoned, not cancelled: blocking I/O on a pipe (an open waiting for the
// other end, a read with no writer) cannot be interrupted, so the goroutine
// stays parked until the operation returns on its own, or until the process
// exits. A hung channel therefore costs one parked goroutine per fired
// timeout.
package bounded

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var ErrTimeout = errors.New("operation timed out")

// TimeoutError reports the bound which was exceeded.
type TimeoutError struct {
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("operation timed out after %s", e.After)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

type result[T any] struct {
	v   T
	err error
}

// Do executes op on a dedicated goroutine and waits for one of op's result,
// the timeout, or the end of ctx. A timeout <= 0 waits for op or ctx only.
func Do[T any](ctx context.Context, timeout time.Duration, op func() (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}

	// buffered: an abandoned worker must be able to deliver and exit
	done := make(chan result[T], 1)
	go func() {
		var r result[T]
		defer func() {
			if p := recover(); p != nil {
				r = result[T]{err: fmt.Errorf("operation panicked: %v", p)}
			}
			done <- r
		}()
		r.v, r.err = op()
	}()

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case r := <-done:
		return r.v, r.err
	case <-expired:
		return zero, &TimeoutError{After: timeout}
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Run is Do for operations without a result.
func Run(ctx context.Context, timeout time.Duration, op func() error) error {
	_, err := Do(ctx, timeout, func() (struct{}, error) {
		return struct{}{}, op()
	})
	return err
}
