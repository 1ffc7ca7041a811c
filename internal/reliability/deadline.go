package reliability

import (
	"context"
	"errors"
	"time"
)

// ErrTimeout reports that an operation ran past its deadline and was
// abandoned. ErrCancelled reports that the caller's context fired first.
var (
	ErrTimeout   = errors.New("deadline elapsed")
	ErrCancelled = errors.New("operation cancelled")
)

// WithTimeout races op against d. A non-positive d disables the deadline
// entirely. If ctx is already done the operation never starts. When the
// timer wins, op is abandoned: its context is not cancelled here, the
// caller decides how cancellation is wired.
func WithTimeout[T any](ctx context.Context, d time.Duration, op func(context.Context) (T, error)) (T, error) {
	var zero T
	if ctx.Err() != nil {
		return zero, ErrCancelled
	}
	if d <= 0 {
		return op(ctx)
	}

	type outcome struct {
		value T
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		v, err := op(ctx)
		done <- outcome{value: v, err: err}
	}()

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case out := <-done:
		return out.value, out.err
	case <-timer.C:
		return zero, ErrTimeout
	case <-ctx.Done():
		return zero, ErrCancelled
	}
}

// Sleep waits for d or fails with ErrCancelled as soon as ctx fires.
func Sleep(ctx context.Context, d time.Duration) error {
	if ctx.Err() != nil {
		return ErrCancelled
	}
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ErrCancelled
	}
}
