package ports

import (
	"context"
	"errors"
	"fmt"
	"time"

	porterrors "github.com/davidahmann/portero/core/errors"
)

type outcome[T any] struct {
	value T
	err   error
}

// Bound runs call with a deadline and returns no later than timeout after it
// starts, even if the capability ignores its context. Errors are classified:
// ErrNotFound passes through, ErrRejected becomes a port failure, and every
// other error (deadline, transport, panic) becomes port unavailable.
func Bound[T any](ctx context.Context, timeout time.Duration, code string, call func(context.Context) (T, error)) (T, error) {
	var zero T
	callCtx := ctx
	cancel := func() {}
	if timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	done := make(chan outcome[T], 1)
	go func() {
		defer func() {
			if recovered := recover(); recovered != nil {
				done <- outcome[T]{err: fmt.Errorf("%w: panic: %v", ErrUnavailable, recovered)}
			}
		}()
		value, err := call(callCtx)
		done <- outcome[T]{value: value, err: err}
	}()

	select {
	case result := <-done:
		if result.err == nil {
			return result.value, nil
		}
		return zero, Classify(result.err, code)
	case <-callCtx.Done():
		return zero, porterrors.Unavailable(fmt.Errorf("%w: %s: %v", ErrUnavailable, code, callCtx.Err()), code)
	}
}

// Classify maps a raw port error onto the error taxonomy.
func Classify(err error, code string) error {
	if err == nil {
		return nil
	}
	if porterrors.CategoryOf(err) != "" {
		return err
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return err
	case errors.Is(err, ErrRejected):
		return porterrors.Failure(err, code)
	default:
		return porterrors.Unavailable(err, code)
	}
}

func IsUnavailable(err error) bool {
	return porterrors.CategoryOf(err) == porterrors.CategoryPortUnavailable
}

func IsFailure(err error) bool {
	return porterrors.CategoryOf(err) == porterrors.CategoryPortFailure
}
