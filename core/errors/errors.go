package errors

import "errors"

type Category string

const (
	CategoryPortUnavailable   Category = "port_unavailable"
	CategoryPortFailure       Category = "port_failure"
	CategoryInvalidState      Category = "invalid_state"
	CategoryCheckpointCorrupt Category = "checkpoint_corrupt"
	CategoryInvalidInput      Category = "invalid_input"
	CategoryIOFailure         Category = "io_failure"
	CategoryStateContention   Category = "state_contention"
	CategoryInternalFailure   Category = "internal_failure"
)

type classifiedError struct {
	category  Category
	code      string
	hint      string
	retryable bool
	cause     error
}

func (e *classifiedError) Error() string {
	if e.cause == nil {
		return "unknown error"
	}
	return e.cause.Error()
}

func (e *classifiedError) Unwrap() error {
	return e.cause
}

func (e *classifiedError) Category() Category {
	return e.category
}

func (e *classifiedError) Code() string {
	return e.code
}

func (e *classifiedError) Hint() string {
	return e.hint
}

func (e *classifiedError) Retryable() bool {
	return e.retryable
}

func Wrap(cause error, category Category, code, hint string, retryable bool) error {
	if cause == nil {
		return nil
	}
	return &classifiedError{
		category:  category,
		code:      code,
		hint:      hint,
		retryable: retryable,
		cause:     cause,
	}
}

// Unavailable marks a capability that did not answer within its deadline.
// It always has a forward transition and is never fatal to a call.
func Unavailable(cause error, code string) error {
	return Wrap(cause, CategoryPortUnavailable, code, "capability did not respond in time", true)
}

// Failure marks a capability that answered with an explicit rejection.
func Failure(cause error, code string) error {
	return Wrap(cause, CategoryPortFailure, code, "capability rejected the request", false)
}

func InvalidState(cause error, code string) error {
	return Wrap(cause, CategoryInvalidState, code, "abort the call and alert an operator", false)
}

func CheckpointCorrupt(cause error, code string) error {
	return Wrap(cause, CategoryCheckpointCorrupt, code, "inspect the checkpoint record and alert an operator", false)
}

func CategoryOf(err error) Category {
	var classified *classifiedError
	if errors.As(err, &classified) {
		return classified.category
	}
	return ""
}

func CodeOf(err error) string {
	var classified *classifiedError
	if errors.As(err, &classified) {
		return classified.code
	}
	return ""
}

func HintOf(err error) string {
	var classified *classifiedError
	if errors.As(err, &classified) {
		return classified.hint
	}
	return ""
}

func RetryableOf(err error) bool {
	var classified *classifiedError
	if errors.As(err, &classified) {
		return classified.retryable
	}
	return false
}

// IsFatal reports whether err must abort the call with decision=error.
func IsFatal(err error) bool {
	switch CategoryOf(err) {
	case CategoryInvalidState, CategoryCheckpointCorrupt:
		return true
	default:
		return false
	}
}
