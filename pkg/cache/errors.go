package cache

import (
	"context"
	"errors"
	"fmt"
)

// Kind names an error class in a transport-stable way.
type Kind string

const (
	KindValidation         Kind = "validation_error"
	KindNotFound           Kind = "not_found"
	KindStorageUnavailable Kind = "storage_unavailable"
	KindTimeout            Kind = "timeout"
	KindDimensionMismatch  Kind = "dimension_mismatch"
	KindCanceled           Kind = "canceled"
	KindInternal           Kind = "internal"
)

type sentinel struct {
	msg    string
	parent error
}

func (s *sentinel) Error() string { return s.msg }
func (s *sentinel) Unwrap() error { return s.parent }

// Error kinds. Match with errors.Is.
var (
	ErrValidation         = errors.New("validation error")
	ErrNotFound           = errors.New("key not found")
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrTimeout            = errors.New("operation timed out")

	// ErrDimensionMismatch also matches ErrValidation.
	ErrDimensionMismatch error = &sentinel{msg: "embedding dimension mismatch", parent: ErrValidation}
)

// Error attaches the failing operation and layer to an error kind.
type Error struct {
	Op    string
	Layer string
	Err   error
}

func (e *Error) Error() string {
	if e.Layer == "" {
		return e.Op + ": " + e.Err.Error()
	}
	return e.Layer + " " + e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap annotates err with op and layer. Nil stays nil.
func Wrap(op, layer string, err error) error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) {
		return err
	}
	return &Error{Op: op, Layer: layer, Err: err}
}

// Validationf builds an ErrValidation with a formatted reason.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// DimensionMismatch reports a query/stored vector size disagreement.
func DimensionMismatch(want, got int) error {
	return fmt.Errorf("%w: expected %d, got %d", ErrDimensionMismatch, want, got)
}

// Unavailable marks a raw storage fault as ErrStorageUnavailable. Errors that
// already carry a kind, and context errors, pass through unchanged.
func Unavailable(err error) error {
	if err == nil {
		return nil
	}
	if hasKind(err) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
}

// Classify maps context deadline errors onto ErrTimeout and everything
// without a kind onto ErrStorageUnavailable.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTimeout) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return Unavailable(err)
}

func hasKind(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrStorageUnavailable) ||
		errors.Is(err, ErrTimeout)
}

// KindOf reports the kind of err. Nil returns "".
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, ErrDimensionMismatch):
		return KindDimensionMismatch
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrStorageUnavailable):
		return KindStorageUnavailable
	case errors.Is(err, context.Canceled):
		return KindCanceled
	default:
		return KindInternal
	}
}

// IsRetryable reports whether a caller may retry err with backoff.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindStorageUnavailable, KindTimeout:
		return true
	}
	return false
}
