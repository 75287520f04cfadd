package domain

import (
	"errors"
	"fmt"
)

// ErrStoreUnavailable wraps event store I/O failures. The engine makes a
// single attempt per request; retry policy belongs to the caller.
var ErrStoreUnavailable = errors.New("event store unavailable")

// DecodeError reports a malformed encoded polyline. It is non-fatal: callers
// degrade the affected route to an empty coordinate sequence and continue.
type DecodeError struct {
	Format string
	Reason string
}

func (e DecodeError) Error() string {
	return fmt.Sprintf("decode %s polyline: %s", e.Format, e.Reason)
}

// ValidationError reports invalid request input. It is fatal for the single
// request and maps to HTTP 400.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve ValidationError
	return errors.As(err, &ve)
}

// IsDecode reports whether err is (or wraps) a DecodeError.
func IsDecode(err error) bool {
	var de DecodeError
	return errors.As(err, &de)
}
