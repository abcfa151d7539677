// Package errors wraps github.com/pkg/errors to give the rest of the
// module a small, stable call surface (New, WrapError) while keeping
// real stack traces on every wrapped error.
package errors

import (
	"fmt"

	perrors "github.com/pkg/errors"
)

// New creates an error with a stack trace attached.
func New(message string) error {
	return perrors.New(message)
}

// WrapError annotates err with a formatted message and a stack trace
// recorded at the point WrapError is called. If err is nil, a new
// error is created from the message instead.
func WrapError(err error, format string, args ...interface{}) error {
	message := fmt.Sprintf(format, args...)
	if err == nil {
		return perrors.New(message)
	}
	return perrors.Wrap(err, message)
}

// Is reports whether any error in err's chain matches target, the
// same semantics as the standard library's errors.Is.
func Is(err, target error) bool {
	return perrors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return perrors.As(err, target)
}
