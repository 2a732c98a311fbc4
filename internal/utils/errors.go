package utils

import (
	"errors"
	"fmt"
	"strings"
)

// AppError wraps an operation, human-facing message, and underlying error.
type AppError struct {
	Op  string
	Msg string
	Err error
}

func (e *AppError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Msg)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// NewAppError constructs an AppError.
func NewAppError(op, msg string, err error) error {
	return &AppError{Op: op, Msg: msg, Err: err}
}

// OpOf returns the Op of the outermost AppError in err's chain, or "".
func OpOf(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Op
	}
	return ""
}

// ValidationErrors accumulates independent validation failures so they can be reported together.
type ValidationErrors []string

// Addf appends a formatted problem.
func (v *ValidationErrors) Addf(format string, args ...any) {
	*v = append(*v, fmt.Sprintf(format, args...))
}

// Err returns nil when nothing was recorded.
func (v ValidationErrors) Err() error {
	if len(v) == 0 {
		return nil
	}
	return v
}

func (v ValidationErrors) Error() string {
	return strings.Join(v, "; ")
}
