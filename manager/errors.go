package manager

import (
	"errors"
	"fmt"
)

const (
	// CodeNoEntry means the service has no instance and no route.
	CodeNoEntry = "no_entry"
	// CodeArgument means a message was malformed and was rejected before touching state.
	CodeArgument = "argument"
	// CodeStale means a message refers to a process or request that is already gone.
	CodeStale = "stale"
	// CodeInvariant means the registry is inconsistent. The reactor stops.
	CodeInvariant = "invariant"
)

// ErrStopped is returned to callers posting to a manager whose reactor has returned.
var ErrStopped = errors.New("manager stopped")

// Error is a failure classified by Code.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Inner   error  `json:"-"`
}

func newError(code string, message string, inner error) *Error {
	return &Error{Code: code, Message: message, Inner: inner}
}

func argumentError(format string, args ...any) *Error {
	return newError(CodeArgument, fmt.Sprintf(format, args...), nil)
}

func staleError(format string, args ...any) *Error {
	return newError(CodeStale, fmt.Sprintf(format, args...), nil)
}

func invariantError(message string, inner error) *Error {
	return newError(CodeInvariant, message, inner)
}

func (e *Error) Error() string {
	if e.Inner != nil {
		return fmt.Sprintf("%s %s: %v", e.Code, e.Message, e.Inner)
	}
	return fmt.Sprintf("%s %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Inner
}

// ErrorCode returns the code of err, or "" when err is not an *Error.
func ErrorCode(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

func IsArgument(err error) bool  { return ErrorCode(err) == CodeArgument }
func IsStale(err error) bool     { return ErrorCode(err) == CodeStale }
func IsInvariant(err error) bool { return ErrorCode(err) == CodeInvariant }
