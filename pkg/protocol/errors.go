package protocol

import (
	"errors"
	"fmt"
)

// Error codes carried on the wire. Adding a code is additive; renaming one
// is a breaking change for every caller that switches on it.
const (
	CodeBadRequest         = "BAD_REQUEST"
	CodeUnknownOperation   = "UNKNOWN_OPERATION"
	CodeUnsupportedVersion = "UNSUPPORTED_VERSION"
	CodeNotFound           = "NOT_FOUND"
	CodeNoIsland           = "NO_ISLAND"
	CodeInviteNotFound     = "INVITE_NOT_FOUND"
	CodeAlreadyMember      = "ALREADY_MEMBER"
	CodeAlreadyInvited     = "ALREADY_INVITED"
	CodeLimitReached       = "LIMIT_REACHED"
	CodeNotOwner           = "NOT_OWNER"
	CodeTimeout            = "TIMEOUT"
	CodeInternal           = "INTERNAL"
	CodeOverloaded         = "OVERLOADED"
	CodeInProgress         = "IN_PROGRESS"
)

// retryableCodes lists the codes a caller may resubmit unchanged.
var retryableCodes = map[string]bool{
	CodeTimeout:    true,
	CodeInternal:   true,
	CodeOverloaded: true,
	CodeInProgress: true,
}

// internalMessage is the only text an unexpected failure exposes on the wire.
const internalMessage = "internal error"

// Error is a typed failure with a stable code. Handlers return it to signal
// domain outcomes; anything else is reported as INTERNAL.
type Error struct {
	Code      string
	Message   string
	Retryable bool
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

// Is matches two typed errors by code so errors.Is works against the
// package-level sentinels.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// Detail projects the error onto its wire form.
func (e *Error) Detail() *ErrorDetail {
	return &ErrorDetail{Code: e.Code, Message: e.Message, Retryable: e.Retryable}
}

// NewError creates a typed error whose retryability follows its code.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message, Retryable: IsRetryableCode(code)}
}

// Errorf creates a typed error with a formatted message.
func Errorf(code, format string, args ...any) *Error {
	return NewError(code, fmt.Sprintf(format, args...))
}

// IsRetryableCode reports whether errors with the given code are safe to resubmit.
func IsRetryableCode(code string) bool {
	return retryableCodes[code]
}

// Sentinels for errors.Is comparisons.
var (
	ErrTimeout    = NewError(CodeTimeout, "deadline exceeded")
	ErrInternal   = NewError(CodeInternal, internalMessage)
	ErrOverloaded = NewError(CodeOverloaded, "worker pool saturated")
)

// AsError returns err as a typed error. Untyped errors are collapsed into a
// generic INTERNAL error so implementation details never reach the wire.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var typed *Error
	if errors.As(err, &typed) {
		return typed
	}
	return NewError(CodeInternal, internalMessage)
}
