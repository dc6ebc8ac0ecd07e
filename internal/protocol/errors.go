package protocol

import "errors"

// Code is the machine-readable error taxonomy carried in results and error events.
type Code string

const (
	CodeAuthenticationFailed Code = "authentication_failed"
	CodeTargetUnavailable    Code = "target_unavailable"
	CodeInvalidTarget        Code = "invalid_target"
	CodeStaleCall            Code = "stale_call"
	CodeAlreadyTaken         Code = "already_taken"
	CodeTimeout              Code = "timeout"
	CodePeerDisconnected     Code = "peer_disconnected"
	CodeBusy                 Code = "busy"
	CodeMalformed            Code = "malformed"
	CodeRateLimited          Code = "rate_limited"
	CodeInternal             Code = "internal"
)

// Error is a typed, non-fatal outcome scoped to one request.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return string(e.Code) + ": " + e.Message
}

// Is matches any *Error with the same code, so errors.Is(err, ErrStaleCall)
// holds regardless of message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// WithMessage returns a copy of e carrying msg.
func (e *Error) WithMessage(msg string) *Error {
	return &Error{Code: e.Code, Message: msg}
}

var (
	ErrAuthenticationFailed = &Error{Code: CodeAuthenticationFailed, Message: "authentication failed"}
	ErrTargetUnavailable    = &Error{Code: CodeTargetUnavailable, Message: "target unavailable"}
	ErrInvalidTarget        = &Error{Code: CodeInvalidTarget, Message: "target requires external routing"}
	ErrStaleCall            = &Error{Code: CodeStaleCall, Message: "call no longer available"}
	ErrAlreadyTaken         = &Error{Code: CodeAlreadyTaken, Message: "call already taken"}
	ErrBusy                 = &Error{Code: CodeBusy, Message: "extension busy"}
)

// CodeOf extracts the code of a protocol error, or CodeInternal for anything else.
func CodeOf(err error) (Code, string) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code, pe.Message
	}
	return CodeInternal, "internal error"
}
