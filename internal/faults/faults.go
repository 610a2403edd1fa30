package faults

import (
	"errors"
	"fmt"
)

type Code string

const (
	CodeBinding       Code = "binding_error"
	CodeNoDevice      Code = "no_device"
	CodeHandleInvalid Code = "handle_invalid"
	CodeHardware      Code = "hardware_error"
	CodeTimeout       Code = "capture_timeout"
	CodeBusy          Code = "capture_busy"
	CodeCancelled     Code = "capture_cancelled"
	CodeTransport     Code = "transport_error"
	CodeUpstream      Code = "upstream_error"
	CodeInvalid       Code = "invalid_request"
)

// Error is the error type shared by the device, capture, broadcast and relay
// layers. Code is stable and meant for machines; Message is for operators.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error carrying the same code, so the sentinels below work
// with errors.Is regardless of message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

var (
	ErrBinding       = &Error{Code: CodeBinding, Message: "native module unavailable"}
	ErrNoDevice      = &Error{Code: CodeNoDevice, Message: "no fingerprint device detected"}
	ErrHandleInvalid = &Error{Code: CodeHandleInvalid, Message: "device handle invalid"}
	ErrHardware      = &Error{Code: CodeHardware, Message: "device reported a hardware fault"}
	ErrTimeout       = &Error{Code: CodeTimeout, Message: "no finger detected before the deadline"}
	ErrBusy          = &Error{Code: CodeBusy, Message: "a capture is already in progress"}
	ErrCancelled     = &Error{Code: CodeCancelled, Message: "capture cancelled"}
	ErrTransport     = &Error{Code: CodeTransport, Message: "client transport failed"}
	ErrUpstream      = &Error{Code: CodeUpstream, Message: "upstream request failed"}
)

func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func Wrap(code Code, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf returns the code of the first *Error in err's chain, or "" if none.
func CodeOf(err error) Code {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}

// MessageOf returns the operator message of err, falling back to Error().
func MessageOf(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Message
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
