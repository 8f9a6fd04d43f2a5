package bridge

import (
	"errors"
	"fmt"
)

// Code identifies a bridge failure class on the wire.
type Code string

const (
	CodePermissionDenied Code = "permission_denied"
	CodeDeviceBusy       Code = "device_busy"
	CodeNoRecording      Code = "no_recording"
	CodeHandlerFault     Code = "handler_fault"
	CodeCallTimeout      Code = "call_timeout"
	CodeArtifactMissing  Code = "artifact_missing"
	CodeUnknownEvent     Code = "unknown_event"
)

// CallError is the structured error resolved into a pending call. It travels
// inside the reply payload as {"error":{"code","message"}}.
type CallError struct {
	Code    Code   `json:"code"`
	Message string `json:"message,omitempty"`
}

func (e *CallError) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches any CallError with the same code, so callers can compare against
// the sentinels below regardless of message.
func (e *CallError) Is(target error) bool {
	var t *CallError
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

var (
	ErrPermissionDenied = &CallError{Code: CodePermissionDenied}
	ErrDeviceBusy       = &CallError{Code: CodeDeviceBusy}
	ErrNoRecording      = &CallError{Code: CodeNoRecording}
	ErrHandlerFault     = &CallError{Code: CodeHandlerFault}
	ErrCallTimeout      = &CallError{Code: CodeCallTimeout}
	ErrArtifactMissing  = &CallError{Code: CodeArtifactMissing}
	ErrUnknownEvent     = &CallError{Code: CodeUnknownEvent}

	ErrTransportClosed = errors.New("bridge transport closed")
)

// NewCallError builds a CallError with a formatted message.
func NewCallError(code Code, format string, args ...any) *CallError {
	return &CallError{Code: code, Message: fmt.Sprintf(format, args...)}
}
