package rpc

import (
	"context"
	"errors"
	"fmt"
)

type ErrorCode uint16

const (
	ErrorCodeOK ErrorCode = iota
	ErrorCodeCanceled
	ErrorCodeUnknown
	ErrorCodeInvalidArgument
	ErrorCodeDeadlineExceeded
	ErrorCodeNotFound
	ErrorCodeAlreadyExists
	ErrorCodeResourceExhausted
	ErrorCodeInternal
	ErrorCodeUnavailable
)

var codeNames = [...]string{
	ErrorCodeOK:                "ok",
	ErrorCodeCanceled:          "canceled",
	ErrorCodeUnknown:           "unknown",
	ErrorCodeInvalidArgument:   "invalid argument",
	ErrorCodeDeadlineExceeded:  "deadline exceeded",
	ErrorCodeNotFound:          "not found",
	ErrorCodeAlreadyExists:     "already exists",
	ErrorCodeResourceExhausted: "resource exhausted",
	ErrorCodeInternal:          "internal",
	ErrorCodeUnavailable:       "unavailable",
}

func (c ErrorCode) String() string {
	if int(c) < len(codeNames) {
		return codeNames[c]
	}
	return fmt.Sprintf("code(%d)", uint16(c))
}

// ServerError is a failure reported by the remote side of a call. It travels
// inside a response; the connection that carried it stays up.
type ServerError struct {
	Code    ErrorCode
	Message string
}

func NewError(code ErrorCode, format string, args ...interface{}) *ServerError {
	return &ServerError{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("rpc error [%s]: %s", e.Code, e.Message)
}

var (
	ErrConnectionClosed = errors.New("rpc connection closed")
	ErrShutdown         = fmt.Errorf("%w: client is shut down", ErrConnectionClosed)
)

// toServerError maps whatever a handler returned onto the code sent back to
// the caller.
func toServerError(err error) *ServerError {
	var se *ServerError
	switch {
	case errors.As(err, &se):
		return se
	case errors.Is(err, context.DeadlineExceeded):
		return &ServerError{Code: ErrorCodeDeadlineExceeded, Message: err.Error()}
	case errors.Is(err, context.Canceled):
		return &ServerError{Code: ErrorCodeCanceled, Message: err.Error()}
	default:
		return &ServerError{Code: ErrorCodeInternal, Message: err.Error()}
	}
}
