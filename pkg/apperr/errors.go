package apperr

import (
	"errors"
	"fmt"
)

type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Cause   error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches any *Error carrying the same code, so callers can test
// errors.Is(err, apperr.ErrInvalidContent) regardless of the message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Constructors
func New(code Code, message string) error {
	return &Error{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) error {
	return &Error{Code: code, Message: message, Cause: cause}
}

func InvalidParticipants(msg string) error {
	return New(CodeInvalidParticipants, msg)
}

func InvalidContent(msg string) error {
	return New(CodeInvalidContent, msg)
}

func StorageUnavailable(cause error) error {
	return Wrap(CodeStorageUnavailable, "storage unavailable", cause)
}

func TransportUnavailable(msg string) error {
	return New(CodeTransportUnavailable, msg)
}

func PermissionDenied(msg string) error {
	return New(CodePermissionDenied, msg)
}

func NotFound(msg string) error {
	return New(CodeNotFound, msg)
}

// CodeOf returns the code of the first *Error in err's chain.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code
	}
	return CodeUnknown
}

// IsTransient reports whether err is worth retrying with backoff.
func IsTransient(err error) bool {
	switch CodeOf(err) {
	case CodeStorageUnavailable, CodeTransportUnavailable:
		return true
	}
	return false
}
