package qatrack_errors

import (
	"errors"
	"fmt"
)

// Common errors
var (
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrNotFound           = errors.New("not found")
	ErrInvalidInput       = errors.New("invalid input")
	ErrTooLarge           = errors.New("file too large")
	ErrUnsupportedType    = errors.New("unsupported media type")
	ErrSessionState       = errors.New("upload session is no longer usable")
	ErrRateLimited        = errors.New("rate limited")
	ErrServiceUnavailable = errors.New("service unavailable")
	ErrAlreadyExists      = errors.New("already exists")
)

// Kind is the failure class of an Error. It is set where the failure happens and
// is never derived from message text.
type Kind string

const (
	KindValidation         Kind = "ValidationError"
	KindBackendUnavailable Kind = "BackendUnavailableError"
	KindSessionState       Kind = "SessionStateError"
	KindNotFound           Kind = "NotFoundError"
)

// Wire codes. A validation error carries the rule that was violated.
const (
	CodeBadRequest           = "BAD_REQUEST"
	CodePayloadTooLarge      = "PAYLOAD_TOO_LARGE"
	CodeUnsupportedMediaType = "UNSUPPORTED_MEDIA_TYPE"
	CodeSessionState         = "SESSION_STATE"
	CodeNotFound             = "NOT_FOUND"
	CodeInternal             = "INTERNAL_ERROR"
	CodeUnauthorized         = "UNAUTHORIZED"
	CodeRateLimited          = "RATE_LIMITED"
)

type Error struct {
	Kind      Kind
	Code      string
	Message   string
	Transient bool
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match an Error against the sentinel of its kind.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Kind == KindNotFound
	case ErrSessionState:
		return e.Kind == KindSessionState
	case ErrServiceUnavailable:
		return e.Kind == KindBackendUnavailable
	case ErrInvalidInput:
		return e.Kind == KindValidation
	case ErrTooLarge:
		return e.Code == CodePayloadTooLarge
	case ErrUnsupportedType:
		return e.Code == CodeUnsupportedMediaType
	}
	return false
}

func Validation(code, format string, args ...interface{}) *Error {
	if code == "" {
		code = CodeBadRequest
	}
	return &Error{Kind: KindValidation, Code: code, Message: fmt.Sprintf(format, args...)}
}

func BadRequest(format string, args ...interface{}) *Error {
	return Validation(CodeBadRequest, format, args...)
}

func BackendUnavailable(cause error, transient bool, format string, args ...interface{}) *Error {
	return &Error{
		Kind:      KindBackendUnavailable,
		Code:      CodeInternal,
		Message:   fmt.Sprintf(format, args...),
		Transient: transient,
		Err:       cause,
	}
}

func SessionState(cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: KindSessionState, Code: CodeSessionState, Message: fmt.Sprintf(format, args...), Err: cause}
}

func NotFound(format string, args ...interface{}) *Error {
	return &Error{Kind: KindNotFound, Code: CodeNotFound, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of the first *Error in err's chain. Untagged errors are
// treated as backend failures.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindBackendUnavailable
}

func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

func IsTransient(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Transient
	}
	return false
}

// KindForCode maps a wire code back to a kind; clients use it to rebuild tagged errors.
func KindForCode(code string) Kind {
	switch code {
	case CodeBadRequest, CodePayloadTooLarge, CodeUnsupportedMediaType, CodeRateLimited, CodeUnauthorized:
		return KindValidation
	case CodeSessionState:
		return KindSessionState
	case CodeNotFound:
		return KindNotFound
	default:
		return KindBackendUnavailable
	}
}
