package realtime

import (
	"errors"
	"fmt"
)

// Error codes reported to clients in error events.
const (
	CodeInvalidPayload  = "invalid_payload"
	CodeUnknownEvent    = "unknown_event"
	CodeForbidden       = "forbidden"
	CodeUnauthenticated = "unauthenticated"
	CodeNoConversation  = "no_conversation"
	CodeSendFailed      = "send_failed"
	CodeInternal        = "internal"
)

var (
	// ErrHubClosed is returned when connecting to a hub that is shutting down.
	ErrHubClosed = errors.New("realtime: hub closed")

	errNotParticipant   = errors.New("user is not a participant of the conversation")
	errAnonymous        = errors.New("operation requires an authenticated user")
	errNoConversation   = errors.New("no conversation joined or given")
	errUnknownImage     = errors.New("image reference is not a stored upload")
	errMissingResolver  = errors.New("conversation resolver is required")
	errMissingMessageDB = errors.New("message store is required")
)

// ServiceError carries a client-facing code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(code string, cause error) error {
	return &ServiceError{code: code, err: cause}
}

// ErrorCode maps an error to the code reported in error events.
func ErrorCode(err error) string {
	var serviceErr *ServiceError
	switch {
	case errors.As(err, &serviceErr):
		return serviceErr.Code()
	case errors.Is(err, ErrUnknownEvent):
		return CodeUnknownEvent
	case errors.Is(err, ErrMalformedEvent), errors.Is(err, ErrInvalidPayload):
		return CodeInvalidPayload
	default:
		return CodeInternal
	}
}
