package outbox

import (
	"errors"
	"fmt"
)

var (
	// ErrNetworkUnavailable is returned by a manual retry while the connectivity signal is offline.
	ErrNetworkUnavailable = errors.New("outbox network unavailable")
	// ErrUnknown matches every *UnknownError with errors.Is.
	ErrUnknown = errors.New("outbox unknown failure")
	// ErrEmptyText is returned when the message text is blank.
	ErrEmptyText = errors.New("outbox message text is required")
	// ErrTextTooLong is returned when the message text exceeds the configured rune limit.
	ErrTextTooLong = errors.New("outbox message text is too long")
	// ErrConversationRequired is returned when the conversation id is empty.
	ErrConversationRequired = errors.New("outbox conversation id is required")
	// ErrClientKeyRequired is returned by stores when a message has no client key.
	ErrClientKeyRequired = errors.New("outbox client key is required")
	// ErrInvalidStatus is returned when a status name or value cannot be parsed.
	ErrInvalidStatus = errors.New("outbox status is invalid")
	// ErrEngineClosed is returned once Shutdown has been called.
	ErrEngineClosed = errors.New("outbox engine is closed")
	// ErrEngineRunning is returned when Run is called twice.
	ErrEngineRunning = errors.New("outbox engine is already running")
	// ErrWorkerPanic indicates an attempt sequence or transport panic.
	ErrWorkerPanic = errors.New("outbox worker panic")
	// ErrNilOutcome indicates a transport returned no outcome.
	ErrNilOutcome = errors.New("outbox transport returned nil outcome")
)

// UnknownError wraps a failure the engine cannot classify, such as a store error
// surfaced to a caller or a misbehaving transport.
type UnknownError struct {
	Cause error
}

// Unknown wraps cause in an *UnknownError. A nil cause yields nil.
func Unknown(cause error) error {
	if cause == nil {
		return nil
	}
	var unknown *UnknownError
	if errors.As(cause, &unknown) {
		return cause
	}

	return &UnknownError{Cause: cause}
}

// Error implements error.
func (e *UnknownError) Error() string {
	if e.Cause == nil {
		return ErrUnknown.Error()
	}

	return fmt.Sprintf("%s: %v", ErrUnknown, e.Cause)
}

// Unwrap exposes the cause.
func (e *UnknownError) Unwrap() error {
	return e.Cause
}

// Is makes errors.Is(err, ErrUnknown) true.
func (e *UnknownError) Is(target error) bool {
	return target == ErrUnknown
}
