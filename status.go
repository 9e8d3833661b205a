package outbox

import "fmt"

// Status represents the lifecycle state of an outgoing message.
type Status int16

const (
	// StatusQueued indicates the message waits for connectivity or a retry.
	StatusQueued Status = 0
	// StatusSending indicates an attempt sequence owns the message.
	StatusSending Status = 1
	// StatusSent indicates the remote endpoint acknowledged the message. It is terminal.
	StatusSent Status = 2
	// StatusFailed indicates automatic delivery gave up; only a manual retry resumes it.
	StatusFailed Status = -1
)

// String returns a lowercase name for logs and metric labels.
func (s Status) String() string {
	switch s {
	case StatusQueued:
		return "queued"
	case StatusSending:
		return "sending"
	case StatusSent:
		return "sent"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int16(s))
	}
}

// Pending reports whether the message is eligible for a sweep or manual retry.
func (s Status) Pending() bool {
	return s == StatusQueued || s == StatusFailed
}

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusSent
}

// ParseStatus converts a name produced by String back to a Status.
func ParseStatus(name string) (Status, error) {
	switch name {
	case "queued":
		return StatusQueued, nil
	case "sending":
		return StatusSending, nil
	case "sent":
		return StatusSent, nil
	case "failed":
		return StatusFailed, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidStatus, name)
	}
}

// CanTransition reports whether the engine may move a message from one status to another.
//
// Sending -> Sending is allowed for a timed out attempt that will be retried.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusQueued:
		return to == StatusSending
	case StatusSending:
		return to == StatusSending || to == StatusSent || to == StatusQueued || to == StatusFailed
	case StatusFailed:
		return to == StatusSending
	default:
		return false
	}
}
