package outbox

import "fmt"

// OutcomeKind labels an Outcome for logs and metrics.
type OutcomeKind string

const (
	// KindAccepted labels Accepted.
	KindAccepted OutcomeKind = "accepted"
	// KindAlreadyAccepted labels AlreadyAccepted.
	KindAlreadyAccepted OutcomeKind = "already_accepted"
	// KindUnreachable labels Unreachable.
	KindUnreachable OutcomeKind = "unreachable"
	// KindTimeout labels Timeout.
	KindTimeout OutcomeKind = "timeout"
	// KindRejected labels Rejected.
	KindRejected OutcomeKind = "rejected"
)

// Outcome is the result of one delivery attempt. The set of outcomes is closed:
// Accepted, AlreadyAccepted, Unreachable, Timeout and Rejected.
type Outcome interface {
	// Kind returns the outcome label.
	Kind() OutcomeKind
	outcome()
}

// Accepted means the endpoint stored the message and assigned ServerID.
type Accepted struct {
	ServerID string
}

// AlreadyAccepted means the endpoint had already stored a message with the same client key.
type AlreadyAccepted struct{}

// Unreachable means the endpoint could not be contacted. The message is requeued.
type Unreachable struct {
	Err error
}

// Timeout means the attempt did not complete in time. It is retried with backoff.
type Timeout struct {
	Err error
}

// Rejected means the endpoint refused the message. It is never retried automatically.
type Rejected struct {
	Cause error
}

// Kind implements Outcome.
func (Accepted) Kind() OutcomeKind { return KindAccepted }

// Kind implements Outcome.
func (AlreadyAccepted) Kind() OutcomeKind { return KindAlreadyAccepted }

// Kind implements Outcome.
func (Unreachable) Kind() OutcomeKind { return KindUnreachable }

// Kind implements Outcome.
func (Timeout) Kind() OutcomeKind { return KindTimeout }

// Kind implements Outcome.
func (Rejected) Kind() OutcomeKind { return KindRejected }

func (Accepted) outcome()        {}
func (AlreadyAccepted) outcome() {}
func (Unreachable) outcome()     {}
func (Timeout) outcome()         {}
func (Rejected) outcome()        {}

func (o Accepted) String() string { return fmt.Sprintf("accepted(%s)", o.ServerID) }

func (o Unreachable) String() string { return describe(KindUnreachable, o.Err) }

func (o Timeout) String() string { return describe(KindTimeout, o.Err) }

func (o Rejected) String() string { return describe(KindRejected, o.Cause) }

func describe(kind OutcomeKind, err error) string {
	if err == nil {
		return string(kind)
	}

	return fmt.Sprintf("%s: %v", kind, err)
}

// OutcomeError returns the error carried by a failed outcome, or nil.
func OutcomeError(o Outcome) error {
	switch o := o.(type) {
	case Unreachable:
		return o.Err
	case Timeout:
		return o.Err
	case Rejected:
		return o.Cause
	default:
		return nil
	}
}
