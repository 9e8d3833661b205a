package outbox

import (
	"context"
	"time"
)

// Outgoing is the payload a Transport delivers.
type Outgoing struct {
	ClientKey      string
	ConversationID ConversationID
	Text           string
	CreatedAt      time.Time
}

// Transport delivers a single message to the remote endpoint.
//
// Implementations must be idempotent per ClientKey: a replayed key is reported
// as AlreadyAccepted and must not create a second remote message.
type Transport interface {
	// Send performs one delivery attempt. It never returns a nil Outcome.
	Send(ctx context.Context, msg Outgoing) Outcome
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, msg Outgoing) Outcome

// Send implements Transport.
func (fn TransportFunc) Send(ctx context.Context, msg Outgoing) Outcome {
	return fn(ctx, msg)
}

// OutcomeHandler is called after every transport attempt.
type OutcomeHandler func(ctx context.Context, msg Message, attempt int, outcome Outcome)
