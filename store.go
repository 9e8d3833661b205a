package outbox

import "context"

// Store persists messages and notifies observers of every change.
//
// Implementations are keyed by ClientKey. Insert of an existing key overwrites the
// stored message and keeps its original insertion position, so two records with
// the same key never coexist.
type Store interface {
	// Observe emits the ordered message list of a conversation immediately and after
	// every insert or update touching it. The channel is closed when ctx is done.
	// Delivery is conflated: a slow reader only sees the latest list.
	Observe(ctx context.Context, conversation ConversationID) (<-chan []Message, error)
	// Insert stores msg, replacing any message with the same ClientKey.
	Insert(ctx context.Context, msg Message) error
	// Update applies the non-nil fields of upd. Unknown keys are ignored.
	Update(ctx context.Context, clientKey string, upd Update) error
	// Pending returns the Queued and Failed messages of a conversation ordered by CreatedAt.
	Pending(ctx context.Context, conversation ConversationID) ([]Message, error)
}

// InFlightLister lists messages left in StatusSending, typically by a previous process.
type InFlightLister interface {
	// InFlight returns the Sending messages of a conversation ordered by CreatedAt.
	InFlight(ctx context.Context, conversation ConversationID) ([]Message, error)
}
