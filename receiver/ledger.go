package receiver

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/velmie/offline-outbox/wire"
)

// Ledger keeps accepted messages, one per client key.
type Ledger struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
	byKey   map[string]wire.Message
	byConv  map[string][]string
}

// NewLedger returns an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{
		entropy: ulid.Monotonic(rand.Reader, 0),
		byKey:   make(map[string]wire.Message),
		byConv:  make(map[string][]string),
	}
}

// Accept stores the message unless its client key is known. It reports the
// stored message and whether the key was seen before.
func (l *Ledger) Accept(msg wire.Message, now time.Time) (wire.Message, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if existing, ok := l.byKey[msg.ClientKey]; ok {
		return existing, true, nil
	}

	id, err := ulid.New(ulid.Timestamp(now), l.entropy)
	if err != nil {
		return wire.Message{}, false, err
	}
	msg.ServerID = id.String()
	msg.ReceivedAt = now
	l.byKey[msg.ClientKey] = msg
	l.byConv[msg.ConversationID] = append(l.byConv[msg.ConversationID], msg.ClientKey)

	return msg, false, nil
}

// List returns a conversation in arrival order.
func (l *Ledger) List(conversation string) []wire.Message {
	l.mu.Lock()
	defer l.mu.Unlock()

	keys := l.byConv[conversation]
	out := make([]wire.Message, len(keys))
	for i, key := range keys {
		out[i] = l.byKey[key]
	}

	return out
}

// Len returns the number of accepted messages.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.byKey)
}
