package memory

import (
	"context"
	"slices"
	"sync"

	"github.com/velmie/offline-outbox"
	"github.com/velmie/offline-outbox/internal/watch"
)

type entry struct {
	msg outbox.Message
	seq int64
}

// Store is a mutex-guarded outbox.Store. The zero value is not usable, use NewStore.
type Store struct {
	mu      sync.Mutex
	entries map[string]*entry
	nextSeq int64
	hub     *watch.Hub[outbox.ConversationID, []outbox.Message]
}

var (
	_ outbox.Store          = (*Store)(nil)
	_ outbox.InFlightLister = (*Store)(nil)
)

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{
		entries: make(map[string]*entry),
		hub:     watch.New[outbox.ConversationID, []outbox.Message](),
	}
}

// Observe implements outbox.Store.
func (s *Store) Observe(ctx context.Context, conversation outbox.ConversationID) (<-chan []outbox.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.hub.Subscribe(ctx, conversation, s.snapshot(conversation, nil)), nil
}

// Insert implements outbox.Store. An existing key is overwritten in place and keeps
// its insertion position. A changed conversation notifies both conversations.
func (s *Store) Insert(_ context.Context, msg outbox.Message) error {
	if msg.ClientKey == "" {
		return outbox.ErrClientKeyRequired
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.entries[msg.ClientKey]; ok {
		prev := cur.msg.ConversationID
		cur.msg = msg
		if prev != msg.ConversationID {
			s.publish(prev)
		}
	} else {
		s.nextSeq++
		s.entries[msg.ClientKey] = &entry{msg: msg, seq: s.nextSeq}
	}
	s.publish(msg.ConversationID)

	return nil
}

// Update implements outbox.Store.
func (s *Store) Update(_ context.Context, clientKey string, upd outbox.Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.entries[clientKey]
	if !ok || upd.IsZero() {
		return nil
	}
	cur.msg = upd.Apply(cur.msg)
	s.publish(cur.msg.ConversationID)

	return nil
}

// Pending implements outbox.Store.
func (s *Store) Pending(_ context.Context, conversation outbox.ConversationID) ([]outbox.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.snapshot(conversation, outbox.Status.Pending), nil
}

// InFlight implements outbox.InFlightLister.
func (s *Store) InFlight(_ context.Context, conversation outbox.ConversationID) ([]outbox.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.snapshot(conversation, func(st outbox.Status) bool { return st == outbox.StatusSending }), nil
}

// Get returns the message stored under clientKey.
func (s *Store) Get(clientKey string) (outbox.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.entries[clientKey]
	if !ok {
		return outbox.Message{}, false
	}

	return cur.msg, true
}

// Messages returns the ordered messages of a conversation.
func (s *Store) Messages(conversation outbox.ConversationID) []outbox.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.snapshot(conversation, nil)
}

// Close ends every observation.
func (s *Store) Close() error {
	s.hub.Close()

	return nil
}

// publish must be called with s.mu held so observers see mutations in order.
func (s *Store) publish(conversation outbox.ConversationID) {
	s.hub.Publish(conversation, s.snapshot(conversation, nil))
}

func (s *Store) snapshot(conversation outbox.ConversationID, keep func(outbox.Status) bool) []outbox.Message {
	selected := make([]*entry, 0)
	for _, e := range s.entries {
		if e.msg.ConversationID != conversation {
			continue
		}
		if keep != nil && !keep(e.msg.Status) {
			continue
		}
		selected = append(selected, e)
	}
	slices.SortFunc(selected, func(a, b *entry) int {
		if c := a.msg.CreatedAt.Compare(b.msg.CreatedAt); c != 0 {
			return c
		}
		if a.seq < b.seq {
			return -1
		}
		if a.seq > b.seq {
			return 1
		}

		return 0
	})

	out := make([]outbox.Message, len(selected))
	for i, e := range selected {
		out[i] = e.msg
	}

	return out
}
