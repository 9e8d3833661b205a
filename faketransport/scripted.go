package faketransport

import (
	"context"
	"sync"

	"github.com/velmie/offline-outbox"
)

// Call records one Send invocation.
type Call struct {
	Msg     outbox.Outgoing
	Attempt int
}

// Scripted returns outcomes from a per-key or shared script and records every call.
// When a script runs out the last outcome repeats. Without any script it accepts.
type Scripted struct {
	mu       sync.Mutex
	shared   []outbox.Outcome
	perKey   map[string][]outbox.Outcome
	attempts map[string]int
	calls    []Call
	block    chan struct{}
}

var _ outbox.Transport = (*Scripted)(nil)

// NewScripted returns a Scripted transport that plays outcomes in order for every key.
func NewScripted(outcomes ...outbox.Outcome) *Scripted {
	return &Scripted{
		shared:   outcomes,
		perKey:   make(map[string][]outbox.Outcome),
		attempts: make(map[string]int),
	}
}

// Script sets the outcomes played for clientKey.
func (s *Scripted) Script(clientKey string, outcomes ...outbox.Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.perKey[clientKey] = outcomes
	s.attempts[clientKey] = 0
}

// Hold makes every Send block until Release is called or ctx is done.
func (s *Scripted) Hold() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.block == nil {
		s.block = make(chan struct{})
	}
}

// Release unblocks calls parked by Hold.
func (s *Scripted) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.block != nil {
		close(s.block)
		s.block = nil
	}
}

// Send implements outbox.Transport.
func (s *Scripted) Send(ctx context.Context, msg outbox.Outgoing) outbox.Outcome {
	s.mu.Lock()
	s.attempts[msg.ClientKey]++
	attempt := s.attempts[msg.ClientKey]
	s.calls = append(s.calls, Call{Msg: msg, Attempt: attempt})
	script, ok := s.perKey[msg.ClientKey]
	if !ok {
		script = s.shared
	}
	block := s.block
	s.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return outbox.Timeout{Err: ctx.Err()}
		}
	}

	if len(script) == 0 {
		return outbox.Accepted{ServerID: "srv-" + msg.ClientKey}
	}
	if attempt > len(script) {
		return script[len(script)-1]
	}

	return script[attempt-1]
}

// Calls returns a copy of the recorded calls.
func (s *Scripted) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Call, len(s.calls))
	copy(out, s.calls)

	return out
}

// CallsFor returns how many times clientKey was sent.
func (s *Scripted) CallsFor(clientKey string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.attempts[clientKey]
}

// Conversations returns the distinct conversations seen, in call order.
func (s *Scripted) Conversations() []outbox.ConversationID {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[outbox.ConversationID]struct{})
	out := make([]outbox.ConversationID, 0)
	for _, c := range s.calls {
		if _, ok := seen[c.Msg.ConversationID]; ok {
			continue
		}
		seen[c.Msg.ConversationID] = struct{}{}
		out = append(out, c.Msg.ConversationID)
	}

	return out
}
