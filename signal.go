package outbox

import (
	"context"
	"sync"

	"github.com/velmie/offline-outbox/internal/watch"
)

// Connectivity reports whether the remote endpoint is believed reachable.
type Connectivity interface {
	// Online returns the current value.
	Online() bool
	// Subscribe emits the current value immediately and every later change.
	// The channel is closed when ctx is done.
	Subscribe(ctx context.Context) <-chan bool
}

// Signal is a settable Connectivity value. The zero value is not usable, use NewSignal.
type Signal struct {
	mu     sync.Mutex
	online bool
	hub    *watch.Hub[struct{}, bool]
}

var _ Connectivity = (*Signal)(nil)

// NewSignal returns a Signal with the given initial value.
func NewSignal(online bool) *Signal {
	return &Signal{
		online: online,
		hub:    watch.New[struct{}, bool](),
	}
}

// Online implements Connectivity.
func (s *Signal) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.online
}

// Set changes the value. Setting the current value again notifies nobody.
func (s *Signal) Set(online bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.online == online {
		return
	}
	s.online = online
	s.hub.Publish(struct{}{}, online)
}

// Subscribe implements Connectivity. A slow subscriber only observes the latest value.
func (s *Signal) Subscribe(ctx context.Context) <-chan bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.hub.Subscribe(ctx, struct{}{}, s.online)
}
