// Package watch fans out the latest value per key to any number of subscribers.
package watch

import (
	"context"
	"sync"
)

// Hub broadcasts values per key. Each subscriber holds at most one undelivered
// value: a newer publish replaces an older one that has not been read yet.
type Hub[K comparable, V any] struct {
	mu     sync.Mutex
	subs   map[K]map[*subscriber[V]]struct{}
	done   chan struct{}
	closed bool
}

type subscriber[V any] struct {
	ch chan V
}

// New returns an empty Hub.
func New[K comparable, V any]() *Hub[K, V] {
	return &Hub[K, V]{
		subs: make(map[K]map[*subscriber[V]]struct{}),
		done: make(chan struct{}),
	}
}

// Subscribe registers a subscriber for key and queues initial as its first value.
// The returned channel is closed when ctx is done or the hub is closed.
func (h *Hub[K, V]) Subscribe(ctx context.Context, key K, initial V) <-chan V {
	s := &subscriber[V]{ch: make(chan V, 1)}
	s.ch <- initial

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(s.ch)

		return s.ch
	}
	set, ok := h.subs[key]
	if !ok {
		set = make(map[*subscriber[V]]struct{})
		h.subs[key] = set
	}
	set[s] = struct{}{}
	h.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			h.remove(key, s)
		case <-h.done:
		}
	}()

	return s.ch
}

// Publish delivers v to every subscriber of key, replacing values they have not read.
func (h *Hub[K, V]) Publish(key K, v V) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for s := range h.subs[key] {
		offer(s.ch, v)
	}
}

// Subscribers returns the number of live subscribers for key.
func (h *Hub[K, V]) Subscribers(key K) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.subs[key])
}

// Close closes every subscriber channel. Later subscriptions receive a closed channel.
func (h *Hub[K, V]) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	close(h.done)
	for key, set := range h.subs {
		for s := range set {
			close(s.ch)
		}
		delete(h.subs, key)
	}
}

func (h *Hub[K, V]) remove(key K, s *subscriber[V]) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.subs[key]
	if !ok {
		return
	}
	if _, ok := set[s]; !ok {
		return
	}
	delete(set, s)
	if len(set) == 0 {
		delete(h.subs, key)
	}
	close(s.ch)
}

// offer must be called with the hub lock held, which makes it the only sender.
func offer[V any](ch chan V, v V) {
	select {
	case ch <- v:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- v:
	default:
	}
}
