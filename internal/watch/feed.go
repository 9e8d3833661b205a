package watch

import (
	"context"
	"sync"
)

// Loader reads the current value for key from the backing store.
type Loader[K comparable, V any] func(ctx context.Context, key K) (V, error)

// Feed pairs a Hub with a Loader for stores whose state lives outside the process.
// Mutations run one at a time and the touched keys are reloaded and published
// before Mutate returns, so subscribers never observe an older value after a newer one.
type Feed[K comparable, V any] struct {
	mu      sync.Mutex
	hub     *Hub[K, V]
	load    Loader[K, V]
	onError func(key K, err error)
}

// NewFeed returns a Feed reading values with load. onError, when set, receives
// reload failures after a successful mutation.
func NewFeed[K comparable, V any](load Loader[K, V], onError func(key K, err error)) *Feed[K, V] {
	return &Feed[K, V]{
		hub:     New[K, V](),
		load:    load,
		onError: onError,
	}
}

// Subscribe loads the current value of key and subscribes to later ones.
func (f *Feed[K, V]) Subscribe(ctx context.Context, key K) (<-chan V, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	initial, err := f.load(ctx, key)
	if err != nil {
		return nil, err
	}

	return f.hub.Subscribe(ctx, key, initial), nil
}

// Mutate runs fn and publishes a fresh value for every key it reports as touched.
// Keys without subscribers are not reloaded.
func (f *Feed[K, V]) Mutate(ctx context.Context, fn func(ctx context.Context) ([]K, error)) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	touched, err := fn(ctx)
	if err != nil {
		return err
	}
	for _, key := range touched {
		if f.hub.Subscribers(key) == 0 {
			continue
		}
		v, err := f.load(context.WithoutCancel(ctx), key)
		if err != nil {
			if f.onError != nil {
				f.onError(key, err)
			}

			continue
		}
		f.hub.Publish(key, v)
	}

	return nil
}

// Close ends every subscription.
func (f *Feed[K, V]) Close() {
	f.hub.Close()
}
