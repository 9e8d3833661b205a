package watch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSubscribeDeliversInitialValue(t *testing.T) {
	hub := New[string, int]()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := hub.Subscribe(ctx, "a", 7)

	require.Equal(t, 7, <-ch)
}

func TestPublishKeepsLatestValue(t *testing.T) {
	hub := New[string, int]()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := hub.Subscribe(ctx, "a", 0)
	hub.Publish("a", 1)
	hub.Publish("a", 2)
	hub.Publish("b", 99)

	require.Equal(t, 2, <-ch)
	select {
	case v := <-ch:
		t.Fatalf("unexpected value %d", v)
	default:
	}
}

func TestPublishReachesEverySubscriber(t *testing.T) {
	hub := New[string, int]()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first := hub.Subscribe(ctx, "a", 0)
	second := hub.Subscribe(ctx, "a", 0)
	<-first
	<-second

	hub.Publish("a", 5)

	require.Equal(t, 5, <-first)
	require.Equal(t, 5, <-second)
	require.Equal(t, 2, hub.Subscribers("a"))
}

func TestCancelClosesChannel(t *testing.T) {
	hub := New[string, int]()
	ctx, cancel := context.WithCancel(context.Background())

	ch := hub.Subscribe(ctx, "a", 0)
	<-ch
	cancel()

	require.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, time.Second, time.Millisecond)
	require.Zero(t, hub.Subscribers("a"))
}

func TestCloseClosesSubscribers(t *testing.T) {
	hub := New[string, int]()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := hub.Subscribe(ctx, "a", 1)
	hub.Close()
	hub.Close()

	require.Equal(t, 1, <-ch)
	_, ok := <-ch
	require.False(t, ok)

	late := hub.Subscribe(ctx, "a", 3)
	require.Equal(t, 3, <-late)
	_, ok = <-late
	require.False(t, ok)
}
