// Package storetest holds the behavior every outbox.Store implementation must share.
package storetest

import (
	"context"
	"fmt"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/velmie/offline-outbox"
	"github.com/velmie/offline-outbox/faketransport"
)

// Factory returns an empty store. Conversations are unique per call, so a
// factory may hand out stores backed by the same database.
type Factory func(t *testing.T) outbox.Store

// Base is truncated to microseconds so every backend round-trips it exactly.
var Base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

const waitTimeout = 5 * time.Second

// Run executes the shared store suite.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	t.Run("Ordering", func(t *testing.T) { testOrdering(t, newStore(t)) })
	t.Run("UpsertKeepsPosition", func(t *testing.T) { testUpsert(t, newStore(t)) })
	t.Run("UpsertMovesConversation", func(t *testing.T) { testMove(t, newStore(t)) })
	t.Run("PartialUpdate", func(t *testing.T) { testUpdate(t, newStore(t)) })
	t.Run("UnknownKeyUpdate", func(t *testing.T) { testUnknownUpdate(t, newStore(t)) })
	t.Run("PendingAndInFlight", func(t *testing.T) { testPending(t, newStore(t)) })
	t.Run("Observe", func(t *testing.T) { testObserve(t, newStore(t)) })
	t.Run("ObserveStopsOnCancel", func(t *testing.T) { testObserveCancel(t, newStore(t)) })
	t.Run("EngineDelivery", func(t *testing.T) { testEngine(t, newStore(t)) })
}

// Conversation returns an id unique to the running test.
func Conversation(t *testing.T, name string) outbox.ConversationID {
	return outbox.ConversationID(fmt.Sprintf("%s/%s", t.Name(), name))
}

// Message builds a message created offset after Base.
func Message(key string, conv outbox.ConversationID, offset time.Duration, status outbox.Status) outbox.Message {
	return outbox.Message{
		ClientKey:      key,
		ConversationID: conv,
		Text:           "text " + key,
		CreatedAt:      Base.Add(offset),
		Status:         status,
	}
}

// Keys lists client keys in order.
func Keys(msgs []outbox.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ClientKey
	}

	return out
}

// Next reads snapshots from ch until one satisfies ok.
func Next(t *testing.T, ch <-chan []outbox.Message, ok func([]outbox.Message) bool) []outbox.Message {
	t.Helper()

	timer := time.NewTimer(waitTimeout)
	defer timer.Stop()
	for {
		select {
		case snap, open := <-ch:
			require.True(t, open, "observation closed")
			if ok(snap) {
				return snap
			}
		case <-timer.C:
			t.Fatalf("no matching snapshot within %s", waitTimeout)
			return nil
		}
	}
}

func key(t *testing.T, name string) string {
	return fmt.Sprintf("%x-%s", time.Now().UnixNano(), name)
}

func snapshot(t *testing.T, store outbox.Store, conv outbox.ConversationID) []outbox.Message {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := store.Observe(ctx, conv)
	require.NoError(t, err)

	return Next(t, ch, func([]outbox.Message) bool { return true })
}

func testOrdering(t *testing.T, store outbox.Store) {
	ctx := context.Background()
	conv := Conversation(t, "a")
	c, b, x := key(t, "c"), key(t, "b"), key(t, "x")

	require.NoError(t, store.Insert(ctx, Message(c, conv, 2*time.Second, outbox.StatusQueued)))
	require.NoError(t, store.Insert(ctx, Message(b, conv, time.Second, outbox.StatusQueued)))
	require.NoError(t, store.Insert(ctx, Message(x, conv, time.Second, outbox.StatusQueued)))
	require.NoError(t, store.Insert(ctx, Message(key(t, "other"), Conversation(t, "b"), 0, outbox.StatusQueued)))

	got := snapshot(t, store, conv)
	require.Equal(t, []string{b, x, c}, Keys(got))
	require.True(t, got[0].CreatedAt.Equal(Base.Add(time.Second)))
	require.Equal(t, "text "+b, got[0].Text)
}

func testUpsert(t *testing.T, store outbox.Store) {
	ctx := context.Background()
	conv := Conversation(t, "a")
	k1, k2 := key(t, "1"), key(t, "2")

	require.NoError(t, store.Insert(ctx, Message(k1, conv, 0, outbox.StatusQueued)))
	require.NoError(t, store.Insert(ctx, Message(k2, conv, 0, outbox.StatusQueued)))
	replay := Message(k1, conv, 0, outbox.StatusFailed)
	replay.Text = "replaced"
	require.NoError(t, store.Insert(ctx, replay))

	got := snapshot(t, store, conv)
	require.Equal(t, []string{k1, k2}, Keys(got))
	require.Equal(t, "replaced", got[0].Text)
	require.Equal(t, outbox.StatusFailed, got[0].Status)
}

func testMove(t *testing.T, store outbox.Store) {
	ctx := context.Background()
	from, to := Conversation(t, "from"), Conversation(t, "to")
	k := key(t, "k")

	obs, cancel := context.WithCancel(ctx)
	defer cancel()
	ch, err := store.Observe(obs, from)
	require.NoError(t, err)

	require.NoError(t, store.Insert(ctx, Message(k, from, 0, outbox.StatusQueued)))
	Next(t, ch, func(s []outbox.Message) bool { return len(s) == 1 })

	require.NoError(t, store.Insert(ctx, Message(k, to, 0, outbox.StatusQueued)))
	Next(t, ch, func(s []outbox.Message) bool { return len(s) == 0 })
	require.Equal(t, []string{k}, Keys(snapshot(t, store, to)))
}

func testUpdate(t *testing.T, store outbox.Store) {
	ctx := context.Background()
	conv := Conversation(t, "a")
	k := key(t, "k")
	require.NoError(t, store.Insert(ctx, Message(k, conv, 0, outbox.StatusSending)))

	require.NoError(t, store.Update(ctx, k, outbox.AcceptedUpdate("srv-1")))
	got := snapshot(t, store, conv)
	require.Len(t, got, 1)
	require.Equal(t, "srv-1", got[0].ServerID)
	require.Equal(t, outbox.StatusSent, got[0].Status)
	require.Equal(t, "text "+k, got[0].Text)

	require.NoError(t, store.Update(ctx, k, outbox.AcceptedUpdate("")))
	require.NoError(t, store.Update(ctx, k, outbox.Update{}))
	got = snapshot(t, store, conv)
	require.Equal(t, "srv-1", got[0].ServerID)
	require.Equal(t, outbox.StatusSent, got[0].Status)
}

func testUnknownUpdate(t *testing.T, store outbox.Store) {
	ctx := context.Background()
	require.NoError(t, store.Update(ctx, key(t, "missing"), outbox.StatusUpdate(outbox.StatusSent)))
	require.Empty(t, snapshot(t, store, Conversation(t, "a")))
}

func testPending(t *testing.T, store outbox.Store) {
	ctx := context.Background()
	conv := Conversation(t, "a")
	queued, sending, sent, failed := key(t, "q"), key(t, "s"), key(t, "d"), key(t, "f")

	require.NoError(t, store.Insert(ctx, Message(failed, conv, 3*time.Second, outbox.StatusFailed)))
	require.NoError(t, store.Insert(ctx, Message(sent, conv, 2*time.Second, outbox.StatusSent)))
	require.NoError(t, store.Insert(ctx, Message(sending, conv, time.Second, outbox.StatusSending)))
	require.NoError(t, store.Insert(ctx, Message(queued, conv, 0, outbox.StatusQueued)))
	require.NoError(t, store.Insert(ctx, Message(key(t, "o"), Conversation(t, "b"), 0, outbox.StatusQueued)))

	pending, err := store.Pending(ctx, conv)
	require.NoError(t, err)
	require.Equal(t, []string{queued, failed}, Keys(pending))

	lister, ok := store.(outbox.InFlightLister)
	if !ok {
		return
	}
	inFlight, err := lister.InFlight(ctx, conv)
	require.NoError(t, err)
	require.Equal(t, []string{sending}, Keys(inFlight))
}

func testObserve(t *testing.T, store outbox.Store) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	conv := Conversation(t, "a")
	k := key(t, "k")

	ch, err := store.Observe(ctx, conv)
	require.NoError(t, err)
	require.Empty(t, Next(t, ch, func([]outbox.Message) bool { return true }))

	require.NoError(t, store.Insert(ctx, Message(k, conv, 0, outbox.StatusQueued)))
	Next(t, ch, func(s []outbox.Message) bool {
		return len(s) == 1 && s[0].Status == outbox.StatusQueued
	})

	require.NoError(t, store.Update(ctx, k, outbox.StatusUpdate(outbox.StatusSending)))
	Next(t, ch, func(s []outbox.Message) bool {
		return len(s) == 1 && s[0].Status == outbox.StatusSending
	})
}

func testObserveCancel(t *testing.T, store outbox.Store) {
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := store.Observe(ctx, Conversation(t, "a"))
	require.NoError(t, err)
	cancel()

	timer := time.NewTimer(waitTimeout)
	defer timer.Stop()
	for {
		select {
		case _, open := <-ch:
			if !open {
				return
			}
		case <-timer.C:
			t.Fatalf("observation still open after cancel")
		}
	}
}

func testEngine(t *testing.T, store outbox.Store) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	conv := Conversation(t, "chat")

	transport := faketransport.NewScripted()
	signal := outbox.NewSignal(true)
	engine := outbox.NewEngine(store, transport, signal, outbox.WithBaseBackoff(-1))

	ch, err := engine.ObserveMessages(ctx, conv)
	require.NoError(t, err)

	first, err := engine.SendText(ctx, conv, "hello")
	require.NoError(t, err)
	second, err := engine.SendText(ctx, conv, "world")
	require.NoError(t, err)

	snap := Next(t, ch, func(s []outbox.Message) bool {
		return len(s) == 2 && !slices.ContainsFunc(s, func(m outbox.Message) bool {
			return m.Status != outbox.StatusSent
		})
	})
	require.Equal(t, []string{first.ClientKey, second.ClientKey}, Keys(snap))
	require.Equal(t, "srv-"+first.ClientKey, snap[0].ServerID)

	shutdown, stop := context.WithTimeout(context.Background(), waitTimeout)
	defer stop()
	require.NoError(t, engine.Shutdown(shutdown))
}
