package outbox_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/velmie/offline-outbox"
	"github.com/velmie/offline-outbox/faketransport"
	"github.com/velmie/offline-outbox/memory"
)

const waitTimeout = 2 * time.Second

type recordingClock struct {
	mu     sync.Mutex
	now    time.Time
	step   time.Duration
	delays []time.Duration
}

func newRecordingClock() *recordingClock {
	return &recordingClock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC), step: time.Millisecond}
}

func (c *recordingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now
	c.now = c.now.Add(c.step)

	return now
}

func (c *recordingClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.delays = append(c.delays, d)
	ch := make(chan time.Time, 1)
	ch <- c.now.Add(d)

	return ch
}

func (c *recordingClock) Delays() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]time.Duration, len(c.delays))
	copy(out, c.delays)

	return out
}

// blockingClock never fires, so sequences park in backoff until interrupted.
type blockingClock struct {
	*recordingClock
	waiting chan time.Duration
}

func (c *blockingClock) After(d time.Duration) <-chan time.Time {
	c.waiting <- d

	return make(chan time.Time)
}

// recordingStore wraps a store and records every status written per key.
type recordingStore struct {
	*memory.Store

	mu       sync.Mutex
	statuses map[string][]outbox.Status
	mutated  int
}

func newRecordingStore() *recordingStore {
	return &recordingStore{Store: memory.NewStore(), statuses: make(map[string][]outbox.Status)}
}

func (s *recordingStore) Insert(ctx context.Context, msg outbox.Message) error {
	s.mu.Lock()
	s.statuses[msg.ClientKey] = append(s.statuses[msg.ClientKey], msg.Status)
	s.mutated++
	s.mu.Unlock()

	return s.Store.Insert(ctx, msg)
}

func (s *recordingStore) Update(ctx context.Context, clientKey string, upd outbox.Update) error {
	s.mu.Lock()
	if upd.Status != nil {
		s.statuses[clientKey] = append(s.statuses[clientKey], *upd.Status)
	}
	s.mutated++
	s.mu.Unlock()

	return s.Store.Update(ctx, clientKey, upd)
}

func (s *recordingStore) Statuses(clientKey string) []outbox.Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]outbox.Status(nil), s.statuses[clientKey]...)
}

func (s *recordingStore) Mutations() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.mutated
}

type sweepCounter struct {
	outbox.NopMetrics
	sweeps atomic.Int64
}

func (m *sweepCounter) AddSweeps(count int) {
	m.sweeps.Add(int64(count))
}

type failingStore struct {
	outbox.Store
	insertErr  error
	pendingErr error
}

func (s failingStore) Insert(ctx context.Context, msg outbox.Message) error {
	if s.insertErr != nil {
		return s.insertErr
	}

	return s.Store.Insert(ctx, msg)
}

func (s failingStore) Pending(ctx context.Context, conversation outbox.ConversationID) ([]outbox.Message, error) {
	if s.pendingErr != nil {
		return nil, s.pendingErr
	}

	return s.Store.Pending(ctx, conversation)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitStatus(t *testing.T, store *recordingStore, clientKey string, status outbox.Status) outbox.Message {
	t.Helper()

	var msg outbox.Message
	waitFor(t, "status "+status.String(), func() bool {
		var ok bool
		msg, ok = store.Get(clientKey)
		return ok && msg.Status == status
	})

	return msg
}

func waitIdle(t *testing.T, engine *outbox.Engine) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	if err := engine.Wait(ctx); err != nil {
		t.Fatalf("wait idle: %v", err)
	}
}

func startEngine(t *testing.T, engine *outbox.Engine) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- engine.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("run: %v", err)
		}
	})
}

func assertMonotonic(t *testing.T, statuses []outbox.Status) {
	t.Helper()

	for i := 1; i < len(statuses); i++ {
		if !outbox.CanTransition(statuses[i-1], statuses[i]) {
			t.Fatalf("illegal transition %s -> %s in %v", statuses[i-1], statuses[i], statuses)
		}
	}
}

func TestSendTextOfflineQueuesWithoutTransportCalls(t *testing.T) {
	store := newRecordingStore()
	transport := faketransport.NewScripted()
	signal := outbox.NewSignal(false)
	engine := outbox.NewEngine(store, transport, signal, outbox.WithClock(newRecordingClock()))

	msg, err := engine.SendText(context.Background(), "support", "hi")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if msg.Status != outbox.StatusQueued {
		t.Fatalf("expected queued, got %s", msg.Status)
	}
	if msg.ClientKey == "" || msg.ServerID != "" {
		t.Fatalf("unexpected keys: %+v", msg)
	}

	waitIdle(t, engine)
	if calls := len(transport.Calls()); calls != 0 {
		t.Fatalf("expected no transport calls, got %d", calls)
	}
	stored, ok := store.Get(msg.ClientKey)
	if !ok || stored.Status != outbox.StatusQueued {
		t.Fatalf("expected stored queued message, got %+v", stored)
	}
}

func TestSendTextDoesNotWaitForTransport(t *testing.T) {
	store := newRecordingStore()
	transport := faketransport.NewScripted()
	transport.Hold()
	defer transport.Release()
	engine := outbox.NewEngine(store, transport, outbox.NewSignal(true))

	msg, err := engine.SendText(context.Background(), "support", "x")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if msg.Status != outbox.StatusSending {
		t.Fatalf("expected sending, got %s", msg.Status)
	}
	if stored, _ := store.Get(msg.ClientKey); stored.Status != outbox.StatusSending {
		t.Fatalf("expected stored sending, got %s", stored.Status)
	}

	transport.Release()
	waitStatus(t, store, msg.ClientKey, outbox.StatusSent)
}

func TestOfflineThenOnlineDeliversQueuedMessage(t *testing.T) {
	store := newRecordingStore()
	transport := faketransport.NewScripted(outbox.Accepted{ServerID: "srv-1"})
	signal := outbox.NewSignal(false)
	engine := outbox.NewEngine(store, transport, signal)
	startEngine(t, engine)

	msg, err := engine.SendText(context.Background(), "support", "hi")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if msg.Status != outbox.StatusQueued {
		t.Fatalf("expected queued, got %s", msg.Status)
	}

	signal.Set(true)
	sent := waitStatus(t, store, msg.ClientKey, outbox.StatusSent)
	if sent.ServerID != "srv-1" {
		t.Fatalf("expected server id srv-1, got %q", sent.ServerID)
	}
	if got := transport.CallsFor(msg.ClientKey); got != 1 {
		t.Fatalf("expected 1 call, got %d", got)
	}
	assertMonotonic(t, store.Statuses(msg.ClientKey))
}

func TestUnreachableRequeuesUntilNextOnlineSweep(t *testing.T) {
	store := newRecordingStore()
	transport := faketransport.NewScripted(outbox.Unreachable{Err: errors.New("dial")}, outbox.Accepted{ServerID: "srv-2"})
	signal := outbox.NewSignal(true)
	metrics := &sweepCounter{}
	engine := outbox.NewEngine(store, transport, signal, outbox.WithClock(newRecordingClock()), outbox.WithMetrics(metrics))
	startEngine(t, engine)
	waitFor(t, "initial sweep", func() bool { return metrics.sweeps.Load() == 1 })

	msg, err := engine.SendText(context.Background(), "support", "x")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if msg.Status != outbox.StatusSending {
		t.Fatalf("expected sending, got %s", msg.Status)
	}

	waitStatus(t, store, msg.ClientKey, outbox.StatusQueued)
	waitIdle(t, engine)
	if got := transport.CallsFor(msg.ClientKey); got != 1 {
		t.Fatalf("unreachable must not retry immediately, got %d calls", got)
	}

	signal.Set(false)
	signal.Set(true)
	waitStatus(t, store, msg.ClientKey, outbox.StatusSent)
	if got := transport.CallsFor(msg.ClientKey); got != 2 {
		t.Fatalf("expected 2 calls, got %d", got)
	}
	assertMonotonic(t, store.Statuses(msg.ClientKey))
}

func TestTimeoutBackoffDoublesBetweenAttempts(t *testing.T) {
	store := newRecordingStore()
	clock := newRecordingClock()
	transport := faketransport.NewScripted(outbox.Timeout{}, outbox.Timeout{}, outbox.Accepted{ServerID: "srv-3"})
	engine := outbox.NewEngine(store, transport, outbox.NewSignal(true), outbox.WithClock(clock))

	msg, err := engine.SendText(context.Background(), "support", "retry me")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	waitIdle(t, engine)

	stored, _ := store.Get(msg.ClientKey)
	if stored.Status != outbox.StatusSent || stored.ServerID != "srv-3" {
		t.Fatalf("expected sent srv-3, got %+v", stored)
	}
	if got := transport.CallsFor(msg.ClientKey); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
	delays := clock.Delays()
	if len(delays) != 2 || delays[0] != time.Second || delays[1] != 2*time.Second {
		t.Fatalf("expected delays [1s 2s], got %v", delays)
	}
}

func TestTimeoutExhaustionFailsThenManualRetry(t *testing.T) {
	store := newRecordingStore()
	clock := newRecordingClock()
	transport := faketransport.NewScripted(outbox.Timeout{})
	signal := outbox.NewSignal(true)
	engine := outbox.NewEngine(store, transport, signal, outbox.WithClock(clock))
	ctx := context.Background()

	msg, err := engine.SendText(ctx, "support", "doomed")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	waitIdle(t, engine)

	if stored, _ := store.Get(msg.ClientKey); stored.Status != outbox.StatusFailed {
		t.Fatalf("expected failed, got %s", stored.Status)
	}
	if got := transport.CallsFor(msg.ClientKey); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
	if delays := clock.Delays(); len(delays) != 2 {
		t.Fatalf("expected no backoff after the last attempt, got %v", delays)
	}

	transport.Script(msg.ClientKey, outbox.Accepted{ServerID: "srv-4"})
	transport.Hold()
	if err := engine.RetryFailed(ctx, "support"); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if stored, _ := store.Get(msg.ClientKey); stored.Status != outbox.StatusSending {
		t.Fatalf("expected sending after retry, got %s", stored.Status)
	}
	transport.Release()

	waitStatus(t, store, msg.ClientKey, outbox.StatusSent)
	assertMonotonic(t, store.Statuses(msg.ClientKey))
}

func TestRetryFailedOfflineMutatesNothing(t *testing.T) {
	store := newRecordingStore()
	transport := faketransport.NewScripted(outbox.Rejected{Cause: errors.New("bad")})
	signal := outbox.NewSignal(true)
	engine := outbox.NewEngine(store, transport, signal)
	ctx := context.Background()

	msg, err := engine.SendText(ctx, "support", "x")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	waitStatus(t, store, msg.ClientKey, outbox.StatusFailed)
	waitIdle(t, engine)

	signal.Set(false)
	before := store.Mutations()
	err = engine.RetryFailed(ctx, "support")
	if !errors.Is(err, outbox.ErrNetworkUnavailable) {
		t.Fatalf("expected network unavailable, got %v", err)
	}
	if after := store.Mutations(); after != before {
		t.Fatalf("expected no mutation, got %d writes", after-before)
	}
	if got := transport.CallsFor(msg.ClientKey); got != 1 {
		t.Fatalf("expected 1 call, got %d", got)
	}
}

func TestRejectedIsNotRedrivenBySweep(t *testing.T) {
	store := newRecordingStore()
	transport := faketransport.NewScripted(outbox.Rejected{Cause: errors.New("too spicy")})
	signal := outbox.NewSignal(true)
	engine := outbox.NewEngine(store, transport, signal)
	startEngine(t, engine)

	msg, err := engine.SendText(context.Background(), "support", "x")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	waitStatus(t, store, msg.ClientKey, outbox.StatusFailed)

	signal.Set(false)
	signal.Set(true)
	launched, err := engine.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if launched != 0 {
		t.Fatalf("expected no launch, got %d", launched)
	}
	waitIdle(t, engine)
	if got := transport.CallsFor(msg.ClientKey); got != 1 {
		t.Fatalf("rejected message must not be retried automatically, got %d calls", got)
	}
}

func TestSweepFailedOptionRedrivesFailed(t *testing.T) {
	store := newRecordingStore()
	transport := faketransport.NewScripted()
	engine := outbox.NewEngine(store, transport, outbox.NewSignal(true),
		outbox.WithSweepFailed(true),
		outbox.WithConversations("support"),
	)
	ctx := context.Background()

	failed := outbox.Message{ClientKey: "f1", ConversationID: "support", Text: "x", CreatedAt: time.Now(), Status: outbox.StatusFailed}
	if err := store.Insert(ctx, failed); err != nil {
		t.Fatalf("insert: %v", err)
	}

	launched, err := engine.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if launched != 1 {
		t.Fatalf("expected 1 launch, got %d", launched)
	}
	waitStatus(t, store, "f1", outbox.StatusSent)
}

func TestReplayedClientKeyEndsSent(t *testing.T) {
	store := newRecordingStore()
	transport := faketransport.New(outbox.NewSignal(true), faketransport.WithLatency(0, 0), faketransport.WithTimeoutRate(0))
	signal := outbox.NewSignal(true)
	engine := outbox.NewEngine(store, transport, signal)
	ctx := context.Background()

	msg, err := engine.SendText(ctx, "support", "once")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	first := waitStatus(t, store, msg.ClientKey, outbox.StatusSent)
	waitIdle(t, engine)

	duplicate := msg
	duplicate.Text = "duplicate"
	duplicate.Status = outbox.StatusQueued
	if err := store.Insert(ctx, duplicate); err != nil {
		t.Fatalf("insert duplicate: %v", err)
	}
	if got := len(store.Messages("support")); got != 1 {
		t.Fatalf("expected a single record per client key, got %d", got)
	}

	if err := engine.RetryFailed(ctx, "support"); err != nil {
		t.Fatalf("retry: %v", err)
	}
	waitIdle(t, engine)

	final, _ := store.Get(msg.ClientKey)
	if final.Status != outbox.StatusSent {
		t.Fatalf("expected sent after replay, got %s", final.Status)
	}
	if serverID, _ := transport.Accepted(msg.ClientKey); serverID != first.ServerID {
		t.Fatalf("expected a single remote delivery")
	}
}

func TestSendingToOneConversationLeavesOthersAlone(t *testing.T) {
	store := newRecordingStore()
	transport := faketransport.NewScripted()
	signal := outbox.NewSignal(false)
	engine := outbox.NewEngine(store, transport, signal)
	ctx := context.Background()

	queuedB, err := engine.SendText(ctx, "b", "later")
	if err != nil {
		t.Fatalf("send b: %v", err)
	}

	signal.Set(true)
	sentA, err := engine.SendText(ctx, "a", "now")
	if err != nil {
		t.Fatalf("send a: %v", err)
	}
	waitStatus(t, store, sentA.ClientKey, outbox.StatusSent)
	waitIdle(t, engine)

	if got := transport.CallsFor(queuedB.ClientKey); got != 0 {
		t.Fatalf("expected no calls for conversation b, got %d", got)
	}
	convs := transport.Conversations()
	if len(convs) != 1 || convs[0] != "a" {
		t.Fatalf("expected calls only for a, got %v", convs)
	}
}

func TestSweepDoesNotDuplicateInFlightMessages(t *testing.T) {
	store := newRecordingStore()
	transport := faketransport.NewScripted()
	signal := outbox.NewSignal(false)
	engine := outbox.NewEngine(store, transport, signal)
	ctx := context.Background()

	msg, err := engine.SendText(ctx, "support", "once")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	transport.Hold()
	signal.Set(true)

	launched, err := engine.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if launched != 1 {
		t.Fatalf("expected 1 launch, got %d", launched)
	}
	// The message is now Sending so it is no longer pending; force a second snapshot
	// that still lists it to exercise the in-flight guard.
	if err := store.Store.Update(ctx, msg.ClientKey, outbox.StatusUpdate(outbox.StatusQueued)); err != nil {
		t.Fatalf("update: %v", err)
	}
	launched, err = engine.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if launched != 0 {
		t.Fatalf("expected in-flight message to be skipped, got %d", launched)
	}
	if got := engine.InFlight(); got != 1 {
		t.Fatalf("expected 1 in flight, got %d", got)
	}

	transport.Release()
	waitIdle(t, engine)
	if got := transport.CallsFor(msg.ClientKey); got != 1 {
		t.Fatalf("expected 1 call, got %d", got)
	}
}

func TestSendTextValidation(t *testing.T) {
	engine := outbox.NewEngine(memory.NewStore(), faketransport.NewScripted(), outbox.NewSignal(false), outbox.WithMaxTextRunes(3))
	ctx := context.Background()

	if _, err := engine.SendText(ctx, "", "hi"); !errors.Is(err, outbox.ErrConversationRequired) {
		t.Fatalf("expected conversation required, got %v", err)
	}
	if _, err := engine.SendText(ctx, "support", "  "); !errors.Is(err, outbox.ErrEmptyText) {
		t.Fatalf("expected empty text, got %v", err)
	}
	if _, err := engine.SendText(ctx, "support", "four"); !errors.Is(err, outbox.ErrTextTooLong) {
		t.Fatalf("expected too long, got %v", err)
	}
	if _, err := engine.SendText(ctx, "support", "añb"); err != nil {
		t.Fatalf("expected three runes to pass, got %v", err)
	}
}

func TestSendTextStoreFailureIsUnknown(t *testing.T) {
	insertErr := errors.New("disk full")
	store := failingStore{Store: memory.NewStore(), insertErr: insertErr}
	engine := outbox.NewEngine(store, faketransport.NewScripted(), outbox.NewSignal(true))

	_, err := engine.SendText(context.Background(), "support", "x")
	if !errors.Is(err, outbox.ErrUnknown) || !errors.Is(err, insertErr) {
		t.Fatalf("expected unknown wrapping cause, got %v", err)
	}
	if engine.InFlight() != 0 {
		t.Fatalf("expected no sequence after a failed insert")
	}
}

func TestRetryFailedStoreFailureIsUnknown(t *testing.T) {
	pendingErr := errors.New("locked")
	store := failingStore{Store: memory.NewStore(), pendingErr: pendingErr}
	engine := outbox.NewEngine(store, faketransport.NewScripted(), outbox.NewSignal(true))

	err := engine.RetryFailed(context.Background(), "support")
	var unknown *outbox.UnknownError
	if !errors.As(err, &unknown) || !errors.Is(unknown.Cause, pendingErr) {
		t.Fatalf("expected unknown wrapping cause, got %v", err)
	}
}

func TestMisbehavingTransportFailsMessage(t *testing.T) {
	cases := map[string]outbox.Transport{
		"nil outcome": outbox.TransportFunc(func(context.Context, outbox.Outgoing) outbox.Outcome {
			return nil
		}),
		"panic": outbox.TransportFunc(func(context.Context, outbox.Outgoing) outbox.Outcome {
			panic("boom")
		}),
	}

	for name, transport := range cases {
		t.Run(name, func(t *testing.T) {
			store := newRecordingStore()
			engine := outbox.NewEngine(store, transport, outbox.NewSignal(true))

			msg, err := engine.SendText(context.Background(), "support", "x")
			if err != nil {
				t.Fatalf("send: %v", err)
			}
			waitIdle(t, engine)
			if stored, _ := store.Get(msg.ClientKey); stored.Status != outbox.StatusFailed {
				t.Fatalf("expected failed, got %s", stored.Status)
			}
		})
	}
}

func TestOutcomeHandlerSeesEveryAttempt(t *testing.T) {
	var (
		mu       sync.Mutex
		attempts []int
	)
	handler := func(_ context.Context, _ outbox.Message, attempt int, _ outbox.Outcome) {
		mu.Lock()
		attempts = append(attempts, attempt)
		mu.Unlock()
	}
	transport := faketransport.NewScripted(outbox.Timeout{}, outbox.AlreadyAccepted{})
	store := newRecordingStore()
	engine := outbox.NewEngine(store, transport, outbox.NewSignal(true),
		outbox.WithClock(newRecordingClock()),
		outbox.WithOutcomeHandler(handler),
	)

	msg, err := engine.SendText(context.Background(), "support", "x")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	waitIdle(t, engine)

	mu.Lock()
	defer mu.Unlock()
	if len(attempts) != 2 || attempts[0] != 1 || attempts[1] != 2 {
		t.Fatalf("expected attempts [1 2], got %v", attempts)
	}
	if stored, _ := store.Get(msg.ClientKey); stored.Status != outbox.StatusSent {
		t.Fatalf("expected sent, got %s", stored.Status)
	}
}

func TestShutdownInterruptsBackoffAndRequeues(t *testing.T) {
	store := newRecordingStore()
	clock := &blockingClock{recordingClock: newRecordingClock(), waiting: make(chan time.Duration, 1)}
	transport := faketransport.NewScripted(outbox.Timeout{})
	engine := outbox.NewEngine(store, transport, outbox.NewSignal(true), outbox.WithClock(clock))

	msg, err := engine.SendText(context.Background(), "support", "x")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	<-clock.waiting

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := engine.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if stored, _ := store.Get(msg.ClientKey); stored.Status != outbox.StatusQueued {
		t.Fatalf("expected interrupted message to be queued, got %s", stored.Status)
	}
	if _, err := engine.SendText(context.Background(), "support", "late"); !errors.Is(err, outbox.ErrEngineClosed) {
		t.Fatalf("expected engine closed, got %v", err)
	}
}

func TestShutdownDrainsRunningSequences(t *testing.T) {
	store := newRecordingStore()
	transport := faketransport.NewScripted()
	transport.Hold()
	engine := outbox.NewEngine(store, transport, outbox.NewSignal(true))

	msg, err := engine.SendText(context.Background(), "support", "x")
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- engine.Shutdown(context.Background())
	}()
	transport.Release()

	if err := <-done; err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if stored, _ := store.Get(msg.ClientKey); stored.Status != outbox.StatusSent {
		t.Fatalf("expected sent, got %s", stored.Status)
	}
}

func TestRunRequeuesStaleSendingMessages(t *testing.T) {
	store := newRecordingStore()
	ctx := context.Background()
	stale := outbox.Message{ClientKey: "stale", ConversationID: "support", Text: "x", CreatedAt: time.Now(), Status: outbox.StatusSending}
	if err := store.Insert(ctx, stale); err != nil {
		t.Fatalf("insert: %v", err)
	}

	transport := faketransport.NewScripted()
	engine := outbox.NewEngine(store, transport, outbox.NewSignal(true), outbox.WithConversations("support"))
	startEngine(t, engine)

	waitStatus(t, store, "stale", outbox.StatusSent)
	want := []outbox.Status{outbox.StatusSending, outbox.StatusQueued, outbox.StatusSending, outbox.StatusSent}
	got := store.Statuses("stale")
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestRunRejectsSecondCall(t *testing.T) {
	engine := outbox.NewEngine(memory.NewStore(), faketransport.NewScripted(), outbox.NewSignal(false))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			done <- engine.Run(ctx)
		}()
	}

	if err := <-done; !errors.Is(err, outbox.ErrEngineRunning) {
		t.Fatalf("expected engine running, got %v", err)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestCreatedAtNeverDecreases(t *testing.T) {
	clock := newRecordingClock()
	clock.step = -time.Second
	engine := outbox.NewEngine(memory.NewStore(), faketransport.NewScripted(), outbox.NewSignal(false), outbox.WithClock(clock))
	ctx := context.Background()

	var prev time.Time
	for i := 0; i < 5; i++ {
		msg, err := engine.SendText(ctx, "support", "x")
		if err != nil {
			t.Fatalf("send: %v", err)
		}
		if msg.CreatedAt.Before(prev) {
			t.Fatalf("created at went backwards: %s < %s", msg.CreatedAt, prev)
		}
		prev = msg.CreatedAt
	}
}

func TestObserveMessagesReflectsSends(t *testing.T) {
	store := memory.NewStore()
	engine := outbox.NewEngine(store, faketransport.NewScripted(), outbox.NewSignal(false))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := engine.ObserveMessages(ctx, "support")
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	if initial := <-ch; len(initial) != 0 {
		t.Fatalf("expected empty initial list, got %d", len(initial))
	}

	msg, err := engine.SendText(ctx, "support", "hi")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	list := <-ch
	if len(list) != 1 || list[0].ClientKey != msg.ClientKey || list[0].Status != outbox.StatusQueued {
		t.Fatalf("unexpected list %+v", list)
	}
}

// afterInsertStore runs hook once after the first insert lands.
type afterInsertStore struct {
	*recordingStore
	once sync.Once
	hook func()
}

func (s *afterInsertStore) Insert(ctx context.Context, msg outbox.Message) error {
	if err := s.recordingStore.Insert(ctx, msg); err != nil {
		return err
	}
	s.once.Do(s.hook)

	return nil
}

// lateOnline reports offline on the first read and online afterwards.
type lateOnline struct {
	reads atomic.Int64
}

func (c *lateOnline) Online() bool {
	return c.reads.Add(1) > 1
}

func (c *lateOnline) Subscribe(ctx context.Context) <-chan bool {
	ch := make(chan bool, 1)
	ch <- c.Online()
	go func() {
		<-ctx.Done()
		close(ch)
	}()

	return ch
}

func TestQueuedMessageDeliveredBySweepIsNotRelaunched(t *testing.T) {
	store := &afterInsertStore{recordingStore: newRecordingStore()}
	transport := faketransport.NewScripted(outbox.Accepted{ServerID: "srv-1"})
	engine := outbox.NewEngine(store, transport, &lateOnline{})
	ctx := context.Background()

	store.hook = func() {
		if _, err := engine.Sweep(ctx); err != nil {
			t.Errorf("sweep: %v", err)
		}
		waitIdle(t, engine)
	}

	msg, err := engine.SendText(ctx, "support", "hi")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if msg.Status != outbox.StatusQueued {
		t.Fatalf("expected queued, got %s", msg.Status)
	}

	waitIdle(t, engine)
	stored := waitStatus(t, store.recordingStore, msg.ClientKey, outbox.StatusSent)
	if stored.ServerID != "srv-1" {
		t.Fatalf("expected server id srv-1, got %q", stored.ServerID)
	}
	if got := transport.CallsFor(msg.ClientKey); got != 1 {
		t.Fatalf("expected 1 call, got %d", got)
	}
	statuses := store.Statuses(msg.ClientKey)
	assertMonotonic(t, statuses)
	if len(statuses) != 3 {
		t.Fatalf("expected queued, sending, sent, got %v", statuses)
	}
}
