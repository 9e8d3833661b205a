package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Engine accepts outgoing messages without blocking, persists them through a Store
// and delivers them through a Transport whenever the Connectivity signal is online.
//
// Each message is owned by at most one attempt sequence at a time. A sequence makes
// up to MaxAttempts transport calls, waiting BaseBackoff, 2*BaseBackoff, ... between
// calls that timed out, and writes the final status before releasing the message.
type Engine struct {
	store     Store
	transport Transport
	conn      Connectivity
	cfg       EngineConfig
	clock     *monotonicClock

	baseCtx context.Context
	cancel  context.CancelFunc

	// launchMu serializes snapshot-then-claim in sweeps and manual retries.
	launchMu sync.Mutex

	mu       sync.Mutex
	watched  map[ConversationID]struct{}
	order    []ConversationID
	inFlight map[string]struct{}
	idle     chan struct{}
	closed   bool
	running  bool
}

// NewEngine constructs an Engine with defaults and optional settings.
func NewEngine(store Store, transport Transport, conn Connectivity, opts ...EngineOption) *Engine {
	if store == nil {
		panic("outbox: nil Store")
	}
	if transport == nil {
		panic("outbox: nil Transport")
	}
	if conn == nil {
		panic("outbox: nil Connectivity")
	}

	var cfg EngineConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg = cfg.withDefaults()

	baseCtx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		store:     store,
		transport: transport,
		conn:      conn,
		cfg:       cfg,
		clock:     &monotonicClock{clock: cfg.Clock},
		baseCtx:   baseCtx,
		cancel:    cancel,
		watched:   make(map[ConversationID]struct{}),
		inFlight:  make(map[string]struct{}),
	}
	for _, id := range cfg.Conversations {
		e.watch(id)
	}

	return e
}

// SendText enqueues a new message and returns it without waiting for delivery.
//
// When online the message is stored as Sending and an attempt sequence starts in
// the background. When offline it is stored as Queued and waits for the next sweep.
func (e *Engine) SendText(ctx context.Context, conversation ConversationID, text string) (Message, error) {
	if conversation == "" {
		return Message{}, ErrConversationRequired
	}
	if err := ValidateText(text, e.cfg.MaxTextRunes); err != nil {
		return Message{}, err
	}
	if e.isClosed() {
		return Message{}, ErrEngineClosed
	}

	key, err := e.cfg.Keys.NewKey()
	if err != nil {
		return Message{}, Unknown(err)
	}

	msg := Message{
		ClientKey:      key,
		ConversationID: conversation,
		Text:           text,
		CreatedAt:      e.clock.Now(),
		Status:         StatusQueued,
	}
	e.watch(conversation)

	if !e.conn.Online() {
		if err := e.store.Insert(ctx, msg); err != nil {
			return Message{}, Unknown(err)
		}
		e.cfg.Logger.Debug("outbox message queued", "client_key", key, "conversation", conversation)
		e.launchIfOnline(msg)

		return msg, nil
	}

	msg.Status = StatusSending
	reserved, err := e.reserve(key)
	if err != nil {
		return Message{}, err
	}
	if !reserved {
		return Message{}, Unknown(fmt.Errorf("client key %s already in flight", key))
	}
	if err := e.store.Insert(ctx, msg); err != nil {
		e.release(key)

		return Message{}, Unknown(err)
	}
	e.cfg.Logger.Debug("outbox message sending", "client_key", key, "conversation", conversation)
	e.start(msg)

	return msg, nil
}

// RetryFailed re-attempts every Queued or Failed message of the conversation.
// It returns ErrNetworkUnavailable without touching the store while offline.
func (e *Engine) RetryFailed(ctx context.Context, conversation ConversationID) error {
	if conversation == "" {
		return ErrConversationRequired
	}
	if !e.conn.Online() {
		return ErrNetworkUnavailable
	}
	if e.isClosed() {
		return ErrEngineClosed
	}
	e.watch(conversation)

	launched, err := e.sweepConversation(ctx, conversation, true)
	if err != nil {
		return err
	}
	e.cfg.Metrics.AddRetries(launched)
	e.cfg.Logger.Info("outbox manual retry", "conversation", conversation, "launched", launched)

	return nil
}

// ObserveMessages streams the ordered message list of a conversation.
func (e *Engine) ObserveMessages(ctx context.Context, conversation ConversationID) (<-chan []Message, error) {
	if conversation == "" {
		return nil, ErrConversationRequired
	}
	ch, err := e.store.Observe(ctx, conversation)
	if err != nil {
		return nil, Unknown(err)
	}

	return ch, nil
}

// Sweep launches attempt sequences for the Queued messages of every watched
// conversation and returns how many were launched. Failed messages are included
// only when the engine was built WithSweepFailed(true).
func (e *Engine) Sweep(ctx context.Context) (int, error) {
	if !e.conn.Online() {
		return 0, ErrNetworkUnavailable
	}
	if e.isClosed() {
		return 0, ErrEngineClosed
	}

	return e.sweep(ctx)
}

// Run watches the connectivity signal and sweeps on every transition to online,
// including the initial value. It blocks until ctx is done.
func (e *Engine) Run(ctx context.Context) (err error) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()

		return ErrEngineRunning
	}
	e.running = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
	}()

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: %v", ErrWorkerPanic, rec)
			e.cfg.Logger.Error("outbox watcher panic", "panic", rec)
		}
	}()

	e.requeueStale(ctx)

	for online := range e.conn.Subscribe(ctx) {
		if !online {
			e.cfg.Logger.Info("outbox connectivity lost")

			continue
		}
		if e.isClosed() {
			continue
		}
		launched, sweepErr := e.sweep(ctx)
		if sweepErr != nil && ctx.Err() == nil {
			e.cfg.Logger.Warn("outbox sweep incomplete", "launched", launched, "err", sweepErr)
		}
	}

	if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

// Wait blocks until no attempt sequence is running or ctx is done.
func (e *Engine) Wait(ctx context.Context) error {
	e.mu.Lock()
	idle := e.idle
	e.mu.Unlock()
	if idle == nil {
		return nil
	}

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops accepting work and waits for running sequences. When ctx expires
// first, running sequences are interrupted and their messages requeued.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	err := e.Wait(ctx)
	e.cancel()
	if err == nil {
		return nil
	}
	_ = e.Wait(context.Background())

	return err
}

// InFlight returns the number of running attempt sequences.
func (e *Engine) InFlight() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	return len(e.inFlight)
}

// Conversations returns the watched conversations in the order they were added.
func (e *Engine) Conversations() []ConversationID {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]ConversationID, len(e.order))
	copy(out, e.order)

	return out
}

func (e *Engine) sweep(ctx context.Context) (int, error) {
	var (
		total int
		errs  []error
	)
	for _, conversation := range e.Conversations() {
		launched, err := e.sweepConversation(ctx, conversation, e.cfg.SweepFailed)
		total += launched
		if err != nil {
			errs = append(errs, fmt.Errorf("conversation %s: %w", conversation, err))
		}
	}
	e.cfg.Metrics.AddSweeps(1)
	if total > 0 {
		e.cfg.Logger.Info("outbox sweep", "launched", total)
	}

	return total, errors.Join(errs...)
}

// sweepConversation launches the Queued messages of a conversation, and the Failed
// ones too when includeFailed is set.
func (e *Engine) sweepConversation(ctx context.Context, conversation ConversationID, includeFailed bool) (int, error) {
	e.launchMu.Lock()
	defer e.launchMu.Unlock()

	pending, err := e.store.Pending(ctx, conversation)
	if err != nil {
		return 0, Unknown(err)
	}

	launched := 0
	for _, msg := range pending {
		if msg.Status == StatusFailed && !includeFailed {
			continue
		}
		ok, err := e.launchPending(ctx, msg)
		if err != nil {
			return launched, err
		}
		if ok {
			launched++
		}
	}

	return launched, nil
}

// launchPending must be called with launchMu held.
func (e *Engine) launchPending(ctx context.Context, msg Message) (bool, error) {
	if !CanTransition(msg.Status, StatusSending) || msg.Status == StatusSending {
		return false, nil
	}
	reserved, err := e.reserve(msg.ClientKey)
	if err != nil || !reserved {
		return false, err
	}
	if err := e.store.Update(ctx, msg.ClientKey, StatusUpdate(StatusSending)); err != nil {
		e.release(msg.ClientKey)

		return false, Unknown(err)
	}
	msg.Status = StatusSending
	e.start(msg)

	return true, nil
}

// launchIfOnline covers a connectivity flip between reading the signal and inserting a queued message.
// A sweep may already have delivered it, so the stored status decides.
func (e *Engine) launchIfOnline(msg Message) {
	if !e.conn.Online() {
		return
	}

	e.launchMu.Lock()
	defer e.launchMu.Unlock()
	current, ok, err := e.stored(e.baseCtx, msg)
	if err != nil {
		e.cfg.Logger.Warn("outbox late launch failed", "client_key", msg.ClientKey, "err", err)

		return
	}
	if !ok || (current.Status == StatusFailed && !e.cfg.SweepFailed) {
		return
	}
	if _, err := e.launchPending(e.baseCtx, current); err != nil && !errors.Is(err, ErrEngineClosed) {
		e.cfg.Logger.Warn("outbox late launch failed", "client_key", msg.ClientKey, "err", err)
	}
}

// stored returns the pending copy of msg, or false once it left Queued and Failed.
func (e *Engine) stored(ctx context.Context, msg Message) (Message, bool, error) {
	pending, err := e.store.Pending(ctx, msg.ConversationID)
	if err != nil {
		return Message{}, false, Unknown(err)
	}
	for _, m := range pending {
		if m.ClientKey == msg.ClientKey {
			return m, true, nil
		}
	}

	return Message{}, false, nil
}

func (e *Engine) requeueStale(ctx context.Context) {
	lister, ok := e.store.(InFlightLister)
	if !ok {
		return
	}

	for _, conversation := range e.Conversations() {
		stale, err := lister.InFlight(ctx, conversation)
		if err != nil {
			e.cfg.Logger.Warn("outbox stale scan failed", "conversation", conversation, "err", err)

			continue
		}
		for _, msg := range stale {
			if e.isInFlight(msg.ClientKey) {
				continue
			}
			if err := e.store.Update(ctx, msg.ClientKey, StatusUpdate(StatusQueued)); err != nil {
				e.cfg.Logger.Warn("outbox stale requeue failed", "client_key", msg.ClientKey, "err", err)

				continue
			}
			e.cfg.Metrics.AddRequeued(1)
			e.cfg.Logger.Info("outbox stale message requeued", "client_key", msg.ClientKey, "conversation", conversation)
		}
	}
}

func (e *Engine) start(msg Message) {
	go func() {
		defer e.release(msg.ClientKey)
		defer func() {
			if rec := recover(); rec != nil {
				e.cfg.Logger.Error("outbox attempt sequence panic", "client_key", msg.ClientKey, "panic", rec)
			}
		}()

		e.deliver(e.baseCtx, msg)
	}()
}

func (e *Engine) deliver(ctx context.Context, msg Message) {
	for attempt := 1; ; attempt++ {
		outcome, err := e.attempt(ctx, msg, attempt)
		if err != nil {
			e.interrupted(msg, err)

			return
		}

		switch o := outcome.(type) {
		case Accepted:
			e.finish(msg, AcceptedUpdate(o.ServerID))
			e.cfg.Metrics.AddSent(1)

			return
		case AlreadyAccepted:
			e.finish(msg, StatusUpdate(StatusSent))
			e.cfg.Metrics.AddSent(1)

			return
		case Unreachable:
			if ctx.Err() != nil {
				e.interrupted(msg, ctx.Err())

				return
			}
			e.finish(msg, StatusUpdate(StatusQueued))
			e.cfg.Metrics.AddRequeued(1)

			return
		case Timeout:
			if ctx.Err() != nil {
				e.interrupted(msg, ctx.Err())

				return
			}
			if attempt >= e.cfg.MaxAttempts {
				e.cfg.Logger.Warn("outbox attempts exhausted", "client_key", msg.ClientKey, "attempts", attempt, "err", o.Err)
				e.finish(msg, StatusUpdate(StatusFailed))
				e.cfg.Metrics.AddFailed(1)

				return
			}
			if err := e.sleep(ctx, e.backoff(attempt)); err != nil {
				e.interrupted(msg, err)

				return
			}
			e.cfg.Metrics.AddRetries(1)
		case Rejected:
			e.cfg.Logger.Warn("outbox message rejected", "client_key", msg.ClientKey, "err", o.Cause)
			e.finish(msg, StatusUpdate(StatusFailed))
			e.cfg.Metrics.AddFailed(1)

			return
		default:
			e.cfg.Logger.Error("outbox unexpected outcome", "client_key", msg.ClientKey, "err", Unknown(unexpectedOutcome(outcome)))
			e.finish(msg, StatusUpdate(StatusFailed))
			e.cfg.Metrics.AddFailed(1)

			return
		}
	}
}

// attempt performs one transport call. A non-nil error means no call was made.
func (e *Engine) attempt(ctx context.Context, msg Message, n int) (Outcome, error) {
	if e.cfg.AttemptLimiter != nil {
		if err := e.cfg.AttemptLimiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	callCtx := ctx
	cancel := func() {}
	if e.cfg.AttemptTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, e.cfg.AttemptTimeout)
	}
	start := time.Now()
	outcome := e.send(callCtx, msg)
	cancel()

	kind := OutcomeKind("unknown")
	if outcome != nil {
		kind = outcome.Kind()
	}
	e.cfg.Metrics.ObserveAttempt(kind, time.Since(start))
	e.cfg.Logger.Debug("outbox attempt", "client_key", msg.ClientKey, "attempt", n, "outcome", kind)
	if e.cfg.OutcomeHandler != nil {
		e.cfg.OutcomeHandler(ctx, msg, n, outcome)
	}

	return outcome, nil
}

func (e *Engine) send(ctx context.Context, msg Message) (outcome Outcome) {
	defer func() {
		if rec := recover(); rec != nil {
			e.cfg.Logger.Error("outbox transport panic", "client_key", msg.ClientKey, "panic", rec)
			outcome = nil
		}
	}()

	return e.transport.Send(ctx, msg.Outgoing())
}

func (e *Engine) backoff(attempt int) time.Duration {
	return e.cfg.BaseBackoff << (attempt - 1)
}

func (e *Engine) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-e.cfg.Clock.After(d):
		return nil
	}
}

// finish writes the final status of a sequence. It outlives engine cancellation.
func (e *Engine) finish(msg Message, upd Update) {
	ctx := context.WithoutCancel(e.baseCtx)
	if err := e.store.Update(ctx, msg.ClientKey, upd); err != nil {
		e.cfg.Logger.Error("outbox status update failed", "client_key", msg.ClientKey, "err", err)

		return
	}
	if upd.Status != nil {
		e.cfg.Logger.Debug("outbox status", "client_key", msg.ClientKey, "status", upd.Status.String())
	}
}

func (e *Engine) interrupted(msg Message, err error) {
	e.cfg.Logger.Info("outbox attempt sequence interrupted", "client_key", msg.ClientKey, "err", err)
	e.finish(msg, StatusUpdate(StatusQueued))
	e.cfg.Metrics.AddRequeued(1)
}

func (e *Engine) watch(conversation ConversationID) {
	if conversation == "" {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.watched[conversation]; ok {
		return
	}
	e.watched[conversation] = struct{}{}
	e.order = append(e.order, conversation)
}

// reserve claims clientKey for a new attempt sequence. It reports false when the
// key is already owned by a running sequence.
func (e *Engine) reserve(clientKey string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return false, ErrEngineClosed
	}
	if _, ok := e.inFlight[clientKey]; ok {
		return false, nil
	}
	if len(e.inFlight) == 0 {
		e.idle = make(chan struct{})
	}
	e.inFlight[clientKey] = struct{}{}
	e.cfg.Metrics.SetInFlight(len(e.inFlight))

	return true, nil
}

func (e *Engine) release(clientKey string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.inFlight[clientKey]; !ok {
		return
	}
	delete(e.inFlight, clientKey)
	e.cfg.Metrics.SetInFlight(len(e.inFlight))
	if len(e.inFlight) == 0 && e.idle != nil {
		close(e.idle)
		e.idle = nil
	}
}

func (e *Engine) isInFlight(clientKey string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	_, ok := e.inFlight[clientKey]

	return ok
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.closed
}

func unexpectedOutcome(o Outcome) error {
	if o == nil {
		return ErrNilOutcome
	}

	return fmt.Errorf("outbox unexpected outcome type %T", o)
}
