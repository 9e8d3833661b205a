// Package faketransport provides in-process outbox.Transport implementations
// for simulations and tests.
package faketransport

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/velmie/offline-outbox"
)

const (
	defaultMinLatency  = 250 * time.Millisecond
	defaultMaxLatency  = 750 * time.Millisecond
	defaultTimeoutRate = 0.1
)

var (
	// ErrOffline is carried by Unreachable when the connectivity signal is offline.
	ErrOffline = errors.New("faketransport: offline")
	// ErrSimulatedTimeout is carried by a randomly injected Timeout.
	ErrSimulatedTimeout = errors.New("faketransport: simulated timeout")
)

// Config defines the simulated endpoint behavior.
type Config struct {
	MinLatency  time.Duration
	MaxLatency  time.Duration
	TimeoutRate float64
	Rand        *rand.Rand
}

func (c Config) withDefaults() Config {
	if c.MinLatency < 0 {
		c.MinLatency = 0
	}
	if c.MaxLatency < c.MinLatency {
		c.MaxLatency = c.MinLatency
	}
	if c.TimeoutRate < 0 {
		c.TimeoutRate = 0
	}
	if c.Rand == nil {
		c.Rand = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}

	return c
}

// DefaultConfig returns 250-750ms latency and a 10% timeout rate.
func DefaultConfig() Config {
	return Config{
		MinLatency:  defaultMinLatency,
		MaxLatency:  defaultMaxLatency,
		TimeoutRate: defaultTimeoutRate,
	}
}

// Option configures a Fake.
type Option func(*Config)

// WithLatency sets the uniform latency range of every online call.
func WithLatency(minLatency, maxLatency time.Duration) Option {
	return func(c *Config) {
		c.MinLatency = minLatency
		c.MaxLatency = maxLatency
	}
}

// WithTimeoutRate sets the probability in [0,1] of a simulated timeout.
func WithTimeoutRate(rate float64) Option {
	return func(c *Config) {
		c.TimeoutRate = rate
	}
}

// WithRand sets the random source for latency and timeout injection.
func WithRand(r *rand.Rand) Option {
	return func(c *Config) {
		c.Rand = r
	}
}

// Fake simulates an idempotent remote endpoint that follows a connectivity signal.
type Fake struct {
	conn outbox.Connectivity
	cfg  Config

	mu       sync.Mutex
	accepted map[string]string
	calls    int
}

var _ outbox.Transport = (*Fake)(nil)

// New returns a Fake starting from DefaultConfig.
func New(conn outbox.Connectivity, opts ...Option) *Fake {
	if conn == nil {
		panic("faketransport: nil Connectivity")
	}

	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Fake{
		conn:     conn,
		cfg:      cfg.withDefaults(),
		accepted: make(map[string]string),
	}
}

// Send implements outbox.Transport.
func (f *Fake) Send(ctx context.Context, msg outbox.Outgoing) outbox.Outcome {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	if !f.conn.Online() {
		return outbox.Unreachable{Err: ErrOffline}
	}

	if err := sleep(ctx, f.latency()); err != nil {
		return outbox.Timeout{Err: err}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.accepted[msg.ClientKey]; ok {
		return outbox.AlreadyAccepted{}
	}
	if f.cfg.TimeoutRate > 0 && f.cfg.Rand.Float64() < f.cfg.TimeoutRate {
		return outbox.Timeout{Err: ErrSimulatedTimeout}
	}

	serverID := uuid.NewString()
	f.accepted[msg.ClientKey] = serverID

	return outbox.Accepted{ServerID: serverID}
}

// Accepted returns the server id assigned to clientKey.
func (f *Fake) Accepted(clientKey string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	id, ok := f.accepted[clientKey]

	return id, ok
}

// Calls returns the number of Send calls so far.
func (f *Fake) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.calls
}

// Reset forgets every accepted key.
func (f *Fake) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.accepted = make(map[string]string)
	f.calls = 0
}

func (f *Fake) latency() time.Duration {
	spread := f.cfg.MaxLatency - f.cfg.MinLatency
	if spread <= 0 {
		return f.cfg.MinLatency
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	return f.cfg.MinLatency + time.Duration(f.cfg.Rand.Int64N(int64(spread)+1))
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
