// Package probe derives the connectivity signal from periodic health checks.
package probe

import (
	"context"
	"errors"
	"time"

	"github.com/velmie/offline-outbox"
)

const (
	defaultInterval  = 5 * time.Second
	defaultTimeout   = 2 * time.Second
	defaultThreshold = 2
)

var (
	// ErrPingerRequired is returned when no health check is provided.
	ErrPingerRequired = errors.New("outbox probe: pinger is required")
	// ErrSignalRequired is returned when no signal is provided.
	ErrSignalRequired = errors.New("outbox probe: signal is required")
)

// Pinger checks the remote endpoint. httptransport and redistransport both satisfy it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

// Ping implements Pinger.
func (fn PingFunc) Ping(ctx context.Context) error {
	return fn(ctx)
}

// Setter receives connectivity changes. *outbox.Signal satisfies it.
type Setter interface {
	Set(online bool)
}

// Config describes probing cadence.
type Config struct {
	Interval  time.Duration
	Timeout   time.Duration
	Threshold int
	Clock     outbox.Clock
	Logger    outbox.Logger
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = defaultInterval
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.Threshold <= 0 {
		c.Threshold = defaultThreshold
	}
	if c.Clock == nil {
		c.Clock = outbox.SystemClock{}
	}
	if c.Logger == nil {
		c.Logger = outbox.NopLogger{}
	}

	return c
}

// Option configures a Prober.
type Option func(*Config)

// WithInterval sets the delay between checks.
func WithInterval(d time.Duration) Option {
	return func(c *Config) {
		c.Interval = d
	}
}

// WithTimeout bounds a single check.
func WithTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.Timeout = d
	}
}

// WithThreshold sets how many consecutive failures turn the signal offline.
func WithThreshold(n int) Option {
	return func(c *Config) {
		c.Threshold = n
	}
}

// WithClock sets the clock used between checks.
func WithClock(clock outbox.Clock) Option {
	return func(c *Config) {
		c.Clock = clock
	}
}

// WithLogger sets the logger.
func WithLogger(logger outbox.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// Prober turns the signal online after one successful check and offline after
// Threshold consecutive failures.
type Prober struct {
	pinger   Pinger
	signal   Setter
	cfg      Config
	failures int
}

// New returns a Prober.
func New(pinger Pinger, signal Setter, opts ...Option) (*Prober, error) {
	if pinger == nil {
		return nil, ErrPingerRequired
	}
	if signal == nil {
		return nil, ErrSignalRequired
	}
	cfg := Config{}
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Prober{pinger: pinger, signal: signal, cfg: cfg.withDefaults()}, nil
}

// Check runs one health check, updates the signal and reports the result.
// It is not safe for concurrent use.
func (p *Prober) Check(ctx context.Context) bool {
	checkCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	if err := p.pinger.Ping(checkCtx); err != nil {
		p.failures++
		p.cfg.Logger.Debug("outbox probe failed", "failures", p.failures, "err", err)
		if p.failures >= p.cfg.Threshold {
			p.signal.Set(false)
		}

		return false
	}
	p.failures = 0
	p.signal.Set(true)

	return true
}

// Run checks immediately and then every Interval until ctx is done.
func (p *Prober) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		p.Check(ctx)

		select {
		case <-ctx.Done():
			return nil
		case <-p.cfg.Clock.After(p.cfg.Interval):
		}
	}
}
