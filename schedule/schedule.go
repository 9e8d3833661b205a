// Package schedule runs outbox maintenance on a cron expression.
//
// The engine already sweeps on every connectivity transition. A schedule adds a
// periodic redrive for messages left Queued by an Unreachable outcome while the
// signal stayed online, and a slot for store housekeeping such as pruning.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/adhocore/gronx"

	"github.com/velmie/offline-outbox"
)

var (
	// ErrCronRequired is returned when the expression is empty.
	ErrCronRequired = errors.New("outbox schedule: cron expression is required")
	// ErrInvalidCron is returned when gronx cannot parse the expression.
	ErrInvalidCron = errors.New("outbox schedule: invalid cron expression")
	// ErrJobRequired is returned when no job is provided.
	ErrJobRequired = errors.New("outbox schedule: job is required")
)

const retryDelay = 30 * time.Second

// Job is one scheduled run.
type Job func(ctx context.Context) error

// Sweeper is satisfied by *outbox.Engine.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// SweepJob redrives pending messages. An offline signal is not an error.
func SweepJob(s Sweeper) Job {
	return func(ctx context.Context) error {
		_, err := s.Sweep(ctx)
		if errors.Is(err, outbox.ErrNetworkUnavailable) {
			return nil
		}

		return err
	}
}

// Config describes a Scheduler.
type Config struct {
	Name   string
	Clock  outbox.Clock
	Logger outbox.Logger
}

// Option configures a Scheduler.
type Option func(*Config)

// WithName labels log lines. Defaults to the cron expression.
func WithName(name string) Option {
	return func(c *Config) {
		c.Name = name
	}
}

// WithClock sets the clock used to compute and wait for ticks.
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

// Scheduler invokes a Job on every cron tick. Runs never overlap: a tick that
// passes while the job is still running is skipped.
type Scheduler struct {
	cron string
	job  Job
	cfg  Config
}

// New validates expr and returns a Scheduler.
func New(expr string, job Job, opts ...Option) (*Scheduler, error) {
	if expr == "" {
		return nil, ErrCronRequired
	}
	if !gronx.IsValid(expr) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidCron, expr)
	}
	if job == nil {
		return nil, ErrJobRequired
	}

	cfg := Config{Name: expr}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Clock == nil {
		cfg.Clock = outbox.SystemClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = outbox.NopLogger{}
	}

	return &Scheduler{cron: expr, job: job, cfg: cfg}, nil
}

// Next returns the first tick strictly after t.
func (s *Scheduler) Next(t time.Time) (time.Time, error) {
	return gronx.NextTickAfter(s.cron, t, false)
}

// Run blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	s.cfg.Logger.Info("outbox schedule started", "name", s.cfg.Name, "cron", s.cron)
	for {
		now := s.cfg.Clock.Now()
		wait := retryDelay
		next, err := s.Next(now)
		if err != nil {
			s.cfg.Logger.Error("outbox schedule next tick failed", "name", s.cfg.Name, "err", err)
		} else {
			wait = next.Sub(now)
		}

		select {
		case <-ctx.Done():
			s.cfg.Logger.Info("outbox schedule stopped", "name", s.cfg.Name)

			return nil
		case <-s.cfg.Clock.After(wait):
		}
		if err != nil {
			continue
		}

		if err := s.RunOnce(ctx); err != nil {
			s.cfg.Logger.Warn("outbox schedule run failed", "name", s.cfg.Name, "err", err)
		}
	}
}

// RunOnce invokes the job immediately.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	start := s.cfg.Clock.Now()
	err := s.job(ctx)
	s.cfg.Logger.Debug("outbox schedule run", "name", s.cfg.Name, "duration", s.cfg.Clock.Now().Sub(start))

	return err
}
