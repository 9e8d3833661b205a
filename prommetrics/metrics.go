// Package prommetrics exports engine telemetry as Prometheus collectors.
package prommetrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/velmie/offline-outbox"
)

// ErrRegistererRequired is returned when no registerer is provided.
var ErrRegistererRequired = errors.New("outbox prommetrics: registerer is required")

const defaultNamespace = "outbox"

// Config describes collector naming.
type Config struct {
	Namespace   string
	ConstLabels prometheus.Labels
	Buckets     []float64
}

// Option configures collectors.
type Option func(*Config)

// WithNamespace sets the metric name prefix. Defaults to "outbox".
func WithNamespace(namespace string) Option {
	return func(c *Config) {
		c.Namespace = namespace
	}
}

// WithConstLabels attaches fixed labels to every collector.
func WithConstLabels(labels prometheus.Labels) Option {
	return func(c *Config) {
		c.ConstLabels = labels
	}
}

// WithBuckets overrides the attempt duration histogram buckets.
func WithBuckets(buckets []float64) Option {
	return func(c *Config) {
		c.Buckets = buckets
	}
}

// Metrics implements outbox.Metrics.
type Metrics struct {
	attempts *prometheus.HistogramVec
	sent     prometheus.Counter
	requeued prometheus.Counter
	failed   prometheus.Counter
	retries  prometheus.Counter
	sweeps   prometheus.Counter
	inFlight prometheus.Gauge
}

var _ outbox.Metrics = (*Metrics)(nil)

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer, opts ...Option) (*Metrics, error) {
	if reg == nil {
		return nil, ErrRegistererRequired
	}
	cfg := Config{Namespace: defaultNamespace}
	for _, opt := range opts {
		opt(&cfg)
	}
	if len(cfg.Buckets) == 0 {
		cfg.Buckets = prometheus.DefBuckets
	}

	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Name:        name,
			Help:        help,
			ConstLabels: cfg.ConstLabels,
		})
	}
	m := &Metrics{
		attempts: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   cfg.Namespace,
			Name:        "attempt_duration_seconds",
			Help:        "Duration of transport calls by outcome kind.",
			ConstLabels: cfg.ConstLabels,
			Buckets:     cfg.Buckets,
		}, []string{"outcome"}),
		sent:     counter("messages_sent_total", "Messages that reached the sent status."),
		requeued: counter("messages_requeued_total", "Messages returned to the queued status."),
		failed:   counter("messages_failed_total", "Messages that reached the failed status."),
		retries:  counter("retries_total", "Backoff retries and manual retry launches."),
		sweeps:   counter("sweeps_total", "Completed connectivity sweeps."),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   cfg.Namespace,
			Name:        "in_flight",
			Help:        "Running attempt sequences.",
			ConstLabels: cfg.ConstLabels,
		}),
	}

	collectors := []prometheus.Collector{m.attempts, m.sent, m.requeued, m.failed, m.retries, m.sweeps, m.inFlight}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// MustNew is like New but panics on error.
func MustNew(reg prometheus.Registerer, opts ...Option) *Metrics {
	m, err := New(reg, opts...)
	if err != nil {
		panic(err)
	}

	return m
}

// ObserveAttempt implements outbox.Metrics.
func (m *Metrics) ObserveAttempt(kind outbox.OutcomeKind, d time.Duration) {
	m.attempts.WithLabelValues(string(kind)).Observe(d.Seconds())
}

// AddSent implements outbox.Metrics.
func (m *Metrics) AddSent(count int) {
	m.sent.Add(float64(count))
}

// AddRequeued implements outbox.Metrics.
func (m *Metrics) AddRequeued(count int) {
	m.requeued.Add(float64(count))
}

// AddFailed implements outbox.Metrics.
func (m *Metrics) AddFailed(count int) {
	m.failed.Add(float64(count))
}

// AddRetries implements outbox.Metrics.
func (m *Metrics) AddRetries(count int) {
	m.retries.Add(float64(count))
}

// AddSweeps implements outbox.Metrics.
func (m *Metrics) AddSweeps(count int) {
	m.sweeps.Add(float64(count))
}

// SetInFlight implements outbox.Metrics.
func (m *Metrics) SetInFlight(count int) {
	m.inFlight.Set(float64(count))
}
