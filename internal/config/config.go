// Package config loads settings for the outbox commands from a YAML file,
// an optional .env file and OUTBOX_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const envPrefix = "OUTBOX_"

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPebble   = "pebble"
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
)

// Transport kinds.
const (
	TransportFake  = "fake"
	TransportHTTP  = "http"
	TransportRedis = "redis"
)

var (
	// ErrUnknownDriver is returned for an unsupported store driver.
	ErrUnknownDriver = errors.New("config: unknown store driver")
	// ErrUnknownTransport is returned for an unsupported transport kind.
	ErrUnknownTransport = errors.New("config: unknown transport")
	// ErrMissingValue is returned when a setting required by the selected driver or transport is empty.
	ErrMissingValue = errors.New("config: missing value")
	// ErrInvalidValue is returned when a setting is out of range.
	ErrInvalidValue = errors.New("config: invalid value")
)

// Config is the full command configuration.
type Config struct {
	Log       LogConfig       `yaml:"log"`
	Store     StoreConfig     `yaml:"store"`
	Transport TransportConfig `yaml:"transport"`
	Engine    EngineConfig    `yaml:"engine"`
	Probe     ProbeConfig     `yaml:"probe"`
	Schedule  ScheduleConfig  `yaml:"schedule"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Trace     TraceConfig     `yaml:"trace"`
	Receiver  ReceiverConfig  `yaml:"receiver"`
}

// LogConfig selects the log level and encoding.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// StoreConfig selects the message store. Path is used by sqlite and pebble,
// DSN by mysql and postgres.
type StoreConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
	DSN    string `yaml:"dsn"`
	Table  string `yaml:"table"`
}

// TransportConfig selects the delivery transport.
type TransportConfig struct {
	Kind    string        `yaml:"kind"`
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// EngineConfig mirrors the engine options.
type EngineConfig struct {
	Conversations  []string      `yaml:"conversations"`
	MaxAttempts    int           `yaml:"max_attempts"`
	BaseBackoff    time.Duration `yaml:"base_backoff"`
	MaxTextRunes   int           `yaml:"max_text_runes"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
	SweepFailed    bool          `yaml:"sweep_failed"`
	RatePerSecond  float64       `yaml:"rate_per_second"`
	Burst          int           `yaml:"burst"`
}

// ProbeConfig drives the connectivity prober. A zero interval disables it.
type ProbeConfig struct {
	Interval  time.Duration `yaml:"interval"`
	Timeout   time.Duration `yaml:"timeout"`
	Threshold int           `yaml:"threshold"`
}

// ScheduleConfig holds cron expressions. Empty expressions disable the job.
type ScheduleConfig struct {
	Redrive   string        `yaml:"redrive"`
	Prune     string        `yaml:"prune"`
	Retention time.Duration `yaml:"retention"`
}

// MetricsConfig exposes Prometheus metrics. An empty address disables the listener.
type MetricsConfig struct {
	Address string `yaml:"address"`
}

// TraceConfig exports spans over OTLP/gRPC. An empty endpoint disables exporting.
type TraceConfig struct {
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// ReceiverConfig configures the reference HTTP endpoint.
type ReceiverConfig struct {
	Address         string        `yaml:"address"`
	MaxTextRunes    int           `yaml:"max_text_runes"`
	UnavailableRate float64       `yaml:"unavailable_rate"`
	LostAckRate     float64       `yaml:"lost_ack_rate"`
	Latency         time.Duration `yaml:"latency"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Log:       LogConfig{Level: "info", Format: "json"},
		Store:     StoreConfig{Driver: DriverMemory},
		Transport: TransportConfig{Kind: TransportFake, Timeout: 10 * time.Second},
		Engine: EngineConfig{
			Conversations: []string{"general"},
			MaxAttempts:   3,
			BaseBackoff:   time.Second,
			MaxTextRunes:  4096,
		},
		Probe:    ProbeConfig{Timeout: 2 * time.Second, Threshold: 2},
		Schedule: ScheduleConfig{Retention: 7 * 24 * time.Hour},
		Trace:    TraceConfig{SampleRatio: 1},
		Receiver: ReceiverConfig{Address: ":8080", MaxTextRunes: 4096},
	}
}

// Load applies the YAML file at path (skipped when empty), then .env, then the
// environment, and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("config: load .env: %w", err)
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}

	return nil
}

type lookupFunc func(key string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	env := envReader{lookup: lookup}

	env.str("LOG_LEVEL", &c.Log.Level)
	env.str("LOG_FORMAT", &c.Log.Format)

	env.str("STORE_DRIVER", &c.Store.Driver)
	env.str("STORE_PATH", &c.Store.Path)
	env.str("STORE_DSN", &c.Store.DSN)
	env.str("STORE_TABLE", &c.Store.Table)

	env.str("TRANSPORT", &c.Transport.Kind)
	env.str("TRANSPORT_URL", &c.Transport.URL)
	env.duration("TRANSPORT_TIMEOUT", &c.Transport.Timeout)

	env.list("CONVERSATIONS", &c.Engine.Conversations)
	env.integer("MAX_ATTEMPTS", &c.Engine.MaxAttempts)
	env.duration("BASE_BACKOFF", &c.Engine.BaseBackoff)
	env.integer("MAX_TEXT_RUNES", &c.Engine.MaxTextRunes)
	env.duration("ATTEMPT_TIMEOUT", &c.Engine.AttemptTimeout)
	env.boolean("SWEEP_FAILED", &c.Engine.SweepFailed)
	env.float("RATE_PER_SECOND", &c.Engine.RatePerSecond)
	env.integer("BURST", &c.Engine.Burst)

	env.duration("PROBE_INTERVAL", &c.Probe.Interval)
	env.duration("PROBE_TIMEOUT", &c.Probe.Timeout)
	env.integer("PROBE_THRESHOLD", &c.Probe.Threshold)

	env.str("REDRIVE_CRON", &c.Schedule.Redrive)
	env.str("PRUNE_CRON", &c.Schedule.Prune)
	env.duration("RETENTION", &c.Schedule.Retention)

	env.str("METRICS_ADDR", &c.Metrics.Address)

	env.str("TRACE_ENDPOINT", &c.Trace.Endpoint)
	env.boolean("TRACE_INSECURE", &c.Trace.Insecure)
	env.float("TRACE_SAMPLE_RATIO", &c.Trace.SampleRatio)

	env.str("RECEIVER_ADDR", &c.Receiver.Address)
	env.integer("RECEIVER_MAX_TEXT_RUNES", &c.Receiver.MaxTextRunes)
	env.float("RECEIVER_UNAVAILABLE_RATE", &c.Receiver.UnavailableRate)
	env.float("RECEIVER_LOST_ACK_RATE", &c.Receiver.LostAckRate)
	env.duration("RECEIVER_LATENCY", &c.Receiver.Latency)

	return errors.Join(env.errs...)
}

// Validate checks driver and transport requirements and value ranges.
func (c Config) Validate() error {
	var errs []error

	switch c.Store.Driver {
	case DriverMemory:
	case DriverSQLite, DriverPebble:
		if c.Store.Path == "" {
			errs = append(errs, fmt.Errorf("%w: store.path for %s", ErrMissingValue, c.Store.Driver))
		}
	case DriverMySQL, DriverPostgres:
		if c.Store.DSN == "" {
			errs = append(errs, fmt.Errorf("%w: store.dsn for %s", ErrMissingValue, c.Store.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("%w: %q", ErrUnknownDriver, c.Store.Driver))
	}

	switch c.Transport.Kind {
	case TransportFake:
	case TransportHTTP, TransportRedis:
		if c.Transport.URL == "" {
			errs = append(errs, fmt.Errorf("%w: transport.url for %s", ErrMissingValue, c.Transport.Kind))
		}
	default:
		errs = append(errs, fmt.Errorf("%w: %q", ErrUnknownTransport, c.Transport.Kind))
	}

	if len(c.Engine.Conversations) == 0 {
		errs = append(errs, fmt.Errorf("%w: engine.conversations", ErrMissingValue))
	}
	if c.Engine.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("%w: engine.max_attempts must not be negative", ErrInvalidValue))
	}
	if c.Engine.RatePerSecond < 0 {
		errs = append(errs, fmt.Errorf("%w: engine.rate_per_second must not be negative", ErrInvalidValue))
	}
	for name, expr := range map[string]string{"schedule.redrive": c.Schedule.Redrive, "schedule.prune": c.Schedule.Prune} {
		if expr != "" && !gronx.IsValid(expr) {
			errs = append(errs, fmt.Errorf("%w: %s %q", ErrInvalidValue, name, expr))
		}
	}
	if c.Schedule.Prune != "" && c.Schedule.Retention <= 0 {
		errs = append(errs, fmt.Errorf("%w: schedule.retention must be positive", ErrInvalidValue))
	}
	for name, rate := range map[string]float64{
		"trace.sample_ratio":        c.Trace.SampleRatio,
		"receiver.unavailable_rate": c.Receiver.UnavailableRate,
		"receiver.lost_ack_rate":    c.Receiver.LostAckRate,
	} {
		if rate < 0 || rate > 1 {
			errs = append(errs, fmt.Errorf("%w: %s must be within [0, 1]", ErrInvalidValue, name))
		}
	}

	return errors.Join(errs...)
}

type envReader struct {
	lookup lookupFunc
	errs   []error
}

func (r *envReader) get(name string) (string, bool) {
	v, ok := r.lookup(envPrefix + name)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)

	return v, v != ""
}

func (r *envReader) fail(name string, err error) {
	r.errs = append(r.errs, fmt.Errorf("%w: %s%s: %v", ErrInvalidValue, envPrefix, name, err))
}

func (r *envReader) str(name string, dst *string) {
	if v, ok := r.get(name); ok {
		*dst = v
	}
}

func (r *envReader) list(name string, dst *[]string) {
	v, ok := r.get(name)
	if !ok {
		return
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	*dst = out
}

func (r *envReader) integer(name string, dst *int) {
	v, ok := r.get(name)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.fail(name, err)

		return
	}
	*dst = n
}

func (r *envReader) float(name string, dst *float64) {
	v, ok := r.get(name)
	if !ok {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		r.fail(name, err)

		return
	}
	*dst = f
}

func (r *envReader) boolean(name string, dst *bool) {
	v, ok := r.get(name)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.fail(name, err)

		return
	}
	*dst = b
}

func (r *envReader) duration(name string, dst *time.Duration) {
	v, ok := r.get(name)
	if !ok {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.fail(name, err)

		return
	}
	*dst = d
}
