package sqlite

import "github.com/velmie/offline-outbox"

const (
	defaultTable      = "outbox_messages"
	defaultPruneLimit = 10000
)

// Config defines SQLite store behavior.
type Config struct {
	Table   string
	Logger  outbox.Logger
	Tracing bool
}

func (c Config) withDefaults() Config {
	if c.Table == "" {
		c.Table = defaultTable
	}
	if c.Logger == nil {
		c.Logger = outbox.NopLogger{}
	}

	return c
}

// Option configures the SQLite store.
type Option func(*Config)

// WithTable sets the messages table name.
func WithTable(name string) Option {
	return func(c *Config) {
		c.Table = name
	}
}

// WithLogger sets the logger used for observer refresh failures.
func WithLogger(logger outbox.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// WithTracing registers the GORM OpenTelemetry plugin on the database.
func WithTracing(enabled bool) Option {
	return func(c *Config) {
		c.Tracing = enabled
	}
}
