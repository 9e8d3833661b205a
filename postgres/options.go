package postgres

import "github.com/velmie/offline-outbox"

const (
	defaultTable      = "outbox_messages"
	defaultPruneLimit = 10000
)

// Config defines PostgreSQL store behavior.
type Config struct {
	Table  string
	Logger outbox.Logger
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

// Option configures the PostgreSQL store.
type Option func(*Config)

// WithTable sets the messages table name, optionally schema qualified.
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
