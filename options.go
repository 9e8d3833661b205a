package outbox

import (
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultMaxAttempts = 3
	defaultBaseBackoff = time.Second
)

// EngineConfig defines how the Engine delivers messages.
type EngineConfig struct {
	MaxAttempts    int
	BaseBackoff    time.Duration
	MaxTextRunes   int
	Conversations  []ConversationID
	Clock          Clock
	Keys           KeyGenerator
	Logger         Logger
	Metrics        Metrics
	OutcomeHandler OutcomeHandler
	AttemptLimiter *rate.Limiter
	AttemptTimeout time.Duration
	SweepFailed    bool
}

func (c EngineConfig) withDefaults() EngineConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	switch {
	case c.BaseBackoff == 0:
		c.BaseBackoff = defaultBaseBackoff
	case c.BaseBackoff < 0:
		c.BaseBackoff = 0
	}
	if c.Clock == nil {
		c.Clock = SystemClock{}
	}
	if c.Keys == nil {
		c.Keys = UUIDv7Generator{}
	}
	if c.Logger == nil {
		c.Logger = NopLogger{}
	}
	if c.Metrics == nil {
		c.Metrics = NopMetrics{}
	}

	return c
}

// EngineOption configures Engine behavior.
type EngineOption func(*EngineConfig)

// WithMaxAttempts sets the number of transport calls per attempt sequence.
func WithMaxAttempts(attempts int) EngineOption {
	return func(c *EngineConfig) {
		c.MaxAttempts = attempts
	}
}

// WithBaseBackoff sets the delay before the first retry after a timeout.
// Each further retry doubles it. Zero keeps the one second default, a negative
// value disables waiting.
func WithBaseBackoff(d time.Duration) EngineOption {
	return func(c *EngineConfig) {
		c.BaseBackoff = d
	}
}

// WithMaxTextRunes limits the message length. Zero disables the check.
func WithMaxTextRunes(n int) EngineOption {
	return func(c *EngineConfig) {
		c.MaxTextRunes = n
	}
}

// WithConversations adds conversations swept on every connectivity restore.
func WithConversations(ids ...ConversationID) EngineOption {
	return func(c *EngineConfig) {
		c.Conversations = append(c.Conversations, ids...)
	}
}

// WithClock sets the engine clock used for CreatedAt and backoff.
func WithClock(clock Clock) EngineOption {
	return func(c *EngineConfig) {
		c.Clock = clock
	}
}

// WithKeyGenerator sets the client key generator.
func WithKeyGenerator(keys KeyGenerator) EngineOption {
	return func(c *EngineConfig) {
		c.Keys = keys
	}
}

// WithLogger sets the engine logger.
func WithLogger(logger Logger) EngineOption {
	return func(c *EngineConfig) {
		c.Logger = logger
	}
}

// WithMetrics sets the engine metrics recorder.
func WithMetrics(metrics Metrics) EngineOption {
	return func(c *EngineConfig) {
		c.Metrics = metrics
	}
}

// WithOutcomeHandler registers a callback invoked after every transport attempt.
func WithOutcomeHandler(handler OutcomeHandler) EngineOption {
	return func(c *EngineConfig) {
		c.OutcomeHandler = handler
	}
}

// WithAttemptLimiter throttles transport calls across all messages.
func WithAttemptLimiter(limiter *rate.Limiter) EngineOption {
	return func(c *EngineConfig) {
		c.AttemptLimiter = limiter
	}
}

// WithAttemptTimeout bounds a single transport call. A call cut short by it is
// reported by the transport, usually as Timeout.
func WithAttemptTimeout(timeout time.Duration) EngineOption {
	return func(c *EngineConfig) {
		c.AttemptTimeout = timeout
	}
}

// WithSweepFailed makes connectivity sweeps redrive Failed messages as well as
// Queued ones. By default only RetryFailed moves a message out of Failed.
func WithSweepFailed(enabled bool) EngineOption {
	return func(c *EngineConfig) {
		c.SweepFailed = enabled
	}
}
