package outbox

import "time"

// Logger provides structured logging hooks. Args are alternating key/value pairs.
type Logger interface {
	// Debug logs a debug message.
	Debug(msg string, args ...any)
	// Info logs an informational message.
	Info(msg string, args ...any)
	// Warn logs a warning message.
	Warn(msg string, args ...any)
	// Error logs an error message.
	Error(msg string, args ...any)
}

// NopLogger is a no-op logger.
type NopLogger struct{}

// Debug implements Logger.
func (NopLogger) Debug(string, ...any) {}

// Info implements Logger.
func (NopLogger) Info(string, ...any) {}

// Warn implements Logger.
func (NopLogger) Warn(string, ...any) {}

// Error implements Logger.
func (NopLogger) Error(string, ...any) {}

// Metrics captures engine-level telemetry.
type Metrics interface {
	// ObserveAttempt records one transport call and its outcome kind.
	ObserveAttempt(kind OutcomeKind, duration time.Duration)
	// AddSent increments the count of messages that reached StatusSent.
	AddSent(count int)
	// AddRequeued increments the count of messages returned to StatusQueued.
	AddRequeued(count int)
	// AddFailed increments the count of messages that reached StatusFailed.
	AddFailed(count int)
	// AddRetries increments the count of backoff retries after a timeout.
	AddRetries(count int)
	// AddSweeps increments the count of completed connectivity sweeps.
	AddSweeps(count int)
	// SetInFlight updates the number of running attempt sequences.
	SetInFlight(count int)
}

// NopMetrics is a no-op metrics recorder.
type NopMetrics struct{}

// ObserveAttempt implements Metrics.
func (NopMetrics) ObserveAttempt(OutcomeKind, time.Duration) {}

// AddSent implements Metrics.
func (NopMetrics) AddSent(int) {}

// AddRequeued implements Metrics.
func (NopMetrics) AddRequeued(int) {}

// AddFailed implements Metrics.
func (NopMetrics) AddFailed(int) {}

// AddRetries implements Metrics.
func (NopMetrics) AddRetries(int) {}

// AddSweeps implements Metrics.
func (NopMetrics) AddSweeps(int) {}

// SetInFlight implements Metrics.
func (NopMetrics) SetInFlight(int) {}
