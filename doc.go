// Package outbox provides an offline-first delivery engine for short text messages.
//
// Typical flow:
//  1. Build an Engine from a Store, a Transport and a Connectivity signal.
//  2. Run the Engine so every transition to online sweeps queued messages.
//  3. Call SendText; it persists the message and returns immediately. Delivery runs in
//     the background with up to three attempts and doubling backoff after timeouts.
//  4. Observe the conversation to follow each message from Queued or Sending to Sent or Failed.
//  5. Call RetryFailed to re-attempt messages that automatic delivery gave up on.
//
// Stores are provided by the memory, sqlite, pebble, mysql and postgres packages.
// Transports are provided by the httptransport, redistransport and faketransport packages.
// The probe package drives a Signal from transport health checks, schedule redrives
// queued messages on a cron expression, and prommetrics, tracing and logging adapt
// the Metrics, Transport and Logger hooks to Prometheus, OpenTelemetry and zerolog.
package outbox
