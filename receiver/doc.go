// Package receiver is a reference remote endpoint for httptransport.
//
// It stores accepted messages in memory, deduplicates deliveries by their
// Idempotency-Key header and can inject faults (unavailability, latency, lost
// acknowledgements) to exercise the outbox retry paths.
//
// Routes:
//
//	POST /v1/conversations/:id/messages   deliver a message
//	GET  /v1/conversations/:id/messages   list accepted messages
//	GET  /healthz                         liveness
//	GET  /metrics                         Prometheus metrics
package receiver
