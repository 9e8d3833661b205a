// Package tracing wraps an outbox.Transport with OpenTelemetry spans.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/velmie/offline-outbox"
)

const (
	instrumentationName = "github.com/velmie/offline-outbox/tracing"
	spanName            = "outbox.send"
)

// Attribute keys recorded on every span.
const (
	AttrClientKey    = attribute.Key("outbox.client_key")
	AttrConversation = attribute.Key("outbox.conversation")
	AttrOutcome      = attribute.Key("outbox.outcome")
	AttrServerID     = attribute.Key("outbox.server_id")
)

// Config describes the span source.
type Config struct {
	TracerProvider trace.TracerProvider
	SpanName       string
}

// Option configures the Transport.
type Option func(*Config)

// WithTracerProvider sets the provider. Defaults to the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Config) {
		c.TracerProvider = tp
	}
}

// WithSpanName overrides the span name.
func WithSpanName(name string) Option {
	return func(c *Config) {
		c.SpanName = name
	}
}

// Transport records one client span per delivery attempt.
type Transport struct {
	next   outbox.Transport
	tracer trace.Tracer
	name   string
}

var _ outbox.Transport = (*Transport)(nil)

// Wrap decorates next.
func Wrap(next outbox.Transport, opts ...Option) *Transport {
	cfg := Config{SpanName: spanName}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.TracerProvider == nil {
		cfg.TracerProvider = otel.GetTracerProvider()
	}

	return &Transport{
		next:   next,
		tracer: cfg.TracerProvider.Tracer(instrumentationName),
		name:   cfg.SpanName,
	}
}

// Send implements outbox.Transport. Only Rejected marks the span as an error;
// Unreachable and Timeout are expected while offline and keep an unset status.
func (t *Transport) Send(ctx context.Context, msg outbox.Outgoing) outbox.Outcome {
	ctx, span := t.tracer.Start(ctx, t.name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			AttrClientKey.String(msg.ClientKey),
			AttrConversation.String(string(msg.ConversationID)),
		),
	)
	defer span.End()

	outcome := t.next.Send(ctx, msg)
	if outcome == nil {
		span.SetStatus(codes.Error, outbox.ErrNilOutcome.Error())

		return nil
	}
	span.SetAttributes(AttrOutcome.String(string(outcome.Kind())))

	switch o := outcome.(type) {
	case outbox.Accepted:
		if o.ServerID != "" {
			span.SetAttributes(AttrServerID.String(o.ServerID))
		}
		span.SetStatus(codes.Ok, "")
	case outbox.AlreadyAccepted:
		span.SetStatus(codes.Ok, "")
	case outbox.Unreachable:
		recordCause(span, o.Err)
	case outbox.Timeout:
		recordCause(span, o.Err)
	case outbox.Rejected:
		if o.Cause != nil {
			span.RecordError(o.Cause)
			span.SetStatus(codes.Error, o.Cause.Error())
		} else {
			span.SetStatus(codes.Error, string(outbox.KindRejected))
		}
	}

	return outcome
}

func recordCause(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
	}
}
