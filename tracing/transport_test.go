package tracing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/velmie/offline-outbox"
	"github.com/velmie/offline-outbox/faketransport"
	"github.com/velmie/offline-outbox/memory"
)

func newRecorder(t *testing.T) (*tracetest.SpanRecorder, *sdktrace.TracerProvider) {
	t.Helper()

	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	return recorder, tp
}

func attrs(span sdktrace.ReadOnlySpan) map[attribute.Key]string {
	out := make(map[attribute.Key]string)
	for _, kv := range span.Attributes() {
		out[kv.Key] = kv.Value.Emit()
	}

	return out
}

func TestTransportSpans(t *testing.T) {
	msg := outbox.Outgoing{ClientKey: "k1", ConversationID: "general", Text: "hi", CreatedAt: time.Now()}

	tests := []struct {
		name    string
		outcome outbox.Outcome
		status  codes.Code
		events  int
	}{
		{name: "accepted", outcome: outbox.Accepted{ServerID: "srv-9"}, status: codes.Ok},
		{name: "already accepted", outcome: outbox.AlreadyAccepted{}, status: codes.Ok},
		{name: "unreachable", outcome: outbox.Unreachable{Err: errors.New("down")}, status: codes.Unset, events: 1},
		{name: "timeout", outcome: outbox.Timeout{Err: errors.New("slow")}, status: codes.Unset, events: 1},
		{name: "rejected", outcome: outbox.Rejected{Cause: errors.New("bad")}, status: codes.Error, events: 1},
		{name: "rejected without cause", outcome: outbox.Rejected{}, status: codes.Error},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recorder, tp := newRecorder(t)
			tr := Wrap(faketransport.NewScripted(tt.outcome), WithTracerProvider(tp))

			got := tr.Send(context.Background(), msg)
			require.Equal(t, tt.outcome, got)

			spans := recorder.Ended()
			require.Len(t, spans, 1)
			span := spans[0]
			require.Equal(t, spanName, span.Name())
			require.Equal(t, trace.SpanKindClient, span.SpanKind())
			require.Equal(t, tt.status, span.Status().Code)
			require.Len(t, span.Events(), tt.events)

			a := attrs(span)
			require.Equal(t, "k1", a[AttrClientKey])
			require.Equal(t, "general", a[AttrConversation])
			require.Equal(t, string(tt.outcome.Kind()), a[AttrOutcome])
			if accepted, ok := tt.outcome.(outbox.Accepted); ok {
				require.Equal(t, accepted.ServerID, a[AttrServerID])
			}
		})
	}
}

func TestTransportNilOutcome(t *testing.T) {
	recorder, tp := newRecorder(t)
	tr := Wrap(outbox.TransportFunc(func(context.Context, outbox.Outgoing) outbox.Outcome {
		return nil
	}), WithTracerProvider(tp), WithSpanName("deliver"))

	require.Nil(t, tr.Send(context.Background(), outbox.Outgoing{ClientKey: "k"}))

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	require.Equal(t, "deliver", spans[0].Name())
	require.Equal(t, codes.Error, spans[0].Status().Code)
}

func TestTransportPropagatesContext(t *testing.T) {
	_, tp := newRecorder(t)
	var inner trace.SpanContext
	tr := Wrap(outbox.TransportFunc(func(ctx context.Context, _ outbox.Outgoing) outbox.Outcome {
		inner = trace.SpanContextFromContext(ctx)

		return outbox.Accepted{}
	}), WithTracerProvider(tp))

	tr.Send(context.Background(), outbox.Outgoing{ClientKey: "k"})
	require.True(t, inner.IsValid())
}

func TestTransportWithEngine(t *testing.T) {
	recorder, tp := newRecorder(t)
	scripted := faketransport.NewScripted()
	engine := outbox.NewEngine(memory.NewStore(), Wrap(scripted, WithTracerProvider(tp)), outbox.NewSignal(true))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	msg, err := engine.SendText(ctx, "general", "hello")
	require.NoError(t, err)
	require.NoError(t, engine.Wait(ctx))

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	a := attrs(spans[0])
	require.Equal(t, msg.ClientKey, a[AttrClientKey])
	require.Equal(t, "srv-"+msg.ClientKey, a[AttrServerID])
}
