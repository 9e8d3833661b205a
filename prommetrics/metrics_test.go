package prommetrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/velmie/offline-outbox"
	"github.com/velmie/offline-outbox/faketransport"
	"github.com/velmie/offline-outbox/memory"
)

func TestNewRequiresRegisterer(t *testing.T) {
	_, err := New(nil)
	require.ErrorIs(t, err, ErrRegistererRequired)
}

func TestNewRejectsDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(reg)
	require.NoError(t, err)

	_, err = New(reg)
	require.Error(t, err)

	require.Panics(t, func() { MustNew(reg) })
}

func TestMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg, WithNamespace("chat"), WithConstLabels(prometheus.Labels{"device": "d1"}))
	require.NoError(t, err)

	m.AddSent(2)
	m.AddRequeued(1)
	m.AddFailed(3)
	m.AddRetries(4)
	m.AddSweeps(1)
	m.SetInFlight(5)
	m.ObserveAttempt(outbox.KindAccepted, 10*time.Millisecond)
	m.ObserveAttempt(outbox.KindTimeout, 20*time.Millisecond)
	m.ObserveAttempt(outbox.KindTimeout, 30*time.Millisecond)

	require.Equal(t, 2.0, testutil.ToFloat64(m.sent))
	require.Equal(t, 1.0, testutil.ToFloat64(m.requeued))
	require.Equal(t, 3.0, testutil.ToFloat64(m.failed))
	require.Equal(t, 4.0, testutil.ToFloat64(m.retries))
	require.Equal(t, 1.0, testutil.ToFloat64(m.sweeps))
	require.Equal(t, 5.0, testutil.ToFloat64(m.inFlight))
	require.Equal(t, 2, testutil.CollectAndCount(m.attempts))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
		for _, metric := range f.GetMetric() {
			require.Equal(t, "device", metric.GetLabel()[0].GetName())
		}
	}
	require.True(t, names["chat_messages_sent_total"])
	require.True(t, names["chat_attempt_duration_seconds"])
	require.True(t, names["chat_in_flight"])
}

func TestMetricsFromEngine(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := MustNew(reg)

	transport := faketransport.NewScripted(
		outbox.Timeout{Err: errors.New("slow")},
		outbox.Accepted{ServerID: "srv-1"},
	)
	engine := outbox.NewEngine(memory.NewStore(), transport, outbox.NewSignal(true),
		outbox.WithMetrics(m),
		outbox.WithBaseBackoff(-1),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := engine.SendText(ctx, "general", "hello")
	require.NoError(t, err)
	require.NoError(t, engine.Wait(ctx))

	require.Equal(t, 1.0, testutil.ToFloat64(m.sent))
	require.Equal(t, 1.0, testutil.ToFloat64(m.retries))
	require.Equal(t, 0.0, testutil.ToFloat64(m.inFlight))
	require.Equal(t, 2, testutil.CollectAndCount(m.attempts))
}
