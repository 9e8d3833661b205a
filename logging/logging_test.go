package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/velmie/offline-outbox"
)

func decode(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()

	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		out = append(out, entry)
	}

	return out
}

func TestParseLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"":         zerolog.InfoLevel,
		"DEBUG":    zerolog.DebugLevel,
		" warn ":   zerolog.WarnLevel,
		"warning":  zerolog.WarnLevel,
		"error":    zerolog.ErrorLevel,
		"trace":    zerolog.TraceLevel,
		"off":      zerolog.Disabled,
		"whatever": zerolog.InfoLevel,
	}
	for in, want := range tests {
		require.Equal(t, want, ParseLevel(in), in)
	}
}

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	zl := New(Config{Level: "warn", Output: &buf, Service: "outbox-sim"})

	zl.Info().Msg("dropped")
	zl.Warn().Msg("kept")

	entries := decode(t, &buf)
	require.Len(t, entries, 1)
	require.Equal(t, "kept", entries[0]["message"])
	require.Equal(t, "outbox-sim", entries[0]["service"])
	require.Contains(t, entries[0], "time")
}

func TestNewConsole(t *testing.T) {
	var buf bytes.Buffer
	zl := New(Config{Format: FormatConsole, Output: &buf, NoColor: true})
	zl.Info().Str("conversation", "general").Msg("hello")

	out := buf.String()
	require.Contains(t, out, "hello")
	require.Contains(t, out, "conversation=general")
}

func TestAdapterFields(t *testing.T) {
	var buf bytes.Buffer
	var logger outbox.Logger = Adapt(New(Config{Level: "debug", Output: &buf}))

	logger.Debug("outbox attempt", "client_key", "k1", "attempt", 2, "outcome", outbox.KindTimeout)
	logger.Info("outbox sweep", "launched", 3)
	logger.Warn("outbox message rejected", "client_key", "k2", "err", errors.New("bad"))
	logger.Error("outbox status", "status", outbox.StatusFailed, 7, "odd", "dangling")

	entries := decode(t, &buf)
	require.Len(t, entries, 4)

	require.Equal(t, "debug", entries[0]["level"])
	require.Equal(t, "k1", entries[0]["client_key"])
	require.Equal(t, float64(2), entries[0]["attempt"])
	require.Equal(t, "timeout", entries[0]["outcome"])

	require.Equal(t, "info", entries[1]["level"])
	require.Equal(t, float64(3), entries[1]["launched"])

	require.Equal(t, "warn", entries[2]["level"])
	require.Equal(t, "bad", entries[2]["err"])

	require.Equal(t, "error", entries[3]["level"])
	require.Equal(t, outbox.StatusFailed.String(), entries[3]["status"])
	require.Equal(t, "odd", entries[3]["7"])
	require.Equal(t, "<missing>", entries[3]["dangling"])
}

func TestAdapterRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := Adapt(New(Config{Level: "error", Output: &buf}))

	logger.Debug("a")
	logger.Info("b")
	logger.Warn("c")
	require.Zero(t, buf.Len())

	logger.Error("d")
	require.Len(t, decode(t, &buf), 1)
}
