package main

import (
	"bytes"
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/velmie/offline-outbox"
	"github.com/velmie/offline-outbox/httptransport"
	"github.com/velmie/offline-outbox/internal/config"
)

// syncBuffer guards a bytes.Buffer written by the server goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.buf.String()
}

func startServer(t *testing.T, cfg config.Config) (string, *syncBuffer, func() error) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	logs := &syncBuffer{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, cfg, ln, logs) }()

	var (
		once    sync.Once
		stopErr error
	)
	stop := func() error {
		once.Do(func() {
			cancel()
			select {
			case stopErr = <-done:
			case <-time.After(5 * time.Second):
				stopErr = errors.New("server did not stop")
			}
		})

		return stopErr
	}
	t.Cleanup(func() { _ = stop() })

	return "http://" + ln.Addr().String(), logs, stop
}

func TestServeAcceptsDeliveries(t *testing.T) {
	url, logs, stop := startServer(t, config.Default())

	tr, err := httptransport.New(url)
	if err != nil {
		t.Fatalf("transport: %v", err)
	}
	ctx := context.Background()
	if err := tr.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}

	msg := outbox.Outgoing{ClientKey: "k-1", ConversationID: "general", Text: "hi", CreatedAt: time.Now()}
	first := tr.Send(ctx, msg)
	accepted, ok := first.(outbox.Accepted)
	if !ok || accepted.ServerID == "" {
		t.Fatalf("first outcome = %#v, want Accepted with server id", first)
	}
	if second := tr.Send(ctx, msg); second.Kind() != outbox.KindAlreadyAccepted {
		t.Fatalf("second outcome = %#v, want AlreadyAccepted", second)
	}

	resp, err := http.Get(url + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics status = %d", resp.StatusCode)
	}

	if err := stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	out := logs.String()
	for _, want := range []string{"receiver listening", "receiver stopped", `"accepted":1`} {
		if !strings.Contains(out, want) {
			t.Fatalf("logs missing %q:\n%s", want, out)
		}
	}
}

func TestServeUnavailableFault(t *testing.T) {
	cfg := config.Default()
	cfg.Receiver.UnavailableRate = 1
	url, _, _ := startServer(t, cfg)

	tr, err := httptransport.New(url)
	if err != nil {
		t.Fatalf("transport: %v", err)
	}
	outcome := tr.Send(context.Background(), outbox.Outgoing{ClientKey: "k-2", ConversationID: "general", Text: "hi"})
	if outcome.Kind() != outbox.KindUnreachable {
		t.Fatalf("outcome = %#v, want Unreachable", outcome)
	}
}

func TestRootRejectsInvalidFaultRate(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{"--lost-ack-rate", "2", "--addr", "127.0.0.1:0"})
	cmd.SetErr(&bytes.Buffer{})
	err := cmd.ExecuteContext(context.Background())
	if !errors.Is(err, config.ErrInvalidValue) {
		t.Fatalf("error = %v, want ErrInvalidValue", err)
	}
}
