package outbox

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestUpdateApply(t *testing.T) {
	msg := Message{ClientKey: "k", Text: "hi", Status: StatusSending}

	if !(Update{}).IsZero() {
		t.Fatalf("expected empty update to be zero")
	}
	if got := (Update{}).Apply(msg); got != msg {
		t.Fatalf("expected empty update to leave message unchanged")
	}

	got := AcceptedUpdate("srv-1").Apply(msg)
	if got.ServerID != "srv-1" || got.Status != StatusSent || got.Text != "hi" {
		t.Fatalf("unexpected message %+v", got)
	}

	got = AcceptedUpdate("").Apply(Message{ServerID: "kept", Status: StatusSending})
	if got.ServerID != "kept" || got.Status != StatusSent {
		t.Fatalf("expected server id to be kept, got %+v", got)
	}
}

func TestMessageOutgoing(t *testing.T) {
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	msg := Message{ServerID: "s", ClientKey: "k", ConversationID: "c", Text: "t", CreatedAt: created, Status: StatusQueued}

	out := msg.Outgoing()
	if out.ClientKey != "k" || out.ConversationID != "c" || out.Text != "t" || !out.CreatedAt.Equal(created) {
		t.Fatalf("unexpected outgoing %+v", out)
	}
}

func TestValidateText(t *testing.T) {
	cases := []struct {
		text string
		max  int
		err  error
	}{
		{text: "hi", max: 0},
		{text: "", err: ErrEmptyText},
		{text: " \t\n", err: ErrEmptyText},
		{text: strings.Repeat("é", 4), max: 4},
		{text: strings.Repeat("é", 5), max: 4, err: ErrTextTooLong},
	}

	for _, tc := range cases {
		err := ValidateText(tc.text, tc.max)
		if !errors.Is(err, tc.err) {
			t.Fatalf("ValidateText(%q, %d) = %v, want %v", tc.text, tc.max, err, tc.err)
		}
	}
}
