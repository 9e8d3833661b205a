package outbox

import (
	"errors"
	"testing"
)

func TestOutcomeKindsAndErrors(t *testing.T) {
	cause := errors.New("cause")
	cases := []struct {
		outcome Outcome
		kind    OutcomeKind
		err     error
	}{
		{Accepted{ServerID: "s"}, KindAccepted, nil},
		{AlreadyAccepted{}, KindAlreadyAccepted, nil},
		{Unreachable{Err: cause}, KindUnreachable, cause},
		{Timeout{Err: cause}, KindTimeout, cause},
		{Rejected{Cause: cause}, KindRejected, cause},
	}

	for _, tc := range cases {
		if got := tc.outcome.Kind(); got != tc.kind {
			t.Fatalf("expected kind %s, got %s", tc.kind, got)
		}
		if got := OutcomeError(tc.outcome); got != tc.err {
			t.Fatalf("%s: expected err %v, got %v", tc.kind, tc.err, got)
		}
	}
	if got := (Rejected{Cause: cause}).String(); got != "rejected: cause" {
		t.Fatalf("unexpected string %q", got)
	}
	if got := (Timeout{}).String(); got != "timeout" {
		t.Fatalf("unexpected string %q", got)
	}
}
