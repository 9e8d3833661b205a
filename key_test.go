package outbox

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

func TestUUIDv7GeneratorProducesDistinctV7Keys(t *testing.T) {
	gen := UUIDv7Generator{}
	seen := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		key, err := gen.NewKey()
		if err != nil {
			t.Fatalf("new key: %v", err)
		}
		parsed, err := uuid.Parse(key)
		if err != nil {
			t.Fatalf("parse key: %v", err)
		}
		if parsed.Version() != 7 {
			t.Fatalf("expected version 7, got %d", parsed.Version())
		}
		if _, ok := seen[key]; ok {
			t.Fatalf("duplicate key %s", key)
		}
		seen[key] = struct{}{}
	}
}

func TestULIDGeneratorIsMonotonicWithinMillisecond(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	gen := NewULIDGenerator(&fakeClock{now: now})

	prev := ""
	for i := 0; i < 50; i++ {
		key, err := gen.NewKey()
		if err != nil {
			t.Fatalf("new key: %v", err)
		}
		id, err := ulid.ParseStrict(key)
		if err != nil {
			t.Fatalf("parse key: %v", err)
		}
		if got := ulid.Time(id.Time()); !got.Equal(now) {
			t.Fatalf("expected timestamp %s, got %s", now, got)
		}
		if key <= prev {
			t.Fatalf("expected %s > %s", key, prev)
		}
		prev = key
	}
}
