package outbox

import (
	"crypto/rand"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// KeyGenerator produces client keys. Keys must be unique for the lifetime of a store.
type KeyGenerator interface {
	// NewKey returns a fresh client key.
	NewKey() (string, error)
}

// KeyGeneratorFunc adapts a function to KeyGenerator.
type KeyGeneratorFunc func() (string, error)

// NewKey implements KeyGenerator.
func (fn KeyGeneratorFunc) NewKey() (string, error) {
	return fn()
}

// UUIDv7Generator generates time-ordered UUID v7 keys.
type UUIDv7Generator struct{}

// NewKey implements KeyGenerator.
func (UUIDv7Generator) NewKey() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("outbox: generate uuid v7 failed: %w", err)
	}

	return id.String(), nil
}

// ULIDGenerator generates monotonic ULID keys using the engine clock for the time part.
type ULIDGenerator struct {
	clock Clock

	mu      sync.Mutex
	entropy io.Reader
}

// NewULIDGenerator returns a ULIDGenerator reading time from clock.
func NewULIDGenerator(clock Clock) *ULIDGenerator {
	if clock == nil {
		clock = SystemClock{}
	}

	return &ULIDGenerator{
		clock:   clock,
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
}

// NewKey implements KeyGenerator.
func (g *ULIDGenerator) NewKey() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	id, err := ulid.New(ulid.Timestamp(g.clock.Now()), g.entropy)
	if err != nil {
		return "", fmt.Errorf("outbox: generate ulid failed: %w", err)
	}

	return id.String(), nil
}
