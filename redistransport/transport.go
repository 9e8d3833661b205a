// Package redistransport delivers messages into per-conversation Redis streams.
//
// A Lua script records the client key and appends to the stream atomically,
// so a retried delivery never produces a second stream entry.
package redistransport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/velmie/offline-outbox"
)

const (
	defaultStreamPrefix = "outbox:stream:"
	defaultKeyPrefix    = "outbox:accepted:"
	defaultKeyTTL       = 24 * time.Hour
	defaultMaxLen       = 10000
)

var (
	// ErrClientRequired is returned when a nil client is provided.
	ErrClientRequired = errors.New("outbox redis: client is required")
	// ErrUnexpectedReply is returned when the delivery script answers in an unknown shape.
	ErrUnexpectedReply = errors.New("outbox redis: unexpected script reply")
)

// deliver returns {1, id} for a new entry and {0, id} for a known client key.
var deliver = redis.NewScript(`
local existing = redis.call('GET', KEYS[1])
if existing then
	return {0, existing}
end
local id = redis.call('XADD', KEYS[2], 'MAXLEN', '~', ARGV[5], '*',
	'client_key', ARGV[1], 'text', ARGV[2], 'created_at', ARGV[3])
redis.call('SET', KEYS[1], id, 'EX', ARGV[4])
return {1, id}
`)

// Config defines Redis transport behavior.
type Config struct {
	StreamPrefix string
	KeyPrefix    string
	// KeyTTL bounds how long a client key is remembered for deduplication.
	// Redis expiry has second granularity.
	KeyTTL time.Duration
	// MaxLen approximately caps every stream.
	MaxLen int64
}

func (c Config) withDefaults() Config {
	if c.StreamPrefix == "" {
		c.StreamPrefix = defaultStreamPrefix
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = defaultKeyPrefix
	}
	switch {
	case c.KeyTTL <= 0:
		c.KeyTTL = defaultKeyTTL
	case c.KeyTTL < time.Second:
		c.KeyTTL = time.Second
	}
	if c.MaxLen <= 0 {
		c.MaxLen = defaultMaxLen
	}

	return c
}

// Option configures the Redis transport.
type Option func(*Config)

// WithStreamPrefix sets the prefix of conversation stream keys.
func WithStreamPrefix(prefix string) Option {
	return func(c *Config) {
		c.StreamPrefix = prefix
	}
}

// WithKeyPrefix sets the prefix of deduplication keys.
func WithKeyPrefix(prefix string) Option {
	return func(c *Config) {
		c.KeyPrefix = prefix
	}
}

// WithKeyTTL sets how long accepted client keys are remembered.
func WithKeyTTL(ttl time.Duration) Option {
	return func(c *Config) {
		c.KeyTTL = ttl
	}
}

// WithMaxLen sets the approximate stream length cap.
func WithMaxLen(n int64) Option {
	return func(c *Config) {
		c.MaxLen = n
	}
}

// Entry is a delivered stream entry.
type Entry struct {
	ID        string
	ClientKey string
	Text      string
	CreatedAt time.Time
}

// Transport implements outbox.Transport on Redis streams.
type Transport struct {
	client redis.UniversalClient
	cfg    Config
	owned  bool
}

var _ outbox.Transport = (*Transport)(nil)

// New returns a transport on a caller owned client.
func New(client redis.UniversalClient, opts ...Option) (*Transport, error) {
	if client == nil {
		return nil, ErrClientRequired
	}

	var cfg Config
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Transport{client: client, cfg: cfg.withDefaults()}, nil
}

// Open connects to redisURL and verifies the connection. Close releases the client.
func Open(ctx context.Context, redisURL string, opts ...Option) (*Transport, error) {
	parsed, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("outbox redis: %w", err)
	}

	client := redis.NewClient(parsed)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("outbox redis: ping failed: %w", err)
	}

	t, err := New(client, opts...)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	t.owned = true

	return t, nil
}

// Send implements outbox.Transport.
func (t *Transport) Send(ctx context.Context, msg outbox.Outgoing) outbox.Outcome {
	keys := []string{t.cfg.KeyPrefix + msg.ClientKey, t.StreamKey(msg.ConversationID)}
	args := []any{
		msg.ClientKey,
		msg.Text,
		msg.CreatedAt.UTC().Format(time.RFC3339Nano),
		int64(t.cfg.KeyTTL / time.Second),
		t.cfg.MaxLen,
	}

	reply, err := deliver.Run(ctx, t.client, keys, args...).Slice()
	if err != nil {
		return classify(err)
	}
	if len(reply) != 2 {
		return outbox.Rejected{Cause: ErrUnexpectedReply}
	}
	fresh, ok := reply[0].(int64)
	id, idOK := reply[1].(string)
	if !ok || !idOK {
		return outbox.Rejected{Cause: ErrUnexpectedReply}
	}
	if fresh == 0 {
		return outbox.AlreadyAccepted{}
	}

	return outbox.Accepted{ServerID: id}
}

// Ping checks the connection.
func (t *Transport) Ping(ctx context.Context) error {
	return t.client.Ping(ctx).Err()
}

// StreamKey returns the stream holding a conversation.
func (t *Transport) StreamKey(conversation outbox.ConversationID) string {
	return t.cfg.StreamPrefix + string(conversation)
}

// Entries reads a conversation stream from the beginning.
func (t *Transport) Entries(ctx context.Context, conversation outbox.ConversationID) ([]Entry, error) {
	msgs, err := t.client.XRange(ctx, t.StreamKey(conversation), "-", "+").Result()
	if err != nil {
		return nil, fmt.Errorf("outbox redis: read stream failed: %w", err)
	}

	entries := make([]Entry, 0, len(msgs))
	for _, m := range msgs {
		entry := Entry{ID: m.ID}
		entry.ClientKey, _ = m.Values["client_key"].(string)
		entry.Text, _ = m.Values["text"].(string)
		if raw, ok := m.Values["created_at"].(string); ok {
			entry.CreatedAt, _ = time.Parse(time.RFC3339Nano, raw)
		}
		entries = append(entries, entry)
	}

	return entries, nil
}

// Close releases the client when Open created it.
func (t *Transport) Close() error {
	if !t.owned {
		return nil
	}

	return t.client.Close()
}

// classify maps a failed script call to an outcome. Server replies are
// permanent, connection level failures are not.
func classify(err error) outbox.Outcome {
	if errors.Is(err, context.DeadlineExceeded) {
		return outbox.Timeout{Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return outbox.Timeout{Err: err}
	}
	var redisErr redis.Error
	if errors.As(err, &redisErr) && !isTransient(redisErr) {
		return outbox.Rejected{Cause: err}
	}

	return outbox.Unreachable{Err: err}
}

// isTransient reports server errors that clear on their own.
func isTransient(err redis.Error) bool {
	for _, prefix := range []string{"LOADING", "BUSY", "TRYAGAIN", "CLUSTERDOWN", "MASTERDOWN", "READONLY"} {
		if strings.HasPrefix(err.Error(), prefix) {
			return true
		}
	}

	return false
}
