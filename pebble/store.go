package pebble

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/cockroachdb/pebble"

	"github.com/velmie/offline-outbox"
	"github.com/velmie/offline-outbox/internal/watch"
)

// ErrPathRequired is returned when Open is called without a directory.
var ErrPathRequired = errors.New("outbox pebble: path is required")

// Config defines Pebble store behavior.
type Config struct {
	Logger outbox.Logger
	// NoSync skips fsync on commit. Writes survive a process crash but not a power loss.
	NoSync bool
}

// Option configures the Pebble store.
type Option func(*Config)

// WithLogger sets the logger used for observer refresh failures.
func WithLogger(logger outbox.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// WithNoSync disables fsync on commit.
func WithNoSync(enabled bool) Option {
	return func(c *Config) {
		c.NoSync = enabled
	}
}

// Store implements outbox.Store on a Pebble database.
type Store struct {
	db    *pebble.DB
	cfg   Config
	write *pebble.WriteOptions
	// seq is only touched inside feed mutations, which run one at a time.
	seq  uint64
	feed *watch.Feed[outbox.ConversationID, []outbox.Message]
}

var (
	_ outbox.Store          = (*Store)(nil)
	_ outbox.InFlightLister = (*Store)(nil)
)

// Open opens or creates a database in dir.
func Open(dir string, opts ...Option) (*Store, error) {
	if dir == "" {
		return nil, ErrPathRequired
	}

	var cfg Config
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Logger == nil {
		cfg.Logger = outbox.NopLogger{}
	}

	if err := os.MkdirAll(filepath.Dir(dir), 0o700); err != nil {
		return nil, fmt.Errorf("outbox pebble: %w", err)
	}
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("outbox pebble: open failed: %w", err)
	}

	s := &Store{db: db, cfg: cfg, write: pebble.Sync}
	if cfg.NoSync {
		s.write = pebble.NoSync
	}
	if s.seq, err = s.loadSeq(); err != nil {
		_ = db.Close()
		return nil, err
	}
	s.feed = watch.NewFeed[outbox.ConversationID, []outbox.Message](s.conversation, func(conversation outbox.ConversationID, err error) {
		s.cfg.Logger.Warn("outbox pebble: observer refresh failed", "conversation", conversation, "err", err)
	})

	return s, nil
}

// Observe implements outbox.Store.
func (s *Store) Observe(ctx context.Context, conversation outbox.ConversationID) (<-chan []outbox.Message, error) {
	return s.feed.Subscribe(ctx, conversation)
}

// Insert implements outbox.Store. A replaced message keeps its sequence.
func (s *Store) Insert(ctx context.Context, msg outbox.Message) error {
	if msg.ClientKey == "" {
		return outbox.ErrClientKeyRequired
	}

	return s.feed.Mutate(ctx, func(context.Context) ([]outbox.ConversationID, error) {
		prev, found, err := s.get(msg.ClientKey)
		if err != nil {
			return nil, err
		}

		batch := s.db.NewBatch()
		defer batch.Close()

		touched := []outbox.ConversationID{msg.ConversationID}
		seq := prev.Seq
		if found {
			if err := batch.Delete(prev.indexKey(), nil); err != nil {
				return nil, fmt.Errorf("outbox pebble: insert failed: %w", err)
			}
			if outbox.ConversationID(prev.ConversationID) != msg.ConversationID {
				touched = append(touched, outbox.ConversationID(prev.ConversationID))
			}
		} else {
			s.seq++
			seq = s.seq
			if err := batch.Set(seqKey, binary.BigEndian.AppendUint64(nil, seq), nil); err != nil {
				return nil, fmt.Errorf("outbox pebble: insert failed: %w", err)
			}
		}

		rec := toRecord(msg, seq)
		if err := s.put(batch, rec); err != nil {
			return nil, err
		}
		if err := batch.Set(rec.indexKey(), []byte(rec.ClientKey), nil); err != nil {
			return nil, fmt.Errorf("outbox pebble: insert failed: %w", err)
		}
		if err := batch.Commit(s.write); err != nil {
			return nil, fmt.Errorf("outbox pebble: commit failed: %w", err)
		}

		return touched, nil
	})
}

// Update implements outbox.Store.
func (s *Store) Update(ctx context.Context, clientKey string, upd outbox.Update) error {
	if upd.IsZero() {
		return nil
	}

	return s.feed.Mutate(ctx, func(context.Context) ([]outbox.ConversationID, error) {
		rec, found, err := s.get(clientKey)
		if err != nil || !found {
			return nil, err
		}

		msg := upd.Apply(rec.message())
		rec.ServerID = msg.ServerID
		rec.Status = msg.Status

		batch := s.db.NewBatch()
		defer batch.Close()
		if err := s.put(batch, rec); err != nil {
			return nil, err
		}
		if err := batch.Commit(s.write); err != nil {
			return nil, fmt.Errorf("outbox pebble: commit failed: %w", err)
		}

		return []outbox.ConversationID{outbox.ConversationID(rec.ConversationID)}, nil
	})
}

// Pending implements outbox.Store.
func (s *Store) Pending(_ context.Context, conversation outbox.ConversationID) ([]outbox.Message, error) {
	return s.scan(conversation, outbox.StatusQueued, outbox.StatusFailed)
}

// InFlight implements outbox.InFlightLister.
func (s *Store) InFlight(_ context.Context, conversation outbox.ConversationID) ([]outbox.Message, error) {
	return s.scan(conversation, outbox.StatusSending)
}

// Close ends every observation and closes the database.
func (s *Store) Close() error {
	s.feed.Close()

	return s.db.Close()
}

func (s *Store) conversation(_ context.Context, conversation outbox.ConversationID) ([]outbox.Message, error) {
	return s.scan(conversation)
}

// scan walks the conversation index in display order, keeping only the given
// statuses when any are passed.
func (s *Store) scan(conversation outbox.ConversationID, statuses ...outbox.Status) ([]outbox.Message, error) {
	prefix := conversationPrefix(conversation)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixEnd(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("outbox pebble: iterator failed: %w", err)
	}
	defer iter.Close()

	msgs := make([]outbox.Message, 0)
	for ok := iter.First(); ok; ok = iter.Next() {
		rec, found, err := s.get(string(iter.Value()))
		if err != nil {
			return nil, err
		}
		if !found {
			continue
		}
		if len(statuses) > 0 && !slices.Contains(statuses, rec.Status) {
			continue
		}
		msgs = append(msgs, rec.message())
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("outbox pebble: iterate failed: %w", err)
	}

	return msgs, nil
}

func (s *Store) get(clientKey string) (record, bool, error) {
	v, closer, err := s.db.Get(messageKey(clientKey))
	if errors.Is(err, pebble.ErrNotFound) {
		return record{}, false, nil
	}
	if err != nil {
		return record{}, false, fmt.Errorf("outbox pebble: get failed: %w", err)
	}
	defer closer.Close()

	var rec record
	if err := json.Unmarshal(v, &rec); err != nil {
		return record{}, false, fmt.Errorf("outbox pebble: decode failed: %w", err)
	}

	return rec, true, nil
}

func (s *Store) put(batch *pebble.Batch, rec record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("outbox pebble: encode failed: %w", err)
	}
	if err := batch.Set(messageKey(rec.ClientKey), data, nil); err != nil {
		return fmt.Errorf("outbox pebble: write failed: %w", err)
	}

	return nil
}

func (s *Store) loadSeq() (uint64, error) {
	v, closer, err := s.db.Get(seqKey)
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("outbox pebble: read sequence failed: %w", err)
	}
	defer closer.Close()
	if len(v) != 8 {
		return 0, fmt.Errorf("outbox pebble: corrupt sequence of %d bytes", len(v))
	}

	return binary.BigEndian.Uint64(v), nil
}
