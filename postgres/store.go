package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/velmie/offline-outbox"
	"github.com/velmie/offline-outbox/internal/watch"
)

// Querier is the subset of *pgxpool.Pool and pgx.Tx used by the store.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements outbox.Store on a PostgreSQL table.
type Store struct {
	db      Querier
	pool    *pgxpool.Pool
	cfg     Config
	queries queries
	table   tableName
	feed    *watch.Feed[outbox.ConversationID, []outbox.Message]
}

var (
	_ outbox.Store          = (*Store)(nil)
	_ outbox.InFlightLister = (*Store)(nil)
)

// NewStore constructs a store on a caller owned pool.
func NewStore(pool *pgxpool.Pool, opts ...Option) (*Store, error) {
	if pool == nil {
		return nil, ErrPoolRequired
	}

	return newStore(pool, opts...)
}

// Open connects to databaseURL, verifies the connection and returns a store
// that closes the pool on Close.
func Open(ctx context.Context, databaseURL string, opts ...Option) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("outbox postgres: connect failed: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("outbox postgres: ping failed: %w", err)
	}

	store, err := newStore(pool, opts...)
	if err != nil {
		pool.Close()
		return nil, err
	}
	store.pool = pool

	return store, nil
}

func newStore(db Querier, opts ...Option) (*Store, error) {
	var cfg Config
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg = cfg.withDefaults()

	table, err := parseTableName(cfg.Table)
	if err != nil {
		return nil, err
	}

	s := &Store{
		db:      db,
		cfg:     cfg,
		queries: newQueries(table.quoted),
		table:   table,
	}
	s.feed = watch.NewFeed[outbox.ConversationID, []outbox.Message](s.conversation, func(conversation outbox.ConversationID, err error) {
		s.cfg.Logger.Warn("outbox postgres: observer refresh failed", "conversation", conversation, "err", err)
	})

	return s, nil
}

// EnsureSchema creates the messages table and its indexes when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	ddl, err := Schema(s.cfg.Table)
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("outbox postgres: create schema failed: %w", err)
	}

	return nil
}

// Observe implements outbox.Store.
func (s *Store) Observe(ctx context.Context, conversation outbox.ConversationID) (<-chan []outbox.Message, error) {
	return s.feed.Subscribe(ctx, conversation)
}

// Insert implements outbox.Store.
func (s *Store) Insert(ctx context.Context, msg outbox.Message) error {
	if msg.ClientKey == "" {
		return outbox.ErrClientKeyRequired
	}

	return s.feed.Mutate(ctx, func(ctx context.Context) ([]outbox.ConversationID, error) {
		var prev *string
		err := s.db.QueryRow(
			ctx,
			s.queries.upsert,
			msg.ClientKey,
			string(msg.ConversationID),
			nullable(msg.ServerID),
			msg.Text,
			int16(msg.Status),
			msg.CreatedAt.UTC(),
		).Scan(&prev)
		if err != nil {
			return nil, fmt.Errorf("outbox postgres: insert failed: %w", err)
		}

		touched := []outbox.ConversationID{msg.ConversationID}
		if prev != nil && outbox.ConversationID(*prev) != msg.ConversationID {
			touched = append(touched, outbox.ConversationID(*prev))
		}

		return touched, nil
	})
}

// Update implements outbox.Store.
func (s *Store) Update(ctx context.Context, clientKey string, upd outbox.Update) error {
	if upd.IsZero() {
		return nil
	}

	return s.feed.Mutate(ctx, func(ctx context.Context) ([]outbox.ConversationID, error) {
		var status *int16
		if upd.Status != nil {
			v := int16(*upd.Status)
			status = &v
		}

		var conversation string
		err := s.db.QueryRow(ctx, s.queries.update, upd.ServerID, status, clientKey).Scan(&conversation)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("outbox postgres: update failed: %w", err)
		}

		return []outbox.ConversationID{outbox.ConversationID(conversation)}, nil
	})
}

// Pending implements outbox.Store.
func (s *Store) Pending(ctx context.Context, conversation outbox.ConversationID) ([]outbox.Message, error) {
	return s.selectMessages(ctx, s.queries.selectByStatus, string(conversation), statuses(outbox.StatusQueued, outbox.StatusFailed))
}

// InFlight implements outbox.InFlightLister.
func (s *Store) InFlight(ctx context.Context, conversation outbox.ConversationID) ([]outbox.Message, error) {
	return s.selectMessages(ctx, s.queries.selectByStatus, string(conversation), statuses(outbox.StatusSending))
}

// Prune removes up to limit Sent rows last updated before the cutoff.
func (s *Store) Prune(ctx context.Context, before time.Time, limit int) (int64, error) {
	if before.IsZero() {
		return 0, ErrPruneBeforeRequired
	}
	if limit <= 0 {
		limit = defaultPruneLimit
	}

	tag, err := s.db.Exec(ctx, s.queries.prune, int16(outbox.StatusSent), before.UTC(), limit)
	if err != nil {
		return 0, fmt.Errorf("outbox postgres: prune failed: %w", err)
	}

	return tag.RowsAffected(), nil
}

// Close ends every observation and closes the pool when the store opened it.
func (s *Store) Close() error {
	s.feed.Close()
	if s.pool != nil {
		s.pool.Close()
	}

	return nil
}

func (s *Store) conversation(ctx context.Context, conversation outbox.ConversationID) ([]outbox.Message, error) {
	return s.selectMessages(ctx, s.queries.selectConversation, string(conversation))
}

func (s *Store) selectMessages(ctx context.Context, query string, args ...any) ([]outbox.Message, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("outbox postgres: select failed: %w", err)
	}

	msgs, err := pgx.CollectRows(rows, scanMessage)
	if err != nil {
		return nil, fmt.Errorf("outbox postgres: scan failed: %w", err)
	}
	if msgs == nil {
		msgs = []outbox.Message{}
	}

	return msgs, nil
}

func scanMessage(row pgx.CollectableRow) (outbox.Message, error) {
	var (
		clientKey    string
		conversation string
		serverID     *string
		body         string
		status       int16
		createdAt    time.Time
	)
	if err := row.Scan(&clientKey, &conversation, &serverID, &body, &status, &createdAt); err != nil {
		return outbox.Message{}, err
	}

	msg := outbox.Message{
		ClientKey:      clientKey,
		ConversationID: outbox.ConversationID(conversation),
		Text:           body,
		CreatedAt:      createdAt.UTC(),
		Status:         outbox.Status(status),
	}
	if serverID != nil {
		msg.ServerID = *serverID
	}

	return msg, nil
}

func statuses(values ...outbox.Status) []int16 {
	out := make([]int16, len(values))
	for i, v := range values {
		out[i] = int16(v)
	}

	return out
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}

	return &s
}
