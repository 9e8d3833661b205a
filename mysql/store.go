package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/velmie/offline-outbox"
	"github.com/velmie/offline-outbox/internal/watch"
)

// Querier is the subset of *sql.DB and *sql.Tx used by the store.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store implements outbox.Store on a MySQL table.
//
// created_at is a DATETIME(6) column, so CreatedAt reads back truncated to the
// microsecond. Messages created within the same microsecond keep insertion order
// through seq.
type Store struct {
	db      Querier
	cfg     Config
	queries queries
	table   string
	feed    *watch.Feed[outbox.ConversationID, []outbox.Message]
}

var (
	_ outbox.Store          = (*Store)(nil)
	_ outbox.InFlightLister = (*Store)(nil)
)

// NewStore constructs a MySQL store with validated configuration.
func NewStore(db *sql.DB, opts ...Option) (*Store, error) {
	if db == nil {
		return nil, ErrDBRequired
	}

	return newStore(db, opts...)
}

func newStore(db Querier, opts ...Option) (*Store, error) {
	var cfg Config
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg = cfg.withDefaults()

	table, err := sanitizeTableName(cfg.Table)
	if err != nil {
		return nil, err
	}

	s := &Store{
		db:      db,
		cfg:     cfg,
		queries: newQueries(table),
		table:   table,
	}
	s.feed = watch.NewFeed[outbox.ConversationID, []outbox.Message](s.conversation, func(conversation outbox.ConversationID, err error) {
		s.cfg.Logger.Warn("outbox mysql: observer refresh failed", "conversation", conversation, "err", err)
	})

	return s, nil
}

// MustNewStore constructs a MySQL store or panics on error.
func MustNewStore(db *sql.DB, opts ...Option) *Store {
	store, err := NewStore(db, opts...)
	if err != nil {
		panic(err)
	}

	return store
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
	if len(msg.ClientKey) > maxClientKeyLen {
		return ErrClientKeyTooLong
	}

	return s.feed.Mutate(ctx, func(ctx context.Context) ([]outbox.ConversationID, error) {
		prev, found, err := s.conversationOf(ctx, msg.ClientKey)
		if err != nil {
			return nil, err
		}

		if _, err := s.db.ExecContext(
			ctx,
			s.queries.upsert,
			msg.ClientKey,
			string(msg.ConversationID),
			nullString(msg.ServerID),
			msg.Text,
			msg.Status,
			msg.CreatedAt.UTC(),
		); err != nil {
			return nil, fmt.Errorf("outbox mysql: insert failed: %w", err)
		}

		touched := []outbox.ConversationID{msg.ConversationID}
		if found && prev != msg.ConversationID {
			touched = append(touched, prev)
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
		conversation, found, err := s.conversationOf(ctx, clientKey)
		if err != nil || !found {
			return nil, err
		}

		var serverID, status any
		if upd.ServerID != nil {
			serverID = *upd.ServerID
		}
		if upd.Status != nil {
			status = *upd.Status
		}
		if _, err := s.db.ExecContext(ctx, s.queries.update, serverID, status, clientKey); err != nil {
			return nil, fmt.Errorf("outbox mysql: update failed: %w", err)
		}

		return []outbox.ConversationID{conversation}, nil
	})
}

// Pending implements outbox.Store.
func (s *Store) Pending(ctx context.Context, conversation outbox.ConversationID) ([]outbox.Message, error) {
	return s.selectMessages(ctx, s.queries.selectByStatus, string(conversation), outbox.StatusQueued, outbox.StatusFailed)
}

// InFlight implements outbox.InFlightLister.
func (s *Store) InFlight(ctx context.Context, conversation outbox.ConversationID) ([]outbox.Message, error) {
	return s.selectMessages(ctx, s.queries.selectByStatus, string(conversation), outbox.StatusSending, outbox.StatusSending)
}

// PendingCount returns the number of Queued and Failed rows across conversations.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, s.queries.countPending, outbox.StatusQueued, outbox.StatusFailed).Scan(&count); err != nil {
		return 0, fmt.Errorf("outbox mysql: pending count failed: %w", err)
	}

	return count, nil
}

// Close ends every observation. The *sql.DB is owned by the caller.
func (s *Store) Close() error {
	s.feed.Close()

	return nil
}

func (s *Store) conversation(ctx context.Context, conversation outbox.ConversationID) ([]outbox.Message, error) {
	return s.selectMessages(ctx, s.queries.selectConversation, string(conversation))
}

func (s *Store) conversationOf(ctx context.Context, clientKey string) (outbox.ConversationID, bool, error) {
	var conversation string
	err := s.db.QueryRowContext(ctx, s.queries.conversationOf, clientKey).Scan(&conversation)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("outbox mysql: lookup failed: %w", err)
	}

	return outbox.ConversationID(conversation), true, nil
}

func (s *Store) selectMessages(ctx context.Context, query string, args ...any) ([]outbox.Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("outbox mysql: select failed: %w", err)
	}
	defer rows.Close()

	msgs := make([]outbox.Message, 0)
	for rows.Next() {
		var (
			clientKey    string
			conversation string
			serverID     sql.NullString
			body         string
			status       int16
			createdAt    time.Time
		)
		if err := rows.Scan(&clientKey, &conversation, &serverID, &body, &status, &createdAt); err != nil {
			return nil, fmt.Errorf("outbox mysql: scan failed: %w", err)
		}

		msgs = append(msgs, outbox.Message{
			ServerID:       serverID.String,
			ClientKey:      clientKey,
			ConversationID: outbox.ConversationID(conversation),
			Text:           body,
			CreatedAt:      createdAt.UTC(),
			Status:         outbox.Status(status),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox mysql: rows failed: %w", err)
	}

	return msgs, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
