package sqlite

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
	"gorm.io/plugin/opentelemetry/tracing"

	"github.com/velmie/offline-outbox"
	"github.com/velmie/offline-outbox/internal/watch"
)

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

var upsertColumns = []string{"conversation_id", "server_id", "body", "status", "created_at", "updated_at"}

// Store implements outbox.Store on a SQLite table.
type Store struct {
	db    *gorm.DB
	cfg   Config
	owned bool
	feed  *watch.Feed[outbox.ConversationID, []outbox.Message]
}

var (
	_ outbox.Store          = (*Store)(nil)
	_ outbox.InFlightLister = (*Store)(nil)
)

// Open opens (or creates) the database file at path, applies PRAGMAs and
// migrates the messages table. The returned store closes the database on Close.
func Open(path string, opts ...Option) (*Store, error) {
	if path == "" {
		return nil, ErrPathRequired
	}
	if dir := filepath.Dir(path); dir != "." {
		if _, err := os.Stat(dir); err != nil {
			return nil, fmt.Errorf("outbox sqlite: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("outbox sqlite: open failed: %w", err)
	}

	db.Exec("PRAGMA journal_mode=WAL;")
	db.Exec("PRAGMA synchronous=NORMAL;")
	db.Exec("PRAGMA busy_timeout=5000;")

	// One writer avoids SQLITE_BUSY between the feed and the engine.
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetConnMaxIdleTime(5 * time.Minute)
	}

	store, err := NewStore(db, opts...)
	if err != nil {
		closeDB(db)
		return nil, err
	}
	if err := store.AutoMigrate(); err != nil {
		closeDB(db)
		return nil, err
	}
	store.owned = true

	return store, nil
}

// NewStore constructs a store on a caller owned database. Call AutoMigrate
// before use unless the table already exists.
func NewStore(db *gorm.DB, opts ...Option) (*Store, error) {
	if db == nil {
		return nil, ErrDBRequired
	}

	var cfg Config
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg = cfg.withDefaults()
	if !tableNamePattern.MatchString(cfg.Table) {
		return nil, ErrInvalidTableName
	}
	if cfg.Tracing {
		if err := db.Use(tracing.NewPlugin()); err != nil {
			return nil, fmt.Errorf("outbox sqlite: tracing plugin failed: %w", err)
		}
	}

	s := &Store{db: db, cfg: cfg}
	s.feed = watch.NewFeed[outbox.ConversationID, []outbox.Message](s.conversation, func(conversation outbox.ConversationID, err error) {
		s.cfg.Logger.Warn("outbox sqlite: observer refresh failed", "conversation", conversation, "err", err)
	})

	return s, nil
}

// AutoMigrate creates or updates the messages table.
func (s *Store) AutoMigrate() error {
	if err := s.db.Table(s.cfg.Table).AutoMigrate(&record{}); err != nil {
		return fmt.Errorf("outbox sqlite: migrate failed: %w", err)
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
		touched := []outbox.ConversationID{msg.ConversationID}
		err := s.table(ctx).Transaction(func(tx *gorm.DB) error {
			var prev record
			err := tx.Table(s.cfg.Table).Select("conversation_id").Where("client_key = ?", msg.ClientKey).Take(&prev).Error
			switch {
			case errors.Is(err, gorm.ErrRecordNotFound):
			case err != nil:
				return err
			case outbox.ConversationID(prev.ConversationID) != msg.ConversationID:
				touched = append(touched, outbox.ConversationID(prev.ConversationID))
			}

			row := toRecord(msg)
			return tx.Table(s.cfg.Table).Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "client_key"}},
				DoUpdates: clause.AssignmentColumns(upsertColumns),
			}).Create(&row).Error
		})
		if err != nil {
			return nil, fmt.Errorf("outbox sqlite: insert failed: %w", err)
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
		var row record
		err := s.table(ctx).Select("conversation_id").Where("client_key = ?", clientKey).Take(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("outbox sqlite: lookup failed: %w", err)
		}

		changes := map[string]any{"updated_at": time.Now().UnixNano()}
		if upd.ServerID != nil {
			changes["server_id"] = *upd.ServerID
		}
		if upd.Status != nil {
			changes["status"] = int16(*upd.Status)
		}
		if err := s.table(ctx).Where("client_key = ?", clientKey).Updates(changes).Error; err != nil {
			return nil, fmt.Errorf("outbox sqlite: update failed: %w", err)
		}

		return []outbox.ConversationID{outbox.ConversationID(row.ConversationID)}, nil
	})
}

// Pending implements outbox.Store.
func (s *Store) Pending(ctx context.Context, conversation outbox.ConversationID) ([]outbox.Message, error) {
	return s.find(ctx, conversation, outbox.StatusQueued, outbox.StatusFailed)
}

// InFlight implements outbox.InFlightLister.
func (s *Store) InFlight(ctx context.Context, conversation outbox.ConversationID) ([]outbox.Message, error) {
	return s.find(ctx, conversation, outbox.StatusSending)
}

// Prune removes up to limit Sent rows last updated before the cutoff.
func (s *Store) Prune(ctx context.Context, before time.Time, limit int) (int64, error) {
	if before.IsZero() {
		return 0, ErrPruneBeforeRequired
	}
	if limit <= 0 {
		limit = defaultPruneLimit
	}

	victims := s.table(ctx).Select("seq").
		Where("status = ? AND updated_at <= ?", int16(outbox.StatusSent), before.UnixNano()).
		Order("seq").
		Limit(limit)
	res := s.table(ctx).Where("seq IN (?)", victims).Delete(&record{})
	if res.Error != nil {
		return 0, fmt.Errorf("outbox sqlite: prune failed: %w", res.Error)
	}

	return res.RowsAffected, nil
}

// Close ends every observation and closes the database when Open created it.
func (s *Store) Close() error {
	s.feed.Close()
	if s.owned {
		return closeDB(s.db)
	}

	return nil
}

func (s *Store) table(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx).Table(s.cfg.Table)
}

func (s *Store) conversation(ctx context.Context, conversation outbox.ConversationID) ([]outbox.Message, error) {
	return s.find(ctx, conversation)
}

// find lists a conversation in display order, optionally filtered by status.
func (s *Store) find(ctx context.Context, conversation outbox.ConversationID, statuses ...outbox.Status) ([]outbox.Message, error) {
	q := s.table(ctx).Where("conversation_id = ?", string(conversation))
	if len(statuses) > 0 {
		values := make([]int16, len(statuses))
		for i, st := range statuses {
			values[i] = int16(st)
		}
		q = q.Where("status IN ?", values)
	}

	var rows []record
	if err := q.Order("created_at ASC, seq ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("outbox sqlite: select failed: %w", err)
	}

	msgs := make([]outbox.Message, len(rows))
	for i, row := range rows {
		msgs[i] = row.message()
	}

	return msgs, nil
}

func closeDB(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}

	return sqlDB.Close()
}
