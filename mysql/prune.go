package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/velmie/offline-outbox"
)

const (
	defaultPruneLimit      = 10000
	defaultPruneEvery      = time.Hour
	defaultPruneLockPrefix = "outbox:prune:"
)

// PruneOptions defines which delivered rows to delete.
type PruneOptions struct {
	// Before removes Sent rows last updated before this timestamp (required).
	Before time.Time
	// Limit caps the number of rows deleted per call (0 uses the default).
	Limit int
}

// PruneMaintainerConfig controls periodic pruning of delivered history.
type PruneMaintainerConfig struct {
	// Table is the messages table name. Use schema.table for non-default schema.
	Table string
	// Retention keeps Sent rows younger than now-retention (required).
	Retention time.Duration
	// CheckEvery is the interval between prune runs.
	CheckEvery time.Duration
	// Limit caps the number of rows deleted per run (0 uses the default).
	Limit int
	// LockName is the advisory lock name. Defaults to outbox:prune:<table>.
	LockName string
	Clock    outbox.Clock
	Logger   outbox.Logger
}

// PruneMaintainer deletes old Sent rows so the local history stays bounded.
// Queued, Sending and Failed rows are never touched.
type PruneMaintainer struct {
	db    *sql.DB
	store *Store
	cfg   PruneMaintainerConfig
}

// Prune removes Sent rows last updated before opts.Before and reports how many were deleted.
func (s *Store) Prune(ctx context.Context, opts PruneOptions) (int64, error) {
	if opts.Before.IsZero() {
		return 0, ErrPruneBeforeRequired
	}
	limit := opts.Limit
	if limit == 0 {
		limit = defaultPruneLimit
	}
	if limit < 0 {
		return 0, ErrPruneLimitInvalid
	}

	// #nosec G201 -- table name is sanitized.
	query := fmt.Sprintf("DELETE FROM %s WHERE status = ? AND updated_at <= ? ORDER BY seq LIMIT ?", s.table)
	res, err := s.db.ExecContext(ctx, query, outbox.StatusSent, opts.Before.UTC(), limit)
	if err != nil {
		return 0, fmt.Errorf("outbox mysql: prune delete failed: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("outbox mysql: prune rows failed: %w", err)
	}

	return affected, nil
}

// NewPruneMaintainer creates a prune maintainer with defaults applied.
func NewPruneMaintainer(db *sql.DB, cfg PruneMaintainerConfig) (*PruneMaintainer, error) {
	if db == nil {
		return nil, ErrDBRequired
	}
	if cfg.Retention <= 0 {
		return nil, ErrPruneRetentionInvalid
	}
	if cfg.Clock == nil {
		cfg.Clock = outbox.SystemClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = outbox.NopLogger{}
	}
	if cfg.CheckEvery <= 0 {
		cfg.CheckEvery = defaultPruneEvery
	}
	if cfg.Limit == 0 {
		cfg.Limit = defaultPruneLimit
	}
	if cfg.Limit < 0 {
		return nil, ErrPruneLimitInvalid
	}

	store, err := NewStore(db, WithTable(cfg.Table), WithLogger(cfg.Logger))
	if err != nil {
		return nil, err
	}
	cfg.Table = store.table
	if cfg.LockName == "" {
		cfg.LockName = defaultPruneLockPrefix + cfg.Table
	}

	return &PruneMaintainer{db: db, store: store, cfg: cfg}, nil
}

// Run prunes periodically until the context is canceled.
func (m *PruneMaintainer) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.CheckEvery)
	defer ticker.Stop()

	if _, err := m.Ensure(ctx); err != nil {
		m.cfg.Logger.Warn("outbox prune failed", "err", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := m.Ensure(ctx); err != nil {
				m.cfg.Logger.Warn("outbox prune failed", "err", err)
			}
		}
	}
}

// Ensure executes a single prune pass under a MySQL advisory lock.
func (m *PruneMaintainer) Ensure(ctx context.Context) (int64, error) {
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return 0, fmt.Errorf("outbox mysql: prune conn failed: %w", err)
	}
	defer conn.Close()

	locked, err := m.tryLock(ctx, conn)
	if err != nil {
		return 0, err
	}
	if !locked {
		m.cfg.Logger.Debug("outbox prune lock held by another session")

		return 0, nil
	}
	defer m.releaseLock(ctx, conn)

	deleted, err := m.store.Prune(ctx, PruneOptions{
		Before: m.cfg.Clock.Now().Add(-m.cfg.Retention),
		Limit:  m.cfg.Limit,
	})
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		m.cfg.Logger.Info("outbox prune done", "deleted", deleted)
	}

	return deleted, nil
}

func (m *PruneMaintainer) tryLock(ctx context.Context, conn *sql.Conn) (bool, error) {
	var got sql.NullInt64
	if err := conn.QueryRowContext(ctx, "SELECT GET_LOCK(?, 0)", m.cfg.LockName).Scan(&got); err != nil {
		return false, fmt.Errorf("outbox mysql: acquire prune lock failed: %w", err)
	}

	return got.Valid && got.Int64 == 1, nil
}

func (m *PruneMaintainer) releaseLock(ctx context.Context, conn *sql.Conn) {
	var released sql.NullInt64
	if err := conn.QueryRowContext(ctx, "SELECT RELEASE_LOCK(?)", m.cfg.LockName).Scan(&released); err != nil {
		m.cfg.Logger.Warn("outbox prune release lock failed", "err", err)
	}
}
