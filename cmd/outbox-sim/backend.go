package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/rs/zerolog"

	"github.com/velmie/offline-outbox"
	"github.com/velmie/offline-outbox/faketransport"
	"github.com/velmie/offline-outbox/httptransport"
	"github.com/velmie/offline-outbox/internal/config"
	"github.com/velmie/offline-outbox/logging"
	"github.com/velmie/offline-outbox/memory"
	"github.com/velmie/offline-outbox/mysql"
	"github.com/velmie/offline-outbox/pebble"
	"github.com/velmie/offline-outbox/postgres"
	"github.com/velmie/offline-outbox/probe"
	"github.com/velmie/offline-outbox/redistransport"
	"github.com/velmie/offline-outbox/sqlite"
)

const defaultMySQLTable = "outbox_messages"

// pruneFunc deletes Sent messages older than the configured retention.
type pruneFunc func(ctx context.Context) (int64, error)

type backend struct {
	store outbox.Store
	prune pruneFunc
	close func() error
}

func openBackend(ctx context.Context, cfg config.Config, zl zerolog.Logger) (*backend, error) {
	logger := logging.Adapt(zl.With().Str("component", "store").Logger())
	retention := cfg.Schedule.Retention
	before := func() time.Time { return time.Now().UTC().Add(-retention) }

	switch cfg.Store.Driver {
	case config.DriverMemory:
		store := memory.NewStore()

		return &backend{store: store, close: store.Close}, nil

	case config.DriverSQLite:
		opts := []sqlite.Option{sqlite.WithLogger(logger), sqlite.WithTracing(true)}
		if cfg.Store.Table != "" {
			opts = append(opts, sqlite.WithTable(cfg.Store.Table))
		}
		store, err := sqlite.Open(cfg.Store.Path, opts...)
		if err != nil {
			return nil, err
		}
		prune := func(ctx context.Context) (int64, error) {
			return store.Prune(ctx, before(), 0)
		}

		return &backend{store: store, prune: prune, close: store.Close}, nil

	case config.DriverPebble:
		store, err := pebble.Open(cfg.Store.Path, pebble.WithLogger(logger))
		if err != nil {
			return nil, err
		}

		return &backend{store: store, close: store.Close}, nil

	case config.DriverMySQL:
		return openMySQL(ctx, cfg, logger)

	case config.DriverPostgres:
		opts := []postgres.Option{postgres.WithLogger(logger)}
		if cfg.Store.Table != "" {
			opts = append(opts, postgres.WithTable(cfg.Store.Table))
		}
		store, err := postgres.Open(ctx, cfg.Store.DSN, opts...)
		if err != nil {
			return nil, err
		}
		if err := store.EnsureSchema(ctx); err != nil {
			_ = store.Close()

			return nil, err
		}
		prune := func(ctx context.Context) (int64, error) {
			return store.Prune(ctx, before(), 0)
		}

		return &backend{store: store, prune: prune, close: store.Close}, nil
	}

	return nil, fmt.Errorf("%w: %q", config.ErrUnknownDriver, cfg.Store.Driver)
}

func openMySQL(ctx context.Context, cfg config.Config, logger outbox.Logger) (*backend, error) {
	table := cfg.Store.Table
	if table == "" {
		table = defaultMySQLTable
	}

	db, err := sql.Open("mysql", cfg.Store.DSN)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	fail := func(err error) (*backend, error) {
		_ = db.Close()

		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return fail(fmt.Errorf("ping db: %w", err))
	}
	schema, err := mysql.Schema(table)
	if err != nil {
		return fail(err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fail(fmt.Errorf("create schema: %w", err))
	}
	store, err := mysql.NewStore(db, mysql.WithTable(table), mysql.WithLogger(logger))
	if err != nil {
		return fail(err)
	}

	b := &backend{store: store, close: func() error {
		_ = store.Close()

		return db.Close()
	}}
	if cfg.Schedule.Retention > 0 {
		maintainer, err := mysql.NewPruneMaintainer(db, mysql.PruneMaintainerConfig{
			Table:     table,
			Retention: cfg.Schedule.Retention,
			Logger:    logger,
		})
		if err != nil {
			return fail(err)
		}
		b.prune = maintainer.Ensure
	}

	return b, nil
}

// remote is a transport plus the optional health check used by the prober.
type remote struct {
	transport outbox.Transport
	pinger    probe.Pinger
	close     func() error
}

func openTransport(ctx context.Context, cfg config.Config, signal outbox.Connectivity, opts simOptions) (*remote, error) {
	switch cfg.Transport.Kind {
	case config.TransportFake:
		fake := faketransport.New(signal,
			faketransport.WithLatency(opts.MinLatency, opts.MaxLatency),
			faketransport.WithTimeoutRate(opts.TimeoutRate),
		)

		return &remote{transport: fake, close: func() error { return nil }}, nil

	case config.TransportHTTP:
		t, err := httptransport.New(cfg.Transport.URL, httptransport.WithTimeout(cfg.Transport.Timeout))
		if err != nil {
			return nil, err
		}

		return &remote{transport: t, pinger: t, close: func() error { return nil }}, nil

	case config.TransportRedis:
		t, err := redistransport.Open(ctx, cfg.Transport.URL)
		if err != nil {
			return nil, err
		}

		return &remote{transport: t, pinger: t, close: t.Close}, nil
	}

	return nil, fmt.Errorf("%w: %q", config.ErrUnknownTransport, cfg.Transport.Kind)
}
