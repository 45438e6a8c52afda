package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// Options selects and configures a backend. DatabaseURL wins over
// SQLitePath; with neither set the store lives in memory.
type Options struct {
	DatabaseURL string
	SQLitePath  string
	RedisURL    string
	CacheTTL    time.Duration
	Migrate     bool
}

// Open connects the configured backend. The returned close func releases
// every connection Open made and is safe to call once.
func Open(ctx context.Context, opts Options) (Store, func(), error) {
	var (
		st      Store
		cleanup []func()
	)
	closeAll := func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}

	switch {
	case opts.DatabaseURL != "":
		pool, err := pgxpool.New(ctx, opts.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		cleanup = append(cleanup, pool.Close)
		pg := NewPostgresStore(pool)
		if opts.Migrate {
			if err := pg.Migrate(ctx); err != nil {
				closeAll()
				return nil, nil, err
			}
		}
		st = pg
		slog.Info("connected to PostgreSQL")

	case opts.SQLitePath != "":
		db, err := OpenSQLite(opts.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		cleanup = append(cleanup, func() { db.Close() })
		lite := NewSQLiteStore(db)
		if opts.Migrate {
			if err := lite.Migrate(ctx); err != nil {
				closeAll()
				return nil, nil, err
			}
		}
		st = lite
		slog.Info("opened SQLite database", "path", opts.SQLitePath)

	default:
		if opts.RedisURL != "" {
			return nil, nil, errors.New("REDIS_URL requires DATABASE_URL or SQLITE_PATH")
		}
		slog.Warn("no database configured, using in-memory store (data will not persist)")
		return NewMemoryStore(), func() {}, nil
	}

	// Wrap with Redis read-through cache if configured.
	if opts.RedisURL != "" {
		opt, err := redis.ParseURL(opts.RedisURL)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		st = NewCachedStore(st, rdb, opts.CacheTTL)
		slog.Info("Redis cache enabled", "ttl", opts.CacheTTL)
	}

	return st, closeAll, nil
}
