package main

import (
	"context"
	"fmt"

	"storefront/internal/core/kv"
	"storefront/internal/infrastructure/http/v1/handlers"
	"storefront/internal/infrastructure/storage/memory"
	"storefront/internal/infrastructure/storage/postgres"
	"storefront/pkg/logger"
)

// durableStore is the storage that outlives sessions and restarts.
type durableStore struct {
	Store kv.Store
	Kind  string
	pool  *postgres.Pool
}

// openDurable connects to PostgreSQL, or keeps durable state in memory when
// no DSN is configured.
func openDurable(ctx context.Context, dsn string, log *logger.Logger) (*durableStore, error) {
	if dsn == "" {
		log.Warn("DATABASE_URL not set; manual locations and cart stamps are lost on restart")
		return &durableStore{Store: memory.NewStore(), Kind: "memory"}, nil
	}

	poolCfg := postgres.DefaultPoolConfig(dsn)
	if n := getEnvInt("DB_MAX_CONNS", int(poolCfg.MaxConns)); n > 0 {
		poolCfg.MaxConns = int32(n)
	}
	pool, err := postgres.NewPool(ctx, poolCfg)
	if err != nil {
		return nil, err
	}

	kvCfg := postgres.DefaultKVStoreConfig()
	kvCfg.Table = getEnv("KV_TABLE", kvCfg.Table)
	store, err := postgres.NewKVStore(postgres.NewTxManager(pool), kvCfg)
	if err != nil {
		pool.Close()
		return nil, err
	}
	if err := store.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("prepare durable store: %w", err)
	}

	pool.LogStats(logger.WithLogger(ctx, log))
	return &durableStore{Store: store, Kind: "postgres", pool: pool}, nil
}

// Database returns the pool for health probes, or nil in memory mode.
func (d *durableStore) Database() handlers.Database {
	if d.pool == nil {
		return nil
	}
	return d.pool
}

func (d *durableStore) Close() {
	if d.pool != nil {
		d.pool.Close()
	}
}
