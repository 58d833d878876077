package persistence

import (
	"context"
	"fmt"

	"github.com/BaSui01/agentloop/config"
	"github.com/BaSui01/agentloop/internal/database"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// NewRunStore builds the backend named by cfg.Store.Type.
func NewRunStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (RunStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "run_store"))

	var (
		store RunStore
		err   error
	)
	switch StoreType(cfg.Store.Type) {
	case StoreTypeMemory:
		store = NewMemoryRunStore()
	case StoreTypeFile:
		store, err = NewFileRunStore(cfg.Store.BaseDir)
	case StoreTypeRedis:
		store, err = DialRedisRunStore(ctx, &redis.Options{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
		}, cfg.Store.KeyPrefix, cfg.Store.TTL)
	case StoreTypeSQL:
		var pool *database.PoolManager
		pool, err = database.Open(cfg.Database, logger)
		if err == nil {
			store, err = NewSQLRunStore(ctx, pool)
			if err != nil {
				_ = pool.Close()
			}
		}
	default:
		return nil, fmt.Errorf("unsupported run store type: %s", cfg.Store.Type)
	}
	if err != nil {
		return nil, err
	}

	logger.Info("run store ready", zap.String("type", cfg.Store.Type))
	return store, nil
}

// MustNewRunStore is NewRunStore for program initialization only.
func MustNewRunStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) RunStore {
	store, err := NewRunStore(ctx, cfg, logger)
	if err != nil {
		panic(fmt.Sprintf("failed to create run store: %v", err))
	}
	return store
}
