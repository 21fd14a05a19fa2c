package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gct-tools/bb-contrib/internal/cachestore"
	"github.com/gct-tools/bb-contrib/internal/config"
	"github.com/redis/go-redis/v9"
)

// NewStoreBackend builds the configured cache store. The redis backend is
// pinged once at startup so a misconfigured address fails fast instead of on
// the first refresh run.
func NewStoreBackend(cfg *config.Config) (cachestore.Store, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	if strings.EqualFold(strings.TrimSpace(cfg.Store.Backend), "redis") {
		client := newRedisClient(cfg.Store)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}

		return cachestore.NewRedisStore(client, cachestore.RedisStoreConfig{
			Namespace: cfg.Store.RedisNamespace,
		}), nil
	}

	store, err := cachestore.NewFilesystem(cfg.Store.DataDir)
	if err != nil {
		return nil, fmt.Errorf("initialize filesystem store: %w", err)
	}
	return store, nil
}

func newRedisClient(cfg config.StoreConfig) redis.UniversalClient {
	if strings.EqualFold(cfg.RedisMode, "sentinel") {
		return redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:    cfg.RedisMasterSet,
			SentinelAddrs: cfg.RedisSentinelAddrs,
			Password:      cfg.RedisPassword,
			DB:            cfg.RedisDB,
		})
	}
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}
