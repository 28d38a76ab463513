package ratelimit

import (
	"context"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/meterledger/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// NewRedisClient connects to REDIS_ADDR. It returns nil when Redis is not
// configured; every consumer treats a nil client as "feature off".
func NewRedisClient(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) *redis.Client {
	if !cfg.Redis.Enabled() {
		log.Named("redis").Info("redis.disabled")
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if lc != nil {
		lc.Append(fx.Hook{
			OnStart: func(ctx context.Context) error {
				if err := client.Ping(ctx).Err(); err != nil {
					log.Named("redis").Warn("redis.ping.failed", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
				}
				return nil
			},
			OnStop: func(context.Context) error {
				return client.Close()
			},
		})
	}
	return client
}
