package database

import (
	"context"
	"fmt"
	"time"

	"github.com/medrex/clinic-scheduler/pkg/config"
	"github.com/medrex/clinic-scheduler/pkg/logger"
	"github.com/redis/go-redis/v9"
)

// NewRedisClient connects to the Redis instance used for the appointment change feed
func NewRedisClient(ctx context.Context, cfg *config.RedisConfig, log *logger.Logger) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if _, err := rdb.Ping(pingCtx).Result(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("could not connect to redis: %w", err)
	}

	log.WithField("addr", rdb.Options().Addr).Info("Redis connection established successfully")
	return rdb, nil
}
