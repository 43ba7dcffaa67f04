package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"voicelink/pkg/backoff"
)

type RedisOptions struct {
	Address      string
	Password     string
	DB           int
	PoolSize     int
	DialAttempts int
}

// NewRedisClient creates a pooled client and waits for the server to answer
// a PING, retrying with backoff.
func NewRedisClient(ctx context.Context, opts RedisOptions, logger *zap.SugaredLogger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Address,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	policy := backoff.Policy{
		BaseDelay:   200 * time.Millisecond,
		MaxAttempts: opts.DialAttempts,
		MaxDelay:    5 * time.Second,
	}
	err := backoff.Retry(ctx, policy, func() error {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			logger.Debugw("Redis ping failed", "address", opts.Address, "error", err)
			return err
		}
		return nil
	})
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Infow("Connected to Redis",
		"address", opts.Address,
		"db", opts.DB,
		"pool_size", opts.PoolSize,
	)
	return client, nil
}
