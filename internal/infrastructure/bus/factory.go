package bus

import (
	"context"

	"go.uber.org/zap"

	"voicelink/internal/core/ports"
	"voicelink/pkg/circuitbreaker"
	"voicelink/pkg/config"
)

// Driver reports which implementation NewFromConfig ended up with.
type Driver string

const (
	DriverRedis  Driver = "redis"
	DriverMemory Driver = "memory"
)

// NewFromConfig builds the bus named by cfg.Bus.Driver. When Redis cannot be
// reached the in-process bus is used instead, which only connects agents
// running in this process.
func NewFromConfig(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger) (ports.MessageBus, Driver, error) {
	if cfg.Bus.Driver != string(DriverRedis) {
		logger.Info("using in-process message bus")
		return NewMemoryBus(logger), DriverMemory, nil
	}

	client, err := NewRedisClient(ctx, RedisOptions{
		Address:      cfg.Bus.Redis.Address,
		Password:     cfg.Bus.Redis.Password,
		DB:           cfg.Bus.Redis.DB,
		PoolSize:     cfg.Bus.Redis.PoolSize,
		DialAttempts: cfg.Bus.Redis.DialAttempts,
	}, logger)
	if err != nil {
		if ctx.Err() != nil {
			return nil, "", ctx.Err()
		}
		logger.Warnw("failed to connect to Redis, falling back to in-process bus",
			"address", cfg.Bus.Redis.Address,
			"error", err,
		)
		return NewMemoryBus(logger), DriverMemory, nil
	}

	var breaker *circuitbreaker.CircuitBreaker
	if bc := cfg.Bus.Redis.Breaker; bc.FailureThreshold > 0 {
		breaker = circuitbreaker.New(circuitbreaker.Config{
			FailureThreshold: bc.FailureThreshold,
			OpenTimeout:      bc.OpenTimeout,
		})
	}

	logger.Infow("using Redis message bus", "prefix", cfg.Bus.KeyPrefix, "publish_breaker", breaker != nil)
	return NewRedisBus(client, cfg.Bus.KeyPrefix, cfg.Bus.Redis.ReceiveTimeout, breaker, logger), DriverRedis, nil
}
