package cache

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/peter-kozarec/helios/pkg/apperr"
	"github.com/peter-kozarec/helios/pkg/config"
	"github.com/peter-kozarec/helios/pkg/model"
)

const redisKeyPrefix = "helios:ticks:"

// RedisCache is the optional L2: one capped list per symbol, JSON
// encoded, newest at the tail. Every operation runs under the short L2
// timeout so a slow Redis can never stall the hot path.
type RedisCache struct {
	logger   *zap.Logger
	client   *redis.Client
	capacity int
	cfg      config.RedisCache
}

func NewRedisCache(ctx context.Context, logger *zap.Logger, cfg config.RedisCache) (*RedisCache, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, apperr.New(apperr.KindCache, "cache.l2.connect", fmt.Errorf("parse cache url: %w", err))
	}
	opts.PoolSize = cfg.PoolSize

	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, cfg.OperationTimeout*5)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, apperr.New(apperr.KindCache, "cache.l2.connect", err)
	}

	logger.Info("l2 cache connected", zap.Int("pool_size", cfg.PoolSize))
	return &RedisCache{
		logger:   logger,
		client:   client,
		capacity: cfg.MaxTicksPerSymbol,
		cfg:      cfg,
	}, nil
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

func key(symbol model.Symbol) string {
	return redisKeyPrefix + symbol.String()
}

func (c *RedisCache) Push(ctx context.Context, tick model.Tick) error {
	data, err := json.Marshal(tick)
	if err != nil {
		return apperr.New(apperr.KindCache, "cache.l2.push", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.OperationTimeout)
	defer cancel()

	pipe := c.client.Pipeline()
	pipe.RPush(ctx, key(tick.Symbol), data)
	pipe.LTrim(ctx, key(tick.Symbol), int64(-c.capacity), -1)
	pipe.Expire(ctx, key(tick.Symbol), c.cfg.TTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return apperr.New(apperr.KindCache, "cache.l2.push", err)
	}
	return nil
}

// Latest returns the newest n ticks in chronological order; a short
// list is a miss, not an error.
func (c *RedisCache) Latest(ctx context.Context, symbol model.Symbol, n int) ([]model.Tick, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.OperationTimeout)
	defer cancel()

	raw, err := c.client.LRange(ctx, key(symbol), int64(-n), -1).Result()
	if err != nil {
		return nil, false, apperr.New(apperr.KindCache, "cache.l2.latest", err)
	}
	if len(raw) < n {
		return nil, false, nil
	}

	ticks := make([]model.Tick, 0, len(raw))
	for _, item := range raw {
		var tick model.Tick
		if err := json.Unmarshal([]byte(item), &tick); err != nil {
			return nil, false, apperr.New(apperr.KindCache, "cache.l2.latest", err)
		}
		ticks = append(ticks, tick)
	}
	return ticks, true, nil
}
