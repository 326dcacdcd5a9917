package cache

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/peter-kozarec/helios/pkg/model"
)

// Level2 is what the tiered cache needs from a remote tier. *RedisCache
// satisfies it; tests substitute fakes.
type Level2 interface {
	Push(ctx context.Context, tick model.Tick) error
	Latest(ctx context.Context, symbol model.Symbol, n int) ([]model.Tick, bool, error)
}

// LatestQuerier is the store fallthrough for reads that miss both tiers.
type LatestQuerier interface {
	QueryLatest(ctx context.Context, symbol model.Symbol, n int) ([]model.Tick, error)
}

// TieredCache chains L1 -> L2 -> store for reads and fans writes out to
// both tiers. L2 is strictly best effort: any L2 failure is logged,
// counted, and discarded so the primary path never degrades with it.
type TieredCache struct {
	logger *zap.Logger
	l1     *MemoryCache
	l2     Level2 // nil when disabled
	store  LatestQuerier

	l2Failures atomic.Uint64
}

func NewTieredCache(logger *zap.Logger, l1 *MemoryCache, l2 Level2, store LatestQuerier) *TieredCache {
	return &TieredCache{
		logger: logger,
		l1:     l1,
		l2:     l2,
		store:  store,
	}
}

// Put caches a durably committed tick. Callers must only invoke this
// after the store write succeeded; a tick visible in the cache implies a
// committed row.
//
// L1 is the admission gate for both tiers: a tick it refuses (replayed
// trade id, or older than the late window) never reaches L2 either, so
// replayed batches cannot fill the remote list with duplicates.
func (c *TieredCache) Put(ctx context.Context, tick model.Tick) {
	if !c.l1.Put(tick) {
		return
	}

	if c.l2 == nil {
		return
	}
	if err := c.l2.Push(ctx, tick); err != nil {
		c.l2Failures.Add(1)
		c.logger.Warn("l2 cache write failed", append(tick.Fields(), zap.Error(err))...)
	}
}

// Latest serves the hot "most recent n ticks" read. A cache hit never
// touches the store; a miss in both tiers falls through to the store
// without backfilling either tier, live writes repopulate them.
func (c *TieredCache) Latest(ctx context.Context, symbol model.Symbol, n int) ([]model.Tick, error) {
	if ticks, ok := c.l1.Latest(symbol, n); ok {
		return ticks, nil
	}

	if c.l2 != nil {
		ticks, ok, err := c.l2.Latest(ctx, symbol, n)
		if err != nil {
			c.l2Failures.Add(1)
			c.logger.Warn("l2 cache read failed", zap.String("symbol", symbol.String()), zap.Error(err))
		} else if ok {
			// Repopulate L1 off the request path.
			repop := make([]model.Tick, len(ticks))
			copy(repop, ticks)
			go c.l1.Replace(symbol, repop)
			return ticks, nil
		}
	}

	return c.store.QueryLatest(ctx, symbol, n)
}

func (c *TieredCache) L2Failures() uint64 {
	return c.l2Failures.Load()
}
