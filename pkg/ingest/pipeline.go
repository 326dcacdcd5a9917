package ingest

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/peter-kozarec/helios/pkg/apperr"
	"github.com/peter-kozarec/helios/pkg/config"
	"github.com/peter-kozarec/helios/pkg/model"
	"github.com/peter-kozarec/helios/pkg/source"
	"github.com/peter-kozarec/helios/pkg/store"
)

// BatchInserter is the slice of the tick store the pipeline writes to.
type BatchInserter interface {
	InsertBatch(ctx context.Context, ticks []model.Tick) (store.BatchResult, error)
}

// CacheWriter receives ticks after their batch committed.
type CacheWriter interface {
	Put(ctx context.Context, tick model.Tick)
}

// Pipeline drives a tick source into the store and cache.
//
// Buffering between the reader and the batcher is the single
// backpressure point of the system: per-symbol FIFO backlogs plus a
// bounded arrival-order token queue capping the total. A pausable
// source blocks on the token queue; a non-pausable source sheds the
// oldest buffered tick of the incoming tick's own symbol, and the shed
// is counted, never silent.
type Pipeline struct {
	logger *zap.Logger
	src    source.TickSource
	store  BatchInserter
	cache  CacheWriter
	cfg    config.Ingest

	symbols map[model.Symbol]struct{}

	// tokens carries one entry per buffered tick in arrival order;
	// pending holds the ticks themselves, FIFO per symbol.
	tokens  chan model.Symbol
	mu      sync.Mutex
	pending map[model.Symbol][]model.Tick

	stats   stats
	backoff apperr.Backoff

	now func() time.Time
}

func NewPipeline(logger *zap.Logger, src source.TickSource, st BatchInserter, cache CacheWriter, cfg config.Ingest, symbols []model.Symbol) *Pipeline {
	known := make(map[model.Symbol]struct{}, len(symbols))
	for _, s := range symbols {
		known[s] = struct{}{}
	}
	return &Pipeline{
		logger:  logger,
		src:     src,
		store:   st,
		cache:   cache,
		cfg:     cfg,
		symbols: known,
		tokens:  make(chan model.Symbol, cfg.ChannelCapacity),
		pending: make(map[model.Symbol][]model.Tick),
		backoff: apperr.DefaultBackoff(),
		now:     time.Now,
	}
}

// Run blocks until the context is cancelled or a fatal error occurs.
// Cancellation triggers an orderly drain: no new ticks are read, the
// backlog is emptied and open batches are flushed within the shutdown
// grace. Whatever could not be flushed is surfaced in the counters.
func (p *Pipeline) Run(ctx context.Context) error {
	symbols := make([]model.Symbol, 0, len(p.symbols))
	for s := range p.symbols {
		symbols = append(symbols, s)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(p.tokens)
		return p.readLoop(gctx, symbols)
	})
	g.Go(func() error {
		return p.processLoop(gctx)
	})

	err := g.Wait()
	p.logger.Info("ingest pipeline stopped", p.Stats().Fields()...)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (p *Pipeline) Stats() Stats {
	return p.stats.snapshot()
}

// readLoop subscribes to the source and reconnects with bounded backoff
// on disconnects. Each received tick is validated and enqueued.
func (p *Pipeline) readLoop(ctx context.Context, symbols []model.Symbol) error {
	raw := make(chan model.Tick)
	delay := p.cfg.ReconnectBase

	for {
		subErr := make(chan error, 1)
		subCtx, cancel := context.WithCancel(ctx)
		go func() {
			subErr <- p.src.Subscribe(subCtx, symbols, raw)
		}()

	consume:
		for {
			select {
			case <-ctx.Done():
				cancel()
				<-subErr
				return ctx.Err()
			case tick := <-raw:
				delay = p.cfg.ReconnectBase
				p.ingest(ctx, tick)
			case err := <-subErr:
				cancel()
				if ctx.Err() != nil {
					return ctx.Err()
				}
				if !errors.Is(err, source.ErrDisconnected) {
					return err
				}
				break consume
			}
		}

		p.stats.reconnects.Add(1)
		p.logger.Warn("source disconnected, reconnecting", zap.Duration("delay", delay))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		if delay *= 2; delay > p.cfg.ReconnectMax {
			delay = p.cfg.ReconnectMax
		}
	}
}

func (p *Pipeline) ingest(ctx context.Context, tick model.Tick) {
	p.stats.received.Add(1)

	if err := p.validate(tick); err != nil {
		p.stats.invalidDropped.Add(1)
		p.logger.Debug("tick rejected", append(tick.Fields(), zap.Error(err))...)
		return
	}

	p.mu.Lock()
	p.pending[tick.Symbol] = append(p.pending[tick.Symbol], tick)
	p.mu.Unlock()

	if p.src.Pausable() {
		// Block the reader; backpressure propagates to the source. A
		// tick appended here without its token is swept at drain.
		select {
		case <-ctx.Done():
		case p.tokens <- tick.Symbol:
		}
		return
	}

	select {
	case p.tokens <- tick.Symbol:
	default:
		p.shed(tick.Symbol)
	}
}

// shed drops the oldest buffered tick of the affected symbol when the
// token queue is full. Token and backlog counts stay balanced: one tick
// was appended, one is removed, no token moves. When the incoming tick
// is the symbol's only buffered one, it is itself the drop.
func (p *Pipeline) shed(symbol model.Symbol) {
	p.mu.Lock()
	q := p.pending[symbol]
	dropped := q[0]
	p.pending[symbol] = q[1:]
	p.mu.Unlock()

	p.stats.overflowDropped.Add(1)
	p.logger.Warn("backlog full, dropped oldest buffered tick",
		zap.String("symbol", dropped.Symbol.String()), zap.Uint64("trade_id", dropped.TradeID))
}

var errUnknownSymbol = errors.New("symbol not subscribed")
var errClockDrift = errors.New("timestamp outside wall-clock window")

func (p *Pipeline) validate(tick model.Tick) error {
	if _, ok := p.symbols[tick.Symbol]; !ok {
		return errUnknownSymbol
	}
	if err := tick.Validate(); err != nil {
		return err
	}
	if p.cfg.ClockDriftWindow > 0 {
		drift := p.now().UnixMicro() - tick.TimeStamp
		if drift < 0 {
			drift = -drift
		}
		if drift > p.cfg.ClockDriftWindow.Microseconds() {
			return errClockDrift
		}
	}
	return nil
}

// next pops the oldest buffered tick of the symbol, if any.
func (p *Pipeline) next(symbol model.Symbol) (model.Tick, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	q := p.pending[symbol]
	if len(q) == 0 {
		return model.Tick{}, false
	}
	tick := q[0]
	p.pending[symbol] = q[1:]
	return tick, true
}

type batch struct {
	ticks  []model.Tick
	oldest time.Time
}

// processLoop accumulates per-symbol batches and flushes on size, age,
// or shutdown. It terminates when the token queue closes, then drains
// under the grace deadline.
func (p *Pipeline) processLoop(ctx context.Context) error {
	batches := make(map[model.Symbol]*batch)

	ageTick := p.cfg.BatchMaxAge / 4
	if ageTick < 10*time.Millisecond {
		ageTick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(ageTick)
	defer ticker.Stop()

	// Flushes run detached from the run context: a store write in
	// flight at shutdown should complete, bounded by the store's own
	// operation timeout. Transient exhaustion is recovered locally;
	// only fatal store errors abort the pipeline.
	flushCtx := context.Background()

	for {
		select {
		case symbol, ok := <-p.tokens:
			if !ok {
				return p.drain(batches)
			}
			tick, ok := p.next(symbol)
			if !ok {
				// Tokens and backlog can skew by one around shutdown.
				continue
			}
			b := batches[tick.Symbol]
			if b == nil {
				b = &batch{ticks: make([]model.Tick, 0, p.cfg.BatchMaxSize)}
				batches[tick.Symbol] = b
			}
			if len(b.ticks) == 0 {
				b.oldest = p.now()
			}
			b.ticks = append(b.ticks, tick)

			if len(b.ticks) >= p.cfg.BatchMaxSize {
				if err := p.flush(flushCtx, b); err != nil && apperr.KindOf(err) == apperr.KindFatal {
					return err
				}
			}

		case <-ticker.C:
			for _, b := range batches {
				if len(b.ticks) > 0 && p.now().Sub(b.oldest) >= p.cfg.BatchMaxAge {
					if err := p.flush(flushCtx, b); err != nil && apperr.KindOf(err) == apperr.KindFatal {
						return err
					}
				}
			}
		}
	}
}

// drain moves any backlog remnants into their batches and flushes every
// open batch within the shutdown grace. The token queue is closed and
// emptied by the time we get here; a fresh context is needed because
// the run context is cancelled.
func (p *Pipeline) drain(batches map[model.Symbol]*batch) error {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ShutdownGrace)
	defer cancel()

	p.mu.Lock()
	for symbol, q := range p.pending {
		if len(q) == 0 {
			continue
		}
		b := batches[symbol]
		if b == nil {
			b = &batch{}
			batches[symbol] = b
		}
		b.ticks = append(b.ticks, q...)
		p.pending[symbol] = nil
	}
	p.mu.Unlock()

	var lost uint64
	for _, b := range batches {
		n := len(b.ticks)
		if n == 0 {
			continue
		}
		if err := p.flush(ctx, b); err != nil {
			lost += uint64(n)
		}
	}
	if lost > 0 {
		p.stats.unflushed.Add(lost)
		p.logger.Error("shutdown drain incomplete", zap.Uint64("unflushed", lost))
	}
	return nil
}

// flush commits one batch with retries, then walks the committed ticks
// through the cache in original order. A cache failure cannot undo the
// commit; a commit failure never reaches the cache.
func (p *Pipeline) flush(ctx context.Context, b *batch) error {
	ticks := b.ticks
	attempts := 0

	err := apperr.Retry(ctx, p.backoff, func(ctx context.Context) error {
		if attempts++; attempts > 1 {
			p.stats.retries.Add(1)
		}
		res, insErr := p.store.InsertBatch(ctx, ticks)
		if insErr != nil {
			return insErr
		}
		p.stats.inserted.Add(uint64(res.Inserted))
		p.stats.duplicates.Add(uint64(res.Duplicates))
		return nil
	})
	if err != nil {
		if apperr.KindOf(err) == apperr.KindFatal {
			return err
		}
		p.stats.batchesFailed.Add(1)
		p.logger.Error("batch flush failed, batch lost",
			zap.Int("size", len(ticks)), zap.Error(err))
		b.ticks = b.ticks[:0]
		return err
	}

	p.stats.batchesFlushed.Add(1)
	for _, tick := range ticks {
		p.cache.Put(ctx, tick)
	}
	b.ticks = b.ticks[:0]
	return nil
}
