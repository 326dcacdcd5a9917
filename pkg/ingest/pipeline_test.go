package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/peter-kozarec/helios/pkg/apperr"
	"github.com/peter-kozarec/helios/pkg/cache"
	"github.com/peter-kozarec/helios/pkg/config"
	"github.com/peter-kozarec/helios/pkg/model"
	"github.com/peter-kozarec/helios/pkg/store"
	"github.com/peter-kozarec/helios/pkg/utility/fixed"
)

// memStore is an in-memory TickStore double with (symbol, trade_id)
// dedup and scriptable transient failures.
type memStore struct {
	mu       sync.Mutex
	rows     map[model.Symbol]map[uint64]model.Tick
	order    []model.Tick
	failures int // consume one per InsertBatch call before succeeding
	calls    int
}

func newMemStore() *memStore {
	return &memStore{rows: make(map[model.Symbol]map[uint64]model.Tick)}
}

func (m *memStore) InsertBatch(_ context.Context, ticks []model.Tick) (store.BatchResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls++
	if m.failures > 0 {
		m.failures--
		return store.BatchResult{}, apperr.New(apperr.KindTransient, "store.insert_batch", errors.New("induced failure"))
	}

	var res store.BatchResult
	for _, tick := range ticks {
		bySymbol := m.rows[tick.Symbol]
		if bySymbol == nil {
			bySymbol = make(map[uint64]model.Tick)
			m.rows[tick.Symbol] = bySymbol
		}
		if _, dup := bySymbol[tick.TradeID]; dup {
			res.Duplicates++
			continue
		}
		bySymbol[tick.TradeID] = tick
		m.order = append(m.order, tick)
		res.Inserted++
	}
	return res, nil
}

func (m *memStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.order)
}

func (m *memStore) committed() []model.Tick {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Tick, len(m.order))
	copy(out, m.order)
	return out
}

type recordingCache struct {
	mu    sync.Mutex
	ticks []model.Tick
}

func (c *recordingCache) Put(_ context.Context, tick model.Tick) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ticks = append(c.ticks, tick)
}

func (c *recordingCache) all() []model.Tick {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.Tick, len(c.ticks))
	copy(out, c.ticks)
	return out
}

// scriptedSource replays a fixed tick slice, then blocks until cancel.
type scriptedSource struct {
	ticks    []model.Tick
	pausable bool
	done     chan struct{} // closed once all ticks are sent
}

func newScriptedSource(ticks []model.Tick, pausable bool) *scriptedSource {
	return &scriptedSource{ticks: ticks, pausable: pausable, done: make(chan struct{})}
}

func (s *scriptedSource) Pausable() bool { return s.pausable }

func (s *scriptedSource) Subscribe(ctx context.Context, _ []model.Symbol, out chan<- model.Tick) error {
	for _, tick := range s.ticks {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case out <- tick:
		}
	}
	close(s.done)
	<-ctx.Done()
	return ctx.Err()
}

func ingestCfg() config.Ingest {
	return config.Ingest{
		BatchMaxSize:     10,
		BatchMaxAge:      20 * time.Millisecond,
		ChannelCapacity:  1000,
		ReconnectBase:    time.Millisecond,
		ReconnectMax:     10 * time.Millisecond,
		ShutdownGrace:    5 * time.Second,
		LateWindow:       2 * time.Second,
		ClockDriftWindow: 0, // scripted ticks use synthetic timestamps
	}
}

func ingestTick(symbol model.Symbol, ts int64, tradeID uint64) model.Tick {
	return model.Tick{
		Symbol:    symbol,
		TimeStamp: ts,
		Price:     fixed.MustFromString("100"),
		Qty:       fixed.One,
		Side:      model.Buy,
		TradeID:   tradeID,
	}
}

// runPipeline drives the pipeline until the source is exhausted, then
// shuts down and returns.
func runPipeline(t *testing.T, p *Pipeline, src *scriptedSource) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- p.Run(ctx) }()

	select {
	case <-src.done:
	case <-time.After(5 * time.Second):
		t.Fatal("source did not finish")
	}
	// Let age-based flushes settle before the shutdown signal.
	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-runErr:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("pipeline did not stop")
	}
}

func TestPipeline_IdempotentIngest(t *testing.T) {
	// S4: 500 ticks, 50 exact duplicates; 450 rows and the cache tail
	// matches the unique suffix.
	var ticks []model.Tick
	for i := 0; i < 450; i++ {
		ticks = append(ticks, ingestTick("BTCUSDT", int64(i+1), uint64(i+1)))
	}
	for i := 0; i < 50; i++ {
		ticks = append(ticks, ticks[i*9])
	}

	st := newMemStore()
	rec := &recordingCache{}
	src := newScriptedSource(ticks, true)
	p := NewPipeline(zap.NewNop(), src, st, rec, ingestCfg(), []model.Symbol{"BTCUSDT"})

	runPipeline(t, p, src)

	assert.Equal(t, 450, st.count())
	stats := p.Stats()
	assert.Equal(t, uint64(500), stats.Received)
	assert.Equal(t, uint64(450), stats.Inserted)
	assert.Equal(t, uint64(50), stats.Duplicates)

	// The write path delivers every committed batch tick, replays
	// included; the cache layer is what filters them (see
	// TestPipeline_DuplicateIngestKeepsCacheCoherent).
	assert.Len(t, rec.all(), 500)
	assert.Equal(t, uint64(0), stats.Unflushed)
}

func TestPipeline_DuplicateIngestKeepsCacheCoherent(t *testing.T) {
	// S4's cache half: after the duplicate-laden stream quiesces, the
	// real tiered cache's latest-50 equals the last 50 unique ticks.
	var ticks []model.Tick
	for i := 0; i < 450; i++ {
		ticks = append(ticks, ingestTick("BTCUSDT", int64(i+1), uint64(i+1)))
	}
	for i := 0; i < 50; i++ {
		ticks = append(ticks, ticks[i*9])
	}

	st := newMemStore()
	l1 := cache.NewMemoryCache(config.MemoryCache{MaxTicksPerSymbol: 1000, TTL: time.Minute}, 2*time.Second)
	tiered := cache.NewTieredCache(zap.NewNop(), l1, nil, latestFromMemStore{st})
	src := newScriptedSource(ticks, true)
	p := NewPipeline(zap.NewNop(), src, st, tiered, ingestCfg(), []model.Symbol{"BTCUSDT"})

	runPipeline(t, p, src)

	require.Equal(t, 450, st.count())
	assert.Equal(t, 450, l1.Len("BTCUSDT"), "replayed ticks must not enter the ring")

	cached, err := tiered.Latest(context.Background(), "BTCUSDT", 50)
	require.NoError(t, err)
	require.Len(t, cached, 50)

	seen := make(map[uint64]struct{}, 50)
	for i, tick := range cached {
		assert.Equal(t, int64(401+i), tick.TimeStamp)
		if _, dup := seen[tick.TradeID]; dup {
			t.Fatalf("duplicate trade id %d in cache tail", tick.TradeID)
		}
		seen[tick.TradeID] = struct{}{}
	}
}

// latestFromMemStore adapts the store double to the cache fallthrough.
type latestFromMemStore struct {
	st *memStore
}

func (l latestFromMemStore) QueryLatest(_ context.Context, symbol model.Symbol, n int) ([]model.Tick, error) {
	all := l.st.committed()
	var out []model.Tick
	for _, tick := range all {
		if tick.Symbol == symbol {
			out = append(out, tick)
		}
	}
	if len(out) > n {
		out = out[len(out)-n:]
	}
	return out, nil
}

func TestPipeline_PerSymbolOrderPreserved(t *testing.T) {
	var ticks []model.Tick
	for i := 0; i < 120; i++ {
		ticks = append(ticks,
			ingestTick("BTCUSDT", int64(i+1), uint64(i+1)),
			ingestTick("ETHUSDT", int64(i+1), uint64(1000+i+1)))
	}

	st := newMemStore()
	src := newScriptedSource(ticks, true)
	p := NewPipeline(zap.NewNop(), src, st, &recordingCache{}, ingestCfg(), []model.Symbol{"BTCUSDT", "ETHUSDT"})

	runPipeline(t, p, src)

	var lastBTC, lastETH int64
	for _, tick := range st.committed() {
		switch tick.Symbol {
		case "BTCUSDT":
			require.Greater(t, tick.TimeStamp, lastBTC, "BTC order violated")
			lastBTC = tick.TimeStamp
		case "ETHUSDT":
			require.Greater(t, tick.TimeStamp, lastETH, "ETH order violated")
			lastETH = tick.TimeStamp
		}
	}
	assert.Equal(t, 240, st.count())
}

func TestPipeline_ValidationDrops(t *testing.T) {
	bad := ingestTick("BTCUSDT", 5, 99)
	bad.Price = fixed.Zero

	ticks := []model.Tick{
		ingestTick("BTCUSDT", 1, 1),
		ingestTick("DOGEUSDT", 2, 2), // not subscribed
		bad,
		ingestTick("BTCUSDT", 3, 3),
	}

	st := newMemStore()
	src := newScriptedSource(ticks, true)
	p := NewPipeline(zap.NewNop(), src, st, &recordingCache{}, ingestCfg(), []model.Symbol{"BTCUSDT"})

	runPipeline(t, p, src)

	assert.Equal(t, 2, st.count())
	assert.Equal(t, uint64(2), p.Stats().InvalidDropped)
}

func TestPipeline_RetryPreservesBatch(t *testing.T) {
	var ticks []model.Tick
	for i := 0; i < 10; i++ {
		ticks = append(ticks, ingestTick("BTCUSDT", int64(i+1), uint64(i+1)))
	}

	st := newMemStore()
	st.failures = 2 // first two InsertBatch calls fail transiently
	rec := &recordingCache{}
	src := newScriptedSource(ticks, true)
	p := NewPipeline(zap.NewNop(), src, st, rec, ingestCfg(), []model.Symbol{"BTCUSDT"})

	runPipeline(t, p, src)

	assert.Equal(t, 10, st.count(), "whole batch must survive transient failures")
	assert.GreaterOrEqual(t, p.Stats().Retries, uint64(2))

	// Cache population happens only after the commit finally succeeded.
	assert.Len(t, rec.all(), 10)
}

func TestPipeline_BackpressureNonPausable(t *testing.T) {
	// S5: a tiny channel and a non-pausable firehose. Drops are allowed
	// but must be counted, and committed ticks stay ordered.
	var ticks []model.Tick
	for i := 0; i < 5000; i++ {
		ticks = append(ticks, ingestTick("BTCUSDT", int64(i+1), uint64(i+1)))
	}

	cfg := ingestCfg()
	cfg.ChannelCapacity = 50

	st := newMemStore()
	src := newScriptedSource(ticks, false)
	p := NewPipeline(zap.NewNop(), src, st, &recordingCache{}, cfg, []model.Symbol{"BTCUSDT"})

	runPipeline(t, p, src)

	stats := p.Stats()
	assert.Equal(t, uint64(5000), stats.Received)
	assert.Equal(t, uint64(5000), stats.Inserted+stats.OverflowDropped,
		"every tick is either committed or counted as dropped")

	var last int64
	for _, tick := range st.committed() {
		require.Greater(t, tick.TimeStamp, last, "order violated after drops")
		last = tick.TimeStamp
	}
}

func TestPipeline_BackpressurePausableNoDrops(t *testing.T) {
	var ticks []model.Tick
	for i := 0; i < 3000; i++ {
		ticks = append(ticks, ingestTick("BTCUSDT", int64(i+1), uint64(i+1)))
	}

	cfg := ingestCfg()
	cfg.ChannelCapacity = 50

	st := newMemStore()
	src := newScriptedSource(ticks, true)
	p := NewPipeline(zap.NewNop(), src, st, &recordingCache{}, cfg, []model.Symbol{"BTCUSDT"})

	runPipeline(t, p, src)

	assert.Equal(t, uint64(0), p.Stats().OverflowDropped)
	assert.Equal(t, 3000, st.count())
}

func TestPipeline_ShedsAffectedSymbolOnly(t *testing.T) {
	// The token queue is filled by one symbol; overflow ticks of the
	// other symbol must shed their own backlog, not the full one.
	cfg := ingestCfg()
	cfg.ChannelCapacity = 4

	st := newMemStore()
	src := newScriptedSource(nil, false)
	p := NewPipeline(zap.NewNop(), src, st, &recordingCache{}, cfg, []model.Symbol{"BTCUSDT", "ETHUSDT"})

	// No processor running: enqueue synchronously and inspect the backlog.
	for ts := int64(1); ts <= 4; ts++ {
		p.ingest(context.Background(), ingestTick("BTCUSDT", ts, uint64(ts)))
	}
	require.Len(t, p.pending["BTCUSDT"], 4)

	// First ETH tick overflows with nothing of its own buffered: it is
	// its own drop.
	p.ingest(context.Background(), ingestTick("ETHUSDT", 10, 100))
	assert.Empty(t, p.pending["ETHUSDT"])
	assert.Len(t, p.pending["BTCUSDT"], 4, "other symbol's backlog untouched")
	assert.Equal(t, uint64(1), p.Stats().OverflowDropped)

	// Free one slot so ETH holds a buffered tick, then overflow again:
	// the older ETH tick is shed, the newer kept, BTC still untouched.
	tick, ok := p.next(<-p.tokens)
	require.True(t, ok)
	require.Equal(t, model.Symbol("BTCUSDT"), tick.Symbol)
	p.ingest(context.Background(), ingestTick("ETHUSDT", 11, 101))
	require.Len(t, p.pending["ETHUSDT"], 1)

	p.ingest(context.Background(), ingestTick("ETHUSDT", 12, 102))
	require.Len(t, p.pending["ETHUSDT"], 1)
	assert.Equal(t, uint64(102), p.pending["ETHUSDT"][0].TradeID)
	assert.Len(t, p.pending["BTCUSDT"], 3)
	assert.Equal(t, uint64(2), p.Stats().OverflowDropped)
}

func TestPipeline_ShutdownFlushesBuffered(t *testing.T) {
	// S6: buffered ticks at shutdown all persist within the grace.
	var ticks []model.Tick
	for i := 0; i < 250; i++ {
		ticks = append(ticks, ingestTick("BTCUSDT", int64(i+1), uint64(i+1)))
	}

	cfg := ingestCfg()
	cfg.BatchMaxSize = 10000         // never size-triggered
	cfg.BatchMaxAge = 10 * time.Hour // never age-triggered

	st := newMemStore()
	rec := &recordingCache{}
	src := newScriptedSource(ticks, true)
	p := NewPipeline(zap.NewNop(), src, st, rec, cfg, []model.Symbol{"BTCUSDT"})

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- p.Run(ctx) }()

	select {
	case <-src.done:
	case <-time.After(5 * time.Second):
		t.Fatal("source did not finish")
	}
	cancel()
	require.NoError(t, <-runErr)

	assert.Equal(t, 250, st.count(), "all buffered ticks persist on shutdown")
	assert.Len(t, rec.all(), 250, "cache reflects the drained ticks")
	assert.Equal(t, uint64(0), p.Stats().Unflushed)
}

func TestPipeline_FatalStoreErrorPropagates(t *testing.T) {
	fatalStore := &fatalMemStore{}
	src := newScriptedSource([]model.Tick{ingestTick("BTCUSDT", 1, 1)}, true)

	cfg := ingestCfg()
	cfg.BatchMaxSize = 1

	p := NewPipeline(zap.NewNop(), src, fatalStore, &recordingCache{}, cfg, []model.Symbol{"BTCUSDT"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := p.Run(ctx)
	require.Error(t, err)
	assert.Equal(t, apperr.KindFatal, apperr.KindOf(err))
}

type fatalMemStore struct{}

func (f *fatalMemStore) InsertBatch(context.Context, []model.Tick) (store.BatchResult, error) {
	return store.BatchResult{}, apperr.New(apperr.KindFatal, "store.insert_batch", errors.New("schema mismatch"))
}
