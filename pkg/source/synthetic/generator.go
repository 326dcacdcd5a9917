package synthetic

import (
	"context"
	"math/rand"
	"time"

	"github.com/peter-kozarec/helios/pkg/model"
	"github.com/peter-kozarec/helios/pkg/utility/fixed"
)

var pointFive = fixed.FromInt64(5, 1)

// TickGenerator is a GBM trade-tick source for development and load
// testing. A fixed seed reproduces the same stream.
type TickGenerator struct {
	rng *rand.Rand

	startTime  time.Time
	startPrice fixed.Point
	mu         fixed.Point
	sigma      fixed.Point
	deltaT     fixed.Point

	avgTickInterval time.Duration
	tickVariability float64

	avgQty      fixed.Point
	qtyVariance float64

	// Pre-calculated values for GBM
	deltaLogPre1 fixed.Point
	deltaLogPre2 fixed.Point
}

func NewTickGenerator(seed int64, startTime time.Time, startPrice, mu, sigma, deltaT fixed.Point) *TickGenerator {
	return &TickGenerator{
		rng: rand.New(rand.NewSource(seed)),

		startTime:  startTime,
		startPrice: startPrice,
		mu:         mu,
		sigma:      sigma,
		deltaT:     deltaT,

		avgTickInterval: 333 * time.Millisecond,
		tickVariability: 0.3,

		avgQty:      fixed.One,
		qtyVariance: 0.5,

		deltaLogPre1: mu.Sub(sigma.Mul(sigma).Mul(pointFive)).Mul(deltaT),
		deltaLogPre2: sigma.Mul(deltaT.Sqrt()),
	}
}

func (g *TickGenerator) SetTickParameters(avgInterval time.Duration, intervalVariability float64, avgQty fixed.Point, qtyVariance float64) {
	g.avgTickInterval = avgInterval
	g.tickVariability = intervalVariability
	g.avgQty = avgQty
	g.qtyVariance = qtyVariance
}

func (g *TickGenerator) Pausable() bool {
	return true
}

// Subscribe walks one independent price path per symbol until the
// context is cancelled. Sends block, so the generator pauses cleanly
// under backpressure.
func (g *TickGenerator) Subscribe(ctx context.Context, symbols []model.Symbol, out chan<- model.Tick) error {
	type walk struct {
		price fixed.Point
		at    time.Time
	}

	walks := make(map[model.Symbol]*walk, len(symbols))
	for _, symbol := range symbols {
		walks[symbol] = &walk{price: g.startPrice, at: g.startTime}
	}

	var tradeID uint64
	for {
		for _, symbol := range symbols {
			w := walks[symbol]

			z := g.rng.NormFloat64()
			deltaLog := g.deltaLogPre1.Add(g.deltaLogPre2.Mul(fixed.FromFloat64(z)))
			w.price = w.price.Mul(deltaLog.Exp())
			w.at = w.at.Add(g.tickInterval())
			tradeID++

			tick := model.Tick{
				Symbol:    symbol,
				TimeStamp: w.at.UnixMicro(),
				Price:     w.price.Rescale(8),
				Qty:       g.qty(),
				Side:      g.side(),
				TradeID:   tradeID,
			}

			select {
			case <-ctx.Done():
				return ctx.Err()
			case out <- tick:
			}
		}
	}
}

func (g *TickGenerator) tickInterval() time.Duration {
	jitter := 1 + g.tickVariability*(2*g.rng.Float64()-1)
	return time.Duration(float64(g.avgTickInterval) * jitter)
}

func (g *TickGenerator) qty() fixed.Point {
	jitter := 1 + g.qtyVariance*(2*g.rng.Float64()-1)
	return g.avgQty.Mul(fixed.FromFloat64(jitter)).Rescale(8)
}

func (g *TickGenerator) side() model.Side {
	if g.rng.Intn(2) == 0 {
		return model.Buy
	}
	return model.Sell
}
