package backtest

import (
	"sort"

	"go.uber.org/zap"

	"github.com/peter-kozarec/helios/pkg/backtest/strategy"
	"github.com/peter-kozarec/helios/pkg/model"
	"github.com/peter-kozarec/helios/pkg/utility/fixed"
)

// Position is one open holding. Qty is signed, although the shipped
// strategies only go long. AvgEntry is meaningless once Qty is zero;
// flat positions are removed from the map entirely.
type Position struct {
	Symbol   model.Symbol
	Qty      fixed.Point
	AvgEntry fixed.Point
	Realized fixed.Point
}

type EquitySample struct {
	TS     int64
	Equity fixed.Point
}

// TradeRecord is one executed fill. Append-only within a run.
type TradeRecord struct {
	TS               int64
	Symbol           model.Symbol
	Side             model.Side
	Qty              fixed.Point
	Price            fixed.Point
	Commission       fixed.Point
	RealizedPnLDelta fixed.Point
	Forced           bool
}

// Portfolio tracks cash, positions and the equity curve. All money math
// is decimal; equity == cash + sum(qty * last mark) holds exactly at
// every sample.
type Portfolio struct {
	logger *zap.Logger

	cash      fixed.Point
	positions map[model.Symbol]*Position
	lastMark  map[model.Symbol]fixed.Point

	equityCurve []EquitySample
	commissions fixed.Point
	rejected    int
}

func NewPortfolio(logger *zap.Logger, initialCapital fixed.Point) *Portfolio {
	return &Portfolio{
		logger:    logger,
		cash:      initialCapital,
		positions: make(map[model.Symbol]*Position),
		lastMark:  make(map[model.Symbol]fixed.Point),
	}
}

func (p *Portfolio) Cash() fixed.Point {
	return p.cash
}

func (p *Portfolio) Position(symbol model.Symbol) (Position, bool) {
	pos, ok := p.positions[symbol]
	if !ok {
		return Position{}, false
	}
	return *pos, true
}

func (p *Portfolio) EquityCurve() []EquitySample {
	return p.equityCurve
}

func (p *Portfolio) Commissions() fixed.Point {
	return p.commissions
}

func (p *Portfolio) Rejected() int {
	return p.rejected
}

// Equity returns cash plus every position marked at its last seen price.
func (p *Portfolio) Equity() fixed.Point {
	equity := p.cash
	for symbol, pos := range p.positions {
		equity = equity.Add(pos.Qty.Mul(p.lastMark[symbol]))
	}
	return equity
}

// Mark updates the unrealized valuation and appends an equity sample.
// No trade is produced.
func (p *Portfolio) Mark(tick model.Tick) {
	p.lastMark[tick.Symbol] = tick.Price
	p.sample(tick.TimeStamp)
}

// Apply executes a signal against the triggering tick. Fills execute at
// the tick price; commission is charged on every fill. A fill that would
// drive cash negative is rejected, logged, and produces no trade.
func (p *Portfolio) Apply(sig strategy.Signal, tick model.Tick, commissionRate fixed.Point) *TradeRecord {
	switch sig.Action {
	case strategy.Buy:
		return p.buy(sig.Qty, tick, commissionRate, false)
	case strategy.Sell:
		return p.sell(sig.Qty, tick, commissionRate, false)
	case strategy.Close:
		pos, ok := p.positions[tick.Symbol]
		if !ok {
			return nil
		}
		return p.sell(pos.Qty, tick, commissionRate, false)
	default:
		return nil
	}
}

// ForceClose flattens the symbol at its last marked price, tagging the
// trade as forced.
func (p *Portfolio) ForceClose(symbol model.Symbol, ts int64, commissionRate fixed.Point) *TradeRecord {
	pos, ok := p.positions[symbol]
	if !ok {
		return nil
	}
	tick := model.Tick{Symbol: symbol, TimeStamp: ts, Price: p.lastMark[symbol]}
	return p.sell(pos.Qty, tick, commissionRate, true)
}

// OpenSymbols lists symbols that still hold a position, sorted so that
// iteration stays deterministic.
func (p *Portfolio) OpenSymbols() []model.Symbol {
	out := make([]model.Symbol, 0, len(p.positions))
	for symbol := range p.positions {
		out = append(out, symbol)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (p *Portfolio) buy(qty fixed.Point, tick model.Tick, commissionRate fixed.Point, forced bool) *TradeRecord {
	if !qty.IsPos() {
		return nil
	}

	price := tick.Price
	commission := price.Mul(qty).Mul(commissionRate)
	cost := qty.Mul(price).Add(commission)

	if cost.Gt(p.cash) {
		p.rejected++
		p.logger.Warn("buy rejected, insufficient cash",
			zap.String("symbol", tick.Symbol.String()),
			zap.String("cost", cost.String()),
			zap.String("cash", p.cash.String()))
		return nil
	}

	p.cash = p.cash.Sub(cost)
	p.commissions = p.commissions.Add(commission)

	pos := p.positions[tick.Symbol]
	if pos == nil {
		p.positions[tick.Symbol] = &Position{
			Symbol:   tick.Symbol,
			Qty:      qty,
			AvgEntry: price,
		}
	} else {
		// Weighted-average entry across add-on buys.
		newQty := pos.Qty.Add(qty)
		pos.AvgEntry = pos.Qty.Mul(pos.AvgEntry).Add(qty.Mul(price)).Div(newQty)
		pos.Qty = newQty
	}

	p.sample(tick.TimeStamp)
	return &TradeRecord{
		TS:         tick.TimeStamp,
		Symbol:     tick.Symbol,
		Side:       model.Buy,
		Qty:        qty,
		Price:      price,
		Commission: commission,
		Forced:     forced,
	}
}

func (p *Portfolio) sell(qty fixed.Point, tick model.Tick, commissionRate fixed.Point, forced bool) *TradeRecord {
	pos, ok := p.positions[tick.Symbol]
	if !ok || !qty.IsPos() {
		return nil
	}
	if qty.Gt(pos.Qty) {
		p.rejected++
		p.logger.Warn("sell rejected, insufficient position",
			zap.String("symbol", tick.Symbol.String()),
			zap.String("qty", qty.String()),
			zap.String("held", pos.Qty.String()))
		return nil
	}

	price := tick.Price
	commission := price.Mul(qty).Mul(commissionRate)
	realized := price.Sub(pos.AvgEntry).Mul(qty).Sub(commission)

	p.cash = p.cash.Add(qty.Mul(price)).Sub(commission)
	p.commissions = p.commissions.Add(commission)
	pos.Realized = pos.Realized.Add(realized)
	pos.Qty = pos.Qty.Sub(qty)

	if pos.Qty.IsZero() {
		delete(p.positions, tick.Symbol)
	}

	p.sample(tick.TimeStamp)
	return &TradeRecord{
		TS:               tick.TimeStamp,
		Symbol:           tick.Symbol,
		Side:             model.Sell,
		Qty:              qty,
		Price:            price,
		Commission:       commission,
		RealizedPnLDelta: realized,
		Forced:           forced,
	}
}

func (p *Portfolio) sample(ts int64) {
	p.equityCurve = append(p.equityCurve, EquitySample{TS: ts, Equity: p.Equity()})
}
