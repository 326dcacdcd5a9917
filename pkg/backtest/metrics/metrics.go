package metrics

import (
	stdmath "math"
	"time"

	"github.com/peter-kozarec/helios/pkg/backtest"
	"github.com/peter-kozarec/helios/pkg/model"
	"github.com/peter-kozarec/helios/pkg/utility/fixed"
	"github.com/peter-kozarec/helios/pkg/utility/math"
)

// secondsPerYear assumes a 24/7 market; crypto does not close.
const secondsPerYear = 365 * 24 * 3600

// Summary holds the risk and performance figures of one run. Monetary
// quantities are decimal; ratio statistics built from log returns are
// float and nil when undefined.
type Summary struct {
	TotalReturn fixed.Point // fraction, 0.002 == 0.2%
	MaxDrawdown fixed.Point // fraction of the running peak, 0..1

	Sharpe       *float64
	WinRate      *fixed.Point
	ProfitFactor *float64

	TotalTrades   int
	ClosedTrades  int
	WinningTrades int
	LosingTrades  int

	TotalCommission fixed.Point
}

// Compute derives the summary from the equity curve and trade log. The
// curve must be in timestamp order with at least one sample.
func Compute(curve []backtest.EquitySample, trades []backtest.TradeRecord, initialCapital fixed.Point, returnInterval time.Duration) Summary {
	s := Summary{
		TotalReturn: fixed.Zero,
		MaxDrawdown: fixed.Zero,
		TotalTrades: len(trades),
	}

	if len(curve) > 0 && initialCapital.IsPos() {
		final := curve[len(curve)-1].Equity
		s.TotalReturn = final.Div(initialCapital).Sub(fixed.One)
	}

	s.MaxDrawdown = maxDrawdown(curve)
	s.Sharpe = sharpe(curve, returnInterval)

	s.TotalCommission = fixed.Zero
	for _, trade := range trades {
		s.TotalCommission = s.TotalCommission.Add(trade.Commission)
	}

	s.ClosedTrades, s.WinningTrades, s.LosingTrades = countClosed(trades)
	if s.ClosedTrades > 0 {
		rate := fixed.FromInt(s.WinningTrades, 0).DivInt(s.ClosedTrades)
		s.WinRate = &rate
	}
	s.ProfitFactor = profitFactor(trades)

	return s
}

// maxDrawdown is the largest peak-to-trough decline as a fraction of the
// prior peak, exact decimal arithmetic throughout.
func maxDrawdown(curve []backtest.EquitySample) fixed.Point {
	maxDD := fixed.Zero
	if len(curve) == 0 {
		return maxDD
	}

	peak := curve[0].Equity
	for _, sample := range curve {
		if sample.Equity.Gt(peak) {
			peak = sample.Equity
			continue
		}
		if peak.IsPos() {
			dd := peak.Sub(sample.Equity).Div(peak)
			if dd.Gt(maxDD) {
				maxDD = dd
			}
		}
	}
	return maxDD
}

// sharpe annualizes the mean over deviation of log returns resampled to
// the configured interval. nil when fewer than two returns exist or the
// deviation is zero.
func sharpe(curve []backtest.EquitySample, interval time.Duration) *float64 {
	returns := logReturns(curve, interval)
	if len(returns) < 2 {
		return nil
	}

	mean := math.Mean(returns)
	dev := math.StdDev(returns, mean)
	if dev == 0 {
		return nil
	}

	periodsPerYear := secondsPerYear / interval.Seconds()
	v := mean / dev * stdmath.Sqrt(periodsPerYear)
	return &v
}

// logReturns collapses samples within an interval to the last equity,
// then differences ln(equity) across the uniform grid.
func logReturns(curve []backtest.EquitySample, interval time.Duration) []float64 {
	if interval <= 0 || len(curve) < 2 {
		return nil
	}

	intervalMicros := interval.Microseconds()

	var (
		buckets []float64
		lastKey int64
		started bool
	)
	for _, sample := range curve {
		key := sample.TS / intervalMicros
		eq, _ := sample.Equity.Float64()
		if !started || key != lastKey {
			buckets = append(buckets, eq)
			lastKey = key
			started = true
			continue
		}
		buckets[len(buckets)-1] = eq
	}

	if len(buckets) < 2 {
		return nil
	}
	returns := make([]float64, 0, len(buckets)-1)
	for i := 1; i < len(buckets); i++ {
		if buckets[i-1] <= 0 || buckets[i] <= 0 {
			returns = append(returns, 0)
			continue
		}
		returns = append(returns, stdmath.Log(buckets[i])-stdmath.Log(buckets[i-1]))
	}
	return returns
}

// countClosed tallies closing fills. In the long-only fill model every
// sell realizes P&L, so sells are exactly the closed trades.
func countClosed(trades []backtest.TradeRecord) (closed, wins, losses int) {
	for _, trade := range trades {
		if trade.Side != model.Sell {
			continue
		}
		closed++
		if trade.RealizedPnLDelta.IsPos() {
			wins++
		} else {
			losses++
		}
	}
	return closed, wins, losses
}

// profitFactor is gross profit over gross loss across closed trades:
// +Inf with wins and no losses, nil with no closed trades at all.
func profitFactor(trades []backtest.TradeRecord) *float64 {
	profits := fixed.Zero
	losses := fixed.Zero
	closed := 0

	for _, trade := range trades {
		if trade.Side != model.Sell {
			continue
		}
		closed++
		if trade.RealizedPnLDelta.IsPos() {
			profits = profits.Add(trade.RealizedPnLDelta)
		} else {
			losses = losses.Add(trade.RealizedPnLDelta.Abs())
		}
	}

	if closed == 0 {
		return nil
	}

	var v float64
	if losses.IsZero() {
		if profits.IsZero() {
			v = 1
		} else {
			v = stdmath.Inf(1)
		}
	} else {
		ratio := profits.Div(losses)
		v, _ = ratio.Float64()
	}
	return &v
}
