package strategy

import (
	"fmt"
	"strconv"

	"github.com/peter-kozarec/helios/pkg/model"
	"github.com/peter-kozarec/helios/pkg/utility/fixed"
)

func init() {
	Register(Descriptor{
		ID:          "rsi",
		Name:        "RSI Reversal",
		Description: "Buys oversold recoveries, exits overbought exhaustion",
		Parameters:  map[string]string{"period": "14", "oversold": "30", "overbought": "70"},
	}, NewRSI)
}

// RSI implements Wilder's relative strength index. While flat it buys
// one unit when the index crosses up through the oversold level; while
// long it closes when the index crosses down through the overbought
// level. The index itself is float math; every monetary value stays
// decimal downstream.
type RSI struct {
	period     int
	oversold   float64
	overbought float64

	prevPrice fixed.Point
	avgGain   float64
	avgLoss   float64
	deltas    int

	prevRSI float64
	hasRSI  bool

	seen int
	long bool
}

func NewRSI(params map[string]string) (Strategy, error) {
	period, err := intParam(params, "period", 14)
	if err != nil {
		return nil, err
	}
	oversold, err := intParam(params, "oversold", 30)
	if err != nil {
		return nil, err
	}
	overbought, err := intParam(params, "overbought", 70)
	if err != nil {
		return nil, err
	}
	if period <= 0 {
		return nil, fmt.Errorf("rsi requires period > 0, got %d", period)
	}
	if oversold <= 0 || overbought >= 100 || oversold >= overbought {
		return nil, fmt.Errorf("rsi requires 0 < oversold < overbought < 100, got %d/%d", oversold, overbought)
	}

	return &RSI{
		period:     period,
		oversold:   float64(oversold),
		overbought: float64(overbought),
	}, nil
}

func (r *RSI) Name() string { return "RSI Reversal" }

func (r *RSI) Description() string {
	return "Buys oversold recoveries, exits overbought exhaustion"
}

func (r *RSI) Parameters() map[string]string {
	return map[string]string{
		"period":     strconv.Itoa(r.period),
		"oversold":   strconv.FormatFloat(r.oversold, 'f', -1, 64),
		"overbought": strconv.FormatFloat(r.overbought, 'f', -1, 64),
	}
}

func (r *RSI) WarmUp() int { return r.period + 1 }

func (r *RSI) OnTick(tick model.Tick) Signal {
	r.seen++

	price, _ := tick.Price.Float64()
	if r.seen == 1 {
		r.prevPrice = tick.Price
		return HoldSignal
	}

	prev, _ := r.prevPrice.Float64()
	r.prevPrice = tick.Price

	gain, loss := 0.0, 0.0
	if delta := price - prev; delta > 0 {
		gain = delta
	} else {
		loss = -delta
	}

	// Wilder's smoothing: simple mean over the first period, then
	// exponential with alpha 1/period.
	r.deltas++
	if r.deltas <= r.period {
		r.avgGain += (gain - r.avgGain) / float64(r.deltas)
		r.avgLoss += (loss - r.avgLoss) / float64(r.deltas)
	} else {
		r.avgGain = (r.avgGain*float64(r.period-1) + gain) / float64(r.period)
		r.avgLoss = (r.avgLoss*float64(r.period-1) + loss) / float64(r.period)
	}

	if r.deltas < r.period {
		return HoldSignal
	}

	rsi := 100.0
	if r.avgLoss > 0 {
		rs := r.avgGain / r.avgLoss
		rsi = 100 - 100/(1+rs)
	}

	defer func() {
		r.prevRSI = rsi
		r.hasRSI = true
	}()

	if !r.hasRSI {
		return HoldSignal
	}

	switch {
	case !r.long && r.prevRSI < r.oversold && rsi >= r.oversold:
		r.long = true
		return Signal{Action: Buy, Qty: fixed.One}
	case r.long && r.prevRSI > r.overbought && rsi <= r.overbought:
		r.long = false
		return Signal{Action: Close}
	default:
		return HoldSignal
	}
}
