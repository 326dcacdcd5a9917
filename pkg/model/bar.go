package model

import (
	"time"

	"github.com/peter-kozarec/helios/pkg/utility/fixed"
)

// Bar is an OHLC aggregation derived from ticks. Bars are never persisted,
// always rebuilt from the tick store of record.
type Bar struct {
	Symbol   Symbol
	Interval time.Duration
	OpenTS   int64
	Open     fixed.Point
	High     fixed.Point
	Low      fixed.Point
	Close    fixed.Point
	Volume   fixed.Point
}

// BuildBars aggregates ticks into interval bars. Input must be in ascending
// timestamp order; a tick falling into a new bucket flushes the current bar.
func BuildBars(ticks []Tick, interval time.Duration) []Bar {
	if interval <= 0 || len(ticks) == 0 {
		return nil
	}

	var bars []Bar
	var current *Bar

	for _, tick := range ticks {
		bucket := tick.Time().Truncate(interval).UnixMicro()

		if current != nil && bucket != current.OpenTS {
			bars = append(bars, *current)
			current = nil
		}

		if current == nil {
			current = &Bar{
				Symbol:   tick.Symbol,
				Interval: interval,
				OpenTS:   bucket,
				Open:     tick.Price,
				High:     tick.Price,
				Low:      tick.Price,
				Close:    tick.Price,
				Volume:   tick.Qty,
			}
			continue
		}

		if tick.Price.Gt(current.High) {
			current.High = tick.Price
		}
		if tick.Price.Lt(current.Low) {
			current.Low = tick.Price
		}
		current.Close = tick.Price
		current.Volume = current.Volume.Add(tick.Qty)
	}

	if current != nil {
		bars = append(bars, *current)
	}
	return bars
}
