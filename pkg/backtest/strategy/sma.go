package strategy

import (
	"fmt"
	"strconv"

	"github.com/peter-kozarec/helios/pkg/model"
	"github.com/peter-kozarec/helios/pkg/utility/circular"
	"github.com/peter-kozarec/helios/pkg/utility/fixed"
)

func init() {
	Register(Descriptor{
		ID:          "sma_crossover",
		Name:        "SMA Crossover",
		Description: "Long when the fast mean is above the slow mean, flat otherwise",
		Parameters:  map[string]string{"fast": "5", "slow": "20"},
	}, NewSMACrossover)
}

// SMACrossover keeps two rolling means of the tick price. While flat it
// buys one unit when fast is above slow; while long it closes when fast
// falls below slow. Shorting is not enabled, so a sell condition while
// flat is a Hold.
type SMACrossover struct {
	fast *circular.PointBuffer
	slow *circular.PointBuffer

	fastPeriod int
	slowPeriod int

	seen int
	long bool
}

func NewSMACrossover(params map[string]string) (Strategy, error) {
	fast, err := intParam(params, "fast", 5)
	if err != nil {
		return nil, err
	}
	slow, err := intParam(params, "slow", 20)
	if err != nil {
		return nil, err
	}
	if fast <= 0 || fast >= slow {
		return nil, fmt.Errorf("sma_crossover requires 0 < fast < slow, got fast=%d slow=%d", fast, slow)
	}

	return &SMACrossover{
		fast:       circular.NewPointBuffer(uint(fast)),
		slow:       circular.NewPointBuffer(uint(slow)),
		fastPeriod: fast,
		slowPeriod: slow,
	}, nil
}

func (s *SMACrossover) Name() string { return "SMA Crossover" }

func (s *SMACrossover) Description() string {
	return "Long when the fast mean is above the slow mean, flat otherwise"
}

func (s *SMACrossover) Parameters() map[string]string {
	return map[string]string{
		"fast": strconv.Itoa(s.fastPeriod),
		"slow": strconv.Itoa(s.slowPeriod),
	}
}

func (s *SMACrossover) WarmUp() int { return s.slowPeriod }

func (s *SMACrossover) OnTick(tick model.Tick) Signal {
	s.fast.PushUpdate(tick.Price)
	s.slow.PushUpdate(tick.Price)

	if s.seen++; s.seen <= s.slowPeriod {
		return HoldSignal
	}

	fastAbove := s.fast.Mean().Gt(s.slow.Mean())
	switch {
	case fastAbove && !s.long:
		s.long = true
		return Signal{Action: Buy, Qty: fixed.One}
	case !fastAbove && s.long:
		s.long = false
		return Signal{Action: Close}
	default:
		return HoldSignal
	}
}

func intParam(params map[string]string, key string, def int) (int, error) {
	raw, ok := params[key]
	if !ok || raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("parameter %q: %w", key, err)
	}
	return v, nil
}
