package backtest

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/peter-kozarec/helios/pkg/backtest/strategy"
	"github.com/peter-kozarec/helios/pkg/model"
	"github.com/peter-kozarec/helios/pkg/utility/fixed"
)

type State int

const (
	Idle State = iota
	Loading
	Running
	Finalizing
	Complete
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Loading:
		return "loading"
	case Running:
		return "running"
	case Finalizing:
		return "finalizing"
	case Complete:
		return "complete"
	default:
		return "failed"
	}
}

var (
	ErrNoData             = errors.New("no ticks to backtest")
	ErrInsufficientWarmup = errors.New("not enough ticks to pass strategy warm-up")
	ErrUnorderedTicks     = errors.New("tick sequence is not in ascending timestamp order")
)

type Config struct {
	Symbol          model.Symbol
	InitialCapital  fixed.Point
	CommissionRate  fixed.Point
	ForceCloseAtEnd bool
	ReportEvery     int
}

// Progress reports advancement every cfg.ReportEvery ticks and once at
// the end of the stream.
type Progress func(processed, total int)

type Result struct {
	RunID        uuid.UUID
	StrategyName string
	Parameters   map[string]string

	InitialCapital fixed.Point
	FinalEquity    fixed.Point
	Trades         []TradeRecord
	EquityCurve    []EquitySample
	Rejected       int
}

// Engine replays a tick sequence through a strategy and portfolio.
//
// The tick loop is single threaded and free of wall-clock reads, so
// identical inputs produce byte-identical trade logs and equity curves.
// Only the run id, a UUIDv7, is taken from the clock.
type Engine struct {
	logger    *zap.Logger
	cfg       Config
	state     State
	portfolio *Portfolio
	progress  Progress
}

func NewEngine(logger *zap.Logger, cfg Config) *Engine {
	return &Engine{
		logger: logger,
		cfg:    cfg,
		state:  Idle,
	}
}

func (e *Engine) SetProgress(p Progress) {
	e.progress = p
}

func (e *Engine) State() State {
	return e.state
}

// Run drives the full tick sequence through the strategy. The sequence
// must already be in ascending timestamp order; the engine refuses to
// reorder or drop ticks.
func (e *Engine) Run(ticks []model.Tick, strat strategy.Strategy) (Result, error) {
	e.state = Loading

	if len(ticks) == 0 {
		e.state = Failed
		return Result{}, ErrNoData
	}
	if len(ticks) <= strat.WarmUp() {
		e.state = Failed
		return Result{}, fmt.Errorf("%w: have %d ticks, warm-up needs more than %d",
			ErrInsufficientWarmup, len(ticks), strat.WarmUp())
	}
	for i := 1; i < len(ticks); i++ {
		if ticks[i].TimeStamp < ticks[i-1].TimeStamp {
			e.state = Failed
			return Result{}, ErrUnorderedTicks
		}
	}

	e.portfolio = NewPortfolio(e.logger, e.cfg.InitialCapital)
	result := Result{
		RunID:          uuid.Must(uuid.NewV7()),
		StrategyName:   strat.Name(),
		Parameters:     strat.Parameters(),
		InitialCapital: e.cfg.InitialCapital,
	}

	e.state = Running
	total := len(ticks)
	for i, tick := range ticks {
		e.portfolio.Mark(tick)

		sig := strat.OnTick(tick)
		if trade := e.portfolio.Apply(sig, tick, e.cfg.CommissionRate); trade != nil {
			result.Trades = append(result.Trades, *trade)
		}

		if e.progress != nil && e.cfg.ReportEvery > 0 && (i+1)%e.cfg.ReportEvery == 0 {
			e.progress(i+1, total)
		}
	}

	e.state = Finalizing
	if e.cfg.ForceCloseAtEnd {
		last := ticks[len(ticks)-1]
		for _, symbol := range e.portfolio.OpenSymbols() {
			if trade := e.portfolio.ForceClose(symbol, last.TimeStamp, e.cfg.CommissionRate); trade != nil {
				result.Trades = append(result.Trades, *trade)
			}
		}
	}

	result.FinalEquity = e.portfolio.Equity()
	result.EquityCurve = e.portfolio.EquityCurve()
	result.Rejected = e.portfolio.Rejected()

	if e.progress != nil {
		e.progress(total, total)
	}

	e.state = Complete
	e.logger.Info("backtest complete",
		zap.String("run_id", result.RunID.String()),
		zap.String("strategy", result.StrategyName),
		zap.Int("ticks", total),
		zap.Int("trades", len(result.Trades)),
		zap.String("final_equity", result.FinalEquity.String()))

	return result, nil
}
