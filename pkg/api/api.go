package api

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/peter-kozarec/helios/pkg/apperr"
	"github.com/peter-kozarec/helios/pkg/backtest"
	"github.com/peter-kozarec/helios/pkg/backtest/metrics"
	"github.com/peter-kozarec/helios/pkg/backtest/strategy"
	"github.com/peter-kozarec/helios/pkg/config"
	"github.com/peter-kozarec/helios/pkg/model"
	"github.com/peter-kozarec/helios/pkg/store"
	"github.com/peter-kozarec/helios/pkg/utility/fixed"
)

// Store is the slice of the tick store the boundary needs.
type Store interface {
	QueryLatest(ctx context.Context, symbol model.Symbol, n int) ([]model.Tick, error)
	Stats(ctx context.Context) (store.Stats, error)
}

// Error is the structured failure shape returned across the boundary.
// Kind is stable; hosts switch on it, not on the message.
type Error struct {
	Kind    apperr.Kind `json:"kind"`
	Message string      `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Service exposes the engine to host shells. The interactive CLI and any
// desktop frontend go through the same entry points with the same
// configuration structs.
type Service struct {
	logger   *zap.Logger
	store    Store
	cfg      config.Backtest
	progress backtest.Progress
}

func NewService(logger *zap.Logger, st Store, cfg config.Backtest) *Service {
	return &Service{logger: logger, store: st, cfg: cfg}
}

// SetProgress installs a progress sink for subsequent runs. The CLI uses
// this for its progress line; host shells usually leave it unset.
func (s *Service) SetProgress(p backtest.Progress) {
	s.progress = p
}

// ---- data info ----

type SymbolInfo struct {
	Symbol     string `json:"symbol"`
	Count      int64  `json:"count"`
	EarliestTS string `json:"earliest_ts"`
	LatestTS   string `json:"latest_ts"`
	MinPrice   string `json:"min_price"`
	MaxPrice   string `json:"max_price"`
}

type DataInfo struct {
	TotalRows int64        `json:"total_rows"`
	Symbols   []SymbolInfo `json:"symbols"`
}

func (s *Service) GetDataInfo(ctx context.Context) (*DataInfo, *Error) {
	stats, err := s.store.Stats(ctx)
	if err != nil {
		return nil, wrap(err)
	}

	info := &DataInfo{TotalRows: stats.TotalRows}
	for _, symbol := range sortedSymbols(stats) {
		ss := stats.PerSymbol[symbol]
		info.Symbols = append(info.Symbols, SymbolInfo{
			Symbol:     symbol.String(),
			Count:      ss.Count,
			EarliestTS: time.UnixMicro(ss.EarliestTS).UTC().Format(time.RFC3339),
			LatestTS:   time.UnixMicro(ss.LatestTS).UTC().Format(time.RFC3339),
			MinPrice:   ss.MinPrice.String(),
			MaxPrice:   ss.MaxPrice.String(),
		})
	}
	return info, nil
}

// ---- ohlc ----

type BarResponse struct {
	OpenTime string `json:"open_time"`
	Open     string `json:"open"`
	High     string `json:"high"`
	Low      string `json:"low"`
	Close    string `json:"close"`
	Volume   string `json:"volume"`
}

// GetRecentOHLC derives bars from the most recent ticks. Bars are never
// persisted; the tick store stays the single source of record.
func (s *Service) GetRecentOHLC(ctx context.Context, symbol string, interval time.Duration, tickCount int) ([]BarResponse, *Error) {
	if interval <= 0 {
		return nil, validation("interval must be positive")
	}
	if tickCount <= 0 {
		return nil, validation("tick count must be positive")
	}

	ticks, err := s.store.QueryLatest(ctx, model.CanonicalSymbol(symbol), tickCount)
	if err != nil {
		return nil, wrap(err)
	}

	bars := model.BuildBars(ticks, interval)
	out := make([]BarResponse, 0, len(bars))
	for _, bar := range bars {
		out = append(out, BarResponse{
			OpenTime: time.UnixMicro(bar.OpenTS).UTC().Format(time.RFC3339),
			Open:     bar.Open.String(),
			High:     bar.High.String(),
			Low:      bar.Low.String(),
			Close:    bar.Close.String(),
			Volume:   bar.Volume.String(),
		})
	}
	return out, nil
}

// ---- strategies ----

type StrategyInfo struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Parameters  map[string]string `json:"parameters"`
}

func (s *Service) GetAvailableStrategies() []StrategyInfo {
	descriptors := strategy.List()
	out := make([]StrategyInfo, 0, len(descriptors))
	for _, d := range descriptors {
		out = append(out, StrategyInfo{
			ID:          d.ID,
			Name:        d.Name,
			Description: d.Description,
			Parameters:  d.Parameters,
		})
	}
	return out
}

// ---- backtest ----

// BacktestRequest carries all numeric fields as decimal strings to keep
// precision across the boundary.
type BacktestRequest struct {
	StrategyID     string            `json:"strategy_id"`
	Symbol         string            `json:"symbol"`
	DataCount      int               `json:"data_count"`
	InitialCapital string            `json:"initial_capital"`
	CommissionRate string            `json:"commission_rate"`
	StrategyParams map[string]string `json:"strategy_params"`
}

type TradeResponse struct {
	Timestamp   string `json:"timestamp"`
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	Qty         string `json:"qty"`
	Price       string `json:"price"`
	Commission  string `json:"commission"`
	RealizedPnL string `json:"realized_pnl"`
	Forced      bool   `json:"forced"`
}

type EquityPoint struct {
	Timestamp string `json:"timestamp"`
	Value     string `json:"value"`
}

type BacktestResult struct {
	RunID            string          `json:"run_id"`
	ReturnPercentage string          `json:"return_percentage"`
	FinalValue       string          `json:"final_value"`
	TotalTrades      int             `json:"total_trades"`
	Sharpe           *float64        `json:"sharpe"`
	MaxDrawdown      string          `json:"max_drawdown"`
	WinRate          *string         `json:"win_rate"`
	ProfitFactor     *float64        `json:"profit_factor"`
	Trades           []TradeResponse `json:"trades"`
	EquityCurve      []EquityPoint   `json:"equity_curve"`
}

func (s *Service) RunBacktest(ctx context.Context, req BacktestRequest) (*BacktestResult, *Error) {
	capital, err := fixed.FromString(req.InitialCapital)
	if err != nil || !capital.IsPos() {
		return nil, validation("initial_capital must be a positive decimal string")
	}

	commission := fixed.Zero
	if s.cfg.CommissionRate != "" {
		commission = fixed.MustFromString(s.cfg.CommissionRate)
	}
	if req.CommissionRate != "" {
		if commission, err = fixed.FromString(req.CommissionRate); err != nil || commission.IsNeg() {
			return nil, validation("commission_rate must be a non-negative decimal string")
		}
	}
	if req.DataCount <= 0 {
		return nil, validation("data_count must be positive")
	}

	strat, err := strategy.Create(req.StrategyID, req.StrategyParams)
	if err != nil {
		return nil, validation(err.Error())
	}

	symbol := model.CanonicalSymbol(req.Symbol)
	ticks, err := s.store.QueryLatest(ctx, symbol, req.DataCount)
	if err != nil {
		return nil, wrap(err)
	}
	if len(ticks) == 0 {
		return nil, &Error{Kind: apperr.KindBacktest, Message: fmt.Sprintf("no data for %s", symbol)}
	}

	engine := backtest.NewEngine(s.logger, backtest.Config{
		Symbol:          symbol,
		InitialCapital:  capital,
		CommissionRate:  commission,
		ForceCloseAtEnd: s.cfg.ForceCloseAtEnd,
		ReportEvery:     s.cfg.ReportEvery,
	})

	if s.progress != nil {
		engine.SetProgress(s.progress)
	}

	result, err := engine.Run(ticks, strat)
	if err != nil {
		return nil, &Error{Kind: apperr.KindBacktest, Message: err.Error()}
	}

	summary := metrics.Compute(result.EquityCurve, result.Trades, capital, s.cfg.ReturnInterval)
	return toResponse(result, summary), nil
}

func toResponse(result backtest.Result, summary metrics.Summary) *BacktestResult {
	resp := &BacktestResult{
		RunID:            result.RunID.String(),
		ReturnPercentage: summary.TotalReturn.Mul(fixed.Hundred).String(),
		FinalValue:       result.FinalEquity.String(),
		TotalTrades:      summary.TotalTrades,
		Sharpe:           summary.Sharpe,
		MaxDrawdown:      summary.MaxDrawdown.String(),
		ProfitFactor:     summary.ProfitFactor,
	}
	if summary.WinRate != nil {
		v := summary.WinRate.String()
		resp.WinRate = &v
	}

	for _, trade := range result.Trades {
		resp.Trades = append(resp.Trades, TradeResponse{
			Timestamp:   time.UnixMicro(trade.TS).UTC().Format(time.RFC3339Nano),
			Symbol:      trade.Symbol.String(),
			Side:        trade.Side.String(),
			Qty:         trade.Qty.String(),
			Price:       trade.Price.String(),
			Commission:  trade.Commission.String(),
			RealizedPnL: trade.RealizedPnLDelta.String(),
			Forced:      trade.Forced,
		})
	}
	for _, sample := range result.EquityCurve {
		resp.EquityCurve = append(resp.EquityCurve, EquityPoint{
			Timestamp: time.UnixMicro(sample.TS).UTC().Format(time.RFC3339Nano),
			Value:     sample.Equity.String(),
		})
	}
	return resp
}

func validation(msg string) *Error {
	return &Error{Kind: apperr.KindValidation, Message: msg}
}

func wrap(err error) *Error {
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return &Error{Kind: ae.Kind, Message: err.Error()}
	}
	return &Error{Kind: apperr.KindTransient, Message: err.Error()}
}

func sortedSymbols(stats store.Stats) []model.Symbol {
	out := make([]model.Symbol, 0, len(stats.PerSymbol))
	for symbol := range stats.PerSymbol {
		out = append(out, symbol)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
