package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/peter-kozarec/helios/pkg/api"
	"github.com/peter-kozarec/helios/pkg/store"
)

var backtestCmd = &cobra.Command{
	Use:   "backtest",
	Short: "Run an interactive backtest against stored ticks",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		ctx := context.Background()

		st, err := store.NewPostgresStore(ctx, logger, cfg.Database)
		if err != nil {
			return err
		}
		defer st.Close()

		svc := api.NewService(logger, st, cfg.Backtest)
		svc.SetProgress(func(processed, total int) {
			fmt.Printf("\rprocessing ticks: %d/%d", processed, total)
			if processed == total {
				fmt.Println()
			}
		})

		req, err := promptRequest(svc)
		if err != nil {
			return err
		}

		result, apiErr := svc.RunBacktest(ctx, *req)
		if apiErr != nil {
			fmt.Fprintf(os.Stderr, "backtest failed (%s): %s\n", apiErr.Kind, apiErr.Message)
			return apiErr
		}

		printResult(result)
		return nil
	},
}

func promptRequest(svc *api.Service) (*api.BacktestRequest, error) {
	in := bufio.NewScanner(os.Stdin)

	strategies := svc.GetAvailableStrategies()
	fmt.Println("Available strategies:")
	for i, s := range strategies {
		fmt.Printf("  [%d] %s - %s\n", i+1, s.Name, s.Description)
	}

	idx, err := promptInt(in, fmt.Sprintf("Strategy [1-%d]", len(strategies)), 1)
	if err != nil {
		return nil, err
	}
	if idx < 1 || idx > len(strategies) {
		return nil, fmt.Errorf("strategy selection out of range")
	}
	chosen := strategies[idx-1]

	symbol := promptString(in, "Symbol", "BTCUSDT")
	count, err := promptInt(in, "Tick count", 10000)
	if err != nil {
		return nil, err
	}

	params := make(map[string]string, len(chosen.Parameters))
	for name, def := range chosen.Parameters {
		params[name] = promptString(in, fmt.Sprintf("Parameter %s", name), def)
	}

	capital := promptString(in, "Initial capital", "10000")
	commission := promptString(in, "Commission rate", "0.001")

	return &api.BacktestRequest{
		StrategyID:     chosen.ID,
		Symbol:         symbol,
		DataCount:      count,
		InitialCapital: capital,
		CommissionRate: commission,
		StrategyParams: params,
	}, nil
}

func printResult(result *api.BacktestResult) {
	fmt.Println()
	fmt.Println("Backtest results")
	fmt.Println("----------------")
	fmt.Printf("  run id:        %s\n", result.RunID)
	fmt.Printf("  return:        %s%%\n", result.ReturnPercentage)
	fmt.Printf("  final value:   %s\n", result.FinalValue)
	fmt.Printf("  total trades:  %d\n", result.TotalTrades)
	fmt.Printf("  max drawdown:  %s\n", result.MaxDrawdown)

	if result.Sharpe != nil {
		fmt.Printf("  sharpe:        %.4f\n", *result.Sharpe)
	} else {
		fmt.Printf("  sharpe:        n/a\n")
	}
	if result.WinRate != nil {
		fmt.Printf("  win rate:      %s\n", *result.WinRate)
	}
	if result.ProfitFactor != nil {
		fmt.Printf("  profit factor: %.4f\n", *result.ProfitFactor)
	}

	if len(result.Trades) > 0 {
		fmt.Println()
		fmt.Println("Trades:")
		for _, trade := range result.Trades {
			tag := ""
			if trade.Forced {
				tag = " (forced close)"
			}
			fmt.Printf("  %s %-4s %s %s @ %s pnl=%s%s\n",
				trade.Timestamp, trade.Side, trade.Qty, trade.Symbol, trade.Price, trade.RealizedPnL, tag)
		}
	}
}

func promptString(in *bufio.Scanner, label, def string) string {
	fmt.Printf("%s [%s]: ", label, def)
	if !in.Scan() {
		return def
	}
	text := strings.TrimSpace(in.Text())
	if text == "" {
		return def
	}
	return text
}

func promptInt(in *bufio.Scanner, label string, def int) (int, error) {
	raw := promptString(in, label, strconv.Itoa(def))
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", label, err)
	}
	return v, nil
}
