package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/peter-kozarec/helios/pkg/api"
	"github.com/peter-kozarec/helios/pkg/store"
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show stored tick data statistics",
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
		info, apiErr := svc.GetDataInfo(ctx)
		if apiErr != nil {
			return apiErr
		}

		fmt.Printf("total rows: %d\n", info.TotalRows)
		for _, s := range info.Symbols {
			fmt.Printf("  %-10s rows=%-10d %s .. %s  price %s .. %s\n",
				s.Symbol, s.Count, s.EarliestTS, s.LatestTS, s.MinPrice, s.MaxPrice)
		}

		if infoBars > 0 {
			for _, s := range info.Symbols {
				bars, apiErr := svc.GetRecentOHLC(ctx, s.Symbol, infoBarInterval, infoBars)
				if apiErr != nil {
					return apiErr
				}
				fmt.Printf("\n%s %s bars (derived from the last %d ticks):\n", s.Symbol, infoBarInterval, infoBars)
				for _, bar := range bars {
					fmt.Printf("  %s  O=%s H=%s L=%s C=%s V=%s\n",
						bar.OpenTime, bar.Open, bar.High, bar.Low, bar.Close, bar.Volume)
				}
			}
		}
		return nil
	},
}

var (
	infoBars        int
	infoBarInterval time.Duration
)

func init() {
	infoCmd.Flags().IntVar(&infoBars, "bars", 0, "derive OHLC bars from the last N ticks per symbol")
	infoCmd.Flags().DurationVar(&infoBarInterval, "bar-interval", time.Minute, "bar aggregation interval")
}
