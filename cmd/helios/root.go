package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/peter-kozarec/helios/pkg/config"
	"github.com/peter-kozarec/helios/pkg/dbg"
	"github.com/peter-kozarec/helios/pkg/utility"
)

const Version = "0.3.0"

var rootCmd = &cobra.Command{
	Use:           "helios",
	Short:         "Crypto market-data ingest and strategy backtesting engine",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: false,
	// Running the bare binary starts the live pipeline.
	RunE: func(cmd *cobra.Command, args []string) error {
		return liveCmd.RunE(cmd, args)
	},
}

func init() {
	rootCmd.AddCommand(liveCmd, backtestCmd, backfillCmd, infoCmd)
}

// setup loads configuration and builds the logger. Corrupt configuration
// is fatal before anything else starts.
func setup() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load configuration: %w", err)
	}

	logger := dbg.NewLogger(string(cfg.RunMode), cfg.LogLevel)
	logger.Info("helios starting",
		zap.String("version", Version),
		zap.String("run_mode", string(cfg.RunMode)),
		zap.String("eid", utility.GetExecutionID().String()))

	return cfg, logger, nil
}
