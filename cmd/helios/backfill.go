package main

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/peter-kozarec/helios/pkg/archive"
	"github.com/peter-kozarec/helios/pkg/model"
	"github.com/peter-kozarec/helios/pkg/store"
)

const backfillBatchSize = 500

var (
	backfillFile   string
	backfillSymbol string
	backfillFrom   string
	backfillTo     string
)

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Import a DuckDB tick archive into the tick store",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		from, to, err := backfillRange()
		if err != nil {
			return err
		}

		ctx := context.Background()

		st, err := store.NewPostgresStore(ctx, logger, cfg.Database)
		if err != nil {
			return err
		}
		defer st.Close()

		reader := archive.NewReader(backfillFile)
		if err := reader.Connect(); err != nil {
			return fmt.Errorf("open archive: %w", err)
		}
		defer reader.Close()

		symbol := model.CanonicalSymbol(backfillSymbol)
		var (
			pending    []model.Tick
			inserted   int
			duplicates int
		)

		flush := func() error {
			if len(pending) == 0 {
				return nil
			}
			res, err := st.InsertBatch(ctx, pending)
			if err != nil {
				return err
			}
			inserted += res.Inserted
			duplicates += res.Duplicates
			pending = pending[:0]
			return nil
		}

		err = reader.LoadTicks(ctx, symbol, from, to, func(tick model.Tick) error {
			if err := tick.Validate(); err != nil {
				logger.Warn("skipping invalid archive tick", append(tick.Fields(), zap.Error(err))...)
				return nil
			}
			pending = append(pending, tick)
			if len(pending) >= backfillBatchSize {
				return flush()
			}
			return nil
		})
		if err != nil {
			return err
		}
		if err := flush(); err != nil {
			return err
		}

		logger.Info("backfill complete",
			zap.String("symbol", symbol.String()),
			zap.Int("inserted", inserted),
			zap.Int("duplicates", duplicates))
		return nil
	},
}

func init() {
	backfillCmd.Flags().StringVar(&backfillFile, "archive", "", "path to the DuckDB archive file")
	backfillCmd.Flags().StringVar(&backfillSymbol, "symbol", "", "symbol to import")
	backfillCmd.Flags().StringVar(&backfillFrom, "from", "", "range start, RFC3339 (default: beginning of archive)")
	backfillCmd.Flags().StringVar(&backfillTo, "to", "", "range end, RFC3339 (default: end of archive)")
	_ = backfillCmd.MarkFlagRequired("archive")
	_ = backfillCmd.MarkFlagRequired("symbol")
}

func backfillRange() (int64, int64, error) {
	from := int64(0)
	to := int64(math.MaxInt64)

	if backfillFrom != "" {
		t, err := time.Parse(time.RFC3339, backfillFrom)
		if err != nil {
			return 0, 0, fmt.Errorf("--from: %w", err)
		}
		from = t.UnixMicro()
	}
	if backfillTo != "" {
		t, err := time.Parse(time.RFC3339, backfillTo)
		if err != nil {
			return 0, 0, fmt.Errorf("--to: %w", err)
		}
		to = t.UnixMicro()
	}
	return from, to, nil
}
