package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/peter-kozarec/helios/pkg/cache"
	"github.com/peter-kozarec/helios/pkg/config"
	"github.com/peter-kozarec/helios/pkg/ingest"
	"github.com/peter-kozarec/helios/pkg/model"
	"github.com/peter-kozarec/helios/pkg/source"
	"github.com/peter-kozarec/helios/pkg/source/binance"
	"github.com/peter-kozarec/helios/pkg/source/synthetic"
	"github.com/peter-kozarec/helios/pkg/store"
	"github.com/peter-kozarec/helios/pkg/utility/fixed"
)

var liveSynthetic bool

var liveCmd = &cobra.Command{
	Use:   "live",
	Short: "Run the live tick ingest pipeline",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		st, err := store.NewPostgresStore(ctx, logger, cfg.Database)
		if err != nil {
			logger.Error("tick store unavailable", zap.Error(err))
			return err
		}
		defer st.Close()

		symbols := make([]model.Symbol, 0, len(cfg.Symbols))
		for _, s := range cfg.Symbols {
			symbols = append(symbols, model.CanonicalSymbol(s))
		}

		tiered := buildCache(ctx, logger, cfg, st)
		src := buildSource(logger, cfg)

		pipeline := ingest.NewPipeline(logger, src, st, tiered, cfg.Ingest, symbols)
		if err := pipeline.Run(ctx); err != nil {
			logger.Error("pipeline failed", zap.Error(err))
			return err
		}
		return nil
	},
}

func init() {
	liveCmd.Flags().BoolVar(&liveSynthetic, "synthetic", false, "replace the exchange feed with the synthetic generator")
}

// buildCache assembles L1 + optional L2. A missing or unreachable L2 is
// logged and skipped; it never blocks startup.
func buildCache(ctx context.Context, logger *zap.Logger, cfg *config.Config, st *store.PostgresStore) *cache.TieredCache {
	l1 := cache.NewMemoryCache(cfg.Memory, cfg.Ingest.LateWindow)

	var l2 cache.Level2
	if cfg.Redis.URL != "" {
		redisCache, err := cache.NewRedisCache(ctx, logger, cfg.Redis)
		if err != nil {
			logger.Warn("l2 cache unavailable, continuing without it", zap.Error(err))
		} else {
			l2 = redisCache
		}
	}

	return cache.NewTieredCache(logger, l1, l2, st)
}

func buildSource(logger *zap.Logger, cfg *config.Config) source.TickSource {
	if liveSynthetic {
		gen := synthetic.NewTickGenerator(
			time.Now().UnixNano(),
			time.Now().UTC(),
			fixed.MustFromString("50000"),
			fixed.MustFromString("0.05"),
			fixed.MustFromString("0.3"),
			fixed.MustFromString("0.0001"),
		)
		logger.Info("using synthetic tick generator")
		return gen
	}
	return binance.NewClient(logger, cfg.Ingest.ConnectTimeout)
}
