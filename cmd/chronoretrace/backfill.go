package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sawpanic/chronoretrace/internal/cache"
	"github.com/sawpanic/chronoretrace/internal/data"
	"github.com/sawpanic/chronoretrace/internal/models"
	"github.com/sawpanic/chronoretrace/internal/persistence"
	"github.com/sawpanic/chronoretrace/internal/persistence/postgres"
	"github.com/sawpanic/chronoretrace/internal/quality"
)

func backfillCmd(configPath *string) *cobra.Command {
	var (
		symbols []string
		fromStr string
		toStr   string
		market  string
	)

	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Fetch daily bars, run them through the quality pipeline and store them",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			applyLogLevel(cfg)

			marketType := models.MarketType(market)
			if !marketType.Valid() {
				return fmt.Errorf("unknown market type %q", market)
			}

			to := time.Now().UTC()
			from := to.AddDate(0, 0, -30)
			if fromStr != "" || toStr != "" {
				from, to, err = resolveWindow(fromStr, toStr)
				if err != nil {
					return err
				}
			}

			provider := data.NewReplay("replay")
			if len(symbols) == 0 {
				symbols, err = provider.Symbols(cmd.Context())
				if err != nil {
					return err
				}
			}

			validator, err := quality.NewValidator(quality.DefaultConfig())
			if err != nil {
				return err
			}
			dedup, err := quality.NewDeduplicator(quality.DefaultDedupConfig())
			if err != nil {
				return err
			}

			// The database sink and the cache write-through are each
			// optional; with neither configured the run only reports
			// what validation would keep.
			var repo persistence.BarsRepo
			if cfg.Database.URL != "" {
				db, err := postgres.Connect(cmd.Context(), cfg.Database)
				if err != nil {
					return fmt.Errorf("database: %w", err)
				}
				defer db.Close()
				repo = postgres.NewBarsRepo(db, 30*time.Second)
			} else {
				log.Warn().Msg("no database configured, bars are not persisted")
			}

			var writer data.CacheWriter
			if cfg.Redis.Addr != "" {
				redisCache, err := cache.NewRedisCache(cfg.Redis)
				if err != nil {
					return fmt.Errorf("redis: %w", err)
				}
				local, err := cache.NewMemoryCache(cfg.Cache.LocalCapacity, cfg.Cache.GetDefaultTTL(), 0)
				if err != nil {
					return err
				}
				tiered := cache.NewTieredCache(local, redisCache, cfg.Cache, nil)
				defer tiered.Close()
				writer = tiered
			}

			ing := data.NewIngestor(validator, dedup, repo, writer, nil)

			for _, symbol := range symbols {
				bars, err := provider.DailyBars(cmd.Context(), symbol, from, to)
				if err != nil {
					return fmt.Errorf("fetch %s: %w", symbol, err)
				}
				report, err := ing.IngestDailyBars(cmd.Context(), bars, marketType)
				if err != nil {
					return fmt.Errorf("ingest %s: %w", symbol, err)
				}
				log.Info().
					Str("symbol", symbol).
					Int64("received", report.Received).
					Int64("rejected", report.Rejected).
					Int64("duplicates", report.Duplicates).
					Int64("stored", report.Stored).
					Float64("mean_score", report.MeanScore).
					Msg("backfill batch done")
			}

			if repo != nil {
				window := persistence.TimeRange{From: from, To: to}
				stored, err := repo.Count(cmd.Context(), window)
				if err != nil {
					return fmt.Errorf("count stored bars: %w", err)
				}
				bySource, err := repo.CountBySource(cmd.Context(), window)
				if err != nil {
					return fmt.Errorf("count stored bars by source: %w", err)
				}
				log.Info().
					Int64("bars_in_window", stored).
					Interface("by_source", bySource).
					Msg("storage coverage after backfill")
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(ing.Totals())
		},
	}

	cmd.Flags().StringSliceVar(&symbols, "symbols", nil,
		"symbols to backfill (defaults to the provider universe)")
	cmd.Flags().StringVar(&fromStr, "from", "", "window start (YYYY-MM-DD), default 30 days back")
	cmd.Flags().StringVar(&toStr, "to", "", "window end (YYYY-MM-DD), default today")
	cmd.Flags().StringVar(&market, "market", string(models.MarketAShare),
		"market rule set: a_share or other")
	return cmd
}
