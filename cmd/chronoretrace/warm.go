package main

import (
	"encoding/json"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sawpanic/chronoretrace/internal/cache"
	"github.com/sawpanic/chronoretrace/internal/cache/warming"
	"github.com/sawpanic/chronoretrace/internal/data"
)

func warmCmd(configPath *string) *cobra.Command {
	var (
		symbols    []string
		namespaces []string
		force      bool
	)

	cmd := &cobra.Command{
		Use:   "warm",
		Short: "Run one warm pass against the configured cache and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			applyLogLevel(cfg)

			local, err := cache.NewMemoryCache(cfg.Cache.LocalCapacity, cfg.Cache.GetDefaultTTL(), 0)
			if err != nil {
				return err
			}

			var remote cache.RemoteCache
			if cfg.Redis.Addr != "" {
				redisCache, err := cache.NewRedisCache(cfg.Redis)
				if err != nil {
					return err
				}
				remote = redisCache
			} else {
				log.Warn().Msg("no redis configured, warmed entries die with this process")
			}
			tiered := cache.NewTieredCache(local, remote, cfg.Cache, nil)
			defer tiered.Close()

			svc := data.NewService(tiered, data.NewReplay("replay"))
			warmer := warming.New(cfg.Warming, cfg.Cache.Namespaces, tiered, svc, nil)

			runs := make([]warming.RunStats, 0, len(namespaces))
			for _, ns := range namespaces {
				var stats warming.RunStats
				if force {
					stats, err = warmer.Refresh(cmd.Context(), ns, symbols)
				} else {
					stats, err = warmer.Warm(cmd.Context(), ns, symbols)
				}
				if err != nil {
					return err
				}
				log.Info().
					Str("namespace", ns).
					Int("warmed", stats.Warmed).
					Int("skipped", stats.Skipped).
					Int("failed", stats.Failed).
					Msg("warm run finished")
				runs = append(runs, stats)
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(runs)
		},
	}

	cmd.Flags().StringSliceVar(&symbols, "symbols", nil,
		"symbols to warm (defaults to the configured set)")
	cmd.Flags().StringSliceVar(&namespaces, "namespaces",
		[]string{data.NamespaceQuote, data.NamespaceInfo, data.NamespaceKline},
		"namespaces to warm")
	cmd.Flags().BoolVar(&force, "force", false, "refresh entries even when fresh")
	return cmd
}
