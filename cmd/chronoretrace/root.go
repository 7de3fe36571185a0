package main

import (
	"context"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/sawpanic/chronoretrace/internal/config"
)

func Execute(ctx context.Context) error {
	var configPath string

	root := &cobra.Command{
		Use:          "chronoretrace",
		Short:        appName + " market data cache, stream and grid backtest service",
		Version:      version,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "",
		"path to config.yaml (built-in defaults when omitted)")
	// Accept snake_case spellings for every flag.
	root.SetGlobalNormalizationFunc(func(fs *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	root.AddCommand(serveCmd(&configPath))
	root.AddCommand(warmCmd(&configPath))
	root.AddCommand(backtestCmd())
	root.AddCommand(backfillCmd(&configPath))

	return root.ExecuteContext(ctx)
}

// loadConfig resolves the effective configuration; an empty path means
// built-in defaults plus environment overrides.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func applyLogLevel(cfg *config.Config) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Logging.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}
