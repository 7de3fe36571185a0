package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/sawpanic/chronoretrace/internal/backtest/grid"
	"github.com/sawpanic/chronoretrace/internal/backtest/strategy"
	"github.com/sawpanic/chronoretrace/internal/data"
	"github.com/sawpanic/chronoretrace/internal/models"
)

func backtestCmd() *cobra.Command {
	var (
		file       string
		rulesFile  string
		symbol     string
		lower      float64
		upper      float64
		gridCount  int
		investment float64
		fromStr    string
		toStr      string
	)

	cmd := &cobra.Command{
		Use:   "backtest",
		Short: "Run a grid backtest offline and print the result as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			var cfg grid.Config
			if file != "" {
				raw, err := os.ReadFile(file)
				if err != nil {
					return err
				}
				if err := json.Unmarshal(raw, &cfg); err != nil {
					return fmt.Errorf("parse %s: %w", file, err)
				}
			} else {
				cfg = grid.Config{
					Symbol:          symbol,
					LowerPrice:      lower,
					UpperPrice:      upper,
					GridCount:       gridCount,
					TotalInvestment: investment,
				}
			}

			from, to, err := resolveWindow(fromStr, toStr)
			if err != nil {
				return err
			}
			switch {
			case !from.IsZero():
				cfg.StartDate, cfg.EndDate = from, to
			case !cfg.StartDate.IsZero():
				// A file-supplied window wins over the default span.
				from, to = cfg.StartDate, cfg.EndDate
			default:
				// No explicit window: simulate over the recent replay span.
				to = time.Now().UTC()
				from = to.AddDate(0, 0, -120)
			}

			provider := data.NewReplay("replay")
			bars, err := provider.DailyBars(cmd.Context(), cfg.Symbol, from, to)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")

			if rulesFile != "" {
				signals, err := evaluateRules(rulesFile, bars)
				if err != nil {
					return err
				}
				return enc.Encode(struct {
					Symbol  string            `json:"symbol"`
					From    string            `json:"from"`
					To      string            `json:"to"`
					Signals []strategy.Signal `json:"signals"`
				}{cfg.Symbol, from.Format(models.TradeDateLayout), to.Format(models.TradeDateLayout), signals})
			}

			result, err := grid.Run(cmd.Context(), bars, cfg)
			if err != nil {
				return err
			}
			return enc.Encode(result)
		},
	}

	cmd.Flags().StringVar(&file, "file", "", "JSON file with the full backtest configuration")
	cmd.Flags().StringVar(&rulesFile, "rules", "", "JSON strategy rules; emit indicator signals for the window instead of running the grid")
	cmd.Flags().StringVar(&symbol, "symbol", "", "symbol to simulate")
	cmd.Flags().Float64Var(&lower, "lower", 0, "grid band lower price")
	cmd.Flags().Float64Var(&upper, "upper", 0, "grid band upper price")
	cmd.Flags().IntVar(&gridCount, "grids", 10, "number of grid intervals")
	cmd.Flags().Float64Var(&investment, "investment", 100000, "total cash committed to the grid")
	cmd.Flags().StringVar(&fromStr, "from", "", "window start (YYYY-MM-DD)")
	cmd.Flags().StringVar(&toStr, "to", "", "window end (YYYY-MM-DD)")
	return cmd
}

func evaluateRules(path string, bars []models.Bar) ([]strategy.Signal, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	rules, err := strategy.ParseRules(raw)
	if err != nil {
		return nil, err
	}
	ev, err := strategy.NewEvaluator(rules)
	if err != nil {
		return nil, err
	}
	return ev.Evaluate(bars)
}

// resolveWindow parses the optional date pair. Both-or-neither is
// enforced here so the engine never sees a half-open window.
func resolveWindow(fromStr, toStr string) (time.Time, time.Time, error) {
	if fromStr == "" && toStr == "" {
		return time.Time{}, time.Time{}, nil
	}
	if fromStr == "" || toStr == "" {
		return time.Time{}, time.Time{}, fmt.Errorf("--from and --to must be given together")
	}
	from, err := time.Parse(models.TradeDateLayout, fromStr)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("parse --from: %w", err)
	}
	to, err := time.Parse(models.TradeDateLayout, toStr)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("parse --to: %w", err)
	}
	if from.After(to) {
		return time.Time{}, time.Time{}, fmt.Errorf("--from is after --to")
	}
	return from, to, nil
}
