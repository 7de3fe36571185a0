package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/sawpanic/chronoretrace/internal/backtest/grid"
	"github.com/sawpanic/chronoretrace/internal/models"
)

// GridBacktest runs one grid strategy simulation over cached history.
func (h *Handlers) GridBacktest(w http.ResponseWriter, r *http.Request) {
	if h.deps.Data == nil {
		h.notInitialized(w, r, "market data")
		return
	}

	var cfg grid.Config
	if err := decodeBody(r, &cfg); err != nil {
		h.writeError(w, r, http.StatusBadRequest, "INVALID_JSON", err.Error())
		return
	}

	bars, err := h.loadBacktestBars(r.Context(), cfg.Symbol, cfg.StartDate, cfg.EndDate)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	result, err := grid.Run(r.Context(), bars, cfg)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, result)
}

// GridOptimize sweeps grid parameter combinations over one bar window.
func (h *Handlers) GridOptimize(w http.ResponseWriter, r *http.Request) {
	if h.deps.Data == nil {
		h.notInitialized(w, r, "market data")
		return
	}

	var cfg grid.OptimizeConfig
	if err := decodeBody(r, &cfg); err != nil {
		h.writeError(w, r, http.StatusBadRequest, "INVALID_JSON", err.Error())
		return
	}

	bars, err := h.loadBacktestBars(r.Context(), cfg.Base.Symbol, cfg.Base.StartDate, cfg.Base.EndDate)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	result, err := grid.Optimize(r.Context(), bars, cfg)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, result)
}

// loadBacktestBars resolves the simulation window: both dates unset
// means the cached recent window, both set means an explicit range, and
// a half-open pair is a configuration error.
func (h *Handlers) loadBacktestBars(ctx context.Context, symbol string, start, end time.Time) ([]models.Bar, error) {
	if symbol == "" {
		return nil, &grid.EngineError{
			Code:    grid.CodeInvalidConfig,
			Field:   "symbol",
			Message: "symbol is required",
		}
	}

	switch {
	case start.IsZero() && end.IsZero():
		return h.deps.Data.RecentBars(ctx, symbol)
	case !start.IsZero() && !end.IsZero():
		if start.After(end) {
			return nil, &grid.EngineError{
				Code:    grid.CodeInvalidConfig,
				Field:   "start_date",
				Message: "start_date is after end_date",
			}
		}
		return h.deps.Data.DailyBars(ctx, symbol, start, end)
	default:
		return nil, &grid.EngineError{
			Code:    grid.CodeInvalidConfig,
			Field:   "start_date",
			Message: "start_date and end_date must be set together",
		}
	}
}
