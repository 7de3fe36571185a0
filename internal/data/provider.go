package data

import (
	"context"
	"errors"
	"time"

	"github.com/sawpanic/chronoretrace/internal/models"
)

// ErrSymbolUnknown reports a code the provider does not list.
var ErrSymbolUnknown = errors.New("data: unknown symbol")

// Provider is the upstream market-data source. Implementations must be
// safe for concurrent use; every call is bounded by ctx.
type Provider interface {
	// Name identifies the provider in logs and bar Source fields.
	Name() string

	// DailyBars returns daily OHLCV bars for code within [from, to],
	// ordered by trade date ascending.
	DailyBars(ctx context.Context, code string, from, to time.Time) ([]models.Bar, error)

	// Quote returns the current level-1 snapshot for code.
	Quote(ctx context.Context, code string) (*models.Quote, error)

	// SecurityInfo returns the reference record for code.
	SecurityInfo(ctx context.Context, code string) (*models.SecurityInfo, error)

	// Symbols lists every code the provider serves, sorted.
	Symbols(ctx context.Context) ([]string, error)
}
