package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/sawpanic/chronoretrace/internal/models"
)

// ErrNoRows reports an empty single-row lookup.
var ErrNoRows = errors.New("persistence: no rows")

// TimeRange bounds a bar query. Both ends are inclusive; a zero bound
// leaves that end open.
type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// maxQueryTime stands in for an open upper bound. Kept inside the
// range PostgreSQL can store.
var maxQueryTime = time.Date(9999, 12, 31, 23, 59, 59, 0, time.UTC)

// Valid reports whether the range is well ordered. Open ends are
// always valid.
func (tr TimeRange) Valid() bool {
	if tr.From.IsZero() || tr.To.IsZero() {
		return true
	}
	return !tr.From.After(tr.To)
}

// Bounds resolves open ends to queryable values.
func (tr TimeRange) Bounds() (from, to time.Time) {
	from, to = tr.From, tr.To
	if to.IsZero() {
		to = maxQueryTime
	}
	return from, to
}

// BarsRepo persists daily OHLCV bars keyed by (code, trade_date).
type BarsRepo interface {
	// UpsertDailyBars inserts or replaces bars in one transaction and
	// returns the number of rows written.
	UpsertDailyBars(ctx context.Context, bars []models.Bar) (int64, error)

	// ListByCode retrieves bars for a security within the range,
	// ordered by trade date ascending.
	ListByCode(ctx context.Context, code string, tr TimeRange, limit int) ([]models.Bar, error)

	// Latest returns the most recent bar for a security, or ErrNoRows.
	Latest(ctx context.Context, code string) (*models.Bar, error)

	// Count returns the number of bars stored in the range.
	Count(ctx context.Context, tr TimeRange) (int64, error)

	// CountBySource returns bar counts grouped by ingestion source.
	CountBySource(ctx context.Context, tr TimeRange) (map[string]int64, error)
}

// Repository aggregates the persistence interfaces handed to services.
type Repository struct {
	Bars BarsRepo
}

// HealthCheck is a point-in-time snapshot of repository health.
type HealthCheck struct {
	Healthy        bool           `json:"healthy"`
	Errors         []string       `json:"errors,omitempty"`
	ConnectionPool map[string]int `json:"connection_pool"`
	LastCheck      time.Time      `json:"last_check"`
	ResponseTimeMS int64          `json:"response_time_ms"`
}

// RepositoryHealth monitors the persistence layer.
type RepositoryHealth interface {
	Health(ctx context.Context) HealthCheck
	Ping(ctx context.Context) error
}
