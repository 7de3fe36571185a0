package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/sawpanic/chronoretrace/internal/config"
	"github.com/sawpanic/chronoretrace/internal/models"
	"github.com/sawpanic/chronoretrace/internal/persistence"
)

const defaultListLimit = 10000

const barColumns = `code, trade_date, open, high, low, close, volume, amount, change_pct, source, retrieved_at`

// barsRepo implements persistence.BarsRepo on PostgreSQL.
type barsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewBarsRepo wraps an open connection pool. timeout bounds every
// single-statement operation; batch upserts scale it with batch size.
func NewBarsRepo(db *sqlx.DB, timeout time.Duration) persistence.BarsRepo {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &barsRepo{db: db, timeout: timeout}
}

// Connect opens a pool against cfg.URL and verifies it with a ping.
func Connect(ctx context.Context, cfg config.DatabaseConfig) (*sqlx.DB, error) {
	db, err := sqlx.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// UpsertDailyBars writes the batch in one transaction. Existing
// (code, trade_date) rows are replaced with the incoming values.
func (r *barsRepo) UpsertDailyBars(ctx context.Context, bars []models.Bar) (int64, error) {
	if len(bars) == 0 {
		return 0, nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout*time.Duration(len(bars)/100+1))
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin upsert tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO daily_bars (`+barColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (code, trade_date) DO UPDATE SET
			open = EXCLUDED.open,
			high = EXCLUDED.high,
			low = EXCLUDED.low,
			close = EXCLUDED.close,
			volume = EXCLUDED.volume,
			amount = EXCLUDED.amount,
			change_pct = EXCLUDED.change_pct,
			source = EXCLUDED.source,
			retrieved_at = EXCLUDED.retrieved_at`)
	if err != nil {
		return 0, fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	var written int64
	for _, b := range bars {
		if b.Code == "" {
			return 0, fmt.Errorf("upsert bar: empty code at date %s", b.Date.Format(models.TradeDateLayout))
		}
		res, err := stmt.ExecContext(ctx,
			b.Code, b.Date, b.Open, b.High, b.Low, b.Close,
			b.Volume, b.Amount, b.ChangePct, b.Source, b.RetrievedAt)
		if err != nil {
			return 0, wrapPgErr(err, fmt.Sprintf("upsert bar %s %s", b.Code, b.Date.Format(models.TradeDateLayout)))
		}
		n, _ := res.RowsAffected()
		written += n
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit upsert tx: %w", err)
	}
	return written, nil
}

// ListByCode returns bars for one security ordered by trade date
// ascending. limit <= 0 falls back to a large default.
func (r *barsRepo) ListByCode(ctx context.Context, code string, tr persistence.TimeRange, limit int) ([]models.Bar, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if limit <= 0 {
		limit = defaultListLimit
	}
	from, to := tr.Bounds()

	query := `
		SELECT ` + barColumns + `
		FROM daily_bars
		WHERE code = $1 AND trade_date >= $2 AND trade_date <= $3
		ORDER BY trade_date ASC
		LIMIT $4`

	rows, err := r.db.QueryxContext(ctx, query, code, from, to, limit)
	if err != nil {
		return nil, fmt.Errorf("query bars for %s: %w", code, err)
	}
	defer rows.Close()

	var bars []models.Bar
	for rows.Next() {
		var b models.Bar
		if err := rows.StructScan(&b); err != nil {
			return nil, fmt.Errorf("scan bar: %w", err)
		}
		bars = append(bars, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate bars: %w", err)
	}
	return bars, nil
}

// Latest returns the most recent bar for a security.
func (r *barsRepo) Latest(ctx context.Context, code string) (*models.Bar, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT ` + barColumns + `
		FROM daily_bars
		WHERE code = $1
		ORDER BY trade_date DESC
		LIMIT 1`

	var b models.Bar
	if err := r.db.QueryRowxContext(ctx, query, code).StructScan(&b); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrNoRows
		}
		return nil, fmt.Errorf("latest bar for %s: %w", code, err)
	}
	return &b, nil
}

// Count returns the number of bars in the range.
func (r *barsRepo) Count(ctx context.Context, tr persistence.TimeRange) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	from, to := tr.Bounds()
	var count int64
	err := r.db.QueryRowxContext(ctx,
		`SELECT COUNT(*) FROM daily_bars WHERE trade_date >= $1 AND trade_date <= $2`,
		from, to).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count bars: %w", err)
	}
	return count, nil
}

// CountBySource returns bar counts grouped by ingestion source.
func (r *barsRepo) CountBySource(ctx context.Context, tr persistence.TimeRange) (map[string]int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	from, to := tr.Bounds()
	rows, err := r.db.QueryxContext(ctx, `
		SELECT source, COUNT(*)
		FROM daily_bars
		WHERE trade_date >= $1 AND trade_date <= $2
		GROUP BY source
		ORDER BY source`,
		from, to)
	if err != nil {
		return nil, fmt.Errorf("count bars by source: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var source string
		var count int64
		if err := rows.Scan(&source, &count); err != nil {
			return nil, fmt.Errorf("scan source count: %w", err)
		}
		counts[source] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate source counts: %w", err)
	}
	return counts, nil
}

// wrapPgErr surfaces the Postgres condition name so callers can log
// something more useful than a bare SQLSTATE.
func wrapPgErr(err error, op string) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return fmt.Errorf("%s: %s: %w", op, pqErr.Code.Name(), err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// HealthChecker implements persistence.RepositoryHealth over the pool.
type HealthChecker struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewHealthChecker wraps the pool for liveness probes.
func NewHealthChecker(db *sqlx.DB, timeout time.Duration) *HealthChecker {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HealthChecker{db: db, timeout: timeout}
}

// Ping tests basic connectivity.
func (h *HealthChecker) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	return h.db.PingContext(ctx)
}

// Health reports pool state and round-trip latency.
func (h *HealthChecker) Health(ctx context.Context) persistence.HealthCheck {
	start := time.Now()
	check := persistence.HealthCheck{
		Healthy:   true,
		LastCheck: start,
	}

	if err := h.Ping(ctx); err != nil {
		check.Healthy = false
		check.Errors = append(check.Errors, err.Error())
	}
	check.ResponseTimeMS = time.Since(start).Milliseconds()

	stats := h.db.Stats()
	check.ConnectionPool = map[string]int{
		"open":    stats.OpenConnections,
		"in_use":  stats.InUse,
		"idle":    stats.Idle,
		"max":     stats.MaxOpenConnections,
	}
	return check
}
