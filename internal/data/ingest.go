package data

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/chronoretrace/internal/cache"
	"github.com/sawpanic/chronoretrace/internal/models"
	"github.com/sawpanic/chronoretrace/internal/persistence"
	"github.com/sawpanic/chronoretrace/internal/quality"
)

// CacheWriter is the write-through surface of the tiered cache.
type CacheWriter interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// Recorder counts errors the ingestor swallows. Optional.
type Recorder interface {
	RecordSuppressedError(component string)
}

// IngestReport summarizes one batch run, stage by stage.
type IngestReport struct {
	Received   int           `json:"received"`
	Rejected   int           `json:"rejected"`
	Duplicates int           `json:"duplicates"`
	Stored     int64         `json:"stored"`
	Warnings   int           `json:"warnings"`
	MeanScore  float64       `json:"mean_score"`
	Duration   time.Duration `json:"duration"`
}

// IngestTotals are cumulative counters across runs.
type IngestTotals struct {
	Runs       int64 `json:"runs"`
	Received   int64 `json:"received"`
	Rejected   int64 `json:"rejected"`
	Duplicates int64 `json:"duplicates"`
	Stored     int64 `json:"stored"`
}

// Ingestor runs the intake pipeline: validate, dedup, persist, then
// write the surviving bars through to the cache so readers see them
// without waiting for the next warm cycle.
type Ingestor struct {
	validator *quality.Validator
	dedup     *quality.Deduplicator
	repo      persistence.BarsRepo
	cache     CacheWriter
	recorder  Recorder
	now       func() time.Time

	runs       atomic.Int64
	received   atomic.Int64
	rejected   atomic.Int64
	duplicates atomic.Int64
	stored     atomic.Int64
}

// NewIngestor wires the pipeline stages. repo may be nil when the
// database is disabled; cache may be nil in repo-only backfills.
func NewIngestor(v *quality.Validator, d *quality.Deduplicator, repo persistence.BarsRepo, cw CacheWriter, rec Recorder) *Ingestor {
	return &Ingestor{
		validator: v,
		dedup:     d,
		repo:      repo,
		cache:     cw,
		recorder:  rec,
		now:       time.Now,
	}
}

// IngestDailyBars pushes one batch through the pipeline. Records that
// fail validation are dropped, survivors are deduplicated, upserted,
// and merged into the cached per-code window. The report covers the
// run even when a stage fails partway.
func (i *Ingestor) IngestDailyBars(ctx context.Context, bars []models.Bar, market models.MarketType) (*IngestReport, error) {
	start := time.Now()
	report := &IngestReport{Received: len(bars)}
	i.runs.Add(1)
	i.received.Add(int64(len(bars)))

	if len(bars) == 0 {
		report.Duration = time.Since(start)
		return report, nil
	}

	vr, err := i.validator.ValidateBars(ctx, bars, market)
	if err != nil {
		return report, fmt.Errorf("ingest validate: %w", err)
	}
	report.Rejected = vr.Failed
	report.Warnings = vr.Warnings
	i.rejected.Add(int64(vr.Failed))

	kept := make([]models.Bar, 0, vr.Passed)
	scores := make([]float64, 0, vr.Passed)
	var scoreSum float64
	for idx, res := range vr.Results {
		scoreSum += res.Score
		if res.HasErrors {
			continue
		}
		kept = append(kept, bars[idx])
		scores = append(scores, res.Score)
	}
	report.MeanScore = scoreSum / float64(len(bars))

	cleaned, dr, err := i.dedup.Run(kept, scores)
	if err != nil {
		return report, fmt.Errorf("ingest dedup: %w", err)
	}
	report.Duplicates = dr.Removed
	i.duplicates.Add(int64(dr.Removed))

	now := i.now()
	for idx := range cleaned {
		if cleaned[idx].RetrievedAt.IsZero() {
			cleaned[idx].RetrievedAt = now
		}
	}

	if i.repo != nil && len(cleaned) > 0 {
		written, err := i.repo.UpsertDailyBars(ctx, cleaned)
		if err != nil {
			return report, fmt.Errorf("ingest store: %w", err)
		}
		report.Stored = written
		i.stored.Add(written)
	}

	if i.cache != nil {
		i.writeThrough(ctx, cleaned)
	}

	report.Duration = time.Since(start)
	log.Info().
		Int("received", report.Received).
		Int("rejected", report.Rejected).
		Int("duplicates", report.Duplicates).
		Int64("stored", report.Stored).
		Dur("duration", report.Duration).
		Msg("ingest run complete")
	return report, nil
}

// Totals returns the cumulative stage counters.
func (i *Ingestor) Totals() IngestTotals {
	return IngestTotals{
		Runs:       i.runs.Load(),
		Received:   i.received.Load(),
		Rejected:   i.rejected.Load(),
		Duplicates: i.duplicates.Load(),
		Stored:     i.stored.Load(),
	}
}

// writeThrough merges the batch into each code's cached window. Cache
// failures are logged and counted, never surfaced: the rows are already
// persisted and the next read loads through.
func (i *Ingestor) writeThrough(ctx context.Context, cleaned []models.Bar) {
	byCode := make(map[string][]models.Bar)
	for _, b := range cleaned {
		byCode[b.Code] = append(byCode[b.Code], b)
	}

	codes := make([]string, 0, len(byCode))
	for code := range byCode {
		codes = append(codes, code)
	}
	sort.Strings(codes)

	for _, code := range codes {
		key := cache.Key(NamespaceKline, code, nil)

		window := byCode[code]
		if existing, ok := i.cache.Get(ctx, key); ok {
			var cached []models.Bar
			if err := json.Unmarshal(existing, &cached); err == nil {
				window = mergeBars(cached, window)
			}
		}

		payload, err := json.Marshal(window)
		if err != nil {
			i.suppress("ingest_cache")
			log.Warn().Err(err).Str("code", code).Msg("ingest write-through encode failed")
			continue
		}
		if err := i.cache.Set(ctx, key, payload, 0); err != nil {
			i.suppress("ingest_cache")
			log.Warn().Err(err).Str("code", code).Msg("ingest write-through failed")
		}
	}
}

// mergeBars overlays incoming onto existing by trade date, incoming
// winning, and returns the union sorted by date.
func mergeBars(existing, incoming []models.Bar) []models.Bar {
	byDate := make(map[int64]models.Bar, len(existing)+len(incoming))
	for _, b := range existing {
		byDate[b.Date.Unix()] = b
	}
	for _, b := range incoming {
		byDate[b.Date.Unix()] = b
	}

	out := make([]models.Bar, 0, len(byDate))
	for _, b := range byDate {
		out = append(out, b)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Date.Before(out[b].Date) })
	return out
}

func (i *Ingestor) suppress(component string) {
	if i.recorder != nil {
		i.recorder.RecordSuppressedError(component)
	}
}
