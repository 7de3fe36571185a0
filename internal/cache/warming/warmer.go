package warming

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/sawpanic/chronoretrace/internal/cache"
	"github.com/sawpanic/chronoretrace/internal/config"
)

// CacheWriter is the tiered-cache surface the warmer needs: overwrite
// an entry with the namespace-default TTL.
type CacheWriter interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// Source fetches one symbol's payload for a namespace from the
// upstream provider. The data service implements it.
type Source interface {
	Fetch(ctx context.Context, namespace, symbol string) ([]byte, error)
}

// Recorder counts errors the warmer swallows. Optional.
type Recorder interface {
	RecordSuppressedError(component string)
}

// RunStats describes one warm run over one namespace.
type RunStats struct {
	ID           string    `json:"id"`
	Namespace    string    `json:"namespace"`
	Forced       bool      `json:"forced"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
	Total        int       `json:"total"`
	Warmed       int       `json:"warmed"`
	Skipped      int       `json:"skipped"`
	Failed       int       `json:"failed"`
	FailureRatio float64   `json:"failure_ratio"`
	LastError    string    `json:"last_error,omitempty"`
}

// ControllerStats is the warmer's aggregate view.
type ControllerStats struct {
	Degraded       bool       `json:"degraded"`
	DegradedReason string     `json:"degraded_reason,omitempty"`
	TotalWarmed    uint64     `json:"total_warmed"`
	TotalFailed    uint64     `json:"total_failed"`
	LastRuns       []RunStats `json:"last_runs"`
}

// Warmer pre-populates and refreshes cache namespaces. One scheduled
// goroutine does full warms; ad-hoc warms share a bounded worker pool;
// concurrent warms of one namespace collapse through singleflight.
// Provider pressure is bounded by a token-bucket limiter and a
// per-namespace circuit breaker.
type Warmer struct {
	cfg        config.WarmingConfig
	namespaces map[string]config.NamespaceConfig
	cache      CacheWriter
	source     Source
	recorder   Recorder

	limiter *rate.Limiter
	sem     chan struct{}
	flight  singleflight.Group

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
	registry map[string]time.Time // namespace:symbol -> last successful warm
	lastRuns map[string]RunStats
	reason   string

	degraded    atomic.Bool
	totalWarmed atomic.Uint64
	totalFailed atomic.Uint64

	stopCh    chan struct{}
	closeOnce sync.Once
}

// New wires a warmer. namespaces supplies the per-namespace staleness
// thresholds; recorder may be nil.
func New(cfg config.WarmingConfig, namespaces map[string]config.NamespaceConfig, cw CacheWriter, src Source, recorder Recorder) *Warmer {
	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}
	// A zero RPS config means unthrottled, not "never".
	limit := rate.Limit(cfg.ProviderRPS)
	burst := cfg.ProviderBurst
	if limit <= 0 {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}
	return &Warmer{
		cfg:        cfg,
		namespaces: namespaces,
		cache:      cw,
		source:     src,
		recorder:   recorder,
		limiter:    rate.NewLimiter(limit, burst),
		sem:        make(chan struct{}, workers),
		breakers:   make(map[string]*gobreaker.CircuitBreaker),
		registry:   make(map[string]time.Time),
		lastRuns:   make(map[string]RunStats),
		stopCh:     make(chan struct{}),
	}
}

// Start launches the scheduled warm and stale-sweep loops when warming
// is enabled. Call once.
func (w *Warmer) Start() {
	if !w.cfg.Enabled {
		log.Info().Msg("cache warming disabled")
		return
	}
	go w.scheduleLoop()
	go w.sweepLoop()
}

// Close stops the background loops. In-flight runs finish on their own.
func (w *Warmer) Close() {
	w.closeOnce.Do(func() {
		close(w.stopCh)
	})
}

// Warm runs an incremental warm: symbols already warmed within the
// namespace staleness threshold are skipped.
func (w *Warmer) Warm(ctx context.Context, namespace string, symbols []string) (RunStats, error) {
	return w.run(ctx, namespace, symbols, false)
}

// Refresh force-fetches every symbol and overwrites cache entries,
// bypassing the staleness skip.
func (w *Warmer) Refresh(ctx context.Context, namespace string, symbols []string) (RunStats, error) {
	return w.run(ctx, namespace, symbols, true)
}

// WarmAll warms every configured namespace with the configured symbol
// list, in namespace order.
func (w *Warmer) WarmAll(ctx context.Context) []RunStats {
	names := make([]string, 0, len(w.namespaces))
	for ns := range w.namespaces {
		names = append(names, ns)
	}
	sort.Strings(names)

	out := make([]RunStats, 0, len(names))
	for _, ns := range names {
		stats, err := w.Warm(ctx, ns, w.cfg.Symbols)
		if err != nil {
			log.Error().Err(err).Str("namespace", ns).Msg("scheduled warm failed")
			continue
		}
		out = append(out, stats)
	}
	return out
}

// RefreshStale re-warms every registry entry older than its namespace
// threshold. Returns the number of symbols refreshed.
func (w *Warmer) RefreshStale(ctx context.Context) int {
	stale := w.staleSymbols()
	total := 0
	for ns, symbols := range stale {
		stats, err := w.Refresh(ctx, ns, symbols)
		if err != nil {
			log.Error().Err(err).Str("namespace", ns).Msg("stale refresh failed")
			continue
		}
		total += stats.Warmed
	}
	return total
}

// Healthy reports false while the controller is degraded by a run
// whose failure ratio exceeded the configured maximum.
func (w *Warmer) Healthy() bool {
	return !w.degraded.Load()
}

// Stats snapshots controller state. Runs are sorted by namespace.
func (w *Warmer) Stats() ControllerStats {
	w.mu.Lock()
	runs := make([]RunStats, 0, len(w.lastRuns))
	for _, r := range w.lastRuns {
		runs = append(runs, r)
	}
	reason := w.reason
	w.mu.Unlock()

	sort.Slice(runs, func(i, j int) bool { return runs[i].Namespace < runs[j].Namespace })
	return ControllerStats{
		Degraded:       w.degraded.Load(),
		DegradedReason: reason,
		TotalWarmed:    w.totalWarmed.Load(),
		TotalFailed:    w.totalFailed.Load(),
		LastRuns:       runs,
	}
}

func (w *Warmer) run(ctx context.Context, namespace string, symbols []string, force bool) (RunStats, error) {
	if _, ok := w.namespaces[namespace]; !ok {
		return RunStats{}, fmt.Errorf("warming: unknown namespace %q", namespace)
	}
	v, err, _ := w.flight.Do(namespace, func() (any, error) {
		return w.doRun(ctx, namespace, symbols, force), nil
	})
	if err != nil {
		return RunStats{}, err
	}
	return v.(RunStats), nil
}

func (w *Warmer) doRun(ctx context.Context, namespace string, symbols []string, force bool) RunStats {
	stats := RunStats{
		ID:        uuid.NewString(),
		Namespace: namespace,
		Forced:    force,
		StartedAt: time.Now(),
		Total:     len(symbols),
	}

	breaker := w.breaker(namespace)
	if breaker.State() == gobreaker.StateOpen {
		stats.Skipped = len(symbols)
		stats.FinishedAt = time.Now()
		stats.LastError = "circuit breaker open"
		w.finishRun(namespace, stats)
		log.Warn().Str("namespace", namespace).Str("run_id", stats.ID).Msg("warm run skipped, breaker open")
		return stats
	}

	staleAfter := w.staleThreshold(namespace)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		warmed  int
		skipped int
		failed  int
		lastErr string
	)

	for _, symbol := range symbols {
		if !force && !w.isStale(namespace, symbol, staleAfter) {
			skipped++
			continue
		}

		wg.Add(1)
		go func(symbol string) {
			defer wg.Done()
			w.sem <- struct{}{}
			defer func() { <-w.sem }()

			if err := w.warmOne(ctx, breaker, namespace, symbol); err != nil {
				mu.Lock()
				failed++
				lastErr = err.Error()
				mu.Unlock()
				w.suppress()
				log.Debug().Err(err).Str("namespace", namespace).Str("symbol", symbol).Msg("warm item failed")
				return
			}
			mu.Lock()
			warmed++
			mu.Unlock()
		}(symbol)
	}
	wg.Wait()

	stats.Warmed = warmed
	stats.Skipped = skipped
	stats.Failed = failed
	stats.FinishedAt = time.Now()
	attempted := warmed + failed
	if attempted > 0 {
		stats.FailureRatio = float64(failed) / float64(attempted)
	}
	stats.LastError = lastErr

	w.totalWarmed.Add(uint64(warmed))
	w.totalFailed.Add(uint64(failed))
	w.finishRun(namespace, stats)

	log.Info().
		Str("run_id", stats.ID).
		Str("namespace", namespace).
		Bool("forced", force).
		Int("warmed", warmed).
		Int("skipped", skipped).
		Int("failed", failed).
		Msg("warm run finished")
	return stats
}

// warmOne fetches and stores a single symbol under the limiter and the
// namespace breaker.
func (w *Warmer) warmOne(ctx context.Context, breaker *gobreaker.CircuitBreaker, namespace, symbol string) error {
	if err := w.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}

	payload, err := breaker.Execute(func() (any, error) {
		return w.source.Fetch(ctx, namespace, symbol)
	})
	if err != nil {
		return fmt.Errorf("fetch %s/%s: %w", namespace, symbol, err)
	}

	key := cache.Key(namespace, symbol, nil)
	if err := w.cache.Set(ctx, key, payload.([]byte), 0); err != nil {
		return fmt.Errorf("store %s: %w", key, err)
	}

	w.mu.Lock()
	w.registry[namespace+":"+symbol] = time.Now()
	w.mu.Unlock()
	return nil
}

// finishRun records the run and flips the degraded flag on the failure
// ratio. A healthy run clears degradation.
func (w *Warmer) finishRun(namespace string, stats RunStats) {
	w.mu.Lock()
	w.lastRuns[namespace] = stats
	w.mu.Unlock()

	attempted := stats.Warmed + stats.Failed
	if attempted == 0 {
		return
	}
	if stats.FailureRatio > w.cfg.MaxFailureRatio {
		w.mu.Lock()
		w.reason = fmt.Sprintf("run %s on %s failed %.0f%% of items", stats.ID, namespace, stats.FailureRatio*100)
		w.mu.Unlock()
		if w.degraded.CompareAndSwap(false, true) {
			log.Warn().Str("namespace", namespace).Float64("ratio", stats.FailureRatio).Msg("warming degraded")
		}
		return
	}
	if w.degraded.CompareAndSwap(true, false) {
		w.mu.Lock()
		w.reason = ""
		w.mu.Unlock()
		log.Info().Str("namespace", namespace).Msg("warming recovered")
	}
}

func (w *Warmer) breaker(namespace string) *gobreaker.CircuitBreaker {
	w.mu.Lock()
	defer w.mu.Unlock()
	if b, ok := w.breakers[namespace]; ok {
		return b
	}
	threshold := w.cfg.BreakerFailures
	if threshold == 0 {
		threshold = 5
	}
	b := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "warm:" + namespace,
		Timeout: w.cfg.GetBreakerCooldown(),
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("warm breaker state change")
		},
	})
	w.breakers[namespace] = b
	return b
}

func (w *Warmer) isStale(namespace, symbol string, threshold time.Duration) bool {
	w.mu.Lock()
	last, ok := w.registry[namespace+":"+symbol]
	w.mu.Unlock()
	if !ok {
		return true // never warmed
	}
	return time.Since(last) >= threshold
}

// staleSymbols groups registry entries past their namespace threshold.
func (w *Warmer) staleSymbols() map[string][]string {
	out := make(map[string][]string)
	w.mu.Lock()
	entries := make(map[string]time.Time, len(w.registry))
	for k, v := range w.registry {
		entries[k] = v
	}
	w.mu.Unlock()

	now := time.Now()
	for key, last := range entries {
		ns, symbol, ok := splitRegistryKey(key)
		if !ok {
			continue
		}
		if now.Sub(last) >= w.staleThreshold(ns) {
			out[ns] = append(out[ns], symbol)
		}
	}
	for ns := range out {
		sort.Strings(out[ns])
	}
	return out
}

func (w *Warmer) staleThreshold(namespace string) time.Duration {
	if ns, ok := w.namespaces[namespace]; ok && ns.StaleAfterSecs > 0 {
		return ns.GetStaleAfter()
	}
	if ns, ok := w.namespaces[namespace]; ok && ns.TTLSecs > 0 {
		return ns.GetTTL() / 2
	}
	return time.Minute
}

func (w *Warmer) scheduleLoop() {
	ticker := time.NewTicker(w.cfg.GetInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.WarmAll(context.Background())
		case <-w.stopCh:
			return
		}
	}
}

func (w *Warmer) sweepLoop() {
	ticker := time.NewTicker(w.cfg.GetStaleSweep())
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.RefreshStale(context.Background())
		case <-w.stopCh:
			return
		}
	}
}

func (w *Warmer) suppress() {
	if w.recorder != nil {
		w.recorder.RecordSuppressedError("warming")
	}
}

func splitRegistryKey(key string) (namespace, symbol string, ok bool) {
	for i := 0; i < len(key); i++ {
		if key[i] == ':' {
			return key[:i], key[i+1:], true
		}
	}
	return "", "", false
}
