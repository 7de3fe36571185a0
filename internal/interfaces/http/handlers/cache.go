package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/chronoretrace/internal/cache/warming"
	"github.com/sawpanic/chronoretrace/internal/data"
)

// warmRunTimeout bounds a background warm run detached from its
// originating request.
const warmRunTimeout = 5 * time.Minute

// CacheWarm starts a warm run in the background and answers 202 with
// its id. Run outcomes surface later through GET /cache/stats.
func (h *Handlers) CacheWarm(w http.ResponseWriter, r *http.Request) {
	if h.deps.Warmer == nil {
		h.notInitialized(w, r, "cache warmer")
		return
	}

	var req WarmRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, r, http.StatusBadRequest, "INVALID_JSON", err.Error())
		return
	}

	namespaces := warmNamespaces(req)
	if len(namespaces) == 0 {
		h.writeError(w, r, http.StatusBadRequest, "INVALID_CONFIG",
			"no warm targets selected")
		return
	}

	symbols := normalizeSymbols(req.StockCodes)
	runID := uuid.New().String()[:8]
	startedAt := time.Now().UTC()

	go h.runWarm(runID, namespaces, symbols, req.ForceRefresh)

	h.writeJSON(w, http.StatusAccepted, WarmResponse{
		RunID:      runID,
		Status:     "started",
		Namespaces: namespaces,
		Symbols:    len(symbols),
		Force:      req.ForceRefresh,
		StartedAt:  startedAt,
	})
}

// runWarm executes the accepted warm run outside the request lifecycle.
func (h *Handlers) runWarm(runID string, namespaces, symbols []string, force bool) {
	ctx, cancel := context.WithTimeout(context.Background(), warmRunTimeout)
	defer cancel()

	for _, ns := range namespaces {
		var (
			stats warming.RunStats
			err   error
		)
		if force {
			stats, err = h.deps.Warmer.Refresh(ctx, ns, symbols)
		} else {
			stats, err = h.deps.Warmer.Warm(ctx, ns, symbols)
		}
		if err != nil {
			log.Warn().Err(err).
				Str("run_id", runID).
				Str("namespace", ns).
				Msg("background warm run failed")
			continue
		}
		log.Info().
			Str("run_id", runID).
			Str("namespace", ns).
			Int("warmed", stats.Warmed).
			Int("failed", stats.Failed).
			Msg("background warm run finished")
	}
}

// CacheStats reports tier counters, hit rates and warming state.
func (h *Handlers) CacheStats(w http.ResponseWriter, r *http.Request) {
	if h.deps.Cache == nil {
		h.notInitialized(w, r, "cache")
		return
	}

	tiers := h.deps.Cache.Stats(r.Context())
	resp := CacheStatsResponse{
		Local:         tiers.Local,
		Remote:        tiers.Remote,
		RemoteHealthy: tiers.RemoteHealthy,
		Timestamp:     time.Now().UTC(),
	}
	if h.deps.Monitor != nil {
		resp.Namespaces = h.deps.Monitor.CacheStats()
	}
	if h.deps.Warmer != nil {
		stats := h.deps.Warmer.Stats()
		resp.Warming = &stats
		resp.LastWarmAt = lastFinish(stats.LastRuns)
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// CacheClear drops entries matching a pattern, or the whole cache.
func (h *Handlers) CacheClear(w http.ResponseWriter, r *http.Request) {
	if h.deps.Cache == nil {
		h.notInitialized(w, r, "cache")
		return
	}

	var req ClearRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, r, http.StatusBadRequest, "INVALID_JSON", err.Error())
		return
	}

	var (
		cleared int64
		err     error
	)
	switch {
	case req.ClearAll:
		cleared, err = h.deps.Cache.Clear(r.Context())
	case req.Pattern != "":
		cleared, err = h.deps.Cache.DeletePattern(r.Context(), req.Pattern)
	default:
		h.writeError(w, r, http.StatusBadRequest, "INVALID_CONFIG",
			"either pattern or clear_all is required")
		return
	}
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, ClearResponse{
		Cleared:   cleared,
		Pattern:   req.Pattern,
		ClearAll:  req.ClearAll,
		Timestamp: time.Now().UTC(),
	})
}

// CacheRefresh forces a synchronous re-fetch for the given symbols and
// answers with the per-namespace run results.
func (h *Handlers) CacheRefresh(w http.ResponseWriter, r *http.Request) {
	if h.deps.Warmer == nil {
		h.notInitialized(w, r, "cache warmer")
		return
	}

	var req RefreshRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, r, http.StatusBadRequest, "INVALID_JSON", err.Error())
		return
	}

	namespaces := req.Namespaces
	if len(namespaces) == 0 {
		namespaces = []string{data.NamespaceQuote, data.NamespaceKline}
	}
	for _, ns := range namespaces {
		if !validNamespace(ns) {
			h.writeError(w, r, http.StatusBadRequest, "INVALID_CONFIG",
				"unknown namespace: "+ns)
			return
		}
	}

	symbols := normalizeSymbols(req.StockCodes)

	var (
		runs    []warming.RunStats
		runErrs []string
	)
	for _, ns := range namespaces {
		stats, err := h.deps.Warmer.Refresh(r.Context(), ns, symbols)
		if err != nil {
			runErrs = append(runErrs, ns+": "+err.Error())
			continue
		}
		runs = append(runs, stats)
	}
	if len(runs) == 0 && len(runErrs) > 0 {
		h.writeError(w, r, http.StatusInternalServerError, "REFRESH_FAILED",
			strings.Join(runErrs, "; "))
		return
	}

	h.writeJSON(w, http.StatusOK, RefreshResponse{
		Runs:      runs,
		Errors:    runErrs,
		Timestamp: time.Now().UTC(),
	})
}

// CacheHealth reports the cache subsystem's own health view. The report
// always answers 200; degradation is data, not an HTTP failure.
func (h *Handlers) CacheHealth(w http.ResponseWriter, r *http.Request) {
	if h.deps.Cache == nil {
		h.notInitialized(w, r, "cache")
		return
	}

	resp := CacheHealthResponse{
		Status:        "healthy",
		RemoteHealthy: h.deps.Cache.RemoteHealthy(),
		CheckedAt:     time.Now().UTC(),
	}
	if h.deps.Warmer != nil {
		resp.WarmingHealthy = h.deps.Warmer.Healthy()
		resp.DegradedReason = h.deps.Warmer.Stats().DegradedReason
	}
	if !resp.RemoteHealthy || (h.deps.Warmer != nil && !resp.WarmingHealthy) {
		resp.Status = "degraded"
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// warmNamespaces maps the request's selector flags to cache namespaces.
// A nil flag counts as selected.
func warmNamespaces(req WarmRequest) []string {
	selected := func(flag *bool) bool { return flag == nil || *flag }

	var out []string
	if selected(req.WarmHotStocks) {
		out = append(out, data.NamespaceQuote)
	}
	if selected(req.WarmStockInfo) {
		out = append(out, data.NamespaceInfo)
	}
	if selected(req.WarmRecentData) {
		out = append(out, data.NamespaceKline)
	}
	return out
}

func validNamespace(ns string) bool {
	switch ns {
	case data.NamespaceQuote, data.NamespaceInfo, data.NamespaceKline:
		return true
	}
	return false
}

func normalizeSymbols(codes []string) []string {
	out := make([]string, 0, len(codes))
	for _, code := range codes {
		code = strings.ToLower(strings.TrimSpace(code))
		if code != "" {
			out = append(out, code)
		}
	}
	return out
}

func lastFinish(runs []warming.RunStats) *time.Time {
	var latest time.Time
	for _, run := range runs {
		if run.FinishedAt.After(latest) {
			latest = run.FinishedAt
		}
	}
	if latest.IsZero() {
		return nil
	}
	return &latest
}
