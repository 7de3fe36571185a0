package handlers

import (
	"net/http"
	"time"
)

// MonitorSummary aggregates cache, API, system and stream state into
// the operator dashboard payload.
func (h *Handlers) MonitorSummary(w http.ResponseWriter, r *http.Request) {
	if h.deps.Monitor == nil {
		h.notInitialized(w, r, "monitor")
		return
	}

	m := h.deps.Monitor
	resp := MonitorSummaryResponse{
		Cache:            m.CacheStats(),
		API:              m.APIMetrics(),
		SuppressedErrors: m.SuppressedErrors(),
		Timestamp:        time.Now().UTC(),
	}
	if sample, ok := m.SystemMetrics(); ok {
		resp.System = &sample
	}
	if h.deps.Hub != nil {
		stats := h.deps.Hub.Stats()
		resp.Stream = &stats
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// MonitorRange returns retained system samples between from and to,
// both RFC 3339 timestamps.
func (h *Handlers) MonitorRange(w http.ResponseWriter, r *http.Request) {
	if h.deps.Monitor == nil {
		h.notInitialized(w, r, "monitor")
		return
	}

	from, err := time.Parse(time.RFC3339, r.URL.Query().Get("from"))
	if err != nil {
		h.writeError(w, r, http.StatusBadRequest, "INVALID_RANGE",
			"from must be an RFC 3339 timestamp")
		return
	}
	to, err := time.Parse(time.RFC3339, r.URL.Query().Get("to"))
	if err != nil {
		h.writeError(w, r, http.StatusBadRequest, "INVALID_RANGE",
			"to must be an RFC 3339 timestamp")
		return
	}
	if from.After(to) {
		h.writeError(w, r, http.StatusBadRequest, "INVALID_RANGE",
			"from is after to")
		return
	}

	samples := h.deps.Monitor.MetricsInRange(from, to)
	h.writeJSON(w, http.StatusOK, MonitorRangeResponse{
		From:    from,
		To:      to,
		Count:   len(samples),
		Samples: samples,
	})
}
