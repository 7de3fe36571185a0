package handlers

import (
	"net/http"
	"time"
)

// Health reports process liveness plus a per-subsystem check map. It
// answers 503 while core subsystems are still absent so load balancers
// hold traffic until warming and streaming are wired up.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)
	status := "ok"
	httpStatus := http.StatusOK

	if h.deps.Cache == nil {
		checks["cache"] = "missing"
	} else if h.deps.Cache.RemoteHealthy() {
		checks["cache"] = "ok"
	} else {
		checks["cache"] = "degraded"
		status = "degraded"
	}

	if h.deps.Warmer == nil {
		checks["warming"] = "missing"
	} else if h.deps.Warmer.Healthy() {
		checks["warming"] = "ok"
	} else {
		checks["warming"] = "degraded"
		status = "degraded"
	}

	if h.deps.Hub == nil {
		checks["stream"] = "missing"
	} else {
		checks["stream"] = "ok"
	}

	switch {
	case h.deps.DB == nil:
		checks["database"] = "disabled"
	case h.deps.DB.Ping(r.Context()) != nil:
		checks["database"] = "down"
		status = "degraded"
	default:
		checks["database"] = "ok"
	}

	if h.deps.Cache == nil || h.deps.Warmer == nil || h.deps.Hub == nil {
		status = "starting"
		httpStatus = http.StatusServiceUnavailable
	}

	h.writeJSON(w, httpStatus, HealthResponse{
		Status:    status,
		Version:   h.deps.Version,
		Uptime:    time.Since(h.started).Round(time.Second).String(),
		Checks:    checks,
		Timestamp: time.Now().UTC(),
	})
}
