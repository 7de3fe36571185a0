package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/sawpanic/chronoretrace/internal/backtest/grid"
	"github.com/sawpanic/chronoretrace/internal/cache"
	"github.com/sawpanic/chronoretrace/internal/cache/warming"
	"github.com/sawpanic/chronoretrace/internal/data"
	"github.com/sawpanic/chronoretrace/internal/monitor"
	"github.com/sawpanic/chronoretrace/internal/persistence"
	"github.com/sawpanic/chronoretrace/internal/stream"
)

// Deps holds the subsystems the endpoints dispatch into. A nil entry
// turns its routes into 503s, which is how the server answers while
// that subsystem is still starting or disabled.
type Deps struct {
	Cache   *cache.TieredCache
	Warmer  *warming.Warmer
	Hub     *stream.Hub
	Data    *data.Service
	Monitor *monitor.Monitor
	DB      persistence.RepositoryHealth
	Version string
}

// Handlers manages all HTTP endpoint handlers
type Handlers struct {
	deps    Deps
	started time.Time
}

// NewHandlers creates a new handlers instance
func NewHandlers(deps Deps) *Handlers {
	return &Handlers{deps: deps, started: time.Now().UTC()}
}

// writeJSON writes JSON response with proper error handling
func (h *Handlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		// Fallback error response
		http.Error(w, `{"error":"json_encoding_failed"}`, http.StatusInternalServerError)
	}
}

// writeError writes standardized error response
func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	requestID := r.Context().Value("request_id")
	if requestID == nil {
		requestID = "unknown"
	}

	errorResp := ErrorResponse{
		Error:     http.StatusText(status),
		Message:   message,
		Code:      code,
		RequestID: requestID.(string),
		Timestamp: time.Now().UTC(),
	}

	h.writeJSON(w, status, errorResp)
}

// writeDomainError maps service failures onto the API contract:
// invalid configuration answers 400, a symbol or window with no data
// answers 404, and anything unexpected answers 500.
func (h *Handlers) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var engineErr *grid.EngineError
	switch {
	case errors.As(err, &engineErr):
		switch engineErr.Code {
		case grid.CodeInvalidConfig:
			h.writeError(w, r, http.StatusBadRequest, engineErr.Code, engineErr.Error())
		case grid.CodeNoData:
			h.writeError(w, r, http.StatusNotFound, engineErr.Code, engineErr.Error())
		default:
			h.writeError(w, r, http.StatusInternalServerError, engineErr.Code, engineErr.Error())
		}
	case errors.Is(err, data.ErrSymbolUnknown):
		h.writeError(w, r, http.StatusNotFound, "SYMBOL_UNKNOWN", err.Error())
	case errors.Is(err, persistence.ErrNoRows):
		h.writeError(w, r, http.StatusNotFound, "NO_DATA", err.Error())
	default:
		h.writeError(w, r, http.StatusInternalServerError, "INTERNAL", err.Error())
	}
}

// notInitialized answers for routes whose subsystem has not come up.
func (h *Handlers) notInitialized(w http.ResponseWriter, r *http.Request, subsystem string) {
	h.writeError(w, r, http.StatusServiceUnavailable, "NOT_INITIALIZED",
		subsystem+" is not initialized")
}

// decodeBody unmarshals a JSON request body. An empty body yields the
// zero value so endpoints whose fields are all optional accept bare
// POSTs.
func decodeBody(r *http.Request, dst interface{}) error {
	err := json.NewDecoder(r.Body).Decode(dst)
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// NotFound handles 404 responses
func (h *Handlers) NotFound(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	h.writeError(w, r, http.StatusNotFound, "endpoint_not_found",
		"The requested endpoint does not exist")
}
