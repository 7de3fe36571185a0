package http

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/chronoretrace/internal/config"
	"github.com/sawpanic/chronoretrace/internal/interfaces/http/handlers"
	"github.com/sawpanic/chronoretrace/internal/monitor"
)

// Server is the JSON API plus the WebSocket entry point.
type Server struct {
	router   *mux.Router
	server   *http.Server
	handlers *handlers.Handlers
	monitor  *monitor.Monitor
	config   config.ServerConfig
}

// NewServer wires the routes around the given subsystem handles.
func NewServer(cfg config.ServerConfig, deps handlers.Deps) (*Server, error) {
	// Fail fast when the port is already taken.
	listener, err := net.Listen("tcp", cfg.Address())
	if err != nil {
		return nil, fmt.Errorf("address %s is busy or unavailable: %w", cfg.Address(), err)
	}
	listener.Close()

	s := &Server{
		router:   mux.NewRouter(),
		handlers: handlers.NewHandlers(deps),
		monitor:  deps.Monitor,
		config:   cfg,
	}
	s.setupRoutes(deps)

	s.server = &http.Server{
		Addr:         cfg.Address(),
		Handler:      s.router,
		ReadTimeout:  cfg.GetReadTimeout(),
		WriteTimeout: cfg.GetWriteTimeout(),
		IdleTimeout:  cfg.GetIdleTimeout(),
	}

	return s, nil
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes(deps handlers.Deps) {
	// Middleware for all routes
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.requestLoggingMiddleware)
	s.router.Use(s.corsMiddleware)

	// The WebSocket entry point and the Prometheus exposition skip the
	// JSON middleware: one hijacks the connection, the other writes
	// text/plain.
	s.router.HandleFunc("/ws/{client_id}", s.handlers.Connect).Methods("GET")
	if deps.Monitor != nil {
		s.router.Handle("/metrics", deps.Monitor.Handler()).Methods("GET")
	}

	// API routes (JSON only)
	api := s.router.PathPrefix("/").Subrouter()
	api.Use(s.timeoutMiddleware)
	api.Use(s.jsonContentTypeMiddleware)

	api.HandleFunc("/health", s.handlers.Health).Methods("GET")

	api.HandleFunc("/cache/warm", s.handlers.CacheWarm).Methods("POST")
	api.HandleFunc("/cache/stats", s.handlers.CacheStats).Methods("GET")
	api.HandleFunc("/cache/clear", s.handlers.CacheClear).Methods("POST")
	api.HandleFunc("/cache/refresh", s.handlers.CacheRefresh).Methods("POST")
	api.HandleFunc("/cache/health", s.handlers.CacheHealth).Methods("GET")

	api.HandleFunc("/backtest/grid", s.handlers.GridBacktest).Methods("POST")
	api.HandleFunc("/backtest/grid/optimize", s.handlers.GridOptimize).Methods("POST")

	api.HandleFunc("/monitor/summary", s.handlers.MonitorSummary).Methods("GET")
	api.HandleFunc("/monitor/range", s.handlers.MonitorRange).Methods("GET")

	// 404 handler
	s.router.NotFoundHandler = http.HandlerFunc(s.handlers.NotFound)
}

// requestIDMiddleware adds unique request ID to each request
func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.New().String()[:8]
		ctx := context.WithValue(r.Context(), "request_id", requestID)
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requestLoggingMiddleware logs every request and feeds the per-route
// latency stats. WebSocket sessions are long-lived and stay out of the
// API latency numbers.
func (s *Server) requestLoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID, _ := r.Context().Value("request_id").(string)

		// Capture response status
		wrapper := &responseWrapper{ResponseWriter: w, statusCode: 200}
		next.ServeHTTP(wrapper, r)

		duration := time.Since(start)
		endpoint := s.routeTemplate(r)

		if s.monitor != nil && !strings.HasPrefix(endpoint, "/ws/") {
			s.monitor.RecordAPIRequest(endpoint, float64(duration.Milliseconds()), wrapper.statusCode)
		}

		log.Info().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapper.statusCode).
			Dur("duration", duration).
			Str("remote", r.RemoteAddr).
			Msg("request")
	})
}

// routeTemplate resolves the matched route pattern so latency stats
// aggregate per endpoint, not per URL.
func (s *Server) routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return r.URL.Path
}

// timeoutMiddleware enforces request timeouts
func (s *Server) timeoutMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), s.config.GetRequestTimeout())
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// corsMiddleware adds CORS headers for local development
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Only allow localhost origins
		origin := r.Header.Get("Origin")
		if strings.Contains(origin, "localhost") || strings.Contains(origin, "127.0.0.1") {
			w.Header().Set("Access-Control-Allow-Origin", origin)
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// jsonContentTypeMiddleware sets JSON content type for API responses
func (s *Server) jsonContentTypeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// Start starts the HTTP server
func (s *Server) Start() error {
	log.Info().Str("addr", s.config.Address()).Msg("starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Address returns the listen address.
func (s *Server) Address() string {
	return s.config.Address()
}

// responseWrapper captures HTTP status codes for logging
type responseWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWrapper) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets WebSocket upgrades pass through the status capture.
func (rw *responseWrapper) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return hj.Hijack()
}
