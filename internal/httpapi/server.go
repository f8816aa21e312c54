// Package httpapi exposes the engine over HTTP: on-demand OI aggregation
// and volume profiles, a health report, Prometheus exposition, and a
// WebSocket alert feed.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/derivpulse/derivpulse/internal/config"
	"github.com/derivpulse/derivpulse/internal/domain"
	"github.com/derivpulse/derivpulse/internal/metrics"
	"github.com/derivpulse/derivpulse/internal/oi"
	"github.com/derivpulse/derivpulse/internal/profile"
)

// ServerConfig holds the listener parameters.
type ServerConfig struct {
	Host           string
	Port           int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	RequestTimeout time.Duration
}

// DefaultServerConfig binds locally on 8080.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Host:           "127.0.0.1",
		Port:           8080,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   30 * time.Second,
		IdleTimeout:    60 * time.Second,
		RequestTimeout: 15 * time.Second,
	}
}

// Server is the read-mostly HTTP surface over the running engine.
type Server struct {
	router     *mux.Router
	server     *http.Server
	cfg        ServerConfig
	log        zerolog.Logger
	aggregator *oi.Aggregator
	profiles   *profile.Service
	store      *config.Store
	health     *HealthTracker
	metricsReg *metrics.Registry
	hub        *AlertHub
	started    time.Time
}

// NewServer wires the routes. Any of the component references may be nil;
// the corresponding endpoints then report 503.
func NewServer(cfg ServerConfig, aggregator *oi.Aggregator, profiles *profile.Service,
	store *config.Store, health *HealthTracker, reg *metrics.Registry, hub *AlertHub,
	log zerolog.Logger) *Server {

	s := &Server{
		router:     mux.NewRouter(),
		cfg:        cfg,
		log:        log,
		aggregator: aggregator,
		profiles:   profiles,
		store:      store,
		health:     health,
		metricsReg: reg,
		hub:        hub,
		started:    time.Now().UTC(),
	}
	s.routes()
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe blocks until the listener fails or Shutdown is called.
func (s *Server) ListenAndServe() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("http server listening")
	return s.server.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) routes() {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.loggingMiddleware)

	s.router.HandleFunc("/aggregate_oi", s.handleAggregateOI).Methods(http.MethodPost)
	s.router.HandleFunc("/profile", s.handleProfile).Methods(http.MethodPost)
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	if s.metricsReg != nil {
		s.router.Handle("/metrics", s.metricsReg.Handler()).Methods(http.MethodGet)
	}
	if s.hub != nil {
		s.router.HandleFunc("/ws/alerts", s.hub.handleSubscribe).Methods(http.MethodGet)
	}
}

type ctxKey int

const requestIDKey ctxKey = iota

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.New().String()[:8]
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		id, _ := r.Context().Value(requestIDKey).(string)
		s.log.Info().
			Str("request_id", id).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

type aggregateOIRequest struct {
	Symbol    string   `json:"symbol"`
	Exchanges []string `json:"exchanges,omitempty"`
}

func (s *Server) handleAggregateOI(w http.ResponseWriter, r *http.Request) {
	if s.aggregator == nil {
		writeError(w, http.StatusServiceUnavailable, "aggregator disabled")
		return
	}
	var req aggregateOIRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.Symbol == "" {
		writeError(w, http.StatusBadRequest, "symbol is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()
	snap, err := s.aggregator.Snapshot(ctx, req.Symbol, req.Exchanges)
	if err != nil {
		if s.health != nil {
			s.health.RecordAggregatorError()
		}
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type profileRequest struct {
	Symbol    string `json:"symbol"`
	Timeframe string `json:"timeframe"`
	Exchange  string `json:"exchange,omitempty"`
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	if s.profiles == nil {
		writeError(w, http.StatusServiceUnavailable, "profile service disabled")
		return
	}
	var req profileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.Symbol == "" || req.Timeframe == "" {
		writeError(w, http.StatusBadRequest, "symbol and timeframe are required")
		return
	}
	if _, ok := profile.Timeframe(req.Timeframe); !ok {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unrecognized timeframe %q", req.Timeframe))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()
	snap, err := s.profiles.Profile(ctx, req.Symbol, req.Timeframe, req.Exchange)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type healthResponse struct {
	Status              string         `json:"status"`
	UptimeS             int64          `json:"uptime_s"`
	ConfigGeneration    uint64         `json:"config_generation"`
	IngestorStatus      []StreamStatus `json:"ingestor_status"`
	AggErrorsLastMinute int            `json:"aggregator_errors_last_min"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:  "ok",
		UptimeS: int64(time.Since(s.started).Seconds()),
	}
	if s.store != nil {
		resp.ConfigGeneration = s.store.Generation()
	}
	if s.health != nil {
		resp.IngestorStatus = s.health.Streams()
		resp.AggErrorsLastMinute = s.health.AggregatorErrorsLastMinute()
		for _, st := range resp.IngestorStatus {
			if st.Status == "DEGRADED" {
				resp.Status = "degraded"
			}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, domain.ErrUnknownSymbol):
		return http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusBadGateway
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
