package api

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/clawinfra/evoshield/internal/metrics"
	"github.com/clawinfra/evoshield/internal/policy"
	"github.com/clawinfra/evoshield/internal/portfolio"
	"github.com/clawinfra/evoshield/internal/scheduler"
	"github.com/clawinfra/evoshield/internal/security"
	"github.com/clawinfra/evoshield/internal/trainer"
	"github.com/clawinfra/evoshield/internal/treasury"
)

// Config holds HTTP settings.
type Config struct {
	Port           int
	AllowedOrigins []string
	// Secret signs bearer tokens. Nil disables auth (dev mode).
	Secret []byte
	Issuer string
	// RequestTimeout bounds every API request except the event stream.
	RequestTimeout time.Duration
}

// Deps are the components served over HTTP. Trainer and Policies are
// required; the rest may be nil and their routes answer 503.
type Deps struct {
	Trainer   *trainer.Trainer
	Policies  *policy.Manager
	Rewards   policy.RewardConfigStore
	Runs      policy.TrainingRunStore
	Optimizer *portfolio.Optimizer
	Treasury  *treasury.Rebalancer
	Scheduler *scheduler.Scheduler
	Events    http.Handler
	Metrics   *metrics.Registry
}

// Server is the HTTP API server
type Server struct {
	cfg        Config
	deps       Deps
	logger     *slog.Logger
	router     *mux.Router
	handler    http.Handler
	httpServer *http.Server
	startedAt  time.Time
}

type ctxKey string

const requestIDKey ctxKey = "request_id"

// NewServer creates a new API server
func NewServer(cfg Config, deps Deps, logger *slog.Logger) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	s := &Server{
		cfg:       cfg,
		deps:      deps,
		logger:    logger.With("component", "api"),
		router:    mux.NewRouter(),
		startedAt: time.Now(),
	}
	s.routes()
	// Wrapped outside the router so unmatched requests and preflights get them too.
	s.handler = s.requestIDMiddleware(s.loggingMiddleware(s.corsMiddleware(s.router)))
	return s
}

// Handler returns the root handler with all middleware applied.
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) routes() {
	r := s.router

	r.HandleFunc("/api/health", s.handleHealth).Methods(http.MethodGet)
	if s.deps.Metrics != nil {
		r.Handle("/metrics", s.deps.Metrics.Handler()).Methods(http.MethodGet)
	}

	api := r.PathPrefix("/api").Subrouter()
	api.Use(security.AuthMiddleware(s.cfg.Secret, s.cfg.Issuer, s.logger))

	if s.deps.Events != nil {
		api.Handle("/events", s.deps.Events).Methods(http.MethodGet)
	}

	timed := api.NewRoute().Subrouter()
	timed.Use(s.timeoutMiddleware)

	// Learning loop
	timed.HandleFunc("/decide", s.handleDecide).Methods(http.MethodPost)
	timed.HandleFunc("/observe", s.handleObserve).Methods(http.MethodPost)
	timed.HandleFunc("/train", s.handleTrain).Methods(http.MethodPost)
	timed.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	timed.HandleFunc("/learning", s.handleLearning).Methods(http.MethodGet, http.MethodPost)

	// Policies
	timed.HandleFunc("/agents", s.handleAgents).Methods(http.MethodGet)
	timed.HandleFunc("/agents/{agent}/stats", s.handleAgentStats).Methods(http.MethodGet)
	timed.HandleFunc("/agents/{agent}/policy", s.handlePolicy).Methods(http.MethodGet)
	timed.HandleFunc("/agents/{agent}/policy/versions", s.handlePolicyVersions).Methods(http.MethodGet)
	timed.HandleFunc("/agents/{agent}/rollback", s.handleRollback).Methods(http.MethodPost)

	// Reward tuning and nightly runs. Long-running, so not under the request timeout.
	timed.HandleFunc("/reward/config", s.handleRewardConfig).Methods(http.MethodGet)
	timed.HandleFunc("/reward/versions", s.handleRewardVersions).Methods(http.MethodGet)
	timed.HandleFunc("/training/runs", s.handleTrainingRuns).Methods(http.MethodGet)
	api.HandleFunc("/nightly/retrain", s.handleRetrain).Methods(http.MethodPost)
	api.HandleFunc("/nightly/tune", s.handleTune).Methods(http.MethodPost)

	// Treasury
	timed.HandleFunc("/portfolio/optimize", s.handleOptimize).Methods(http.MethodPost)
	timed.HandleFunc("/treasury", s.handleTreasuryState).Methods(http.MethodGet)
	timed.HandleFunc("/treasury/rebalance", s.handleRebalance).Methods(http.MethodPost)
	timed.HandleFunc("/treasury/shock", s.handleShock).Methods(http.MethodPost)

	// Scheduler
	timed.HandleFunc("/scheduler", s.handleSchedulerStatus).Methods(http.MethodGet)
	timed.HandleFunc("/scheduler/jobs", s.handleSchedulerListJobs).Methods(http.MethodGet)
	timed.HandleFunc("/scheduler/jobs/{id}", s.handleSchedulerGetJob).Methods(http.MethodGet)
	timed.HandleFunc("/scheduler/jobs/{id}", s.handleSchedulerUpdateJob).Methods(http.MethodPatch)
	api.HandleFunc("/scheduler/jobs/{id}/run", s.handleSchedulerRunJob).Methods(http.MethodPost)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
}

// Start starts the HTTP server and blocks until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info("API server starting", "port", s.cfg.Port, "auth", s.cfg.Secret != nil)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down API server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// Hijack is needed by the websocket event stream.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("api: response writer cannot hijack")
	}
	return hj.Hijack()
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()[:8]
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("http request",
			"request_id", r.Context().Value(requestIDKey),
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}

// corsMiddleware allows the configured origins; "*" allows any.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	allowed := make(map[string]bool, len(s.cfg.AllowedOrigins))
	for _, o := range s.cfg.AllowedOrigins {
		allowed[o] = true
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		switch {
		case allowed["*"]:
			w.Header().Set("Access-Control-Allow-Origin", "*")
		case origin != "" && allowed[origin]:
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) timeoutMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// handleHealth is unauthenticated.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"uptime":   time.Since(s.startedAt).Round(time.Second).String(),
		"learning": s.deps.Trainer != nil && s.deps.Trainer.Enabled(),
	})
}
