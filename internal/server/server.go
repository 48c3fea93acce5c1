// Package server exposes the escrow ledger over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"giftlock/internal/config"
	"giftlock/internal/custody"
	"giftlock/internal/hmacauth"
	"giftlock/internal/idempotency"
	"giftlock/internal/ledger"
	"giftlock/internal/metrics"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type Server struct {
	cfg         *config.Config
	ledger      *ledger.Ledger
	store       idempotency.Store
	hmac        *hmacauth.Verifier
	httpServer  *http.Server
	metrics     *metrics.Registry
	log         *slog.Logger
	dbHealthFn  func(context.Context) error
	rpcHealthFn func(context.Context) error
}

func NewServer(cfg *config.Config, l *ledger.Ledger, adapter custody.Adapter, store idempotency.Store, m *metrics.Registry, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}

	s := &Server{
		cfg:    cfg,
		ledger: l,
		store:  store,
		hmac: &hmacauth.Verifier{
			Keys:    cfg.Server.HMACKeys,
			MaxSkew: cfg.Server.HMACClockSkew.Duration,
		},
		metrics:    m,
		log:        log,
		dbHealthFn: l.Ping,
	}
	if checker, ok := adapter.(custody.HealthChecker); ok {
		s.rpcHealthFn = checker.Ping
	}

	s.httpServer = &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout.Duration,
	}
	return s
}

// Routes builds the router. Exposed for tests.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(requestIDMiddleware)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.instrument)

	r.Get("/api/v1/health", s.handleHealth)
	r.Handle("/api/v1/metrics", s.metrics.Handler())

	r.Route("/api/v1/gifts", func(r chi.Router) {
		r.Use(s.hmac.Middleware)

		r.Post("/", s.handleLock)
		r.Get("/", s.handleListByCreator)
		r.Post("/lookup", s.handleLookup)
		r.Post("/claim", s.handleClaimMany)
		r.Post("/refund", s.handleRefundExpired)
		r.Get("/{id}", s.handleStatus)
		r.Post("/{id}/claim", s.handleClaim)
		r.Post("/{id}/refund", s.handleRefund)
	})
	return r
}

func (s *Server) Start() error {
	s.log.Info("server.start", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	overallHealthy := true

	rpcInfo := struct {
		Connected bool    `json:"connected"`
		LatencyMs float64 `json:"latency_ms"`
		Error     string  `json:"error,omitempty"`
	}{}

	if s.rpcHealthFn != nil {
		start := time.Now()
		rpcCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.rpcHealthFn(rpcCtx); err != nil {
			rpcInfo.Connected = false
			rpcInfo.Error = err.Error()
			overallHealthy = false
		} else {
			rpcInfo.Connected = true
			rpcInfo.LatencyMs = float64(time.Since(start).Microseconds()) / 1000.0
		}
	} else {
		rpcInfo.Connected = true
	}

	dbInfo := struct {
		Connected bool   `json:"connected"`
		Error     string `json:"error,omitempty"`
	}{Connected: true}

	if s.dbHealthFn != nil {
		dbCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.dbHealthFn(dbCtx); err != nil {
			dbInfo.Connected = false
			dbInfo.Error = err.Error()
			overallHealthy = false
		}
	}

	queueDepth := s.ledger.PendingFees()
	s.metrics.SetDLQDepth(queueDepth)

	status := "healthy"
	if !overallHealthy {
		status = "degraded"
	}

	resp := struct {
		Status     string      `json:"status"`
		RPC        interface{} `json:"rpc"`
		Database   interface{} `json:"database"`
		QueueDepth int         `json:"queue_depth"`
	}{
		Status:     status,
		RPC:        rpcInfo,
		Database:   dbInfo,
		QueueDepth: queueDepth,
	}

	code := http.StatusOK
	if !overallHealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
