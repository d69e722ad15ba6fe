// Package ops serves the operational HTTP endpoints: liveness, a status
// snapshot, and the Prometheus registry.
package ops

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"auto-trade-bot-go/internal/config"
)

// GuardState is the slice of the circuit breaker the status endpoint reads.
type GuardState interface {
	Ensure(ctx context.Context) (bool, error)
}

// Server provides the operational HTTP interface for the trading engine.
type Server struct {
	server    *http.Server
	db        *gorm.DB
	guard     GuardState
	logger    *zap.Logger
	dryRun    bool
	startTime time.Time
}

// NewServer creates a new ops server.
func NewServer(cfg *config.Config, db *gorm.DB, guard GuardState, logger *zap.Logger) *Server {
	s := &Server{
		db:        db,
		guard:     guard,
		logger:    logger.Named("ops-server"),
		dryRun:    cfg.App.DryRun,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.healthHandler)
	mux.HandleFunc("/status", s.statusHandler)
	mux.Handle("/metrics", promhttp.Handler())

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Ops.Port),
		Handler: mux,
	}
	return s
}

// Start runs the HTTP server in a new goroutine.
func (s *Server) Start() {
	s.logger.Info("Starting ops server", zap.String("address", s.server.Addr))
	go func() {
		if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
			s.logger.Error("Ops server failed", zap.Error(err))
		}
	}()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping ops server...")
	return s.server.Shutdown(ctx)
}

// healthHandler reports liveness: the process is up and the store answers.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	sqlDB, err := s.db.DB()
	if err == nil {
		err = sqlDB.PingContext(r.Context())
	}
	if err != nil {
		s.logger.Error("Health check failed", zap.Error(err))
		http.Error(w, "database unreachable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "OK")
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	tradingEnabled := false
	if enabled, err := s.guard.Ensure(r.Context()); err == nil {
		tradingEnabled = enabled
	}

	status := struct {
		TradingEnabled bool   `json:"trading_enabled"`
		DryRun         bool   `json:"dry_run"`
		StartTime      string `json:"start_time"`
		Uptime         string `json:"uptime"`
	}{
		TradingEnabled: tradingEnabled,
		DryRun:         s.dryRun,
		StartTime:      s.startTime.Format(time.RFC3339),
		Uptime:         time.Since(s.startTime).String(),
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		s.logger.Error("Failed to write status response", zap.Error(err))
		http.Error(w, "Failed to encode status", http.StatusInternalServerError)
	}
}
