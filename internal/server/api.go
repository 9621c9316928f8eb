package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"perp-agents-go/internal/syncer"

	"go.uber.org/zap"
)

// APIServer exposes the sync snapshot and a health probe over HTTP.
type APIServer struct {
	server    *http.Server
	syncer    *syncer.Syncer
	startTime time.Time
	logger    *zap.Logger
}

// NewAPIServer creates an APIServer on the given port.
func NewAPIServer(port int, sync *syncer.Syncer, logger *zap.Logger) *APIServer {
	s := &APIServer{
		syncer:    sync,
		startTime: time.Now(),
		logger:    logger.Named("api-server"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/snapshot", s.snapshotHandler)
	mux.HandleFunc("/status", s.statusHandler)

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}
	return s
}

// Start runs the HTTP server in a new goroutine.
func (s *APIServer) Start() {
	s.logger.Info("Starting API server", zap.String("address", s.server.Addr))
	go func() {
		if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
			s.logger.Error("API server failed", zap.Error(err))
		}
	}()
}

// Stop gracefully shuts down the server.
func (s *APIServer) Stop(ctx context.Context) error {
	s.logger.Info("Stopping API server...")
	return s.server.Shutdown(ctx)
}

func (s *APIServer) statusHandler(w http.ResponseWriter, r *http.Request) {
	status := struct {
		StartTime string `json:"start_time"`
		Uptime    string `json:"uptime"`
		Interval  string `json:"sync_interval"`
	}{
		StartTime: s.startTime.Format(time.RFC3339),
		Uptime:    time.Since(s.startTime).String(),
		Interval:  s.syncer.Interval().String(),
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		s.logger.Error("Failed to write status response", zap.Error(err))
		http.Error(w, "Failed to encode status", http.StatusInternalServerError)
	}
}

func (s *APIServer) snapshotHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.syncer.Snapshot()); err != nil {
		s.logger.Error("Failed to write snapshot response", zap.Error(err))
		http.Error(w, "Failed to encode snapshot", http.StatusInternalServerError)
	}
}

func (s *APIServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "OK")
}
