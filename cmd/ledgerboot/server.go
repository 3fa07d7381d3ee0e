package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/artpar/ledgerboot/internal/core/plan"
	"github.com/artpar/ledgerboot/internal/shell/metrics"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// =============================================================================
// Exit Codes
// =============================================================================

const (
	ExitSuccess        = 0
	ExitConfigError    = 1
	ExitLedgerError    = 2
	ExitBootstrapError = 3
	ExitRetryable      = 4
	ExitOutputError    = 5
	ExitMetricsError   = 6
)

// =============================================================================
// Metrics Server
// =============================================================================

// MetricsServer exposes /metrics and a progress endpoint while a run is in
// progress.
type MetricsServer struct {
	httpServer      *http.Server
	listener        net.Listener
	shutdownTimeout time.Duration
	progress        *Progress
	logger          *slog.Logger
}

// NewMetricsServer binds cfg.Addr. The server does not serve until Start.
func NewMetricsServer(cfg MetricsConfig, progress *Progress, logger *slog.Logger) (*MetricsServer, error) {
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, &RunError{Op: "metrics listen", Err: err, ExitCode: ExitMetricsError}
	}

	s := &MetricsServer{
		listener:        ln,
		shutdownTimeout: cfg.ShutdownTimeout,
		progress:        progress,
		logger:          logger.With("component", "metrics_server"),
	}
	if s.shutdownTimeout <= 0 {
		s.shutdownTimeout = 5 * time.Second
	}
	s.httpServer = &http.Server{
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

func (s *MetricsServer) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Handle("/metrics", metrics.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/progress", s.handleProgress)
	return r
}

func (s *MetricsServer) handleProgress(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := WriteManifest(w, s.progress.Manifest(), FormatJSON); err != nil {
		s.logger.Error("write progress", "error", err)
	}
}

// Addr returns the bound address.
func (s *MetricsServer) Addr() string {
	return s.listener.Addr().String()
}

// Start serves in the background.
func (s *MetricsServer) Start() {
	go func() {
		s.logger.Info("starting metrics server", "address", s.Addr())
		if err := s.httpServer.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics server error", "error", err)
		}
	}()
}

// Shutdown gracefully stops the server.
func (s *MetricsServer) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, s.shutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("metrics server shutdown error", "error", err)
		return err
	}
	return nil
}

// =============================================================================
// Progress
// =============================================================================

// Progress records completed states as a run advances.
type Progress struct {
	mu        sync.Mutex
	runID     string
	completed []string
	lastErr   error
}

// NewProgress creates an empty progress tracker for runID.
func NewProgress(runID string) *Progress {
	return &Progress{runID: runID}
}

// Observe records a finished state. Failed states are not completed.
func (p *Progress) Observe(state plan.State, err error) {
	if err != nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.completed = append(p.completed, state.String())
}

// Finish records the error the run ended with.
func (p *Progress) Finish(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastErr = err
}

// Manifest returns the progress so far in manifest form.
func (p *Progress) Manifest() *Manifest {
	p.mu.Lock()
	defer p.mu.Unlock()
	m := NewManifest(nil, p.lastErr)
	m.RunID = p.runID
	m.Completed = append(m.Completed, p.completed...)
	return m
}

// =============================================================================
// Run Error
// =============================================================================

// RunError carries the exit code a failure maps to.
type RunError struct {
	Op       string
	Err      error
	ExitCode int
}

func (e *RunError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *RunError) Unwrap() error {
	return e.Err
}
