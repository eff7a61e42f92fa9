// Package status serves the local health and status endpoints.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/tum-esm/ACROPOLIS-edge/internal/clock"
	"github.com/tum-esm/ACROPOLIS-edge/internal/log"
	"github.com/tum-esm/ACROPOLIS-edge/internal/store"
	"github.com/tum-esm/ACROPOLIS-edge/internal/supervisor"
)

// Session reports the broker connection.
type Session interface {
	IsConnected() bool
}

// Queue reports the active queue.
type Queue interface {
	Stats(ctx context.Context) (store.Stats, error)
	IsOpen() bool
}

// Relay reports loop liveness.
type Relay interface {
	LastRun() time.Time
}

// Workload reports the supervisor state.
type Workload interface {
	Snapshot() supervisor.Snapshot
}

// Config holds the server dependencies. Workload may be nil when
// supervision is disabled.
type Config struct {
	Address           string
	ReadHeaderTimeout time.Duration
	// HealthWindow is how old the last relay iteration may be before
	// /healthz fails.
	HealthWindow time.Duration
	Session      Session
	Queue        Queue
	Relay        Relay
	Workload     Workload
	Clock        clock.Clock
	Logger       *log.Logger
}

// Server is the status HTTP server.
type Server struct {
	cfg    Config
	log    *log.Logger
	clock  clock.Clock
	router chi.Router
}

// Health is the /healthz body.
type Health struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// Report is the /status body.
type Report struct {
	Connected bool                 `json:"connected"`
	Queue     store.Stats          `json:"queue"`
	Workload  *supervisor.Snapshot `json:"workload,omitempty"`
	LastRun   time.Time            `json:"relay_last_run,omitzero"`
}

// New builds the router.
func New(cfg Config) *Server {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New()
	}
	s := &Server{cfg: cfg, log: cfg.Logger, clock: cfg.Clock}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.handleHealth)
	r.Get("/status", s.handleStatus)
	s.router = r
	return s
}

// Handler returns the routes, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// Run listens on the configured address until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("status server: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("Status server listening on %s", ln.Addr())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("status server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.log.Warn("Status server shutdown: %v", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("status server: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if !s.cfg.Queue.IsOpen() {
		writeJSON(w, http.StatusServiceUnavailable, Health{Status: "unavailable", Reason: "queue store closed"})
		return
	}
	last := s.cfg.Relay.LastRun()
	if last.IsZero() {
		writeJSON(w, http.StatusServiceUnavailable, Health{Status: "unavailable", Reason: "relay loop has not run"})
		return
	}
	if age := s.clock.Now().Sub(last); age > s.cfg.HealthWindow {
		writeJSON(w, http.StatusServiceUnavailable, Health{
			Status: "unavailable",
			Reason: fmt.Sprintf("relay loop last ran %s ago", age.Truncate(time.Second)),
		})
		return
	}
	writeJSON(w, http.StatusOK, Health{Status: "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	stats, err := s.cfg.Queue.Stats(r.Context())
	if err != nil {
		s.log.Warn("status: queue stats: %v", err)
		writeJSON(w, http.StatusInternalServerError, Health{Status: "error", Reason: err.Error()})
		return
	}
	report := Report{
		Connected: s.cfg.Session.IsConnected(),
		Queue:     stats,
		LastRun:   s.cfg.Relay.LastRun(),
	}
	if s.cfg.Workload != nil {
		snap := s.cfg.Workload.Snapshot()
		report.Workload = &snap
	}
	writeJSON(w, http.StatusOK, report)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
