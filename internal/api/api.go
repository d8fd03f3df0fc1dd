// Package api exposes the masqctl control API over TCP and an optional
// Unix socket.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/masqctl/masqctl/internal/advisor"
	"github.com/masqctl/masqctl/internal/apply"
	"github.com/masqctl/masqctl/internal/dnsconf"
	"github.com/masqctl/masqctl/internal/events"
	"github.com/masqctl/masqctl/internal/querylog"
	"github.com/masqctl/masqctl/internal/status"
	"github.com/masqctl/masqctl/internal/store"
)

// StatusSource serves the latest daemon snapshot.
type StatusSource interface {
	Snapshot() status.DaemonStatus
}

// Workflow is the apply coordinator.
type Workflow interface {
	Apply(ctx context.Context, content []byte) (apply.Result, error)
	Stage(ctx context.Context, content []byte) (apply.StageResult, error)
	Restart(ctx context.Context) (apply.RestartResult, error)
	Rollback(ctx context.Context, id uint64) (apply.Result, error)
	Pending() (apply.Pending, bool)
}

// History reads stored configuration versions.
type History interface {
	Active() (store.Configuration, error)
	Get(id uint64) (store.Configuration, error)
	History(limit int) ([]store.Configuration, error)
}

// QueryLog serves parsed query records.
type QueryLog interface {
	Subscribe() *querylog.Subscription
	Recent(limit int) []querylog.LogRecord
	Stats() querylog.QueryStats
}

// Deps are the components behind the API. Logs, Advisor, Bus and Metrics
// are optional.
type Deps struct {
	Status    StatusSource
	Validator dnsconf.Validator
	Workflow  Workflow
	History   History
	Logs      QueryLog
	Advisor   advisor.Client
	Bus       *events.Bus
	Metrics   http.Handler
}

// Config holds API server settings.
type Config struct {
	MaxConfigBytes int64
	CORSOrigin     string
	StaticDir      string
	RateLimit      float64 // mutating requests per second per client; 0 disables
	RateBurst      int
}

// Server is the HTTP API server for masqctl.
type Server struct {
	cfg     Config
	deps    Deps
	logger  *slog.Logger
	limiter *clientLimiter
	handler http.Handler

	ready        atomic.Bool
	shuttingDown atomic.Bool

	unixLn     net.Listener
	tcpLn      net.Listener
	unixServer *http.Server
	tcpServer  *http.Server
}

// NewServer creates an API server with the given dependencies.
func NewServer(cfg Config, deps Deps, logger *slog.Logger) *Server {
	if cfg.MaxConfigBytes <= 0 {
		cfg.MaxConfigBytes = 1 << 20
	}
	if deps.Advisor == nil {
		deps.Advisor = advisor.Disabled{}
	}
	s := &Server{
		cfg:     cfg,
		deps:    deps,
		logger:  logger,
		limiter: newClientLimiter(cfg.RateLimit, cfg.RateBurst),
	}
	s.handler = s.cors(s.logRequests(s.buildMux()))
	return s
}

func (s *Server) buildMux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /readyz", s.handleReadyz)
	if s.deps.Metrics != nil {
		mux.Handle("GET /metrics", s.deps.Metrics)
	}

	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("POST /api/test-config", s.mutating(s.handleTestConfig))
	mux.HandleFunc("POST /api/config", s.mutating(s.handleStageConfig))
	mux.HandleFunc("POST /api/restart", s.mutating(s.handleRestart))
	mux.HandleFunc("POST /api/apply", s.mutating(s.handleApply))

	mux.HandleFunc("GET /api/config", s.handleGetConfig)
	mux.HandleFunc("GET /api/config/pending", s.handlePending)
	mux.HandleFunc("GET /api/config/history", s.handleHistory)
	mux.HandleFunc("GET /api/config/versions/{id}", s.handleGetVersion)
	mux.HandleFunc("POST /api/config/rollback/{id}", s.mutating(s.handleRollback))

	mux.HandleFunc("GET /api/logs", s.handleRecentLogs)
	mux.HandleFunc("GET /api/logs/stream", s.handleLogStream)
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("GET /api/events", s.handleEventStream)

	mux.HandleFunc("POST /api/advisor/analyze", s.mutating(s.handleAnalyze))
	mux.HandleFunc("POST /api/advisor/suggest-record", s.mutating(s.handleSuggestRecord))

	if s.cfg.StaticDir != "" {
		mux.Handle("GET /", http.FileServer(http.Dir(s.cfg.StaticDir)))
	}
	return mux
}

// Handler returns the full HTTP handler, middleware included.
func (s *Server) Handler() http.Handler { return s.handler }

// SetReady marks the server ready (or not) for /readyz.
func (s *Server) SetReady(ready bool) { s.ready.Store(ready) }

// StartUnix creates and begins serving on a Unix domain socket.
func (s *Server) StartUnix(path string, mode os.FileMode) error {
	// Remove stale socket from previous run.
	if err := removeStaleSocket(path); err != nil {
		return fmt.Errorf("cannot create socket: %s: %w", path, err)
	}

	ln, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("cannot create socket: %s: %w", path, err)
	}

	if err := os.Chmod(path, mode); err != nil {
		ln.Close()
		return fmt.Errorf("cannot set socket permissions: %s: %w", path, err)
	}

	s.unixLn = ln
	s.unixServer = &http.Server{Handler: s.handler, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := s.unixServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("unix server error", "error", err)
		}
	}()

	s.logger.Info("unix socket server started", "path", path)
	return nil
}

// StartTCP begins serving on a TCP address.
func (s *Server) StartTCP(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("cannot bind %s: %w", addr, err)
	}

	s.tcpLn = ln
	s.tcpServer = &http.Server{Handler: s.handler, ReadHeaderTimeout: 10 * time.Second}

	// The API has no authentication.
	host, _, _ := net.SplitHostPort(addr)
	if host == "0.0.0.0" || host == "" || host == "::" {
		s.logger.Warn("HTTP server bound to all interfaces", "addr", addr)
	}

	go func() {
		if err := s.tcpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("tcp server error", "error", err)
		}
	}()

	s.logger.Info("tcp http server started", "addr", addr)
	return nil
}

// Stop gracefully shuts down all listeners.
func (s *Server) Stop(ctx context.Context) error {
	s.shuttingDown.Store(true)
	s.ready.Store(false)

	var errs []error
	if s.unixServer != nil {
		if err := s.unixServer.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if s.tcpServer != nil {
		if err := s.tcpServer.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("server shutdown errors: %v", errs)
	}
	return nil
}

// UnixAddr returns the address of the Unix listener, or empty if not started.
func (s *Server) UnixAddr() string {
	if s.unixLn != nil {
		return s.unixLn.Addr().String()
	}
	return ""
}

// TCPAddr returns the address of the TCP listener, or empty if not started.
func (s *Server) TCPAddr() string {
	if s.tcpLn != nil {
		return s.tcpLn.Addr().String()
	}
	return ""
}

func removeStaleSocket(path string) error {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if info.Mode()&os.ModeSocket == 0 {
		return fmt.Errorf("%s exists and is not a socket", path)
	}
	return os.Remove(path)
}
