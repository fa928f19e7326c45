// Package gateway wires the router, admin plane and proxy core into
// the client-facing HTTP server.
package gateway

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/smartmet/synapse/internal/admin"
	"github.com/smartmet/synapse/internal/config"
	"github.com/smartmet/synapse/internal/logging"
	"github.com/smartmet/synapse/internal/metrics"
	"github.com/smartmet/synapse/internal/proxycore"
	"github.com/smartmet/synapse/internal/registry"
	"github.com/smartmet/synapse/internal/router"
	"go.uber.org/zap"
)

// serverBanner is returned by the health endpoint while running.
const serverBanner = "SmartMet Server\n"

// pausedBanner deliberately avoids the word the external health checks
// probe for, so a paused frontend fails over.
const pausedBanner = "Frontend paused\n"

// Server is the gateway process.
type Server struct {
	cfg      *config.Config
	registry *registry.StaticRegistry
	core     *proxycore.Core
	router   *router.Router
	admin    *admin.Admin
	active   *admin.ActiveRequests
	metrics  *metrics.Collector

	httpServer *http.Server
	startTime  time.Time
}

// NewServer assembles a gateway server from configuration.
func NewServer(cfg *config.Config, serverIdent string) (*Server, error) {
	core, err := proxycore.New(cfg, serverIdent)
	if err != nil {
		return nil, err
	}

	reg := registry.NewStatic(cfg.Services, true)
	active := admin.NewActiveRequests()

	s := &Server{
		cfg:      cfg,
		registry: reg,
		core:     core,
		router:   router.New(reg, core),
		admin:    admin.New(reg, core, active, admin.NewPauseState(), cfg.Admin.User, cfg.Admin.Password),
		active:   active,
		startTime: time.Now(),
	}

	s.metrics = metrics.NewCollector(core, func() int {
		total := 0
		for _, n := range core.Counter().Snapshot() {
			total += n
		}
		return total
	})

	s.httpServer = &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           s.handler(),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	return s, nil
}

// handler builds the root dispatch: fixed endpoints first, everything
// else goes to the forwarding router.
func (s *Server) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/":
			s.handleHealth(w, r)
		case "/admin":
			s.track(w, r, s.admin)
		case "/metrics":
			s.metrics.Handler().ServeHTTP(w, r)
		default:
			s.track(w, r, s.router)
		}
	})
}

// track wraps a handler with active-request bookkeeping and metrics.
func (s *Server) track(w http.ResponseWriter, r *http.Request, h http.Handler) {
	id := s.active.Insert(r)
	defer s.active.Remove(id)

	rec := &statusRecorder{ResponseWriter: w}
	start := time.Now()
	h.ServeHTTP(rec, r)
	s.metrics.RecordRequest(rec.status, time.Since(start))
}

// handleHealth answers external liveness probes. While paused the
// banner changes so probes keyed on the server name fail over.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=UTF-8")
	if s.admin.Pause().IsPaused() {
		fmt.Fprint(w, pausedBanner)
		return
	}
	fmt.Fprint(w, serverBanner)
}

// Run starts the server and blocks until SIGINT/SIGTERM.
func (s *Server) Run() error {
	errCh := make(chan error, 1)
	go func() {
		logging.Info("Gateway listening", zap.String("address", s.cfg.Server.Listen))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		logging.Info("Shutting down gracefully", zap.String("signal", sig.String()))
		return s.Shutdown(30 * time.Second)
	}
}

// Shutdown stops the server, the registry probes and the proxy core.
func (s *Server) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	err := s.httpServer.Shutdown(ctx)
	s.registry.Stop()
	s.core.Shutdown()

	logging.Info("Server shutdown complete")
	return err
}

// Handler exposes the root handler for tests.
func (s *Server) Handler() http.Handler {
	return s.handler()
}

// statusRecorder captures the response status for metrics. A hijacked
// connection leaves the status at zero, marking an opaque streamed
// reply.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// Hijack passes the hijack through to the underlying writer so the
// router can stream raw bytes.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return hj.Hijack()
}
