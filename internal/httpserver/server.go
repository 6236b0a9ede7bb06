package httpserver

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/filecast/filecast/internal/config"
	"github.com/filecast/filecast/internal/origin"
)

type BuildInfo struct {
	Commit    string `json:"commit"`
	BuildTime string `json:"buildTime"`
}

// Service contributes routes to the hub's mux. The signaling server, which
// owns GET /ws, is one.
type Service interface {
	RegisterRoutes(mux *http.ServeMux)
}

type Options struct {
	Config config.Config
	Logger *slog.Logger
	Build  BuildInfo

	Services []Service

	// Metrics is mounted at GET /metrics when non-nil.
	Metrics http.Handler
	// Devices reports the joined device count on /healthz when non-nil.
	Devices func() int
}

// Server is the hub's HTTP front: health checks, ICE discovery, metrics and
// whatever the registered services mount.
type Server struct {
	log    *slog.Logger
	opts   Options
	origin origin.Policy
	ready  atomic.Bool

	srv *http.Server
}

func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Server{
		log:    opts.Logger,
		opts:   opts,
		origin: origin.Policy{Allowed: opts.Config.AllowedOrigins},
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)
	for _, svc := range opts.Services {
		svc.RegisterRoutes(mux)
	}

	s.srv = &http.Server{
		Addr:              opts.Config.ListenAddr,
		Handler:           s.instrument(mux),
		ReadHeaderTimeout: 5 * time.Second,
		// No read/write timeouts: /ws connections manage their own deadlines.
	}
	return s
}

func (s *Server) Serve(l net.Listener) error {
	s.ready.Store(true)
	s.log.Info("http server serving", "addr", l.Addr().String())
	return s.srv.Serve(l)
}

// Shutdown stops accepting requests. Hijacked WebSocket connections are not
// tracked by net/http and must be closed by their owner.
func (s *Server) Shutdown(ctx context.Context) error {
	s.ready.Store(false)
	return s.srv.Shutdown(ctx)
}

func (s *Server) Close() error {
	s.ready.Store(false)
	return s.srv.Close()
}
