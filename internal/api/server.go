package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/posterrama/devicehub/internal/audit"
	"github.com/posterrama/devicehub/internal/broadcast"
	"github.com/posterrama/devicehub/internal/device"
	"github.com/posterrama/devicehub/internal/hub"
	"github.com/posterrama/devicehub/internal/infrastructure/config"
	"github.com/posterrama/devicehub/internal/infrastructure/logging"
)

// gracefulShutdownTimeout bounds how long Close waits for in-flight requests.
const gracefulShutdownTimeout = 10 * time.Second

// Directory lists registered devices and groups. *device.SQLiteStore implements it.
type Directory interface {
	ListDevices(ctx context.Context) ([]device.Device, error)
	ListGroups(ctx context.Context) ([]device.DeviceGroup, error)
}

// HealthChecker is an optional dependency probed by the health endpoint.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config    config.APIConfig
	WebSocket config.WebSocketConfig
	Security  config.SecurityConfig
	Logger    *logging.Logger
	Hub       *hub.Hub
	Groups    *broadcast.Coordinator
	Directory Directory
	Audit     audit.Repository
	Gatherer  prometheus.Gatherer
	Checks    map[string]HealthChecker
	Version   string
}

// Server is the HTTP API server.
type Server struct {
	cfg       config.APIConfig
	wsCfg     config.WebSocketConfig
	secCfg    config.SecurityConfig
	logger    *logging.Logger
	hub       *hub.Hub
	groups    *broadcast.Coordinator
	directory Directory
	audit     audit.Repository
	gatherer  prometheus.Gatherer
	checks    map[string]HealthChecker
	version   string
	server    *http.Server
	handler   http.Handler
}

// New validates deps and builds the router. The server does not listen
// until Start is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Hub == nil {
		return nil, fmt.Errorf("hub is required")
	}
	if deps.Groups == nil {
		return nil, fmt.Errorf("group coordinator is required")
	}
	if deps.Security.JWT.Secret == "" {
		return nil, fmt.Errorf("jwt secret is required")
	}

	s := &Server{
		cfg:       deps.Config,
		wsCfg:     deps.WebSocket,
		secCfg:    deps.Security,
		logger:    deps.Logger,
		hub:       deps.Hub,
		groups:    deps.Groups,
		directory: deps.Directory,
		audit:     deps.Audit,
		gatherer:  deps.Gatherer,
		checks:    deps.Checks,
		version:   deps.Version,
	}
	if s.gatherer == nil {
		s.gatherer = prometheus.DefaultGatherer
	}
	s.handler = s.buildRouter()
	return s, nil
}

// Handler returns the routed handler, for embedding or tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start binds the listener and serves in the background. A bind failure
// is returned here rather than logged later.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              net.JoinHostPort(s.cfg.Host, fmt.Sprint(s.cfg.Port)),
		Handler:           s.handler,
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.server.Addr, err)
	}

	go func() {
		var err error
		if s.cfg.TLS.Enabled {
			s.logger.Info("API server starting with TLS", "address", ln.Addr().String(), "cert", s.cfg.TLS.CertFile)
			err = s.server.ServeTLS(ln, s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			s.logger.Info("API server starting", "address", ln.Addr().String())
			err = s.server.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close waits up to gracefulShutdownTimeout for in-flight requests.
// Hijacked device sockets are not tracked here; the hub closes them.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}
