package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/therealutkarshpriyadarshi/cachestat/internal/health"
	"github.com/therealutkarshpriyadarshi/cachestat/internal/logging"
	"github.com/therealutkarshpriyadarshi/cachestat/internal/profiling"
)

// Server provides HTTP endpoints for metrics and health checks
type Server struct {
	metrics *endpoint
	health  *endpoint
	logger  *logging.Logger
}

type endpoint struct {
	name     string
	server   *http.Server
	listener net.Listener
}

// Config holds server configuration
type Config struct {
	MetricsAddress  string
	MetricsPath     string
	HealthAddress   string
	MetricsRegistry *prometheus.Registry
	HealthChecker   *health.Checker
	Logger          *logging.Logger

	// Profiling mounts the pprof handlers on the metrics endpoint
	Profiling bool
}

// New creates a new server. An empty address disables that endpoint.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	s := &Server{logger: cfg.Logger.WithComponent("server")}

	if cfg.MetricsAddress != "" && cfg.MetricsRegistry != nil {
		metricsPath := cfg.MetricsPath
		if metricsPath == "" {
			metricsPath = "/metrics"
		}

		mux := http.NewServeMux()
		mux.Handle(metricsPath, promhttp.HandlerFor(
			cfg.MetricsRegistry,
			promhttp.HandlerOpts{EnableOpenMetrics: true},
		))
		if cfg.Profiling {
			profiling.Register(mux)
		}
		s.metrics = newEndpoint("metrics", cfg.MetricsAddress, mux)
	}

	if cfg.HealthAddress != "" && cfg.HealthChecker != nil {
		mux := http.NewServeMux()
		mux.HandleFunc("/health/live", cfg.HealthChecker.LivenessHandler())
		mux.HandleFunc("/health/ready", cfg.HealthChecker.ReadinessHandler())
		mux.HandleFunc("/health", cfg.HealthChecker.HTTPHandler())
		s.health = newEndpoint("health", cfg.HealthAddress, mux)
	}

	return s
}

func newEndpoint(name, addr string, handler http.Handler) *endpoint {
	return &endpoint{
		name: name,
		server: &http.Server{
			Addr:         addr,
			Handler:      handler,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}
}

// Start binds the listeners and serves in the background
func (s *Server) Start() error {
	for _, ep := range s.endpoints() {
		ln, err := net.Listen("tcp", ep.server.Addr)
		if err != nil {
			s.Stop(context.Background())
			return fmt.Errorf("failed to listen for %s on %s: %w", ep.name, ep.server.Addr, err)
		}
		ep.listener = ln

		s.logger.Info().
			Str("address", ln.Addr().String()).
			Msgf("Starting %s server", ep.name)

		go func(ep *endpoint) {
			if err := ep.server.Serve(ep.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error().Err(err).Msgf("%s server error", ep.name)
			}
		}(ep)
	}
	return nil
}

// MetricsAddr returns the bound metrics address, or "" when not serving
func (s *Server) MetricsAddr() string {
	return s.metrics.addr()
}

// HealthAddr returns the bound health address, or "" when not serving
func (s *Server) HealthAddr() string {
	return s.health.addr()
}

// Stop gracefully shuts down the servers
func (s *Server) Stop(ctx context.Context) error {
	var errs []error
	for _, ep := range s.endpoints() {
		if ep.listener == nil {
			continue
		}
		s.logger.Info().Msgf("Shutting down %s server", ep.name)
		if err := ep.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s server: %w", ep.name, err))
		}
	}
	return errors.Join(errs...)
}

func (s *Server) endpoints() []*endpoint {
	var out []*endpoint
	if s.metrics != nil {
		out = append(out, s.metrics)
	}
	if s.health != nil {
		out = append(out, s.health)
	}
	return out
}

func (ep *endpoint) addr() string {
	if ep == nil || ep.listener == nil {
		return ""
	}
	return ep.listener.Addr().String()
}
