// Package api provides the HTTP control surface for biolink core.
//
// It exposes device registration and connection management, enrolment
// session control, and attendance queries to operator tooling (the
// school administration system and the site admin CLI).
//
// The server follows the same lifecycle pattern as other infrastructure
// components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
//
// Thread Safety: All methods are safe for concurrent use from multiple goroutines.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/edutrack/biolink-core/internal/attendance"
	"github.com/edutrack/biolink-core/internal/audit"
	"github.com/edutrack/biolink-core/internal/device"
	"github.com/edutrack/biolink-core/internal/enrollment"
	"github.com/edutrack/biolink-core/internal/infrastructure/config"
	"github.com/edutrack/biolink-core/internal/infrastructure/logging"
	"github.com/edutrack/biolink-core/internal/registry"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config     config.APIConfig
	Logger     *logging.Logger
	Devices    device.Repository
	Registry   *registry.Registry
	Enrollment *enrollment.Coordinator
	Attendance attendance.Repository
	Pipeline   *attendance.Pipeline
	Audit      audit.Repository
	Version    string
}

// Server is the HTTP API server for biolink core.
//
// It manages the HTTP listener, routes and middleware. The server is
// created with New() and started with Start().
type Server struct {
	cfg        config.APIConfig
	logger     *logging.Logger
	devices    device.Repository
	registry   *registry.Registry
	enrollment *enrollment.Coordinator
	attendance attendance.Repository
	pipeline   *attendance.Pipeline
	audit      audit.Repository
	version    string
	startedAt  time.Time
	server     *http.Server
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Devices == nil {
		return nil, fmt.Errorf("device repository is required")
	}
	if deps.Registry == nil {
		return nil, fmt.Errorf("connection registry is required")
	}
	if deps.Enrollment == nil {
		return nil, fmt.Errorf("enrollment coordinator is required")
	}
	if deps.Attendance == nil {
		return nil, fmt.Errorf("attendance repository is required")
	}

	return &Server{
		cfg:        deps.Config,
		logger:     deps.Logger,
		devices:    deps.Devices,
		registry:   deps.Registry,
		enrollment: deps.Enrollment,
		attendance: deps.Attendance,
		pipeline:   deps.Pipeline,
		audit:      deps.Audit,
		version:    deps.Version,
	}, nil
}

// Start begins listening for HTTP connections.
//
// The listener runs in a background goroutine; stop it with Close().
func (s *Server) Start(_ context.Context) error {
	s.startedAt = time.Now()

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		err := s.server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	s.logger.Info("API server started", "address", s.server.Addr)
	return nil
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
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

// HealthCheck verifies the API server is running.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}

	return nil
}
