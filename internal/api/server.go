package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/meterpoint/metersync/internal/collect"
	"github.com/meterpoint/metersync/internal/infrastructure/config"
	"github.com/meterpoint/metersync/internal/infrastructure/logging"
	"github.com/meterpoint/metersync/internal/status"
)

// shutdownTimeout bounds the drain of in-flight requests on Close.
const shutdownTimeout = 10 * time.Second

// UploadTrigger starts an on-demand upload cycle.
//
// Implemented by *uplink.Manager. The trigger handler calls it on a
// background goroutine so the HTTP response is not held open for the
// length of a cycle.
type UploadTrigger interface {
	TriggerUpload(ctx context.Context) error
}

// CollectTrigger runs an on-demand collection cycle.
//
// Implemented by *collect.Runner.
type CollectTrigger interface {
	RunCycle(ctx context.Context) (collect.Summary, error)
}

// Deps wires the server to the rest of the agent.
type Deps struct {
	Config    config.APIConfig
	Logger    *logging.Logger
	Tracker   *status.Tracker
	Uploader  UploadTrigger  // optional: trigger endpoint returns 503 when nil
	Collector CollectTrigger // optional: trigger endpoint returns 503 when nil
	Version   string
}

// Server exposes the agent's local HTTP surface: status and device
// state for on-site diagnosis, manual cycle triggers, and the
// Prometheus scrape endpoint.
type Server struct {
	cfg       config.APIConfig
	logger    *logging.Logger
	tracker   *status.Tracker
	uploader  UploadTrigger
	collector CollectTrigger
	version   string

	server *http.Server
	runCtx context.Context    // parent context for API-triggered cycles
	cancel context.CancelFunc // cancels runCtx on Close
}

// New validates deps and returns an unstarted server.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, errors.New("api: logger is required")
	}
	if deps.Tracker == nil {
		return nil, errors.New("api: status tracker is required")
	}
	// Uploader and Collector may be nil; their trigger endpoints
	// answer 503 so a partially wired agent still serves status.

	return &Server{
		cfg:       deps.Config,
		logger:    deps.Logger,
		tracker:   deps.Tracker,
		uploader:  deps.Uploader,
		collector: deps.Collector,
		version:   deps.Version,
		runCtx:    context.Background(),
	}, nil
}

// secs converts a config timeout in whole seconds.
func secs(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// Start binds the listener and begins serving in the background. Bind
// failures (port taken, bad host) surface here; later serve errors are
// logged. ctx becomes the parent of any cycle the API triggers.
func (s *Server) Start(ctx context.Context) error {
	// Own context so Close can cancel API-triggered cycles without
	// touching the caller's.
	s.runCtx, s.cancel = context.WithCancel(ctx)

	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("api: listen on %s: %w", addr, err)
	}

	s.server = &http.Server{
		Handler:           s.buildRouter(),
		ReadTimeout:       secs(s.cfg.Timeouts.Read),
		ReadHeaderTimeout: secs(s.cfg.Timeouts.Read),
		WriteTimeout:      secs(s.cfg.Timeouts.Write),
		IdleTimeout:       secs(s.cfg.Timeouts.Idle),
	}

	go func() {
		s.logger.Info("http api listening", "address", ln.Addr().String())
		if serveErr := s.server.Serve(ln); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			s.logger.Error("http api failed", "error", serveErr)
		}
	}()

	return nil
}

// Close drains in-flight requests for up to shutdownTimeout, then
// forces the remaining connections shut. Safe before Start.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	// Stop cycles still running on behalf of API triggers.
	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	s.logger.Info("http api shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("api: shutdown: %w", err)
	}
	return nil
}

// HealthCheck reports whether the server has been started.
func (s *Server) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("api: health check: %w", err)
	}
	if s.server == nil {
		return errors.New("api: not started")
	}
	return nil
}
