// Package server provides the Connect RPC management server for a recorder.
package server

import (
	"cmp"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"connectrpc.com/connect"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/time/rate"

	"labrecorder/internal/logging"
	"labrecorder/internal/recorder"
	"labrecorder/internal/rpcjson"
	"labrecorder/internal/scheduler"
)

const (
	// DefaultRateLimit is the per-client request rate for mutating procedures.
	DefaultRateLimit = rate.Limit(20)
	// DefaultRateBurst is the per-client burst for mutating procedures.
	DefaultRateBurst = 40

	evictInterval = time.Minute
	evictIdle     = 10 * time.Minute
)

// Config holds server configuration.
type Config struct {
	// Logger for structured logging.
	Logger *slog.Logger

	// RateLimit and RateBurst bound mutating procedures per client address.
	// Zero values select the defaults.
	RateLimit rate.Limit
	RateBurst int
}

// Server is the Connect RPC server for a recorder.
type Server struct {
	rec       *recorder.Recorder
	logger    *slog.Logger
	limits    *clientLimits
	startTime time.Time

	mu       sync.Mutex
	servers  []*http.Server
	handler  http.Handler
	jobs     *scheduler.Scheduler
	inFlight sync.WaitGroup
	draining atomic.Bool
}

// New creates a new Server.
func New(rec *recorder.Recorder, cfg Config) *Server {
	return &Server{
		rec:       rec,
		logger:    logging.Default(cfg.Logger).With("component", "server"),
		limits:    newClientLimits(cmp.Or(cfg.RateLimit, DefaultRateLimit), cmp.Or(cfg.RateBurst, DefaultRateBurst)),
		startTime: time.Now(),
	}
}

// registerProbes adds liveness and readiness probe endpoints.
func (s *Server) registerProbes(mux *http.ServeMux) {
	// Liveness probe - returns 200 if the process is alive
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	// Readiness probe - returns 200 once a writer is draining the queue
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if s.rec.Ready() && !s.draining.Load() {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	})
}

// trackingMiddleware wraps an http.Handler to track in-flight requests.
func (s *Server) trackingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.draining.Load() {
			http.Error(w, "server is draining", http.StatusServiceUnavailable)
			return
		}
		s.inFlight.Add(1)
		defer s.inFlight.Done()
		next.ServeHTTP(w, r)
	})
}

// buildMux creates a ServeMux with the management procedures and probes.
func (s *Server) buildMux() *http.ServeMux {
	mux := http.NewServeMux()
	svc := NewRecorderService(s.rec)
	opts := []connect.HandlerOption{rpcjson.HandlerOption()}

	mux.Handle(SetWriterProcedure, connect.NewUnaryHandler(SetWriterProcedure, svc.SetWriter, opts...))
	mux.Handle(AttachProcedure, connect.NewUnaryHandler(AttachProcedure, svc.Attach, opts...))
	mux.Handle(DetachProcedure, connect.NewUnaryHandler(DetachProcedure, svc.Detach, opts...))
	mux.Handle(ListSourcesProcedure, connect.NewUnaryHandler(ListSourcesProcedure, svc.ListSources, opts...))
	mux.Handle(WriterStatusProcedure, connect.NewUnaryHandler(WriterStatusProcedure, svc.WriterStatus, opts...))

	s.registerProbes(mux)
	s.registerMetrics(mux)
	return mux
}

// Handler returns the full middleware chain: tracking, rate limiting,
// compression, then the mux. The chain is built once and shared by every
// listener.
func (s *Server) Handler() http.Handler {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handler == nil {
		s.handler = s.trackingMiddleware(rateLimitMiddleware(s.limits)(compressMiddleware(s.buildMux())))
		s.startEviction()
	}
	return s.handler
}

// startEviction schedules removal of idle rate-limit buckets. s.mu is held.
func (s *Server) startEviction() {
	jobs, err := scheduler.New(s.logger)
	if err != nil {
		s.logger.Warn("rate-limit eviction disabled", "error", err)
		return
	}
	if err := jobs.Every("evict-rate-limits", evictInterval, func() {
		if n := s.limits.evict(time.Now().Add(-evictIdle)); n > 0 {
			s.logger.Debug("evicted idle rate-limit buckets", "count", n)
		}
	}); err != nil {
		s.logger.Warn("rate-limit eviction disabled", "error", err)
		_ = jobs.Stop()
		return
	}
	jobs.Start()
	s.jobs = jobs
}

// Serve serves on the listener until Stop is called.
func (s *Server) Serve(listener net.Listener) error {
	srv := &http.Server{
		Handler:           h2c.NewHandler(s.Handler(), &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.servers = append(s.servers, srv)
	s.mu.Unlock()

	s.logger.Info("server starting", "addr", listener.Addr().String(), "network", listener.Addr().Network())

	err := srv.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// ServeUnix serves on a Unix socket, replacing a stale socket file.
func (s *Server) ServeUnix(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	listener, err := net.Listen("unix", path)
	if err != nil {
		return err
	}
	return s.Serve(listener)
}

// ServeTCP starts the server on a TCP address.
func (s *Server) ServeTCP(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(listener)
}

// Stop drains in-flight requests and shuts every listener down.
func (s *Server) Stop(ctx context.Context) error {
	s.draining.Store(true)

	drained := make(chan struct{})
	go func() {
		s.inFlight.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		s.logger.Warn("drain interrupted", "error", ctx.Err())
	}

	s.mu.Lock()
	servers := s.servers
	s.servers = nil
	jobs := s.jobs
	s.jobs = nil
	s.mu.Unlock()

	if jobs != nil {
		if err := jobs.Stop(); err != nil {
			s.logger.Warn("stop scheduler", "error", err)
		}
	}

	s.logger.Info("server stopping")
	var errs []error
	for _, srv := range servers {
		errs = append(errs, srv.Shutdown(ctx))
	}
	return errors.Join(errs...)
}

// Client holds typed Connect clients for the management procedures.
type Client struct {
	SetWriter    *connect.Client[SetWriterRequest, SetWriterResponse]
	Attach       *connect.Client[AttachRequest, AttachResponse]
	Detach       *connect.Client[DetachRequest, DetachResponse]
	ListSources  *connect.Client[ListSourcesRequest, ListSourcesResponse]
	WriterStatus *connect.Client[WriterStatusRequest, WriterStatusResponse]
}

// NewClient creates Connect clients for the given base URL.
func NewClient(baseURL string, opts ...connect.ClientOption) *Client {
	return NewClientWithHTTP(http.DefaultClient, baseURL, opts...)
}

// NewClientWithHTTP creates Connect clients with a custom HTTP client.
func NewClientWithHTTP(httpClient connect.HTTPClient, baseURL string, opts ...connect.ClientOption) *Client {
	opts = append([]connect.ClientOption{rpcjson.ClientOption()}, opts...)
	return &Client{
		SetWriter:    connect.NewClient[SetWriterRequest, SetWriterResponse](httpClient, baseURL+SetWriterProcedure, opts...),
		Attach:       connect.NewClient[AttachRequest, AttachResponse](httpClient, baseURL+AttachProcedure, opts...),
		Detach:       connect.NewClient[DetachRequest, DetachResponse](httpClient, baseURL+DetachProcedure, opts...),
		ListSources:  connect.NewClient[ListSourcesRequest, ListSourcesResponse](httpClient, baseURL+ListSourcesProcedure, opts...),
		WriterStatus: connect.NewClient[WriterStatusRequest, WriterStatusResponse](httpClient, baseURL+WriterStatusProcedure, opts...),
	}
}

// NewUnixClient creates clients that dial the Unix socket at path.
func NewUnixClient(path string, opts ...connect.ClientOption) *Client {
	httpClient := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", path)
			},
		},
	}
	return NewClientWithHTTP(httpClient, "http://localhost", opts...)
}
