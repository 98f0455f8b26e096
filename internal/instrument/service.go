package instrument

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"

	"connectrpc.com/connect"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"labrecorder/internal/logging"
	"labrecorder/internal/rpcjson"
)

var errOffline = errors.New("instrument offline")

// Service exposes a Provider over Connect RPC.
type Service struct {
	provider Provider
	logger   *slog.Logger

	// offline makes Fetch fail with Unavailable, simulating an outage.
	offline atomic.Bool

	mu     sync.Mutex
	server *http.Server
}

// NewService creates a Service for p.
func NewService(p Provider, logger *slog.Logger) *Service {
	return &Service{
		provider: p,
		logger:   logging.Default(logger).With("component", "instrument", "provider", p.Name()),
	}
}

// SetOffline toggles simulated unavailability.
func (s *Service) SetOffline(offline bool) {
	s.offline.Store(offline)
}

// Describe lists the provider's fields.
func (s *Service) Describe(
	ctx context.Context,
	req *connect.Request[DescribeRequest],
) (*connect.Response[DescribeResponse], error) {
	return connect.NewResponse(&DescribeResponse{
		Provider: s.provider.Name(),
		Fields:   s.provider.Fields(),
	}), nil
}

// Fetch reads the requested fields.
func (s *Service) Fetch(
	ctx context.Context,
	req *connect.Request[FetchRequest],
) (*connect.Response[FetchResponse], error) {
	if s.offline.Load() {
		return nil, connect.NewError(connect.CodeUnavailable, errOffline)
	}
	fields, err := resolveFields(s.provider, req.Msg.Fields)
	if err != nil {
		return nil, connect.NewError(connect.CodeNotFound, err)
	}
	values, err := s.provider.Read(ctx, fields)
	if err != nil {
		s.logger.Warn("read failed", "error", err)
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return connect.NewResponse(&FetchResponse{Values: values}), nil
}

// Handler returns the RPC handler, wrapped for HTTP/2 cleartext.
func (s *Service) Handler() http.Handler {
	opts := []connect.HandlerOption{rpcjson.HandlerOption()}
	mux := http.NewServeMux()
	mux.Handle(DescribeProcedure, connect.NewUnaryHandler(DescribeProcedure, s.Describe, opts...))
	mux.Handle(FetchProcedure, connect.NewUnaryHandler(FetchProcedure, s.Fetch, opts...))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return h2c.NewHandler(mux, &http2.Server{})
}

// Serve serves on the listener until Stop is called.
func (s *Service) Serve(listener net.Listener) error {
	srv := &http.Server{Handler: s.Handler()}
	s.mu.Lock()
	s.server = srv
	s.mu.Unlock()

	s.logger.Info("instrument serving", "addr", listener.Addr().String(), "fields", s.provider.Fields())
	err := srv.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// ServeTCP listens on addr and serves.
func (s *Service) ServeTCP(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(listener)
}

// Stop gracefully stops the server.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	s.logger.Info("instrument stopping")
	return srv.Shutdown(ctx)
}
