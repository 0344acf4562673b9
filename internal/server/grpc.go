package server

import (
	"WalletPnL/internal/observability"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// Server owns the gRPC listener (standard health service and reflection)
// and the HTTP listener that serves /get-pnl through a gateway ServeMux.
type Server struct {
	grpcServer *grpc.Server
	health     *health.Server
	httpServer *http.Server
	grpcAddr   string
	httpAddr   string
	logger     zerolog.Logger
}

// ServerDeps holds everything the listeners need.
type ServerDeps struct {
	Computer       PnLComputer
	HealthChecker  *observability.HealthChecker
	Metrics        *observability.Metrics
	Logger         zerolog.Logger
	RequestTimeout time.Duration
}

func NewServer(grpcAddr, httpAddr string, deps ServerDeps) (*Server, error) {
	grpcServer := grpc.NewServer()

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	// Reflection for grpcurl / grpcui
	reflection.Register(grpcServer)

	if deps.HealthChecker != nil {
		deps.HealthChecker.OnChange(func(ready bool) {
			status := healthpb.HealthCheckResponse_NOT_SERVING
			if ready {
				status = healthpb.HealthCheckResponse_SERVING
			}
			healthServer.SetServingStatus("", status)
		})
		if deps.HealthChecker.IsReady() {
			healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
		}
	}

	handler, err := newHTTPHandler(deps)
	if err != nil {
		return nil, err
	}

	return &Server{
		grpcServer: grpcServer,
		health:     healthServer,
		httpServer: &http.Server{
			Addr:              httpAddr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
		grpcAddr: grpcAddr,
		httpAddr: httpAddr,
		logger:   deps.Logger,
	}, nil
}

// Handler exposes the HTTP handler tree.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// StartGRPC listens on the configured address and serves until ctx ends.
func (s *Server) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	return s.ServeGRPC(ctx, lis)
}

// ServeGRPC serves on lis until ctx ends, then stops gracefully.
func (s *Server) ServeGRPC(ctx context.Context, lis net.Listener) error {
	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("gRPC server shutting down")
		s.health.Shutdown()
		s.grpcServer.GracefulStop()
	}()

	s.logger.Info().Str("addr", lis.Addr().String()).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// StartHTTP serves the HTTP API until ctx ends.
func (s *Server) StartHTTP(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("HTTP server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", s.httpAddr).Msg("HTTP server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func newHTTPHandler(deps ServerDeps) (http.Handler, error) {
	gw := runtime.NewServeMux()
	h := &pnlHandler{
		computer: deps.Computer,
		metrics:  deps.Metrics,
		logger:   deps.Logger,
		timeout:  deps.RequestTimeout,
	}
	if err := gw.HandlePath(http.MethodGet, "/get-pnl", h.handleGetPnL); err != nil {
		return nil, fmt.Errorf("register /get-pnl: %w", err)
	}

	mux := http.NewServeMux()
	checker := deps.HealthChecker
	if checker == nil {
		checker = observability.NewHealthChecker()
		checker.SetReady(true)
	}
	mux.HandleFunc("/healthz", checker.LivenessHandler)
	mux.HandleFunc("/readyz", checker.ReadinessHandler)
	mux.Handle("/", gw)

	return withRecovery(deps.Logger, withRequestID(deps.Logger, mux)), nil
}
