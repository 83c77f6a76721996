// ABOUTME: HTTP and gRPC listeners shared by the gateway and worker processes
// ABOUTME: Serves health, readiness, and metrics, and shuts both servers down gracefully

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"

	"github.com/2389/coven-relay/internal/metrics"
)

const shutdownTimeout = 5 * time.Second

// Options configures a Server.
type Options struct {
	HTTPAddr string
	// GRPCAddr is optional; no gRPC server runs when it is empty
	GRPCAddr string
	// Mux carries the process's own routes; health and metrics routes are added to it
	Mux *http.ServeMux
	// Registry is served at MetricsPath when set
	Registry    *prometheus.Registry
	MetricsPath string
	Logger      *slog.Logger
}

// Server runs the process's network listeners.
type Server struct {
	opts       Options
	httpServer *http.Server
	grpcServer *grpc.Server
	health     *health.Server
	ready      atomic.Bool
	logger     *slog.Logger
}

// New builds the servers without listening.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	mux := opts.Mux
	if mux == nil {
		mux = http.NewServeMux()
	}

	s := &Server{opts: opts, logger: logger.With("component", "server")}

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /health/ready", s.handleReady)
	if opts.Registry != nil {
		path := opts.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		mux.Handle("GET "+path, metrics.Handler(opts.Registry))
	}

	s.httpServer = &http.Server{
		Addr:              opts.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if opts.GRPCAddr != "" {
		s.grpcServer = grpc.NewServer(
			grpc.KeepaliveParams(keepalive.ServerParameters{
				Time:    15 * time.Second,
				Timeout: 5 * time.Second,
			}),
			grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
				MinTime:             5 * time.Second,
				PermitWithoutStream: true,
			}),
		)
		s.health = health.NewServer()
		s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
		healthpb.RegisterHealthServer(s.grpcServer, s.health)
	}

	return s
}

// Handler returns the HTTP handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// SetReady flips the readiness endpoint and the gRPC health status.
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
	if s.health == nil {
		return
	}
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if ready {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
}

// Run listens on the configured addresses and serves until ctx is canceled.
// It returns nil on a graceful shutdown, or the first server error.
func (s *Server) Run(ctx context.Context) error {
	httpLn, err := net.Listen("tcp", s.opts.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on HTTP address: %w", err)
	}

	var grpcLn net.Listener
	if s.grpcServer != nil {
		grpcLn, err = net.Listen("tcp", s.opts.GRPCAddr)
		if err != nil {
			_ = httpLn.Close()
			return fmt.Errorf("listening on gRPC address: %w", err)
		}
	}

	return s.Serve(ctx, httpLn, grpcLn)
}

// Serve runs the servers on the given listeners until ctx is canceled or one of them
// fails, then shuts both down. It returns nil after a clean stop, or the first server
// error. grpcLn is ignored without a gRPC server.
func (s *Server) Serve(ctx context.Context, httpLn, grpcLn net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("http listener up", "addr", httpLn.Addr().String())
		if err := s.httpServer.Serve(httpLn); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})

	if s.grpcServer != nil && grpcLn != nil {
		g.Go(func() error {
			s.logger.Info("grpc health listener up", "addr", grpcLn.Addr().String())
			if err := s.grpcServer.Serve(grpcLn); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("gRPC server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		if ctx.Err() != nil {
			s.logger.Info("stopping listeners")
		} else {
			s.logger.Warn("a listener failed, stopping the rest")
		}

		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return s.Shutdown(stopCtx)
	})

	return g.Wait()
}

// Shutdown stops accepting requests and waits for in-flight ones until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.SetReady(false)
	if s.health != nil {
		s.health.Shutdown()
	}

	err := s.httpServer.Shutdown(ctx)
	if err != nil {
		err = fmt.Errorf("HTTP shutdown: %w", err)
	}

	if s.grpcServer != nil {
		s.stopGRPC(ctx)
	}
	return err
}

// stopGRPC waits for in-flight health checks, cutting them off when ctx expires.
func (s *Server) stopGRPC(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.grpcServer.GracefulStop()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("grpc drain timed out, closing connections")
		s.grpcServer.Stop()
		<-done
	}
}

// handleHealth returns 200 OK while the process is alive.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once the process has finished starting.
func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if !s.ready.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("starting"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
