package grpcserver

import (
	"context"
	"fmt"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/jisqyv/rethinkdb/internal/branch"
)

// Config holds gRPC server configuration.
type Config struct {
	Address string
}

// Server wraps the gRPC services that expose the branch's KV and admin APIs.
type Server struct {
	cfg    Config
	branch *branch.Coordinator
	srv    *grpc.Server
	binder ServiceBinder
	health *health.Server
}

// New constructs a Server.
func New(cfg Config, co *branch.Coordinator, binder ServiceBinder) *Server {
	if binder == nil {
		binder = &noopBinder{}
	}
	s := &Server{
		cfg:    cfg,
		branch: co,
		srv:    grpc.NewServer(),
		binder: binder,
		health: health.NewServer(),
	}
	binder.Register(s.srv, co)
	healthpb.RegisterHealthServer(s.srv, s.health)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// NewDefault creates a server using the default binder.
func NewDefault(cfg Config, co *branch.Coordinator) *Server {
	return New(cfg, co, DefaultBinder{})
}

// Start begins listening on the configured address and serves until the
// context is canceled.
func (s *Server) Start(ctx context.Context) error {
	if s.cfg.Address == "" {
		return fmt.Errorf("grpc address is empty")
	}
	lis, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return err
	}
	s.setServing(true)
	go func() {
		<-ctx.Done()
		s.setServing(false)
		s.srv.GracefulStop()
		_ = lis.Close()
	}()
	go func() {
		_ = s.srv.Serve(lis)
	}()
	return nil
}

// Stop shuts down the server.
func (s *Server) Stop() {
	if s.srv != nil {
		s.setServing(false)
		s.srv.GracefulStop()
	}
}

func (s *Server) setServing(serving bool) {
	if s.health == nil {
		return
	}
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
}

// ServiceBinder allows injection of the gRPC services without tying this
// package to the hand-written service code.
type ServiceBinder interface {
	Register(*grpc.Server, *branch.Coordinator)
}

type noopBinder struct{}

func (noopBinder) Register(*grpc.Server, *branch.Coordinator) {}
