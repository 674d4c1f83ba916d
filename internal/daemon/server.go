package daemon

import (
	"context"
	"fmt"
	"net"
	"os"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/contactevin2u/chatunclev2-sub001/internal/bus"
	"github.com/contactevin2u/chatunclev2-sub001/internal/config"
	"github.com/contactevin2u/chatunclev2-sub001/internal/status"
)

// Server serves the control socket. Each account is a health service whose
// status is SERVING while the account is connected; the empty service name
// reports the daemon itself.
type Server struct {
	grpcServer *grpc.Server
	health     *health.Server
	listener   net.Listener
	socketPath string
	logger     *zap.Logger
}

// NewServer creates a gRPC server bound to the daemon's Unix domain socket.
func NewServer(p Params, paths config.Paths, logger *zap.Logger) (*Server, error) {
	socketPath := p.SocketPath
	if socketPath == "" {
		socketPath = paths.Socket()
	}

	// Clean stale socket if it exists.
	if _, err := os.Stat(socketPath); err == nil {
		_ = os.Remove(socketPath)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen unix socket: %w", err)
	}

	// Set socket permissions to 0600.
	if err := os.Chmod(socketPath, 0600); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}

	hs := health.NewServer()
	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, hs)

	return &Server{
		grpcServer: srv,
		health:     hs,
		listener:   listener,
		socketPath: socketPath,
		logger:     logger,
	}, nil
}

// Watch mirrors account state changes into the health service until ctx ends.
func (s *Server) Watch(ctx context.Context, b *bus.Bus) {
	ch, unsub := b.Subscribe("session.", 64)
	go func() {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-ch:
				if !ok {
					return
				}
				if evt.Kind != bus.KindStatusChanged {
					continue
				}
				change, ok := evt.Payload.(status.StatusChange)
				if !ok {
					continue
				}
				s.SetAccount(evt.Account, change.To)
			}
		}
	}()
}

// SetAccount records the serving status for account.
func (s *Server) SetAccount(account string, st status.State) {
	serving := healthpb.HealthCheckResponse_NOT_SERVING
	if st == status.Connected {
		serving = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(account, serving)
}

// Start begins serving gRPC requests. Blocks until stopped.
func (s *Server) Start() error {
	s.logger.Info("gRPC server starting", zap.String("socket", s.socketPath))
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	return s.grpcServer.Serve(s.listener)
}

// Stop performs a graceful shutdown and removes the socket file.
func (s *Server) Stop(_ context.Context) {
	s.logger.Info("gRPC server stopping")
	s.health.Shutdown()
	s.grpcServer.GracefulStop()
	_ = os.Remove(s.socketPath)
}
