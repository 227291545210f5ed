package flight

import (
	"context"
	"net"
	"sync"

	arrowflight "github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"google.golang.org/grpc"
)

// Server exposes a Receiver as a gRPC FlightService. Only DoPut is
// implemented; every other Flight RPC (DoGet, ListFlights, Handshake,
// ...) falls through to BaseFlightServer's unimplemented stubs, since
// this system only ingests (spec §1 scope).
type Server struct {
	arrowflight.BaseFlightServer

	receiver *Receiver
	logger   log.Logger
	grpcSrv  *grpc.Server
	stopOnce sync.Once
}

// NewServer wraps receiver for gRPC serving.
func NewServer(receiver *Receiver, logger log.Logger) *Server {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Server{receiver: receiver, logger: logger}
}

// DoPut implements arrowflight.FlightServiceServer.
func (s *Server) DoPut(stream arrowflight.FlightService_DoPutServer) error {
	return s.receiver.DoPut(stream)
}

// Serve listens on address and blocks until ctx is canceled or the
// underlying grpc.Server stops with an error.
func (s *Server) Serve(ctx context.Context, address string) error {
	lis, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}

	s.grpcSrv = grpc.NewServer()
	arrowflight.RegisterFlightServiceServer(s.grpcSrv, s)

	errCh := make(chan error, 1)
	go func() { errCh <- s.grpcSrv.Serve(lis) }()

	level.Info(s.logger).Log("msg", "flight server listening", "address", address)

	select {
	case <-ctx.Done():
		level.Info(s.logger).Log("msg", "stopping flight server")
		s.Stop()
		return nil
	case err := <-errCh:
		return err
	}
}

// Stop gracefully stops the gRPC server, blocking until every in-flight
// RPC (including any DoPut still forwarding a batch into the pipeline)
// has returned. Safe to call more than once from anywhere — Serve calls
// it itself on ctx cancellation, and a caller coordinating shutdown
// ordering (Supervisor.Shutdown) may also call it directly before
// Serve's ctx fires; the second call is a no-op. Safe to call even if
// Serve was never started.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		if s.grpcSrv != nil {
			s.grpcSrv.GracefulStop()
		}
	})
}
