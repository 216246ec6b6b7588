// Copyright 2026 The jive5ab-bridge Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package monitor

import (
	"fmt"
	"net"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the service reported by the gRPC health server besides
// the empty overall name.
const ServiceName = "jive5ab.Bridge"

// GRPCHealthServer serves grpc.health.v1.Health.
type GRPCHealthServer struct {
	grpcServer *grpc.Server
	health     *health.Server
	listener   net.Listener
	logger     zerolog.Logger
}

// NewGRPCHealthServer creates a server that reports NOT_SERVING until
// SetServing(true) is called.
func NewGRPCHealthServer(logger zerolog.Logger) *GRPCHealthServer {
	s := &GRPCHealthServer{
		grpcServer: grpc.NewServer(),
		health:     health.NewServer(),
		logger:     logger.With().Str("component", "grpc-health").Logger(),
	}
	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	s.SetServing(false)
	return s
}

// Start listens on addr and serves in the background.
func (s *GRPCHealthServer) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener

	go func() {
		if err := s.grpcServer.Serve(listener); err != nil {
			s.logger.Error().Err(err).Msg("gRPC health server stopped")
		}
	}()
	s.logger.Info().Str("addr", listener.Addr().String()).Msg("gRPC health server started")
	return nil
}

// Addr returns the listening address, or nil before Start.
func (s *GRPCHealthServer) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// SetServing flips both the overall and the bridge service status.
func (s *GRPCHealthServer) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}

// Stop reports NOT_SERVING to watchers and stops the server.
func (s *GRPCHealthServer) Stop() {
	s.health.Shutdown()
	s.grpcServer.GracefulStop()
}
