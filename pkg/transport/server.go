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

// package transport is responsible for the client-facing network layer of
// the bridge. It provides a TCP server that accepts KATCP clients and hands
// each one to its own connection actor.
package transport

import (
	"context"
	"net"
	"sync"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/rs/zerolog"

	"github.com/turtacn/jive5ab-bridge/pkg/connection"
	"github.com/turtacn/jive5ab-bridge/pkg/metrics"
)

// Server manages the accepting and handling of raw TCP connections.
// For each incoming connection, it spawns a new connection actor to handle
// the KATCP session.
type Server struct {
	listener net.Listener
	wg       sync.WaitGroup
	quit     chan struct{}
	stopOnce sync.Once
	system   *actor.ActorSystem
	env      *connection.Env
	logger   zerolog.Logger
}

// NewServer creates and returns a new transport Server. env is shared by
// every connection actor; a missing Registry is created.
func NewServer(env *connection.Env, logger zerolog.Logger) *Server {
	if env.Registry == nil {
		env.Registry = connection.NewRegistry()
	}
	if env.BaseContext == nil {
		env.BaseContext = context.Background()
	}
	return &Server{
		quit:   make(chan struct{}),
		system: actor.NewActorSystem(),
		env:    env,
		logger: logger.With().Str("component", "transport").Logger(),
	}
}

// Start begins listening for new connections on the specified network address.
// It starts the accept loop in a new goroutine.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = ln

	s.wg.Add(1)
	go s.acceptLoop()

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("KATCP server started")
	return nil
}

// StopAccepting closes the listener. Connected clients are left alone.
func (s *Server) StopAccepting() {
	s.stopOnce.Do(func() {
		close(s.quit)
		if s.listener != nil {
			s.listener.Close()
		}
	})
	s.wg.Wait()
}

// Drain waits for in-flight client requests to finish or ctx to end.
func (s *Server) Drain(ctx context.Context) error {
	return s.env.Registry.Drain(ctx)
}

// Stop shuts the server down: no new connections, every client
// disconnected.
func (s *Server) Stop() {
	s.StopAccepting()
	s.env.Registry.CloseAll()
	s.logger.Info().Msg("KATCP server stopped")
}

// Clients returns the connection registry.
func (s *Server) Clients() *connection.Registry {
	return s.env.Registry
}

// acceptLoop is the main loop for accepting new client connections.
// It runs in a separate goroutine until the server is stopped.
func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return
			default:
				s.logger.Warn().Err(err).Msg("error accepting connection")
			}
			continue
		}
		metrics.ConnectionsTotal.Inc()
		s.system.Root.Spawn(connection.New(conn, s.env))
	}
}

// Addr returns the network address that the server is listening on.
// It returns nil if the server is not listening.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}
