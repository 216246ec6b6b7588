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

// package metrics provides Prometheus metrics for the bridge.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// BackendCommandsTotal counts commands written to the recorder by command
	// keyword and reply status.
	BackendCommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jive5ab_bridge_backend_commands_total",
		Help: "Commands issued to the recording engine, by command and outcome.",
	},
		[]string{"command", "status"},
	)

	// BackendCommandSeconds observes write-to-reply latency.
	BackendCommandSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "jive5ab_bridge_backend_command_seconds",
		Help:    "Time from writing a command to receiving its reply.",
		Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	},
		[]string{"command"},
	)

	// BackendReconnectsTotal counts successful re-establishments of the
	// recorder connection after a loss.
	BackendReconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "jive5ab_bridge_backend_reconnects_total",
		Help: "Times the recorder connection was re-established after a loss.",
	})

	// BackendState exposes the connection state (0 disconnected, 1 connecting,
	// 2 ready, 3 draining).
	BackendState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "jive5ab_bridge_backend_state",
		Help: "Recorder connection state: 0 disconnected, 1 connecting, 2 ready, 3 draining.",
	})

	// ConnectionsTotal is a counter for the total number of KATCP connections.
	ConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "jive5ab_bridge_connections_total",
		Help: "The total number of KATCP client connections accepted.",
	})

	// ClientSessions is the number of connected KATCP clients.
	ClientSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "jive5ab_bridge_client_sessions",
		Help: "KATCP client sessions currently open.",
	})

	// ClientRequestsTotal counts KATCP requests by name and result class.
	ClientRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jive5ab_bridge_client_requests_total",
		Help: "KATCP requests handled, by request name and result.",
	},
		[]string{"request", "result"},
	)

	// SensorUpdatesTotal counts published (changed) sensor values.
	SensorUpdatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jive5ab_bridge_sensor_updates_total",
		Help: "Sensor value changes published to subscribers.",
	},
		[]string{"sensor"},
	)

	// SupervisorRestartsTotal is a counter for the total number of supervisor restarts.
	SupervisorRestartsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jive5ab_bridge_supervisor_restarts_total",
		Help: "The total number of times a supervised actor has been restarted.",
	},
		[]string{"actor_id"},
	)

	// MirrorPublishesTotal counts MQTT sensor mirror publishes.
	MirrorPublishesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jive5ab_bridge_mirror_publishes_total",
		Help: "Sensor values published to the MQTT mirror, by result.",
	},
		[]string{"result"},
	)

	// JournalWritesTotal counts command journal rows.
	JournalWritesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jive5ab_bridge_journal_writes_total",
		Help: "Command journal entries, by result (ok, error, dropped).",
	},
		[]string{"result"},
	)
)

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Server exposes /metrics plus any extra routes the caller registers.
type Server struct {
	srv      *http.Server
	listener net.Listener
	logger   zerolog.Logger
}

// Listen binds addr. Routes on mux are served next to /metrics.
func Listen(addr string, mux *http.ServeMux, logger zerolog.Logger) (*Server, error) {
	if mux == nil {
		mux = http.NewServeMux()
	}
	mux.Handle("/metrics", Handler())
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listen on %s: %w", addr, err)
	}
	return &Server{
		srv:      &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		listener: ln,
		logger:   logger.With().Str("component", "metrics").Logger(),
	}, nil
}

// Addr returns the bound address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Serve blocks until Shutdown. Any other failure is logged.
func (s *Server) Serve() {
	s.logger.Info().Str("addr", s.Addr().String()).Msg("metrics server listening")
	if err := s.srv.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.logger.Error().Err(err).Msg("metrics server failed")
	}
}

// Shutdown stops the server, waiting for active scrapes up to ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
