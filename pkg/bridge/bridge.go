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

// Package bridge wires the recorder session, the sensor poller and the
// KATCP gateway together and owns their lifecycle.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/turtacn/jive5ab-bridge/pkg/actor"
	"github.com/turtacn/jive5ab-bridge/pkg/backend"
	"github.com/turtacn/jive5ab-bridge/pkg/bridgeerr"
	"github.com/turtacn/jive5ab-bridge/pkg/config"
	"github.com/turtacn/jive5ab-bridge/pkg/connection"
	"github.com/turtacn/jive5ab-bridge/pkg/journal"
	"github.com/turtacn/jive5ab-bridge/pkg/metrics"
	"github.com/turtacn/jive5ab-bridge/pkg/mirror"
	"github.com/turtacn/jive5ab-bridge/pkg/monitor"
	"github.com/turtacn/jive5ab-bridge/pkg/poller"
	"github.com/turtacn/jive5ab-bridge/pkg/protocol/jive"
	"github.com/turtacn/jive5ab-bridge/pkg/sensor"
	"github.com/turtacn/jive5ab-bridge/pkg/supervisor"
	"github.com/turtacn/jive5ab-bridge/pkg/translator"
	"github.com/turtacn/jive5ab-bridge/pkg/transport"
)

// Version is reported in #version-connect and the health endpoints. It is
// set at link time.
var Version = "dev"

const healthCheckInterval = 30 * time.Second

// Bridge is the coordinator.
type Bridge struct {
	cfg    *config.Config
	logger zerolog.Logger

	session    *backend.Session
	store      *sensor.Store
	translator *translator.Translator
	poller     *poller.Poller
	pollerMB   *actor.Mailbox
	mirror     *mirror.Mirror
	journal    *journal.Journal
	sup        *supervisor.OneForOneSupervisor

	checker *monitor.HealthChecker
	grpc    *monitor.GRPCHealthServer
	metrics *metrics.Server
	server  *transport.Server

	ready chan struct{}
}

// New validates cfg and builds every component. Nothing is started.
func New(cfg *config.Config, logger zerolog.Logger) (*Bridge, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	store := sensor.NewStore(sensor.NewClock(nil))
	if err := poller.Register(store); err != nil {
		return nil, err
	}

	b := &Bridge{
		cfg:        cfg,
		logger:     logger.With().Str("component", "bridge").Logger(),
		store:      store,
		translator: translator.New(),
		pollerMB:   actor.NewMailbox(16),
		sup:        supervisor.NewOneForOneSupervisor(supervisor.WithLogger(logger)),
		checker:    monitor.NewHealthChecker(logger),
		ready:      make(chan struct{}),
	}
	b.session = backend.New(backend.Config{
		Address:                cfg.Backend.Address,
		DialTimeout:            cfg.Backend.DialTimeout.D(),
		CommandTimeout:         cfg.Backend.CommandTimeout.D(),
		ReconnectInitial:       cfg.Backend.ReconnectInitial.D(),
		ReconnectMax:           cfg.Backend.ReconnectMax.D(),
		MaxConsecutiveTimeouts: cfg.Backend.MaxConsecutiveTimeouts,
		QueueSize:              cfg.Backend.QueueSize,
	}, logger)
	b.poller = poller.New(b.session, store, cfg.Bridge.PollInterval.D(), logger)

	if cfg.MQTT.Enabled {
		b.mirror = mirror.New(cfg.MQTT, store, logger)
	}
	if cfg.Journal.Enabled {
		b.journal = journal.New(cfg.Journal, logger)
	}
	if cfg.Health.GRPCAddr != "" {
		b.grpc = monitor.NewGRPCHealthServer(logger)
	}

	b.checker.RegisterCheck("backend", b.backendCheck, true)
	b.session.OnStateChange(func(st backend.State) {
		b.checker.RunChecks()
		if b.grpc != nil {
			b.grpc.SetServing(st == backend.StateReady)
		}
	})
	monitor.SetVersion(Version)
	monitor.SetRecorder(cfg.Backend.Address)
	return b, nil
}

func (b *Bridge) backendCheck() error {
	st := b.session.State()
	if st == backend.StateReady {
		return nil
	}
	if err := b.session.LastError(); err != nil {
		return fmt.Errorf("recorder connection is %s: %w", st, err)
	}
	return fmt.Errorf("recorder connection is %s", st)
}

// Healthy reports whether the recorder connection is up.
func (b *Bridge) Healthy() bool {
	return b.session.State() == backend.StateReady
}

// Sensors is the sensor store shared by the poller and the gateway.
func (b *Bridge) Sensors() *sensor.Store {
	return b.store
}

// Ready is closed once the KATCP gateway accepts connections.
func (b *Bridge) Ready() <-chan struct{} {
	return b.ready
}

// Addr returns the KATCP listen address. Only valid after Ready.
func (b *Bridge) Addr() net.Addr {
	return b.server.Addr()
}

// GRPCAddr returns the gRPC health address, or nil when disabled or not
// yet started.
func (b *Bridge) GRPCAddr() net.Addr {
	if b.grpc == nil {
		return nil
	}
	return b.grpc.Addr()
}

// MetricsAddr returns the metrics and HTTP health address, or nil.
func (b *Bridge) MetricsAddr() net.Addr {
	if b.metrics == nil {
		return nil
	}
	return b.metrics.Addr()
}

// Execute implements connection.Executor. Steps run in order through the
// session; the first failure ends the plan and nothing is rolled back.
func (b *Bridge) Execute(ctx context.Context, client string, plan translator.Plan) ([]string, error) {
	requestID := uuid.NewString()
	replies := make([]jive.Reply, 0, len(plan.Steps))
	for i, cmd := range plan.Steps {
		start := time.Now()
		r, err := b.session.Submit(ctx, client, cmd)
		if err == nil {
			err = translator.Interpret(cmd, r)
		}
		b.record(requestID, client, plan.Request, cmd, r, err, time.Since(start))
		if err != nil {
			b.logger.Debug().Err(err).Str("client", client).Str("request", plan.Request).
				Str("command", cmd.String()).Msg("plan step failed")
			return nil, translator.StepError(plan, i, err)
		}
		replies = append(replies, r)
	}
	return plan.Result(replies), nil
}

func (b *Bridge) record(requestID, client, request string, cmd jive.Command, r jive.Reply, err error, latency time.Duration) {
	if b.journal == nil {
		return
	}
	e := journal.Entry{
		RequestID: requestID,
		Client:    client,
		Request:   request,
		Command:   cmd.String(),
		Status:    "ok",
		Code:      r.Code,
		Latency:   latency,
	}
	if err != nil {
		e.Status = bridgeerr.Class(err)
		e.Code = -1
		e.Reason = err.Error()
		var be *bridgeerr.BackendError
		if errors.As(err, &be) {
			e.Code = be.Code
			e.Reason = be.Reason
		}
	}
	b.journal.Record(e)
}

// Run starts everything, blocks until ctx is cancelled, then shuts down in
// reverse order. A recorder that is not ready within the startup timeout
// is fatal.
func (b *Bridge) Run(ctx context.Context) error {
	if err := b.startMonitoring(); err != nil {
		return err
	}
	defer b.stopMonitoring()

	healthCtx, cancelHealth := context.WithCancel(context.Background())
	defer cancelHealth()
	monitor.StartPeriodicHealthChecks(healthCtx, b.checker, healthCheckInterval)

	sessionCtx, cancelSession := context.WithCancel(context.Background())
	defer cancelSession()
	b.session.Start(sessionCtx)

	startCtx, cancel := context.WithTimeout(ctx, b.cfg.Bridge.StartupTimeout.D())
	err := b.session.WaitReady(startCtx)
	cancel()
	if err != nil {
		b.closeSession()
		if ctx.Err() != nil {
			return nil
		}
		detail := fmt.Sprintf("recorder at %s not ready within %s", b.cfg.Backend.Address, b.cfg.Bridge.StartupTimeout)
		if last := b.session.LastError(); last != nil {
			detail += " (last error: " + last.Error() + ")"
		}
		return fmt.Errorf("%w: %s", bridgeerr.ErrBackendUnreachable, detail)
	}
	b.logger.Info().Str("recorder", b.cfg.Backend.Address).Msg("recorder ready")

	supCtx, cancelSup := context.WithCancel(context.Background())
	if err := b.sup.Start(supCtx, b.specs()); err != nil {
		cancelSup()
		b.closeSession()
		return err
	}

	requestCtx, cancelRequests := context.WithCancel(context.Background())
	defer cancelRequests()
	b.server = transport.NewServer(&connection.Env{
		Executor:    b,
		Translator:  b.translator,
		Sensors:     b.store,
		Refresh:     func() { b.pollerMB.TrySend(poller.PollNow{}) },
		BaseContext: requestCtx,
		Version:     Version,
		Logger:      b.logger,
	}, b.logger)
	if err := b.server.Start(b.cfg.Bridge.ListenAddr); err != nil {
		cancelSup()
		b.sup.Wait()
		b.closeSession()
		return fmt.Errorf("failed to start KATCP server: %w", err)
	}
	close(b.ready)

	<-ctx.Done()
	b.logger.Info().Msg("shutting down")

	b.server.StopAccepting()
	graceCtx, cancelGrace := context.WithTimeout(context.Background(), b.cfg.Bridge.ShutdownGrace.D())
	if err := b.server.Drain(graceCtx); err != nil {
		b.logger.Warn().Int("in_flight", b.server.Clients().InFlight()).Msg("shutdown grace expired with requests in flight")
	}
	cancelGrace()
	cancelRequests()
	b.server.Stop()

	cancelSup()
	b.sup.Wait()
	b.closeSession()
	b.logger.Info().Msg("shutdown complete")
	return nil
}

func (b *Bridge) specs() []supervisor.Spec {
	specs := []supervisor.Spec{
		{ID: "poller", Actor: b.poller, Restart: supervisor.RestartPermanent, Mailbox: b.pollerMB},
	}
	if b.mirror != nil {
		specs = append(specs, supervisor.Spec{ID: "mirror", Actor: b.mirror, Restart: supervisor.RestartPermanent, Mailbox: actor.NewMailbox(256)})
	}
	if b.journal != nil {
		specs = append(specs, supervisor.Spec{ID: "journal", Actor: b.journal, Restart: supervisor.RestartPermanent, Mailbox: b.journal.Mailbox()})
	}
	return specs
}

func (b *Bridge) closeSession() {
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.Bridge.ShutdownGrace.D()+b.cfg.Backend.CommandTimeout.D())
	defer cancel()
	if err := b.session.Close(ctx); err != nil {
		b.logger.Warn().Err(err).Msg("recorder session did not close cleanly")
	}
}

func (b *Bridge) startMonitoring() error {
	if b.grpc != nil {
		if err := b.grpc.Start(b.cfg.Health.GRPCAddr); err != nil {
			return err
		}
	}
	if b.cfg.Metrics.ListenAddr != "" {
		mux := http.NewServeMux()
		monitor.NewHealthServer(b.checker).RegisterRoutes(mux)
		srv, err := metrics.Listen(b.cfg.Metrics.ListenAddr, mux, b.logger)
		if err != nil {
			if b.grpc != nil {
				b.grpc.Stop()
			}
			return err
		}
		b.metrics = srv
		go srv.Serve()
	}
	return nil
}

func (b *Bridge) stopMonitoring() {
	if b.grpc != nil {
		b.grpc.Stop()
	}
	if b.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := b.metrics.Shutdown(ctx); err != nil {
			b.logger.Warn().Err(err).Msg("metrics server shutdown")
		}
	}
}
