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

// package supervisor provides an OTP-style supervisor for the bridge's
// background actors (poller, mirror, journal).
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/turtacn/jive5ab-bridge/pkg/actor"
	"github.com/turtacn/jive5ab-bridge/pkg/metrics"
)

// RestartStrategy defines the restart behavior for a supervised child actor.
type RestartStrategy int

const (
	// RestartPermanent indicates that the child actor should always be restarted.
	RestartPermanent RestartStrategy = iota
	// RestartTransient restarts the child only if it terminates abnormally
	// (with an error or a panic).
	RestartTransient
	// RestartTemporary indicates that the child actor should never be restarted.
	RestartTemporary
)

func (r RestartStrategy) String() string {
	switch r {
	case RestartPermanent:
		return "permanent"
	case RestartTransient:
		return "transient"
	case RestartTemporary:
		return "temporary"
	}
	return "unknown"
}

// Spec defines a child actor managed by a supervisor.
type Spec struct {
	// ID is a unique identifier for the child actor, used for logging and metrics.
	ID string
	// Actor is the actor instance to be supervised.
	Actor actor.Actor
	// Restart defines the restart strategy for this child.
	Restart RestartStrategy
	// Mailbox is the mailbox to be used by the actor.
	Mailbox *actor.Mailbox
	// startFunc is an optional function for starting the actor, useful for testing.
	startFunc func(context.Context, *actor.Mailbox) error
}

// Supervisor defines the interface for a supervisor process.
type Supervisor interface {
	// Start begins the supervision of a set of child actors.
	Start(ctx context.Context, specs []Spec) error
	// StartChild starts and supervises a single child actor dynamically.
	StartChild(ctx context.Context, spec Spec)
	// Wait blocks until every child has terminated for good.
	Wait()
}

// Option configures a OneForOneSupervisor.
type Option func(*OneForOneSupervisor)

// WithLogger sets the supervisor's logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *OneForOneSupervisor) { s.logger = logger }
}

// WithBackoff sets the delay before the first restart and the cap the delay
// doubles up to on consecutive failures.
func WithBackoff(initial, max time.Duration) Option {
	return func(s *OneForOneSupervisor) {
		s.backoffInitial = initial
		s.backoffMax = max
	}
}

// OneForOneSupervisor implements a one-for-one supervision strategy.
// If a child process terminates, only that process is restarted.
type OneForOneSupervisor struct {
	logger         zerolog.Logger
	backoffInitial time.Duration
	backoffMax     time.Duration
	wg             sync.WaitGroup
}

// NewOneForOneSupervisor creates a new one-for-one supervisor.
func NewOneForOneSupervisor(opts ...Option) *OneForOneSupervisor {
	s := &OneForOneSupervisor{
		logger:         zerolog.Nop(),
		backoffInitial: time.Second,
		backoffMax:     30 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the initial set of supervised children. This method is non-blocking.
func (s *OneForOneSupervisor) Start(ctx context.Context, specs []Spec) error {
	if len(specs) == 0 {
		return fmt.Errorf("no child specs provided")
	}
	for _, spec := range specs {
		s.StartChild(ctx, spec)
	}
	return nil
}

// StartChild launches and monitors a single new child actor in its own goroutine.
func (s *OneForOneSupervisor) StartChild(ctx context.Context, spec Spec) {
	childCtx, cancel := context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.monitorChild(childCtx, cancel, spec)
	}()
}

// Wait blocks until all children have stopped.
func (s *OneForOneSupervisor) Wait() {
	s.wg.Wait()
}

// monitorChild is the internal loop that monitors a single child actor.
// It handles actor termination, panics, and restart logic.
func (s *OneForOneSupervisor) monitorChild(ctx context.Context, cancel context.CancelFunc, spec Spec) {
	defer cancel()

	log := s.logger.With().Str("actor", spec.ID).Logger()
	delay := s.backoffInitial
	for {
		started := time.Now()
		var err error
		func() {
			// Recover from panics within the child actor.
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("actor %s panicked: %v", spec.ID, r)
				}
			}()
			err = s.startActor(ctx, spec)
		}()

		// If the supervisor's context is done, do not restart.
		select {
		case <-ctx.Done():
			log.Debug().Err(err).Msg("actor stopped with supervisor")
			return
		default:
		}

		if err != nil {
			log.Error().Err(err).Msg("actor terminated")
		} else {
			log.Info().Msg("actor terminated")
		}

		shouldRestart := false
		switch spec.Restart {
		case RestartPermanent:
			shouldRestart = true
		case RestartTransient:
			shouldRestart = err != nil
		case RestartTemporary:
			shouldRestart = false
		}

		if !shouldRestart {
			log.Info().Stringer("strategy", spec.Restart).Msg("actor will not be restarted")
			return
		}

		// A child that ran for a while before failing starts over at the
		// initial delay.
		if time.Since(started) > s.backoffMax {
			delay = s.backoffInitial
		}

		metrics.SupervisorRestartsTotal.WithLabelValues(spec.ID).Inc()
		log.Warn().Dur("delay", delay).Msg("restarting actor")
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > s.backoffMax {
			delay = s.backoffMax
		}
	}
}

// startActor launches the actor's Start method.
func (s *OneForOneSupervisor) startActor(ctx context.Context, spec Spec) error {
	s.logger.Debug().Str("actor", spec.ID).Msg("starting actor")
	if spec.startFunc != nil {
		return spec.startFunc(ctx, spec.Mailbox)
	}
	return spec.Actor.Start(ctx, spec.Mailbox)
}
