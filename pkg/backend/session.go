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

// Package backend owns the single TCP session to the jive5ab recorder.
//
// The recorder executes one command at a time and answers in order, so the
// Session serialises every caller through one FIFO queue. An actor goroutine
// owns the socket: it writes one command, waits for the matching reply (or
// the command timeout) and only then takes the next request. Lost
// connections are re-established with capped exponential backoff; whatever
// was in flight or queued at that moment fails with ErrBackendDisconnected.
package backend

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/turtacn/jive5ab-bridge/pkg/bridgeerr"
	"github.com/turtacn/jive5ab-bridge/pkg/metrics"
	"github.com/turtacn/jive5ab-bridge/pkg/protocol/jive"
)

// State is the lifecycle state of the recorder connection.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateReady
	StateDraining
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateDraining:
		return "draining"
	}
	return "unknown"
}

// Config tunes the session. Zero fields take the defaults below.
type Config struct {
	Address                string
	DialTimeout            time.Duration
	CommandTimeout         time.Duration
	ReconnectInitial       time.Duration
	ReconnectMax           time.Duration
	MaxConsecutiveTimeouts int
	QueueSize              int
}

func (c Config) withDefaults() Config {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 2 * time.Second
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = time.Second
	}
	if c.ReconnectInitial <= 0 {
		c.ReconnectInitial = 250 * time.Millisecond
	}
	if c.ReconnectMax < c.ReconnectInitial {
		c.ReconnectMax = 10 * time.Second
		if c.ReconnectMax < c.ReconnectInitial {
			c.ReconnectMax = c.ReconnectInitial
		}
	}
	if c.MaxConsecutiveTimeouts <= 0 {
		c.MaxConsecutiveTimeouts = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	return c
}

// DialFunc opens the transport to the recorder.
type DialFunc func(ctx context.Context, address string) (net.Conn, error)

// Option configures a Session.
type Option func(*Session)

// WithDialer replaces the TCP dialer.
func WithDialer(dial DialFunc) Option {
	return func(s *Session) { s.dial = dial }
}

type result struct {
	reply jive.Reply
	err   error
}

// pending is one queued request. resp is buffered so the actor never blocks
// on a caller that has given up.
type pending struct {
	ctx    context.Context
	client string
	cmd    jive.Command
	resp   chan result
}

func (p *pending) resolve(r jive.Reply) {
	select {
	case p.resp <- result{reply: r}:
	default:
	}
}

func (p *pending) fail(err error) {
	select {
	case p.resp <- result{err: err}:
	default:
	}
}

var (
	errClosing      = errors.New("session closing")
	errTooManyStale = errors.New("too many consecutive command timeouts")
)

// Session is the serialised connection to one recorder.
type Session struct {
	cfg    Config
	logger zerolog.Logger
	dial   DialFunc

	state   atomic.Int32
	lastErr atomic.Pointer[error]

	mu        sync.Mutex
	changed   chan struct{} // closed and replaced on every state change
	listeners []func(State)
	preconn   net.Conn

	queue     chan *pending
	closing   chan struct{}
	closeOnce sync.Once
	done      chan struct{}
	started   atomic.Bool
}

// New creates a session for cfg.Address. Nothing is dialled until Connect or
// Start is called.
func New(cfg Config, logger zerolog.Logger, opts ...Option) *Session {
	cfg = cfg.withDefaults()
	s := &Session{
		cfg:     cfg,
		logger:  logger.With().Str("component", "backend").Str("address", cfg.Address).Logger(),
		changed: make(chan struct{}),
		queue:   make(chan *pending, cfg.QueueSize),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
	s.dial = func(ctx context.Context, address string) (net.Conn, error) {
		d := net.Dialer{Timeout: cfg.DialTimeout}
		return d.DialContext(ctx, "tcp", address)
	}
	for _, opt := range opts {
		opt(s)
	}
	metrics.BackendState.Set(float64(StateDisconnected))
	return s
}

// State returns the current connection state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// LastError returns the most recent dial or connection error, if any.
func (s *Session) LastError() error {
	if p := s.lastErr.Load(); p != nil {
		return *p
	}
	return nil
}

// OnStateChange registers fn to be called on every state transition. fn runs
// on the session's goroutine and must not block.
func (s *Session) OnStateChange(fn func(State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *Session) setState(st State) {
	old := State(s.state.Swap(int32(st)))
	if old == st {
		return
	}
	metrics.BackendState.Set(float64(st))
	s.logger.Info().Stringer("from", old).Stringer("to", st).Msg("backend state changed")

	s.mu.Lock()
	close(s.changed)
	s.changed = make(chan struct{})
	listeners := slices.Clone(s.listeners)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(st)
	}
}

// WaitReady blocks until the session is Ready or ctx is done.
func (s *Session) WaitReady(ctx context.Context) error {
	for {
		s.mu.Lock()
		ch := s.changed
		s.mu.Unlock()
		if s.State() == StateReady {
			return nil
		}
		select {
		case <-ch:
		case <-s.done:
			return fmt.Errorf("%w: session closed", bridgeerr.ErrBackendDisconnected)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Connect makes one attempt to reach the recorder. On success the connection
// is handed to the actor when Start runs.
func (s *Session) Connect(ctx context.Context) error {
	conn, err := s.dialOnce(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.preconn != nil {
		s.preconn.Close()
	}
	s.preconn = conn
	s.mu.Unlock()
	return nil
}

func (s *Session) dialOnce(ctx context.Context) (net.Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, s.cfg.DialTimeout)
	defer cancel()
	conn, err := s.dial(dctx, s.cfg.Address)
	if err != nil {
		err = fmt.Errorf("%w: %s: %v", bridgeerr.ErrBackendUnreachable, s.cfg.Address, err)
		s.lastErr.Store(&err)
		return nil, err
	}
	return conn, nil
}

// Start launches the session actor. It returns immediately; the actor keeps
// (re)connecting until ctx is cancelled or Close is called.
func (s *Session) Start(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	go s.run(ctx)
}

// Submit queues cmd and waits for its reply. It fails immediately with
// ErrBackendDisconnected unless the session is Ready. If ctx ends first the
// caller gets ctx.Err(); a command already written still completes and its
// reply is discarded.
func (s *Session) Submit(ctx context.Context, client string, cmd jive.Command) (jive.Reply, error) {
	if st := s.State(); st != StateReady {
		return jive.Reply{}, fmt.Errorf("%w: connection is %s", bridgeerr.ErrBackendDisconnected, st)
	}
	p := &pending{ctx: ctx, client: client, cmd: cmd, resp: make(chan result, 1)}

	select {
	case s.queue <- p:
	case <-s.done:
		return jive.Reply{}, fmt.Errorf("%w: session closed", bridgeerr.ErrBackendDisconnected)
	case <-ctx.Done():
		return jive.Reply{}, ctx.Err()
	}

	select {
	case r := <-p.resp:
		return r.reply, r.err
	case <-ctx.Done():
		return jive.Reply{}, ctx.Err()
	case <-s.done:
		select {
		case r := <-p.resp:
			return r.reply, r.err
		default:
			return jive.Reply{}, fmt.Errorf("%w: session closed", bridgeerr.ErrBackendDisconnected)
		}
	}
}

// Close drains the session: new submits are refused, the in-flight command
// is allowed to finish, queued requests fail and the socket is closed.
func (s *Session) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		if s.State() != StateDisconnected {
			s.setState(StateDraining)
		}
		close(s.closing)
	})
	if !s.started.Load() {
		s.mu.Lock()
		if s.preconn != nil {
			s.preconn.Close()
			s.preconn = nil
		}
		s.mu.Unlock()
		s.failQueued()
		s.setState(StateDisconnected)
		s.finish()
		return nil
	}
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) finish() {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
}

func (s *Session) isClosing() bool {
	select {
	case <-s.closing:
		return true
	default:
		return false
	}
}

func (s *Session) failQueued() {
	for {
		select {
		case p := <-s.queue:
			p.fail(fmt.Errorf("%w: connection lost before %q was sent", bridgeerr.ErrBackendDisconnected, p.cmd.Name()))
			metrics.BackendCommandsTotal.WithLabelValues(p.cmd.Keyword(), "disconnected").Inc()
		default:
			return
		}
	}
}

// run is the actor loop: connect, serve until the connection fails, back
// off and try again.
func (s *Session) run(ctx context.Context) {
	defer s.finish()
	defer s.failQueued()

	backoff := s.cfg.ReconnectInitial
	everConnected := false
	for {
		if s.isClosing() || ctx.Err() != nil {
			s.setState(StateDisconnected)
			return
		}

		s.mu.Lock()
		conn := s.preconn
		s.preconn = nil
		s.mu.Unlock()

		if conn == nil {
			s.setState(StateConnecting)
			var err error
			conn, err = s.dialOnce(ctx)
			if err != nil {
				s.logger.Warn().Err(err).Dur("retry_in", backoff).Msg("backend connect failed")
				s.setState(StateDisconnected)
				if !s.sleep(ctx, backoff) {
					s.setState(StateDisconnected)
					return
				}
				backoff *= 2
				if backoff > s.cfg.ReconnectMax {
					backoff = s.cfg.ReconnectMax
				}
				continue
			}
		}

		if everConnected {
			metrics.BackendReconnectsTotal.Inc()
		}
		everConnected = true
		backoff = s.cfg.ReconnectInitial
		s.logger.Info().Msg("connected to recorder")

		err := s.serve(ctx, conn)
		conn.Close()
		if errors.Is(err, errClosing) || ctx.Err() != nil {
			s.failQueued()
			s.setState(StateDisconnected)
			s.logger.Info().Msg("backend session closed")
			return
		}
		s.lastErr.Store(&err)
		s.logger.Warn().Err(err).Msg("backend connection lost")
		s.setState(StateDisconnected)
		s.failQueued()
	}
}

// sleep waits for d while refusing anything that reaches the queue. It
// reports false when the session should stop.
func (s *Session) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	for {
		select {
		case <-timer.C:
			return true
		case <-ctx.Done():
			return false
		case <-s.closing:
			return false
		case p := <-s.queue:
			p.fail(fmt.Errorf("%w: connection is %s", bridgeerr.ErrBackendDisconnected, s.State()))
		}
	}
}

// serve owns conn until it fails, the session closes, or too many commands
// time out in a row.
func (s *Session) serve(ctx context.Context, conn net.Conn) error {
	lines := make(chan string, 16)
	readErr := make(chan error, 1)
	stop := make(chan struct{})
	defer close(stop)

	go func() {
		scanner := jive.NewLineScanner(conn)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-stop:
				return
			}
		}
		err := scanner.Err()
		if err == nil {
			err = errors.New("connection closed by recorder")
		}
		readErr <- err
	}()

	if s.isClosing() {
		return errClosing
	}
	s.setState(StateReady)

	c := &correlator{}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.closing:
			return errClosing
		case err := <-readErr:
			return err
		case line := <-lines:
			c.unsolicited()
			s.logger.Debug().Str("line", line).Msg("discarding unsolicited reply")
		case p := <-s.queue:
			if err := p.ctx.Err(); err != nil {
				p.fail(err)
				s.logger.Debug().Str("client", p.client).Str("command", p.cmd.String()).Msg("dropping abandoned request")
				continue
			}
			if err := s.exchange(conn, p, lines, readErr, c); err != nil {
				return err
			}
		}
	}
}

// correlator tracks replies still owed for commands that already timed out.
type correlator struct {
	stale       int
	consecutive int
}

func (c *correlator) unsolicited() {
	if c.stale > 0 {
		c.stale--
	}
}

// accept reports whether reply r belongs to the command cmd in flight. The
// recorder answers in order, so while replies are still owed the next line
// is stale whatever keyword it echoes.
func (c *correlator) accept(r jive.Reply, cmd jive.Command) bool {
	if c.stale > 0 {
		c.stale--
		return false
	}
	return r.Answers(cmd)
}

// exchange writes one command and waits for its reply. A non-nil error means
// the connection must be dropped.
func (s *Session) exchange(conn net.Conn, p *pending, lines <-chan string, readErr <-chan error, c *correlator) error {
	keyword := p.cmd.Keyword()
	log := s.logger.With().Str("client", p.client).Str("command", p.cmd.String()).Logger()

	start := time.Now()
	_ = conn.SetWriteDeadline(start.Add(s.cfg.CommandTimeout))
	if err := jive.EncodeCommand(conn, p.cmd); err != nil {
		p.fail(fmt.Errorf("%w: write %q: %v", bridgeerr.ErrBackendDisconnected, p.cmd.Name(), err))
		metrics.BackendCommandsTotal.WithLabelValues(keyword, "disconnected").Inc()
		return err
	}
	log.Debug().Msg("command sent")

	timer := time.NewTimer(s.cfg.CommandTimeout)
	defer timer.Stop()
	for {
		select {
		case line := <-lines:
			r := jive.ParseReply(line)
			if !c.accept(r, p.cmd) {
				log.Debug().Str("line", line).Msg("discarding stale reply")
				continue
			}
			c.consecutive = 0
			metrics.BackendCommandSeconds.WithLabelValues(keyword).Observe(time.Since(start).Seconds())
			metrics.BackendCommandsTotal.WithLabelValues(keyword, r.Status.String()).Inc()
			log.Debug().Str("reply", r.Raw).Msg("reply received")
			p.resolve(r)
			return nil
		case err := <-readErr:
			p.fail(fmt.Errorf("%w: %v", bridgeerr.ErrBackendDisconnected, err))
			metrics.BackendCommandsTotal.WithLabelValues(keyword, "disconnected").Inc()
			return err
		case <-timer.C:
			c.stale++
			c.consecutive++
			metrics.BackendCommandsTotal.WithLabelValues(keyword, "timeout").Inc()
			log.Warn().Dur("timeout", s.cfg.CommandTimeout).Int("consecutive", c.consecutive).Msg("command timed out")
			p.fail(fmt.Errorf("%w: %q after %s", bridgeerr.ErrBackendTimeout, p.cmd.Name(), s.cfg.CommandTimeout))
			if c.consecutive >= s.cfg.MaxConsecutiveTimeouts {
				return errTooManyStale
			}
			return nil
		}
	}
}
