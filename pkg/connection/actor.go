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

// Package connection serves a single KATCP client. Each client is a
// protoactor actor that owns the socket for writing, fed by a reader
// goroutine that handles requests one at a time in arrival order.
package connection

import (
	"bufio"
	"context"
	"errors"
	"net"
	"time"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/turtacn/jive5ab-bridge/pkg/bridgeerr"
	"github.com/turtacn/jive5ab-bridge/pkg/protocol/katcp"
	"github.com/turtacn/jive5ab-bridge/pkg/sensor"
	"github.com/turtacn/jive5ab-bridge/pkg/translator"
)

const (
	maxLineLength = 64 * 1024
	writeTimeout  = 5 * time.Second
)

// Executor runs a translated request against the recorder.
type Executor interface {
	Execute(ctx context.Context, client string, plan translator.Plan) ([]string, error)
}

// Env is everything a client session shares with the rest of the bridge.
type Env struct {
	Executor   Executor
	Translator *translator.Translator
	Sensors    *sensor.Store
	Registry   *Registry
	// Refresh is called after every successful mutating request.
	Refresh func()
	// BaseContext bounds every request. It is cancelled only at hard
	// shutdown, so a client that disconnects does not abort its own
	// in-flight commands.
	BaseContext context.Context
	Version     string
	Logger      zerolog.Logger
}

// outbound carries lines for the actor to write, in order.
type outbound struct {
	msgs []katcp.Message
}

// Connection actor manages a single client connection.
type Connection struct {
	id     string
	conn   net.Conn
	env    *Env
	logger zerolog.Logger

	root *actor.RootContext
	self *actor.PID
}

// New creates a new props for a Connection actor.
func New(conn net.Conn, env *Env) *actor.Props {
	return actor.PropsFromProducer(func() actor.Actor {
		id := uuid.NewString()
		return &Connection{
			id:     id,
			conn:   conn,
			env:    env,
			logger: env.Logger.With().Str("component", "client").Str("client_id", id).Str("remote", conn.RemoteAddr().String()).Logger(),
		}
	})
}

// Receive is the message handler for the Connection actor.
func (c *Connection) Receive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.Started:
		c.started(ctx)
	case *outbound:
		if err := c.write(msg.msgs); err != nil {
			c.logger.Debug().Err(err).Msg("write failed, closing client")
			ctx.Stop(ctx.Self())
		}
	case *actor.Stopping:
		c.stopping()
	}
}

func (c *Connection) started(ctx actor.Context) {
	c.root = ctx.ActorSystem().Root
	c.self = ctx.Self()
	c.env.Registry.add(ClientInfo{
		ID:          c.id,
		RemoteAddr:  c.conn.RemoteAddr().String(),
		ConnectedAt: time.Now(),
	}, func() { _ = c.root.StopFuture(c.self).Wait() })
	c.logger.Info().Msg("client connected")

	lib := "jive5ab-bridge-" + c.env.Version
	if err := c.write([]katcp.Message{
		katcp.NewInform("version-connect", nil, "katcp-protocol", katcp.ProtocolVersion),
		katcp.NewInform("version-connect", nil, "katcp-library", lib),
		katcp.NewInform("version-connect", nil, "katcp-device", lib),
	}); err != nil {
		ctx.Stop(ctx.Self())
		return
	}
	go c.readLoop()
}

func (c *Connection) stopping() {
	if subs := c.env.Sensors.RemoveAllSubscriptions(c.id); len(subs) > 0 {
		c.logger.Debug().Strs("sensors", subs).Msg("subscriptions removed")
	}
	c.env.Registry.remove(c.id)
	_ = c.conn.Close()
	c.logger.Info().Msg("client disconnected")
}

func (c *Connection) write(msgs []katcp.Message) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	w := bufio.NewWriter(c.conn)
	for _, m := range msgs {
		if _, err := w.Write(katcp.Encode(m)); err != nil {
			return err
		}
	}
	return w.Flush()
}

// send queues lines for the actor. It never blocks, so it is safe to call
// from sensor store callbacks.
func (c *Connection) send(msgs ...katcp.Message) {
	c.root.Send(c.self, &outbound{msgs: msgs})
}

// readLoop handles requests strictly one after another. It ends the actor
// when the client goes away.
func (c *Connection) readLoop() {
	defer func() {
		c.env.Sensors.RemoveAllSubscriptions(c.id)
		c.root.Stop(c.self)
	}()

	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 4096), maxLineLength)
	for scanner.Scan() {
		msg, err := katcp.Parse(scanner.Text())
		switch {
		case errors.Is(err, katcp.ErrEmptyLine):
			continue
		case err != nil:
			c.warn(bridgeerr.Protocolf("%v", err))
			continue
		case msg.Type != katcp.Request:
			c.warn(bridgeerr.Protocolf("unexpected %s %q from client", msg.Type, msg.Name))
			continue
		}
		c.handle(msg)
	}
	if err := scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			c.warn(bridgeerr.Protocolf("line longer than %d bytes", maxLineLength))
		}
		c.logger.Debug().Err(err).Msg("read ended")
	}
}

// warn reports a protocol problem to this client only.
func (c *Connection) warn(err error) {
	c.logger.Warn().Err(err).Msg("bad line from client")
	c.send(katcp.NewInform("log", nil, "warn", sensor.FormatTimestamp(time.Now()), "jive5ab-bridge", bridgeerr.Describe(err)))
}
