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

package connection

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/turtacn/jive5ab-bridge/pkg/bridgeerr"
	"github.com/turtacn/jive5ab-bridge/pkg/metrics"
	"github.com/turtacn/jive5ab-bridge/pkg/poller"
	"github.com/turtacn/jive5ab-bridge/pkg/protocol/katcp"
	"github.com/turtacn/jive5ab-bridge/pkg/sensor"
)

// Sampling strategies accepted by sensor-sampling.
const (
	StrategyEvent = "event"
	StrategyAuto  = "auto"
	StrategyNone  = "none"
)

type builtin struct {
	usage       string
	description string
	handle      func(c *Connection, req katcp.Message) error
}

var builtins map[string]builtin

func init() {
	builtins = map[string]builtin{
		"help": {
			"?help [request]",
			"List the requests this device supports.",
			(*Connection).help,
		},
		"watchdog": {
			"?watchdog",
			"Check that the bridge is responsive.",
			func(c *Connection, req katcp.Message) error {
				c.send(katcp.NewReply(req, katcp.StatusOK))
				return nil
			},
		},
		"version-list": {
			"?version-list",
			"List the versions of the protocol, library and device.",
			(*Connection).versionList,
		},
		"client-list": {
			"?client-list",
			"List the connected clients.",
			(*Connection).clientList,
		},
		"sensor-list": {
			"?sensor-list [sensor]",
			"Describe one sensor or all of them.",
			(*Connection).sensorList,
		},
		"sensor-value": {
			"?sensor-value [sensor]",
			"Report the current value of one sensor or all of them.",
			(*Connection).sensorValue,
		},
		"sensor-sampling": {
			"?sensor-sampling sensor [event|auto|none]",
			"Query or set the sampling strategy of a sensor.",
			(*Connection).sensorSampling,
		},
	}
}

// handle runs one request to completion and sends its informs and reply.
func (c *Connection) handle(req katcp.Message) {
	c.env.Registry.begin()
	defer c.env.Registry.end()

	label := req.Name
	var err error
	if b, ok := builtins[req.Name]; ok {
		err = b.handle(c, req)
	} else {
		if _, known := c.env.Translator.Lookup(req.Name); !known {
			label = "unknown"
		}
		err = c.translated(req)
	}

	result := katcp.StatusOK
	if err != nil {
		reply := errorReply(req, err)
		result = reply.Arg(0)
		c.send(reply)
		c.logger.Info().Err(err).Str("request", req.Name).Str("class", bridgeerr.Class(err)).Msg("request failed")
	}
	metrics.ClientRequestsTotal.WithLabelValues(label, result).Inc()
}

// errorReply maps err onto KATCP: protocol misuse is invalid, every other
// failure is fail with the error class in front of the detail.
func errorReply(req katcp.Message, err error) katcp.Message {
	if errors.Is(err, bridgeerr.ErrProtocol) {
		return katcp.NewReply(req, katcp.StatusInvalid, bridgeerr.Describe(err))
	}
	return katcp.NewReply(req, katcp.StatusFail, bridgeerr.Describe(err))
}

func (c *Connection) translated(req katcp.Message) error {
	plan, err := c.env.Translator.Plan(req.Name, req.Args)
	if err != nil {
		return err
	}
	if plan.Local {
		return c.status(req)
	}

	fields, err := c.env.Executor.Execute(c.env.BaseContext, c.id, plan)
	if err != nil {
		return err
	}
	c.send(katcp.NewReply(req, katcp.StatusOK, fields...))
	if plan.Mutating && c.env.Refresh != nil {
		c.env.Refresh()
	}
	return nil
}

// status summarises the recorder from the sensors: state, bytes, protocol
// and port.
func (c *Connection) status(req katcp.Message) error {
	connected, _ := c.env.Sensors.Get(poller.SensorConnected)
	if connected.Value != sensor.Bool(true) {
		return fmt.Errorf("%w: no session to jive5ab", bridgeerr.ErrBackendDisconnected)
	}
	get := func(name string) string {
		v, _ := c.env.Sensors.Get(name)
		return v.Value
	}
	c.send(katcp.NewReply(req, katcp.StatusOK,
		get(poller.SensorState),
		get(poller.SensorBytes)+"B",
		get(poller.SensorProtocol),
		get(poller.SensorPort),
	))
	return nil
}

type helpEntry struct {
	name, usage, description string
}

func (c *Connection) helpEntries() []helpEntry {
	var out []helpEntry
	for name, b := range builtins {
		out = append(out, helpEntry{name, b.usage, b.description})
	}
	for _, s := range c.env.Translator.Specs() {
		out = append(out, helpEntry{s.Name, s.Usage, s.Description})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

func (c *Connection) help(req katcp.Message) error {
	if len(req.Args) > 1 {
		return bridgeerr.Protocolf("usage: %s", builtins["help"].usage)
	}
	var msgs []katcp.Message
	for _, e := range c.helpEntries() {
		if len(req.Args) == 1 && e.name != req.Args[0] {
			continue
		}
		msgs = append(msgs, katcp.NewInform("help", &req, e.name, e.description+" Usage: "+e.usage))
	}
	if len(req.Args) == 1 && len(msgs) == 0 {
		return bridgeerr.Protocolf("unknown request %q", req.Args[0])
	}
	msgs = append(msgs, katcp.NewReply(req, katcp.StatusOK, strconv.Itoa(len(msgs))))
	c.send(msgs...)
	return nil
}

func (c *Connection) versionList(req katcp.Message) error {
	lib := "jive5ab-bridge-" + c.env.Version
	c.send(
		katcp.NewInform("version-list", &req, "katcp-protocol", katcp.ProtocolVersion),
		katcp.NewInform("version-list", &req, "katcp-library", lib, c.env.Version),
		katcp.NewInform("version-list", &req, "katcp-device", lib, c.env.Version),
		katcp.NewReply(req, katcp.StatusOK, "3"),
	)
	return nil
}

func (c *Connection) clientList(req katcp.Message) error {
	clients := c.env.Registry.Clients()
	msgs := make([]katcp.Message, 0, len(clients)+1)
	for _, cl := range clients {
		msgs = append(msgs, katcp.NewInform("client-list", &req, cl.RemoteAddr))
	}
	msgs = append(msgs, katcp.NewReply(req, katcp.StatusOK, strconv.Itoa(len(clients))))
	c.send(msgs...)
	return nil
}

// selectSensors returns the named sensor, or every sensor when the request
// has no argument.
func (c *Connection) selectSensors(req katcp.Message) ([]sensor.Value, error) {
	switch len(req.Args) {
	case 0:
		return c.env.Sensors.List(), nil
	case 1:
		v, ok := c.env.Sensors.Get(req.Args[0])
		if !ok {
			return nil, bridgeerr.Protocolf("unknown sensor %q", req.Args[0])
		}
		return []sensor.Value{v}, nil
	}
	return nil, bridgeerr.Protocolf("usage: %s", builtins[req.Name].usage)
}

func (c *Connection) sensorList(req katcp.Message) error {
	values, err := c.selectSensors(req)
	if err != nil {
		return err
	}
	msgs := make([]katcp.Message, 0, len(values)+1)
	for _, v := range values {
		msgs = append(msgs, katcp.NewInform("sensor-list", &req, v.Name, v.Description, v.Units, string(v.Type)))
	}
	msgs = append(msgs, katcp.NewReply(req, katcp.StatusOK, strconv.Itoa(len(values))))
	c.send(msgs...)
	return nil
}

func (c *Connection) sensorValue(req katcp.Message) error {
	values, err := c.selectSensors(req)
	if err != nil {
		return err
	}
	msgs := make([]katcp.Message, 0, len(values)+1)
	for _, v := range values {
		msgs = append(msgs, sensorInform("sensor-value", &req, v))
	}
	msgs = append(msgs, katcp.NewReply(req, katcp.StatusOK, strconv.Itoa(len(values))))
	c.send(msgs...)
	return nil
}

// sensorSampling replies before subscribing, so the first sensor-status
// inform follows the reply.
func (c *Connection) sensorSampling(req katcp.Message) error {
	if len(req.Args) < 1 || len(req.Args) > 2 {
		return bridgeerr.Protocolf("usage: %s", builtins["sensor-sampling"].usage)
	}
	name := req.Args[0]
	if _, ok := c.env.Sensors.Get(name); !ok {
		return bridgeerr.Protocolf("unknown sensor %q", name)
	}

	if len(req.Args) == 1 {
		current := StrategyNone
		for _, s := range c.env.Sensors.Subscriptions(c.id) {
			if s == name {
				current = StrategyEvent
			}
		}
		c.send(katcp.NewReply(req, katcp.StatusOK, name, current))
		return nil
	}

	strategy := strings.ToLower(req.Args[1])
	switch strategy {
	case StrategyNone:
		c.env.Sensors.Unsubscribe(name, c.id)
		c.send(katcp.NewReply(req, katcp.StatusOK, name, StrategyNone))
	case StrategyEvent, StrategyAuto:
		c.send(katcp.NewReply(req, katcp.StatusOK, name, strategy))
		if _, err := c.env.Sensors.Subscribe(name, c.id, func(v sensor.Value) {
			c.send(sensorInform("sensor-status", nil, v))
		}); err != nil {
			c.logger.Warn().Err(err).Str("sensor", name).Msg("subscribe failed")
		}
	default:
		return bridgeerr.Validationf("sampling strategy %q is not supported, use event, auto or none", req.Args[1])
	}
	return nil
}

// sensorInform renders "<ts> 1 <name> <status> <value>".
func sensorInform(name string, req *katcp.Message, v sensor.Value) katcp.Message {
	return katcp.NewInform(name, req, v.KatcpTimestamp(), "1", v.Name, string(v.Status), v.Value)
}
