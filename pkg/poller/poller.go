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

// Package poller keeps the sensor store in step with the recorder by
// issuing read-only queries on a fixed interval.
package poller

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/turtacn/jive5ab-bridge/pkg/actor"
	"github.com/turtacn/jive5ab-bridge/pkg/backend"
	"github.com/turtacn/jive5ab-bridge/pkg/bridgeerr"
	"github.com/turtacn/jive5ab-bridge/pkg/protocol/jive"
	"github.com/turtacn/jive5ab-bridge/pkg/sensor"
	"github.com/turtacn/jive5ab-bridge/pkg/translator"
)

// ClientID identifies the poller's requests in the backend queue and logs.
const ClientID = "poller"

// Sensor names.
const (
	SensorConnected   = "jive5ab-connected"
	SensorState       = "jive5ab-state"
	SensorBytes       = "jive5ab-bytes"
	SensorRecordState = "jive5ab-record-state"
	SensorScan        = "jive5ab-scan"
	SensorDiskGB      = "jive5ab-disk-remaining-gb"
	SensorDiskPct     = "jive5ab-disk-remaining-pct"
	SensorProtocol    = "jive5ab-protocol"
	SensorPort        = "jive5ab-port"
	SensorEVLBI       = "jive5ab-evlbi"
	SensorError       = "jive5ab-error"
)

const (
	diskWarnPercent     = 10.0
	diskCriticalPercent = 2.0
)

// Definitions lists every sensor the poller maintains.
func Definitions() []sensor.Definition {
	return []sensor.Definition{
		{Name: SensorConnected, Description: "Bridge has a working session to jive5ab", Type: sensor.TypeBoolean, Initial: "0"},
		{Name: SensorState, Description: "jive5ab state from status?", Type: sensor.TypeString, Initial: "unknown"},
		{Name: SensorBytes, Description: "Bytes recorded", Units: "B", Type: sensor.TypeInteger, Initial: "0"},
		{Name: SensorRecordState, Description: "Recording state from record?", Type: sensor.TypeString, Initial: "unknown"},
		{Name: SensorScan, Description: "Current scan name", Type: sensor.TypeString},
		{Name: SensorDiskGB, Description: "Recording capacity left", Units: "GB", Type: sensor.TypeFloat, Initial: "0"},
		{Name: SensorDiskPct, Description: "Recording capacity left", Units: "%", Type: sensor.TypeFloat, Initial: "0"},
		{Name: SensorProtocol, Description: "Network capture protocol", Type: sensor.TypeString, Initial: "unknown"},
		{Name: SensorPort, Description: "Network capture port", Type: sensor.TypeString, Initial: "unknown"},
		{Name: SensorEVLBI, Description: "Received packet statistics", Type: sensor.TypeString},
		{Name: SensorError, Description: "Last poll error, empty when clear", Type: sensor.TypeString},
	}
}

// Register adds the poller's sensors to store.
func Register(store *sensor.Store) error {
	for _, d := range Definitions() {
		if err := store.Register(d); err != nil {
			return err
		}
	}
	return nil
}

// PollNow asks the poller for an immediate refresh.
type PollNow struct{}

// Backend is the part of the backend session the poller needs.
type Backend interface {
	Submit(ctx context.Context, client string, cmd jive.Command) (jive.Reply, error)
	State() backend.State
}

type query struct {
	cmd     jive.Command
	sensors []string
	update  func(r jive.Reply) error
}

// Poller is the actor that owns all writes to the sensor store.
type Poller struct {
	backend  Backend
	store    *sensor.Store
	interval time.Duration
	logger   zerolog.Logger
	queries  []query
}

// New creates a poller. The store must already hold Definitions().
func New(b Backend, store *sensor.Store, interval time.Duration, logger zerolog.Logger) *Poller {
	if interval <= 0 {
		interval = time.Second
	}
	p := &Poller{
		backend:  b,
		store:    store,
		interval: interval,
		logger:   logger.With().Str("component", "poller").Logger(),
	}
	p.queries = []query{
		{translator.QueryStatus, []string{SensorState}, p.updateStatus},
		{translator.QueryRecord, []string{SensorRecordState, SensorScan}, p.updateRecord},
		{translator.QueryRTime, []string{SensorDiskGB, SensorDiskPct}, p.updateRTime},
		{translator.QueryNetProtocol, []string{SensorProtocol}, p.updateProtocol},
		{translator.QueryNetPort, []string{SensorPort}, p.updatePort},
		{translator.QueryEVLBI, []string{SensorEVLBI}, p.updateEVLBI},
	}
	return p
}

// Start implements actor.Actor. It polls once immediately, then on every
// tick and on every PollNow message, until ctx is done.
func (p *Poller) Start(ctx context.Context, mb *actor.Mailbox) error {
	p.logger.Info().Dur("interval", p.interval).Msg("poller started")
	p.PollOnce(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.PollOnce(ctx)
		case msg := <-mb.Chan():
			switch msg.(type) {
			case PollNow:
				p.PollOnce(ctx)
			default:
				p.logger.Warn().Type("message", msg).Msg("ignoring unknown message")
			}
		}
	}
}

// PollOnce refreshes every sensor from the recorder, or marks them all
// unreachable when there is no session.
func (p *Poller) PollOnce(ctx context.Context) {
	if p.backend.State() != backend.StateReady {
		p.markUnreachable()
		return
	}
	p.set(SensorConnected, sensor.Bool(true), sensor.StatusNominal)

	var problems []string
	for _, q := range p.queries {
		r, err := p.backend.Submit(ctx, ClientID, q.cmd)
		if err == nil {
			err = q.update(r)
		}
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, bridgeerr.ErrBackendDisconnected) {
			p.markUnreachable()
			return
		}
		p.logger.Warn().Err(err).Str("query", q.cmd.String()).Msg("poll query failed")
		problems = append(problems, fmt.Sprintf("%s: %v", q.cmd.Name(), err))
		for _, name := range q.sensors {
			p.flag(name, sensor.StatusError)
		}
	}

	if len(problems) == 0 {
		p.set(SensorError, "", sensor.StatusNominal)
	} else {
		p.set(SensorError, problems[0], sensor.StatusError)
	}
}

// markUnreachable invalidates every recorder-derived sensor. The connected
// sensor is the bridge's own knowledge and stays valid.
func (p *Poller) markUnreachable() {
	if n := p.store.MarkAll(sensor.StatusUnreachable, SensorConnected); n > 0 {
		p.logger.Info().Int("sensors", n).Msg("backend not ready, sensors marked unreachable")
	}
	p.set(SensorConnected, sensor.Bool(false), sensor.StatusError)
}

func (p *Poller) set(name, value string, status sensor.Status) {
	if _, err := p.store.Set(name, value, status); err != nil {
		p.logger.Error().Err(err).Str("sensor", name).Msg("sensor update failed")
	}
}

// flag changes a sensor's status and keeps its value.
func (p *Poller) flag(name string, status sensor.Status) {
	if v, ok := p.store.Get(name); ok {
		p.set(name, v.Value, status)
	}
}

func (p *Poller) updateStatus(r jive.Reply) error {
	s, err := translator.ParseStatus(r)
	if err != nil {
		return err
	}
	status := sensor.StatusNominal
	if s.ErrorPending {
		status = sensor.StatusWarn
	}
	p.set(SensorState, s.State, status)
	if s.HasBytes {
		p.set(SensorBytes, strconv.FormatInt(s.Bytes, 10), sensor.StatusNominal)
	}
	return nil
}

func (p *Poller) updateRecord(r jive.Reply) error {
	rec, err := translator.ParseRecord(r)
	if err != nil {
		return err
	}
	p.set(SensorRecordState, rec.State, sensor.StatusNominal)
	p.set(SensorScan, rec.Scan, sensor.StatusNominal)
	if rec.HasBytes {
		p.set(SensorBytes, strconv.FormatInt(rec.Bytes, 10), sensor.StatusNominal)
	}
	return nil
}

func (p *Poller) updateRTime(r jive.Reply) error {
	rt, err := translator.ParseRTime(r)
	if err != nil {
		return err
	}
	status := sensor.StatusNominal
	switch {
	case rt.Percent < diskCriticalPercent:
		status = sensor.StatusError
	case rt.Percent < diskWarnPercent:
		status = sensor.StatusWarn
	}
	p.set(SensorDiskGB, strconv.FormatFloat(rt.GB, 'f', 3, 64), status)
	p.set(SensorDiskPct, strconv.FormatFloat(rt.Percent, 'f', 2, 64), status)
	return nil
}

func (p *Poller) updateProtocol(r jive.Reply) error {
	np, err := translator.ParseNetProtocol(r)
	if err != nil {
		return err
	}
	p.set(SensorProtocol, np.String(), sensor.StatusNominal)
	return nil
}

func (p *Poller) updatePort(r jive.Reply) error {
	port, err := translator.ParseNetPort(r)
	if err != nil {
		return err
	}
	p.set(SensorPort, port, sensor.StatusNominal)
	return nil
}

func (p *Poller) updateEVLBI(r jive.Reply) error {
	e, err := translator.ParseEVLBI(r)
	if err != nil {
		return err
	}
	status := sensor.StatusNominal
	if e.LossPct > 0 {
		status = sensor.StatusWarn
	}
	p.set(SensorEVLBI, e.String(), status)
	return nil
}
