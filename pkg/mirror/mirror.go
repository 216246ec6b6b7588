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

// Package mirror republishes every sensor change to an MQTT broker so
// dashboards can follow the recorder without speaking KATCP.
package mirror

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/turtacn/jive5ab-bridge/pkg/actor"
	"github.com/turtacn/jive5ab-bridge/pkg/config"
	"github.com/turtacn/jive5ab-bridge/pkg/metrics"
	"github.com/turtacn/jive5ab-bridge/pkg/sensor"
)

// WatchID is the store watcher id used by the mirror.
const WatchID = "mqtt-mirror"

const (
	connectTimeout = 10 * time.Second
	publishTimeout = 5 * time.Second
)

// Payload is the JSON body published for each sensor value.
type Payload struct {
	Value     string      `json:"value"`
	Status    string      `json:"status"`
	Timestamp json.Number `json:"timestamp"`
	Type      string      `json:"type"`
}

// NewPayload renders v for publishing.
func NewPayload(v sensor.Value) Payload {
	return Payload{
		Value:     v.Value,
		Status:    string(v.Status),
		Timestamp: json.Number(v.KatcpTimestamp()),
		Type:      string(v.Type),
	}
}

// Mirror is the actor that publishes sensor values. A full mailbox drops
// the update rather than holding up the sensor store.
type Mirror struct {
	cfg    config.MQTTConfig
	store  *sensor.Store
	logger zerolog.Logger
}

// New creates a mirror for store.
func New(cfg config.MQTTConfig, store *sensor.Store, logger zerolog.Logger) *Mirror {
	return &Mirror{
		cfg:    cfg,
		store:  store,
		logger: logger.With().Str("component", "mirror").Logger(),
	}
}

// Topic returns the topic a sensor is published on.
func (m *Mirror) Topic(name string) string {
	return strings.TrimSuffix(m.cfg.TopicPrefix, "/") + "/" + name
}

func (m *Mirror) options() *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(m.cfg.Broker)
	opts.SetClientID(m.cfg.ClientID)
	if m.cfg.Username != "" {
		opts.SetUsername(m.cfg.Username)
		opts.SetPassword(m.cfg.Password)
	}
	opts.SetKeepAlive(30 * time.Second)
	opts.SetConnectTimeout(connectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		m.logger.Warn().Err(err).Msg("broker connection lost")
	})
	opts.SetOnConnectHandler(func(mqtt.Client) {
		m.logger.Info().Str("broker", m.cfg.Broker).Msg("connected to broker")
	})
	return opts
}

// Start implements actor.Actor. It connects, then publishes every value
// delivered to mb until ctx is done. A failed connect is returned so the
// supervisor retries with backoff.
func (m *Mirror) Start(ctx context.Context, mb *actor.Mailbox) error {
	client := mqtt.NewClient(m.options())
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("connect to %s: timed out", m.cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connect to %s: %w", m.cfg.Broker, err)
	}
	defer client.Disconnect(250)

	m.store.Watch(WatchID, func(v sensor.Value) {
		if !mb.TrySend(v) {
			metrics.MirrorPublishesTotal.WithLabelValues("dropped").Inc()
		}
	})
	defer m.store.RemoveAllSubscriptions(WatchID)

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-mb.Chan():
			v, ok := msg.(sensor.Value)
			if !ok {
				m.logger.Warn().Type("message", msg).Msg("ignoring unknown message")
				continue
			}
			m.publish(client, v)
		}
	}
}

func (m *Mirror) publish(client mqtt.Client, v sensor.Value) {
	body, err := json.Marshal(NewPayload(v))
	if err != nil {
		metrics.MirrorPublishesTotal.WithLabelValues("error").Inc()
		m.logger.Error().Err(err).Str("sensor", v.Name).Msg("encode failed")
		return
	}

	token := client.Publish(m.Topic(v.Name), m.cfg.QoS, m.cfg.Retain, body)
	if !token.WaitTimeout(publishTimeout) {
		metrics.MirrorPublishesTotal.WithLabelValues("timeout").Inc()
		m.logger.Warn().Str("sensor", v.Name).Msg("publish timed out")
		return
	}
	if err := token.Error(); err != nil {
		metrics.MirrorPublishesTotal.WithLabelValues("error").Inc()
		m.logger.Warn().Err(err).Str("sensor", v.Name).Msg("publish failed")
		return
	}
	metrics.MirrorPublishesTotal.WithLabelValues("ok").Inc()
}
