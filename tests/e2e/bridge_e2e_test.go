package e2e

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/jive5ab-bridge/pkg/bridge"
	"github.com/turtacn/jive5ab-bridge/pkg/config"
	"github.com/turtacn/jive5ab-bridge/pkg/mirror"
	"github.com/turtacn/jive5ab-bridge/pkg/poller"
	"github.com/turtacn/jive5ab-bridge/pkg/protocol/katcp"
	"github.com/turtacn/jive5ab-bridge/tests/testutil"
)

const topicPrefix = "e2e/jive5ab"

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func startBroker(t *testing.T) string {
	t.Helper()
	addr := freeAddr(t)
	server := mochi.New(&mochi.Options{})
	require.NoError(t, server.AddHook(new(auth.AllowHook), nil))
	require.NoError(t, server.AddListener(listeners.NewTCP(listeners.Config{ID: "e2e", Address: addr})))
	require.NoError(t, server.Serve())
	t.Cleanup(func() { server.Close() })
	return "tcp://" + addr
}

// sensorFeed collects mirrored sensor payloads by topic.
type sensorFeed struct {
	mu   sync.Mutex
	last map[string]mirror.Payload
}

func (f *sensorFeed) get(topic string) (mirror.Payload, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.last[topic]
	return p, ok
}

func subscribe(t *testing.T, broker string) *sensorFeed {
	t.Helper()
	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID("e2e-subscriber")
	opts.SetConnectTimeout(5 * time.Second)
	client := mqtt.NewClient(opts)
	token := client.Connect()
	require.True(t, token.WaitTimeout(5*time.Second), "connect to broker")
	require.NoError(t, token.Error())
	t.Cleanup(func() { client.Disconnect(250) })

	feed := &sensorFeed{last: make(map[string]mirror.Payload)}
	token = client.Subscribe(topicPrefix+"/#", 1, func(_ mqtt.Client, msg mqtt.Message) {
		var p mirror.Payload
		if err := json.Unmarshal(msg.Payload(), &p); err != nil {
			t.Logf("bad payload on %s: %v", msg.Topic(), err)
			return
		}
		feed.mu.Lock()
		feed.last[msg.Topic()] = p
		feed.mu.Unlock()
	})
	require.True(t, token.WaitTimeout(5*time.Second), "subscribe")
	require.NoError(t, token.Error())
	return feed
}

func runBridge(t *testing.T, cfg *config.Config) *bridge.Bridge {
	t.Helper()
	b, err := bridge.New(cfg, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()
	select {
	case <-b.Ready():
	case err := <-done:
		cancel()
		t.Fatalf("bridge exited: %v", err)
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatal("bridge not ready")
	}
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Error("bridge did not stop")
		}
	})
	return b
}

func TestBridgeEndToEnd(t *testing.T) {
	rec := testutil.NewFakeRecorder(t)
	broker := startBroker(t)
	feed := subscribe(t, broker)

	cfg := config.DefaultConfig()
	cfg.Bridge.ListenAddr = "127.0.0.1:0"
	cfg.Bridge.PollInterval = config.Duration(50 * time.Millisecond)
	cfg.Bridge.StartupTimeout = config.Duration(2 * time.Second)
	cfg.Backend.Address = rec.Addr()
	cfg.Metrics.ListenAddr = ""
	cfg.Health.GRPCAddr = ""
	cfg.MQTT.Enabled = true
	cfg.MQTT.Broker = broker
	cfg.MQTT.ClientID = "e2e-bridge"
	cfg.MQTT.TopicPrefix = topicPrefix
	b := runBridge(t, cfg)

	client := testutil.DialKatcp(t, b.Addr().String())

	reply, _ := client.Request("sensor-sampling", poller.SensorScan, "event")
	require.Equal(t, katcp.StatusOK, reply.Arg(0))

	steps := []struct {
		name string
		args []string
	}{
		{"set-disks", []string{"/mnt/disk0", "/mnt/disk1"}},
		{"configure-network", []string{"udps", "46227"}},
		{"capture-start", nil},
		{"capture-stop", nil},
		{"record-start", []string{"exp001_scan1"}},
	}
	for _, s := range steps {
		reply, _ := client.Request(s.name, s.args...)
		require.Equal(t, katcp.StatusOK, reply.Arg(0), "%s: %v", s.name, reply.Args)
	}

	assert.Equal(t, []string{
		"set_disks = /mnt/disk0 : /mnt/disk1 ;",
		"net_protocol = udps : 33554432 : 33554432 : 4 ;",
		"net_port = 46227 ;",
		"net2file = open : /mnt/disk0/testscan/testscan.vdif,w ;",
		"net2file = on ;",
		"net2file = off ;",
		"net2file = flush ;",
		"net2file = close ;",
		"record = on : exp001_scan1 ;",
	}, rec.Writes())

	_, ok := client.Until(func(m katcp.Message) bool {
		return m.Name == "sensor-status" && m.Arg(2) == poller.SensorScan && m.Arg(4) == "exp001_scan1"
	}, 5*time.Second)
	assert.True(t, ok, "KATCP subscriber sees the scan name")

	assert.Eventually(t, func() bool {
		p, ok := feed.get(topicPrefix + "/" + poller.SensorRecordState)
		return ok && p.Value == "on" && p.Status == "nominal"
	}, 5*time.Second, 20*time.Millisecond, "MQTT mirror sees the record state")

	assert.Eventually(t, func() bool {
		p, ok := feed.get(topicPrefix + "/" + poller.SensorPort)
		return ok && p.Value == "46227"
	}, 5*time.Second, 20*time.Millisecond)

	reply, _ = client.Request("record-stop")
	require.Equal(t, katcp.StatusOK, reply.Arg(0))
	assert.Eventually(t, func() bool {
		p, ok := feed.get(topicPrefix + "/" + poller.SensorRecordState)
		return ok && p.Value == "off"
	}, 5*time.Second, 20*time.Millisecond)
}

func TestRecorderRestartIsVisibleToClients(t *testing.T) {
	rec := testutil.NewFakeRecorder(t)

	cfg := config.DefaultConfig()
	cfg.Bridge.ListenAddr = "127.0.0.1:0"
	cfg.Bridge.PollInterval = config.Duration(50 * time.Millisecond)
	cfg.Backend.Address = rec.Addr()
	cfg.Backend.ReconnectInitial = config.Duration(20 * time.Millisecond)
	cfg.Backend.ReconnectMax = config.Duration(100 * time.Millisecond)
	cfg.Metrics.ListenAddr = ""
	cfg.Health.GRPCAddr = ""
	b := runBridge(t, cfg)

	client := testutil.DialKatcp(t, b.Addr().String())
	reply, _ := client.Request("sensor-sampling", poller.SensorConnected, "event")
	require.Equal(t, katcp.StatusOK, reply.Arg(0))

	rec.Stop()
	_, ok := client.Until(func(m katcp.Message) bool {
		return m.Name == "sensor-status" && m.Arg(2) == poller.SensorConnected && m.Arg(4) == "0"
	}, 5*time.Second)
	require.True(t, ok, "disconnect is pushed")

	require.NoError(t, rec.Restart())
	_, ok = client.Until(func(m katcp.Message) bool {
		return m.Name == "sensor-status" && m.Arg(2) == poller.SensorConnected && m.Arg(4) == "1"
	}, 5*time.Second)
	require.True(t, ok, "reconnect is pushed")

	reply, _ = client.Request("record-status")
	assert.Equal(t, katcp.StatusOK, reply.Arg(0))
}
