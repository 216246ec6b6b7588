package mirror

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/mochi-mqtt/server/v2/packets"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/jive5ab-bridge/pkg/actor"
	"github.com/turtacn/jive5ab-bridge/pkg/config"
	"github.com/turtacn/jive5ab-bridge/pkg/sensor"
)

type received struct {
	mu     sync.Mutex
	topics map[string][]Payload
}

func (r *received) last(topic string) (Payload, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	msgs := r.topics[topic]
	if len(msgs) == 0 {
		return Payload{}, false
	}
	return msgs[len(msgs)-1], true
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

// startBroker runs an embedded broker and records everything published
// under prefix.
func startBroker(t *testing.T, prefix string) (string, *received) {
	t.Helper()
	addr := freeAddr(t)

	server := mochi.New(&mochi.Options{InlineClient: true})
	require.NoError(t, server.AddHook(new(auth.AllowHook), nil))
	require.NoError(t, server.AddListener(listeners.NewTCP(listeners.Config{ID: "test", Address: addr})))
	require.NoError(t, server.Serve())
	t.Cleanup(func() { server.Close() })

	rec := &received{topics: make(map[string][]Payload)}
	require.NoError(t, server.Subscribe(prefix+"/#", 1, func(_ *mochi.Client, _ packets.Subscription, pk packets.Packet) {
		var p Payload
		if err := json.Unmarshal(pk.Payload, &p); err != nil {
			return
		}
		rec.mu.Lock()
		rec.topics[pk.TopicName] = append(rec.topics[pk.TopicName], p)
		rec.mu.Unlock()
	}))
	return "tcp://" + addr, rec
}

func newStore(t *testing.T) *sensor.Store {
	t.Helper()
	clock := sensor.NewClock(func() time.Time { return time.Unix(1700000000, 250_000_000) })
	store := sensor.NewStore(clock)
	require.NoError(t, store.Register(sensor.Definition{Name: "jive5ab-state", Type: sensor.TypeString, Initial: "unknown"}))
	require.NoError(t, store.Register(sensor.Definition{Name: "jive5ab-disk-remaining-pct", Type: sensor.TypeFloat, Units: "%"}))
	return store
}

func TestTopic(t *testing.T) {
	m := New(config.MQTTConfig{TopicPrefix: "site/rec1/"}, nil, zerolog.Nop())
	assert.Equal(t, "site/rec1/jive5ab-state", m.Topic("jive5ab-state"))
}

func TestNewPayload(t *testing.T) {
	v := sensor.Value{
		Name:      "jive5ab-disk-remaining-pct",
		Type:      sensor.TypeFloat,
		Value:     "87.50",
		Status:    sensor.StatusNominal,
		Timestamp: time.Unix(1700000000, 250_000_000),
	}
	body, err := json.Marshal(NewPayload(v))
	require.NoError(t, err)
	assert.JSONEq(t, `{"value":"87.50","status":"nominal","timestamp":1700000000.250,"type":"float"}`, string(body))
}

func TestMirrorPublishesSensorValues(t *testing.T) {
	broker, rec := startBroker(t, "bridge/sensors")
	store := newStore(t)
	m := New(config.MQTTConfig{
		Broker:      broker,
		ClientID:    "mirror-test",
		TopicPrefix: "bridge/sensors",
		QoS:         1,
		Retain:      true,
	}, store, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Start(ctx, actor.NewMailbox(64)) }()

	require.Eventually(t, func() bool {
		p, ok := rec.last("bridge/sensors/jive5ab-state")
		return ok && p.Value == "unknown"
	}, 5*time.Second, 20*time.Millisecond, "current values are mirrored on start")

	_, err := store.Set("jive5ab-state", "recording", sensor.StatusNominal)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		p, ok := rec.last("bridge/sensors/jive5ab-state")
		return ok && p.Value == "recording"
	}, 5*time.Second, 20*time.Millisecond)

	p, _ := rec.last("bridge/sensors/jive5ab-state")
	assert.Equal(t, "nominal", p.Status)
	assert.Equal(t, "string", p.Type)
	assert.NotEmpty(t, p.Timestamp)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("mirror did not stop")
	}

	_, err = store.Set("jive5ab-state", "ready", sensor.StatusNominal)
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	p, _ = rec.last("bridge/sensors/jive5ab-state")
	assert.Equal(t, "recording", p.Value, "no publishes after stop")
}

func TestMirrorConnectFailure(t *testing.T) {
	m := New(config.MQTTConfig{
		Broker:      "tcp://" + freeAddr(t),
		ClientID:    "mirror-test",
		TopicPrefix: "x",
	}, newStore(t), zerolog.Nop())

	err := m.Start(context.Background(), actor.NewMailbox(4))
	assert.Error(t, err)
}

func TestMirrorDropsWhenMailboxFull(t *testing.T) {
	broker, _ := startBroker(t, "full")
	store := newStore(t)
	m := New(config.MQTTConfig{Broker: broker, ClientID: "mirror-full", TopicPrefix: "full"}, store, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mb := actor.NewMailbox(1)
	done := make(chan error, 1)
	go func() { done <- m.Start(ctx, mb) }()

	for i := 0; i < 50; i++ {
		_, err := store.Set("jive5ab-state", time.Duration(i).String(), sensor.StatusNominal)
		require.NoError(t, err)
	}
	assert.LessOrEqual(t, mb.Len(), 1, "the store is never blocked by the mirror")
	cancel()
	<-done
}
