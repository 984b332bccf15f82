package mqttbroker

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"sync/atomic"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatch(t *testing.T) {
	tests := []struct {
		filter, topic string
		want          bool
	}{
		{"warehouse/+/beacons", "warehouse/AA:BB/beacons", true},
		{"warehouse/+/beacons", "warehouse/AA:BB/status", false},
		{"warehouse/+/beacons", "warehouse/beacons", false},
		{"warehouse/#", "warehouse/AA/beacons", true},
		{"warehouse/#", "warehouse", true},
		{"#", "warehouse/AA/beacons", true},
		{"#", "$SYS/uptime", false},
		{"+/live-map", "$SYS/live-map", false},
		{"a/b", "a/b", true},
		{"a/b", "a/b/c", false},
		{"a/+", "a/", true},
	}

	for _, tt := range tests {
		t.Run(tt.filter+" "+tt.topic, func(t *testing.T) {
			assert.Equal(t, tt.want, Match(tt.filter, tt.topic))
		})
	}
}

func TestValidateFilter(t *testing.T) {
	assert.NoError(t, validateFilter("warehouse/+/beacons"))
	assert.NoError(t, validateFilter("#"))
	assert.Error(t, validateFilter(""))
	assert.Error(t, validateFilter("a/#/b"))
	assert.Error(t, validateFilter("a/b+"))
	assert.Error(t, validateTopicName("a/+/b"))
}

func TestRemainingLengthRoundTrip(t *testing.T) {
	for _, n := range []int{0, 127, 128, 16383, 16384, 2097151, maxRemainingLength} {
		encoded := appendRemainingLength(nil, n)
		assert.LessOrEqual(t, len(encoded), 4)
	}
}

func startBroker(t *testing.T) *Broker {
	t.Helper()

	b := New(slog.New(slog.NewTextHandler(io.Discard, nil)))
	_, err := b.Start("127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Stop() })
	return b
}

func connect(t *testing.T, b *Broker, clientID string) mqtt.Client {
	t.Helper()

	opts := mqtt.NewClientOptions().
		AddBroker("tcp://" + b.Addr().String()).
		SetClientID(clientID).
		SetAutoReconnect(false).
		SetConnectTimeout(2 * time.Second)
	client := mqtt.NewClient(opts)

	token := client.Connect()
	require.True(t, token.WaitTimeout(3*time.Second))
	require.NoError(t, token.Error())
	t.Cleanup(func() { client.Disconnect(50) })
	return client
}

func TestBrokerDeliversToHandlerAndWildcardSubscribers(t *testing.T) {
	b := startBroker(t)

	handled := make(chan PublishMessage, 1)
	b.SetPublishHandler(func(_ context.Context, msg PublishMessage) {
		handled <- msg
	})

	sub := connect(t, b, "dashboard")
	received := make(chan string, 1)
	token := sub.Subscribe("warehouse/+/beacons", 0, func(_ mqtt.Client, m mqtt.Message) {
		received <- m.Topic()
	})
	require.True(t, token.WaitTimeout(3*time.Second))
	require.NoError(t, token.Error())

	pub := connect(t, b, "gateway-1")
	token = pub.Publish("warehouse/AA:BB:CC/beacons", 0, false, []byte(`{"bleMac":"b1","rssi":-60}`))
	require.True(t, token.WaitTimeout(3*time.Second))

	select {
	case msg := <-handled:
		assert.Equal(t, "warehouse/AA:BB:CC/beacons", msg.Topic)
		assert.Equal(t, "gateway-1", msg.ClientID)
		assert.JSONEq(t, `{"bleMac":"b1","rssi":-60}`, string(msg.Payload))
	case <-time.After(3 * time.Second):
		t.Fatal("handler not invoked")
	}

	select {
	case topic := <-received:
		assert.Equal(t, "warehouse/AA:BB:CC/beacons", topic)
	case <-time.After(3 * time.Second):
		t.Fatal("subscriber did not receive publish")
	}
}

func TestBrokerPublishFromServer(t *testing.T) {
	b := startBroker(t)

	sub := connect(t, b, "dashboard")
	received := make(chan []byte, 1)
	token := sub.Subscribe("bletracker/#", 0, func(_ mqtt.Client, m mqtt.Message) {
		received <- m.Payload()
	})
	require.True(t, token.WaitTimeout(3*time.Second))
	require.NoError(t, token.Error())

	require.NoError(t, b.Publish("bletracker/live-map-update", []byte(`{"ok":true}`)))
	assert.Error(t, b.Publish("bletracker/+", nil))

	select {
	case payload := <-received:
		assert.JSONEq(t, `{"ok":true}`, string(payload))
	case <-time.After(3 * time.Second):
		t.Fatal("subscriber did not receive server publish")
	}
}

func TestBrokerSurvivesHandlerPanic(t *testing.T) {
	b := startBroker(t)

	var calls atomic.Int32
	b.SetPublishHandler(func(context.Context, PublishMessage) {
		if calls.Add(1) == 1 {
			panic("boom")
		}
	})

	pub := connect(t, b, "gateway-1")
	for i := 0; i < 2; i++ {
		token := pub.Publish("warehouse/gw/beacons", 0, false, []byte(`{}`))
		require.True(t, token.WaitTimeout(3*time.Second))
	}

	assert.Eventually(t, func() bool { return calls.Load() == 2 }, 3*time.Second, 10*time.Millisecond)
	assert.True(t, pub.IsConnected())
}

func TestBrokerStopIsIdempotent(t *testing.T) {
	b := New(nil)
	_, err := b.Start("127.0.0.1:0")
	require.NoError(t, err)

	require.NoError(t, b.Stop())
	require.NoError(t, b.Stop())
	assert.Nil(t, b.Addr())
}

// dialStalled connects and subscribes over raw TCP, then never reads again.
func dialStalled(t *testing.T, b *Broker, filter string) net.Conn {
	t.Helper()

	conn, err := net.Dial("tcp", b.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	if tcp, ok := conn.(*net.TCPConn); ok {
		require.NoError(t, tcp.SetReadBuffer(4096))
	}

	clientID := "stalled"
	connectBody := []byte{0x00, 0x04, 'M', 'Q', 'T', 'T', 0x04, flagCleanSession, 0x00, 0x3C}
	connectBody = append(connectBody, 0x00, byte(len(clientID)))
	connectBody = append(connectBody, clientID...)
	packet := appendRemainingLength([]byte{packetConnect << 4}, len(connectBody))
	packet = append(packet, connectBody...)

	subBody := []byte{0x00, 0x01, 0x00, byte(len(filter))}
	subBody = append(subBody, filter...)
	subBody = append(subBody, 0x00)
	packet = append(packet, appendRemainingLength([]byte{packetSubscribe<<4 | 0x02}, len(subBody))...)
	packet = append(packet, subBody...)

	_, err = conn.Write(packet)
	require.NoError(t, err)

	acks := make([]byte, len(connAckAccepted)+5)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, err = io.ReadFull(conn, acks)
	require.NoError(t, err)
	require.True(t, bytes.Equal(connAckAccepted, acks[:len(connAckAccepted)]))
	require.Equal(t, byte(0x90), acks[len(connAckAccepted)])
	return conn
}

func TestBrokerPublishDoesNotWaitOnStalledSubscriber(t *testing.T) {
	b := startBroker(t)
	_ = dialStalled(t, b, "#")
	require.Eventually(t, func() bool { return b.Clients() == 1 }, 3*time.Second, 10*time.Millisecond)

	payload := bytes.Repeat([]byte("x"), 64*1024)
	start := time.Now()
	for i := 0; i < 300; i++ {
		require.NoError(t, b.Publish("bletracker/live-map-update", payload))
	}
	assert.Less(t, time.Since(start), writeTimeout, "publish must not block on a full client socket")

	assert.Eventually(t, func() bool { return b.Clients() == 0 }, 3*time.Second, 10*time.Millisecond,
		"a subscriber that stops reading is dropped")
}

func TestBrokerKeepsServingOthersAfterDroppingStalledSubscriber(t *testing.T) {
	b := startBroker(t)
	_ = dialStalled(t, b, "bletracker/#")

	handled := make(chan string, 1)
	b.SetPublishHandler(func(_ context.Context, msg PublishMessage) {
		select {
		case handled <- msg.Topic:
		default:
		}
	})

	payload := bytes.Repeat([]byte("x"), 64*1024)
	for i := 0; i < 2*sessionQueue; i++ {
		require.NoError(t, b.Publish("bletracker/live-map-update", payload))
	}

	gw := connect(t, b, "gateway-1")
	token := gw.Publish("warehouse/gw/beacons", 0, false, []byte(`{}`))
	require.True(t, token.WaitTimeout(3*time.Second))

	select {
	case topic := <-handled:
		assert.Equal(t, "warehouse/gw/beacons", topic)
	case <-time.After(3 * time.Second):
		t.Fatal("gateway publish not handled while a subscriber is stalled")
	}
}
