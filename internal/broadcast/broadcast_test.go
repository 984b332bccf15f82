package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bletracker/go-mqtt-server/internal/livemap"
	"bletracker/go-mqtt-server/internal/model"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingSink struct {
	mu   sync.Mutex
	name string
	err  error
	got  []Message
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Deliver(_ context.Context, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, msg)
	return s.err
}

func (s *recordingSink) messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.got...)
}

func (s *recordingSink) events() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.got))
	for _, m := range s.got {
		out = append(out, m.Event)
	}
	return out
}

func TestEncodeEnvelope(t *testing.T) {
	msg, err := Encode(EventActiveMap, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"active-map","data":null}`, string(msg.Frame))
	assert.JSONEq(t, `null`, string(msg.Data))
}

func TestBroadcasterIsolatesFailingSinks(t *testing.T) {
	broken := &recordingSink{name: "broken", err: errors.New("connection reset")}
	healthy := &recordingSink{name: "healthy"}
	b := New(quietLogger(), broken, nil, healthy)
	t.Cleanup(b.Close)

	snap := livemap.Normalize(livemap.Scene{})
	require.NoError(t, b.BroadcastLiveUpdate(context.Background(), snap))
	require.NoError(t, b.BroadcastLiveUpdate(context.Background(), snap))

	want := []string{EventLiveMapUpdate, EventLiveMapUpdate}
	assert.Eventually(t, func() bool { return len(broken.events()) == 2 }, 3*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return len(healthy.events()) == 2 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, want, broken.events())
	assert.Equal(t, want, healthy.events())
}

// blockingSink holds every delivery until its context expires or release is closed.
type blockingSink struct {
	name    string
	release chan struct{}
	calls   atomic.Int32
}

func (s *blockingSink) Name() string { return s.name }

func (s *blockingSink) Deliver(ctx context.Context, _ Message) error {
	s.calls.Add(1)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.release:
		return nil
	}
}

func TestBroadcasterDoesNotWaitOnSlowSinks(t *testing.T) {
	slow := &blockingSink{name: "slow", release: make(chan struct{})}
	healthy := &recordingSink{name: "healthy"}
	b := New(quietLogger(), slow, healthy)
	t.Cleanup(b.Close)
	t.Cleanup(func() { close(slow.release) })

	snap := livemap.Normalize(livemap.Scene{})
	start := time.Now()
	for i := 0; i < 5; i++ {
		require.NoError(t, b.BroadcastLiveUpdate(context.Background(), snap))
	}
	for i := 0; i < 3*sinkBacklog; i++ {
		require.NoError(t, b.BroadcastLiveUpdate(context.Background(), snap))
	}
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	assert.Eventually(t, func() bool { return len(healthy.events()) >= 5 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), slow.calls.Load(), "the slow sink works through its own backlog")
}

type stalledPublisher struct {
	release chan struct{}
}

func (p *stalledPublisher) Publish(string, []byte) error {
	<-p.release
	return nil
}

func TestBroadcasterIsolatesStalledMQTTSink(t *testing.T) {
	pub := &stalledPublisher{release: make(chan struct{})}
	healthy := &recordingSink{name: "healthy"}
	b := New(quietLogger(), NewMQTTSink(pub, ""), healthy)
	t.Cleanup(b.Close)
	t.Cleanup(func() { close(pub.release) })

	start := time.Now()
	for i := 0; i < 2*sinkBacklog; i++ {
		require.NoError(t, b.BroadcastLiveUpdate(context.Background(), livemap.Normalize(livemap.Scene{})))
	}
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Eventually(t, func() bool { return len(healthy.events()) > 0 }, 3*time.Second, 10*time.Millisecond)
}

func TestBroadcasterIsolatesUnresponsiveRedis(t *testing.T) {
	// A listener that accepts and never answers keeps the Redis client waiting on replies.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() { _, _ = io.Copy(io.Discard, conn) }()
		}
	}()

	redisSink := NewRedisSink(ln.Addr().String(), "bletracker:test")
	t.Cleanup(func() { _ = redisSink.Close() })
	healthy := &recordingSink{name: "healthy"}
	b := New(quietLogger(), redisSink, healthy)
	t.Cleanup(b.Close)

	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, b.BroadcastLiveUpdate(context.Background(), livemap.Normalize(livemap.Scene{})))
	}
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Eventually(t, func() bool { return len(healthy.events()) == 3 }, 3*time.Second, 10*time.Millisecond)
}

func TestBroadcasterActiveMapCache(t *testing.T) {
	sink := &recordingSink{name: "rec"}
	b := New(quietLogger(), sink)
	t.Cleanup(b.Close)
	assert.Nil(t, b.ActiveMap())

	fp := &model.FloorPlan{ID: "fp-1", Name: "Hall", Width: 800, Height: 600, Active: true}
	b.LoadActiveMap(fp)
	assert.Empty(t, sink.events(), "priming the cache is silent")

	fp.Name = "mutated"
	assert.Equal(t, "Hall", b.ActiveMap().Name)

	require.NoError(t, b.SetActiveMap(context.Background(), &model.FloorPlan{ID: "fp-2", Name: "Yard"}))
	assert.Equal(t, "fp-2", b.ActiveMap().ID)
	require.Eventually(t, func() bool { return len(sink.events()) == 1 }, 3*time.Second, 10*time.Millisecond)
	require.Equal(t, []string{EventActiveMapUpdated}, sink.events())

	var got model.FloorPlan
	require.NoError(t, json.Unmarshal(sink.messages()[0].Data, &got))
	assert.Equal(t, "Yard", got.Name)
}

type fakePublisher struct {
	topics   []string
	payloads [][]byte
}

func (f *fakePublisher) Publish(topic string, payload []byte) error {
	f.topics = append(f.topics, topic)
	f.payloads = append(f.payloads, payload)
	return nil
}

func TestMQTTSinkPublishesBarePayload(t *testing.T) {
	pub := &fakePublisher{}
	sink := NewMQTTSink(pub, "/site-7/")

	msg, err := Encode(EventLiveMapUpdate, map[string]int{"n": 1})
	require.NoError(t, err)
	require.NoError(t, sink.Deliver(context.Background(), msg))

	assert.Equal(t, []string{"site-7/live-map-update"}, pub.topics)
	assert.JSONEq(t, `{"n":1}`, string(pub.payloads[0]))
	assert.Equal(t, "bletracker/active-map", NewMQTTSink(pub, "").Topic(EventActiveMap))
}

func TestRedisSinkSurfacesConnectionErrors(t *testing.T) {
	sink := NewRedisSink("127.0.0.1:1", "bletracker:test")
	t.Cleanup(func() { _ = sink.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	msg, err := Encode(EventLiveMapUpdate, nil)
	require.NoError(t, err)
	assert.Error(t, sink.Deliver(ctx, msg))
	assert.Equal(t, "redis", sink.Name())
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) envelope {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var env envelope
	require.NoError(t, json.Unmarshal(data, &env))
	return env
}

func TestHubGreetsAndBroadcasts(t *testing.T) {
	hub := NewHub(quietLogger(), nil)
	b := New(quietLogger(), hub)
	t.Cleanup(b.Close)
	b.LoadActiveMap(&model.FloorPlan{ID: "fp-1", Name: "Hall"})
	hub.OnJoin(b.Greet)

	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)
	t.Cleanup(hub.Close)

	first := dial(t, srv)
	env := readEnvelope(t, first)
	assert.Equal(t, EventActiveMap, env.Event)
	assert.Contains(t, string(env.Data), `"fp-1"`)

	second := dial(t, srv)
	_ = readEnvelope(t, second)
	require.Eventually(t, func() bool { return hub.Len() == 2 }, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, b.BroadcastLiveUpdate(context.Background(), livemap.Normalize(livemap.Scene{})))
	for _, conn := range []*websocket.Conn{first, second} {
		env := readEnvelope(t, conn)
		assert.Equal(t, EventLiveMapUpdate, env.Event)
		assert.JSONEq(t, `{"map":null,"gateways":[],"employees":[],"assets":[],"zones":[]}`, string(env.Data))
	}

	require.NoError(t, first.Close())
	assert.Eventually(t, func() bool { return hub.Len() == 1 }, 3*time.Second, 10*time.Millisecond)
}

func TestHubDropsFramesForFullClients(t *testing.T) {
	hub := NewHub(quietLogger(), nil)
	c := &Client{hub: hub, send: make(chan []byte, 1)}
	hub.clients[c] = struct{}{}

	msg := Message{Event: "x", Frame: []byte(`{}`)}
	require.NoError(t, hub.Deliver(context.Background(), msg))
	require.NoError(t, hub.Deliver(context.Background(), msg))

	assert.Len(t, c.send, 1)
	assert.False(t, c.Send([]byte(`{}`)))

	hub.Close()
	assert.Zero(t, hub.Len())
	assert.False(t, c.Send([]byte(`{}`)), "closed clients reject frames")
}
