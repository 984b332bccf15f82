// Package broadcast pushes live-map events to subscribers over websocket, MQTT, and
// optionally Redis pub/sub.
package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"bletracker/go-mqtt-server/internal/livemap"
	"bletracker/go-mqtt-server/internal/metrics"
	"bletracker/go-mqtt-server/internal/model"
)

// Event names seen by subscribers.
const (
	EventLiveMapUpdate    = "live-map-update"
	EventActiveMap        = "active-map"
	EventActiveMapUpdated = "active-map-updated"
)

// Message is one encoded event. Frame is the {"event","data"} envelope; Data is the
// bare payload for transports that carry the event name elsewhere.
type Message struct {
	Event string
	Data  json.RawMessage
	Frame []byte
}

type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Encode marshals data into a Message for event.
func Encode(event string, data any) (Message, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s: %w", event, err)
	}
	frame, err := json.Marshal(envelope{Event: event, Data: raw})
	if err != nil {
		return Message{}, fmt.Errorf("encode %s envelope: %w", event, err)
	}
	return Message{Event: event, Data: raw, Frame: frame}, nil
}

// Sink is a subscriber transport.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, msg Message) error
}

const (
	// sinkBacklog is how many events may wait for one sink before new ones are dropped.
	sinkBacklog = 8
	// deliverTimeout bounds a single Deliver call.
	deliverTimeout = 2 * time.Second
)

// sinkQueue serializes deliveries to one sink on its own goroutine.
type sinkQueue struct {
	sink  Sink
	queue chan Message
}

// Broadcaster encodes events once and queues them for every sink. Each sink drains its
// own queue, so a slow or failing sink only loses its own events.
type Broadcaster struct {
	queues []*sinkQueue
	logger *slog.Logger

	stop      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	mu        sync.RWMutex
	activeMap *model.FloorPlan
}

// New returns a Broadcaster over sinks and starts one delivery goroutine per sink.
// Nil sinks are ignored. Call Close to stop delivery.
func New(logger *slog.Logger, sinks ...Sink) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Broadcaster{logger: logger, stop: make(chan struct{})}
	for _, s := range sinks {
		if s == nil {
			continue
		}
		q := &sinkQueue{sink: s, queue: make(chan Message, sinkBacklog)}
		b.queues = append(b.queues, q)
		b.wg.Add(1)
		go b.drain(q)
	}
	return b
}

// Close stops the delivery goroutines. Events still queued are discarded.
func (b *Broadcaster) Close() {
	b.closeOnce.Do(func() { close(b.stop) })
	b.wg.Wait()
}

// BroadcastLiveUpdate pushes a full snapshot to every subscriber.
func (b *Broadcaster) BroadcastLiveUpdate(ctx context.Context, snap livemap.Snapshot) error {
	return b.emit(ctx, EventLiveMapUpdate, snap)
}

// ActiveMap returns the cached active floor-plan, or nil.
func (b *Broadcaster) ActiveMap() *model.FloorPlan {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.activeMap == nil {
		return nil
	}
	fp := *b.activeMap
	return &fp
}

// LoadActiveMap primes the cache without notifying anyone.
func (b *Broadcaster) LoadActiveMap(fp *model.FloorPlan) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if fp == nil {
		b.activeMap = nil
		return
	}
	cp := *fp
	b.activeMap = &cp
}

// SetActiveMap caches fp and notifies every subscriber of the change.
func (b *Broadcaster) SetActiveMap(ctx context.Context, fp *model.FloorPlan) error {
	b.LoadActiveMap(fp)
	return b.emit(ctx, EventActiveMapUpdated, b.ActiveMap())
}

// Greet sends the cached active floor-plan to one newly joined client.
func (b *Broadcaster) Greet(c *Client) {
	msg, err := Encode(EventActiveMap, b.ActiveMap())
	if err != nil {
		b.logger.Error("failed to encode active map", "error", err)
		return
	}
	if !c.Send(msg.Frame) {
		b.logger.Warn("active map not delivered to new subscriber")
	}
}

// emit encodes the event and queues it for every sink without waiting on delivery.
func (b *Broadcaster) emit(ctx context.Context, event string, data any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg, err := Encode(event, data)
	if err != nil {
		return err
	}

	for _, q := range b.queues {
		select {
		case q.queue <- msg:
		default:
			metrics.IncDroppedFrame(q.sink.Name())
			b.logger.Warn("sink backlog full, event dropped", "sink", q.sink.Name(), "event", event)
		}
	}
	return nil
}

func (b *Broadcaster) drain(q *sinkQueue) {
	defer b.wg.Done()
	for {
		select {
		case <-b.stop:
			return
		case msg := <-q.queue:
			ctx, cancel := context.WithTimeout(context.Background(), deliverTimeout)
			err := q.sink.Deliver(ctx, msg)
			cancel()
			if err != nil {
				metrics.IncDroppedFrame(q.sink.Name())
				b.logger.Warn("broadcast delivery failed", "sink", q.sink.Name(), "event", msg.Event, "error", err)
			}
		}
	}
}
