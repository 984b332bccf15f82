package broadcast

import (
	"context"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/redis/go-redis/v9"
)

// DefaultTopicPrefix roots the MQTT topics events are published on.
const DefaultTopicPrefix = "bletracker"

// Publisher is the MQTT publish capability. The embedded broker satisfies it directly.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

// MQTTSink publishes each event's payload to <prefix>/<event>.
type MQTTSink struct {
	pub    Publisher
	prefix string
}

// NewMQTTSink returns an MQTTSink. An empty prefix selects DefaultTopicPrefix.
func NewMQTTSink(pub Publisher, prefix string) *MQTTSink {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	return &MQTTSink{pub: pub, prefix: prefix}
}

// Name identifies the sink in logs and metrics.
func (s *MQTTSink) Name() string { return "mqtt" }

// Topic returns the topic an event is published on.
func (s *MQTTSink) Topic(event string) string {
	return s.prefix + "/" + event
}

// Deliver publishes the bare event data.
func (s *MQTTSink) Deliver(_ context.Context, msg Message) error {
	if err := s.pub.Publish(s.Topic(msg.Event), msg.Data); err != nil {
		return fmt.Errorf("mqtt publish %s: %w", msg.Event, err)
	}
	return nil
}

// PahoPublisher adapts a paho client connected to an external broker.
type PahoPublisher struct {
	Client  mqtt.Client
	Timeout time.Duration
}

// Publish sends a QoS 0 message and waits up to Timeout (2s when unset) for the client.
func (p PahoPublisher) Publish(topic string, payload []byte) error {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	token := p.Client.Publish(topic, 0, false, payload)
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("publish %s: timed out", topic)
	}
	return token.Error()
}

// RedisSink mirrors event frames onto a Redis pub/sub channel.
type RedisSink struct {
	client  *redis.Client
	channel string
}

// NewRedisSink dials addr lazily; the first Deliver opens the connection.
func NewRedisSink(addr, channel string) *RedisSink {
	return &RedisSink{
		client: redis.NewClient(&redis.Options{
			Addr:         addr,
			DialTimeout:  2 * time.Second,
			WriteTimeout: 2 * time.Second,
		}),
		channel: channel,
	}
}

// Name identifies the sink in logs and metrics.
func (s *RedisSink) Name() string { return "redis" }

// Deliver publishes the full event frame on the channel.
func (s *RedisSink) Deliver(ctx context.Context, msg Message) error {
	if err := s.client.Publish(ctx, s.channel, msg.Frame).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", msg.Event, err)
	}
	return nil
}

// Ping checks the Redis connection.
func (s *RedisSink) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the client connection pool.
func (s *RedisSink) Close() error {
	return s.client.Close()
}
