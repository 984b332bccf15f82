package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Subscriber feeds an Ingestor from an external MQTT broker.
type Subscriber struct {
	client   mqtt.Client
	filter   string
	ingestor *Ingestor
	logger   *slog.Logger
}

// NewSubscriber prepares a paho client for brokerURL. Connect starts the session.
func NewSubscriber(brokerURL, clientID, topicPrefix string, ingestor *Ingestor, logger *slog.Logger) *Subscriber {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Subscriber{
		filter:   TopicFilter(topicPrefix),
		ingestor: ingestor,
		logger:   logger,
	}

	opts := mqtt.NewClientOptions().
		AddBroker(brokerURL).
		SetClientID(clientID).
		SetOrderMatters(false).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOnConnectHandler(s.onConnect).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			logger.Warn("mqtt connection lost", "broker", brokerURL, "error", err)
		})
	s.client = mqtt.NewClient(opts)
	return s
}

// Client exposes the underlying paho client for publishing.
func (s *Subscriber) Client() mqtt.Client {
	return s.client
}

// Connect dials the broker and waits up to the context deadline for the first session.
func (s *Subscriber) Connect(ctx context.Context) error {
	token := s.client.Connect()
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("mqtt connect: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close disconnects from the broker.
func (s *Subscriber) Close() {
	s.client.Disconnect(250)
}

// onConnect (re)subscribes on every session, since clean sessions drop filters.
func (s *Subscriber) onConnect(client mqtt.Client) {
	token := client.Subscribe(s.filter, 0, s.onMessage)
	if !token.WaitTimeout(5 * time.Second) {
		s.logger.Error("mqtt subscribe timed out", "topic", s.filter)
		return
	}
	if err := token.Error(); err != nil {
		s.logger.Error("mqtt subscribe failed", "topic", s.filter, "error", err)
		return
	}
	s.logger.Info("subscribed to gateway sightings", "topic", s.filter)
}

func (s *Subscriber) onMessage(_ mqtt.Client, msg mqtt.Message) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("sighting handler panic", "topic", msg.Topic(), "panic", r)
		}
	}()
	_, _ = s.ingestor.Handle(context.Background(), msg.Topic(), msg.Payload())
}
