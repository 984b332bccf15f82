package mqttbroker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"bletracker/go-mqtt-server/internal/metrics"
)

// PublishMessage is a QoS 0 publish received from a gateway.
type PublishMessage struct {
	ClientID string
	Topic    string
	Payload  []byte
}

// Handler is invoked for each received publish.
type Handler func(context.Context, PublishMessage)

type session struct {
	conn     net.Conn
	reader   *bufio.Reader
	clientID string
	closed   atomic.Bool

	// out feeds writeLoop; it is never closed, done signals shutdown instead.
	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once

	subMu   sync.RWMutex
	filters map[string]struct{}
}

func newSession(conn net.Conn) *session {
	return &session{
		conn:    conn,
		reader:  bufio.NewReader(conn),
		out:     make(chan []byte, sessionQueue),
		done:    make(chan struct{}),
		filters: make(map[string]struct{}),
	}
}

func (s *session) matches(topic string) bool {
	s.subMu.RLock()
	defer s.subMu.RUnlock()
	for filter := range s.filters {
		if Match(filter, topic) {
			return true
		}
	}
	return false
}

func (s *session) subscribe(filter string) {
	s.subMu.Lock()
	s.filters[filter] = struct{}{}
	s.subMu.Unlock()
}

func (s *session) unsubscribe(filter string) {
	s.subMu.Lock()
	delete(s.filters, filter)
	s.subMu.Unlock()
}

// enqueue hands a packet to the writer without blocking. It reports false when the
// session is closed or its queue is full.
func (s *session) enqueue(packet []byte) bool {
	if s.closed.Load() {
		return false
	}
	select {
	case s.out <- packet:
		return true
	default:
		return false
	}
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.done)
		_ = s.conn.Close()
	})
}

// writeLoop drains the outbound queue. A write that misses its deadline closes the
// session, which also ends the read loop in serve.
func (s *session) writeLoop(logger *slog.Logger) {
	for {
		select {
		case <-s.done:
			return
		case packet := <-s.out:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if _, err := s.conn.Write(packet); err != nil {
				if !s.closed.Load() {
					logger.Debug("write to client failed", "client", s.clientID, "error", err)
				}
				s.close()
				return
			}
		}
	}
}

const (
	// writeTimeout bounds a single socket write to one client.
	writeTimeout = 2 * time.Second
	// sessionQueue is the number of packets buffered per client before it is dropped.
	sessionQueue = 64
)

// Broker is a minimal MQTT v3.1.1 broker with QoS 0 publish and wildcard subscribe.
type Broker struct {
	logger       *slog.Logger
	handler      atomic.Value // Handler
	shuttingDown atomic.Bool
	wg           sync.WaitGroup

	mu       sync.Mutex
	listener net.Listener

	sessionsMu sync.RWMutex
	sessions   map[*session]struct{}
}

// New constructs a broker with the supplied logger.
func New(logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Broker{logger: logger, sessions: make(map[*session]struct{})}
	b.handler.Store(Handler(func(context.Context, PublishMessage) {}))
	return b
}

// Start listens for MQTT clients on bind. The returned channel is closed once the
// accept loop ends; a fatal accept error is sent on it first.
func (b *Broker) Start(bind string) (<-chan error, error) {
	ln, err := net.Listen("tcp", bind)
	if err != nil {
		return nil, fmt.Errorf("mqtt listen: %w", err)
	}

	b.mu.Lock()
	b.listener = ln
	b.mu.Unlock()

	errCh := make(chan error, 1)
	b.logger.Info("mqtt broker listening", "addr", ln.Addr().String())

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer close(errCh)
		for {
			conn, err := ln.Accept()
			if err != nil {
				if b.shuttingDown.Load() {
					return
				}
				var ne net.Error
				if errors.As(err, &ne) && ne.Timeout() {
					b.logger.Warn("temporary accept error", "error", err)
					time.Sleep(50 * time.Millisecond)
					continue
				}
				errCh <- fmt.Errorf("mqtt accept: %w", err)
				return
			}

			s := newSession(conn)
			b.addSession(s)

			b.wg.Add(2)
			go func() {
				defer b.wg.Done()
				s.writeLoop(b.logger)
			}()
			go func() {
				defer b.wg.Done()
				b.serve(s)
			}()
		}
	}()

	return errCh, nil
}

// Addr returns the listening address, or nil before Start.
func (b *Broker) Addr() net.Addr {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listener == nil {
		return nil
	}
	return b.listener.Addr()
}

// Stop closes the listener and every client connection, then waits for them to drain.
func (b *Broker) Stop() error {
	if !b.shuttingDown.CompareAndSwap(false, true) {
		return nil
	}

	b.mu.Lock()
	ln := b.listener
	b.listener = nil
	b.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}

	b.sessionsMu.Lock()
	for s := range b.sessions {
		s.close()
	}
	b.sessions = make(map[*session]struct{})
	b.sessionsMu.Unlock()

	b.wg.Wait()
	return nil
}

// SetPublishHandler installs the function invoked for each received publish.
func (b *Broker) SetPublishHandler(h Handler) {
	if h == nil {
		h = func(context.Context, PublishMessage) {}
	}
	b.handler.Store(h)
}

// Publish queues a QoS 0 message for every client whose filters match the topic. It
// never waits on a client socket.
func (b *Broker) Publish(topic string, payload []byte) error {
	if err := validateTopicName(topic); err != nil {
		return err
	}
	return b.fanOut(topic, payload, nil)
}

// Clients returns the number of connected sessions.
func (b *Broker) Clients() int {
	b.sessionsMu.RLock()
	defer b.sessionsMu.RUnlock()
	return len(b.sessions)
}

func (b *Broker) fanOut(topic string, payload []byte, exclude *session) error {
	packet, err := buildPublish(topic, payload)
	if err != nil {
		return err
	}

	b.sessionsMu.RLock()
	targets := make([]*session, 0, len(b.sessions))
	for s := range b.sessions {
		if s != exclude && s.matches(topic) {
			targets = append(targets, s)
		}
	}
	b.sessionsMu.RUnlock()

	for _, s := range targets {
		if s.enqueue(packet) {
			continue
		}
		if !s.closed.Load() {
			b.logger.Warn("dropping slow mqtt subscriber", "client", s.clientID, "topic", topic)
			metrics.IncDroppedFrame("mqtt")
		}
		s.close()
		b.removeSession(s)
	}
	return nil
}

func (b *Broker) addSession(s *session) {
	b.sessionsMu.Lock()
	b.sessions[s] = struct{}{}
	b.sessionsMu.Unlock()
}

func (b *Broker) removeSession(s *session) {
	b.sessionsMu.Lock()
	delete(b.sessions, s)
	b.sessionsMu.Unlock()
}

func (b *Broker) serve(s *session) {
	defer func() {
		s.close()
		b.removeSession(s)
	}()

	ctx := context.Background()
	connected := false

	for {
		header, err := s.reader.ReadByte()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				b.logger.Debug("read header error", "client", s.clientID, "error", err)
			}
			return
		}

		remaining, err := readRemainingLength(s.reader)
		if err != nil || remaining > maxRemainingLength {
			b.logger.Debug("read remaining length error", "client", s.clientID, "error", err)
			return
		}

		body := make([]byte, remaining)
		if _, err := io.ReadFull(s.reader, body); err != nil {
			b.logger.Debug("read packet body error", "client", s.clientID, "error", err)
			return
		}

		packetType := header >> 4
		if !connected && packetType != packetConnect {
			b.logger.Debug("packet before connect", "type", packetType)
			return
		}

		switch packetType {
		case packetConnect:
			if connected {
				b.logger.Debug("duplicate connect", "client", s.clientID)
				return
			}
			pkt, err := parseConnect(body)
			if err != nil {
				b.logger.Debug("handle connect error", "error", err)
				return
			}
			s.clientID = pkt.clientID
			if s.clientID == "" {
				s.clientID = fmt.Sprintf("anon-%d", time.Now().UnixNano())
			}
			if !s.enqueue(connAckAccepted) {
				return
			}
			connected = true
			b.logger.Debug("mqtt client connected", "client", s.clientID)
		case packetPublish:
			msg, err := parsePublish(header, body)
			if err != nil {
				b.logger.Debug("parse publish error", "client", s.clientID, "error", err)
				return
			}
			msg.ClientID = s.clientID
			if h, ok := b.handler.Load().(Handler); ok {
				safeInvoke(ctx, h, msg, b.logger)
			}
			_ = b.fanOut(msg.Topic, msg.Payload, s)
		case packetSubscribe:
			packetID, filters, err := parseTopicList(body, true)
			if err != nil {
				b.logger.Debug("parse subscribe error", "client", s.clientID, "error", err)
				return
			}
			granted := make([]bool, len(filters))
			for i, filter := range filters {
				if err := validateFilter(filter); err != nil {
					b.logger.Debug("rejecting subscription", "client", s.clientID, "error", err)
					continue
				}
				s.subscribe(filter)
				granted[i] = true
			}
			if !s.enqueue(buildSubAck(packetID, granted)) {
				return
			}
		case packetUnsubscribe:
			packetID, filters, err := parseTopicList(body, false)
			if err != nil {
				b.logger.Debug("parse unsubscribe error", "client", s.clientID, "error", err)
				return
			}
			for _, filter := range filters {
				s.unsubscribe(filter)
			}
			if !s.enqueue(buildUnsubAck(packetID)) {
				return
			}
		case packetPingReq:
			if !s.enqueue(pingResp) {
				return
			}
		case packetDisconnect:
			return
		default:
			b.logger.Debug("unsupported packet", "client", s.clientID, "type", packetType)
			return
		}
	}
}

// safeInvoke keeps a panicking handler from tearing down the client session.
func safeInvoke(ctx context.Context, h Handler, msg PublishMessage, logger *slog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("publish handler panic", "topic", msg.Topic, "panic", r)
		}
	}()
	h(ctx, msg)
}
