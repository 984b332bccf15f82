// Package ingest turns gateway messages into stored beacon observations.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"bletracker/go-mqtt-server/internal/dedup"
	"bletracker/go-mqtt-server/internal/metrics"
	"bletracker/go-mqtt-server/internal/model"
	"bletracker/go-mqtt-server/internal/occupancy"
	"bletracker/go-mqtt-server/internal/store"
	"bletracker/go-mqtt-server/internal/timeutil"
)

// Store is the persistence the ingestor writes to.
type Store interface {
	EnsureBeacon(ctx context.Context, sighting store.BeaconSighting, now time.Time) (model.Beacon, bool, error)
	Beacon(ctx context.Context, id string) (model.Beacon, error)
	TouchBeaconSession(ctx context.Context, beaconID string, prevLastSeen *time.Time, sessionStart, seenAt time.Time) (bool, error)
	EnsureGateway(ctx context.Context, mac, topic string, seenAt time.Time) (model.Gateway, bool, error)
	AppendObservation(ctx context.Context, beaconID, gatewayID string, rssi float64, observedAt time.Time) (model.Observation, error)
	InsertIngestionError(ctx context.Context, e model.IngestionError) error
}

// Outcome describes what happened to one message.
type Outcome int

const (
	Ignored Outcome = iota
	Accepted
	Duplicate
	Malformed
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case Duplicate:
		return "duplicate"
	case Malformed:
		return "malformed"
	default:
		return "ignored"
	}
}

// Options configures an Ingestor.
type Options struct {
	TopicPrefix string
	SessionGap  time.Duration
	Clock       timeutil.Clock
	Logger      *slog.Logger
	// ErrorLimiter throttles persistence of malformed payloads. Nil allows 5/s with a burst of 20.
	ErrorLimiter *rate.Limiter
	// PresenceInterval is how often a suppressed duplicate may refresh beacon and
	// gateway last-seen for one beacon/gateway pair. It must stay well under the
	// liveness timeout.
	PresenceInterval time.Duration
}

// DefaultPresenceInterval is used when Options.PresenceInterval is unset.
const DefaultPresenceInterval = 5 * time.Second

// Ingestor validates, deduplicates, and records gateway sightings. It is safe for
// concurrent use; each message is handled independently.
type Ingestor struct {
	store      Store
	dedup      *dedup.Deduplicator
	prefix     string
	sessionGap time.Duration
	clock      timeutil.Clock
	logger     *slog.Logger
	errLimiter *rate.Limiter

	presenceEvery time.Duration
	presenceMu    sync.Mutex
	presence      map[string]time.Time
}

// New returns an Ingestor writing to s and filtering through d.
func New(s Store, d *dedup.Deduplicator, opts Options) *Ingestor {
	if opts.TopicPrefix == "" {
		opts.TopicPrefix = "warehouse"
	}
	if opts.SessionGap <= 0 {
		opts.SessionGap = occupancy.DefaultSessionGap
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ErrorLimiter == nil {
		opts.ErrorLimiter = rate.NewLimiter(5, 20)
	}
	if opts.PresenceInterval <= 0 {
		opts.PresenceInterval = DefaultPresenceInterval
	}
	if d == nil {
		d = dedup.New(dedup.DefaultTolerance)
	}
	return &Ingestor{
		store:      s,
		dedup:      d,
		prefix:     opts.TopicPrefix,
		sessionGap: opts.SessionGap,
		clock:      opts.Clock,
		logger:     opts.Logger,
		errLimiter: opts.ErrorLimiter,

		presenceEvery: opts.PresenceInterval,
		presence:      make(map[string]time.Time),
	}
}

// Handle processes one inbound message. Malformed input is logged and recorded but
// not returned as an error; persistence failures are.
func (in *Ingestor) Handle(ctx context.Context, topic string, payload []byte) (Outcome, error) {
	gatewayAddr, err := ParseTopic(in.prefix, topic)
	if errors.Is(err, errForeignTopic) {
		return Ignored, nil
	}
	if err != nil {
		in.reject(ctx, "", topic, payload, err)
		return Malformed, nil
	}

	p, err := DecodePayload(payload)
	if err != nil {
		in.reject(ctx, gatewayAddr, topic, payload, err)
		return Malformed, nil
	}
	rssi := *p.RSSI

	now := in.clock.Now()
	if !in.dedup.Accept(p.BeaconAddress, gatewayAddr, rssi) {
		metrics.IncObservation(metrics.ObservationDuplicate)
		in.logger.Debug("duplicate sighting dropped", "beacon", p.BeaconAddress, "gateway", gatewayAddr, "rssi", rssi)
		if in.presenceDue(p.BeaconAddress, gatewayAddr, now) {
			if err := in.refresh(ctx, gatewayAddr, topic, p, now); err != nil {
				in.logger.Error("failed to refresh presence", "beacon", p.BeaconAddress, "gateway", gatewayAddr, "error", err)
				return Duplicate, err
			}
		}
		return Duplicate, nil
	}

	if err := in.record(ctx, gatewayAddr, topic, p, rssi, now); err != nil {
		metrics.IncObservation(metrics.ObservationFailed)
		in.logger.Error("failed to persist sighting", "beacon", p.BeaconAddress, "gateway", gatewayAddr, "error", err)
		return Accepted, err
	}
	in.markPresence(p.BeaconAddress, gatewayAddr, now)

	metrics.IncObservation(metrics.ObservationAccepted)
	in.logger.Debug("ingested sighting", "beacon", p.BeaconAddress, "gateway", gatewayAddr, "rssi", rssi)
	return Accepted, nil
}

// record stores an accepted sighting. The beacon session is only advanced once the
// observation is written.
func (in *Ingestor) record(ctx context.Context, gatewayAddr, topic string, p Payload, rssi float64, now time.Time) error {
	storeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	beacon, gateway, err := in.ensure(storeCtx, gatewayAddr, topic, p, now)
	if err != nil {
		return err
	}
	if _, err := in.store.AppendObservation(storeCtx, beacon.ID, gateway.ID, rssi, now); err != nil {
		return fmt.Errorf("append observation: %w", err)
	}
	return in.touchSession(storeCtx, beacon, now)
}

// refresh keeps a beacon and its gateway live while dedup suppresses its readings.
// No observation is written.
func (in *Ingestor) refresh(ctx context.Context, gatewayAddr, topic string, p Payload, now time.Time) error {
	storeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	beacon, _, err := in.ensure(storeCtx, gatewayAddr, topic, p, now)
	if err != nil {
		return err
	}
	return in.touchSession(storeCtx, beacon, now)
}

// ensure provisions the beacon and gateway when unseen and refreshes the gateway's
// last-seen time.
func (in *Ingestor) ensure(ctx context.Context, gatewayAddr, topic string, p Payload, now time.Time) (model.Beacon, model.Gateway, error) {
	beacon, created, err := in.store.EnsureBeacon(ctx, store.BeaconSighting{
		Address: p.BeaconAddress,
		UUID:    p.UUID,
		Major:   int(p.Major),
		Minor:   int(p.Minor),
	}, now)
	if err != nil {
		return model.Beacon{}, model.Gateway{}, fmt.Errorf("ensure beacon: %w", err)
	}
	if created {
		metrics.IncProvisioned("beacon")
		in.logger.Info("beacon provisioned", "beacon", beacon.Address, "id", beacon.ID)
	}

	gateway, created, err := in.store.EnsureGateway(ctx, gatewayAddr, topic, now)
	if err != nil {
		return model.Beacon{}, model.Gateway{}, fmt.Errorf("ensure gateway: %w", err)
	}
	if created {
		metrics.IncProvisioned("gateway")
		in.logger.Info("gateway provisioned", "gateway", gateway.MACAddress, "id", gateway.ID, "map", gateway.FloorPlanID)
	}
	return beacon, gateway, nil
}

// sessionRetries bounds how often a contended session update is re-read and retried.
const sessionRetries = 5

func (in *Ingestor) touchSession(ctx context.Context, beacon model.Beacon, now time.Time) error {
	for attempt := 0; attempt < sessionRetries; attempt++ {
		start, reset := occupancy.NextSession(beacon.SessionStart, beacon.LastSeen, now, in.sessionGap)
		applied, err := in.store.TouchBeaconSession(ctx, beacon.ID, beacon.LastSeen, start, now)
		if err != nil {
			return fmt.Errorf("touch beacon session: %w", err)
		}
		if applied {
			if reset && beacon.LastSeen != nil {
				in.logger.Debug("beacon session started", "beacon", beacon.Address)
			}
			return nil
		}
		if beacon, err = in.store.Beacon(ctx, beacon.ID); err != nil {
			return fmt.Errorf("reload beacon: %w", err)
		}
	}
	return fmt.Errorf("touch beacon session %s: too much contention", beacon.ID)
}

func presenceKey(beacon, gateway string) string {
	return beacon + "|" + gateway
}

// presenceDue reports whether a suppressed sighting should refresh presence, and
// claims the slot when it does.
func (in *Ingestor) presenceDue(beacon, gateway string, now time.Time) bool {
	key := presenceKey(beacon, gateway)
	in.presenceMu.Lock()
	defer in.presenceMu.Unlock()
	if last, ok := in.presence[key]; ok && now.Sub(last) < in.presenceEvery {
		return false
	}
	in.presence[key] = now
	return true
}

func (in *Ingestor) markPresence(beacon, gateway string, now time.Time) {
	in.presenceMu.Lock()
	in.presence[presenceKey(beacon, gateway)] = now
	in.presenceMu.Unlock()
}

// ClearDedup drops the jitter table so the next sighting of every beacon is accepted.
func (in *Ingestor) ClearDedup() {
	in.dedup.Clear()
	in.presenceMu.Lock()
	clear(in.presence)
	in.presenceMu.Unlock()
	metrics.IncDedupClear()
}

func (in *Ingestor) reject(ctx context.Context, gatewayAddr, topic string, payload []byte, cause error) {
	metrics.IncObservation(metrics.ObservationMalformed)
	in.logger.Warn("mqtt payload rejected", "topic", topic, "gateway", gatewayAddr, "error", cause)

	if !in.errLimiter.Allow() {
		metrics.IncIngestionError("throttled")
		return
	}

	recCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	entry := model.IngestionError{
		GatewayAddress: gatewayAddr,
		Topic:          topic,
		Payload:        truncateString(string(payload), 4096),
		Error:          cause.Error(),
	}
	if err := in.store.InsertIngestionError(recCtx, entry); err != nil {
		metrics.IncIngestionError("failed")
		in.logger.Error("failed to persist ingestion error", "error", err)
		return
	}
	metrics.IncIngestionError("stored")
}

func truncateString(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
