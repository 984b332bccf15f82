// Package liveness derives gateway online/offline state from last-seen times.
package liveness

import (
	"context"
	"log/slog"
	"time"

	"bletracker/go-mqtt-server/internal/metrics"
	"bletracker/go-mqtt-server/internal/model"
	"bletracker/go-mqtt-server/internal/timeutil"
)

const (
	// DefaultTimeout gates triangulation eligibility.
	DefaultTimeout = 30 * time.Second
	// DefaultSweepCutoff is the age after which the sweep persists an offline status.
	DefaultSweepCutoff = 120 * time.Second
)

// Tracker answers liveness questions against an injected clock. The stored gateway
// status is never consulted.
type Tracker struct {
	clock   timeutil.Clock
	timeout time.Duration
}

// NewTracker returns a Tracker. A non-positive timeout selects DefaultTimeout.
func NewTracker(clock timeutil.Clock, timeout time.Duration) *Tracker {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Tracker{clock: clock, timeout: timeout}
}

// Now returns the tracker's current time.
func (t *Tracker) Now() time.Time {
	return t.clock.Now()
}

// Online reports whether now - lastSeen <= timeout. A zero lastSeen is offline.
func (t *Tracker) Online(lastSeen time.Time) bool {
	return t.OnlineAt(lastSeen, t.clock.Now())
}

// OnlineAt is Online evaluated at a fixed instant, so one snapshot uses one "now".
func (t *Tracker) OnlineAt(lastSeen, now time.Time) bool {
	if lastSeen.IsZero() {
		return false
	}
	return now.Sub(lastSeen) <= t.timeout
}

// Status maps Online to a gateway status.
func (t *Tracker) Status(lastSeen time.Time) model.GatewayStatus {
	return t.StatusAt(lastSeen, t.clock.Now())
}

// StatusAt is Status evaluated at a fixed instant.
func (t *Tracker) StatusAt(lastSeen, now time.Time) model.GatewayStatus {
	if t.OnlineAt(lastSeen, now) {
		return model.GatewayOnline
	}
	return model.GatewayOffline
}

// OfflineMarker persists the offline status for gateways not seen since cutoff.
type OfflineMarker interface {
	MarkGatewaysOffline(ctx context.Context, cutoff time.Time) (int64, error)
}

// Sweeper is the coarse background correction of the stored gateway status. It is
// display bookkeeping only; Tracker decides triangulation eligibility.
type Sweeper struct {
	store  OfflineMarker
	clock  timeutil.Clock
	cutoff time.Duration
	logger *slog.Logger
}

// NewSweeper returns a Sweeper. A non-positive cutoff selects DefaultSweepCutoff.
func NewSweeper(store OfflineMarker, clock timeutil.Clock, cutoff time.Duration, logger *slog.Logger) *Sweeper {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if cutoff <= 0 {
		cutoff = DefaultSweepCutoff
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{store: store, clock: clock, cutoff: cutoff, logger: logger}
}

// Sweep marks stale gateways offline and returns how many changed.
func (s *Sweeper) Sweep(ctx context.Context) (int64, error) {
	cutoff := s.clock.Now().Add(-s.cutoff)

	storeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	n, err := s.store.MarkGatewaysOffline(storeCtx, cutoff)
	if err != nil {
		s.logger.Error("gateway offline sweep failed", "error", err)
		return 0, err
	}
	if n > 0 {
		s.logger.Info("gateways marked offline", "count", n, "cutoff", cutoff)
	}
	metrics.AddGatewaysSwept(n)
	return n, nil
}
