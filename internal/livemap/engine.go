// Package livemap assembles the live scene: gateway states, positioned and
// policy-evaluated beacons, and zone occupancy.
package livemap

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"bletracker/go-mqtt-server/internal/liveness"
	"bletracker/go-mqtt-server/internal/metrics"
	"bletracker/go-mqtt-server/internal/model"
	"bletracker/go-mqtt-server/internal/occupancy"
	"bletracker/go-mqtt-server/internal/position"
	"bletracker/go-mqtt-server/internal/zone"
)

// Store is the read side the engine consumes, plus the zone cache write.
type Store interface {
	ActiveFloorPlan(ctx context.Context) (*model.FloorPlan, error)
	GatewaysForFloorPlan(ctx context.Context, floorPlanID string) ([]model.Gateway, error)
	ZonesForFloorPlan(ctx context.Context, floorPlanID string) ([]model.Zone, error)
	ActiveBeacons(ctx context.Context) ([]model.BoundBeacon, error)
	RecentObservations(ctx context.Context, beaconID string, n int) ([]model.GatewayObservation, error)
	SetBeaconZone(ctx context.Context, beaconID, zoneID string) error
}

// GatewayState is a gateway with its liveness derived at scene time.
type GatewayState struct {
	Gateway model.Gateway
	Status  model.GatewayStatus
}

// Placement is one positioned beacon.
type Placement struct {
	Beacon   model.BoundBeacon
	Estimate position.Estimate
	// Zone is nil when the position falls outside every zone.
	Zone   *model.Zone
	Status occupancy.Status
}

// ZoneID returns the resolved zone identifier or "".
func (p Placement) ZoneID() string {
	if p.Zone == nil {
		return ""
	}
	return p.Zone.ID
}

// Scene is the unnormalized state for one broadcast cycle.
type Scene struct {
	At         time.Time
	Map        *model.FloorPlan
	Gateways   []GatewayState
	Zones      []model.Zone
	Placements []Placement
}

// Options tunes an Engine.
type Options struct {
	// Window is how many recent observations feed each estimate.
	Window int
	// Concurrency caps parallel per-beacon estimation. Zero selects 8.
	Concurrency int
	Logger      *slog.Logger
}

// Engine builds scenes from committed state. It holds no per-cycle state and is safe
// to call from multiple goroutines.
type Engine struct {
	store       Store
	estimator   *position.Estimator
	tracker     *liveness.Tracker
	policy      occupancy.Policy
	window      int
	concurrency int
	logger      *slog.Logger
}

// NewEngine returns an Engine reading from s.
func NewEngine(s Store, estimator *position.Estimator, tracker *liveness.Tracker, policy occupancy.Policy, opts Options) *Engine {
	if opts.Window <= 0 {
		opts.Window = position.DefaultWindow
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 8
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if tracker == nil {
		tracker = liveness.NewTracker(nil, 0)
	}
	if estimator == nil {
		estimator = position.New(position.DefaultConfig(), tracker.OnlineAt)
	}
	return &Engine{
		store:       s,
		estimator:   estimator,
		tracker:     tracker,
		policy:      policy,
		window:      opts.Window,
		concurrency: opts.Concurrency,
		logger:      opts.Logger,
	}
}

// Build reads the active floor-plan, its gateways and zones, and positions every
// active beacon. Failures reading shared state abort the cycle; a failure for one
// beacon only drops that beacon.
func (e *Engine) Build(ctx context.Context) (Scene, error) {
	started := time.Now()
	defer func() { metrics.ObserveSnapshot(time.Since(started)) }()

	now := e.tracker.Now()
	scene := Scene{At: now}

	fp, err := e.store.ActiveFloorPlan(ctx)
	if err != nil {
		return Scene{}, fmt.Errorf("active floor plan: %w", err)
	}
	scene.Map = fp

	var floorPlanID string
	if fp != nil {
		floorPlanID = fp.ID
		zones, err := e.store.ZonesForFloorPlan(ctx, floorPlanID)
		if err != nil {
			return Scene{}, fmt.Errorf("zones: %w", err)
		}
		scene.Zones = zones
	}

	gateways, err := e.store.GatewaysForFloorPlan(ctx, floorPlanID)
	if err != nil {
		return Scene{}, fmt.Errorf("gateways: %w", err)
	}
	scene.Gateways = make([]GatewayState, 0, len(gateways))
	for _, g := range gateways {
		scene.Gateways = append(scene.Gateways, GatewayState{Gateway: g, Status: e.tracker.StatusAt(g.LastSeen, now)})
	}

	beacons, err := e.store.ActiveBeacons(ctx)
	if err != nil {
		return Scene{}, fmt.Errorf("active beacons: %w", err)
	}

	slots := make([]*Placement, len(beacons))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for i, b := range beacons {
		g.Go(func() error {
			slots[i] = e.place(gctx, b, scene.Zones, now)
			return nil
		})
	}
	_ = g.Wait()

	scene.Placements = make([]Placement, 0, len(beacons))
	for _, p := range slots {
		if p != nil {
			scene.Placements = append(scene.Placements, *p)
		}
	}
	return scene, nil
}

// place positions one beacon. It returns nil when the beacon is skipped this cycle.
func (e *Engine) place(ctx context.Context, b model.BoundBeacon, zones []model.Zone, now time.Time) *Placement {
	readCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	recent, err := e.store.RecentObservations(readCtx, b.Beacon.ID, e.window)
	if err != nil {
		metrics.IncEstimate(metrics.EstimateFailed)
		e.logger.Error("failed to read recent observations", "beacon", b.Beacon.Address, "error", err)
		return nil
	}

	est, ok := e.estimator.Estimate(recent, now)
	if !ok {
		metrics.IncEstimate(metrics.EstimateUnavailable)
		return nil
	}

	p := &Placement{Beacon: b, Estimate: est}
	if z, found := zone.Resolve(est.Location.X, est.Location.Y, zones); found {
		p.Zone = &z
	}

	if zoneID := p.ZoneID(); zoneID != b.Beacon.CurrentZone {
		if err := e.store.SetBeaconZone(readCtx, b.Beacon.ID, zoneID); err != nil {
			e.logger.Warn("failed to cache beacon zone", "beacon", b.Beacon.Address, "zone", zoneID, "error", err)
		}
	}

	p.Status = e.policy.Evaluate(b, p.ZoneID(), est.EarliestSeen, now)
	metrics.IncEstimate(metrics.EstimatePositioned)
	return p
}

// Snapshot builds a scene and normalizes it for the wire.
func (e *Engine) Snapshot(ctx context.Context) (Snapshot, error) {
	scene, err := e.Build(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	return Normalize(scene), nil
}
