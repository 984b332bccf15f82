// Package position turns recent gateway sightings into a floor-plan coordinate.
package position

import (
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"

	"bletracker/go-mqtt-server/internal/model"
)

// Defaults for Config.
const (
	DefaultWindow         = 10
	DefaultWeakFloor      = -90.0
	DefaultWeightExponent = 1.6
	DefaultDominanceRatio = 3.0
)

// epsilon stands in for the second-strongest weight when there is none.
const epsilon = 1e-4

// Config tunes the estimator. A nil WeakFloor selects DefaultWeakFloor; any set
// value, including 0 dBm, is used as is.
type Config struct {
	Window         int
	WeakFloor      *float64
	WeightExponent float64
	DominanceRatio float64
}

// Floor returns a WeakFloor setting of dbm.
func Floor(dbm float64) *float64 {
	return &dbm
}

// DefaultConfig returns the production tuning.
func DefaultConfig() Config {
	return Config{
		Window:         DefaultWindow,
		WeakFloor:      Floor(DefaultWeakFloor),
		WeightExponent: DefaultWeightExponent,
		DominanceRatio: DefaultDominanceRatio,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Window <= 0 {
		c.Window = d.Window
	}
	if c.WeakFloor == nil {
		c.WeakFloor = d.WeakFloor
	}
	if c.WeightExponent <= 0 {
		c.WeightExponent = d.WeightExponent
	}
	if c.DominanceRatio <= 0 {
		c.DominanceRatio = d.DominanceRatio
	}
	return c
}

// OnlineFunc reports whether a gateway last seen at lastSeen is eligible at now.
type OnlineFunc func(lastSeen, now time.Time) bool

// Estimate is a resolved beacon position.
type Estimate struct {
	Location model.Location
	// Strongest is the gateway with the highest RSSI among online sightings.
	Strongest model.Gateway
	// LastSeen is the newest online sighting; EarliestSeen the oldest one in the window.
	LastSeen     time.Time
	EarliestSeen time.Time
	Snapped      bool
}

// Estimator computes weighted-centroid positions with a dominance snap.
type Estimator struct {
	cfg       Config
	weakFloor float64
	online    OnlineFunc
}

// New returns an Estimator. online decides gateway eligibility.
func New(cfg Config, online OnlineFunc) *Estimator {
	cfg = cfg.withDefaults()
	return &Estimator{cfg: cfg, weakFloor: *cfg.WeakFloor, online: online}
}

// Weight is the centroid weight of a sighting: max(1, 100+rssi)^exponent.
func Weight(rssi, exponent float64) float64 {
	return math.Pow(math.Max(1, 100+rssi), exponent)
}

// Estimate positions a beacon from its recent sightings (newest first). The second
// return value is false when the beacon cannot be positioned this cycle.
func (e *Estimator) Estimate(recent []model.GatewayObservation, now time.Time) (Estimate, bool) {
	if len(recent) > e.cfg.Window {
		recent = recent[:e.cfg.Window]
	}

	online := make([]model.GatewayObservation, 0, len(recent))
	for _, obs := range recent {
		if e.online != nil && !e.online(obs.Gateway.LastSeen, now) {
			continue
		}
		online = append(online, obs)
	}
	if len(online) == 0 {
		return Estimate{}, false
	}

	result := Estimate{LastSeen: online[0].Timestamp, EarliestSeen: online[0].Timestamp}
	for _, obs := range online[1:] {
		if obs.Timestamp.After(result.LastSeen) {
			result.LastSeen = obs.Timestamp
		}
		if obs.Timestamp.Before(result.EarliestSeen) {
			result.EarliestSeen = obs.Timestamp
		}
	}

	sorted := make([]model.GatewayObservation, len(online))
	copy(sorted, online)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].RSSI > sorted[j].RSSI
	})

	weights := make([]float64, len(sorted))
	for i, obs := range sorted {
		weights[i] = Weight(obs.RSSI, e.cfg.WeightExponent)
	}

	// Weak sightings stay in weights for the dominance check but not in the centroid.
	xs := make([]float64, 0, len(sorted))
	ys := make([]float64, 0, len(sorted))
	ws := make([]float64, 0, len(sorted))
	for i, obs := range sorted {
		if obs.RSSI < e.weakFloor {
			continue
		}
		xs = append(xs, obs.Gateway.Location.X)
		ys = append(ys, obs.Gateway.Location.Y)
		ws = append(ws, weights[i])
	}

	var weightSum float64
	for _, w := range ws {
		weightSum += w
	}
	if weightSum == 0 {
		return Estimate{}, false
	}

	result.Strongest = sorted[0].Gateway
	result.Location = model.Location{
		X: stat.Mean(xs, ws),
		Y: stat.Mean(ys, ws),
	}

	if dominance(weights) > e.cfg.DominanceRatio {
		result.Location = sorted[0].Gateway.Location
		result.Snapped = true
	}

	return result, true
}

func dominance(weights []float64) float64 {
	if len(weights) < 2 {
		return math.Inf(1)
	}
	return weights[0] / math.Max(weights[1], epsilon)
}
