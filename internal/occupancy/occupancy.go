// Package occupancy tracks beacon sessions and evaluates dwell and zone policies.
package occupancy

import (
	"slices"
	"time"

	"bletracker/go-mqtt-server/internal/model"
)

// Defaults for Policy.
const (
	DefaultSessionGap    = 60 * time.Second
	DefaultColdThreshold = 30 * time.Minute
)

// NextSession returns the session start to record for a sighting at now. A new session
// begins when the beacon has no prior sighting or was last seen more than gap ago;
// otherwise the previous start is kept.
func NextSession(prevStart, prevLastSeen *time.Time, now time.Time, gap time.Duration) (start time.Time, reset bool) {
	if gap <= 0 {
		gap = DefaultSessionGap
	}
	if prevLastSeen == nil || prevStart == nil || now.Sub(*prevLastSeen) > gap {
		return now, true
	}
	return *prevStart, false
}

// Trespassing reports whether zoneID violates an allow-list. An empty allow-list never
// flags; otherwise a missing zone or one outside the list does.
func Trespassing(allowed []string, zoneID string) bool {
	if len(allowed) == 0 {
		return false
	}
	if zoneID == "" {
		return true
	}
	return !slices.Contains(allowed, zoneID)
}

// Status is the policy evaluation for one positioned beacon.
type Status struct {
	SessionStart    time.Time
	DurationMinutes float64
	InDanger        bool
	Trespassing     bool
}

// Policy evaluates dwell and trespass for positioned beacons.
type Policy struct {
	ColdThreshold time.Duration
}

// NewPolicy returns a Policy. A non-positive threshold selects DefaultColdThreshold.
func NewPolicy(coldThreshold time.Duration) Policy {
	if coldThreshold <= 0 {
		coldThreshold = DefaultColdThreshold
	}
	return Policy{ColdThreshold: coldThreshold}
}

// Evaluate computes dwell and policy flags at now. fallbackStart is used when the
// beacon has no recorded session start. zoneID is the resolved zone ("" for none).
// Only employees carry an allow-list, so assets and unbound beacons never trespass.
func (p Policy) Evaluate(b model.BoundBeacon, zoneID string, fallbackStart, now time.Time) Status {
	start := fallbackStart
	if b.Beacon.SessionStart != nil {
		start = *b.Beacon.SessionStart
	}
	if start.IsZero() || start.After(now) {
		start = now
	}

	dwell := now.Sub(start)
	status := Status{
		SessionStart:    start,
		DurationMinutes: dwell.Minutes(),
		InDanger:        dwell >= p.ColdThreshold,
	}
	if b.Employee != nil {
		status.Trespassing = Trespassing(b.Employee.AllowedZones, zoneID)
	}
	return status
}
