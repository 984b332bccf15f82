// Package dedup suppresses near-duplicate beacon sightings before they reach the store.
package dedup

import (
	"math"
	"sync"
)

// DefaultTolerance is the RSSI band (dBm) inside which a repeat sighting from the
// same gateway is dropped.
const DefaultTolerance = 5.0

type lastAccepted struct {
	gateway string
	rssi    float64
}

// Deduplicator remembers the last accepted (gateway, rssi) per beacon.
// It is safe for concurrent use by inbound message handlers.
type Deduplicator struct {
	tolerance float64

	mu   sync.Mutex
	last map[string]lastAccepted
}

// New returns a Deduplicator. A non-positive tolerance selects DefaultTolerance.
func New(tolerance float64) *Deduplicator {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return &Deduplicator{tolerance: tolerance, last: make(map[string]lastAccepted)}
}

// Accept reports whether the sighting should be stored. A sighting is dropped only when
// the previous accepted sighting for the beacon came from the same gateway and the RSSI
// moved by less than the tolerance. Accepted sightings replace the beacon's record.
func (d *Deduplicator) Accept(beacon, gateway string, rssi float64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if prev, ok := d.last[beacon]; ok && prev.gateway == gateway && math.Abs(rssi-prev.rssi) < d.tolerance {
		return false
	}
	d.last[beacon] = lastAccepted{gateway: gateway, rssi: rssi}
	return true
}

// Clear forgets every beacon. The next sighting of any beacon is accepted.
func (d *Deduplicator) Clear() {
	d.mu.Lock()
	d.last = make(map[string]lastAccepted)
	d.mu.Unlock()
}

// Len returns the number of beacons currently remembered.
func (d *Deduplicator) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.last)
}
