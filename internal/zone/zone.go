// Package zone maps floor-plan coordinates to rectangular zones.
package zone

import "bletracker/go-mqtt-server/internal/model"

// Resolve returns the first zone in list order containing (x, y), boundaries included.
// Overlapping zones resolve to the earliest one.
func Resolve(x, y float64, zones []model.Zone) (model.Zone, bool) {
	for _, z := range zones {
		if z.Contains(x, y) {
			return z, true
		}
	}
	return model.Zone{}, false
}

// Counter tallies positioned employees and assets per zone.
type Counter struct {
	employees map[string]int
	assets    map[string]int
}

// NewCounter returns an empty Counter.
func NewCounter() *Counter {
	return &Counter{employees: make(map[string]int), assets: make(map[string]int)}
}

// AddEmployee counts an employee in zoneID. An empty zoneID is ignored.
func (c *Counter) AddEmployee(zoneID string) {
	if zoneID != "" {
		c.employees[zoneID]++
	}
}

// AddAsset counts an asset in zoneID. An empty zoneID is ignored.
func (c *Counter) AddAsset(zoneID string) {
	if zoneID != "" {
		c.assets[zoneID]++
	}
}

// Employees returns the employee count for zoneID.
func (c *Counter) Employees(zoneID string) int { return c.employees[zoneID] }

// Assets returns the asset count for zoneID.
func (c *Counter) Assets(zoneID string) int { return c.assets[zoneID] }
