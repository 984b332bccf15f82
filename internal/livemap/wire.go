package livemap

import (
	"time"

	"bletracker/go-mqtt-server/internal/model"
	"bletracker/go-mqtt-server/internal/zone"
)

// Wire defaults for unresolved references.
const (
	NoGateway  = "—"
	NoZoneName = "—"
)

// Snapshot is the payload pushed to live-map subscribers.
type Snapshot struct {
	Map       *MapView       `json:"map"`
	Gateways  []GatewayView  `json:"gateways"`
	Employees []EmployeeView `json:"employees"`
	Assets    []AssetView    `json:"assets"`
	Zones     []ZoneView     `json:"zones"`
}

// MapView is the active floor-plan as subscribers render it.
type MapView struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	ImageURL string `json:"imageUrl"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
}

// GatewayView is one receiver with its liveness at snapshot time.
type GatewayView struct {
	ID         string              `json:"id"`
	Name       string              `json:"name"`
	MACAddress string              `json:"macAddress"`
	X          float64             `json:"x"`
	Y          float64             `json:"y"`
	Status     model.GatewayStatus `json:"status"`
}

// EmployeeView is a positioned employee with dwell and policy flags.
type EmployeeView struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	BeaconID        string    `json:"bleId"`
	CurrentGateway  string    `json:"currentGateway"`
	CurrentZone     *string   `json:"currentZone"`
	CurrentZoneName string    `json:"currentZoneName"`
	X               float64   `json:"x"`
	Y               float64   `json:"y"`
	LastSeen        time.Time `json:"lastSeen"`
	DurationMinutes float64   `json:"durationMinutes"`
	InDanger        bool      `json:"inDanger"`
	IsTrespassing   bool      `json:"isTrespassing"`
}

// AssetView is a positioned asset. Assets carry no policy flags.
type AssetView struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	BeaconID        string    `json:"bleId"`
	CurrentGateway  string    `json:"currentGateway"`
	CurrentZone     *string   `json:"currentZone"`
	CurrentZoneName string    `json:"currentZoneName"`
	X               float64   `json:"x"`
	Y               float64   `json:"y"`
	LastSeen        time.Time `json:"lastSeen"`
	DurationMinutes float64   `json:"durationMinutes"`
}

// ZoneView is a zone rectangle with its live occupant counts.
type ZoneView struct {
	ZoneID        string  `json:"zoneId"`
	ZoneName      string  `json:"zoneName"`
	EmployeeCount int     `json:"employeeCount"`
	AssetCount    int     `json:"assetCount"`
	X             float64 `json:"x"`
	Y             float64 `json:"y"`
	Width         float64 `json:"width"`
	Height        float64 `json:"height"`
}

// Normalize maps a scene onto the wire shape. Lists are never nil; unbound beacons are
// positioned but not listed.
func Normalize(scene Scene) Snapshot {
	snap := Snapshot{
		Map:       NormalizeMap(scene.Map),
		Gateways:  make([]GatewayView, 0, len(scene.Gateways)),
		Employees: []EmployeeView{},
		Assets:    []AssetView{},
		Zones:     make([]ZoneView, 0, len(scene.Zones)),
	}

	for _, g := range scene.Gateways {
		snap.Gateways = append(snap.Gateways, NormalizeGateway(g))
	}

	counts := zone.NewCounter()
	for _, p := range scene.Placements {
		switch {
		case p.Beacon.Employee != nil:
			snap.Employees = append(snap.Employees, NormalizeEmployee(p))
			counts.AddEmployee(p.ZoneID())
		case p.Beacon.Asset != nil:
			snap.Assets = append(snap.Assets, NormalizeAsset(p))
			counts.AddAsset(p.ZoneID())
		}
	}

	for _, z := range scene.Zones {
		snap.Zones = append(snap.Zones, NormalizeZone(z, counts))
	}
	return snap
}

// NormalizeMap returns nil when no floor-plan is active.
func NormalizeMap(fp *model.FloorPlan) *MapView {
	if fp == nil {
		return nil
	}
	return &MapView{ID: fp.ID, Name: fp.Name, ImageURL: fp.ImageURL, Width: fp.Width, Height: fp.Height}
}

// NormalizeGateway maps a gateway, reporting offline when no status was derived.
func NormalizeGateway(g GatewayState) GatewayView {
	status := g.Status
	if status == "" {
		status = model.GatewayOffline
	}
	return GatewayView{
		ID:         g.Gateway.ID,
		Name:       g.Gateway.Name,
		MACAddress: g.Gateway.MACAddress,
		X:          g.Gateway.Location.X,
		Y:          g.Gateway.Location.Y,
		Status:     status,
	}
}

// NormalizeEmployee maps an employee placement. The name falls back to the employee code.
func NormalizeEmployee(p Placement) EmployeeView {
	zoneID, zoneName := zoneRef(p.Zone)
	v := EmployeeView{
		BeaconID:        p.Beacon.Beacon.ID,
		CurrentGateway:  gatewayName(p),
		CurrentZone:     zoneID,
		CurrentZoneName: zoneName,
		X:               p.Estimate.Location.X,
		Y:               p.Estimate.Location.Y,
		LastSeen:        p.Estimate.LastSeen,
		DurationMinutes: p.Status.DurationMinutes,
		InDanger:        p.Status.InDanger,
		IsTrespassing:   p.Status.Trespassing,
	}
	if e := p.Beacon.Employee; e != nil {
		v.ID = e.ID
		v.Name = e.FullName
		if v.Name == "" {
			v.Name = e.Code
		}
	}
	return v
}

// NormalizeAsset maps an asset placement.
func NormalizeAsset(p Placement) AssetView {
	zoneID, zoneName := zoneRef(p.Zone)
	v := AssetView{
		BeaconID:        p.Beacon.Beacon.ID,
		CurrentGateway:  gatewayName(p),
		CurrentZone:     zoneID,
		CurrentZoneName: zoneName,
		X:               p.Estimate.Location.X,
		Y:               p.Estimate.Location.Y,
		LastSeen:        p.Estimate.LastSeen,
		DurationMinutes: p.Status.DurationMinutes,
	}
	if a := p.Beacon.Asset; a != nil {
		v.ID = a.ID
		v.Name = a.Name
	}
	return v
}

// NormalizeZone maps a zone with the occupants counted into it.
func NormalizeZone(z model.Zone, counts *zone.Counter) ZoneView {
	return ZoneView{
		ZoneID:        z.ID,
		ZoneName:      z.Name,
		EmployeeCount: counts.Employees(z.ID),
		AssetCount:    counts.Assets(z.ID),
		X:             z.X,
		Y:             z.Y,
		Width:         z.Width,
		Height:        z.Height,
	}
}

func gatewayName(p Placement) string {
	if name := p.Estimate.Strongest.DisplayName(); name != "" {
		return name
	}
	return NoGateway
}

func zoneRef(z *model.Zone) (*string, string) {
	if z == nil {
		return nil, NoZoneName
	}
	id := z.ID
	name := z.Name
	if name == "" {
		name = NoZoneName
	}
	return &id, name
}
