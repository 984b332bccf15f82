package model

import "time"

// Location describes a fixed position on a floor-plan in the floor-plan's coordinate space.
type Location struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// BeaconKind distinguishes personnel tags from equipment tags.
type BeaconKind string

const (
	BeaconKindTag      BeaconKind = "tag"
	BeaconKindForklift BeaconKind = "forklift"
)

// BeaconStatus marks whether a beacon takes part in positioning.
type BeaconStatus string

const (
	BeaconActive   BeaconStatus = "active"
	BeaconInactive BeaconStatus = "inactive"
)

// GatewayStatus is the derived online/offline state of a receiver.
type GatewayStatus string

const (
	GatewayOnline  GatewayStatus = "online"
	GatewayOffline GatewayStatus = "offline"
)

// Beacon is a tracked BLE transmitter.
//
// EmployeeID and AssetID are mutually exclusive forward references to the bound entity.
type Beacon struct {
	ID           string       `json:"id"`
	Address      string       `json:"ble_id"`
	UUID         string       `json:"uuid"`
	Major        int          `json:"major"`
	Minor        int          `json:"minor"`
	Kind         BeaconKind   `json:"type"`
	Status       BeaconStatus `json:"status"`
	EmployeeID   string       `json:"employee_id,omitempty"`
	AssetID      string       `json:"asset_id,omitempty"`
	SessionStart *time.Time   `json:"session_start,omitempty"`
	LastSeen     *time.Time   `json:"last_seen,omitempty"`
	CurrentZone  string       `json:"current_zone,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
}

// Gateway is a fixed BLE receiver.
type Gateway struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	MACAddress  string        `json:"mac_address"`
	Topic       string        `json:"mqtt_topic"`
	FloorPlanID string        `json:"map_id,omitempty"`
	Location    Location      `json:"location"`
	ZoneLabel   string        `json:"zone_label"`
	Status      GatewayStatus `json:"status"`
	LastSeen    time.Time     `json:"last_seen"`
}

// DisplayName returns the name shown to operators, falling back to the radio address.
func (g Gateway) DisplayName() string {
	if g.Name != "" {
		return g.Name
	}
	return g.MACAddress
}

// Observation is one accepted signal sighting.
type Observation struct {
	ID        int64     `json:"id"`
	BeaconID  string    `json:"beacon_id"`
	GatewayID string    `json:"gateway_id"`
	RSSI      float64   `json:"rssi"`
	Timestamp time.Time `json:"timestamp"`
}

// GatewayObservation is an Observation populated with its gateway's position and liveness inputs.
type GatewayObservation struct {
	Observation
	Gateway Gateway `json:"gateway"`
}

// FloorPlan is a named map image; at most one is active.
type FloorPlan struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	ImageURL  string    `json:"imageUrl"`
	Width     int       `json:"width"`
	Height    int       `json:"height"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"createdAt"`
}

// Zone is an axis-aligned rectangle on a floor-plan.
type Zone struct {
	ID          string  `json:"id"`
	FloorPlanID string  `json:"map_id"`
	Name        string  `json:"name"`
	X           float64 `json:"x"`
	Y           float64 `json:"y"`
	Width       float64 `json:"width"`
	Height      float64 `json:"height"`
}

// Contains reports whether the point lies inside the zone, boundaries included.
func (z Zone) Contains(x, y float64) bool {
	return x >= z.X && x <= z.X+z.Width && y >= z.Y && y <= z.Y+z.Height
}

// Employee is a person that may carry a personnel tag.
//
// An empty AllowedZones means no trespass policy is enforced.
type Employee struct {
	ID           string   `json:"id"`
	Code         string   `json:"employee_id"`
	FullName     string   `json:"full_name"`
	Department   string   `json:"department"`
	Position     string   `json:"position"`
	Status       string   `json:"status"`
	BeaconID     string   `json:"ble_tag,omitempty"`
	AllowedZones []string `json:"allowed_zones"`
}

// Asset is a piece of equipment that may carry a tag.
type Asset struct {
	ID       string `json:"id"`
	Name     string `json:"asset_name"`
	Status   string `json:"status"`
	BeaconID string `json:"ble_beacon,omitempty"`
}

// BoundBeacon is an active beacon together with its bound entity, if any.
type BoundBeacon struct {
	Beacon   Beacon
	Employee *Employee
	Asset    *Asset
}

// IngestionError captures a payload that failed validation.
type IngestionError struct {
	GatewayAddress string `json:"gateway_address"`
	Topic          string `json:"topic"`
	Payload        string `json:"payload"`
	Error          string `json:"error"`
}
