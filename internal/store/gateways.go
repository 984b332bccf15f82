package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"bletracker/go-mqtt-server/internal/model"
)

// Placeholder position and label for gateways provisioned from their first message.
const (
	PlaceholderX        = 50.0
	PlaceholderY        = 50.0
	UnassignedZoneLabel = "Unassigned"
)

const gatewayColumns = `g.id, g.name, g.mac_address, g.mqtt_topic, g.floor_plan_id, g.x, g.y, g.zone_label, g.status, g.last_seen`

func scanGateway(row rowScanner) (model.Gateway, error) {
	var (
		g           model.Gateway
		floorPlanID sql.NullString
		status      string
		lastSeen    string
	)
	if err := row.Scan(&g.ID, &g.Name, &g.MACAddress, &g.Topic, &floorPlanID, &g.Location.X, &g.Location.Y,
		&g.ZoneLabel, &status, &lastSeen); err != nil {
		return model.Gateway{}, err
	}
	g.FloorPlanID = floorPlanID.String
	g.Status = model.GatewayStatus(status)
	g.LastSeen = parseTime(lastSeen)
	return g, nil
}

// EnsureGateway refreshes the gateway's liveness from a received message, provisioning
// it on first sight at the placeholder position bound to the active floor-plan (if any).
func (s *Store) EnsureGateway(ctx context.Context, mac, topic string, seenAt time.Time) (gateway model.Gateway, created bool, err error) {
	if s.db == nil {
		return model.Gateway{}, false, ErrNotInitialized
	}

	mac = strings.TrimSpace(mac)
	if mac == "" {
		return model.Gateway{}, false, fmt.Errorf("ensure gateway: empty address")
	}

	var existing int
	err = s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM gateways WHERE mac_address = ?;`, mac).Scan(&existing)
	if err != nil {
		return model.Gateway{}, false, fmt.Errorf("lookup gateway: %w", err)
	}

	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO gateways (id, mac_address, mqtt_topic, floor_plan_id, x, y, zone_label, status, last_seen)
		 VALUES (?, ?, ?, (SELECT id FROM floor_plans WHERE active = 1 LIMIT 1), ?, ?, ?, ?, ?)
		 ON CONFLICT(mac_address) DO UPDATE SET
			last_seen = CASE
				WHEN gateways.last_seen IS NULL OR gateways.last_seen < excluded.last_seen THEN excluded.last_seen
				ELSE gateways.last_seen
			END,
			status = excluded.status,
			mqtt_topic = excluded.mqtt_topic;`,
		uuid.NewString(),
		mac,
		topic,
		PlaceholderX,
		PlaceholderY,
		UnassignedZoneLabel,
		string(model.GatewayOnline),
		formatTime(seenAt),
	)
	if err != nil {
		return model.Gateway{}, false, fmt.Errorf("upsert gateway: %w", err)
	}

	row := s.db.QueryRowContext(ctx, `SELECT `+gatewayColumns+` FROM gateways g WHERE g.mac_address = ?;`, mac)
	gateway, err = scanGateway(row)
	if err != nil {
		return model.Gateway{}, false, fmt.Errorf("get gateway: %w", err)
	}
	return gateway, existing == 0, nil
}

// Gateway looks a gateway up by id.
func (s *Store) Gateway(ctx context.Context, id string) (model.Gateway, error) {
	if s.db == nil {
		return model.Gateway{}, ErrNotInitialized
	}

	row := s.db.QueryRowContext(ctx, `SELECT `+gatewayColumns+` FROM gateways g WHERE g.id = ?;`, id)
	g, err := scanGateway(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Gateway{}, fmt.Errorf("gateway %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.Gateway{}, fmt.Errorf("get gateway: %w", err)
	}
	return g, nil
}

// GatewaysForFloorPlan returns the gateways bound to the floor-plan plus every unassigned
// gateway, in registration order. An empty floorPlanID returns only unassigned gateways.
func (s *Store) GatewaysForFloorPlan(ctx context.Context, floorPlanID string) ([]model.Gateway, error) {
	if s.db == nil {
		return nil, ErrNotInitialized
	}

	query := `SELECT ` + gatewayColumns + ` FROM gateways g WHERE g.floor_plan_id IS NULL`
	var args []any
	if floorPlanID != "" {
		query += ` OR g.floor_plan_id = ?`
		args = append(args, floorPlanID)
	}
	query += ` ORDER BY g.rowid ASC;`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query gateways: %w", err)
	}
	defer rows.Close()

	gateways := make([]model.Gateway, 0, 8)
	for rows.Next() {
		g, err := scanGateway(rows)
		if err != nil {
			return nil, fmt.Errorf("scan gateway: %w", err)
		}
		gateways = append(gateways, g)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate gateways: %w", err)
	}
	return gateways, nil
}

// GatewayPlacement is a manual repositioning of a gateway.
type GatewayPlacement struct {
	Name        string
	FloorPlanID string
	Location    model.Location
	ZoneLabel   string
}

// PlaceGateway moves a gateway to a new position and (optionally) floor-plan.
func (s *Store) PlaceGateway(ctx context.Context, id string, p GatewayPlacement) (model.Gateway, error) {
	if s.db == nil {
		return model.Gateway{}, ErrNotInitialized
	}

	label := p.ZoneLabel
	if label == "" {
		label = "Unknown"
	}

	res, err := s.db.ExecContext(
		ctx,
		`UPDATE gateways SET name = ?, floor_plan_id = ?, x = ?, y = ?, zone_label = ? WHERE id = ?;`,
		p.Name,
		nullString(p.FloorPlanID),
		p.Location.X,
		p.Location.Y,
		label,
		id,
	)
	if err != nil {
		return model.Gateway{}, fmt.Errorf("place gateway: %w", err)
	}
	if err := expectRow(res, "gateway", id); err != nil {
		return model.Gateway{}, err
	}
	return s.Gateway(ctx, id)
}

// MarkGatewaysOffline persists the offline status for gateways not seen since cutoff.
func (s *Store) MarkGatewaysOffline(ctx context.Context, cutoff time.Time) (int64, error) {
	if s.db == nil {
		return 0, ErrNotInitialized
	}

	res, err := s.db.ExecContext(
		ctx,
		`UPDATE gateways SET status = ? WHERE last_seen < ? AND status <> ?;`,
		string(model.GatewayOffline),
		formatTime(cutoff),
		string(model.GatewayOffline),
	)
	if err != nil {
		return 0, fmt.Errorf("mark gateways offline: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}
