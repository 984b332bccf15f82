package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"bletracker/go-mqtt-server/internal/model"
)

// MaxRecentObservations caps a single RecentObservations query.
const MaxRecentObservations = 100

// AppendObservation writes one accepted sighting. Both the beacon and the gateway must
// already exist, otherwise ErrNotFound is returned.
func (s *Store) AppendObservation(ctx context.Context, beaconID, gatewayID string, rssi float64, observedAt time.Time) (model.Observation, error) {
	if s.db == nil {
		return model.Observation{}, ErrNotInitialized
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Observation{}, fmt.Errorf("begin append observation: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := exists(ctx, tx, `SELECT 1 FROM beacons WHERE id = ?;`, beaconID); err != nil {
		return model.Observation{}, fmt.Errorf("beacon %q: %w", beaconID, err)
	}
	if err := exists(ctx, tx, `SELECT 1 FROM gateways WHERE id = ?;`, gatewayID); err != nil {
		return model.Observation{}, fmt.Errorf("gateway %q: %w", gatewayID, err)
	}

	res, err := tx.ExecContext(
		ctx,
		`INSERT INTO observations (beacon_id, gateway_id, rssi, observed_at) VALUES (?, ?, ?, ?);`,
		beaconID,
		gatewayID,
		rssi,
		formatTime(observedAt),
	)
	if err != nil {
		return model.Observation{}, fmt.Errorf("insert observation: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return model.Observation{}, fmt.Errorf("observation id: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return model.Observation{}, fmt.Errorf("commit observation: %w", err)
	}

	return model.Observation{
		ID:        id,
		BeaconID:  beaconID,
		GatewayID: gatewayID,
		RSSI:      rssi,
		Timestamp: observedAt.UTC(),
	}, nil
}

// RecentObservations returns the n most recent observations for a beacon, newest first,
// each joined with its gateway. Equal timestamps fall back to insertion order.
func (s *Store) RecentObservations(ctx context.Context, beaconID string, n int) ([]model.GatewayObservation, error) {
	if s.db == nil {
		return nil, ErrNotInitialized
	}

	if n <= 0 {
		n = 10
	}
	if n > MaxRecentObservations {
		n = MaxRecentObservations
	}

	rows, err := s.db.QueryContext(
		ctx,
		`SELECT o.id, o.beacon_id, o.gateway_id, o.rssi, o.observed_at, `+gatewayColumns+`
		 FROM observations o
		 INNER JOIN gateways g ON g.id = o.gateway_id
		 WHERE o.beacon_id = ?
		 ORDER BY o.observed_at DESC, o.id DESC
		 LIMIT ?;`,
		beaconID,
		n,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent observations: %w", err)
	}
	defer rows.Close()

	observations := make([]model.GatewayObservation, 0, n)
	for rows.Next() {
		var (
			obs         model.GatewayObservation
			observedAt  string
			floorPlanID sql.NullString
			status      string
			lastSeen    string
		)
		if err := rows.Scan(&obs.ID, &obs.BeaconID, &obs.GatewayID, &obs.RSSI, &observedAt,
			&obs.Gateway.ID, &obs.Gateway.Name, &obs.Gateway.MACAddress, &obs.Gateway.Topic, &floorPlanID,
			&obs.Gateway.Location.X, &obs.Gateway.Location.Y, &obs.Gateway.ZoneLabel, &status, &lastSeen); err != nil {
			return nil, fmt.Errorf("scan observation: %w", err)
		}
		obs.Timestamp = parseTime(observedAt)
		obs.Gateway.FloorPlanID = floorPlanID.String
		obs.Gateway.Status = model.GatewayStatus(status)
		obs.Gateway.LastSeen = parseTime(lastSeen)
		observations = append(observations, obs)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate observations: %w", err)
	}
	return observations, nil
}

// CountObservations returns the number of stored observations for a beacon.
func (s *Store) CountObservations(ctx context.Context, beaconID string) (int, error) {
	if s.db == nil {
		return 0, ErrNotInitialized
	}

	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM observations WHERE beacon_id = ?;`, beaconID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count observations: %w", err)
	}
	return n, nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func exists(ctx context.Context, q queryRower, query string, args ...any) error {
	var one int
	err := q.QueryRowContext(ctx, query, args...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
