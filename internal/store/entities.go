package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"bletracker/go-mqtt-server/internal/model"
)

// BindingKind names the entity type a beacon can be bound to.
type BindingKind string

const (
	BindEmployee BindingKind = "employee"
	BindAsset    BindingKind = "asset"
)

// CreateEmployee registers an employee together with its zone allow-list.
func (s *Store) CreateEmployee(ctx context.Context, e model.Employee) (model.Employee, error) {
	if s.db == nil {
		return model.Employee{}, ErrNotInitialized
	}

	e.Code = strings.TrimSpace(e.Code)
	if e.Code == "" {
		return model.Employee{}, fmt.Errorf("create employee: empty code")
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Status == "" {
		e.Status = "active"
	}
	e.BeaconID = ""

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Employee{}, fmt.Errorf("begin create employee: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(
		ctx,
		`INSERT INTO employees (id, code, full_name, department, position, status) VALUES (?, ?, ?, ?, ?, ?);`,
		e.ID,
		e.Code,
		e.FullName,
		e.Department,
		e.Position,
		e.Status,
	)
	if err != nil {
		return model.Employee{}, fmt.Errorf("insert employee: %w", err)
	}

	if err := replaceAllowedZones(ctx, tx, e.ID, e.AllowedZones); err != nil {
		return model.Employee{}, err
	}

	if err := tx.Commit(); err != nil {
		return model.Employee{}, fmt.Errorf("commit employee: %w", err)
	}
	if e.AllowedZones == nil {
		e.AllowedZones = []string{}
	}
	return e, nil
}

// SetAllowedZones replaces an employee's allow-list. An empty list disables the trespass policy.
func (s *Store) SetAllowedZones(ctx context.Context, employeeID string, zoneIDs []string) error {
	if s.db == nil {
		return ErrNotInitialized
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin set allowed zones: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := exists(ctx, tx, `SELECT 1 FROM employees WHERE id = ?;`, employeeID); err != nil {
		return fmt.Errorf("employee %q: %w", employeeID, err)
	}
	if err := replaceAllowedZones(ctx, tx, employeeID, zoneIDs); err != nil {
		return err
	}
	return tx.Commit()
}

func replaceAllowedZones(ctx context.Context, tx *sql.Tx, employeeID string, zoneIDs []string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM employee_allowed_zones WHERE employee_id = ?;`, employeeID); err != nil {
		return fmt.Errorf("clear allowed zones: %w", err)
	}
	for _, zoneID := range zoneIDs {
		if err := exists(ctx, tx, `SELECT 1 FROM zones WHERE id = ?;`, zoneID); err != nil {
			return fmt.Errorf("zone %q: %w", zoneID, err)
		}
		if _, err := tx.ExecContext(
			ctx,
			`INSERT OR IGNORE INTO employee_allowed_zones (employee_id, zone_id) VALUES (?, ?);`,
			employeeID,
			zoneID,
		); err != nil {
			return fmt.Errorf("insert allowed zone: %w", err)
		}
	}
	return nil
}

// Employee looks an employee up by id.
func (s *Store) Employee(ctx context.Context, id string) (model.Employee, error) {
	if s.db == nil {
		return model.Employee{}, ErrNotInitialized
	}

	var (
		e        model.Employee
		beaconID sql.NullString
	)
	err := s.db.QueryRowContext(
		ctx,
		`SELECT id, code, full_name, department, position, status, beacon_id FROM employees WHERE id = ?;`,
		id,
	).Scan(&e.ID, &e.Code, &e.FullName, &e.Department, &e.Position, &e.Status, &beaconID)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Employee{}, fmt.Errorf("employee %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.Employee{}, fmt.Errorf("get employee: %w", err)
	}
	e.BeaconID = beaconID.String

	allowed, err := s.allowedZonesByEmployee(ctx)
	if err != nil {
		return model.Employee{}, err
	}
	e.AllowedZones = allowed[e.ID]
	if e.AllowedZones == nil {
		e.AllowedZones = []string{}
	}
	return e, nil
}

// CreateAsset registers a piece of equipment.
func (s *Store) CreateAsset(ctx context.Context, a model.Asset) (model.Asset, error) {
	if s.db == nil {
		return model.Asset{}, ErrNotInitialized
	}

	if strings.TrimSpace(a.Name) == "" {
		return model.Asset{}, fmt.Errorf("create asset: empty name")
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Status == "" {
		a.Status = "active"
	}
	a.BeaconID = ""

	if _, err := s.db.ExecContext(
		ctx,
		`INSERT INTO assets (id, name, status) VALUES (?, ?, ?);`,
		a.ID,
		a.Name,
		a.Status,
	); err != nil {
		return model.Asset{}, fmt.Errorf("insert asset: %w", err)
	}
	return a, nil
}

// Asset looks an asset up by id.
func (s *Store) Asset(ctx context.Context, id string) (model.Asset, error) {
	if s.db == nil {
		return model.Asset{}, ErrNotInitialized
	}

	var (
		a        model.Asset
		beaconID sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `SELECT id, name, status, beacon_id FROM assets WHERE id = ?;`, id).
		Scan(&a.ID, &a.Name, &a.Status, &beaconID)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Asset{}, fmt.Errorf("asset %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.Asset{}, fmt.Errorf("get asset: %w", err)
	}
	a.BeaconID = beaconID.String
	return a, nil
}

// AssignBeacon binds a beacon to an employee or asset. Any previous binding of either
// side is released first, so a beacon has at most one entity and an entity at most one
// beacon. Both references are written in one transaction; the beacon's reference is the
// authoritative one.
func (s *Store) AssignBeacon(ctx context.Context, beaconID string, kind BindingKind, targetID string) error {
	if s.db == nil {
		return ErrNotInitialized
	}

	var (
		targetTable string
		beaconCol   string
		beaconKind  model.BeaconKind
	)
	switch kind {
	case BindEmployee:
		targetTable, beaconCol, beaconKind = "employees", "employee_id", model.BeaconKindTag
	case BindAsset:
		targetTable, beaconCol, beaconKind = "assets", "asset_id", model.BeaconKindForklift
	default:
		return fmt.Errorf("assign beacon: unknown binding kind %q", kind)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin assign beacon: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := exists(ctx, tx, `SELECT 1 FROM beacons WHERE id = ?;`, beaconID); err != nil {
		return fmt.Errorf("beacon %q: %w", beaconID, err)
	}
	if err := exists(ctx, tx, `SELECT 1 FROM `+targetTable+` WHERE id = ?;`, targetID); err != nil {
		return fmt.Errorf("%s %q: %w", kind, targetID, err)
	}

	if err := releaseBeacon(ctx, tx, beaconID); err != nil {
		return err
	}

	// The target may already carry another beacon.
	if _, err := tx.ExecContext(ctx, `UPDATE beacons SET `+beaconCol+` = NULL WHERE `+beaconCol+` = ?;`, targetID); err != nil {
		return fmt.Errorf("release previous beacon: %w", err)
	}

	if _, err := tx.ExecContext(
		ctx,
		`UPDATE beacons SET `+beaconCol+` = ?, kind = ? WHERE id = ?;`,
		targetID,
		string(beaconKind),
		beaconID,
	); err != nil {
		return fmt.Errorf("bind beacon: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE `+targetTable+` SET beacon_id = ? WHERE id = ?;`, beaconID, targetID); err != nil {
		return fmt.Errorf("bind %s: %w", kind, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit assign beacon: %w", err)
	}
	return nil
}

// UnassignBeacon releases the beacon's binding on both sides.
func (s *Store) UnassignBeacon(ctx context.Context, beaconID string) error {
	if s.db == nil {
		return ErrNotInitialized
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin unassign beacon: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := exists(ctx, tx, `SELECT 1 FROM beacons WHERE id = ?;`, beaconID); err != nil {
		return fmt.Errorf("beacon %q: %w", beaconID, err)
	}
	if err := releaseBeacon(ctx, tx, beaconID); err != nil {
		return err
	}
	return tx.Commit()
}

func releaseBeacon(ctx context.Context, tx *sql.Tx, beaconID string) error {
	stmts := []string{
		`UPDATE employees SET beacon_id = NULL WHERE beacon_id = ?;`,
		`UPDATE assets SET beacon_id = NULL WHERE beacon_id = ?;`,
		`UPDATE beacons SET employee_id = NULL, asset_id = NULL WHERE id = ?;`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt, beaconID); err != nil {
			return fmt.Errorf("release beacon: %w", err)
		}
	}
	return nil
}

func (s *Store) allowedZonesByEmployee(ctx context.Context) (map[string][]string, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT employee_id, zone_id FROM employee_allowed_zones ORDER BY employee_id, rowid;`,
	)
	if err != nil {
		return nil, fmt.Errorf("query allowed zones: %w", err)
	}
	defer rows.Close()

	allowed := make(map[string][]string)
	for rows.Next() {
		var employeeID, zoneID string
		if err := rows.Scan(&employeeID, &zoneID); err != nil {
			return nil, fmt.Errorf("scan allowed zone: %w", err)
		}
		allowed[employeeID] = append(allowed[employeeID], zoneID)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate allowed zones: %w", err)
	}
	return allowed, nil
}
