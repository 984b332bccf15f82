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

// BeaconSighting carries the protocol identifiers reported with a sighting.
type BeaconSighting struct {
	Address string
	UUID    string
	Major   int
	Minor   int
}

const beaconColumns = `b.id, b.address, b.uuid, b.major, b.minor, b.kind, b.status, b.employee_id, b.asset_id,
	b.session_start, b.last_seen, b.current_zone_id, b.created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBeacon(row rowScanner) (model.Beacon, error) {
	var (
		b            model.Beacon
		kind, status string
		employeeID   sql.NullString
		assetID      sql.NullString
		sessionStart sql.NullString
		lastSeen     sql.NullString
		zoneID       sql.NullString
		createdAt    string
	)
	if err := row.Scan(&b.ID, &b.Address, &b.UUID, &b.Major, &b.Minor, &kind, &status, &employeeID, &assetID,
		&sessionStart, &lastSeen, &zoneID, &createdAt); err != nil {
		return model.Beacon{}, err
	}
	b.Kind = model.BeaconKind(kind)
	b.Status = model.BeaconStatus(status)
	b.EmployeeID = employeeID.String
	b.AssetID = assetID.String
	b.SessionStart = parseNullTime(sessionStart)
	b.LastSeen = parseNullTime(lastSeen)
	b.CurrentZone = zoneID.String
	b.CreatedAt = parseTime(createdAt)
	return b, nil
}

// EnsureBeacon returns the beacon with the sighting's address, provisioning an active
// tag with default identifiers when it has never been seen. created reports whether a
// new record was written.
func (s *Store) EnsureBeacon(ctx context.Context, sighting BeaconSighting, now time.Time) (beacon model.Beacon, created bool, err error) {
	if s.db == nil {
		return model.Beacon{}, false, ErrNotInitialized
	}

	address := strings.TrimSpace(sighting.Address)
	if address == "" {
		return model.Beacon{}, false, fmt.Errorf("ensure beacon: empty address")
	}
	beaconUUID := sighting.UUID
	if beaconUUID == "" {
		beaconUUID = "unknown"
	}

	res, err := s.db.ExecContext(
		ctx,
		`INSERT INTO beacons (id, address, uuid, major, minor, kind, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(address) DO NOTHING;`,
		uuid.NewString(),
		address,
		beaconUUID,
		sighting.Major,
		sighting.Minor,
		string(model.BeaconKindTag),
		string(model.BeaconActive),
		formatTime(now),
	)
	if err != nil {
		return model.Beacon{}, false, fmt.Errorf("provision beacon: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		created = true
	}

	beacon, err = s.BeaconByAddress(ctx, address)
	if err != nil {
		return model.Beacon{}, false, err
	}
	return beacon, created, nil
}

// BeaconByAddress looks a beacon up by its radio address.
func (s *Store) BeaconByAddress(ctx context.Context, address string) (model.Beacon, error) {
	if s.db == nil {
		return model.Beacon{}, ErrNotInitialized
	}

	row := s.db.QueryRowContext(ctx, `SELECT `+beaconColumns+` FROM beacons b WHERE b.address = ?;`, address)
	b, err := scanBeacon(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Beacon{}, fmt.Errorf("beacon %q: %w", address, ErrNotFound)
	}
	if err != nil {
		return model.Beacon{}, fmt.Errorf("get beacon: %w", err)
	}
	return b, nil
}

// Beacon looks a beacon up by id.
func (s *Store) Beacon(ctx context.Context, id string) (model.Beacon, error) {
	if s.db == nil {
		return model.Beacon{}, ErrNotInitialized
	}

	row := s.db.QueryRowContext(ctx, `SELECT `+beaconColumns+` FROM beacons b WHERE b.id = ?;`, id)
	b, err := scanBeacon(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Beacon{}, fmt.Errorf("beacon %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.Beacon{}, fmt.Errorf("get beacon: %w", err)
	}
	return b, nil
}

// TouchBeaconSession records a sighting at seenAt with the given session start and
// re-activates the beacon. The write only applies while last_seen still equals
// prevLastSeen, so concurrent sightings of one beacon cannot overwrite each other's
// session; applied is false when the row changed underneath and the caller should
// re-read and retry. last_seen never moves backwards.
func (s *Store) TouchBeaconSession(ctx context.Context, beaconID string, prevLastSeen *time.Time, sessionStart, seenAt time.Time) (applied bool, err error) {
	if s.db == nil {
		return false, ErrNotInitialized
	}

	var prev any
	if prevLastSeen != nil {
		prev = formatTime(*prevLastSeen)
	}
	seen := formatTime(seenAt)

	res, err := s.db.ExecContext(
		ctx,
		`UPDATE beacons SET
			session_start = ?,
			last_seen = CASE WHEN last_seen IS NULL OR last_seen < ? THEN ? ELSE last_seen END,
			status = ?
		 WHERE id = ? AND last_seen IS ?;`,
		formatTime(sessionStart),
		seen,
		seen,
		string(model.BeaconActive),
		beaconID,
		prev,
	)
	if err != nil {
		return false, fmt.Errorf("touch beacon session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	if n > 0 {
		return true, nil
	}

	var exists int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM beacons WHERE id = ?;`, beaconID).Scan(&exists); err != nil {
		return false, fmt.Errorf("lookup beacon: %w", err)
	}
	if exists == 0 {
		return false, fmt.Errorf("beacon %q: %w", beaconID, ErrNotFound)
	}
	return false, nil
}

// SetBeaconStatus activates or deactivates a beacon.
func (s *Store) SetBeaconStatus(ctx context.Context, beaconID string, status model.BeaconStatus) error {
	if s.db == nil {
		return ErrNotInitialized
	}

	res, err := s.db.ExecContext(ctx, `UPDATE beacons SET status = ? WHERE id = ?;`, string(status), beaconID)
	if err != nil {
		return fmt.Errorf("set beacon status: %w", err)
	}
	return expectRow(res, "beacon", beaconID)
}

// SetBeaconZone caches the beacon's last resolved zone. An empty zoneID clears it.
func (s *Store) SetBeaconZone(ctx context.Context, beaconID, zoneID string) error {
	if s.db == nil {
		return ErrNotInitialized
	}

	if _, err := s.db.ExecContext(ctx, `UPDATE beacons SET current_zone_id = ? WHERE id = ?;`, nullString(zoneID), beaconID); err != nil {
		return fmt.Errorf("set beacon zone: %w", err)
	}
	return nil
}

// ActiveBeacons returns every active beacon with its bound employee or asset.
func (s *Store) ActiveBeacons(ctx context.Context) ([]model.BoundBeacon, error) {
	if s.db == nil {
		return nil, ErrNotInitialized
	}

	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+beaconColumns+`,
			e.id, e.code, e.full_name, e.department, e.position, e.status,
			a.id, a.name, a.status
		 FROM beacons b
		 LEFT JOIN employees e ON e.id = b.employee_id
		 LEFT JOIN assets a ON a.id = b.asset_id
		 WHERE b.status = ?
		 ORDER BY b.rowid ASC;`,
		string(model.BeaconActive),
	)
	if err != nil {
		return nil, fmt.Errorf("query active beacons: %w", err)
	}
	defer rows.Close()

	var bound []model.BoundBeacon
	for rows.Next() {
		var (
			b            model.Beacon
			kind, status string
			employeeID   sql.NullString
			assetID      sql.NullString
			sessionStart sql.NullString
			lastSeen     sql.NullString
			zoneID       sql.NullString
			createdAt    string

			eID, eCode, eName, eDept, ePos, eStatus sql.NullString
			aID, aName, aStatus                     sql.NullString
		)
		if err := rows.Scan(&b.ID, &b.Address, &b.UUID, &b.Major, &b.Minor, &kind, &status, &employeeID, &assetID,
			&sessionStart, &lastSeen, &zoneID, &createdAt,
			&eID, &eCode, &eName, &eDept, &ePos, &eStatus,
			&aID, &aName, &aStatus); err != nil {
			return nil, fmt.Errorf("scan active beacon: %w", err)
		}
		b.Kind = model.BeaconKind(kind)
		b.Status = model.BeaconStatus(status)
		b.EmployeeID = employeeID.String
		b.AssetID = assetID.String
		b.SessionStart = parseNullTime(sessionStart)
		b.LastSeen = parseNullTime(lastSeen)
		b.CurrentZone = zoneID.String
		b.CreatedAt = parseTime(createdAt)

		entry := model.BoundBeacon{Beacon: b}
		if eID.Valid {
			entry.Employee = &model.Employee{
				ID:         eID.String,
				Code:       eCode.String,
				FullName:   eName.String,
				Department: eDept.String,
				Position:   ePos.String,
				Status:     eStatus.String,
				BeaconID:   b.ID,
			}
		}
		if aID.Valid {
			entry.Asset = &model.Asset{
				ID:       aID.String,
				Name:     aName.String,
				Status:   aStatus.String,
				BeaconID: b.ID,
			}
		}
		bound = append(bound, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate active beacons: %w", err)
	}
	rows.Close()

	allowed, err := s.allowedZonesByEmployee(ctx)
	if err != nil {
		return nil, err
	}
	for _, entry := range bound {
		if entry.Employee != nil {
			entry.Employee.AllowedZones = allowed[entry.Employee.ID]
		}
	}

	return bound, nil
}

func expectRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s %q: %w", kind, id, ErrNotFound)
	}
	return nil
}
