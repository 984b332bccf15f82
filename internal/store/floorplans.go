package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"bletracker/go-mqtt-server/internal/model"
)

const floorPlanColumns = `id, name, image_url, width, height, active, created_at`

func scanFloorPlan(row rowScanner) (model.FloorPlan, error) {
	var (
		fp        model.FloorPlan
		active    int
		createdAt string
	)
	if err := row.Scan(&fp.ID, &fp.Name, &fp.ImageURL, &fp.Width, &fp.Height, &active, &createdAt); err != nil {
		return model.FloorPlan{}, err
	}
	fp.Active = active == 1
	fp.CreatedAt = parseTime(createdAt)
	return fp, nil
}

// CreateFloorPlan registers an inactive floor-plan.
func (s *Store) CreateFloorPlan(ctx context.Context, fp model.FloorPlan) (model.FloorPlan, error) {
	if s.db == nil {
		return model.FloorPlan{}, ErrNotInitialized
	}

	if fp.ID == "" {
		fp.ID = uuid.NewString()
	}
	if fp.CreatedAt.IsZero() {
		fp.CreatedAt = time.Now().UTC()
	}
	fp.Active = false

	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO floor_plans (id, name, image_url, width, height, active, created_at) VALUES (?, ?, ?, ?, ?, 0, ?);`,
		fp.ID,
		fp.Name,
		fp.ImageURL,
		fp.Width,
		fp.Height,
		formatTime(fp.CreatedAt),
	)
	if err != nil {
		return model.FloorPlan{}, fmt.Errorf("insert floor plan: %w", err)
	}
	return fp, nil
}

// FloorPlan looks a floor-plan up by id.
func (s *Store) FloorPlan(ctx context.Context, id string) (model.FloorPlan, error) {
	if s.db == nil {
		return model.FloorPlan{}, ErrNotInitialized
	}

	fp, err := scanFloorPlan(s.db.QueryRowContext(ctx, `SELECT `+floorPlanColumns+` FROM floor_plans WHERE id = ?;`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.FloorPlan{}, fmt.Errorf("floor plan %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.FloorPlan{}, fmt.Errorf("get floor plan: %w", err)
	}
	return fp, nil
}

// ActiveFloorPlan returns the active floor-plan, or nil when none is active.
func (s *Store) ActiveFloorPlan(ctx context.Context) (*model.FloorPlan, error) {
	if s.db == nil {
		return nil, ErrNotInitialized
	}

	fp, err := scanFloorPlan(s.db.QueryRowContext(ctx, `SELECT `+floorPlanColumns+` FROM floor_plans WHERE active = 1 LIMIT 1;`))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get active floor plan: %w", err)
	}
	return &fp, nil
}

// SetActiveFloorPlan makes id the only active floor-plan.
func (s *Store) SetActiveFloorPlan(ctx context.Context, id string) (model.FloorPlan, error) {
	if s.db == nil {
		return model.FloorPlan{}, ErrNotInitialized
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.FloorPlan{}, fmt.Errorf("begin set active floor plan: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := exists(ctx, tx, `SELECT 1 FROM floor_plans WHERE id = ?;`, id); err != nil {
		return model.FloorPlan{}, fmt.Errorf("floor plan %q: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE floor_plans SET active = 0 WHERE active = 1;`); err != nil {
		return model.FloorPlan{}, fmt.Errorf("deactivate floor plans: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE floor_plans SET active = 1 WHERE id = ?;`, id); err != nil {
		return model.FloorPlan{}, fmt.Errorf("activate floor plan: %w", err)
	}
	fp, err := scanFloorPlan(tx.QueryRowContext(ctx, `SELECT `+floorPlanColumns+` FROM floor_plans WHERE id = ?;`, id))
	if err != nil {
		return model.FloorPlan{}, fmt.Errorf("get floor plan: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return model.FloorPlan{}, fmt.Errorf("commit active floor plan: %w", err)
	}
	return fp, nil
}

// CreateZone registers a rectangular zone on an existing floor-plan.
func (s *Store) CreateZone(ctx context.Context, z model.Zone) (model.Zone, error) {
	if s.db == nil {
		return model.Zone{}, ErrNotInitialized
	}
	if z.Width < 0 || z.Height < 0 {
		return model.Zone{}, fmt.Errorf("create zone: negative extent %gx%g", z.Width, z.Height)
	}

	if err := exists(ctx, s.db, `SELECT 1 FROM floor_plans WHERE id = ?;`, z.FloorPlanID); err != nil {
		return model.Zone{}, fmt.Errorf("floor plan %q: %w", z.FloorPlanID, err)
	}

	if z.ID == "" {
		z.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO zones (id, floor_plan_id, name, x, y, width, height) VALUES (?, ?, ?, ?, ?, ?, ?);`,
		z.ID,
		z.FloorPlanID,
		z.Name,
		z.X,
		z.Y,
		z.Width,
		z.Height,
	)
	if err != nil {
		return model.Zone{}, fmt.Errorf("insert zone: %w", err)
	}
	return z, nil
}

// ZonesForFloorPlan returns the floor-plan's zones in creation order.
func (s *Store) ZonesForFloorPlan(ctx context.Context, floorPlanID string) ([]model.Zone, error) {
	if s.db == nil {
		return nil, ErrNotInitialized
	}

	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, floor_plan_id, name, x, y, width, height FROM zones WHERE floor_plan_id = ? ORDER BY rowid ASC;`,
		floorPlanID,
	)
	if err != nil {
		return nil, fmt.Errorf("query zones: %w", err)
	}
	defer rows.Close()

	var zones []model.Zone
	for rows.Next() {
		var z model.Zone
		if err := rows.Scan(&z.ID, &z.FloorPlanID, &z.Name, &z.X, &z.Y, &z.Width, &z.Height); err != nil {
			return nil, fmt.Errorf("scan zone: %w", err)
		}
		zones = append(zones, z)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate zones: %w", err)
	}
	return zones, nil
}
