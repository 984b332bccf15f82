package store

import (
	"context"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// InitSchema applies all pending migrations.
func (s *Store) InitSchema(ctx context.Context) error {
	if s.db == nil {
		return ErrNotInitialized
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m, err := s.newMigrate()
	if err != nil {
		return err
	}
	// m.Close would close the shared *sql.DB, so the instance is left to the GC.

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

// SchemaVersion returns the applied migration version and dirty flag.
func (s *Store) SchemaVersion() (uint, bool, error) {
	if s.db == nil {
		return 0, false, ErrNotInitialized
	}

	m, err := s.newMigrate()
	if err != nil {
		return 0, false, err
	}

	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

func (s *Store) newMigrate() (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("open migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("create sqlite migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("create migrate instance: %w", err)
	}
	return m, nil
}
