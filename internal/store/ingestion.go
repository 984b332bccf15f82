package store

import (
	"context"
	"fmt"

	"bletracker/go-mqtt-server/internal/model"
)

// InsertIngestionError records a message that failed validation.
func (s *Store) InsertIngestionError(ctx context.Context, e model.IngestionError) error {
	if s.db == nil {
		return ErrNotInitialized
	}

	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO ingestion_errors (gateway_address, topic, payload, error) VALUES (?, ?, ?, ?);`,
		nullString(e.GatewayAddress),
		nullString(e.Topic),
		e.Payload,
		e.Error,
	)
	if err != nil {
		return fmt.Errorf("insert ingestion error: %w", err)
	}
	return nil
}

// CountIngestionErrors returns the number of recorded ingestion errors.
func (s *Store) CountIngestionErrors(ctx context.Context) (int, error) {
	if s.db == nil {
		return 0, ErrNotInitialized
	}

	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM ingestion_errors;`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count ingestion errors: %w", err)
	}
	return n, nil
}
