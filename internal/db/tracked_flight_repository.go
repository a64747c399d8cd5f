package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/unklstewy/flightwatch/pkg/telemetry"
)

// TrackedFlight is a flight the operator chose to follow.
type TrackedFlight struct {
	FlightID  string
	Label     string
	IsActive  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TrackedFlightRepository handles tracked flight preferences.
type TrackedFlightRepository struct {
	db *DB
}

// NewTrackedFlightRepository creates a new tracked flight repository.
func NewTrackedFlightRepository(db *DB) *TrackedFlightRepository {
	return &TrackedFlightRepository{db: db}
}

// normalizeFlightID trims id and rejects empty values.
func normalizeFlightID(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", telemetry.ErrMissingFlightID
	}
	return id, nil
}

// List returns all tracked flights ordered by creation time.
func (r *TrackedFlightRepository) List(ctx context.Context) ([]TrackedFlight, error) {
	query := `
		SELECT flight_id, label, is_active, created_at, updated_at
		FROM tracked_flights
		ORDER BY created_at, flight_id
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query tracked flights: %w", err)
	}
	defer rows.Close()

	var flights []TrackedFlight
	for rows.Next() {
		var f TrackedFlight
		if err := rows.Scan(&f.FlightID, &f.Label, &f.IsActive, &f.CreatedAt, &f.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan tracked flight: %w", err)
		}
		flights = append(flights, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tracked flights: %w", err)
	}

	return flights, nil
}

// Get returns one tracked flight, or nil if it is not stored.
func (r *TrackedFlightRepository) Get(ctx context.Context, flightID string) (*TrackedFlight, error) {
	id, err := normalizeFlightID(flightID)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT flight_id, label, is_active, created_at, updated_at
		FROM tracked_flights
		WHERE flight_id = $1
	`

	var f TrackedFlight
	err = r.db.QueryRowContext(ctx, query, id).
		Scan(&f.FlightID, &f.Label, &f.IsActive, &f.CreatedAt, &f.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tracked flight: %w", err)
	}
	return &f, nil
}

// Add stores a flight, or updates its label if it already exists.
func (r *TrackedFlightRepository) Add(ctx context.Context, flightID, label string) error {
	id, err := normalizeFlightID(flightID)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO tracked_flights (flight_id, label, is_active)
		VALUES ($1, $2, TRUE)
		ON CONFLICT (flight_id) DO UPDATE SET
			label = EXCLUDED.label,
			updated_at = NOW()
	`

	if _, err := r.db.ExecContext(ctx, query, id, label); err != nil {
		return fmt.Errorf("failed to add tracked flight: %w", err)
	}
	return nil
}

// Remove deletes a flight. Removing an unknown flight is not an error.
func (r *TrackedFlightRepository) Remove(ctx context.Context, flightID string) error {
	id, err := normalizeFlightID(flightID)
	if err != nil {
		return err
	}

	if _, err := r.db.ExecContext(ctx, `DELETE FROM tracked_flights WHERE flight_id = $1`, id); err != nil {
		return fmt.Errorf("failed to remove tracked flight: %w", err)
	}
	return nil
}

// SetActive records whether tracking should resume for the flight on startup.
func (r *TrackedFlightRepository) SetActive(ctx context.Context, flightID string, active bool) error {
	id, err := normalizeFlightID(flightID)
	if err != nil {
		return err
	}

	query := `
		UPDATE tracked_flights
		SET is_active = $2, updated_at = NOW()
		WHERE flight_id = $1
	`

	res, err := r.db.ExecContext(ctx, query, id, active)
	if err != nil {
		return fmt.Errorf("failed to update tracked flight: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("tracked flight %s not found", id)
	}
	return nil
}
