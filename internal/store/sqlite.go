package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ppirong/townly-sub003/internal/models"
)

type Store struct {
	db  *sql.DB
	now func() time.Time
}

func New(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// SetClock overrides the clock used for created_at and expiry comparisons.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) UpsertUserLocation(ctx context.Context, u models.UserLocation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_locations (user_id, name, latitude, longitude, location_key, active, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, name) DO UPDATE SET
			latitude = excluded.latitude,
			longitude = excluded.longitude,
			location_key = COALESCE(excluded.location_key, user_locations.location_key),
			active = excluded.active,
			updated_at = excluded.updated_at
	`, u.UserID, u.Name, u.Latitude, u.Longitude, u.LocationKey, u.Active, s.now().UTC())
	return err
}

func (s *Store) ListActiveUserLocations(ctx context.Context) ([]models.UserLocation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, name, latitude, longitude, location_key, active, updated_at
		FROM user_locations
		WHERE active = TRUE
		ORDER BY user_id, name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var locations []models.UserLocation
	for rows.Next() {
		var u models.UserLocation
		if err := rows.Scan(&u.UserID, &u.Name, &u.Latitude, &u.Longitude, &u.LocationKey, &u.Active, &u.UpdatedAt); err != nil {
			return nil, err
		}
		locations = append(locations, u)
	}
	return locations, rows.Err()
}

// GetUserLocation returns the user's most recently updated active location,
// or nil if the user has none.
func (s *Store) GetUserLocation(ctx context.Context, userID string) (*models.UserLocation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT user_id, name, latitude, longitude, location_key, active, updated_at
		FROM user_locations
		WHERE user_id = ? AND active = TRUE
		ORDER BY updated_at DESC
		LIMIT 1
	`, userID)

	var u models.UserLocation
	err := row.Scan(&u.UserID, &u.Name, &u.Latitude, &u.Longitude, &u.LocationKey, &u.Active, &u.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// SetUserLocationKey records the resolved upstream key on every row that
// uses the given place name.
func (s *Store) SetUserLocationKey(ctx context.Context, name, key string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE user_locations SET location_key = ?, updated_at = ?
		WHERE name = ? AND (location_key IS NULL OR location_key != ?)
	`, key, s.now().UTC(), name, key)
	return err
}

// UpsertForecasts writes records in one transaction. A record with the same
// owner, location key, granularity and timestamp replaces the stored one.
func (s *Store) UpsertForecasts(ctx context.Context, records []models.ForecastRecord) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO forecasts (owner, location_key, location_name, granularity, forecast_at, forecast_date, forecast_hour,
			temperature, temp_min, precip_probability, condition_code, condition, fetched_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(owner, location_key, granularity, forecast_at) DO UPDATE SET
			location_name = excluded.location_name,
			temperature = excluded.temperature,
			temp_min = excluded.temp_min,
			precip_probability = excluded.precip_probability,
			condition_code = excluded.condition_code,
			condition = excluded.condition,
			fetched_at = excluded.fetched_at
	`)
	if err != nil {
		return 0, fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	now := s.now().UTC()
	for _, r := range records {
		var tempMin sql.NullFloat64
		if r.TempMin != nil {
			tempMin = sql.NullFloat64{Float64: *r.TempMin, Valid: true}
		}
		if _, err := stmt.ExecContext(ctx, r.Owner, r.LocationKey, r.LocationName, string(r.Granularity),
			r.ForecastAt.UTC(), r.ForecastDate(), r.ForecastHour(), r.Temperature, tempMin,
			r.PrecipProbability, r.ConditionCode, r.Condition, r.FetchedAt.UTC(), now); err != nil {
			return 0, fmt.Errorf("upsert forecast %s %s: %w", r.LocationKey, r.ForecastAt.Format(time.RFC3339), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return len(records), nil
}

// ForecastQuery selects stored forecast records. An empty Owner matches
// shared records only; IncludeShared widens an owner's view to shared rows.
type ForecastQuery struct {
	Owner         string
	IncludeShared bool
	LocationKey   string
	LocationName  string
	Granularity   models.Granularity
	From          time.Time
	To            time.Time
	Limit         int
}

func (s *Store) GetForecasts(ctx context.Context, q ForecastQuery) ([]models.ForecastRecord, error) {
	query := `
		SELECT id, owner, location_key, location_name, granularity, forecast_at, temperature, temp_min,
			precip_probability, condition_code, condition, fetched_at, created_at
		FROM forecasts
		WHERE granularity = ?`
	args := []any{string(q.Granularity)}

	if q.Owner != "" && q.IncludeShared {
		query += ` AND owner IN (?, '')`
		args = append(args, q.Owner)
	} else {
		query += ` AND owner = ?`
		args = append(args, q.Owner)
	}
	if q.LocationKey != "" {
		query += ` AND location_key = ?`
		args = append(args, q.LocationKey)
	}
	if q.LocationName != "" {
		query += ` AND location_name = ? COLLATE NOCASE`
		args = append(args, q.LocationName)
	}
	if !q.From.IsZero() {
		query += ` AND forecast_at >= ?`
		args = append(args, q.From.UTC())
	}
	if !q.To.IsZero() {
		query += ` AND forecast_at <= ?`
		args = append(args, q.To.UTC())
	}
	query += ` ORDER BY forecast_at ASC, owner DESC`
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []models.ForecastRecord
	for rows.Next() {
		var r models.ForecastRecord
		var granularity string
		var tempMin sql.NullFloat64
		if err := rows.Scan(&r.ID, &r.Owner, &r.LocationKey, &r.LocationName, &granularity, &r.ForecastAt,
			&r.Temperature, &tempMin, &r.PrecipProbability, &r.ConditionCode, &r.Condition,
			&r.FetchedAt, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.Granularity = models.Granularity(granularity)
		r.ForecastAt = models.Normalize(r.ForecastAt)
		if tempMin.Valid {
			v := tempMin.Float64
			r.TempMin = &v
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// LatestFetch returns when the newest record for a location and granularity
// was fetched. The zero time means nothing is stored.
func (s *Store) LatestFetch(ctx context.Context, locationKey string, g models.Granularity) (time.Time, error) {
	var fetched time.Time
	err := s.db.QueryRowContext(ctx, `
		SELECT fetched_at FROM forecasts
		WHERE location_key = ? AND granularity = ?
		ORDER BY fetched_at DESC
		LIMIT 1
	`, locationKey, string(g)).Scan(&fetched)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return fetched, nil
}
