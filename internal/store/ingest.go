package store

import (
	"context"
	"database/sql"
	"time"
)

// IngestRun records a single upstream fetch made by the collector.
type IngestRun struct {
	ID                int64
	StartedAt         time.Time
	FinishedAt        sql.NullTime
	Provider          string // "accuweather"
	Endpoint          string // "forecasts/v1/hourly/12hour", "forecasts/v1/daily/5day", etc.
	UserID            sql.NullString
	LocationKey       sql.NullString
	HTTPStatus        sql.NullInt64
	ResponseSizeBytes sql.NullInt64
	RecordsParsed     sql.NullInt64
	RecordsStored     sql.NullInt64
	ParseErrors       sql.NullInt64
	Success           bool
	ErrorMessage      sql.NullString
}

// StartIngestRun creates a new ingest run record and returns it.
func (s *Store) StartIngestRun(ctx context.Context, provider, endpoint, userID, locationKey string) (*IngestRun, error) {
	run := &IngestRun{
		StartedAt:   s.now().UTC(),
		Provider:    provider,
		Endpoint:    endpoint,
		UserID:      sql.NullString{String: userID, Valid: userID != ""},
		LocationKey: sql.NullString{String: locationKey, Valid: locationKey != ""},
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO ingest_runs (started_at, provider, endpoint, user_id, location_key, success)
		VALUES (?, ?, ?, ?, ?, FALSE)
	`, run.StartedAt, run.Provider, run.Endpoint, run.UserID, run.LocationKey)
	if err != nil {
		return nil, err
	}

	run.ID, err = result.LastInsertId()
	if err != nil {
		return nil, err
	}

	return run, nil
}

// CompleteIngestRun updates the ingest run with results.
func (s *Store) CompleteIngestRun(ctx context.Context, run *IngestRun) error {
	if run == nil {
		return nil
	}

	run.FinishedAt = sql.NullTime{Time: s.now().UTC(), Valid: true}

	_, err := s.db.ExecContext(ctx, `
		UPDATE ingest_runs SET
			finished_at = ?,
			http_status = ?,
			response_size_bytes = ?,
			records_parsed = ?,
			records_stored = ?,
			parse_errors = ?,
			success = ?,
			error_message = ?
		WHERE id = ?
	`, run.FinishedAt, run.HTTPStatus, run.ResponseSizeBytes, run.RecordsParsed,
		run.RecordsStored, run.ParseErrors, run.Success, run.ErrorMessage, run.ID)
	return err
}

// IngestHealthSummary is one day of ingest outcomes for an endpoint.
type IngestHealthSummary struct {
	Date             string `json:"date"`
	Provider         string `json:"provider"`
	Endpoint         string `json:"endpoint"`
	TotalRuns        int    `json:"totalRuns"`
	SuccessRuns      int    `json:"successRuns"`
	FailedRuns       int    `json:"failedRuns"`
	TotalRecords     int64  `json:"totalRecords"`
	TotalParseErrors int64  `json:"totalParseErrors"`
}

// GetIngestHealth returns ingest health summaries for the last N days.
func (s *Store) GetIngestHealth(ctx context.Context, days int) ([]IngestHealthSummary, error) {
	since := s.now().UTC().AddDate(0, 0, -days)
	rows, err := s.db.QueryContext(ctx, `
		SELECT
			DATE(SUBSTR(started_at, 1, 19)) as date,
			provider,
			endpoint,
			COUNT(*) as total_runs,
			SUM(CASE WHEN success THEN 1 ELSE 0 END) as success_runs,
			SUM(CASE WHEN NOT success THEN 1 ELSE 0 END) as failed_runs,
			COALESCE(SUM(records_stored), 0) as total_records,
			COALESCE(SUM(parse_errors), 0) as total_parse_errors
		FROM ingest_runs
		WHERE started_at > ?
		GROUP BY date, provider, endpoint
		ORDER BY date DESC, provider, endpoint
	`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []IngestHealthSummary
	for rows.Next() {
		var h IngestHealthSummary
		if err := rows.Scan(&h.Date, &h.Provider, &h.Endpoint, &h.TotalRuns,
			&h.SuccessRuns, &h.FailedRuns, &h.TotalRecords, &h.TotalParseErrors); err != nil {
			return nil, err
		}
		results = append(results, h)
	}
	return results, rows.Err()
}

// GetRecentIngestErrors returns recent failed ingest runs.
func (s *Store) GetRecentIngestErrors(ctx context.Context, limit int) ([]IngestRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, started_at, finished_at, provider, endpoint, user_id, location_key,
			   http_status, response_size_bytes, records_parsed, records_stored,
			   success, error_message
		FROM ingest_runs
		WHERE success = FALSE
		ORDER BY started_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []IngestRun
	for rows.Next() {
		var r IngestRun
		if err := rows.Scan(&r.ID, &r.StartedAt, &r.FinishedAt, &r.Provider, &r.Endpoint,
			&r.UserID, &r.LocationKey, &r.HTTPStatus, &r.ResponseSizeBytes,
			&r.RecordsParsed, &r.RecordsStored, &r.Success, &r.ErrorMessage); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}
