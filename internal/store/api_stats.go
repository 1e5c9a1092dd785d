package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ppirong/townly-sub003/internal/models"
)

// RecordAPICall adds one upstream call to the provider's row for the
// canonical-zone day of at. The row is created on the first call of the day.
func (s *Store) RecordAPICall(ctx context.Context, provider string, at time.Time, latency time.Duration, success bool) error {
	local := models.Normalize(at)
	day := local.Format(time.DateOnly)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var histJSON string
	err = tx.QueryRowContext(ctx, `
		SELECT hour_histogram FROM api_call_stats WHERE provider = ? AND day = ?
	`, provider, day).Scan(&histJSON)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("read stats: %w", err)
	}

	hist, err := decodeHistogram(histJSON)
	if err != nil {
		return err
	}
	hist[local.Hour()]++
	encoded, err := json.Marshal(hist)
	if err != nil {
		return fmt.Errorf("encode histogram: %w", err)
	}

	successInc, failedInc := 0, 0
	if success {
		successInc = 1
	} else {
		failedInc = 1
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO api_call_stats (provider, day, total_calls, success_calls, failed_calls, total_latency_ms, hour_histogram, updated_at)
		VALUES (?, ?, 1, ?, ?, ?, ?, ?)
		ON CONFLICT(provider, day) DO UPDATE SET
			total_calls = api_call_stats.total_calls + 1,
			success_calls = api_call_stats.success_calls + excluded.success_calls,
			failed_calls = api_call_stats.failed_calls + excluded.failed_calls,
			total_latency_ms = api_call_stats.total_latency_ms + excluded.total_latency_ms,
			hour_histogram = excluded.hour_histogram,
			updated_at = excluded.updated_at
	`, provider, day, successInc, failedInc, latency.Milliseconds(), string(encoded), s.now().UTC()); err != nil {
		return fmt.Errorf("upsert stats: %w", err)
	}

	return tx.Commit()
}

// GetAPIStats returns the provider's stats for a day (YYYY-MM-DD), or nil
// when no call was made that day.
func (s *Store) GetAPIStats(ctx context.Context, provider, day string) (*models.DailyAPIStats, error) {
	var st models.DailyAPIStats
	var histJSON string
	err := s.db.QueryRowContext(ctx, `
		SELECT provider, day, total_calls, success_calls, failed_calls, total_latency_ms, hour_histogram
		FROM api_call_stats WHERE provider = ? AND day = ?
	`, provider, day).Scan(&st.Provider, &st.Day, &st.TotalCalls, &st.SuccessCalls, &st.FailedCalls,
		&st.TotalLatencyMs, &histJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	st.HourHistogram, err = decodeHistogram(histJSON)
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// ListAPIStats returns the most recent days of stats for a provider, newest first.
func (s *Store) ListAPIStats(ctx context.Context, provider string, days int) ([]models.DailyAPIStats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT provider, day, total_calls, success_calls, failed_calls, total_latency_ms, hour_histogram
		FROM api_call_stats WHERE provider = ?
		ORDER BY day DESC
		LIMIT ?
	`, provider, days)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []models.DailyAPIStats
	for rows.Next() {
		var st models.DailyAPIStats
		var histJSON string
		if err := rows.Scan(&st.Provider, &st.Day, &st.TotalCalls, &st.SuccessCalls, &st.FailedCalls,
			&st.TotalLatencyMs, &histJSON); err != nil {
			return nil, err
		}
		if st.HourHistogram, err = decodeHistogram(histJSON); err != nil {
			return nil, err
		}
		results = append(results, st)
	}
	return results, rows.Err()
}

func decodeHistogram(s string) ([24]int, error) {
	var hist [24]int
	if s == "" || s == "[]" {
		return hist, nil
	}
	var buckets []int
	if err := json.Unmarshal([]byte(s), &buckets); err != nil {
		return hist, fmt.Errorf("decode histogram: %w", err)
	}
	copy(hist[:], buckets)
	return hist, nil
}
