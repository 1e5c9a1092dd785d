package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pgvector/pgvector-go"

	"github.com/ppirong/townly-sub003/internal/models"
)

// InsertEmbeddings writes each embedding as a new row in one transaction and
// returns the assigned ids. Existing rows are never modified.
func (s *Store) InsertEmbeddings(ctx context.Context, embeddings []models.WeatherEmbedding) ([]int64, error) {
	if len(embeddings) == 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO weather_embeddings (owner, content_type, location_name, forecast_date, forecast_hour,
			content, embedding, dimensions, model, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return nil, fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	now := s.now().UTC()
	ids := make([]int64, 0, len(embeddings))
	for _, e := range embeddings {
		if len(e.Vector) == 0 {
			return nil, fmt.Errorf("insert embedding %q: empty vector", e.Content)
		}
		result, err := stmt.ExecContext(ctx, e.Owner, string(e.ContentType), e.LocationName, e.ForecastDate,
			e.ForecastHour, e.Content, pgvector.NewVector(e.Vector), len(e.Vector), e.Model, now)
		if err != nil {
			return nil, fmt.Errorf("insert embedding: %w", err)
		}
		id, err := result.LastInsertId()
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return ids, nil
}

// EmbeddingFilter narrows the candidate set before scoring. An empty Owner
// selects shared rows only; a non-empty Owner selects that user's rows plus
// shared rows when IncludeShared is set. Another user's rows never match.
type EmbeddingFilter struct {
	Owner         string
	IncludeShared bool
	ContentTypes  []models.Granularity
	DateFrom      string // inclusive YYYY-MM-DD
	DateTo        string // inclusive YYYY-MM-DD
	LocationName  string
	Limit         int
}

// ErrCorruptVector is set on candidates whose stored vector cannot be decoded.
var ErrCorruptVector = errors.New("corrupt embedding vector")

// EmbeddingCandidate is a stored embedding as read for scoring. VectorErr is
// non-nil when the stored vector could not be decoded; Vector is then nil.
type EmbeddingCandidate struct {
	models.WeatherEmbedding
	Dimensions int
	VectorErr  error
}

func (s *Store) EmbeddingCandidates(ctx context.Context, f EmbeddingFilter) ([]EmbeddingCandidate, error) {
	query := `
		SELECT id, owner, content_type, location_name, forecast_date, forecast_hour, content,
			embedding, dimensions, model, created_at
		FROM weather_embeddings
		WHERE 1 = 1`
	var args []any

	if f.Owner != "" && f.IncludeShared {
		query += ` AND owner IN (?, '')`
		args = append(args, f.Owner)
	} else {
		query += ` AND owner = ?`
		args = append(args, f.Owner)
	}
	if len(f.ContentTypes) > 0 {
		placeholders := make([]string, len(f.ContentTypes))
		for i, ct := range f.ContentTypes {
			placeholders[i] = "?"
			args = append(args, string(ct))
		}
		query += ` AND content_type IN (` + strings.Join(placeholders, ", ") + `)`
	}
	if f.DateFrom != "" {
		query += ` AND forecast_date >= ?`
		args = append(args, f.DateFrom)
	}
	if f.DateTo != "" {
		query += ` AND forecast_date <= ?`
		args = append(args, f.DateTo)
	}
	if f.LocationName != "" {
		query += ` AND location_name = ? COLLATE NOCASE`
		args = append(args, f.LocationName)
	}
	query += ` ORDER BY forecast_date DESC, forecast_hour DESC, created_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var candidates []EmbeddingCandidate
	for rows.Next() {
		var c EmbeddingCandidate
		var contentType, raw string
		if err := rows.Scan(&c.ID, &c.Owner, &contentType, &c.LocationName, &c.ForecastDate, &c.ForecastHour,
			&c.Content, &raw, &c.Dimensions, &c.Model, &c.CreatedAt); err != nil {
			return nil, err
		}
		c.ContentType = models.Granularity(contentType)
		c.Vector, c.VectorErr = decodeVector(raw)
		candidates = append(candidates, c)
	}
	return candidates, rows.Err()
}

func decodeVector(raw string) ([]float32, error) {
	if len(raw) < 3 || raw[0] != '[' || raw[len(raw)-1] != ']' {
		return nil, fmt.Errorf("%w: %q", ErrCorruptVector, truncate(raw, 32))
	}
	var v pgvector.Vector
	if err := v.Parse(raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptVector, err)
	}
	return v.Slice(), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// DeleteDuplicateEmbeddings removes every embedding that shares owner,
// content type, location, date and hour with a newer row. The newest row by
// created_at (then id) survives. Running it twice removes nothing the second time.
func (s *Store) DeleteDuplicateEmbeddings(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM weather_embeddings
		WHERE id IN (
			SELECT id FROM (
				SELECT id, ROW_NUMBER() OVER (
					PARTITION BY owner, content_type, location_name, forecast_date, COALESCE(forecast_hour, -1)
					ORDER BY created_at DESC, id DESC
				) AS rn
				FROM weather_embeddings
			)
			WHERE rn > 1
		)
	`)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// DeleteEmbeddingsBefore prunes embeddings for forecast dates older than date.
func (s *Store) DeleteEmbeddingsBefore(ctx context.Context, date string) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM weather_embeddings WHERE forecast_date < ?`, date)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

type EmbeddingStats struct {
	Total         int            `json:"total"`
	ByContentType map[string]int `json:"byContentType"`
	Duplicates    int            `json:"duplicates"`
	OldestDate    string         `json:"oldestDate,omitempty"`
	NewestDate    string         `json:"newestDate,omitempty"`
	LastCreatedAt time.Time      `json:"lastCreatedAt,omitempty"`
}

func (s *Store) GetEmbeddingStats(ctx context.Context) (*EmbeddingStats, error) {
	stats := &EmbeddingStats{ByContentType: make(map[string]int)}

	var oldest, newest sql.NullString
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), MIN(forecast_date), MAX(forecast_date) FROM weather_embeddings
	`).Scan(&stats.Total, &oldest, &newest); err != nil {
		return nil, err
	}
	stats.OldestDate = oldest.String
	stats.NewestDate = newest.String

	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) - COUNT(DISTINCT owner || '|' || content_type || '|' || location_name || '|' ||
			forecast_date || '|' || COALESCE(forecast_hour, -1))
		FROM weather_embeddings
	`).Scan(&stats.Duplicates); err != nil {
		return nil, err
	}

	err := s.db.QueryRowContext(ctx, `
		SELECT created_at FROM weather_embeddings ORDER BY created_at DESC, id DESC LIMIT 1
	`).Scan(&stats.LastCreatedAt)
	if err != nil && err != sql.ErrNoRows {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT content_type, COUNT(*) FROM weather_embeddings GROUP BY content_type
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var ct string
		var n int
		if err := rows.Scan(&ct, &n); err != nil {
			return nil, err
		}
		stats.ByContentType[ct] = n
	}
	return stats, rows.Err()
}
