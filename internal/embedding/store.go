// Package embedding renders forecast records into sentences, embeds them and
// keeps the resulting vectors in the weather_embeddings table.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ppirong/townly-sub003/internal/failure"
	"github.com/ppirong/townly-sub003/internal/metrics"
	"github.com/ppirong/townly-sub003/internal/models"
	"github.com/ppirong/townly-sub003/internal/ratelimit"
	"github.com/ppirong/townly-sub003/internal/store"
)

const (
	DefaultBatchSize = 50
	defaultMaxWait   = 30 * time.Second
)

type Store struct {
	db        *store.Store
	embedder  Embedder
	limiter   *ratelimit.Limiter
	batchSize int
	maxWait   time.Duration
	retry     func() backoff.BackOff
}

type Option func(*Store)

// WithLimiter gates every embedding call on limiter. A full window is waited
// out when the wait fits within maxWait and the caller's deadline.
func WithLimiter(limiter *ratelimit.Limiter, maxWait time.Duration) Option {
	return func(s *Store) {
		s.limiter = limiter
		if maxWait > 0 {
			s.maxWait = maxWait
		}
	}
}

func WithBatchSize(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// WithRetryBackOff sets the delay policy between the first attempt and the
// single retry of failed records.
func WithRetryBackOff(fn func() backoff.BackOff) Option {
	return func(s *Store) { s.retry = fn }
}

func NewStore(db *store.Store, embedder Embedder, opts ...Option) *Store {
	s := &Store{
		db:        db,
		embedder:  embedder,
		batchSize: DefaultBatchSize,
		maxWait:   defaultMaxWait,
		retry: func() backoff.BackOff {
			bo := backoff.NewExponentialBackOff()
			bo.InitialInterval = time.Second
			return bo
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Upsert embeds one record and stores it as a new row. Older rows for the
// same fact stay until RemoveDuplicates runs.
func (s *Store) Upsert(ctx context.Context, rec models.ForecastRecord) (int64, error) {
	if err := s.acquire(ctx); err != nil {
		return 0, err
	}
	content := Render(rec)
	vec, err := s.embedder.Embed(ctx, content)
	if err != nil {
		return 0, failure.New(failure.UpstreamUnavailable, "embedding.upsert", err)
	}
	if err := s.validate(vec); err != nil {
		metrics.EmbeddingsCorrupt.WithLabelValues("write", reason(err)).Inc()
		return 0, failure.New(failure.EmbeddingCorrupt, "embedding.upsert", err)
	}

	ids, err := s.db.InsertEmbeddings(ctx, []models.WeatherEmbedding{s.toEmbedding(rec, content, vec)})
	if err != nil {
		return 0, failure.New(failure.PersistenceFailure, "embedding.upsert", err)
	}
	metrics.EmbeddingsStored.WithLabelValues(string(rec.Granularity)).Inc()
	return ids[0], nil
}

// FailedRecord is a record that could not be embedded after the retry.
type FailedRecord struct {
	Record models.ForecastRecord
	Err    error
}

type BulkResult struct {
	Stored int
	IDs    []int64
	Failed []FailedRecord
}

// BulkEmbedAndStore embeds records in batches. Each batch that succeeds is
// written before the next one is attempted, so a later failure never loses
// earlier work. Records that fail (a rejected call, a corrupt vector or a
// write error) are retried once as a group; whatever still fails is reported
// in the result. The error is non-nil only when ctx ends.
func (s *Store) BulkEmbedAndStore(ctx context.Context, records []models.ForecastRecord) (BulkResult, error) {
	var result BulkResult
	if len(records) == 0 {
		return result, nil
	}

	pending := make([]FailedRecord, 0)
	for start := 0; start < len(records); start += s.batchSize {
		end := min(start+s.batchSize, len(records))
		pending = append(pending, s.embedChunk(ctx, records[start:end], &result)...)
		if err := ctx.Err(); err != nil {
			result.Failed = append(result.Failed, pending...)
			result.Failed = append(result.Failed, asFailed(records[end:], err)...)
			return result, err
		}
	}

	if len(pending) > 0 {
		bo := s.retry()
		delay := bo.NextBackOff()
		if delay == backoff.Stop {
			delay = 0
		}
		log.Printf("embedding: retrying %d failed records in %s", len(pending), delay)
		select {
		case <-ctx.Done():
			result.Failed = append(result.Failed, pending...)
			return result, ctx.Err()
		case <-time.After(delay):
		}

		retry := make([]models.ForecastRecord, len(pending))
		for i, f := range pending {
			retry[i] = f.Record
		}
		for start := 0; start < len(retry); start += s.batchSize {
			end := min(start+s.batchSize, len(retry))
			result.Failed = append(result.Failed, s.embedChunk(ctx, retry[start:end], &result)...)
		}
	}

	if len(result.Failed) > 0 {
		metrics.EmbeddingsFailed.Add(float64(len(result.Failed)))
		log.Printf("embedding: %d stored, %d failed after retry", result.Stored, len(result.Failed))
	}
	return result, nil
}

// embedChunk embeds and stores one batch, returning the records that failed.
func (s *Store) embedChunk(ctx context.Context, chunk []models.ForecastRecord, result *BulkResult) []FailedRecord {
	if err := s.acquire(ctx); err != nil {
		return asFailed(chunk, err)
	}

	texts := make([]string, len(chunk))
	for i, r := range chunk {
		texts[i] = Render(r)
	}

	vectors, err := s.embedder.EmbedBatch(ctx, texts)
	if err == nil && len(vectors) != len(chunk) {
		err = fmt.Errorf("got %d vectors for %d texts", len(vectors), len(chunk))
	}
	if err != nil {
		log.Printf("embedding: batch of %d failed: %v", len(chunk), err)
		return asFailed(chunk, failure.New(failure.UpstreamUnavailable, "embedding.batch", err))
	}

	var failed []FailedRecord
	var rows []models.WeatherEmbedding
	var rowRecords []models.ForecastRecord
	for i, vec := range vectors {
		if err := s.validate(vec); err != nil {
			metrics.EmbeddingsCorrupt.WithLabelValues("write", reason(err)).Inc()
			log.Printf("embedding: rejecting vector for %q: %v", texts[i], err)
			failed = append(failed, FailedRecord{Record: chunk[i], Err: failure.New(failure.EmbeddingCorrupt, "embedding.batch", err)})
			continue
		}
		rows = append(rows, s.toEmbedding(chunk[i], texts[i], vec))
		rowRecords = append(rowRecords, chunk[i])
	}

	if len(rows) == 0 {
		return failed
	}
	ids, err := s.db.InsertEmbeddings(ctx, rows)
	if err != nil {
		log.Printf("embedding: store batch of %d: %v", len(rows), err)
		return append(failed, asFailed(rowRecords, failure.New(failure.PersistenceFailure, "embedding.batch", err))...)
	}
	result.Stored += len(ids)
	result.IDs = append(result.IDs, ids...)
	for _, r := range rowRecords {
		metrics.EmbeddingsStored.WithLabelValues(string(r.Granularity)).Inc()
	}
	return failed
}

// acquire takes a slot from the limiter, waiting for one when the wait is
// short enough.
func (s *Store) acquire(ctx context.Context) error {
	if s.limiter == nil {
		return nil
	}
	err := s.limiter.TryAcquire()
	if err == nil {
		return nil
	}
	wait := s.limiter.WaitTime()
	if wait > s.maxWait {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < wait {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(wait):
	}
	return s.limiter.TryAcquire()
}

var (
	errWrongDimensions = errors.New("wrong dimensions")
	errZeroNorm        = errors.New("zero norm")
	errNotFinite       = errors.New("non-finite component")
)

func (s *Store) validate(vec []float32) error {
	if want := s.embedder.Dimensions(); len(vec) != want {
		return fmt.Errorf("%w: got %d, want %d", errWrongDimensions, len(vec), want)
	}
	var sum float64
	for _, v := range vec {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return errNotFinite
		}
		sum += f * f
	}
	if sum == 0 {
		return errZeroNorm
	}
	return nil
}

func reason(err error) string {
	switch {
	case errors.Is(err, errWrongDimensions):
		return "dimensions"
	case errors.Is(err, errZeroNorm):
		return "zero_norm"
	case errors.Is(err, errNotFinite):
		return "not_finite"
	}
	return "other"
}

func (s *Store) toEmbedding(rec models.ForecastRecord, content string, vec []float32) models.WeatherEmbedding {
	return models.WeatherEmbedding{
		Owner:        rec.Owner,
		ContentType:  rec.Granularity,
		LocationName: rec.LocationName,
		ForecastDate: rec.ForecastDate(),
		ForecastHour: rec.ForecastHour(),
		Content:      content,
		Vector:       vec,
		Model:        s.embedder.Model(),
	}
}

func asFailed(records []models.ForecastRecord, err error) []FailedRecord {
	out := make([]FailedRecord, len(records))
	for i, r := range records {
		out[i] = FailedRecord{Record: r, Err: err}
	}
	return out
}

// RemoveDuplicates keeps only the newest embedding per owner, content type,
// location, date and hour.
func (s *Store) RemoveDuplicates(ctx context.Context) (int64, error) {
	n, err := s.db.DeleteDuplicateEmbeddings(ctx)
	if err != nil {
		return 0, failure.New(failure.PersistenceFailure, "embedding.dedup", err)
	}
	if n > 0 {
		log.Printf("embedding: removed %d duplicate embeddings", n)
	}
	return n, nil
}

func (s *Store) Stats(ctx context.Context) (*store.EmbeddingStats, error) {
	st, err := s.db.GetEmbeddingStats(ctx)
	if err != nil {
		return nil, failure.New(failure.PersistenceFailure, "embedding.stats", err)
	}
	return st, nil
}

// Embedder returns the embedder used for writes so searches can embed
// queries with the same model.
func (s *Store) Embedder() Embedder {
	return s.embedder
}
