// Package search ranks stored weather embeddings by cosine similarity to a
// query. It returns every candidate that passes the filter, best first; the
// caller decides what score is good enough.
package search

import (
	"context"
	"errors"
	"log"
	"math"
	"sort"

	"github.com/ppirong/townly-sub003/internal/embedding"
	"github.com/ppirong/townly-sub003/internal/failure"
	"github.com/ppirong/townly-sub003/internal/metrics"
	"github.com/ppirong/townly-sub003/internal/models"
	"github.com/ppirong/townly-sub003/internal/store"
)

// Filter scopes a search. A known UserID sees their own rows and shared
// rows; an empty UserID sees shared rows only.
type Filter struct {
	UserID       string
	ContentTypes []models.Granularity
	DateFrom     string
	DateTo       string
	Location     string
}

type Result struct {
	Embedding models.WeatherEmbedding
	Score     float64
}

// DefaultMaxCandidates bounds how many stored rows one search scores.
const DefaultMaxCandidates = 5000

type Engine struct {
	store         *store.Store
	embedder      embedding.Embedder
	maxCandidates int
}

type Option func(*Engine)

// WithMaxCandidates sets how many of the newest matching rows are scored.
// Zero scores every match.
func WithMaxCandidates(n int) Option {
	return func(e *Engine) {
		if n >= 0 {
			e.maxCandidates = n
		}
	}
}

func NewEngine(st *store.Store, embedder embedding.Embedder, opts ...Option) *Engine {
	e := &Engine{store: st, embedder: embedder, maxCandidates: DefaultMaxCandidates}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Search embeds queryText and ranks candidates against it.
func (e *Engine) Search(ctx context.Context, queryText string, f Filter, topK int) ([]Result, error) {
	vec, err := e.embedder.Embed(ctx, queryText)
	if err != nil {
		return nil, failure.New(failure.UpstreamUnavailable, "search.embed_query", err)
	}
	return e.SearchVector(ctx, vec, f, topK)
}

// SearchVector ranks candidates against an already-embedded query. A
// non-positive topK returns every candidate.
func (e *Engine) SearchVector(ctx context.Context, query []float32, f Filter, topK int) ([]Result, error) {
	limit := 0
	if e.maxCandidates > 0 {
		// One extra row tells a full result set from a truncated one.
		limit = e.maxCandidates + 1
	}
	candidates, err := e.store.EmbeddingCandidates(ctx, store.EmbeddingFilter{
		Owner:         f.UserID,
		IncludeShared: true,
		ContentTypes:  f.ContentTypes,
		DateFrom:      f.DateFrom,
		DateTo:        f.DateTo,
		LocationName:  f.Location,
		Limit:         limit,
	})
	if err != nil {
		return nil, failure.New(failure.PersistenceFailure, "search.candidates", err)
	}
	if limit > 0 && len(candidates) > e.maxCandidates {
		candidates = candidates[:e.maxCandidates]
		metrics.SearchCandidatesTruncated.Inc()
		log.Printf("search: more than %d candidates match (user %q, location %q, %s..%s); scoring the newest %d",
			e.maxCandidates, f.UserID, f.Location, f.DateFrom, f.DateTo, e.maxCandidates)
	}

	queryNorm := norm(query)
	results := make([]Result, 0, len(candidates))
	for _, c := range candidates {
		results = append(results, Result{
			Embedding: c.WeatherEmbedding,
			Score:     score(query, queryNorm, c),
		})
	}

	Rank(results)
	if topK > 0 && len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

// score returns the cosine similarity, or 0 for a vector that cannot be
// compared. Unusable vectors are logged and counted but never abort a search.
func score(query []float32, queryNorm float64, c store.EmbeddingCandidate) float64 {
	var reason string
	switch {
	case c.VectorErr != nil:
		reason = "unparseable"
	case len(c.Vector) != len(query):
		reason = "dimension_mismatch"
	}
	if reason != "" {
		dataQuality(c, reason, c.VectorErr)
		return 0
	}

	s, ok := cosine(query, queryNorm, c.Vector)
	if !ok {
		dataQuality(c, "zero_norm", nil)
		return 0
	}
	return s
}

func dataQuality(c store.EmbeddingCandidate, reason string, err error) {
	metrics.EmbeddingsCorrupt.WithLabelValues("read", reason).Inc()
	if err != nil && !errors.Is(err, store.ErrCorruptVector) {
		reason += ": " + err.Error()
	}
	log.Printf("search: embedding %d (%s %s) scored 0: %s", c.ID, c.LocationName, c.ForecastDate, reason)
}

// Cosine returns the cosine similarity of a and b, and false when either
// has zero norm or the lengths differ.
func Cosine(a, b []float32) (float64, bool) {
	if len(a) != len(b) {
		return 0, false
	}
	return cosine(a, norm(a), b)
}

func cosine(a []float32, aNorm float64, b []float32) (float64, bool) {
	bNorm := norm(b)
	if aNorm == 0 || bNorm == 0 || math.IsNaN(aNorm) || math.IsNaN(bNorm) {
		return 0, false
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	s := dot / (aNorm * bNorm)
	if math.IsNaN(s) {
		return 0, false
	}
	return s, true
}

func norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

// Rank sorts by score, breaking ties by newer forecast (date, then hour)
// and then by newer row.
func Rank(results []Result) {
	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Embedding.ForecastDate != b.Embedding.ForecastDate {
			return a.Embedding.ForecastDate > b.Embedding.ForecastDate
		}
		ah, bh := hourOf(a.Embedding), hourOf(b.Embedding)
		if ah != bh {
			return ah > bh
		}
		if !a.Embedding.CreatedAt.Equal(b.Embedding.CreatedAt) {
			return a.Embedding.CreatedAt.After(b.Embedding.CreatedAt)
		}
		return a.Embedding.ID > b.Embedding.ID
	})
}

func hourOf(e models.WeatherEmbedding) int64 {
	if !e.ForecastHour.Valid {
		return -1
	}
	return e.ForecastHour.Int64
}
