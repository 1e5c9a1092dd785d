package embedding

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "modernc.org/sqlite"

	"github.com/ppirong/townly-sub003/internal/failure"
	"github.com/ppirong/townly-sub003/internal/models"
	"github.com/ppirong/townly-sub003/internal/ratelimit"
	"github.com/ppirong/townly-sub003/internal/store"
)

func setupTestStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	st := store.New(db)
	if err := st.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return st
}

func noDelay() backoff.BackOff { return &backoff.ZeroBackOff{} }

func hourlyRecord(hour int, temp float64) models.ForecastRecord {
	return models.ForecastRecord{
		LocationKey:       "226081",
		LocationName:      "Seoul",
		Granularity:       models.GranularityHourly,
		ForecastAt:        time.Date(2025, 9, 28, hour, 0, 0, 0, models.CanonicalZone),
		Temperature:       temp,
		PrecipProbability: 80,
		ConditionCode:     12,
		Condition:         "Showers",
	}
}

func TestRender(t *testing.T) {
	low := 15.2
	tests := []struct {
		name string
		rec  models.ForecastRecord
		want string
	}{
		{
			name: "hourly",
			rec:  hourlyRecord(14, 19.4),
			want: "On 2025-09-28 at 14:00 in Seoul: 19°C, showers (비), 80% precipitation",
		},
		{
			name: "daily with low",
			rec: models.ForecastRecord{
				LocationName:      "Busan",
				Granularity:       models.GranularityDaily,
				ForecastAt:        time.Date(2025, 9, 29, 7, 0, 0, 0, models.CanonicalZone),
				Temperature:       24,
				TempMin:           &low,
				PrecipProbability: 20,
				ConditionCode:     3,
				Condition:         "Partly sunny",
			},
			want: "On 2025-09-29 in Busan: high 24°C, low 15°C, partly sunny (구름 조금), 20% precipitation",
		},
		{
			name: "current from UTC timestamp",
			rec: models.ForecastRecord{
				LocationName:  "Seoul",
				Granularity:   models.GranularityCurrent,
				ForecastAt:    time.Date(2025, 9, 28, 5, 30, 0, 0, time.UTC),
				Temperature:   22,
				ConditionCode: 1,
			},
			want: "Current conditions on 2025-09-28 at 14:30 in Seoul: 22°C, clear (맑음), 0% precipitation",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Render(tt.rec); got != tt.want {
				t.Errorf("Render() = %q\nwant %q", got, tt.want)
			}
		})
	}
}

func TestHashEmbedder(t *testing.T) {
	ctx := context.Background()
	h := NewHashEmbedder(64)

	a, _ := h.Embed(ctx, "Seoul showers")
	b, _ := h.Embed(ctx, "Seoul showers")
	if len(a) != 64 {
		t.Fatalf("len = %d, want 64", len(a))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatal("HashEmbedder is not deterministic")
		}
	}

	empty, _ := h.Embed(ctx, "")
	if empty[0] != 1 {
		t.Error("empty text should map to a unit vector")
	}
}

func TestOpenAIEmbedder(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/embeddings") {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization = %q", got)
		}
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		// Out of order on purpose; the client sorts by index.
		w.Write([]byte(`{
			"object": "list",
			"model": "text-embedding-3-small",
			"data": [
				{"object": "embedding", "index": 1, "embedding": [0, 1, 0]},
				{"object": "embedding", "index": 0, "embedding": [1, 0, 0]}
			],
			"usage": {"prompt_tokens": 4, "total_tokens": 4}
		}`))
	}))
	defer srv.Close()

	e, err := NewOpenAIEmbedder(OpenAIConfig{APIKey: "test-key", BaseURL: srv.URL, Dimensions: 3})
	if err != nil {
		t.Fatalf("NewOpenAIEmbedder: %v", err)
	}

	vectors, err := e.EmbedBatch(context.Background(), []string{"first", "second"})
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if len(vectors) != 2 || vectors[0][0] != 1 || vectors[1][1] != 1 {
		t.Errorf("vectors = %v, want index order", vectors)
	}
	if gotBody["model"] != "text-embedding-3-small" {
		t.Errorf("model = %v", gotBody["model"])
	}
	if gotBody["dimensions"] != float64(3) {
		t.Errorf("dimensions = %v", gotBody["dimensions"])
	}
}

func TestNewOpenAIEmbedderRequiresKey(t *testing.T) {
	if _, err := NewOpenAIEmbedder(OpenAIConfig{}); err == nil {
		t.Error("expected error without API key")
	}
}

// scriptedEmbedder wraps HashEmbedder and misbehaves for chosen texts.
type scriptedEmbedder struct {
	*HashEmbedder
	mu        sync.Mutex
	calls     int
	failOnce  string // batch containing this substring fails on its first attempt
	failAll   string // batch containing this substring always fails
	zeroFor   string // texts containing this get a zero vector
	attempted map[string]int
}

func newScripted() *scriptedEmbedder {
	return &scriptedEmbedder{HashEmbedder: NewHashEmbedder(16), attempted: make(map[string]int)}
}

func (s *scriptedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	s.mu.Lock()
	s.calls++
	for _, t := range texts {
		if s.failAll != "" && strings.Contains(t, s.failAll) {
			s.mu.Unlock()
			return nil, errors.New("503 service unavailable")
		}
		if s.failOnce != "" && strings.Contains(t, s.failOnce) {
			s.attempted[t]++
			if s.attempted[t] == 1 {
				s.mu.Unlock()
				return nil, errors.New("timeout")
			}
		}
	}
	s.mu.Unlock()

	out, err := s.HashEmbedder.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, err
	}
	for i, t := range texts {
		if s.zeroFor != "" && strings.Contains(t, s.zeroFor) {
			out[i] = make([]float32, s.dims)
		}
	}
	return out, nil
}

func TestBulkEmbedAndStoreRetriesFailedChunk(t *testing.T) {
	ctx := context.Background()
	db := setupTestStore(t)
	emb := newScripted()
	emb.failOnce = "at 02:00"
	s := NewStore(db, emb, WithBatchSize(2), WithRetryBackOff(noDelay))

	var records []models.ForecastRecord
	for h := 0; h < 6; h++ {
		records = append(records, hourlyRecord(h, 18+float64(h)))
	}

	res, err := s.BulkEmbedAndStore(ctx, records)
	if err != nil {
		t.Fatalf("BulkEmbedAndStore: %v", err)
	}
	if res.Stored != 6 || len(res.Failed) != 0 {
		t.Errorf("Stored = %d Failed = %d, want 6, 0", res.Stored, len(res.Failed))
	}
	// 3 chunks plus one retry of the failed chunk.
	if emb.calls != 4 {
		t.Errorf("embed calls = %d, want 4", emb.calls)
	}
}

func TestBulkEmbedAndStorePartialFailureKeepsGoodChunks(t *testing.T) {
	ctx := context.Background()
	db := setupTestStore(t)
	emb := newScripted()
	emb.failAll = "at 03:00"
	s := NewStore(db, emb, WithBatchSize(2), WithRetryBackOff(noDelay))

	var records []models.ForecastRecord
	for h := 0; h < 6; h++ {
		records = append(records, hourlyRecord(h, 20))
	}

	res, err := s.BulkEmbedAndStore(ctx, records)
	if err != nil {
		t.Fatalf("BulkEmbedAndStore: %v", err)
	}
	if res.Stored != 4 {
		t.Errorf("Stored = %d, want 4", res.Stored)
	}
	if len(res.Failed) != 2 {
		t.Fatalf("Failed = %d, want 2", len(res.Failed))
	}
	for _, f := range res.Failed {
		if !errors.Is(f.Err, failure.ErrUpstreamUnavailable) {
			t.Errorf("failed err = %v, want upstream unavailable", f.Err)
		}
	}

	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Total != 4 {
		t.Errorf("stored rows = %d, want 4", stats.Total)
	}
}

func TestBulkEmbedAndStoreRejectsZeroVectors(t *testing.T) {
	ctx := context.Background()
	db := setupTestStore(t)
	emb := newScripted()
	emb.zeroFor = "at 01:00"
	s := NewStore(db, emb, WithBatchSize(10), WithRetryBackOff(noDelay))

	res, err := s.BulkEmbedAndStore(ctx, []models.ForecastRecord{hourlyRecord(0, 20), hourlyRecord(1, 21), hourlyRecord(2, 22)})
	if err != nil {
		t.Fatalf("BulkEmbedAndStore: %v", err)
	}
	if res.Stored != 2 {
		t.Errorf("Stored = %d, want 2", res.Stored)
	}
	if len(res.Failed) != 1 || !errors.Is(res.Failed[0].Err, failure.ErrEmbeddingCorrupt) {
		t.Errorf("Failed = %+v, want one corrupt record", res.Failed)
	}
}

func TestBulkEmbedAndStoreQuota(t *testing.T) {
	ctx := context.Background()
	db := setupTestStore(t)
	limiter := ratelimit.New(1, time.Hour)
	s := NewStore(db, NewHashEmbedder(16),
		WithBatchSize(1),
		WithLimiter(limiter, time.Millisecond),
		WithRetryBackOff(noDelay))

	res, err := s.BulkEmbedAndStore(ctx, []models.ForecastRecord{hourlyRecord(0, 20), hourlyRecord(1, 21)})
	if err != nil {
		t.Fatalf("BulkEmbedAndStore: %v", err)
	}
	if res.Stored != 1 || len(res.Failed) != 1 {
		t.Fatalf("Stored = %d Failed = %d, want 1, 1", res.Stored, len(res.Failed))
	}
	if !errors.Is(res.Failed[0].Err, failure.ErrQuotaExceeded) {
		t.Errorf("err = %v, want quota exceeded", res.Failed[0].Err)
	}
}

func TestUpsertAndRemoveDuplicates(t *testing.T) {
	ctx := context.Background()
	db := setupTestStore(t)
	now := time.Date(2025, 9, 28, 5, 0, 0, 0, time.UTC)
	db.SetClock(func() time.Time { return now })
	s := NewStore(db, NewHashEmbedder(16))

	first, err := s.Upsert(ctx, hourlyRecord(14, 19))
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	now = now.Add(6 * time.Hour)
	second, err := s.Upsert(ctx, hourlyRecord(14, 21))
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if first == second {
		t.Fatal("Upsert must insert a new row")
	}

	removed, err := s.RemoveDuplicates(ctx)
	if err != nil {
		t.Fatalf("RemoveDuplicates: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if removed, _ := s.RemoveDuplicates(ctx); removed != 0 {
		t.Errorf("second RemoveDuplicates removed %d, want 0", removed)
	}

	got, err := db.EmbeddingCandidates(ctx, store.EmbeddingFilter{})
	if err != nil {
		t.Fatalf("EmbeddingCandidates: %v", err)
	}
	if len(got) != 1 || got[0].ID != second {
		t.Errorf("survivor = %+v, want id %d", got, second)
	}
	if !strings.Contains(got[0].Content, "21°C") {
		t.Errorf("survivor content = %q, want the newer fact", got[0].Content)
	}
}

func TestUpsertRejectsWrongDimensions(t *testing.T) {
	db := setupTestStore(t)
	s := NewStore(db, &wrongDims{NewHashEmbedder(16)})
	_, err := s.Upsert(context.Background(), hourlyRecord(9, 20))
	if !errors.Is(err, failure.ErrEmbeddingCorrupt) {
		t.Errorf("err = %v, want embedding corrupt", err)
	}
}

type wrongDims struct{ *HashEmbedder }

func (w *wrongDims) Dimensions() int { return 32 }
