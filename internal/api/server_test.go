package api_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "modernc.org/sqlite"

	"github.com/ppirong/townly-sub003/internal/api"
	"github.com/ppirong/townly-sub003/internal/cache"
	"github.com/ppirong/townly-sub003/internal/embedding"
	"github.com/ppirong/townly-sub003/internal/ingest"
	"github.com/ppirong/townly-sub003/internal/ingest/ingesttest"
	"github.com/ppirong/townly-sub003/internal/intent"
	"github.com/ppirong/townly-sub003/internal/models"
	"github.com/ppirong/townly-sub003/internal/ratelimit"
	"github.com/ppirong/townly-sub003/internal/search"
	"github.com/ppirong/townly-sub003/internal/store"
	"github.com/ppirong/townly-sub003/internal/weather"
)

const testSecret = "s3cret"

type testEnv struct {
	upstream *ingesttest.Server
	store    *store.Store
	limiter  *ratelimit.Limiter
	handler  http.Handler
}

func setupTestStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	s := store.New(db)
	if err := s.Migrate(); err != nil {
		t.Fatal(err)
	}
	return s
}

func newTestEnv(t *testing.T, limit int) *testEnv {
	t.Helper()
	upstream := ingesttest.NewServer(models.Normalize(time.Now()).Truncate(time.Hour))
	t.Cleanup(upstream.Close)

	st := setupTestStore(t)
	c := cache.New(st)
	limiter := ratelimit.New(limit, time.Hour)
	noDelay := func() backoff.BackOff { return &backoff.ZeroBackOff{} }
	client := ingest.NewAccuWeather(
		ingest.AccuWeatherConfig{APIKey: "test-key", BaseURL: upstream.URL, Timeout: 5 * time.Second},
		limiter, ingest.WithAPIStats(st), ingest.WithClientBackOff(noDelay))
	embedder := embedding.NewHashEmbedder(64)
	emb := embedding.NewStore(st, embedder, embedding.WithRetryBackOff(noDelay))
	collector := ingest.NewCollector(st, client, c, emb)
	svc := weather.NewService(st, c, collector, emb, search.NewEngine(st, embedder), intent.NewClassifier())

	srv := api.NewServer(api.Deps{
		Service:    svc,
		Store:      st,
		Cache:      c,
		Limiter:    limiter,
		Collector:  collector,
		Embeddings: emb,
	}, "8080", testSecret, time.Minute)

	return &testEnv{upstream: upstream, store: st, limiter: limiter, handler: srv.Handler()}
}

func (e *testEnv) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t, 50)

	w := env.do(t, httptest.NewRequest("GET", "/health", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var health api.HealthStatus
	decode(t, w, &health)
	if health.Status != "ok" || health.MigrationVersion == 0 || health.QuotaRemaining != 50 {
		t.Errorf("health = %+v", health)
	}
}

func TestQueryEndpoint(t *testing.T) {
	env := newTestEnv(t, 50)

	body := strings.NewReader(`{"query":"내일 서울 날씨 알려줘"}`)
	w := env.do(t, httptest.NewRequest("POST", "/api/weather/query", body))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Answer     string        `json:"answer"`
		Method     string        `json:"method"`
		Confidence float64       `json:"confidence"`
		Intent     intent.Intent `json:"intent"`
		SourceData []any         `json:"sourceData"`
		Degraded   bool          `json:"degraded"`
	}
	decode(t, w, &resp)
	if resp.Method != intent.RouteLiveAPI || resp.Degraded {
		t.Errorf("method = %q degraded = %v", resp.Method, resp.Degraded)
	}
	if resp.Intent.Type != models.GranularityDaily || resp.Intent.Location != "Seoul" {
		t.Errorf("intent = %+v", resp.Intent)
	}
	if resp.Answer == "" || len(resp.SourceData) == 0 {
		t.Errorf("empty answer: %+v", resp)
	}
}

func TestQueryEndpointRejectsBadInput(t *testing.T) {
	env := newTestEnv(t, 50)

	tests := []struct {
		name string
		body string
	}{
		{"not json", `query=hi`},
		{"empty query", `{"query":"   "}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, httptest.NewRequest("POST", "/api/weather/query", strings.NewReader(tt.body)))
			if w.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d", w.Code)
			}
		})
	}

	w := env.do(t, httptest.NewRequest("GET", "/api/weather/query", nil))
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET query: expected 405, got %d", w.Code)
	}
}

func TestForecastEndpoint(t *testing.T) {
	env := newTestEnv(t, 50)

	tests := []struct {
		name   string
		query  string
		status int
	}{
		{"hourly", "location=Seoul&type=hourly", http.StatusOK},
		{"default type", "location=부산", http.StatusOK},
		{"bad type", "location=Seoul&type=weekly", http.StatusBadRequest},
		{"no location", "type=daily", http.StatusBadRequest},
		{"unknown place", "location=Atlantis&type=daily", http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, httptest.NewRequest("GET", "/api/weather/forecast?"+tt.query, nil))
			if w.Code != tt.status {
				t.Fatalf("expected %d, got %d: %s", tt.status, w.Code, w.Body.String())
			}
			if tt.status != http.StatusOK {
				return
			}
			var resp weather.ForecastResponse
			decode(t, w, &resp)
			if resp.Source != weather.SourceLive || len(resp.Records) != 12 {
				t.Errorf("source = %s records = %d", resp.Source, len(resp.Records))
			}
		})
	}
}

func TestForecastEndpointQuotaExceeded(t *testing.T) {
	env := newTestEnv(t, 1)
	if err := env.limiter.TryAcquire(); err != nil {
		t.Fatal(err)
	}

	w := env.do(t, httptest.NewRequest("GET", "/api/weather/forecast?location=Seoul", nil))
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d: %s", w.Code, w.Body.String())
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}
}

func TestCronEndpointsRequireSecret(t *testing.T) {
	env := newTestEnv(t, 50)

	for _, path := range []string{"/api/cron/collect", "/api/cron/maintain", "/api/admin/ratelimit/reset"} {
		tests := []struct {
			name   string
			header string
			value  string
			status int
		}{
			{"missing", "", "", http.StatusUnauthorized},
			{"wrong secret", "X-Cron-Secret", "nope", http.StatusUnauthorized},
			{"wrong bearer", "Authorization", "Bearer nope", http.StatusUnauthorized},
			{"header secret", "X-Cron-Secret", testSecret, http.StatusOK},
			{"bearer secret", "Authorization", "Bearer " + testSecret, http.StatusOK},
		}
		for _, tt := range tests {
			t.Run(path+"/"+tt.name, func(t *testing.T) {
				req := httptest.NewRequest("POST", path, nil)
				if tt.header != "" {
					req.Header.Set(tt.header, tt.value)
				}
				w := env.do(t, req)
				if w.Code != tt.status {
					t.Errorf("expected %d, got %d: %s", tt.status, w.Code, w.Body.String())
				}
			})
		}
	}
}

func TestCronCollect(t *testing.T) {
	env := newTestEnv(t, 50)
	env.putLocation(t, "u1", `{"name":"Seoul"}`, http.StatusOK)

	req := httptest.NewRequest("POST", "/api/cron/collect", nil)
	req.Header.Set("X-Cron-Secret", testSecret)
	w := env.do(t, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var result ingest.CollectResult
	decode(t, w, &result)
	if result.TotalUsers != 1 || result.SuccessCount != 1 {
		t.Errorf("result = %+v", result)
	}

	w = env.do(t, httptest.NewRequest("GET", "/api/weather/stats", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("stats: expected 200, got %d", w.Code)
	}
	var stats api.StatsResponse
	decode(t, w, &stats)
	if stats.RateLimit.Used != 3 {
		t.Errorf("rate limit used = %d, want 3", stats.RateLimit.Used)
	}
	if stats.Embeddings == nil || stats.Embeddings.Total != 17 {
		t.Errorf("embeddings = %+v, want 17", stats.Embeddings)
	}
	if len(stats.APIUsage) != 1 || stats.APIUsage[0].TotalCalls != 3 {
		t.Errorf("api usage = %+v", stats.APIUsage)
	}
	if len(stats.IngestHealth) == 0 {
		t.Error("no ingest health rows")
	}
	if stats.Cache.PersistentLive == 0 {
		t.Error("collector left no persistent cache entries")
	}
	if len(stats.Freshness) != 1 {
		t.Fatalf("freshness = %+v, want one location", stats.Freshness)
	}
	fresh := stats.Freshness[0]
	if fresh.LocationKey != "226081" {
		t.Errorf("freshness location key = %q", fresh.LocationKey)
	}
	for _, g := range []models.Granularity{models.GranularityHourly, models.GranularityDaily} {
		if fresh.LastFetched[g].IsZero() {
			t.Errorf("no %s fetch time reported", g)
		}
	}
}

func (e *testEnv) putLocation(t *testing.T, userID, body string, status int) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("PUT", "/api/users/"+userID+"/location", strings.NewReader(body))
	req.Header.Set("X-Cron-Secret", testSecret)
	w := e.do(t, req)
	if w.Code != status {
		t.Fatalf("PUT location %s: expected %d, got %d: %s", body, status, w.Code, w.Body.String())
	}
	return w
}

func TestPutUserLocation(t *testing.T) {
	env := newTestEnv(t, 50)
	ctx := context.Background()

	w := env.putLocation(t, "u1", `{"name":"강남구","latitude":37.4979,"longitude":127.0276}`, http.StatusOK)
	var saved struct {
		UserID    string   `json:"userId"`
		Name      string   `json:"name"`
		Latitude  *float64 `json:"latitude"`
		Longitude *float64 `json:"longitude"`
	}
	decode(t, w, &saved)
	if saved.UserID != "u1" || saved.Name != "강남구" || saved.Latitude == nil || *saved.Longitude != 127.0276 {
		t.Errorf("saved = %+v", saved)
	}

	u, err := env.store.GetUserLocation(ctx, "u1")
	if err != nil || u == nil {
		t.Fatalf("GetUserLocation = %v, %v", u, err)
	}
	if u.Query() != "37.4979,127.0276" {
		t.Errorf("stored location resolves by %q", u.Query())
	}

	tests := []struct {
		name string
		body string
	}{
		{"not json", `name=Seoul`},
		{"missing name", `{"name":" "}`},
		{"half a coordinate pair", `{"name":"Seoul","latitude":37.5}`},
		{"latitude out of range", `{"name":"Seoul","latitude":137.5,"longitude":127}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env.putLocation(t, "u2", tt.body, http.StatusBadRequest)
		})
	}

	req := httptest.NewRequest("PUT", "/api/users/u3/location", strings.NewReader(`{"name":"Seoul"}`))
	if w := env.do(t, req); w.Code != http.StatusUnauthorized {
		t.Errorf("without secret: expected 401, got %d", w.Code)
	}
	if u, _ := env.store.GetUserLocation(ctx, "u3"); u != nil {
		t.Errorf("unauthorized request stored %+v", u)
	}
}

func TestRawPayloadEndpoint(t *testing.T) {
	env := newTestEnv(t, 50)
	if w := env.do(t, httptest.NewRequest("GET", "/api/weather/forecast?location=Seoul&type=daily", nil)); w.Code != http.StatusOK {
		t.Fatalf("forecast: %d %s", w.Code, w.Body.String())
	}

	get := func(ref string) *httptest.ResponseRecorder {
		req := httptest.NewRequest("GET", "/api/admin/payloads/"+ref, nil)
		req.Header.Set("X-Cron-Secret", testSecret)
		return env.do(t, req)
	}

	w := get("1")
	if w.Code != http.StatusOK {
		t.Fatalf("by id: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if !json.Valid(w.Body.Bytes()) {
		t.Errorf("payload is not the archived JSON body: %s", w.Body.String())
	}
	hash := w.Header().Get("X-Payload-Hash")

	w = get(hash)
	if w.Code != http.StatusOK {
		t.Fatalf("by hash: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if w.Header().Get("X-Payload-Endpoint") == "" {
		t.Error("missing endpoint header on hash lookup")
	}

	tests := []struct {
		ref    string
		status int
	}{
		{"999", http.StatusNotFound},
		{strings.Repeat("0", 64), http.StatusNotFound},
		{"latest", http.StatusBadRequest},
	}
	for _, tt := range tests {
		if w := get(tt.ref); w.Code != tt.status {
			t.Errorf("%s: expected %d, got %d", tt.ref, tt.status, w.Code)
		}
	}
}

func TestRateLimitReset(t *testing.T) {
	env := newTestEnv(t, 2)
	env.limiter.TryAcquire()
	env.limiter.TryAcquire()

	req := httptest.NewRequest("POST", "/api/admin/ratelimit/reset", nil)
	req.Header.Set("Authorization", "Bearer "+testSecret)
	w := env.do(t, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if got := env.limiter.Stats().Remaining; got != 2 {
		t.Errorf("remaining after reset = %d, want 2", got)
	}
}

func TestCronDisabledWithoutSecret(t *testing.T) {
	st := setupTestStore(t)
	srv := api.NewServer(api.Deps{Store: st}, "8080", "", 0)

	req := httptest.NewRequest("POST", "/api/cron/collect", nil)
	req.Header.Set("X-Cron-Secret", "")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", w.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, 50)
	env.do(t, httptest.NewRequest("GET", "/api/weather/forecast?location=Seoul", nil))

	w := env.do(t, httptest.NewRequest("GET", "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "townly_upstream_calls_total") {
		t.Error("upstream call metrics not exported")
	}
}
