package ingest

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "modernc.org/sqlite"

	"github.com/ppirong/townly-sub003/internal/cache"
	"github.com/ppirong/townly-sub003/internal/embedding"
	"github.com/ppirong/townly-sub003/internal/failure"
	"github.com/ppirong/townly-sub003/internal/ingest/ingesttest"
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

func testBase() time.Time {
	return models.Normalize(time.Now()).Truncate(time.Hour)
}

func newTestClient(t *testing.T, srv *ingesttest.Server, limiter *ratelimit.Limiter, st *store.Store) *AccuWeather {
	t.Helper()
	opts := []ClientOption{WithClientBackOff(noDelay)}
	if st != nil {
		opts = append(opts, WithAPIStats(st))
	}
	return NewAccuWeather(AccuWeatherConfig{APIKey: "test-key", BaseURL: srv.URL, Timeout: 5 * time.Second}, limiter, opts...)
}

func TestValidateRecord(t *testing.T) {
	base := models.ForecastRecord{
		LocationKey:       "226081",
		LocationName:      "Seoul",
		Granularity:       models.GranularityHourly,
		ForecastAt:        time.Date(2025, 9, 28, 14, 0, 0, 0, models.CanonicalZone),
		Temperature:       19,
		PrecipProbability: 80,
	}
	high := 30.0

	tests := []struct {
		name       string
		mutate     func(r *models.ForecastRecord)
		wantFlags  []string
		wantUsable bool
	}{
		{"valid record", func(r *models.ForecastRecord) {}, nil, true},
		{"too cold", func(r *models.ForecastRecord) { r.Temperature = -45 }, []string{FlagTempOutOfRange}, false},
		{"too hot", func(r *models.ForecastRecord) { r.Temperature = 51 }, []string{FlagTempOutOfRange}, false},
		{"cold boundary", func(r *models.ForecastRecord) { r.Temperature = -40 }, nil, true},
		{"min above max", func(r *models.ForecastRecord) { r.TempMin = &high }, []string{FlagTempMinAboveMax}, true},
		{"precip over 100", func(r *models.ForecastRecord) { r.PrecipProbability = 120 }, []string{FlagPrecipOutOfRange}, true},
		{"missing timestamp", func(r *models.ForecastRecord) { r.ForecastAt = time.Time{} }, []string{FlagMissingTimestamp}, false},
		{"missing key", func(r *models.ForecastRecord) { r.LocationKey = "" }, []string{FlagMissingLocationKey}, false},
		{"bad granularity", func(r *models.ForecastRecord) { r.Granularity = "weekly" }, []string{FlagUnknownGranularity}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := base
			tt.mutate(&r)
			flags := ValidateRecord(r)
			if strings.Join(flags, ",") != strings.Join(tt.wantFlags, ",") {
				t.Errorf("flags = %v, want %v", flags, tt.wantFlags)
			}
			if Usable(flags) != tt.wantUsable {
				t.Errorf("Usable = %v, want %v", Usable(flags), tt.wantUsable)
			}
		})
	}
}

func TestQualityFlagsToJSON(t *testing.T) {
	if got := QualityFlagsToJSON(nil); got != "" {
		t.Errorf("empty flags = %q", got)
	}
	if got := QualityFlagsToJSON([]string{FlagTempOutOfRange, FlagPrecipOutOfRange}); got != `["temp_out_of_range","precip_out_of_range"]` {
		t.Errorf("got %q", got)
	}
}

func TestParseHourly(t *testing.T) {
	body := []byte(`[
		{"DateTime":"2025-09-28T14:00:00+09:00","EpochDateTime":1759035600,"WeatherIcon":12,"IconPhrase":"Showers","Temperature":{"Value":19.0,"Unit":"C"},"PrecipitationProbability":80},
		{"DateTime":"2025-09-28T05:00:00Z","WeatherIcon":1,"IconPhrase":"Sunny","Temperature":{"Value":21.5,"Unit":"C"},"PrecipitationProbability":5},
		{"DateTime":"not a time","WeatherIcon":1,"IconPhrase":"Sunny","Temperature":{"Value":22,"Unit":"C"},"PrecipitationProbability":140}
	]`)
	loc := Location{Key: "226081", Name: "Seoul"}
	fetched := time.Date(2025, 9, 28, 4, 0, 0, 0, time.UTC)

	p, err := ParseHourly(loc, body, fetched)
	if err != nil {
		t.Fatalf("ParseHourly: %v", err)
	}
	if len(p.Problems()) != 1 {
		t.Errorf("problems = %v, want 1", p.Problems())
	}

	records := p.Records("user-1")
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}
	r := records[0]
	if r.ForecastAt.Location() != models.CanonicalZone || r.ForecastAt.Hour() != 14 {
		t.Errorf("ForecastAt = %v, want 14:00 KST", r.ForecastAt)
	}
	if r.Owner != "user-1" || r.LocationKey != "226081" || r.LocationName != "Seoul" {
		t.Errorf("record identity = %+v", r)
	}
	if r.Temperature != 19 || r.PrecipProbability != 80 || r.ConditionCode != 12 || r.Condition != "Showers" {
		t.Errorf("record values = %+v", r)
	}
	// UTC string timestamps are normalized to the canonical zone too.
	if records[1].ForecastAt.Hour() != 14 || records[1].ForecastHour().Int64 != 14 {
		t.Errorf("second record at %v, want 14:00 KST", records[1].ForecastAt)
	}
}

func TestParseDaily(t *testing.T) {
	body := []byte(`{
		"Headline": {"Text": "Rain Monday"},
		"DailyForecasts": [{
			"Date": "2025-09-29T07:00:00+09:00",
			"EpochDate": 1759096800,
			"Temperature": {"Minimum": {"Value": 15.2, "Unit": "C"}, "Maximum": {"Value": 24.1, "Unit": "C"}},
			"Day": {"Icon": 18, "IconPhrase": "Rain", "PrecipitationProbability": 60},
			"Night": {"Icon": 12, "IconPhrase": "Showers", "PrecipitationProbability": 85}
		}]
	}`)
	p, err := ParseDaily(Location{Key: "226081", Name: "Seoul"}, body, time.Now())
	if err != nil {
		t.Fatalf("ParseDaily: %v", err)
	}
	if p.Headline != "Rain Monday" {
		t.Errorf("Headline = %q", p.Headline)
	}
	records := p.Records("")
	if len(records) != 1 {
		t.Fatalf("got %d records", len(records))
	}
	r := records[0]
	if r.ForecastDate() != "2025-09-29" || r.ForecastAt.Hour() != 0 {
		t.Errorf("ForecastAt = %v, want midnight 2025-09-29", r.ForecastAt)
	}
	if r.ForecastHour().Valid {
		t.Error("daily record should have no hour")
	}
	if r.Temperature != 24.1 || r.TempMin == nil || *r.TempMin != 15.2 {
		t.Errorf("temperatures = %v / %v", r.Temperature, r.TempMin)
	}
	if r.PrecipProbability != 85 {
		t.Errorf("PrecipProbability = %d, want the wetter half (85)", r.PrecipProbability)
	}
	if r.ConditionCode != 18 || r.Granularity != models.GranularityDaily {
		t.Errorf("record = %+v", r)
	}
}

func TestParseCurrent(t *testing.T) {
	body := []byte(`[{"LocalObservationDateTime":"2025-09-28T10:15:00+09:00","EpochTime":1759022100,"WeatherText":"Light rain","WeatherIcon":12,"HasPrecipitation":true,"Temperature":{"Metric":{"Value":17.8,"Unit":"C"}}}]`)
	p, err := ParseCurrent(Location{Key: "226081", Name: "Seoul"}, body, time.Now())
	if err != nil {
		t.Fatalf("ParseCurrent: %v", err)
	}
	records := p.Records("")
	if len(records) != 1 {
		t.Fatalf("got %d records", len(records))
	}
	if records[0].PrecipProbability != 100 || records[0].Temperature != 17.8 || records[0].Condition != "Light rain" {
		t.Errorf("record = %+v", records[0])
	}

	if _, err := ParseCurrent(Location{Key: "1"}, []byte(`[]`), time.Now()); err == nil {
		t.Error("expected error for empty observation list")
	}
	if _, err := ParseHourly(Location{Key: "1"}, []byte(`{not json`), time.Now()); err == nil {
		t.Error("expected error for invalid JSON")
	}
}

func TestResolveLocation(t *testing.T) {
	srv := ingesttest.NewServer(testBase())
	defer srv.Close()
	client := newTestClient(t, srv, ratelimit.New(50, time.Hour), nil)
	ctx := context.Background()

	loc, _, err := client.ResolveLocation(ctx, "서울")
	if err != nil {
		t.Fatalf("ResolveLocation: %v", err)
	}
	if loc.Key != "226081" || loc.Name != "Seoul" {
		t.Errorf("loc = %+v", loc)
	}
	if srv.LastAPIKey() != "test-key" {
		t.Errorf("apikey = %q", srv.LastAPIKey())
	}

	if _, _, err := client.ResolveLocation(ctx, "37.5665,126.9780"); err != nil {
		t.Fatalf("ResolveLocation coordinates: %v", err)
	}
	if srv.Hits("geoposition") != 1 {
		t.Errorf("geoposition hits = %d, want 1", srv.Hits("geoposition"))
	}

	_, _, err = client.ResolveLocation(ctx, "Atlantis")
	if !errors.Is(err, failure.ErrUpstreamUnavailable) {
		t.Errorf("unknown place err = %v, want UpstreamUnavailable", err)
	}
}

func TestFetchRecordsStats(t *testing.T) {
	base := testBase()
	srv := ingesttest.NewServer(base)
	defer srv.Close()
	st := setupTestStore(t)
	client := newTestClient(t, srv, ratelimit.New(50, time.Hour), st)
	ctx := context.Background()
	loc := Location{Key: "226081", Name: "Seoul"}

	hourly, result, err := client.FetchHourly(ctx, loc)
	if err != nil {
		t.Fatalf("FetchHourly: %v", err)
	}
	if result.HTTPStatus != http.StatusOK || result.RecordCount != 12 || len(hourly.RawBody()) == 0 {
		t.Errorf("result = %+v", result)
	}
	if got := hourly.Records(""); len(got) != 12 || !got[0].ForecastAt.Equal(base) {
		t.Errorf("hourly records = %d, first at %v", len(got), got[0].ForecastAt)
	}

	p, _, err := client.Fetch(ctx, loc, models.GranularityDaily)
	if err != nil {
		t.Fatalf("Fetch daily: %v", err)
	}
	if p.Granularity() != models.GranularityDaily || len(p.Records("")) != 5 {
		t.Errorf("daily payload = %v with %d records", p.Granularity(), len(p.Records("")))
	}

	if _, _, err := client.Fetch(ctx, loc, models.GranularityCurrent); err != nil {
		t.Fatalf("Fetch current: %v", err)
	}

	stats, err := st.GetAPIStats(ctx, ProviderAccuWeather, models.DateString(time.Now()))
	if err != nil {
		t.Fatalf("GetAPIStats: %v", err)
	}
	if stats == nil || stats.TotalCalls != 3 || stats.SuccessCalls != 3 {
		t.Errorf("stats = %+v, want 3 successful calls", stats)
	}
	if used := client.Limiter().Stats().Used; used != 3 {
		t.Errorf("limiter used = %d, want 3", used)
	}
}

func TestFetchRetriesTransientFailureOnce(t *testing.T) {
	srv := ingesttest.NewServer(testBase())
	defer srv.Close()
	st := setupTestStore(t)
	limiter := ratelimit.New(50, time.Hour)
	client := newTestClient(t, srv, limiter, st)
	srv.Fail("/hourly/", http.StatusServiceUnavailable)

	_, result, err := client.FetchHourly(context.Background(), Location{Key: "226081", Name: "Seoul"})
	if !errors.Is(err, failure.ErrUpstreamUnavailable) {
		t.Fatalf("err = %v, want UpstreamUnavailable", err)
	}
	if srv.Hits("/hourly/") != 2 || result.Attempts != 2 {
		t.Errorf("hits = %d attempts = %d, want 2", srv.Hits("/hourly/"), result.Attempts)
	}
	if result.HTTPStatus != http.StatusServiceUnavailable {
		t.Errorf("HTTPStatus = %d", result.HTTPStatus)
	}
	if limiter.Stats().Used != 2 {
		t.Errorf("every attempt counts against the window: used = %d", limiter.Stats().Used)
	}

	stats, _ := st.GetAPIStats(context.Background(), ProviderAccuWeather, models.DateString(time.Now()))
	if stats == nil || stats.FailedCalls != 2 {
		t.Errorf("stats = %+v, want 2 failed calls", stats)
	}
}

func TestFetchDoesNotRetryAuthFailure(t *testing.T) {
	srv := ingesttest.NewServer(testBase())
	defer srv.Close()
	client := newTestClient(t, srv, ratelimit.New(50, time.Hour), nil)
	srv.Fail("/daily/", http.StatusUnauthorized)

	_, _, err := client.FetchDaily(context.Background(), Location{Key: "226081", Name: "Seoul"})
	if err == nil {
		t.Fatal("expected error")
	}
	if srv.Hits("/daily/") != 1 {
		t.Errorf("hits = %d, want 1", srv.Hits("/daily/"))
	}
}

func TestFetchQuotaExceeded(t *testing.T) {
	srv := ingesttest.NewServer(testBase())
	defer srv.Close()
	client := newTestClient(t, srv, ratelimit.New(1, time.Hour), nil)
	loc := Location{Key: "226081", Name: "Seoul"}
	ctx := context.Background()

	if _, _, err := client.FetchHourly(ctx, loc); err != nil {
		t.Fatalf("first call: %v", err)
	}
	_, _, err := client.FetchHourly(ctx, loc)
	if !errors.Is(err, failure.ErrQuotaExceeded) {
		t.Fatalf("err = %v, want QuotaExceeded", err)
	}
	if srv.Hits("/hourly/") != 1 {
		t.Errorf("denied call reached the provider: hits = %d", srv.Hits("/hourly/"))
	}
}

type collectorFixture struct {
	srv       *ingesttest.Server
	store     *store.Store
	cache     *cache.Cache
	collector *Collector
}

func newCollectorFixture(t *testing.T, users ...models.UserLocation) *collectorFixture {
	t.Helper()
	srv := ingesttest.NewServer(testBase())
	t.Cleanup(srv.Close)
	st := setupTestStore(t)
	ctx := context.Background()
	for _, u := range users {
		if err := st.UpsertUserLocation(ctx, u); err != nil {
			t.Fatalf("UpsertUserLocation: %v", err)
		}
	}

	c := cache.New(st)
	client := newTestClient(t, srv, ratelimit.New(100, time.Hour), st)
	emb := embedding.NewStore(st, embedding.NewHashEmbedder(64), embedding.WithRetryBackOff(noDelay))
	return &collectorFixture{
		srv:       srv,
		store:     st,
		cache:     c,
		collector: NewCollector(st, client, c, emb),
	}
}

func user(id, name string) models.UserLocation {
	return models.UserLocation{UserID: id, Name: name, Active: true}
}

func TestCollectForAllUsers(t *testing.T) {
	inactive := user("u3", "Seoul")
	inactive.Active = false
	f := newCollectorFixture(t, user("u1", "Seoul"), user("u2", "부산"), inactive)
	ctx := context.Background()

	res, err := f.collector.CollectForAllUsers(ctx)
	if err != nil {
		t.Fatalf("CollectForAllUsers: %v", err)
	}
	if res.TotalUsers != 2 || res.SuccessCount != 2 || res.FailureCount != 0 {
		t.Fatalf("result = %+v", res)
	}
	for _, ur := range res.PerUser {
		if ur.Records != 17 || ur.Embedded != 17 || !ur.Success {
			t.Errorf("user %s: %+v, want 17 records embedded", ur.UserID, ur)
		}
	}

	hourly, err := f.store.GetForecasts(ctx, store.ForecastQuery{Owner: "u1", Granularity: models.GranularityHourly})
	if err != nil {
		t.Fatalf("GetForecasts: %v", err)
	}
	if len(hourly) != 12 {
		t.Errorf("u1 hourly rows = %d, want 12", len(hourly))
	}

	stats, err := f.store.GetEmbeddingStats(ctx)
	if err != nil {
		t.Fatalf("GetEmbeddingStats: %v", err)
	}
	if stats.Total != 34 {
		t.Errorf("embeddings = %d, want 34", stats.Total)
	}

	if _, ok := f.cache.Get(ctx, cache.ForecastKey("부산", models.GranularityDaily, "u2")); !ok {
		t.Error("collector did not refresh the daily cache entry for u2")
	}

	u2, err := f.store.GetUserLocation(ctx, "u2")
	if err != nil || u2 == nil {
		t.Fatalf("GetUserLocation: %v", err)
	}
	if u2.LocationKey.String != "223551" {
		t.Errorf("u2 location key = %q, want 223551", u2.LocationKey.String)
	}

	health, err := f.store.GetIngestHealth(ctx, 1)
	if err != nil {
		t.Fatalf("GetIngestHealth: %v", err)
	}
	if len(health) == 0 {
		t.Error("no ingest runs recorded")
	}
}

func TestCollectorIsolatesUserFailures(t *testing.T) {
	f := newCollectorFixture(t, user("u1", "Atlantis"), user("u2", "Seoul"))

	res, err := f.collector.CollectForAllUsers(context.Background())
	if err != nil {
		t.Fatalf("CollectForAllUsers: %v", err)
	}
	if res.SuccessCount != 1 || res.FailureCount != 1 {
		t.Fatalf("result = %+v, want one success and one failure", res)
	}
	for _, ur := range res.PerUser {
		switch ur.UserID {
		case "u1":
			if ur.Success || ur.Error == "" {
				t.Errorf("u1 = %+v, want failure with error", ur)
			}
		case "u2":
			if !ur.Success || ur.Records != 17 {
				t.Errorf("u2 = %+v, want success", ur)
			}
		}
	}
}

func TestCollectorPartialGranularityFailure(t *testing.T) {
	f := newCollectorFixture(t, user("u1", "Seoul"))
	f.srv.Fail("/daily/", http.StatusInternalServerError)

	res, err := f.collector.CollectForAllUsers(context.Background())
	if err != nil {
		t.Fatalf("CollectForAllUsers: %v", err)
	}
	ur := res.PerUser[0]
	if ur.Success || ur.Records != 12 {
		t.Errorf("user = %+v, want failure with the 12 hourly records kept", ur)
	}
	if !strings.Contains(ur.Error, "daily") {
		t.Errorf("error %q does not name the failing granularity", ur.Error)
	}
}

func TestCollectIsIdempotent(t *testing.T) {
	f := newCollectorFixture(t, user("u1", "Seoul"))
	ctx := context.Background()

	for i := range 2 {
		if _, err := f.collector.CollectForAllUsers(ctx); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
	}

	hourly, err := f.store.GetForecasts(ctx, store.ForecastQuery{Owner: "u1", Granularity: models.GranularityHourly})
	if err != nil {
		t.Fatalf("GetForecasts: %v", err)
	}
	if len(hourly) != 12 {
		t.Errorf("hourly rows after two runs = %d, want 12", len(hourly))
	}

	// The second run resolved the location from the cache.
	if hits := f.srv.Hits("/cities/search"); hits != 1 {
		t.Errorf("location search hits = %d, want 1", hits)
	}

	res, err := f.collector.Maintain(ctx)
	if err != nil {
		t.Fatalf("Maintain: %v", err)
	}
	if res.DuplicateEmbeddings != 17 {
		t.Errorf("duplicates removed = %d, want 17", res.DuplicateEmbeddings)
	}
	stats, _ := f.store.GetEmbeddingStats(ctx)
	if stats.Total != 17 || stats.Duplicates != 0 {
		t.Errorf("after maintenance: %+v", stats)
	}
}

func TestSchedulerRejectsBadSpec(t *testing.T) {
	f := newCollectorFixture(t)
	s := NewScheduler(f.collector, models.CanonicalZone, time.Minute)
	if err := s.Schedule("not a cron spec", ""); err == nil {
		t.Error("expected error for invalid spec")
	}
	if err := s.Schedule(DefaultCollectSchedule, DefaultMaintainSchedule); err != nil {
		t.Errorf("default schedules: %v", err)
	}
}
