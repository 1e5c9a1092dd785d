package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/ppirong/townly-sub003/internal/cache"
	"github.com/ppirong/townly-sub003/internal/failure"
	"github.com/ppirong/townly-sub003/internal/ingest"
	"github.com/ppirong/townly-sub003/internal/models"
	"github.com/ppirong/townly-sub003/internal/ratelimit"
	"github.com/ppirong/townly-sub003/internal/store"
	"github.com/ppirong/townly-sub003/internal/weather"
)

const maxQueryBody = 16 << 10

type queryRequest struct {
	Query    string `json:"query"`
	UserID   string `json:"userId"`
	Location string `json:"location"`
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxQueryBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req.Query = strings.TrimSpace(req.Query)
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}

	resp, err := s.deps.Service.Answer(r.Context(), weather.Query{
		Text:     req.Query,
		UserID:   req.UserID,
		Location: req.Location,
	})
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleForecast(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	g := models.Granularity(q.Get("type"))
	if g == "" {
		g = models.GranularityHourly
	}
	if !g.Valid() {
		writeError(w, http.StatusBadRequest, "type must be hourly, daily or current")
		return
	}

	resp, err := s.deps.Service.Forecast(r.Context(), weather.ForecastRequest{
		Location:    q.Get("location"),
		Granularity: g,
		UserID:      q.Get("userId"),
	})
	if err != nil {
		switch {
		case errors.Is(err, weather.ErrNoLocation):
			writeError(w, http.StatusBadRequest, "location or userId with a saved location is required")
		case failure.KindOf(err) == failure.QuotaExceeded:
			if s.deps.Limiter != nil {
				retryAfter(w, s.deps.Limiter.WaitTime())
			}
			writeError(w, http.StatusTooManyRequests, err.Error())
		default:
			log.Printf("api: forecast %s %s: %v", q.Get("location"), g, err)
			writeError(w, http.StatusServiceUnavailable, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type cacheStats struct {
	cache.Stats
	PersistentLive    int `json:"persistentLive"`
	PersistentExpired int `json:"persistentExpired"`
}

type ingestError struct {
	StartedAt   time.Time `json:"startedAt"`
	Endpoint    string    `json:"endpoint"`
	UserID      string    `json:"userId,omitempty"`
	LocationKey string    `json:"locationKey,omitempty"`
	HTTPStatus  int64     `json:"httpStatus,omitempty"`
	Message     string    `json:"message"`
}

// locationFreshness reports when each granularity was last fetched for a
// collected location.
type locationFreshness struct {
	Location    string                           `json:"location"`
	LocationKey string                           `json:"locationKey"`
	LastFetched map[models.Granularity]time.Time `json:"lastFetched"`
}

type StatsResponse struct {
	RateLimit    ratelimit.Stats             `json:"rateLimit"`
	Cache        cacheStats                  `json:"cache"`
	Embeddings   *store.EmbeddingStats       `json:"embeddings,omitempty"`
	APIUsage     []models.DailyAPIStats      `json:"apiUsage"`
	IngestHealth []store.IngestHealthSummary `json:"ingestHealth"`
	RecentErrors []ingestError               `json:"recentErrors"`
	Freshness    []locationFreshness         `json:"freshness"`
	Errors       []string                    `json:"errors,omitempty"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var resp StatsResponse

	if s.deps.Limiter != nil {
		resp.RateLimit = s.deps.Limiter.Stats()
	}
	if s.deps.Cache != nil {
		resp.Cache.Stats = s.deps.Cache.Stats()
	}

	live, expired, err := s.deps.Store.CacheEntryCounts(ctx)
	if err != nil {
		resp.Errors = append(resp.Errors, "cache entries: "+err.Error())
	}
	resp.Cache.PersistentLive, resp.Cache.PersistentExpired = live, expired

	if s.deps.Embeddings != nil {
		if resp.Embeddings, err = s.deps.Embeddings.Stats(ctx); err != nil {
			resp.Errors = append(resp.Errors, "embeddings: "+err.Error())
		}
	}
	if resp.APIUsage, err = s.deps.Store.ListAPIStats(ctx, ingest.ProviderAccuWeather, 7); err != nil {
		resp.Errors = append(resp.Errors, "api usage: "+err.Error())
	}
	if resp.IngestHealth, err = s.deps.Store.GetIngestHealth(ctx, 7); err != nil {
		resp.Errors = append(resp.Errors, "ingest health: "+err.Error())
	}
	runs, err := s.deps.Store.GetRecentIngestErrors(ctx, 10)
	if err != nil {
		resp.Errors = append(resp.Errors, "ingest errors: "+err.Error())
	}
	resp.RecentErrors = make([]ingestError, 0, len(runs))
	for _, run := range runs {
		resp.RecentErrors = append(resp.RecentErrors, ingestError{
			StartedAt:   run.StartedAt,
			Endpoint:    run.Endpoint,
			UserID:      run.UserID.String,
			LocationKey: run.LocationKey.String,
			HTTPStatus:  run.HTTPStatus.Int64,
			Message:     run.ErrorMessage.String,
		})
	}

	if resp.Freshness, err = s.freshness(ctx); err != nil {
		resp.Errors = append(resp.Errors, "freshness: "+err.Error())
	}

	if resp.APIUsage == nil {
		resp.APIUsage = []models.DailyAPIStats{}
	}
	if resp.IngestHealth == nil {
		resp.IngestHealth = []store.IngestHealthSummary{}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) freshness(ctx context.Context) ([]locationFreshness, error) {
	locations, err := s.deps.Store.ListActiveUserLocations(ctx)
	if err != nil {
		return []locationFreshness{}, err
	}
	out := []locationFreshness{}
	seen := make(map[string]bool)
	for _, u := range locations {
		key := u.LocationKey.String
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		f := locationFreshness{Location: u.Name, LocationKey: key, LastFetched: map[models.Granularity]time.Time{}}
		for _, g := range []models.Granularity{models.GranularityHourly, models.GranularityDaily, models.GranularityCurrent} {
			at, err := s.deps.Store.LatestFetch(ctx, key, g)
			if err != nil {
				return out, err
			}
			if !at.IsZero() {
				f.LastFetched[g] = at
			}
		}
		out = append(out, f)
	}
	return out, nil
}
