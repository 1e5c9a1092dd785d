// Package weather answers forecast requests and free-text weather
// questions. It prefers stored data (cache, embeddings) and falls back to a
// rate-limited live fetch, degrading to stale data when the provider is out
// of reach.
package weather

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ppirong/townly-sub003/internal/cache"
	"github.com/ppirong/townly-sub003/internal/embedding"
	"github.com/ppirong/townly-sub003/internal/failure"
	"github.com/ppirong/townly-sub003/internal/ingest"
	"github.com/ppirong/townly-sub003/internal/intent"
	"github.com/ppirong/townly-sub003/internal/metrics"
	"github.com/ppirong/townly-sub003/internal/models"
	"github.com/ppirong/townly-sub003/internal/search"
	"github.com/ppirong/townly-sub003/internal/store"
)

// Where a forecast response came from. SourceLive is reported to every
// caller that waited on the upstream fetch, not only the one that started it.
const (
	SourceCache      = "cache"
	SourceLive       = "live"
	SourceStaleCache = "stale_cache"
	SourceDatabase   = "database"

	defaultTopK = 8
)

var ErrNoLocation = errors.New("no location given and none saved for user")

type Service struct {
	store      *store.Store
	cache      *cache.Cache
	collector  *ingest.Collector
	embeddings *embedding.Store
	engine     *search.Engine
	classifier *intent.Classifier
	router     intent.Router
	topK       int
	now        func() time.Time
}

type Option func(*Service)

func WithRouter(r intent.Router) Option {
	return func(s *Service) { s.router = r }
}

func WithTopK(k int) Option {
	return func(s *Service) {
		if k > 0 {
			s.topK = k
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService wires the query path. embeddings and engine may be nil, in
// which case every question is answered live.
func NewService(st *store.Store, c *cache.Cache, collector *ingest.Collector, embeddings *embedding.Store,
	engine *search.Engine, classifier *intent.Classifier, opts ...Option) *Service {
	s := &Service{
		store:      st,
		cache:      c,
		collector:  collector,
		embeddings: embeddings,
		engine:     engine,
		classifier: classifier,
		router:     intent.DefaultRouter(),
		topK:       defaultTopK,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type ForecastRequest struct {
	Location    string
	Granularity models.Granularity
	UserID      string
}

type ForecastResponse struct {
	Location    string                  `json:"location"`
	Granularity models.Granularity      `json:"granularity"`
	Source      string                  `json:"source"`
	Degraded    bool                    `json:"degraded"`
	Records     []models.ForecastRecord `json:"records"`
}

// Forecast returns records for a location, loading them through the cache.
// Concurrent misses for the same key share one upstream fetch. When the
// fetch fails the last cached value or the last stored records are served
// and the response is marked degraded.
func (s *Service) Forecast(ctx context.Context, req ForecastRequest) (*ForecastResponse, error) {
	if req.Granularity == "" {
		req.Granularity = models.GranularityHourly
	}
	if !req.Granularity.Valid() {
		return nil, fmt.Errorf("unknown forecast type %q", req.Granularity)
	}

	tgt, err := s.target(ctx, req)
	if err != nil {
		return nil, err
	}

	key := cache.ForecastKey(tgt.name, req.Granularity, req.UserID)
	data, loaded, err := s.cache.Load(ctx, key, func(ctx context.Context) ([]byte, error) {
		records, err := s.fetchLive(ctx, tgt, req)
		if err != nil {
			return nil, err
		}
		return json.Marshal(records)
	})
	if err == nil {
		var records []models.ForecastRecord
		uerr := json.Unmarshal(data, &records)
		if uerr == nil {
			source := SourceCache
			if loaded {
				source = SourceLive
			}
			return s.forecastResponse(tgt.name, req.Granularity, source, false, records), nil
		}
		log.Printf("weather: bad cached value for %s: %v", key, uerr)
		s.cache.Invalidate(ctx, key)
		err = failure.New(failure.ForecastUnavailable, "weather.forecast", uerr)
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	log.Printf("weather: live forecast for %s failed: %v", key, err)

	if stale, ok := s.cache.GetStale(ctx, key); ok {
		var records []models.ForecastRecord
		if json.Unmarshal(stale, &records) == nil && len(records) > 0 {
			return s.forecastResponse(tgt.name, req.Granularity, SourceStaleCache, true, records), nil
		}
	}

	records, dbErr := s.storedRecords(ctx, tgt, req)
	if dbErr != nil {
		log.Printf("weather: read stored forecasts for %s: %v", key, dbErr)
	}
	if len(records) > 0 {
		return s.forecastResponse(tgt.name, req.Granularity, SourceDatabase, true, records), nil
	}

	if failure.KindOf(err) == failure.QuotaExceeded {
		return nil, err
	}
	return nil, failure.New(failure.ForecastUnavailable, "weather.forecast", err)
}

type target struct {
	name string
	user *models.UserLocation
}

func (s *Service) target(ctx context.Context, req ForecastRequest) (target, error) {
	if loc := strings.TrimSpace(req.Location); loc != "" {
		return target{name: loc}, nil
	}
	if req.UserID == "" {
		return target{}, ErrNoLocation
	}
	u, err := s.store.GetUserLocation(ctx, req.UserID)
	if err != nil {
		return target{}, failure.New(failure.PersistenceFailure, "weather.user_location", err)
	}
	if u == nil {
		return target{}, ErrNoLocation
	}
	return target{name: u.Name, user: u}, nil
}

func (s *Service) fetchLive(ctx context.Context, t target, req ForecastRequest) ([]models.ForecastRecord, error) {
	var (
		loc ingest.Location
		err error
	)
	if t.user != nil {
		loc, err = s.collector.Resolver().ResolveUser(ctx, *t.user)
	} else {
		loc, err = s.collector.Resolver().Resolve(ctx, t.name)
	}
	if err != nil {
		return nil, err
	}

	records, err := s.collector.Refresh(ctx, req.UserID, loc, req.Granularity)
	if err != nil {
		return nil, err
	}

	if s.embeddings != nil && len(records) > 0 {
		res, err := s.embeddings.BulkEmbedAndStore(ctx, records)
		if err != nil {
			log.Printf("weather: embed live records: %v", err)
		} else if len(res.Failed) > 0 {
			log.Printf("weather: %d of %d live records not embedded", len(res.Failed), len(records))
		}
	}
	return records, nil
}

func (s *Service) storedRecords(ctx context.Context, t target, req ForecastRequest) ([]models.ForecastRecord, error) {
	q := store.ForecastQuery{
		Owner:         req.UserID,
		IncludeShared: true,
		Granularity:   req.Granularity,
		From:          models.StartOfDay(s.now()),
	}
	if t.user != nil && t.user.LocationKey.Valid {
		q.LocationKey = t.user.LocationKey.String
	} else {
		q.LocationName = t.name
	}
	if req.Granularity == models.GranularityCurrent {
		q.From = time.Time{}
	}

	records, err := s.store.GetForecasts(ctx, q)
	if err != nil {
		return nil, err
	}
	if req.Granularity == models.GranularityCurrent && len(records) > 1 {
		records = records[len(records)-1:]
	}
	return records, nil
}

func (s *Service) forecastResponse(name string, g models.Granularity, source string, degraded bool, records []models.ForecastRecord) *ForecastResponse {
	if len(records) > 0 && records[0].LocationName != "" {
		name = records[0].LocationName
	}
	return &ForecastResponse{
		Location:    name,
		Granularity: g,
		Source:      source,
		Degraded:    degraded,
		Records:     records,
	}
}

type Query struct {
	Text     string
	UserID   string
	Location string
}

// SourceItem is one fact an answer was built from.
type SourceItem struct {
	Content  string             `json:"content"`
	Type     models.Granularity `json:"type"`
	Location string             `json:"location"`
	Date     string             `json:"date"`
	Hour     *int               `json:"hour,omitempty"`
	Score    float64            `json:"score,omitempty"`
}

type Response struct {
	TraceID    string        `json:"traceId"`
	Answer     string        `json:"answer"`
	Method     string        `json:"method"`
	Reason     string        `json:"reason"`
	Confidence float64       `json:"confidence"`
	Intent     intent.Intent `json:"intent"`
	SourceData []SourceItem  `json:"sourceData"`
	Degraded   bool          `json:"degraded"`
}

// Answer classifies a question, looks for stored facts that match it and
// either answers from them or from a live forecast. It returns an error
// only for a cancelled context; provider trouble yields a degraded answer.
func (s *Service) Answer(ctx context.Context, q Query) (*Response, error) {
	resp := &Response{TraceID: uuid.NewString(), SourceData: []SourceItem{}}

	fallback := strings.TrimSpace(q.Location)
	if fallback == "" && q.UserID != "" {
		u, err := s.store.GetUserLocation(ctx, q.UserID)
		if err != nil {
			log.Printf("weather: [%s] user location for %s: %v", resp.TraceID, q.UserID, err)
		} else if u != nil {
			fallback = u.Name
		}
	}

	in := s.classifier.Classify(ctx, q.Text, fallback)
	resp.Intent = in
	resp.Confidence = in.Confidence

	results := s.searchFacts(ctx, resp.TraceID, q, in, fallback)
	decision := s.router.Decide(len(results), in.Confidence)
	resp.Method = decision.Method
	resp.Reason = decision.Reason

	if decision.Method == intent.RouteVectorSearch {
		resp.Answer = composeFromResults(in, results)
		resp.SourceData = sourcesFromResults(results)
		s.observe(resp)
		return resp, nil
	}

	req := ForecastRequest{Granularity: in.Type, UserID: q.UserID, Location: q.Location}
	if in.Location != "" && in.Location != fallback {
		req.Location = in.Location
	}

	fc, err := s.Forecast(ctx, req)
	switch {
	case err == nil:
		records := recordsForIntent(fc.Records, in)
		resp.Answer = composeFromRecords(in, fc.Location, records, fc.Degraded)
		resp.SourceData = sourcesFromRecords(records)
		resp.Degraded = fc.Degraded
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case len(results) > 0:
		log.Printf("weather: [%s] live forecast failed, answering from %d stored facts: %v", resp.TraceID, len(results), err)
		resp.Answer = composeFromResults(in, results) + "\n" + staleNotice
		resp.SourceData = sourcesFromResults(results)
		resp.Degraded = true
	default:
		log.Printf("weather: [%s] no data for %q: %v", resp.TraceID, q.Text, err)
		resp.Answer = unavailableAnswer(err)
		resp.Degraded = true
	}

	s.observe(resp)
	return resp, nil
}

func (s *Service) searchFacts(ctx context.Context, traceID string, q Query, in intent.Intent, fallback string) []search.Result {
	if s.engine == nil {
		return nil
	}
	f := search.Filter{
		UserID:       q.UserID,
		ContentTypes: contentTypesFor(in.Type),
		DateFrom:     in.Date,
		DateTo:       in.Date,
	}
	if in.DateTo != "" {
		f.DateTo = in.DateTo
	}
	if in.Location != "" && in.Location != fallback {
		f.Location = in.Location
	} else if q.UserID == "" {
		f.Location = in.Location
	}

	results, err := s.engine.Search(ctx, q.Text, f, s.topK)
	if err != nil {
		log.Printf("weather: [%s] vector search: %v", traceID, err)
		return nil
	}
	return results
}

func (s *Service) observe(resp *Response) {
	metrics.QueriesRouted.WithLabelValues(resp.Method, fmt.Sprint(resp.Degraded)).Inc()
}

// contentTypesFor widens "current" questions to hourly facts, which cover
// the present hour when no observation is stored.
func contentTypesFor(g models.Granularity) []models.Granularity {
	if g == models.GranularityCurrent {
		return []models.Granularity{models.GranularityCurrent, models.GranularityHourly}
	}
	return []models.Granularity{g}
}

// recordsForIntent keeps the records inside the asked date range. When
// nothing matches, for example an hourly question about tomorrow answered
// from a 12-hour forecast, all records are kept.
func recordsForIntent(records []models.ForecastRecord, in intent.Intent) []models.ForecastRecord {
	from, to := in.Date, in.Date
	if in.DateTo != "" {
		to = in.DateTo
	}
	var out []models.ForecastRecord
	for _, r := range records {
		d := r.ForecastDate()
		if d >= from && d <= to {
			out = append(out, r)
		}
	}
	if len(out) == 0 {
		return records
	}
	return out
}

func sourcesFromResults(results []search.Result) []SourceItem {
	items := make([]SourceItem, 0, len(results))
	for _, r := range results {
		e := r.Embedding
		item := SourceItem{
			Content:  e.Content,
			Type:     e.ContentType,
			Location: e.LocationName,
			Date:     e.ForecastDate,
			Score:    r.Score,
		}
		if e.ForecastHour.Valid {
			h := int(e.ForecastHour.Int64)
			item.Hour = &h
		}
		items = append(items, item)
	}
	return items
}

func sourcesFromRecords(records []models.ForecastRecord) []SourceItem {
	items := make([]SourceItem, 0, len(records))
	for _, r := range records {
		item := SourceItem{
			Content:  embedding.Render(r),
			Type:     r.Granularity,
			Location: r.LocationName,
			Date:     r.ForecastDate(),
		}
		if h := r.ForecastHour(); h.Valid {
			v := int(h.Int64)
			item.Hour = &v
		}
		items = append(items, item)
	}
	return items
}

// chronological returns results ordered by date and hour for display.
func chronological(results []search.Result) []search.Result {
	out := append([]search.Result(nil), results...)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].Embedding, out[j].Embedding
		if a.ForecastDate != b.ForecastDate {
			return a.ForecastDate < b.ForecastDate
		}
		return a.ForecastHour.Int64 < b.ForecastHour.Int64
	})
	return out
}
