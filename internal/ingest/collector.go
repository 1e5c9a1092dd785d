package ingest

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ppirong/townly-sub003/internal/cache"
	"github.com/ppirong/townly-sub003/internal/embedding"
	"github.com/ppirong/townly-sub003/internal/failure"
	"github.com/ppirong/townly-sub003/internal/metrics"
	"github.com/ppirong/townly-sub003/internal/models"
	"github.com/ppirong/townly-sub003/internal/store"
)

var ErrCollectionRunning = errors.New("collection already running")

// Collector fetches forecasts for every active user location and feeds the
// forecast table, the cache and the embedding store.
type Collector struct {
	store              *store.Store
	client             *AccuWeather
	resolver           *Resolver
	cache              *cache.Cache
	embeddings         *embedding.Store
	granularities      []models.Granularity
	cacheGrace         time.Duration
	rawRetention       int
	embeddingRetention int
	now                func() time.Time

	running sync.Mutex
}

type CollectorOption func(*Collector)

func WithGranularities(gs ...models.Granularity) CollectorOption {
	return func(c *Collector) { c.granularities = gs }
}

// WithRetention sets how long maintenance keeps expired persistent cache
// entries, raw payloads and embeddings for past dates. Zero days disables
// that pruning.
func WithRetention(cacheGrace time.Duration, rawPayloadDays, embeddingDays int) CollectorOption {
	return func(c *Collector) {
		c.cacheGrace = cacheGrace
		c.rawRetention = rawPayloadDays
		c.embeddingRetention = embeddingDays
	}
}

func WithCollectorClock(now func() time.Time) CollectorOption {
	return func(c *Collector) { c.now = now }
}

func NewCollector(st *store.Store, client *AccuWeather, c *cache.Cache, embeddings *embedding.Store, opts ...CollectorOption) *Collector {
	col := &Collector{
		store:              st,
		client:             client,
		resolver:           NewResolver(client, c, st),
		cache:              c,
		embeddings:         embeddings,
		granularities:      []models.Granularity{models.GranularityHourly, models.GranularityDaily},
		cacheGrace:         24 * time.Hour,
		rawRetention:       14,
		embeddingRetention: 30,
		now:                time.Now,
	}
	for _, opt := range opts {
		opt(col)
	}
	return col
}

func (c *Collector) Resolver() *Resolver { return c.resolver }

// UserResult is the outcome for one user location.
type UserResult struct {
	UserID      string `json:"userId"`
	Location    string `json:"location"`
	LocationKey string `json:"locationKey,omitempty"`
	Records     int    `json:"records"`
	Embedded    int    `json:"embedded"`
	EmbedFailed int    `json:"embedFailed"`
	Success     bool   `json:"success"`
	Error       string `json:"error,omitempty"`
}

type CollectResult struct {
	RunID        uuid.UUID    `json:"runId"`
	StartedAt    time.Time    `json:"startedAt"`
	FinishedAt   time.Time    `json:"finishedAt"`
	TotalUsers   int          `json:"totalUsers"`
	SuccessCount int          `json:"successCount"`
	FailureCount int          `json:"failureCount"`
	PerUser      []UserResult `json:"perUser"`
}

// CollectForAllUsers runs one collection pass. Users are processed one at a
// time and a failure for one user never stops the others. The error is
// non-nil only when the pass could not start or ctx ended.
func (c *Collector) CollectForAllUsers(ctx context.Context) (*CollectResult, error) {
	if !c.running.TryLock() {
		return nil, ErrCollectionRunning
	}
	defer c.running.Unlock()

	result := &CollectResult{RunID: uuid.New(), StartedAt: c.now()}
	users, err := c.store.ListActiveUserLocations(ctx)
	if err != nil {
		return nil, failure.New(failure.PersistenceFailure, "collector.users", err)
	}
	result.TotalUsers = len(users)
	log.Printf("collector: run %s starting for %d user locations", result.RunID, len(users))

	for i, u := range users {
		if err := ctx.Err(); err != nil {
			for _, rest := range users[i:] {
				result.PerUser = append(result.PerUser, UserResult{UserID: rest.UserID, Location: rest.Name, Error: err.Error()})
				result.FailureCount++
			}
			result.FinishedAt = c.now()
			return result, err
		}

		ur := c.collectUser(ctx, u)
		result.PerUser = append(result.PerUser, ur)
		if ur.Success {
			result.SuccessCount++
			metrics.CollectorUsers.WithLabelValues("success").Inc()
		} else {
			result.FailureCount++
			metrics.CollectorUsers.WithLabelValues("failure").Inc()
			log.Printf("collector: user %s (%s): %s", u.UserID, u.Name, ur.Error)
		}
	}

	result.FinishedAt = c.now()
	log.Printf("collector: run %s done: %d ok, %d failed in %s",
		result.RunID, result.SuccessCount, result.FailureCount, result.FinishedAt.Sub(result.StartedAt).Round(time.Millisecond))
	return result, nil
}

func (c *Collector) collectUser(ctx context.Context, u models.UserLocation) (ur UserResult) {
	ur = UserResult{UserID: u.UserID, Location: u.Name}
	defer func() {
		if r := recover(); r != nil {
			ur.Success = false
			ur.Error = fmt.Sprintf("panic: %v", r)
		}
	}()

	loc, err := c.resolver.ResolveUser(ctx, u)
	if err != nil {
		ur.Error = err.Error()
		return ur
	}
	ur.LocationKey = loc.Key

	var all []models.ForecastRecord
	var errs []error
	for _, g := range c.granularities {
		records, err := c.Refresh(ctx, u.UserID, loc, g)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", g, err))
			continue
		}
		c.CacheRecords(ctx, cache.ForecastKey(u.Name, g, u.UserID), records)
		all = append(all, records...)
	}
	ur.Records = len(all)

	if c.embeddings != nil && len(all) > 0 {
		bulk, err := c.embeddings.BulkEmbedAndStore(ctx, all)
		ur.Embedded = bulk.Stored
		ur.EmbedFailed = len(bulk.Failed)
		if err != nil {
			errs = append(errs, fmt.Errorf("embed: %w", err))
		}
	}

	if len(errs) > 0 {
		ur.Error = errors.Join(errs...).Error()
	}
	ur.Success = len(errs) == 0
	return ur
}

// Refresh fetches one granularity for loc, archives the response and
// upserts the usable records. The ingest run row is completed whatever
// the outcome.
func (c *Collector) Refresh(ctx context.Context, owner string, loc Location, g models.Granularity) ([]models.ForecastRecord, error) {
	endpoint := endpointFor(g)
	run, err := c.store.StartIngestRun(ctx, ProviderAccuWeather, endpoint, owner, loc.Key)
	if err != nil {
		log.Printf("collector: start ingest run: %v", err)
	}

	payload, fetch, err := c.client.Fetch(ctx, loc, g)

	if run != nil {
		run.Success = err == nil
		if fetch != nil {
			run.HTTPStatus = sql.NullInt64{Int64: int64(fetch.HTTPStatus), Valid: fetch.HTTPStatus > 0}
			run.ResponseSizeBytes = sql.NullInt64{Int64: int64(fetch.ResponseSize), Valid: fetch.ResponseSize > 0}
			run.RecordsParsed = sql.NullInt64{Int64: int64(fetch.RecordCount), Valid: true}
			if fetch.ParseErrors > 0 {
				run.ParseErrors = sql.NullInt64{Int64: int64(fetch.ParseErrors), Valid: true}
				run.ErrorMessage = sql.NullString{String: fetch.ParseError, Valid: true}
				log.Printf("collector: %s parse errors: %s", endpoint, fetch.ParseError)
			}
		}
		if err != nil {
			run.ErrorMessage = sql.NullString{String: err.Error(), Valid: true}
		}
	}

	if fetch != nil && len(fetch.Body) > 0 {
		var runID int64
		if run != nil {
			runID = run.ID
		}
		if _, serr := c.store.StoreRawPayload(ctx, runID, ProviderAccuWeather, endpoint, owner, loc.Key, fetch.Body); serr != nil {
			log.Printf("collector: store raw payload: %v", serr)
		}
	}

	if err != nil {
		c.completeRun(ctx, run)
		return nil, err
	}

	var records []models.ForecastRecord
	for _, r := range payload.Records(owner) {
		flags := ValidateRecord(r)
		if !Usable(flags) {
			log.Printf("collector: dropping %s record for %s at %s: %s", g, loc.Key, r.ForecastAt.Format(time.RFC3339), QualityFlagsToJSON(flags))
			continue
		}
		if len(flags) > 0 {
			log.Printf("collector: %s record for %s flagged %s", g, loc.Key, QualityFlagsToJSON(flags))
		}
		records = append(records, r)
	}

	stored, err := c.store.UpsertForecasts(ctx, records)
	if err != nil {
		if run != nil {
			run.Success = false
			run.ErrorMessage = sql.NullString{String: fmt.Sprintf("upsert: %v", err), Valid: true}
		}
		c.completeRun(ctx, run)
		return nil, failure.New(failure.PersistenceFailure, "collector.upsert", err)
	}
	if run != nil {
		run.RecordsStored = sql.NullInt64{Int64: int64(stored), Valid: true}
	}
	c.completeRun(ctx, run)

	metrics.ForecastsIngested.WithLabelValues(string(g)).Add(float64(stored))
	return records, nil
}

// CacheRecords stores records under key as the JSON the query path reads.
func (c *Collector) CacheRecords(ctx context.Context, key cache.Key, records []models.ForecastRecord) {
	data, err := json.Marshal(records)
	if err != nil {
		log.Printf("collector: marshal records for %s: %v", key, err)
		return
	}
	c.cache.Set(ctx, key, data)
}

func (c *Collector) completeRun(ctx context.Context, run *store.IngestRun) {
	if run == nil {
		return
	}
	if err := c.store.CompleteIngestRun(context.WithoutCancel(ctx), run); err != nil {
		log.Printf("collector: complete ingest run %d: %v", run.ID, err)
	}
}

func endpointFor(g models.Granularity) string {
	switch g {
	case models.GranularityDaily:
		return EndpointDaily
	case models.GranularityCurrent:
		return EndpointCurrent
	}
	return EndpointHourly
}
