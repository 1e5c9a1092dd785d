package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/ppirong/townly-sub003/internal/failure"
	"github.com/ppirong/townly-sub003/internal/httputil"
	"github.com/ppirong/townly-sub003/internal/metrics"
	"github.com/ppirong/townly-sub003/internal/models"
	"github.com/ppirong/townly-sub003/internal/ratelimit"
)

const (
	ProviderAccuWeather = "accuweather"
	DefaultBaseURL      = "https://dataservice.accuweather.com"
	DefaultLanguage     = "ko-kr"

	EndpointCitySearch  = "locations/v1/cities/search"
	EndpointGeoposition = "locations/v1/cities/geoposition/search"
	EndpointHourly      = "forecasts/v1/hourly/12hour"
	EndpointDaily       = "forecasts/v1/daily/5day"
	EndpointCurrent     = "currentconditions/v1"

	maxResponseBytes = 4 << 20
)

// APIStats receives one event per upstream call.
type APIStats interface {
	RecordAPICall(ctx context.Context, provider string, at time.Time, latency time.Duration, success bool) error
}

type AccuWeatherConfig struct {
	APIKey   string
	BaseURL  string
	Language string
	Timeout  time.Duration
	// MaxQuotaWait is the longest a call waits for the limiter before
	// giving up with QuotaExceeded.
	MaxQuotaWait time.Duration
}

// AccuWeather is the upstream forecast provider client. Every call goes
// through the shared rate limiter and a circuit breaker.
type AccuWeather struct {
	apiKey   string
	baseURL  string
	language string
	maxWait  time.Duration
	client   *http.Client
	limiter  *ratelimit.Limiter
	breaker  *gobreaker.CircuitBreaker
	stats    APIStats
	retry    func() backoff.BackOff
	now      func() time.Time
}

type ClientOption func(*AccuWeather)

func WithAPIStats(stats APIStats) ClientOption {
	return func(c *AccuWeather) { c.stats = stats }
}

func WithClientBackOff(fn func() backoff.BackOff) ClientOption {
	return func(c *AccuWeather) { c.retry = fn }
}

func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *AccuWeather) { c.client = hc }
}

func NewAccuWeather(cfg AccuWeatherConfig, limiter *ratelimit.Limiter, opts ...ClientOption) *AccuWeather {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Language == "" {
		cfg.Language = DefaultLanguage
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = httputil.DefaultTimeout
	}
	if limiter == nil {
		limiter = ratelimit.New(ratelimit.DefaultLimit, ratelimit.DefaultWindow, ratelimit.WithName(ProviderAccuWeather))
	}

	c := &AccuWeather{
		apiKey:   cfg.APIKey,
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		language: cfg.Language,
		maxWait:  cfg.MaxQuotaWait,
		client:   httputil.NewClientWithTimeout(cfg.Timeout),
		limiter:  limiter,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        ProviderAccuWeather,
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     2 * time.Minute,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Printf("accuweather: circuit %s -> %s", from, to)
			},
		}),
		retry: func() backoff.BackOff {
			bo := backoff.NewExponentialBackOff()
			bo.InitialInterval = time.Second
			bo.MaxElapsedTime = 30 * time.Second
			return bo
		},
		now: time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Limiter returns the rate limiter shared by all calls of this client.
func (c *AccuWeather) Limiter() *ratelimit.Limiter {
	return c.limiter
}

// FetchResult describes the HTTP side of one logical fetch, including a
// failed one.
type FetchResult struct {
	HTTPStatus   int
	ResponseSize int
	Attempts     int
	Body         []byte
	RecordCount  int
	ParseErrors  int
	ParseError   string
}

func (r *FetchResult) notePayload(p Payload) {
	if problems := p.Problems(); len(problems) > 0 {
		r.ParseErrors = len(problems)
		r.ParseError = fmt.Sprintf("%d parse errors: %s", len(problems), problems[0])
	}
}

type statusError struct {
	status int
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.status, e.body)
}

// Location is a resolved upstream location.
type Location struct {
	Key  string `json:"key"`
	Name string `json:"name"`
}

type locationResponse struct {
	Key           string `json:"Key"`
	LocalizedName string `json:"LocalizedName"`
	EnglishName   string `json:"EnglishName"`
}

func (l locationResponse) location() Location {
	name := l.EnglishName
	if name == "" {
		name = l.LocalizedName
	}
	return Location{Key: l.Key, Name: name}
}

// ResolveLocation turns a place name or a "lat,lon" pair into an upstream
// location key.
func (c *AccuWeather) ResolveLocation(ctx context.Context, query string) (Location, *FetchResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return Location{}, nil, failure.Newf(failure.UpstreamUnavailable, "accuweather.resolve", "empty location query")
	}

	params := url.Values{}
	params.Set("q", query)

	if isCoordinates(query) {
		body, result, err := c.get(ctx, EndpointGeoposition, EndpointGeoposition, params)
		if err != nil {
			return Location{}, result, err
		}
		var loc locationResponse
		if err := json.Unmarshal(body, &loc); err != nil {
			return Location{}, result, failure.New(failure.UpstreamUnavailable, "accuweather.resolve", fmt.Errorf("unmarshal: %w", err))
		}
		if loc.Key == "" {
			return Location{}, result, failure.Newf(failure.UpstreamUnavailable, "accuweather.resolve", "no location for %s", query)
		}
		result.RecordCount = 1
		return loc.location(), result, nil
	}

	body, result, err := c.get(ctx, EndpointCitySearch, EndpointCitySearch, params)
	if err != nil {
		return Location{}, result, err
	}
	var matches []locationResponse
	if err := json.Unmarshal(body, &matches); err != nil {
		return Location{}, result, failure.New(failure.UpstreamUnavailable, "accuweather.resolve", fmt.Errorf("unmarshal: %w", err))
	}
	if len(matches) == 0 || matches[0].Key == "" {
		return Location{}, result, failure.Newf(failure.UpstreamUnavailable, "accuweather.resolve", "no location for %q", query)
	}
	result.RecordCount = len(matches)
	return matches[0].location(), result, nil
}

func (c *AccuWeather) FetchHourly(ctx context.Context, loc Location) (*HourlyPayload, *FetchResult, error) {
	params := url.Values{}
	params.Set("metric", "true")
	body, result, err := c.get(ctx, EndpointHourly, EndpointHourly+"/"+url.PathEscape(loc.Key), params)
	if err != nil {
		return nil, result, err
	}
	p, err := ParseHourly(loc, body, c.now())
	if err != nil {
		return nil, result, failure.New(failure.UpstreamUnavailable, "accuweather.hourly", err)
	}
	result.RecordCount = len(p.Hours)
	result.notePayload(p)
	return p, result, nil
}

func (c *AccuWeather) FetchDaily(ctx context.Context, loc Location) (*DailyPayload, *FetchResult, error) {
	params := url.Values{}
	params.Set("metric", "true")
	params.Set("details", "true")
	body, result, err := c.get(ctx, EndpointDaily, EndpointDaily+"/"+url.PathEscape(loc.Key), params)
	if err != nil {
		return nil, result, err
	}
	p, err := ParseDaily(loc, body, c.now())
	if err != nil {
		return nil, result, failure.New(failure.UpstreamUnavailable, "accuweather.daily", err)
	}
	result.RecordCount = len(p.Days)
	result.notePayload(p)
	return p, result, nil
}

func (c *AccuWeather) FetchCurrent(ctx context.Context, loc Location) (*CurrentPayload, *FetchResult, error) {
	body, result, err := c.get(ctx, EndpointCurrent, EndpointCurrent+"/"+url.PathEscape(loc.Key), url.Values{})
	if err != nil {
		return nil, result, err
	}
	p, err := ParseCurrent(loc, body, c.now())
	if err != nil {
		return nil, result, failure.New(failure.UpstreamUnavailable, "accuweather.current", err)
	}
	result.RecordCount = 1
	return p, result, nil
}

// Fetch dispatches on granularity.
func (c *AccuWeather) Fetch(ctx context.Context, loc Location, g models.Granularity) (Payload, *FetchResult, error) {
	var (
		p      Payload
		result *FetchResult
		err    error
	)
	switch g {
	case models.GranularityHourly:
		var h *HourlyPayload
		if h, result, err = c.FetchHourly(ctx, loc); err == nil {
			p = h
		}
	case models.GranularityDaily:
		var d *DailyPayload
		if d, result, err = c.FetchDaily(ctx, loc); err == nil {
			p = d
		}
	case models.GranularityCurrent:
		var cur *CurrentPayload
		if cur, result, err = c.FetchCurrent(ctx, loc); err == nil {
			p = cur
		}
	default:
		return nil, nil, fmt.Errorf("unknown granularity %q", g)
	}
	return p, result, err
}

// get performs a GET with one retry on transient failures. Quota, auth and
// client errors are not retried.
func (c *AccuWeather) get(ctx context.Context, endpoint, path string, params url.Values) ([]byte, *FetchResult, error) {
	result := &FetchResult{}
	params.Set("apikey", c.apiKey)
	params.Set("language", c.language)
	u := fmt.Sprintf("%s/%s?%s", c.baseURL, path, params.Encode())

	var body []byte
	operation := func() error {
		result.Attempts++
		b, status, err := c.attempt(ctx, endpoint, u)
		result.HTTPStatus = status
		result.ResponseSize = len(b)
		result.Body = b
		if err != nil {
			if retryable(err) && ctx.Err() == nil {
				return err
			}
			return backoff.Permanent(err)
		}
		body = b
		return nil
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(c.retry(), 1), ctx)
	if err := backoff.Retry(operation, bo); err != nil {
		if failure.KindOf(err) == failure.QuotaExceeded {
			return nil, result, err
		}
		return nil, result, failure.New(failure.UpstreamUnavailable, "accuweather."+endpoint, err)
	}
	return body, result, nil
}

// attempt is a single rate-limited call. The limiter slot is taken before
// the request so timeouts still count against the window.
func (c *AccuWeather) attempt(ctx context.Context, endpoint, u string) ([]byte, int, error) {
	if err := c.acquire(ctx); err != nil {
		return nil, 0, err
	}

	start := c.now()
	type response struct {
		status int
		body   []byte
	}
	out, err := c.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		resp, err := c.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return &response{status: resp.StatusCode}, fmt.Errorf("read body: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			return &response{status: resp.StatusCode, body: body}, &statusError{status: resp.StatusCode, body: truncate(string(body), 200)}
		}
		return &response{status: resp.StatusCode, body: body}, nil
	})
	latency := c.now().Sub(start)

	var status int
	var body []byte
	if r, ok := out.(*response); ok && r != nil {
		status, body = r.status, r.body
	}
	c.observe(ctx, endpoint, start, latency, status, err)
	return body, status, err
}

// acquire takes a limiter slot, waiting for one when the wait fits both
// maxWait and the context deadline.
func (c *AccuWeather) acquire(ctx context.Context) error {
	err := c.limiter.TryAcquire()
	if err == nil {
		return nil
	}
	wait := c.limiter.WaitTime()
	if wait == 0 || wait > c.maxWait {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < wait {
		return err
	}
	log.Printf("accuweather: quota reached, waiting %s", wait)
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}
	return c.limiter.TryAcquire()
}

func (c *AccuWeather) observe(ctx context.Context, endpoint string, start time.Time, latency time.Duration, status int, err error) {
	label := "ok"
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		label = "circuit_open"
	case status != 0 && status != http.StatusOK:
		label = strconv.Itoa(status)
	case err != nil:
		label = "error"
	}
	metrics.UpstreamCallsTotal.WithLabelValues(ProviderAccuWeather, endpoint, label).Inc()
	if label == "circuit_open" {
		return
	}
	metrics.UpstreamLatency.WithLabelValues(ProviderAccuWeather, endpoint).Observe(latency.Seconds())

	if c.stats != nil {
		if serr := c.stats.RecordAPICall(context.WithoutCancel(ctx), ProviderAccuWeather, start, latency, err == nil); serr != nil {
			log.Printf("accuweather: record api stats: %v", serr)
		}
	}
}

func retryable(err error) bool {
	if failure.KindOf(err) == failure.QuotaExceeded {
		return false
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return false
	}
	var se *statusError
	if errors.As(err, &se) {
		return se.status == http.StatusTooManyRequests || se.status >= 500
	}
	return true
}

func isCoordinates(q string) bool {
	lat, lon, ok := strings.Cut(q, ",")
	if !ok {
		return false
	}
	if _, err := strconv.ParseFloat(strings.TrimSpace(lat), 64); err != nil {
		return false
	}
	_, err := strconv.ParseFloat(strings.TrimSpace(lon), 64)
	return err == nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
