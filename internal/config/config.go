// Package config holds the runtime settings shared by every townly command.
// Values come from flags or the environment; a .env file is loaded first
// when present.
package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
)

type Config struct {
	Database string `name:"db" env:"TOWNLY_DB" default:"data/townly.db" help:"Path to the SQLite database."`
	Port     string `env:"PORT" default:"8080" help:"HTTP server port."`
	Timezone string `env:"TOWNLY_TIMEZONE" default:"Asia/Seoul" help:"Zone the collection schedule runs in."`

	AccuWeatherKey     string        `name:"accuweather-key" env:"ACCUWEATHER_API_KEY" help:"AccuWeather API key."`
	AccuWeatherBaseURL string        `name:"accuweather-url" env:"ACCUWEATHER_BASE_URL" default:"https://dataservice.accuweather.com" help:"AccuWeather API base URL."`
	AccuWeatherLang    string        `name:"accuweather-language" env:"ACCUWEATHER_LANGUAGE" default:"ko-kr" help:"Language for location names and phrases."`
	UpstreamTimeout    time.Duration `env:"UPSTREAM_TIMEOUT" default:"10s" help:"Timeout for one upstream HTTP call."`
	QuotaWait          time.Duration `env:"QUOTA_MAX_WAIT" default:"5s" help:"Longest wait for the rate limiter before failing with quota exceeded."`
	RateLimit          int           `env:"ACCUWEATHER_RATE_LIMIT" default:"50" help:"Upstream calls allowed per window."`
	RateWindow         time.Duration `env:"ACCUWEATHER_RATE_WINDOW" default:"1h" help:"Sliding rate-limit window."`

	OpenAIKey          string        `name:"openai-key" env:"OPENAI_API_KEY" help:"OpenAI API key. Without it a local hash embedder is used and LLM intent fallback is off."`
	OpenAIBaseURL      string        `name:"openai-url" env:"OPENAI_BASE_URL" help:"OpenAI-compatible API base URL."`
	EmbeddingModel     string        `env:"EMBEDDING_MODEL" default:"text-embedding-3-small" help:"Embedding model."`
	EmbeddingDims      int           `env:"EMBEDDING_DIMENSIONS" default:"1536" help:"Embedding vector dimensions."`
	EmbeddingBatch     int           `env:"EMBEDDING_BATCH_SIZE" default:"100" help:"Texts per embedding request."`
	EmbeddingRateLimit int           `env:"EMBEDDING_RATE_LIMIT" default:"3000" help:"Embedding requests allowed per minute."`
	ChatModel          string        `env:"CHAT_MODEL" default:"gpt-4o-mini" help:"Chat model for intent classification."`
	OpenAITimeout      time.Duration `env:"OPENAI_TIMEOUT" default:"30s" help:"Timeout for one OpenAI call."`

	MinResults    int     `env:"ROUTER_MIN_RESULTS" default:"2" help:"Stored facts needed to answer without a live call."`
	MinConfidence float64 `env:"ROUTER_MIN_CONFIDENCE" default:"0.7" help:"Intent confidence needed to answer without a live call."`
	LLMThreshold  float64 `env:"LLM_THRESHOLD" default:"0.7" help:"Pattern confidence below which the LLM classifier is asked."`
	TopK          int     `env:"SEARCH_TOP_K" default:"8" help:"Stored facts retrieved per question."`
	MaxCandidates int     `env:"SEARCH_MAX_CANDIDATES" default:"5000" help:"Newest stored facts scored per question (0 scores all)."`

	CronSecret       string        `env:"CRON_SECRET" help:"Shared secret for the cron and admin endpoints."`
	CollectSchedule  string        `env:"COLLECT_SCHEDULE" default:"0 5,11,17,23 * * *" help:"Cron spec for collection."`
	MaintainSchedule string        `env:"MAINTAIN_SCHEDULE" default:"30 3 * * *" help:"Cron spec for maintenance."`
	JobTimeout       time.Duration `env:"JOB_TIMEOUT" default:"10m" help:"Timeout for one collection or maintenance run."`

	CacheGrace             time.Duration `env:"CACHE_GRACE" default:"24h" help:"How long expired persistent cache entries are kept for stale serving."`
	RawRetentionDays       int           `env:"RAW_RETENTION_DAYS" default:"14" help:"Days of raw upstream payloads to keep."`
	EmbeddingRetentionDays int           `env:"EMBEDDING_RETENTION_DAYS" default:"30" help:"Days of past-dated embeddings to keep."`
}

// LoadDotEnv loads the given files, or .env, into the process environment.
// Variables already set are not overridden.
func LoadDotEnv(files ...string) {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("config: load .env: %v", err)
	}
}

// Validate checks ranges and schedules. Kong calls it after parsing.
func (c *Config) Validate() error {
	var errs []error
	if c.RateLimit <= 0 {
		errs = append(errs, fmt.Errorf("rate limit must be positive, got %d", c.RateLimit))
	}
	if c.RateWindow <= 0 {
		errs = append(errs, fmt.Errorf("rate window must be positive, got %s", c.RateWindow))
	}
	if c.MinResults < 1 {
		errs = append(errs, fmt.Errorf("router min results must be at least 1, got %d", c.MinResults))
	}
	for name, v := range map[string]float64{"router min confidence": c.MinConfidence, "llm threshold": c.LLMThreshold} {
		if v < 0 || v > 1 {
			errs = append(errs, fmt.Errorf("%s must be within [0, 1], got %g", name, v))
		}
	}
	if c.TopK < 1 {
		errs = append(errs, fmt.Errorf("search top k must be at least 1, got %d", c.TopK))
	}
	if c.MaxCandidates < 0 {
		errs = append(errs, fmt.Errorf("search max candidates cannot be negative, got %d", c.MaxCandidates))
	}
	if c.EmbeddingDims < 1 {
		errs = append(errs, fmt.Errorf("embedding dimensions must be positive, got %d", c.EmbeddingDims))
	}
	if c.RawRetentionDays < 0 || c.EmbeddingRetentionDays < 0 {
		errs = append(errs, errors.New("retention days cannot be negative"))
	}
	for name, spec := range map[string]string{"collect schedule": c.CollectSchedule, "maintain schedule": c.MaintainSchedule} {
		if _, err := cron.ParseStandard(spec); err != nil {
			errs = append(errs, fmt.Errorf("%s %q: %w", name, spec, err))
		}
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("timezone %q: %w", c.Timezone, err))
	}
	return errors.Join(errs...)
}

// RequireUpstream reports a missing provider key. Commands that call the
// weather provider check it; migrate does not.
func (c *Config) RequireUpstream() error {
	if c.AccuWeatherKey == "" {
		return errors.New("ACCUWEATHER_API_KEY (or --accuweather-key) is required")
	}
	return nil
}

// Location returns the schedule zone. Validate has already checked it loads.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
