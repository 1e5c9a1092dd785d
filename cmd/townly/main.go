package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	_ "modernc.org/sqlite"

	"github.com/ppirong/townly-sub003/internal/api"
	"github.com/ppirong/townly-sub003/internal/cache"
	"github.com/ppirong/townly-sub003/internal/config"
	"github.com/ppirong/townly-sub003/internal/embedding"
	"github.com/ppirong/townly-sub003/internal/ingest"
	"github.com/ppirong/townly-sub003/internal/intent"
	"github.com/ppirong/townly-sub003/internal/models"
	"github.com/ppirong/townly-sub003/internal/ratelimit"
	"github.com/ppirong/townly-sub003/internal/search"
	"github.com/ppirong/townly-sub003/internal/store"
	"github.com/ppirong/townly-sub003/internal/weather"
)

type CLI struct {
	config.Config `embed:""`

	Serve    serveCmd    `cmd:"" default:"withargs" help:"Run the HTTP API and the collection schedule."`
	Collect  collectCmd  `cmd:"" help:"Collect forecasts for every active user location once and exit."`
	Maintain maintainCmd `cmd:"" help:"Prune duplicates, expired cache entries and old payloads once and exit."`
	Migrate  migrateCmd  `cmd:"" help:"Apply database migrations and exit."`
	Location locationCmd `cmd:"" help:"Manage the locations collected for users."`
}

func main() {
	config.LoadDotEnv()

	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("townly"),
		kong.Description("Weather caching, rate limiting and semantic retrieval for Townly."),
		kong.UsageOnError(),
	)
	kctx.FatalIfErrorf(kctx.Run(&cli.Config))
}

type serveCmd struct {
	NoSchedule bool `help:"Disable the in-process collection schedule (cron endpoints still work)."`
}

func (c *serveCmd) Run(cfg *config.Config) error {
	if err := cfg.RequireUpstream(); err != nil {
		return err
	}
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.db.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if cfg.CronSecret == "" {
		log.Println("CRON_SECRET not set, cron and admin endpoints disabled")
	}

	schedDone := make(chan struct{})
	if c.NoSchedule {
		log.Println("schedule disabled (--no-schedule)")
		close(schedDone)
	} else {
		sched := ingest.NewScheduler(a.collector, cfg.Location(), cfg.JobTimeout)
		if err := sched.Schedule(cfg.CollectSchedule, cfg.MaintainSchedule); err != nil {
			return err
		}
		go func() {
			defer close(schedDone)
			sched.Run(ctx)
		}()
	}

	server := api.NewServer(api.Deps{
		Service:    a.service,
		Store:      a.store,
		Cache:      a.cache,
		Limiter:    a.limiter,
		Collector:  a.collector,
		Embeddings: a.embeddings,
	}, cfg.Port, cfg.CronSecret, cfg.JobTimeout)

	err = server.Run(ctx)
	cancel()
	<-schedDone
	return err
}

type collectCmd struct{}

func (c *collectCmd) Run(cfg *config.Config) error {
	if err := cfg.RequireUpstream(); err != nil {
		return err
	}
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.db.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	ctx, cancelTimeout := context.WithTimeout(ctx, cfg.JobTimeout)
	defer cancelTimeout()

	res, err := a.collector.CollectForAllUsers(ctx)
	if err != nil {
		return fmt.Errorf("collect: %w", err)
	}
	for _, ur := range res.PerUser {
		if !ur.Success {
			log.Printf("user %s (%s): %s", ur.UserID, ur.Location, ur.Error)
		}
	}
	log.Printf("collected %d/%d user locations", res.SuccessCount, res.TotalUsers)
	if res.FailureCount > 0 {
		return fmt.Errorf("%d of %d user locations failed", res.FailureCount, res.TotalUsers)
	}
	return nil
}

type maintainCmd struct{}

func (c *maintainCmd) Run(cfg *config.Config) error {
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.JobTimeout)
	defer cancel()

	res, err := a.collector.Maintain(ctx)
	if res != nil {
		log.Printf("maintenance: %d duplicate embeddings, %d expired cache entries, %d raw payloads, %d stale embeddings removed",
			res.DuplicateEmbeddings, res.ExpiredCacheEntries, res.RawPayloadsPruned, res.StaleEmbeddings)
	}
	return err
}

type migrateCmd struct{}

func (c *migrateCmd) Run(cfg *config.Config) error {
	db, st, err := openStore(cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	version, err := st.MigrationVersion()
	if err != nil {
		return err
	}
	log.Printf("database at schema version %d", version)
	return nil
}

type locationCmd struct {
	Add locationAddCmd `cmd:"" help:"Register a user's location. The newest one becomes the user's default."`
}

type locationAddCmd struct {
	User string   `required:"" help:"User ID."`
	Name string   `required:"" help:"Place name, sent to the location search unless coordinates are given."`
	Lat  *float64 `help:"Latitude (requires --lon)."`
	Lon  *float64 `help:"Longitude (requires --lat)."`
}

func (c *locationAddCmd) Run(cfg *config.Config) error {
	u, err := models.NewUserLocation(c.User, c.Name, c.Lat, c.Lon)
	if err != nil {
		return err
	}
	db, st, err := openStore(cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := st.UpsertUserLocation(context.Background(), u); err != nil {
		return fmt.Errorf("save location: %w", err)
	}
	log.Printf("user %s location set to %q (resolves by %s)", u.UserID, u.Name, u.Query())
	return nil
}

// app is the wired component graph shared by the commands.
type app struct {
	db         *sql.DB
	store      *store.Store
	cache      *cache.Cache
	limiter    *ratelimit.Limiter
	embeddings *embedding.Store
	collector  *ingest.Collector
	service    *weather.Service
}

func newApp(cfg *config.Config) (*app, error) {
	db, st, err := openStore(cfg.Database)
	if err != nil {
		return nil, err
	}

	embedder, llm, err := openAI(cfg)
	if err != nil {
		db.Close()
		return nil, err
	}

	limiter := ratelimit.New(cfg.RateLimit, cfg.RateWindow, ratelimit.WithName("accuweather"))
	client := ingest.NewAccuWeather(ingest.AccuWeatherConfig{
		APIKey:       cfg.AccuWeatherKey,
		BaseURL:      cfg.AccuWeatherBaseURL,
		Language:     cfg.AccuWeatherLang,
		Timeout:      cfg.UpstreamTimeout,
		MaxQuotaWait: cfg.QuotaWait,
	}, limiter, ingest.WithAPIStats(st))

	c := cache.New(st)
	emb := embedding.NewStore(st, embedder,
		embedding.WithLimiter(ratelimit.New(cfg.EmbeddingRateLimit, time.Minute, ratelimit.WithName("openai_embeddings")), cfg.QuotaWait),
		embedding.WithBatchSize(cfg.EmbeddingBatch),
	)
	collector := ingest.NewCollector(st, client, c, emb,
		ingest.WithRetention(cfg.CacheGrace, cfg.RawRetentionDays, cfg.EmbeddingRetentionDays))

	classifierOpts := []intent.Option{}
	if llm != nil {
		classifierOpts = append(classifierOpts, intent.WithLLM(llm, cfg.LLMThreshold))
	}
	service := weather.NewService(st, c, collector, emb,
		search.NewEngine(st, embedder, search.WithMaxCandidates(cfg.MaxCandidates)),
		intent.NewClassifier(classifierOpts...),
		weather.WithRouter(intent.NewRouter(cfg.MinResults, cfg.MinConfidence)),
		weather.WithTopK(cfg.TopK),
	)

	return &app{
		db:         db,
		store:      st,
		cache:      c,
		limiter:    limiter,
		embeddings: emb,
		collector:  collector,
		service:    service,
	}, nil
}

// openAI builds the embedder and the LLM intent fallback. Without a key the
// service runs on a local hash embedder and pattern-only classification.
func openAI(cfg *config.Config) (embedding.Embedder, intent.LLM, error) {
	if cfg.OpenAIKey == "" {
		log.Printf("OPENAI_API_KEY not set, using local hash embeddings (%d dims) and pattern-only intents", cfg.EmbeddingDims)
		return embedding.NewHashEmbedder(cfg.EmbeddingDims), nil, nil
	}

	embedder, err := embedding.NewOpenAIEmbedder(embedding.OpenAIConfig{
		APIKey:     cfg.OpenAIKey,
		BaseURL:    cfg.OpenAIBaseURL,
		Model:      cfg.EmbeddingModel,
		Dimensions: cfg.EmbeddingDims,
		Timeout:    cfg.OpenAITimeout,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("embedder: %w", err)
	}
	llm, err := intent.NewOpenAIClassifier(intent.LLMConfig{
		APIKey:  cfg.OpenAIKey,
		BaseURL: cfg.OpenAIBaseURL,
		Model:   cfg.ChatModel,
		Timeout: cfg.OpenAITimeout,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("intent classifier: %w", err)
	}
	return embedder, llm, nil
}

func openStore(path string) (*sql.DB, *store.Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}

	db.Exec("PRAGMA journal_mode=WAL")
	db.Exec("PRAGMA busy_timeout=5000")

	st := store.New(db)
	if err := st.Migrate(); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	log.Println("database migrated")
	return db, st, nil
}
