package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ppirong/townly-sub003/internal/cache"
	"github.com/ppirong/townly-sub003/internal/embedding"
	"github.com/ppirong/townly-sub003/internal/ingest"
	"github.com/ppirong/townly-sub003/internal/ratelimit"
	"github.com/ppirong/townly-sub003/internal/store"
	"github.com/ppirong/townly-sub003/internal/weather"
)

// Deps are the components the HTTP surface reads from or triggers.
type Deps struct {
	Service    *weather.Service
	Store      *store.Store
	Cache      *cache.Cache
	Limiter    *ratelimit.Limiter
	Collector  *ingest.Collector
	Embeddings *embedding.Store
}

type Server struct {
	deps       Deps
	port       string
	cronSecret string
	jobTimeout time.Duration
}

// NewServer builds the HTTP server. An empty cronSecret disables the cron
// and admin endpoints.
func NewServer(deps Deps, port, cronSecret string, jobTimeout time.Duration) *Server {
	if jobTimeout <= 0 {
		jobTimeout = 10 * time.Minute
	}
	return &Server{
		deps:       deps,
		port:       port,
		cronSecret: cronSecret,
		jobTimeout: jobTimeout,
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("POST /api/weather/query", s.handleQuery)
	mux.HandleFunc("GET /api/weather/forecast", s.handleForecast)
	mux.HandleFunc("GET /api/weather/stats", s.handleStats)
	mux.HandleFunc("POST /api/cron/collect", s.requireSecret(s.handleCronCollect))
	mux.HandleFunc("POST /api/cron/maintain", s.requireSecret(s.handleCronMaintain))
	mux.HandleFunc("POST /api/admin/ratelimit/reset", s.requireSecret(s.handleRateLimitReset))
	mux.HandleFunc("PUT /api/users/{id}/location", s.requireSecret(s.handlePutUserLocation))
	mux.HandleFunc("GET /api/admin/payloads/{ref}", s.requireSecret(s.handleRawPayload))
	return mux
}

func (s *Server) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:              ":" + s.port,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	log.Printf("api: listening on :%s", s.port)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// requireSecret accepts the shared secret in X-Cron-Secret or as a bearer token.
func (s *Server) requireSecret(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cronSecret == "" {
			writeError(w, http.StatusServiceUnavailable, "cron secret not configured")
			return
		}
		got := r.Header.Get("X-Cron-Secret")
		if got == "" {
			if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
				got = strings.TrimPrefix(auth, "Bearer ")
			}
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.cronSecret)) != 1 {
			log.Printf("api: rejected %s %s from %s", r.Method, r.URL.Path, r.RemoteAddr)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	}
}

func (s *Server) handleCronCollect(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), s.jobTimeout)
	defer cancel()

	result, err := s.deps.Collector.CollectForAllUsers(ctx)
	switch {
	case errors.Is(err, ingest.ErrCollectionRunning):
		writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil && result == nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	case err != nil:
		log.Printf("api: collection ended early: %v", err)
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleCronMaintain(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), s.jobTimeout)
	defer cancel()

	result, err := s.deps.Collector.Maintain(ctx)
	resp := struct {
		*ingest.MaintenanceResult
		Error string `json:"error,omitempty"`
	}{MaintenanceResult: result}
	status := http.StatusOK
	if err != nil {
		resp.Error = err.Error()
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleRateLimitReset(w http.ResponseWriter, r *http.Request) {
	s.deps.Limiter.Reset()
	log.Printf("api: rate limit window reset")
	writeJSON(w, http.StatusOK, s.deps.Limiter.Stats())
}

type HealthStatus struct {
	Status           string   `json:"status"`
	MigrationVersion int      `json:"migrationVersion"`
	QuotaRemaining   int      `json:"quotaRemaining"`
	MemoryEntries    int      `json:"memoryCacheEntries"`
	Errors           []string `json:"errors,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := HealthStatus{Status: "ok"}

	version, err := s.deps.Store.MigrationVersion()
	if err != nil {
		health.Status = "error"
		health.Errors = append(health.Errors, "store: "+err.Error())
	}
	health.MigrationVersion = version

	if s.deps.Limiter != nil {
		health.QuotaRemaining = s.deps.Limiter.Stats().Remaining
		if health.QuotaRemaining == 0 && health.Status == "ok" {
			health.Status = "degraded"
		}
	}
	if s.deps.Cache != nil {
		health.MemoryEntries = s.deps.Cache.Stats().MemoryEntries
	}

	status := http.StatusOK
	if health.Status == "error" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("api: write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func retryAfter(w http.ResponseWriter, wait time.Duration) {
	if wait <= 0 {
		return
	}
	w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
}
