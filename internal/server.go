package internal

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// ServerConfig is the process-wide configuration, read once at start.
type ServerConfig struct {
	DSN            string
	Bucket         string
	ResultsBaseURL string
	SecretsDir     string

	AIBaseURL string
	AIModel   string

	EdgeTTL         time.Duration
	RateLimitMax    int
	RateLimitWindow time.Duration

	PersistEvery int
	PersistAfter time.Duration
	TokenTTL     time.Duration
	CleanupAfter time.Duration

	MaxUpstreamCalls int64
	Sampling         map[string]float64
}

// NewServer wires the whole service and returns its HTTP handler plus a
// shutdown function. Postgres and the bucket are both optional; without
// them the cache and job state degrade to in-memory.
func NewServer(ctx context.Context, cfg ServerConfig, reg *prometheus.Registry) (http.Handler, func(), error) {
	var secrets SecretSource = EnvSecrets{}
	if cfg.SecretsDir != "" {
		secrets = ChainSecrets{FileSecrets{Dir: cfg.SecretsDir}, EnvSecrets{}}
	}

	sink := NewAnalyticsSink(cfg.Sampling, reg)

	edge, err := NewEdgeTier(cfg.EdgeTTL)
	if err != nil {
		return nil, nil, fmt.Errorf("building edge tier: %w", err)
	}

	var db *pgxpool.Pool
	var warm tier
	var store jobStore
	if cfg.DSN != "" {
		db, err = newDB(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("connecting database: %w", err)
		}
		warm = NewWarmTier(db)
		store = newPGJobStore(db)
		newDBMetrics(db, reg)
	} else {
		Log(ctx).Warn("no database configured, warm tier and job state are in-memory")
		warm = newMemTier(TierWarm)
		store = newMemJobStore()
	}

	var objects ObjectStore
	var cold tier
	if cfg.Bucket != "" {
		gcs, gerr := NewGCSStore(ctx, cfg.Bucket)
		if gerr != nil {
			return nil, nil, fmt.Errorf("opening bucket: %w", gerr)
		}
		objects = gcs
		cold = NewColdTier(objects, warm)
	}

	cache := NewLayeredCache(sink, edge, warm, cold)

	orch := NewOrchestrator(
		NewGoogleBooks(secrets),
		NewOpenLibrary(),
		NewISBNdb(secrets),
		cache, sink, newProviderMetrics(reg), cfg.MaxUpstreamCalls,
	)

	jobs := NewJobManager(store, newJobMetrics(reg), JobManagerOpts{
		PersistEvery: cfg.PersistEvery,
		PersistAfter: cfg.PersistAfter,
		TokenTTL:     cfg.TokenTTL,
		CleanupAfter: cfg.CleanupAfter,
	})

	ai := NewVisionClient(cfg.AIBaseURL, cfg.AIModel, secrets)
	pipes := NewPipelines(jobs, orch, ai, objects, cfg.ResultsBaseURL)
	limiter := NewRateLimiter(cfg.RateLimitMax, cfg.RateLimitWindow)

	h := newHandler(orch, jobs, pipes, limiter, sink, reg)

	shutdown := func() {
		sink.Close()
		if db != nil {
			db.Close()
		}
	}
	return newMux(h), shutdown, nil
}
