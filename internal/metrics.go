package internal

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/pgxpoolprometheus"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	dto "github.com/prometheus/client_model/go"
)

// NewMetrics creates a new Prometheus registry with default collectors
// already registered.
func NewMetrics() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{
			Namespace: _metricsNamespace,
		}),
		collectors.NewBuildInfoCollector(),
	)

	return reg
}

var _metricsNamespace = "bookdex"

// _patternRE is used for stripping all `{...}` segments from the pattern
// to build a label.
var _patternRE = regexp.MustCompile(`\{[^/]+\}`)

type providerMetrics struct {
	totals    *prometheus.CounterVec
	latencies *prometheus.HistogramVec
}

type jobMetrics struct {
	active      *prometheus.GaugeVec
	transitions *prometheus.CounterVec
}

type dbMetrics struct {
	dirty atomic.Bool // dirty signals that the DB has been modified so stats should be collected.
	gauge *prometheus.GaugeVec
}

// instrument wraps an HTTP handler to automatically record timing and status
// codes.
func instrument(reg *prometheus.Registry, next http.Handler) http.Handler {
	requests := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: _metricsNamespace,
			Subsystem: "http",
			Name:      "requests",
			Help:      "HTTP request latencies by method & path",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 1.5, 2.0, 2.5, 5, 7.5, 10, 30, 60, 120},
		},
		[]string{"method", "path", "status"},
	)

	inflight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: _metricsNamespace,
			Subsystem: "http",
			Name:      "inflight",
			Help:      "Current number of inbound in-flight HTTP requests.",
		},
	)

	// Pattern labels are cached across requests, so the cache has to be
	// safe for concurrent handlers.
	var normalized sync.Map

	reg.MustRegister(requests, inflight)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		inflight.Inc()
		defer inflight.Dec()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		var path string
		if v, ok := normalized.Load(r.Pattern); ok {
			path = v.(string)
		} else {
			path = normalizePattern(r.Pattern)
			normalized.Store(r.Pattern, path)
		}
		if path == "" {
			// Don't record traffic for unrecognized endpoints.
			return
		}

		duration := time.Since(start).Seconds()
		requests.WithLabelValues(r.Method, path, fmt.Sprint(ww.Status())).Observe(duration)
	})
}

func newProviderMetrics(reg *prometheus.Registry) *providerMetrics {
	totals := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: _metricsNamespace,
			Subsystem: "provider",
			Name:      "calls_total",
			Help:      "Upstream provider calls by provider and outcome.",
		},
		[]string{"provider", "outcome"},
	)
	latencies := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: _metricsNamespace,
			Subsystem: "provider",
			Name:      "latency_seconds",
			Help:      "Upstream provider call latencies.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"provider"},
	)
	if reg != nil {
		reg.MustRegister(totals, latencies)
	}
	return &providerMetrics{totals: totals, latencies: latencies}
}

func (pm *providerMetrics) observe(provider Provider, outcome string, d time.Duration) {
	pm.totals.WithLabelValues(string(provider), outcome).Inc()
	pm.latencies.WithLabelValues(string(provider)).Observe(d.Seconds())
}

func newJobMetrics(reg *prometheus.Registry) *jobMetrics {
	active := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: _metricsNamespace,
			Subsystem: "jobs",
			Name:      "active",
			Help:      "Jobs currently tracked, by pipeline.",
		},
		[]string{"pipeline"},
	)
	transitions := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: _metricsNamespace,
			Subsystem: "jobs",
			Name:      "transitions_total",
			Help:      "Job status transitions by pipeline and status.",
		},
		[]string{"pipeline", "status"},
	)
	if reg != nil {
		reg.MustRegister(active, transitions)
	}
	return &jobMetrics{active: active, transitions: transitions}
}

func (jm *jobMetrics) activeAdd(pipeline Pipeline, delta int64) {
	if delta == 0 {
		return
	}
	jm.active.WithLabelValues(string(pipeline)).Add(float64(delta))
}

func (jm *jobMetrics) activeGet(pipeline Pipeline) float64 {
	m := &dto.Metric{}
	err := jm.active.WithLabelValues(string(pipeline)).Write(m)
	if err != nil {
		return 0.0
	}
	return m.GetGauge().GetValue()
}

func (jm *jobMetrics) transitionInc(pipeline Pipeline, status JobStatus) {
	jm.transitions.WithLabelValues(string(pipeline), string(status)).Inc()
}

func newDBMetrics(db *pgxpool.Pool, reg *prometheus.Registry) *dbMetrics {
	gauge := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: _metricsNamespace,
			Subsystem: "db",
			Name:      "total",
			Help:      "Counts of persisted rows by table.",
		},
		[]string{"type"},
	)
	if reg != nil {
		reg.MustRegister(gauge, pgxpoolprometheus.NewCollector(db, nil))
	}
	dbm := &dbMetrics{gauge: gauge}
	// This query walks both tables so we only run it every 5 minutes.
	dbm.dirty.Store(true) // Start dirty to trigger an initial query.
	go func() {
		ctx := context.Background()
		for {
			row := db.QueryRow(ctx, `
			  SELECT
				(SELECT count(*) FROM cache) AS cached,
				(SELECT count(*) FROM cache WHERE key LIKE 'cold-index:%') AS cold,
				(SELECT count(*) FROM jobs) AS jobs;
			`)
			var cached, cold, jobs int64
			err := row.Scan(&cached, &cold, &jobs)
			if err != nil {
				Log(ctx).Warn("problem collecting db stats", "err", err)
			} else {
				gauge.WithLabelValues("cache").Set(float64(cached))
				gauge.WithLabelValues("cold-index").Set(float64(cold))
				gauge.WithLabelValues("jobs").Set(float64(jobs))
			}
			dbm.dirty.Store(false)
			time.Sleep(5 * time.Minute)
		}
	}()
	return dbm
}

// normalizePattern derives the constant label from the pattern:
//
//	"/v1/search/isbn/{isbn}" → "/v1/search/isbn"
//	"/api/import/csv"        → "/api/import/csv"
func normalizePattern(pattern string) string {
	p := _patternRE.ReplaceAllString(pattern, "")
	p = strings.TrimSuffix(p, "/")
	p = strings.ReplaceAll(p, "//", "/")
	return p
}
