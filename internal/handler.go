package internal

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/stampede"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// handler is our HTTP surface. It defers the real work to the
// orchestrator, job manager, and pipelines; this layer handles muxing,
// validation, envelopes, and headers.
type handler struct {
	orch    *Orchestrator
	jobs    *JobManager
	pipes   *Pipelines
	limiter *RateLimiter
	sink    *AnalyticsSink
	reg     *prometheus.Registry
}

// newHandler creates a new handler.
func newHandler(orch *Orchestrator, jobs *JobManager, pipes *Pipelines, limiter *RateLimiter, sink *AnalyticsSink, reg *prometheus.Registry) *handler {
	return &handler{
		orch:    orch,
		jobs:    jobs,
		pipes:   pipes,
		limiter: limiter,
		sink:    sink,
		reg:     reg,
	}
}

// newMux registers a handler's routes on a new router.
func newMux(h *handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", h.health)
	r.Get("/metrics", h.metrics)
	r.Get("/ws/progress", progressSocket(h.jobs))

	r.Group(func(r chi.Router) {
		r.Use(h.responseTime)
		r.Use(h.rateLimit)
		// Coalesce identical search GETs hitting the miss path at once.
		r.Use(stampede.Handler(512, time.Second))

		r.Get("/v1/search/title", h.searchTitle)
		r.Get("/v1/search/isbn", h.searchISBN)
		r.Get("/v1/search/author", h.searchAuthor)
		r.Get("/v1/search/advanced", h.searchAdvanced)
	})

	r.Group(func(r chi.Router) {
		r.Use(h.responseTime)
		r.Use(h.rateLimit)

		r.Post("/v1/search/advanced", h.searchAdvanced)
	})

	r.Group(func(r chi.Router) {
		r.Use(h.responseTime)

		r.Post("/api/enrichment/start", h.enrichmentStart)
		r.Post("/api/enrichment/cancel", h.enrichmentCancel)
		r.Post("/api/scan-bookshelf", h.scanBookshelf)
		r.Post("/api/scan-bookshelf/batch", h.scanBatch)
		r.Post("/api/import/csv", h.importCSV)
		r.Post("/api/token/refresh", h.tokenRefresh)
	})

	return instrument(h.reg, r)
}

// --- middleware ------------------------------------------------------------

// timingWriter stamps X-Response-Time just before the first byte goes
// out; afterwards headers are immutable.
type timingWriter struct {
	http.ResponseWriter
	start time.Time
	wrote bool
}

func (t *timingWriter) WriteHeader(code int) {
	if !t.wrote {
		t.wrote = true
		t.Header().Set("X-Response-Time", fmt.Sprintf("%dms", time.Since(t.start).Milliseconds()))
	}
	t.ResponseWriter.WriteHeader(code)
}

func (t *timingWriter) Write(b []byte) (int, error) {
	if !t.wrote {
		t.WriteHeader(http.StatusOK)
	}
	return t.ResponseWriter.Write(b)
}

func (h *handler) responseTime(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(&timingWriter{ResponseWriter: w, start: start}, r)

		if h.sink != nil && !analyticsExempt(r) {
			h.sink.Record(Event{
				Endpoint:  r.URL.Path,
				Kind:      EventRequest,
				LatencyMS: time.Since(start).Milliseconds(),
				ClientIP:  AnonymizeIP(r.RemoteAddr),
			})
		}
	})
}

// analyticsExempt honors Do-Not-Track and the explicit opt-out header.
func analyticsExempt(r *http.Request) bool {
	return r.Header.Get("DNT") == "1" || r.Header.Get("X-Skip-Analytics") == "true"
}

func (h *handler) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client := clientKey(r)
		d := h.limiter.Allow(client)

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))

		if !d.Allowed {
			retryAfter := max(int64(d.RetryAfter.Seconds()+0.999), 1)
			w.Header().Set("Retry-After", strconv.FormatInt(retryAfter, 10))
			h.error(w, apiErr(CodeRateLimitExceeded, "rate limit exceeded"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientKey identifies the caller for rate limiting. RealIP middleware
// has already folded X-Forwarded-For into RemoteAddr.
func clientKey(r *http.Request) string {
	ip := AnonymizeIP(r.RemoteAddr)
	if ip == "" {
		return "unknown"
	}
	return ip
}

// --- envelopes -------------------------------------------------------------

func (h *handler) writeData(w http.ResponseWriter, status int, data any, meta Metadata) {
	blob, err := sonic.Marshal(struct {
		Data     any      `json:"data"`
		Metadata Metadata `json:"metadata"`
	}{Data: data, Metadata: meta})
	if err != nil {
		h.error(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(blob)
}

func (h *handler) error(w http.ResponseWriter, err error) {
	ae := asAPIError(err)
	blob, merr := sonic.Marshal(struct {
		Error *apiError `json:"error"`
	}{Error: ae})
	if merr != nil {
		http.Error(w, `{"error":{"code":"INTERNAL_ERROR","message":"internal error","statusCode":500}}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(ae.StatusCode)
	_, _ = w.Write(blob)
}

func cacheStatus(w http.ResponseWriter, meta Metadata) {
	if meta.Cached {
		w.Header().Set("X-Cache-Status", "HIT")
	} else {
		w.Header().Set("X-Cache-Status", "MISS")
	}
}

// --- search ----------------------------------------------------------------

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	h.writeData(w, http.StatusOK, map[string]any{
		"status": "ok",
		"endpoints": []string{
			"/v1/search/title", "/v1/search/isbn", "/v1/search/author", "/v1/search/advanced",
			"/api/enrichment/start", "/api/enrichment/cancel",
			"/api/scan-bookshelf", "/api/scan-bookshelf/batch", "/api/import/csv",
			"/api/token/refresh", "/ws/progress", "/metrics",
		},
	}, newMetadata("none", false))
}

func (h *handler) searchTitle(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		h.error(w, apiErr(CodeInvalidRequest, "q is required"))
		return
	}

	resp, meta, err := h.orch.SearchTitle(r.Context(), q, maxResults(r))
	if err != nil {
		cacheStatus(w, meta)
		h.error(w, err)
		return
	}
	cacheStatus(w, meta)
	h.writeData(w, http.StatusOK, resp, meta)
}

func (h *handler) searchISBN(w http.ResponseWriter, r *http.Request) {
	isbn := r.URL.Query().Get("isbn")
	if _, err := CanonicalISBN(isbn); err != nil {
		h.error(w, apiErr(CodeInvalidISBN, "ISBN must be 10 or 13 digits"))
		return
	}

	book, meta, err := h.orch.LookupISBN(r.Context(), isbn)
	if err != nil {
		cacheStatus(w, meta)
		h.error(w, err)
		return
	}
	cacheStatus(w, meta)
	h.writeData(w, http.StatusOK, book, meta)
}

func (h *handler) searchAuthor(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		h.error(w, apiErr(CodeInvalidRequest, "q is required"))
		return
	}

	limit := intParam(r, "limit", 20, 100)
	offset := intParam(r, "offset", 0, 10000)
	sortBy := r.URL.Query().Get("sortBy")
	if sortBy == "" {
		sortBy = "publicationyear"
	}

	bib, meta, err := h.orch.SearchAuthor(r.Context(), q, limit, offset, sortBy)
	if err != nil {
		cacheStatus(w, meta)
		h.error(w, err)
		return
	}
	cacheStatus(w, meta)
	h.writeData(w, http.StatusOK, bib, meta)
}

func (h *handler) searchAdvanced(w http.ResponseWriter, r *http.Request) {
	var q AdvancedQuery
	if r.Method == http.MethodPost {
		if err := decodeBody(r, &q); err != nil {
			h.error(w, err)
			return
		}
	} else {
		query := r.URL.Query()
		q = AdvancedQuery{
			Title:  query.Get("title"),
			Author: query.Get("author"),
			ISBN:   query.Get("isbn"),
			Query:  query.Get("q"),
		}
		q.MaxResults, _ = strconv.Atoi(query.Get("maxResults"))
	}
	if q.empty() {
		h.error(w, apiErr(CodeInvalidRequest, "at least one search field is required"))
		return
	}
	if q.MaxResults <= 0 {
		q.MaxResults = 20
	}
	q.MaxResults = min(q.MaxResults, 40)

	resp, meta, err := h.orch.SearchAdvanced(r.Context(), q)
	if err != nil {
		cacheStatus(w, meta)
		h.error(w, err)
		return
	}
	cacheStatus(w, meta)
	h.writeData(w, http.StatusOK, resp, meta)
}

// --- pipelines -------------------------------------------------------------

// startJob provisions the entity and its auth token, returning the 202
// payload fields shared by every pipeline start.
func (h *handler) startJob(jobID string) (map[string]any, *JobEntity) {
	entity := h.jobs.Job(jobID)
	token := uuid.NewString()
	entity.SetAuthToken(token)
	return map[string]any{
		"jobId":  jobID,
		"status": "started",
		"token":  token,
	}, entity
}

func (h *handler) enrichmentStart(w http.ResponseWriter, r *http.Request) {
	var body struct {
		JobID   string         `json:"jobId"`
		ISBNs   []string       `json:"isbns"`
		WorkIDs []EnrichTarget `json:"workIds"`
	}
	if err := decodeBody(r, &body); err != nil {
		h.error(w, err)
		return
	}
	if err := validJobID(body.JobID); err != nil {
		h.error(w, err)
		return
	}

	targets := body.WorkIDs
	for _, isbn := range body.ISBNs {
		targets = append(targets, EnrichTarget{ISBN: isbn})
	}
	if len(targets) == 0 {
		h.error(w, apiErr(CodeInvalidRequest, "isbns or workIds is required"))
		return
	}

	payload, _ := h.startJob(body.JobID)
	payload["totalCount"] = len(targets)
	go h.pipes.RunBatchEnrichment(contextWithoutCancel(r), body.JobID, targets)

	h.writeData(w, http.StatusAccepted, payload, newMetadata("none", false))
}

func (h *handler) enrichmentCancel(w http.ResponseWriter, r *http.Request) {
	var body struct {
		JobID  string `json:"jobId"`
		Reason string `json:"reason"`
	}
	if err := decodeBody(r, &body); err != nil {
		h.error(w, err)
		return
	}
	if err := validJobID(body.JobID); err != nil {
		h.error(w, err)
		return
	}

	entity, ok := h.jobs.Lookup(body.JobID)
	if !ok {
		h.error(w, apiErr(CodeNotFound, "unknown job"))
		return
	}
	if body.Reason == "" {
		body.Reason = "canceled by client"
	}
	entity.CancelJob(r.Context(), body.Reason)

	h.writeData(w, http.StatusOK, map[string]any{
		"jobId":  body.JobID,
		"status": string(JobCanceled),
	}, newMetadata("none", false))
}

func (h *handler) scanBookshelf(w http.ResponseWriter, r *http.Request) {
	jobID := r.URL.Query().Get("jobId")
	if err := validJobID(jobID); err != nil {
		h.error(w, err)
		return
	}

	image, err := io.ReadAll(io.LimitReader(r.Body, _maxImageBytes+1))
	if err != nil || len(image) == 0 {
		h.error(w, apiErr(CodeInvalidRequest, "image body is required"))
		return
	}

	payload, _ := h.startJob(jobID)
	go h.pipes.RunScan(contextWithoutCancel(r), jobID, image, r.Header.Get("Content-Type"))

	h.writeData(w, http.StatusAccepted, payload, newMetadata("none", false))
}

func (h *handler) scanBatch(w http.ResponseWriter, r *http.Request) {
	var body struct {
		JobID  string `json:"jobId"`
		Images []struct {
			Index int    `json:"index"`
			Data  string `json:"data"`
		} `json:"images"`
	}
	if err := decodeBody(r, &body); err != nil {
		h.error(w, err)
		return
	}
	if err := validJobID(body.JobID); err != nil {
		h.error(w, err)
		return
	}
	if len(body.Images) == 0 {
		h.error(w, apiErr(CodeInvalidRequest, "images is required"))
		return
	}

	images := make([][]byte, len(body.Images))
	for _, img := range body.Images {
		if img.Index < 0 || img.Index >= len(images) {
			h.error(w, apiErr(CodeInvalidPhotoIndex, fmt.Sprintf("photo index %d out of range", img.Index)))
			return
		}
		decoded, derr := base64.StdEncoding.DecodeString(img.Data)
		if derr != nil {
			h.error(w, apiErr(CodeInvalidRequest, "images[].data must be base64"))
			return
		}
		images[img.Index] = decoded
	}

	payload, _ := h.startJob(body.JobID)
	payload["totalPhotos"] = len(images)
	go h.pipes.RunBatchScan(contextWithoutCancel(r), body.JobID, images, "image/jpeg")

	h.writeData(w, http.StatusAccepted, payload, newMetadata("none", false))
}

func (h *handler) importCSV(w http.ResponseWriter, r *http.Request) {
	var body struct {
		JobID     string `json:"jobId"`
		CSVBase64 string `json:"csvBase64"`
	}
	if err := decodeBody(r, &body); err != nil {
		h.error(w, err)
		return
	}
	if err := validJobID(body.JobID); err != nil {
		h.error(w, err)
		return
	}

	csvText, err := base64.StdEncoding.DecodeString(body.CSVBase64)
	if err != nil || len(csvText) == 0 {
		h.error(w, apiErr(CodeInvalidRequest, "csvBase64 must be non-empty base64"))
		return
	}

	payload, _ := h.startJob(body.JobID)
	h.pipes.ScheduleCSVImport(body.JobID, string(csvText))

	h.writeData(w, http.StatusAccepted, payload, newMetadata("none", false))
}

func (h *handler) tokenRefresh(w http.ResponseWriter, r *http.Request) {
	var body struct {
		JobID string `json:"jobId"`
		Token string `json:"token"`
	}
	if err := decodeBody(r, &body); err != nil {
		h.error(w, err)
		return
	}
	if err := validJobID(body.JobID); err != nil {
		h.error(w, err)
		return
	}

	entity, ok := h.jobs.Lookup(body.JobID)
	if !ok {
		h.error(w, apiErr(CodeUnauthorized, "unknown job"))
		return
	}

	token, expiresIn, err := entity.RefreshAuthToken(body.Token)
	if err != nil {
		h.error(w, err)
		return
	}
	h.writeData(w, http.StatusOK, map[string]any{
		"token":     token,
		"expiresIn": int64(expiresIn.Seconds()),
	}, newMetadata("none", false))
}

// --- metrics ---------------------------------------------------------------

func (h *handler) metrics(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("format") == "prometheus" {
		promhttp.HandlerFor(h.reg, promhttp.HandlerOpts{}).ServeHTTP(w, r)
		return
	}
	h.writeData(w, http.StatusOK, h.sink.Snapshot(), newMetadata("none", false))
}

// --- helpers ---------------------------------------------------------------

func maxResults(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("maxResults"))
	if err != nil || n <= 0 {
		return 20
	}
	return min(n, 40)
}

// intParam reads a bounded query integer. Non-positive values count as
// absent, so an explicit 0 takes the default rather than zeroing a limit.
func intParam(r *http.Request, name string, def, limit int) int {
	n, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil || n <= 0 {
		return def
	}
	return min(n, limit)
}

func validJobID(jobID string) error {
	if _, err := uuid.Parse(jobID); err != nil {
		return apiErr(CodeInvalidRequest, "jobId must be a UUID")
	}
	return nil
}

func decodeBody(r *http.Request, out any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, 32<<20))
	if err != nil {
		return apiErr(CodeInvalidRequest, "unreadable request body")
	}
	if err := sonic.Unmarshal(body, out); err != nil {
		return apiErr(CodeInvalidRequest, "request body must be JSON")
	}
	return nil
}

// contextWithoutCancel detaches a driver from the request's lifetime
// while keeping its values (request id, logger).
func contextWithoutCancel(r *http.Request) context.Context {
	return context.WithoutCancel(r.Context())
}
