package internal

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestServer stands up the full mux over fake providers. The limiter
// is built directly so no janitor goroutine outlives the test.
func newTestServer(t *testing.T, google *fakeGoogle, limit int) (*httptest.Server, *handler) {
	t.Helper()
	if google == nil {
		google = &fakeGoogle{}
	}

	orch := newTestOrchestrator(google, &fakeOpenLib{}, &fakeISBNdb{}, 0)
	jobs := NewJobManager(newMemJobStore(), nil, JobManagerOpts{})
	ai := &fakeAI{
		scan: func([]byte) (*ScanResult, error) {
			return &ScanResult{Books: []DetectedBook{{Title: "Dune"}}, Model: "test-model"}, nil
		},
		csv: func(string) ([]ParsedBook, error) {
			return []ParsedBook{{Title: "Dune", Author: "Frank Herbert"}}, nil
		},
	}
	pipes := NewPipelines(jobs, &fakeEnricher{}, ai, nil, "")
	pipes.readyTimeout = 50 * time.Millisecond

	limiter := &RateLimiter{
		limit:   limit,
		window:  time.Minute,
		clients: map[string]*rateWindow{},
		now:     time.Now,
	}

	sink := NewAnalyticsSink(nil, nil)
	t.Cleanup(sink.Close)

	h := newHandler(orch, jobs, pipes, limiter, sink, prometheus.NewRegistry())
	srv := httptest.NewServer(newMux(h))
	t.Cleanup(srv.Close)
	return srv, h
}

// httpEnvelope is the wire envelope every endpoint responds with: data
// plus metadata on success, a single error object otherwise.
type httpEnvelope struct {
	Data     json.RawMessage `json:"data"`
	Metadata *Metadata       `json:"metadata"`
	Error    *apiError       `json:"error"`
}

func doJSON(t *testing.T, method, url string, body any) (*http.Response, httpEnvelope) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		if raw, ok := body.(string); ok {
			reader = bytes.NewReader([]byte(raw))
		} else {
			blob, err := sonic.Marshal(body)
			require.NoError(t, err)
			reader = bytes.NewReader(blob)
		}
	}

	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	blob, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var env httpEnvelope
	require.NoError(t, sonic.Unmarshal(blob, &env), "body: %s", blob)
	return resp, env
}

func TestHealthEndpoint(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, nil, 30)

	resp, env := doJSON(t, http.MethodGet, srv.URL+"/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.Nil(t, env.Error)

	var data struct {
		Status    string   `json:"status"`
		Endpoints []string `json:"endpoints"`
	}
	require.NoError(t, sonic.Unmarshal(env.Data, &data))
	assert.Equal(t, "ok", data.Status)
	assert.Contains(t, data.Endpoints, "/v1/search/title")
	assert.Contains(t, data.Endpoints, "/ws/progress")
}

func TestSearchTitleEndpoint(t *testing.T) {
	t.Parallel()

	google := &fakeGoogle{byTitle: func(string, int) (*gbVolumesResponse, error) {
		return &gbVolumesResponse{
			TotalItems: 1,
			Items:      []gbVolume{gbItem("gb1", "Dune", "9780441013593", 1965)},
		}, nil
	}}
	srv, _ := newTestServer(t, google, 30)

	resp, env := doJSON(t, http.MethodGet, srv.URL+"/v1/search/title?q=Dune", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Nil(t, env.Error)

	assert.Equal(t, "MISS", resp.Header.Get("X-Cache-Status"))
	assert.Regexp(t, `^\d+ms$`, resp.Header.Get("X-Response-Time"))
	assert.Equal(t, "30", resp.Header.Get("X-RateLimit-Limit"))
	assert.Equal(t, "29", resp.Header.Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, resp.Header.Get("X-RateLimit-Reset"))

	var sr SearchResponse
	require.NoError(t, sonic.Unmarshal(env.Data, &sr))
	require.Len(t, sr.Results, 1)
	assert.Equal(t, "Dune", sr.Results[0].Title)
	require.NotNil(t, env.Metadata)
	assert.Equal(t, "google_books", env.Metadata.Source)
	assert.False(t, env.Metadata.Cached)

	// Outlive the request coalescer's window so the second request
	// reaches the orchestrator and hits the edge tier.
	time.Sleep(1100 * time.Millisecond)

	resp, env = doJSON(t, http.MethodGet, srv.URL+"/v1/search/title?q=Dune", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "HIT", resp.Header.Get("X-Cache-Status"))
	require.NotNil(t, env.Metadata)
	assert.True(t, env.Metadata.Cached)
	assert.Equal(t, "google_books", env.Metadata.Source)
	assert.EqualValues(t, 1, google.calls.Load())
}

func TestSearchTitleRequiresQuery(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, nil, 30)

	resp, env := doJSON(t, http.MethodGet, srv.URL+"/v1/search/title", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.NotNil(t, env.Error)
	assert.Equal(t, CodeInvalidRequest, env.Error.Code)
	assert.Equal(t, "q is required", env.Error.Message)
	assert.Equal(t, http.StatusBadRequest, env.Error.StatusCode)
}

func TestSearchISBNRejectsMalformed(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, nil, 30)

	for _, isbn := range []string{"", "12345", "978030640615", "0306406153"} {
		resp, env := doJSON(t, http.MethodGet, srv.URL+"/v1/search/isbn?isbn="+isbn, nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		require.NotNil(t, env.Error)
		assert.Equal(t, CodeInvalidISBN, env.Error.Code)
		assert.Equal(t, "ISBN must be 10 or 13 digits", env.Error.Message)
	}
}

func TestSearchISBNEndpoint(t *testing.T) {
	t.Parallel()

	google := &fakeGoogle{byISBN: func(isbn string) (*gbVolumesResponse, error) {
		return &gbVolumesResponse{
			TotalItems: 1,
			Items:      []gbVolume{gbItem("gb1", "Dune", isbn, 1965)},
		}, nil
	}}
	srv, _ := newTestServer(t, google, 30)

	// Hyphens are fine; the lookup canonicalizes before dispatch.
	resp, env := doJSON(t, http.MethodGet, srv.URL+"/v1/search/isbn?isbn=978-0-306-40615-7", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Nil(t, env.Error)

	var book BookResult
	require.NoError(t, sonic.Unmarshal(env.Data, &book))
	assert.Equal(t, "9780306406157", book.ISBN)
	assert.Equal(t, "Dune", book.Title)
	assert.Equal(t, "google_books", env.Metadata.Source)
}

func TestSearchAuthorZeroLimitTakesDefault(t *testing.T) {
	t.Parallel()

	var gotLimit atomic.Int64
	google := &fakeGoogle{byAuthor: func(_ string, limit, _ int) (*gbVolumesResponse, error) {
		gotLimit.Store(int64(limit))
		return &gbVolumesResponse{
			TotalItems: 1,
			Items:      []gbVolume{gbItem("gb1", "Dune", "9780441013593", 1965)},
		}, nil
	}}
	srv, _ := newTestServer(t, google, 30)

	// An explicit limit=0 would otherwise zero out the page.
	resp, env := doJSON(t, http.MethodGet, srv.URL+"/v1/search/author?q=Herbert&limit=0", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Nil(t, env.Error)

	var bib Bibliography
	require.NoError(t, sonic.Unmarshal(env.Data, &bib))
	assert.Equal(t, 20, bib.Limit)
	assert.EqualValues(t, 20, gotLimit.Load())
	require.Len(t, bib.Works, 1)
}

func TestRateLimitHeaders(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, nil, 3)

	// Distinct paths so the request coalescer never replays a response
	// captured with an earlier window's headers.
	paths := []string{
		"/v1/search/title?q=dune",
		"/v1/search/author?q=herbert",
		"/v1/search/isbn?isbn=9780306406157",
	}
	for i, path := range paths {
		resp, _ := doJSON(t, http.MethodGet, srv.URL+path, nil)
		assert.Equal(t, "3", resp.Header.Get("X-RateLimit-Limit"))
		assert.Equal(t, strconv.Itoa(2-i), resp.Header.Get("X-RateLimit-Remaining"))
	}

	resp, env := doJSON(t, http.MethodGet, srv.URL+"/v1/search/advanced?q=denied", nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	require.NotNil(t, env.Error)
	assert.Equal(t, CodeRateLimitExceeded, env.Error.Code)

	retryAfter, err := strconv.Atoi(resp.Header.Get("Retry-After"))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, retryAfter, 1)
	assert.LessOrEqual(t, retryAfter, 60)
	assert.Equal(t, "0", resp.Header.Get("X-RateLimit-Remaining"))
}

func TestAdvancedSearchValidation(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, nil, 30)

	resp, env := doJSON(t, http.MethodPost, srv.URL+"/v1/search/advanced", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.NotNil(t, env.Error)
	assert.Equal(t, "at least one search field is required", env.Error.Message)

	resp, env = doJSON(t, http.MethodPost, srv.URL+"/v1/search/advanced", "not json")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.NotNil(t, env.Error)
	assert.Equal(t, "request body must be JSON", env.Error.Message)

	resp, env = doJSON(t, http.MethodGet, srv.URL+"/v1/search/advanced", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.NotNil(t, env.Error)
	assert.Equal(t, CodeInvalidRequest, env.Error.Code)
}

func TestAdvancedSearchPost(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var gotQuery string
	google := &fakeGoogle{raw: func(query string, _ int) (*gbVolumesResponse, error) {
		mu.Lock()
		gotQuery = query
		mu.Unlock()
		return &gbVolumesResponse{
			TotalItems: 1,
			Items:      []gbVolume{gbItem("gb1", "Dune", "9780441013593", 1965)},
		}, nil
	}}
	srv, _ := newTestServer(t, google, 30)

	resp, env := doJSON(t, http.MethodPost, srv.URL+"/v1/search/advanced", AdvancedQuery{
		Title:  "Dune",
		Author: "Herbert",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Nil(t, env.Error)

	var sr SearchResponse
	require.NoError(t, sonic.Unmarshal(env.Data, &sr))
	require.Len(t, sr.Results, 1)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, `intitle:"Dune" inauthor:"Herbert"`, gotQuery)
}

func TestEnrichmentStartEndpoint(t *testing.T) {
	t.Parallel()
	srv, h := newTestServer(t, nil, 30)

	const jobID = "0f2b7c1e-6a3d-4e9f-b8a1-5c4d3e2f1a09"
	resp, env := doJSON(t, http.MethodPost, srv.URL+"/api/enrichment/start", map[string]any{
		"jobId": jobID,
		"isbns": []string{"9780306406157", "9783161484100"},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Nil(t, env.Error)

	var data struct {
		JobID      string `json:"jobId"`
		Status     string `json:"status"`
		Token      string `json:"token"`
		TotalCount int    `json:"totalCount"`
	}
	require.NoError(t, sonic.Unmarshal(env.Data, &data))
	assert.Equal(t, jobID, data.JobID)
	assert.Equal(t, "started", data.Status)
	assert.NotEmpty(t, data.Token)
	assert.Equal(t, 2, data.TotalCount)

	entity, ok := h.jobs.Lookup(jobID)
	require.True(t, ok)
	// The driver briefly waits for a WebSocket peer that never comes.
	assert.Eventually(t, func() bool {
		return entity.GetState().Status == JobCompleted
	}, 10*time.Second, 25*time.Millisecond)
}

func TestEnrichmentStartValidation(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, nil, 30)

	resp, env := doJSON(t, http.MethodPost, srv.URL+"/api/enrichment/start", map[string]any{
		"jobId": "not-a-uuid",
		"isbns": []string{"9780306406157"},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.NotNil(t, env.Error)
	assert.Equal(t, "jobId must be a UUID", env.Error.Message)

	resp, env = doJSON(t, http.MethodPost, srv.URL+"/api/enrichment/start", map[string]any{
		"jobId": "0f2b7c1e-6a3d-4e9f-b8a1-5c4d3e2f1a09",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.NotNil(t, env.Error)
	assert.Equal(t, "isbns or workIds is required", env.Error.Message)
}

func TestEnrichmentCancelEndpoint(t *testing.T) {
	t.Parallel()
	srv, h := newTestServer(t, nil, 30)

	resp, env := doJSON(t, http.MethodPost, srv.URL+"/api/enrichment/cancel", map[string]any{
		"jobId": "11111111-2222-4333-8444-555555555555",
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.NotNil(t, env.Error)
	assert.Equal(t, CodeNotFound, env.Error.Code)
	assert.Equal(t, "unknown job", env.Error.Message)

	const jobID = "aaaaaaaa-bbbb-4ccc-8ddd-eeeeeeeeeeee"
	entity := h.jobs.Job(jobID)
	require.NoError(t, entity.InitializeJobState(context.Background(), PipelineBatchEnrichment, 3))

	resp, env = doJSON(t, http.MethodPost, srv.URL+"/api/enrichment/cancel", map[string]any{
		"jobId":  jobID,
		"reason": "user closed the tab",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Nil(t, env.Error)

	var data struct {
		JobID  string `json:"jobId"`
		Status string `json:"status"`
	}
	require.NoError(t, sonic.Unmarshal(env.Data, &data))
	assert.Equal(t, string(JobCanceled), data.Status)

	state := entity.GetState()
	assert.Equal(t, JobCanceled, state.Status)
	assert.Equal(t, "user closed the tab", state.CancelReason)
}

func TestScanBookshelfEndpoint(t *testing.T) {
	t.Parallel()
	srv, h := newTestServer(t, nil, 30)

	const jobID = "5a6b7c8d-9e0f-4a1b-8c2d-3e4f5a6b7c8d"
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/scan-bookshelf?jobId="+jobID, bytes.NewReader([]byte("fake image bytes")))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "image/jpeg")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	blob, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()

	require.Equal(t, http.StatusAccepted, resp.StatusCode, "body: %s", blob)
	var env httpEnvelope
	require.NoError(t, sonic.Unmarshal(blob, &env))

	var data struct {
		JobID  string `json:"jobId"`
		Status string `json:"status"`
		Token  string `json:"token"`
	}
	require.NoError(t, sonic.Unmarshal(env.Data, &data))
	assert.Equal(t, "started", data.Status)
	assert.NotEmpty(t, data.Token)

	entity, ok := h.jobs.Lookup(jobID)
	require.True(t, ok)
	// The driver briefly waits for a WebSocket peer that never comes.
	assert.Eventually(t, func() bool {
		return entity.GetState().Status == JobCompleted
	}, 10*time.Second, 25*time.Millisecond)
	assert.NotNil(t, entity.GetState().Result)
}

func TestScanBookshelfRequiresImage(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, nil, 30)

	resp, env := doJSON(t, http.MethodPost, srv.URL+"/api/scan-bookshelf?jobId=5a6b7c8d-9e0f-4a1b-8c2d-3e4f5a6b7c8d", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.NotNil(t, env.Error)
	assert.Equal(t, "image body is required", env.Error.Message)

	resp, env = doJSON(t, http.MethodPost, srv.URL+"/api/scan-bookshelf?jobId=nope", "data")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.NotNil(t, env.Error)
	assert.Equal(t, "jobId must be a UUID", env.Error.Message)
}

func TestScanBatchEndpoint(t *testing.T) {
	t.Parallel()
	srv, h := newTestServer(t, nil, 30)

	const jobID = "6b7c8d9e-0f1a-4b2c-8d3e-4f5a6b7c8d9e"
	img := base64.StdEncoding.EncodeToString([]byte("fake image bytes"))
	resp, env := doJSON(t, http.MethodPost, srv.URL+"/api/scan-bookshelf/batch", map[string]any{
		"jobId": jobID,
		"images": []map[string]any{
			{"index": 1, "data": img},
			{"index": 0, "data": img},
		},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Nil(t, env.Error)

	var data struct {
		Status      string `json:"status"`
		TotalPhotos int    `json:"totalPhotos"`
	}
	require.NoError(t, sonic.Unmarshal(env.Data, &data))
	assert.Equal(t, "started", data.Status)
	assert.Equal(t, 2, data.TotalPhotos)

	entity, ok := h.jobs.Lookup(jobID)
	require.True(t, ok)
	assert.Eventually(t, func() bool {
		return entity.GetState().Status == JobCompleted
	}, 10*time.Second, 25*time.Millisecond)

	state := entity.GetState()
	assert.Equal(t, 2, state.TotalBooksFound)
	require.Len(t, state.Photos, 2)
	assert.Equal(t, "complete", state.Photos[0].Status)
	assert.Equal(t, "complete", state.Photos[1].Status)
}

func TestScanBatchValidation(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, nil, 30)

	const jobID = "7c8d9e0f-1a2b-4c3d-8e4f-5a6b7c8d9e0f"

	resp, env := doJSON(t, http.MethodPost, srv.URL+"/api/scan-bookshelf/batch", map[string]any{
		"jobId": jobID,
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.NotNil(t, env.Error)
	assert.Equal(t, "images is required", env.Error.Message)

	resp, env = doJSON(t, http.MethodPost, srv.URL+"/api/scan-bookshelf/batch", map[string]any{
		"jobId":  jobID,
		"images": []map[string]any{{"index": 5, "data": "aW1n"}},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.NotNil(t, env.Error)
	assert.Equal(t, CodeInvalidPhotoIndex, env.Error.Code)

	resp, env = doJSON(t, http.MethodPost, srv.URL+"/api/scan-bookshelf/batch", map[string]any{
		"jobId":  jobID,
		"images": []map[string]any{{"index": 0, "data": "!!not base64!!"}},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.NotNil(t, env.Error)
	assert.Equal(t, "images[].data must be base64", env.Error.Message)
}

func TestImportCSVEndpoint(t *testing.T) {
	t.Parallel()
	srv, h := newTestServer(t, nil, 30)

	const jobID = "8d9e0f1a-2b3c-4d4e-8f5a-6b7c8d9e0f1a"
	csv := base64.StdEncoding.EncodeToString([]byte("Title,Author\nDune,Frank Herbert\n"))
	resp, env := doJSON(t, http.MethodPost, srv.URL+"/api/import/csv", map[string]any{
		"jobId":     jobID,
		"csvBase64": csv,
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Nil(t, env.Error)

	// The import is scheduled behind a short grace delay before it runs.
	entity, ok := h.jobs.Lookup(jobID)
	require.True(t, ok)
	assert.Eventually(t, func() bool {
		return entity.GetState().Status == JobCompleted
	}, 15*time.Second, 50*time.Millisecond)
}

func TestImportCSVValidation(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, nil, 30)

	resp, env := doJSON(t, http.MethodPost, srv.URL+"/api/import/csv", map[string]any{
		"jobId":     "8d9e0f1a-2b3c-4d4e-8f5a-6b7c8d9e0f1a",
		"csvBase64": "!!!",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.NotNil(t, env.Error)
	assert.Equal(t, "csvBase64 must be non-empty base64", env.Error.Message)

	resp, env = doJSON(t, http.MethodPost, srv.URL+"/api/import/csv", map[string]any{
		"jobId":     "8d9e0f1a-2b3c-4d4e-8f5a-6b7c8d9e0f1a",
		"csvBase64": "",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.NotNil(t, env.Error)
}

func TestTokenRefreshEndpoint(t *testing.T) {
	t.Parallel()
	srv, h := newTestServer(t, nil, 30)

	resp, env := doJSON(t, http.MethodPost, srv.URL+"/api/token/refresh", map[string]any{
		"jobId": "9e0f1a2b-3c4d-4e5f-8a6b-7c8d9e0f1a2b",
		"token": "whatever",
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.NotNil(t, env.Error)
	assert.Equal(t, CodeUnauthorized, env.Error.Code)
	assert.Equal(t, "unknown job", env.Error.Message)

	const jobID = "0f1a2b3c-4d5e-4f6a-8b7c-8d9e0f1a2b3c"
	entity := h.jobs.Job(jobID)
	entity.SetAuthToken("current-token")

	resp, env = doJSON(t, http.MethodPost, srv.URL+"/api/token/refresh", map[string]any{
		"jobId": jobID,
		"token": "stale-token",
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.NotNil(t, env.Error)
	assert.Equal(t, CodeUnauthorized, env.Error.Code)

	// The token was just minted, so it is nowhere near the refresh window.
	resp, env = doJSON(t, http.MethodPost, srv.URL+"/api/token/refresh", map[string]any{
		"jobId": jobID,
		"token": "current-token",
	})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	require.NotNil(t, env.Error)
	assert.Equal(t, CodeRefreshWindowNotOpen, env.Error.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, nil, 30)

	resp, env := doJSON(t, http.MethodGet, srv.URL+"/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Nil(t, env.Error)

	var report AnalyticsReport
	require.NoError(t, sonic.Unmarshal(env.Data, &report))
	assert.NotNil(t, report.Endpoints)

	promResp, err := http.Get(srv.URL + "/metrics?format=prometheus")
	require.NoError(t, err)
	defer promResp.Body.Close()
	assert.Equal(t, http.StatusOK, promResp.StatusCode)
	assert.Contains(t, promResp.Header.Get("Content-Type"), "text/plain")
}
