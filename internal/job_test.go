package internal

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePeer records pushed envelopes in place of a real WebSocket.
type fakePeer struct {
	mu          sync.Mutex
	sent        []wsEnvelope
	closeCode   int
	closeReason string
	closed      bool

	readyC chan struct{}
	doneC  chan struct{}
}

var _ jobPeer = (*fakePeer)(nil)

func newFakePeer() *fakePeer {
	return &fakePeer{readyC: make(chan struct{}), doneC: make(chan struct{})}
}

func (p *fakePeer) send(env wsEnvelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, env)
	return nil
}

func (p *fakePeer) close(code int, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		p.closeCode = code
		p.closeReason = reason
		close(p.doneC)
	}
}

func (p *fakePeer) ready() <-chan struct{} { return p.readyC }
func (p *fakePeer) done() <-chan struct{}  { return p.doneC }

func (p *fakePeer) envelopes() []wsEnvelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]wsEnvelope(nil), p.sent...)
}

func newTestEntity(store jobStore, at *time.Time) *JobEntity {
	return &JobEntity{
		state:        JobState{JobID: "8e3f6f0a-6f43-4a47-9f0e-2c1f6d9b0c01"},
		tokenTTL:     2 * time.Hour,
		store:        store,
		policy:       persistPolicy{every: 20, after: 30 * time.Second},
		cleanupAfter: time.Hour,
		now:          func() time.Time { return *at },
	}
}

func errCode(t *testing.T, err error) string {
	t.Helper()
	var ae *apiError
	require.ErrorAs(t, err, &ae)
	return ae.Code
}

func TestJobLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	at := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	j := newTestEntity(nil, &at)

	require.NoError(t, j.InitializeJobState(ctx, PipelineCSVImport, 10))
	state := j.GetState()
	assert.Equal(t, JobInitialized, state.Status)
	assert.Equal(t, int64(1), state.Version)
	assert.Equal(t, at.UnixMilli(), state.StartTime)
	assert.Equal(t, at.UnixMilli(), state.LastUpdateTime)

	// First progress report flips the job to processing.
	require.NoError(t, j.UpdateProgress(ctx, PipelineCSVImport, ProgressUpdate{Progress: 0.3, Status: "enriching", ProcessedCount: 3}))
	state = j.GetState()
	assert.Equal(t, JobProcessing, state.Status)
	assert.Equal(t, int64(2), state.Version)
	assert.Equal(t, 0.3, state.Progress)
	assert.Equal(t, 3, state.ProcessedCount)

	require.NoError(t, j.Complete(ctx, PipelineCSVImport, map[string]any{"booksCount": 3}))
	state = j.GetState()
	assert.Equal(t, JobCompleted, state.Status)
	assert.Equal(t, 1.0, state.Progress)
	assert.Equal(t, int64(3), state.Version)

	// Terminal states refuse further mutation.
	err := j.UpdateProgress(ctx, PipelineCSVImport, ProgressUpdate{Progress: 0.5, Status: "late"})
	assert.Equal(t, CodeTerminalState, errCode(t, err))
	var ae *apiError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, 409, ae.StatusCode)
}

func TestJobVersionStrictlyMonotone(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	at := time.Now()
	j := newTestEntity(nil, &at)
	require.NoError(t, j.InitializeJobState(ctx, PipelineCSVImport, 5))

	last := j.GetState().Version
	for i := 1; i <= 5; i++ {
		require.NoError(t, j.UpdateProgress(ctx, PipelineCSVImport, ProgressUpdate{Progress: float64(i) / 5, Status: "enriching"}))
		v := j.GetState().Version
		assert.Greater(t, v, last)
		last = v
	}
}

func TestJobInitializeIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	at := time.Now()
	j := newTestEntity(nil, &at)

	require.NoError(t, j.InitializeJobState(ctx, PipelineAIScan, 4))
	require.NoError(t, j.InitializeJobState(ctx, PipelineAIScan, 4), "identical re-init is a no-op")
	assert.Equal(t, int64(1), j.GetState().Version)

	err := j.InitializeJobState(ctx, PipelineAIScan, 5)
	assert.Equal(t, CodeConflictingInit, errCode(t, err))
	err = j.InitializeJobState(ctx, PipelineCSVImport, 4)
	assert.Equal(t, CodeConflictingInit, errCode(t, err))
}

func TestJobRejectsUnknownPipeline(t *testing.T) {
	t.Parallel()

	at := time.Now()
	j := newTestEntity(nil, &at)
	err := j.InitializeJobState(context.Background(), Pipeline("bulk_delete"), 1)
	assert.Equal(t, CodeInvalidRequest, errCode(t, err))
}

func TestJobUpdateValidation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	at := time.Now()
	j := newTestEntity(nil, &at)

	// Updates before initialization are refused.
	err := j.UpdateProgress(ctx, PipelineCSVImport, ProgressUpdate{Progress: 0.5, Status: "x"})
	assert.Equal(t, CodeInvalidRequest, errCode(t, err))

	require.NoError(t, j.InitializeJobState(ctx, PipelineCSVImport, 1))

	err = j.UpdateProgress(ctx, PipelineCSVImport, ProgressUpdate{Progress: 1.5, Status: "x"})
	assert.Equal(t, CodeInvalidRequest, errCode(t, err))
	err = j.UpdateProgress(ctx, PipelineCSVImport, ProgressUpdate{Progress: 0.5})
	assert.Equal(t, CodeInvalidRequest, errCode(t, err))

	// The wrong pipeline can't drive someone else's job.
	err = j.UpdateProgress(ctx, PipelineAIScan, ProgressUpdate{Progress: 0.5, Status: "x"})
	assert.Equal(t, CodeInvalidRequest, errCode(t, err))
}

func TestJobTokenRefreshWindow(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	j := newTestEntity(nil, &at)
	j.SetAuthToken("tok-1")

	// Too early: the token still has more than the refresh window left.
	_, _, err := j.RefreshAuthToken("tok-1")
	assert.Equal(t, CodeRefreshWindowNotOpen, errCode(t, err))

	// A stale token is refused outright.
	_, _, err = j.RefreshAuthToken("tok-0")
	assert.Equal(t, CodeUnauthorized, errCode(t, err))

	// Inside the last 30 minutes the rotation succeeds.
	at = at.Add(2*time.Hour - 10*time.Minute)
	token, expiresIn, err := j.RefreshAuthToken("tok-1")
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.NotEqual(t, "tok-1", token)
	assert.Equal(t, 2*time.Hour, expiresIn)

	// The old token died with the rotation.
	_, _, err = j.RefreshAuthToken("tok-1")
	assert.Equal(t, CodeUnauthorized, errCode(t, err))

	// Expired tokens can't be refreshed at all.
	at = at.Add(3 * time.Hour)
	_, _, err = j.RefreshAuthToken(token)
	assert.Equal(t, CodeUnauthorized, errCode(t, err))
}

func TestJobPersistenceThrottled(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	at := time.Now()
	store := newMemJobStore()
	j := newTestEntity(store, &at)

	require.NoError(t, j.InitializeJobState(ctx, PipelineCSVImport, 100))
	assert.Equal(t, 1, store.saves, "initialization persists immediately")

	// Nineteen updates coalesce; the twentieth flushes.
	for i := 1; i <= 19; i++ {
		require.NoError(t, j.UpdateProgress(ctx, PipelineCSVImport, ProgressUpdate{Progress: float64(i) / 100, Status: "enriching"}))
	}
	assert.Equal(t, 1, store.saves)
	require.NoError(t, j.UpdateProgress(ctx, PipelineCSVImport, ProgressUpdate{Progress: 0.2, Status: "enriching"}))
	assert.Equal(t, 2, store.saves)

	// Time alone also forces a flush.
	at = at.Add(31 * time.Second)
	require.NoError(t, j.UpdateProgress(ctx, PipelineCSVImport, ProgressUpdate{Progress: 0.21, Status: "enriching"}))
	assert.Equal(t, 3, store.saves)

	// Lifecycle edges bypass the throttle.
	require.NoError(t, j.Complete(ctx, PipelineCSVImport, nil))
	assert.Equal(t, 4, store.saves)
}

func TestJobEnvelopes(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	at := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	j := newTestEntity(nil, &at)
	peer := newFakePeer()
	j.AttachPeer(peer)

	require.NoError(t, j.InitializeJobState(ctx, PipelineCSVImport, 2))
	require.NoError(t, j.UpdateProgress(ctx, PipelineCSVImport, ProgressUpdate{
		Progress:       0.5,
		Status:         "enriching",
		ProcessedCount: 1,
		Extra:          map[string]any{"rowCount": 2},
	}))
	require.NoError(t, j.Complete(ctx, PipelineCSVImport, map[string]any{"booksCount": 2}))

	envs := peer.envelopes()
	require.Len(t, envs, 2)

	progress := envs[0]
	assert.Equal(t, "job_progress", progress.Type)
	assert.Equal(t, j.GetState().JobID, progress.JobID)
	assert.Equal(t, PipelineCSVImport, progress.Pipeline)
	assert.Equal(t, "1.0.0", progress.Version)
	assert.Equal(t, at.UnixMilli(), progress.Timestamp)
	assert.Equal(t, 0.5, progress.Payload["progress"])
	assert.Equal(t, "enriching", progress.Payload["status"])
	assert.Equal(t, 1, progress.Payload["processedCount"])
	assert.Equal(t, 2, progress.Payload["totalCount"])
	assert.Equal(t, 2, progress.Payload["rowCount"])

	complete := envs[1]
	assert.Equal(t, "job_complete", complete.Type)
	assert.Equal(t, 2, complete.Payload["booksCount"])

	// Completion closed the socket normally.
	assert.True(t, peer.closed)
	assert.Equal(t, websocketNormalClosure, peer.closeCode)
}

func TestJobErrorEnvelope(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	at := time.Now()
	j := newTestEntity(nil, &at)
	peer := newFakePeer()
	j.AttachPeer(peer)

	require.NoError(t, j.InitializeJobState(ctx, PipelineAIScan, 1))
	require.NoError(t, j.SendError(ctx, PipelineAIScan, JobError{
		Code:      CodeProviderError,
		Message:   "vision unavailable",
		Retryable: true,
	}))

	state := j.GetState()
	assert.Equal(t, JobFailed, state.Status)
	require.NotNil(t, state.Error)
	assert.True(t, state.Error.Retryable)

	envs := peer.envelopes()
	require.Len(t, envs, 1)
	assert.Equal(t, "error", envs[0].Type)
	assert.Equal(t, CodeProviderError, envs[0].Payload["code"])
	assert.Equal(t, true, envs[0].Payload["retryable"])
}

func TestJobCancelIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	at := time.Now()
	j := newTestEntity(nil, &at)
	require.NoError(t, j.InitializeJobState(ctx, PipelineCSVImport, 1))

	j.CancelJob(ctx, "user requested")
	state := j.GetState()
	assert.Equal(t, JobCanceled, state.Status)
	assert.True(t, j.IsCanceled())
	require.NotNil(t, state.Error)
	assert.Equal(t, CodeCanceled, state.Error.Code)
	version := state.Version

	// A second cancel changes nothing.
	j.CancelJob(ctx, "again")
	assert.Equal(t, version, j.GetState().Version)
	assert.Equal(t, "user requested", j.GetState().CancelReason)
}

func TestJobCancelAfterTerminalKeepsStatus(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	at := time.Now()
	j := newTestEntity(nil, &at)
	require.NoError(t, j.InitializeJobState(ctx, PipelineCSVImport, 1))
	require.NoError(t, j.Complete(ctx, PipelineCSVImport, nil))

	j.CancelJob(ctx, "too late")
	assert.Equal(t, JobCompleted, j.GetState().Status)
	assert.True(t, j.IsCanceled(), "the request is still recorded")
}

func TestJobBatchPhotos(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	at := time.Now()
	j := newTestEntity(nil, &at)
	require.NoError(t, j.InitializeJobState(ctx, PipelineAIScan, 3))
	require.NoError(t, j.InitBatch(ctx, 3))

	state := j.GetState()
	require.Len(t, state.Photos, 3)
	for i, p := range state.Photos {
		assert.Equal(t, i, p.Index)
		assert.Equal(t, "queued", p.Status)
	}

	require.NoError(t, j.UpdatePhoto(ctx, PhotoStatus{Index: 0, Status: "complete", BooksFound: 4}))
	require.NoError(t, j.UpdatePhoto(ctx, PhotoStatus{Index: 2, Status: "complete", BooksFound: 2}))
	require.NoError(t, j.UpdatePhoto(ctx, PhotoStatus{Index: 1, Status: "failed", Error: "timeout"}))
	assert.Equal(t, 6, j.GetState().TotalBooksFound)

	err := j.UpdatePhoto(ctx, PhotoStatus{Index: 3, Status: "complete"})
	assert.Equal(t, CodeInvalidPhotoIndex, errCode(t, err))
	err = j.UpdatePhoto(ctx, PhotoStatus{Index: -1, Status: "complete"})
	assert.Equal(t, CodeInvalidPhotoIndex, errCode(t, err))

	require.NoError(t, j.CompleteBatch(ctx, map[string]any{"approved": 5}))
	result := j.GetState().Result
	assert.Equal(t, 6, result["totalBooks"])
	assert.Equal(t, 5, result["approved"])
	assert.Len(t, result["photoResults"], 3)
}

func TestJobAttachPeerSupersedes(t *testing.T) {
	t.Parallel()

	at := time.Now()
	j := newTestEntity(nil, &at)

	first := newFakePeer()
	second := newFakePeer()
	j.AttachPeer(first)
	j.AttachPeer(second)

	assert.True(t, first.closed)
	assert.Equal(t, websocketSuperseded, first.closeCode)
	assert.False(t, second.closed)
}

func TestJobWaitForReady(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	at := time.Now()
	j := newTestEntity(nil, &at)

	// No peer ever attaches: give up at the timeout.
	assert.False(t, j.WaitForReady(ctx, 10*time.Millisecond))

	peer := newFakePeer()
	j.AttachPeer(peer)

	// Timeout without a ready frame.
	assert.False(t, j.WaitForReady(ctx, 10*time.Millisecond))

	close(peer.readyC)
	assert.True(t, j.WaitForReady(ctx, time.Second))
}

func TestJobWaitForReadyLateAttach(t *testing.T) {
	t.Parallel()

	at := time.Now()
	j := newTestEntity(nil, &at)

	// The wait starts before any client has connected; a peer that
	// attaches and signals ready within the timeout still counts.
	got := make(chan bool, 1)
	go func() {
		got <- j.WaitForReady(context.Background(), 2*time.Second)
	}()

	time.Sleep(50 * time.Millisecond)
	peer := newFakePeer()
	close(peer.readyC)
	j.AttachPeer(peer)

	select {
	case ok := <-got:
		assert.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("wait never observed the attached peer")
	}
}

func TestJobManagerAddressing(t *testing.T) {
	t.Parallel()

	m := NewJobManager(nil, nil, JobManagerOpts{})

	a := m.Job("11111111-1111-4111-8111-111111111111")
	b := m.Job("11111111-1111-4111-8111-111111111111")
	assert.Same(t, a, b, "the same id maps to the same entity")

	_, ok := m.Lookup("22222222-2222-4222-8222-222222222222")
	assert.False(t, ok)
	m.Job("22222222-2222-4222-8222-222222222222")
	_, ok = m.Lookup("22222222-2222-4222-8222-222222222222")
	assert.True(t, ok)

	m.forget("22222222-2222-4222-8222-222222222222")
	_, ok = m.Lookup("22222222-2222-4222-8222-222222222222")
	assert.False(t, ok)
}

func TestMemJobStoreRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newMemJobStore()
	require.NoError(t, store.save(ctx, JobState{JobID: "x", Status: JobProcessing}))
	require.NoError(t, store.delete(ctx, "x"))
	assert.NoError(t, store.delete(ctx, "x"), "deleting an absent row is fine")
}
