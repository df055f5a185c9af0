package internal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Pipeline identifies which ingestion flow owns a job.
type Pipeline string

// Pipelines.
const (
	PipelineAIScan          Pipeline = "ai_scan"
	PipelineCSVImport       Pipeline = "csv_import"
	PipelineBatchEnrichment Pipeline = "batch_enrichment"
)

// ValidPipeline reports whether p names a known pipeline.
func ValidPipeline(p Pipeline) bool {
	switch p {
	case PipelineAIScan, PipelineCSVImport, PipelineBatchEnrichment:
		return true
	}
	return false
}

// JobStatus is a job's position in its lifecycle.
type JobStatus string

// Job statuses. The last three are terminal.
const (
	JobInitialized JobStatus = "initialized"
	JobProcessing  JobStatus = "processing"
	JobCompleted   JobStatus = "completed"
	JobFailed      JobStatus = "failed"
	JobCanceled    JobStatus = "canceled"
)

func (s JobStatus) terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCanceled
}

// JobError is a failure recorded on a job.
type JobError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

// PhotoStatus tracks one photo of a batch scan.
type PhotoStatus struct {
	Index      int    `json:"index"`
	Status     string `json:"status"`
	BooksFound int    `json:"booksFound"`
	Error      string `json:"error,omitempty"`
}

// JobState is the authoritative state for one job. It is mutated only by
// its owning entity and serialized wholesale when persisted.
type JobState struct {
	JobID           string         `json:"jobId"`
	Pipeline        Pipeline       `json:"pipeline"`
	Status          JobStatus      `json:"status"`
	Progress        float64        `json:"progress"`
	Message         string         `json:"message,omitempty"`
	Version         int64          `json:"version"`
	TotalCount      int            `json:"totalCount"`
	ProcessedCount  int            `json:"processedCount"`
	TotalPhotos     int            `json:"totalPhotos,omitempty"`
	Photos          []PhotoStatus  `json:"photos,omitempty"`
	TotalBooksFound int            `json:"totalBooksFound,omitempty"`
	Canceled        bool           `json:"canceled,omitempty"`
	CancelReason    string         `json:"cancelReason,omitempty"`
	Result          map[string]any `json:"result,omitempty"`
	Error           *JobError      `json:"error,omitempty"`
	StartTime       int64          `json:"startTime"`      // Epoch milliseconds.
	LastUpdateTime  int64          `json:"lastUpdateTime"` // Epoch milliseconds.
}

// ProgressUpdate is the per-item payload drivers report. Extra fields ride
// along into the envelope untouched.
type ProgressUpdate struct {
	Progress       float64        `json:"progress"`
	Status         string         `json:"status"`
	ProcessedCount int            `json:"processedCount,omitempty"`
	Message        string         `json:"message,omitempty"`
	Extra          map[string]any `json:"-"`
}

// jobPeer is the job's WebSocket, abstracted so tests can observe pushes
// without a network.
type jobPeer interface {
	send(env wsEnvelope) error
	close(code int, reason string)
	ready() <-chan struct{}
	done() <-chan struct{}
}

// jobStore persists job state between process restarts. Implementations
// must tolerate deletes of absent rows.
type jobStore interface {
	save(ctx context.Context, state JobState) error
	delete(ctx context.Context, jobID string) error
}

// persistPolicy bounds storage writes: persist when either updates
// accumulate past N or T elapses since the last write.
type persistPolicy struct {
	every int
	after time.Duration
}

// JobEntity owns the state for one jobId. All operations are serialized
// under one mutex, matching the single-threaded-per-job guarantee drivers
// rely on.
type JobEntity struct {
	mu sync.Mutex

	state JobState

	token        string
	tokenExpires time.Time
	tokenTTL     time.Duration

	peer     jobPeer
	peerWait chan struct{} // Closed when a peer attaches; see WaitForReady.

	store               jobStore
	policy              persistPolicy
	updatesSincePersist int
	lastPersist         time.Time

	cleanupAfter time.Duration
	cleanup      *time.Timer
	onCleanup    func(jobID string)

	metrics *jobMetrics
	now     func() time.Time // Swapped in tests.
}

// InitializeJobState sets up the job. Calling it again with identical
// arguments is a no-op; different arguments fail so two drivers can't
// silently share an id.
func (j *JobEntity) InitializeJobState(ctx context.Context, pipeline Pipeline, totalCount int) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if !ValidPipeline(pipeline) {
		return apiErr(CodeInvalidRequest, fmt.Sprintf("unknown pipeline %q", pipeline))
	}

	if j.state.Version > 0 {
		if j.state.Pipeline == pipeline && j.state.TotalCount == totalCount {
			return nil
		}
		return apiErr(CodeConflictingInit, "job already initialized with different parameters")
	}

	now := j.now().UnixMilli()
	j.state.Pipeline = pipeline
	j.state.Status = JobInitialized
	j.state.Version = 1
	j.state.TotalCount = totalCount
	j.state.StartTime = now
	j.state.LastUpdateTime = now

	if j.metrics != nil {
		j.metrics.activeAdd(pipeline, 1)
		j.metrics.transitionInc(pipeline, JobInitialized)
	}
	j.persistLocked(ctx, true)
	return nil
}

// SetAuthToken replaces the job's token and restarts its TTL.
func (j *JobEntity) SetAuthToken(token string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.token = token
	j.tokenExpires = j.now().Add(j.tokenTTL)
}

// RefreshAuthToken rotates the token, but only inside the refresh window
// at the tail of the current token's life. The old token must still be
// current.
func (j *JobEntity) RefreshAuthToken(oldToken string) (token string, expiresIn time.Duration, err error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	now := j.now()
	if j.token == "" || oldToken != j.token || now.After(j.tokenExpires) {
		return "", 0, apiErr(CodeUnauthorized, "invalid token")
	}
	if j.tokenExpires.Sub(now) > _tokenRefreshWindow {
		return "", 0, apiErr(CodeRefreshWindowNotOpen, "token is not yet eligible for refresh")
	}

	j.token = uuid.NewString()
	j.tokenExpires = now.Add(j.tokenTTL)
	return j.token, j.tokenTTL, nil
}

// _tokenRefreshWindow is how close to expiry a token must be before it
// can be rotated.
const _tokenRefreshWindow = 30 * time.Minute

// UpdateProgress merges a driver's progress report, bumps the version,
// and pushes an envelope to the connected peer. Persistence is throttled;
// WebSocket failure never fails the call.
func (j *JobEntity) UpdateProgress(ctx context.Context, pipeline Pipeline, update ProgressUpdate) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.checkMutableLocked(pipeline); err != nil {
		return err
	}
	if update.Progress < 0 || update.Progress > 1 {
		return apiErr(CodeInvalidRequest, "progress must be between 0 and 1")
	}
	if update.Status == "" {
		return apiErr(CodeInvalidRequest, "status is required")
	}

	if j.state.Status == JobInitialized {
		j.state.Status = JobProcessing
		if j.metrics != nil {
			j.metrics.transitionInc(pipeline, JobProcessing)
		}
	}
	j.state.Progress = update.Progress
	j.state.Message = update.Message
	if update.ProcessedCount > 0 {
		j.state.ProcessedCount = update.ProcessedCount
	}
	j.state.Version++
	j.state.LastUpdateTime = j.now().UnixMilli()

	j.persistLocked(ctx, false)
	j.pushLocked(ctx, "job_progress", j.progressPayloadLocked(update))
	return nil
}

// Complete marks the job done, stores its result, and winds everything
// down.
func (j *JobEntity) Complete(ctx context.Context, pipeline Pipeline, result map[string]any) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.checkMutableLocked(pipeline); err != nil {
		return err
	}

	j.state.Status = JobCompleted
	j.state.Progress = 1.0
	j.state.Result = result
	j.state.Version++
	j.state.LastUpdateTime = j.now().UnixMilli()

	j.persistLocked(ctx, true)
	j.pushLocked(ctx, "job_complete", result)
	j.finishLocked(websocketNormalClosure, "Job completed")
	return nil
}

// SendError marks the job failed and winds everything down.
func (j *JobEntity) SendError(ctx context.Context, pipeline Pipeline, jobErr JobError) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.checkMutableLocked(pipeline); err != nil {
		return err
	}

	j.state.Status = JobFailed
	j.state.Error = &jobErr
	j.state.Version++
	j.state.LastUpdateTime = j.now().UnixMilli()

	j.persistLocked(ctx, true)
	j.pushLocked(ctx, "error", map[string]any{
		"code":      jobErr.Code,
		"message":   jobErr.Message,
		"retryable": jobErr.Retryable,
	})
	j.finishLocked(websocketNormalClosure, "Job failed")
	return nil
}

// CancelJob requests cancellation. Safe to call at any time, including
// after the job is already terminal.
func (j *JobEntity) CancelJob(ctx context.Context, reason string) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.state.Canceled {
		return
	}
	j.state.Canceled = true
	j.state.CancelReason = reason

	if j.state.Status.terminal() {
		return
	}

	j.state.Status = JobCanceled
	j.state.Error = &JobError{Code: CodeCanceled, Message: reason}
	j.state.Version++
	j.state.LastUpdateTime = j.now().UnixMilli()

	if j.metrics != nil {
		j.metrics.transitionInc(j.state.Pipeline, JobCanceled)
	}
	j.persistLocked(ctx, true)
	j.pushLocked(ctx, "error", map[string]any{"code": CodeCanceled, "message": reason})
	j.finishLocked(websocketNormalClosure, "Job canceled")
}

// IsCanceled reports whether cancellation was requested. Drivers poll
// this at each loop iteration.
func (j *JobEntity) IsCanceled() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state.Canceled
}

// InitBatch sizes the photos array for a batch scan.
func (j *JobEntity) InitBatch(ctx context.Context, totalPhotos int) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.checkMutableLocked(j.state.Pipeline); err != nil {
		return err
	}
	if totalPhotos <= 0 {
		return apiErr(CodeInvalidRequest, "totalPhotos must be positive")
	}

	j.state.TotalPhotos = totalPhotos
	j.state.Photos = make([]PhotoStatus, totalPhotos)
	for i := range j.state.Photos {
		j.state.Photos[i] = PhotoStatus{Index: i, Status: "queued"}
	}
	j.state.Version++
	j.state.LastUpdateTime = j.now().UnixMilli()
	j.persistLocked(ctx, false)
	return nil
}

// UpdatePhoto records one photo's outcome and recomputes the running
// book total from the photos array.
func (j *JobEntity) UpdatePhoto(ctx context.Context, photo PhotoStatus) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.checkMutableLocked(j.state.Pipeline); err != nil {
		return err
	}
	if photo.Index < 0 || photo.Index >= j.state.TotalPhotos {
		return apiErr(CodeInvalidPhotoIndex, fmt.Sprintf("photo index %d out of range", photo.Index))
	}

	if j.state.Status == JobInitialized {
		j.state.Status = JobProcessing
		if j.metrics != nil {
			j.metrics.transitionInc(j.state.Pipeline, JobProcessing)
		}
	}
	j.state.Photos[photo.Index] = photo

	total := 0
	for _, p := range j.state.Photos {
		total += p.BooksFound
	}
	j.state.TotalBooksFound = total
	j.state.Version++
	j.state.LastUpdateTime = j.now().UnixMilli()

	j.persistLocked(ctx, false)
	j.pushLocked(ctx, "job_progress", map[string]any{
		"photos":          j.state.Photos,
		"totalBooksFound": j.state.TotalBooksFound,
	})
	return nil
}

// CompleteBatch finishes a batch scan, folding the per-photo results into
// the completion payload.
func (j *JobEntity) CompleteBatch(ctx context.Context, result map[string]any) error {
	j.mu.Lock()
	total := j.state.TotalBooksFound
	photos := j.state.Photos
	j.mu.Unlock()

	if result == nil {
		result = map[string]any{}
	}
	result["totalBooks"] = total
	result["photoResults"] = photos
	return j.Complete(ctx, PipelineAIScan, result)
}

// GetState returns a copy of the current state.
func (j *JobEntity) GetState() JobState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// GetStateAndAuth returns the state plus the auth token and its expiry,
// for the WebSocket upgrade path.
func (j *JobEntity) GetStateAndAuth() (JobState, string, time.Time) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state, j.token, j.tokenExpires
}

// AttachPeer installs the job's WebSocket, superseding any prior one.
func (j *JobEntity) AttachPeer(p jobPeer) {
	j.mu.Lock()
	old := j.peer
	j.peer = p
	if j.peerWait != nil {
		close(j.peerWait)
		j.peerWait = nil
	}
	j.mu.Unlock()

	if old != nil {
		old.close(websocketSuperseded, "superseded")
	}
}

// WaitForReady blocks until a connected peer sends its ready frame, the
// peer disconnects, or the timeout lapses. The wait also covers the gap
// before any client attaches at all, so a driver scheduled at 202 time
// gives the client a chance to connect before streaming. Drivers proceed
// either way; without a ready peer updates flow to storage only.
func (j *JobEntity) WaitForReady(ctx context.Context, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		j.mu.Lock()
		p := j.peer
		var attached chan struct{}
		if p == nil {
			if j.peerWait == nil {
				j.peerWait = make(chan struct{})
			}
			attached = j.peerWait
		}
		j.mu.Unlock()

		if p == nil {
			select {
			case <-attached:
				continue
			case <-deadline.C:
				return false
			case <-ctx.Done():
				return false
			}
		}

		select {
		case <-p.ready():
			return true
		case <-p.done():
			return false
		case <-deadline.C:
			return false
		case <-ctx.Done():
			return false
		}
	}
}

func (j *JobEntity) checkMutableLocked(pipeline Pipeline) error {
	if j.state.Version == 0 {
		return apiErr(CodeInvalidRequest, "job not initialized")
	}
	if j.state.Status.terminal() {
		return apiErr(CodeTerminalState, fmt.Sprintf("job is %s", j.state.Status))
	}
	if pipeline != j.state.Pipeline {
		return apiErr(CodeInvalidRequest, fmt.Sprintf("pipeline %q does not own this job", pipeline))
	}
	return nil
}

// persistLocked writes state through the throttle. force bypasses it for
// lifecycle edges that must not be lost.
func (j *JobEntity) persistLocked(ctx context.Context, force bool) {
	if j.store == nil {
		return
	}

	j.updatesSincePersist++
	now := j.now()
	due := j.updatesSincePersist >= j.policy.every || now.Sub(j.lastPersist) >= j.policy.after
	if !force && !due {
		return
	}

	if err := j.store.save(ctx, j.state); err != nil {
		Log(ctx).Warn("problem persisting job state", "jobID", j.state.JobID, "err", err)
		return
	}
	j.updatesSincePersist = 0
	j.lastPersist = now
}

func (j *JobEntity) progressPayloadLocked(update ProgressUpdate) map[string]any {
	payload := map[string]any{
		"progress": j.state.Progress,
		"status":   update.Status,
	}
	if j.state.Message != "" {
		payload["message"] = j.state.Message
	}
	if j.state.ProcessedCount > 0 {
		payload["processedCount"] = j.state.ProcessedCount
		payload["totalCount"] = j.state.TotalCount
	}
	for k, v := range update.Extra {
		payload[k] = v
	}
	return payload
}

// pushLocked sends an envelope to the peer if one is connected. Failures
// are logged and swallowed; the socket is best effort.
func (j *JobEntity) pushLocked(ctx context.Context, typ string, payload map[string]any) {
	if j.peer == nil {
		return
	}
	env := wsEnvelope{
		Type:      typ,
		JobID:     j.state.JobID,
		Pipeline:  j.state.Pipeline,
		Timestamp: j.now().UnixMilli(),
		Version:   _envelopeVersion,
		Payload:   payload,
	}
	if err := j.peer.send(env); err != nil {
		Log(ctx).Debug("problem pushing envelope", "jobID", j.state.JobID, "type", typ, "err", err)
	}
}

// finishLocked runs the terminal-state epilogue: count the transition,
// close the socket, and arm the cleanup alarm.
func (j *JobEntity) finishLocked(closeCode int, reason string) {
	if j.metrics != nil {
		j.metrics.transitionInc(j.state.Pipeline, j.state.Status)
		j.metrics.activeAdd(j.state.Pipeline, -1)
	}
	if j.peer != nil {
		j.peer.close(closeCode, reason)
		j.peer = nil
	}
	if j.cleanup == nil {
		jobID := j.state.JobID
		j.cleanup = time.AfterFunc(j.cleanupAfter, func() {
			ctx := context.Background()
			if j.store != nil {
				if err := j.store.delete(ctx, jobID); err != nil {
					Log(ctx).Warn("problem cleaning up job", "jobID", jobID, "err", err)
				}
			}
			if j.onCleanup != nil {
				j.onCleanup(jobID)
			}
		})
	}
}

// JobManager addresses entities deterministically by jobId.
type JobManager struct {
	mu   sync.Mutex
	jobs map[string]*JobEntity

	store        jobStore
	policy       persistPolicy
	tokenTTL     time.Duration
	cleanupAfter time.Duration
	metrics      *jobMetrics
}

// JobManagerOpts tunes persistence and lifecycle; zero values take the
// production defaults.
type JobManagerOpts struct {
	PersistEvery int
	PersistAfter time.Duration
	TokenTTL     time.Duration
	CleanupAfter time.Duration
}

func (o JobManagerOpts) withDefaults() JobManagerOpts {
	if o.PersistEvery == 0 {
		o.PersistEvery = 20
	}
	if o.PersistAfter == 0 {
		o.PersistAfter = 30 * time.Second
	}
	if o.TokenTTL == 0 {
		o.TokenTTL = 2 * time.Hour
	}
	if o.CleanupAfter == 0 {
		o.CleanupAfter = 24 * time.Hour
	}
	return o
}

// NewJobManager builds a manager. store may be nil for memory-only runs;
// metrics may be nil in tests.
func NewJobManager(store jobStore, metrics *jobMetrics, opts JobManagerOpts) *JobManager {
	opts = opts.withDefaults()
	return &JobManager{
		jobs:         map[string]*JobEntity{},
		store:        store,
		policy:       persistPolicy{every: opts.PersistEvery, after: opts.PersistAfter},
		tokenTTL:     opts.TokenTTL,
		cleanupAfter: opts.CleanupAfter,
		metrics:      metrics,
	}
}

// Job returns the entity for jobID, creating it on first use. The same
// id always maps to the same entity for the entity's lifetime.
func (m *JobManager) Job(jobID string) *JobEntity {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID]
	if !ok {
		j = &JobEntity{
			state:        JobState{JobID: jobID},
			tokenTTL:     m.tokenTTL,
			store:        m.store,
			policy:       m.policy,
			cleanupAfter: m.cleanupAfter,
			metrics:      m.metrics,
			onCleanup:    m.forget,
			now:          time.Now,
		}
		m.jobs[jobID] = j
	}
	return j
}

// Lookup returns the entity only if it already exists.
func (m *JobManager) Lookup(jobID string) (*JobEntity, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	return j, ok
}

func (m *JobManager) forget(jobID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs, jobID)
}
