package internal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/bytedance/sonic"
)

// aiProvider is the AI surface the drivers call, abstracted for tests.
type aiProvider interface {
	ScanImage(ctx context.Context, image []byte, contentType string) (*ScanResult, error)
	ParseCSV(ctx context.Context, text string) ([]ParsedBook, error)
}

// enricher is the orchestrator surface the drivers call.
type enricher interface {
	Enrich(ctx context.Context, title, author, isbn string) (*Work, error)
}

// _inlineResultLimit is the largest result set embedded in a completion
// payload; anything bigger goes to the object store behind a resultsUrl.
const _inlineResultLimit = 50

// _readyTimeout is how long drivers wait for the client's ready frame
// before streaming to storage only.
const _readyTimeout = 5 * time.Second

// Pipelines runs the background ingestion flows. Drivers live outside the
// request path; a request only schedules them and returns 202.
type Pipelines struct {
	jobs    *JobManager
	enrich  enricher
	ai      aiProvider
	objects ObjectStore

	// resultsBaseURL prefixes uploaded result objects to form resultsUrl.
	resultsBaseURL string

	// readyTimeout bounds the wait for a client's ready frame. Shortened
	// in tests.
	readyTimeout time.Duration
}

// NewPipelines wires the drivers. objects may be nil, which forces all
// results inline.
func NewPipelines(jobs *JobManager, enrich enricher, ai aiProvider, objects ObjectStore, resultsBaseURL string) *Pipelines {
	return &Pipelines{
		jobs:           jobs,
		enrich:         enrich,
		ai:             ai,
		objects:        objects,
		resultsBaseURL: resultsBaseURL,
		readyTimeout:   _readyTimeout,
	}
}

// retryItem retries one unit of work up to 3 attempts with a fixed delay.
// Only timeouts and 5xx are worth retrying; rate limiting is not, since
// hammering a throttled provider just digs the hole deeper.
func retryItem(ctx context.Context, fn func(ctx context.Context) error) error {
	return retry.Do(
		func() error { return fn(ctx) },
		retry.Attempts(3),
		retry.Delay(500*time.Millisecond),
		retry.DelayType(retry.FixedDelay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			k := kindOf(err)
			return k == kindTimeout || k == kindUnavailable
		}),
	)
}

// jobFailure maps a driver error onto the job error payload.
func jobFailure(err error) JobError {
	var ae *apiError
	if errors.As(err, &ae) {
		return JobError{Code: ae.Code, Message: ae.Message}
	}
	k := kindOf(err)
	return JobError{
		Code:      CodeProviderError,
		Message:   err.Error(),
		Retryable: k == kindTimeout || k == kindUnavailable || k == kindRateLimited,
	}
}

// stashResults embeds small result sets inline under key, or uploads big
// ones and returns a resultsUrl entry instead.
func (p *Pipelines) stashResults(ctx context.Context, jobID, key string, results any, count int, payload map[string]any) {
	if p.objects == nil || count <= _inlineResultLimit {
		payload[key] = results
		return
	}

	blob, err := sonic.Marshal(results)
	if err != nil {
		payload[key] = results
		return
	}
	name := "results/" + jobID + ".json"
	if err := p.objects.Put(ctx, name, blob); err != nil {
		Log(ctx).Warn("problem uploading results", "jobID", jobID, "err", err)
		payload[key] = results
		return
	}
	payload["resultsUrl"] = p.resultsBaseURL + "/" + name
}

// failJob records a terminal failure, tolerating an already-terminal job.
func (p *Pipelines) failJob(ctx context.Context, entity *JobEntity, pipeline Pipeline, err error) {
	if serr := entity.SendError(ctx, pipeline, jobFailure(err)); serr != nil {
		Log(ctx).Debug("job already terminal", "pipeline", pipeline, "err", serr)
	}
}

func progressOf(done, total int) float64 {
	if total <= 0 {
		return 0
	}
	return float64(done) / float64(total)
}

func successRate(ok, total int) string {
	return fmt.Sprintf("%d/%d", ok, total)
}
