package internal

import "context"

// EnrichTarget is one book reference submitted to batch enrichment.
type EnrichTarget struct {
	ISBN   string `json:"isbn,omitempty"`
	Title  string `json:"title,omitempty"`
	Author string `json:"author,omitempty"`
}

// enrichFailure records one target that could not be enriched.
type enrichFailure struct {
	Target EnrichTarget `json:"target"`
	Error  string       `json:"error"`
}

// RunBatchEnrichment drives a batch_enrichment job, tolerating individual
// failures and aggregating them into the completion payload.
func (p *Pipelines) RunBatchEnrichment(ctx context.Context, jobID string, targets []EnrichTarget) {
	ctx = WithRateSkips(ctx)
	entity := p.jobs.Job(jobID)
	if err := entity.InitializeJobState(ctx, PipelineBatchEnrichment, len(targets)); err != nil {
		Log(ctx).Warn("problem initializing enrichment job", "jobID", jobID, "err", err)
		return
	}

	entity.WaitForReady(ctx, p.readyTimeout)

	results := make([]Work, 0, len(targets))
	var failed []enrichFailure
	for i, target := range targets {
		if entity.IsCanceled() {
			return
		}

		var work *Work
		err := retryItem(ctx, func(ctx context.Context) error {
			var eerr error
			work, eerr = p.enrich.Enrich(ctx, target.Title, target.Author, target.ISBN)
			return eerr
		})
		if err == nil {
			results = append(results, *work)
		} else {
			failed = append(failed, enrichFailure{Target: target, Error: kindOf(err).String()})
		}

		_ = entity.UpdateProgress(ctx, PipelineBatchEnrichment, ProgressUpdate{
			Progress:       progressOf(i+1, len(targets)),
			Status:         "enriching",
			ProcessedCount: i + 1,
		})
	}

	payload := map[string]any{
		"successCount": len(results),
		"failureCount": len(failed),
	}
	if len(failed) > 0 {
		payload["failed"] = failed
	}
	p.stashResults(ctx, jobID, "results", results, len(results), payload)
	if err := entity.Complete(ctx, PipelineBatchEnrichment, payload); err != nil {
		Log(ctx).Debug("problem completing enrichment job", "jobID", jobID, "err", err)
	}
}
