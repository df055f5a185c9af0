package internal

import (
	"context"
	"strings"
)

// _maxImageBytes rejects obviously broken uploads before burning an AI
// call on them.
const _maxImageBytes = 10 << 20

// RunScan drives one ai_scan job: quality check, vision pass, then
// sequential enrichment of every detected book.
func (p *Pipelines) RunScan(ctx context.Context, jobID string, image []byte, contentType string) {
	ctx = WithRateSkips(ctx)
	entity := p.jobs.Job(jobID)
	if err := entity.InitializeJobState(ctx, PipelineAIScan, 0); err != nil {
		Log(ctx).Warn("problem initializing scan job", "jobID", jobID, "err", err)
		return
	}

	entity.WaitForReady(ctx, p.readyTimeout)

	// Stage 1: sanity-check the upload.
	if len(image) == 0 || len(image) > _maxImageBytes || !strings.HasPrefix(contentType, "image/") {
		p.failJob(ctx, entity, PipelineAIScan, apiErr(CodeInvalidRequest, "unusable image upload"))
		return
	}
	_ = entity.UpdateProgress(ctx, PipelineAIScan, ProgressUpdate{
		Progress: 0.1,
		Status:   "quality_check",
	})
	if entity.IsCanceled() {
		return
	}

	// Stage 2: vision pass.
	var scan *ScanResult
	err := retryItem(ctx, func(ctx context.Context) error {
		var serr error
		scan, serr = p.ai.ScanImage(ctx, image, contentType)
		return serr
	})
	if err != nil {
		p.failJob(ctx, entity, PipelineAIScan, err)
		return
	}
	_ = entity.UpdateProgress(ctx, PipelineAIScan, ProgressUpdate{
		Progress: 0.5,
		Status:   "scanning_complete",
		Extra: map[string]any{
			"totalDetected": len(scan.Books),
			"model":         scan.Model,
			"tokensUsed":    scan.TokensUsed,
		},
	})

	// Stage 3: enrich sequentially. Fan-out here would blow through the
	// upstream budget; one book at a time is the contract.
	books := make([]Work, 0, len(scan.Books))
	for i, detected := range scan.Books {
		if entity.IsCanceled() {
			return
		}

		work, eerr := p.enrichDetected(ctx, detected)
		if eerr == nil {
			books = append(books, *work)
		} else {
			Log(ctx).Debug("problem enriching detected book", "jobID", jobID, "title", detected.Title, "err", eerr)
		}

		_ = entity.UpdateProgress(ctx, PipelineAIScan, ProgressUpdate{
			Progress:       0.5 + 0.5*progressOf(i+1, len(scan.Books)),
			Status:         "enriching",
			ProcessedCount: i + 1,
		})
	}

	payload := map[string]any{
		"totalDetected": len(scan.Books),
		"approved":      len(books),
	}
	p.stashResults(ctx, jobID, "books", books, len(books), payload)
	if err := entity.Complete(ctx, PipelineAIScan, payload); err != nil {
		Log(ctx).Debug("problem completing scan job", "jobID", jobID, "err", err)
	}
}

// RunBatchScan drives a multi-photo ai_scan job, tracking per-photo
// outcomes in the photos array.
func (p *Pipelines) RunBatchScan(ctx context.Context, jobID string, images [][]byte, contentType string) {
	ctx = WithRateSkips(ctx)
	entity := p.jobs.Job(jobID)
	if err := entity.InitializeJobState(ctx, PipelineAIScan, len(images)); err != nil {
		Log(ctx).Warn("problem initializing batch scan job", "jobID", jobID, "err", err)
		return
	}
	if err := entity.InitBatch(ctx, len(images)); err != nil {
		p.failJob(ctx, entity, PipelineAIScan, err)
		return
	}

	entity.WaitForReady(ctx, p.readyTimeout)

	var books []Work
	for i, image := range images {
		if entity.IsCanceled() {
			return
		}
		_ = entity.UpdatePhoto(ctx, PhotoStatus{Index: i, Status: "processing"})

		var scan *ScanResult
		err := retryItem(ctx, func(ctx context.Context) error {
			var serr error
			scan, serr = p.ai.ScanImage(ctx, image, contentType)
			return serr
		})
		if err != nil {
			_ = entity.UpdatePhoto(ctx, PhotoStatus{Index: i, Status: "failed", Error: kindOf(err).String()})
			continue
		}

		found := 0
		for _, detected := range scan.Books {
			if entity.IsCanceled() {
				return
			}
			if work, eerr := p.enrichDetected(ctx, detected); eerr == nil {
				books = append(books, *work)
				found++
			}
		}
		_ = entity.UpdatePhoto(ctx, PhotoStatus{Index: i, Status: "complete", BooksFound: found})
	}

	payload := map[string]any{}
	p.stashResults(ctx, jobID, "books", books, len(books), payload)
	if err := entity.CompleteBatch(ctx, payload); err != nil {
		Log(ctx).Debug("problem completing batch scan job", "jobID", jobID, "err", err)
	}
}

func (p *Pipelines) enrichDetected(ctx context.Context, d DetectedBook) (*Work, error) {
	var work *Work
	err := retryItem(ctx, func(ctx context.Context) error {
		var eerr error
		work, eerr = p.enrich.Enrich(ctx, d.Title, d.Author, d.ISBN)
		return eerr
	})
	return work, err
}
