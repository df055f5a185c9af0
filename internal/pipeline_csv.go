package internal

import (
	"context"
	"time"
)

// _csvStartDelay lets the 202 response reach the client and its
// WebSocket connect before the driver starts emitting progress.
const _csvStartDelay = 2 * time.Second

// ScheduleCSVImport arms the csv_import driver after a short delay. The
// caller's request returns immediately.
func (p *Pipelines) ScheduleCSVImport(jobID, csvText string) {
	time.AfterFunc(_csvStartDelay, func() {
		p.runCSVImport(context.Background(), jobID, csvText)
	})
}

func (p *Pipelines) runCSVImport(ctx context.Context, jobID, csvText string) {
	ctx = WithRateSkips(ctx)
	entity := p.jobs.Job(jobID)
	if err := entity.InitializeJobState(ctx, PipelineCSVImport, 0); err != nil {
		Log(ctx).Warn("problem initializing csv job", "jobID", jobID, "err", err)
		return
	}

	entity.WaitForReady(ctx, p.readyTimeout)

	var rows []ParsedBook
	err := retryItem(ctx, func(ctx context.Context) error {
		var perr error
		rows, perr = p.ai.ParseCSV(ctx, csvText)
		return perr
	})
	if err != nil {
		p.failJob(ctx, entity, PipelineCSVImport, err)
		return
	}
	_ = entity.UpdateProgress(ctx, PipelineCSVImport, ProgressUpdate{
		Progress: 0.1,
		Status:   "parsed",
		Extra:    map[string]any{"rowCount": len(rows)},
	})

	books := make([]Work, 0, len(rows))
	for i, row := range rows {
		if entity.IsCanceled() {
			return
		}

		var work *Work
		eerr := retryItem(ctx, func(ctx context.Context) error {
			var err error
			work, err = p.enrich.Enrich(ctx, row.Title, row.Author, row.ISBN)
			return err
		})
		if eerr == nil {
			books = append(books, *work)
		} else {
			Log(ctx).Debug("problem enriching csv row", "jobID", jobID, "title", row.Title, "err", eerr)
		}

		_ = entity.UpdateProgress(ctx, PipelineCSVImport, ProgressUpdate{
			Progress:       0.1 + 0.9*progressOf(i+1, len(rows)),
			Status:         "enriching",
			ProcessedCount: i + 1,
		})
	}

	payload := map[string]any{
		"booksCount":  len(books),
		"successRate": successRate(len(books), len(rows)),
	}
	p.stashResults(ctx, jobID, "books", books, len(books), payload)
	if err := entity.Complete(ctx, PipelineCSVImport, payload); err != nil {
		Log(ctx).Debug("problem completing csv job", "jobID", jobID, "err", err)
	}
}
