package scheduler

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/tanq16/vidrelay/internal/manager"
)

var ErrTransfersFailed = errors.New("transfers failed")

type Downloader interface {
	Download(ctx context.Context, req manager.Request) manager.Result
}

// Display is the subset of output.Manager the scheduler reports to.
type Display interface {
	Register(label string) int
	SetMessage(id int, message string)
	SetProgress(id int, current, total int64)
	Complete(id int, message string)
	ReportError(id int, err error)
}

// Job is one request plus an optional step run after it succeeds, such as
// publishing the output.
type Job struct {
	Request manager.Request
	After   func(ctx context.Context, res manager.Result) error
}

// Run executes jobs over a fixed pool of workers and returns the results in
// job order. The error wraps ErrTransfersFailed when any job failed.
func Run(ctx context.Context, jobs []Job, workers int, dl Downloader, out Display) ([]manager.Result, error) {
	workers = max(1, min(workers, len(jobs)))
	results := make([]manager.Result, len(jobs))

	jobCh := make(chan int, len(jobs))
	for i := range jobs {
		jobCh <- i
	}
	close(jobCh)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobCh {
				results[i] = process(ctx, jobs[i], dl, out)
			}
		}()
	}
	wg.Wait()

	failed := 0
	for _, r := range results {
		if !r.Success {
			failed++
		}
	}
	if failed > 0 {
		return results, fmt.Errorf("%w: %d of %d", ErrTransfersFailed, failed, len(jobs))
	}
	return results, nil
}

func process(ctx context.Context, job Job, dl Downloader, out Display) manager.Result {
	req := job.Request
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	label := Label(req)
	id := out.Register(label)
	if err := ctx.Err(); err != nil {
		out.ReportError(id, err)
		return manager.Result{RequestID: req.ID, Err: err}
	}

	out.SetMessage(id, fmt.Sprintf("Downloading %s", label))
	userProgress := req.Progress
	req.Progress = func(percent float64, current, total int64) {
		out.SetProgress(id, current, total)
		if userProgress != nil {
			userProgress(percent, current, total)
		}
	}

	res := dl.Download(ctx, req)
	if !res.Success {
		out.ReportError(id, res.Err)
		return res
	}
	if job.After != nil {
		out.SetMessage(id, fmt.Sprintf("Finishing %s", label))
		if err := job.After(ctx, res); err != nil {
			log.Error().Str("op", "scheduler").Msgf("post-transfer step for %s failed: %v", label, err)
			res.Success = false
			res.Err = err
			out.ReportError(id, err)
			return res
		}
	}
	out.Complete(id, fmt.Sprintf("Completed %s (%s)", label, res.Message()))
	return res
}

// Label is the display name for a request.
func Label(req manager.Request) string {
	if req.Title != "" {
		return req.Title
	}
	if len(req.Parts) > 0 {
		if req.Parts[0].OutputPath != "" {
			return filepath.Base(req.Parts[0].OutputPath)
		}
		return req.Parts[0].URL
	}
	return req.ID
}
