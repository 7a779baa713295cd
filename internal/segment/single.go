package segment

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tanq16/vidrelay/internal/retry"
)

// Single downloads url with one plain GET into outputPath.part and renames
// it into place once complete. total may be 0 when unknown.
func (e *Executor) Single(ctx context.Context, url, outputPath string, total int64, progress ProgressFunc) Result {
	start := time.Now()
	fail := func(err error) Result {
		log.Error().Str("op", "segment/single").Msgf("%s failed: %v", filepath.Base(outputPath), err)
		return Result{OutputPath: outputPath, Segments: 1, Err: err, Duration: time.Since(start)}
	}
	if err := os.MkdirAll(filepath.Dir(outputPath), 0755); err != nil {
		return fail(fmt.Errorf("error creating output directory: %w", err))
	}
	tmpPath := outputPath + ".part"
	reporter := NewReporter(total, progress)

	var lastErr error
	var written int64
	for attempt := 1; attempt <= e.cfg.MaxRetries; attempt++ {
		n, err := e.streamOnce(ctx, url, tmpPath, reporter)
		if err == nil {
			written = n
			lastErr = nil
			break
		}
		reporter.Rollback(n)
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		log.Warn().Str("op", "segment/single").Msgf("attempt %d for %s failed: %v", attempt, filepath.Base(outputPath), err)
		if attempt < e.cfg.MaxRetries {
			if err := e.sleep(ctx, e.cfg.RetryDelay*time.Duration(attempt)); err != nil {
				lastErr = err
				break
			}
		}
	}
	if lastErr != nil {
		os.Remove(tmpPath)
		return fail(lastErr)
	}
	if err := os.Rename(tmpPath, outputPath); err != nil {
		os.Remove(tmpPath)
		return fail(fmt.Errorf("error renaming temp file: %w", err))
	}
	reporter.Complete()
	return Result{
		Success:    true,
		OutputPath: outputPath,
		Bytes:      written,
		Segments:   1,
		Duration:   time.Since(start),
	}
}

func (e *Executor) streamOnce(ctx context.Context, url, tmpPath string, rep *Reporter) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("error creating request: %w", err)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, &retry.StatusError{Code: resp.StatusCode, URL: url}
	}
	if rep.Total() <= 0 && resp.ContentLength > 0 {
		rep.SetTotal(resp.ContentLength)
	}

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return 0, fmt.Errorf("error creating output file: %w", err)
	}
	defer f.Close()

	written, err := e.copyBody(ctx, f, resp.Body, rep, e.limiter(), -1)
	if err != nil {
		return written, err
	}
	if resp.ContentLength > 0 && written != resp.ContentLength {
		return written, fmt.Errorf("%w: got %d bytes, expected %d", ErrSizeMismatch, written, resp.ContentLength)
	}
	if err := f.Sync(); err != nil {
		return written, fmt.Errorf("error syncing output file: %w", err)
	}
	if err := f.Close(); err != nil {
		return written, fmt.Errorf("error closing output file: %w", err)
	}
	return written, nil
}
