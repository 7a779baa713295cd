package segment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tanq16/vidrelay/internal/merge"
	"github.com/tanq16/vidrelay/internal/retry"
	"github.com/tanq16/vidrelay/internal/utils"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

var (
	ErrRangeNotSupported = errors.New("range requests are not supported")
	ErrSizeMismatch      = errors.New("segment size mismatch")
)

const fetchOperation = "segment-fetch"

type Config struct {
	MaxRetries int           // attempts per segment
	RetryDelay time.Duration // multiplied by the attempt number
	BufferSize int
	RateLimit  int64 // bytes per second across one transfer, 0 = unlimited
}

func DefaultConfig() Config {
	return Config{
		MaxRetries: 3,
		RetryDelay: time.Second,
		BufferSize: 32 * 1024,
	}
}

type Job struct {
	URL        string
	OutputPath string
	TotalSize  int64
	Segments   int
	Workers    int
	Progress   ProgressFunc
}

type SegmentResult struct {
	Index int
	Path  string
	Bytes int64
	Err   error
}

type Result struct {
	Success    bool
	OutputPath string
	Bytes      int64
	Segments   int
	Ranged     bool
	Checksum   string
	Duration   time.Duration
	Err        error
}

func (r Result) Message() string {
	if r.Err != nil {
		return r.Err.Error()
	}
	mode := "single stream"
	if r.Ranged {
		mode = fmt.Sprintf("%d segments", r.Segments)
	}
	return fmt.Sprintf("downloaded %s via %s in %s", utils.FormatBytes(uint64(r.Bytes)), mode, r.Duration.Round(time.Millisecond))
}

// Assembler merges ordered segment files into the final output.
type Assembler interface {
	Merge(ctx context.Context, parts []merge.Part, outputPath string, expectedSize int64) merge.Result
}

// Janitor removes temporary files, possibly later.
type Janitor interface {
	Schedule(paths []string, dir string, delay time.Duration)
}

type Recorder interface {
	RecordAttempt(name string, attempt int)
	RecordSuccess(name string, attempts int, elapsed time.Duration)
	RecordFailure(name string, attempts int, elapsed time.Duration, reason string)
}

type Executor struct {
	client   utils.HTTPDoer
	merger   Assembler
	janitor  Janitor
	recorder Recorder
	cfg      Config
	sleep    func(context.Context, time.Duration) error
}

func NewExecutor(client utils.HTTPDoer, merger *merge.Merger, cfg Config) *Executor {
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 1
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 32 * 1024
	}
	return &Executor{
		client:  client,
		merger:  merger,
		janitor: merger.Cleaner(),
		cfg:     cfg,
		sleep:   retry.Sleep,
	}
}

// WithRecorder reports every segment attempt to r.
func (e *Executor) WithRecorder(r Recorder) *Executor {
	e.recorder = r
	return e
}

// Fetch runs the transfer on its own goroutine. The channel yields exactly
// one Result.
func (e *Executor) Fetch(ctx context.Context, job Job) <-chan Result {
	ch := make(chan Result, 1)
	go func() {
		defer close(ch)
		ch <- e.Run(ctx, job)
	}()
	return ch
}

func (e *Executor) Run(ctx context.Context, job Job) Result {
	start := time.Now()
	probe, err := e.Probe(ctx, job.URL)
	if err != nil {
		log.Warn().Str("op", "segment/executor").Msgf("probe failed for %s, using single stream: %v", job.URL, err)
	}
	total := job.TotalSize
	if probe.Size > 0 {
		total = probe.Size
	}
	if !probe.AcceptRanges || total <= 0 {
		log.Info().Str("op", "segment/executor").Msgf("%s: range requests unavailable, using single stream", filepath.Base(job.OutputPath))
		return e.Single(ctx, job.URL, job.OutputPath, total, job.Progress)
	}

	count := int64(max(job.Segments, 1))
	specs, err := Partition(total, int(min(count, total)))
	if err != nil {
		return Result{OutputPath: job.OutputPath, Err: err, Duration: time.Since(start)}
	}
	res := e.segmented(ctx, job, specs, total)
	res.Duration = time.Since(start)
	return res
}

func (e *Executor) segmented(ctx context.Context, job Job, specs []Spec, total int64) Result {
	out := job.OutputPath
	dir := TempDir(out)
	fail := func(err error, paths []string) Result {
		e.janitor.Schedule(paths, dir, 0)
		log.Error().Str("op", "segment/executor").Msgf("%s failed: %v", filepath.Base(out), err)
		return Result{OutputPath: out, Segments: len(specs), Ranged: true, Err: err}
	}

	if err := os.RemoveAll(dir); err != nil {
		return Result{OutputPath: out, Err: fmt.Errorf("error clearing temp directory: %w", err)}
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return Result{OutputPath: out, Err: fmt.Errorf("error creating temp directory: %w", err)}
	}

	reporter := NewReporter(total, job.Progress)
	limiter := e.limiter()
	workers := job.Workers
	if workers <= 0 || workers > len(specs) {
		workers = len(specs)
	}
	log.Debug().Str("op", "segment/executor").Msgf("%s: %d segments over %d workers", filepath.Base(out), len(specs), workers)

	results := make([]SegmentResult, len(specs))
	paths := make([]string, len(specs))
	for i, spec := range specs {
		paths[i] = TempPath(out, spec.Index)
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, spec := range specs {
		g.Go(func() error {
			results[i] = e.fetchSegment(gctx, job.URL, paths[i], spec, reporter, limiter)
			return results[i].Err
		})
	}
	if err := g.Wait(); err != nil {
		return fail(err, paths)
	}
	if err := ctx.Err(); err != nil {
		return fail(err, paths)
	}

	parts := make([]merge.Part, len(specs))
	for i, spec := range specs {
		parts[i] = merge.Part{Path: results[i].Path, ExpectedSize: spec.Size()}
	}
	mr := e.merger.Merge(ctx, parts, out, total)
	if !mr.Success {
		return fail(fmt.Errorf("merge failed: %w", mr.Err), paths)
	}
	reporter.Complete()
	return Result{
		Success:    true,
		OutputPath: out,
		Bytes:      mr.Bytes,
		Segments:   len(specs),
		Ranged:     true,
		Checksum:   mr.Checksum,
	}
}

func (e *Executor) limiter() *rate.Limiter {
	if e.cfg.RateLimit <= 0 {
		return nil
	}
	burst := max(e.cfg.BufferSize, int(min(e.cfg.RateLimit, 1<<30)))
	return rate.NewLimiter(rate.Limit(e.cfg.RateLimit), burst)
}

func (e *Executor) fetchSegment(ctx context.Context, url, path string, spec Spec, rep *Reporter, lim *rate.Limiter) SegmentResult {
	start := time.Now()
	var lastErr error
	attempt := 1
	for ; attempt <= e.cfg.MaxRetries; attempt++ {
		if e.recorder != nil {
			e.recorder.RecordAttempt(fetchOperation, attempt)
		}
		n, err := e.downloadRange(ctx, url, path, spec, rep, lim)
		if err == nil {
			if e.recorder != nil {
				e.recorder.RecordSuccess(fetchOperation, attempt, time.Since(start))
			}
			return SegmentResult{Index: spec.Index, Path: path, Bytes: n}
		}
		rep.Rollback(n)
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		log.Warn().Str("op", "segment/executor").Msgf("segment %d attempt %d failed: %v", spec.Index, attempt, err)
		if attempt < e.cfg.MaxRetries {
			if err := e.sleep(ctx, e.cfg.RetryDelay*time.Duration(attempt)); err != nil {
				lastErr = err
				break
			}
		}
	}
	attempts := min(attempt, e.cfg.MaxRetries)
	if e.recorder != nil {
		e.recorder.RecordFailure(fetchOperation, attempts, time.Since(start), lastErr.Error())
	}
	return SegmentResult{
		Index: spec.Index,
		Path:  path,
		Err:   fmt.Errorf("segment %d failed after %d attempts: %w", spec.Index, attempts, lastErr),
	}
}

// downloadRange writes one segment and returns the bytes it reported.
func (e *Executor) downloadRange(ctx context.Context, url, path string, spec Spec, rep *Reporter, lim *rate.Limiter) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Range", spec.RangeHeader())
	resp, err := e.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusPartialContent {
		return 0, &retry.StatusError{Code: resp.StatusCode, URL: url}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return 0, fmt.Errorf("error creating segment file: %w", err)
	}
	defer f.Close()

	expected := spec.Size()
	written, err := e.copyBody(ctx, f, resp.Body, rep, lim, expected)
	if err != nil {
		return written, err
	}
	if written != expected {
		return written, fmt.Errorf("%w: got %d bytes, expected %d", ErrSizeMismatch, written, expected)
	}
	if err := f.Close(); err != nil {
		return written, fmt.Errorf("error closing segment file: %w", err)
	}
	return written, nil
}

// copyBody streams body into w, reporting progress as it goes. limit < 0
// means unbounded.
func (e *Executor) copyBody(ctx context.Context, w io.Writer, body io.Reader, rep *Reporter, lim *rate.Limiter, limit int64) (int64, error) {
	buf := make([]byte, e.cfg.BufferSize)
	var written int64
	for {
		n, rerr := body.Read(buf)
		if n > 0 {
			if limit >= 0 && written+int64(n) > limit {
				return written, fmt.Errorf("%w: server sent more than %d bytes", ErrSizeMismatch, limit)
			}
			if lim != nil {
				if err := lim.WaitN(ctx, n); err != nil {
					return written, err
				}
			}
			if _, err := w.Write(buf[:n]); err != nil {
				return written, fmt.Errorf("error writing data: %w", err)
			}
			written += int64(n)
			rep.Add(int64(n))
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, fmt.Errorf("error reading response: %w", rerr)
		}
	}
}

type ProbeResult struct {
	AcceptRanges bool
	Size         int64
	ContentType  string
}

// Probe issues a HEAD request to learn range support and size.
func (e *Executor) Probe(ctx context.Context, url string) (ProbeResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return ProbeResult{}, fmt.Errorf("error creating HEAD request: %w", err)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return ProbeResult{}, fmt.Errorf("error sending HEAD request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return ProbeResult{}, &retry.StatusError{Code: resp.StatusCode, URL: url}
	}
	pr := ProbeResult{
		AcceptRanges: strings.Contains(strings.ToLower(resp.Header.Get("Accept-Ranges")), "bytes"),
		ContentType:  resp.Header.Get("Content-Type"),
	}
	if resp.ContentLength > 0 {
		pr.Size = resp.ContentLength
	}
	return pr, nil
}
