package manager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/tanq16/vidrelay/internal/segment"
	"github.com/tanq16/vidrelay/internal/threads"
	"github.com/tanq16/vidrelay/internal/utils"
	"golang.org/x/sync/semaphore"
)

const mb = 1024 * 1024

var ErrNoParts = errors.New("request has no parts")

type Config struct {
	Enabled            bool
	MinFileSize        int64 // below this, requests are not segmented
	SegmentSize        int64
	MaxSegments        int
	MaxParts           int // requests with more parts are not segmented
	MaxConcurrentParts int
	Cores              int // 0 = runtime.NumCPU()
}

func DefaultConfig() Config {
	return Config{
		Enabled:            true,
		MinFileSize:        10 * mb,
		SegmentSize:        10 * mb,
		MaxSegments:        8,
		MaxParts:           8,
		MaxConcurrentParts: 4,
	}
}

// Part is one independently downloadable file of a request, e.g. one episode.
type Part struct {
	URL           string
	Title         string
	EstimatedSize int64
	OutputPath    string
}

type Request struct {
	ID                  string
	Title               string
	Parts               []Part
	OutputDir           string
	TotalSize           int64 // 0 = unknown
	SegmentHint         int
	DisableSegmentation bool
	MultiPart           bool
	Progress            segment.ProgressFunc
}

func (r Request) IsMultiPart() bool {
	return r.MultiPart || len(r.Parts) > 1
}

// EstimatedSize is TotalSize, or the sum of the part estimates when unset.
func (r Request) EstimatedSize() int64 {
	if r.TotalSize > 0 {
		return r.TotalSize
	}
	var sum int64
	for _, p := range r.Parts {
		if p.EstimatedSize <= 0 {
			return 0
		}
		sum += p.EstimatedSize
	}
	return sum
}

type Decision struct {
	UseSegmentation bool
	SegmentCount    int
	Reason          string
}

type Result struct {
	RequestID string
	Success   bool
	Strategy  string
	Paths     []string
	Checksums []string
	Bytes     int64
	Duration  time.Duration
	Err       error
}

func (r Result) Message() string {
	if r.Err != nil {
		return r.Err.Error()
	}
	return fmt.Sprintf("%d file(s), %s in %s (%s)", len(r.Paths), utils.FormatBytes(uint64(r.Bytes)), r.Duration.Round(time.Millisecond), r.Strategy)
}

// StandardTransfer is the non-segmented path used when segmentation is
// declined or its preconditions do not hold.
type StandardTransfer interface {
	Transfer(ctx context.Context, req Request) Result
}

type Manager struct {
	cfg      Config
	exec     *segment.Executor
	threads  *threads.Calculator
	fallback StandardTransfer
}

// New builds a Manager. calc may be nil, in which case every segment gets a
// worker. A nil fallback uses StreamFallback over exec.
func New(cfg Config, exec *segment.Executor, calc *threads.Calculator, fallback StandardTransfer) *Manager {
	if cfg.SegmentSize <= 0 {
		cfg.SegmentSize = 10 * mb
	}
	if cfg.MaxSegments < 1 {
		cfg.MaxSegments = 1
	}
	if cfg.MaxConcurrentParts < 1 {
		cfg.MaxConcurrentParts = 1
	}
	if cfg.Cores <= 0 {
		cfg.Cores = runtime.NumCPU()
	}
	if fallback == nil {
		fallback = &StreamFallback{Exec: exec}
	}
	return &Manager{cfg: cfg, exec: exec, threads: calc, fallback: fallback}
}

// Decide applies the segmentation rules in order; the first match wins.
func (m *Manager) Decide(req Request) Decision {
	if !m.cfg.Enabled {
		return Decision{Reason: "segmented download is disabled"}
	}
	if req.DisableSegmentation {
		return Decision{Reason: "segmentation disabled for this request"}
	}
	size := req.EstimatedSize()
	if size > 0 && size < m.cfg.MinFileSize {
		return Decision{Reason: fmt.Sprintf("size %s below threshold %s", utils.FormatBytes(uint64(size)), utils.FormatBytes(uint64(m.cfg.MinFileSize)))}
	}
	if m.cfg.MaxParts > 0 && len(req.Parts) > m.cfg.MaxParts {
		return Decision{Reason: fmt.Sprintf("too many parts (%d), segmentation not beneficial", len(req.Parts))}
	}
	count := m.segmentCount(size, req.SegmentHint)
	return Decision{
		UseSegmentation: true,
		SegmentCount:    count,
		Reason:          fmt.Sprintf("size %d bytes, using %d segments", size, count),
	}
}

func (m *Manager) segmentCount(size int64, hint int) int {
	count := hint
	if count <= 0 {
		if size <= 0 {
			return 1
		}
		count = int((size + m.cfg.SegmentSize - 1) / m.cfg.SegmentSize)
	}
	count = max(1, min(count, m.cfg.MaxSegments))
	return min(count, 2*m.cfg.Cores)
}

// DownloadVideo runs Download on its own goroutine. The channel yields
// exactly one Result.
func (m *Manager) DownloadVideo(ctx context.Context, req Request) <-chan Result {
	ch := make(chan Result, 1)
	go func() {
		defer close(ch)
		ch <- m.Download(ctx, req)
	}()
	return ch
}

func (m *Manager) Download(ctx context.Context, req Request) Result {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	start := time.Now()
	log.Info().Str("op", "manager").Msgf("starting %q (%d parts, id %s)", req.Title, len(req.Parts), req.ID)

	d := m.Decide(req)
	var res Result
	switch {
	case !d.UseSegmentation:
		log.Info().Str("op", "manager").Msgf("standard download for %q: %s", req.Title, d.Reason)
		res = m.fallback.Transfer(ctx, req)
	case req.IsMultiPart() && len(req.Parts) < 2:
		log.Warn().Str("op", "manager").Msgf("%q flagged multi-part with %d part(s), using standard download", req.Title, len(req.Parts))
		res = m.fallback.Transfer(ctx, req)
	case req.IsMultiPart():
		log.Info().Str("op", "manager").Msgf("segmented download for %q: %s", req.Title, d.Reason)
		res = m.multiPart(ctx, req, d)
	case len(req.Parts) == 1:
		log.Info().Str("op", "manager").Msgf("segmented download for %q: %s", req.Title, d.Reason)
		res = m.singlePart(ctx, req, d)
	default:
		res = m.fallback.Transfer(ctx, req)
	}
	res.RequestID = req.ID
	res.Duration = time.Since(start)
	if res.Success {
		log.Info().Str("op", "manager").Msgf("%q done: %s", req.Title, res.Message())
	} else {
		log.Error().Str("op", "manager").Msgf("%q failed: %s", req.Title, res.Message())
	}
	return res
}

func (m *Manager) singlePart(ctx context.Context, req Request, d Decision) Result {
	part := req.Parts[0]
	out := OutputPath(req, 0)
	size := req.EstimatedSize()
	pr := m.runPart(ctx, part.URL, out, size, d.SegmentCount, req.Progress)
	if !pr.Success {
		return Result{Strategy: "segmented", Err: pr.Err}
	}
	return Result{
		Success:   true,
		Strategy:  "segmented",
		Paths:     []string{pr.OutputPath},
		Checksums: []string{pr.Checksum},
		Bytes:     pr.Bytes,
	}
}

func (m *Manager) multiPart(ctx context.Context, req Request, d Decision) Result {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sizes := partSizes(req)
	agg := newAggregate(sizes, req.Progress)
	results := make([]segment.Result, len(req.Parts))
	sem := semaphore.NewWeighted(int64(m.cfg.MaxConcurrentParts))

	var (
		wg        sync.WaitGroup
		firstOnce sync.Once
		firstErr  error
	)
	for i, part := range req.Parts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := sem.Acquire(ctx, 1); err != nil {
				results[i] = segment.Result{Err: err}
				return
			}
			defer sem.Release(1)
			log.Debug().Str("op", "manager").Msgf("part %d/%d of %q starting", i+1, len(req.Parts), req.Title)
			results[i] = m.runPart(ctx, part.URL, OutputPath(req, i), sizes[i], d.SegmentCount, agg.sink(i))
			if !results[i].Success {
				firstOnce.Do(func() {
					firstErr = fmt.Errorf("part %d failed: %w", i+1, results[i].Err)
					cancel()
				})
			}
		}()
	}
	wg.Wait()

	res := Result{Strategy: "multi-part"}
	if firstErr != nil {
		return Result{Strategy: res.Strategy, Err: firstErr}
	}
	for i, r := range results {
		if !r.Success {
			return Result{Strategy: res.Strategy, Err: fmt.Errorf("part %d failed: %w", i+1, r.Err)}
		}
		res.Paths = append(res.Paths, r.OutputPath)
		res.Checksums = append(res.Checksums, r.Checksum)
		res.Bytes += r.Bytes
	}
	agg.complete()
	res.Success = true
	return res
}

// runPart downloads one URL with the executor and feeds the outcome back into
// the thread history.
func (m *Manager) runPart(ctx context.Context, url, out string, size int64, segments int, progress segment.ProgressFunc) segment.Result {
	host := threads.HostKey(url)
	workers := 0
	if m.threads != nil {
		bw := int64(m.threads.History().AverageThroughput(host))
		workers = m.threads.Calculate(size, bw, host)
	}
	res := m.exec.Run(ctx, segment.Job{
		URL:        url,
		OutputPath: out,
		TotalSize:  size,
		Segments:   segments,
		Workers:    workers,
		Progress:   progress,
	})
	if m.threads != nil {
		used := res.Segments
		if workers > 0 {
			used = min(workers, max(res.Segments, 1))
		}
		m.threads.Record(host, used, res.Bytes, res.Duration, res.Success)
	}
	return res
}

func partSizes(req Request) []int64 {
	sizes := make([]int64, len(req.Parts))
	var even int64
	if len(req.Parts) > 0 {
		even = req.TotalSize / int64(len(req.Parts))
	}
	for i, p := range req.Parts {
		sizes[i] = p.EstimatedSize
		if sizes[i] <= 0 {
			sizes[i] = even
		}
	}
	return sizes
}

// OutputPath is where part i of req is written: the part's own path if set,
// else <dir>/<title>_<part title>.mp4 with unsafe characters replaced.
func OutputPath(req Request, i int) string {
	part := req.Parts[i]
	if part.OutputPath != "" {
		return part.OutputPath
	}
	dir := req.OutputDir
	if dir == "" {
		dir = os.TempDir()
	}
	var names []string
	for _, s := range []string{req.Title, part.Title} {
		if strings.TrimSpace(s) != "" {
			names = append(names, s)
		}
	}
	if len(names) == 0 || (len(req.Parts) > 1 && part.Title == "") {
		names = append(names, fmt.Sprintf("part%d", i+1))
	}
	name := utils.SanitizeFilename(strings.Join(names, "_"))
	if filepath.Ext(name) == "" {
		name += ".mp4"
	}
	return filepath.Join(dir, name)
}
