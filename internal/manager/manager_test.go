package manager

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tanq16/vidrelay/internal/merge"
	"github.com/tanq16/vidrelay/internal/retry"
	"github.com/tanq16/vidrelay/internal/segment"
	"github.com/tanq16/vidrelay/internal/threads"
)

type fakeResources struct{}

func (fakeResources) Cores() int              { return 4 }
func (fakeResources) CPULoad() float64        { return 0.25 }
func (fakeResources) AvailableMemory() uint64 { return 8 << 30 }

type recordingFallback struct {
	calls atomic.Int64
}

func (f *recordingFallback) Transfer(ctx context.Context, req Request) Result {
	f.calls.Add(1)
	return Result{Success: true, Strategy: "recorded"}
}

func testConfig(cores int) Config {
	cfg := DefaultConfig()
	cfg.Cores = cores
	return cfg
}

func TestDecide(t *testing.T) {
	big := []Part{{URL: "http://x/a"}}
	tests := []struct {
		name    string
		cfg     func(*Config)
		req     Request
		use     bool
		count   int
		reasonH string
	}{
		{"globally disabled", func(c *Config) { c.Enabled = false }, Request{Parts: big, TotalSize: 100 * mb}, false, 0, "disabled"},
		{"request disabled", nil, Request{Parts: big, TotalSize: 100 * mb, DisableSegmentation: true}, false, 0, "request"},
		{"below threshold", nil, Request{Parts: big, TotalSize: 5 * mb}, false, 0, "below"},
		{"too many parts", nil, Request{Parts: make([]Part, 9), TotalSize: 900 * mb}, false, 0, "too many parts"},
		{"exactly threshold", nil, Request{Parts: big, TotalSize: 10 * mb}, true, 1, ""},
		{"25MB", nil, Request{Parts: big, TotalSize: 25 * mb}, true, 3, ""},
		{"capped by max segments", nil, Request{Parts: big, TotalSize: 500 * mb}, true, 8, ""},
		{"capped by cores", func(c *Config) { c.Cores = 2 }, Request{Parts: big, TotalSize: 500 * mb}, true, 4, ""},
		{"unknown size", nil, Request{Parts: big}, true, 1, ""},
		{"hint", nil, Request{Parts: big, TotalSize: 100 * mb, SegmentHint: 3}, true, 3, ""},
		{"hint clamped", nil, Request{Parts: big, TotalSize: 100 * mb, SegmentHint: 40}, true, 8, ""},
		{"size from parts", nil, Request{Parts: []Part{{EstimatedSize: 15 * mb}, {EstimatedSize: 15 * mb}}}, true, 3, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(8)
			if tt.cfg != nil {
				tt.cfg(&cfg)
			}
			m := New(cfg, nil, nil, &recordingFallback{})
			d := m.Decide(tt.req)
			assert.Equal(t, tt.use, d.UseSegmentation, d.Reason)
			assert.Equal(t, tt.count, d.SegmentCount)
			assert.NotEmpty(t, d.Reason)
			if tt.reasonH != "" {
				assert.Contains(t, d.Reason, tt.reasonH)
			}
		})
	}
}

type origin struct {
	srv    *httptest.Server
	files  map[string][]byte
	ranged atomic.Int64
	heads  atomic.Int64
}

func newOrigin(t *testing.T, files map[string][]byte) *origin {
	o := &origin{files: files}
	o.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		content, ok := o.files[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		if r.Method == http.MethodHead {
			o.heads.Add(1)
		} else if r.Header.Get("Range") != "" {
			o.ranged.Add(1)
		}
		http.ServeContent(w, r, filepath.Base(r.URL.Path), time.Time{}, bytes.NewReader(content))
	}))
	t.Cleanup(o.srv.Close)
	return o
}

func payload(size int, seed byte) []byte {
	b := make([]byte, size)
	for i := range b {
		b[i] = byte(i%251) ^ seed
	}
	return b
}

func newTestExecutor(t *testing.T, client *http.Client) *segment.Executor {
	mcfg := merge.DefaultConfig()
	mcfg.CleanupDelay = 0
	cleaner := merge.NewCleaner(8)
	t.Cleanup(cleaner.Close)
	scfg := segment.DefaultConfig()
	scfg.RetryDelay = time.Millisecond
	return segment.NewExecutor(client, merge.NewMerger(mcfg, cleaner), scfg)
}

type progressLog struct {
	mu   sync.Mutex
	seen []float64
}

func (p *progressLog) sink(percent float64, current, total int64) {
	p.mu.Lock()
	p.seen = append(p.seen, percent)
	p.mu.Unlock()
}

func (p *progressLog) assertMonotonicToComplete(t *testing.T) {
	p.mu.Lock()
	defer p.mu.Unlock()
	require.NotEmpty(t, p.seen)
	for i := 1; i < len(p.seen); i++ {
		assert.GreaterOrEqual(t, p.seen[i], p.seen[i-1])
	}
	assert.Equal(t, 100.0, p.seen[len(p.seen)-1])
}

func TestDownloadSinglePartSegmented(t *testing.T) {
	content := payload(12*mb, 7)
	o := newOrigin(t, map[string][]byte{"/video.mp4": content})
	calc := threads.NewCalculator(threads.DefaultConfig(), fakeResources{}, nil)
	m := New(testConfig(8), newTestExecutor(t, o.srv.Client()), calc, nil)

	dir := t.TempDir()
	prog := &progressLog{}
	res := <-m.DownloadVideo(context.Background(), Request{
		Title:     "clip",
		Parts:     []Part{{URL: o.srv.URL + "/video.mp4"}},
		OutputDir: dir,
		TotalSize: int64(len(content)),
		Progress:  prog.sink,
	})
	require.True(t, res.Success, res.Message())
	assert.Equal(t, "segmented", res.Strategy)
	assert.Equal(t, int64(len(content)), res.Bytes)
	require.Len(t, res.Paths, 1)
	assert.Equal(t, filepath.Join(dir, "clip.mp4"), res.Paths[0])
	_, err := uuid.Parse(res.RequestID)
	assert.NoError(t, err)

	got, err := os.ReadFile(res.Paths[0])
	require.NoError(t, err)
	assert.Equal(t, content, got)
	assert.Equal(t, int64(2), o.ranged.Load())
	prog.assertMonotonicToComplete(t)

	stats, ok := calc.History().Stats(threads.HostKey(o.srv.URL))
	require.True(t, ok)
	assert.Equal(t, 1, stats.Samples)
}

func TestDownloadMultiPart(t *testing.T) {
	a, b := payload(6*mb, 1), payload(6*mb+123, 2)
	o := newOrigin(t, map[string][]byte{"/ep1.mp4": a, "/ep2.mp4": b})
	m := New(testConfig(8), newTestExecutor(t, o.srv.Client()), nil, nil)

	dir := t.TempDir()
	prog := &progressLog{}
	res := m.Download(context.Background(), Request{
		Title: "show",
		Parts: []Part{
			{URL: o.srv.URL + "/ep1.mp4", Title: "ep1", EstimatedSize: int64(len(a))},
			{URL: o.srv.URL + "/ep2.mp4", Title: "ep2", EstimatedSize: int64(len(b))},
		},
		OutputDir: dir,
		Progress:  prog.sink,
	})
	require.True(t, res.Success, res.Message())
	assert.Equal(t, "multi-part", res.Strategy)
	assert.Equal(t, []string{filepath.Join(dir, "show_ep1.mp4"), filepath.Join(dir, "show_ep2.mp4")}, res.Paths)
	assert.Equal(t, int64(len(a)+len(b)), res.Bytes)
	assert.Len(t, res.Checksums, 2)

	for i, want := range [][]byte{a, b} {
		got, err := os.ReadFile(res.Paths[i])
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	assert.Equal(t, int64(4), o.ranged.Load())
	prog.assertMonotonicToComplete(t)
}

func TestMultiPartFailsWhenAnyPartFails(t *testing.T) {
	a := payload(12*mb, 3)
	o := newOrigin(t, map[string][]byte{"/ok.mp4": a})
	m := New(testConfig(8), newTestExecutor(t, o.srv.Client()), nil, nil)

	res := m.Download(context.Background(), Request{
		Title: "broken",
		Parts: []Part{
			{URL: o.srv.URL + "/ok.mp4", Title: "one", EstimatedSize: int64(len(a))},
			{URL: o.srv.URL + "/missing.mp4", Title: "two", EstimatedSize: int64(len(a))},
		},
		OutputDir: t.TempDir(),
	})
	assert.False(t, res.Success)
	require.Error(t, res.Err)
	assert.Empty(t, res.Paths)
}

func TestMultiPartReportsFailingPartNotCancelledSibling(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/denied.mp4" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.Header().Set("Accept-Ranges", "bytes")
		w.Header().Set("Content-Length", "12582912")
		if r.Method == http.MethodHead {
			return
		}
		select {
		case <-r.Context().Done():
		case <-time.After(10 * time.Second):
		}
	}))
	t.Cleanup(srv.Close)
	m := New(testConfig(8), newTestExecutor(t, srv.Client()), nil, nil)

	res := m.Download(context.Background(), Request{
		Title: "mixed",
		Parts: []Part{
			{URL: srv.URL + "/slow.mp4", Title: "one", EstimatedSize: 12 * mb},
			{URL: srv.URL + "/denied.mp4", Title: "two", EstimatedSize: 12 * mb},
		},
		OutputDir: t.TempDir(),
	})
	require.False(t, res.Success)
	require.Error(t, res.Err)
	assert.Contains(t, res.Err.Error(), "part 2 failed")
	var se *retry.StatusError
	require.ErrorAs(t, res.Err, &se)
	assert.Equal(t, http.StatusForbidden, se.Code)
	assert.NotErrorIs(t, res.Err, context.Canceled)
}

func TestDisabledSegmentationStreams(t *testing.T) {
	content := payload(mb, 9)
	o := newOrigin(t, map[string][]byte{"/v.mp4": content})
	cfg := testConfig(8)
	cfg.Enabled = false
	m := New(cfg, newTestExecutor(t, o.srv.Client()), nil, nil)

	prog := &progressLog{}
	out := filepath.Join(t.TempDir(), "custom.mp4")
	res := m.Download(context.Background(), Request{
		Parts:    []Part{{URL: o.srv.URL + "/v.mp4", OutputPath: out}},
		Progress: prog.sink,
	})
	require.True(t, res.Success, res.Message())
	assert.Equal(t, "standard", res.Strategy)
	assert.Equal(t, []string{out}, res.Paths)
	assert.Zero(t, o.ranged.Load())
	assert.Zero(t, o.heads.Load())
	prog.assertMonotonicToComplete(t)
}

func TestFlaggedMultiPartWithOnePartFallsBack(t *testing.T) {
	fb := &recordingFallback{}
	m := New(testConfig(8), nil, nil, fb)
	res := m.Download(context.Background(), Request{
		MultiPart: true,
		Parts:     []Part{{URL: "http://unused/a"}},
		TotalSize: 100 * mb,
	})
	assert.True(t, res.Success)
	assert.Equal(t, "recorded", res.Strategy)
	assert.Equal(t, int64(1), fb.calls.Load())
}

func TestNoPartsFallsBack(t *testing.T) {
	m := New(testConfig(8), nil, nil, nil)
	res := m.Download(context.Background(), Request{ID: "fixed", TotalSize: 100 * mb})
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, ErrNoParts)
	assert.Equal(t, "fixed", res.RequestID)
}

func TestOutputPath(t *testing.T) {
	tests := []struct {
		name string
		req  Request
		i    int
		want string
	}{
		{"explicit", Request{Parts: []Part{{OutputPath: "/x/y.mkv"}}}, 0, "/x/y.mkv"},
		{"title only", Request{Title: "clip", OutputDir: "/d", Parts: []Part{{}}}, 0, "/d/clip.mp4"},
		{"title and part", Request{Title: "show", OutputDir: "/d", Parts: []Part{{Title: "P1"}, {Title: "P2"}}}, 1, "/d/show_P2.mp4"},
		{"untitled parts", Request{Title: "show", OutputDir: "/d", Parts: []Part{{}, {}}}, 1, "/d/show_part2.mp4"},
		{"unsafe chars", Request{Title: `a/b:c`, OutputDir: "/d", Parts: []Part{{}}}, 0, "/d/a_b_c.mp4"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, filepath.FromSlash(tt.want), OutputPath(tt.req, tt.i))
		})
	}
}
