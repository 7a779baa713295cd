package threads

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedResources struct {
	cores int
	load  float64
	mem   uint64
}

func (f fixedResources) Cores() int              { return f.cores }
func (f fixedResources) CPULoad() float64        { return f.load }
func (f fixedResources) AvailableMemory() uint64 { return f.mem }

var roomy = fixedResources{cores: 8, load: 0, mem: 8 << 30}

func TestCandidates(t *testing.T) {
	c := NewCalculator(DefaultConfig(), roomy, nil)

	b := c.Breakdown(500*mb, 0, "cdn.example.com")
	assert.Equal(t, 16, b.CPU)
	assert.Equal(t, 8, b.Bandwidth, "unknown bandwidth is max/2")
	assert.Equal(t, 8, b.FileSize)
	assert.Equal(t, 8, b.Final)
}

func TestFileSizeSteps(t *testing.T) {
	tests := []struct {
		size int64
		want int
	}{
		{0, 1},
		{-1, 1},
		{10 * mb, 2},
		{100 * mb, 4},
		{500 * mb, 8},
		{2000 * mb, 12},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, fileSizeBased(tt.size), "size %d", tt.size)
	}
}

func TestBandwidthSteps(t *testing.T) {
	c := NewCalculator(DefaultConfig(), roomy, nil)
	tests := []struct {
		bytesPerSec int64
		want        int
	}{
		{1_000_000 / 8 * 5, 2},
		{1_000_000 / 8 * 20, 4},
		{1_000_000 / 8 * 80, 8},
		{1_000_000 / 8 * 500, 12},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, c.bandwidthBased(tt.bytesPerSec))
	}
}

func TestCPUAndMemoryCandidates(t *testing.T) {
	busy := NewCalculator(DefaultConfig(), fixedResources{cores: 4, load: 0.95, mem: 8 << 30}, nil)
	assert.Equal(t, 3, busy.cpuBased(), "ceil(4*2*0.3)")

	unknown := NewCalculator(DefaultConfig(), fixedResources{cores: 4, load: -1, mem: 8 << 30}, nil)
	assert.Equal(t, 4, unknown.cpuBased())

	tight := NewCalculator(DefaultConfig(), fixedResources{cores: 4, load: 0, mem: 2 * mb}, nil)
	assert.Equal(t, 1, tight.memoryBased(1000*mb))
	assert.Equal(t, 1, tight.Calculate(1000*mb, 0, "h"))
}

func TestHistoryAdjustment(t *testing.T) {
	c := NewCalculator(DefaultConfig(), roomy, nil)
	host := "fast.example.com"
	base := c.Calculate(500*mb, 0, host)
	require.Equal(t, 8, base)

	for i := 0; i < 2; i++ {
		c.Record(host, 2, 20*mb, time.Second, true)
	}
	assert.Equal(t, 8, c.Calculate(500*mb, 0, host), "fewer than 3 samples leaves the count alone")

	c.Record(host, 2, 20*mb, time.Second, true)
	assert.Equal(t, 9, c.Calculate(500*mb, 0, host), "8*1.2 truncated")

	slow := "slow.example.com"
	for i := 0; i < 3; i++ {
		c.Record(slow, 8, mb, time.Second, true)
	}
	assert.Equal(t, 6, c.Calculate(500*mb, 0, slow))
}

func TestFailedTransfersAreNotRecorded(t *testing.T) {
	c := NewCalculator(DefaultConfig(), roomy, nil)
	c.Record("h", 4, mb, time.Second, false)
	_, ok := c.History().Stats("h")
	assert.False(t, ok)
}

func TestHistoryDecay(t *testing.T) {
	h := NewHistory(nil)
	for i := 0; i < 101; i++ {
		h.Add(Sample{Host: "h", Threads: 1, Efficiency: 1, Throughput: 100})
	}
	s, ok := h.Stats("h")
	require.True(t, ok)
	assert.Equal(t, 99, s.Samples)
	assert.InDelta(t, 101*0.99, s.TotalEfficiency, 1e-9)
}

func TestHostKey(t *testing.T) {
	assert.Equal(t, "cdn.example.com", HostKey("https://CDN.example.com:8443/v/1.mp4?sig=x"))
	assert.Equal(t, "not a url", HostKey("not a url"))
}

func TestBoltStorePersistsHistory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	store, err := OpenBoltStore(path)
	require.NoError(t, err)

	h := NewHistory(store)
	for i := 0; i < 3; i++ {
		h.Add(Sample{Host: "cdn", Threads: 4, Efficiency: 0.9, Throughput: 4 * mb})
	}
	require.NoError(t, store.Close())

	store, err = OpenBoltStore(path)
	require.NoError(t, err)
	defer store.Close()
	reloaded := NewHistory(store)
	s, ok := reloaded.Stats("cdn")
	require.True(t, ok)
	assert.Equal(t, 3, s.Samples)
	assert.InDelta(t, 0.9, s.AverageEfficiency(), 1e-9)
	assert.InDelta(t, float64(4*mb), reloaded.AverageThroughput("cdn"), 1e-6)
}
