package threads

import (
	"math"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	mb            = 1024 * 1024
	unknownLoad   = 0.5
	minCPUShare   = 0.3
	boostFactor   = 1.2
	reduceFactor  = 0.8
	highEfficient = 0.8
	lowEfficient  = 0.5
)

type Config struct {
	MinThreads      int
	MaxThreads      int
	CPUFactor       float64
	MemoryThreshold float64
}

func DefaultConfig() Config {
	return Config{MinThreads: 1, MaxThreads: 16, CPUFactor: 2.0, MemoryThreshold: 0.8}
}

// Breakdown lists every candidate that went into a decision.
type Breakdown struct {
	CPU       int
	Memory    int
	Bandwidth int
	FileSize  int
	Base      int
	History   int
	Final     int
}

type Calculator struct {
	cfg       Config
	resources Resources
	history   *History
}

func NewCalculator(cfg Config, res Resources, history *History) *Calculator {
	if cfg.MinThreads < 1 {
		cfg.MinThreads = 1
	}
	if cfg.MaxThreads < cfg.MinThreads {
		cfg.MaxThreads = cfg.MinThreads
	}
	if cfg.CPUFactor <= 0 {
		cfg.CPUFactor = 2.0
	}
	if cfg.MemoryThreshold <= 0 {
		cfg.MemoryThreshold = 0.8
	}
	if res == nil {
		res = SystemResources{}
	}
	if history == nil {
		history = NewHistory(nil)
	}
	return &Calculator{cfg: cfg, resources: res, history: history}
}

func (c *Calculator) History() *History {
	return c.history
}

// Calculate returns a thread count in [MinThreads, MaxThreads]. bandwidth is
// in bytes per second; values <= 0 mean unknown.
func (c *Calculator) Calculate(fileSize, bandwidth int64, host string) int {
	b := c.Breakdown(fileSize, bandwidth, host)
	log.Debug().Str("op", "threads/calculator").Msgf(
		"threads for %s: cpu=%d mem=%d bw=%d size=%d history=%d final=%d",
		host, b.CPU, b.Memory, b.Bandwidth, b.FileSize, b.History, b.Final)
	return b.Final
}

func (c *Calculator) Breakdown(fileSize, bandwidth int64, host string) Breakdown {
	b := Breakdown{
		CPU:       c.cpuBased(),
		Memory:    c.memoryBased(fileSize),
		Bandwidth: c.bandwidthBased(bandwidth),
		FileSize:  fileSizeBased(fileSize),
	}
	b.Base = min(b.CPU, b.Memory, b.Bandwidth, b.FileSize)
	b.History = c.adjustByHistory(b.Base, host)
	b.Final = max(c.cfg.MinThreads, min(b.History, c.cfg.MaxThreads))
	return b
}

func (c *Calculator) cpuBased() int {
	load := c.resources.CPULoad()
	if load < 0 {
		load = unknownLoad
	}
	share := math.Max(minCPUShare, 1-load)
	return int(math.Ceil(float64(c.resources.Cores()) * c.cfg.CPUFactor * share))
}

func (c *Calculator) memoryBased(fileSize int64) int {
	perThread := math.Max(mb, float64(fileSize)/100)
	usable := float64(c.resources.AvailableMemory()) * c.cfg.MemoryThreshold
	return max(1, int(usable/perThread))
}

func (c *Calculator) bandwidthBased(bandwidth int64) int {
	if bandwidth <= 0 {
		return c.cfg.MaxThreads / 2
	}
	mbps := float64(bandwidth) * 8 / 1_000_000
	switch {
	case mbps < 10:
		return 2
	case mbps < 50:
		return 4
	case mbps < 100:
		return 8
	default:
		return 12
	}
}

func fileSizeBased(fileSize int64) int {
	if fileSize <= 0 {
		return 1
	}
	sizeMB := float64(fileSize) / mb
	switch {
	case sizeMB < 50:
		return 2
	case sizeMB < 200:
		return 4
	case sizeMB < 1000:
		return 8
	default:
		return 12
	}
}

func (c *Calculator) adjustByHistory(base int, host string) int {
	stats, ok := c.history.Stats(host)
	if !ok || stats.Samples < minSamples {
		return base
	}
	eff := stats.AverageEfficiency()
	switch {
	case eff > highEfficient:
		return min(int(float64(base)*boostFactor), c.cfg.MaxThreads)
	case eff < lowEfficient:
		return max(int(float64(base)*reduceFactor), c.cfg.MinThreads)
	}
	return base
}

// Record stores the outcome of a finished transfer. Failed transfers are
// not recorded.
func (c *Calculator) Record(host string, threads int, bytes int64, elapsed time.Duration, success bool) {
	if !success || threads <= 0 || elapsed <= 0 {
		return
	}
	throughput := float64(bytes) / elapsed.Seconds()
	efficiency := math.Min(1.0, throughput/(float64(threads)*mb))
	c.history.Add(Sample{Host: host, Threads: threads, Efficiency: efficiency, Throughput: throughput})
	log.Debug().Str("op", "threads/calculator").Msgf("recorded %s: threads=%d efficiency=%.2f throughput=%.0fB/s", host, threads, efficiency, throughput)
}
