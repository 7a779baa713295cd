package threads

import (
	"net/url"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

const (
	maxSamples  = 100
	decayFactor = 0.99
	minSamples  = 3
)

type Sample struct {
	Host       string
	Threads    int
	Efficiency float64
	Throughput float64
}

// HostStats is the decayed rolling aggregate kept per host.
type HostStats struct {
	Samples         int     `json:"samples"`
	TotalEfficiency float64 `json:"total_efficiency"`
	TotalThroughput float64 `json:"total_throughput"`
	TotalThreads    float64 `json:"total_threads"`
}

func (s HostStats) AverageEfficiency() float64 {
	if s.Samples == 0 {
		return 0
	}
	return s.TotalEfficiency / float64(s.Samples)
}

func (s HostStats) AverageThroughput() float64 {
	if s.Samples == 0 {
		return 0
	}
	return s.TotalThroughput / float64(s.Samples)
}

// Store persists host stats between runs.
type Store interface {
	Load() (map[string]HostStats, error)
	Save(host string, stats HostStats) error
}

type History struct {
	mu    sync.Mutex
	hosts map[string]*HostStats
	store Store
}

func NewHistory(store Store) *History {
	h := &History{hosts: make(map[string]*HostStats), store: store}
	if store == nil {
		return h
	}
	loaded, err := store.Load()
	if err != nil {
		log.Warn().Str("op", "threads/history").Msgf("error loading performance history: %v", err)
		return h
	}
	for host, stats := range loaded {
		s := stats
		h.hosts[host] = &s
	}
	log.Debug().Str("op", "threads/history").Msgf("loaded performance history for %d hosts", len(loaded))
	return h
}

func (h *History) Add(s Sample) {
	h.mu.Lock()
	stats, ok := h.hosts[s.Host]
	if !ok {
		stats = &HostStats{}
		h.hosts[s.Host] = stats
	}
	stats.Samples++
	stats.TotalEfficiency += s.Efficiency
	stats.TotalThroughput += s.Throughput
	stats.TotalThreads += float64(s.Threads)
	if stats.Samples > maxSamples {
		stats.TotalEfficiency *= decayFactor
		stats.TotalThroughput *= decayFactor
		stats.TotalThreads *= decayFactor
		stats.Samples = maxSamples - 1
	}
	snapshot := *stats
	h.mu.Unlock()

	if h.store != nil {
		if err := h.store.Save(s.Host, snapshot); err != nil {
			log.Warn().Str("op", "threads/history").Msgf("error saving performance history for %s: %v", s.Host, err)
		}
	}
}

func (h *History) Stats(host string) (HostStats, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.hosts[host]
	if !ok {
		return HostStats{}, false
	}
	return *s, true
}

// AverageThroughput returns bytes per second seen for host, or 0.
func (h *History) AverageThroughput(host string) float64 {
	s, ok := h.Stats(host)
	if !ok {
		return 0
	}
	return s.AverageThroughput()
}

// HostKey reduces a URL to the host used to key history.
func HostKey(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return strings.ToLower(raw)
	}
	return strings.ToLower(u.Hostname())
}
