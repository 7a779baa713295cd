package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

// attemptBuckets is the size of the attempt distribution; the last bucket
// also counts operations that needed more attempts.
const attemptBuckets = 10

type operation struct {
	attempts     atomic.Int64
	successes    atomic.Int64
	failures     atomic.Int64
	trips        atomic.Int64
	totalRetryNs atomic.Int64
	distribution [attemptBuckets]atomic.Int64

	mu       sync.Mutex
	observed bool
	minRetry time.Duration
	maxRetry time.Duration
	first    time.Time
	last     time.Time
}

type OperationSnapshot struct {
	Name                string        `json:"name"`
	Attempts            int64         `json:"attempts"`
	Successes           int64         `json:"successes"`
	Failures            int64         `json:"failures"`
	CircuitTrips        int64         `json:"circuit_breaker_trips"`
	SuccessRate         float64       `json:"success_rate"`
	TotalRetryTime      time.Duration `json:"total_retry_time_ns"`
	AverageRetryTime    time.Duration `json:"average_retry_time_ns"`
	MinRetryTime        time.Duration `json:"min_retry_time_ns"`
	MaxRetryTime        time.Duration `json:"max_retry_time_ns"`
	AttemptDistribution map[int]int64 `json:"attempt_distribution,omitempty"`
	FirstOperation      time.Time     `json:"first_operation"`
	LastOperation       time.Time     `json:"last_operation"`
}

type Summary struct {
	TotalOperations    int64                        `json:"total_operations"`
	TotalAttempts      int64                        `json:"total_attempts"`
	TotalSuccesses     int64                        `json:"total_successes"`
	TotalFailures      int64                        `json:"total_failures"`
	TotalCircuitTrips  int64                        `json:"total_circuit_breaker_trips"`
	OverallSuccessRate float64                      `json:"overall_success_rate"`
	AverageRetryTime   time.Duration                `json:"average_retry_time_ns"`
	CollectingSince    time.Time                    `json:"collecting_since"`
	Operations         map[string]OperationSnapshot `json:"operations"`
}

// Collector keeps per-operation counters. Recording and Reset are safe to
// call from any goroutine.
type Collector struct {
	mu       sync.RWMutex
	ops      map[string]*operation
	started  time.Time
	registry *prometheus.Registry
}

func NewCollector() *Collector {
	c := &Collector{
		ops:     make(map[string]*operation),
		started: time.Now(),
	}
	c.registry = newRegistry(c)
	return c
}

func (c *Collector) get(name string) *operation {
	c.mu.RLock()
	op, ok := c.ops[name]
	c.mu.RUnlock()
	if ok {
		return op
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if op, ok = c.ops[name]; !ok {
		op = &operation{}
		c.ops[name] = op
	}
	return op
}

func (c *Collector) RecordAttempt(name string, attempt int) {
	op := c.get(name)
	op.attempts.Add(1)
	op.touch(time.Now())
	log.Debug().Str("op", "metrics/metrics").Msgf("%s attempt %d", name, attempt)
}

func (c *Collector) RecordSuccess(name string, attempts int, elapsed time.Duration) {
	op := c.get(name)
	op.successes.Add(1)
	op.observe(attempts, elapsed)
}

func (c *Collector) RecordFailure(name string, attempts int, elapsed time.Duration, reason string) {
	op := c.get(name)
	op.failures.Add(1)
	op.observe(attempts, elapsed)
	log.Debug().Str("op", "metrics/metrics").Msgf("%s failed after %d attempts: %s", name, attempts, reason)
}

func (c *Collector) RecordCircuitTrip(name string) {
	c.get(name).trips.Add(1)
	log.Warn().Str("op", "metrics/metrics").Msgf("circuit breaker tripped for %s", name)
}

func (c *Collector) RecordDelay(name string, attempt int, delay time.Duration) {
	log.Debug().Str("op", "metrics/metrics").Msgf("%s sleeping %s before attempt %d", name, delay, attempt+1)
}

// Reset drops every operation. Updates racing with Reset land in the
// discarded set.
func (c *Collector) Reset() {
	c.mu.Lock()
	c.ops = make(map[string]*operation)
	c.started = time.Now()
	c.mu.Unlock()
	log.Info().Str("op", "metrics/metrics").Msg("metrics reset")
}

func (c *Collector) Operation(name string) (OperationSnapshot, bool) {
	c.mu.RLock()
	op, ok := c.ops[name]
	c.mu.RUnlock()
	if !ok {
		return OperationSnapshot{}, false
	}
	return op.snapshot(name), true
}

func (c *Collector) Summary() Summary {
	c.mu.RLock()
	ops := make(map[string]*operation, len(c.ops))
	for k, v := range c.ops {
		ops[k] = v
	}
	started := c.started
	c.mu.RUnlock()

	s := Summary{
		CollectingSince: started,
		Operations:      make(map[string]OperationSnapshot, len(ops)),
	}
	var totalRetry time.Duration
	for name, op := range ops {
		snap := op.snapshot(name)
		s.Operations[name] = snap
		s.TotalAttempts += snap.Attempts
		s.TotalSuccesses += snap.Successes
		s.TotalFailures += snap.Failures
		s.TotalCircuitTrips += snap.CircuitTrips
		totalRetry += snap.TotalRetryTime
	}
	s.TotalOperations = s.TotalSuccesses + s.TotalFailures
	if s.TotalOperations > 0 {
		s.OverallSuccessRate = float64(s.TotalSuccesses) / float64(s.TotalOperations) * 100
		s.AverageRetryTime = totalRetry / time.Duration(s.TotalOperations)
	}
	return s
}

func (op *operation) touch(now time.Time) {
	op.mu.Lock()
	if op.first.IsZero() {
		op.first = now
	}
	op.last = now
	op.mu.Unlock()
}

func (op *operation) observe(attempts int, elapsed time.Duration) {
	bucket := min(max(attempts, 1), attemptBuckets) - 1
	op.distribution[bucket].Add(1)
	op.totalRetryNs.Add(int64(elapsed))

	now := time.Now()
	op.mu.Lock()
	defer op.mu.Unlock()
	if op.first.IsZero() {
		op.first = now
	}
	op.last = now
	if !op.observed || elapsed < op.minRetry {
		op.minRetry = elapsed
	}
	op.observed = true
	if elapsed > op.maxRetry {
		op.maxRetry = elapsed
	}
}

func (op *operation) snapshot(name string) OperationSnapshot {
	s := OperationSnapshot{
		Name:           name,
		Attempts:       op.attempts.Load(),
		Successes:      op.successes.Load(),
		Failures:       op.failures.Load(),
		CircuitTrips:   op.trips.Load(),
		TotalRetryTime: time.Duration(op.totalRetryNs.Load()),
	}
	completed := s.Successes + s.Failures
	if completed > 0 {
		s.SuccessRate = float64(s.Successes) / float64(completed) * 100
		s.AverageRetryTime = s.TotalRetryTime / time.Duration(completed)
	}
	for i := range op.distribution {
		if n := op.distribution[i].Load(); n > 0 {
			if s.AttemptDistribution == nil {
				s.AttemptDistribution = make(map[int]int64)
			}
			s.AttemptDistribution[i+1] = n
		}
	}
	op.mu.Lock()
	s.MinRetryTime = op.minRetry
	s.MaxRetryTime = op.maxRetry
	s.FirstOperation = op.first
	s.LastOperation = op.last
	op.mu.Unlock()
	return s
}
