package segment

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	emitInterval = 500 * time.Millisecond
	emitDelta    = 0.01
)

// ProgressFunc receives percent done in [0,100] with the byte counts.
type ProgressFunc func(percent float64, current, total int64)

// ShouldEmit gates progress callbacks. lastFraction < 0 means nothing was
// emitted yet. Fractions are in [0,1].
func ShouldEmit(lastAt time.Time, lastFraction float64, now time.Time, fraction float64) bool {
	if lastFraction < 0 || fraction >= 1 {
		return true
	}
	if now.Sub(lastAt) >= emitInterval {
		return true
	}
	return fraction-lastFraction >= emitDelta
}

// Reporter accumulates bytes from every segment of one transfer and forwards
// throttled, non-decreasing progress to a ProgressFunc.
type Reporter struct {
	total int64
	bytes atomic.Int64
	sink  ProgressFunc
	now   func() time.Time

	mu       sync.Mutex
	lastAt   time.Time
	lastFrac float64
	lastSent int64
}

func NewReporter(total int64, sink ProgressFunc) *Reporter {
	return &Reporter{total: total, sink: sink, now: time.Now, lastFrac: -1, lastSent: -1}
}

func (r *Reporter) Add(n int64) {
	cur := r.bytes.Add(n)
	if r.sink == nil || n <= 0 {
		return
	}
	r.emit(cur, false)
}

// Rollback removes bytes from a failed attempt. Nothing is emitted so the
// reported value never goes backwards.
func (r *Reporter) Rollback(n int64) {
	r.bytes.Add(-n)
}

// SetTotal fixes the size once it becomes known.
func (r *Reporter) SetTotal(total int64) {
	r.mu.Lock()
	r.total = total
	r.mu.Unlock()
}

func (r *Reporter) Total() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total
}

// Complete forces a final 100% update.
func (r *Reporter) Complete() {
	if r.sink == nil {
		return
	}
	r.emit(r.bytes.Load(), true)
}

func (r *Reporter) fraction(cur int64) float64 {
	if r.total <= 0 {
		return 0
	}
	return min(1, max(0, float64(cur)/float64(r.total)))
}

func (r *Reporter) emit(cur int64, final bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur < r.lastSent {
		return
	}
	frac := r.fraction(cur)
	if final {
		frac = 1
		cur = max(cur, r.total)
	}
	now := r.now()
	if !final && !ShouldEmit(r.lastAt, r.lastFrac, now, frac) {
		return
	}
	if frac < r.lastFrac {
		return
	}
	if final && r.lastFrac >= 1 && r.lastSent >= cur {
		return
	}
	r.lastAt, r.lastFrac, r.lastSent = now, frac, cur
	r.sink(frac*100, cur, r.total)
}
