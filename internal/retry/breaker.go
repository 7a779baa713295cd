package retry

import (
	"sync"
	"time"
)

type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	}
	return "UNKNOWN"
}

// Breaker counts consecutive failures of one logical operation. Once open it
// rejects calls until openDuration has elapsed, then lets calls through until
// the next outcome decides whether it closes or re-opens.
type Breaker struct {
	mu           sync.Mutex
	state        State
	failures     int
	openedAt     time.Time
	threshold    int
	openDuration time.Duration
	now          func() time.Time
}

func NewBreaker(threshold int, openDuration time.Duration) *Breaker {
	if threshold < 1 {
		threshold = 1
	}
	return &Breaker{
		threshold:    threshold,
		openDuration: openDuration,
		now:          time.Now,
	}
}

// Allow reports whether a call may proceed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != Open {
		return true
	}
	if b.now().Sub(b.openedAt) >= b.openDuration {
		b.state = HalfOpen
		return true
	}
	return false
}

func (b *Breaker) Success() {
	b.mu.Lock()
	b.state = Closed
	b.failures = 0
	b.mu.Unlock()
}

// Failure records one failed call and reports whether it tripped the breaker.
func (b *Breaker) Failure() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.state == HalfOpen || (b.state == Closed && b.failures >= b.threshold) {
		b.state = Open
		b.openedAt = b.now()
		return true
	}
	return false
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

func (b *Breaker) Reset() {
	b.mu.Lock()
	b.state = Closed
	b.failures = 0
	b.openedAt = time.Time{}
	b.mu.Unlock()
}
