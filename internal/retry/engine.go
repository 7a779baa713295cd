package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tanq16/vidrelay/internal/backoff"
	"github.com/tanq16/vidrelay/internal/cache"
)

var (
	ErrCircuitOpen  = errors.New("circuit breaker open")
	ErrExhausted    = errors.New("retry attempts exhausted")
	ErrNotRetryable = errors.New("non-retryable error")
	ErrNoResult     = errors.New("no result")
)

// Lookup is one attempt of a flaky idempotent operation. Returning ok=false
// with a nil error means the value is not available yet.
type Lookup[K comparable, V any] func(ctx context.Context, key K) (value V, ok bool, err error)

// Recorder receives per-attempt accounting. *metrics.Collector satisfies it.
type Recorder interface {
	RecordAttempt(name string, attempt int)
	RecordSuccess(name string, attempts int, elapsed time.Duration)
	RecordFailure(name string, attempts int, elapsed time.Duration, reason string)
	RecordCircuitTrip(name string)
	RecordDelay(name string, attempt int, delay time.Duration)
}

type Policy struct {
	MaxAttempts      int
	Backoff          backoff.Policy
	FailureThreshold int
	OpenDuration     time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:      5,
		Backoff:          backoff.DefaultPolicy(),
		FailureThreshold: 10,
		OpenDuration:     60 * time.Second,
	}
}

type Option[K comparable, V any] func(*Engine[K, V])

func WithCache[K comparable, V any](c cache.Store[K, V]) Option[K, V] {
	return func(e *Engine[K, V]) { e.cache = c }
}

func WithRecorder[K comparable, V any](r Recorder) Option[K, V] {
	return func(e *Engine[K, V]) { e.recorder = r }
}

func WithSleep[K comparable, V any](fn func(context.Context, time.Duration) error) Option[K, V] {
	return func(e *Engine[K, V]) { e.sleep = fn }
}

func WithClock[K comparable, V any](now func() time.Time) Option[K, V] {
	return func(e *Engine[K, V]) { e.breaker.now = now }
}

// Engine retries a Lookup under one operation name, sharing a circuit
// breaker and result cache across calls.
type Engine[K comparable, V any] struct {
	name     string
	policy   Policy
	lookup   Lookup[K, V]
	backoff  *backoff.Calculator
	breaker  *Breaker
	cache    cache.Store[K, V]
	recorder Recorder
	sleep    func(context.Context, time.Duration) error
}

func NewEngine[K comparable, V any](name string, policy Policy, lookup Lookup[K, V], opts ...Option[K, V]) *Engine[K, V] {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	e := &Engine[K, V]{
		name:    name,
		policy:  policy,
		lookup:  lookup,
		backoff: backoff.NewCalculator(policy.Backoff),
		breaker: NewBreaker(policy.FailureThreshold, policy.OpenDuration),
		sleep:   Sleep,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// GetWithRetry returns the value for key, or false when it could not be
// produced within the attempt budget or the breaker is open.
func (e *Engine[K, V]) GetWithRetry(ctx context.Context, key K) (V, bool) {
	v, err := e.Do(ctx, key)
	return v, err == nil
}

func (e *Engine[K, V]) Do(ctx context.Context, key K) (V, error) {
	var zero V
	if e.cache != nil {
		if v, ok := e.cache.Get(key); ok {
			log.Debug().Str("op", "retry/engine").Msgf("%s: cache hit for %v", e.name, key)
			return v, nil
		}
	}
	if !e.breaker.Allow() {
		log.Warn().Str("op", "retry/engine").Msgf("%s: circuit open, skipping %v", e.name, key)
		return zero, fmt.Errorf("%s: %w", e.name, ErrCircuitOpen)
	}

	start := time.Now()
	var lastErr error
	var prevDelay time.Duration
	attempt := 1
	for ; attempt <= e.policy.MaxAttempts; attempt++ {
		e.recordAttempt(attempt)
		v, ok, err := e.lookup(ctx, key)
		if err == nil && ok {
			if e.cache != nil {
				e.cache.Put(key, v)
			}
			e.breaker.Success()
			if e.recorder != nil {
				e.recorder.RecordSuccess(e.name, attempt, time.Since(start))
			}
			if attempt > 1 {
				log.Info().Str("op", "retry/engine").Msgf("%s: %v resolved after %d attempts", e.name, key, attempt)
			}
			return v, nil
		}
		if err != nil {
			lastErr = err
			if ctxErr := ctx.Err(); ctxErr != nil {
				e.cancelled(attempt, start)
				return zero, fmt.Errorf("%s: retry interrupted: %w", e.name, ctxErr)
			}
			if !IsRetryable(err) {
				log.Error().Str("op", "retry/engine").Msgf("%s: non-retryable error for %v: %v", e.name, key, err)
				e.fail(attempt, start, err.Error())
				return zero, fmt.Errorf("%s: %w: %w", e.name, ErrNotRetryable, err)
			}
			log.Warn().Str("op", "retry/engine").Msgf("%s: attempt %d for %v failed: %v", e.name, attempt, key, err)
		} else {
			lastErr = ErrNoResult
			log.Debug().Str("op", "retry/engine").Msgf("%s: attempt %d for %v returned no result", e.name, attempt, key)
		}
		if attempt == e.policy.MaxAttempts {
			break
		}
		delay := e.backoff.Delay(attempt, prevDelay)
		prevDelay = delay
		if e.recorder != nil {
			e.recorder.RecordDelay(e.name, attempt, delay)
		}
		if err := e.sleep(ctx, delay); err != nil {
			e.cancelled(attempt, start)
			return zero, fmt.Errorf("%s: retry interrupted: %w", e.name, err)
		}
	}

	attempts := min(attempt, e.policy.MaxAttempts)
	log.Error().Str("op", "retry/engine").Msgf("%s: %v failed after %d attempts", e.name, key, attempts)
	e.fail(attempts, start, lastErr.Error())
	return zero, fmt.Errorf("%s: %w: %w", e.name, ErrExhausted, lastErr)
}

func (e *Engine[K, V]) recordAttempt(attempt int) {
	if e.recorder != nil {
		e.recorder.RecordAttempt(e.name, attempt)
	}
}

// cancelled records an aborted call without touching the breaker.
func (e *Engine[K, V]) cancelled(attempts int, start time.Time) {
	if e.recorder != nil {
		e.recorder.RecordFailure(e.name, attempts, time.Since(start), "cancelled")
	}
}

func (e *Engine[K, V]) fail(attempts int, start time.Time, reason string) {
	if e.recorder != nil {
		e.recorder.RecordFailure(e.name, attempts, time.Since(start), reason)
	}
	if e.breaker.Failure() {
		log.Warn().Str("op", "retry/engine").Msgf("%s: circuit breaker opened after %d consecutive failures", e.name, e.breaker.Failures())
		if e.recorder != nil {
			e.recorder.RecordCircuitTrip(e.name)
		}
	}
}

func (e *Engine[K, V]) BreakerState() State {
	return e.breaker.State()
}

func (e *Engine[K, V]) ResetBreaker() {
	e.breaker.Reset()
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
